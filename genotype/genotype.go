// Package genotype calls marker presence in progeny and assembles the
// per-parent genotype tables.
package genotype

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/aflap/artifact"
	"github.com/grailbio/aflap/kmerindex"
	"github.com/grailbio/aflap/markers"
	"github.com/grailbio/aflap/pedigree"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// Call is the genotype call of one marker in one progeny.
type Call uint8

const (
	// Absent means the marker count is below the threshold.
	Absent Call = 0
	// Present means the marker count reached the threshold.
	Present Call = 1
	// Het marks a second-generation marker at a locus shared by the male and
	// female parents.
	Het Call = 2
)

func (c Call) String() string { return strconv.Itoa(int(c)) }

// Opts configures calling.
type Opts struct {
	K int
	// Threshold is the minimum count for a Present call.
	Threshold int
}

// Env holds the collaborators used by the genotype stages.
type Env struct {
	Opts  Opts
	Index kmerindex.Index
	Store *artifact.Store
}

// Unit is one (parent, progeny) genotyping task.
type Unit struct {
	Parent  *pedigree.Parent
	Gen     pedigree.Generation
	Progeny string
}

func (u Unit) String() string { return u.Progeny + "/" + u.Parent.ID }

func (u Unit) individuals() []string {
	return append([]string{u.Progeny, u.Parent.ID}, u.Parent.CoParents...)
}

// CountKey addresses the raw counts of a unit.
func CountKey(u Unit, k int) artifact.Key {
	return artifact.Key{
		Dir:         fmt.Sprintf("04/%s/Count", u.Gen),
		Name:        fmt.Sprintf("%s_%s.txt", u.Progeny, markers.ParamsOf(u.Parent, k)),
		Individuals: u.individuals(),
	}
}

// CallKey addresses the calls of a unit.
func CallKey(u Unit, k int) artifact.Key {
	return artifact.Key{
		Dir:         fmt.Sprintf("04/%s/Call", u.Gen),
		Name:        fmt.Sprintf("%s_%s.txt", u.Progeny, markers.ParamsOf(u.Parent, k)),
		Individuals: u.individuals(),
	}
}

// CallOf returns Present when count >= threshold and Absent otherwise.
func CallOf(count, threshold int) Call {
	if count >= threshold {
		return Present
	}
	return Absent
}

// Progeny lists the progeny of parent p in generation gen. A parent without
// any progeny cannot be genotyped.
func Progeny(ped *pedigree.Pedigree, p *pedigree.Parent) ([]Unit, error) {
	gen := ped.Generation()
	progs := ped.ProgenyOf(p.ID, gen)
	if len(progs) == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("no %s progeny of %s found", gen, p.ID))
	}
	units := make([]Unit, len(progs))
	for i, prog := range progs {
		units[i] = Unit{Parent: p, Gen: gen, Progeny: prog}
	}
	return units, nil
}

// Genotype queries the markers ms of u.Parent against the index of u.Progeny
// and calls each marker. For second-generation units, markers whose sequence
// is in het are called Het regardless of count. Count and call artifacts are
// reused when both exist.
func Genotype(ctx context.Context, env Env, u Unit, ms []markers.Marker, het map[string]bool) ([]Call, error) {
	k := env.Opts.K
	ck, lk := CountKey(u, k), CallKey(u, k)
	if env.Store.Exists(ctx, ck) && env.Store.Exists(ctx, lk) {
		log.Debug.Printf("%s: reusing calls", u)
		calls, err := ReadCalls(ctx, env.Store.Path(lk))
		if err != nil {
			return nil, err
		}
		if len(calls) != len(ms) {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%s has %d calls for %d markers; remove it and rerun the genotype stage", env.Store.Path(lk), len(calls), len(ms)))
		}
		return calls, nil
	}

	h, err := env.Index.Open(ctx, u.Progeny)
	if err != nil {
		return nil, err
	}
	countPath, _, err := env.Store.Ensure(ctx, ck, func(tmp string) error {
		counts, err := env.Index.Query(ctx, h, markers.Seqs(ms))
		if err != nil {
			return err
		}
		return writeCounts(ctx, tmp, counts)
	})
	if err != nil {
		return nil, err
	}
	counts, err := ReadCounts(ctx, countPath)
	if err != nil {
		return nil, err
	}
	if len(counts) != len(ms) {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("%s has %d counts for %d markers", countPath, len(counts), len(ms)))
	}
	calls := make([]Call, len(ms))
	var present int
	for i, c := range counts {
		if c.Seq != ms[i].Seq {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%s: line %d is %s, expected marker %s", countPath, i+1, c.Seq, ms[i].Seq))
		}
		calls[i] = CallOf(c.N, env.Opts.Threshold)
		if u.Gen == pedigree.F2 && het[c.Seq] {
			calls[i] = Het
		}
		if calls[i] != Absent {
			present++
		}
	}
	if _, _, err = env.Store.Ensure(ctx, lk, func(tmp string) error {
		return writeCalls(ctx, tmp, calls)
	}); err != nil {
		return nil, err
	}
	log.Debug.Printf("%s: %d of %d markers called", u, present, len(ms))
	return calls, nil
}

type countRow struct {
	Seq string
	N   int
}

func writeCounts(ctx context.Context, path string, counts []kmerindex.Count) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewWriter(out.Writer(ctx))
	for _, c := range counts {
		w.WriteString(c.Seq)
		w.WriteUint32(uint32(c.N))
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadCounts reads a count artifact: "SEQ\tCOUNT" lines in marker order.
func ReadCounts(ctx context.Context, path string) (counts []kmerindex.Count, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "counts", path, "not found; rerun the genotype stage")
	}
	defer file.CloseAndReport(ctx, in, &err)
	return parseCounts(in.Reader(ctx), path)
}

func parseCounts(rd io.Reader, src string) ([]kmerindex.Count, error) {
	r := tsv.NewReader(rd)
	var counts []kmerindex.Count
	for {
		var row countRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Integrity, err, src)
		}
		counts = append(counts, kmerindex.Count{Seq: row.Seq, N: row.N})
	}
	return counts, nil
}

func writeCalls(ctx context.Context, path string, calls []Call) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewWriter(out.Writer(ctx))
	for _, c := range calls {
		w.WriteString(c.String())
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

type callRow struct {
	Call int
}

// ReadCalls reads a call artifact: one 0, 1 or 2 per line in marker order.
func ReadCalls(ctx context.Context, path string) (calls []Call, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "calls", path, "not found; rerun the genotype stage")
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := tsv.NewReader(in.Reader(ctx))
	for {
		var row callRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Integrity, err, path)
		}
		if row.Call < 0 || row.Call > int(Het) {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%s: bad call %d", path, row.Call))
		}
		calls = append(calls, Call(row.Call))
	}
	return calls, nil
}
