package markers

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/aflap/artifact"
	"github.com/grailbio/aflap/pedigree"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// LociKey addresses the flank-signature table of a parent's markers.
func LociKey(p artifact.Params, sex pedigree.Sex, individuals []string) artifact.Key {
	return artifact.Key{
		Dir:         "03/SimGroups",
		Name:        fmt.Sprintf("%s_%s_locus_seqs.tsv", sex, p),
		Individuals: individuals,
	}
}

// IdenticalLociKey addresses the table of loci shared by male and female
// markers. The name carries a fingerprint of the contributing marker sets,
// given as one "sex params" string per parent.
func IdenticalLociKey(k int, sets, individuals []string) artifact.Key {
	sets = append([]string(nil), sets...)
	sort.Strings(sets)
	h := seahash.New()
	for _, s := range sets {
		io.WriteString(h, s)
		h.Write([]byte{0})
	}
	return artifact.Key{
		Dir:         "03/SimGroups",
		Name:        fmt.Sprintf("identical_loci_m%d_%016x.tsv", k, h.Sum64()),
		Individuals: individuals,
	}
}

type locusRow struct {
	Sequence   string `tsv:"Sequence"`
	SequenceID string `tsv:"SequenceID"`
	Locus      string `tsv:"Locus"`
}

// WriteLoci writes the sequence, id and flank signature of each marker.
func WriteLoci(w io.Writer, ms []Marker) error {
	tw := tsv.NewWriter(w)
	tw.WriteString("Sequence\tSequenceID\tLocus")
	if err := tw.EndLine(); err != nil {
		return err
	}
	for _, m := range ms {
		tw.WriteString(m.Seq)
		tw.WriteString(m.Name())
		tw.WriteString(m.Locus)
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// readLoci returns the flank signature of each marker name in a table
// written by WriteLoci.
func readLoci(ctx context.Context, path string) (loci map[string]string, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	loci = map[string]string{}
	for {
		var row locusRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Integrity, err, path)
		}
		loci[row.SequenceID] = row.Locus
	}
	return loci, nil
}

// Locus is a locus shared by a male and a female marker: both markers come
// from fragments with the same flank signature.
type Locus struct {
	MaleSeq, MaleID     string
	FemaleSeq, FemaleID string
	// Flanks is the shared flank signature.
	Flanks string
	ID     string
}

// IdenticalLoci joins male and female markers on their flank signature. The
// result follows male marker order, then female marker order, and loci are
// numbered F2_0, F2_1, ...
func IdenticalLoci(male, female []Marker) []Locus {
	byFlanks := map[string][]Marker{}
	for _, f := range female {
		byFlanks[f.Locus] = append(byFlanks[f.Locus], f)
	}
	var loci []Locus
	for _, m := range male {
		if m.Locus == "" {
			continue
		}
		for _, f := range byFlanks[m.Locus] {
			loci = append(loci, Locus{
				ID:        "F2_" + strconv.Itoa(len(loci)),
				MaleSeq:   m.Seq,
				MaleID:    m.Name(),
				FemaleSeq: f.Seq,
				FemaleID:  f.Name(),
				Flanks:    m.Locus,
			})
		}
	}
	return loci
}

// LociSeqs returns the set of male and female sequences of loci.
func LociSeqs(loci []Locus) map[string]bool {
	s := make(map[string]bool, 2*len(loci))
	for _, l := range loci {
		s[l.MaleSeq] = true
		s[l.FemaleSeq] = true
	}
	return s
}

// WriteIdenticalLoci writes loci as a TSV table.
func WriteIdenticalLoci(w io.Writer, loci []Locus) error {
	tw := tsv.NewWriter(w)
	tw.WriteString("MaleSequence\tMaleSequenceID\tFemaleSequence\tFemaleSequenceID\tLocus\tLocusID")
	if err := tw.EndLine(); err != nil {
		return err
	}
	for _, l := range loci {
		tw.WriteString(l.MaleSeq)
		tw.WriteString(l.MaleID)
		tw.WriteString(l.FemaleSeq)
		tw.WriteString(l.FemaleID)
		tw.WriteString(l.Flanks)
		tw.WriteString(l.ID)
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

type identicalRow struct {
	MaleSeq   string `tsv:"MaleSequence"`
	MaleID    string `tsv:"MaleSequenceID"`
	FemaleSeq string `tsv:"FemaleSequence"`
	FemaleID  string `tsv:"FemaleSequenceID"`
	Flanks    string `tsv:"Locus"`
	ID        string `tsv:"LocusID"`
}

// ReadIdenticalLoci reads a table written by WriteIdenticalLoci.
func ReadIdenticalLoci(ctx context.Context, path string) (loci []Locus, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "identical loci", path, "not found; rerun the markers stage")
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	for {
		var row identicalRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Integrity, err, path)
		}
		loci = append(loci, Locus(row))
	}
	return loci, nil
}

// BuildIdenticalLoci finds the loci shared by the markers of every mapped
// male and female parent. Parents of unknown sex are ignored. An existing
// table for the same marker sets is reused.
func BuildIdenticalLoci(ctx context.Context, env Env, parents []*pedigree.Parent) (string, []Locus, error) {
	var (
		sexed       []*pedigree.Parent
		sets        []string
		individuals []string
	)
	for _, p := range parents {
		if !p.Mapped || p.Sex == pedigree.UnknownSex {
			continue
		}
		sexed = append(sexed, p)
		sets = append(sets, fmt.Sprintf("%s %s", p.Sex, ParamsOf(p, env.Opts.K)))
		individuals = append(individuals, p.ID)
	}
	sort.Strings(individuals)
	key := IdenticalLociKey(env.Opts.K, sets, individuals)
	if env.Store.Valid(ctx, key) {
		path := env.Store.Path(key)
		loci, err := ReadIdenticalLoci(ctx, path)
		return path, loci, err
	}

	var male, female []Marker
	for _, p := range sexed {
		ms, err := Load(ctx, env, p)
		if err != nil {
			return "", nil, err
		}
		if p.Sex == pedigree.Male {
			male = append(male, ms...)
		} else {
			female = append(female, ms...)
		}
	}
	loci := IdenticalLoci(male, female)
	path, _, err := env.Store.Ensure(ctx, key, func(tmp string) (err error) {
		out, err := file.Create(ctx, tmp)
		if err != nil {
			return err
		}
		defer file.CloseAndReport(ctx, out, &err)
		return WriteIdenticalLoci(out.Writer(ctx), loci)
	})
	return path, loci, err
}
