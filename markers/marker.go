// Package markers derives a parent's exclusive marker set: single-copy
// extraction from the parent's k-mer index, exclusivity filtering against
// co-parents, assembly, fragment-length filtering, identity-window
// canonicalization and the two mandatory re-filter passes.
package markers

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/aflap/artifact"
	"github.com/grailbio/aflap/assembly"
	"github.com/grailbio/aflap/encoding/fasta"
	"github.com/grailbio/aflap/kmerindex"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Marker is a finalized, immutable marker.
type Marker struct {
	// ID is the id of the assembled fragment the marker came from.
	ID int
	// Seq is the canonical k-length identity sequence.
	Seq string
	// Len is the length of the originating fragment.
	Len int
	// Parent owns the marker.
	Parent string
	// Locus is the flank signature of the originating fragment:
	// frag[:k-1] + "|" + frag[len-k+1:].
	Locus string
}

// Name renders the marker id as "{ID}_{Len}".
func (m Marker) Name() string { return strconv.Itoa(m.ID) + "_" + strconv.Itoa(m.Len) }

// Class is the fragment-length class of a marker.
type Class int

const (
	// Short fragments (< 2k-1) never become markers.
	Short Class = iota
	// Exact fragments are exactly 2k-1 long.
	Exact
	// Extended fragments are longer than 2k-1.
	Extended
)

func (c Class) String() string {
	switch c {
	case Exact:
		return "exact"
	case Extended:
		return "extended"
	}
	return "short"
}

// AK returns 2k-1, the minimum fragment length that yields a marker.
func AK(k int) int { return 2*k - 1 }

// Classify returns the length class of a fragment of length n for k.
func Classify(n, k int) Class {
	switch ak := AK(k); {
	case n < ak:
		return Short
	case n == ak:
		return Exact
	}
	return Extended
}

// Opts configures marker derivation.
type Opts struct {
	// K is the k-mer length.
	K int
	// IdentityOffset is where the k-length identity window starts in each
	// fragment. The window must fit in the shortest accepted fragment, i.e.
	// IdentityOffset <= K-1.
	IdentityOffset int
}

// DefaultOpts are the defaults for k=31.
var DefaultOpts = Opts{
	K:              31,
	IdentityOffset: 9,
}

// Validate checks that o is usable.
func (o Opts) Validate() error {
	if o.K < 3 || o.K > 32 {
		return errors.E(errors.Invalid, fmt.Sprintf("k=%d must be in [3,32]", o.K))
	}
	if o.IdentityOffset < 0 || o.IdentityOffset+o.K > AK(o.K) {
		return errors.E(errors.Invalid, fmt.Sprintf("identity offset %d does not fit a %d-mer in a %d bp fragment", o.IdentityOffset, o.K, AK(o.K)))
	}
	return nil
}

// Env holds the collaborators and storage used by the marker stages.
type Env struct {
	Opts      Opts
	Index     kmerindex.Index
	Assembler assembly.Assembler
	Store     *artifact.Store
}

// MarkersKey addresses the final marker file of a parent.
func MarkersKey(p artifact.Params, individuals []string) artifact.Key {
	return artifact.Key{
		Dir:         "03/F0Markers",
		Name:        fmt.Sprintf("%s_m%d_MARKERS_L%d_U%d_%s.fa", p.Parent, p.K, p.Lo, p.Up, p.CoParents),
		Individuals: individuals,
	}
}

// AssemblyKey addresses the assembled fragments of a parent. The assembler
// writes them itself, as {Name}.fa in Dir.
func AssemblyKey(p artifact.Params, individuals []string) artifact.Key {
	return artifact.Key{Dir: "03/ABySS", Name: p.String() + ".fa", Individuals: individuals}
}

// WriteMarkers writes markers as FASTA records ">{ID}_{Len}\n{Seq}".
func WriteMarkers(w io.Writer, ms []Marker) error {
	fw := fasta.NewWriter(w)
	for _, m := range ms {
		if err := fw.Write(fasta.Record{Name: m.Name(), Seq: m.Seq}); err != nil {
			return err
		}
	}
	return fw.Flush()
}

// ParseMarkers reads a marker file written by WriteMarkers.
func ParseMarkers(r io.Reader, parent, src string) ([]Marker, error) {
	recs, err := fasta.ReadAll(r)
	if err != nil {
		return nil, errors.E(errors.Integrity, err, src)
	}
	ms := make([]Marker, len(recs))
	for i, rec := range recs {
		parts := strings.Split(rec.Name, "_")
		if len(parts) != 2 {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%s: bad marker name %q", src, rec.Name))
		}
		id, err1 := strconv.Atoi(parts[0])
		n, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%s: bad marker name %q", src, rec.Name))
		}
		ms[i] = Marker{ID: id, Seq: rec.Seq, Len: n, Parent: parent}
	}
	return ms, nil
}

// ReadMarkers reads a marker file.
func ReadMarkers(ctx context.Context, path, parent string) (ms []Marker, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "marker set", path, "not found; rerun the markers stage")
	}
	defer file.CloseAndReport(ctx, in, &err)
	return ParseMarkers(in.Reader(ctx), parent, path)
}

// Seqs returns the identity sequences of ms.
func Seqs(ms []Marker) []string {
	s := make([]string, len(ms))
	for i, m := range ms {
		s[i] = m.Seq
	}
	return s
}

func readSeqs(ctx context.Context, path string) (seqs []string, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	recs, err := fasta.ReadAll(in.Reader(ctx))
	if err != nil {
		return nil, errors.E(errors.Integrity, err, path)
	}
	seqs = make([]string, len(recs))
	for i, r := range recs {
		seqs[i] = r.Seq
	}
	return seqs, nil
}

func writeFragments(ctx context.Context, path string, frags []assembly.Fragment) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	return assembly.WriteFragments(out.Writer(ctx), frags)
}

func writeSeqs(ctx context.Context, path string, seqs []string) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := fasta.NewWriter(out.Writer(ctx))
	for i, s := range seqs {
		if err = w.Write(fasta.Record{Name: strconv.Itoa(i), Seq: s}); err != nil {
			return err
		}
	}
	return w.Flush()
}
