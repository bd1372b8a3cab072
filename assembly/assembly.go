// Package assembly defines the sequence-assembler collaborator used to
// compact a parent's candidate marker k-mers into longer fragments.
package assembly

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/aflap/encoding/fasta"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// Fragment is one assembled contig.
type Fragment struct {
	ID  int
	Len int
	Seq string
}

// Assembler compacts overlapping sequences into fragments. Name and dir
// identify the run; implementations keep their input and output files there,
// the fragments in {dir}/{name}.fa, and reuse a non-empty {dir}/{name}.fa
// instead of assembling again. An assembler must fail, not return an empty
// set, when it produces nothing.
type Assembler interface {
	Assemble(ctx context.Context, seqs []string, k int, dir, name string) ([]Fragment, error)
}

// KTable maps the marker k-mer length to the assembly k. Lengths not listed
// use k-2.
var KTable = map[int]int{
	31: 25,
	25: 19,
}

// K returns the assembly k for marker k-mer length k.
func K(k int) int {
	if ak, ok := KTable[k]; ok {
		return ak
	}
	return k - 2
}

// ReadFragments parses assembler output: FASTA records whose header is
// ">ID LEN ...".
func ReadFragments(r io.Reader, src string) ([]Fragment, error) {
	var (
		frags []Fragment
		rec   fasta.Record
	)
	sc := fasta.NewScanner(r)
	for sc.Scan(&rec) {
		id, err := strconv.Atoi(rec.Name)
		if err != nil {
			return nil, errors.E(errors.Unavailable, fmt.Sprintf("%s: bad fragment id %q", src, rec.Name))
		}
		desc := strings.Fields(rec.Desc)
		if len(desc) == 0 {
			return nil, errors.E(errors.Unavailable, fmt.Sprintf("%s: fragment %d has no length", src, id))
		}
		n, err := strconv.Atoi(desc[0])
		if err != nil {
			return nil, errors.E(errors.Unavailable, fmt.Sprintf("%s: fragment %d has bad length %q", src, id, desc[0]))
		}
		frags = append(frags, Fragment{ID: id, Len: n, Seq: rec.Seq})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.E(errors.Unavailable, err, src)
	}
	return frags, nil
}

// ReadFragmentFile reads the fragment file at path.
func ReadFragmentFile(ctx context.Context, path string) (frags []Fragment, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	return ReadFragments(in.Reader(ctx), path)
}

// existing returns the fragments of an earlier run kept at path, or nil if
// there are none.
func existing(ctx context.Context, path string) []Fragment {
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		return nil
	}
	frags, err := ReadFragmentFile(ctx, path)
	if err != nil || len(frags) == 0 {
		log.Printf("WARNING: assembling again; cannot reuse %s: %v", path, err)
		return nil
	}
	log.Printf("assembly: reusing %d fragments in %s", len(frags), path)
	return frags
}

// WriteFragments writes frags in the ">ID LEN" format read by ReadFragments.
func WriteFragments(w io.Writer, frags []Fragment) error {
	fw := fasta.NewWriter(w)
	for _, f := range frags {
		if err := fw.Write(fasta.Record{Name: strconv.Itoa(f.ID), Desc: strconv.Itoa(f.Len), Seq: f.Seq}); err != nil {
			return err
		}
	}
	return fw.Flush()
}

func noOutput(path string) error {
	return errors.E(errors.Unavailable, "assembler produced no fragments:", path)
}
