// Package kmerindex defines the k-mer counting collaborator: a per-individual,
// strand-canonical k-mer frequency index that can be built from reads, queried
// for counts, dumped by count band, and summarized as a histogram.
//
// Two implementations are provided. Jellyfish drives the external jellyfish
// binary; Memory counts in process and is what tests and small datasets use.
package kmerindex

import (
	"context"
	"os"
	"sort"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Handle names a built index.
type Handle struct {
	ID   string
	K    int
	Path string
}

// Count is the multiplicity of one queried sequence.
type Count struct {
	Seq string
	N   int
}

// Histogram maps a count value to the number of distinct k-mers with that
// count.
type Histogram map[int]int

// Values returns the count values present in h, ascending.
func (h Histogram) Values() []int {
	v := make([]int, 0, len(h))
	for c := range h {
		v = append(v, c)
	}
	sort.Ints(v)
	return v
}

// Index is a k-mer frequency index keyed by individual id. Implementations
// must be strand canonical: a sequence and its reverse complement have the
// same count.
type Index interface {
	// K returns the k-mer length.
	K() int
	// Build builds the index for id from the given read files. An existing
	// non-empty index is reused.
	Build(ctx context.Context, id string, reads []string) (Handle, error)
	// Open returns the handle of an already built index. It fails with
	// errors.NotExist when the index was never built.
	Open(ctx context.Context, id string) (Handle, error)
	// Query returns one Count per input sequence, in input order.
	Query(ctx context.Context, h Handle, seqs []string) ([]Count, error)
	// Dump returns every canonical k-mer whose count lies in [lo, up],
	// sorted.
	Dump(ctx context.Context, h Handle, lo, up int) ([]string, error)
	// Histogram returns the count histogram of the index.
	Histogram(ctx context.Context, h Handle) (Histogram, error)
	// Remove deletes the index of id. Removing an index that does not exist
	// is not an error.
	Remove(ctx context.Context, id string) error
}

func removeIfExists(ctx context.Context, path string) error {
	if err := file.Remove(ctx, path); err != nil && !os.IsNotExist(err) && !errors.Is(errors.NotExist, err) {
		return err
	}
	return nil
}

func notBuilt(id string, k int) error {
	return errors.E(errors.NotExist, "k-mer index for "+id+" (k="+strconv.Itoa(k)+") not found; rerun the count stage")
}
