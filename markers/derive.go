package markers

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/grailbio/aflap/assembly"
	"github.com/grailbio/aflap/kmer"
	"github.com/grailbio/aflap/kmerindex"
	"github.com/grailbio/aflap/pedigree"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Exclusive returns the sequences of seqs whose count is zero in every one of
// the co-parent indices, in input order.
func Exclusive(ctx context.Context, idx kmerindex.Index, seqs []string, coParents []string) ([]string, error) {
	for _, op := range coParents {
		h, err := idx.Open(ctx, op)
		if err != nil {
			return nil, err
		}
		counts, err := idx.Query(ctx, h, seqs)
		if err != nil {
			return nil, err
		}
		if err := checkCounts(counts, seqs, op); err != nil {
			return nil, err
		}
		var kept []string
		for _, c := range counts {
			if c.N == 0 {
				kept = append(kept, c.Seq)
			}
		}
		seqs = kept
	}
	return seqs, nil
}

// inBand returns the sequences of seqs whose count in id's index lies in
// [lo, up], in input order.
func inBand(ctx context.Context, idx kmerindex.Index, id string, seqs []string, lo, up int) ([]string, error) {
	h, err := idx.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := idx.Query(ctx, h, seqs)
	if err != nil {
		return nil, err
	}
	if err := checkCounts(counts, seqs, id); err != nil {
		return nil, err
	}
	var kept []string
	for _, c := range counts {
		if c.N >= lo && c.N <= up {
			kept = append(kept, c.Seq)
		}
	}
	return kept, nil
}

func checkCounts(counts []kmerindex.Count, seqs []string, id string) error {
	if len(counts) != len(seqs) {
		return errors.E(errors.Integrity, fmt.Sprintf("index of %s returned %d counts for %d sequences", id, len(counts), len(seqs)))
	}
	return nil
}

// assemble compacts the exclusive k-mers of p. The fragments of an earlier
// run with the same parameters are reused.
func assemble(ctx context.Context, env Env, p *pedigree.Parent, seqs []string) ([]assembly.Fragment, error) {
	params := ParamsOf(p, env.Opts.K)
	ak := assembly.K(env.Opts.K)
	if env.Store == nil {
		return env.Assembler.Assemble(ctx, seqs, ak, "", params.String())
	}
	key := AssemblyKey(params, individualsOf(p))
	path := env.Store.Path(key)
	if env.Store.Valid(ctx, key) {
		log.Printf("%s: reusing assembly %s", p.ID, path)
		return assembly.ReadFragmentFile(ctx, path)
	}
	// Drop a stale or unverified output so the assembler runs again.
	if err := env.Store.Remove(ctx, key); err != nil {
		return nil, err
	}
	frags, err := env.Assembler.Assemble(ctx, seqs, ak, filepath.Dir(path), params.String())
	if err != nil {
		return nil, err
	}
	if env.Store.Exists(ctx, key) {
		return frags, env.Store.Adopt(ctx, key)
	}
	_, _, err = env.Store.Ensure(ctx, key, func(tmp string) error {
		return writeFragments(ctx, tmp, frags)
	})
	return frags, err
}

// candidate is a fragment that passed the length filter.
type candidate struct {
	Marker
	class Class
}

// Derive runs marker derivation for parent p from its single-copy k-mers:
//
//  1. drop k-mers present in any co-parent,
//  2. assemble the survivors at assembly.K(k),
//  3. drop fragments shorter than 2k-1 and classify the rest,
//  4. take the canonical identity window at Opts.IdentityOffset and the
//     flank signature of each fragment,
//  5. keep identities whose count in p's own index lies in [Lo, Up],
//  6. keep identities absent from every co-parent,
//  7. emit, in fragment order, the fragments whose identity survived.
//
// Derive returns the markers and the per-stage counts.
func Derive(ctx context.Context, env Env, p *pedigree.Parent, singleCopy []string) ([]Marker, Report, error) {
	k := env.Opts.K
	r := Report{Parent: p.ID, K: k}

	cands, err := Exclusive(ctx, env.Index, singleCopy, p.CoParents)
	if err != nil {
		return nil, r, err
	}
	r.KmersIn = len(cands)
	log.Printf("%s: assembling %d exclusive %d-mers at k=%d", p.ID, len(cands), k, assembly.K(k))
	frags, err := assemble(ctx, env, p, cands)
	if err != nil {
		return nil, r, errors.E(err, "assembly of", p.ID)
	}
	r.Fragments = len(frags)

	off := env.Opts.IdentityOffset
	var (
		kept       []candidate
		identities []string
	)
	for _, f := range frags {
		if len(f.Seq) != f.Len {
			return nil, r, errors.E(errors.Integrity, fmt.Sprintf("fragment %d of %s: length %d does not match its %d bases", f.ID, p.ID, f.Len, len(f.Seq)))
		}
		c := Classify(f.Len, k)
		switch c {
		case Short:
			continue
		case Exact:
			r.FragmentsExact++
		case Extended:
			r.FragmentsExtended++
		}
		window := f.Seq[off : off+k]
		if !kmer.IsACGT(window) {
			log.Debug.Printf("%s: fragment %d has a non-ACGT identity window", p.ID, f.ID)
			continue
		}
		id := kmer.Canonical(window)
		kept = append(kept, candidate{
			Marker: Marker{
				ID:     f.ID,
				Seq:    id,
				Len:    f.Len,
				Parent: p.ID,
				Locus:  f.Seq[:k-1] + "|" + f.Seq[f.Len-k+1:],
			},
			class: c,
		})
		identities = append(identities, id)
	}

	survivors, err := inBand(ctx, env.Index, p.ID, identities, p.Lo, p.Up)
	if err != nil {
		return nil, r, err
	}
	if survivors, err = Exclusive(ctx, env.Index, survivors, p.CoParents); err != nil {
		return nil, r, err
	}
	final := make(map[string]bool, len(survivors))
	for _, s := range survivors {
		final[s] = true
	}

	var ms []Marker
	for _, c := range kept {
		if !final[c.Seq] {
			continue
		}
		// Two fragments can share an identity; the first one wins.
		delete(final, c.Seq)
		ms = append(ms, c.Marker)
		r.Markers++
		if c.class == Exact {
			r.MarkersExact++
		} else {
			r.MarkersExtended++
		}
	}
	return ms, r, nil
}
