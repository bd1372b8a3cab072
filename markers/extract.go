package markers

import (
	"context"
	"fmt"

	"github.com/grailbio/aflap/artifact"
	"github.com/grailbio/aflap/kmerindex"
	"github.com/grailbio/aflap/pedigree"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// ParamsOf returns the artifact parameters of parent p at k-mer length k.
func ParamsOf(p *pedigree.Parent, k int) artifact.Params {
	return artifact.Params{Parent: p.ID, K: k, Lo: p.Lo, Up: p.Up, CoParents: p.CoParentKey()}
}

// SingleCopyKey addresses the single-copy k-mer set of a parent.
func SingleCopyKey(p artifact.Params) artifact.Key {
	return artifact.Key{Dir: "02", Name: p.Band() + ".fa", Individuals: []string{p.Parent}}
}

// HistogramKey addresses the k-mer count histogram of an individual.
func HistogramKey(id string, k int) artifact.Key {
	return artifact.Key{Dir: "02", Name: fmt.Sprintf("%s.%d.histo", id, k), Individuals: []string{id}}
}

// BandHistogramKey addresses the histogram diagnostic table of a parent,
// which flags the count values inside the coverage band.
func BandHistogramKey(p artifact.Params) artifact.Key {
	return artifact.Key{Dir: "02", Name: p.Band() + ".histo.tsv", Individuals: []string{p.Parent}}
}

// Extract writes the canonical k-mers of parent p whose count lies in the
// parent's coverage band [Lo, Up] and returns the path of the resulting
// FASTA. The parent's count histogram and the band diagnostic table are
// written alongside.
func Extract(ctx context.Context, env Env, p *pedigree.Parent) (string, error) {
	if !p.Mapped {
		return "", errors.E(errors.Invalid, fmt.Sprintf("parent %s has no coverage band", p.ID))
	}
	params := ParamsOf(p, env.Opts.K)
	h, err := env.Index.Open(ctx, p.ID)
	if err != nil {
		return "", err
	}
	hist, err := histogram(ctx, env, h)
	if err != nil {
		return "", err
	}
	if _, _, err = env.Store.Ensure(ctx, BandHistogramKey(params), func(tmp string) error {
		return writeBandHistogram(ctx, tmp, hist, p.Lo, p.Up)
	}); err != nil {
		return "", err
	}
	path, built, err := env.Store.Ensure(ctx, SingleCopyKey(params), func(tmp string) error {
		seqs, err := env.Index.Dump(ctx, h, p.Lo, p.Up)
		if err != nil {
			return err
		}
		log.Printf("%s: %d single-copy %d-mers with count in [%d, %d]", p.ID, len(seqs), env.Opts.K, p.Lo, p.Up)
		if len(seqs) == 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("%s: no k-mers with count in [%d, %d]; adjust the coverage band", p.ID, p.Lo, p.Up))
		}
		return writeSeqs(ctx, tmp, seqs)
	})
	if err != nil {
		return "", err
	}
	if !built {
		log.Printf("%s: reusing single-copy k-mers %s", p.ID, path)
	}
	return path, nil
}

// histogram returns the count histogram of h, computing and caching it in
// the store on first use.
func histogram(ctx context.Context, env Env, h kmerindex.Handle) (hist kmerindex.Histogram, err error) {
	path, _, err := env.Store.Ensure(ctx, HistogramKey(h.ID, h.K), func(tmp string) (err error) {
		counts, err := env.Index.Histogram(ctx, h)
		if err != nil {
			return err
		}
		out, err := file.Create(ctx, tmp)
		if err != nil {
			return err
		}
		defer file.CloseAndReport(ctx, out, &err)
		return kmerindex.WriteHistogram(out.Writer(ctx), counts)
	})
	if err != nil {
		return nil, err
	}
	return ReadHistogram(ctx, path)
}

// ReadHistogram reads a histogram file written by kmerindex.WriteHistogram.
func ReadHistogram(ctx context.Context, path string) (hist kmerindex.Histogram, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	return kmerindex.ParseHistogram(in.Reader(ctx), path)
}

func writeBandHistogram(ctx context.Context, path string, hist kmerindex.Histogram, lo, up int) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewWriter(out.Writer(ctx))
	w.WriteString("count\tkmers\tin_band")
	if err = w.EndLine(); err != nil {
		return err
	}
	for _, c := range hist.Values() {
		w.WriteUint32(uint32(c))
		w.WriteUint32(uint32(hist[c]))
		if c >= lo && c <= up {
			w.WriteString("1")
		} else {
			w.WriteString("0")
		}
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}
