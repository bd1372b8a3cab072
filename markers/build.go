package markers

import (
	"context"
	"fmt"
	"io/ioutil"

	"github.com/grailbio/aflap/artifact"
	"github.com/grailbio/aflap/pedigree"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// ReportKey addresses the marker report of a parent.
func ReportKey(p artifact.Params, individuals []string) artifact.Key {
	return artifact.Key{Dir: "03/ReportLogs", Name: p.String() + ".MarkerReport.txt", Individuals: individuals}
}

func individualsOf(p *pedigree.Parent) []string {
	return append([]string{p.ID}, p.CoParents...)
}

// Build produces the marker set of parent p: it extracts the single-copy
// k-mers, derives the markers and writes the marker FASTA, the locus table
// and the report. Existing artifacts are reused. Build returns the path of
// the marker FASTA and the derivation report.
func Build(ctx context.Context, env Env, p *pedigree.Parent) (string, Report, error) {
	if err := env.Opts.Validate(); err != nil {
		return "", Report{}, err
	}
	scPath, err := Extract(ctx, env, p)
	if err != nil {
		return "", Report{}, err
	}
	params := ParamsOf(p, env.Opts.K)
	inds := individualsOf(p)
	mk := MarkersKey(params, inds)
	lk := LociKey(params, p.Sex, inds)
	rk := ReportKey(params, inds)
	if env.Store.Exists(ctx, mk) && env.Store.Exists(ctx, lk) && env.Store.Exists(ctx, rk) {
		log.Printf("%s: reusing markers %s", p.ID, env.Store.Path(mk))
		text, err := ioutil.ReadFile(env.Store.Path(rk))
		if err != nil {
			return "", Report{}, err
		}
		report, err := ParseReport(string(text), env.Store.Path(rk))
		return env.Store.Path(mk), report, err
	}

	seqs, err := readSeqs(ctx, scPath)
	if err != nil {
		return "", Report{}, err
	}
	ms, report, err := Derive(ctx, env, p, seqs)
	if err != nil {
		return "", report, err
	}
	log.Print(report.String())
	if len(ms) == 0 {
		return "", report, errors.E(errors.Invalid, fmt.Sprintf("%s: no markers survived in coverage band [%d, %d]; adjust the band", p.ID, p.Lo, p.Up))
	}
	path, _, err := env.Store.Ensure(ctx, mk, func(tmp string) (err error) {
		out, err := file.Create(ctx, tmp)
		if err != nil {
			return err
		}
		defer file.CloseAndReport(ctx, out, &err)
		return WriteMarkers(out.Writer(ctx), ms)
	})
	if err != nil {
		return "", report, err
	}
	if _, _, err = env.Store.Ensure(ctx, lk, func(tmp string) (err error) {
		out, err := file.Create(ctx, tmp)
		if err != nil {
			return err
		}
		defer file.CloseAndReport(ctx, out, &err)
		return WriteLoci(out.Writer(ctx), ms)
	}); err != nil {
		return "", report, err
	}
	if _, _, err = env.Store.Ensure(ctx, rk, func(tmp string) error {
		return ioutil.WriteFile(tmp, []byte(report.String()), 0644)
	}); err != nil {
		return "", report, err
	}
	return path, report, nil
}

// Load reads the marker set of parent p, including flank signatures. The
// markers stage must have run.
func Load(ctx context.Context, env Env, p *pedigree.Parent) ([]Marker, error) {
	params := ParamsOf(p, env.Opts.K)
	inds := individualsOf(p)
	mpath, err := env.Store.Require(ctx, MarkersKey(params, inds), "markers")
	if err != nil {
		return nil, err
	}
	ms, err := ReadMarkers(ctx, mpath, p.ID)
	if err != nil {
		return nil, err
	}
	lpath, err := env.Store.Require(ctx, LociKey(params, p.Sex, inds), "markers")
	if err != nil {
		return nil, err
	}
	loci, err := readLoci(ctx, lpath)
	if err != nil {
		return nil, err
	}
	for i := range ms {
		l, ok := loci[ms[i].Name()]
		if !ok {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%s: marker %s has no locus; rerun the markers stage", lpath, ms[i].Name()))
		}
		ms[i].Locus = l
	}
	return ms, nil
}
