package segregation

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/aflap/artifact"
	"github.com/grailbio/aflap/genotype"
	"github.com/grailbio/aflap/kmerindex"
	"github.com/grailbio/aflap/markers"
	"github.com/grailbio/aflap/pedigree"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Env holds the options and storage of the segregation stage.
type Env struct {
	Opts  Opts
	Store *artifact.Store
}

func individuals(p *pedigree.Parent, units []genotype.Unit) []string {
	ids := append([]string{p.ID}, p.CoParents...)
	for _, u := range units {
		ids = append(ids, u.Progeny)
	}
	return ids
}

// ProgenyStatsKey addresses the coverage and marker-count table of a parent.
func ProgenyStatsKey(p *pedigree.Parent, gen pedigree.Generation, k int, units []genotype.Unit) artifact.Key {
	return artifact.Key{
		Dir:         "05",
		Name:        fmt.Sprintf("%s_%s.KmerCovXMarkerCount.tsv", gen, markers.ParamsOf(p, k)),
		Individuals: individuals(p, units),
	}
}

// DistributionKey addresses the segregation distribution table of a parent.
func DistributionKey(p *pedigree.Parent, gen pedigree.Generation, k int, units []genotype.Unit) artifact.Key {
	return artifact.Key{
		Dir:         "05",
		Name:        fmt.Sprintf("%s_%s.MarkerSeg.tsv", gen, markers.ParamsOf(p, k)),
		Individuals: individuals(p, units),
	}
}

// F1Key addresses the filtered first-generation table of a parent.
func F1Key(p *pedigree.Parent, k int, units []genotype.Unit) artifact.Key {
	return artifact.Key{
		Dir:         "05",
		Name:        fmt.Sprintf("%s_%s.Genotypes.MarkerID.Filtered.tsv", pedigree.F1, markers.ParamsOf(p, k)),
		Individuals: individuals(p, units),
	}
}

// CrossName names a second-generation cross by its male and female parents.
func CrossName(males, females []string) string {
	return strings.Join(males, "_") + "x" + strings.Join(females, "_")
}

// F2Key addresses the filtered table of a second-generation cross.
func F2Key(cross string, k int, individuals []string) artifact.Key {
	return artifact.Key{
		Dir:         "05",
		Name:        fmt.Sprintf("%s_F2_m%d.Genotypes.MarkerID.Filtered.tsv", cross, k),
		Individuals: individuals,
	}
}

// FrequencyStatsKey addresses the XX/AA/BB/AB frequencies of a cross.
func FrequencyStatsKey(cross string, k int, individuals []string) artifact.Key {
	return artifact.Key{
		Dir:         "05",
		Name:        fmt.Sprintf("%s_F2_m%d.FilteredFrequencyStats.tsv", cross, k),
		Individuals: individuals,
	}
}

// AnalyzeParent loads the genotype table and counts of parent p and writes
// the coverage and distribution diagnostics.
func AnalyzeParent(ctx context.Context, env Env, p *pedigree.Parent, units []genotype.Unit) (*Analysis, error) {
	if len(units) == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("no progeny of %s to analyze", p.ID))
	}
	k, gen := env.Opts.K, units[0].Gen
	var progeny []string
	for _, u := range units {
		progeny = append(progeny, u.Progeny)
	}
	tpath, err := env.Store.Require(ctx, genotype.TableKey(p, gen, k, progeny), "genotype")
	if err != nil {
		return nil, err
	}
	t, err := genotype.LoadTable(ctx, tpath, p.ID, gen)
	if err != nil {
		return nil, err
	}
	counts := map[string][]kmerindex.Count{}
	for _, u := range units {
		cpath, err := env.Store.Require(ctx, genotype.CountKey(u, k), "genotype")
		if err != nil {
			return nil, err
		}
		if counts[u.Progeny], err = genotype.ReadCounts(ctx, cpath); err != nil {
			return nil, err
		}
	}
	a, err := Analyze(t, counts, env.Opts)
	if err != nil {
		return nil, err
	}
	if _, err = env.Store.Rewrite(ctx, ProgenyStatsKey(p, gen, k, units), a.WriteProgenyStats); err != nil {
		return nil, err
	}
	rows := a.Distribution(k)
	if _, err = env.Store.Rewrite(ctx, DistributionKey(p, gen, k, units), func(w io.Writer) error {
		return WriteDistribution(w, rows)
	}); err != nil {
		return nil, err
	}
	return a, nil
}

// FilterF1 writes the filtered first-generation table of parent p.
func FilterF1(ctx context.Context, env Env, p *pedigree.Parent, units []genotype.Unit, a *Analysis) (string, *Filtered, error) {
	f := Reduce(F1(a), env.Opts.MaxMarkers, env.Opts.Seed)
	path, err := env.Store.Rewrite(ctx, F1Key(p, env.Opts.K, units), f.Write)
	return path, f, err
}

// FilterF2 writes the filtered table and code frequencies of the
// second-generation cross between males and females.
func FilterF2(ctx context.Context, env Env, males, females []*pedigree.Parent, ma, fa []*Analysis) (string, *Filtered, error) {
	f, stats, err := F2(ma, fa, env.Opts)
	if err != nil {
		return "", nil, err
	}
	var mids, fids, inds []string
	for _, p := range males {
		mids = append(mids, p.ID)
	}
	for _, p := range females {
		fids = append(fids, p.ID)
	}
	inds = append(append(append(inds, mids...), fids...), f.Progeny...)
	cross := CrossName(mids, fids)
	if _, err = env.Store.Rewrite(ctx, FrequencyStatsKey(cross, env.Opts.K, inds), func(w io.Writer) error {
		return WriteFrequencyStats(w, stats)
	}); err != nil {
		return "", nil, err
	}
	f = Reduce(f, env.Opts.MaxMarkers, env.Opts.Seed)
	path, err := env.Store.Rewrite(ctx, F2Key(cross, env.Opts.K, inds), f.Write)
	return path, f, err
}

// LoadFiltered reads a filtered table.
func LoadFiltered(ctx context.Context, path string, gen pedigree.Generation) (f *Filtered, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "filtered table", path, "not found; rerun the segstats stage")
	}
	defer file.CloseAndReport(ctx, in, &err)
	return ReadFiltered(in.Reader(ctx), gen, path)
}
