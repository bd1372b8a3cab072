// Package pipeline wires the marker, genotype, segregation and linkage-map
// stages together. A Context carries the options, the pedigree, the
// collaborators and the artifact store; each stage method runs one step for
// every parent or progeny it applies to.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/grailbio/aflap/artifact"
	"github.com/grailbio/aflap/assembly"
	"github.com/grailbio/aflap/genotype"
	"github.com/grailbio/aflap/kmerindex"
	"github.com/grailbio/aflap/lepmap"
	"github.com/grailbio/aflap/markers"
	"github.com/grailbio/aflap/pedigree"
	"github.com/grailbio/aflap/segregation"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/multierror"
	"github.com/grailbio/base/traverse"
)

// Context threads the configuration and collaborators through the stages.
type Context struct {
	Opts      Opts
	Pedigree  *pedigree.Pedigree
	Index     kmerindex.Index
	Assembler assembly.Assembler
	Store     *artifact.Store
	Mapper    lepmap.Runner
}

// New validates opts and creates the collaborators they select.
func New(opts Opts, ped *pedigree.Pedigree) (*Context, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	for _, line := range describe(ped) {
		log.Printf("pedigree: %s", line)
	}
	c := &Context{
		Opts:     opts,
		Pedigree: ped,
		Store:    &artifact.Store{Root: opts.Dir, Verify: opts.Verify},
		Mapper:   opts.runner(),
	}
	indexDir := filepath.Join(opts.Dir, "01")
	if err := os.MkdirAll(indexDir, 0755); err != nil {
		return nil, err
	}
	switch opts.Index {
	case "memory":
		c.Index = kmerindex.NewMemory(opts.K, indexDir)
	default:
		idx, err := kmerindex.NewJellyfish(kmerindex.JellyfishOpts{
			Path:     opts.Jellyfish,
			Dir:      indexDir,
			K:        opts.K,
			Threads:  opts.Threads,
			HashSize: opts.HashSize,
		})
		if err != nil {
			return nil, err
		}
		c.Index = idx
	}
	switch opts.Assembler {
	case "unitig":
		c.Assembler = assembly.Unitig{}
	default:
		c.Assembler = assembly.ABySS{Path: opts.ABySS}
	}
	return c, nil
}

// describe summarizes the crosses and individuals of ped.
func describe(ped *pedigree.Pedigree) []string {
	var lines []string
	for _, x := range ped.Crosses() {
		lines = append(lines, fmt.Sprintf("%s x %s: %d %s progeny", x.Male, x.Female, len(x.Progeny), x.Gen))
	}
	gen := ped.Generation()
	return append(lines, fmt.Sprintf("%d parents (%d mapped), %d %s progeny",
		len(ped.Parents()), len(ped.Mapped()), len(ped.ProgenyIn(gen)), gen))
}

func (c *Context) markersEnv() markers.Env {
	return markers.Env{Opts: c.Opts.markers(), Index: c.Index, Assembler: c.Assembler, Store: c.Store}
}

func (c *Context) genotypeEnv() genotype.Env {
	return genotype.Env{Opts: c.Opts.genotype(), Index: c.Index, Store: c.Store}
}

func (c *Context) segregationEnv() segregation.Env {
	return segregation.Env{Opts: c.Opts.segregation(), Store: c.Store}
}

// forEach calls fn for units 0..n-1, Opts.Parallelism at a time. Without
// KeepGoing, no unit starts after one has failed. A single failure is
// returned as is; several are returned together.
func (c *Context) forEach(n int, name func(i int) string, fn func(i int) error) error {
	if n == 0 {
		return nil
	}
	par := c.Opts.parallelism()
	if par > n {
		par = n
	}
	var (
		errs     = multierror.NewMultiError(n)
		first    errors.Once
		failures int32
	)
	_ = traverse.Each(par, func(jobIdx int) error {
		start := jobIdx * n / par
		end := (jobIdx + 1) * n / par
		for i := start; i < end; i++ {
			if !c.Opts.KeepGoing && first.Err() != nil {
				return nil
			}
			if err := fn(i); err != nil {
				log.Error.Printf("%s: %v", name(i), err)
				err = errors.E(err, name(i))
				errs.Add(err)
				first.Set(err)
				atomic.AddInt32(&failures, 1)
			}
		}
		return nil
	})
	if atomic.LoadInt32(&failures) == 1 {
		return first.Err()
	}
	return errs.Err()
}

// mapped returns the parents with a coverage band.
func (c *Context) mapped() ([]*pedigree.Parent, error) {
	ps := c.Pedigree.Mapped()
	if len(ps) == 0 {
		return nil, errors.E(errors.Invalid, "no parent has a coverage band; nothing to map")
	}
	return ps, nil
}

// Count builds the k-mer index of every individual.
func (c *Context) Count(ctx context.Context) error {
	ids := c.Pedigree.IDs()
	log.Printf("count: indexing %d individuals", len(ids))
	return c.forEach(len(ids), func(i int) string { return ids[i] }, func(i int) error {
		ind, _ := c.Pedigree.Individual(ids[i])
		_, err := c.Index.Build(ctx, ind.ID, ind.Reads)
		return err
	})
}

// Extract writes the single-copy k-mers of every mapped parent.
func (c *Context) Extract(ctx context.Context) error {
	ps, err := c.mapped()
	if err != nil {
		return err
	}
	env := c.markersEnv()
	return c.forEach(len(ps), func(i int) string { return ps[i].ID }, func(i int) error {
		_, err := markers.Extract(ctx, env, ps[i])
		return err
	})
}

// Markers derives the marker set of every mapped parent.
func (c *Context) Markers(ctx context.Context) error {
	ps, err := c.mapped()
	if err != nil {
		return err
	}
	env := c.markersEnv()
	reports := make([]markers.Report, len(ps))
	err = c.forEach(len(ps), func(i int) string { return ps[i].ID }, func(i int) error {
		path, report, err := markers.Build(ctx, env, ps[i])
		if err == nil {
			log.Printf("%s: markers in %s", ps[i].ID, path)
			reports[i] = report
		}
		return err
	})
	if err != nil {
		return err
	}
	total := markers.Report{Parent: "all parents", K: c.Opts.K}
	for _, r := range reports {
		total = total.Merge(r)
	}
	log.Print(total.String())
	return nil
}

// IdenticalLoci writes the loci whose markers are shared by a male and a
// female parent. It returns nil loci for first-generation pedigrees.
func (c *Context) IdenticalLoci(ctx context.Context) ([]markers.Locus, error) {
	if c.Pedigree.Generation() != pedigree.F2 {
		return nil, nil
	}
	path, loci, err := markers.BuildIdenticalLoci(ctx, c.markersEnv(), c.Pedigree.Parents())
	if err != nil {
		return nil, err
	}
	log.Printf("identical loci: %d written to %s", len(loci), path)
	return loci, nil
}

// Genotype calls the markers of every mapped parent in each of its progeny
// and builds the genotype table of each parent.
func (c *Context) Genotype(ctx context.Context) error {
	ps, err := c.mapped()
	if err != nil {
		return err
	}
	loci, err := c.IdenticalLoci(ctx)
	if err != nil {
		return err
	}
	het := markers.LociSeqs(loci)
	menv, genv := c.markersEnv(), c.genotypeEnv()
	var (
		units []genotype.Unit
		ms    = map[string][]markers.Marker{}
		byP   = map[string][]genotype.Unit{}
	)
	for _, p := range ps {
		us, err := genotype.Progeny(c.Pedigree, p)
		if err != nil {
			return err
		}
		if ms[p.ID], err = markers.Load(ctx, menv, p); err != nil {
			return err
		}
		byP[p.ID] = us
		units = append(units, us...)
	}
	log.Printf("genotype: %d progeny of %d parents", len(units), len(ps))
	err = c.forEach(len(units), func(i int) string { return units[i].String() }, func(i int) error {
		u := units[i]
		_, err := genotype.Genotype(ctx, genv, u, ms[u.Parent.ID], het)
		return err
	})
	if err != nil && !c.Opts.KeepGoing {
		return err
	}
	errs := multierror.NewMultiError(len(ps) + 1)
	errs.Add(err)
	for _, p := range ps {
		path, t, err := genotype.BuildTable(ctx, genv, p, byP[p.ID], ms[p.ID])
		if err != nil {
			errs.Add(errors.E(err, p.ID))
			continue
		}
		log.Printf("%s: %d markers x %d progeny in %s", p.ID, len(t.Markers), len(t.Progeny), path)
	}
	return errs.Err()
}

// Output is one filtered table and its LepMap3 export.
type Output struct {
	// Name is the parameter string of an F1 parent or the name of an F2
	// cross.
	Name string
	Gen  pedigree.Generation
	// Parent is set for first-generation outputs.
	Parent *pedigree.Parent
	// Males and Females are set for second-generation outputs.
	Males, Females []*pedigree.Parent
	Filtered       artifact.Key
}

// Outputs lists the filtered tables the pedigree produces: one per mapped
// parent for F1 pedigrees, one for the cross of all mapped males and
// females for F2 pedigrees.
func (c *Context) Outputs() ([]Output, error) {
	ps, err := c.mapped()
	if err != nil {
		return nil, err
	}
	k := c.Opts.K
	if c.Pedigree.Generation() == pedigree.F1 {
		var outs []Output
		for _, p := range ps {
			units, err := genotype.Progeny(c.Pedigree, p)
			if err != nil {
				return nil, err
			}
			outs = append(outs, Output{
				Name:     markers.ParamsOf(p, k).String(),
				Gen:      pedigree.F1,
				Parent:   p,
				Filtered: segregation.F1Key(p, k, units),
			})
		}
		return outs, nil
	}
	o := Output{Gen: pedigree.F2}
	var mids, fids []string
	for _, p := range ps {
		switch p.Sex {
		case pedigree.Male:
			o.Males = append(o.Males, p)
			mids = append(mids, p.ID)
		case pedigree.Female:
			o.Females = append(o.Females, p)
			fids = append(fids, p.ID)
		default:
			log.Printf("WARNING: %s has no known sex and is left out of the F2 cross", p.ID)
		}
	}
	if len(o.Males) == 0 || len(o.Females) == 0 {
		return nil, errors.E(errors.Invalid, "an F2 cross needs a mapped male and a mapped female parent")
	}
	cross := segregation.CrossName(mids, fids)
	o.Name = fmt.Sprintf("%s_F2_m%d", cross, k)
	o.Filtered = segregation.F2Key(cross, k, nil)
	return []Output{o}, nil
}

// SegStats analyzes the genotype table of every mapped parent and writes the
// filtered tables.
func (c *Context) SegStats(ctx context.Context) error {
	outs, err := c.Outputs()
	if err != nil {
		return err
	}
	env := c.segregationEnv()
	if env.Opts.LowCoverageMode() {
		log.Printf("low-coverage mode (low-cov=%d): no progeny are dropped", env.Opts.LowCov)
	}
	analyze := func(ps []*pedigree.Parent) ([]*segregation.Analysis, error) {
		as := make([]*segregation.Analysis, len(ps))
		err := c.forEach(len(ps), func(i int) string { return ps[i].ID }, func(i int) error {
			units, err := genotype.Progeny(c.Pedigree, ps[i])
			if err != nil {
				return err
			}
			as[i], err = segregation.AnalyzeParent(ctx, env, ps[i], units)
			return err
		})
		return as, err
	}
	errs := multierror.NewMultiError(len(outs))
	for _, o := range outs {
		var (
			path string
			f    *segregation.Filtered
		)
		if o.Gen == pedigree.F1 {
			as, err := analyze([]*pedigree.Parent{o.Parent})
			if err == nil {
				units, _ := genotype.Progeny(c.Pedigree, o.Parent)
				path, f, err = segregation.FilterF1(ctx, env, o.Parent, units, as[0])
			}
			if err != nil {
				if !c.Opts.KeepGoing {
					return err
				}
				errs.Add(err)
				continue
			}
		} else {
			ma, err := analyze(o.Males)
			if err != nil {
				return err
			}
			fa, err := analyze(o.Females)
			if err != nil {
				return err
			}
			if path, f, err = segregation.FilterF2(ctx, env, o.Males, o.Females, ma, fa); err != nil {
				return errors.E(err, o.Name)
			}
		}
		log.Printf("%s: %d markers x %d progeny kept in %s", o.Name, f.Len(), len(f.Progeny), path)
	}
	return errs.Err()
}

// Export writes the LepMap3 table of every output and returns their paths.
func (c *Context) Export(ctx context.Context) ([]string, error) {
	outs, err := c.Outputs()
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, o := range outs {
		f, err := c.loadFiltered(ctx, o)
		if err != nil {
			return nil, err
		}
		var t *lepmap.Table
		if o.Gen == pedigree.F1 {
			t, err = lepmap.F1(c.Pedigree, o.Parent, f)
		} else {
			t, err = lepmap.F2(c.Pedigree, o.Males, o.Females, f)
		}
		if err != nil {
			return nil, errors.E(err, o.Name)
		}
		path, err := lepmap.Export(ctx, c.Store, o.Name, t)
		if err != nil {
			return nil, err
		}
		log.Printf("%s: LepMap3 input in %s", o.Name, path)
		paths = append(paths, path)
	}
	return paths, nil
}

func (c *Context) loadFiltered(ctx context.Context, o Output) (*segregation.Filtered, error) {
	path, err := c.Store.Require(ctx, o.Filtered, "segstats")
	if err != nil {
		return nil, err
	}
	return segregation.LoadFiltered(ctx, path, o.Gen)
}

// Map runs LepMap3 on every exported table.
func (c *Context) Map(ctx context.Context) ([]lepmap.Result, error) {
	outs, err := c.Outputs()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(c.Opts.Dir, "06")
	var results []lepmap.Result
	for _, o := range outs {
		f, err := c.loadFiltered(ctx, o)
		if err != nil {
			return nil, err
		}
		data, err := c.Store.Require(ctx, lepmap.Key(o.Name, nil), "export")
		if err != nil {
			return nil, err
		}
		res, err := c.Mapper.Map(ctx, dir, o.Name, data, o.Gen, c.Opts.LOD, f.Seqs, f.IDs)
		if err != nil {
			return nil, errors.E(err, o.Name)
		}
		results = append(results, res)
	}
	return results, nil
}

// Run runs every stage up to and including the LepMap3 export, and the
// linkage mapping itself when withMap is set.
func (c *Context) Run(ctx context.Context, withMap bool) error {
	for _, stage := range []struct {
		name string
		fn   func(context.Context) error
	}{
		{"count", c.Count},
		{"extract", c.Extract},
		{"markers", c.Markers},
		{"genotype", c.Genotype},
		{"segstats", c.SegStats},
		{"export", func(ctx context.Context) error { _, err := c.Export(ctx); return err }},
	} {
		log.Printf("stage %s", stage.name)
		if err := stage.fn(ctx); err != nil {
			return errors.E(err, "stage "+stage.name)
		}
	}
	if withMap {
		log.Printf("stage map")
		if _, err := c.Map(ctx); err != nil {
			return errors.E(err, "stage map")
		}
	}
	return nil
}

// Remove deletes the index of individual id and every artifact derived from
// it, so that the next run rebuilds them.
func (c *Context) Remove(ctx context.Context, id string) ([]string, error) {
	if _, ok := c.Pedigree.Individual(id); !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("%s is not in the pedigree", id))
	}
	removed, err := c.Store.RemoveIndividual(ctx, id)
	if err != nil {
		return removed, err
	}
	if err := c.Index.Remove(ctx, id); err != nil {
		return removed, err
	}
	for _, path := range removed {
		log.Debug.Printf("removed %s", path)
	}
	log.Printf("%s: removed the k-mer index and %d artifacts", id, len(removed))
	return removed, nil
}
