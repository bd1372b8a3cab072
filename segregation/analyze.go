package segregation

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/grailbio/aflap/genotype"
	"github.com/grailbio/aflap/kmerindex"
	"github.com/grailbio/aflap/markers"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// Opts configures segregation analysis and filtering.
type Opts struct {
	K int
	// LOD is the coverage peak below which a progeny is flagged as low
	// coverage.
	LOD int
	// LowCov is the genotype call threshold. Any value other than 2 runs the
	// analysis in low-coverage mode, where no progeny are dropped.
	LowCov int
	// SDL and SDU bound the retained segregation frequencies.
	SDL, SDU float64
	// DropLowCoverage drops flagged progeny from the filtered tables.
	DropLowCoverage bool
	// XXFilter is the maximum fraction of XX calls for an F2 row. When nil,
	// the 0.75 quantile of the XX fractions is used.
	XXFilter *float64
	// MaxMarkers, when positive, caps the rows of each filtered table.
	MaxMarkers int
	// Seed seeds marker reduction.
	Seed int64
}

// LowCoverageMode reports whether o runs with a non-default call threshold.
func (o Opts) LowCoverageMode() bool { return o.LowCov != 2 }

// ProgenyStats summarizes one progeny of a parent.
type ProgenyStats struct {
	Prog        string
	MarkerCount int
	Coverage    int
	LowCoverage bool
}

// Analysis is the segregation analysis of one genotype table.
type Analysis struct {
	Table   *genotype.Table
	Progeny []ProgenyStats
	// Frequency[i] is the fraction of progeny with a non-absent call for
	// marker i.
	Frequency []float64
	// Keep lists, in table order, the rows whose frequency is in [SDL, SDU].
	Keep []int
	// Drop holds the progeny excluded from the filtered tables.
	Drop map[string]bool
}

// Analyze computes progeny statistics and marker frequencies for t. counts
// holds the raw marker counts of every progeny in t.
func Analyze(t *genotype.Table, counts map[string][]kmerindex.Count, opts Opts) (*Analysis, error) {
	if len(t.Progeny) == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("genotype table of %s has no progeny", t.Parent))
	}
	a := &Analysis{Table: t, Drop: map[string]bool{}}
	for j, prog := range t.Progeny {
		c, ok := counts[prog]
		if !ok {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("counts for %s of %s not found; rerun the genotype stage", prog, t.Parent))
		}
		if len(c) != len(t.Markers) {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%s has %d counts for %d markers of %s", prog, len(c), len(t.Markers), t.Parent))
		}
		s := ProgenyStats{Prog: prog, Coverage: CoveragePeak(CountHistogram(c))}
		for _, call := range t.Column(j) {
			if call != genotype.Absent {
				s.MarkerCount++
			}
		}
		s.LowCoverage = s.Coverage < opts.LOD
		a.Progeny = append(a.Progeny, s)
	}

	if opts.LowCoverageMode() {
		log.Printf("%s: low-coverage mode (call threshold %d); coverage cut-off not applied. Remove low-coverage progeny from the pedigree and rerun, or set the frequency bounds, if the segregation distribution shows two peaks", t.Parent, opts.LowCov)
	}
	for _, s := range a.Progeny {
		if !s.LowCoverage {
			continue
		}
		if opts.DropLowCoverage && !opts.LowCoverageMode() {
			log.Printf("WARNING: %s: %s has coverage peak %d < %d; excluded", t.Parent, s.Prog, s.Coverage, opts.LOD)
			a.Drop[s.Prog] = true
		} else {
			log.Printf("WARNING: %s: %s has coverage peak %d < %d", t.Parent, s.Prog, s.Coverage, opts.LOD)
		}
	}

	n := float64(len(t.Progeny))
	a.Frequency = make([]float64, len(t.Markers))
	for i, row := range t.Calls {
		var present int
		for _, call := range row {
			if call != genotype.Absent {
				present++
			}
		}
		f := float64(present) / n
		a.Frequency[i] = f
		if f >= opts.SDL && f <= opts.SDU {
			a.Keep = append(a.Keep, i)
		}
	}
	log.Printf("%s: %d of %d markers segregate within [%g, %g]", t.Parent, len(a.Keep), len(t.Markers), opts.SDL, opts.SDU)
	return a, nil
}

// WriteProgenyStats writes the coverage and marker-count diagnostic table.
func (a *Analysis) WriteProgenyStats(w io.Writer) error {
	tw := tsv.NewWriter(w)
	tw.WriteString("Prog\tMarkerCount\tKmerCoverage\tLowCoverage")
	if err := tw.EndLine(); err != nil {
		return err
	}
	for _, s := range a.Progeny {
		tw.WriteString(s.Prog)
		tw.WriteUint32(uint32(s.MarkerCount))
		tw.WriteUint32(uint32(s.Coverage))
		tw.WriteString(strconv.FormatBool(s.LowCoverage))
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// DistributionRow is the normalized share of markers at one segregation
// frequency, overall and per length class.
type DistributionRow struct {
	Frequency float64
	All       float64
	Exact     float64
	Extended  float64
}

// Distribution returns the segregation frequency distribution of all
// markers, ordered by frequency. Each class column sums to 1 unless the
// class is empty.
func (a *Analysis) Distribution(k int) []DistributionRow {
	var (
		all, exact, extended = map[float64]int{}, map[float64]int{}, map[float64]int{}
		nAll, nExact, nExt   int
	)
	for i, m := range a.Table.Markers {
		f := a.Frequency[i]
		all[f]++
		nAll++
		switch markers.Classify(m.Len, k) {
		case markers.Exact:
			exact[f]++
			nExact++
		case markers.Extended:
			extended[f]++
			nExt++
		}
	}
	share := func(n, total int) float64 {
		if total == 0 {
			return 0
		}
		return float64(n) / float64(total)
	}
	rows := make([]DistributionRow, 0, len(all))
	for f, n := range all {
		rows = append(rows, DistributionRow{
			Frequency: f,
			All:       share(n, nAll),
			Exact:     share(exact[f], nExact),
			Extended:  share(extended[f], nExt),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Frequency < rows[j].Frequency })
	return rows
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// WriteDistribution writes rows as "Frequency All Exact Extended".
func WriteDistribution(w io.Writer, rows []DistributionRow) error {
	tw := tsv.NewWriter(w)
	tw.WriteString("Frequency\tAll\tExact\tExtended")
	if err := tw.EndLine(); err != nil {
		return err
	}
	for _, r := range rows {
		tw.WriteString(formatFloat(r.Frequency))
		tw.WriteString(formatFloat(r.All))
		tw.WriteString(formatFloat(r.Exact))
		tw.WriteString(formatFloat(r.Extended))
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}
