package segregation

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/grailbio/aflap/genotype"
	"github.com/grailbio/aflap/pedigree"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// F2 genotype codes.
const (
	AA = "AA"
	BB = "BB"
	AB = "AB"
	XX = "XX"
)

// Filtered is a filtered genotype table. F1 tables hold calls ("0", "1");
// F2 tables hold the codes AA, BB, AB and XX.
type Filtered struct {
	Gen pedigree.Generation
	// Seqs and IDs describe the rows; IDs are "{ID}_{Len}".
	Seqs, IDs []string
	Progeny   []string
	// Codes[i][j] is the genotype of row i in progeny j.
	Codes [][]string
}

// Len returns the number of rows.
func (f *Filtered) Len() int { return len(f.Seqs) }

func (f *Filtered) add(seq, id string, codes []string) {
	f.Seqs = append(f.Seqs, seq)
	f.IDs = append(f.IDs, id)
	f.Codes = append(f.Codes, codes)
}

// F1 builds the filtered first-generation table of a: rows in a.Keep,
// progeny not in a.Drop.
func F1(a *Analysis) *Filtered {
	t := a.Table
	f := &Filtered{Gen: pedigree.F1}
	var cols []int
	for j, p := range t.Progeny {
		if !a.Drop[p] {
			cols = append(cols, j)
			f.Progeny = append(f.Progeny, p)
		}
	}
	for _, i := range a.Keep {
		codes := make([]string, len(cols))
		for c, j := range cols {
			codes[c] = t.Calls[i][j].String()
		}
		f.add(t.Markers[i].Seq, t.Markers[i].Name(), codes)
	}
	return f
}

// FrequencyStats holds the code frequencies of one F2 row.
type FrequencyStats struct {
	MarkerSequence string  `tsv:"MarkerSequence"`
	MarkerID       string  `tsv:"MarkerID"`
	XX             float64 `tsv:"XXFrequency"`
	AA             float64 `tsv:"AAFrequency"`
	BB             float64 `tsv:"BBFrequency"`
	AB             float64 `tsv:"ABFrequency"`
}

func code(c genotype.Call, present string) string {
	switch c {
	case genotype.Present:
		return present
	case genotype.Het:
		return AB
	}
	return XX
}

// F2 combines the analyses of the male and female parents of a
// second-generation cross. Present calls become AA in male tables and BB in
// female tables, Het calls AB and absent calls XX. Progeny missing from a
// table, or dropped in any analysis, are excluded. Rows whose XX frequency
// exceeds opts.XXFilter are removed; without a filter the 0.75 quantile of
// the XX frequencies is used. F2 returns the table and the frequencies of
// the retained rows.
func F2(males, females []*Analysis, opts Opts) (*Filtered, []FrequencyStats, error) {
	if len(males) == 0 || len(females) == 0 {
		return nil, nil, errors.E(errors.Invalid, "F2 analysis needs genotype tables of both a male and a female parent")
	}
	drop := map[string]bool{}
	seen := map[string]int{}
	all := append(append([]*Analysis(nil), males...), females...)
	for _, a := range all {
		for p := range a.Drop {
			drop[p] = true
		}
		for _, p := range a.Table.Progeny {
			seen[p]++
		}
	}
	var progeny []string
	for p, n := range seen {
		if !drop[p] && n == len(all) {
			progeny = append(progeny, p)
		}
	}
	sort.Strings(progeny)
	if len(progeny) == 0 {
		return nil, nil, errors.E(errors.Invalid, "no progeny are shared by every parent of the F2 cross")
	}

	comb := &Filtered{Gen: pedigree.F2, Progeny: progeny}
	for _, side := range []struct {
		as []*Analysis
		c  string
	}{{males, AA}, {females, BB}} {
		for _, a := range side.as {
			col := map[string]int{}
			for j, p := range a.Table.Progeny {
				col[p] = j
			}
			for _, i := range a.Keep {
				codes := make([]string, len(progeny))
				for c, p := range progeny {
					codes[c] = code(a.Table.Calls[i][col[p]], side.c)
				}
				m := a.Table.Markers[i]
				comb.add(m.Seq, m.Name(), codes)
			}
		}
	}

	stats := make([]FrequencyStats, comb.Len())
	xx := make([]float64, comb.Len())
	n := float64(len(progeny))
	for i, codes := range comb.Codes {
		s := FrequencyStats{MarkerSequence: comb.Seqs[i], MarkerID: comb.IDs[i]}
		for _, c := range codes {
			switch c {
			case XX:
				s.XX++
			case AA:
				s.AA++
			case BB:
				s.BB++
			case AB:
				s.AB++
			}
		}
		s.XX /= n
		s.AA /= n
		s.BB /= n
		s.AB /= n
		stats[i] = s
		xx[i] = s.XX
	}
	var limit float64
	if opts.XXFilter != nil {
		limit = *opts.XXFilter
	} else {
		limit = Quantile(xx, 0.75)
		log.Printf("F2: no XX filter set; using the 0.75 quantile of XX frequencies (%g)", limit)
	}
	out := &Filtered{Gen: pedigree.F2, Progeny: progeny}
	var kept []FrequencyStats
	for i := range comb.Codes {
		if stats[i].XX <= limit {
			out.add(comb.Seqs[i], comb.IDs[i], comb.Codes[i])
			kept = append(kept, stats[i])
		}
	}
	log.Printf("F2: %d of %d combined markers pass the XX filter", out.Len(), comb.Len())
	return out, kept, nil
}

// Quantile returns the q-quantile of v using linear interpolation between
// order statistics. It returns NaN for empty v.
func Quantile(v []float64, q float64) float64 {
	if len(v) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	pos := q * float64(len(s)-1)
	lo := int(math.Floor(pos))
	if lo+1 >= len(s) {
		return s[len(s)-1]
	}
	return s[lo] + (s[lo+1]-s[lo])*(pos-float64(lo))
}

// Reduce returns a table holding at most max rows of f, sampled with the
// given seed and kept in their original order.
func Reduce(f *Filtered, max int, seed int64) *Filtered {
	if max <= 0 || f.Len() <= max {
		return f
	}
	idx := rand.New(rand.NewSource(seed)).Perm(f.Len())[:max]
	sort.Ints(idx)
	out := &Filtered{Gen: f.Gen, Progeny: f.Progeny}
	for _, i := range idx {
		out.add(f.Seqs[i], f.IDs[i], f.Codes[i])
	}
	log.Printf("reduced %d markers to %d", f.Len(), max)
	return out
}

// Write writes f as TSV with header "MarkerSequence MarkerID <progeny...>".
func (f *Filtered) Write(w io.Writer) error {
	tw := tsv.NewWriter(w)
	tw.WriteString("MarkerSequence")
	tw.WriteString("MarkerID")
	for _, p := range f.Progeny {
		tw.WriteString(p)
	}
	if err := tw.EndLine(); err != nil {
		return err
	}
	for i := range f.Seqs {
		tw.WriteString(f.Seqs[i])
		tw.WriteString(f.IDs[i])
		for _, c := range f.Codes[i] {
			tw.WriteString(c)
		}
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

var validCodes = map[pedigree.Generation]map[string]bool{
	pedigree.F1: {"0": true, "1": true, "2": true},
	pedigree.F2: {AA: true, BB: true, AB: true, XX: true},
}

// ReadFiltered parses a table written by Filtered.Write.
func ReadFiltered(r io.Reader, gen pedigree.Generation, src string) (*Filtered, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(nil, 1<<26)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, errors.E(errors.Integrity, src, "is empty")
	}
	header := strings.Split(sc.Text(), "\t")
	if len(header) < 2 || header[0] != "MarkerSequence" || header[1] != "MarkerID" {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("%s: bad header %q", src, sc.Text()))
	}
	f := &Filtered{Gen: gen, Progeny: header[2:]}
	for line := 2; sc.Scan(); line++ {
		fields := strings.Split(sc.Text(), "\t")
		if len(fields) != len(header) {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%s:%d: %d columns, expected %d", src, line, len(fields), len(header)))
		}
		for _, c := range fields[2:] {
			if !validCodes[gen][c] {
				return nil, errors.E(errors.Integrity, fmt.Sprintf("%s:%d: bad %s genotype %q", src, line, gen, c))
			}
		}
		f.add(fields[0], fields[1], fields[2:])
	}
	if err := sc.Err(); err != nil {
		return nil, errors.E(errors.Integrity, err, src)
	}
	return f, nil
}

// WriteFrequencyStats writes the F2 code frequencies.
func WriteFrequencyStats(w io.Writer, stats []FrequencyStats) error {
	rw := tsv.NewRowWriter(w)
	for i := range stats {
		if err := rw.Write(&stats[i]); err != nil {
			return err
		}
	}
	return rw.Flush()
}
