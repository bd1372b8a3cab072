package segregation

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/grailbio/aflap/artifact"
	"github.com/grailbio/aflap/genotype"
	"github.com/grailbio/aflap/kmer"
	"github.com/grailbio/aflap/kmerindex"
	"github.com/grailbio/aflap/markers"
	"github.com/grailbio/aflap/pedigree"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testK = 11

var testOpts = Opts{K: testK, LOD: 2, LowCov: 2, SDL: 0.2, SDU: 0.8}

func testMarkers(parent string, lens ...int) []markers.Marker {
	ms := make([]markers.Marker, len(lens))
	for i, n := range lens {
		ms[i] = markers.Marker{ID: i, Seq: strings.Repeat("ACGT"[i%4:i%4+1], 3) + parent + string(rune('a'+i)), Len: n, Parent: parent}
	}
	return ms
}

// table builds a genotype table from per-progeny call strings such as
// "0120".
func table(t *testing.T, parent string, gen pedigree.Generation, ms []markers.Marker, cols map[string]string, progeny ...string) *genotype.Table {
	columns := make([][]genotype.Call, len(progeny))
	for j, p := range progeny {
		for _, c := range cols[p] {
			columns[j] = append(columns[j], genotype.Call(c-'0'))
		}
	}
	tbl, err := genotype.NewTable(parent, gen, ms, progeny, columns)
	require.NoError(t, err)
	return tbl
}

// counts gives every marker of every progeny the count n.
func counts(ms []markers.Marker, n map[string]int) map[string][]kmerindex.Count {
	r := map[string][]kmerindex.Count{}
	for p, c := range n {
		for _, m := range ms {
			r[p] = append(r[p], kmerindex.Count{Seq: m.Seq, N: c})
		}
	}
	return r
}

// Three progeny share the same 50 of 100 markers: frequencies are binary.
func TestAnalyzeBinary(t *testing.T) {
	lens := make([]int, 100)
	col := make([]byte, 100)
	for i := range lens {
		lens[i] = 21 + i%2
		col[i] = "10"[i%2]
	}
	ms := testMarkers("A", lens...)
	cols := map[string]string{"P1": string(col), "P2": string(col), "P3": string(col)}
	tbl := table(t, "A", pedigree.F1, ms, cols, "P1", "P2", "P3")
	a, err := Analyze(tbl, counts(ms, map[string]int{"P1": 5, "P2": 5, "P3": 5}), testOpts)
	require.NoError(t, err)

	for _, f := range a.Frequency {
		assert.True(t, f == 0 || f == 1, "%v", f)
	}
	expect.EQ(t, len(a.Keep), 0)
	for _, s := range a.Progeny {
		expect.EQ(t, s.MarkerCount, 50)
		expect.EQ(t, s.Coverage, 5)
		expect.False(t, s.LowCoverage)
	}
	expect.EQ(t, a.Distribution(testK), []DistributionRow{
		{Frequency: 0, All: 0.5, Exact: 0, Extended: 1},
		{Frequency: 1, All: 0.5, Exact: 1, Extended: 0},
	})

	var b strings.Builder
	require.NoError(t, a.WriteProgenyStats(&b))
	expect.EQ(t, strings.Split(b.String(), "\n")[:2], []string{
		"Prog\tMarkerCount\tKmerCoverage\tLowCoverage",
		"P1\t50\t5\tfalse",
	})
}

func TestAnalyzeFilter(t *testing.T) {
	ms := testMarkers("A", 21, 22, 23, 24)
	cols := map[string]string{
		"P1": "1110",
		"P2": "1100",
		"P3": "1200",
		"P4": "1000",
		"P5": "1000",
	}
	tbl := table(t, "A", pedigree.F1, ms, cols, "P1", "P2", "P3", "P4", "P5")
	a, err := Analyze(tbl, counts(ms, map[string]int{"P1": 5, "P2": 5, "P3": 1, "P4": 5, "P5": 5}), testOpts)
	require.NoError(t, err)
	expect.EQ(t, a.Frequency, []float64{1, 0.6, 0.2, 0})
	expect.EQ(t, a.Keep, []int{1, 2})
	expect.True(t, a.Progeny[2].LowCoverage)
	expect.EQ(t, len(a.Drop), 0)

	f := F1(a)
	expect.EQ(t, f.IDs, []string{"1_22", "2_23"})
	expect.EQ(t, f.Progeny, []string{"P1", "P2", "P3", "P4", "P5"})
	expect.EQ(t, f.Codes[0], []string{"1", "1", "2", "0", "0"})

	opts := testOpts
	opts.DropLowCoverage = true
	a, err = Analyze(tbl, counts(ms, map[string]int{"P1": 5, "P2": 5, "P3": 1, "P4": 5, "P5": 5}), opts)
	require.NoError(t, err)
	expect.EQ(t, a.Drop, map[string]bool{"P3": true})
	f = F1(a)
	expect.EQ(t, f.Progeny, []string{"P1", "P2", "P4", "P5"})
	expect.EQ(t, f.Codes[1], []string{"1", "0", "0", "0"})

	// Low-coverage mode never drops.
	opts.LowCov = 1
	a, err = Analyze(tbl, counts(ms, map[string]int{"P1": 5, "P2": 5, "P3": 1, "P4": 5, "P5": 5}), opts)
	require.NoError(t, err)
	expect.EQ(t, len(a.Drop), 0)
	expect.True(t, a.Progeny[2].LowCoverage)
}

// Re-analyzing the kept rows leaves every frequency inside the band.
func TestAnalyzeFilterStable(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	const nm, np = 200, 10
	lens := make([]int, nm)
	for i := range lens {
		lens[i] = 21
	}
	ms := testMarkers("A", lens...)
	progeny := make([]string, np)
	cols := map[string]string{}
	for j := range progeny {
		progeny[j] = "P" + string(rune('0'+j))
		col := make([]byte, nm)
		for i := range col {
			col[i] = "01"[r.Intn(2)]
		}
		cols[progeny[j]] = string(col)
	}
	n := map[string]int{}
	for _, p := range progeny {
		n[p] = 5
	}
	a, err := Analyze(table(t, "A", pedigree.F1, ms, cols, progeny...), counts(ms, n), testOpts)
	require.NoError(t, err)
	require.NotEmpty(t, a.Keep)

	var kept []markers.Marker
	keptCols := map[string]string{}
	for _, i := range a.Keep {
		kept = append(kept, ms[i])
		for _, p := range progeny {
			keptCols[p] += cols[p][i : i+1]
		}
	}
	b, err := Analyze(table(t, "A", pedigree.F1, kept, keptCols, progeny...), counts(kept, n), testOpts)
	require.NoError(t, err)
	expect.EQ(t, len(b.Keep), len(kept))
	for _, f := range b.Frequency {
		assert.True(t, f >= testOpts.SDL && f <= testOpts.SDU, "%v", f)
	}
}

func TestAnalyzeErrors(t *testing.T) {
	ms := testMarkers("A", 21)
	tbl := table(t, "A", pedigree.F1, ms, map[string]string{"P1": "1"}, "P1")
	_, err := Analyze(tbl, nil, testOpts)
	assert.True(t, errors.Is(errors.NotExist, err))
	_, err = Analyze(tbl, map[string][]kmerindex.Count{"P1": nil}, testOpts)
	assert.True(t, errors.Is(errors.Integrity, err))
	_, err = Analyze(table(t, "A", pedigree.F1, ms, nil), nil, testOpts)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestF2(t *testing.T) {
	mms := testMarkers("M", 21, 22, 23)
	fms := testMarkers("F", 21, 22)
	progeny := []string{"K1", "K2", "K3", "K4"}
	male := table(t, "M", pedigree.F2, mms, map[string]string{
		"K1": "110", "K2": "120", "K3": "010", "K4": "100",
	}, progeny...)
	female := table(t, "F", pedigree.F2, fms, map[string]string{
		"K1": "10", "K2": "02", "K3": "10", "K4": "00",
	}, progeny...)
	opts := testOpts
	opts.SDL, opts.SDU = 0, 1
	ma, err := Analyze(male, counts(mms, map[string]int{"K1": 5, "K2": 5, "K3": 5, "K4": 5}), opts)
	require.NoError(t, err)
	fa, err := Analyze(female, counts(fms, map[string]int{"K1": 5, "K2": 5, "K3": 5, "K4": 5}), opts)
	require.NoError(t, err)

	limit := 1.0
	opts.XXFilter = &limit
	f, stats, err := F2([]*Analysis{ma}, []*Analysis{fa}, opts)
	require.NoError(t, err)
	expect.EQ(t, f.Progeny, progeny)
	expect.EQ(t, f.IDs, []string{"0_21", "1_22", "2_23", "0_21", "1_22"})
	expect.EQ(t, f.Codes, [][]string{
		{AA, AA, XX, AA},
		{AA, AB, AA, XX},
		{XX, XX, XX, XX},
		{BB, XX, BB, XX},
		{XX, AB, XX, XX},
	})
	expect.EQ(t, stats[1], FrequencyStats{MarkerSequence: mms[1].Seq, MarkerID: "1_22", XX: 0.25, AA: 0.5, AB: 0.25})

	// The default XX filter is the 0.75 quantile: XX frequencies are
	// {0.25, 0.25, 1, 0.5, 0.75}, whose 0.75 quantile is 0.75.
	opts.XXFilter = nil
	f, stats, err = F2([]*Analysis{ma}, []*Analysis{fa}, opts)
	require.NoError(t, err)
	expect.EQ(t, f.Len(), 4)
	expect.EQ(t, len(stats), 4)
	expect.EQ(t, f.IDs, []string{"0_21", "1_22", "0_21", "1_22"})

	_, _, err = F2([]*Analysis{ma}, nil, opts)
	assert.True(t, errors.Is(errors.Invalid, err))

	var b strings.Builder
	require.NoError(t, f.Write(&b))
	got, err := ReadFiltered(strings.NewReader(b.String()), pedigree.F2, "test")
	require.NoError(t, err)
	expect.EQ(t, got, f)
	_, err = ReadFiltered(strings.NewReader(b.String()), pedigree.F1, "test")
	assert.True(t, errors.Is(errors.Integrity, err))
}

func TestQuantile(t *testing.T) {
	expect.True(t, math.IsNaN(Quantile(nil, 0.75)))
	expect.EQ(t, Quantile([]float64{3}, 0.75), 3.0)
	expect.EQ(t, Quantile([]float64{4, 1, 3, 2}, 0.75), 3.25)
	expect.EQ(t, Quantile([]float64{4, 1, 3, 2}, 1), 4.0)
	expect.EQ(t, Quantile([]float64{4, 1, 3, 2}, 0), 1.0)
}

func TestReduce(t *testing.T) {
	f := &Filtered{Gen: pedigree.F1, Progeny: []string{"P"}}
	for i := 0; i < 20; i++ {
		f.add(string(rune('a'+i)), string(rune('A'+i)), []string{"1"})
	}
	expect.EQ(t, Reduce(f, 0, 1), f)
	expect.EQ(t, Reduce(f, 20, 1), f)
	r := Reduce(f, 5, 1)
	expect.EQ(t, r.Len(), 5)
	for i := 1; i < r.Len(); i++ {
		assert.True(t, r.Seqs[i-1] < r.Seqs[i], "order not preserved: %v", r.Seqs)
	}
	expect.EQ(t, Reduce(f, 5, 1), r)
}

func TestStage(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "segregation")
	defer cleanup()
	ctx := context.Background()
	store := &artifact.Store{Root: tempDir}
	r := rand.New(rand.NewSource(5))

	p := &pedigree.Parent{
		Individual: &pedigree.Individual{ID: "A", Gen: pedigree.F0},
		Mapped:     true, Lo: 5, Up: 20, Sex: pedigree.Male, CoParents: []string{"B"},
	}
	var ms []markers.Marker
	for i := 0; i < 10; i++ {
		b := make([]byte, testK)
		for j := range b {
			b[j] = "ACGT"[r.Intn(4)]
		}
		ms = append(ms, markers.Marker{ID: i, Seq: kmer.Canonical(string(b)), Len: 21 + i, Parent: "A"})
	}
	idx := kmerindex.NewMemory(testK, "")
	progeny := []string{"K1", "K2", "K3", "K4"}
	for j, prog := range progeny {
		for i, m := range ms {
			// Marker i is present in progeny j when i%4 <= j.
			if i%4 <= j {
				idx.Set(prog, m.Seq, 6)
			}
		}
	}
	genv := genotype.Env{Opts: genotype.Opts{K: testK, Threshold: 2}, Index: idx, Store: store}
	var units []genotype.Unit
	for _, prog := range progeny {
		u := genotype.Unit{Parent: p, Gen: pedigree.F1, Progeny: prog}
		_, err := genotype.Genotype(ctx, genv, u, ms, nil)
		require.NoError(t, err)
		units = append(units, u)
	}
	_, _, err := genotype.BuildTable(ctx, genv, p, units, ms)
	require.NoError(t, err)

	env := Env{Opts: testOpts, Store: store}
	a, err := AnalyzeParent(ctx, env, p, units)
	require.NoError(t, err)
	expect.EQ(t, a.Frequency[:4], []float64{1, 0.75, 0.5, 0.25})
	expect.EQ(t, a.Progeny[0].Coverage, 6)
	assert.True(t, store.Exists(ctx, ProgenyStatsKey(p, pedigree.F1, testK, units)))
	assert.True(t, store.Exists(ctx, DistributionKey(p, pedigree.F1, testK, units)))

	path, f, err := FilterF1(ctx, env, p, units, a)
	require.NoError(t, err)
	// Markers 0, 4 and 8 are present in every progeny.
	expect.EQ(t, f.IDs, []string{"1_22", "2_23", "3_24", "5_26", "6_27", "7_28", "9_30"})
	got, err := LoadFiltered(ctx, path, pedigree.F1)
	require.NoError(t, err)
	expect.EQ(t, got, f)

	env.Opts.MaxMarkers = 3
	_, f, err = FilterF1(ctx, env, p, units, a)
	require.NoError(t, err)
	expect.EQ(t, f.Len(), 3)
}
