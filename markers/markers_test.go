package markers

import (
	"context"
	"io/ioutil"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/aflap/artifact"
	"github.com/grailbio/aflap/assembly"
	"github.com/grailbio/aflap/kmer"
	"github.com/grailbio/aflap/kmerindex"
	"github.com/grailbio/aflap/pedigree"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testK = 11

func randSeq(r *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = "ACGT"[r.Intn(4)]
	}
	return string(b)
}

// fakeAssembler returns a fixed fragment list and records its input.
type fakeAssembler struct {
	frags []assembly.Fragment
	input []string
	k     int
	calls int
}

func (a *fakeAssembler) Assemble(ctx context.Context, seqs []string, k int, dir, name string) ([]assembly.Fragment, error) {
	a.input = append([]string(nil), seqs...)
	a.k = k
	a.calls++
	return a.frags, nil
}

func frag(id int, seq string) assembly.Fragment {
	return assembly.Fragment{ID: id, Len: len(seq), Seq: seq}
}

func window(seq string) string { return seq[9 : 9+testK] }

func testParent(id string, coParents ...string) *pedigree.Parent {
	return &pedigree.Parent{
		Individual: &pedigree.Individual{ID: id, Gen: pedigree.F0},
		Mapped:     true,
		Lo:         5,
		Up:         20,
		Sex:        pedigree.Male,
		CoParents:  coParents,
	}
}

func TestOptsValidate(t *testing.T) {
	assert.NoError(t, DefaultOpts.Validate())
	assert.NoError(t, Opts{K: 11, IdentityOffset: 9}.Validate())
	for _, o := range []Opts{{K: 2}, {K: 33}, {K: 9, IdentityOffset: 9}, {K: 31, IdentityOffset: -1}} {
		assert.True(t, errors.Is(errors.Invalid, o.Validate()), "%+v", o)
	}
}

func TestClassify(t *testing.T) {
	expect.EQ(t, AK(31), 61)
	expect.EQ(t, Classify(60, 31), Short)
	expect.EQ(t, Classify(61, 31), Exact)
	expect.EQ(t, Classify(62, 31), Extended)
	expect.EQ(t, Extended.String(), "extended")
}

func TestDerive(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(1))
	idx := kmerindex.NewMemory(testK, "")

	f0 := randSeq(r, 21)
	f1 := randSeq(r, 25)
	f2 := randSeq(r, 30)
	f3 := randSeq(r, 20)
	f4 := randSeq(r, 26)
	// f5 carries the reverse complement of f0's identity window.
	f5 := randSeq(r, 9) + kmer.ReverseComplement(window(f0)) + randSeq(r, 2)
	idx.Set("A", window(f0), 10)
	idx.Set("A", window(f1), 10)
	idx.Set("B", window(f1), 1)
	idx.Set("A", window(f2), 100)
	idx.Set("A", window(f4), 7)

	x1, x2 := randSeq(r, testK), randSeq(r, testK)
	idx.Set("A", x1, 8)
	idx.Set("A", x2, 8)
	idx.Set("B", x2, 2)

	asm := &fakeAssembler{frags: []assembly.Fragment{
		frag(0, f0), frag(1, f1), frag(2, f2), frag(3, f3), frag(4, f4), frag(5, f5),
	}}
	env := Env{Opts: Opts{K: testK, IdentityOffset: 9}, Index: idx, Assembler: asm}
	ms, report, err := Derive(ctx, env, testParent("A", "B"), []string{x1, x2})
	require.NoError(t, err)

	expect.EQ(t, asm.input, []string{x1})
	expect.EQ(t, asm.k, assembly.K(testK))
	expect.EQ(t, report, Report{
		Parent:            "A",
		K:                 testK,
		KmersIn:           1,
		Fragments:         6,
		FragmentsExact:    1,
		FragmentsExtended: 4,
		Markers:           2,
		MarkersExact:      1,
		MarkersExtended:   1,
	})
	require.Len(t, ms, 2)
	expect.EQ(t, ms[0], Marker{
		ID:     0,
		Seq:    kmer.Canonical(window(f0)),
		Len:    21,
		Parent: "A",
		Locus:  f0[:10] + "|" + f0[11:],
	})
	expect.EQ(t, ms[0].Name(), "0_21")
	expect.EQ(t, ms[1].ID, 4)
	expect.EQ(t, ms[1].Seq, kmer.Canonical(window(f4)))
	expect.EQ(t, Classify(ms[1].Len, testK), Extended)
}

func TestDeriveLengthMismatch(t *testing.T) {
	ctx := context.Background()
	idx := kmerindex.NewMemory(testK, "")
	idx.Set("B", strings.Repeat("A", testK), 1)
	asm := &fakeAssembler{frags: []assembly.Fragment{{ID: 0, Len: 30, Seq: strings.Repeat("C", 21)}}}
	env := Env{Opts: Opts{K: testK, IdentityOffset: 9}, Index: idx, Assembler: asm}
	_, _, err := Derive(ctx, env, testParent("A", "B"), nil)
	assert.True(t, errors.Is(errors.Integrity, err), "%v", err)
}

func TestDeriveMissingCoParent(t *testing.T) {
	ctx := context.Background()
	idx := kmerindex.NewMemory(testK, "")
	env := Env{Opts: Opts{K: testK, IdentityOffset: 9}, Index: idx, Assembler: &fakeAssembler{}}
	_, _, err := Derive(ctx, env, testParent("A", "B"), []string{strings.Repeat("A", testK)})
	assert.True(t, errors.Is(errors.NotExist, err), "%v", err)
}

func TestBuild(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "markers")
	defer cleanup()
	ctx := context.Background()
	r := rand.New(rand.NewSource(2))

	idx := kmerindex.NewMemory(testK, "")
	s := randSeq(r, 40)
	for i := 0; i+testK <= len(s); i++ {
		idx.Set("A", s[i:i+testK], 10)
	}
	// A repeat k-mer outside the band.
	idx.Set("A", randSeq(r, testK), 50)
	idx.Set("B", randSeq(r, testK), 10)

	env := Env{
		Opts:      Opts{K: testK, IdentityOffset: 9},
		Index:     idx,
		Assembler: assembly.Unitig{},
		Store:     &artifact.Store{Root: tempDir},
	}
	p := testParent("A", "B")
	path, rep, err := Build(ctx, env, p)
	require.NoError(t, err)
	expect.EQ(t, rep.Parent, "A")
	expect.EQ(t, rep.K, testK)
	assert.True(t, rep.Markers > 0, "%+v", rep)
	params := ParamsOf(p, testK)
	expect.EQ(t, path, filepath.Join(tempDir, "03/F0Markers/A_m11_MARKERS_L5_U20_B.fa"))

	sc, err := readSeqs(ctx, env.Store.Path(SingleCopyKey(params)))
	require.NoError(t, err)
	expect.EQ(t, len(sc), len(s)-testK+1)

	ms, err := Load(ctx, env, p)
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	windows := map[string]bool{}
	for i := 0; i+testK <= len(s); i++ {
		windows[kmer.Canonical(s[i:i+testK])] = true
	}
	for _, m := range ms {
		assert.True(t, windows[m.Seq], "%v", m)
		assert.True(t, m.Len >= AK(testK), "%v", m)
		assert.NotEmpty(t, m.Locus)
	}

	report, err := ioutil.ReadFile(env.Store.Path(ReportKey(params, nil)))
	require.NoError(t, err)
	assert.Contains(t, string(report), "Report for A:")
	hist, err := ReadHistogram(ctx, env.Store.Path(HistogramKey("A", testK)))
	require.NoError(t, err)
	expect.EQ(t, hist[50], 1)
	band, err := ioutil.ReadFile(env.Store.Path(BandHistogramKey(params)))
	require.NoError(t, err)
	assert.Contains(t, string(band), "50\t1\t0\n")

	// A second run reuses the artifacts.
	path2, rep2, err := Build(ctx, env, p)
	require.NoError(t, err)
	expect.EQ(t, path2, path)
	expect.EQ(t, rep2, rep)

	// Removing the co-parent drops the parent's markers.
	removed, err := env.Store.RemoveIndividual(ctx, "B")
	require.NoError(t, err)
	assert.Contains(t, removed, path)
	_, err = Load(ctx, env, p)
	assert.True(t, errors.Is(errors.NotExist, err))
}

func TestDeriveReusesAssembly(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "markers")
	defer cleanup()
	ctx := context.Background()
	r := rand.New(rand.NewSource(5))
	idx := kmerindex.NewMemory(testK, "")
	f := randSeq(r, 25)
	x := randSeq(r, testK)
	idx.Set("A", window(f), 10)
	idx.Set("A", x, 10)
	idx.Set("B", randSeq(r, testK), 10)

	asm := &fakeAssembler{frags: []assembly.Fragment{frag(0, f)}}
	env := Env{
		Opts:      Opts{K: testK, IdentityOffset: 9},
		Index:     idx,
		Assembler: asm,
		Store:     &artifact.Store{Root: tempDir, Verify: true},
	}
	p := testParent("A", "B")
	for i := 0; i < 2; i++ {
		ms, _, err := Derive(ctx, env, p, []string{x})
		require.NoError(t, err)
		require.Len(t, ms, 1)
		expect.EQ(t, ms[0].Seq, kmer.Canonical(window(f)))
	}
	expect.EQ(t, asm.calls, 1)
	key := AssemblyKey(ParamsOf(p, testK), nil)
	expect.EQ(t, env.Store.Path(key), filepath.Join(tempDir, "03/ABySS/A_m11_L5_U20_B.fa"))

	// The kept assembly belongs to both parents.
	removed, err := env.Store.RemoveIndividual(ctx, "B")
	require.NoError(t, err)
	expect.EQ(t, removed, []string{env.Store.Path(key)})
	_, _, err = Derive(ctx, env, p, []string{x})
	require.NoError(t, err)
	expect.EQ(t, asm.calls, 2)
}

func TestBuildNoMarkers(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "markers")
	defer cleanup()
	ctx := context.Background()
	r := rand.New(rand.NewSource(6))
	idx := kmerindex.NewMemory(testK, "")
	x := randSeq(r, testK)
	idx.Set("A", x, 10)
	idx.Set("B", randSeq(r, testK), 10)
	// The only fragment is too short to carry a marker.
	env := Env{
		Opts:      Opts{K: testK, IdentityOffset: 9},
		Index:     idx,
		Assembler: &fakeAssembler{frags: []assembly.Fragment{frag(0, randSeq(r, 15))}},
		Store:     &artifact.Store{Root: tempDir},
	}
	p := testParent("A", "B")
	_, _, err := Build(ctx, env, p)
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
	assert.Contains(t, err.Error(), "[5, 20]")
	expect.False(t, env.Store.Exists(ctx, MarkersKey(ParamsOf(p, testK), nil)))

	// No k-mer in the band stops extraction.
	p.Lo, p.Up = 11, 20
	_, _, err = Build(ctx, env, p)
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
	assert.Contains(t, err.Error(), "no k-mers with count in [11, 20]")
}

func TestExtractUnmapped(t *testing.T) {
	p := testParent("A")
	p.Mapped = false
	_, err := Extract(context.Background(), Env{Opts: DefaultOpts}, p)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestIdenticalLoci(t *testing.T) {
	male := []Marker{
		{ID: 1, Len: 61, Seq: "AAA", Locus: "x|y"},
		{ID: 2, Len: 70, Seq: "CCC", Locus: "p|q"},
	}
	female := []Marker{
		{ID: 7, Len: 61, Seq: "GGG", Locus: "x|y"},
		{ID: 8, Len: 62, Seq: "TTT", Locus: "m|n"},
	}
	loci := IdenticalLoci(male, female)
	expect.EQ(t, loci, []Locus{{
		MaleSeq: "AAA", MaleID: "1_61", FemaleSeq: "GGG", FemaleID: "7_61", Flanks: "x|y", ID: "F2_0",
	}})
	expect.EQ(t, LociSeqs(loci), map[string]bool{"AAA": true, "GGG": true})

	tempDir, cleanup := testutil.TempDir(t, "", "loci")
	defer cleanup()
	path := filepath.Join(tempDir, "loci.tsv")
	var b strings.Builder
	require.NoError(t, WriteIdenticalLoci(&b, loci))
	require.NoError(t, ioutil.WriteFile(path, []byte(b.String()), 0644))
	got, err := ReadIdenticalLoci(context.Background(), path)
	require.NoError(t, err)
	expect.EQ(t, got, loci)
}

func TestMarkersRoundTrip(t *testing.T) {
	ms := []Marker{{ID: 3, Len: 61, Seq: "ACGT", Parent: "A"}, {ID: 9, Len: 75, Seq: "CCGG", Parent: "A"}}
	var b strings.Builder
	require.NoError(t, WriteMarkers(&b, ms))
	expect.EQ(t, b.String(), ">3_61\nACGT\n>9_75\nCCGG\n")
	got, err := ParseMarkers(strings.NewReader(b.String()), "A", "test")
	require.NoError(t, err)
	expect.EQ(t, got, ms)

	_, err = ParseMarkers(strings.NewReader(">3\nACGT\n"), "A", "test")
	assert.True(t, errors.Is(errors.Integrity, err))
}

func TestReportMerge(t *testing.T) {
	a := Report{Parent: "A", K: 31, KmersIn: 1, Fragments: 2, Markers: 3, MarkersExact: 1, MarkersExtended: 2}
	b := Report{Parent: "B", K: 31, KmersIn: 10, Fragments: 20, Markers: 30, MarkersExact: 10, MarkersExtended: 20}
	m := a.Merge(b)
	expect.EQ(t, m.Parent, "A")
	expect.EQ(t, m.KmersIn, 11)
	expect.EQ(t, m.Markers, 33)
	assert.Contains(t, m.String(), "markers == 61 bp:\t11\n")
}

func TestParseReport(t *testing.T) {
	r := Report{
		Parent: "Dad", K: 31, KmersIn: 100, Fragments: 12, FragmentsExact: 7, FragmentsExtended: 5,
		Markers: 9, MarkersExact: 6, MarkersExtended: 3,
	}
	got, err := ParseReport(r.String(), "test")
	require.NoError(t, err)
	expect.EQ(t, got, r)

	_, err = ParseReport("Report for Dad:\n\tfragments assembled:\tmany\n", "test")
	assert.True(t, errors.Is(errors.Integrity, err), "%v", err)
	_, err = ParseReport("hello", "test")
	assert.True(t, errors.Is(errors.Integrity, err), "%v", err)
}
