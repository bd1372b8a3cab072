package pipeline

import (
	"context"
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/aflap/genotype"
	"github.com/grailbio/aflap/kmer"
	"github.com/grailbio/aflap/markers"
	"github.com/grailbio/aflap/pedigree"
	"github.com/grailbio/aflap/segregation"
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

// writeReads writes every segment copies times as FASTQ reads.
func writeReads(t *testing.T, path string, copies int, segments ...string) {
	var b strings.Builder
	for c := 0; c < copies; c++ {
		for i, s := range segments {
			fmt.Fprintf(&b, "@r%d.%d\n%s\n+\n%s\n", c, i, s, strings.Repeat("I", len(s)))
		}
	}
	require.NoError(t, ioutil.WriteFile(path, []byte(b.String()), 0644))
}

// fakeLepMap places every marker of the table in linkage group 1 and orders
// the markers by row.
const fakeLepMap = `#!/bin/sh
shift 2
class=$1
shift
for a in "$@"; do
	case $a in
	data=*) data=${a#data=} ;;
	map=*) map=${a#map=} ;;
	esac
done
case $class in
SeparateChromosomes2)
	echo "#java SeparateChromosomes2"
	n=$(( $(wc -l < "$data") - 6 ))
	i=0
	while [ $i -lt $n ]; do echo 1; i=$((i+1)); done
	;;
OrderMarkers2)
	echo "#java OrderMarkers2"
	n=$(grep -vc '^#' "$map")
	i=1
	while [ $i -le $n ]; do printf '%d\t%d\t%d\n' $i $i $i; i=$((i+1)); done
	;;
esac
`

type fixture struct {
	dir     string
	ctx     *Context
	aSegs   []string
	shared  string
	cleanup func()
}

// newFixture builds an F1 pedigree: parent A (band [2, 20]) crossed to B.
// A carries eight segments of its own and one shared with B. Progeny k1 and
// k2 inherit the first four segments of A, k3 and k4 the last four.
func newFixture(t *testing.T) *fixture {
	dir, cleanup := testutil.TempDir(t, "", "pipeline")
	r := rand.New(rand.NewSource(7))
	f := &fixture{dir: dir, cleanup: cleanup, shared: randSeq(r, 60)}
	for i := 0; i < 8; i++ {
		f.aSegs = append(f.aSegs, randSeq(r, 60))
	}
	reads := filepath.Join(dir, "reads")
	require.NoError(t, os.MkdirAll(reads, 0755))
	writeReads(t, filepath.Join(reads, "a.fq"), 5, append(f.aSegs, f.shared)...)
	writeReads(t, filepath.Join(reads, "b.fq"), 5, f.shared, randSeq(r, 60))
	writeReads(t, filepath.Join(reads, "k1.fq"), 5, f.aSegs[:4]...)
	writeReads(t, filepath.Join(reads, "k2.fq"), 5, f.aSegs[:4]...)
	writeReads(t, filepath.Join(reads, "k3.fq"), 5, f.aSegs[4:]...)
	writeReads(t, filepath.Join(reads, "k4.fq"), 5, f.aSegs[4:]...)
	ped, err := pedigree.Parse(strings.NewReader(strings.Replace(`A 0 R/a.fq 2 20
B 0 R/b.fq NA NA
k1 1 R/k1.fq A B
k2 1 R/k2.fq A B
k3 1 R/k3.fq A B
k4 1 R/k4.fq A B
`, "R", reads, -1)))
	require.NoError(t, err)

	opts := DefaultOpts
	opts.Dir = filepath.Join(dir, "out")
	opts.K = testK
	opts.Index = "memory"
	opts.Assembler = "unitig"
	opts.Parallelism = 2
	opts.MinLinkageGroups = 1
	f.ctx, err = New(opts, ped)
	require.NoError(t, err)
	return f
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	defer f.cleanup()
	ctx := context.Background()
	c := f.ctx
	require.NoError(t, c.Run(ctx, false))

	a, _ := c.Pedigree.Parent("A")
	ms, err := markers.Load(ctx, c.markersEnv(), a)
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	first, last := map[string]bool{}, map[string]bool{}
	for i, s := range f.aSegs {
		for j := 0; j+testK <= len(s); j++ {
			w := kmer.Canonical(s[j : j+testK])
			if i < 4 {
				first[w] = true
			} else {
				last[w] = true
			}
		}
	}
	for _, m := range ms {
		assert.True(t, first[m.Seq] || last[m.Seq], "marker %v is not from a segment of A", m)
		assert.False(t, strings.Contains(f.shared, m.Seq), "marker %v is shared with B", m)
	}

	units, err := genotype.Progeny(c.Pedigree, a)
	require.NoError(t, err)
	tpath := c.Store.Path(genotype.TableKey(a, pedigree.F1, testK, []string{"k1", "k2", "k3", "k4"}))
	tbl, err := genotype.LoadTable(ctx, tpath, "A", pedigree.F1)
	require.NoError(t, err)
	expect.EQ(t, tbl.Progeny, []string{"k1", "k2", "k3", "k4"})
	for i, m := range tbl.Markers {
		want := []genotype.Call{genotype.Present, genotype.Present, genotype.Absent, genotype.Absent}
		if last[m.Seq] {
			want = []genotype.Call{genotype.Absent, genotype.Absent, genotype.Present, genotype.Present}
		}
		expect.EQ(t, tbl.Calls[i], want)
	}

	outs, err := c.Outputs()
	require.NoError(t, err)
	require.Equal(t, 1, len(outs))
	expect.EQ(t, outs[0].Name, "A_m11_L2_U20_B")
	expect.EQ(t, outs[0].Filtered, segregation.F1Key(a, testK, units))
	filtered, err := c.loadFiltered(ctx, outs[0])
	require.NoError(t, err)
	// Every marker segregates at 0.5.
	expect.EQ(t, filtered.Len(), len(ms))
	expect.EQ(t, filtered.Progeny, []string{"k1", "k2", "k3", "k4"})

	data, err := ioutil.ReadFile(filepath.Join(c.Opts.Dir, "06", "A_m11_L2_U20_B.ForLepMap3.tsv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	expect.EQ(t, len(lines), 6+len(ms))
	expect.EQ(t, lines[1], "CHR\tPOS\tA\tB\tk1\tk2\tk3\tk4")

	// A second run reuses everything.
	require.NoError(t, c.Run(ctx, false))
}

func TestMap(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	f := newFixture(t)
	defer f.cleanup()
	ctx := context.Background()
	c := f.ctx
	java := filepath.Join(f.dir, "java")
	require.NoError(t, ioutil.WriteFile(java, []byte(fakeLepMap), 0755))
	c.Mapper.Java = java
	c.Mapper.ClassPath = f.dir

	_, err := c.Map(ctx)
	expect.True(t, errors.Is(errors.NotExist, err))

	require.NoError(t, c.Run(ctx, true))
	results, err := c.Map(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, len(results))
	res := results[0]
	expect.EQ(t, res.LOD, c.Opts.LOD)
	expect.EQ(t, res.Ordered, []int{1})
	filtered, err := c.loadFiltered(ctx, mustOutputs(t, c)[0])
	require.NoError(t, err)
	require.Equal(t, filtered.Len(), len(res.Positions))
	for i, p := range res.Positions {
		expect.EQ(t, p.RowIndex, i+1)
		expect.EQ(t, p.MarkerID, filtered.IDs[i])
		expect.EQ(t, p.MarkerSequence, filtered.Seqs[i])
	}
	_, err = os.Stat(filepath.Join(c.Opts.Dir, "06", "A_m11_L2_U20_B.LOD2.txt"))
	expect.NoError(t, err)
}

func mustOutputs(t *testing.T, c *Context) []Output {
	outs, err := c.Outputs()
	require.NoError(t, err)
	return outs
}

func TestDescribe(t *testing.T) {
	ped, err := pedigree.Parse(strings.NewReader(`A 0 a.fq 5 20
B 0 b.fq NA NA
C 0 c.fq 5 20
k1 1 k1.fq A B
k2 1 k2.fq A C
k3 1 k3.fq A C
`))
	require.NoError(t, err)
	expect.EQ(t, describe(ped), []string{
		"A x B: 1 F1 progeny",
		"A x C: 2 F1 progeny",
		"3 parents (2 mapped), 3 F1 progeny",
	})
}

func TestStageOrder(t *testing.T) {
	f := newFixture(t)
	defer f.cleanup()
	ctx := context.Background()
	c := f.ctx

	// Markers need the k-mer indexes.
	err := c.Markers(ctx)
	expect.True(t, errors.Is(errors.NotExist, err))
	require.NoError(t, c.Count(ctx))
	// Genotyping needs the markers.
	err = c.Genotype(ctx)
	expect.True(t, errors.Is(errors.NotExist, err))
	require.NoError(t, c.Markers(ctx))
	err = c.SegStats(ctx)
	expect.True(t, errors.Is(errors.NotExist, err))
	require.NoError(t, c.Genotype(ctx))
	_, err = c.Export(ctx)
	expect.True(t, errors.Is(errors.NotExist, err))
	require.NoError(t, c.SegStats(ctx))
	paths, err := c.Export(ctx)
	require.NoError(t, err)
	expect.EQ(t, len(paths), 1)
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	defer f.cleanup()
	ctx := context.Background()
	c := f.ctx
	require.NoError(t, c.Run(ctx, false))

	removed, err := c.Remove(ctx, "k1")
	require.NoError(t, err)
	var names []string
	for _, p := range removed {
		names = append(names, filepath.Base(p))
	}
	assert.Contains(t, names, "k1_A_m11_L2_U20_B.txt")
	assert.Contains(t, names, "A_m11_L2_U20_B.ForLepMap3.tsv")
	for _, n := range names {
		assert.False(t, strings.HasPrefix(n, "k2_"), n)
	}
	_, err = c.Index.Open(ctx, "k1")
	expect.True(t, errors.Is(errors.NotExist, err))
	_, err = c.Index.Open(ctx, "k2")
	expect.NoError(t, err)

	_, err = c.Remove(ctx, "nobody")
	expect.True(t, errors.Is(errors.Invalid, err))

	// The next run rebuilds what was removed.
	require.NoError(t, c.Run(ctx, false))
	_, err = c.Index.Open(ctx, "k1")
	expect.NoError(t, err)
}

func TestForEach(t *testing.T) {
	for _, keepGoing := range []bool{false, true} {
		c := &Context{Opts: Opts{Parallelism: 1, KeepGoing: keepGoing}}
		var ran []int
		err := c.forEach(4, func(i int) string { return "unit" }, func(i int) error {
			ran = append(ran, i)
			if i == 1 || i == 2 {
				return errors.E(errors.Unavailable, "fail")
			}
			return nil
		})
		require.Error(t, err)
		expect.True(t, strings.Contains(err.Error(), "fail"))
		if keepGoing {
			expect.EQ(t, ran, []int{0, 1, 2, 3})
		} else {
			expect.EQ(t, ran, []int{0, 1})
		}
	}
	c := &Context{Opts: Opts{Parallelism: 8}}
	expect.NoError(t, c.forEach(0, nil, nil))
}

// An F2 pedigree: M and F each carry four segments of their own and one
// segment that differs between them at a single base. Progeny c1 and c2
// inherit the first two segments of each parent, c3 and c4 the last two.
func TestRunF2(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "pipeline")
	defer cleanup()
	ctx := context.Background()
	r := rand.New(rand.NewSource(11))
	var mSegs, fSegs []string
	for i := 0; i < 4; i++ {
		mSegs = append(mSegs, randSeq(r, 60))
		fSegs = append(fSegs, randSeq(r, 60))
	}
	xm := randSeq(r, 60)
	snp := "C"
	if xm[30] == 'C' {
		snp = "G"
	}
	xf := xm[:30] + snp + xm[31:]
	writeReads(t, filepath.Join(dir, "m.fq"), 5, append(mSegs, xm)...)
	writeReads(t, filepath.Join(dir, "f.fq"), 5, append(fSegs, xf)...)
	for i, id := range []string{"c1", "c2", "c3", "c4"} {
		segs := append(append([]string{}, mSegs[2*(i/2):2*(i/2)+2]...), fSegs[2*(i/2):2*(i/2)+2]...)
		segs = append(segs, xm, xf)
		writeReads(t, filepath.Join(dir, id+".fq"), 5, segs...)
	}
	ped, err := pedigree.Parse(strings.NewReader(strings.Replace(`M 0 D/m.fq 2 20
F 0 D/f.fq 2 20
c1 2 D/c1.fq M F
c2 2 D/c2.fq M F
c3 2 D/c3.fq M F
c4 2 D/c4.fq M F
`, "D", dir, -1)))
	require.NoError(t, err)
	opts := DefaultOpts
	opts.Dir = filepath.Join(dir, "out")
	opts.K = testK
	opts.Index = "memory"
	opts.Assembler = "unitig"
	c, err := New(opts, ped)
	require.NoError(t, err)
	require.NoError(t, c.Run(ctx, false))

	loci, err := c.IdenticalLoci(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, loci)
	het := markers.LociSeqs(loci)

	// The loci table of unchanged marker sets is read back, not recomputed.
	var sets []string
	for _, id := range []string{"M", "F"} {
		p, _ := c.Pedigree.Parent(id)
		sets = append(sets, fmt.Sprintf("%s %s", p.Sex, markers.ParamsOf(p, testK)))
	}
	lociPath := c.Store.Path(markers.IdenticalLociKey(testK, sets, nil))
	var b strings.Builder
	require.NoError(t, markers.WriteIdenticalLoci(&b, loci[:1]))
	require.NoError(t, ioutil.WriteFile(lociPath, []byte(b.String()), 0644))
	again, err := c.IdenticalLoci(ctx)
	require.NoError(t, err)
	expect.EQ(t, again, loci[:1])
	require.NoError(t, os.Remove(lociPath))
	again, err = c.IdenticalLoci(ctx)
	require.NoError(t, err)
	expect.EQ(t, again, loci)
	progeny := []string{"c1", "c2", "c3", "c4"}
	for _, id := range []string{"M", "F"} {
		p, _ := c.Pedigree.Parent(id)
		tbl, err := genotype.LoadTable(ctx, c.Store.Path(genotype.TableKey(p, pedigree.F2, testK, progeny)), id, pedigree.F2)
		require.NoError(t, err)
		require.NotEmpty(t, tbl.Markers)
		for i, m := range tbl.Markers {
			for _, call := range tbl.Calls[i] {
				if het[m.Seq] {
					expect.EQ(t, call, genotype.Het)
				} else {
					expect.True(t, call != genotype.Het, "%v", m)
				}
			}
		}
	}

	outs, err := c.Outputs()
	require.NoError(t, err)
	require.Equal(t, 1, len(outs))
	expect.EQ(t, outs[0].Name, "MxF_F2_m11")
	f, err := c.loadFiltered(ctx, outs[0])
	require.NoError(t, err)
	require.True(t, f.Len() > 0)
	expect.EQ(t, f.Progeny, progeny)
	for i, codes := range f.Codes {
		for _, code := range codes {
			assert.Contains(t, []string{segregation.AA, segregation.BB, segregation.AB, segregation.XX}, code, f.IDs[i])
		}
	}
	data, err := ioutil.ReadFile(filepath.Join(opts.Dir, "06", "MxF_F2_m11.ForLepMap3.tsv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	expect.EQ(t, lines[1], "CHR\tPOS\tM\tF\tc1\tc2\tc3\tc4")
	expect.EQ(t, lines[4], "CHR\tPOS\t1\t2\t0\t0\t0\t0")
	expect.EQ(t, len(lines), 6+f.Len())
}
