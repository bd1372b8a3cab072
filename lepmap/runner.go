package lepmap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/aflap/extern"
	"github.com/grailbio/aflap/pedigree"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/multierror"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/tsv"
)

// Runner drives LepMap3 through java.
type Runner struct {
	// Java is the java executable.
	Java string
	// ClassPath is the LepMap3 bin directory.
	ClassPath string
	Threads   int
	// MinLinkageGroups is the number of linkage groups an F2 map must reach;
	// the LOD limit is raised until it does.
	MinLinkageGroups int
	// MaxLOD bounds the LOD search.
	MaxLOD int
	// MinGroupShare is the minimum fraction of markers a linkage group must
	// hold to be ordered.
	MinGroupShare float64
}

// DefaultRunner holds the runner defaults.
var DefaultRunner = Runner{
	Java:             "java",
	Threads:          4,
	MinLinkageGroups: 10,
	MaxLOD:           100,
	MinGroupShare:    0.01,
}

// Position is the map position of one marker.
type Position struct {
	MarkerSequence string `tsv:"MarkerSequence"`
	MarkerID       string `tsv:"MarkerID"`
	// RowIndex is the 1-based row of the marker in the LepMap3 table.
	RowIndex int     `tsv:"RowIndex"`
	Male     float64 `tsv:"MalePosition"`
	Female   float64 `tsv:"FemalePosition"`
	LG       int     `tsv:"LG"`
}

// Result is a linkage map.
type Result struct {
	LOD int
	// Groups lists the linkage group id of every marker, in row order; 0 is
	// unassigned.
	Groups []int
	// Ordered lists the linkage groups that were ordered.
	Ordered   []int
	Positions []Position
}

func (r Runner) run(ctx context.Context, class string, args []string, stdout, stderr string) (err error) {
	out, err := os.Create(stdout)
	if err != nil {
		return err
	}
	defer func() {
		if e := out.Close(); e != nil && err == nil {
			err = e
		}
	}()
	errf, err := os.Create(stderr)
	if err != nil {
		return err
	}
	defer errf.Close() // nolint: errcheck
	c := extern.Cmd{
		Path:   r.Java,
		Args:   append([]string{"-cp", r.ClassPath, class}, args...),
		Stdout: out,
		Stderr: errf,
	}
	if err = extern.Run(ctx, c); err != nil {
		os.Remove(stdout) // nolint: errcheck
	}
	return err
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// Map runs LepMap3 on the table at data. Outputs go to
// {dir}/LOD{L}/{gen}/{name}.LOD{L}*.txt and existing outputs are reused.
// seqs and ids give the sequence and id of each table row; the joined map is
// written to {dir}/{name}.LOD{L}.txt.
func (r Runner) Map(ctx context.Context, dir, name, data string, gen pedigree.Generation, lod int, seqs, ids []string) (Result, error) {
	if len(seqs) != len(ids) {
		return Result{}, errors.E(errors.Integrity, fmt.Sprintf("%d marker sequences for %d ids", len(seqs), len(ids)))
	}
	var (
		res    = Result{LOD: lod}
		outDir string
	)
	for {
		outDir = filepath.Join(dir, fmt.Sprintf("LOD%d", res.LOD), gen.String())
		if err := os.MkdirAll(outDir, 0755); err != nil {
			return res, err
		}
		mapFile := filepath.Join(outDir, fmt.Sprintf("%s.LOD%d.txt", name, res.LOD))
		if exists(mapFile) {
			log.Printf("%s: reusing LOD %d linkage groups", name, res.LOD)
		} else {
			args := []string{
				"lodLimit=" + strconv.Itoa(res.LOD),
				"numThreads=" + strconv.Itoa(r.Threads),
				"data=" + data,
			}
			if err := r.run(ctx, "SeparateChromosomes2", args, mapFile, strings.TrimSuffix(mapFile, ".txt")+".stderr"); err != nil {
				return res, err
			}
		}
		groups, err := readGroups(mapFile)
		if err != nil {
			return res, err
		}
		if len(groups) != len(ids) {
			return res, errors.E(errors.Integrity, fmt.Sprintf("%s assigns %d markers; the table has %d", mapFile, len(groups), len(ids)))
		}
		res.Groups = groups
		n := distinct(groups)
		if gen != pedigree.F2 || n >= r.MinLinkageGroups {
			log.Printf("%s: %d linkage groups at LOD %d", name, n, res.LOD)
			break
		}
		if res.LOD >= r.MaxLOD {
			return res, errors.E(errors.Unavailable, fmt.Sprintf("%s: %d linkage groups at LOD %d; %d required", name, n, res.LOD, r.MinLinkageGroups))
		}
		log.Printf("%s: %d linkage groups at LOD %d; raising the LOD limit", name, n, res.LOD)
		res.LOD++
	}

	res.Ordered = r.selectGroups(res.Groups)
	log.Printf("%s: ordering %d linkage groups holding at least %g of the markers", name, len(res.Ordered), r.MinGroupShare)
	mapFile := filepath.Join(outDir, fmt.Sprintf("%s.LOD%d.txt", name, res.LOD))
	lgFile := func(lg int) string {
		return filepath.Join(outDir, fmt.Sprintf("%s.LOD%d.LG%d.txt", name, res.LOD, lg))
	}
	threads := r.Threads
	if threads < 1 {
		threads = 1
	}
	if threads > len(res.Ordered) {
		threads = len(res.Ordered)
	}
	errs := multierror.NewMultiError(len(res.Ordered))
	if threads > 0 {
		_ = traverse.Each(threads, func(jobIdx int) error {
			start := jobIdx * len(res.Ordered) / threads
			end := (jobIdx + 1) * len(res.Ordered) / threads
			for _, lg := range res.Ordered[start:end] {
				out := lgFile(lg)
				if exists(out) {
					log.Debug.Printf("%s: reusing linkage group %d", name, lg)
					continue
				}
				args := []string{
					"useMorgan=1",
					"numMergeIterations=20",
					"chromosome=" + strconv.Itoa(lg),
					"map=" + mapFile,
					"data=" + data,
				}
				errs.Add(r.run(ctx, "OrderMarkers2", args, out, strings.TrimSuffix(out, ".txt")+".stderr"))
			}
			return nil
		})
	}
	if err := errs.Err(); err != nil {
		return res, err
	}

	for _, lg := range res.Ordered {
		ps, err := readOrder(lgFile(lg), lg)
		if err != nil {
			return res, err
		}
		for _, p := range ps {
			if p.RowIndex < 1 || p.RowIndex > len(ids) {
				return res, errors.E(errors.Integrity, fmt.Sprintf("%s: marker %d is not in the table", lgFile(lg), p.RowIndex))
			}
			p.MarkerSequence, p.MarkerID = seqs[p.RowIndex-1], ids[p.RowIndex-1]
			res.Positions = append(res.Positions, p)
		}
	}
	joined := filepath.Join(dir, fmt.Sprintf("%s.LOD%d.txt", name, res.LOD))
	if err := writePositions(ctx, joined, res.Positions); err != nil {
		return res, err
	}
	log.Printf("%s: %d markers placed; map written to %s", name, len(res.Positions), joined)
	return res, nil
}

// selectGroups returns, ascending, the nonzero linkage groups holding at
// least MinGroupShare of the markers.
func (r Runner) selectGroups(groups []int) []int {
	sizes := map[int]int{}
	for _, g := range groups {
		sizes[g]++
	}
	var lgs []int
	for g, n := range sizes {
		if g != 0 && float64(n)/float64(len(groups)) >= r.MinGroupShare {
			lgs = append(lgs, g)
		}
	}
	sort.Ints(lgs)
	return lgs
}

func distinct(groups []int) int {
	s := map[int]bool{}
	for _, g := range groups {
		s[g] = true
	}
	return len(s)
}

// readGroups parses SeparateChromosomes2 output: comment lines starting with
// '#', then one linkage group id per marker.
func readGroups(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint: errcheck
	var groups []int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		g, err := strconv.Atoi(strings.Fields(line)[0])
		if err != nil {
			return nil, errors.E(errors.Unavailable, fmt.Sprintf("%s: bad linkage group %q", path, line))
		}
		groups = append(groups, g)
	}
	return groups, sc.Err()
}

// readOrder parses OrderMarkers2 output: comment lines starting with '#',
// then "marker malePosition femalePosition ..." lines.
func readOrder(path string, lg int) ([]Position, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "linkage group order", path, "not found; rerun the map stage")
	}
	defer f.Close() // nolint: errcheck
	return parseOrder(f, lg, path)
}

func parseOrder(r io.Reader, lg int, src string) ([]Position, error) {
	var ps []Position
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f := strings.Fields(line)
		if len(f) < 3 {
			return nil, errors.E(errors.Unavailable, fmt.Sprintf("%s: short line %q", src, line))
		}
		idx, err1 := strconv.Atoi(f[0])
		male, err2 := strconv.ParseFloat(f[1], 64)
		female, err3 := strconv.ParseFloat(f[2], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, errors.E(errors.Unavailable, fmt.Sprintf("%s: bad line %q", src, line))
		}
		ps = append(ps, Position{RowIndex: idx, LG: lg, Male: male, Female: female})
	}
	return ps, sc.Err()
}

func writePositions(ctx context.Context, path string, ps []Position) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	rw := tsv.NewRowWriter(out.Writer(ctx))
	for i := range ps {
		if err := rw.Write(&ps[i]); err != nil {
			return err
		}
	}
	return rw.Flush()
}
