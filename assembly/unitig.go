package assembly

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/grailbio/aflap/kmer"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// Unitig is an in-process assembler. It builds a de Bruijn graph over the
// canonical k-mers of the input and emits every maximal non-branching path
// (unitig) as a fragment. Output is deterministic: unitigs are seeded from
// k-mers in sorted order.
type Unitig struct{}

type graph struct {
	nodes map[string]bool // canonical k-mers
}

var bases = [4]byte{'A', 'C', 'G', 'T'}

func (g *graph) has(s string) bool { return g.nodes[kmer.Canonical(s)] }

// next lists the oriented k-mers that follow s.
func (g *graph) next(s string) []string {
	var r []string
	for _, b := range bases {
		t := s[1:] + string(b)
		if g.has(t) {
			r = append(r, t)
		}
	}
	return r
}

// prev lists the oriented k-mers that precede s.
func (g *graph) prev(s string) []string {
	var r []string
	for _, b := range bases {
		t := string(b) + s[:len(s)-1]
		if g.has(t) {
			r = append(r, t)
		}
	}
	return r
}

// extend walks forward from s while the path does not branch, marking nodes
// visited, and returns the bases appended.
func (g *graph) extend(s string, visited map[string]bool) []byte {
	var tail []byte
	cur := s
	for {
		nx := g.next(cur)
		if len(nx) != 1 {
			return tail
		}
		n := nx[0]
		if len(g.prev(n)) != 1 {
			return tail
		}
		c := kmer.Canonical(n)
		if visited[c] {
			return tail
		}
		visited[c] = true
		tail = append(tail, n[len(n)-1])
		cur = n
	}
}

// Assemble implements Assembler. When dir is non-empty the fragments are also
// written to {dir}/{name}.fa, and an existing non-empty {dir}/{name}.fa is
// reused.
func (Unitig) Assemble(ctx context.Context, seqs []string, k int, dir, name string) ([]Fragment, error) {
	path := filepath.Join(dir, name+".fa")
	if dir != "" {
		if frags := existing(ctx, path); frags != nil {
			return frags, nil
		}
	}
	g := &graph{nodes: map[string]bool{}}
	for _, s := range seqs {
		for i := 0; i+k <= len(s); i++ {
			w := s[i : i+k]
			if kmer.IsACGT(w) {
				g.nodes[kmer.Canonical(w)] = true
			}
		}
	}
	seeds := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		seeds = append(seeds, n)
	}
	sort.Strings(seeds)

	visited := map[string]bool{}
	var frags []Fragment
	for _, seed := range seeds {
		if visited[seed] {
			continue
		}
		visited[seed] = true
		fwd := g.extend(seed, visited)
		bwd := g.extend(kmer.ReverseComplement(seed), visited)
		// The backward extension was walked on the reverse strand; flip it.
		head := kmer.ReverseComplement(string(bwd))
		seq := head + seed + string(fwd)
		frags = append(frags, Fragment{ID: len(frags), Len: len(seq), Seq: seq})
	}
	if len(frags) == 0 {
		return nil, noOutput(path)
	}
	log.Debug.Printf("unitig: %d k-mers (k=%d) -> %d fragments", len(g.nodes), k, len(frags))
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		if err := writeFragmentFile(ctx, path, frags); err != nil {
			return nil, err
		}
	}
	return frags, nil
}

func writeFragmentFile(ctx context.Context, path string, frags []Fragment) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	return WriteFragments(out.Writer(ctx), frags)
}
