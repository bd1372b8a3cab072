package kmerindex

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/aflap/encoding/fasta"
	"github.com/grailbio/aflap/encoding/fastq"
	"github.com/grailbio/aflap/extern"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// JellyfishOpts configures the jellyfish-backed index.
type JellyfishOpts struct {
	// Path is the jellyfish executable.
	Path string
	// Dir holds the {id}.jf{k} index files.
	Dir string
	// K is the k-mer length.
	K int
	// Threads is passed to "jellyfish count -t".
	Threads int
	// HashSize is passed to "jellyfish count -s".
	HashSize string
}

// Jellyfish is an Index backed by the jellyfish k-mer counter.
type Jellyfish struct {
	opts JellyfishOpts
}

// NewJellyfish creates a jellyfish-backed index. It checks that the
// executable can be found.
func NewJellyfish(opts JellyfishOpts) (*Jellyfish, error) {
	if opts.Path == "" {
		opts.Path = "jellyfish"
	}
	if opts.HashSize == "" {
		opts.HashSize = "1000M"
	}
	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	if _, err := extern.Look(opts.Path); err != nil {
		return nil, err
	}
	return &Jellyfish{opts: opts}, nil
}

// K implements Index.
func (j *Jellyfish) K() int { return j.opts.K }

func (j *Jellyfish) path(id string) string {
	return filepath.Join(j.opts.Dir, fmt.Sprintf("%s.jf%d", id, j.opts.K))
}

// Open implements Index.
func (j *Jellyfish) Open(ctx context.Context, id string) (Handle, error) {
	path := j.path(id)
	if info, err := file.Stat(ctx, path); err != nil || info.Size() == 0 {
		return Handle{}, notBuilt(id, j.opts.K)
	}
	return Handle{ID: id, K: j.opts.K, Path: path}, nil
}

// Build implements Index. Reads are decompressed in process and streamed to
// "jellyfish count" on stdin.
func (j *Jellyfish) Build(ctx context.Context, id string, reads []string) (Handle, error) {
	if h, err := j.Open(ctx, id); err == nil {
		log.Debug.Printf("jellyfish: reusing %s", h.Path)
		return h, nil
	}
	if err := os.MkdirAll(j.opts.Dir, 0755); err != nil {
		return Handle{}, err
	}
	var (
		readers []io.Reader
		closers []io.Closer
	)
	defer func() {
		for _, c := range closers {
			c.Close() // nolint: errcheck
		}
	}()
	for _, path := range reads {
		in, err := fastq.Open(ctx, path)
		if err != nil {
			return Handle{}, errors.E(err, "reads of", id)
		}
		readers = append(readers, in)
		closers = append(closers, in)
	}
	out := j.path(id)
	tmp := out + ".tmp"
	err := extern.Run(ctx, extern.Cmd{
		Path: j.opts.Path,
		Args: []string{"count", "-m", strconv.Itoa(j.opts.K), "-C",
			"-s", j.opts.HashSize, "-t", strconv.Itoa(j.opts.Threads),
			"-o", tmp, "/dev/stdin"},
		Stdin: io.MultiReader(readers...),
	})
	if err != nil {
		os.Remove(tmp) // nolint: errcheck
		return Handle{}, errors.E(err, "counting k-mers of", id)
	}
	if err := os.Rename(tmp, out); err != nil {
		return Handle{}, err
	}
	return j.Open(ctx, id)
}

// Query implements Index. It writes seqs to a temporary FASTA file and runs
// "jellyfish query -s".
func (j *Jellyfish) Query(ctx context.Context, h Handle, seqs []string) ([]Count, error) {
	if len(seqs) == 0 {
		return nil, nil
	}
	tmp, err := ioutil.TempFile(j.opts.Dir, "query-*.fa")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name()) // nolint: errcheck
	w := fasta.NewWriter(tmp)
	for i, s := range seqs {
		if err := w.Write(fasta.Record{Name: strconv.Itoa(i), Seq: s}); err != nil {
			tmp.Close() // nolint: errcheck
			return nil, err
		}
	}
	err = w.Flush()
	if e := tmp.Close(); e != nil && err == nil {
		err = e
	}
	if err != nil {
		return nil, err
	}
	out, err := extern.Output(ctx, extern.Cmd{
		Path: j.opts.Path,
		Args: []string{"query", "-s", tmp.Name(), h.Path},
	})
	if err != nil {
		return nil, err
	}
	pairs, err := parseSeqCounts(out, h.Path)
	if err != nil {
		return nil, err
	}
	if len(pairs) != len(seqs) {
		return nil, errors.E(errors.Unavailable,
			fmt.Sprintf("jellyfish query %s: got %d lines for %d sequences", h.Path, len(pairs), len(seqs)))
	}
	for i := range pairs {
		pairs[i].Seq = seqs[i]
	}
	return pairs, nil
}

// Dump implements Index.
func (j *Jellyfish) Dump(ctx context.Context, h Handle, lo, up int) ([]string, error) {
	out, err := extern.Output(ctx, extern.Cmd{
		Path: j.opts.Path,
		Args: []string{"dump", "-c", "-L", strconv.Itoa(lo), "-U", strconv.Itoa(up), h.Path},
	})
	if err != nil {
		return nil, err
	}
	pairs, err := parseSeqCounts(out, h.Path)
	if err != nil {
		return nil, err
	}
	seqs := make([]string, len(pairs))
	for i, p := range pairs {
		seqs[i] = p.Seq
	}
	sort.Strings(seqs)
	return seqs, nil
}

// Histogram implements Index.
func (j *Jellyfish) Histogram(ctx context.Context, h Handle) (Histogram, error) {
	out, err := extern.Output(ctx, extern.Cmd{
		Path: j.opts.Path,
		Args: []string{"histo", "-t", strconv.Itoa(j.opts.Threads), h.Path},
	})
	if err != nil {
		return nil, err
	}
	return ParseHistogram(bytes.NewReader(out), h.Path)
}

// Remove implements Index.
func (j *Jellyfish) Remove(ctx context.Context, id string) error {
	return removeIfExists(ctx, j.path(id))
}

// parseSeqCounts parses "SEQ COUNT" lines. Any other shape is a collaborator
// failure.
func parseSeqCounts(out []byte, src string) ([]Count, error) {
	var counts []Count
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(nil, 1<<20)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		f := strings.Fields(text)
		if len(f) != 2 {
			return nil, errors.E(errors.Unavailable, fmt.Sprintf("%s: malformed line %d: %q", src, line, text))
		}
		n, err := strconv.Atoi(f[1])
		if err != nil || n < 0 {
			return nil, errors.E(errors.Unavailable, fmt.Sprintf("%s: malformed count on line %d: %q", src, line, text))
		}
		counts = append(counts, Count{Seq: f[0], N: n})
	}
	return counts, sc.Err()
}

// ParseHistogram parses "COUNT FREQUENCY" lines as written by "jellyfish
// histo" and by WriteHistogram.
func ParseHistogram(r io.Reader, src string) (Histogram, error) {
	h := Histogram{}
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		f := strings.Fields(sc.Text())
		if len(f) == 0 {
			continue
		}
		if len(f) != 2 {
			return nil, errors.E(errors.Unavailable, fmt.Sprintf("%s: malformed histogram line %d", src, line))
		}
		c, err1 := strconv.Atoi(f[0])
		n, err2 := strconv.Atoi(f[1])
		if err1 != nil || err2 != nil {
			return nil, errors.E(errors.Unavailable, fmt.Sprintf("%s: malformed histogram line %d", src, line))
		}
		h[c] += n
	}
	return h, sc.Err()
}

// WriteHistogram writes h as "COUNT FREQUENCY" lines, ascending by count.
func WriteHistogram(w io.Writer, h Histogram) error {
	bw := bufio.NewWriter(w)
	for _, c := range h.Values() {
		if _, err := fmt.Fprintf(bw, "%d %d\n", c, h[c]); err != nil {
			return err
		}
	}
	return bw.Flush()
}
