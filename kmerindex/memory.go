package kmerindex

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/aflap/encoding/fastq"
	"github.com/grailbio/aflap/kmer"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// The in-memory table is sharded 256 ways using the upper 8 bits of
// farmhash(kmer), so that concurrent builds of different individuals and
// lookups touch small maps.
const nShard = 256

type shard map[kmer.Kmer]uint32

type table [nShard]shard

func newTable() *table {
	t := new(table)
	for i := range t {
		t[i] = shard{}
	}
	return t
}

func shardOf(k kmer.Kmer) int {
	return int(farm.Hash64WithSeed(nil, uint64(k)) >> 56)
}

func (t *table) add(k kmer.Kmer, n uint32) { t[shardOf(k)][k] += n }

func (t *table) get(k kmer.Kmer) uint32 { return t[shardOf(k)][k] }

// Memory is an in-process Index. When Dir is set, each built index is also
// written there as a TSV snapshot and reloaded on demand, so that separate
// invocations of the pipeline can share it.
type Memory struct {
	k   int
	dir string

	mu     sync.Mutex
	tables map[string]*table
}

// NewMemory creates an in-process index of k-mers of length k. Dir may be
// empty.
func NewMemory(k int, dir string) *Memory {
	if k < 1 || k > kmer.MaxK {
		log.Panicf("kmerindex: k=%d out of range", k)
	}
	return &Memory{k: k, dir: dir, tables: map[string]*table{}}
}

// K implements Index.
func (m *Memory) K() int { return m.k }

func (m *Memory) snapshotPath(id string) string {
	if m.dir == "" {
		return ""
	}
	return filepath.Join(m.dir, fmt.Sprintf("%s.m%d.counts.tsv", id, m.k))
}

func (m *Memory) handle(id string) Handle {
	path := m.snapshotPath(id)
	if path == "" {
		path = "mem:" + id
	}
	return Handle{ID: id, K: m.k, Path: path}
}

// Set assigns count n to the canonical form of seq in the index of id,
// creating the index if needed. It is meant for constructing synthetic
// datasets.
func (m *Memory) Set(id, seq string, n int) {
	if len(seq) != m.k {
		log.Panicf("kmerindex: %q is not a %d-mer", seq, m.k)
	}
	k := kmer.Encode(seq)
	if k == kmer.Invalid {
		log.Panicf("kmerindex: %q is not ACGT", seq)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[id]
	if !ok {
		t = newTable()
		m.tables[id] = t
	}
	c := kmer.CanonicalKmer(k, m.k)
	t[shardOf(c)][c] = uint32(n)
}

// Build implements Index. Reads may be FASTQ or FASTA, optionally gzipped.
func (m *Memory) Build(ctx context.Context, id string, reads []string) (Handle, error) {
	if h, err := m.Open(ctx, id); err == nil {
		log.Debug.Printf("kmerindex: reusing index for %s", id)
		return h, nil
	}
	t := newTable()
	z := kmer.NewKmerizer(m.k)
	var read fastq.Read
	for _, path := range reads {
		in, err := fastq.Open(ctx, path)
		if err != nil {
			return Handle{}, errors.E(err, "reads of", id)
		}
		sc := fastq.NewScanner(in)
		for sc.Scan(&read) {
			z.Reset(read.Seq)
			for z.Scan() {
				t.add(z.Get(), 1)
			}
		}
		err = sc.Err()
		if e := in.Close(); e != nil && err == nil {
			err = e
		}
		if err != nil {
			return Handle{}, errors.E(err, "reading", path)
		}
	}
	if path := m.snapshotPath(id); path != "" {
		if err := writeSnapshot(ctx, path, t, m.k); err != nil {
			return Handle{}, err
		}
	}
	m.mu.Lock()
	m.tables[id] = t
	m.mu.Unlock()
	return m.handle(id), nil
}

// Open implements Index.
func (m *Memory) Open(ctx context.Context, id string) (Handle, error) {
	m.mu.Lock()
	_, ok := m.tables[id]
	m.mu.Unlock()
	if ok {
		return m.handle(id), nil
	}
	if path := m.snapshotPath(id); path != "" {
		if info, err := file.Stat(ctx, path); err == nil && info.Size() > 0 {
			return m.handle(id), nil
		}
	}
	return Handle{}, notBuilt(id, m.k)
}

// Remove implements Index.
func (m *Memory) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.tables, id)
	m.mu.Unlock()
	if path := m.snapshotPath(id); path != "" {
		return removeIfExists(ctx, path)
	}
	return nil
}

func (m *Memory) table(ctx context.Context, h Handle) (*table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tables[h.ID]; ok {
		return t, nil
	}
	path := m.snapshotPath(h.ID)
	if path == "" {
		return nil, notBuilt(h.ID, m.k)
	}
	t, err := readSnapshot(ctx, path, m.k)
	if err != nil {
		if errors.Is(errors.NotExist, err) {
			return nil, notBuilt(h.ID, m.k)
		}
		return nil, err
	}
	m.tables[h.ID] = t
	return t, nil
}

// Query implements Index.
func (m *Memory) Query(ctx context.Context, h Handle, seqs []string) ([]Count, error) {
	t, err := m.table(ctx, h)
	if err != nil {
		return nil, err
	}
	counts := make([]Count, len(seqs))
	for i, s := range seqs {
		if len(s) != m.k {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("query %q is not a %d-mer", s, m.k))
		}
		k := kmer.Encode(s)
		if k == kmer.Invalid {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("query %q contains a non-ACGT base", s))
		}
		counts[i] = Count{Seq: s, N: int(t.get(kmer.CanonicalKmer(k, m.k)))}
	}
	return counts, nil
}

// Dump implements Index.
func (m *Memory) Dump(ctx context.Context, h Handle, lo, up int) ([]string, error) {
	t, err := m.table(ctx, h)
	if err != nil {
		return nil, err
	}
	var ks []kmer.Kmer
	for _, s := range t {
		for k, n := range s {
			if int(n) >= lo && int(n) <= up {
				ks = append(ks, k)
			}
		}
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i] < ks[j] })
	seqs := make([]string, len(ks))
	for i, k := range ks {
		seqs[i] = kmer.Decode(k, m.k)
	}
	return seqs, nil
}

// Histogram implements Index.
func (m *Memory) Histogram(ctx context.Context, h Handle) (Histogram, error) {
	t, err := m.table(ctx, h)
	if err != nil {
		return nil, err
	}
	hist := Histogram{}
	for _, s := range t {
		for _, n := range s {
			if n > 0 {
				hist[int(n)]++
			}
		}
	}
	return hist, nil
}

type snapshotRow struct {
	Seq   string `tsv:"kmer"`
	Count int64  `tsv:"count"`
}

func writeSnapshot(ctx context.Context, path string, t *table, k int) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewWriter(out.Writer(ctx))
	w.WriteString("kmer")
	w.WriteString("count")
	if err = w.EndLine(); err != nil {
		return err
	}
	for _, s := range t {
		for km, n := range s {
			w.WriteString(kmer.Decode(km, k))
			w.WriteUint32(n)
			if err = w.EndLine(); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

func readSnapshot(ctx context.Context, path string, k int) (t *table, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	t = newTable()
	for {
		var row snapshotRow
		if err = r.Read(&row); err != nil {
			if err == io.EOF {
				return t, nil
			}
			return nil, errors.E(errors.Integrity, err, "k-mer snapshot", path)
		}
		km := kmer.Encode(row.Seq)
		if len(row.Seq) != k || km == kmer.Invalid {
			return nil, errors.E(errors.Integrity, "k-mer snapshot "+path+": bad k-mer "+strconv.Quote(row.Seq))
		}
		t.add(km, uint32(row.Count))
	}
}
