package genotype

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/aflap/artifact"
	"github.com/grailbio/aflap/markers"
	"github.com/grailbio/aflap/pedigree"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// Table is a parent's genotype table: one row per marker, one column per
// progeny.
type Table struct {
	Parent  string
	Gen     pedigree.Generation
	Markers []markers.Marker
	Progeny []string
	// Calls[i][j] is the call of marker i in progeny j.
	Calls [][]Call
}

// TableKey addresses the genotype table of parent p.
func TableKey(p *pedigree.Parent, gen pedigree.Generation, k int, progeny []string) artifact.Key {
	return artifact.Key{
		Dir:         "04",
		Name:        fmt.Sprintf("%s_%s.Genotypes.MarkerID.tsv", gen, markers.ParamsOf(p, k)),
		Individuals: append(append([]string{p.ID}, p.CoParents...), progeny...),
	}
}

// NewTable assembles a table from per-progeny call columns. Each column must
// have one call per marker.
func NewTable(parent string, gen pedigree.Generation, ms []markers.Marker, progeny []string, columns [][]Call) (*Table, error) {
	if len(columns) != len(progeny) {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("%d call columns for %d progeny", len(columns), len(progeny)))
	}
	t := &Table{Parent: parent, Gen: gen, Markers: ms, Progeny: progeny, Calls: make([][]Call, len(ms))}
	for j, col := range columns {
		if len(col) != len(ms) {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%s has %d calls for %d markers of %s", progeny[j], len(col), len(ms), parent))
		}
	}
	for i := range ms {
		row := make([]Call, len(progeny))
		for j, col := range columns {
			row[j] = col[i]
		}
		t.Calls[i] = row
	}
	return t, nil
}

// Column returns the calls of progeny j.
func (t *Table) Column(j int) []Call {
	col := make([]Call, len(t.Markers))
	for i, row := range t.Calls {
		col[i] = row[j]
	}
	return col
}

// Write writes t as TSV with header
// "MarkerSequence MarkerID MarkerLength <progeny...>".
func (t *Table) Write(w io.Writer) error {
	tw := tsv.NewWriter(w)
	tw.WriteString("MarkerSequence")
	tw.WriteString("MarkerID")
	tw.WriteString("MarkerLength")
	for _, p := range t.Progeny {
		tw.WriteString(p)
	}
	if err := tw.EndLine(); err != nil {
		return err
	}
	for i, m := range t.Markers {
		tw.WriteString(m.Seq)
		tw.WriteString(strconv.Itoa(m.ID))
		tw.WriteString(strconv.Itoa(m.Len))
		for _, c := range t.Calls[i] {
			tw.WriteString(c.String())
		}
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// ReadTable parses a table written by Table.Write.
func ReadTable(r io.Reader, parent string, gen pedigree.Generation, src string) (*Table, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(nil, 1<<26)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, errors.E(errors.Integrity, src, "is empty")
	}
	header := strings.Split(sc.Text(), "\t")
	if len(header) < 3 || header[0] != "MarkerSequence" || header[1] != "MarkerID" || header[2] != "MarkerLength" {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("%s: bad header %q", src, sc.Text()))
	}
	t := &Table{Parent: parent, Gen: gen, Progeny: header[3:]}
	for line := 2; sc.Scan(); line++ {
		f := strings.Split(sc.Text(), "\t")
		if len(f) != len(header) {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%s:%d: %d columns, expected %d", src, line, len(f), len(header)))
		}
		id, err1 := strconv.Atoi(f[1])
		n, err2 := strconv.Atoi(f[2])
		if err1 != nil || err2 != nil {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%s:%d: bad marker id or length", src, line))
		}
		t.Markers = append(t.Markers, markers.Marker{ID: id, Seq: f[0], Len: n, Parent: parent})
		row := make([]Call, len(t.Progeny))
		for j, v := range f[3:] {
			c, err := strconv.Atoi(v)
			if err != nil || c < 0 || c > int(Het) {
				return nil, errors.E(errors.Integrity, fmt.Sprintf("%s:%d: bad call %q", src, line, v))
			}
			row[j] = Call(c)
		}
		t.Calls = append(t.Calls, row)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.E(errors.Integrity, err, src)
	}
	return t, nil
}

// WriteTable writes t to path.
func WriteTable(ctx context.Context, path string, t *Table) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	return t.Write(out.Writer(ctx))
}

// LoadTable reads the genotype table at path.
func LoadTable(ctx context.Context, path, parent string, gen pedigree.Generation) (t *Table, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "genotype table", path, "not found; rerun the genotype stage")
	}
	defer file.CloseAndReport(ctx, in, &err)
	return ReadTable(in.Reader(ctx), parent, gen, path)
}

// BuildTable gathers the call artifacts of every unit of parent p into its
// genotype table. All units must have been genotyped.
func BuildTable(ctx context.Context, env Env, p *pedigree.Parent, units []Unit, ms []markers.Marker) (string, *Table, error) {
	var (
		progeny = make([]string, len(units))
		columns = make([][]Call, len(units))
	)
	for j, u := range units {
		path, err := env.Store.Require(ctx, CallKey(u, env.Opts.K), "genotype")
		if err != nil {
			return "", nil, err
		}
		if columns[j], err = ReadCalls(ctx, path); err != nil {
			return "", nil, err
		}
		progeny[j] = u.Progeny
	}
	gen := pedigree.F1
	if len(units) > 0 {
		gen = units[0].Gen
	}
	t, err := NewTable(p.ID, gen, ms, progeny, columns)
	if err != nil {
		return "", nil, err
	}
	key := TableKey(p, gen, env.Opts.K, progeny)
	// The table reflects the current progeny set; always rewrite it.
	if err := env.Store.Remove(ctx, key); err != nil {
		return "", nil, err
	}
	path, _, err := env.Store.Ensure(ctx, key, func(tmp string) error {
		return WriteTable(ctx, tmp, t)
	})
	return path, t, err
}
