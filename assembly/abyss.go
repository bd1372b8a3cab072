package assembly

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/grailbio/aflap/encoding/fasta"
	"github.com/grailbio/aflap/extern"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// ABySS runs the ABySS assembler with coverage and erosion disabled.
type ABySS struct {
	// Path is the ABYSS executable.
	Path string
}

// Assemble implements Assembler. It writes {name}.in.fa, runs
// "ABYSS -k k -c 0 -e 0 {name}.in.fa -o {name}.fa" in dir and keeps the
// assembler's stdout in {name}.log. A non-empty {name}.fa is reused.
func (a ABySS) Assemble(ctx context.Context, seqs []string, k int, dir, name string) (frags []Fragment, err error) {
	path := a.Path
	if path == "" {
		path = "ABYSS"
	}
	if err = os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	in := filepath.Join(dir, name+".in.fa")
	out := filepath.Join(dir, name+".fa")
	if frags = existing(ctx, out); frags != nil {
		return frags, nil
	}
	if err = writeInput(ctx, in, seqs); err != nil {
		return nil, err
	}
	logf, err := os.Create(filepath.Join(dir, name+".log"))
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := logf.Close(); e != nil && err == nil {
			err = e
		}
	}()
	os.Remove(out) // nolint: errcheck
	err = extern.Run(ctx, extern.Cmd{
		Path:   path,
		Args:   []string{"-k", strconv.Itoa(k), "-c", "0", "-e", "0", filepath.Base(in), "-o", filepath.Base(out)},
		Dir:    dir,
		Stdout: logf,
	})
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(out)
	if err != nil {
		return nil, errors.E(errors.Unavailable, "assembler did not create", out)
	}
	if info.Size() == 0 {
		return nil, noOutput(out)
	}
	if frags, err = ReadFragmentFile(ctx, out); err != nil {
		return nil, err
	}
	if len(frags) == 0 {
		return nil, noOutput(out)
	}
	return frags, nil
}

func writeInput(ctx context.Context, path string, seqs []string) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := fasta.NewWriter(out.Writer(ctx))
	for i, s := range seqs {
		if err = w.Write(fasta.Record{Name: strconv.Itoa(i), Seq: s}); err != nil {
			return err
		}
	}
	return w.Flush()
}
