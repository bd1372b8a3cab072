// Package extern runs the external engines the pipeline depends on (k-mer
// counter, assembler, linkage mapper) and turns their failures into typed
// errors.
package extern

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"v.io/x/lib/envvar"
	"v.io/x/lib/lookpath"
)

// maxStderr bounds how much of a failed command's stderr is kept in the
// returned error.
const maxStderr = 4096

// Look resolves name on $PATH. A missing executable is a configuration
// error.
func Look(name string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		if _, err := os.Stat(name); err != nil {
			return "", errors.E(errors.Invalid, "required executable not found:", name)
		}
		return name, nil
	}
	path, err := lookpath.Look(envvar.SliceToMap(os.Environ()), name)
	if err != nil {
		return "", errors.E(errors.Invalid, "required executable not found on $PATH:", name)
	}
	return path, nil
}

// Cmd describes one invocation.
type Cmd struct {
	// Path is the executable; it is resolved with Look when it has no path
	// separator.
	Path string
	Args []string
	// Dir is the working directory; empty means the current directory.
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	// Stderr, if set, receives the command's stderr in addition to the error
	// message.
	Stderr io.Writer
}

// Run runs c to completion. A non-zero exit is reported as an
// errors.Unavailable error carrying the tail of stderr.
func Run(ctx context.Context, c Cmd) error {
	path, err := Look(c.Path)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	var stderr tailBuffer
	if c.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&stderr, c.Stderr)
	} else {
		cmd.Stderr = &stderr
	}
	log.Debug.Printf("exec: %s %s", c.Path, strings.Join(c.Args, " "))
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		return errors.E(errors.Unavailable, err, c.Path+" "+strings.Join(c.Args, " ")+": "+msg)
	}
	return nil
}

// Output runs c and returns its stdout.
func Output(ctx context.Context, c Cmd) ([]byte, error) {
	var out bytes.Buffer
	c.Stdout = &out
	err := Run(ctx, c)
	return out.Bytes(), err
}

// tailBuffer keeps the last maxStderr bytes written to it.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if n := len(t.buf); n > maxStderr {
		t.buf = append(t.buf[:0], t.buf[n-maxStderr:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
