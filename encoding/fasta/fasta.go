// Package fasta reads and writes FASTA record streams. FASTA files consist of
// a number of named sequences that may be interrupted by newlines. For
// example:
//
// >1_61 optional description
// ACGTAC
// GAGGAC
// >2_75
// ACGT
//
// The record name is the stretch of characters after '>' up to the first
// space; any text after the space is kept as the description.
package fasta

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

const maxLineLen = 1024 * 1024 * 64

// Record is one named FASTA sequence.
type Record struct {
	Name string
	Desc string
	Seq  string
}

// Scanner reads FASTA records one at a time. Sequences split over several
// lines are joined. Scanners are not threadsafe.
type Scanner struct {
	b       *bufio.Scanner
	err     error
	pending string // header line of the next record
	done    bool
}

// NewScanner creates a Scanner that reads FASTA data from r.
func NewScanner(r io.Reader) *Scanner {
	b := bufio.NewScanner(r)
	b.Buffer(nil, maxLineLen)
	return &Scanner{b: b}
}

// Scan reads the next record into rec. Scan returns false at the end of the
// stream or on error; callers should then check Err.
func (s *Scanner) Scan(rec *Record) bool {
	if s.err != nil || s.done {
		return false
	}
	header := s.pending
	for header == "" {
		if !s.b.Scan() {
			s.done = true
			s.err = s.b.Err()
			return false
		}
		line := strings.TrimSpace(s.b.Text())
		if line == "" {
			continue
		}
		if line[0] != '>' {
			s.err = errors.Errorf("malformed FASTA: sequence line before header: %.40q", line)
			return false
		}
		header = line
	}
	s.pending = ""
	rec.Name, rec.Desc = splitHeader(header[1:])
	var seq strings.Builder
	for s.b.Scan() {
		line := strings.TrimSpace(s.b.Text())
		if line == "" {
			continue
		}
		if line[0] == '>' {
			s.pending = line
			break
		}
		seq.WriteString(line)
	}
	if s.pending == "" {
		s.done = true
		if err := s.b.Err(); err != nil {
			s.err = errors.Wrap(err, "couldn't read FASTA data")
			return false
		}
	}
	if seq.Len() == 0 {
		s.err = errors.Errorf("malformed FASTA: record %q has no sequence", rec.Name)
		return false
	}
	rec.Seq = seq.String()
	return true
}

// Err returns the first error encountered, if any.
func (s *Scanner) Err() error { return s.err }

func splitHeader(h string) (name, desc string) {
	if i := strings.IndexAny(h, " \t"); i >= 0 {
		return h[:i], strings.TrimSpace(h[i+1:])
	}
	return h, ""
}

// ReadAll reads every record from r.
func ReadAll(r io.Reader) ([]Record, error) {
	var (
		recs []Record
		rec  Record
	)
	sc := NewScanner(r)
	for sc.Scan(&rec) {
		recs = append(recs, rec)
	}
	return recs, sc.Err()
}

// Writer writes FASTA records with each sequence on a single line.
type Writer struct {
	w   *bufio.Writer
	err error
}

// NewWriter creates a Writer that writes to w. Flush must be called when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write writes one record.
func (w *Writer) Write(rec Record) error {
	w.writeString(">")
	w.writeString(rec.Name)
	if rec.Desc != "" {
		w.writeString(" ")
		w.writeString(rec.Desc)
	}
	w.writeString("\n")
	w.writeString(rec.Seq)
	w.writeString("\n")
	return w.err
}

// Flush flushes buffered data and returns the first write error.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	return w.w.Flush()
}

func (w *Writer) writeString(s string) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.WriteString(s)
}

// WriteAll writes recs to w and flushes.
func WriteAll(w io.Writer, recs []Record) error {
	fw := NewWriter(w)
	for _, rec := range recs {
		if err := fw.Write(rec); err != nil {
			return err
		}
	}
	return fw.Flush()
}
