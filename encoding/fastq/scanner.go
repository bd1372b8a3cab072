// Package fastq scans sequencing read files. Reads may be stored as FASTQ or,
// as some pipelines emit, as FASTA; the format is detected from the first
// record. Files whose name ends in ".gz" are decompressed transparently by
// Open.
package fastq

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/klauspost/compress/gzip"
)

var (
	// ErrShort is returned when a truncated read file is encountered.
	ErrShort = errors.New("short FASTQ file")
	// ErrInvalid is returned when an invalid read file is encountered.
	ErrInvalid = errors.New("invalid FASTQ file")
)

// A Read is a sequencing read. Qual is empty for reads taken from FASTA
// input.
type Read struct {
	ID, Seq, Qual string
}

var errEOF = errors.New("eof")

type format int

const (
	unknownFormat format = iota
	fastqFormat
	fastaFormat
)

// Scanner reads sequencing reads one at a time. Scanners are not threadsafe.
//
// Scanner performs light validation: FASTQ records must start with '@' and
// have a '+' separator line; FASTA records must start with '>'.
type Scanner struct {
	b       *bufio.Scanner
	err     error
	format  format
	pending string
}

// NewScanner constructs a Scanner that reads raw FASTQ or FASTA data from r.
func NewScanner(r io.Reader) *Scanner {
	b := bufio.NewScanner(r)
	b.Buffer(nil, 64<<20)
	return &Scanner{b: b}
}

// Scan the next read into the provided read. Once Scan returns false, it
// never returns true again. Upon completion, the user should check the Err
// method to determine whether scanning stopped because of an error or
// because the end of the stream was reached.
func (f *Scanner) Scan(read *Read) bool {
	if f.err != nil {
		return false
	}
	header := f.pending
	f.pending = ""
	for header == "" {
		if !f.b.Scan() {
			if f.err = f.b.Err(); f.err == nil {
				f.err = errEOF
			}
			return false
		}
		header = strings.TrimRight(f.b.Text(), "\r")
	}
	if f.format == unknownFormat {
		switch header[0] {
		case '@':
			f.format = fastqFormat
		case '>':
			f.format = fastaFormat
		default:
			f.err = ErrInvalid
			return false
		}
	}
	if f.format == fastaFormat {
		return f.scanFASTA(header, read)
	}
	return f.scanFASTQ(header, read)
}

func (f *Scanner) scanFASTQ(id string, read *Read) bool {
	if id[0] != '@' {
		f.err = ErrInvalid
		return false
	}
	read.ID = id[1:]
	if !f.scan() {
		return false
	}
	read.Seq = f.b.Text()
	if !f.scan() {
		return false
	}
	if unk := f.b.Bytes(); len(unk) == 0 || unk[0] != '+' {
		f.err = ErrInvalid
		return false
	}
	if !f.scan() {
		return false
	}
	read.Qual = f.b.Text()
	return true
}

func (f *Scanner) scanFASTA(id string, read *Read) bool {
	if id[0] != '>' {
		f.err = ErrInvalid
		return false
	}
	read.ID = id[1:]
	read.Qual = ""
	var seq strings.Builder
	for f.b.Scan() {
		line := strings.TrimRight(f.b.Text(), "\r")
		if line == "" {
			continue
		}
		if line[0] == '>' {
			f.pending = line
			break
		}
		seq.WriteString(line)
	}
	if f.pending == "" {
		if err := f.b.Err(); err != nil {
			f.err = err
			return false
		}
	}
	if seq.Len() == 0 {
		f.err = ErrShort
		return false
	}
	read.Seq = seq.String()
	return true
}

func (f *Scanner) scan() bool {
	ok := f.b.Scan()
	if !ok {
		if f.err = f.b.Err(); f.err == nil {
			f.err = ErrShort
		}
	}
	return ok
}

// Err returns the scanning error, if any.
func (f *Scanner) Err() error {
	if f.err == errEOF {
		return nil
	}
	return f.err
}

type readCloser struct {
	io.Reader
	ctx context.Context
	in  file.File
	gz  *gzip.Reader
}

func (r *readCloser) Close() error {
	var err error
	if r.gz != nil {
		err = r.gz.Close()
	}
	if e := r.in.Close(r.ctx); e != nil && err == nil {
		err = e
	}
	return err
}

// Open opens a read file for streaming, decompressing it when the path ends
// in ".gz".
func Open(ctx context.Context, path string) (io.ReadCloser, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	rc := &readCloser{Reader: in.Reader(ctx), ctx: ctx, in: in}
	if strings.HasSuffix(path, ".gz") {
		if rc.gz, err = gzip.NewReader(rc.Reader); err != nil {
			in.Close(ctx) // nolint: errcheck
			return nil, err
		}
		rc.Reader = rc.gz
	}
	return rc, nil
}
