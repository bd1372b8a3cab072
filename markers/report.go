package markers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// Report holds the per-stage counts of one marker derivation.
type Report struct {
	Parent string
	K      int
	// KmersIn is the number of exclusive single-copy k-mers given to the
	// assembler.
	KmersIn int
	// Fragments is the number of fragments assembled.
	Fragments int
	// FragmentsExact and FragmentsExtended count fragments of length 2k-1
	// and > 2k-1 respectively.
	FragmentsExact    int
	FragmentsExtended int
	// Markers counts markers after both refilter passes.
	Markers         int
	MarkersExact    int
	MarkersExtended int
}

// Merge adds the counts of o to r. Parent and K are kept from r.
func (r Report) Merge(o Report) Report {
	r.KmersIn += o.KmersIn
	r.Fragments += o.Fragments
	r.FragmentsExact += o.FragmentsExact
	r.FragmentsExtended += o.FragmentsExtended
	r.Markers += o.Markers
	r.MarkersExact += o.MarkersExact
	r.MarkersExtended += o.MarkersExtended
	return r
}

func (r Report) String() string {
	ak := AK(r.K)
	b := strings.Builder{}
	fmt.Fprintf(&b, "Report for %s:\n", r.Parent)
	fmt.Fprintf(&b, "\t%d-mers input into assembly:\t%d\n", r.K, r.KmersIn)
	fmt.Fprintf(&b, "\tfragments assembled:\t%d\n", r.Fragments)
	fmt.Fprintf(&b, "\tfragments == %d bp:\t%d\n", ak, r.FragmentsExact)
	fmt.Fprintf(&b, "\tfragments > %d bp:\t%d\n", ak, r.FragmentsExtended)
	fmt.Fprintf(&b, "\tmarkers after refiltering:\t%d\n", r.Markers)
	fmt.Fprintf(&b, "\tmarkers == %d bp:\t%d\n", ak, r.MarkersExact)
	fmt.Fprintf(&b, "\tmarkers > %d bp:\t%d\n", ak, r.MarkersExtended)
	return b.String()
}

// ParseReport parses the text written by Report.String.
func ParseReport(text, src string) (Report, error) {
	var r Report
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	counts := []*int{
		&r.KmersIn, &r.Fragments, &r.FragmentsExact, &r.FragmentsExtended,
		&r.Markers, &r.MarkersExact, &r.MarkersExtended,
	}
	if len(lines) != len(counts)+1 || !strings.HasPrefix(lines[0], "Report for ") {
		return r, errors.E(errors.Integrity, fmt.Sprintf("%s: not a marker report", src))
	}
	r.Parent = strings.TrimSuffix(strings.TrimPrefix(lines[0], "Report for "), ":")
	for i, line := range lines[1:] {
		f := strings.Split(line, "\t")
		if len(f) != 3 {
			return r, errors.E(errors.Integrity, fmt.Sprintf("%s: bad report line %q", src, line))
		}
		n, err := strconv.Atoi(f[2])
		if err != nil {
			return r, errors.E(errors.Integrity, fmt.Sprintf("%s: bad report line %q", src, line))
		}
		*counts[i] = n
	}
	if _, err := fmt.Sscanf(lines[1], "\t%d-mers", &r.K); err != nil {
		return r, errors.E(errors.Integrity, err, src)
	}
	return r, nil
}
