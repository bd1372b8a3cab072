// Package segregation computes per-progeny coverage and marker counts,
// per-marker segregation frequencies, and the filtered genotype tables that
// feed linkage mapping.
package segregation

import (
	"github.com/grailbio/aflap/kmerindex"
)

// mode returns the count value with the highest frequency in h, or 0 if h is
// empty. Ties go to the smallest count value.
func mode(h kmerindex.Histogram) int {
	peak, best := 0, -1
	for _, c := range h.Values() {
		if h[c] > best {
			peak, best = c, h[c]
		}
	}
	return peak
}

// CoveragePeak estimates the sequencing coverage of a progeny from the
// histogram of its marker counts. The zero bucket is ignored. If the mode is
// 1 and the mass at counts 2-5 exceeds the mass at 1, buckets 1-5 are
// discarded and the mode is taken again over what remains. When nothing
// remains the peak is the mode over 2-5.
func CoveragePeak(h kmerindex.Histogram) int {
	nz := kmerindex.Histogram{}
	for c, n := range h {
		if c > 0 && n > 0 {
			nz[c] = n
		}
	}
	peak := mode(nz)
	if peak != 1 {
		return peak
	}
	low := kmerindex.Histogram{}
	var lowMass int
	for c := 2; c <= 5; c++ {
		if n, ok := nz[c]; ok {
			low[c] = n
			lowMass += n
		}
	}
	if lowMass <= nz[1] {
		return 1
	}
	rest := kmerindex.Histogram{}
	for c, n := range nz {
		if c > 5 {
			rest[c] = n
		}
	}
	if len(rest) == 0 {
		return mode(low)
	}
	return mode(rest)
}

// CountHistogram builds the count histogram of a progeny's marker counts.
func CountHistogram(counts []kmerindex.Count) kmerindex.Histogram {
	h := kmerindex.Histogram{}
	for _, c := range counts {
		h[c.N]++
	}
	return h
}
