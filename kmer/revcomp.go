package kmer

import (
	"strings"

	gunsafe "github.com/grailbio/base/unsafe"
)

// revCompTable maps A/C/G/T (either case) to the uppercase complement and
// everything else to 'N'.
var revCompTable [256]byte

func init() {
	for i := range revCompTable {
		revCompTable[i] = 'N'
	}
	for _, p := range [][2]byte{{'A', 'T'}, {'C', 'G'}, {'G', 'C'}, {'T', 'A'}} {
		revCompTable[p[0]] = p[1]
		revCompTable[p[0]+('a'-'A')] = p[1]
	}
}

// reverseComplementBytes writes the reverse complement of src to dst. It
// panics if len(dst) != len(src).
func reverseComplementBytes(dst, src []byte) {
	n := len(src)
	if len(dst) != n {
		panic("reverseComplementBytes requires len(dst) == len(src)")
	}
	for i, j := 0, n-1; i < n; i, j = i+1, j-1 {
		dst[i] = revCompTable[src[j]]
	}
}

// ReverseComplement returns the reverse complement of seq. Bases other than
// ACGT become 'N'; the result is always uppercase.
func ReverseComplement(seq string) string {
	buf := make([]byte, len(seq))
	reverseComplementBytes(buf, gunsafe.StringToBytes(seq))
	return gunsafe.BytesToString(buf)
}

// Canonical returns the lexicographically smaller of seq and its reverse
// complement. The input is uppercased first, so Canonical is idempotent and
// Canonical(s) == Canonical(ReverseComplement(s)) for every ACGT sequence s.
func Canonical(seq string) string {
	seq = strings.ToUpper(seq)
	if rc := ReverseComplement(seq); rc < seq {
		return rc
	}
	return seq
}
