// Package kmer implements 2-bit encoded k-mers and the strand-canonical form
// used by every k-mer index and marker set in this module.
//
// A sequence and its reverse complement describe the same genomic locus, so
// all set-membership tests are done on the canonical form: the
// lexicographically smaller of a sequence and its reverse complement.
package kmer

import (
	"github.com/grailbio/base/simd"
	gunsafe "github.com/grailbio/base/unsafe"
)

// MaxK is the largest k that fits in a Kmer.
const MaxK = 32

const invalidBits = uint8(255)

var (
	asciiToBits                  [256]uint8
	asciiToReverseComplementBits [256]uint8
	bitsToASCII                  = [4]byte{'A', 'C', 'G', 'T'}
)

func init() {
	for i := range asciiToBits {
		asciiToBits[i] = invalidBits
		asciiToReverseComplementBits[i] = invalidBits
	}
	for i, ch := range bitsToASCII {
		lower := ch + ('a' - 'A')
		asciiToBits[ch] = uint8(i)
		asciiToBits[lower] = uint8(i)
		asciiToReverseComplementBits[ch] = uint8(3 - i)
		asciiToReverseComplementBits[lower] = uint8(3 - i)
	}
}

// Kmer is a compact encoding of a sequence of ACGT, up to MaxK bases. The
// encoding preserves lexicographic order among k-mers of equal length.
type Kmer uint64

// Invalid is returned by Encode for sequences that contain a non-ACGT base or
// are longer than MaxK.
const Invalid = Kmer(0xffffffffffffffff)

// Encode packs seq into a Kmer. It returns Invalid if seq contains anything
// other than ACGT (case insensitive) or is longer than MaxK.
func Encode(seq string) Kmer {
	if len(seq) > MaxK {
		return Invalid
	}
	var k Kmer
	for i := 0; i < len(seq); i++ {
		b := asciiToBits[seq[i]]
		if b == invalidBits {
			return Invalid
		}
		k = (k << 2) | Kmer(b)
	}
	return k
}

// Decode unpacks the n-base k-mer into an uppercase string.
func Decode(k Kmer, n int) string {
	buf := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		buf[i] = bitsToASCII[k&3]
		k >>= 2
	}
	return gunsafe.BytesToString(buf)
}

// ReverseComplementKmer returns the reverse complement of the n-base k-mer.
func ReverseComplementKmer(k Kmer, n int) Kmer {
	var r Kmer
	for i := 0; i < n; i++ {
		r = (r << 2) | (3 - (k & 3))
		k >>= 2
	}
	return r
}

// CanonicalKmer returns the smaller of k and its reverse complement.
func CanonicalKmer(k Kmer, n int) Kmer {
	if rc := ReverseComplementKmer(k, n); rc < k {
		return rc
	}
	return k
}

// IsACGT reports whether seq is non-empty and consists only of ACGT bases
// (case insensitive).
func IsACGT(seq string) bool {
	if len(seq) == 0 {
		return false
	}
	for i := 0; i < len(seq); i++ {
		if asciiToBits[seq[i]] == invalidBits {
			return false
		}
	}
	return true
}

// Kmerizer scans a read and yields the canonical encoding of every k-length
// window that consists only of ACGT. Windows that span an ambiguous base are
// skipped. A Kmerizer is not thread safe.
type Kmerizer struct {
	k      int
	mask   Kmer // ~(^0 << 2k)
	shift  Kmer // 2(k-1)
	tmpSeq []byte

	seq     string
	si      int
	forward Kmer
	reverse Kmer
}

// NewKmerizer creates a Kmerizer for k-mers of length k, 1 <= k <= MaxK.
func NewKmerizer(k int) *Kmerizer {
	if k < 1 || k > MaxK {
		panic("kmer: k out of range")
	}
	mask := ^Kmer(0)
	if k < MaxK {
		mask = ^(^Kmer(0) << Kmer(2*k))
	}
	return &Kmerizer{
		k:     k,
		mask:  mask,
		shift: Kmer(k-1) * 2,
	}
}

// Reset starts scanning a new read.
func (z *Kmerizer) Reset(seq string) {
	z.seq = seq
	z.si = 0
}

// Scan advances to the next valid window. It returns false once the read is
// exhausted.
func (z *Kmerizer) Scan() bool {
	if z.si > 0 && z.si+z.k <= len(z.seq) {
		nextCh := z.seq[z.si+z.k-1]
		if bits := asciiToBits[nextCh]; bits != invalidBits {
			z.forward = ((z.forward << 2) | Kmer(bits)) & z.mask
			z.reverse = (z.reverse >> 2) | (Kmer(asciiToReverseComplementBits[nextCh]) << z.shift)
			z.si++
			return true
		}
		// Ambiguous base: restart past it below.
	}
	for z.si+z.k <= len(z.seq) {
		window := z.seq[z.si : z.si+z.k]
		forward := Encode(window)
		if forward == Invalid {
			z.si = nextAmbiguous(z.seq, z.si) + 1
			continue
		}
		simd.ResizeUnsafe(&z.tmpSeq, z.k)
		reverseComplementBytes(z.tmpSeq, gunsafe.StringToBytes(window))
		z.forward = forward
		z.reverse = Encode(gunsafe.BytesToString(z.tmpSeq))
		z.si++
		return true
	}
	return false
}

// Get returns the canonical k-mer at the current window.
func (z *Kmerizer) Get() Kmer {
	if z.reverse < z.forward {
		return z.reverse
	}
	return z.forward
}

// Pos returns the 0-based offset of the current window in the read.
func (z *Kmerizer) Pos() int { return z.si - 1 }

func nextAmbiguous(seq string, si int) int {
	for i := si; i < len(seq); i++ {
		if asciiToBits[seq[i]] == invalidBits {
			return i
		}
	}
	return len(seq)
}
