// Package simd implements the 32-register, 512-bit-wide vector register
// bank (ZMM0-ZMM31) with its narrower XMM/YMM views, plus the eight
// 64-bit mask registers (k0-k7). The register-bank layout follows the
// same "store wide, expose narrow views through accessor methods" shape
// pkg/regs uses for the general-purpose file, generalized here to
// 128/256/512-bit lanes instead of 16/32/64-bit ones.
package simd

// Lane identifies an element width for mask-register views.
type Lane int

const (
	Lane8 Lane = iota
	Lane16
	Lane32
	Lane64
)

const (
	NumZMM  = 32
	NumMask = 8
)

// Bank is the vector register file: 32 ZMM registers, each stored as four
// uint128-equivalent 64-bit-pair lanes (here as [8]uint64, i.e. 512 bits),
// plus the eight mask registers.
type Bank struct {
	zmm [NumZMM][8]uint64
	k   [NumMask]uint64
}

// New returns a zeroed vector register bank.
func New() *Bank { return &Bank{} }

func (b *Bank) checkZMM(i int) {
	if i < 0 || i >= NumZMM {
		panic("simd: zmm index out of range")
	}
}

// ZMM returns the full 512-bit value of register i as eight little-endian
// 64-bit words (word 0 is the low 64 bits).
func (b *Bank) ZMM(i int) [8]uint64 {
	b.checkZMM(i)
	return b.zmm[i]
}

// SetZMM overwrites the full 512-bit register i.
func (b *Bank) SetZMM(i int, v [8]uint64) {
	b.checkZMM(i)
	b.zmm[i] = v
}

// XMM returns the low 128 bits of register i as two 64-bit words.
func (b *Bank) XMM(i int) [2]uint64 {
	b.checkZMM(i)
	return [2]uint64{b.zmm[i][0], b.zmm[i][1]}
}

// YMM returns the low 256 bits of register i as four 64-bit words.
func (b *Bank) YMM(i int) [4]uint64 {
	b.checkZMM(i)
	return [4]uint64{b.zmm[i][0], b.zmm[i][1], b.zmm[i][2], b.zmm[i][3]}
}

// SetXMM writes the low 128 bits of register i. legacy selects the
// write-policy the Open Question resolved: legacy SSE encodings (no VEX/
// EVEX prefix) preserve bits 128..511 unchanged; VEX- or EVEX-encoded
// instructions zero the upper bits of the destination, per the decoded
// instruction's prefix class as reported by pkg/decode.
func (b *Bank) SetXMM(i int, v [2]uint64, legacy bool) {
	b.checkZMM(i)
	b.zmm[i][0] = v[0]
	b.zmm[i][1] = v[1]
	if !legacy {
		for w := 2; w < 8; w++ {
			b.zmm[i][w] = 0
		}
	}
}

// SetYMM writes the low 256 bits of register i. legacy preserves bits
// 256..511 (VEX.256 itself always zeros 256..511 in the real architecture,
// but the legacy flag is kept here for symmetry with SetXMM and to let
// callers that never touch the upper bits say so explicitly).
func (b *Bank) SetYMM(i int, v [4]uint64, legacy bool) {
	b.checkZMM(i)
	for w := 0; w < 4; w++ {
		b.zmm[i][w] = v[w]
	}
	if !legacy {
		for w := 4; w < 8; w++ {
			b.zmm[i][w] = 0
		}
	}
}

// Byte/Word/Dword/Qword element accessors index into register i's 512 bits
// as an array of same-sized elements, used by packed arithmetic and
// shuffle/blend/broadcast handlers.

func (b *Bank) Byte(i, elem int) uint8 {
	b.checkZMM(i)
	word := b.zmm[i][elem/8]
	shift := uint((elem % 8) * 8)
	return uint8(word >> shift)
}

func (b *Bank) SetByte(i, elem int, v uint8) {
	b.checkZMM(i)
	wi := elem / 8
	shift := uint((elem % 8) * 8)
	b.zmm[i][wi] = (b.zmm[i][wi] &^ (0xFF << shift)) | (uint64(v) << shift)
}

func (b *Bank) Word(i, elem int) uint16 {
	b.checkZMM(i)
	word := b.zmm[i][elem/4]
	shift := uint((elem % 4) * 16)
	return uint16(word >> shift)
}

func (b *Bank) SetWord(i, elem int, v uint16) {
	b.checkZMM(i)
	wi := elem / 4
	shift := uint((elem % 4) * 16)
	b.zmm[i][wi] = (b.zmm[i][wi] &^ (0xFFFF << shift)) | (uint64(v) << shift)
}

func (b *Bank) Dword(i, elem int) uint32 {
	b.checkZMM(i)
	word := b.zmm[i][elem/2]
	shift := uint((elem % 2) * 32)
	return uint32(word >> shift)
}

func (b *Bank) SetDword(i, elem int, v uint32) {
	b.checkZMM(i)
	wi := elem / 2
	shift := uint((elem % 2) * 32)
	b.zmm[i][wi] = (b.zmm[i][wi] &^ (0xFFFFFFFF << shift)) | (uint64(v) << shift)
}

func (b *Bank) Qword(i, elem int) uint64 {
	b.checkZMM(i)
	return b.zmm[i][elem]
}

func (b *Bank) SetQword(i, elem int, v uint64) {
	b.checkZMM(i)
	b.zmm[i][elem] = v
}

// Reset clears every vector and mask register.
func (b *Bank) Reset() {
	for i := range b.zmm {
		b.zmm[i] = [8]uint64{}
	}
	for i := range b.k {
		b.k[i] = 0
	}
}

func (b *Bank) checkMask(i int) {
	if i < 0 || i >= NumMask {
		panic("simd: mask index out of range")
	}
}

// K returns the raw 64-bit value of mask register i.
func (b *Bank) K(i int) uint64 {
	b.checkMask(i)
	return b.k[i]
}

// SetK overwrites mask register i.
func (b *Bank) SetK(i int, v uint64) {
	b.checkMask(i)
	b.k[i] = v
}

// MaskBit reports whether the predicate bit for lane-index elem is set in
// mask register i, where elem indexes elements of the given width (so a
// Lane32 view of k1 only consults bits 0..15 for a 512-bit operation).
func (b *Bank) MaskBit(i, elem int, lane Lane) bool {
	b.checkMask(i)
	_ = lane
	return (b.k[i]>>uint(elem))&1 != 0
}

// ElementsPerLane returns how many elements of the given width fit in a
// 512-bit vector, used by EVEX handlers to bound their per-element loops.
func ElementsPerLane(lane Lane) int {
	switch lane {
	case Lane8:
		return 64
	case Lane16:
		return 32
	case Lane32:
		return 16
	case Lane64:
		return 8
	default:
		return 0
	}
}
