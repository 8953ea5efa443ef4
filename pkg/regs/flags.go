package regs

import "math/bits"

// Flag bit positions within EFLAGS/RFLAGS.
const (
	CF  uint64 = 1 << 0
	PF  uint64 = 1 << 2
	AF  uint64 = 1 << 4
	ZF  uint64 = 1 << 6
	SF  uint64 = 1 << 7
	TF  uint64 = 1 << 8
	IF  uint64 = 1 << 9
	DF  uint64 = 1 << 10
	OF  uint64 = 1 << 11
	NT  uint64 = 1 << 14
	RF  uint64 = 1 << 16
	VM  uint64 = 1 << 17
	AC  uint64 = 1 << 18
	VIF uint64 = 1 << 19
	VIP uint64 = 1 << 20
	ID  uint64 = 1 << 21
)

// Flags holds EFLAGS/RFLAGS as individual bits packed into one word, plus
// the typed after-effect operations every arithmetic/logical/shift family
// needs. Families are kept distinct (Add vs Sub vs Inc vs And vs Shl...)
// rather than unified behind one "arithmetic" helper because their
// affected-flag sets and their AF/OF definitions genuinely differ.
type Flags struct {
	bits uint64
}

// NewFlags returns Flags in the power-on state: only IF set.
func NewFlags() *Flags { return &Flags{bits: IF} }

func (f *Flags) Get(mask uint64) bool { return f.bits&mask != 0 }

func (f *Flags) Set(mask uint64, v bool) {
	if v {
		f.bits |= mask
	} else {
		f.bits &^= mask
	}
}

func (f *Flags) CF() bool { return f.Get(CF) }
func (f *Flags) PF() bool { return f.Get(PF) }
func (f *Flags) AF() bool { return f.Get(AF) }
func (f *Flags) ZF() bool { return f.Get(ZF) }
func (f *Flags) SF() bool { return f.Get(SF) }
func (f *Flags) TF() bool { return f.Get(TF) }
func (f *Flags) IF() bool { return f.Get(IF) }
func (f *Flags) DF() bool { return f.Get(DF) }
func (f *Flags) OF() bool { return f.Get(OF) }

// Dump packs the flags into the canonical EFLAGS layout with the
// always-one bit 1 set, as the architecture requires.
func (f *Flags) Dump() uint64 { return f.bits | 2 }

// Load overwrites every modeled bit from a raw EFLAGS/RFLAGS value, as
// POPF/POPFD/POPFQ require.
func (f *Flags) Load(raw uint64) { f.bits = raw }

// Reset restores the power-on state.
func (f *Flags) Reset() { f.bits = IF }

func signBit(width int) uint64 { return uint64(1) << (width - 1) }

func mask(width int) uint64 {
	if width == 64 {
		return ^uint64(0)
	}
	return (uint64(1) << width) - 1
}

func parity(v uint64) bool {
	b := byte(v)
	b ^= b >> 4
	b ^= b >> 2
	b ^= b >> 1
	return b&1 == 0
}

func (f *Flags) setCommon(result uint64, width int) {
	m := mask(width)
	r := result & m
	f.Set(ZF, r == 0)
	f.Set(SF, r&signBit(width) != 0)
	f.Set(PF, parity(r))
}

// Add computes a+b at the given width, sets CF/OF/AF/SF/ZF/PF, and
// returns the masked result.
func (f *Flags) Add(a, b uint64, width int) uint64 {
	m := mask(width)
	a, b = a&m, b&m
	wide := a + b
	result := wide & m
	f.Set(CF, wide > m)
	f.Set(OF, (^(a^b))&(a^result)&signBit(width) != 0)
	f.Set(AF, (a&0xF)+(b&0xF) > 0xF)
	f.setCommon(result, width)
	return result
}

// Adc computes a+b+CF, otherwise identical to Add.
func (f *Flags) Adc(a, b uint64, width int) uint64 {
	var carry uint64
	if f.CF() {
		carry = 1
	}
	return f.Add(a, b+carry, width)
}

// Sub computes a-b at the given width, sets CF (borrow)/OF/AF/SF/ZF/PF,
// and returns the masked result. Cmp is Sub without the commit — callers
// simply discard the return value.
func (f *Flags) Sub(a, b uint64, width int) uint64 {
	m := mask(width)
	a, b = a&m, b&m
	result := (a - b) & m
	f.Set(CF, a < b)
	f.Set(OF, (a^b)&(a^result)&signBit(width) != 0)
	f.Set(AF, (a&0xF) < (b&0xF))
	f.setCommon(result, width)
	return result
}

// Sbb computes a-b-CF, otherwise identical to Sub.
func (f *Flags) Sbb(a, b uint64, width int) uint64 {
	var borrow uint64
	if f.CF() {
		borrow = 1
	}
	return f.Sub(a, b+borrow, width)
}

// Inc computes a+1, leaving CF untouched (the one way it differs from Add).
func (f *Flags) Inc(a uint64, width int) uint64 {
	saved := f.CF()
	result := f.Add(a, 1, width)
	f.Set(CF, saved)
	return result
}

// Dec computes a-1, leaving CF untouched.
func (f *Flags) Dec(a uint64, width int) uint64 {
	saved := f.CF()
	result := f.Sub(a, 1, width)
	f.Set(CF, saved)
	return result
}

// logic is shared by And/Or/Xor/Test: CF and OF are always cleared, AF is
// left undefined (we leave it unmodified, matching "not set" in practice).
func (f *Flags) logic(result uint64, width int) uint64 {
	m := mask(width)
	result &= m
	f.Set(CF, false)
	f.Set(OF, false)
	f.setCommon(result, width)
	return result
}

func (f *Flags) And(a, b uint64, width int) uint64 { return f.logic(a&b, width) }
func (f *Flags) Or(a, b uint64, width int) uint64  { return f.logic(a|b, width) }
func (f *Flags) Xor(a, b uint64, width int) uint64 { return f.logic(a^b, width) }

// Test computes a&b purely for flag effect, discarding the result.
func (f *Flags) Test(a, b uint64, width int) { f.logic(a&b, width) }

// Neg computes -a (two's complement negation) at the given width.
func (f *Flags) Neg(a uint64, width int) uint64 {
	m := mask(width)
	a &= m
	result := (-a) & m
	f.Set(CF, a != 0)
	f.Set(OF, a == signBit(width))
	f.Set(AF, (0-(a&0xF))&0x10 != 0)
	f.setCommon(result, width)
	return result
}

// shiftCountMask returns the architectural count mask: 5 bits for widths
// up to 32, 6 bits for width 64.
func shiftCountMask(width int) uint64 {
	if width == 64 {
		return 0x3F
	}
	return 0x1F
}

// Shl computes a logical left shift, handling the documented edge cases:
// a masked count of zero leaves every flag untouched (not just CF/OF),
// and CF/OF are only meaningful for count in [1, width].
func (f *Flags) Shl(a uint64, count uint, width int) uint64 {
	c := uint64(count) & shiftCountMask(width)
	m := mask(width)
	a &= m
	if c == 0 {
		return a
	}
	var result uint64
	if c >= uint64(width) {
		result = 0
		f.Set(CF, c == uint64(width) && a&1 != 0)
	} else {
		result = (a << c) & m
		f.Set(CF, (a>>(uint64(width)-c))&1 != 0)
	}
	if c == 1 {
		f.Set(OF, (result>>(width-1))^((a>>(width-1))&1) != 0)
	}
	f.setCommon(result, width)
	return result
}

// Shr computes a logical right shift.
func (f *Flags) Shr(a uint64, count uint, width int) uint64 {
	c := uint64(count) & shiftCountMask(width)
	m := mask(width)
	a &= m
	if c == 0 {
		return a
	}
	var result uint64
	if c >= uint64(width) {
		result = 0
		f.Set(CF, c == uint64(width) && (a>>(width-1))&1 != 0)
	} else {
		result = a >> c
		f.Set(CF, (a>>(c-1))&1 != 0)
	}
	if c == 1 {
		f.Set(OF, a&signBit(width) != 0)
	}
	f.setCommon(result, width)
	return result
}

// Sar computes an arithmetic right shift (sign-extending).
func (f *Flags) Sar(a uint64, count uint, width int) uint64 {
	c := uint64(count) & shiftCountMask(width)
	m := mask(width)
	a &= m
	if c == 0 {
		return a
	}
	signed := signExtend(a, width)
	var result uint64
	if c >= uint64(width) {
		if signed < 0 {
			result = m
			f.Set(CF, true)
		} else {
			result = 0
			f.Set(CF, false)
		}
	} else {
		result = uint64(signed>>c) & m
		f.Set(CF, (a>>(c-1))&1 != 0)
	}
	if c == 1 {
		f.Set(OF, false)
	}
	f.setCommon(result, width)
	return result
}

func signExtend(v uint64, width int) int64 {
	shift := 64 - width
	return int64(v<<shift) >> shift
}

// Rol computes a rotate-left. Rotate count is first masked per the shift
// rule, then further reduced modulo width (ROL/ROR only visit `width`
// distinct rotation amounts).
func (f *Flags) Rol(a uint64, count uint, width int) uint64 {
	c := uint64(count) & shiftCountMask(width)
	if c == 0 {
		return a & mask(width)
	}
	c %= uint64(width)
	m := mask(width)
	a &= m
	var result uint64
	if c == 0 {
		result = a
	} else {
		result = ((a << c) | (a >> (uint64(width) - c))) & m
	}
	f.Set(CF, result&1 != 0)
	if uint64(count)&shiftCountMask(width) == 1 {
		f.Set(OF, (result>>(width-1))^(result&1) != 0)
	}
	return result
}

// Ror computes a rotate-right.
func (f *Flags) Ror(a uint64, count uint, width int) uint64 {
	c := uint64(count) & shiftCountMask(width)
	if c == 0 {
		return a & mask(width)
	}
	c %= uint64(width)
	m := mask(width)
	a &= m
	var result uint64
	if c == 0 {
		result = a
	} else {
		result = ((a >> c) | (a << (uint64(width) - c))) & m
	}
	f.Set(CF, (result>>(width-1))&1 != 0)
	if uint64(count)&shiftCountMask(width) == 1 {
		f.Set(OF, (result>>(width-1))^((result>>(width-2))&1) != 0)
	}
	return result
}

// Rcl computes a rotate-left through carry: the count is taken modulo
// width+1 and the shift happens bit-serially so the carry flag
// participates in the rotation.
func (f *Flags) Rcl(a uint64, count uint, width int) uint64 {
	c := uint64(count) & shiftCountMask(width)
	c %= uint64(width) + 1
	m := mask(width)
	a &= m
	var cf uint64
	if f.CF() {
		cf = 1
	}
	for i := uint64(0); i < c; i++ {
		newCF := (a >> (width - 1)) & 1
		a = ((a << 1) | cf) & m
		cf = newCF
	}
	if c != 0 {
		f.Set(CF, cf != 0)
	}
	if c == 1 {
		f.Set(OF, (a>>(width-1))^cf != 0)
	}
	return a
}

// Rcr computes a rotate-right through carry.
func (f *Flags) Rcr(a uint64, count uint, width int) uint64 {
	c := uint64(count) & shiftCountMask(width)
	c %= uint64(width) + 1
	m := mask(width)
	a &= m
	var cf uint64
	if f.CF() {
		cf = 1
	}
	if c == 1 {
		f.Set(OF, (a>>(width-1))^cf != 0)
	}
	for i := uint64(0); i < c; i++ {
		newCF := a & 1
		a = ((a >> 1) | (cf << (width - 1))) & m
		cf = newCF
	}
	if c != 0 {
		f.Set(CF, cf != 0)
	}
	return a
}

// Mul computes an unsigned multiply, returning the low and high halves of
// the double-width product (e.g. AX for an 8-bit multiply, DX:AX for 16,
// EDX:EAX for 32, RDX:RAX for 64); CF and OF are set when the high half is
// non-zero. Width 64 needs a genuine 128-bit widening multiply
// (math/bits.Mul64): two uint64 operands' exact product does not fit in a
// single uint64, so a native a*b silently truncates the bits CF/OF depend
// on before any shift can observe them.
func (f *Flags) Mul(a, b uint64, width int) (low, high uint64) {
	m := mask(width)
	a, b = a&m, b&m
	if width == 64 {
		high, low = bits.Mul64(a, b)
	} else {
		product := a * b
		low = product & m
		high = product >> uint(width)
	}
	f.Set(CF, high != 0)
	f.Set(OF, high != 0)
	return low, high
}

// Imul computes a signed multiply, returning the low and high halves of
// the double-width product as raw bits; CF and OF are set unless the high
// half is exactly the sign-extension of the low half. Width 64 computes
// the signed 128-bit product via the standard unsigned-widen-then-correct
// technique: math/bits.Mul64 is an unsigned widening multiply, and
// subtracting the other (sign-extended) operand once per negative input
// turns its result into the signed product.
func (f *Flags) Imul(a, b uint64, width int) (low, high uint64) {
	sa := signExtend(a, width)
	sb := signExtend(b, width)

	var overflow bool
	if width == 64 {
		high, low = bits.Mul64(uint64(sa), uint64(sb))
		if sa < 0 {
			high -= uint64(sb)
		}
		if sb < 0 {
			high -= uint64(sa)
		}
		var expectHigh uint64
		if int64(low) < 0 {
			expectHigh = ^uint64(0)
		}
		overflow = high != expectHigh
	} else {
		product := uint64(sa * sb)
		m := mask(width)
		low = product & m
		high = product >> uint(width)
		lower := int64(signExtend(low, width))
		upper := int64(product) >> uint(width)
		overflow = upper != (lower >> 63)
	}

	f.Set(CF, overflow)
	f.Set(OF, overflow)
	return low, high
}
