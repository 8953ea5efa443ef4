// Package decode wraps golang.org/x/arch/x86/x86asm behind a small
// locally-owned Decoded type, so the instruction engine never imports the
// decoder package directly and a decode failure is routed into the
// exception pipeline as an invalid-opcode condition rather than surfacing
// as a bare Go error to the dispatcher.
package decode

import (
	"golang.org/x/arch/x86/x86asm"
)

// Mode selects the processor mode the decoder assumes.
type Mode int

const (
	Mode16 Mode = 16
	Mode32 Mode = 32
	Mode64 Mode = 64
)

// Decoded is the engine-facing view of one decoded instruction: enough to
// dispatch on Mnemonic, walk Args for operand resolution, and advance RIP
// by Length.
type Decoded struct {
	Mnemonic string
	Args     x86asm.Args
	Length   int
	Mode     Mode

	IsVEX  bool
	HasREX bool
	RexW   bool
	Raw    x86asm.Inst
}

// ErrUndefinedOpcode is returned (instead of the decoder's own error) when
// a byte sequence does not decode to a valid instruction. The engine maps
// this to an invalid-opcode exception rather than treating it as a host
// fault, per the component contract.
type ErrUndefinedOpcode struct {
	Offset int
	Reason string
}

func (e *ErrUndefinedOpcode) Error() string {
	return "decode: undefined opcode at offset " + itoa(e.Offset) + ": " + e.Reason
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// Decode reads one instruction from the front of code, assuming the
// processor mode m. A decode failure is reported as *ErrUndefinedOpcode,
// never as the underlying decoder's own error type, so callers only ever
// need to type-switch on one error shape.
func Decode(code []byte, m Mode) (Decoded, error) {
	inst, err := x86asm.Decode(code, int(m))
	if err != nil {
		return Decoded{}, &ErrUndefinedOpcode{Offset: 0, Reason: err.Error()}
	}
	if inst.Op == 0 {
		return Decoded{}, &ErrUndefinedOpcode{Offset: 0, Reason: "decoder produced no opcode"}
	}

	d := Decoded{
		Mnemonic: inst.Op.String(),
		Args:     inst.Args,
		Length:   inst.Len,
		Mode:     m,
		Raw:      inst,
	}
	for _, p := range inst.Prefix {
		if p == 0 {
			break
		}
		if p.IsVEX() {
			d.IsVEX = true
		}
		if p.IsREX() {
			d.HasREX = true
			if p&x86asm.PrefixREXW != 0 {
				d.RexW = true
			}
		}
	}
	return d, nil
}

// Legacy reports whether this instruction should use the legacy
// (upper-bits-preserving) SIMD write policy rather than the VEX/EVEX
// (upper-bits-zeroing) policy, resolving the SIMD Open Question from the
// decoded instruction's own prefixes rather than a caller-supplied flag.
func (d Decoded) Legacy() bool { return !d.IsVEX }

// OperandCount returns how many non-nil operands the instruction carries.
func (d Decoded) OperandCount() int {
	n := 0
	for _, a := range d.Args {
		if a == nil {
			break
		}
		n++
	}
	return n
}
