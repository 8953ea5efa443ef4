package engine

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/otterlabs/mwemu-go/pkg/regs"
)

// regInfo classifies a decoded register operand into the GPR index it
// names, its width in bits, and whether it is one of the four legacy
// high-byte aliases (AH/CH/DH/BH).
func regInfo(r x86asm.Reg) (idx regs.Index, width int, high bool, ok bool) {
	switch r {
	case x86asm.AL:
		return regs.RAX, 8, false, true
	case x86asm.CL:
		return regs.RCX, 8, false, true
	case x86asm.DL:
		return regs.RDX, 8, false, true
	case x86asm.BL:
		return regs.RBX, 8, false, true
	case x86asm.AH:
		return regs.RAX, 8, true, true
	case x86asm.CH:
		return regs.RCX, 8, true, true
	case x86asm.DH:
		return regs.RDX, 8, true, true
	case x86asm.BH:
		return regs.RBX, 8, true, true
	case x86asm.SPB:
		return regs.RSP, 8, false, true
	case x86asm.BPB:
		return regs.RBP, 8, false, true
	case x86asm.SIB:
		return regs.RSI, 8, false, true
	case x86asm.DIB:
		return regs.RDI, 8, false, true
	case x86asm.R8B:
		return regs.R8, 8, false, true
	case x86asm.R9B:
		return regs.R9, 8, false, true
	case x86asm.R10B:
		return regs.R10, 8, false, true
	case x86asm.R11B:
		return regs.R11, 8, false, true
	case x86asm.R12B:
		return regs.R12, 8, false, true
	case x86asm.R13B:
		return regs.R13, 8, false, true
	case x86asm.R14B:
		return regs.R14, 8, false, true
	case x86asm.R15B:
		return regs.R15, 8, false, true

	case x86asm.AX:
		return regs.RAX, 16, false, true
	case x86asm.CX:
		return regs.RCX, 16, false, true
	case x86asm.DX:
		return regs.RDX, 16, false, true
	case x86asm.BX:
		return regs.RBX, 16, false, true
	case x86asm.SP:
		return regs.RSP, 16, false, true
	case x86asm.BP:
		return regs.RBP, 16, false, true
	case x86asm.SI:
		return regs.RSI, 16, false, true
	case x86asm.DI:
		return regs.RDI, 16, false, true
	case x86asm.R8W:
		return regs.R8, 16, false, true
	case x86asm.R9W:
		return regs.R9, 16, false, true
	case x86asm.R10W:
		return regs.R10, 16, false, true
	case x86asm.R11W:
		return regs.R11, 16, false, true
	case x86asm.R12W:
		return regs.R12, 16, false, true
	case x86asm.R13W:
		return regs.R13, 16, false, true
	case x86asm.R14W:
		return regs.R14, 16, false, true
	case x86asm.R15W:
		return regs.R15, 16, false, true

	case x86asm.EAX:
		return regs.RAX, 32, false, true
	case x86asm.ECX:
		return regs.RCX, 32, false, true
	case x86asm.EDX:
		return regs.RDX, 32, false, true
	case x86asm.EBX:
		return regs.RBX, 32, false, true
	case x86asm.ESP:
		return regs.RSP, 32, false, true
	case x86asm.EBP:
		return regs.RBP, 32, false, true
	case x86asm.ESI:
		return regs.RSI, 32, false, true
	case x86asm.EDI:
		return regs.RDI, 32, false, true
	case x86asm.R8L:
		return regs.R8, 32, false, true
	case x86asm.R9L:
		return regs.R9, 32, false, true
	case x86asm.R10L:
		return regs.R10, 32, false, true
	case x86asm.R11L:
		return regs.R11, 32, false, true
	case x86asm.R12L:
		return regs.R12, 32, false, true
	case x86asm.R13L:
		return regs.R13, 32, false, true
	case x86asm.R14L:
		return regs.R14, 32, false, true
	case x86asm.R15L:
		return regs.R15, 32, false, true

	case x86asm.RAX:
		return regs.RAX, 64, false, true
	case x86asm.RCX:
		return regs.RCX, 64, false, true
	case x86asm.RDX:
		return regs.RDX, 64, false, true
	case x86asm.RBX:
		return regs.RBX, 64, false, true
	case x86asm.RSP:
		return regs.RSP, 64, false, true
	case x86asm.RBP:
		return regs.RBP, 64, false, true
	case x86asm.RSI:
		return regs.RSI, 64, false, true
	case x86asm.RDI:
		return regs.RDI, 64, false, true
	case x86asm.R8:
		return regs.R8, 64, false, true
	case x86asm.R9:
		return regs.R9, 64, false, true
	case x86asm.R10:
		return regs.R10, 64, false, true
	case x86asm.R11:
		return regs.R11, 64, false, true
	case x86asm.R12:
		return regs.R12, 64, false, true
	case x86asm.R13:
		return regs.R13, 64, false, true
	case x86asm.R14:
		return regs.R14, 64, false, true
	case x86asm.R15:
		return regs.R15, 64, false, true
	}
	return 0, 0, false, false
}

// readReg/writeReg apply the architectural extension rules from pkg/regs
// for a resolved register operand.
func readReg(f *regs.File, idx regs.Index, width int, high bool) uint64 {
	if high {
		return uint64(f.Reg8High(idx))
	}
	switch width {
	case 8:
		return uint64(f.Reg8Low(idx))
	case 16:
		return uint64(f.Reg16(idx))
	case 32:
		return uint64(f.Reg32(idx))
	default:
		return f.Reg64(idx)
	}
}

func writeReg(f *regs.File, idx regs.Index, width int, high bool, v uint64) {
	if high {
		f.SetReg8High(idx, uint8(v))
		return
	}
	switch width {
	case 8:
		f.SetReg8Low(idx, uint8(v))
	case 16:
		f.SetReg16(idx, uint16(v))
	case 32:
		f.SetReg32(idx, uint32(v))
	default:
		f.SetReg64(idx, v)
	}
}

// EffectiveAddress computes a Mem operand's linear address. nextRIP is the
// address of the instruction following the one being resolved, used for
// RIP-relative addressing (x86asm reports Base == x86asm.RIP for that
// case with Disp already holding the relative offset).
func (e *Engine) EffectiveAddress(m x86asm.Mem, nextRIP uint64) uint64 {
	var base, index uint64
	if m.Base == x86asm.RIP {
		base = nextRIP
	} else if m.Base != 0 {
		if idx, width, high, ok := regInfo(m.Base); ok {
			base = readReg(e.Thread.Regs, idx, width, high)
		}
	}
	if m.Index != 0 {
		if idx, width, high, ok := regInfo(m.Index); ok {
			index = readReg(e.Thread.Regs, idx, width, high) * uint64(m.Scale)
		}
	}
	return base + index + uint64(m.Disp)
}

// OperandValue reads arg as an unsigned value of its natural width,
// returning ok=false if it names unmapped memory (the handler must then
// return without committing any change, per the component contract).
func (e *Engine) OperandValue(arg x86asm.Arg, widthBits int, nextRIP uint64) (uint64, bool) {
	switch a := arg.(type) {
	case x86asm.Reg:
		idx, width, high, ok := regInfo(a)
		if !ok {
			return 0, false
		}
		if widthBits == 0 {
			widthBits = width
		}
		return readReg(e.Thread.Regs, idx, widthBits, high), true
	case x86asm.Mem:
		addr := e.EffectiveAddress(a, nextRIP)
		return e.readMem(addr, widthBits)
	case x86asm.Imm:
		return uint64(int64(a)), true
	case x86asm.Rel:
		return uint64(int64(nextRIP) + int64(a)), true
	}
	return 0, false
}

// SetOperandValue writes v into arg, applying the register extension
// rules or a memory store of the given width. Writing to an Imm/Rel
// operand is a programmer error (never requested by a real handler).
func (e *Engine) SetOperandValue(arg x86asm.Arg, v uint64, widthBits int, nextRIP uint64) bool {
	switch a := arg.(type) {
	case x86asm.Reg:
		idx, width, high, ok := regInfo(a)
		if !ok {
			return false
		}
		if widthBits == 0 {
			widthBits = width
		}
		writeReg(e.Thread.Regs, idx, widthBits, high, v)
		return true
	case x86asm.Mem:
		addr := e.EffectiveAddress(a, nextRIP)
		return e.writeMem(addr, v, widthBits)
	}
	return false
}

func (e *Engine) readMem(addr uint64, widthBits int) (uint64, bool) {
	switch widthBits {
	case 8:
		v, ok := e.Maps.Read8(addr)
		return uint64(v), ok
	case 16:
		v, ok := e.Maps.Read16(addr)
		return uint64(v), ok
	case 32:
		v, ok := e.Maps.Read32(addr)
		return uint64(v), ok
	case 64:
		return e.Maps.Read64(addr)
	default:
		return 0, false
	}
}

func (e *Engine) writeMem(addr uint64, v uint64, widthBits int) bool {
	switch widthBits {
	case 8:
		return e.Maps.Write8(addr, uint8(v))
	case 16:
		return e.Maps.Write16(addr, uint16(v))
	case 32:
		return e.Maps.Write32(addr, uint32(v))
	case 64:
		return e.Maps.Write64(addr, v)
	default:
		return false
	}
}

// operandWidthBits picks the width the decoder inferred for this
// instruction: DataSize for register/immediate forms, MemBytes*8 for a
// memory destination.
func operandWidthBits(inst x86asm.Inst, arg x86asm.Arg) int {
	if _, ok := arg.(x86asm.Mem); ok && inst.MemBytes > 0 {
		return inst.MemBytes * 8
	}
	if r, ok := arg.(x86asm.Reg); ok {
		if _, width, _, ok := regInfo(r); ok {
			return width
		}
	}
	return inst.DataSize
}

func fmtArg(a x86asm.Arg) string {
	if a == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%v", a)
}
