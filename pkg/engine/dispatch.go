package engine

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/otterlabs/mwemu-go/pkg/decode"
	"github.com/otterlabs/mwemu-go/pkg/exception"
	"github.com/otterlabs/mwemu-go/pkg/gateway"
	"github.com/otterlabs/mwemu-go/pkg/regs"
)

// installCoreHandlers registers the mnemonic-keyed handlers every engine
// starts with: data movement, arithmetic/logic (wired to pkg/regs.Flags so
// condition codes fall out of the same law-preserving arithmetic the GPR
// package already tests), control flow, string operations, and the fixed
// CPUID/RDMSR/XGETBV/RDTSC responses from the External Interfaces contract.
func installCoreHandlers(e *Engine) {
	e.Register("MOV", opMov)
	e.Register("LEA", opLea)
	e.Register("PUSH", opPush)
	e.Register("POP", opPop)
	e.Register("NOP", opNop)
	e.Register("LEAVE", opLeave)
	e.Register("RET", opRet)
	e.Register("CALL", opCall)
	e.Register("JMP", opJmp)

	e.Register("ADD", arith(func(f *regs.Flags, a, b uint64, w int) uint64 { return f.Add(a, b, w) }))
	e.Register("ADC", arith(func(f *regs.Flags, a, b uint64, w int) uint64 { return f.Adc(a, b, w) }))
	e.Register("SUB", arith(func(f *regs.Flags, a, b uint64, w int) uint64 { return f.Sub(a, b, w) }))
	e.Register("SBB", arith(func(f *regs.Flags, a, b uint64, w int) uint64 { return f.Sbb(a, b, w) }))
	e.Register("AND", arith(func(f *regs.Flags, a, b uint64, w int) uint64 { return f.And(a, b, w) }))
	e.Register("OR", arith(func(f *regs.Flags, a, b uint64, w int) uint64 { return f.Or(a, b, w) }))
	e.Register("XOR", arith(func(f *regs.Flags, a, b uint64, w int) uint64 { return f.Xor(a, b, w) }))
	e.Register("CMP", opCmp)
	e.Register("TEST", opTest)
	e.Register("INC", incDec(func(f *regs.Flags, a uint64, w int) uint64 { return f.Inc(a, w) }))
	e.Register("DEC", incDec(func(f *regs.Flags, a uint64, w int) uint64 { return f.Dec(a, w) }))
	e.Register("NEG", opNeg)
	e.Register("NOT", opNot)
	e.Register("MUL", opMul)
	e.Register("IMUL", opImul)

	e.Register("SHL", shiftRotate(func(f *regs.Flags, a uint64, c uint, w int) uint64 { return f.Shl(a, c, w) }))
	e.Register("SAL", shiftRotate(func(f *regs.Flags, a uint64, c uint, w int) uint64 { return f.Shl(a, c, w) }))
	e.Register("SHR", shiftRotate(func(f *regs.Flags, a uint64, c uint, w int) uint64 { return f.Shr(a, c, w) }))
	e.Register("SAR", shiftRotate(func(f *regs.Flags, a uint64, c uint, w int) uint64 { return f.Sar(a, c, w) }))
	e.Register("ROL", shiftRotate(func(f *regs.Flags, a uint64, c uint, w int) uint64 { return f.Rol(a, c, w) }))
	e.Register("ROR", shiftRotate(func(f *regs.Flags, a uint64, c uint, w int) uint64 { return f.Ror(a, c, w) }))
	e.Register("RCL", shiftRotate(func(f *regs.Flags, a uint64, c uint, w int) uint64 { return f.Rcl(a, c, w) }))
	e.Register("RCR", shiftRotate(func(f *regs.Flags, a uint64, c uint, w int) uint64 { return f.Rcr(a, c, w) }))

	for _, jcc := range []struct {
		mnemonic string
		taken    func(*regs.Flags) bool
	}{
		{"JE", func(f *regs.Flags) bool { return f.ZF() }},
		{"JNE", func(f *regs.Flags) bool { return !f.ZF() }},
		{"JL", func(f *regs.Flags) bool { return f.SF() != f.OF() }},
		{"JGE", func(f *regs.Flags) bool { return f.SF() == f.OF() }},
		{"JLE", func(f *regs.Flags) bool { return f.ZF() || f.SF() != f.OF() }},
		{"JG", func(f *regs.Flags) bool { return !f.ZF() && f.SF() == f.OF() }},
		{"JB", func(f *regs.Flags) bool { return f.CF() }},
		{"JAE", func(f *regs.Flags) bool { return !f.CF() }},
		{"JBE", func(f *regs.Flags) bool { return f.CF() || f.ZF() }},
		{"JA", func(f *regs.Flags) bool { return !f.CF() && !f.ZF() }},
		{"JS", func(f *regs.Flags) bool { return f.SF() }},
		{"JNS", func(f *regs.Flags) bool { return !f.SF() }},
		{"JO", func(f *regs.Flags) bool { return f.OF() }},
		{"JNO", func(f *regs.Flags) bool { return !f.OF() }},
		{"JP", func(f *regs.Flags) bool { return f.PF() }},
		{"JNP", func(f *regs.Flags) bool { return !f.PF() }},
	} {
		taken := jcc.taken
		e.Register(jcc.mnemonic, jccHandler(taken))
	}

	e.Register("JCXZ", jrcxz(16))
	e.Register("JECXZ", jrcxz(32))
	e.Register("JRCXZ", jrcxz(64))
	e.Register("LOOP", loopHandler(func(*regs.Flags) bool { return true }))
	e.Register("LOOPE", loopHandler(func(f *regs.Flags) bool { return f.ZF() }))
	e.Register("LOOPNE", loopHandler(func(f *regs.Flags) bool { return !f.ZF() }))

	e.Register("MOVSB", strMove(8))
	e.Register("MOVSW", strMove(16))
	e.Register("MOVSD", strMove(32))
	e.Register("MOVSQ", strMove(64))
	e.Register("STOSB", strStore(8))
	e.Register("STOSD", strStore(32))
	e.Register("CMPSB", strCompare(8))
	e.Register("SCASB", strScan(8))
	e.Register("LODSB", strLoad(8))

	e.Register("PUSHF", opPushf(16))
	e.Register("PUSHFD", opPushf(32))
	e.Register("PUSHFQ", opPushf(64))
	e.Register("POPF", opPopf(16))
	e.Register("POPFD", opPopf(32))
	e.Register("POPFQ", opPopf(64))

	e.Register("CLI", flagSet(regs.IF, false))
	e.Register("STI", flagSet(regs.IF, true))
	e.Register("CLD", flagSet(regs.DF, false))
	e.Register("STD", flagSet(regs.DF, true))

	e.Register("INT", opInt)
	e.Register("UD2", opUD2)
	e.Register("CPUID", opCPUID)
	e.Register("RDTSC", opRDTSC)
	e.Register("RDMSR", opRDMSR)
	e.Register("XGETBV", opXGETBV)
	e.Register("SYSCALL", opSyscall)
}

func argWidth(e *Engine, d decode.Decoded, argIdx int) int {
	return operandWidthBits(d.Raw, d.Args[argIdx])
}

// opMov copies src into dst at the decoded width. Memory-unreadable or
// unmapped operands raise an access violation rather than silently no-op,
// matching the engine's "never commit a partial effect" contract.
func opMov(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	w := argWidth(e, d, 0)
	v, ok := e.OperandValue(d.Args[1], w, nextRIP)
	if !ok {
		return e.raiseMem(exception.PageFaultRead, 0, false)
	}
	if !e.SetOperandValue(d.Args[0], v, w, nextRIP) {
		return e.raiseMem(exception.PageFaultWrite, 0, true)
	}
	return Committed
}

func opLea(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	m, ok := d.Args[1].(x86asm.Mem)
	if !ok {
		return e.raise(exception.UD)
	}
	addr := e.EffectiveAddress(m, nextRIP)
	w := argWidth(e, d, 0)
	if !e.SetOperandValue(d.Args[0], addr, w, nextRIP) {
		return e.raise(exception.UD)
	}
	return Committed
}

func stackWidth(e *Engine) int {
	if e.Mode == decode.Mode64 {
		return 64
	}
	return 32
}

func (e *Engine) pushStack(v uint64) bool {
	w := stackWidth(e)
	sp := e.Thread.Regs.RSP() - uint64(w/8)
	ok := false
	switch w {
	case 32:
		ok = e.Maps.Write32(sp, uint32(v))
	default:
		ok = e.Maps.Write64(sp, v)
	}
	if !ok {
		return false
	}
	e.Thread.Regs.SetRSP(sp)
	return true
}

func (e *Engine) popStack() (uint64, bool) {
	w := stackWidth(e)
	sp := e.Thread.Regs.RSP()
	var v uint64
	var ok bool
	switch w {
	case 32:
		var v32 uint32
		v32, ok = e.Maps.Read32(sp)
		v = uint64(v32)
	default:
		v, ok = e.Maps.Read64(sp)
	}
	if !ok {
		return 0, false
	}
	e.Thread.Regs.SetRSP(sp + uint64(w/8))
	return v, true
}

func opPush(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	w := argWidth(e, d, 0)
	if w == 0 {
		w = stackWidth(e)
	}
	v, ok := e.OperandValue(d.Args[0], w, nextRIP)
	if !ok {
		return e.raiseMem(exception.PageFaultRead, 0, false)
	}
	if !e.pushStack(v) {
		return e.raiseMem(exception.PageFaultWrite, e.Thread.Regs.RSP(), true)
	}
	return Committed
}

func opPop(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	v, ok := e.popStack()
	if !ok {
		return e.raiseMem(exception.PageFaultRead, e.Thread.Regs.RSP(), false)
	}
	w := argWidth(e, d, 0)
	if w == 0 {
		w = stackWidth(e)
	}
	if !e.SetOperandValue(d.Args[0], v, w, nextRIP) {
		return e.raiseMem(exception.PageFaultWrite, 0, true)
	}
	return Committed
}

func opNop(e *Engine, d decode.Decoded, nextRIP uint64) Outcome { return Committed }

// opLeave implements mov esp, ebp; pop ebp (64-bit: rsp/rbp).
func opLeave(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	if e.Mode == decode.Mode64 {
		e.Thread.Regs.SetRSP(e.Thread.Regs.RBP())
	} else {
		e.Thread.Regs.SetESP(e.Thread.Regs.EBP())
	}
	v, ok := e.popStack()
	if !ok {
		return e.raiseMem(exception.PageFaultRead, e.Thread.Regs.RSP(), false)
	}
	if e.Mode == decode.Mode64 {
		e.Thread.Regs.SetRBP(v)
	} else {
		e.Thread.Regs.SetEBP(uint32(v))
	}
	return Committed
}

func opRet(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	target, ok := e.popStack()
	if !ok {
		return e.raiseMem(exception.PageFaultRead, e.Thread.Regs.RSP(), false)
	}
	if len(d.Args) > 0 {
		if imm, ok := d.Args[0].(x86asm.Imm); ok {
			sp := e.Thread.Regs.RSP() + uint64(imm)
			e.Thread.Regs.SetRSP(sp)
		}
	}
	e.Thread.Regs.SetRIP(target)
	return Branched
}

func opCall(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	w := stackWidth(e)
	target, ok := e.OperandValue(d.Args[0], w, nextRIP)
	if !ok {
		return e.raiseMem(exception.PageFaultRead, 0, false)
	}
	if !e.pushStack(nextRIP) {
		return e.raiseMem(exception.PageFaultWrite, e.Thread.Regs.RSP(), true)
	}
	e.Thread.Regs.SetRIP(target)
	return Branched
}

func opJmp(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	w := stackWidth(e)
	target, ok := e.OperandValue(d.Args[0], w, nextRIP)
	if !ok {
		return e.raiseMem(exception.PageFaultRead, 0, false)
	}
	e.Thread.Regs.SetRIP(target)
	return Branched
}

// arith returns a Handler for a two-operand read-modify-write arithmetic
// instruction: the destination is read, combined with the source through
// op (which also sets condition flags), and written back.
func arith(op func(f *regs.Flags, a, b uint64, w int) uint64) Handler {
	return func(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
		w := argWidth(e, d, 0)
		a, ok := e.OperandValue(d.Args[0], w, nextRIP)
		if !ok {
			return e.raiseMem(exception.PageFaultRead, 0, false)
		}
		b, ok := e.OperandValue(d.Args[1], w, nextRIP)
		if !ok {
			return e.raiseMem(exception.PageFaultRead, 0, false)
		}
		result := op(e.Thread.Flags, a, b, w)
		if !e.SetOperandValue(d.Args[0], result, w, nextRIP) {
			return e.raiseMem(exception.PageFaultWrite, 0, true)
		}
		return Committed
	}
}

func opCmp(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	w := argWidth(e, d, 0)
	a, ok := e.OperandValue(d.Args[0], w, nextRIP)
	if !ok {
		return e.raiseMem(exception.PageFaultRead, 0, false)
	}
	b, ok := e.OperandValue(d.Args[1], w, nextRIP)
	if !ok {
		return e.raiseMem(exception.PageFaultRead, 0, false)
	}
	e.Thread.Flags.Sub(a, b, w)
	return Committed
}

func opTest(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	w := argWidth(e, d, 0)
	a, ok := e.OperandValue(d.Args[0], w, nextRIP)
	if !ok {
		return e.raiseMem(exception.PageFaultRead, 0, false)
	}
	b, ok := e.OperandValue(d.Args[1], w, nextRIP)
	if !ok {
		return e.raiseMem(exception.PageFaultRead, 0, false)
	}
	e.Thread.Flags.Test(a, b, w)
	return Committed
}

func incDec(op func(f *regs.Flags, a uint64, w int) uint64) Handler {
	return func(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
		w := argWidth(e, d, 0)
		a, ok := e.OperandValue(d.Args[0], w, nextRIP)
		if !ok {
			return e.raiseMem(exception.PageFaultRead, 0, false)
		}
		result := op(e.Thread.Flags, a, w)
		if !e.SetOperandValue(d.Args[0], result, w, nextRIP) {
			return e.raiseMem(exception.PageFaultWrite, 0, true)
		}
		return Committed
	}
}

func opNeg(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	w := argWidth(e, d, 0)
	a, ok := e.OperandValue(d.Args[0], w, nextRIP)
	if !ok {
		return e.raiseMem(exception.PageFaultRead, 0, false)
	}
	result := e.Thread.Flags.Neg(a, w)
	if !e.SetOperandValue(d.Args[0], result, w, nextRIP) {
		return e.raiseMem(exception.PageFaultWrite, 0, true)
	}
	return Committed
}

// opMul implements MUL's single-operand form: d.Args[0] is the r/m
// multiplicand, the other factor is the implicit accumulator
// (AL/AX/EAX/RAX), and the full double-width unsigned product is written
// back to AX/DX:AX/EDX:EAX/RDX:RAX.
func opMul(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	w := argWidth(e, d, 0)
	b, ok := e.OperandValue(d.Args[0], w, nextRIP)
	if !ok {
		return e.raiseMem(exception.PageFaultRead, 0, false)
	}
	a, ok := e.OperandValue(x86asm.RAX, w, nextRIP)
	if !ok {
		return e.raise(exception.UD)
	}
	low, high := e.Thread.Flags.Mul(a, b, w)
	writeMulResult(e, w, low, high)
	return Committed
}

// opImul implements every encoded form of IMUL: the one-operand form
// (implicit accumulator, full double-width signed product written to
// AX/DX:AX/EDX:EAX/RDX:RAX like MUL) and the two-/three-operand forms
// (the destination register gets only the low half; CF/OF still report
// whether the high half held more than the low half's sign-extension, per
// pkg/regs.Flags.Imul).
func opImul(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	w := argWidth(e, d, 0)
	switch {
	case d.Args[2] != nil:
		a, ok := e.OperandValue(d.Args[1], w, nextRIP)
		if !ok {
			return e.raiseMem(exception.PageFaultRead, 0, false)
		}
		b, ok := e.OperandValue(d.Args[2], w, nextRIP)
		if !ok {
			return e.raiseMem(exception.PageFaultRead, 0, false)
		}
		low, _ := e.Thread.Flags.Imul(a, b, w)
		if !e.SetOperandValue(d.Args[0], low, w, nextRIP) {
			return e.raiseMem(exception.PageFaultWrite, 0, true)
		}
		return Committed
	case d.Args[1] != nil:
		a, ok := e.OperandValue(d.Args[0], w, nextRIP)
		if !ok {
			return e.raiseMem(exception.PageFaultRead, 0, false)
		}
		b, ok := e.OperandValue(d.Args[1], w, nextRIP)
		if !ok {
			return e.raiseMem(exception.PageFaultRead, 0, false)
		}
		low, _ := e.Thread.Flags.Imul(a, b, w)
		if !e.SetOperandValue(d.Args[0], low, w, nextRIP) {
			return e.raiseMem(exception.PageFaultWrite, 0, true)
		}
		return Committed
	default:
		b, ok := e.OperandValue(d.Args[0], w, nextRIP)
		if !ok {
			return e.raiseMem(exception.PageFaultRead, 0, false)
		}
		a, ok := e.OperandValue(x86asm.RAX, w, nextRIP)
		if !ok {
			return e.raise(exception.UD)
		}
		low, high := e.Thread.Flags.Imul(a, b, w)
		writeMulResult(e, w, low, high)
		return Committed
	}
}

// writeMulResult commits MUL/IMUL's one-operand-form double-width product
// into the architecturally fixed destination pair: AX for an 8-bit
// multiply (AL*r/m8 -> AX), DX:AX for 16, EDX:EAX for 32, RDX:RAX for 64.
func writeMulResult(e *Engine, w int, low, high uint64) {
	r := e.Thread.Regs
	switch w {
	case 8:
		r.SetAX(uint16(high)<<8 | uint16(low))
	case 16:
		r.SetAX(uint16(low))
		r.SetDX(uint16(high))
	case 32:
		r.SetEAX(uint32(low))
		r.SetEDX(uint32(high))
	case 64:
		r.SetRAX(low)
		r.SetRDX(high)
	}
}

func opNot(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	w := argWidth(e, d, 0)
	a, ok := e.OperandValue(d.Args[0], w, nextRIP)
	if !ok {
		return e.raiseMem(exception.PageFaultRead, 0, false)
	}
	mask := uint64(1)<<uint(w) - 1
	if w == 64 {
		mask = ^uint64(0)
	}
	if !e.SetOperandValue(d.Args[0], ^a&mask, w, nextRIP) {
		return e.raiseMem(exception.PageFaultWrite, 0, true)
	}
	return Committed
}

// shiftRotate handles the Grp2 family: destination is operand 0, the
// count is operand 1 (an immediate, CL, or implicit 1).
func shiftRotate(op func(f *regs.Flags, a uint64, c uint, w int) uint64) Handler {
	return func(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
		w := argWidth(e, d, 0)
		a, ok := e.OperandValue(d.Args[0], w, nextRIP)
		if !ok {
			return e.raiseMem(exception.PageFaultRead, 0, false)
		}
		count := uint64(1)
		if len(d.Args) > 1 && d.Args[1] != nil {
			count, ok = e.OperandValue(d.Args[1], 8, nextRIP)
			if !ok {
				return e.raiseMem(exception.PageFaultRead, 0, false)
			}
		}
		result := op(e.Thread.Flags, a, uint(count), w)
		if !e.SetOperandValue(d.Args[0], result, w, nextRIP) {
			return e.raiseMem(exception.PageFaultWrite, 0, true)
		}
		return Committed
	}
}

func jccHandler(taken func(*regs.Flags) bool) Handler {
	return func(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
		if !taken(e.Thread.Flags) {
			return Committed
		}
		target, ok := e.OperandValue(d.Args[0], 64, nextRIP)
		if !ok {
			return e.raise(exception.UD)
		}
		e.Thread.Regs.SetRIP(target)
		return Branched
	}
}

// jrcxz returns a Handler for JCXZ/JECXZ/JRCXZ, each testing a different
// width of the counter register.
func jrcxz(width int) Handler {
	return func(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
		var cx uint64
		switch width {
		case 16:
			cx = uint64(e.Thread.Regs.CX())
		case 32:
			cx = uint64(e.Thread.Regs.ECX())
		default:
			cx = e.Thread.Regs.RCX()
		}
		if cx != 0 {
			return Committed
		}
		target, ok := e.OperandValue(d.Args[0], 64, nextRIP)
		if !ok {
			return e.raise(exception.UD)
		}
		e.Thread.Regs.SetRIP(target)
		return Branched
	}
}

// loopHandler decrements RCX (64-bit mode) or ECX (otherwise) and branches
// while count != 0 and cond holds (cond is always-true for plain LOOP). An
// address-size prefix does not change which register is used.
func loopHandler(cond func(*regs.Flags) bool) Handler {
	return func(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
		var count uint64
		if e.Mode == decode.Mode64 {
			count = e.Thread.Regs.RCX() - 1
			e.Thread.Regs.SetRCX(count)
		} else {
			count = uint64(e.Thread.Regs.ECX() - 1)
			e.Thread.Regs.SetECX(uint32(count))
		}
		if count == 0 || !cond(e.Thread.Flags) {
			return Committed
		}
		target, ok := e.OperandValue(d.Args[0], 64, nextRIP)
		if !ok {
			return e.raise(exception.UD)
		}
		e.Thread.Regs.SetRIP(target)
		return Branched
	}
}

func diStep(e *Engine, width int) uint64 {
	if e.Thread.Flags.DF() {
		return ^uint64(width/8) + 1
	}
	return uint64(width / 8)
}

// strMove implements the MOVS family for one repetition: copy [RSI] to
// [RDI] at the given width and advance both index registers per DF.
func strMove(width int) Handler {
	return func(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
		si, di := e.Thread.Regs.RSI(), e.Thread.Regs.RDI()
		v, ok := e.readMem(si, width)
		if !ok {
			return e.raiseMem(exception.PageFaultRead, si, false)
		}
		if !e.writeMem(di, v, width) {
			return e.raiseMem(exception.PageFaultWrite, di, true)
		}
		step := diStep(e, width)
		e.Thread.Regs.SetRSI(si + step)
		e.Thread.Regs.SetRDI(di + step)
		return Committed
	}
}

func strStore(width int) Handler {
	return func(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
		di := e.Thread.Regs.RDI()
		a, _ := e.OperandValue(x86asm.RAX, width, nextRIP)
		if !e.writeMem(di, a, width) {
			return e.raiseMem(exception.PageFaultWrite, di, true)
		}
		e.Thread.Regs.SetRDI(di + diStep(e, width))
		return Committed
	}
}

func strCompare(width int) Handler {
	return func(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
		si, di := e.Thread.Regs.RSI(), e.Thread.Regs.RDI()
		a, ok := e.readMem(si, width)
		if !ok {
			return e.raiseMem(exception.PageFaultRead, si, false)
		}
		b, ok := e.readMem(di, width)
		if !ok {
			return e.raiseMem(exception.PageFaultRead, di, false)
		}
		e.Thread.Flags.Sub(a, b, width)
		step := diStep(e, width)
		e.Thread.Regs.SetRSI(si + step)
		e.Thread.Regs.SetRDI(di + step)
		return Committed
	}
}

func strScan(width int) Handler {
	return func(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
		di := e.Thread.Regs.RDI()
		b, ok := e.readMem(di, width)
		if !ok {
			return e.raiseMem(exception.PageFaultRead, di, false)
		}
		a, _ := e.OperandValue(x86asm.RAX, width, nextRIP)
		e.Thread.Flags.Sub(a, b, width)
		e.Thread.Regs.SetRDI(di + diStep(e, width))
		return Committed
	}
}

func strLoad(width int) Handler {
	return func(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
		si := e.Thread.Regs.RSI()
		v, ok := e.readMem(si, width)
		if !ok {
			return e.raiseMem(exception.PageFaultRead, si, false)
		}
		e.SetOperandValue(x86asm.RAX, v, width, nextRIP)
		e.Thread.Regs.SetRSI(si + diStep(e, width))
		return Committed
	}
}

func opPushf(width int) Handler {
	return func(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
		v := e.Thread.Flags.Dump()
		mask := uint64(1)<<uint(width) - 1
		if !e.pushStack(v & mask) {
			return e.raiseMem(exception.PageFaultWrite, e.Thread.Regs.RSP(), true)
		}
		return Committed
	}
}

func opPopf(width int) Handler {
	return func(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
		v, ok := e.popStack()
		if !ok {
			return e.raiseMem(exception.PageFaultRead, e.Thread.Regs.RSP(), false)
		}
		e.Thread.Flags.Load(v)
		return Committed
	}
}

func flagSet(mask uint64, v bool) Handler {
	return func(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
		e.Thread.Flags.Set(mask, v)
		return Committed
	}
}

// opInt distinguishes the one-byte int3 form (x86asm decodes 0xCC as Op
// INT with an implicit Imm(3) argument, not a separate INT3 constant) from
// a general "int imm8" software interrupt, which this emulator does not
// model beyond the breakpoint case.
func opInt(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	if imm, ok := d.Args[0].(x86asm.Imm); ok && imm == 3 {
		e.RaiseInt3(nextRIP)
		return Raised
	}
	return e.raise(exception.UD)
}

func opUD2(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	return e.raise(exception.UD)
}

// opCPUID returns the fixed responses the External Interfaces contract
// specifies: EAX=0 yields the configured vendor string split across
// EBX:EDX:ECX, EAX=1 yields a feature bitmap covering through AVX2 (with
// AVX512F gated by config), any other leaf returns all zero.
func opCPUID(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	leaf := e.Thread.Regs.EAX()
	switch leaf {
	case 0:
		b, c, dd := vendorDwords(e.Config.VendorString)
		e.Thread.Regs.SetEAX(1)
		e.Thread.Regs.SetEBX(b)
		e.Thread.Regs.SetECX(c)
		e.Thread.Regs.SetEDX(dd)
	case 1:
		const sseAVX2 = 1<<0 | 1<<19 | 1<<20 | 1<<28
		ecx := uint32(sseAVX2)
		edx := uint32(1 << 25)
		if e.Config.EnableAVX512 {
			ecx |= 1 << 16
		}
		e.Thread.Regs.SetEAX(0x000106A0)
		e.Thread.Regs.SetEBX(0)
		e.Thread.Regs.SetECX(ecx)
		e.Thread.Regs.SetEDX(edx)
	default:
		e.Thread.Regs.SetEAX(0)
		e.Thread.Regs.SetEBX(0)
		e.Thread.Regs.SetECX(0)
		e.Thread.Regs.SetEDX(0)
	}
	return Committed
}

func vendorDwords(vendor string) (ebx, ecx, edx uint32) {
	var b [12]byte
	copy(b[:], vendor)
	ebx = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	edx = uint32(b[4]) | uint32(b[5])<<8 | uint32(b[6])<<16 | uint32(b[7])<<24
	ecx = uint32(b[8]) | uint32(b[9])<<8 | uint32(b[10])<<16 | uint32(b[11])<<24
	return
}

// opRDTSC splits the engine's elapsed tick count into EDX:EAX, giving
// deterministic, monotonically increasing timestamps across a run.
func opRDTSC(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	e.Thread.Regs.SetEAX(uint32(e.Ticks))
	e.Thread.Regs.SetEDX(uint32(e.Ticks >> 32))
	return Committed
}

// opRDMSR implements the one fixed MSR the contract names (0x176,
// IA32_SYSENTER_EIP) and raises UD for everything else.
func opRDMSR(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	msr := e.Thread.Regs.ECX()
	if msr != 0x176 {
		return e.raise(exception.UD)
	}
	e.Thread.Regs.SetEDX(0)
	e.Thread.Regs.SetEAX(uint32(codeBase(e)) + 0x42)
	return Committed
}

func codeBase(e *Engine) uint64 {
	if _, base, _, ok := e.Maps.GetRegionForAddr(e.Thread.Regs.RIP()); ok {
		return base
	}
	return 0
}

// opXGETBV returns a fixed extended-state bitmap in EDX:EAX: ECX=0 (XCR0)
// reports 0x1F, any other index reports 7 (x87+SSE+AVX).
func opXGETBV(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	ecx := e.Thread.Regs.ECX()
	e.Thread.Regs.SetEDX(0)
	if ecx == 0 {
		e.Thread.Regs.SetEAX(0x1F)
	} else {
		e.Thread.Regs.SetEAX(7)
	}
	return Committed
}

// opSyscall dispatches through e.Linux when a Linux syscall table is
// wired (set by pkg/process before Run, per §6's Linux syscall-loop
// scenario); with none wired, SYSCALL is undefined, matching a Windows
// PE target that never executes this opcode. Arguments follow the Linux
// x86-64 syscall ABI: number in RAX, args in RDI/RSI/RDX/R10/R8/R9 (R10
// standing in for RCX, which SYSCALL itself clobbers with the return
// address), result placed back in RAX.
func opSyscall(e *Engine, d decode.Decoded, nextRIP uint64) Outcome {
	if e.Linux == nil {
		return e.raise(exception.UD)
	}
	r := e.Thread.Regs
	args := gateway.ArgsFromLinuxSyscall(r.RDI(), r.RSI(), r.RDX(), r.R10(), r.R8(), r.R9())
	ret, errno, unimplemented := e.Linux.Dispatch(r.RAX(), [6]uint64{args.Arg(0), args.Arg(1), args.Arg(2), args.Arg(3), args.Arg(4), args.Arg(5)})
	if unimplemented {
		if e.Config.FatalOnUnimplementedAPI {
			return Raised
		}
		r.SetRAX(0)
		return Committed
	}
	if errno != 0 {
		r.SetRAX(uint64(-errno))
	} else {
		r.SetRAX(ret)
	}
	return Committed
}
