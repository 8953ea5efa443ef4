// Package regs implements the general-purpose register file and the
// EFLAGS/RFLAGS after-effect computation that every arithmetic, logical,
// shift/rotate, and compare handler in the instruction engine drives.
package regs

// Index identifies one of the 16 general-purpose registers in x86-64
// encoding order: RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI, R8..R15.
type Index int

const (
	RAX Index = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	NumGPR
)

var gprNames = [NumGPR]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (i Index) String() string {
	if i < 0 || i >= NumGPR {
		return "?"
	}
	return gprNames[i]
}

// File is the 16-slot 64-bit general-purpose register file plus RIP. All
// narrower views go through the setter methods below so the architectural
// extension rules in the data model are enforced in exactly one place:
// a 32-bit write zero-extends into the full 64-bit register; 16- and
// 8-bit writes preserve the untouched upper bits.
type File struct {
	regs [NumGPR]uint64
	rip  uint64
}

// NewFile returns a zeroed register file.
func NewFile() *File { return &File{} }

// Reg64 returns the full 64-bit value of register i.
func (f *File) Reg64(i Index) uint64 { return f.regs[i] }

// SetReg64 overwrites the full 64-bit register, the only operation allowed
// to touch bits above 32 directly.
func (f *File) SetReg64(i Index, v uint64) { f.regs[i] = v }

// Reg32 returns the low 32 bits of register i (EAX, ECX, ...).
func (f *File) Reg32(i Index) uint32 { return uint32(f.regs[i]) }

// SetReg32 writes the low 32 bits and, per the architectural rule for
// 32-bit GPR writes in 64-bit mode, zero-extends the result into the full
// 64-bit register.
func (f *File) SetReg32(i Index, v uint32) { f.regs[i] = uint64(v) }

// Reg16 returns the low 16 bits of register i (AX, CX, ...).
func (f *File) Reg16(i Index) uint16 { return uint16(f.regs[i]) }

// SetReg16 writes the low 16 bits, leaving bits 16..63 untouched.
func (f *File) SetReg16(i Index, v uint16) {
	f.regs[i] = (f.regs[i] &^ 0xFFFF) | uint64(v)
}

// Reg8Low returns the low 8 bits of register i (AL, CL, ...).
func (f *File) Reg8Low(i Index) uint8 { return uint8(f.regs[i]) }

// SetReg8Low writes the low 8 bits, leaving bits 8..63 untouched.
func (f *File) SetReg8Low(i Index, v uint8) {
	f.regs[i] = (f.regs[i] &^ 0xFF) | uint64(v)
}

// Reg8High returns bits [15:8] of register i — only meaningful for
// RAX/RCX/RDX/RBX, which alias AH/CH/DH/BH; there is no high-byte view of
// RSP..R15 (those encodings select SPL..R15B instead, i.e. Reg8Low with a
// REX prefix present, which the decoder glue is responsible for choosing).
func (f *File) Reg8High(i Index) uint8 { return uint8(f.regs[i] >> 8) }

// SetReg8High writes bits [15:8] of register i, leaving all other bits
// untouched.
func (f *File) SetReg8High(i Index, v uint8) {
	f.regs[i] = (f.regs[i] &^ 0xFF00) | (uint64(v) << 8)
}

// RIP returns the instruction pointer.
func (f *File) RIP() uint64 { return f.rip }

// SetRIP overwrites the instruction pointer. Unlike the GPRs, the engine
// may also want the low 32 bits (EIP) for 32-bit mode.
func (f *File) SetRIP(v uint64) { f.rip = v }

// EIP returns the low 32 bits of RIP, as seen by 32-bit code.
func (f *File) EIP() uint32 { return uint32(f.rip) }

// SetEIP sets RIP from a 32-bit value, zero-extending like any other
// 32-bit GPR write.
func (f *File) SetEIP(v uint32) { f.rip = uint64(v) }

// RSP/ESP/SP and RBP/EBP/BP convenience accessors, since the call-stack and
// ModRM/SIB effective-address machinery reference them constantly.
func (f *File) RSP() uint64     { return f.Reg64(RSP) }
func (f *File) SetRSP(v uint64) { f.SetReg64(RSP, v) }
func (f *File) ESP() uint32     { return f.Reg32(RSP) }
func (f *File) SetESP(v uint32) { f.SetReg32(RSP, v) }

func (f *File) RBP() uint64     { return f.Reg64(RBP) }
func (f *File) SetRBP(v uint64) { f.SetReg64(RBP, v) }
func (f *File) EBP() uint32     { return f.Reg32(RBP) }
func (f *File) SetEBP(v uint32) { f.SetReg32(RBP, v) }

// Reset zeroes every register and RIP, matching power-on / thread-spawn state.
func (f *File) Reset() {
	for i := range f.regs {
		f.regs[i] = 0
	}
	f.rip = 0
}

// Named legacy 8/16/32-bit accessors for the eight original GPRs, matching
// the architecture's mnemonic names one-for-one. These are a thin layer
// over the indexed accessors above and exist because the decoder glue and
// tests read more naturally against AL/AH/AX/EAX than Reg8Low(RAX).
func (f *File) AL() uint8       { return f.Reg8Low(RAX) }
func (f *File) SetAL(v uint8)   { f.SetReg8Low(RAX, v) }
func (f *File) AH() uint8       { return f.Reg8High(RAX) }
func (f *File) SetAH(v uint8)   { f.SetReg8High(RAX, v) }
func (f *File) AX() uint16      { return f.Reg16(RAX) }
func (f *File) SetAX(v uint16)  { f.SetReg16(RAX, v) }
func (f *File) EAX() uint32     { return f.Reg32(RAX) }
func (f *File) SetEAX(v uint32) { f.SetReg32(RAX, v) }
func (f *File) RAX() uint64     { return f.Reg64(RAX) }
func (f *File) SetRAX(v uint64) { f.SetReg64(RAX, v) }

func (f *File) CL() uint8       { return f.Reg8Low(RCX) }
func (f *File) SetCL(v uint8)   { f.SetReg8Low(RCX, v) }
func (f *File) CX() uint16      { return f.Reg16(RCX) }
func (f *File) SetCX(v uint16)  { f.SetReg16(RCX, v) }
func (f *File) ECX() uint32     { return f.Reg32(RCX) }
func (f *File) SetECX(v uint32) { f.SetReg32(RCX, v) }
func (f *File) RCX() uint64     { return f.Reg64(RCX) }
func (f *File) SetRCX(v uint64) { f.SetReg64(RCX, v) }

func (f *File) DL() uint8       { return f.Reg8Low(RDX) }
func (f *File) SetDL(v uint8)   { f.SetReg8Low(RDX, v) }
func (f *File) DX() uint16      { return f.Reg16(RDX) }
func (f *File) SetDX(v uint16)  { f.SetReg16(RDX, v) }
func (f *File) EDX() uint32     { return f.Reg32(RDX) }
func (f *File) SetEDX(v uint32) { f.SetReg32(RDX, v) }
func (f *File) RDX() uint64     { return f.Reg64(RDX) }
func (f *File) SetRDX(v uint64) { f.SetReg64(RDX, v) }

func (f *File) BL() uint8       { return f.Reg8Low(RBX) }
func (f *File) SetBL(v uint8)   { f.SetReg8Low(RBX, v) }
func (f *File) BX() uint16      { return f.Reg16(RBX) }
func (f *File) SetBX(v uint16)  { f.SetReg16(RBX, v) }
func (f *File) EBX() uint32     { return f.Reg32(RBX) }
func (f *File) SetEBX(v uint32) { f.SetReg32(RBX, v) }
func (f *File) RBX() uint64     { return f.Reg64(RBX) }
func (f *File) SetRBX(v uint64) { f.SetReg64(RBX, v) }

func (f *File) SI() uint16      { return f.Reg16(RSI) }
func (f *File) SetSI(v uint16)  { f.SetReg16(RSI, v) }
func (f *File) ESI() uint32     { return f.Reg32(RSI) }
func (f *File) SetESI(v uint32) { f.SetReg32(RSI, v) }
func (f *File) RSI() uint64     { return f.Reg64(RSI) }
func (f *File) SetRSI(v uint64) { f.SetReg64(RSI, v) }

func (f *File) DI() uint16      { return f.Reg16(RDI) }
func (f *File) SetDI(v uint16)  { f.SetReg16(RDI, v) }
func (f *File) EDI() uint32     { return f.Reg32(RDI) }
func (f *File) SetEDI(v uint32) { f.SetReg32(RDI, v) }
func (f *File) RDI() uint64     { return f.Reg64(RDI) }
func (f *File) SetRDI(v uint64) { f.SetReg64(RDI, v) }

func (f *File) R8() uint64      { return f.Reg64(R8) }
func (f *File) SetR8(v uint64)  { f.SetReg64(R8, v) }
func (f *File) R9() uint64      { return f.Reg64(R9) }
func (f *File) SetR9(v uint64)  { f.SetReg64(R9, v) }
func (f *File) R10() uint64     { return f.Reg64(R10) }
func (f *File) SetR10(v uint64) { f.SetReg64(R10, v) }
func (f *File) R11() uint64     { return f.Reg64(R11) }
func (f *File) SetR11(v uint64) { f.SetReg64(R11, v) }
func (f *File) R12() uint64     { return f.Reg64(R12) }
func (f *File) SetR12(v uint64) { f.SetReg64(R12, v) }
func (f *File) R13() uint64     { return f.Reg64(R13) }
func (f *File) SetR13(v uint64) { f.SetReg64(R13, v) }
func (f *File) R14() uint64     { return f.Reg64(R14) }
func (f *File) SetR14(v uint64) { f.SetReg64(R14, v) }
func (f *File) R15() uint64     { return f.Reg64(R15) }
func (f *File) SetR15(v uint64) { f.SetReg64(R15, v) }
