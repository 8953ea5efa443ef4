// Package exception implements the structured-exception / VEH pipeline:
// exception record kinds, the 32-bit SEH chain walk anchored at FS:[0],
// the 64-bit VEH list, CONTEXT record layouts, and the dispatch decision
// (continue / continue-search / execute-handler) driven by whatever a
// dispatched handler returns.
package exception

import "fmt"

// Kind tags an exception record.
type Kind int

const (
	Int3 Kind = iota
	UD
	DivideByZero
	PageFaultRead
	PageFaultWrite
	PageFaultExec
	FpuStack
	IntegerOverflow
	Breakpoint
	AccessViolation
	InvalidHandle
	StackOverflow
)

func (k Kind) String() string {
	switch k {
	case Int3:
		return "Int3"
	case UD:
		return "UD"
	case DivideByZero:
		return "DivideByZero"
	case PageFaultRead:
		return "PageFaultRead"
	case PageFaultWrite:
		return "PageFaultWrite"
	case PageFaultExec:
		return "PageFaultExec"
	case FpuStack:
		return "FpuStack"
	case IntegerOverflow:
		return "IntegerOverflow"
	case Breakpoint:
		return "Breakpoint"
	case AccessViolation:
		return "AccessViolation"
	case InvalidHandle:
		return "InvalidHandle"
	case StackOverflow:
		return "StackOverflow"
	default:
		return "Unknown"
	}
}

// Record is a raised exception: its kind, the faulting RIP, and
// kind-specific payload for memory faults (address, whether the access
// was a write, and the value that would have been written or read).
type Record struct {
	Kind           Kind
	RIP            uint64
	Address        uint64
	Write          bool
	AttemptedValue uint64
}

// Disposition is a handler's verdict, matching the three documented
// return constants an SEH/VEH filter/handler can produce.
type Disposition int32

const (
	ContinueExecution Disposition = -1
	ContinueSearch    Disposition = 0
	ExecuteHandler    Disposition = 1
)

// SEHRecord is one node of the 32-bit FS:[0] exception-registration chain:
// {next, handler}, both 32-bit pointers.
type SEHRecord struct {
	Next    uint32
	Handler uint32
}

// SentinelNext is the chain terminator value (0xFFFFFFFF) a well-formed
// SEH chain ends with.
const SentinelNext = uint32(0xFFFFFFFF)

// DWordReader reads a 32-bit little-endian value from guest memory,
// reporting whether the address was mapped for reading. pkg/maps.Maps
// satisfies this directly via its Read32 method.
type DWordReader interface {
	Read32(addr uint64) (uint32, bool)
}

// WalkSEH32 follows the FS:[0] chain starting at head, returning the
// ordered list of registration records. It always terminates: either it
// reaches SentinelNext, or it returns an error the instant a link address
// is unmapped — it never loops, because each step only ever follows the
// Next field forward and a malformed chain that cycles will still be
// bounded by maxDepth as a last-resort backstop against a chain that
// cycles without ever hitting the sentinel.
func WalkSEH32(mem DWordReader, head uint32) ([]SEHRecord, error) {
	const maxDepth = 4096
	var chain []SEHRecord
	addr := head
	for i := 0; i < maxDepth; i++ {
		if addr == SentinelNext {
			return chain, nil
		}
		next, ok := mem.Read32(uint64(addr))
		if !ok {
			return chain, fmt.Errorf("exception: SEH chain link at %#x is unmapped", addr)
		}
		handler, ok := mem.Read32(uint64(addr) + 4)
		if !ok {
			return chain, fmt.Errorf("exception: SEH handler field at %#x is unmapped", addr+4)
		}
		chain = append(chain, SEHRecord{Next: next, Handler: handler})
		addr = next
	}
	return chain, fmt.Errorf("exception: SEH chain exceeded %d records without reaching the sentinel", maxDepth)
}

// VEHList is the 64-bit vectored-exception-handler list registered by
// AddVectoredExceptionHandler and consulted before SEH.
type VEHList struct {
	handlers []uint64
}

// NewVEHList returns an empty VEH list.
func NewVEHList() *VEHList { return &VEHList{} }

// Add registers handlerAddr. When first is true (the documented
// FirstHandler == 1 case) it is inserted at the front of the list so it
// runs before every previously registered handler; otherwise it is
// appended to the back.
func (v *VEHList) Add(first bool, handlerAddr uint64) {
	if first {
		v.handlers = append([]uint64{handlerAddr}, v.handlers...)
		return
	}
	v.handlers = append(v.handlers, handlerAddr)
}

// Remove drops the first registration matching handlerAddr, reporting
// whether one was found (RemoveVectoredExceptionHandler's return value).
func (v *VEHList) Remove(handlerAddr uint64) bool {
	for i, h := range v.handlers {
		if h == handlerAddr {
			v.handlers = append(v.handlers[:i], v.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Handlers returns the registered handler addresses in dispatch order.
func (v *VEHList) Handlers() []uint64 { return append([]uint64(nil), v.handlers...) }

// ExceptionPointers mirrors the two-pointer struct a guest handler
// receives: the address of the EXCEPTION_RECORD and of the CONTEXT it
// should read and may mutate before returning its disposition.
type ExceptionPointers struct {
	ExceptionRecordAddr uint32
	ContextRecordAddr   uint32
}

// Context32 is the subset of the x86 CONTEXT structure handlers actually
// read or mutate in practice: the general-purpose registers, EFlags, and
// Eip, laid out at their real WinNT.h byte offsets so a handler that does
// raw pointer arithmetic against the CONTEXT address observes the fields
// at the addresses real code expects.
type Context32 struct {
	ContextFlags uint32
	Edi, Esi, Ebx, Edx, Ecx, Eax uint32
	Ebp, Eip                     uint32
	SegCs                        uint32
	EFlags                       uint32
	Esp                          uint32
	SegSs                        uint32
}

const (
	ctx32OffEdi    = 156
	ctx32OffEsi    = 160
	ctx32OffEbx    = 164
	ctx32OffEdx    = 168
	ctx32OffEcx    = 172
	ctx32OffEax    = 176
	ctx32OffEbp    = 180
	ctx32OffEip    = 184
	ctx32OffSegCs  = 188
	ctx32OffEFlags = 192
	ctx32OffEsp    = 196
	ctx32OffSegSs  = 200
	Context32Size  = 204
)

// DWordReadWriter is the memory capability Context32's Save/Load need:
// reading back a handler's mutations and writing the starting snapshot.
type DWordReadWriter interface {
	DWordReader
	Write32(addr uint64, v uint32) bool
}

// Save writes the context's fields into guest memory at addr, at their
// real CONTEXT offsets, so a handler reading ctx->Eax / ctx->Eip directly
// sees the right bytes.
func (c Context32) Save(mem DWordReadWriter, addr uint64) {
	mem.Write32(addr, c.ContextFlags)
	mem.Write32(addr+ctx32OffEdi, c.Edi)
	mem.Write32(addr+ctx32OffEsi, c.Esi)
	mem.Write32(addr+ctx32OffEbx, c.Ebx)
	mem.Write32(addr+ctx32OffEdx, c.Edx)
	mem.Write32(addr+ctx32OffEcx, c.Ecx)
	mem.Write32(addr+ctx32OffEax, c.Eax)
	mem.Write32(addr+ctx32OffEbp, c.Ebp)
	mem.Write32(addr+ctx32OffEip, c.Eip)
	mem.Write32(addr+ctx32OffSegCs, c.SegCs)
	mem.Write32(addr+ctx32OffEFlags, c.EFlags)
	mem.Write32(addr+ctx32OffEsp, c.Esp)
	mem.Write32(addr+ctx32OffSegSs, c.SegSs)
}

// LoadContext32 reads a Context32 back out of guest memory at addr, picking up any
// mutation a handler made (e.g. setting Eax before returning
// ContinueExecution).
func LoadContext32(mem DWordReader, addr uint64) (Context32, error) {
	var c Context32
	fields := []struct {
		off uint64
		dst *uint32
	}{
		{0, &c.ContextFlags}, {ctx32OffEdi, &c.Edi}, {ctx32OffEsi, &c.Esi},
		{ctx32OffEbx, &c.Ebx}, {ctx32OffEdx, &c.Edx}, {ctx32OffEcx, &c.Ecx},
		{ctx32OffEax, &c.Eax}, {ctx32OffEbp, &c.Ebp}, {ctx32OffEip, &c.Eip},
		{ctx32OffSegCs, &c.SegCs}, {ctx32OffEFlags, &c.EFlags},
		{ctx32OffEsp, &c.Esp}, {ctx32OffSegSs, &c.SegSs},
	}
	for _, f := range fields {
		v, ok := mem.Read32(addr + f.off)
		if !ok {
			return Context32{}, fmt.Errorf("exception: CONTEXT field at offset %d (addr %#x) is unmapped", f.off, addr+f.off)
		}
		*f.dst = v
	}
	return c, nil
}

// Context64 mirrors the subset of the x64 CONTEXT structure handlers read
// or mutate (general-purpose registers, Rip, EFlags); XMM save-area and
// debug-register offsets are outside the scope this emulator's VEH
// scenarios exercise and are intentionally omitted.
type Context64 struct {
	ContextFlags                          uint32
	EFlags                                uint32
	Rax, Rcx, Rdx, Rbx                     uint64
	Rsp, Rbp, Rsi, Rdi                     uint64
	R8, R9, R10, R11, R12, R13, R14, R15   uint64
	Rip                                    uint64
}

// Real WinNT.h AMD64 CONTEXT offsets: ContextFlags/MxCsr sit after the six
// register-parameter home slots, EFlags follows the segment selectors, and
// the GPRs follow six debug registers — laid out here exactly as real
// guest code doing pointer arithmetic against a CONTEXT* would see them.
const (
	ctx64OffContextFlags = 0x30
	ctx64OffEFlags       = 0x44
	ctx64OffRax          = 0x78
	ctx64OffRcx          = 0x80
	ctx64OffRdx          = 0x88
	ctx64OffRbx          = 0x90
	ctx64OffRsp          = 0x98
	ctx64OffRbp          = 0xA0
	ctx64OffRsi          = 0xA8
	ctx64OffRdi          = 0xB0
	ctx64OffR8           = 0xB8
	ctx64OffR9           = 0xC0
	ctx64OffR10          = 0xC8
	ctx64OffR11          = 0xD0
	ctx64OffR12          = 0xD8
	ctx64OffR13          = 0xE0
	ctx64OffR14          = 0xE8
	ctx64OffR15          = 0xF0
	ctx64OffRip          = 0xF8
	Context64Size        = 0x100
)

// QWordReadWriter is the memory capability Context64's Save/Load need: the
// 32-bit ContextFlags/EFlags fields plus every 64-bit GPR and Rip.
type QWordReadWriter interface {
	DWordReadWriter
	Read64(addr uint64) (uint64, bool)
	Write64(addr uint64, v uint64) bool
}

// Save writes the context's fields into guest memory at addr, at their
// real CONTEXT offsets, so a 64-bit handler reading ctx->Rax / ctx->Rip
// directly sees the right bytes.
func (c Context64) Save(mem QWordReadWriter, addr uint64) {
	mem.Write32(addr+ctx64OffContextFlags, c.ContextFlags)
	mem.Write32(addr+ctx64OffEFlags, c.EFlags)
	mem.Write64(addr+ctx64OffRax, c.Rax)
	mem.Write64(addr+ctx64OffRcx, c.Rcx)
	mem.Write64(addr+ctx64OffRdx, c.Rdx)
	mem.Write64(addr+ctx64OffRbx, c.Rbx)
	mem.Write64(addr+ctx64OffRsp, c.Rsp)
	mem.Write64(addr+ctx64OffRbp, c.Rbp)
	mem.Write64(addr+ctx64OffRsi, c.Rsi)
	mem.Write64(addr+ctx64OffRdi, c.Rdi)
	mem.Write64(addr+ctx64OffR8, c.R8)
	mem.Write64(addr+ctx64OffR9, c.R9)
	mem.Write64(addr+ctx64OffR10, c.R10)
	mem.Write64(addr+ctx64OffR11, c.R11)
	mem.Write64(addr+ctx64OffR12, c.R12)
	mem.Write64(addr+ctx64OffR13, c.R13)
	mem.Write64(addr+ctx64OffR14, c.R14)
	mem.Write64(addr+ctx64OffR15, c.R15)
	mem.Write64(addr+ctx64OffRip, c.Rip)
}

// LoadContext64 reads a Context64 back out of guest memory at addr,
// picking up any mutation a handler made (e.g. setting Rax before
// returning ContinueExecution).
func LoadContext64(mem QWordReadWriter, addr uint64) (Context64, error) {
	var c Context64
	u32 := []struct {
		off uint64
		dst *uint32
	}{
		{ctx64OffContextFlags, &c.ContextFlags},
		{ctx64OffEFlags, &c.EFlags},
	}
	for _, f := range u32 {
		v, ok := mem.Read32(addr + f.off)
		if !ok {
			return Context64{}, fmt.Errorf("exception: CONTEXT field at offset %#x (addr %#x) is unmapped", f.off, addr+f.off)
		}
		*f.dst = v
	}
	u64 := []struct {
		off uint64
		dst *uint64
	}{
		{ctx64OffRax, &c.Rax}, {ctx64OffRcx, &c.Rcx}, {ctx64OffRdx, &c.Rdx}, {ctx64OffRbx, &c.Rbx},
		{ctx64OffRsp, &c.Rsp}, {ctx64OffRbp, &c.Rbp}, {ctx64OffRsi, &c.Rsi}, {ctx64OffRdi, &c.Rdi},
		{ctx64OffR8, &c.R8}, {ctx64OffR9, &c.R9}, {ctx64OffR10, &c.R10}, {ctx64OffR11, &c.R11},
		{ctx64OffR12, &c.R12}, {ctx64OffR13, &c.R13}, {ctx64OffR14, &c.R14}, {ctx64OffR15, &c.R15},
		{ctx64OffRip, &c.Rip},
	}
	for _, f := range u64 {
		v, ok := mem.Read64(addr + f.off)
		if !ok {
			return Context64{}, fmt.Errorf("exception: CONTEXT field at offset %#x (addr %#x) is unmapped", f.off, addr+f.off)
		}
		*f.dst = v
	}
	return c, nil
}
