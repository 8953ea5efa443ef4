// Package gateway implements the API Gateway: a (module, symbol) registry
// of stub functions, ABI-specific argument lifting for Win32 stdcall/
// cdecl, Win64, and SysV AMD64, and the unimplemented-API fallback that
// applies a configured default return rather than aborting (the engine
// then returns to the caller as it does for any stub). Nothing in this
// package logs.
package gateway

import "fmt"

// ABI selects how a Call's arguments are lifted from registers/stack.
type ABI int

const (
	ABIWin32Stdcall ABI = iota
	ABIWin32Cdecl
	ABIWin64
	ABISysV64
)

// Args is the lifted argument view a stub body consults. Index 0 is the
// first parameter regardless of which ABI supplied it.
type Args struct {
	values []uint64
}

// Arg returns argument i, or 0 if the callee asked for more arguments than
// were actually lifted (matching a real ABI's behavior of reading
// whatever garbage is on the stack rather than faulting).
func (a Args) Arg(i int) uint64 {
	if i < 0 || i >= len(a.values) {
		return 0
	}
	return a.values[i]
}

// RegReader exposes the handful of registers argument lifting needs; a
// *regs.File (a thread.Context's Regs) satisfies it without the gateway
// importing the thread package.
type RegReader interface {
	RCX() uint64
	RDX() uint64
	R8() uint64
	R9() uint64
	RSP() uint64
}

// StackReader reads a 32/64-bit value at a stack-relative address, used
// for stdcall/cdecl argument lifting and for the Win64 shadow-space
// 5th-and-later arguments.
type StackReader interface {
	Read32(addr uint64) (uint32, bool)
	Read64(addr uint64) (uint64, bool)
}

// LiftArgsFromStack32 reads n 32-bit arguments for Win32 stdcall/cdecl:
// both read arguments left-to-right from the stack starting immediately
// above the return address at esp; the ABIs only differ in who pops them,
// which is the caller's concern, not the gateway's. The 64-bit conventions
// are lifted by ArgsFromWin64 (RCX/RDX/R8/R9, then the stack past the
// 32-byte shadow space) and ArgsFromSysV64 (RDI/RSI/RDX/RCX/R8/R9), which
// take the register values as plain arguments.
func LiftArgsFromStack32(mem StackReader, esp uint64, n int) Args {
	a := Args{values: make([]uint64, n)}
	for i := 0; i < n; i++ {
		v, ok := mem.Read32(esp + 4 + uint64(i)*4)
		if ok {
			a.values[i] = uint64(v)
		}
	}
	return a
}

// ArgsFromWin64 lifts up to 4 register arguments (RCX, RDX, R8, R9) plus
// any beyond that from the stack past the 32-byte shadow space.
func ArgsFromWin64(rcx, rdx, r8, r9 uint64, mem StackReader, rsp uint64, n int) Args {
	a := Args{values: make([]uint64, n)}
	regs := [4]uint64{rcx, rdx, r8, r9}
	for i := 0; i < n; i++ {
		if i < 4 {
			a.values[i] = regs[i]
			continue
		}
		v, ok := mem.Read64(rsp + 32 + 8 + uint64(i-4)*8)
		if ok {
			a.values[i] = v
		}
	}
	return a
}

// ArgsFromSysV64 lifts up to 6 register arguments (RDI, RSI, RDX, RCX, R8,
// R9) plus any beyond that from the stack, with no shadow space.
func ArgsFromSysV64(rdi, rsi, rdx, rcx, r8, r9 uint64, mem StackReader, rsp uint64, n int) Args {
	a := Args{values: make([]uint64, n)}
	regs := [6]uint64{rdi, rsi, rdx, rcx, r8, r9}
	for i := 0; i < n; i++ {
		if i < 6 {
			a.values[i] = regs[i]
			continue
		}
		v, ok := mem.Read64(rsp + 8 + uint64(i-6)*8)
		if ok {
			a.values[i] = v
		}
	}
	return a
}

// ArgsFromLinuxSyscall lifts the six register arguments the Linux x86-64
// syscall ABI passes (RDI, RSI, RDX, R10, R8, R9 — R10 standing in for
// RCX because the SYSCALL instruction clobbers RCX with the return
// address). Unlike the Win64/SysV64 function-call ABIs, a syscall never
// spills arguments to the stack: the kernel caps every syscall at six.
func ArgsFromLinuxSyscall(rdi, rsi, rdx, r10, r8, r9 uint64) Args {
	return Args{values: []uint64{rdi, rsi, rdx, r10, r8, r9}}
}

// Result is what a stub returns: the value to place in RAX/EAX, and
// whether the call should instead be treated as a request to block the
// calling thread (e.g. WaitForSingleObject on a still-owned handle, or
// Sleep(n>0)).
type Result struct {
	ReturnValue uint64
	Block       bool
	WakeTick    uint64
}

// Stub is one API Gateway entry's body.
type Stub func(a Args) Result

// key identifies a registered entry.
type key struct{ module, symbol string }

// Registry is the (module, symbol) -> Stub table.
type Registry struct {
	stubs        map[key]Stub
	defaultValue uint64
}

// NewRegistry returns an empty registry. defaultValue is the value
// DefaultReturn produces for a call with no registered stub.
func NewRegistry(defaultValue uint64) *Registry {
	return &Registry{stubs: make(map[key]Stub), defaultValue: defaultValue}
}

// Register installs a stub for (module, symbol), overwriting any prior
// registration — callers building a registry incrementally (tests adding
// just the symbols a scenario needs) rely on this.
func (r *Registry) Register(module, symbol string, s Stub) {
	r.stubs[key{module, symbol}] = s
}

// Lookup returns the stub for (module, symbol) if one is registered.
func (r *Registry) Lookup(module, symbol string) (Stub, bool) {
	s, ok := r.stubs[key{module, symbol}]
	return s, ok
}

// Call invokes the registered stub, or applies DefaultReturn and reports
// unimplemented=true if none is registered.
func (r *Registry) Call(module, symbol string, a Args) (res Result, unimplemented bool) {
	if s, ok := r.Lookup(module, symbol); ok {
		return s(a), false
	}
	return r.DefaultReturn(), true
}

// DefaultReturn is the result an unimplemented API produces: the
// configured default value, no blocking.
func (r *Registry) DefaultReturn() Result { return Result{ReturnValue: r.defaultValue} }

// String renders a (module, symbol) pair the way log sites want it.
func (k key) String() string { return fmt.Sprintf("%s!%s", k.module, k.symbol) }

// RegisterCoreStubs installs the handful of API bodies the component
// contract names explicitly: Sleep, WaitForSingleObject, and
// AddVectoredExceptionHandler. veh receives the handler pointer argument
// so the caller (pkg/process, which owns the VEHList) can wire
// registration without this package importing pkg/exception.
func RegisterCoreStubs(r *Registry, currentTick func() uint64, veh func(first bool, handlerAddr uint64)) {
	r.Register("kernel32", "Sleep", func(a Args) Result {
		millis := a.Arg(0)
		if millis == 0 {
			return Result{}
		}
		return Result{Block: true, WakeTick: currentTick() + millis}
	})

	r.Register("kernel32", "WaitForSingleObject", func(a Args) Result {
		// handle := a.Arg(0); caller resolves blocking against the handle
		// table / critical section the handle names. A bare gateway stub
		// cannot see that state, so it reports WAIT_TIMEOUT (0x102) as the
		// architecturally-defined immediate-return case; no other package
		// intercepts this symbol, so no call ever blocks on the handle.
		const waitTimeout = 0x102
		return Result{ReturnValue: waitTimeout}
	})

	r.Register("kernel32", "AddVectoredExceptionHandler", func(a Args) Result {
		first := a.Arg(0) != 0
		handler := a.Arg(1)
		veh(first, handler)
		return Result{ReturnValue: handler}
	})
}
