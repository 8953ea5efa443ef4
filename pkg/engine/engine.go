// Package engine implements the instruction execution engine: the
// Fetch→Decode→Dispatch→{Commit|Raise|Branch}→UpdateRIP→TickAdvance
// state machine and the mnemonic→handler dispatch table.
package engine

import (
	"fmt"

	"github.com/otterlabs/mwemu-go/pkg/decode"
	"github.com/otterlabs/mwemu-go/pkg/emuconfig"
	"github.com/otterlabs/mwemu-go/pkg/exception"
	"github.com/otterlabs/mwemu-go/pkg/gateway"
	"github.com/otterlabs/mwemu-go/pkg/maps"
	"github.com/otterlabs/mwemu-go/pkg/thread"
)

// Outcome is what a handler reports back to Step.
type Outcome int

const (
	// Committed means the handler updated state and the engine should
	// advance RIP by the instruction's length (unless Branched is set).
	Committed Outcome = iota
	// Branched means the handler itself set RIP; Step must not also
	// advance it by instruction length.
	Branched
	// Raised means the handler could not commit (unreadable operand,
	// divide by zero, undefined opcode) and pushed an exception.Record
	// onto Engine.Pending instead. When a FatalOn* setting stops the
	// engine, no record is pushed and Step returns a non-nil error.
	Raised
	// GatewayCall means RIP landed on a bound import thunk; the engine
	// dispatched through the API Gateway instead of executing bytes.
	GatewayCall
)

// Handler is one dispatch-table entry: given the decoded instruction and
// the address immediately following it (for RIP-relative addressing and
// call/branch targets), mutate engine state and report what happened.
type Handler func(e *Engine, d decode.Decoded, nextRIP uint64) Outcome

// Engine ties together memory, the current thread, the API gateway, and
// the exception pipeline to execute one instruction at a time.
type Engine struct {
	Maps    *maps.Maps
	Thread  *thread.Context
	Gateway *gateway.Registry
	Config  emuconfig.Config

	Mode decode.Mode

	dispatch map[string]Handler

	// ImportThunks maps a synthetic call target address to the (module,
	// symbol) pair the loader bound there, per the Loader Interface
	// contract (§4.8): the engine does not parse import tables itself.
	ImportThunks map[uint64][2]string

	// Linux, when set, routes the SYSCALL instruction through a Linux
	// x86-64 syscall table instead of raising UD. Nil (the default)
	// means this thread never executes a Windows PE with a Linux host
	// interface, the common case.
	Linux *gateway.LinuxDispatcher

	Pending []exception.Record

	VEH *exception.VEHList

	Ticks uint64
}

// New returns an engine wired to the given memory, thread, and gateway,
// with the standard dispatch table installed.
func New(m *maps.Maps, t *thread.Context, gw *gateway.Registry, cfg emuconfig.Config, mode decode.Mode) *Engine {
	e := &Engine{
		Maps:         m,
		Thread:       t,
		Gateway:      gw,
		Config:       cfg,
		Mode:         mode,
		dispatch:     make(map[string]Handler),
		ImportThunks: make(map[uint64][2]string),
		VEH:          exception.NewVEHList(),
	}
	installCoreHandlers(e)
	return e
}

// Register installs (or overwrites) the handler for mnemonic.
func (e *Engine) Register(mnemonic string, h Handler) { e.dispatch[mnemonic] = h }

// raise appends an exception record for the current RIP and reports Raised.
func (e *Engine) raise(kind exception.Kind) Outcome {
	e.Pending = append(e.Pending, exception.Record{Kind: kind, RIP: e.Thread.Regs.RIP()})
	return Raised
}

func (e *Engine) raiseMem(kind exception.Kind, addr uint64, write bool) Outcome {
	e.Pending = append(e.Pending, exception.Record{
		Kind: kind, RIP: e.Thread.Regs.RIP(), Address: addr, Write: write,
	})
	return Raised
}

// Step executes exactly one instruction (or one API Gateway call) at the
// current thread's RIP, per the Fetch→Decode→Dispatch→Commit→UpdateRIP→
// TickAdvance state machine, and returns the handler's Outcome. The error
// is non-nil only when a FatalOn* setting stops the engine.
func (e *Engine) Step() (Outcome, error) {
	rip := e.Thread.Regs.RIP()

	if mod, sym, ok := e.lookupThunk(rip); ok {
		outcome := e.callGateway(mod, sym)
		if outcome == Raised && len(e.Pending) == 0 {
			return outcome, fmt.Errorf("engine: unimplemented API %s!%s", mod, sym)
		}
		e.Ticks++
		return outcome, nil
	}

	code, ok := e.fetchInstructionWindow(rip)
	if !ok {
		return e.raiseMem(exception.PageFaultExec, rip, false), nil
	}

	d, err := decode.Decode(code, e.Mode)
	if err != nil {
		if e.Config.FatalOnUnimplementedInstruction {
			return Raised, err
		}
		return e.raise(exception.UD), nil
	}

	h, ok := e.dispatch[d.Mnemonic]
	if !ok {
		if e.Config.FatalOnUnimplementedInstruction {
			return Raised, fmt.Errorf("engine: no handler for %s at %#x", d.Mnemonic, rip)
		}
		return e.raise(exception.UD), nil
	}

	nextRIP := rip + uint64(d.Length)
	outcome := h(e, d, nextRIP)

	switch outcome {
	case Committed:
		e.Thread.Regs.SetRIP(nextRIP)
	case Branched:
		// handler already set RIP.
	case Raised:
		if len(e.Pending) == 0 {
			return outcome, fmt.Errorf("engine: unimplemented syscall at %#x", rip)
		}
	}

	e.Ticks++
	return outcome, nil
}

// fetchInstructionWindow reads up to 16 bytes starting at rip, one more
// than the longest x86 instruction (15 bytes), shrinking the request when
// rip sits near the
// end of its mapped region: a real decode only needs as many bytes as the
// instruction itself occupies, so a thread running off the tail of a
// region should not page-fault on bytes it was never going to read.
func (e *Engine) fetchInstructionWindow(rip uint64) ([]byte, bool) {
	const maxInstrLen = 16
	for n := maxInstrLen; n >= 1; n-- {
		if code, ok := e.Maps.FetchExec(rip, n); ok {
			return code, true
		}
	}
	return nil, false
}

func (e *Engine) lookupThunk(addr uint64) (module, symbol string, ok bool) {
	pair, found := e.ImportThunks[addr]
	if !found {
		return "", "", false
	}
	return pair[0], pair[1], true
}

// gatewayArgCount is how many arguments callGateway lifts before calling a
// stub. None of RegisterCoreStubs' bodies reads past index 1
// (AddVectoredExceptionHandler's two parameters), but a stub is free to
// call Args.Arg(i) for any i — out-of-range reads return 0, matching a
// real ABI's behavior of exposing whatever garbage trails the declared
// parameters rather than faulting, so lifting a few extra slots costs
// nothing and covers any stub added later.
const gatewayArgCount = 4

// liftGatewayArgs reads gatewayArgCount arguments using the calling
// convention the thread's mode implies: Win32 stdcall reads them off the
// stack immediately above the return address CALL just pushed (ESP
// already points there when the thunk is reached); Win64 reads the first
// four from RCX/RDX/R8/R9, the convention every kernel32 stub here models
// (pkg/gateway.ArgsFromSysV64 exists for a SysV64 Linux target, but the
// gateway's stubs are Windows APIs, so Win64 is the ABI that applies in
// 64-bit mode).
func (e *Engine) liftGatewayArgs() gateway.Args {
	r := e.Thread.Regs
	if e.Mode == decode.Mode64 {
		return gateway.ArgsFromWin64(r.RCX(), r.RDX(), r.R8(), r.R9(), e.Maps, r.RSP(), gatewayArgCount)
	}
	return gateway.LiftArgsFromStack32(e.Maps, r.RSP(), gatewayArgCount)
}

// callGateway invokes the bound stub for (module, symbol), lifts its
// return value into RAX, and advances RIP past the call the way a real
// returned-to caller would see (the "simulated ret" §4.7 describes): the
// engine treats the thunk itself as a 0-length instruction whose effect
// is entirely the stub's Result, then pops the return address CALL pushed
// and resumes there. Stack arguments are left for the caller to pop.
func (e *Engine) callGateway(module, symbol string) Outcome {
	args := e.liftGatewayArgs()
	res, unimplemented := e.Gateway.Call(module, symbol, args)
	if unimplemented && e.Config.FatalOnUnimplementedAPI {
		return Raised
	}
	e.Thread.Regs.SetRAX(res.ReturnValue)
	if res.Block {
		e.Thread.SleepUntil(res.WakeTick)
	}
	ret, ok := e.popStack()
	if !ok {
		return e.raiseMem(exception.PageFaultRead, e.Thread.Regs.RSP(), false)
	}
	e.Thread.Regs.SetRIP(ret)
	return Branched
}

// RaiseInt3 is invoked by the INT3 handler; it is exported so pkg/process
// can drive VEH dispatch (run the registered handler's guest code, then
// apply its disposition) without duplicating the raise bookkeeping.
// resumeRIP is the address immediately after the one-byte int3 opcode, the
// address a CONTEXT's Eip resumes at when a handler returns
// ContinueExecution without itself adjusting it.
func (e *Engine) RaiseInt3(resumeRIP uint64) {
	e.Pending = append(e.Pending, exception.Record{Kind: exception.Int3, RIP: resumeRIP})
}

// DrainPending returns and clears the accumulated exception records,
// letting pkg/process own the walk/dispatch policy.
func (e *Engine) DrainPending() []exception.Record {
	p := e.Pending
	e.Pending = nil
	return p
}
