// Package process wires memory, threads, the instruction engine, the
// scheduler, the API gateway, and the exception pipeline into one runnable
// unit: the Loader Interface contract's consumer. It is the emulator's
// top-level orchestrator, grounded on the teacher's CPUX86Runner (load
// program, Run/Step/Execute, perf-counter MIPS reporting, async
// Start/Stop over a done channel) generalized from a single bare-metal CPU
// to a multi-threaded process with an API surface and an exception chain.
package process

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/otterlabs/mwemu-go/internal/telemetry"
	"github.com/otterlabs/mwemu-go/pkg/decode"
	"github.com/otterlabs/mwemu-go/pkg/emuconfig"
	"github.com/otterlabs/mwemu-go/pkg/engine"
	"github.com/otterlabs/mwemu-go/pkg/exception"
	"github.com/otterlabs/mwemu-go/pkg/gateway"
	"github.com/otterlabs/mwemu-go/pkg/maps"
	"github.com/otterlabs/mwemu-go/pkg/scheduler"
	"github.com/otterlabs/mwemu-go/pkg/thread"
)

// scratchBase is where the process maps the small region it uses to pass
// EXCEPTION_POINTERS/CONTEXT structures to a guest-resident VEH handler.
// It sits well above any conventional 32-bit image base or stack.
const (
	scratchBase  = 0x7FFE0000
	scratchSize  = 0x1000
	exRecordOff  = 0x000
	ctxOff       = 0x100
	exPointerOff = 0x300
	sentinelRIP  = 0x7FFEFFF0
)

// Process is one emulated process: its address space, its threads, and
// the shared registries every thread's engine consults.
type Process struct {
	Config emuconfig.Config
	Mode   decode.Mode

	Maps    *maps.Maps
	Gateway *gateway.Registry
	Sched   *scheduler.Scheduler
	VEH     *exception.VEHList
	Log     *telemetry.Logger

	ImportThunks map[uint64][2]string

	// Linux, when set, is handed to every thread's Engine so SYSCALL
	// dispatches through it instead of raising UD (the x64 Linux
	// syscall-loop scenario). Left nil for a pure Win32/Win64 process.
	Linux *gateway.LinuxDispatcher

	engines map[uint64]*engine.Engine
	threads map[uint64]*thread.Context

	// PerfEnabled/InstructionCount mirror the teacher runner's MIPS
	// reporting: opt-in instruction counting rather than always-on.
	PerfEnabled      bool
	InstructionCount uint64
	perfStart        time.Time

	execMu     sync.Mutex
	execDone   chan struct{}
	execActive bool
	running    atomic.Bool
}

// New returns a process with an empty address space and no threads. The
// caller maps regions with LoadImage/Maps.CreateMap, creates at least one
// thread with AddThread, and binds any import thunks before calling Run.
func New(cfg emuconfig.Config, mode decode.Mode, log *telemetry.Logger) *Process {
	if log == nil {
		log = telemetry.NewNop()
	}
	p := &Process{
		Config:       cfg,
		Mode:         mode,
		Maps:         maps.New(),
		Gateway:      gateway.NewRegistry(0),
		Sched:        scheduler.New(),
		VEH:          exception.NewVEHList(),
		Log:          log,
		ImportThunks: make(map[uint64][2]string),
		engines:      make(map[uint64]*engine.Engine),
		threads:      make(map[uint64]*thread.Context),
	}
	if err := p.Maps.CreateMap("exception-scratch", scratchBase, scratchSize, maps.Read|maps.Write); err != nil {
		panic(fmt.Sprintf("process: reserved scratch region rejected: %v", err))
	}
	gateway.RegisterCoreStubs(p.Gateway, p.Sched.Tick, func(first bool, handlerAddr uint64) {
		p.VEH.Add(first, handlerAddr)
	})
	p.running.Store(true)
	return p
}

// LoadImage maps a new named region and copies data into it, the way
// LoadProgramData copies a raw binary into the bus at a fixed load
// address — generalized to an arbitrary base and permission set so a
// loader can map a PE/ELF's sections individually.
func (p *Process) LoadImage(name string, base uint64, data []byte, perm maps.Perm) error {
	if err := p.Maps.CreateMap(name, base, uint64(len(data)), perm|maps.Write); err != nil {
		return fmt.Errorf("process: LoadImage(%s): %w", name, err)
	}
	if !p.Maps.WriteBits(base, data) {
		return fmt.Errorf("process: LoadImage(%s): write rejected after successful map", name)
	}
	return nil
}

// BindImportThunk records that a call landing on addr should be routed
// through the API Gateway as (module, symbol) instead of decoded as guest
// bytes, per the Loader Interface contract (§4.8): the engine never parses
// import tables itself.
func (p *Process) BindImportThunk(addr uint64, module, symbol string) {
	p.ImportThunks[addr] = [2]string{module, symbol}
}

// AddThread creates a new thread context with the given entry RIP and
// initial stack pointer, wires an Engine to it sharing this process's
// memory, gateway, import thunks, and VEH list, and registers it with the
// scheduler.
func (p *Process) AddThread(id, entryRIP, stackTop uint64) *thread.Context {
	t := thread.New(id)
	t.Regs.SetRIP(entryRIP)
	t.Regs.SetRSP(stackTop)
	t.Regs.SetRBP(stackTop)

	e := engine.New(p.Maps, t, p.Gateway, p.Config, p.Mode)
	e.ImportThunks = p.ImportThunks
	e.VEH = p.VEH
	e.Linux = p.Linux

	p.engines[id] = e
	p.threads[id] = t
	p.Sched.AddThread(t)
	return t
}

// Thread looks up a previously added thread context by id.
func (p *Process) Thread(id uint64) (*thread.Context, bool) {
	t, ok := p.threads[id]
	return t, ok
}

// IsRunning reports the process's running flag, which Stop clears. It
// does not check whether any thread is runnable or waiting on a wake tick.
func (p *Process) IsRunning() bool { return p.running.Load() }

// Stop halts the run loop at the next opportunity. Safe to call from
// another goroutine while Run (or a background RunAsync) is in flight.
func (p *Process) Stop() {
	p.running.Store(false)
	p.Sched.Stop()
}

// Run drives execution until the scheduler reports no runnable thread or
// maxInstructions have executed (0 means unbounded), one instruction (or
// one API Gateway call) at a time, applying the exception pipeline to
// every outcome before picking the next thread.
func (p *Process) Run(maxInstructions uint64) error {
	if p.PerfEnabled {
		p.perfStart = time.Now()
		p.InstructionCount = 0
	}

	for p.running.Load() {
		if maxInstructions != 0 && p.InstructionCount >= maxInstructions {
			return nil
		}
		t, ok := p.Sched.Next()
		if !ok {
			return nil
		}
		e := p.engines[t.ID]

		outcome, err := e.Step()
		if err != nil {
			return fmt.Errorf("process: thread %d: %w", t.ID, err)
		}
		if outcome == engine.Raised {
			if handled := p.dispatchPending(t, e); !handled {
				t.Runnable = false
			}
		}

		p.Sched.AdvanceTick(1)
		p.InstructionCount++
	}
	return nil
}

// RunAsync starts Run in a background goroutine, mirroring the teacher's
// StartExecution/execDone pattern so a caller can Stop it from elsewhere
// and then Wait for the goroutine to actually finish.
func (p *Process) RunAsync(maxInstructions uint64) {
	p.execMu.Lock()
	defer p.execMu.Unlock()
	if p.execActive {
		return
	}
	p.execActive = true
	p.running.Store(true)
	p.execDone = make(chan struct{})
	done := p.execDone
	go func() {
		defer func() {
			p.execMu.Lock()
			p.execActive = false
			close(done)
			p.execMu.Unlock()
		}()
		p.Run(maxInstructions)
	}()
}

// Wait blocks until a RunAsync goroutine has exited.
func (p *Process) Wait() {
	p.execMu.Lock()
	done := p.execDone
	p.execMu.Unlock()
	if done != nil {
		<-done
	}
}

// dispatchPending drains e's pending exception records and applies the
// dispatch policy: Int3 walks the shared VEH list (SEH is left to a
// caller that wants 32-bit struct-exception-handling scenarios, via
// exception.WalkSEH32 directly — this package only drives VEH, since that
// is the only guest-executed dispatch the spec's concrete scenario
// exercises). Returns true if every pending record found a handler that
// resumed execution.
func (p *Process) dispatchPending(t *thread.Context, e *engine.Engine) bool {
	all := true
	for _, rec := range e.DrainPending() {
		if rec.Kind != exception.Int3 {
			all = false
			continue
		}
		if !p.fireVEH(t, e, rec) {
			all = false
		}
	}
	return all
}

// fireVEH runs each registered VEH handler, in dispatch order, as real
// guest code: it builds an EXCEPTION_POINTERS/CONTEXT pair in the scratch
// region (Context32 or Context64, picked by the thread's mode, per
// spec scenario 4's 64-bit AddVectoredExceptionHandler program), calls the
// handler with the simulated-call convention opRet already understands,
// and reads the CONTEXT back so a handler's direct memory mutation of
// ctx->Eax/ctx->Rax is observed. The first handler that returns
// ContinueExecution stops the chain and resumes the thread at the
// (possibly handler-adjusted) ctx.Eip/ctx.Rip.
func (p *Process) fireVEH(t *thread.Context, e *engine.Engine, rec exception.Record) bool {
	handlers := p.VEH.Handlers()
	if len(handlers) == 0 {
		return false
	}

	ctxAddr := uint64(scratchBase + ctxOff)
	epAddr := uint64(scratchBase + exPointerOff)
	recAddr := uint64(scratchBase + exRecordOff)

	if e.Mode == decode.Mode64 {
		return p.fireVEH64(t, e, rec, handlers, ctxAddr, epAddr, recAddr)
	}
	return p.fireVEH32(t, e, rec, handlers, ctxAddr, epAddr, recAddr)
}

func (p *Process) fireVEH32(t *thread.Context, e *engine.Engine, rec exception.Record, handlers []uint64, ctxAddr, epAddr, recAddr uint64) bool {
	ctx := exception.Context32{
		Eax: uint32(t.Regs.EAX()), Ebx: uint32(t.Regs.EBX()),
		Ecx: uint32(t.Regs.ECX()), Edx: uint32(t.Regs.EDX()),
		Esi: uint32(t.Regs.ESI()), Edi: uint32(t.Regs.EDI()),
		Ebp: uint32(t.Regs.EBP()), Esp: uint32(t.Regs.ESP()),
		Eip: uint32(rec.RIP), EFlags: uint32(t.Flags.Dump()),
	}
	ctx.Save(p.Maps, ctxAddr)
	p.Maps.Write32(epAddr, uint32(recAddr))
	p.Maps.Write32(epAddr+4, uint32(ctxAddr))

	for _, handler := range handlers {
		disposition, ok := p.callHandler(t, e, handler, epAddr)
		if !ok {
			continue
		}
		loaded, err := exception.LoadContext32(p.Maps, ctxAddr)
		if err != nil {
			continue
		}
		t.Regs.SetEAX(loaded.Eax)
		t.Regs.SetEBX(loaded.Ebx)
		t.Regs.SetECX(loaded.Ecx)
		t.Regs.SetEDX(loaded.Edx)
		t.Regs.SetESI(loaded.Esi)
		t.Regs.SetEDI(loaded.Edi)
		t.Regs.SetEBP(loaded.Ebp)
		t.Regs.SetESP(loaded.Esp)
		t.Flags.Load(uint64(loaded.EFlags) | 2)

		if disposition == exception.ContinueExecution {
			t.Regs.SetRIP(uint64(loaded.Eip))
			return true
		}
	}
	return false
}

func (p *Process) fireVEH64(t *thread.Context, e *engine.Engine, rec exception.Record, handlers []uint64, ctxAddr, epAddr, recAddr uint64) bool {
	ctx := exception.Context64{
		Rax: t.Regs.RAX(), Rcx: t.Regs.RCX(), Rdx: t.Regs.RDX(), Rbx: t.Regs.RBX(),
		Rsp: t.Regs.RSP(), Rbp: t.Regs.RBP(), Rsi: t.Regs.RSI(), Rdi: t.Regs.RDI(),
		R8: t.Regs.R8(), R9: t.Regs.R9(), R10: t.Regs.R10(), R11: t.Regs.R11(),
		R12: t.Regs.R12(), R13: t.Regs.R13(), R14: t.Regs.R14(), R15: t.Regs.R15(),
		Rip: rec.RIP, EFlags: uint32(t.Flags.Dump()),
	}
	ctx.Save(p.Maps, ctxAddr)
	p.Maps.Write64(epAddr, recAddr)
	p.Maps.Write64(epAddr+8, ctxAddr)

	for _, handler := range handlers {
		disposition, ok := p.callHandler(t, e, handler, epAddr)
		if !ok {
			continue
		}
		loaded, err := exception.LoadContext64(p.Maps, ctxAddr)
		if err != nil {
			continue
		}
		t.Regs.SetRAX(loaded.Rax)
		t.Regs.SetRCX(loaded.Rcx)
		t.Regs.SetRDX(loaded.Rdx)
		t.Regs.SetRBX(loaded.Rbx)
		t.Regs.SetRSP(loaded.Rsp)
		t.Regs.SetRBP(loaded.Rbp)
		t.Regs.SetRSI(loaded.Rsi)
		t.Regs.SetRDI(loaded.Rdi)
		t.Regs.SetR8(loaded.R8)
		t.Regs.SetR9(loaded.R9)
		t.Regs.SetR10(loaded.R10)
		t.Regs.SetR11(loaded.R11)
		t.Regs.SetR12(loaded.R12)
		t.Regs.SetR13(loaded.R13)
		t.Regs.SetR14(loaded.R14)
		t.Regs.SetR15(loaded.R15)
		t.Flags.Load(uint64(loaded.EFlags) | 2)

		if disposition == exception.ContinueExecution {
			t.Regs.SetRIP(loaded.Rip)
			return true
		}
	}
	return false
}

// callHandler drives e.Step in a nested loop simulating a call to handler
// with one argument (the ExceptionPointers* at argAddr), returning the
// handler's disposition (its EAX/RAX on return) once RIP reaches the
// synthetic return sentinel. 32-bit mode uses stdcall (push arg, push
// return sentinel); 64-bit mode uses Win64 (first arg in RCX, only the
// return sentinel pushed), matching Engine.liftGatewayArgs' ABI split.
func (p *Process) callHandler(t *thread.Context, e *engine.Engine, handler, argAddr uint64) (exception.Disposition, bool) {
	savedRIP := t.Regs.RIP()
	savedRSP := t.Regs.RSP()

	sp := t.Regs.RSP()
	if e.Mode == decode.Mode64 {
		sp -= 8
		if !p.Maps.Write64(sp, sentinelRIP) {
			t.Regs.SetRSP(savedRSP)
			return 0, false
		}
		t.Regs.SetRCX(argAddr)
	} else {
		sp -= 4
		if !p.Maps.Write32(sp, uint32(argAddr)) {
			t.Regs.SetRSP(savedRSP)
			return 0, false
		}
		sp -= 4
		if !p.Maps.Write32(sp, sentinelRIP) {
			t.Regs.SetRSP(savedRSP)
			return 0, false
		}
	}
	t.Regs.SetRSP(sp)
	t.Regs.SetRIP(handler)

	const maxSteps = 100000
	for i := 0; i < maxSteps; i++ {
		if t.Regs.RIP() == sentinelRIP {
			var disposition exception.Disposition
			if e.Mode == decode.Mode64 {
				disposition = exception.Disposition(int32(t.Regs.RAX()))
			} else {
				disposition = exception.Disposition(int32(t.Regs.EAX()))
			}
			t.Regs.SetRIP(savedRIP)
			// fireVEH32/64 overwrite RSP from the handler's (possibly
			// mutated) CONTEXT right after this returns, so no restore
			// is needed on the success path.
			return disposition, true
		}
		outcome, err := e.Step()
		if err != nil || outcome == engine.Raised {
			t.Regs.SetRIP(savedRIP)
			t.Regs.SetRSP(savedRSP)
			return 0, false
		}
	}
	t.Regs.SetRIP(savedRIP)
	t.Regs.SetRSP(savedRSP)
	return 0, false
}
