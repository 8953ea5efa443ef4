// Package thread bundles everything that is per-execution-context rather
// than per-process: the register file, flags, FPU, and SIMD bank from
// pkg/regs/pkg/fpu/pkg/simd, the call stack, and the thread-local/
// fiber-local storage slots the API Gateway's TlsAlloc/FlsAlloc family
// addresses.
package thread

import (
	"github.com/otterlabs/mwemu-go/pkg/fpu"
	"github.com/otterlabs/mwemu-go/pkg/regs"
	"github.com/otterlabs/mwemu-go/pkg/simd"
)

// Frame is one entry of the call stack: the address execution will resume
// at on return, and the frame-base (RBP/stack-canary anchor) active at
// the time of the call. The engine's CALL, RET and API Gateway return
// work on the guest stack and do not push or pop Frames.
type Frame struct {
	ReturnAddress uint64
	FrameBase     uint64
}

// SegmentDescriptor is a minimal FS/GS segment override: an offset within
// the segment and the value last written there, keyed by offset so a
// thread's TEB/FS:[0] chain can be modeled without a full segment table.
type SegmentDescriptor struct {
	Offset uint64
	Value  uint64
}

// Context is one thread's complete execution state.
type Context struct {
	ID uint64

	Regs  *regs.File
	Flags *regs.Flags
	FPU   *fpu.Unit
	Vec   *simd.Bank

	CallStack []Frame

	TLS []uint64
	FLS []uint64

	FSSegment map[uint64]uint64

	WakeTick   uint64
	Runnable   bool
	BlockedOn  uint64
	HasBlocker bool
}

// New returns a freshly reset thread context with the given id.
func New(id uint64) *Context {
	c := &Context{
		ID:        id,
		Regs:      regs.NewFile(),
		Flags:     regs.NewFlags(),
		FPU:       fpu.New(),
		Vec:       simd.New(),
		TLS:       make([]uint64, 64),
		FLS:       make([]uint64, 64),
		FSSegment: make(map[uint64]uint64),
		Runnable:  true,
	}
	return c
}

// PushFrame records a call's return address and frame base.
func (c *Context) PushFrame(returnAddress, frameBase uint64) {
	c.CallStack = append(c.CallStack, Frame{ReturnAddress: returnAddress, FrameBase: frameBase})
}

// PopFrame removes and returns the most recent call frame, reporting
// whether the call stack was non-empty.
func (c *Context) PopFrame() (Frame, bool) {
	if len(c.CallStack) == 0 {
		return Frame{}, false
	}
	last := c.CallStack[len(c.CallStack)-1]
	c.CallStack = c.CallStack[:len(c.CallStack)-1]
	return last, true
}

// Depth returns the current call-stack depth.
func (c *Context) Depth() int { return len(c.CallStack) }

// Block marks the thread non-runnable pending the given handle (e.g. a
// critical section or a WaitForSingleObject target).
func (c *Context) Block(handle uint64) {
	c.Runnable = false
	c.BlockedOn = handle
	c.HasBlocker = true
}

// Wake marks the thread runnable and clears any blocking handle.
func (c *Context) Wake() {
	c.Runnable = true
	c.HasBlocker = false
	c.BlockedOn = 0
}

// SleepUntil marks the thread non-runnable until the scheduler's tick
// counter reaches tick, used by Sleep()-family API stubs.
func (c *Context) SleepUntil(tick uint64) {
	c.Runnable = false
	c.WakeTick = tick
	c.HasBlocker = false
}

// TLSGet/TLSSet implement TlsGetValue/TlsSetValue against a flat slot
// array, growing it on demand so a guest that allocates a high slot index
// doesn't need the host to pre-size the array.
func (c *Context) TLSGet(slot int) uint64 {
	if slot < 0 || slot >= len(c.TLS) {
		return 0
	}
	return c.TLS[slot]
}

func (c *Context) TLSSet(slot int, v uint64) {
	c.growTLS(slot)
	c.TLS[slot] = v
}

func (c *Context) growTLS(slot int) {
	if slot < len(c.TLS) {
		return
	}
	grown := make([]uint64, slot+1)
	copy(grown, c.TLS)
	c.TLS = grown
}

// FLSGet/FLSSet mirror TLSGet/TLSSet for fiber-local storage.
func (c *Context) FLSGet(slot int) uint64 {
	if slot < 0 || slot >= len(c.FLS) {
		return 0
	}
	return c.FLS[slot]
}

func (c *Context) FLSSet(slot int, v uint64) {
	if slot >= len(c.FLS) {
		grown := make([]uint64, slot+1)
		copy(grown, c.FLS)
		c.FLS = grown
	}
	c.FLS[slot] = v
}

// SetFSSegment records a write to an FS-relative offset (e.g. FS:[0], the
// SEH chain head, or FS:[0x18], the TEB self-pointer on Win32).
func (c *Context) SetFSSegment(offset, value uint64) { c.FSSegment[offset] = value }

// GetFSSegment reads back a previously written FS-relative offset.
func (c *Context) GetFSSegment(offset uint64) (uint64, bool) {
	v, ok := c.FSSegment[offset]
	return v, ok
}
