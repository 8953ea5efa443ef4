package thread

import "testing"

func TestCallStackPushPopOrdering(t *testing.T) {
	c := New(1)
	c.PushFrame(0x1000, 0x2000)
	c.PushFrame(0x1010, 0x2010)

	frame, ok := c.PopFrame()
	if !ok || frame.ReturnAddress != 0x1010 || frame.FrameBase != 0x2010 {
		t.Fatalf("PopFrame = %+v, ok=%v, want the most recently pushed frame", frame, ok)
	}
	if c.Depth() != 1 {
		t.Fatalf("Depth() = %d, want 1", c.Depth())
	}

	frame, ok = c.PopFrame()
	if !ok || frame.ReturnAddress != 0x1000 {
		t.Fatalf("PopFrame = %+v, ok=%v, want the first pushed frame", frame, ok)
	}
	if _, ok := c.PopFrame(); ok {
		t.Fatal("PopFrame on an empty call stack must report ok=false")
	}
}

func TestBlockAndWake(t *testing.T) {
	c := New(1)
	c.Block(42)
	if c.Runnable {
		t.Fatal("Block must clear Runnable")
	}
	if !c.HasBlocker || c.BlockedOn != 42 {
		t.Fatalf("BlockedOn = %d, HasBlocker = %v, want (42, true)", c.BlockedOn, c.HasBlocker)
	}
	c.Wake()
	if !c.Runnable || c.HasBlocker {
		t.Fatal("Wake must set Runnable and clear HasBlocker")
	}
}

func TestTLSGrowsOnDemand(t *testing.T) {
	c := New(1)
	c.TLSSet(200, 0xABCD)
	if got := c.TLSGet(200); got != 0xABCD {
		t.Fatalf("TLSGet(200) = %#x, want 0xABCD", got)
	}
	if got := c.TLSGet(5); got != 0 {
		t.Fatalf("TLSGet(5) (unset) = %#x, want 0", got)
	}
}

func TestFSSegmentRoundTrip(t *testing.T) {
	c := New(1)
	c.SetFSSegment(0, 0xFFFFFFFF)
	v, ok := c.GetFSSegment(0)
	if !ok || v != 0xFFFFFFFF {
		t.Fatalf("GetFSSegment(0) = (%#x, %v), want (0xFFFFFFFF, true)", v, ok)
	}
	if _, ok := c.GetFSSegment(0x18); ok {
		t.Fatal("GetFSSegment of an untouched offset must report ok=false")
	}
}

func TestRegsFlagsFPUVecAreIndependentPerThread(t *testing.T) {
	a := New(1)
	b := New(2)
	a.Regs.SetRAX(0x1111)
	if b.Regs.RAX() != 0 {
		t.Fatal("thread contexts must not share register state")
	}
	if a.Flags == b.Flags || a.FPU == b.FPU || a.Vec == b.Vec {
		t.Fatal("thread contexts must not share flags, FPU or vector state")
	}
}
