package gateway

import "testing"

type fakeStack struct {
	dwords map[uint64]uint32
	qwords map[uint64]uint64
}

func (s *fakeStack) Read32(addr uint64) (uint32, bool) { v, ok := s.dwords[addr]; return v, ok }
func (s *fakeStack) Read64(addr uint64) (uint64, bool) { v, ok := s.qwords[addr]; return v, ok }

func TestLiftArgsFromStack32ReadsAboveReturnAddress(t *testing.T) {
	mem := &fakeStack{dwords: map[uint64]uint32{
		0x1004: 0xAAAA,
		0x1008: 0xBBBB,
	}}
	args := LiftArgsFromStack32(mem, 0x1000, 2)
	if args.Arg(0) != 0xAAAA || args.Arg(1) != 0xBBBB {
		t.Fatalf("args = [%#x %#x], want [0xAAAA 0xBBBB]", args.Arg(0), args.Arg(1))
	}
}

func TestArgsFromWin64SpillsPastFourthRegister(t *testing.T) {
	mem := &fakeStack{qwords: map[uint64]uint64{0x1000 + 32 + 8: 0x5555}}
	args := ArgsFromWin64(1, 2, 3, 4, mem, 0x1000, 5)
	if args.Arg(0) != 1 || args.Arg(3) != 4 {
		t.Fatalf("register args wrong: %v", args.values)
	}
	if args.Arg(4) != 0x5555 {
		t.Fatalf("5th arg (stack-spilled) = %#x, want 0x5555", args.Arg(4))
	}
}

func TestArgsFromSysV64LiftsSixRegisters(t *testing.T) {
	args := ArgsFromSysV64(1, 2, 3, 4, 5, 6, &fakeStack{}, 0, 6)
	for i := 0; i < 6; i++ {
		if args.Arg(i) != uint64(i+1) {
			t.Fatalf("arg %d = %d, want %d", i, args.Arg(i), i+1)
		}
	}
}

func TestRegistryUnregisteredSymbolUsesDefaultReturn(t *testing.T) {
	r := NewRegistry(0xFFFFFFFF)
	res, unimplemented := r.Call("kernel32", "SomeUnknownAPI", Args{})
	if !unimplemented {
		t.Fatal("Call of an unregistered symbol must report unimplemented=true")
	}
	if res.ReturnValue != 0xFFFFFFFF {
		t.Fatalf("ReturnValue = %#x, want the configured default 0xFFFFFFFF", res.ReturnValue)
	}
}

func TestRegisterCoreStubsSleepBlocksWithWakeTick(t *testing.T) {
	r := NewRegistry(0)
	tick := uint64(1000)
	RegisterCoreStubs(r, func() uint64 { return tick }, func(first bool, handler uint64) {})

	res, unimplemented := r.Call("kernel32", "Sleep", Args{values: []uint64{50}})
	if unimplemented {
		t.Fatal("Sleep must be registered by RegisterCoreStubs")
	}
	if !res.Block || res.WakeTick != 1050 {
		t.Fatalf("Sleep(50) at tick 1000 = %+v, want Block=true WakeTick=1050", res)
	}
}

func TestRegisterCoreStubsSleepZeroDoesNotBlock(t *testing.T) {
	r := NewRegistry(0)
	RegisterCoreStubs(r, func() uint64 { return 0 }, func(first bool, handler uint64) {})
	res, _ := r.Call("kernel32", "Sleep", Args{values: []uint64{0}})
	if res.Block {
		t.Fatal("Sleep(0) must not block")
	}
}

func TestRegisterCoreStubsAddVectoredExceptionHandlerInvokesCallback(t *testing.T) {
	r := NewRegistry(0)
	var gotFirst bool
	var gotHandler uint64
	RegisterCoreStubs(r, func() uint64 { return 0 }, func(first bool, handler uint64) {
		gotFirst = first
		gotHandler = handler
	})

	res, _ := r.Call("kernel32", "AddVectoredExceptionHandler", Args{values: []uint64{1, 0x401000}})
	if !gotFirst || gotHandler != 0x401000 {
		t.Fatalf("veh callback got (first=%v, handler=%#x), want (true, 0x401000)", gotFirst, gotHandler)
	}
	if res.ReturnValue != 0x401000 {
		t.Fatalf("ReturnValue = %#x, want the handler address echoed back", res.ReturnValue)
	}
}

func TestLinuxDispatcherWriteReturnsFullCount(t *testing.T) {
	d := NewLinuxDispatcher()
	ret, errno, unimplemented := d.Dispatch(1, [6]uint64{1, 0x2000, 42, 0, 0, 0})
	if unimplemented {
		t.Fatal("write (syscall 1) must be registered")
	}
	if errno != 0 || ret != 42 {
		t.Fatalf("write = (%d, %d), want (42, 0)", ret, errno)
	}
}

func TestLinuxDispatcherUnknownSyscallReportsUnimplemented(t *testing.T) {
	d := NewLinuxDispatcher()
	_, _, unimplemented := d.Dispatch(9999, [6]uint64{})
	if !unimplemented {
		t.Fatal("an unregistered syscall number must report unimplemented=true")
	}
}
