package process

import (
	"testing"

	"github.com/otterlabs/mwemu-go/pkg/decode"
	"github.com/otterlabs/mwemu-go/pkg/emuconfig"
	"github.com/otterlabs/mwemu-go/pkg/gateway"
	"github.com/otterlabs/mwemu-go/pkg/maps"
)

// TestVEHHandlerFiresAndMutatesContextsEax mirrors spec scenario 4:
// AddVectoredExceptionHandler(1, H) installs H as the first handler; H
// reads the ExceptionPointers argument, writes 0x1234 into
// ctx->Eax, and returns EXCEPTION_CONTINUE_EXECUTION (-1). Firing int3
// must leave the thread's EAX == 0x1234 once the dispatcher resumes it.
func TestVEHHandlerFiresAndMutatesContextsEax(t *testing.T) {
	p := New(emuconfig.Default(), decode.Mode32, nil)

	// The handler (stdcall, one arg: PEXCEPTION_POINTERS at [esp+4]):
	//   mov eax, [esp+4]               ; eax = &ExceptionPointers
	//   mov eax, [eax+4]                ; eax = ContextRecordAddr
	//   mov dword [eax+0xB0], 0x1234    ; ctx->Eax = 0x1234 (offset 176)
	//   mov eax, 0xFFFFFFFF              ; EXCEPTION_CONTINUE_EXECUTION
	//   ret 4
	handler := []byte{
		0x8B, 0x44, 0x24, 0x04,
		0x8B, 0x40, 0x04,
		0xC7, 0x80, 0xB0, 0x00, 0x00, 0x00, 0x34, 0x12, 0x00, 0x00,
		0xB8, 0xFF, 0xFF, 0xFF, 0xFF,
		0xC2, 0x04, 0x00,
	}
	const handlerAddr = 0x00410000
	if err := p.LoadImage("veh-handler", handlerAddr, handler, maps.Read|maps.Exec); err != nil {
		t.Fatalf("LoadImage(handler): %v", err)
	}

	// Main code: int3.
	const codeAddr = 0x00401000
	if err := p.LoadImage("code", codeAddr, []byte{0xCC}, maps.Read|maps.Exec); err != nil {
		t.Fatalf("LoadImage(code): %v", err)
	}

	const stackTop = 0x0018FF00
	if err := p.Maps.CreateMap("stack", 0x0018E000, 0x2000, maps.Read|maps.Write); err != nil {
		t.Fatalf("CreateMap(stack): %v", err)
	}

	th := p.AddThread(1, codeAddr, stackTop)

	// Equivalent to the guest calling
	// AddVectoredExceptionHandler(1, handlerAddr) through the gateway.
	p.VEH.Add(true, handlerAddr)

	if err := p.Run(10); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := th.Regs.EAX(); got != 0x1234 {
		t.Fatalf("EAX after VEH dispatch = %#x, want 0x1234", got)
	}
}

// TestVEH64HandlerFiresAndMutatesContextsRax mirrors spec scenario 4
// literally: a 64-bit program calls AddVectoredExceptionHandler(1, H); H
// reads the ExceptionPointers argument passed in RCX (Win64, not the
// stack), writes 0x1234 into ctx->Rax, and returns
// EXCEPTION_CONTINUE_EXECUTION (-1). Firing int3 must leave the thread's
// RAX == 0x1234 once the dispatcher resumes it.
func TestVEH64HandlerFiresAndMutatesContextsRax(t *testing.T) {
	p := New(emuconfig.Default(), decode.Mode64, nil)

	// The handler (Win64, one arg: PEXCEPTION_POINTERS in RCX):
	//   mov rax, [rcx+8]                    ; rax = ContextRecordAddr
	//   mov qword [rax+0x78], 0x1234         ; ctx->Rax = 0x1234 (offset 0x78)
	//   mov rax, 0xFFFFFFFFFFFFFFFF          ; EXCEPTION_CONTINUE_EXECUTION
	//   ret
	handler := []byte{
		0x48, 0x8B, 0x41, 0x08,
		0x48, 0xC7, 0x40, 0x78, 0x34, 0x12, 0x00, 0x00,
		0x48, 0xB8, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
		0xC3,
	}
	const handlerAddr = 0x0000000140010000
	if err := p.LoadImage("veh-handler", handlerAddr, handler, maps.Read|maps.Exec); err != nil {
		t.Fatalf("LoadImage(handler): %v", err)
	}

	const codeAddr = 0x0000000140001000
	if err := p.LoadImage("code", codeAddr, []byte{0xCC}, maps.Read|maps.Exec); err != nil {
		t.Fatalf("LoadImage(code): %v", err)
	}

	const stackTop = 0x000000001FFFF000
	if err := p.Maps.CreateMap("stack", 0x000000001FFF0000, 0x10000, maps.Read|maps.Write); err != nil {
		t.Fatalf("CreateMap(stack): %v", err)
	}

	th := p.AddThread(1, codeAddr, stackTop)

	// Equivalent to the guest calling
	// AddVectoredExceptionHandler(1, handlerAddr) through the gateway.
	p.VEH.Add(true, handlerAddr)

	if err := p.Run(10); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := th.Regs.RAX(); got != 0x1234 {
		t.Fatalf("RAX after VEH dispatch = %#x, want 0x1234", got)
	}
}

// TestLinuxSyscallLoopReachesR12_549 mirrors spec scenario 3: a x64 Linux
// program loops, counting up in R12 via a real SYSCALL each iteration
// (getpid, syscall 39), until R12 == 549, then spins in place. No ELF
// fixture exists anywhere in the retrieval corpus and test-binary fixtures
// are explicitly out of scope (spec.md's Non-goals), so this hand-encodes
// the equivalent x64 machine code directly rather than parsing a binary:
//
//	xor r12d, r12d
//	loop_top:
//	  cmp r12, 0x225        ; 0x225 == 549
//	  jge spin
//	  inc r12
//	  mov eax, 39           ; getpid
//	  syscall
//	  jmp loop_top
//	spin:
//	  jmp spin
//
// Running exactly 80000 instructions must leave R12 == 549, per the
// invariant's literal wording ("Run 80,000 instructions ... at stop,
// R12 == 549") — the loop converges on R12==549 well before instruction
// 80000 and then holds there, so the assertion does not depend on 80000
// being an exact multiple of the loop body's instruction count.
func TestLinuxSyscallLoopReachesR12_549(t *testing.T) {
	p := New(emuconfig.Default(), decode.Mode64, nil)
	p.Linux = gateway.NewLinuxDispatcher()

	code := []byte{
		0x45, 0x31, 0xE4, // xor r12d, r12d
		0x49, 0x81, 0xFC, 0x25, 0x02, 0x00, 0x00, // cmp r12, 0x225
		0x7D, 0x0C, // jge spin
		0x49, 0xFF, 0xC4, // inc r12
		0xB8, 0x27, 0x00, 0x00, 0x00, // mov eax, 39
		0x0F, 0x05, // syscall
		0xEB, 0xEB, // jmp loop_top
		0xEB, 0xFE, // spin: jmp spin
	}
	const codeAddr = 0x0000000140001000
	if err := p.LoadImage("code", codeAddr, code, maps.Read|maps.Exec); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}

	const stackTop = 0x000000001FFFF000
	if err := p.Maps.CreateMap("stack", 0x000000001FFF0000, 0x10000, maps.Read|maps.Write); err != nil {
		t.Fatalf("CreateMap(stack): %v", err)
	}

	th := p.AddThread(1, codeAddr, stackTop)

	if err := p.Run(80000); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := th.Regs.R12(); got != 549 {
		t.Fatalf("R12 after 80000 instructions = %d, want 549", got)
	}
}

// TestLoadImageAndAddThreadWireRegisterState confirms AddThread seeds RIP
// and the stack pointer the way a loader's entrypoint contract expects.
func TestLoadImageAndAddThreadWireRegisterState(t *testing.T) {
	p := New(emuconfig.Default(), decode.Mode32, nil)
	if err := p.LoadImage("code", 0x00401000, []byte{0x90}, maps.Read|maps.Exec); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	th := p.AddThread(7, 0x00401000, 0x00200000)
	if th.Regs.RIP() != 0x00401000 {
		t.Fatalf("RIP = %#x, want entrypoint", th.Regs.RIP())
	}
	if th.Regs.RSP() != 0x00200000 {
		t.Fatalf("RSP = %#x, want stack top", th.Regs.RSP())
	}
	if _, ok := p.Thread(7); !ok {
		t.Fatal("Thread(7) must find the thread just added")
	}
}
