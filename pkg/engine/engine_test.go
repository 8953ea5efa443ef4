package engine

import (
	"testing"

	"github.com/otterlabs/mwemu-go/pkg/decode"
	"github.com/otterlabs/mwemu-go/pkg/emuconfig"
	"github.com/otterlabs/mwemu-go/pkg/gateway"
	"github.com/otterlabs/mwemu-go/pkg/maps"
	"github.com/otterlabs/mwemu-go/pkg/thread"
)

func newTestEngine(t *testing.T) (*Engine, *maps.Maps) {
	t.Helper()
	m := maps.New()
	if err := m.CreateMap("code", 0x00401000, 0x1000, maps.Read|maps.Write|maps.Exec); err != nil {
		t.Fatalf("CreateMap(code): %v", err)
	}
	if err := m.CreateMap("stack", 0x0018F000, 0x1000, maps.Read|maps.Write); err != nil {
		t.Fatalf("CreateMap(stack): %v", err)
	}
	th := thread.New(1)
	th.Regs.SetRSP(0x0018FF00)
	th.Regs.SetRBP(0x0018FF00)
	gw := gateway.NewRegistry(0)
	e := New(m, th, gw, emuconfig.Default(), decode.Mode32)
	return e, m
}

// TestScenario1CallRet32ComputesExpectedEAX mirrors spec scenario 1: push
// ebp; mov ebp,esp; sub esp,0x50; mov eax,0x1337; xor eax,0x7B; leave; ret
// must leave EAX == 0x134C.
func TestScenario1CallRet32ComputesExpectedEAX(t *testing.T) {
	e, m := newTestEngine(t)

	code := []byte{
		0x55,                   // push ebp
		0x89, 0xE5,             // mov ebp, esp
		0x83, 0xEC, 0x50,       // sub esp, 0x50
		0xB8, 0x37, 0x13, 0x00, 0x00, // mov eax, 0x1337
		0x83, 0xF0, 0x7B,       // xor eax, 0x7B
		0xC9,                   // leave
		0xC3,                   // ret
	}
	if !m.WriteBits(0x00401000, code) {
		t.Fatalf("failed to write code bytes")
	}

	// Set up a return address on the stack so RET has somewhere to go.
	const retTo = 0x00999999
	e.Thread.Regs.SetRSP(e.Thread.Regs.RSP() - 4)
	if !m.Write32(e.Thread.Regs.RSP(), retTo) {
		t.Fatalf("failed to seed return address")
	}
	e.Thread.Regs.SetRIP(0x00401000)

	for i := 0; i < 16; i++ {
		if e.Thread.Regs.RIP() == retTo {
			break
		}
		outcome, err := e.Step()
		if err != nil {
			t.Fatalf("Step() error at iteration %d: %v", i, err)
		}
		if outcome == Raised {
			t.Fatalf("Step() raised at iteration %d, RIP=%#x, pending=%v", i, e.Thread.Regs.RIP(), e.Pending)
		}
	}

	if e.Thread.Regs.RIP() != retTo {
		t.Fatalf("RIP = %#x after running the sequence, want return address %#x", e.Thread.Regs.RIP(), uint64(retTo))
	}
	if got := e.Thread.Regs.EAX(); got != 0x134C {
		t.Fatalf("EAX = %#x, want 0x134C", got)
	}
}

func TestCPUIDLeafZeroReportsConfiguredVendorString(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Thread.Regs.SetEAX(0)
	d := decode.Decoded{Mnemonic: "CPUID"}
	if outcome := e.dispatch["CPUID"](e, d, 0); outcome != Committed {
		t.Fatalf("CPUID outcome = %v, want Committed", outcome)
	}
	if e.Thread.Regs.EAX() == 0 {
		t.Fatal("CPUID leaf 0 must report a nonzero max-leaf value")
	}
}

func TestCPUIDLeafOneReportsSSEAndAVX2Features(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Thread.Regs.SetEAX(1)
	d := decode.Decoded{Mnemonic: "CPUID"}
	e.dispatch["CPUID"](e, d, 0)
	if e.Thread.Regs.ECX()&(1<<28) == 0 {
		t.Fatal("CPUID leaf 1 ECX must report AVX2 (bit 28 convention used here)")
	}
	if e.Thread.Regs.EDX()&(1<<25) == 0 {
		t.Fatal("CPUID leaf 1 EDX must report SSE (bit 25)")
	}
}

// TestMulOverflowsIntoEDX runs `mov eax,0xFFFFFFFF; mov ecx,2; mul ecx`
// and checks the full EDX:EAX product along with CF/OF, exercising MUL
// through the real dispatch table rather than calling pkg/regs.Flags.Mul
// directly.
func TestMulOverflowsIntoEDX(t *testing.T) {
	e, m := newTestEngine(t)
	code := []byte{
		0xB8, 0xFF, 0xFF, 0xFF, 0xFF, // mov eax, 0xFFFFFFFF
		0xB9, 0x02, 0x00, 0x00, 0x00, // mov ecx, 2
		0xF7, 0xE1, // mul ecx
	}
	if !m.WriteBits(0x00401000, code) {
		t.Fatalf("failed to write code bytes")
	}
	e.Thread.Regs.SetRIP(0x00401000)

	for i := 0; i < 3; i++ {
		if outcome, err := e.Step(); err != nil || outcome == Raised {
			t.Fatalf("Step() %d: outcome=%v err=%v", i, outcome, err)
		}
	}

	if e.Thread.Regs.EAX() != 0xFFFFFFFE || e.Thread.Regs.EDX() != 1 {
		t.Fatalf("EDX:EAX = %#x:%#x, want 1:0xFFFFFFFE", e.Thread.Regs.EDX(), e.Thread.Regs.EAX())
	}
	if !e.Thread.Flags.CF() || !e.Thread.Flags.OF() {
		t.Fatal("CF and OF must be set when MUL's product overflows 32 bits")
	}
}

// TestImulThreeOperandFormSignExtends runs `mov ecx,5; imul eax,ecx,-2`
// (the 3-operand r32,r/m32,imm32 form) and checks the signed result with
// no overflow.
func TestImulThreeOperandFormSignExtends(t *testing.T) {
	e, m := newTestEngine(t)
	code := []byte{
		0xB9, 0x05, 0x00, 0x00, 0x00, // mov ecx, 5
		0x69, 0xC1, 0xFE, 0xFF, 0xFF, 0xFF, // imul eax, ecx, -2
	}
	if !m.WriteBits(0x00401000, code) {
		t.Fatalf("failed to write code bytes")
	}
	e.Thread.Regs.SetRIP(0x00401000)

	for i := 0; i < 2; i++ {
		if outcome, err := e.Step(); err != nil || outcome == Raised {
			t.Fatalf("Step() %d: outcome=%v err=%v", i, outcome, err)
		}
	}

	if got := int32(e.Thread.Regs.EAX()); got != -10 {
		t.Fatalf("EAX = %d, want -10 (5 * -2)", got)
	}
	if e.Thread.Flags.CF() || e.Thread.Flags.OF() {
		t.Fatal("CF and OF must be clear when IMUL's signed product fits the destination width")
	}
}

func TestRDTSCSplitsTicksAcrossEDXEAX(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Ticks = 0x100000001
	d := decode.Decoded{Mnemonic: "RDTSC"}
	e.dispatch["RDTSC"](e, d, 0)
	if e.Thread.Regs.EAX() != 1 || e.Thread.Regs.EDX() != 1 {
		t.Fatalf("RDTSC = EDX:EAX %#x:%#x, want 1:1", e.Thread.Regs.EDX(), e.Thread.Regs.EAX())
	}
}

func TestRDMSRKnownMSRSucceedsUnknownRaisesUD(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Thread.Regs.SetECX(0x176)
	d := decode.Decoded{Mnemonic: "RDMSR"}
	if outcome := e.dispatch["RDMSR"](e, d, 0); outcome != Committed {
		t.Fatalf("RDMSR(0x176) outcome = %v, want Committed", outcome)
	}

	e.Thread.Regs.SetECX(0xDEAD)
	if outcome := e.dispatch["RDMSR"](e, d, 0); outcome != Raised {
		t.Fatalf("RDMSR(0xDEAD) outcome = %v, want Raised (UD)", outcome)
	}
}

func TestXGETBVReportsFixedMasks(t *testing.T) {
	e, _ := newTestEngine(t)
	d := decode.Decoded{Mnemonic: "XGETBV"}

	e.Thread.Regs.SetECX(0)
	e.dispatch["XGETBV"](e, d, 0)
	if e.Thread.Regs.EAX() != 0x1F {
		t.Fatalf("XGETBV(ecx=0) EAX = %#x, want 0x1F", e.Thread.Regs.EAX())
	}

	e.Thread.Regs.SetECX(1)
	e.dispatch["XGETBV"](e, d, 0)
	if e.Thread.Regs.EAX() != 7 {
		t.Fatalf("XGETBV(ecx=1) EAX = %#x, want 7", e.Thread.Regs.EAX())
	}
}
