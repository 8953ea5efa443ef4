package maps

import "testing"

// TestReadWriteRoundTrip verifies the memory round-trip invariant at the
// 8-, 32- and 64-bit widths: for a mapped writable address,
// write_w(a, v); read_w(a) must yield v back.
func TestReadWriteRoundTrip(t *testing.T) {
	m := New()
	if err := m.CreateMap("code", 0x1000, 0x1000, Read|Write); err != nil {
		t.Fatalf("CreateMap: %v", err)
	}

	if !m.Write8(0x1000, 0x7b) {
		t.Fatal("Write8 failed")
	}
	if v, ok := m.Read8(0x1000); !ok || v != 0x7b {
		t.Fatalf("Read8 = %#x, %v; want 0x7b, true", v, ok)
	}

	if !m.Write32(0x1010, 0xdeadbeef) {
		t.Fatal("Write32 failed")
	}
	if v, ok := m.Read32(0x1010); !ok || v != 0xdeadbeef {
		t.Fatalf("Read32 = %#x, %v; want 0xdeadbeef, true", v, ok)
	}

	if !m.Write64(0x1020, 0x0102030405060708) {
		t.Fatal("Write64 failed")
	}
	if v, ok := m.Read64(0x1020); !ok || v != 0x0102030405060708 {
		t.Fatalf("Read64 = %#x, %v; want 0x0102030405060708, true", v, ok)
	}
}

func TestReadUnmappedFails(t *testing.T) {
	m := New()
	if _, ok := m.Read32(0x5000); ok {
		t.Fatal("Read32 on unmapped address should fail")
	}
}

func TestWriteToReadOnlyFails(t *testing.T) {
	m := New()
	if err := m.CreateMap("rodata", 0x2000, 0x1000, Read); err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	if m.Write32(0x2000, 1) {
		t.Fatal("Write32 to a READ-only region should fail")
	}
}

func TestFetchExecRequiresExecPermission(t *testing.T) {
	m := New()
	if err := m.CreateMap("data", 0x3000, 0x1000, Read|Write); err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	if _, ok := m.FetchExec(0x3000, 4); ok {
		t.Fatal("FetchExec on a non-EXECUTE region should fail")
	}

	if err := m.CreateMap("code", 0x4000, 0x1000, Read|Exec); err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	m.Write8(0x4000, 0x90) // direct-ish bytes would need Write perm; skip
	if _, ok := m.FetchExec(0x4000, 4); !ok {
		t.Fatal("FetchExec on an EXECUTE region should succeed")
	}
}

func TestCreateMapRejectsOverlapAndDuplicateNames(t *testing.T) {
	m := New()
	if err := m.CreateMap("a", 0x1000, 0x1000, Read|Write); err != nil {
		t.Fatalf("CreateMap a: %v", err)
	}
	if err := m.CreateMap("a", 0x8000, 0x1000, Read); err == nil {
		t.Fatal("expected duplicate-name error")
	}
	if err := m.CreateMap("b", 0x1800, 0x1000, Read); err == nil {
		t.Fatal("expected overlap error")
	}
}

func TestAllocFindsGapAboveHeapBase(t *testing.T) {
	m := New()
	a1, err := m.Alloc(0x100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a1 < DefaultHeapBase {
		t.Fatalf("Alloc returned %#x below heap base %#x", a1, DefaultHeapBase)
	}
	a2, err := m.Alloc(0x100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a2 < a1+0x100 {
		t.Fatalf("second Alloc at %#x overlaps first allocation ending at %#x", a2, a1+0x100)
	}
}

func TestStringRoundTrip(t *testing.T) {
	m := New()
	if err := m.CreateMap("data", 0x1000, 0x1000, Read|Write); err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	if !m.WriteString(0x1000, "hello") {
		t.Fatal("WriteString failed")
	}
	s, ok := m.ReadString(0x1000)
	if !ok || s != "hello" {
		t.Fatalf("ReadString = %q, %v; want hello, true", s, ok)
	}

	if !m.WriteWideString(0x1100, "hi") {
		t.Fatal("WriteWideString failed")
	}
	ws, ok := m.ReadWideString(0x1100)
	if !ok || ws != "hi" {
		t.Fatalf("ReadWideString = %q, %v; want hi, true", ws, ok)
	}
}

func TestMemsetMemcpy(t *testing.T) {
	m := New()
	if err := m.CreateMap("data", 0x1000, 0x2000, Read|Write); err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	if !m.Memset(0x1000, 0xAA, 16) {
		t.Fatal("Memset failed")
	}
	if !m.Memcpy(0x1800, 0x1000, 16) {
		t.Fatal("Memcpy failed")
	}
	for i := uint64(0); i < 16; i++ {
		v, ok := m.Read8(0x1800 + i)
		if !ok || v != 0xAA {
			t.Fatalf("byte %d = %#x, %v; want 0xAA, true", i, v, ok)
		}
	}
}

func TestGetRegionForAddr(t *testing.T) {
	m := New()
	if err := m.CreateMap("code", 0x1000, 0x1000, Read|Exec); err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	name, base, perm, ok := m.GetRegionForAddr(0x1500)
	if !ok || name != "code" || base != 0x1000 || perm&Exec == 0 {
		t.Fatalf("GetRegionForAddr = %q %#x %v %v", name, base, perm, ok)
	}
	if _, _, _, ok := m.GetRegionForAddr(0x9000); ok {
		t.Fatal("GetRegionForAddr on unmapped address should fail")
	}
}
