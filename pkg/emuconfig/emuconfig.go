// Package emuconfig holds the plain, struct-literal configuration the
// rest of the module reads at construction time. There is no config file
// parser here: callers build a Config (or use Default) and pass it down,
// matching the teacher's preference for explicit construction over a
// global flag/env registry.
package emuconfig

// Config controls how the engine reacts to conditions a real CPU would
// turn into a fault or an undefined result, and a few cosmetic knobs
// (CPUID vendor string, AVX-512 exposure) that guest code can probe.
type Config struct {
	// FatalOnUnmappedAccess is not read by the engine or the process: an
	// access to an address with no backing region always raises a
	// page-fault exception record, whatever this field holds.
	FatalOnUnmappedAccess bool

	// FatalOnUnimplementedInstruction stops the engine (Step returns an
	// error) when an instruction fails to decode or the dispatch table has
	// no handler for a decoded mnemonic, instead of raising invalid-opcode
	// and continuing.
	FatalOnUnimplementedInstruction bool

	// FatalOnUnimplementedAPI stops the engine (Step returns an error)
	// when a CALL reaches an API Gateway thunk with no registered stub or
	// a SYSCALL number has no registered handler, instead of applying
	// DefaultReturn (RAX=0 for a SYSCALL). Neither case is logged.
	FatalOnUnimplementedAPI bool

	// VendorString is the 12-byte value CPUID leaf 0 reports in
	// EBX:EDX:ECX.
	VendorString string

	// EnableAVX512 sets the extra feature bit (ECX bit 16) that CPUID leaf
	// 1 reports. It has no effect on decoding.
	EnableAVX512 bool
}

// Default returns the permissive configuration used unless a caller opts
// into stricter behavior: unmapped accesses and unimplemented
// instructions/APIs are turned into recoverable conditions (an exception
// record or a default return value) rather than aborting the run. None of
// them is logged.
func Default() Config {
	return Config{
		FatalOnUnmappedAccess:           false,
		FatalOnUnimplementedInstruction: false,
		FatalOnUnimplementedAPI:         false,
		VendorString:                    "GenuineIntel",
		EnableAVX512:                    true,
	}
}
