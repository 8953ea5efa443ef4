package gateway

// LinuxSyscall is one entry in the minimal Linux x86-64 syscall table:
// number -> name -> body, keyed the way the kernel's own syscall table is,
// so registering a handler reads as "implement syscall N" rather than
// "implement some arbitrary gateway symbol".
type LinuxSyscall func(args [6]uint64) (ret uint64, errno int64)

// LinuxDispatcher maps the x86-64 syscall numbers used by the msyscall
// convention (RAX = number, args in RDI, RSI, RDX, R10, R8, R9) to
// handlers.
type LinuxDispatcher struct {
	table map[uint64]LinuxSyscall
	names map[uint64]string
}

// NewLinuxDispatcher returns a dispatcher with the handful of syscalls a
// minimal static ELF's startup path typically needs already wired:
// write, exit, exit_group, brk, arch_prctl, mmap and getpid. Each returns
// a fixed or echoed value with no side effect, since this emulator's
// memory model (pkg/maps) already owns address space layout.
func NewLinuxDispatcher() *LinuxDispatcher {
	d := &LinuxDispatcher{table: make(map[uint64]LinuxSyscall), names: make(map[uint64]string)}

	d.Register(1, "write", func(args [6]uint64) (uint64, int64) {
		// fd, buf, count: this emulator doesn't perform real host I/O for
		// guest writes; it reports the full count written, matching a
		// sandboxed run where stdout is discarded but the guest must see
		// success to keep making forward progress.
		count := args[2]
		return count, 0
	})
	d.Register(60, "exit", func(args [6]uint64) (uint64, int64) { return args[0], 0 })
	d.Register(231, "exit_group", func(args [6]uint64) (uint64, int64) { return args[0], 0 })
	d.Register(12, "brk", func(args [6]uint64) (uint64, int64) { return args[0], 0 })
	d.Register(158, "arch_prctl", func(args [6]uint64) (uint64, int64) { return 0, 0 })
	d.Register(9, "mmap", func(args [6]uint64) (uint64, int64) { return args[0], 0 })
	d.Register(39, "getpid", func(args [6]uint64) (uint64, int64) { return 1, 0 })

	return d
}

// Register installs (or overwrites) the handler for syscall number n.
func (d *LinuxDispatcher) Register(n uint64, name string, s LinuxSyscall) {
	d.table[n] = s
	d.names[n] = name
}

// Name returns the registered mnemonic for syscall number n, or "" if unknown.
func (d *LinuxDispatcher) Name(n uint64) string { return d.names[n] }

// Dispatch invokes the handler for syscall number n (RAX at the syscall
// instruction), reporting unimplemented=true (and a zero result) if none
// is registered — the caller is responsible for turning that into the
// configured default-return-and-continue or stop behavior.
func (d *LinuxDispatcher) Dispatch(n uint64, args [6]uint64) (ret uint64, errno int64, unimplemented bool) {
	s, ok := d.table[n]
	if !ok {
		return 0, 0, true
	}
	ret, errno = s(args)
	return ret, errno, false
}
