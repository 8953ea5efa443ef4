// Package telemetry provides the engine's structured diagnostic logging,
// a thin wrapper over zap's SugaredLogger. This is internal diagnostic
// output only (raised exceptions, unimplemented instructions/APIs,
// exception dispatch) — it is not the colored, CLI-facing presentation
// layer, which is out of scope here.
package telemetry

import "go.uber.org/zap"

// Logger wraps a zap.SugaredLogger with one helper per diagnostic event.
// pkg/process holds a Logger; no package in this module calls its helpers.
type Logger struct {
	sugar *zap.SugaredLogger
}

// New builds a production zap logger (JSON encoding, info level) wrapped
// as a Logger. Callers that want a no-op logger for tests should use
// NewNop instead.
func New() (*Logger, error) {
	base, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &Logger{sugar: base.Sugar()}, nil
}

// NewNop returns a Logger that discards everything, for tests that want
// to exercise code paths without asserting on log output.
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

// UnimplementedInstruction logs a decoded mnemonic the dispatch table has
// no handler for.
func (l *Logger) UnimplementedInstruction(rip uint64, mnemonic string) {
	l.sugar.Warnw("unimplemented instruction", "rip", rip, "mnemonic", mnemonic)
}

// UnimplementedAPI logs a gateway call with no registered stub.
func (l *Logger) UnimplementedAPI(module, symbol string) {
	l.sugar.Warnw("unimplemented API", "module", module, "symbol", symbol)
}

// UnmappedAccess logs a memory access that missed every mapped region.
func (l *Logger) UnmappedAccess(addr uint64, write bool, width int) {
	l.sugar.Warnw("unmapped memory access", "addr", addr, "write", write, "width", width)
}

// ExceptionDispatched logs an exception record as it enters SEH/VEH
// dispatch.
func (l *Logger) ExceptionDispatched(kind string, rip uint64) {
	l.sugar.Infow("exception dispatched", "kind", kind, "rip", rip)
}

// Fatalf logs at fatal level and terminates the process.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.sugar.Fatalf(format, args...)
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.sugar.Sync() }
