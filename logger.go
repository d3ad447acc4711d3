package rhi

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/rhi/driver"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

// openDevices tracks native devices that receive logger updates.
var (
	openMu      sync.Mutex
	openDevices = make(map[driver.Device]struct{})
)

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for rhi and the backends of all open
// devices. By default rhi produces no log output.
//
// SetLogger is safe for concurrent use. Pass nil to restore the default
// silent behavior.
//
// Log levels used by rhi:
//   - [slog.LevelDebug]: pool growth, payload reclamation counts
//   - [slog.LevelInfo]: device open and close
//   - [slog.LevelWarn]: non-fatal construction failures, misuse with validation off
//
// Example:
//
//	rhi.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	openMu.Lock()
	defer openMu.Unlock()
	for d := range openDevices {
		propagateLogger(d, l)
	}
}

// Logger returns the current logger used by rhi.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by backends that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

func propagateLogger(d driver.Device, l *slog.Logger) {
	if ls, ok := d.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}

func trackDevice(d driver.Device) {
	openMu.Lock()
	defer openMu.Unlock()
	openDevices[d] = struct{}{}
	propagateLogger(d, Logger())
}

func untrackDevice(d driver.Device) {
	openMu.Lock()
	defer openMu.Unlock()
	delete(openDevices, d)
}
