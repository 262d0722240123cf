package log

import (
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	charmlog "github.com/charmbracelet/log"

	"vmdisas/internal/logging"
)

var (
	initOnce    sync.Once
	initialized atomic.Bool
	closer      io.Closer = nopCloser{}
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup installs the charmbracelet logger as the slog default. debug
// forces debug level regardless of VMDISAS_LOG_LEVEL. Only the first
// call has an effect; the returned closer releases the log file, if any.
func Setup(debug bool) io.Closer {
	initOnce.Do(func() {
		lg := logging.NewLogger()
		if debug {
			lg.SetLevel(charmlog.DebugLevel)
			lg.SetReportCaller(true)
		}
		slog.SetDefault(slog.New(lg.Logger))
		closer = lg
		initialized.Store(true)
	})
	return closer
}

func Initialized() bool {
	return initialized.Load()
}

// RecoverPanic logs a panic in the named goroutine and runs cleanup. It
// must be deferred.
func RecoverPanic(name string, cleanup func()) {
	if r := recover(); r != nil {
		if Initialized() {
			slog.Error(fmt.Sprintf("Panic in %s", name),
				"panic", r,
				"stack", string(debug.Stack()))
		}
		if cleanup != nil {
			cleanup()
		}
	}
}
