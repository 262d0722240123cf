// Package logging builds the charmbracelet/log logger used as the slog
// backend. Level, prefix and destination come from the environment:
//
//	VMDISAS_LOG_LEVEL    debug, info, warn or error (default info)
//	VMDISAS_LOG_PREFIX   message prefix (default "vmdisas ")
//	VMDISAS_LOG_TO_FILE  "1" logs to vmdisas-<timestamp>-debug.log
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

const (
	EnvLevel  = "VMDISAS_LOG_LEVEL"
	EnvPrefix = "VMDISAS_LOG_PREFIX"
	EnvToFile = "VMDISAS_LOG_TO_FILE"
)

// LoggerCloser is a logger that may own its output file.
type LoggerCloser struct {
	*log.Logger
	closer io.Closer
}

func (lc *LoggerCloser) Close() error {
	if lc.closer != nil {
		return lc.closer.Close()
	}
	return nil
}

// ParseLevel maps a level name onto a log level. Unknown names are info.
func ParseLevel(name string) log.Level {
	switch name {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	}
	return log.InfoLevel
}

// NewLoggerWithWriter returns a logger writing to w. If w is an
// io.Closer, Close closes it.
func NewLoggerWithWriter(w io.Writer) *LoggerCloser {
	lg := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Level:           ParseLevel(os.Getenv(EnvLevel)),
	})

	prefix := os.Getenv(EnvPrefix)
	if prefix == "" {
		prefix = "vmdisas "
	}

	var closer io.Closer
	if c, ok := w.(io.Closer); ok && w != os.Stderr {
		closer = c
	}
	return &LoggerCloser{Logger: lg.WithPrefix(prefix), closer: closer}
}

// NewLogger returns a logger on stderr, or on a timestamped file when
// VMDISAS_LOG_TO_FILE is 1. It falls back to stderr if the file cannot
// be created.
func NewLogger() *LoggerCloser {
	output := io.Writer(os.Stderr)
	if os.Getenv(EnvToFile) == "1" {
		name := fmt.Sprintf("vmdisas-%s-debug.log", time.Now().Format("20060102-150405"))
		if f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644); err == nil {
			output = f
		}
	}
	return NewLoggerWithWriter(output)
}

func IsDebug() bool {
	return os.Getenv(EnvLevel) == "debug"
}
