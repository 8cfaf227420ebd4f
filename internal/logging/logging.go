// Package logging builds the process logger: slog call sites everywhere,
// backed by a zap core for encoding and level filtering.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// Options selects the level and encoding of the logger.
type Options struct {
	// Level is debug, info, warn or error. Unknown values mean info.
	Level string
	// Format is "json" or "text". Text uses zap's console encoder.
	Format string
	// Development forces the console encoder.
	Development bool
}

// New returns a slog.Logger writing to stderr and a sync func to flush
// buffered entries before exit.
func New(opts Options) (*slog.Logger, func() error) {
	return NewWithSink(opts, zapcore.Lock(os.Stderr))
}

// NewWithSink is New with an explicit destination.
func NewWithSink(opts Options, sink zapcore.WriteSyncer) (*slog.Logger, func() error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	var enc zapcore.Encoder
	if opts.Format == "text" || opts.Development {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(parseLevel(opts.Level)))
	handler := zapslog.NewHandler(core, zapslog.WithCaller(opts.Development))
	return slog.New(handler), core.Sync
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// ParseLevel validates a LOG_LEVEL value.
func ParseLevel(s string) error {
	switch strings.ToLower(s) {
	case "debug", "info", "warn", "error", "":
		return nil
	}
	return fmt.Errorf("unknown log level %q", s)
}
