package logging

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

type Options struct {
	Level  int    `json:"level,omitempty"`
	Format string `json:"format,omitempty"`
	// File, when set, receives json logs rotated by size.
	File       string `json:"file,omitempty"`
	MaxSizeMB  int    `json:"maxSizeMB,omitempty"`
	MaxBackups int    `json:"maxBackups,omitempty"`
}

func NewDefaultOptions() *Options {
	return &Options{
		Level:      0,
		Format:     FormatText,
		MaxSizeMB:  100,
		MaxBackups: 3,
	}
}

// NewLogger builds the process logger. Verbosity follows logr: V(1) and above are debug.
func NewLogger(opts *Options) (logr.Logger, error) {
	if opts == nil {
		opts = NewDefaultOptions()
	}
	switch opts.Format {
	case "", FormatText:
		stdr.SetVerbosity(opts.Level)
		return stdr.NewWithOptions(log.New(os.Stderr, "", log.LstdFlags|log.Lshortfile), stdr.Options{LogCaller: stdr.Error}), nil
	case FormatJSON:
		var out io.Writer = os.Stderr
		if opts.File != "" {
			out = &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
				Compress:   true,
			}
		}
		encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		core := zapcore.NewCore(encoder, zapcore.AddSync(out), zap.NewAtomicLevelAt(zapcore.Level(-opts.Level)))
		return zapr.NewLogger(zap.New(core, zap.AddCaller())), nil
	default:
		return logr.Discard(), fmt.Errorf("unknown log format %q, expected one of [%s %s]", opts.Format, FormatText, FormatJSON)
	}
}

// Warn logs a recoverable failure at the default verbosity.
func Warn(log logr.Logger, msg string, keysAndValues ...any) {
	log.Info(msg, append([]any{"warning", true}, keysAndValues...)...)
}
