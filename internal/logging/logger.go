package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the daemon logger.
type Options struct {
	Path    string // JSON log file; required
	Session string
	Level   string // debug, info, warn or error; empty means info
	Tail    *Tail  // optional in-memory copy of recent JSON lines
	Stderr  bool   // also write a console rendering to stderr
}

// New creates a zap logger that writes JSON to the log file and, optionally,
// to stderr and an in-memory tail. Session name and PID are included as
// initial fields.
func New(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(orDefault(opts.Level, "info"))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	jsonEncoder := zapcore.NewJSONEncoder(encoderCfg)
	cores := []zapcore.Core{zapcore.NewCore(jsonEncoder, zapcore.AddSync(file), level)}
	if opts.Stderr {
		consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stderr), level))
	}
	if opts.Tail != nil {
		cores = append(cores, zapcore.NewCore(jsonEncoder.Clone(), opts.Tail, level))
	}

	logger := zap.New(zapcore.NewTee(cores...),
		zap.Fields(
			zap.String("session", opts.Session),
			zap.Int("pid", os.Getpid()),
		),
	)

	return logger, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
