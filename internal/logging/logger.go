// Package logging builds the daemon logger: JSON lines to a rotated file
// plus human-readable output on stderr.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// FileName is the stable name of the current log file inside the log dir.
const FileName = "chatd.log"

// Options configures New.
type Options struct {
	Dir           string
	Instance      string
	Level         string
	RotationHours int
	MaxAgeDays    int
	// Console receives the human-readable copy; nil means stderr.
	Console io.Writer
}

// New creates a logger that writes JSON to Dir/chatd.log, rotated by time,
// and console output to stderr. Instance name and PID are included as
// initial fields. The returned closer closes the log file.
func New(opts Options) (*zap.Logger, io.Closer, error) {
	if err := os.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, nil, err
	}
	rotation := opts.RotationHours
	if rotation <= 0 {
		rotation = 24
	}
	maxAge := opts.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 30
	}

	link := filepath.Join(opts.Dir, FileName)
	file, err := rotatelogs.New(
		link+".%Y%m%d%H",
		rotatelogs.WithLinkName(link),
		rotatelogs.WithRotationTime(time.Duration(rotation)*time.Hour),
		rotatelogs.WithMaxAge(time.Duration(maxAge)*24*time.Hour),
	)
	if err != nil {
		return nil, nil, err
	}

	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(file), level)
	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(console), level)

	logger := zap.New(zapcore.NewTee(fileCore, consoleCore),
		zap.Fields(
			zap.String("instance", opts.Instance),
			zap.Int("pid", os.Getpid()),
		),
	)
	return logger, file, nil
}
