package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a leveled printf-style logger backed by zap
type Logger struct {
	sugar *zap.SugaredLogger
	file  *os.File
}

// Options configures where log lines go
type Options struct {
	Verbose bool   // enable debug level
	File    string // optional file receiving a copy of every line
	Quiet   bool   // no stderr output, for full-screen views
}

// NewWithOptions creates a logger writing to stderr and, when set, to opts.File
func NewWithOptions(opts Options) (*Logger, error) {
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.ConsoleSeparator = " "

	var cores []zapcore.Core
	if !opts.Quiet {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level))
	}

	l := &Logger{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = f
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(f), level))
	}

	l.sugar = zap.New(zapcore.NewTee(cores...)).Sugar()
	return l, nil
}

// NewNop returns a logger that discards everything, for tests
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

func (l *Logger) Debug(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

func (l *Logger) Warn(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

// Close flushes buffered output and closes the log file
func (l *Logger) Close() error {
	_ = l.sugar.Sync()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
