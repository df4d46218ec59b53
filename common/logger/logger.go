package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	ERROR LogLevel = iota
	WARN
	INFO
	DEBUG
	TRACE
)

var levelNames = map[LogLevel]string{
	ERROR: "ERROR",
	WARN:  "WARN",
	INFO:  "INFO",
	DEBUG: "DEBUG",
	TRACE: "TRACE",
}

// traceLevel sits below zap's debug level so TRACE survives the mapping.
const traceLevel = zapcore.DebugLevel - 1

var zapLevels = map[LogLevel]zapcore.Level{
	ERROR: zapcore.ErrorLevel,
	WARN:  zapcore.WarnLevel,
	INFO:  zapcore.InfoLevel,
	DEBUG: zapcore.DebugLevel,
	TRACE: traceLevel,
}

// DefaultFileName is the log file written inside the log directory.
const DefaultFileName = "worker.log"

// RotationPolicy defines when and how to rotate log files
type RotationPolicy struct {
	Enabled    bool
	MaxSizeMB  int
	MaxAgeDays int
	MaxFiles   int
}

// Logger provides structured logging with levels
type Logger struct {
	mu             sync.RWMutex
	level          LogLevel
	logDir         string
	fileName       string
	rotationPolicy RotationPolicy
	consoleOutput  bool
	console        *zap.Logger
	file           *zap.Logger
	fileCloser     io.Closer
	rotator        *lumberjack.Logger
}

// New creates a new Logger instance. An empty logDir disables file output.
func New(level LogLevel, logDir string) *Logger {
	return &Logger{
		level:         level,
		logDir:        logDir,
		fileName:      DefaultFileName,
		consoleOutput: true,
		console:       zap.New(newCore(zapcore.Lock(os.Stdout))),
		rotationPolicy: RotationPolicy{
			Enabled:    true,
			MaxSizeMB:  50,
			MaxAgeDays: 7,
			MaxFiles:   10,
		},
	}
}

func newCore(ws zapcore.WriteSyncer) zapcore.Core {
	encCfg := zapcore.EncoderConfig{
		TimeKey:          "ts",
		LevelKey:         "level",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeTime:       zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05-07:00"),
		EncodeLevel:      encodeLevel,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
	all := zap.LevelEnablerFunc(func(zapcore.Level) bool { return true })
	return zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), ws, all)
}

func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	for lvl, zl := range zapLevels {
		if zl == l {
			enc.AppendString("[" + levelNames[lvl] + "]")
			return
		}
	}
	enc.AppendString("[" + l.CapitalString() + "]")
}

// SetConsoleOutput enables or disables console output
func (l *Logger) SetConsoleOutput(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consoleOutput = enabled
}

// SetFileName changes the file written inside the log directory. Must be
// called before the first entry is logged.
func (l *Logger) SetFileName(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if name != "" {
		l.fileName = name
	}
}

// SetLevel changes the current log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

// SetRotationPolicy configures log rotation. Must be called before the first
// entry is logged.
func (l *Logger) SetRotationPolicy(policy RotationPolicy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rotationPolicy = policy
}

// RotationPolicy returns the configured rotation policy
func (l *Logger) RotationPolicy() RotationPolicy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rotationPolicy
}

// FilePath returns the log file path, or "" when file output is disabled
func (l *Logger) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.logDir == "" {
		return ""
	}
	return filepath.Join(l.logDir, l.fileName)
}

// Error logs an error level message
func (l *Logger) Error(msg string, context ...interface{}) {
	l.log(ERROR, msg, context...)
}

// Warn logs a warning level message
func (l *Logger) Warn(msg string, context ...interface{}) {
	l.log(WARN, msg, context...)
}

// Info logs an info level message
func (l *Logger) Info(msg string, context ...interface{}) {
	l.log(INFO, msg, context...)
}

// Debug logs a debug level message
func (l *Logger) Debug(msg string, context ...interface{}) {
	l.log(DEBUG, msg, context...)
}

// Trace logs a trace level message
func (l *Logger) Trace(msg string, context ...interface{}) {
	l.log(TRACE, msg, context...)
}

// log is the internal logging function
func (l *Logger) log(level LogLevel, msg string, context ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	fields := make([]zap.Field, 0, len(context)/2)
	for i := 0; i < len(context)-1; i += 2 {
		key, ok := context[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		fields = append(fields, zap.Any(key, context[i+1]))
	}

	zl := zapLevels[level]
	if l.consoleOutput {
		if ce := l.console.Check(zl, msg); ce != nil {
			ce.Write(fields...)
		}
	}

	if fl := l.fileLogger(); fl != nil {
		if ce := fl.Check(zl, msg); ce != nil {
			ce.Write(fields...)
		}
	}
}

// fileLogger lazily opens the file sink. Caller holds l.mu.
func (l *Logger) fileLogger() *zap.Logger {
	if l.file != nil || l.logDir == "" {
		return l.file
	}
	if err := os.MkdirAll(l.logDir, 0755); err != nil {
		return nil
	}

	path := filepath.Join(l.logDir, l.fileName)
	if l.rotationPolicy.Enabled {
		l.rotator = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    l.rotationPolicy.MaxSizeMB,
			MaxAge:     l.rotationPolicy.MaxAgeDays,
			MaxBackups: l.rotationPolicy.MaxFiles,
		}
		l.fileCloser = l.rotator
		l.file = zap.New(newCore(zapcore.AddSync(l.rotator)))
		return l.file
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil
	}
	l.fileCloser = f
	l.file = zap.New(newCore(zapcore.Lock(f)))
	return l.file
}

// ForceRotate immediately rotates the current log file
func (l *Logger) ForceRotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Rotate()
}

// Close flushes and closes the current log file
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_ = l.console.Sync()
	if l.file == nil {
		return nil
	}
	_ = l.file.Sync()
	err := l.fileCloser.Close()
	l.file = nil
	l.fileCloser = nil
	l.rotator = nil
	return err
}

// ParseLevel converts a string to LogLevel
func ParseLevel(s string) LogLevel {
	switch s {
	case "ERROR", "error":
		return ERROR
	case "WARN", "warn", "WARNING", "warning":
		return WARN
	case "INFO", "info":
		return INFO
	case "DEBUG", "debug":
		return DEBUG
	case "TRACE", "trace":
		return TRACE
	default:
		return INFO
	}
}

// LevelToString converts a LogLevel to a string
func LevelToString(level LogLevel) string {
	return levelNames[level]
}
