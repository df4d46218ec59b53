package logger

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newQuietLogger(t *testing.T, level LogLevel, dir string) *Logger {
	t.Helper()
	l := New(level, dir)
	l.SetConsoleOutput(false)
	t.Cleanup(func() { l.Close() })
	return l
}

// readLog closes l and returns the non-empty lines of its log file.
func readLog(t *testing.T, l *Logger) []string {
	t.Helper()
	if err := l.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	content, err := os.ReadFile(l.FilePath())
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	var lines []string
	for _, line := range strings.Split(string(content), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func TestLoggerLevels(t *testing.T) {
	t.Parallel()

	logger := newQuietLogger(t, INFO, t.TempDir())

	logger.Error("error message")
	logger.Warn("warn message")
	logger.Info("info message")
	logger.Debug("debug message") // Should not appear
	logger.Trace("trace message") // Should not appear

	lines := readLog(t, logger)
	if len(lines) != 3 {
		t.Fatalf("expected 3 log entries, got %d: %v", len(lines), lines)
	}
	want := []string{"[ERROR] error message", "[WARN] warn message", "[INFO] info message"}
	for i, w := range want {
		if !strings.Contains(lines[i], w) {
			t.Errorf("entry %d = %q, want %q", i, lines[i], w)
		}
	}
}

func TestLoggerContext(t *testing.T) {
	t.Parallel()

	logger := newQuietLogger(t, INFO, t.TempDir())
	logger.Info("test message", "key1", "value1", "key2", 42, 7, "odd key", "dangling")

	lines := readLog(t, logger)
	if len(lines) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(lines))
	}
	for _, field := range []string{`"key1": "value1"`, `"key2": 42`, `"arg4": "odd key"`} {
		if !strings.Contains(lines[0], field) {
			t.Errorf("entry %q missing %s", lines[0], field)
		}
	}
	if strings.Contains(lines[0], "dangling") {
		t.Errorf("a key without a value should be dropped, got %q", lines[0])
	}
}

func TestLoggerSetLevel(t *testing.T) {
	t.Parallel()

	logger := newQuietLogger(t, INFO, t.TempDir())

	logger.Debug("debug1") // Should not appear
	logger.SetLevel(DEBUG)
	logger.Debug("debug2")

	if logger.GetLevel() != DEBUG {
		t.Errorf("GetLevel() = %v, want DEBUG", logger.GetLevel())
	}
	lines := readLog(t, logger)
	if len(lines) != 1 || !strings.Contains(lines[0], "debug2") {
		t.Fatalf("expected only debug2, got %v", lines)
	}
}

func TestLoggerRotationPolicy(t *testing.T) {
	t.Parallel()

	logger := newQuietLogger(t, INFO, t.TempDir())
	if got := logger.RotationPolicy(); got != (RotationPolicy{Enabled: true, MaxSizeMB: 50, MaxAgeDays: 7, MaxFiles: 10}) {
		t.Errorf("default policy = %+v", got)
	}

	policy := RotationPolicy{Enabled: true, MaxSizeMB: 1, MaxAgeDays: 2, MaxFiles: 3}
	logger.SetRotationPolicy(policy)
	logger.Info("opens the file")

	if got := logger.RotationPolicy(); got != policy {
		t.Errorf("RotationPolicy() = %+v, want %+v", got, policy)
	}
	logger.mu.RLock()
	rot := logger.rotator
	logger.mu.RUnlock()
	if rot == nil {
		t.Fatal("rotation enabled but no rotator was opened")
	}
	if rot.MaxSize != 1 || rot.MaxAge != 2 || rot.MaxBackups != 3 {
		t.Errorf("rotator = size %d age %d backups %d, want 1/2/3", rot.MaxSize, rot.MaxAge, rot.MaxBackups)
	}
}

func TestLoggerFileOutput(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	logger := New(INFO, tmpDir)
	logger.SetConsoleOutput(false)

	logger.Info("test message", "key", "value")
	logger.Trace("hidden")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(tmpDir, DefaultFileName))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	contentStr := string(content)
	if !strings.Contains(contentStr, "[INFO]") {
		t.Errorf("log file should contain [INFO], got: %s", contentStr)
	}
	if !strings.Contains(contentStr, "test message") {
		t.Errorf("log file should contain 'test message', got: %s", contentStr)
	}
	if !strings.Contains(contentStr, `"key": "value"`) {
		t.Errorf("log file should contain the key/value field, got: %s", contentStr)
	}
	if strings.Contains(contentStr, "hidden") {
		t.Errorf("trace entry should have been filtered, got: %s", contentStr)
	}
}

func TestLoggerTraceLevelInFile(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	logger := New(TRACE, tmpDir)
	logger.SetConsoleOutput(false)
	logger.SetRotationPolicy(RotationPolicy{Enabled: false})
	logger.SetFileName("trace.log")

	logger.Trace("very detailed")
	logger.Close()

	content, err := os.ReadFile(filepath.Join(tmpDir, "trace.log"))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "[TRACE] very detailed") {
		t.Errorf("expected TRACE entry, got: %s", content)
	}
}

func TestLoggerNoDirectory(t *testing.T) {
	t.Parallel()

	logger := newQuietLogger(t, INFO, "")
	logger.Info("console only")

	if got := logger.FilePath(); got != "" {
		t.Errorf("FilePath() = %q, want empty without a directory", got)
	}
	if err := logger.ForceRotate(); err != nil {
		t.Errorf("ForceRotate() without a file should be a no-op, got %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"ERROR", ERROR},
		{"warn", WARN},
		{"warning", WARN},
		{"INFO", INFO},
		{"debug", DEBUG},
		{"TRACE", TRACE},
		{"invalid", INFO}, // Default
	}

	for _, tt := range tests {
		if result := ParseLevel(tt.input); result != tt.expected {
			t.Errorf("ParseLevel(%q) = %v, expected %v", tt.input, result, tt.expected)
		}
	}
}

func TestLevelToString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    LogLevel
		expected string
	}{
		{ERROR, "ERROR"},
		{WARN, "WARN"},
		{INFO, "INFO"},
		{DEBUG, "DEBUG"},
		{TRACE, "TRACE"},
	}

	for _, tt := range tests {
		if result := LevelToString(tt.input); result != tt.expected {
			t.Errorf("LevelToString(%v) = %q, expected %q", tt.input, result, tt.expected)
		}
	}
}

func TestLoggerForceRotate(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	logger := New(INFO, tmpDir)
	logger.SetConsoleOutput(false)

	logger.Info("first message")
	if err := logger.ForceRotate(); err != nil {
		t.Fatalf("ForceRotate() failed: %v", err)
	}
	logger.Info("second message")
	logger.Close()

	files, err := filepath.Glob(filepath.Join(tmpDir, "worker*.log"))
	if err != nil {
		t.Fatalf("failed to list log files: %v", err)
	}
	if len(files) < 2 {
		t.Errorf("expected at least 2 log files after rotation, got %d files: %v", len(files), files)
	}
}

func TestLoggerConcurrency(t *testing.T) {
	t.Parallel()

	logger := newQuietLogger(t, INFO, t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				logger.Info("concurrent message", "goroutine", id, "iteration", j)
			}
		}(i)
	}
	wg.Wait()

	if n := len(readLog(t, logger)); n != 1000 {
		t.Errorf("expected 1000 entries in the log file, got %d", n)
	}
}
