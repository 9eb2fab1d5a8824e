package joblog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func fixedClock(t *testing.T) func() time.Time {
	t.Helper()
	at := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	return func() time.Time { return at }
}

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	logger, err := New(filepath.Join(t.TempDir(), "operation.log"), WithClock(fixedClock(t)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger
}

func TestLogger_LineFormat(t *testing.T) {
	t.Run("entry with job id and data", func(t *testing.T) {
		logger := newTestLogger(t)
		logger.Info("job-42", "run started", map[string]any{"connections": 3})

		lines, err := logger.Tail(10)
		if err != nil {
			t.Fatalf("Tail() error = %v", err)
		}
		if len(lines) != 1 {
			t.Fatalf("Tail() returned %d lines, want 1", len(lines))
		}

		want := `[2026-03-14T09:26:53.589Z] [INFO] [job-42] run started | {"connections":3}`
		if lines[0] != want {
			t.Errorf("line = %q, want %q", lines[0], want)
		}
	})

	t.Run("entry without job id", func(t *testing.T) {
		logger := newTestLogger(t)
		logger.Warn("", "scheduler paused", nil)

		lines, _ := logger.Tail(1)
		want := `[2026-03-14T09:26:53.589Z] [WARN] scheduler paused`
		if len(lines) != 1 || lines[0] != want {
			t.Errorf("line = %q, want %q", lines, want)
		}
	})

	t.Run("entry without data omits separator", func(t *testing.T) {
		logger := newTestLogger(t)
		logger.Error("job-7", "query failed", nil)

		lines, _ := logger.Tail(1)
		if strings.Contains(lines[0], "|") {
			t.Errorf("line %q should not contain data separator", lines[0])
		}
	})

	t.Run("all levels render their tag", func(t *testing.T) {
		logger := newTestLogger(t)
		logger.Debug("", "d", nil)
		logger.Info("", "i", nil)
		logger.Warn("", "w", nil)
		logger.Error("", "e", nil)

		lines, _ := logger.Tail(4)
		tags := []string{"[DEBUG]", "[INFO]", "[WARN]", "[ERROR]"}
		for i, tag := range tags {
			if !strings.Contains(lines[i], tag) {
				t.Errorf("line %d = %q, want tag %s", i, lines[i], tag)
			}
		}
	})
}

func TestLogger_Tail(t *testing.T) {
	t.Run("returns last n lines", func(t *testing.T) {
		logger := newTestLogger(t)
		for i := 0; i < 10; i++ {
			logger.Info("", "entry", map[string]int{"seq": i})
		}

		lines, err := logger.Tail(3)
		if err != nil {
			t.Fatalf("Tail() error = %v", err)
		}
		if len(lines) != 3 {
			t.Fatalf("Tail(3) returned %d lines", len(lines))
		}
		if !strings.Contains(lines[2], `"seq":9`) {
			t.Errorf("last line = %q, want seq 9", lines[2])
		}
		if !strings.Contains(lines[0], `"seq":7`) {
			t.Errorf("first line = %q, want seq 7", lines[0])
		}
	})

	t.Run("returns everything when n exceeds line count", func(t *testing.T) {
		logger := newTestLogger(t)
		logger.Info("", "only", nil)

		lines, _ := logger.Tail(100)
		if len(lines) != 1 {
			t.Errorf("Tail(100) returned %d lines, want 1", len(lines))
		}
	})

	t.Run("missing file yields empty result", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "operation.log")
		logger, err := New(path, WithClock(fixedClock(t)))
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		logger.Close()
		if err := os.Remove(path); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}

		lines, err := logger.Tail(5)
		if err != nil {
			t.Fatalf("Tail() error = %v", err)
		}
		if len(lines) != 0 {
			t.Errorf("Tail() on missing file returned %d lines", len(lines))
		}
	})

	t.Run("non positive n yields empty result", func(t *testing.T) {
		logger := newTestLogger(t)
		logger.Info("", "x", nil)

		if lines, _ := logger.Tail(0); len(lines) != 0 {
			t.Errorf("Tail(0) = %v, want empty", lines)
		}
	})
}

func TestLogger_TailLargeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operation.log")
	logger, err := New(path, WithClock(fixedClock(t)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer logger.Close()

	// Cada linha tem ~1 KiB; 11k linhas passam do limite de 10 MiB.
	padding := strings.Repeat("x", 1024)
	const total = 11 * 1024
	for i := 0; i < total; i++ {
		logger.Info("", padding, map[string]int{"seq": i})
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() <= fullReadLimit {
		t.Fatalf("file size = %d, want > %d", info.Size(), fullReadLimit)
	}

	lines, err := logger.Tail(5)
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	if len(lines) != 5 {
		t.Fatalf("Tail(5) returned %d lines", len(lines))
	}

	// A primeira linha parcial da janela deve ter sido descartada.
	for i, line := range lines {
		if !strings.HasPrefix(line, "[") {
			t.Errorf("line %d = %q is not a complete entry", i, line[:min(40, len(line))])
		}
	}
	if !strings.Contains(lines[4], `"seq":11263`) {
		t.Errorf("last line should carry the final sequence, got %q", lines[4][len(lines[4])-30:])
	}
}

func TestLogger_ConcurrentWrites(t *testing.T) {
	logger := newTestLogger(t)

	const goroutines = 20
	const perGoroutine = 50

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				logger.Info("job-concurrent", "write", map[string]int{"g": g, "i": i})
			}
		}(g)
	}
	wg.Wait()

	lines, err := logger.Tail(goroutines * perGoroutine)
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	if len(lines) != goroutines*perGoroutine {
		t.Fatalf("got %d lines, want %d", len(lines), goroutines*perGoroutine)
	}
	for i, line := range lines {
		if !strings.HasPrefix(line, "[2026-") {
			t.Fatalf("line %d is interleaved or corrupt: %q", i, line)
		}
	}
}

func TestLogger_CloseDiscardsLaterWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operation.log")
	logger, err := New(path, WithClock(fixedClock(t)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.Info("", "before close", nil)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	logger.Info("", "after close", nil)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if strings.Contains(string(data), "after close") {
		t.Error("write after Close() reached the file")
	}
}
