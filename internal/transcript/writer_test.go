package transcript

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAppendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, newLogger())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	base := time.Date(2025, 3, 10, 9, 15, 0, 0, time.Local)
	var want []string
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		text := fmt.Sprintf("entry number %d", i)
		if err := w.Append(Entry{At: at, Text: text}); err != nil {
			t.Fatalf("append: %v", err)
		}
		want = append(want, fmt.Sprintf("[%s] %s", at.Format("15:04:05"), text))
	}

	data, err := os.ReadFile(filepath.Join(dir, "transcript_2025-03-10.txt"))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d", len(want), len(lines))
	}
	for i, line := range lines {
		if line != want[i] {
			t.Fatalf("line %d: expected %q, got %q", i, want[i], line)
		}
	}
}

func TestAppendRotatesAtDateBoundary(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, newLogger())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	beforeMidnight := time.Date(2025, 3, 10, 23, 59, 30, 0, time.Local)
	afterMidnight := time.Date(2025, 3, 11, 0, 0, 15, 0, time.Local)

	if err := w.Append(Entry{At: beforeMidnight, Text: "last words of the day"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(Entry{At: afterMidnight, Text: "first words of the next"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	first, err := os.ReadFile(filepath.Join(dir, "transcript_2025-03-10.txt"))
	if err != nil {
		t.Fatalf("read first file: %v", err)
	}
	second, err := os.ReadFile(filepath.Join(dir, "transcript_2025-03-11.txt"))
	if err != nil {
		t.Fatalf("read second file: %v", err)
	}
	if string(first) != "[23:59:30] last words of the day\n" {
		t.Fatalf("unexpected first file contents: %q", first)
	}
	if string(second) != "[00:00:15] first words of the next\n" {
		t.Fatalf("unexpected second file contents: %q", second)
	}
}

func TestAppendCreatesOutputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "transcripts")
	w, err := NewWriter(dir, newLogger())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	if err := w.Append(Entry{At: time.Now(), Text: "hello"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected output dir to exist: %v", err)
	}
}

func TestAppendRetriesOnStaleHandle(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, newLogger())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.Local)
	if err := w.Append(Entry{At: at, Text: "one"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Close the handle behind the writer's back; the retry path must
	// reopen and still land the entry.
	w.mu.Lock()
	_ = w.file.Close()
	w.mu.Unlock()

	if err := w.Append(Entry{At: at.Add(time.Minute), Text: "two"}); err != nil {
		t.Fatalf("append after stale handle: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "transcript_2025-03-10.txt"))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if !strings.Contains(string(data), "one") || !strings.Contains(string(data), "two") {
		t.Fatalf("expected both entries, got %q", data)
	}
}
