// Package transcript persists finalized session text, one plain-text
// file per local calendar date.
package transcript

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one finalized transcript line.
type Entry struct {
	At   time.Time
	Text string
}

// Writer appends entries to the current day's transcript file. The file
// path is re-derived from the entry's local date on every call, so a
// date rollover lands in a fresh file without any timer. Writes are
// flushed to durable storage before returning.
type Writer struct {
	dir        string
	log        *slog.Logger
	mu         sync.Mutex
	file       *os.File
	openedDate string
}

// FileName returns the transcript file name for a date, matching the
// transcript_YYYY-MM-DD.txt layout consumers already parse.
func FileName(at time.Time) string {
	return fmt.Sprintf("transcript_%s.txt", at.Format("2006-01-02"))
}

func NewWriter(dir string, log *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Writer{
		dir: dir,
		log: log.With(slog.String("component", "transcript")),
	}, nil
}

// Append writes a single `[HH:MM:SS] text` line for the entry's local
// date and syncs the file. A failed write is retried once on a fresh
// handle; after that the entry is dropped with an error rather than
// blocking the audio loop.
func (w *Writer) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.appendLocked(e); err != nil {
		w.log.Warn("transcript write failed, retrying once", slog.String("error", err.Error()))
		w.closeLocked()
		if err := w.appendLocked(e); err != nil {
			return fmt.Errorf("append transcript entry: %w", err)
		}
	}
	return nil
}

func (w *Writer) appendLocked(e Entry) error {
	date := e.At.Format("2006-01-02")
	if w.file == nil || w.openedDate != date {
		w.closeLocked()
		path := filepath.Join(w.dir, FileName(e.At))
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		w.file = f
		w.openedDate = date
		w.log.Info("transcript file opened", slog.String("path", path))
	}

	line := fmt.Sprintf("[%s] %s\n", e.At.Format("15:04:05"), e.Text)
	if _, err := w.file.WriteString(line); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *Writer) closeLocked() {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
		w.openedDate = ""
	}
}

// Close releases the open file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.openedDate = ""
	return err
}
