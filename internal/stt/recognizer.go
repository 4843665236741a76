package stt

import (
	"context"
	"fmt"

	"github.com/quietwire/earmark/internal/config"
)

// Result captures recognizer output.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer is the fixed capability surface any STT backend must
// satisfy. Frames are fed incrementally; Partial may be polled at low
// frequency for wake-word scoring; Final flushes the utterance. The
// core attaches a recognizer to at most one session at a time and calls
// Reset between sessions so no hypothesis leaks across them.
type Recognizer interface {
	AcceptFrame(ctx context.Context, pcm []byte) error
	Partial(ctx context.Context) (Result, error)
	Final(ctx context.Context) (Result, error)
	Reset() error
}

// New builds the configured recognizer backend.
func New(cfg config.RecognizerConfig, sampleRate int) (Recognizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockRecognizer(nil, ""), nil
	case "exec":
		return NewExecRecognizer(cfg, sampleRate)
	case "whisper":
		return newWhisperRecognizer(cfg, sampleRate)
	default:
		return nil, fmt.Errorf("unknown recognizer mode %q", cfg.Mode)
	}
}
