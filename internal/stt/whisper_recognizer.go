//go:build whisper

package stt

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/quietwire/earmark/internal/config"
)

// whisperRecognizer runs whisper.cpp in-process. Each Partial/Final call
// decodes the full accumulated utterance; callers keep the poll rate low.
type whisperRecognizer struct {
	model      whisper.Model
	language   string
	sampleRate int
	samples    []float32
	mu         sync.Mutex
}

func newWhisperRecognizer(cfg config.RecognizerConfig, sampleRate int) (Recognizer, error) {
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("whisper model not found at %s", cfg.ModelPath)
	}
	model, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model: %w", err)
	}
	return &whisperRecognizer{model: model, language: cfg.Language, sampleRate: sampleRate}, nil
}

func (w *whisperRecognizer) AcceptFrame(_ context.Context, pcm []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i:]))
		w.samples = append(w.samples, float32(s)/32768.0)
	}
	return nil
}

func (w *whisperRecognizer) Partial(ctx context.Context) (Result, error) {
	return w.decode(ctx)
}

func (w *whisperRecognizer) Final(ctx context.Context) (Result, error) {
	return w.decode(ctx)
}

func (w *whisperRecognizer) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = w.samples[:0]
	return nil
}

func (w *whisperRecognizer) decode(_ context.Context) (Result, error) {
	w.mu.Lock()
	samples := append([]float32(nil), w.samples...)
	w.mu.Unlock()

	if len(samples) == 0 {
		return Result{}, nil
	}

	wctx, err := w.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("create whisper context: %w", err)
	}
	if w.language != "" {
		if err := wctx.SetLanguage(w.language); err != nil {
			return Result{}, fmt.Errorf("set whisper language: %w", err)
		}
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return Result{}, fmt.Errorf("process audio: %w", err)
	}

	var text strings.Builder
	for {
		segment, err := wctx.NextSegment()
		if err != nil {
			break
		}
		text.WriteString(segment.Text)
	}
	return Result{Text: strings.TrimSpace(text.String())}, nil
}
