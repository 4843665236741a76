//go:build !whisper

package stt

import (
	"fmt"

	"github.com/quietwire/earmark/internal/config"
)

func newWhisperRecognizer(_ config.RecognizerConfig, _ int) (Recognizer, error) {
	return nil, fmt.Errorf("built without whisper support (use -tags whisper)")
}
