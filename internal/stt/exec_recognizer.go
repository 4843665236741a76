package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
	"github.com/quietwire/earmark/internal/config"
)

// execRecognizer shells out to an external STT command. Audio is
// accumulated per utterance and handed over as a temp WAV file; the
// command prints a JSON {"text": ..., "confidence": ...} object.
type execRecognizer struct {
	cmd        []string
	cfg        config.RecognizerConfig
	sampleRate int
	buf        []byte
	mu         sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.RecognizerConfig, sampleRate int) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg, sampleRate: sampleRate}, nil
}

func (r *execRecognizer) AcceptFrame(_ context.Context, pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, pcm...)
	return nil
}

func (r *execRecognizer) Partial(ctx context.Context) (Result, error) {
	return r.transcribe(ctx, false)
}

func (r *execRecognizer) Final(ctx context.Context) (Result, error) {
	return r.transcribe(ctx, true)
}

func (r *execRecognizer) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = r.buf[:0]
	return nil
}

func (r *execRecognizer) transcribe(ctx context.Context, final bool) (Result, error) {
	r.mu.Lock()
	pcm := append([]byte(nil), r.buf...)
	r.mu.Unlock()

	if len(pcm) == 0 {
		return Result{}, nil
	}

	file, err := os.CreateTemp(os.TempDir(), "earmark_stt_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, r.sampleRate); err != nil {
		return Result{}, err
	}

	cmdArgs := append([]string(nil), r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}
	if !final {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("recognizer command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode recognizer response: %w", err)
	}
	return Result{Text: resp.Text, Confidence: resp.Confidence}, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
