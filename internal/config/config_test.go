package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("expected default sample rate 16000, got %d", cfg.Audio.SampleRate)
	}
	if len(cfg.Wake.Words) != 4 || cfg.Wake.Words[0] != "hey computer" {
		t.Fatalf("expected default wake words, got %v", cfg.Wake.Words)
	}
	if cfg.Session.SilenceTimeoutMS != 2000 || cfg.Session.HardTimeoutMS != 30000 {
		t.Fatalf("unexpected default session timeouts: %+v", cfg.Session)
	}
	if filepath.IsAbs("~") {
		t.Fatal("sanity")
	}
	if cfg.Transcript.OutputDir == "~/stt_transcripts" {
		t.Fatalf("expected home-expanded output dir, got %q", cfg.Transcript.OutputDir)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "earmark.yaml")
	data := []byte(`
wake:
  words: ["hey machine"]
  fuzzy: true
  score_interval_ms: 250
session:
  silence_timeout_ms: 1500
  hard_timeout_ms: 20000
transcript:
  output_dir: ` + dir + `
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Wake.Words) != 1 || cfg.Wake.Words[0] != "hey machine" {
		t.Fatalf("expected wake words from file, got %v", cfg.Wake.Words)
	}
	if !cfg.Wake.Fuzzy {
		t.Fatal("expected fuzzy matching enabled")
	}
	if cfg.Session.SilenceTimeoutMS != 1500 {
		t.Fatalf("expected silence timeout 1500, got %d", cfg.Session.SilenceTimeoutMS)
	}
	if cfg.Transcript.OutputDir != dir {
		t.Fatalf("expected output dir %q, got %q", dir, cfg.Transcript.OutputDir)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EARMARK_WAKE_WORDS", "hey computer, wake up")
	t.Setenv("EARMARK_AUDIO_SAMPLE_RATE", "8000")
	t.Setenv("EARMARK_SESSION_SILENCE_TIMEOUT_MS", "2500")
	t.Setenv("EARMARK_SESSION_HARD_TIMEOUT_MS", "40000")
	t.Setenv("EARMARK_RECOGNIZER_MODE", "exec")
	t.Setenv("EARMARK_RECOGNIZER_COMMAND", "vosk-cli --json")
	t.Setenv("EARMARK_HISTORY_ENABLED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Wake.Words) != 2 {
		t.Fatalf("expected 2 wake words, got %v", cfg.Wake.Words)
	}
	if cfg.Audio.SampleRate != 8000 {
		t.Fatalf("expected sample rate override, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Session.SilenceTimeoutMS != 2500 {
		t.Fatalf("expected silence timeout override, got %d", cfg.Session.SilenceTimeoutMS)
	}
	if cfg.Recognizer.Mode != "exec" || cfg.Recognizer.Command != "vosk-cli --json" {
		t.Fatalf("expected recognizer override, got %+v", cfg.Recognizer)
	}
	if cfg.History.Enabled {
		t.Fatal("expected history disabled")
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	t.Setenv("EARMARK_RECOGNIZER_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for exec mode without command")
	}

	t.Setenv("EARMARK_RECOGNIZER_MODE", "mock")
	t.Setenv("EARMARK_SESSION_HARD_TIMEOUT_MS", "100")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for hard timeout below silence timeout")
	}
}

func TestTelemetryLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"Info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"  debug ", slog.LevelDebug},
	}
	for _, tc := range cases {
		got := TelemetryConfig{LogLevel: tc.in}.Level()
		if got != tc.want {
			t.Errorf("Level(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
