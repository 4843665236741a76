package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// Level maps the configured log_level onto a slog level. Unknown or
// empty values fall back to info.
func (t TelemetryConfig) Level() slog.Level {
	switch strings.ToLower(strings.TrimSpace(t.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// AudioConfig selects and shapes the capture stream.
type AudioConfig struct {
	Backend          string `yaml:"backend"` // portaudio, wav
	DeviceSelector   string `yaml:"device_selector"`
	ReplayPath       string `yaml:"replay_path"`
	SampleRate       int    `yaml:"sample_rate"`
	FrameDurationMS  int    `yaml:"frame_duration_ms"`
	WindowMS         int    `yaml:"window_ms"`
	ReopenMaxBackoff int    `yaml:"reopen_max_backoff_ms"`
	MaxReadErrors    int    `yaml:"max_read_errors"`
}

type WakeConfig struct {
	Words           []string `yaml:"words"`
	Fuzzy           bool     `yaml:"fuzzy"`
	FuzzyThreshold  float64  `yaml:"fuzzy_threshold"`
	ScoreIntervalMS int      `yaml:"score_interval_ms"`
	CooldownMS      int      `yaml:"cooldown_ms"`
}

type SessionConfig struct {
	SilenceTimeoutMS int `yaml:"silence_timeout_ms"`
	HardTimeoutMS    int `yaml:"hard_timeout_ms"`
	NoiseFloor       int `yaml:"noise_floor"`
}

type RecognizerConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, whisper
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
}

type TranscriptConfig struct {
	OutputDir string `yaml:"output_dir"`
}

type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type Config struct {
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Audio       AudioConfig      `yaml:"audio"`
	Wake        WakeConfig       `yaml:"wake"`
	Session     SessionConfig    `yaml:"session"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
	Transcript  TranscriptConfig `yaml:"transcript"`
	History     HistoryConfig    `yaml:"history"`
	Bus         BusConfig        `yaml:"bus"`
}

func Default() Config {
	return Config{
		ServiceName: "earmarkd",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8264,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Audio: AudioConfig{
			Backend:          "portaudio",
			SampleRate:       16000,
			FrameDurationMS:  20,
			WindowMS:         2000,
			ReopenMaxBackoff: 30000,
			MaxReadErrors:    10,
		},
		Wake: WakeConfig{
			Words:           []string{"hey computer", "wake up", "listen", "start"},
			Fuzzy:           false,
			FuzzyThreshold:  0.85,
			ScoreIntervalMS: 500,
			CooldownMS:      3000,
		},
		Session: SessionConfig{
			SilenceTimeoutMS: 2000,
			HardTimeoutMS:    30000,
			NoiseFloor:       700,
		},
		Recognizer: RecognizerConfig{
			Mode: "mock",
		},
		Transcript: TranscriptConfig{
			OutputDir: "~/stt_transcripts",
		},
		History: HistoryConfig{
			Enabled:       true,
			Path:          "./data/earmark-history.db",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	expanded, err := expandHome(cfg.Transcript.OutputDir)
	if err != nil {
		return cfg, fmt.Errorf("resolve output dir: %w", err)
	}
	cfg.Transcript.OutputDir = expanded

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "EARMARK_SERVICE_NAME")
	overrideString(&cfg.Environment, "EARMARK_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "EARMARK_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "EARMARK_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "EARMARK_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "EARMARK_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "EARMARK_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Audio.Backend, "EARMARK_AUDIO_BACKEND")
	overrideString(&cfg.Audio.DeviceSelector, "EARMARK_AUDIO_DEVICE")
	overrideString(&cfg.Audio.ReplayPath, "EARMARK_AUDIO_REPLAY_PATH")
	overrideInt(&cfg.Audio.SampleRate, "EARMARK_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.FrameDurationMS, "EARMARK_AUDIO_FRAME_DURATION_MS")
	overrideInt(&cfg.Audio.WindowMS, "EARMARK_AUDIO_WINDOW_MS")
	overrideStringSlice(&cfg.Wake.Words, "EARMARK_WAKE_WORDS")
	overrideBool(&cfg.Wake.Fuzzy, "EARMARK_WAKE_FUZZY")
	overrideInt(&cfg.Wake.ScoreIntervalMS, "EARMARK_WAKE_SCORE_INTERVAL_MS")
	overrideInt(&cfg.Wake.CooldownMS, "EARMARK_WAKE_COOLDOWN_MS")
	overrideInt(&cfg.Session.SilenceTimeoutMS, "EARMARK_SESSION_SILENCE_TIMEOUT_MS")
	overrideInt(&cfg.Session.HardTimeoutMS, "EARMARK_SESSION_HARD_TIMEOUT_MS")
	overrideInt(&cfg.Session.NoiseFloor, "EARMARK_SESSION_NOISE_FLOOR")
	overrideString(&cfg.Recognizer.Mode, "EARMARK_RECOGNIZER_MODE")
	overrideString(&cfg.Recognizer.Command, "EARMARK_RECOGNIZER_COMMAND")
	overrideString(&cfg.Recognizer.ModelPath, "EARMARK_RECOGNIZER_MODEL_PATH")
	overrideString(&cfg.Recognizer.Language, "EARMARK_RECOGNIZER_LANGUAGE")
	overrideString(&cfg.Transcript.OutputDir, "EARMARK_TRANSCRIPT_OUTPUT_DIR")
	overrideBool(&cfg.History.Enabled, "EARMARK_HISTORY_ENABLED")
	overrideString(&cfg.History.Path, "EARMARK_HISTORY_PATH")
	overrideInt(&cfg.History.RetentionDays, "EARMARK_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "EARMARK_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.Bus.Enabled, "EARMARK_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "EARMARK_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "EARMARK_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "EARMARK_BUS_SERVERS")
	overrideInt(&cfg.Bus.ConnectTimeout, "EARMARK_BUS_CONNECT_TIMEOUT_MS")
}

func validate(cfg Config) error {
	switch cfg.Audio.Backend {
	case "portaudio":
	case "wav":
		if cfg.Audio.ReplayPath == "" {
			return fmt.Errorf("audio.replay_path required for wav backend")
		}
	default:
		return fmt.Errorf("unknown audio backend %q", cfg.Audio.Backend)
	}
	if cfg.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return fmt.Errorf("audio.frame_duration_ms must be positive")
	}
	if cfg.Audio.WindowMS < cfg.Audio.FrameDurationMS {
		return fmt.Errorf("audio.window_ms must cover at least one frame")
	}
	if len(cfg.Wake.Words) == 0 {
		return fmt.Errorf("wake.words must not be empty")
	}
	if cfg.Wake.FuzzyThreshold < 0 || cfg.Wake.FuzzyThreshold > 1 {
		return fmt.Errorf("wake.fuzzy_threshold must be within [0, 1]")
	}
	if cfg.Session.SilenceTimeoutMS <= 0 {
		return fmt.Errorf("session.silence_timeout_ms must be positive")
	}
	if cfg.Session.HardTimeoutMS < cfg.Session.SilenceTimeoutMS {
		return fmt.Errorf("session.hard_timeout_ms must not be below the silence timeout")
	}
	switch cfg.Recognizer.Mode {
	case "mock", "exec", "whisper":
	default:
		return fmt.Errorf("unknown recognizer mode %q", cfg.Recognizer.Mode)
	}
	if cfg.Recognizer.Mode == "exec" && cfg.Recognizer.Command == "" {
		return fmt.Errorf("recognizer.command required for exec mode")
	}
	if cfg.Transcript.OutputDir == "" {
		return fmt.Errorf("transcript.output_dir must not be empty")
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/")), nil
	}
	return path, nil
}

func overrideString(target *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*target = v
	}
}

func overrideInt(target *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*target = cleaned
		}
	}
}
