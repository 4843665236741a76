// Package session arbitrates between idle listening, active command
// capture, and transcript flushing. All timing is coarse: timeouts are
// monotonic clock checks made once per processed frame, so every
// session decision stays inside the single-owner frame loop.
package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quietwire/earmark/internal/audio"
	"github.com/quietwire/earmark/internal/config"
	"github.com/quietwire/earmark/internal/stt"
	"github.com/quietwire/earmark/internal/transcript"
	"github.com/quietwire/earmark/internal/wakeword"
)

type State int

const (
	StateIdle State = iota
	StateListening
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// Finalization reasons handed to the notifier and history recorder.
const (
	ReasonSilence     = "silence"
	ReasonHardTimeout = "hard_timeout"
	ReasonStop        = "stop"
	ReasonFault       = "recognizer_fault"
)

// Info identifies one command-capture episode.
type Info struct {
	ID         string
	Keyword    string
	Confidence float64
	StartedAt  time.Time
}

// Writer persists finalized entries.
type Writer interface {
	Append(transcript.Entry) error
}

// Notifier receives fire-and-forget session lifecycle events.
type Notifier interface {
	SessionStarted(info Info)
	SessionEnded(info Info, text, reason string)
}

// Recorder archives session outcomes. Optional.
type Recorder interface {
	StartSession(ctx context.Context, info Info) error
	FinishSession(ctx context.Context, id string, endedAt time.Time, text, reason string) error
}

type active struct {
	info        Info
	lastSpeech  time.Time
	lastPartial string
	lastPoll    time.Time
}

// Machine owns the session lifecycle. It is driven synchronously from
// the frame loop and is not safe for concurrent use.
type Machine struct {
	cfg          config.SessionConfig
	pollInterval time.Duration
	rec          stt.Recognizer
	writer       Writer
	notify       Notifier
	recorder     Recorder
	log          *slog.Logger
	clock        func() time.Time

	state State
	cur   *active
}

func NewMachine(cfg config.SessionConfig, pollIntervalMS int, rec stt.Recognizer, writer Writer, notify Notifier, recorder Recorder, log *slog.Logger) *Machine {
	if pollIntervalMS <= 0 {
		pollIntervalMS = 500
	}
	return &Machine{
		cfg:          cfg,
		pollInterval: time.Duration(pollIntervalMS) * time.Millisecond,
		rec:          rec,
		writer:       writer,
		notify:       notify,
		recorder:     recorder,
		log:          log.With(slog.String("component", "session")),
		clock:        time.Now,
	}
}

// WithClock overrides the machine clock. Test hook.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

func (m *Machine) State() State {
	return m.state
}

// Active reports whether a session episode is in flight.
func (m *Machine) Active() bool {
	return m.state != StateIdle
}

// Current returns the in-flight session info, if any.
func (m *Machine) Current() (Info, bool) {
	if m.cur == nil {
		return Info{}, false
	}
	return m.cur.info, true
}

// HandleDetection starts a session. Detections arriving while a session
// is already active are ignored, so repeated wake-word utterances are
// idempotent.
func (m *Machine) HandleDetection(ctx context.Context, d wakeword.Detection) {
	if m.state != StateIdle {
		m.log.Debug("detection ignored, session active", slog.String("keyword", d.Keyword))
		return
	}

	info := Info{
		ID:         uuid.NewString(),
		Keyword:    d.Keyword,
		Confidence: d.Confidence,
		StartedAt:  d.At,
	}
	m.cur = &active{info: info, lastSpeech: d.At, lastPartial: d.Text, lastPoll: d.At}
	m.state = StateListening

	m.log.Info("session started",
		slog.String("session_id", info.ID),
		slog.String("keyword", info.Keyword),
		slog.Float64("confidence", info.Confidence))

	m.notify.SessionStarted(info)
	if m.recorder != nil {
		if err := m.recorder.StartSession(ctx, info); err != nil {
			m.log.Warn("failed to record session start", slog.String("error", err.Error()))
		}
	}
}

// HandleFrame advances an active session by one frame: feeds the
// recognizer, refreshes the silence timer when the frame carries
// speech, and finalizes on timeout.
func (m *Machine) HandleFrame(ctx context.Context, f audio.Frame) {
	if m.state != StateListening {
		return
	}
	now := m.clock()
	cur := m.cur

	if err := m.rec.AcceptFrame(ctx, f.PCMBytes()); err != nil {
		m.abandon(ctx, err)
		return
	}

	// A frame counts as speech when its amplitude clears the noise
	// floor or the partial hypothesis moved since the last poll.
	if f.Peak() >= m.cfg.NoiseFloor {
		cur.lastSpeech = now
	}
	if now.Sub(cur.lastPoll) >= m.pollInterval {
		cur.lastPoll = now
		res, err := m.rec.Partial(ctx)
		if err != nil {
			m.abandon(ctx, err)
			return
		}
		if res.Text != "" && res.Text != cur.lastPartial {
			cur.lastPartial = res.Text
			cur.lastSpeech = now
		}
	}

	if now.Sub(cur.info.StartedAt) >= time.Duration(m.cfg.HardTimeoutMS)*time.Millisecond {
		m.finalize(ctx, ReasonHardTimeout)
		return
	}
	if now.Sub(cur.lastSpeech) >= time.Duration(m.cfg.SilenceTimeoutMS)*time.Millisecond {
		m.finalize(ctx, ReasonSilence)
	}
}

// Flush finalizes any in-flight session. Called on shutdown so
// in-progress speech is never silently dropped.
func (m *Machine) Flush(ctx context.Context) {
	if m.state == StateListening {
		m.finalize(ctx, ReasonStop)
	}
}

func (m *Machine) finalize(ctx context.Context, reason string) {
	m.state = StateFinalizing
	cur := m.cur

	res, err := m.rec.Final(ctx)
	if err != nil {
		m.abandon(ctx, err)
		return
	}

	text := StripKeyword(res.Text, cur.info.Keyword)
	if text != "" {
		entry := transcript.Entry{At: cur.info.StartedAt, Text: text}
		if err := m.writer.Append(entry); err != nil {
			// Entry is dropped rather than blocking the loop.
			m.log.Error("transcript entry dropped", slog.String("error", err.Error()))
		}
	} else {
		m.log.Info("silence-only session discarded", slog.String("session_id", cur.info.ID))
	}

	m.log.Info("session finalized",
		slog.String("session_id", cur.info.ID),
		slog.String("reason", reason),
		slog.Int("text_len", len(text)))

	m.notify.SessionEnded(cur.info, text, reason)
	if m.recorder != nil {
		if err := m.recorder.FinishSession(ctx, cur.info.ID, m.clock(), text, reason); err != nil {
			m.log.Warn("failed to record session end", slog.String("error", err.Error()))
		}
	}

	m.reset()
}

// abandon drops the current session without writing a transcript. Used
// when the recognizer faults mid-session.
func (m *Machine) abandon(ctx context.Context, cause error) {
	cur := m.cur
	m.log.Error("session abandoned",
		slog.String("session_id", cur.info.ID),
		slog.String("error", cause.Error()))

	m.notify.SessionEnded(cur.info, "", ReasonFault)
	if m.recorder != nil {
		if err := m.recorder.FinishSession(ctx, cur.info.ID, m.clock(), "", ReasonFault); err != nil {
			m.log.Warn("failed to record session end", slog.String("error", err.Error()))
		}
	}

	m.reset()
}

func (m *Machine) reset() {
	if err := m.rec.Reset(); err != nil {
		m.log.Warn("recognizer reset failed", slog.String("error", err.Error()))
	}
	m.cur = nil
	m.state = StateIdle
}

// StripKeyword removes the wake keyword (and trailing separators) from
// a final hypothesis, so "hey computer turn on the lights" persists as
// "turn on the lights".
func StripKeyword(text, keyword string) string {
	trimmed := strings.TrimSpace(text)
	if keyword == "" {
		return trimmed
	}
	// Fold only ASCII letters so byte offsets into the folded copy stay
	// valid in the original; full Unicode lowering can change byte
	// lengths (e.g. U+212A) and misalign the slice.
	idx := strings.Index(lowerASCII(trimmed), lowerASCII(keyword))
	if idx < 0 {
		return trimmed
	}
	rest := trimmed[idx+len(keyword):]
	return strings.TrimLeft(rest, " ,.!?")
}

func lowerASCII(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}
