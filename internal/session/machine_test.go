package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/quietwire/earmark/internal/audio"
	"github.com/quietwire/earmark/internal/config"
	"github.com/quietwire/earmark/internal/stt"
	"github.com/quietwire/earmark/internal/transcript"
	"github.com/quietwire/earmark/internal/wakeword"
)

type captureWriter struct {
	entries []transcript.Entry
	err     error
}

func (w *captureWriter) Append(e transcript.Entry) error {
	if w.err != nil {
		return w.err
	}
	w.entries = append(w.entries, e)
	return nil
}

type captureNotifier struct {
	started []Info
	ended   []string // reasons
	texts   []string
}

func (n *captureNotifier) SessionStarted(info Info)                  { n.started = append(n.started, info) }
func (n *captureNotifier) SessionEnded(_ Info, text, reason string) {
	n.ended = append(n.ended, reason)
	n.texts = append(n.texts, text)
}

type faultyRecognizer struct{}

func (faultyRecognizer) AcceptFrame(context.Context, []byte) error { return nil }
func (faultyRecognizer) Partial(context.Context) (stt.Result, error) {
	return stt.Result{}, errors.New("engine crashed")
}
func (faultyRecognizer) Final(context.Context) (stt.Result, error) {
	return stt.Result{}, errors.New("engine crashed")
}
func (faultyRecognizer) Reset() error { return nil }

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sessionConfig() config.SessionConfig {
	return config.SessionConfig{
		SilenceTimeoutMS: 2000,
		HardTimeoutMS:    30000,
		NoiseFloor:       700,
	}
}

type harness struct {
	machine *Machine
	rec     *stt.MockRecognizer
	writer  *captureWriter
	notify  *captureNotifier
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		rec:    stt.NewMockRecognizer(nil, ""),
		writer: &captureWriter{},
		notify: &captureNotifier{},
		now:    time.Date(2025, 3, 10, 12, 0, 0, 0, time.Local),
	}
	h.machine = NewMachine(sessionConfig(), 500, h.rec, h.writer, h.notify, nil, newLogger()).
		WithClock(func() time.Time { return h.now })
	return h
}

func (h *harness) detect(keyword, heard string) {
	h.machine.HandleDetection(context.Background(), wakeword.Detection{
		Keyword:    keyword,
		Confidence: 1,
		Text:       heard,
		At:         h.now,
	})
}

// feed advances the clock frame by frame. loud frames clear the noise
// floor; quiet ones do not.
func (h *harness) feed(d time.Duration, step time.Duration, loud bool) {
	frame := make(audio.Frame, 320)
	if loud {
		frame[0] = 20000
	}
	deadline := h.now.Add(d)
	for h.now.Before(deadline) && h.machine.Active() {
		h.now = h.now.Add(step)
		h.machine.HandleFrame(context.Background(), frame)
	}
}

func TestIdleWithoutDetection(t *testing.T) {
	h := newHarness(t)
	frame := make(audio.Frame, 320)
	for i := 0; i < 100; i++ {
		h.now = h.now.Add(20 * time.Millisecond)
		h.machine.HandleFrame(context.Background(), frame)
	}
	if h.machine.State() != StateIdle {
		t.Fatalf("expected idle, got %v", h.machine.State())
	}
	if len(h.writer.entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(h.writer.entries))
	}
}

func TestSilenceTimeoutStripsKeywordAndWrites(t *testing.T) {
	h := newHarness(t)
	h.rec.Script([]string{"hey computer turn on the lights"}, "hey computer turn on the lights")

	detectedAt := h.now
	h.detect("hey computer", "hey computer")
	if h.machine.State() != StateListening {
		t.Fatalf("expected listening, got %v", h.machine.State())
	}

	h.feed(2500*time.Millisecond, 100*time.Millisecond, false)

	if h.machine.State() != StateIdle {
		t.Fatalf("expected idle after silence timeout, got %v", h.machine.State())
	}
	if len(h.writer.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(h.writer.entries))
	}
	entry := h.writer.entries[0]
	if entry.Text != "turn on the lights" {
		t.Fatalf("expected keyword prefix stripped, got %q", entry.Text)
	}
	if !entry.At.Equal(detectedAt) {
		t.Fatalf("expected entry timestamp at detection time, got %v", entry.At)
	}
	if len(h.notify.ended) != 1 || h.notify.ended[0] != ReasonSilence {
		t.Fatalf("expected silence finalization, got %v", h.notify.ended)
	}
}

func TestSilenceOnlySessionWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.rec.Script([]string{""}, "")

	h.detect("listen", "listen")
	h.feed(2500*time.Millisecond, 100*time.Millisecond, false)

	if h.machine.State() != StateIdle {
		t.Fatalf("expected idle, got %v", h.machine.State())
	}
	if len(h.writer.entries) != 0 {
		t.Fatalf("expected no entry for empty hypothesis, got %d", len(h.writer.entries))
	}
	if len(h.notify.ended) != 1 {
		t.Fatalf("expected session end notification, got %d", len(h.notify.ended))
	}
}

func TestKeywordOnlySessionWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.rec.Script([]string{"listen"}, "listen")

	h.detect("listen", "listen")
	h.feed(2500*time.Millisecond, 100*time.Millisecond, false)

	if len(h.writer.entries) != 0 {
		t.Fatalf("expected no entry when final equals keyword, got %d", len(h.writer.entries))
	}
}

func TestHardTimeoutWithContinuousSpeech(t *testing.T) {
	h := newHarness(t)
	h.rec.Script([]string{"listen it just keeps going"}, "listen it just keeps going")

	h.detect("listen", "listen")
	h.feed(31*time.Second, 100*time.Millisecond, true)

	if h.machine.State() != StateIdle {
		t.Fatalf("expected forced finalization, got %v", h.machine.State())
	}
	if len(h.notify.ended) != 1 || h.notify.ended[0] != ReasonHardTimeout {
		t.Fatalf("expected hard timeout finalization, got %v", h.notify.ended)
	}
	if len(h.writer.entries) != 1 || h.writer.entries[0].Text != "it just keeps going" {
		t.Fatalf("unexpected entries: %+v", h.writer.entries)
	}
}

func TestRepeatedDetectionsAreIgnoredWhileActive(t *testing.T) {
	h := newHarness(t)
	h.rec.Script([]string{"listen"}, "")

	h.detect("listen", "listen")
	first, ok := h.machine.Current()
	if !ok {
		t.Fatal("expected active session")
	}

	h.now = h.now.Add(500 * time.Millisecond)
	h.detect("wake up", "wake up")

	cur, ok := h.machine.Current()
	if !ok || cur.ID != first.ID || cur.Keyword != "listen" {
		t.Fatalf("expected original session untouched, got %+v", cur)
	}
	if len(h.notify.started) != 1 {
		t.Fatalf("expected exactly one session start, got %d", len(h.notify.started))
	}
}

func TestFlushWritesInFlightPartial(t *testing.T) {
	h := newHarness(t)
	h.rec.Script([]string{"listen write this down"}, "listen write this down")

	h.detect("listen", "listen")
	h.feed(600*time.Millisecond, 100*time.Millisecond, true)

	h.machine.Flush(context.Background())

	if h.machine.State() != StateIdle {
		t.Fatalf("expected idle after flush, got %v", h.machine.State())
	}
	if len(h.writer.entries) != 1 || h.writer.entries[0].Text != "write this down" {
		t.Fatalf("expected flushed entry, got %+v", h.writer.entries)
	}
	if h.notify.ended[0] != ReasonStop {
		t.Fatalf("expected stop reason, got %q", h.notify.ended[0])
	}
}

func TestRecognizerFaultAbandonsSession(t *testing.T) {
	h := newHarness(t)
	notify := &captureNotifier{}
	machine := NewMachine(sessionConfig(), 500, faultyRecognizer{}, h.writer, notify, nil, newLogger()).
		WithClock(func() time.Time { return h.now })

	machine.HandleDetection(context.Background(), wakeword.Detection{Keyword: "listen", At: h.now})

	frame := make(audio.Frame, 320)
	h.now = h.now.Add(600 * time.Millisecond)
	machine.HandleFrame(context.Background(), frame)

	if machine.State() != StateIdle {
		t.Fatalf("expected idle after fault, got %v", machine.State())
	}
	if len(h.writer.entries) != 0 {
		t.Fatalf("expected no partial transcript on fault, got %d", len(h.writer.entries))
	}
	if len(notify.ended) != 1 || notify.ended[0] != ReasonFault {
		t.Fatalf("expected fault reason, got %v", notify.ended)
	}
}

func TestPartialMovementResetsSilenceTimer(t *testing.T) {
	h := newHarness(t)
	// Partial keeps changing for the first three polls, then sticks.
	h.rec.Script([]string{"one", "one two", "one two three", "one two three"}, "listen one two three")

	h.detect("listen", "listen")
	h.feed(1800*time.Millisecond, 100*time.Millisecond, false)
	if h.machine.State() != StateListening {
		t.Fatalf("expected still listening while partial moves, got %v", h.machine.State())
	}

	h.feed(3*time.Second, 100*time.Millisecond, false)
	if h.machine.State() != StateIdle {
		t.Fatalf("expected finalized after partial settles, got %v", h.machine.State())
	}
	if len(h.writer.entries) != 1 || h.writer.entries[0].Text != "one two three" {
		t.Fatalf("unexpected entries: %+v", h.writer.entries)
	}
}

func TestStripKeyword(t *testing.T) {
	cases := []struct {
		text, keyword, want string
	}{
		{"hey computer turn on the lights", "hey computer", "turn on the lights"},
		{"Hey Computer, open the door", "hey computer", "open the door"},
		{"turn on the lights", "hey computer", "turn on the lights"},
		{"hey computer", "hey computer", ""},
		{"  listen  ", "", "listen"},
		// Multi-byte runes whose Unicode lowering changes byte length
		// (U+212A KELVIN SIGN) must not shift the strip offset.
		{"K Hey Computer lights", "hey computer", "lights"},
		{"ışıkları Hey Computer aç", "hey computer", "aç"},
		{"héy computer merhaba", "héy computer", "merhaba"},
	}
	for _, c := range cases {
		if got := StripKeyword(c.text, c.keyword); got != c.want {
			t.Errorf("StripKeyword(%q, %q) = %q, want %q", c.text, c.keyword, got, c.want)
		}
	}
}
