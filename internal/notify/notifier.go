// Package notify delivers state-machine events to external indicators.
// Hooks are fire-and-forget: a slow or absent indicator never blocks
// the audio loop, so publish failures are logged and dropped.
package notify

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/quietwire/earmark/internal/bus"
	"github.com/quietwire/earmark/internal/protocol"
	"github.com/quietwire/earmark/internal/session"
	"github.com/quietwire/earmark/internal/wakeword"
)

// Notifier is the full hook surface the runtime drives.
type Notifier interface {
	WakeDetected(d wakeword.Detection)
	SessionStarted(info session.Info)
	SessionEnded(info session.Info, text, reason string)
	StreamTrouble(err error, consecutive int)
}

// New returns a bus-backed notifier when a bus client is supplied,
// otherwise a log-only fallback.
func New(client *bus.Client, log *slog.Logger) Notifier {
	if client != nil {
		return &busNotifier{client: client, log: log.With(slog.String("component", "notify"))}
	}
	return &logNotifier{log: log.With(slog.String("component", "notify"))}
}

type busNotifier struct {
	client *bus.Client
	log    *slog.Logger
}

func (n *busNotifier) WakeDetected(d wakeword.Detection) {
	n.publish(protocol.SubjectWakeDetected, protocol.WakeEvent{
		Keyword:    d.Keyword,
		Confidence: d.Confidence,
		Heard:      d.Text,
		Timestamp:  d.At,
	})
}

func (n *busNotifier) SessionStarted(info session.Info) {
	n.publish(protocol.SubjectSessionStart, protocol.SessionEvent{
		SessionID: info.ID,
		Keyword:   info.Keyword,
		Timestamp: info.StartedAt,
	})
}

func (n *busNotifier) SessionEnded(info session.Info, text, reason string) {
	n.publish(protocol.SubjectSessionEnd, protocol.SessionEvent{
		SessionID: info.ID,
		Keyword:   info.Keyword,
		Text:      text,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

func (n *busNotifier) StreamTrouble(err error, consecutive int) {
	n.publish(protocol.SubjectStreamTrouble, protocol.TroubleEvent{
		Error:       err.Error(),
		Consecutive: consecutive,
		Timestamp:   time.Now().UTC(),
	})
}

func (n *busNotifier) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.log.Warn("failed to marshal notification", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := n.client.Conn().Publish(subject, data); err != nil {
		n.log.Warn("failed to publish notification", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

type logNotifier struct {
	log *slog.Logger
}

func (n *logNotifier) WakeDetected(d wakeword.Detection) {
	n.log.Info("wake word detected",
		slog.String("keyword", d.Keyword),
		slog.Float64("confidence", d.Confidence))
}

func (n *logNotifier) SessionStarted(info session.Info) {
	n.log.Info("session started", slog.String("session_id", info.ID))
}

func (n *logNotifier) SessionEnded(info session.Info, text, reason string) {
	n.log.Info("session ended",
		slog.String("session_id", info.ID),
		slog.String("reason", reason),
		slog.Int("text_len", len(text)))
}

func (n *logNotifier) StreamTrouble(err error, consecutive int) {
	n.log.Warn("capture stream trouble",
		slog.String("error", err.Error()),
		slog.Int("consecutive", consecutive))
}
