package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

const (
	reopenInitialBackoff = time.Second
	// Idle hypotheses that stop moving get flushed so the recognizer
	// buffer stays bounded between wake events.
	idleStaleAfter = 3 * time.Second
	idleResetEvery = 30 * time.Second
)

// runLoop is the single owner of the capture stream, ring, recognizer,
// and session machine. It exits on context cancellation, clean replay
// EOF, or when the stream cannot be reopened.
func (r *Runtime) runLoop(ctx context.Context) error {
	defer func() {
		if r.source != nil {
			if err := r.source.Close(); err != nil {
				r.logger.Error("capture close error", slog.String("error", err.Error()))
			}
		}
	}()

	var (
		lastScore   time.Time
		lastPartial string
		partialAt   = time.Now()
		lastReset   = time.Now()
	)
	scoreInterval := time.Duration(r.cfg.Wake.ScoreIntervalMS) * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			r.machine.Flush(context.Background())
			return nil
		default:
		}

		frame, err := r.source.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.logger.Info("replay source exhausted")
				r.machine.Flush(ctx)
				return nil
			}
			if reopenErr := r.recoverStream(ctx, err); reopenErr != nil {
				r.machine.Flush(context.Background())
				return reopenErr
			}
			continue
		}
		r.streamFaults.Store(0)

		r.ring.Push(frame)
		r.meters.frames.Add(ctx, 1)

		if r.paused.Load() {
			continue
		}

		if r.machine.Active() {
			r.machine.HandleFrame(ctx, frame)
			// Scoring restarts from a clean hypothesis after the
			// session finalizes.
			if !r.machine.Active() {
				lastPartial = ""
				partialAt = time.Now()
				lastReset = time.Now()
			}
			continue
		}

		if err := r.rec.AcceptFrame(ctx, frame.PCMBytes()); err != nil {
			r.logger.Warn("recognizer rejected frame", slog.String("error", err.Error()))
			r.resetIdle(&lastPartial, &partialAt, &lastReset)
			continue
		}

		now := time.Now()
		if now.Sub(lastScore) < scoreInterval {
			continue
		}
		lastScore = now

		result, err := r.rec.Partial(ctx)
		if err != nil {
			r.logger.Warn("partial hypothesis failed", slog.String("error", err.Error()))
			r.resetIdle(&lastPartial, &partialAt, &lastReset)
			continue
		}

		if result.Text != lastPartial {
			if result.Text != "" {
				r.logger.Debug("heard", slog.String("text", result.Text))
			}
			lastPartial = result.Text
			partialAt = now
		}

		if d, ok := r.detector.Score(result.Text); ok {
			r.logger.Info("wake word detected",
				slog.String("keyword", d.Keyword),
				slog.Float64("confidence", d.Confidence))
			r.noteDetection(d)
			if err := r.store.RecordDetection(ctx, d); err != nil {
				r.logger.Warn("failed to record detection", slog.String("error", err.Error()))
			}
			r.machine.HandleDetection(ctx, d)
			continue
		}

		stale := lastPartial != "" && now.Sub(partialAt) >= idleStaleAfter
		if stale || now.Sub(lastReset) >= idleResetEvery {
			r.resetIdle(&lastPartial, &partialAt, &lastReset)
		}
	}
}

func (r *Runtime) resetIdle(lastPartial *string, partialAt, lastReset *time.Time) {
	if err := r.rec.Reset(); err != nil {
		r.logger.Warn("recognizer reset failed", slog.String("error", err.Error()))
	}
	*lastPartial = ""
	now := time.Now()
	*partialAt = now
	*lastReset = now
}

// recoverStream closes the failed source and reopens it with doubling
// backoff. A session in flight when the stream dies is finalized first
// so captured speech is not lost to a slow reopen.
func (r *Runtime) recoverStream(ctx context.Context, cause error) error {
	r.machine.Flush(ctx)
	faults := r.streamFaults.Add(1)
	r.meters.dropouts.Add(ctx, 1)
	r.logger.Warn("capture stream fault",
		slog.String("error", cause.Error()),
		slog.Int64("consecutive", faults))
	r.notifier.StreamTrouble(cause, int(faults))

	if err := r.source.Close(); err != nil {
		r.logger.Debug("closing failed stream", slog.String("error", err.Error()))
	}
	r.source = nil

	backoff := reopenInitialBackoff
	maxBackoff := time.Duration(r.cfg.Audio.ReopenMaxBackoff) * time.Millisecond
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		source, err := r.openSource()
		if err == nil {
			r.logger.Info("capture stream reopened", slog.Int("attempts", attempt))
			r.source = source
			return nil
		}
		r.logger.Warn("capture reopen failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		if attempt >= r.cfg.Audio.MaxReadErrors {
			r.notifier.StreamTrouble(err, attempt)
			return errReopenExhausted
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
