// Package runtime is the service shell: it owns process lifecycle,
// wires the capture pipeline together, and exposes the control surface
// an external tray or service manager drives.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/quietwire/earmark/internal/audio"
	"github.com/quietwire/earmark/internal/bus"
	"github.com/quietwire/earmark/internal/config"
	"github.com/quietwire/earmark/internal/history"
	"github.com/quietwire/earmark/internal/natsserver"
	"github.com/quietwire/earmark/internal/notify"
	"github.com/quietwire/earmark/internal/protocol"
	"github.com/quietwire/earmark/internal/session"
	"github.com/quietwire/earmark/internal/stt"
	"github.com/quietwire/earmark/internal/transcript"
	"github.com/quietwire/earmark/internal/wakeword"
)

type counters struct {
	frames     metric.Int64Counter
	dropouts   metric.Int64Counter
	detections metric.Int64Counter
	sessions   metric.Int64Counter
	finalized  metric.Int64Counter
}

// Runtime owns every pipeline component. The frame loop has exclusive
// ownership of the ring, recognizer, session machine, and file handles;
// the control surface communicates with it only through atomic flags
// and context cancellation.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	stateMu sync.Mutex
	state   protocol.ServiceState

	paused       atomic.Bool
	streamFaults atomic.Int64

	loopCancel context.CancelFunc
	stopOnce   sync.Once

	httpServer  *http.Server
	tracerClose func(context.Context) error

	source   audio.Source
	ring     *audio.Ring
	rec      stt.Recognizer
	detector *wakeword.Detector
	machine  *session.Machine
	writer   *transcript.Writer
	store    *history.Store
	busSrv   *natsserver.EmbeddedServer
	busCli   *bus.Client
	notifier notify.Notifier
	meters   counters

	statusMu      sync.Mutex
	sessionActive bool
	sessionID     string
	lastKeyword   string
	lastDetected  time.Time

	wg sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		state:  protocol.StateStarting,
	}
}

// Start brings the pipeline up and blocks until ctx is cancelled, stop
// is requested, or the capture loop fails fatally.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.loopCancel = cancel

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	if err := r.initCounters(); err != nil {
		return fmt.Errorf("failed to create metric instruments: %w", err)
	}

	if r.cfg.Bus.Enabled {
		srv, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.busSrv = srv
		cli, err := bus.Connect(r.cfg.Bus, r.logger)
		if err != nil {
			r.busSrv.Shutdown()
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		r.busCli = cli
	}
	r.notifier = notify.New(r.busCli, r.logger)

	store, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	r.store = store

	writer, err := transcript.NewWriter(r.cfg.Transcript.OutputDir, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open transcript writer: %w", err)
	}
	r.writer = writer

	rec, err := stt.New(r.cfg.Recognizer, r.cfg.Audio.SampleRate)
	if err != nil {
		return fmt.Errorf("failed to create recognizer: %w", err)
	}
	r.rec = rec

	r.detector = wakeword.New(r.cfg.Wake, r.logger)
	r.ring = audio.NewRingForWindow(r.cfg.Audio.SampleRate, r.cfg.Audio.WindowMS)
	r.machine = session.NewMachine(r.cfg.Session, r.cfg.Wake.ScoreIntervalMS, rec, writer, r, r.store, r.logger)

	source, err := r.openSource()
	if err != nil {
		return err
	}
	r.source = source

	r.startHTTP(metricHandler)

	loopErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		loopErr <- r.runLoop(ctx)
	}()

	r.setState(protocol.StateRunning)
	r.logger.Info("earmark running",
		slog.String("output_dir", r.cfg.Transcript.OutputDir),
		slog.Any("wake_words", r.detector.Keywords()))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-loopErr:
		cancel()
	}

	r.setState(protocol.StateStopping)
	r.logger.Info("runtime stopping")

	r.wg.Wait()
	r.shutdown()
	r.setState(protocol.StateStopped)
	return runErr
}

// RequestStop asks the frame loop to flush and exit. Idempotent.
func (r *Runtime) RequestStop() {
	r.stopOnce.Do(func() {
		r.logger.Info("stop requested")
		r.setState(protocol.StateStopping)
		if r.loopCancel != nil {
			r.loopCancel()
		}
	})
}

// Pause gates scoring and session logic without touching the capture
// stream, so resuming costs nothing.
func (r *Runtime) Pause() {
	if r.paused.CompareAndSwap(false, true) {
		r.setState(protocol.StatePaused)
		r.logger.Info("service paused")
	}
}

func (r *Runtime) Resume() {
	if r.paused.CompareAndSwap(true, false) {
		r.setState(protocol.StateRunning)
		r.logger.Info("service resumed")
	}
}

// State reports the current lifecycle state.
func (r *Runtime) State() protocol.ServiceState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

func (r *Runtime) setState(s protocol.ServiceState) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.state == protocol.StateStopped {
		return
	}
	// Pause only shadows Running, and nothing resurrects a stopping
	// service. The guard lives here so a stop racing a resume cannot
	// flip the reported state back to running.
	if s == protocol.StatePaused && r.state != protocol.StateRunning {
		return
	}
	if s == protocol.StateRunning && r.state == protocol.StateStopping {
		return
	}
	r.state = s
}

// SessionStarted implements the session notifier, fanning out to the
// external hook and refreshing the status snapshot.
func (r *Runtime) SessionStarted(info session.Info) {
	r.statusMu.Lock()
	r.sessionActive = true
	r.sessionID = info.ID
	r.statusMu.Unlock()
	r.meters.sessions.Add(context.Background(), 1)
	r.notifier.SessionStarted(info)
}

// SessionEnded implements the session notifier.
func (r *Runtime) SessionEnded(info session.Info, text, reason string) {
	r.statusMu.Lock()
	r.sessionActive = false
	r.sessionID = ""
	r.statusMu.Unlock()
	r.meters.finalized.Add(context.Background(), 1)
	r.notifier.SessionEnded(info, text, reason)
}

func (r *Runtime) noteDetection(d wakeword.Detection) {
	r.statusMu.Lock()
	r.lastKeyword = d.Keyword
	r.lastDetected = d.At
	r.statusMu.Unlock()
	r.meters.detections.Add(context.Background(), 1)
	r.notifier.WakeDetected(d)
}

func (r *Runtime) initCounters() error {
	meter := otel.Meter("github.com/quietwire/earmark")
	var err error
	if r.meters.frames, err = meter.Int64Counter("earmark.frames.read"); err != nil {
		return err
	}
	if r.meters.dropouts, err = meter.Int64Counter("earmark.stream.faults"); err != nil {
		return err
	}
	if r.meters.detections, err = meter.Int64Counter("earmark.wake.detections"); err != nil {
		return err
	}
	if r.meters.sessions, err = meter.Int64Counter("earmark.sessions.started"); err != nil {
		return err
	}
	if r.meters.finalized, err = meter.Int64Counter("earmark.sessions.finalized"); err != nil {
		return err
	}
	return nil
}

func (r *Runtime) openSource() (audio.Source, error) {
	frameLen := audio.FrameLength(r.cfg.Audio.SampleRate, r.cfg.Audio.FrameDurationMS)
	switch r.cfg.Audio.Backend {
	case "wav":
		return audio.OpenReplay(r.cfg.Audio.ReplayPath, r.cfg.Audio.SampleRate, frameLen, r.logger)
	default:
		return audio.OpenCapture(r.cfg.Audio.DeviceSelector, r.cfg.Audio.SampleRate, frameLen, r.logger)
	}
}

func (r *Runtime) startHTTP(metricHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	mux.HandleFunc("/pause", r.handlePause)
	mux.HandleFunc("/resume", r.handleResume)
	mux.HandleFunc("/stop", r.handleStop)
	mux.HandleFunc("/devices", r.handleDevices)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("control surface listening", slog.String("addr", addr))
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.writer != nil {
		if err := r.writer.Close(); err != nil {
			r.logger.Error("transcript close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("history close error", slog.String("error", err.Error()))
		}
	}
	r.busCli.Close()
	r.busSrv.Shutdown()
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.State() == protocol.StateRunning || r.State() == protocol.StatePaused {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type statusResponse struct {
	State          protocol.ServiceState `json:"state"`
	SessionActive  bool                  `json:"session_active"`
	SessionID      string                `json:"session_id,omitempty"`
	LastKeyword    string                `json:"last_keyword,omitempty"`
	LastDetectedAt string                `json:"last_detected_at,omitempty"`
	StreamFaults   int64                 `json:"stream_faults"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	r.statusMu.Lock()
	resp := statusResponse{
		State:         r.State(),
		SessionActive: r.sessionActive,
		SessionID:     r.sessionID,
		LastKeyword:   r.lastKeyword,
		StreamFaults:  r.streamFaults.Load(),
	}
	if !r.lastDetected.IsZero() {
		resp.LastDetectedAt = r.lastDetected.Format(time.RFC3339)
	}
	r.statusMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (r *Runtime) handlePause(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Pause()
	w.WriteHeader(http.StatusOK)
}

func (r *Runtime) handleResume(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Resume()
	w.WriteHeader(http.StatusOK)
}

func (r *Runtime) handleStop(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.RequestStop()
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := audio.ListDevices()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = fmt.Fprintf(w, "device enumeration failed: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(devices)
}

var _ session.Notifier = (*Runtime)(nil)

var errReopenExhausted = errors.New("capture reopen attempts exhausted")
