package protocol

import "time"

// ServiceState is the process-wide lifecycle flag reported on /status.
type ServiceState string

const (
	StateStarting ServiceState = "starting"
	StateRunning  ServiceState = "running"
	StatePaused   ServiceState = "paused"
	StateStopping ServiceState = "stopping"
	StateStopped  ServiceState = "stopped"
)

// WakeEvent is published when a wake word clears the confidence threshold.
type WakeEvent struct {
	Keyword    string    `json:"keyword"`
	Confidence float64   `json:"confidence"`
	Heard      string    `json:"heard"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionEvent marks the start or end of a command-capture session.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Keyword   string    `json:"keyword"`
	Text      string    `json:"text,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TroubleEvent reports persistent capture faults so an external
// supervisor or indicator can act.
type TroubleEvent struct {
	Error       string    `json:"error"`
	Consecutive int       `json:"consecutive"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectWakeDetected  = "earmark.wake.detected"
	SubjectSessionStart  = "earmark.session.start"
	SubjectSessionEnd    = "earmark.session.end"
	SubjectStreamTrouble = "earmark.stream.trouble"
)
