// Package history archives wake detections and session outcomes in a
// local SQLite database so an operator can answer "what did it hear and
// when" without grepping transcript files.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/quietwire/earmark/internal/config"
	"github.com/quietwire/earmark/internal/session"
	"github.com/quietwire/earmark/internal/wakeword"
	_ "modernc.org/sqlite"
)

// SessionRecord is one archived command-capture episode.
type SessionRecord struct {
	ID         string
	Keyword    string
	Confidence float64
	StartedAt  time.Time
	EndedAt    time.Time
	Reason     string
	Transcript string
}

// Store wraps the SQLite-backed archive. A disabled store is a valid
// zero-cost no-op so callers never need nil checks around config.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the archive according to config.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	if !cfg.Enabled {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    keyword TEXT NOT NULL,
    confidence REAL,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    reason TEXT,
    transcript TEXT
);
CREATE TABLE IF NOT EXISTS detections (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    keyword TEXT NOT NULL,
    confidence REAL,
    heard TEXT,
    detected_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
CREATE INDEX IF NOT EXISTS idx_detections_detected ON detections(detected_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordDetection archives a wake-word hit.
func (s *Store) RecordDetection(ctx context.Context, d wakeword.Detection) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detections(keyword, confidence, heard, detected_at) VALUES(?, ?, ?, ?)`,
		d.Keyword, d.Confidence, d.Text, d.At.UTC())
	return err
}

// StartSession records the opening of a capture episode.
func (s *Store) StartSession(ctx context.Context, info session.Info) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, keyword, confidence, started_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		info.ID, info.Keyword, info.Confidence, info.StartedAt.UTC())
	return err
}

// FinishSession records the outcome of a capture episode.
func (s *Store) FinishSession(ctx context.Context, id string, endedAt time.Time, text, reason string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, transcript = ?, reason = ? WHERE session_id = ?`,
		endedAt.UTC(), text, reason, id)
	return err
}

// ListRecentSessions returns up to limit sessions newest-first.
func (s *Store) ListRecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, keyword, confidence, started_at, COALESCE(ended_at, ''), COALESCE(reason, ''), COALESCE(transcript, '')
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var started, ended string
		if err := rows.Scan(&r.ID, &r.Keyword, &r.Confidence, &started, &ended, &r.Reason, &r.Transcript); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
			r.StartedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, ended); err == nil {
			r.EndedAt = ts
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune applies the configured retention.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM detections WHERE detected_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
