package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-atis/internal/config"
	_ "modernc.org/sqlite"
)

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Session is one radio network session of a station.
type Session struct {
	ID          string
	StationID   string
	FrequencyHz int64
	OpenedAt    time.Time
	ClosedAt    time.Time
	CloseReason string
}

// Broadcast is one broadcast cycle. SessionID is empty when no session was
// established.
type Broadcast struct {
	ID        int64
	SessionID string
	StationID string
	Outcome   string
	Stage     string
	Frames    int
	Text      string
	Error     string
	Duration  time.Duration
	CreatedAt time.Time
}

// Store wraps a SQLite-backed broadcast history.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
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
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    station_id TEXT NOT NULL,
    frequency_hz INTEGER NOT NULL,
    opened_at TEXT NOT NULL,
    closed_at TEXT,
    close_reason TEXT
);
CREATE TABLE IF NOT EXISTS broadcasts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT,
    station_id TEXT NOT NULL,
    outcome TEXT NOT NULL,
    stage TEXT,
    frames INTEGER NOT NULL DEFAULT 0,
    text TEXT,
    error TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_broadcasts_station_created ON broadcasts(station_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_station_opened ON sessions(station_id, opened_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	ts, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OpenSession records a newly established session.
func (s *Store) OpenSession(ctx context.Context, sess Session) error {
	if !s.enabled() {
		return nil
	}
	if sess.OpenedAt.IsZero() {
		sess.OpenedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, station_id, frequency_hz, opened_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sess.ID, sess.StationID, sess.FrequencyHz, formatTime(sess.OpenedAt))
	return err
}

// CloseSession marks a session as torn down.
func (s *Store) CloseSession(ctx context.Context, sessionID, reason string, at time.Time) error {
	if !s.enabled() {
		return nil
	}
	if at.IsZero() {
		at = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET closed_at = ?, close_reason = ? WHERE session_id = ? AND closed_at IS NULL`,
		formatTime(at), reason, sessionID)
	return err
}

// AppendBroadcast writes a cycle into the store.
func (s *Store) AppendBroadcast(ctx context.Context, b Broadcast) error {
	if !s.enabled() {
		return nil
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.clock()
	}
	var sessionID any
	if b.SessionID != "" {
		sessionID = b.SessionID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcasts(session_id, station_id, outcome, stage, frames, text, error, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, b.StationID, b.Outcome, b.Stage, b.Frames, b.Text, b.Error, b.Duration.Milliseconds(), formatTime(b.CreatedAt))
	return err
}

// ListBroadcasts returns up to limit cycles of a station, newest first.
func (s *Store) ListBroadcasts(ctx context.Context, stationID string, limit int) ([]Broadcast, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, station_id, outcome, stage, frames, text, error, duration_ms, created_at
		 FROM broadcasts WHERE station_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Broadcast
	for rows.Next() {
		var (
			b                          Broadcast
			sessionID, stage, text, ev sql.NullString
			created                    sql.NullString
			durationMS                 int64
		)
		if err := rows.Scan(&b.ID, &sessionID, &b.StationID, &b.Outcome, &stage, &b.Frames, &text, &ev, &durationMS, &created); err != nil {
			return nil, err
		}
		b.SessionID = sessionID.String
		b.Stage = stage.String
		b.Text = text.String
		b.Error = ev.String
		b.Duration = time.Duration(durationMS) * time.Millisecond
		b.CreatedAt = parseTime(created)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListSessions returns up to limit sessions of a station, newest first.
func (s *Store) ListSessions(ctx context.Context, stationID string, limit int) ([]Session, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, station_id, frequency_hz, opened_at, closed_at, close_reason
		 FROM sessions WHERE station_id = ? ORDER BY opened_at DESC LIMIT ?`, stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess                   Session
			opened, closed, reason sql.NullString
		)
		if err := rows.Scan(&sess.ID, &sess.StationID, &sess.FrequencyHz, &opened, &closed, &reason); err != nil {
			return nil, err
		}
		sess.OpenedAt = parseTime(opened)
		sess.ClosedAt = parseTime(closed)
		sess.CloseReason = reason.String
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
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

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		// nothing to prune
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := formatTime(s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour))
		if _, err = tx.ExecContext(ctx, `DELETE FROM broadcasts WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE opened_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY opened_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
