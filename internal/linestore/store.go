package linestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
	_ "modernc.org/sqlite"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Line is a persisted transcript line.
type Line struct {
	ID                string
	SessionID         string
	Sequence          int
	Text              string
	FinalizedAtMS     int64
	TranslationStatus string
	CreatedAt         time.Time
}

// Store keeps finalized transcript lines and their translation status.
type Store struct {
	db    *sql.DB
	cfg   config.LineStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the line store according to config.
func Open(ctx context.Context, cfg config.LineStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "linestore"))
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
	db.SetMaxOpenConns(1)
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
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("line store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("line store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    priority TEXT,
    languages TEXT,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS lines (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    text TEXT NOT NULL,
    finalized_at_ms INTEGER NOT NULL,
    translation_status TEXT NOT NULL DEFAULT 'pending',
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_lines_session_seq ON lines(session_id, seq);
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

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// AppendSession ensures a session row exists and records its settings.
func (s *Store) AppendSession(ctx context.Context, sessionID, priority string, languages []string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, priority, languages, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET priority=excluded.priority, languages=excluded.languages`,
		sessionID, priority, strings.Join(languages, ","), s.clock().UnixMilli())
	return err
}

// AppendLine stores a finalized line. The session row is created on demand.
func (s *Store) AppendLine(ctx context.Context, line Line) error {
	if s.disabled() {
		return nil
	}
	if line.CreatedAt.IsZero() {
		line.CreatedAt = s.clock()
	}
	if line.TranslationStatus == "" {
		line.TranslationStatus = StatusPending
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, created_at) VALUES(?, ?) ON CONFLICT(session_id) DO NOTHING`,
		line.SessionID, line.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lines(id, session_id, seq, text, finalized_at_ms, translation_status, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		line.ID, line.SessionID, line.Sequence, line.Text, line.FinalizedAtMS, line.TranslationStatus, line.CreatedAt.UnixMilli())
	return err
}

// ListSessionLines returns up to limit lines of a session in sequence order,
// starting after the given sequence number.
func (s *Store) ListSessionLines(ctx context.Context, sessionID string, afterSeq, limit int) ([]Line, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, text, finalized_at_ms, translation_status, created_at
		 FROM lines WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`, sessionID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		var created int64
		if err := rows.Scan(&l.ID, &l.SessionID, &l.Sequence, &l.Text, &l.FinalizedAtMS, &l.TranslationStatus, &created); err != nil {
			return nil, err
		}
		l.CreatedAt = time.UnixMilli(created).UTC()
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// MarkTranslationComplete flags lines as translated. Repeated calls are
// harmless.
func (s *Store) MarkTranslationComplete(ctx context.Context, lineIDs []string) error {
	if s.disabled() || len(lineIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(lineIDs)), ",")
	args := make([]any, 0, len(lineIDs)+1)
	args = append(args, StatusCompleted)
	for _, id := range lineIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE lines SET translation_status = ? WHERE id IN (`+placeholders+`)`, args...)
	return err
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		// nothing to prune
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
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM lines WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
