package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps cache rows in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer keeps the upsert free of SQLITE_BUSY under concurrent puts
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS translations (
    id TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL UNIQUE,
    original_text TEXT NOT NULL,
    target_language TEXT NOT NULL,
    translated_text TEXT NOT NULL,
    engine TEXT NOT NULL,
    quality_score REAL NOT NULL,
    usage_count INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_translations_expires ON translations(expires_at);
CREATE INDEX IF NOT EXISTS idx_translations_created ON translations(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, hash string, now time.Time) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content_hash, original_text, target_language, translated_text, engine,
		        quality_score, usage_count, created_at, expires_at
		 FROM translations WHERE content_hash = ? AND expires_at >= ?`, hash, now.UnixMilli())
	var e Entry
	var created, expires int64
	err := row.Scan(&e.ID, &e.ContentHash, &e.OriginalText, &e.TargetLanguage, &e.TranslatedText,
		&e.Engine, &e.QualityScore, &e.UsageCount, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e.CreatedAt = time.UnixMilli(created).UTC()
	e.ExpiresAt = time.UnixMilli(expires).UTC()
	return e, true, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, e Entry) (string, error) {
	// replace: the stored row expired, or the new one is better
	const replace = `(translations.expires_at < excluded.created_at OR excluded.quality_score > translations.quality_score)`
	const expired = `translations.expires_at < excluded.created_at`
	query := `INSERT INTO translations(id, content_hash, original_text, target_language, translated_text,
	                                   engine, quality_score, usage_count, created_at, expires_at)
	          VALUES(?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	          ON CONFLICT(content_hash) DO UPDATE SET
	            translated_text = CASE WHEN ` + replace + ` THEN excluded.translated_text ELSE translations.translated_text END,
	            engine = CASE WHEN ` + replace + ` THEN excluded.engine ELSE translations.engine END,
	            quality_score = CASE WHEN ` + replace + ` THEN excluded.quality_score ELSE translations.quality_score END,
	            usage_count = CASE WHEN ` + expired + ` THEN 0 ELSE translations.usage_count END,
	            created_at = CASE WHEN ` + expired + ` THEN excluded.created_at ELSE translations.created_at END,
	            expires_at = MAX(translations.expires_at, excluded.expires_at)
	          RETURNING id`
	var id string
	err := s.db.QueryRowContext(ctx, query,
		e.ID, e.ContentHash, e.OriginalText, e.TargetLanguage, e.TranslatedText,
		e.Engine, e.QualityScore, e.CreatedAt.UnixMilli(), e.ExpiresAt.UnixMilli()).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert translation: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) IncrementUsage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE translations SET usage_count = usage_count + 1 WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, p Predicate) (int64, error) {
	if p.empty() {
		return 0, nil
	}
	var clauses []string
	var args []any
	if !p.ExpiredBefore.IsZero() {
		clauses = append(clauses, "expires_at < ?")
		args = append(args, p.ExpiredBefore.UnixMilli())
	}
	if p.UsageBelow > 0 {
		clauses = append(clauses, "usage_count < ?")
		args = append(args, p.UsageBelow)
	}
	if !p.CreatedBefore.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, p.CreatedBefore.UnixMilli())
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM translations WHERE "+strings.Join(clauses, " AND "), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM translations`).Scan(&n)
	return n, err
}
