// Package eventstore keeps a local SQLite history of completed dictations.
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

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Retention modes. Session history is cleared each time the store opens.
const (
	RetentionEphemeral  = "ephemeral"
	RetentionSession    = "session"
	RetentionPersistent = "persistent"
)

var ErrNotFound = errors.New("dictation not found")

// Dictation is one transcribed utterance.
type Dictation struct {
	ID         string    `json:"id"`
	ModelID    string    `json:"model_id"`
	Language   string    `json:"language"`
	Text       string    `json:"text"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed dictation history.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == RetentionEphemeral {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
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

	if cfg.RetentionMode == RetentionSession {
		if err := s.Clear(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("clear session history: %w", err)
		}
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

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == RetentionEphemeral || s.db == nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS dictations (
    id TEXT PRIMARY KEY,
    model_id TEXT NOT NULL,
    language TEXT,
    text TEXT NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dictations_created ON dictations(created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records d, assigning an id and timestamp when missing.
func (s *Store) Append(ctx context.Context, d Dictation) (Dictation, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.clock().UTC()
	}
	if s.disabled() {
		return d, nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dictations(id, model_id, language, text, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		d.ID, d.ModelID, d.Language, d.Text, d.DurationMS, d.CreatedAt.UnixMilli())
	if err != nil {
		return d, fmt.Errorf("insert dictation: %w", err)
	}
	return d, nil
}

// Recent returns up to limit dictations, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Dictation, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, model_id, language, text, duration_ms, created_at
		 FROM dictations ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Dictation
	for rows.Next() {
		d, err := scanDictation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Get returns the dictation with id.
func (s *Store) Get(ctx context.Context, id string) (Dictation, error) {
	if s.disabled() {
		return Dictation{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, model_id, language, text, duration_ms, created_at
		 FROM dictations WHERE id = ?`, id)
	d, err := scanDictation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Dictation{}, ErrNotFound
	}
	return d, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDictation(row scanner) (Dictation, error) {
	var d Dictation
	var language sql.NullString
	var created int64
	if err := row.Scan(&d.ID, &d.ModelID, &language, &d.Text, &d.DurationMS, &created); err != nil {
		return Dictation{}, err
	}
	d.Language = language.String
	d.CreatedAt = time.UnixMilli(created).UTC()
	return d, nil
}

// Clear deletes all history.
func (s *Store) Clear(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM dictations`)
	return err
}

// Prune applies configured retention (called on startup and after appends).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM dictations WHERE created_at < ?`, cutoff.UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxEntries > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM dictations WHERE id IN (
			SELECT id FROM dictations ORDER BY created_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEntries)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure checks the store matches its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == RetentionEphemeral && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
