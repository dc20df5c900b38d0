package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339

// ErrNoRecord is returned when a lookup matches nothing.
var ErrNoRecord = errors.New("no such record")

// SQLiteStore persists subscriptions using modernc.org/sqlite (pure Go, zero CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
// The database file is created with 0600 permissions and its parent directory
// with 0700.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
			if err != nil {
				return nil, fmt.Errorf("creating database file: %w", err)
			}
			_ = f.Close()
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		slog.Info("applying migration", "version", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}

	return nil
}

// CreateSubscription inserts a new subscription. The insert is a single
// statement, so a record is either fully visible or absent.
func (s *SQLiteStore) CreateSubscription(ctx context.Context, rec *SubscriptionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, analysis_id, webhook_url, created_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.AnalysisID, rec.WebhookURL, rec.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

// GetSubscription returns the subscription with the given id, or ErrNoRecord.
func (s *SQLiteStore) GetSubscription(ctx context.Context, id string) (*SubscriptionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, analysis_id, webhook_url, created_at FROM subscriptions WHERE id = ?`, id)

	rec, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRecord
	}
	return rec, err
}

// ListSubscriptionsByAnalysis returns all subscriptions registered for the
// analysis, oldest first. An empty result is not an error.
func (s *SQLiteStore) ListSubscriptionsByAnalysis(ctx context.Context, analysisID string) ([]SubscriptionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, analysis_id, webhook_url, created_at FROM subscriptions
		 WHERE analysis_id = ? ORDER BY created_at, id`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []SubscriptionRecord
	for rows.Next() {
		rec, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscriptions: %w", err)
	}
	return recs, nil
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*SubscriptionRecord, error) {
	var rec SubscriptionRecord
	var createdAt string
	if err := row.Scan(&rec.ID, &rec.AnalysisID, &rec.WebhookURL, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning subscription: %w", err)
	}

	t, err := time.Parse(timeFormat, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	rec.CreatedAt = t

	return &rec, nil
}
