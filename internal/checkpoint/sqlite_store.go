package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ChuLiYu/chunkrun/pkg/types"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS chunkrun_checkpoint (
	job_key    TEXT PRIMARY KEY,
	record     TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// SQLiteStore keeps one checkpoint row per job key in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	jobKey string
}

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(path, jobKey string) (*SQLiteStore, error) {
	if jobKey == "" {
		jobKey = "default"
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite checkpoint db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return &SQLiteStore{db: db, path: path, jobKey: jobKey}, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) (*types.Checkpoint, error) {
	var record string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM chunkrun_checkpoint WHERE job_key = ?`, s.jobKey).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint row: %w", err)
	}
	return Decode([]byte(record))
}

// Save upserts the row inside a transaction.
func (s *SQLiteStore) Save(ctx context.Context, cp types.Checkpoint) error {
	data, err := Encode(cp)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chunkrun_checkpoint (job_key, record, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(job_key) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		s.jobKey, string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert checkpoint: %w", err)
	}
	return tx.Commit()
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunkrun_checkpoint WHERE job_key = ?`, s.jobKey); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Describe implements Store.
func (s *SQLiteStore) Describe() string {
	return fmt.Sprintf("sqlite://%s#%s", s.path, s.jobKey)
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
