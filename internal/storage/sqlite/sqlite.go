package sqlite

import (
	"context"
	"database/sql"
	"ecobridge/internal/storage"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage implements storage.Store using SQLite.
// Several processes on one host can share the same database file; the
// version column makes every save a compare-and-swap.
type SQLiteStorage struct {
	db *sql.DB
}

// New creates a new SQLite storage instance
func New(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection
	if isMemory(dbPath) {
		db.SetMaxOpenConns(1)
	}

	storage := &SQLiteStorage{db: db}

	if err := storage.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

func isMemory(dbPath string) bool {
	return dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
}

// dsn adds the pragmas needed when other processes write the same file
func dsn(dbPath string) string {
	if isMemory(dbPath) {
		return dbPath
	}
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_busy_timeout=5000&_journal_mode=WAL"
}

// migrate creates the database schema
func (s *SQLiteStorage) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS custom_data (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Load retrieves the custom data document
func (s *SQLiteStorage) Load(ctx context.Context) (*storage.Document, error) {
	var data string
	var version int64

	err := s.db.QueryRowContext(ctx, `
		SELECT data, version FROM custom_data WHERE id = 1
	`).Scan(&data, &version)

	if err == sql.ErrNoRows {
		return storage.NewDocument(), nil // Nothing stored yet
	}
	if err != nil {
		return nil, err
	}

	return storage.DecodeDocument([]byte(data), version)
}

// Save writes the document if its version still matches the stored one
func (s *SQLiteStorage) Save(ctx context.Context, doc *storage.Document) error {
	raw, err := doc.Encode()
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	var result sql.Result
	if doc.Version == 0 {
		// First write ever; a concurrent first write wins the row
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO custom_data (id, data, version, created_at, updated_at)
			VALUES (1, ?, 1, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, string(raw), now, now)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE custom_data
			SET data = ?, version = version + 1, updated_at = ?
			WHERE id = 1 AND version = ?
		`, string(raw), now, doc.Version)
	}
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return storage.ErrVersionConflict
	}

	doc.Version++
	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
