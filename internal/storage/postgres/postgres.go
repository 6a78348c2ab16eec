package postgres

import (
	"context"
	"database/sql"
	"ecobridge/internal/storage"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStorage implements storage.Store on a shared PostgreSQL database.
// Rows are keyed by namespace so several bridges can share one database.
type PostgresStorage struct {
	db        *sql.DB
	namespace string
}

// New opens a connection and returns a store for namespace
func New(ctx context.Context, databaseURL, namespace string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStorage{db: db, namespace: namespace}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *PostgresStorage) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS custom_data (
			name TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

// Load retrieves the namespace document
func (s *PostgresStorage) Load(ctx context.Context) (*storage.Document, error) {
	var data string
	var version int64

	err := s.db.QueryRowContext(ctx,
		`SELECT data, version FROM custom_data WHERE name = $1`, s.namespace,
	).Scan(&data, &version)
	if err == sql.ErrNoRows {
		return storage.NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load custom data: %w", err)
	}

	return storage.DecodeDocument([]byte(data), version)
}

// Save writes the document if its version still matches the stored one
func (s *PostgresStorage) Save(ctx context.Context, doc *storage.Document) error {
	raw, err := doc.Encode()
	if err != nil {
		return err
	}

	var result sql.Result
	if doc.Version == 0 {
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO custom_data (name, data, version)
			VALUES ($1, $2, 1)
			ON CONFLICT (name) DO NOTHING`,
			s.namespace, string(raw))
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE custom_data
			SET data = $1, version = version + 1, updated_at = NOW()
			WHERE name = $2 AND version = $3`,
			string(raw), s.namespace, doc.Version)
	}
	if err != nil {
		return fmt.Errorf("save custom data: %w", err)
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
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
