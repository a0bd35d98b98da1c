package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lightprint/sbta/pkg"
)

// SQLite persists records in a single table keyed by mode
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the schema
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer keeps inserts serialized under WAL
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS templates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mode TEXT NOT NULL,
		data BLOB NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_templates_mode ON templates(mode, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save inserts one record
func (s *SQLite) Save(ctx context.Context, mode string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO templates (mode, data, created_at) VALUES (?, ?, ?)`,
		mode, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

// List returns the records under mode in insertion order
func (s *SQLite) List(ctx context.Context, mode string) ([]pkg.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mode, data, created_at FROM templates WHERE mode = ? ORDER BY id ASC`, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var records []pkg.Record
	for rows.Next() {
		var r pkg.Record
		if err := rows.Scan(&r.ID, &r.Mode, &r.Data, &r.Timestamp); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Clear deletes every record under mode
func (s *SQLite) Clear(ctx context.Context, mode string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE mode = ?`, mode); err != nil {
		return fmt.Errorf("failed to clear templates: %w", err)
	}
	return nil
}

// Close releases the database handle
func (s *SQLite) Close() error {
	return s.db.Close()
}
