// Package db keeps a journal of image builds in a local sqlite database:
// one row per build plus one row per partition with its window geometry
// and content digest.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migration/*.sql
var migrationFiles embed.FS

// Open opens (or creates) the journal database at path and applies the
// schema. Use ":memory:" for tests.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	journal, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if err := InitSchema(ctx, journal); err != nil {
		journal.Close()
		return nil, err
	}
	return journal, nil
}

func InitSchema(ctx context.Context, db *sql.DB) error {
	schema, err := migrationFiles.ReadFile("migration/001_initial.sql")
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	_, err = db.ExecContext(ctx, string(schema))
	if err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}
