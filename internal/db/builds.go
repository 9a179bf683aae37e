package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Build is one journal row describing a finished or failed image build.
type Build struct {
	ID         string
	ImagePath  string
	TableKind  string
	TotalBytes int64
	Status     string
	Error      *string
	CreatedAt  time.Time
	Partitions []BuildPartition
}

// BuildPartition records one partition's window and content digest.
type BuildPartition struct {
	Ordinal     int
	FSKind      string
	OffsetBytes int64
	LengthBytes int64
	Digest      string
}

// InsertBuild saves a build and its partitions in one transaction.
func InsertBuild(ctx context.Context, journal *sql.DB, build *Build) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate build id: %w", err)
	}
	build.ID = id.String()
	now := time.Now().Unix()
	build.CreatedAt = time.Unix(now, 0)

	tx, err := journal.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO builds (id, image_path, table_kind, total_bytes, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query,
		build.ID, build.ImagePath, build.TableKind, build.TotalBytes,
		build.Status, build.Error, now); err != nil {
		return err
	}

	partQuery := `
		INSERT INTO build_partitions (build_id, ordinal, fs_kind, offset_bytes, length_bytes, digest)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	for _, p := range build.Partitions {
		if _, err := tx.ExecContext(ctx, partQuery,
			build.ID, p.Ordinal, p.FSKind, p.OffsetBytes, p.LengthBytes, p.Digest); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetBuildByID retrieves a build with its partitions.
func GetBuildByID(ctx context.Context, journal *sql.DB, id string) (*Build, error) {
	query := `SELECT id, image_path, table_kind, total_bytes, status, error, created_at FROM builds WHERE id = ?`
	row := journal.QueryRowContext(ctx, query, id)

	var createdAt int64
	build := &Build{}
	err := row.Scan(&build.ID, &build.ImagePath, &build.TableKind, &build.TotalBytes,
		&build.Status, &build.Error, &createdAt)
	if err != nil {
		return nil, err
	}
	build.CreatedAt = time.Unix(createdAt, 0)

	partQuery := `SELECT ordinal, fs_kind, offset_bytes, length_bytes, digest FROM build_partitions WHERE build_id = ? ORDER BY ordinal`
	rows, err := journal.QueryContext(ctx, partQuery, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p := BuildPartition{}
		if err := rows.Scan(&p.Ordinal, &p.FSKind, &p.OffsetBytes, &p.LengthBytes, &p.Digest); err != nil {
			return nil, err
		}
		build.Partitions = append(build.Partitions, p)
	}
	return build, rows.Err()
}

// ListBuildsByImagePath retrieves builds for an image path, newest first.
// Partitions are not loaded.
func ListBuildsByImagePath(ctx context.Context, journal *sql.DB, imagePath string) ([]*Build, error) {
	query := `SELECT id, image_path, table_kind, total_bytes, status, error, created_at FROM builds WHERE image_path = ? ORDER BY created_at DESC`
	rows, err := journal.QueryContext(ctx, query, imagePath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []*Build
	for rows.Next() {
		var createdAt int64
		build := &Build{}
		if err := rows.Scan(&build.ID, &build.ImagePath, &build.TableKind, &build.TotalBytes,
			&build.Status, &build.Error, &createdAt); err != nil {
			return nil, err
		}
		build.CreatedAt = time.Unix(createdAt, 0)
		builds = append(builds, build)
	}
	return builds, rows.Err()
}
