// Package postgres is the production upload store. Status writes use a
// version column so concurrent dispatch paths cannot silently overwrite each
// other.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echolabs/audiopipe/internal/upload"
)

type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the uploads table if needed, so local compose setups
// bootstrap without a migration step.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS uploads (
	id BIGSERIAL PRIMARY KEY,
	uuid TEXT NOT NULL UNIQUE,
	original_filename TEXT NOT NULL,
	extension TEXT NOT NULL,
	content_type TEXT NOT NULL,
	file_size BIGINT NOT NULL,
	directory TEXT NOT NULL,
	uploader_id BIGINT NOT NULL,
	processing_status TEXT NOT NULL,
	processing_error_message TEXT,
	retry_count INT NOT NULL DEFAULT 0,
	last_failed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	version BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_uploads_status ON uploads(processing_status);
CREATE INDEX IF NOT EXISTS idx_uploads_status_updated ON uploads(processing_status, updated_at);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const uploadColumns = `id, uuid, original_filename, extension, content_type, file_size,
	directory, uploader_id, processing_status, COALESCE(processing_error_message,''),
	retry_count, last_failed_at, created_at, updated_at, version`

func (s *Store) Create(ctx context.Context, u *upload.Upload) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	u.Version = 1

	row := s.pool.QueryRow(ctx, `
		INSERT INTO uploads (uuid, original_filename, extension, content_type, file_size,
			directory, uploader_id, processing_status, processing_error_message,
			retry_count, last_failed_at, created_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING id
	`, u.UUID, u.OriginalFilename, u.Extension, u.ContentType, u.FileSize,
		u.Directory, u.UploaderID, u.ProcessingStatus, nullIfEmpty(u.ProcessingErrorMessage),
		u.RetryCount, u.LastFailedAt, u.CreatedAt, u.UpdatedAt, u.Version)
	if err := row.Scan(&u.ID); err != nil {
		return fmt.Errorf("insert upload: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id int64) (*upload.Upload, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id=$1`, id)
	return scanUpload(row)
}

func (s *Store) GetByUUID(ctx context.Context, uuid string) (*upload.Upload, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE uuid=$1`, uuid)
	return scanUpload(row)
}

// Update writes the mutable processing and media fields guarded by the
// version column.
// Zero rows affected means another writer bumped the version first.
func (s *Store) Update(ctx context.Context, u *upload.Upload) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE uploads
		SET processing_status=$1, processing_error_message=$2, retry_count=$3,
			last_failed_at=$4, extension=$5, content_type=$6, file_size=$7,
			updated_at=$8, version=version+1
		WHERE id=$9 AND version=$10
	`, u.ProcessingStatus, nullIfEmpty(u.ProcessingErrorMessage), u.RetryCount,
		u.LastFailedAt, u.Extension, u.ContentType, u.FileSize,
		u.UpdatedAt, u.ID, u.Version)
	if err != nil {
		return fmt.Errorf("update upload %d: %w", u.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a stale version from a missing row.
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM uploads WHERE id=$1)`, u.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check upload %d: %w", u.ID, err)
		}
		if !exists {
			return upload.ErrNotFound
		}
		return upload.ErrVersionConflict
	}
	u.Version++
	return nil
}

func (s *Store) FindByStatus(ctx context.Context, status upload.Status, limit int) ([]*upload.Upload, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+uploadColumns+` FROM uploads
		WHERE processing_status=$1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("select uploads by status: %w", err)
	}
	defer rows.Close()
	return scanUploads(rows)
}

func (s *Store) FindStuck(ctx context.Context, statuses []upload.Status, cutoff time.Time, limit int) ([]*upload.Upload, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+uploadColumns+` FROM uploads
		WHERE processing_status = ANY($1) AND updated_at <= $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`, names, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select stuck uploads: %w", err)
	}
	defer rows.Close()
	return scanUploads(rows)
}

func scanUploads(rows pgx.Rows) ([]*upload.Upload, error) {
	var out []*upload.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUpload(row pgx.Row) (*upload.Upload, error) {
	var u upload.Upload
	err := row.Scan(&u.ID, &u.UUID, &u.OriginalFilename, &u.Extension, &u.ContentType,
		&u.FileSize, &u.Directory, &u.UploaderID, &u.ProcessingStatus,
		&u.ProcessingErrorMessage, &u.RetryCount, &u.LastFailedAt,
		&u.CreatedAt, &u.UpdatedAt, &u.Version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, upload.ErrNotFound
		}
		return nil, fmt.Errorf("scan upload: %w", err)
	}
	return &u, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
