// internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"imagestore/internal/models"
)

// Postgres is the MetadataStore backed by the images table.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	const op = "storage.NewPostgres"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) Put(ctx context.Context, rec *models.ImageRecord) error {
	const op = "storage.Postgres.Put"

	_, err := s.pool.Exec(ctx,
		`INSERT INTO images (id, file_path, original_name, owner_key, user_path, file_size, format, width, height, upload_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.UUID, rec.FilePath, rec.OriginalName, rec.OwnerKey, rec.UserPath,
		rec.FileSize, rec.Format, rec.Width, rec.Height, rec.UploadTime)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*models.ImageRecord, error) {
	const op = "storage.Postgres.Get"

	var rec models.ImageRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, file_path, original_name, owner_key, user_path, file_size, format, width, height, upload_time
		 FROM images WHERE id = $1`, id).
		Scan(&rec.UUID, &rec.FilePath, &rec.OriginalName, &rec.OwnerKey, &rec.UserPath,
			&rec.FileSize, &rec.Format, &rec.Width, &rec.Height, &rec.UploadTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: image %s: %w", op, id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &rec, nil
}

func (s *Postgres) Delete(ctx context.Context, id string) (bool, error) {
	const op = "storage.Postgres.Delete"

	tag, err := s.pool.Exec(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) ListByOwner(ctx context.Context, q models.ListQuery) ([]models.ImageRecord, error) {
	const op = "storage.Postgres.ListByOwner"

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, file_path, original_name, owner_key, user_path, file_size, format, width, height, upload_time
		 FROM images
		 WHERE owner_key = $1 AND ($2 = '' OR starts_with(user_path, $2))
		 ORDER BY upload_time DESC, id
		 LIMIT $3 OFFSET $4`,
		q.OwnerKey, q.PathPrefix, limit, max(q.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]models.ImageRecord, 0, limit)
	for rows.Next() {
		var rec models.ImageRecord
		if err := rows.Scan(&rec.UUID, &rec.FilePath, &rec.OriginalName, &rec.OwnerKey, &rec.UserPath,
			&rec.FileSize, &rec.Format, &rec.Width, &rec.Height, &rec.UploadTime); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
