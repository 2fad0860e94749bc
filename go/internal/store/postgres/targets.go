package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/mcdev12/roundsync/go/internal/models"
	"github.com/mcdev12/roundsync/go/internal/sqlutil"
)

func scanTarget(row pgx.Row) (models.Target, error) {
	var (
		t        models.Target
		imageURL pgtype.Text
	)
	if err := row.Scan(&t.ID, &t.Name, &imageURL, &t.CreatedAt); err != nil {
		return models.Target{}, err
	}
	t.ImageURL = sqlutil.FromText(imageURL, "")
	return t, nil
}

func (s *Store) CreateTarget(ctx context.Context, t models.Target) (*models.Target, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	created, err := scanTarget(s.pool.QueryRow(ctx, `
		INSERT INTO targets (id, name, image_url)
		VALUES ($1, $2, $3)
		RETURNING id, name, image_url, created_at`,
		t.ID, t.Name, sqlutil.ToText(t.ImageURL)))
	if err != nil {
		return nil, mapError(err, "create target")
	}
	return &created, nil
}

func (s *Store) ResolveTarget(ctx context.Context, id uuid.UUID) (*models.Target, error) {
	t, err := scanTarget(s.pool.QueryRow(ctx, `SELECT id, name, image_url, created_at FROM targets WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("resolve target %s", id))
	}
	return &t, nil
}

func (s *Store) ListTargets(ctx context.Context) ([]models.Target, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, image_url, created_at FROM targets ORDER BY name`)
	if err != nil {
		return nil, mapError(err, "list targets")
	}
	targets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Target, error) {
		return scanTarget(row)
	})
	if err != nil {
		return nil, mapError(err, "list targets")
	}
	return targets, nil
}
