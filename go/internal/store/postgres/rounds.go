package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/mcdev12/roundsync/go/internal/models"
	"github.com/mcdev12/roundsync/go/internal/sqlutil"
	"github.com/mcdev12/roundsync/go/internal/store"
)

const roundColumns = `id, sequence_number, duration_seconds, status, started_at, finished_at,
	paused_at, paused_seconds, created_at, updated_at, version`

func scanRound(row pgx.Row) (models.Round, error) {
	var (
		r                            models.Round
		status                       string
		startedAt, finishedAt, pause pgtype.Timestamptz
	)
	err := row.Scan(
		&r.ID, &r.SequenceNumber, &r.DurationSeconds, &status,
		&startedAt, &finishedAt, &pause, &r.PausedSeconds,
		&r.CreatedAt, &r.UpdatedAt, &r.Version,
	)
	if err != nil {
		return models.Round{}, err
	}
	r.Status = models.RoundStatus(status)
	r.StartedAt = sqlutil.FromTimestamptz(startedAt)
	r.FinishedAt = sqlutil.FromTimestamptz(finishedAt)
	r.PausedAt = sqlutil.FromTimestamptz(pause)
	return r, nil
}

func (s *Store) CreateRound(ctx context.Context, r models.Round) (*models.Round, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO rounds (`+roundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+roundColumns,
		r.ID, r.SequenceNumber, r.DurationSeconds, string(r.Status),
		sqlutil.ToTimestamptz(r.StartedAt), sqlutil.ToTimestamptz(r.FinishedAt),
		sqlutil.ToTimestamptz(r.PausedAt), r.PausedSeconds,
		r.CreatedAt, r.UpdatedAt, max(r.Version, 1),
	)
	created, err := scanRound(row)
	if err != nil {
		return nil, mapError(err, "create round")
	}
	return &created, nil
}

func (s *Store) GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id)
	r, err := scanRound(row)
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("get round %s", id))
	}
	return &r, nil
}

func (s *Store) ListRounds(ctx context.Context) ([]models.Round, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+roundColumns+` FROM rounds ORDER BY sequence_number`)
	if err != nil {
		return nil, mapError(err, "list rounds")
	}
	rounds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Round, error) {
		return scanRound(row)
	})
	if err != nil {
		return nil, mapError(err, "list rounds")
	}
	return rounds, nil
}

func (s *Store) MaxSequenceNumber(ctx context.Context) (int, error) {
	var highest int
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence_number), 0) FROM rounds`).Scan(&highest)
	if err != nil {
		return 0, mapError(err, "max sequence number")
	}
	return highest, nil
}

// UpdateRound writes the mutable columns of next only while the stored
// version still equals next.Version, and bumps the version.
func (s *Store) UpdateRound(ctx context.Context, next models.Round) (*models.Round, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE rounds SET
			duration_seconds = $2,
			status = $3,
			started_at = $4,
			finished_at = $5,
			paused_at = $6,
			paused_seconds = $7,
			updated_at = $8,
			version = version + 1
		WHERE id = $1 AND version = $9
		RETURNING `+roundColumns,
		next.ID, next.DurationSeconds, string(next.Status),
		sqlutil.ToTimestamptz(next.StartedAt), sqlutil.ToTimestamptz(next.FinishedAt),
		sqlutil.ToTimestamptz(next.PausedAt), next.PausedSeconds, next.UpdatedAt,
		next.Version,
	)
	updated, err := scanRound(row)
	if err == nil {
		return &updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapError(err, "update round")
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rounds WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
		return nil, mapError(err, "update round")
	}
	if !exists {
		return nil, fmt.Errorf("round %s: %w", next.ID, store.ErrNotFound)
	}
	return nil, fmt.Errorf("round %s no longer at version %d: %w", next.ID, next.Version, store.ErrStaleWrite)
}

func (s *Store) CreateSequence(ctx context.Context, entries []models.TargetSequenceEntry) error {
	if len(entries) == 0 {
		return nil
	}
	roundID := entries[0].RoundID

	return sqlutil.Run(ctx, s.pool, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM rounds WHERE id = $1 FOR UPDATE`, roundID).Scan(&status); err != nil {
			return mapError(err, fmt.Sprintf("lock round %s", roundID))
		}
		if models.RoundStatus(status) != models.RoundStatusWaiting {
			return fmt.Errorf("round %s is %s: %w", roundID, status, store.ErrRoundNotWaiting)
		}
		var existing int
		err := tx.QueryRow(ctx, `SELECT count(*) FROM target_sequence_entries WHERE round_id = $1`, roundID).Scan(&existing)
		if err != nil {
			return mapError(err, "count sequence entries")
		}
		if existing > 0 {
			return fmt.Errorf("round %s: %w", roundID, store.ErrSequenceExists)
		}

		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(`
				INSERT INTO target_sequence_entries (id, round_id, position, target_id, defined_by, defined_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				e.ID, e.RoundID, e.Position, e.TargetID, e.DefinedBy, e.DefinedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return mapError(err, "insert sequence entries")
		}
		return nil
	})
}

func (s *Store) GetSequence(ctx context.Context, roundID uuid.UUID) ([]models.TargetSequenceEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, round_id, position, target_id, defined_by, defined_at
		FROM target_sequence_entries
		WHERE round_id = $1
		ORDER BY position`, roundID)
	if err != nil {
		return nil, mapError(err, "get sequence")
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.TargetSequenceEntry, error) {
		var e models.TargetSequenceEntry
		err := row.Scan(&e.ID, &e.RoundID, &e.Position, &e.TargetID, &e.DefinedBy, &e.DefinedAt)
		return e, err
	})
	if err != nil {
		return nil, mapError(err, "get sequence")
	}
	return entries, nil
}

// DeleteAll truncates every round table and announces one table-wide change
// in place of per-row notifications.
func (s *Store) DeleteAll(ctx context.Context) error {
	return sqlutil.Run(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `TRUNCATE production_orders, target_sequence_entries, rounds`); err != nil {
			return mapError(err, "truncate rounds")
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, `{"table":"*","op":"DELETE"}`); err != nil {
			return mapError(err, "notify reset")
		}
		return nil
	})
}

// Next increments the persistent round counter.
func (s *Store) Next(ctx context.Context) (int, error) {
	var value int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO round_counter (id, value) VALUES (TRUE, 1)
		ON CONFLICT (id) DO UPDATE SET value = round_counter.value + 1
		RETURNING value`).Scan(&value)
	if err != nil {
		return 0, mapError(err, "next sequence number")
	}
	return value, nil
}

func (s *Store) Reset(ctx context.Context, value int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO round_counter (id, value) VALUES (TRUE, $1)
		ON CONFLICT (id) DO UPDATE SET value = EXCLUDED.value`, value)
	if err != nil {
		return mapError(err, "reset sequence counter")
	}
	return nil
}
