package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mcdev12/roundsync/go/internal/apperrors"
	"github.com/mcdev12/roundsync/go/internal/store"
)

const uniqueViolation = "23505"

// mapError translates driver errors into the store sentinels and error kinds.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == uniqueViolation {
			switch pgErr.ConstraintName {
			case "rounds_sequence_number_key":
				return fmt.Errorf("%s: %w", op, store.ErrDuplicateSequenceNumber)
			case "target_sequence_entries_round_position_key":
				return fmt.Errorf("%s: %w", op, store.ErrSequenceExists)
			case "production_orders_round_position_key":
				return fmt.Errorf("%s: %w", op, store.ErrOrdersExist)
			case "production_orders_one_active":
				return fmt.Errorf("%s: %w", op, store.ErrStaleWrite)
			}
		}
		return apperrors.Terminal(err, op)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return apperrors.TransientSync(err, op)
	}
	return apperrors.Terminal(err, op)
}
