package postgres

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/mcdev12/roundsync/go/internal/models"
	"github.com/mcdev12/roundsync/go/internal/sqlutil"
	"github.com/mcdev12/roundsync/go/internal/store"
)

const orderColumns = `id, round_id, position, target_id, status, delivery_count, delivered_teams,
	activated_at, completed_at, created_at`

func scanOrder(row pgx.Row) (models.ProductionOrder, error) {
	var (
		o                      models.ProductionOrder
		status                 string
		activated, completedAt pgtype.Timestamptz
	)
	err := row.Scan(
		&o.ID, &o.RoundID, &o.Position, &o.TargetID, &status,
		&o.DeliveryCount, &o.DeliveredTeams,
		&activated, &completedAt, &o.CreatedAt,
	)
	if err != nil {
		return models.ProductionOrder{}, err
	}
	o.Status = models.OrderStatus(status)
	o.ActivatedAt = sqlutil.FromTimestamptz(activated)
	o.CompletedAt = sqlutil.FromTimestamptz(completedAt)
	if o.DeliveredTeams == nil {
		o.DeliveredTeams = []string{}
	}
	return o, nil
}

func collectOrders(rows pgx.Rows) ([]models.ProductionOrder, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ProductionOrder, error) {
		return scanOrder(row)
	})
}

func (s *Store) CreateOrders(ctx context.Context, orders []models.ProductionOrder) error {
	if len(orders) == 0 {
		return nil
	}
	roundID := orders[0].RoundID

	return sqlutil.Run(ctx, s.pool, func(tx pgx.Tx) error {
		var locked uuid.UUID
		if err := tx.QueryRow(ctx, `SELECT id FROM rounds WHERE id = $1 FOR UPDATE`, roundID).Scan(&locked); err != nil {
			return mapError(err, fmt.Sprintf("lock round %s", roundID))
		}
		var existing int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM production_orders WHERE round_id = $1`, roundID).Scan(&existing); err != nil {
			return mapError(err, "count orders")
		}
		if existing > 0 {
			return fmt.Errorf("round %s: %w", roundID, store.ErrOrdersExist)
		}

		batch := &pgx.Batch{}
		for _, o := range orders {
			teams := o.DeliveredTeams
			if teams == nil {
				teams = []string{}
			}
			batch.Queue(`
				INSERT INTO production_orders (`+orderColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				o.ID, o.RoundID, o.Position, o.TargetID, string(o.Status),
				o.DeliveryCount, teams,
				sqlutil.ToTimestamptz(o.ActivatedAt), sqlutil.ToTimestamptz(o.CompletedAt), o.CreatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return mapError(err, "insert orders")
		}
		return nil
	})
}

func (s *Store) ListOrders(ctx context.Context, roundID uuid.UUID) ([]models.ProductionOrder, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM production_orders WHERE round_id = $1 ORDER BY position`, roundID)
	if err != nil {
		return nil, mapError(err, "list orders")
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, mapError(err, "list orders")
	}
	return orders, nil
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.ProductionOrder, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM production_orders WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("get order %s", id))
	}
	return &o, nil
}

// ActivateNextOrder locks the round's open orders, checks the caller saw the
// current active one, then completes it and activates the next Waiting order
// in the same transaction.
func (s *Store) ActivateNextOrder(ctx context.Context, roundID, expectedActive uuid.UUID, now time.Time) (*models.ProductionOrder, *models.ProductionOrder, error) {
	var activated, completed *models.ProductionOrder

	err := sqlutil.Run(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+orderColumns+`
			FROM production_orders
			WHERE round_id = $1 AND status IN ('WAITING', 'ACTIVE')
			ORDER BY position
			FOR UPDATE`, roundID)
		if err != nil {
			return mapError(err, "lock orders")
		}
		open, err := collectOrders(rows)
		if err != nil {
			return mapError(err, "lock orders")
		}

		activeID := uuid.Nil
		activeIdx := slices.IndexFunc(open, func(o models.ProductionOrder) bool { return o.Status == models.OrderStatusActive })
		if activeIdx >= 0 {
			activeID = open[activeIdx].ID
		}
		if activeID != expectedActive {
			return fmt.Errorf("round %s active order moved: %w", roundID, store.ErrStaleWrite)
		}
		waitingIdx := slices.IndexFunc(open, func(o models.ProductionOrder) bool { return o.Status == models.OrderStatusWaiting })
		if waitingIdx < 0 {
			return store.ErrSequenceExhausted
		}

		if activeIdx >= 0 {
			o, err := scanOrder(tx.QueryRow(ctx, `
				UPDATE production_orders SET status = 'COMPLETED', completed_at = $2
				WHERE id = $1
				RETURNING `+orderColumns, activeID, now))
			if err != nil {
				return mapError(err, "complete order")
			}
			completed = &o
		}

		o, err := scanOrder(tx.QueryRow(ctx, `
			UPDATE production_orders SET status = 'ACTIVE', activated_at = $2
			WHERE id = $1
			RETURNING `+orderColumns, open[waitingIdx].ID, now))
		if err != nil {
			return mapError(err, "activate order")
		}
		activated = &o
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return activated, completed, nil
}

// RecordDelivery increments the delivery count and appends teamID to the
// delivered set when it is absent.
func (s *Store) RecordDelivery(ctx context.Context, orderID uuid.UUID, teamID string) (*models.ProductionOrder, bool, error) {
	var (
		updated models.ProductionOrder
		first   bool
	)
	err := sqlutil.Run(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT NOT ($2::text = ANY (delivered_teams))
			FROM production_orders WHERE id = $1
			FOR UPDATE`, orderID, teamID).Scan(&first)
		if err != nil {
			return mapError(err, fmt.Sprintf("lock order %s", orderID))
		}

		updated, err = scanOrder(tx.QueryRow(ctx, `
			UPDATE production_orders SET
				delivery_count = delivery_count + 1,
				delivered_teams = CASE WHEN $3::boolean THEN array_append(delivered_teams, $2::text) ELSE delivered_teams END
			WHERE id = $1
			RETURNING `+orderColumns, orderID, teamID, first))
		if err != nil {
			return mapError(err, "record delivery")
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &updated, first, nil
}
