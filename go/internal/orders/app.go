package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roundsync/go/internal/apperrors"
	"github.com/mcdev12/roundsync/go/internal/events"
	"github.com/mcdev12/roundsync/go/internal/models"
	"github.com/mcdev12/roundsync/go/internal/notify"
	"github.com/mcdev12/roundsync/go/internal/store"
	"github.com/rs/zerolog/log"
)

// Repository defines what the orders app layer needs from persistence
type Repository interface {
	CreateOrders(ctx context.Context, orders []models.ProductionOrder) error
	ListOrders(ctx context.Context, roundID uuid.UUID) ([]models.ProductionOrder, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*models.ProductionOrder, error)
	// ActivateNextOrder completes expectedActive (uuid.Nil for none) and
	// activates the first Waiting order in one step. It returns
	// store.ErrStaleWrite if the active order is no longer expectedActive and
	// ErrSequenceExhausted if nothing is Waiting.
	ActivateNextOrder(ctx context.Context, roundID, expectedActive uuid.UUID, now time.Time) (activated, completed *models.ProductionOrder, err error)
	RecordDelivery(ctx context.Context, orderID uuid.UUID, teamID string) (*models.ProductionOrder, bool, error)
}

// RoundReader is the slice of the round repository the ledger checks against.
type RoundReader interface {
	GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error)
}

// App is the order delivery ledger.
type App struct {
	repo      Repository
	rounds    RoundReader
	publisher notify.Publisher
	clock     clockwork.Clock
}

// NewApp creates a new orders App. publisher may be nil.
func NewApp(repo Repository, rounds RoundReader, publisher notify.Publisher, clock clockwork.Clock) *App {
	return &App{
		repo:      repo,
		rounds:    rounds,
		publisher: publisher,
		clock:     clock,
	}
}

// Generate creates ceil(teamCount/len(targets)) full cycles of orders over
// targets, all Waiting, with positions starting at 1.
func (a *App) Generate(ctx context.Context, roundID uuid.UUID, req GenerateOrdersRequest) ([]models.ProductionOrder, error) {
	if len(req.TargetIDs) == 0 {
		return nil, apperrors.Validationf("at least one target is required")
	}
	if req.TeamCount <= 0 {
		return nil, apperrors.Validationf("team count must be positive, got %d", req.TeamCount)
	}

	r, err := a.rounds.GetRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	if r.Status == models.RoundStatusFinished {
		return nil, apperrors.Validationf("cannot generate orders for a finished round")
	}

	cycles := (req.TeamCount + len(req.TargetIDs) - 1) / len(req.TargetIDs)
	now := a.clock.Now()
	orders := make([]models.ProductionOrder, 0, cycles*len(req.TargetIDs))
	for i := range cycles * len(req.TargetIDs) {
		orders = append(orders, models.ProductionOrder{
			ID:             uuid.New(),
			RoundID:        roundID,
			Position:       i + 1,
			TargetID:       req.TargetIDs[i%len(req.TargetIDs)],
			Status:         models.OrderStatusWaiting,
			DeliveredTeams: []string{},
			CreatedAt:      now,
		})
	}

	if err := a.repo.CreateOrders(ctx, orders); err != nil {
		return nil, fmt.Errorf("failed to create orders: %w", err)
	}

	log.Info().
		Str("round_id", roundID.String()).
		Int("targets", len(req.TargetIDs)).
		Int("team_count", req.TeamCount).
		Int("orders", len(orders)).
		Msg("production orders generated")
	a.publish(ctx, events.KindOrdersGenerated, roundID, events.OrdersGeneratedPayload{RoundID: roundID, Count: len(orders)})
	return orders, nil
}

// ActivateNext completes the active order and activates the next Waiting
// one. Running out of orders is reported through Exhausted, and losing a
// race to another caller is a no-op that returns the winner's active order.
func (a *App) ActivateNext(ctx context.Context, roundID uuid.UUID) (*ActivateResult, error) {
	current, err := a.repo.ListOrders(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	active := findActive(current)
	expected := uuid.Nil
	if active != nil {
		expected = active.ID
	}

	activated, completed, err := a.repo.ActivateNextOrder(ctx, roundID, expected, a.clock.Now())
	switch {
	case errors.Is(err, ErrSequenceExhausted):
		log.Info().Str("round_id", roundID.String()).Msg("no waiting orders left")
		return &ActivateResult{Activated: active, Exhausted: true}, nil
	case errors.Is(err, store.ErrStaleWrite):
		log.Debug().Str("round_id", roundID.String()).Msg("active order advanced concurrently")
		latest, err := a.repo.ListOrders(ctx, roundID)
		if err != nil {
			return nil, fmt.Errorf("failed to list orders: %w", err)
		}
		return &ActivateResult{Activated: findActive(latest)}, nil
	case err != nil:
		return nil, fmt.Errorf("failed to activate next order: %w", err)
	}

	ev := log.Info().
		Str("round_id", roundID.String()).
		Str("order_id", activated.ID.String()).
		Int("position", activated.Position)
	if completed != nil {
		ev = ev.Str("completed_order_id", completed.ID.String())
	}
	ev.Msg("order activated")

	a.publish(ctx, events.KindOrderActivated, roundID, events.OrderActivatedPayload{
		RoundID:   roundID,
		Activated: *activated,
		Completed: completed,
	})
	return &ActivateResult{Activated: activated, Completed: completed, Changed: true}, nil
}

// RecordDelivery counts a delivery from teamID against an order that has
// been activated. Repeat deliveries count but leave the delivered set as is.
func (a *App) RecordDelivery(ctx context.Context, orderID uuid.UUID, teamID string) (*DeliveryResult, error) {
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return nil, apperrors.Validationf("team id is required")
	}

	o, err := a.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if o.Status == models.OrderStatusWaiting {
		return nil, apperrors.Validationf("order %d has not been activated", o.Position)
	}

	updated, first, err := a.repo.RecordDelivery(ctx, orderID, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to record delivery: %w", err)
	}

	log.Info().
		Str("round_id", updated.RoundID.String()).
		Str("order_id", orderID.String()).
		Str("team_id", teamID).
		Int("delivery_count", updated.DeliveryCount).
		Bool("first_for_team", first).
		Msg("delivery recorded")
	a.publish(ctx, events.KindDeliveryRecorded, updated.RoundID, events.DeliveryRecordedPayload{
		RoundID:       updated.RoundID,
		OrderID:       orderID,
		TeamID:        teamID,
		DeliveryCount: updated.DeliveryCount,
		FirstForTeam:  first,
	})
	return &DeliveryResult{Order: updated, FirstForTeam: first}, nil
}

func (a *App) List(ctx context.Context, roundID uuid.UUID) ([]models.ProductionOrder, error) {
	orders, err := a.repo.ListOrders(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// HasDelivered reports whether teamID is in the order's delivered set.
func (a *App) HasDelivered(ctx context.Context, orderID uuid.UUID, teamID string) (bool, error) {
	o, err := a.repo.GetOrder(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to get order: %w", err)
	}
	return o.HasDelivered(teamID), nil
}

func findActive(orders []models.ProductionOrder) *models.ProductionOrder {
	for i := range orders {
		if orders[i].Status == models.OrderStatusActive {
			return orders[i].Clone()
		}
	}
	return nil
}

func (a *App) publish(ctx context.Context, kind events.Kind, roundID uuid.UUID, payload any) {
	if a.publisher == nil {
		return
	}
	n, err := events.New(kind, roundID, a.clock.Now(), payload)
	if err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Msg("failed to build notification")
		return
	}
	a.publisher.Publish(ctx, n)
}
