package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/roundsync/go/internal/models"
)

// Payload types carried by notifications. Consumers treat them as hints: the
// authoritative record is always refetched before derived state changes.

// RoundTransitionPayload is the payload for created/started/paused/finished
// and duration-changed notifications.
type RoundTransitionPayload struct {
	Transition string       `json:"transition"`
	From       string       `json:"from,omitempty"`
	Round      models.Round `json:"round"`
}

// RotationChangedPayload is emitted by a client scheduler when the active
// target advances.
type RotationChangedPayload struct {
	RoundID     uuid.UUID             `json:"round_id"`
	ActiveIndex int                   `json:"active_index"`
	Passed      []models.PassedTarget `json:"passed"`
}

// OrderActivatedPayload is the payload for an order-activated notification.
type OrderActivatedPayload struct {
	RoundID   uuid.UUID               `json:"round_id"`
	Activated models.ProductionOrder  `json:"activated"`
	Completed *models.ProductionOrder `json:"completed,omitempty"`
}

// DeliveryRecordedPayload is the payload for a delivery-recorded notification.
type DeliveryRecordedPayload struct {
	RoundID       uuid.UUID `json:"round_id"`
	OrderID       uuid.UUID `json:"order_id"`
	TeamID        string    `json:"team_id"`
	DeliveryCount int       `json:"delivery_count"`
	FirstForTeam  bool      `json:"first_for_team"`
}

// OrdersGeneratedPayload is the payload for an orders-generated notification.
type OrdersGeneratedPayload struct {
	RoundID uuid.UUID `json:"round_id"`
	Count   int       `json:"count"`
}

// SequenceDefinedPayload is the payload for a sequence-defined notification.
type SequenceDefinedPayload struct {
	RoundID uuid.UUID `json:"round_id"`
	Length  int       `json:"length"`
}

// RefetchPayload tells consumers that authoritative rows changed and should
// be re-read.
type RefetchPayload struct {
	Table    string    `json:"table"`
	Source   string    `json:"source"`
	Triggers []string  `json:"triggers,omitempty"`
	Changes  int       `json:"changes"`
	FirstAt  time.Time `json:"first_at"`
}

// ResetPayload is the payload for a reset notification.
type ResetPayload struct {
	ResetAt time.Time `json:"reset_at"`
}
