package orders

import (
	"github.com/google/uuid"
	"github.com/mcdev12/roundsync/go/internal/models"
	"github.com/mcdev12/roundsync/go/internal/store"
)

// ErrSequenceExhausted is reported through ActivateResult.Exhausted when a
// round has no Waiting orders left.
var ErrSequenceExhausted = store.ErrSequenceExhausted

// GenerateOrdersRequest cycles TargetIDs until every team has an order.
type GenerateOrdersRequest struct {
	TargetIDs []uuid.UUID `json:"target_ids"`
	TeamCount int         `json:"team_count"`
}

type RecordDeliveryRequest struct {
	TeamID string `json:"team_id"`
}

// ActivateResult is the outcome of ActivateNext. Changed is false when
// another caller advanced the queue first or when it was exhausted.
type ActivateResult struct {
	Activated *models.ProductionOrder `json:"activated,omitempty"`
	Completed *models.ProductionOrder `json:"completed,omitempty"`
	Exhausted bool                    `json:"exhausted"`
	Changed   bool                    `json:"changed"`
}

// DeliveryResult is the outcome of RecordDelivery.
type DeliveryResult struct {
	Order        *models.ProductionOrder `json:"order"`
	FirstForTeam bool                    `json:"first_for_team"`
}
