package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// OrderStatus defines the state of a production order.
type OrderStatus string

const (
	OrderStatusWaiting   OrderStatus = "WAITING"
	OrderStatusActive    OrderStatus = "ACTIVE"
	OrderStatusCompleted OrderStatus = "COMPLETED"
)

// ProductionOrder is an explicitly advanced unit of work in a round. At most
// one order per round is ACTIVE.
type ProductionOrder struct {
	ID             uuid.UUID   `json:"id"`
	RoundID        uuid.UUID   `json:"round_id"`
	Position       int         `json:"position"`
	TargetID       uuid.UUID   `json:"target_id"`
	Status         OrderStatus `json:"status"`
	DeliveryCount  int         `json:"delivery_count"`
	DeliveredTeams []string    `json:"delivered_teams"`
	ActivatedAt    *time.Time  `json:"activated_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// HasDelivered reports whether teamID is already in the delivered set.
func (o *ProductionOrder) HasDelivered(teamID string) bool {
	if o == nil {
		return false
	}
	return slices.Contains(o.DeliveredTeams, teamID)
}

// Clone returns a deep copy of the order.
func (o *ProductionOrder) Clone() *ProductionOrder {
	if o == nil {
		return nil
	}
	c := *o
	c.DeliveredTeams = slices.Clone(o.DeliveredTeams)
	c.ActivatedAt = cloneTime(o.ActivatedAt)
	c.CompletedAt = cloneTime(o.CompletedAt)
	return &c
}
