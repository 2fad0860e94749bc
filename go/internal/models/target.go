package models

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Target is a flavor that teams produce.
type Target struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	ImageURL  string    `json:"image_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TargetSequenceEntry is one slot of a round's rotation schedule. Positions
// are contiguous starting at 1 and the entry is immutable once written.
type TargetSequenceEntry struct {
	ID        uuid.UUID `json:"id"`
	RoundID   uuid.UUID `json:"round_id"`
	Position  int       `json:"position"`
	TargetID  uuid.UUID `json:"target_id"`
	DefinedBy string    `json:"defined_by"`
	DefinedAt time.Time `json:"defined_at"`
}

// TargetResolver looks up the target a sequence entry or order refers to.
type TargetResolver interface {
	ResolveTarget(ctx context.Context, id uuid.UUID) (*Target, error)
}

// TargetResolverFunc adapts a function to TargetResolver.
type TargetResolverFunc func(ctx context.Context, id uuid.UUID) (*Target, error)

func (f TargetResolverFunc) ResolveTarget(ctx context.Context, id uuid.UUID) (*Target, error) {
	return f(ctx, id)
}

// PassedTarget records a sequence entry whose rotation slot has elapsed.
// FinalizedAt is stamped by the client that observed the transition.
type PassedTarget struct {
	Entry       TargetSequenceEntry `json:"entry"`
	FinalizedAt time.Time           `json:"finalized_at"`
}
