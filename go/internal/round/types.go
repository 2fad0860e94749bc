package round

import (
	"github.com/google/uuid"
	"github.com/mcdev12/roundsync/go/internal/models"
)

// CreateRoundRequest creates a round. A nil SequenceNumber is allocated from
// the counter.
type CreateRoundRequest struct {
	SequenceNumber  *int `json:"sequence_number,omitempty"`
	DurationSeconds int  `json:"duration_seconds"`
}

type UpdateDurationRequest struct {
	DurationSeconds int `json:"duration_seconds"`
}

type DefineSequenceRequest struct {
	TargetIDs []uuid.UUID `json:"target_ids"`
	DefinedBy string      `json:"defined_by"`
}

// GenerateSequenceRequest draws Length targets from Pool.
type GenerateSequenceRequest struct {
	Pool      []uuid.UUID `json:"pool"`
	Length    int         `json:"length"`
	DefinedBy string      `json:"defined_by"`
}

// TransitionResult is the outcome of a lifecycle call. Changed is false when
// the round was already in the requested state.
type TransitionResult struct {
	Round   *models.Round `json:"round"`
	Changed bool          `json:"changed"`
}

type Transition string

const (
	TransitionStart  Transition = "start"
	TransitionPause  Transition = "pause"
	TransitionFinish Transition = "finish"
)
