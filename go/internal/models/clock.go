package models

import "github.com/google/uuid"

// ClockSnapshot is the per-client derived view of a round. It is recomputed
// continuously and never persisted.
type ClockSnapshot struct {
	RoundID            uuid.UUID   `json:"round_id"`
	Status             RoundStatus `json:"status"`
	RemainingSeconds   int         `json:"remaining_seconds"`
	FormattedTime      string      `json:"formatted_time"`
	ProgressPercentage float64     `json:"progress_percentage"`
	ActiveIndex        int         `json:"active_index"`
	PassedCount        int         `json:"passed_count"`
	OffsetMillis       int64       `json:"offset_millis"`
}
