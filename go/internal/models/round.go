package models

import (
	"time"

	"github.com/google/uuid"
)

// RoundStatus defines the lifecycle state of a round.
type RoundStatus string

const (
	RoundStatusWaiting  RoundStatus = "WAITING"
	RoundStatusActive   RoundStatus = "ACTIVE"
	RoundStatusPaused   RoundStatus = "PAUSED"
	RoundStatusFinished RoundStatus = "FINISHED"
)

// Valid reports whether s is a known round status.
func (s RoundStatus) Valid() bool {
	switch s {
	case RoundStatusWaiting, RoundStatusActive, RoundStatusPaused, RoundStatusFinished:
		return true
	default:
		return false
	}
}

// Round represents one timed production cycle.
//
// StartedAt is nil iff Status is WAITING. FinishedAt is non-nil iff Status is
// FINISHED. PausedAt is set only while PAUSED; PausedSeconds accumulates every
// completed pause so elapsed time excludes it. Version increases by one on
// every stored write.
type Round struct {
	ID              uuid.UUID   `json:"id"`
	SequenceNumber  int         `json:"sequence_number"`
	DurationSeconds int         `json:"duration_seconds"`
	Status          RoundStatus `json:"status"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty"`
	PausedAt        *time.Time  `json:"paused_at,omitempty"`
	PausedSeconds   float64     `json:"paused_seconds"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	Version         int         `json:"version"`
}

// Duration returns the configured round length.
func (r *Round) Duration() time.Duration {
	if r == nil {
		return 0
	}
	return time.Duration(r.DurationSeconds) * time.Second
}

// IsActive reports whether the round clock is running.
func (r *Round) IsActive() bool {
	return r != nil && r.Status == RoundStatusActive
}

// Elapsed returns how much of the round has been consumed at now, excluding
// paused time. A round that has not started has consumed nothing.
func (r *Round) Elapsed(now time.Time) time.Duration {
	if r == nil || r.StartedAt == nil {
		return 0
	}
	end := now
	switch {
	case r.Status == RoundStatusPaused && r.PausedAt != nil:
		end = *r.PausedAt
	case r.Status == RoundStatusFinished && r.FinishedAt != nil:
		end = *r.FinishedAt
	}
	elapsed := end.Sub(*r.StartedAt) - time.Duration(r.PausedSeconds*float64(time.Second))
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Clone returns a deep copy so callers can hold a snapshot without sharing
// the timestamp pointers.
func (r *Round) Clone() *Round {
	if r == nil {
		return nil
	}
	c := *r
	c.StartedAt = cloneTime(r.StartedAt)
	c.FinishedAt = cloneTime(r.FinishedAt)
	c.PausedAt = cloneTime(r.PausedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
