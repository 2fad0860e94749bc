package roundclock

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/roundsync/go/internal/models"
	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := epoch.Add(d)
	return &t
}

func activeRound(duration int) *models.Round {
	return &models.Round{
		ID:              uuid.New(),
		SequenceNumber:  1,
		DurationSeconds: duration,
		Status:          models.RoundStatusActive,
		StartedAt:       at(0),
	}
}

func TestRemainingSeconds(t *testing.T) {
	paused := activeRound(300)
	paused.Status = models.RoundStatusPaused
	paused.PausedAt = at(100 * time.Second)

	resumed := activeRound(300)
	resumed.PausedSeconds = 60

	noStart := activeRound(300)
	noStart.StartedAt = nil

	waiting := activeRound(300)
	waiting.Status = models.RoundStatusWaiting
	waiting.StartedAt = nil

	finished := activeRound(300)
	finished.Status = models.RoundStatusFinished
	finished.FinishedAt = at(10 * time.Second)

	tests := []struct {
		name  string
		round *models.Round
		now   time.Time
		want  int
	}{
		{name: "nil round", round: nil, now: epoch, want: 0},
		{name: "waiting", round: waiting, now: epoch, want: 0},
		{name: "active without start", round: noStart, now: epoch, want: 0},
		{name: "paused", round: paused, now: epoch.Add(120 * time.Second), want: 0},
		{name: "finished", round: finished, now: epoch.Add(20 * time.Second), want: 0},
		{name: "at start", round: activeRound(300), now: epoch, want: 300},
		{name: "rounds partial seconds up", round: activeRound(300), now: epoch.Add(10200 * time.Millisecond), want: 290},
		{name: "last fractional second", round: activeRound(300), now: epoch.Add(299001 * time.Millisecond), want: 1},
		{name: "exactly elapsed", round: activeRound(300), now: epoch.Add(300 * time.Second), want: 0},
		{name: "long overdue", round: activeRound(300), now: epoch.Add(time.Hour), want: 0},
		{name: "paused time is not consumed", round: resumed, now: epoch.Add(100 * time.Second), want: 260},
		{name: "clock behind start", round: activeRound(300), now: epoch.Add(-5 * time.Second), want: 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RemainingSeconds(tt.round, tt.now))
		})
	}
}

func TestFormatTime(t *testing.T) {
	tests := []struct {
		seconds int
		want    string
	}{
		{0, "00:00"},
		{9, "00:09"},
		{59, "00:59"},
		{61, "01:01"},
		{300, "05:00"},
		{3600, "60:00"},
		{-4, "00:00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatTime(tt.seconds), "seconds=%d", tt.seconds)
	}
}

func TestProgressPercentage(t *testing.T) {
	paused := activeRound(200)
	paused.Status = models.RoundStatusPaused
	paused.PausedAt = at(50 * time.Second)

	finished := activeRound(200)
	finished.Status = models.RoundStatusFinished

	waiting := activeRound(200)
	waiting.Status = models.RoundStatusWaiting

	tests := []struct {
		name      string
		round     *models.Round
		remaining int
		want      float64
	}{
		{name: "nil", round: nil, want: 0},
		{name: "zero duration", round: activeRound(0), want: 0},
		{name: "waiting", round: waiting, remaining: 0, want: 0},
		{name: "finished", round: finished, want: 100},
		{name: "active halfway", round: activeRound(200), remaining: 100, want: 50},
		{name: "active expired", round: activeRound(200), remaining: 0, want: 100},
		{name: "paused keeps progress", round: paused, want: 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ProgressPercentage(tt.round, tt.remaining, epoch.Add(time.Minute)), 0.001)
		})
	}
}

func TestSnapshot(t *testing.T) {
	r := activeRound(300)
	snap := Snapshot(r, epoch.Add(95*time.Second), 250*time.Millisecond)

	assert.Equal(t, r.ID, snap.RoundID)
	assert.Equal(t, 205, snap.RemainingSeconds)
	assert.Equal(t, "03:25", snap.FormattedTime)
	assert.Equal(t, int64(250), snap.OffsetMillis)
	assert.Equal(t, -1, snap.ActiveIndex)

	empty := Snapshot(nil, epoch, 0)
	assert.Equal(t, 0, empty.RemainingSeconds)
	assert.Equal(t, "00:00", empty.FormattedTime)
}
