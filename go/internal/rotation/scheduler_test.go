package rotation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roundsync/go/internal/events"
	"github.com/mcdev12/roundsync/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []events.Notification
}

func (p *recordingPublisher) Publish(_ context.Context, n events.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
}

func (p *recordingPublisher) all() []events.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Notification(nil), p.sent...)
}

func sequence(roundID uuid.UUID, n int) []models.TargetSequenceEntry {
	seq := make([]models.TargetSequenceEntry, n)
	for i := range seq {
		seq[i] = models.TargetSequenceEntry{
			ID:        uuid.New(),
			RoundID:   roundID,
			Position:  i + 1,
			TargetID:  uuid.New(),
			DefinedBy: "admin",
			DefinedAt: epoch,
		}
	}
	return seq
}

func activeRound(duration int) *models.Round {
	started := epoch
	return &models.Round{
		ID:              uuid.New(),
		DurationSeconds: duration,
		Status:          models.RoundStatusActive,
		StartedAt:       &started,
	}
}

func newScheduler(t *testing.T, round *models.Round, n int) (*Scheduler, *clockwork.FakeClock, *recordingPublisher, []models.TargetSequenceEntry) {
	t.Helper()
	fc := clockwork.NewFakeClockAt(epoch)
	pub := &recordingPublisher{}
	s := NewScheduler(fc, DefaultConfig(), pub)
	seq := sequence(round.ID, n)
	s.SetSequence(seq)
	return s, fc, pub, seq
}

func TestIntervalAndActiveIndex(t *testing.T) {
	tests := []struct {
		name      string
		duration  int
		remaining int
		n         int
		interval  int
		index     int
	}{
		{name: "start of round", duration: 300, remaining: 300, n: 10, interval: 30, index: 0},
		{name: "elapsed 95", duration: 300, remaining: 205, n: 10, interval: 30, index: 3},
		{name: "last second of a slot", duration: 300, remaining: 241, n: 10, interval: 30, index: 1},
		{name: "boundary", duration: 300, remaining: 240, n: 10, interval: 30, index: 2},
		{name: "expired caps at last", duration: 300, remaining: 0, n: 10, interval: 30, index: 9},
		{name: "remainder seconds stay on last", duration: 100, remaining: 0, n: 3, interval: 33, index: 2},
		{name: "empty sequence", duration: 300, remaining: 100, n: 0, interval: 0, index: -1},
		{name: "duration shorter than sequence", duration: 5, remaining: 3, n: 10, interval: 0, index: -1},
		{name: "zero duration", duration: 0, remaining: 0, n: 4, interval: 0, index: -1},
		{name: "remaining above duration", duration: 300, remaining: 400, n: 10, interval: 30, index: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.interval, Interval(tt.duration, tt.n))
			assert.Equal(t, tt.index, ActiveIndex(tt.duration, tt.remaining, tt.n))
		})
	}
}

func TestSchedulerJoinMidRound(t *testing.T) {
	round := activeRound(300)
	s, fc, pub, seq := newScheduler(t, round, 10)
	fc.Advance(95 * time.Second)

	state, changed := s.Recompute(context.Background(), round, 205)
	require.True(t, changed)
	assert.Equal(t, 3, state.ActiveIndex)
	require.Len(t, state.Passed, 3)
	for i, p := range state.Passed {
		assert.Equal(t, seq[i].ID, p.Entry.ID)
		assert.Equal(t, fc.Now(), p.FinalizedAt)
	}

	assert.Equal(t, seq[3].ID, s.ActiveTarget().ID)
	assert.Equal(t, seq[4].ID, s.NextTarget().ID)
	assert.Equal(t, seq[5].ID, s.NextAfterTarget().ID)

	sent := pub.all()
	require.Len(t, sent, 1)
	assert.Equal(t, events.KindRotationChanged, sent[0].Kind)
	payload, err := events.Decode[events.RotationChangedPayload](sent[0])
	require.NoError(t, err)
	assert.Equal(t, 3, payload.ActiveIndex)
	assert.Len(t, payload.Passed, 3)
}

func TestSchedulerIndexIsMonotonicAndPassedUnique(t *testing.T) {
	round := activeRound(300)
	s, _, pub, _ := newScheduler(t, round, 10)

	// Jittery clock readings, including a step backwards.
	for _, remaining := range []int{300, 280, 250, 262, 200, 199, 205, 120, 30, 0, 0} {
		s.Recompute(context.Background(), round, remaining)
	}

	state := s.State()
	assert.Equal(t, 9, state.ActiveIndex)
	require.Len(t, state.Passed, 9)
	seen := map[int]bool{}
	for i, p := range state.Passed {
		assert.Equal(t, i+1, p.Entry.Position, "passed log must stay in order")
		assert.False(t, seen[p.Entry.Position])
		seen[p.Entry.Position] = true
	}

	indices := []int{}
	for _, n := range pub.all() {
		payload, err := events.Decode[events.RotationChangedPayload](n)
		require.NoError(t, err)
		indices = append(indices, payload.ActiveIndex)
	}
	assert.Equal(t, []int{0, 1, 3, 6, 9}, indices)
}

func TestSchedulerThrottlesUpdates(t *testing.T) {
	round := activeRound(300)
	s, fc, _, _ := newScheduler(t, round, 10)

	_, changed := s.Update(context.Background(), round, 300)
	assert.True(t, changed)

	fc.Advance(100 * time.Millisecond)
	state, changed := s.Update(context.Background(), round, 200)
	assert.False(t, changed)
	assert.Equal(t, 0, state.ActiveIndex)

	fc.Advance(400 * time.Millisecond)
	state, changed = s.Update(context.Background(), round, 200)
	assert.True(t, changed)
	assert.Equal(t, 3, state.ActiveIndex)
}

func TestSchedulerPauseFreezesIndex(t *testing.T) {
	round := activeRound(300)
	s, fc, _, _ := newScheduler(t, round, 10)
	fc.Advance(95 * time.Second)
	s.Recompute(context.Background(), round, 205)

	paused := round.Clone()
	paused.Status = models.RoundStatusPaused
	pausedAt := fc.Now()
	paused.PausedAt = &pausedAt

	fc.Advance(5 * time.Minute)
	state, changed := s.Recompute(context.Background(), paused, 0)
	assert.False(t, changed)
	assert.Equal(t, 3, state.ActiveIndex)
	assert.Len(t, state.Passed, 3)
	assert.Nil(t, s.ActiveTarget(), "paused rounds have no active target")
}

func TestSchedulerFollowsDurationEdits(t *testing.T) {
	tests := []struct {
		name        string
		status      models.RoundStatus
		newDuration int
		remaining   int
		wantIndex   int
		wantPassed  int
		wantChanged bool
	}{
		// 600s over 10 targets is 60s each; elapsed 95 sits in slot 1.
		{name: "longer round moves back", status: models.RoundStatusActive, newDuration: 600, remaining: 505, wantIndex: 1, wantPassed: 1, wantChanged: true},
		// 150s over 10 targets is 15s each; elapsed 95 sits in slot 6.
		{name: "shorter round moves ahead", status: models.RoundStatusActive, newDuration: 150, remaining: 55, wantIndex: 6, wantPassed: 6, wantChanged: true},
		{name: "same slot is unchanged", status: models.RoundStatusActive, newDuration: 310, remaining: 215, wantIndex: 3, wantPassed: 3},
		{name: "paused round is re-derived", status: models.RoundStatusPaused, newDuration: 600, wantIndex: 1, wantPassed: 1, wantChanged: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			round := activeRound(300)
			s, fc, _, seq := newScheduler(t, round, 10)
			fc.Advance(95 * time.Second)
			state, _ := s.Recompute(context.Background(), round, 205)
			require.Equal(t, 3, state.ActiveIndex)

			edited := round.Clone()
			edited.DurationSeconds = tt.newDuration
			if tt.status == models.RoundStatusPaused {
				edited.Status = models.RoundStatusPaused
				pausedAt := fc.Now()
				edited.PausedAt = &pausedAt
			}

			state, changed := s.Recompute(context.Background(), edited, tt.remaining)
			assert.Equal(t, tt.wantChanged, changed)
			assert.Equal(t, tt.wantIndex, state.ActiveIndex)
			require.Len(t, state.Passed, tt.wantPassed)
			for i, p := range state.Passed {
				assert.Equal(t, seq[i].ID, p.Entry.ID)
			}
		})
	}
}

func TestSchedulerAdvancesAgainAfterDurationEdit(t *testing.T) {
	round := activeRound(300)
	s, fc, _, seq := newScheduler(t, round, 10)
	fc.Advance(95 * time.Second)
	s.Recompute(context.Background(), round, 205)

	edited := round.Clone()
	edited.DurationSeconds = 600
	state, _ := s.Recompute(context.Background(), edited, 505)
	require.Equal(t, 1, state.ActiveIndex)

	fc.Advance(30 * time.Second)
	state, changed := s.Recompute(context.Background(), edited, 475)
	assert.True(t, changed)
	assert.Equal(t, 2, state.ActiveIndex)
	require.Len(t, state.Passed, 2)
	assert.Equal(t, seq[1].ID, state.Passed[1].Entry.ID)
	assert.Equal(t, fc.Now(), state.Passed[1].FinalizedAt)
}

func TestSchedulerForceStartResetsDerivedState(t *testing.T) {
	round := activeRound(300)
	s, fc, _, _ := newScheduler(t, round, 10)
	fc.Advance(95 * time.Second)
	s.Recompute(context.Background(), round, 205)

	s.ForceStart()
	state := s.State()
	assert.Equal(t, 0, state.ActiveIndex)
	assert.Empty(t, state.Passed)

	// A paused round is derived, not frozen, while the override is active.
	paused := round.Clone()
	paused.Status = models.RoundStatusPaused
	pausedAt := epoch.Add(40 * time.Second)
	paused.PausedAt = &pausedAt
	state, changed := s.Recompute(context.Background(), paused, 0)
	assert.True(t, changed)
	assert.Equal(t, 1, state.ActiveIndex)
	assert.Len(t, state.Passed, 1)
}

func TestSchedulerRestartWithNewBaseline(t *testing.T) {
	round := activeRound(300)
	s, fc, _, _ := newScheduler(t, round, 10)
	fc.Advance(200 * time.Second)
	s.Recompute(context.Background(), round, 100)
	require.Equal(t, 6, s.State().ActiveIndex)

	restarted := round.Clone()
	newStart := fc.Now()
	restarted.StartedAt = &newStart
	state, changed := s.Recompute(context.Background(), restarted, 300)
	assert.True(t, changed)
	assert.Equal(t, 0, state.ActiveIndex)
	assert.Empty(t, state.Passed)
}

func TestSchedulerInertCases(t *testing.T) {
	t.Run("empty sequence", func(t *testing.T) {
		round := activeRound(300)
		s, _, pub, _ := newScheduler(t, round, 0)
		state, changed := s.Recompute(context.Background(), round, 100)
		assert.False(t, changed)
		assert.Equal(t, -1, state.ActiveIndex)
		assert.Nil(t, s.ActiveTarget())
		assert.Empty(t, pub.all())
	})

	t.Run("nil round", func(t *testing.T) {
		round := activeRound(300)
		s, _, _, _ := newScheduler(t, round, 10)
		s.Recompute(context.Background(), round, 100)
		state, changed := s.Recompute(context.Background(), nil, 0)
		assert.False(t, changed)
		assert.Equal(t, -1, state.ActiveIndex)
		assert.Nil(t, s.ActiveTarget())
	})

	t.Run("waiting round", func(t *testing.T) {
		round := activeRound(300)
		round.Status = models.RoundStatusWaiting
		round.StartedAt = nil
		s, _, _, seq := newScheduler(t, round, 10)
		state, _ := s.Recompute(context.Background(), round, 0)
		assert.Equal(t, -1, state.ActiveIndex)
		assert.Nil(t, s.ActiveTarget())
		assert.Equal(t, seq[0].ID, s.NextTarget().ID)
		assert.Equal(t, seq[1].ID, s.NextAfterTarget().ID)
	})

	t.Run("finished round", func(t *testing.T) {
		round := activeRound(300)
		s, _, _, _ := newScheduler(t, round, 10)
		s.Recompute(context.Background(), round, 150)

		finished := round.Clone()
		finished.Status = models.RoundStatusFinished
		state, _ := s.Recompute(context.Background(), finished, 0)
		assert.Equal(t, 5, state.ActiveIndex)
		assert.Nil(t, s.ActiveTarget())
		assert.Nil(t, s.NextTarget())
		assert.Nil(t, s.NextAfterTarget())
	})
}

func TestSchedulerNewRoundIdentityResets(t *testing.T) {
	round := activeRound(300)
	s, _, _, _ := newScheduler(t, round, 10)
	s.Recompute(context.Background(), round, 100)

	other := activeRound(300)
	state, _ := s.Recompute(context.Background(), other, 300)
	assert.Equal(t, other.ID, state.RoundID)
	assert.Equal(t, 0, state.ActiveIndex)
	assert.Empty(t, state.Passed)
}

func TestSetSequenceSortsByPosition(t *testing.T) {
	round := activeRound(300)
	s, _, _, seq := newScheduler(t, round, 3)

	reversed := []models.TargetSequenceEntry{seq[2], seq[0], seq[1]}
	s.SetSequence(reversed)
	got := s.Sequence()
	assert.Equal(t, []int{1, 2, 3}, []int{got[0].Position, got[1].Position, got[2].Position})
}
