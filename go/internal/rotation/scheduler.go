package rotation

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roundsync/go/internal/events"
	"github.com/mcdev12/roundsync/go/internal/models"
	"github.com/mcdev12/roundsync/go/internal/notify"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type Config struct {
	MinRecompute time.Duration
}

func DefaultConfig() Config {
	return Config{MinRecompute: 500 * time.Millisecond}
}

// Interval is the whole number of seconds each of n targets stays active.
func Interval(durationSeconds, n int) int {
	if n <= 0 || durationSeconds <= 0 {
		return 0
	}
	return durationSeconds / n
}

// IndexAt returns the 0-based active position after elapsed seconds, or -1
// when the schedule is inert. The index is floored so a target keeps its
// full interval, and it never passes the last target.
func IndexAt(durationSeconds, elapsed, n int) int {
	interval := Interval(durationSeconds, n)
	if interval <= 0 {
		return -1
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return min(elapsed/interval, n-1)
}

// ActiveIndex derives the active position from the clock's remaining seconds.
func ActiveIndex(durationSeconds, remaining, n int) int {
	return IndexAt(durationSeconds, durationSeconds-remaining, n)
}

// State is the scheduler's derived view.
type State struct {
	RoundID     uuid.UUID             `json:"round_id"`
	Status      models.RoundStatus    `json:"status"`
	ActiveIndex int                   `json:"active_index"`
	Passed      []models.PassedTarget `json:"passed"`
}

// Scheduler walks a round's target sequence as time elapses and keeps the
// log of targets whose slots have passed. All state is local and derived.
type Scheduler struct {
	clock     clockwork.Clock
	limiter   *rate.Limiter
	publisher notify.Publisher

	mu         sync.Mutex
	roundID    uuid.UUID
	status     models.RoundStatus
	startedAt  *time.Time
	duration   int
	sequence   []models.TargetSequenceEntry
	index      int
	passed     []models.PassedTarget
	passedPos  map[int]struct{}
	forceStart bool
}

// NewScheduler returns a scheduler. publisher may be nil.
func NewScheduler(clock clockwork.Clock, cfg Config, publisher notify.Publisher) *Scheduler {
	limit := rate.Inf
	if cfg.MinRecompute > 0 {
		limit = rate.Every(cfg.MinRecompute)
	}
	return &Scheduler{
		clock:     clock,
		limiter:   rate.NewLimiter(limit, 1),
		publisher: publisher,
		index:     -1,
		passedPos: make(map[int]struct{}),
	}
}

// SetSequence installs the round's target sequence, ordered by position.
// A different sequence invalidates the derived state.
func (s *Scheduler) SetSequence(seq []models.TargetSequenceEntry) {
	sorted := slices.Clone(seq)
	slices.SortFunc(sorted, func(a, b models.TargetSequenceEntry) int {
		return a.Position - b.Position
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if sameSequence(s.sequence, sorted) {
		return
	}
	s.sequence = sorted
	s.resetLocked()
}

func sameSequence(a, b []models.TargetSequenceEntry) bool {
	return slices.EqualFunc(a, b, func(x, y models.TargetSequenceEntry) bool {
		return x.ID == y.ID && x.Position == y.Position && x.TargetID == y.TargetID
	})
}

// ForceStart discards derived state because the round was explicitly
// (re)started. Until the round is next seen Active, a Paused round is
// derived rather than frozen.
func (s *Scheduler) ForceStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	if len(s.sequence) > 0 {
		s.index = 0
	}
	s.forceStart = true
	log.Debug().Str("round_id", s.roundID.String()).Msg("rotation force start")
}

// Reset clears all derived state.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.forceStart = false
}

func (s *Scheduler) resetLocked() {
	s.index = -1
	s.passed = nil
	clear(s.passedPos)
}

// Update recomputes unless the previous recompute was less than the
// configured minimum interval ago. The bool reports whether the index moved.
func (s *Scheduler) Update(ctx context.Context, round *models.Round, remaining int) (State, bool) {
	if !s.limiter.AllowN(s.clock.Now(), 1) {
		return s.State(), false
	}
	return s.Recompute(ctx, round, remaining)
}

// Recompute derives the active index from round and the clock's remaining
// seconds without throttling. When the index advances every skipped entry
// is appended to the passed log and a rotation-changed notification is
// published.
func (s *Scheduler) Recompute(ctx context.Context, round *models.Round, remaining int) (State, bool) {
	s.mu.Lock()
	changed := s.applyLocked(round, remaining)
	state := s.stateLocked()
	s.mu.Unlock()

	if changed && s.publisher != nil {
		n, err := events.New(events.KindRotationChanged, state.RoundID, s.clock.Now(), events.RotationChangedPayload{
			RoundID:     state.RoundID,
			ActiveIndex: state.ActiveIndex,
			Passed:      state.Passed,
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to build rotation notification")
		} else {
			s.publisher.Publish(ctx, n)
		}
	}
	return state, changed
}

func (s *Scheduler) applyLocked(round *models.Round, remaining int) bool {
	if round == nil {
		s.resetLocked()
		s.roundID = uuid.Nil
		s.status = ""
		s.startedAt = nil
		s.duration = 0
		return false
	}

	if round.ID != s.roundID {
		s.resetLocked()
		s.roundID = round.ID
		s.startedAt = nil
		s.duration = 0
	}
	if round.StartedAt != nil && s.startedAt != nil && !round.StartedAt.Equal(*s.startedAt) {
		log.Info().
			Str("round_id", round.ID.String()).
			Time("previous", *s.startedAt).
			Time("started_at", *round.StartedAt).
			Msg("round restarted, resetting rotation")
		s.resetLocked()
	}
	if round.StartedAt != nil {
		started := *round.StartedAt
		s.startedAt = &started
	}
	s.status = round.Status
	durationChanged := s.duration != 0 && s.duration != round.DurationSeconds
	s.duration = round.DurationSeconds

	var elapsed int
	switch round.Status {
	case models.RoundStatusActive:
		elapsed = round.DurationSeconds - remaining
		s.forceStart = false
	case models.RoundStatusPaused:
		if !s.forceStart && !durationChanged {
			return false
		}
		elapsed = int(round.Elapsed(s.clock.Now()) / time.Second)
	case models.RoundStatusWaiting:
		s.resetLocked()
		return false
	default:
		return false
	}

	n := len(s.sequence)
	idx := IndexAt(round.DurationSeconds, elapsed, n)
	if durationChanged && idx < s.index {
		log.Info().
			Str("round_id", round.ID.String()).
			Int("duration_seconds", round.DurationSeconds).
			Int("index", idx).
			Int("previous", s.index).
			Msg("duration edited, rotation moved back")
		s.rewindLocked(idx)
		return true
	}
	if idx < 0 || idx <= s.index {
		return false
	}

	now := s.clock.Now()
	for pos := max(s.index, 0); pos < idx; pos++ {
		if _, done := s.passedPos[pos]; done {
			continue
		}
		s.passedPos[pos] = struct{}{}
		s.passed = append(s.passed, models.PassedTarget{Entry: s.sequence[pos], FinalizedAt: now})
	}
	log.Debug().
		Str("round_id", round.ID.String()).
		Int("index", idx).
		Int("previous", s.index).
		Int("passed", len(s.passed)).
		Msg("rotation advanced")
	s.index = idx
	return true
}

// rewindLocked moves the index back to idx and drops passed entries at or
// after it. Entries still passed keep their finalized-at time.
func (s *Scheduler) rewindLocked(idx int) {
	if idx < 0 {
		s.resetLocked()
		return
	}
	kept := s.passed[:0]
	for _, p := range s.passed {
		pos := p.Entry.Position - 1
		if pos < idx {
			kept = append(kept, p)
			continue
		}
		delete(s.passedPos, pos)
	}
	s.passed = kept
	s.index = idx
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Scheduler) stateLocked() State {
	return State{
		RoundID:     s.roundID,
		Status:      s.status,
		ActiveIndex: s.index,
		Passed:      slices.Clone(s.passed),
	}
}

// ActiveTarget is the entry whose slot is current. Only Active rounds have one.
func (s *Scheduler) ActiveTarget() *models.TargetSequenceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != models.RoundStatusActive {
		return nil
	}
	return s.entryLocked(s.index)
}

func (s *Scheduler) NextTarget() *models.TargetSequenceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryLocked(s.upcomingLocked())
}

func (s *Scheduler) NextAfterTarget() *models.TargetSequenceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.upcomingLocked()
	if next < 0 {
		return nil
	}
	return s.entryLocked(next + 1)
}

// upcomingLocked is the position after the active one; before the round has
// an index that is the first entry.
func (s *Scheduler) upcomingLocked() int {
	if s.status == models.RoundStatusFinished {
		return -1
	}
	return s.index + 1
}

func (s *Scheduler) PassedTargets() []models.PassedTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.passed)
}

func (s *Scheduler) Sequence() []models.TargetSequenceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sequence)
}

func (s *Scheduler) entryLocked(i int) *models.TargetSequenceEntry {
	if i < 0 || i >= len(s.sequence) {
		return nil
	}
	e := s.sequence[i]
	return &e
}
