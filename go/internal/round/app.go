package round

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roundsync/go/internal/apperrors"
	"github.com/mcdev12/roundsync/go/internal/events"
	"github.com/mcdev12/roundsync/go/internal/models"
	"github.com/mcdev12/roundsync/go/internal/notify"
	"github.com/mcdev12/roundsync/go/internal/store"
	"github.com/rs/zerolog/log"
)

const (
	maxCreateAttempts     = 3
	maxTransitionAttempts = 3
)

// Repository defines what the round app layer needs from persistence
type Repository interface {
	CreateRound(ctx context.Context, r models.Round) (*models.Round, error)
	GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error)
	ListRounds(ctx context.Context) ([]models.Round, error)
	MaxSequenceNumber(ctx context.Context) (int, error)
	// UpdateRound writes next only if the stored version still equals
	// next.Version, returning store.ErrStaleWrite otherwise. The stored row
	// gets the following version.
	UpdateRound(ctx context.Context, next models.Round) (*models.Round, error)
	CreateSequence(ctx context.Context, entries []models.TargetSequenceEntry) error
	GetSequence(ctx context.Context, roundID uuid.UUID) ([]models.TargetSequenceEntry, error)
	DeleteAll(ctx context.Context) error
}

// Counter hands out round sequence numbers. Reset(n) makes the next value n+1.
type Counter interface {
	Next(ctx context.Context) (int, error)
	Reset(ctx context.Context, value int) error
}

type transitionSpec struct {
	name  Transition
	kind  events.Kind
	from  []models.RoundStatus
	to    models.RoundStatus
	apply func(r *models.Round, now time.Time)
}

var (
	startSpec = transitionSpec{
		name: TransitionStart,
		kind: events.KindStarted,
		from: []models.RoundStatus{models.RoundStatusWaiting, models.RoundStatusPaused},
		to:   models.RoundStatusActive,
		apply: func(r *models.Round, now time.Time) {
			if r.StartedAt == nil {
				r.StartedAt = &now
			}
			settlePause(r, now)
		},
	}
	pauseSpec = transitionSpec{
		name: TransitionPause,
		kind: events.KindPaused,
		from: []models.RoundStatus{models.RoundStatusActive},
		to:   models.RoundStatusPaused,
		apply: func(r *models.Round, now time.Time) {
			r.PausedAt = &now
		},
	}
	finishSpec = transitionSpec{
		name: TransitionFinish,
		kind: events.KindFinished,
		from: []models.RoundStatus{models.RoundStatusActive, models.RoundStatusPaused},
		to:   models.RoundStatusFinished,
		apply: func(r *models.Round, now time.Time) {
			r.FinishedAt = &now
			settlePause(r, now)
		},
	}
)

// settlePause folds an open pause into the accumulator.
func settlePause(r *models.Round, now time.Time) {
	if r.PausedAt == nil {
		return
	}
	if span := now.Sub(*r.PausedAt); span > 0 {
		r.PausedSeconds += span.Seconds()
	}
	r.PausedAt = nil
}

// App is the round state machine. Every mutation goes to the repository
// first and is then announced on the bus.
type App struct {
	repo      Repository
	counter   Counter
	publisher notify.Publisher
	clock     clockwork.Clock

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewApp creates a new round App. publisher may be nil.
func NewApp(repo Repository, counter Counter, publisher notify.Publisher, clock clockwork.Clock) *App {
	return &App{
		repo:      repo,
		counter:   counter,
		publisher: publisher,
		clock:     clock,
		rand:      rand.New(rand.NewPCG(uint64(clock.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
}

// WithRand replaces the source used by GenerateSequence.
func (a *App) WithRand(r *rand.Rand) *App {
	a.rand = r
	return a
}

// Create allocates a Waiting round. Without an explicit sequence number one
// is taken from the counter; if the counter turns out to be stale it is
// rebuilt from the highest stored number and allocation retried.
func (a *App) Create(ctx context.Context, req CreateRoundRequest) (*models.Round, error) {
	if req.DurationSeconds <= 0 {
		return nil, apperrors.Validationf("duration must be positive, got %d", req.DurationSeconds)
	}

	if req.SequenceNumber != nil {
		if *req.SequenceNumber <= 0 {
			return nil, apperrors.Validationf("sequence number must be positive, got %d", *req.SequenceNumber)
		}
		r, err := a.insert(ctx, *req.SequenceNumber, req.DurationSeconds)
		if err != nil {
			return nil, fmt.Errorf("failed to create round: %w", err)
		}
		return r, nil
	}

	var lastErr error
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		seq, err := a.counter.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate sequence number: %w", err)
		}

		r, err := a.insert(ctx, seq, req.DurationSeconds)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, store.ErrDuplicateSequenceNumber) {
			return nil, fmt.Errorf("failed to create round: %w", err)
		}
		lastErr = err

		highest, err := a.repo.MaxSequenceNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sequence numbers: %w", err)
		}
		if err := a.counter.Reset(ctx, highest); err != nil {
			return nil, fmt.Errorf("failed to reset sequence counter: %w", err)
		}
		log.Warn().
			Int("sequence_number", seq).
			Int("highest", highest).
			Int("attempt", attempt).
			Msg("sequence counter was stale, rebuilt from existing rounds")
	}
	return nil, apperrors.Wrap(lastErr, apperrors.KindConflict, "could not allocate a unique sequence number")
}

func (a *App) insert(ctx context.Context, seq, duration int) (*models.Round, error) {
	now := a.clock.Now()
	r, err := a.repo.CreateRound(ctx, models.Round{
		ID:              uuid.New(),
		SequenceNumber:  seq,
		DurationSeconds: duration,
		Status:          models.RoundStatusWaiting,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("round_id", r.ID.String()).
		Int("sequence_number", r.SequenceNumber).
		Int("duration_seconds", r.DurationSeconds).
		Msg("created round")
	a.publish(ctx, events.KindCreated, r.ID, events.RoundTransitionPayload{Transition: "create", Round: *r})
	return r, nil
}

// Start moves a Waiting or Paused round to Active. Starting an Active round
// is a no-op.
func (a *App) Start(ctx context.Context, id uuid.UUID) (*TransitionResult, error) {
	return a.transition(ctx, id, startSpec)
}

// Pause moves an Active round to Paused. Pausing a Paused round is a no-op.
func (a *App) Pause(ctx context.Context, id uuid.UUID) (*TransitionResult, error) {
	return a.transition(ctx, id, pauseSpec)
}

// Finish ends an Active or Paused round. Finished is terminal.
func (a *App) Finish(ctx context.Context, id uuid.UUID) (*TransitionResult, error) {
	return a.transition(ctx, id, finishSpec)
}

// transition applies spec with a compare-and-set on the row version. A
// lost race is resolved by re-reading: if the winner already reached the
// target state the call is a no-op.
func (a *App) transition(ctx context.Context, id uuid.UUID, spec transitionSpec) (*TransitionResult, error) {
	for attempt := 1; attempt <= maxTransitionAttempts; attempt++ {
		current, err := a.repo.GetRound(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get round: %w", err)
		}
		if current.Status == spec.to {
			log.Debug().
				Str("round_id", id.String()).
				Str("transition", string(spec.name)).
				Msg("round already in target state")
			return &TransitionResult{Round: current}, nil
		}
		if !slices.Contains(spec.from, current.Status) {
			return nil, apperrors.Validationf("cannot %s round in status %s", spec.name, current.Status)
		}

		next := current.Clone()
		now := a.clock.Now()
		spec.apply(next, now)
		next.Status = spec.to
		next.UpdatedAt = now

		updated, err := a.repo.UpdateRound(ctx, *next)
		if errors.Is(err, store.ErrStaleWrite) {
			log.Debug().
				Str("round_id", id.String()).
				Str("transition", string(spec.name)).
				Int("attempt", attempt).
				Msg("round changed concurrently, re-reading")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to %s round: %w", spec.name, err)
		}

		log.Info().
			Str("round_id", id.String()).
			Str("from", string(current.Status)).
			Str("to", string(updated.Status)).
			Msg("round transition")
		a.publish(ctx, spec.kind, id, events.RoundTransitionPayload{
			Transition: string(spec.name),
			From:       string(current.Status),
			Round:      *updated,
		})
		return &TransitionResult{Round: updated, Changed: true}, nil
	}
	return nil, apperrors.Conflictf("round %s kept changing during %s", id, spec.name)
}

// UpdateDuration edits the duration of a round that has not finished.
func (a *App) UpdateDuration(ctx context.Context, id uuid.UUID, seconds int) (*TransitionResult, error) {
	if seconds <= 0 {
		return nil, apperrors.Validationf("duration must be positive, got %d", seconds)
	}

	for attempt := 1; attempt <= maxTransitionAttempts; attempt++ {
		current, err := a.repo.GetRound(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get round: %w", err)
		}
		if current.Status == models.RoundStatusFinished {
			return nil, apperrors.Validationf("cannot change duration of a finished round")
		}
		if current.DurationSeconds == seconds {
			return &TransitionResult{Round: current}, nil
		}

		next := current.Clone()
		next.DurationSeconds = seconds
		next.UpdatedAt = a.clock.Now()
		updated, err := a.repo.UpdateRound(ctx, *next)
		if errors.Is(err, store.ErrStaleWrite) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update duration: %w", err)
		}

		log.Info().
			Str("round_id", id.String()).
			Int("from", current.DurationSeconds).
			Int("to", seconds).
			Msg("round duration changed")
		a.publish(ctx, events.KindDurationChanged, id, events.RoundTransitionPayload{
			Transition: "duration",
			Round:      *updated,
		})
		return &TransitionResult{Round: updated, Changed: true}, nil
	}
	return nil, apperrors.Conflictf("round %s kept changing during duration update", id)
}

// DefineSequence writes the round's full target sequence in one step. Only
// Waiting rounds accept a sequence.
func (a *App) DefineSequence(ctx context.Context, roundID uuid.UUID, req DefineSequenceRequest) ([]models.TargetSequenceEntry, error) {
	if len(req.TargetIDs) == 0 {
		return nil, apperrors.Validationf("target sequence cannot be empty")
	}
	if slices.Contains(req.TargetIDs, uuid.Nil) {
		return nil, apperrors.Validationf("target sequence contains an empty target reference")
	}

	r, err := a.repo.GetRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	if r.Status != models.RoundStatusWaiting {
		return nil, apperrors.Validationf("cannot define a sequence for a round in status %s", r.Status)
	}

	definedBy := req.DefinedBy
	if definedBy == "" {
		definedBy = "admin"
	}
	now := a.clock.Now()
	entries := make([]models.TargetSequenceEntry, len(req.TargetIDs))
	for i, targetID := range req.TargetIDs {
		entries[i] = models.TargetSequenceEntry{
			ID:        uuid.New(),
			RoundID:   roundID,
			Position:  i + 1,
			TargetID:  targetID,
			DefinedBy: definedBy,
			DefinedAt: now,
		}
	}

	if err := a.repo.CreateSequence(ctx, entries); err != nil {
		return nil, fmt.Errorf("failed to create sequence: %w", err)
	}

	log.Info().
		Str("round_id", roundID.String()).
		Int("length", len(entries)).
		Str("defined_by", definedBy).
		Msg("target sequence defined")
	a.publish(ctx, events.KindSequenceDefined, roundID, events.SequenceDefinedPayload{RoundID: roundID, Length: len(entries)})
	return entries, nil
}

// GenerateSequence draws req.Length targets from req.Pool at random, never
// placing the same target twice in a row when the pool allows it.
func (a *App) GenerateSequence(ctx context.Context, roundID uuid.UUID, req GenerateSequenceRequest) ([]models.TargetSequenceEntry, error) {
	if req.Length <= 0 {
		return nil, apperrors.Validationf("sequence length must be positive, got %d", req.Length)
	}
	if len(req.Pool) == 0 {
		return nil, apperrors.Validationf("target pool cannot be empty")
	}

	a.randMu.Lock()
	picks := make([]uuid.UUID, 0, req.Length)
	for len(picks) < req.Length {
		candidate := req.Pool[a.rand.IntN(len(req.Pool))]
		if len(picks) > 0 && len(req.Pool) > 1 && picks[len(picks)-1] == candidate {
			continue
		}
		picks = append(picks, candidate)
	}
	a.randMu.Unlock()

	return a.DefineSequence(ctx, roundID, DefineSequenceRequest{TargetIDs: picks, DefinedBy: req.DefinedBy})
}

// Reset removes every round, sequence and order and restarts numbering.
func (a *App) Reset(ctx context.Context) error {
	if err := a.repo.DeleteAll(ctx); err != nil {
		return fmt.Errorf("failed to delete rounds: %w", err)
	}
	if err := a.counter.Reset(ctx, 0); err != nil {
		return fmt.Errorf("failed to reset sequence counter: %w", err)
	}

	now := a.clock.Now()
	log.Warn().Time("reset_at", now).Msg("all rounds reset")
	a.publish(ctx, events.KindReset, uuid.Nil, events.ResetPayload{ResetAt: now})
	return nil
}

func (a *App) Get(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	r, err := a.repo.GetRound(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	return r, nil
}

func (a *App) List(ctx context.Context) ([]models.Round, error) {
	rounds, err := a.repo.ListRounds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list rounds: %w", err)
	}
	return rounds, nil
}

func (a *App) Sequence(ctx context.Context, roundID uuid.UUID) ([]models.TargetSequenceEntry, error) {
	seq, err := a.repo.GetSequence(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence: %w", err)
	}
	return seq, nil
}

// Current picks the round clients should follow: a running one first, then
// the earliest waiting one, then the most recent finished one. It returns
// nil when there are no rounds.
func (a *App) Current(ctx context.Context) (*models.Round, error) {
	rounds, err := a.List(ctx)
	if err != nil {
		return nil, err
	}
	return PickCurrent(rounds), nil
}

// PickCurrent applies the Current rule to an already fetched list.
func PickCurrent(rounds []models.Round) *models.Round {
	var running, waiting, finished *models.Round
	for i := range rounds {
		r := &rounds[i]
		switch r.Status {
		case models.RoundStatusActive, models.RoundStatusPaused:
			if running == nil || r.SequenceNumber > running.SequenceNumber {
				running = r
			}
		case models.RoundStatusWaiting:
			if waiting == nil || r.SequenceNumber < waiting.SequenceNumber {
				waiting = r
			}
		case models.RoundStatusFinished:
			if finished == nil || r.SequenceNumber > finished.SequenceNumber {
				finished = r
			}
		}
	}
	switch {
	case running != nil:
		return running.Clone()
	case waiting != nil:
		return waiting.Clone()
	default:
		return finished.Clone()
	}
}

func (a *App) publish(ctx context.Context, kind events.Kind, roundID uuid.UUID, payload any) {
	if a.publisher == nil {
		return
	}
	n, err := events.New(kind, roundID, a.clock.Now(), payload)
	if err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Msg("failed to build notification")
		return
	}
	a.publisher.Publish(ctx, n)
}
