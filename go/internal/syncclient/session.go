// Package syncclient keeps one client's derived view of the current round in
// step with the authoritative store. A Session never trusts notification
// payloads: every signal on the bus makes it refetch the round and its target
// sequence, then recompute the countdown and the rotation from that record.
package syncclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roundsync/go/internal/apperrors"
	"github.com/mcdev12/roundsync/go/internal/events"
	"github.com/mcdev12/roundsync/go/internal/models"
	"github.com/mcdev12/roundsync/go/internal/notify"
	"github.com/mcdev12/roundsync/go/internal/rotation"
	"github.com/mcdev12/roundsync/go/internal/round"
	"github.com/mcdev12/roundsync/go/internal/roundclock"
	"github.com/rs/zerolog/log"
)

// Source defines what a session reads from the authoritative store
type Source interface {
	GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error)
	ListRounds(ctx context.Context) ([]models.Round, error)
	GetSequence(ctx context.Context, roundID uuid.UUID) ([]models.TargetSequenceEntry, error)
}

// Bus is the notification stream a session listens on and publishes its
// rotation changes to.
type Bus interface {
	notify.Publisher
	Subscribe(filter notify.Filter) *notify.Subscription
}

type Config struct {
	// RoundID pins the session to one round. uuid.Nil follows whichever
	// round is current.
	RoundID       uuid.UUID
	Clock         roundclock.Config
	Rotation      rotation.Config
	OffsetSamples int
}

func DefaultConfig() Config {
	return Config{
		Clock:         roundclock.DefaultConfig(),
		Rotation:      rotation.DefaultConfig(),
		OffsetSamples: 3,
	}
}

type Option func(*Session)

// WithTimeSource sets where the server clock is read from. Without one the
// local clock is trusted as is.
func WithTimeSource(src roundclock.TimeSource) Option {
	return func(s *Session) { s.timeSource = src }
}

// WithOffsetEstimator shares an estimator with other components that stamp
// or judge times, such as the notification bus. It takes precedence over
// WithTimeSource.
func WithOffsetEstimator(est *roundclock.OffsetEstimator) Option {
	return func(s *Session) { s.offset = est }
}

func WithTargetResolver(r models.TargetResolver) Option {
	return func(s *Session) { s.resolver = r }
}

func WithWarning(fn func(round models.Round, remaining int)) Option {
	return func(s *Session) { s.clockOpts = append(s.clockOpts, roundclock.WithWarning(fn)) }
}

func WithExpiry(fn func(round models.Round)) Option {
	return func(s *Session) { s.clockOpts = append(s.clockOpts, roundclock.WithExpiry(fn)) }
}

// WithRoundChange registers a callback for every refetch that changed the
// round record, including identity changes.
func WithRoundChange(fn func(prev, next *models.Round)) Option {
	return func(s *Session) { s.onRoundChange = fn }
}

// WithRotation registers a callback fired when the active target advances.
func WithRotation(fn func(state rotation.State)) Option {
	return func(s *Session) { s.onRotation = fn }
}

type Session struct {
	cfg    Config
	source Source
	bus    Bus
	clock  clockwork.Clock

	timeSource    roundclock.TimeSource
	offset        *roundclock.OffsetEstimator
	resolver      models.TargetResolver
	clockOpts     []roundclock.Option
	onRoundChange func(prev, next *models.Round)
	onRotation    func(state rotation.State)

	roundClock *roundclock.Clock
	scheduler  *rotation.Scheduler

	// refreshMu serialises refetches so an older read never overwrites a
	// newer one.
	refreshMu sync.Mutex

	mu      sync.Mutex
	round   *models.Round
	hidden  bool
	targets map[uuid.UUID]*models.Target
}

func NewSession(source Source, bus Bus, clock clockwork.Clock, cfg Config, opts ...Option) *Session {
	s := &Session{
		cfg:     cfg,
		source:  source,
		bus:     bus,
		clock:   clock,
		targets: make(map[uuid.UUID]*models.Target),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.offset == nil && s.timeSource != nil {
		s.offset = roundclock.NewOffsetEstimator(s.timeSource, clock, cfg.OffsetSamples)
	}
	s.roundClock = roundclock.New(clock, s.offset, cfg.Clock, s.clockOpts...)

	var publisher notify.Publisher
	if bus != nil {
		publisher = bus
	}
	s.scheduler = rotation.NewScheduler(clock, cfg.Rotation, publisher)
	return s
}

// Run subscribes to the bus and ticks until ctx is cancelled, then tears the
// derived state down. Fetch failures are logged; the session converges on
// the next signal or periodic resync.
func (s *Session) Run(ctx context.Context) error {
	var notifications <-chan events.Notification
	if s.bus != nil {
		sub := s.bus.Subscribe(s.filter())
		defer sub.Close()
		notifications = sub.C()
	}
	defer s.teardown(uuid.Nil)

	if _, err := s.roundClock.Resync(ctx); err != nil {
		log.Warn().Err(err).Msg("initial clock sync failed")
	}
	if err := s.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial round fetch failed")
	}

	tick := s.clock.NewTicker(s.cfg.Clock.TickInterval)
	defer tick.Stop()
	resync := s.clock.NewTicker(s.cfg.Clock.ResyncInterval)
	defer resync.Stop()

	log.Info().Str("round_id", s.cfg.RoundID.String()).Msg("sync session started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sync session stopped")
			return nil
		case n, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			s.Handle(ctx, n)
		case <-tick.Chan():
			s.Tick(ctx)
		case <-resync.Chan():
			if s.Hidden() {
				continue
			}
			_, _ = s.roundClock.Resync(ctx)
			if err := s.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("periodic round refetch failed")
			}
		}
	}
}

func (s *Session) filter() notify.Filter {
	if s.cfg.RoundID != uuid.Nil {
		return notify.ForRound(s.cfg.RoundID)
	}
	return notify.All()
}

// Handle reacts to one notification. Only kinds that can change the round
// record trigger a refetch; a reset discards all derived state first.
func (s *Session) Handle(ctx context.Context, n events.Notification) {
	if !n.Kind.RoundChanging() {
		return
	}
	if n.Kind == events.KindReset {
		log.Info().Msg("reset received, discarding derived state")
		s.mu.Lock()
		s.round = nil
		clear(s.targets)
		s.mu.Unlock()
		s.teardown(uuid.Nil)
	}
	if err := s.Refresh(ctx); err != nil {
		log.Warn().
			Err(err).
			Str("kind", string(n.Kind)).
			Str("round_id", n.RoundID.String()).
			Msg("refetch after notification failed")
	}
}

// Tick is one periodic evaluation. A hidden client does not tick.
func (s *Session) Tick(ctx context.Context) {
	if s.Hidden() {
		return
	}
	reading := s.roundClock.Recompute()
	state, changed := s.scheduler.Update(ctx, reading.Round, reading.Remaining)
	if changed && s.onRotation != nil {
		s.onRotation(state)
	}
}

// Refresh refetches the followed round and its sequence and recomputes
// everything derived from them.
func (s *Session) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	next, err := s.fetchRound(ctx)
	if err != nil {
		return err
	}
	var seq []models.TargetSequenceEntry
	if next != nil {
		seq, err = s.source.GetSequence(ctx, next.ID)
		if err != nil {
			return fmt.Errorf("failed to get sequence for round %s: %w", next.ID, err)
		}
	}

	s.mu.Lock()
	prev := s.round
	s.round = next.Clone()
	s.mu.Unlock()

	if idOf(prev) != idOf(next) {
		log.Info().
			Str("previous", idOf(prev).String()).
			Str("round_id", idOf(next).String()).
			Msg("followed round changed, tearing down derived state")
		s.teardown(idOf(next))
	}
	s.scheduler.SetSequence(seq)
	if freshStart(prev, next) {
		s.scheduler.ForceStart()
	}

	reading := s.roundClock.SetRound(next)
	state, advanced := s.scheduler.Recompute(ctx, reading.Round, reading.Remaining)

	if s.onRoundChange != nil && roundChanged(prev, next) {
		s.onRoundChange(prev.Clone(), next.Clone())
	}
	if advanced && s.onRotation != nil {
		s.onRotation(state)
	}
	return nil
}

func (s *Session) fetchRound(ctx context.Context) (*models.Round, error) {
	if s.cfg.RoundID != uuid.Nil {
		r, err := s.source.GetRound(ctx, s.cfg.RoundID)
		if apperrors.Is(err, apperrors.KindNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get round %s: %w", s.cfg.RoundID, err)
		}
		return r, nil
	}

	rounds, err := s.source.ListRounds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list rounds: %w", err)
	}
	return round.PickCurrent(rounds), nil
}

// teardown drops derived state that belonged to rounds other than keep.
func (s *Session) teardown(keep uuid.UUID) {
	s.roundClock.Forget(keep)
	s.scheduler.Reset()
	s.scheduler.SetSequence(nil)
}

// VisibilityChanged records whether the host is in the foreground. Coming
// back re-estimates the clock offset, refetches and recomputes at once
// instead of replaying the ticks missed while hidden.
func (s *Session) VisibilityChanged(ctx context.Context, visible bool) {
	s.mu.Lock()
	wasHidden := s.hidden
	s.hidden = !visible
	s.mu.Unlock()

	if !visible || !wasHidden {
		return
	}
	log.Debug().Msg("visibility regained, resyncing")
	s.roundClock.VisibilityRegained(ctx)
	if err := s.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("refetch after visibility regain failed")
	}
}

func (s *Session) Hidden() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hidden
}

func (s *Session) CurrentRound() *models.Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round.Clone()
}

func (s *Session) RemainingSeconds() int {
	return s.roundClock.Remaining()
}

func (s *Session) FormattedTime() string {
	return roundclock.FormatTime(s.RemainingSeconds())
}

func (s *Session) ProgressPercentage() float64 {
	reading := s.roundClock.Last()
	return roundclock.ProgressPercentage(reading.Round, reading.Remaining, s.roundClock.Now())
}

func (s *Session) ActiveTarget() *models.TargetSequenceEntry {
	return s.scheduler.ActiveTarget()
}

func (s *Session) NextTarget() *models.TargetSequenceEntry {
	return s.scheduler.NextTarget()
}

func (s *Session) NextAfterTarget() *models.TargetSequenceEntry {
	return s.scheduler.NextAfterTarget()
}

func (s *Session) PassedTargets() []models.PassedTarget {
	return s.scheduler.PassedTargets()
}

func (s *Session) RotationState() rotation.State {
	return s.scheduler.State()
}

func (s *Session) Offset() time.Duration {
	return s.roundClock.Offset()
}

// Snapshot gathers every derived value for display.
func (s *Session) Snapshot() models.ClockSnapshot {
	reading := s.roundClock.Last()
	snap := roundclock.Snapshot(reading.Round, s.roundClock.Now(), s.roundClock.Offset())
	snap.RemainingSeconds = reading.Remaining
	snap.FormattedTime = roundclock.FormatTime(reading.Remaining)
	snap.ProgressPercentage = roundclock.ProgressPercentage(reading.Round, reading.Remaining, s.roundClock.Now())

	state := s.scheduler.State()
	snap.ActiveIndex = state.ActiveIndex
	snap.PassedCount = len(state.Passed)
	return snap
}

// ResolveTarget looks up the target an entry refers to. Resolutions are
// cached until a reset.
func (s *Session) ResolveTarget(ctx context.Context, entry *models.TargetSequenceEntry) (*models.Target, error) {
	if entry == nil {
		return nil, nil
	}
	if s.resolver == nil {
		return nil, apperrors.Terminal(nil, "no target resolver configured")
	}

	s.mu.Lock()
	cached, ok := s.targets[entry.TargetID]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	t, err := s.resolver.ResolveTarget(ctx, entry.TargetID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target %s: %w", entry.TargetID, err)
	}
	s.mu.Lock()
	s.targets[entry.TargetID] = t
	s.mu.Unlock()
	return t, nil
}

func idOf(r *models.Round) uuid.UUID {
	if r == nil {
		return uuid.Nil
	}
	return r.ID
}

// freshStart reports a Waiting round observed becoming Active.
func freshStart(prev, next *models.Round) bool {
	return prev != nil && next != nil && prev.ID == next.ID &&
		prev.Status == models.RoundStatusWaiting && next.Status == models.RoundStatusActive
}

func roundChanged(prev, next *models.Round) bool {
	if prev == nil || next == nil {
		return prev != next
	}
	return prev.ID != next.ID ||
		prev.Status != next.Status ||
		prev.DurationSeconds != next.DurationSeconds ||
		prev.PausedSeconds != next.PausedSeconds
}
