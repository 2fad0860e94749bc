package syncclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roundsync/go/internal/events"
	"github.com/mcdev12/roundsync/go/internal/models"
	"github.com/mcdev12/roundsync/go/internal/notify"
	"github.com/mcdev12/roundsync/go/internal/rotation"
	"github.com/mcdev12/roundsync/go/internal/round"
	"github.com/mcdev12/roundsync/go/internal/roundclock"
	"github.com/mcdev12/roundsync/go/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu        sync.Mutex
	warnings  int
	expiries  int
	rotations []int
	changes   int
}

func (r *recorder) options() []Option {
	return []Option{
		WithWarning(func(models.Round, int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.warnings++
		}),
		WithExpiry(func(models.Round) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.expiries++
		}),
		WithRotation(func(state rotation.State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.rotations = append(r.rotations, state.ActiveIndex)
		}),
		WithRoundChange(func(_, _ *models.Round) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.changes++
		}),
	}
}

func (r *recorder) counts() (warnings, expiries int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.warnings, r.expiries
}

type fixture struct {
	clock   *clockwork.FakeClock
	store   *memstore.Store
	app     *round.App
	targets []uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fc := clockwork.NewFakeClockAt(epoch)
	st := memstore.New(fc)
	f := &fixture{clock: fc, store: st, app: round.NewApp(st, st, nil, fc)}
	for _, name := range []string{"vanilla", "chocolate", "strawberry", "mint", "pistachio", "mango", "coffee", "lemon", "hazelnut", "cherry"} {
		target, err := st.CreateTarget(context.Background(), models.Target{Name: name})
		require.NoError(t, err)
		f.targets = append(f.targets, target.ID)
	}
	return f
}

// roundWithSequence creates a round of duration seconds with the ten
// fixture targets as its sequence.
func (f *fixture) roundWithSequence(t *testing.T, duration int) *models.Round {
	t.Helper()
	ctx := context.Background()
	r, err := f.app.Create(ctx, round.CreateRoundRequest{DurationSeconds: duration})
	require.NoError(t, err)
	_, err = f.app.DefineSequence(ctx, r.ID, round.DefineSequenceRequest{TargetIDs: f.targets})
	require.NoError(t, err)
	return r
}

func (f *fixture) session(cfg Config, opts ...Option) *Session {
	return NewSession(f.store, nil, f.clock, cfg, opts...)
}

func TestSessionWaitingRound(t *testing.T) {
	f := newFixture(t)
	r := f.roundWithSequence(t, 300)
	s := f.session(DefaultConfig())

	require.NoError(t, s.Refresh(context.Background()))

	require.NotNil(t, s.CurrentRound())
	assert.Equal(t, r.ID, s.CurrentRound().ID)
	assert.Equal(t, 0, s.RemainingSeconds())
	assert.Equal(t, "00:00", s.FormattedTime())
	assert.Nil(t, s.ActiveTarget())
	require.NotNil(t, s.NextTarget())
	assert.Equal(t, 1, s.NextTarget().Position)
	require.NotNil(t, s.NextAfterTarget())
	assert.Equal(t, 2, s.NextAfterTarget().Position)
	assert.Empty(t, s.PassedTargets())
}

func TestSessionFollowsActiveRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.roundWithSequence(t, 300)
	rec := &recorder{}
	s := f.session(DefaultConfig(), rec.options()...)
	require.NoError(t, s.Refresh(ctx))

	_, err := f.app.Start(ctx, r.ID)
	require.NoError(t, err)
	s.Handle(ctx, events.MustNew(events.KindStarted, r.ID, f.clock.Now(), nil))

	assert.Equal(t, models.RoundStatusActive, s.CurrentRound().Status)
	assert.Equal(t, 300, s.RemainingSeconds())
	require.NotNil(t, s.ActiveTarget())
	assert.Equal(t, 1, s.ActiveTarget().Position)

	f.clock.Advance(95 * time.Second)
	s.Tick(ctx)

	assert.Equal(t, 205, s.RemainingSeconds())
	assert.Equal(t, "03:25", s.FormattedTime())
	require.NotNil(t, s.ActiveTarget())
	assert.Equal(t, 4, s.ActiveTarget().Position)
	assert.Equal(t, 5, s.NextTarget().Position)
	assert.Equal(t, 6, s.NextAfterTarget().Position)

	passed := s.PassedTargets()
	require.Len(t, passed, 3)
	for i, p := range passed {
		assert.Equal(t, i+1, p.Entry.Position)
	}

	snap := s.Snapshot()
	assert.Equal(t, r.ID, snap.RoundID)
	assert.Equal(t, 205, snap.RemainingSeconds)
	assert.Equal(t, 3, snap.ActiveIndex)
	assert.Equal(t, 3, snap.PassedCount)
	assert.InDelta(t, 31.67, snap.ProgressPercentage, 0.01)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []int{3}, rec.rotations, "a fresh start begins at index 0 without a rotation")
	assert.Equal(t, 2, rec.changes, "first sight and start")
}

func TestSessionPauseFreezesRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.roundWithSequence(t, 300)
	_, err := f.app.Start(ctx, r.ID)
	require.NoError(t, err)

	s := f.session(DefaultConfig())
	require.NoError(t, s.Refresh(ctx))
	f.clock.Advance(95 * time.Second)
	s.Tick(ctx)

	_, err = f.app.Pause(ctx, r.ID)
	require.NoError(t, err)
	require.NoError(t, s.Refresh(ctx))
	f.clock.Advance(time.Minute)
	s.Tick(ctx)

	assert.Equal(t, 0, s.RemainingSeconds())
	assert.Nil(t, s.ActiveTarget(), "paused rounds have no active target")
	assert.Equal(t, 3, s.RotationState().ActiveIndex)
	assert.Len(t, s.PassedTargets(), 3)

	// Resuming continues from the frozen point.
	_, err = f.app.Start(ctx, r.ID)
	require.NoError(t, err)
	require.NoError(t, s.Refresh(ctx))
	assert.Equal(t, 205, s.RemainingSeconds())
	assert.Equal(t, 3, s.RotationState().ActiveIndex)
	assert.Len(t, s.PassedTargets(), 3)
}

func TestSessionTearsDownOnRoundChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.roundWithSequence(t, 300)
	_, err := f.app.Start(ctx, first.ID)
	require.NoError(t, err)

	s := f.session(DefaultConfig())
	require.NoError(t, s.Refresh(ctx))
	f.clock.Advance(95 * time.Second)
	s.Tick(ctx)
	require.Len(t, s.PassedTargets(), 3)

	_, err = f.app.Finish(ctx, first.ID)
	require.NoError(t, err)
	second, err := f.app.Create(ctx, round.CreateRoundRequest{DurationSeconds: 120})
	require.NoError(t, err)
	s.Handle(ctx, events.MustNew(events.KindCreated, second.ID, f.clock.Now(), nil))

	assert.Equal(t, second.ID, s.CurrentRound().ID)
	assert.Empty(t, s.PassedTargets())
	assert.Empty(t, s.RotationState().Passed)
	assert.Nil(t, s.NextTarget(), "new round has no sequence yet")
}

func TestSessionReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.roundWithSequence(t, 300)
	_, err := f.app.Start(ctx, r.ID)
	require.NoError(t, err)

	s := f.session(DefaultConfig())
	require.NoError(t, s.Refresh(ctx))
	f.clock.Advance(95 * time.Second)
	s.Tick(ctx)

	require.NoError(t, f.app.Reset(ctx))
	s.Handle(ctx, events.MustNew(events.KindReset, uuid.Nil, f.clock.Now(), nil))

	assert.Nil(t, s.CurrentRound())
	assert.Equal(t, 0, s.RemainingSeconds())
	assert.Nil(t, s.ActiveTarget())
	assert.Empty(t, s.PassedTargets())
	assert.Equal(t, -1, s.Snapshot().ActiveIndex)
}

func TestSessionIgnoresNonRoundNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.roundWithSequence(t, 300)
	s := f.session(DefaultConfig())
	require.NoError(t, s.Refresh(ctx))

	// The store moves on but an order notification alone does not refetch.
	_, err := f.app.Start(ctx, r.ID)
	require.NoError(t, err)
	s.Handle(ctx, events.MustNew(events.KindDeliveryRecorded, r.ID, f.clock.Now(), nil))
	assert.Equal(t, models.RoundStatusWaiting, s.CurrentRound().Status)

	s.Handle(ctx, events.MustNew(events.KindRefetch, r.ID, f.clock.Now(), nil))
	assert.Equal(t, models.RoundStatusActive, s.CurrentRound().Status)
}

func TestSessionHiddenClientResyncsOnVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.roundWithSequence(t, 300)
	_, err := f.app.Start(ctx, r.ID)
	require.NoError(t, err)

	rec := &recorder{}
	s := f.session(DefaultConfig(), rec.options()...)
	require.NoError(t, s.Refresh(ctx))

	s.VisibilityChanged(ctx, false)
	f.clock.Advance(10 * time.Minute)
	s.Tick(ctx)
	assert.Equal(t, 300, s.RemainingSeconds(), "hidden clients do not tick")

	s.VisibilityChanged(ctx, true)
	assert.Equal(t, 0, s.RemainingSeconds())
	require.NotNil(t, s.ActiveTarget())
	assert.Equal(t, 10, s.ActiveTarget().Position)
	assert.Len(t, s.PassedTargets(), 9)

	s.Tick(ctx)
	s.VisibilityChanged(ctx, true)
	warnings, expiries := rec.counts()
	assert.Equal(t, 1, expiries)
	assert.Equal(t, 0, warnings)
}

func TestSessionClockOffset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.roundWithSequence(t, 300)
	_, err := f.app.Start(ctx, r.ID)
	require.NoError(t, err)

	// The server runs 10s ahead of this client.
	source := f.store
	skewed := serverTimeFunc(func(ctx context.Context) (time.Time, error) {
		now, err := source.ServerTime(ctx)
		return now.Add(10 * time.Second), err
	})
	cfg := DefaultConfig()
	cfg.OffsetSamples = 1
	s := f.session(cfg, WithTimeSource(skewed))

	s.VisibilityChanged(ctx, false)
	s.VisibilityChanged(ctx, true)

	assert.Equal(t, 10*time.Second, s.Offset())
	assert.Equal(t, 290, s.RemainingSeconds())
	assert.Equal(t, int64(10000), s.Snapshot().OffsetMillis)
}

func TestSessionSharesOffsetEstimator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	behind := serverTimeFunc(func(ctx context.Context) (time.Time, error) {
		return f.clock.Now().Add(-4 * time.Second), nil
	})
	ahead := serverTimeFunc(func(ctx context.Context) (time.Time, error) {
		return f.clock.Now().Add(7 * time.Second), nil
	})
	shared := roundclock.NewOffsetEstimator(ahead, f.clock, 1)
	s := f.session(DefaultConfig(), WithOffsetEstimator(shared), WithTimeSource(behind))

	s.VisibilityChanged(ctx, false)
	s.VisibilityChanged(ctx, true)

	assert.Equal(t, 7*time.Second, shared.Offset(), "resync updates the shared estimator")
	assert.Equal(t, shared.Offset(), s.Offset())
}

type serverTimeFunc func(ctx context.Context) (time.Time, error)

func (f serverTimeFunc) ServerTime(ctx context.Context) (time.Time, error) { return f(ctx) }

func TestSessionPinnedRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pinned := f.roundWithSequence(t, 300)
	other := f.roundWithSequence(t, 60)
	_, err := f.app.Start(ctx, other.ID)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.RoundID = pinned.ID
	s := f.session(cfg)
	require.NoError(t, s.Refresh(ctx))
	assert.Equal(t, pinned.ID, s.CurrentRound().ID, "pinned sessions ignore the current round")

	missing := DefaultConfig()
	missing.RoundID = uuid.New()
	s = f.session(missing)
	require.NoError(t, s.Refresh(ctx))
	assert.Nil(t, s.CurrentRound())
	assert.Equal(t, 0, s.RemainingSeconds())
}

type countingResolver struct {
	mu    sync.Mutex
	calls int
	inner models.TargetResolver
}

func (c *countingResolver) ResolveTarget(ctx context.Context, id uuid.UUID) (*models.Target, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.ResolveTarget(ctx, id)
}

func TestSessionResolveTargetCaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.roundWithSequence(t, 300)
	resolver := &countingResolver{inner: f.store}
	s := f.session(DefaultConfig(), WithTargetResolver(resolver))
	require.NoError(t, s.Refresh(ctx))

	for range 3 {
		target, err := s.ResolveTarget(ctx, s.NextTarget())
		require.NoError(t, err)
		assert.Equal(t, "vanilla", target.Name)
	}
	assert.Equal(t, 1, resolver.calls)

	target, err := s.ResolveTarget(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, target)

	_, err = f.session(DefaultConfig()).ResolveTarget(ctx, s.NextTarget())
	assert.Error(t, err, "no resolver configured")
}

func TestSessionRunReactsToBus(t *testing.T) {
	f := newFixture(t)
	bus := notify.NewBus(f.clock, notify.DefaultConfig())
	t.Cleanup(bus.Close)
	app := round.NewApp(f.store, f.store, bus, f.clock)

	r, err := app.Create(context.Background(), round.CreateRoundRequest{DurationSeconds: 300})
	require.NoError(t, err)

	s := NewSession(f.store, bus, f.clock, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.CurrentRound() != nil
	}, time.Second, 5*time.Millisecond)

	_, err = app.Start(context.Background(), r.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.RemainingSeconds() == 300
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Nil(t, s.ActiveTarget(), "derived state is discarded on stop")
}
