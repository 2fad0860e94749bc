package roundclock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roundsync/go/internal/models"
	"github.com/rs/zerolog/log"
)

type Config struct {
	TickInterval     time.Duration
	ResyncInterval   time.Duration
	WarningThreshold time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:     time.Second,
		ResyncInterval:   30 * time.Second,
		WarningThreshold: 30 * time.Second,
	}
}

// Reading is one evaluation of the clock.
type Reading struct {
	Round     *models.Round
	Remaining int
	At        time.Time
}

// baseline identifies the inputs remaining time is derived from. While it is
// unchanged remaining time may only go down.
type baseline struct {
	id        uuid.UUID
	status    models.RoundStatus
	startedAt int64
	paused    float64
	duration  int
}

func baselineOf(r *models.Round) baseline {
	if r == nil {
		return baseline{}
	}
	b := baseline{id: r.ID, status: r.Status, paused: r.PausedSeconds, duration: r.DurationSeconds}
	if r.StartedAt != nil {
		b.startedAt = r.StartedAt.UnixNano()
	}
	return b
}

// Clock derives remaining time for the current round from its start
// timestamp and the corrected local clock. It never waits on the network to
// tick; offset re-estimation happens on its own schedule.
type Clock struct {
	cfg    Config
	clock  clockwork.Clock
	offset *OffsetEstimator

	onWarning func(round models.Round, remaining int)
	onExpire  func(round models.Round)

	mu       sync.Mutex
	round    *models.Round
	last     Reading
	lastBase baseline
	haveLast bool
	warned   map[uuid.UUID]struct{}
	expired  map[uuid.UUID]struct{}
}

type Option func(*Clock)

// WithWarning registers the callback fired once per round when remaining
// time first drops below the warning threshold.
func WithWarning(fn func(round models.Round, remaining int)) Option {
	return func(c *Clock) { c.onWarning = fn }
}

// WithExpiry registers the callback fired once per round when remaining
// time reaches zero.
func WithExpiry(fn func(round models.Round)) Option {
	return func(c *Clock) { c.onExpire = fn }
}

func New(clock clockwork.Clock, offset *OffsetEstimator, cfg Config, opts ...Option) *Clock {
	c := &Clock{
		cfg:     cfg,
		clock:   clock,
		offset:  offset,
		warned:  make(map[uuid.UUID]struct{}),
		expired: make(map[uuid.UUID]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now is the local clock corrected by the estimated server offset.
func (c *Clock) Now() time.Time {
	return c.clock.Now().Add(c.offset.Offset())
}

func (c *Clock) Offset() time.Duration {
	return c.offset.Offset()
}

// SetRound replaces the authoritative round and re-evaluates immediately.
func (c *Clock) SetRound(r *models.Round) Reading {
	c.mu.Lock()
	c.round = r.Clone()
	c.mu.Unlock()
	return c.Recompute()
}

func (c *Clock) Round() *models.Round {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.round.Clone()
}

// Remaining returns the value of the last evaluation.
func (c *Clock) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.Remaining
}

func (c *Clock) Last() Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Recompute evaluates remaining time now and fires callbacks that became due.
// Missed ticks are not replayed: a single evaluation after a long stall fires
// expiry at most once.
func (c *Clock) Recompute() Reading {
	c.mu.Lock()
	now := c.Now()
	round := c.round
	remaining := RemainingSeconds(round, now)

	base := baselineOf(round)
	if c.haveLast && base == c.lastBase && round.IsActive() && remaining > c.last.Remaining {
		remaining = c.last.Remaining
	}

	var fireWarning, fireExpire bool
	if round.IsActive() && round.StartedAt != nil {
		if remaining == 0 {
			if _, done := c.expired[round.ID]; !done {
				c.expired[round.ID] = struct{}{}
				c.warned[round.ID] = struct{}{}
				fireExpire = true
			}
		} else if time.Duration(remaining)*time.Second < c.cfg.WarningThreshold {
			if _, done := c.warned[round.ID]; !done {
				c.warned[round.ID] = struct{}{}
				fireWarning = true
			}
		}
	}

	reading := Reading{Round: round.Clone(), Remaining: remaining, At: now}
	c.last = reading
	c.lastBase = base
	c.haveLast = true
	c.mu.Unlock()

	if fireWarning {
		log.Info().Str("round_id", round.ID.String()).Int("remaining", remaining).Msg("round warning threshold reached")
		if c.onWarning != nil {
			c.onWarning(*round.Clone(), remaining)
		}
	}
	if fireExpire {
		log.Info().Str("round_id", round.ID.String()).Msg("round time expired")
		if c.onExpire != nil {
			c.onExpire(*round.Clone())
		}
	}
	return reading
}

// Resync re-estimates the clock offset and re-evaluates. An estimate failure
// keeps the previous offset.
func (c *Clock) Resync(ctx context.Context) (Reading, error) {
	_, err := c.offset.Estimate(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("clock resync failed, keeping previous offset")
	}
	return c.Recompute(), err
}

// VisibilityRegained handles a client coming back from the background: its
// ticks may have stalled for any length of time, so it resyncs fully rather
// than catching up.
func (c *Clock) VisibilityRegained(ctx context.Context) Reading {
	reading, _ := c.Resync(ctx)
	return reading
}

// Forget drops once-per-round bookkeeping for rounds other than keep.
func (c *Clock) Forget(keep uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.warned {
		if id != keep {
			delete(c.warned, id)
		}
	}
	for id := range c.expired {
		if id != keep {
			delete(c.expired, id)
		}
	}
}
