package notify

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roundsync/go/internal/events"
	"github.com/rs/zerolog/log"
)

const (
	SourceCDC       = "cdc"
	SourceBroadcast = "broadcast"
	SourceMixed     = "mixed"
)

var errSourceStopped = errors.New("source stopped without error")

// Subscription is one consumer's view of the bus. Receive from C until it is
// closed; call Close on teardown.
type Subscription struct {
	id     uint64
	ch     chan events.Notification
	filter Filter
	bus    *Bus
	once   sync.Once
}

func (s *Subscription) C() <-chan events.Notification {
	return s.ch
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.id)
	})
}

type pendingRefetch struct {
	source   string
	triggers []string
	changes  int
	firstAt  time.Time
	timer    clockwork.Timer
}

// Bus is the in-process ChangeNotificationBus. Local publishes are delivered
// immediately to matching subscribers and, when a Broadcaster is attached,
// nudged to peers. Store changes and peer nudges are never trusted as values:
// they are coalesced per round over the debounce window and delivered as a
// single refetch notification.
type Bus struct {
	cfg         Config
	clock       clockwork.Clock
	offset      OffsetFunc
	origin      string
	broadcaster Broadcaster
	metrics     MetricsCollector

	mu       sync.RWMutex
	subs     map[uint64]*Subscription
	nextID   uint64
	stopping bool
	closed   bool

	pendingMu sync.Mutex
	pending   map[uuid.UUID]*pendingRefetch

	seen     *seenSet
	degraded atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Bus)

func WithBroadcaster(b Broadcaster) Option {
	return func(bus *Bus) { bus.broadcaster = b }
}

func WithMetrics(m MetricsCollector) Option {
	return func(bus *Bus) { bus.metrics = m }
}

// WithOrigin sets the identifier stamped on local publishes and used to
// discard our own broadcasts.
func WithOrigin(origin string) Option {
	return func(bus *Bus) { bus.origin = origin }
}

// WithClockOffset corrects the timestamps the bus stamps and judges peer
// staleness by, so peers with skewed clocks agree on message age.
func WithClockOffset(fn OffsetFunc) Option {
	return func(bus *Bus) { bus.offset = fn }
}

func NewBus(clock clockwork.Clock, cfg Config, opts ...Option) *Bus {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig().Buffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		cfg:     cfg,
		clock:   clock,
		origin:  uuid.NewString(),
		metrics: NoOpMetricsCollector{},
		subs:    make(map[uint64]*Subscription),
		pending: make(map[uuid.UUID]*pendingRefetch),
		seen:    newSeenSet(1024),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) now() time.Time {
	now := b.clock.Now()
	if b.offset != nil {
		now = now.Add(b.offset())
	}
	return now
}

func (b *Bus) Origin() string {
	return b.origin
}

// Degraded reports whether a change source or the peer subscription gave up
// after exhausting retries. Clients still converge through periodic resync.
func (b *Bus) Degraded() bool {
	return b.degraded.Load()
}

// Subscribe registers a consumer. A nil filter receives everything.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	if filter == nil {
		filter = All()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		ch:     make(chan events.Notification, b.cfg.Buffer),
		filter: filter,
		bus:    b,
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers a locally originated notification. Missing ID, origin and
// timestamp are filled in. Duplicate IDs are discarded.
func (b *Bus) Publish(ctx context.Context, n events.Notification) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Origin == "" {
		n.Origin = b.origin
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = b.now()
	}
	if !b.seen.add(n.ID) {
		b.drop(n, "duplicate")
		return
	}

	b.deliver(n)

	if b.broadcaster == nil || !n.Kind.Broadcastable() || n.Origin != b.origin {
		return
	}
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(b.ctx, cancel)
	go func() {
		defer b.wg.Done()
		defer cancel()
		defer stop()
		b.broadcast(bctx, n)
	}()
}

func (b *Bus) broadcast(ctx context.Context, n events.Notification) {
	err := Retry(ctx, b.cfg.Retry, "broadcast", func() error {
		return b.broadcaster.Broadcast(ctx, n)
	})
	b.metrics.RecordBroadcast(err == nil)
	if err != nil {
		log.Error().
			Err(err).
			Str("kind", string(n.Kind)).
			Str("round_id", n.RoundID.String()).
			Msg("peer broadcast abandoned, peers will converge on resync")
	}
}

// Ingest accepts a store change and schedules a debounced refetch.
func (b *Bus) Ingest(c Change) {
	trigger := c.Table
	if c.Op != "" {
		trigger = c.Table + ":" + c.Op
	}
	b.scheduleRefetch(c.RoundID, SourceCDC, trigger)
}

// ReceivePeer accepts a peer broadcast. Our own messages, stale messages
// and duplicates are discarded; everything else becomes a refetch signal.
func (b *Bus) ReceivePeer(n events.Notification) {
	if n.Origin != "" && n.Origin == b.origin {
		b.drop(n, "self")
		return
	}
	if b.cfg.StaleAfter > 0 && b.now().Sub(n.Timestamp) > b.cfg.StaleAfter {
		b.drop(n, "stale")
		return
	}
	if n.ID != uuid.Nil && !b.seen.add(n.ID) {
		b.drop(n, "duplicate")
		return
	}
	b.scheduleRefetch(n.RoundID, SourceBroadcast, string(n.Kind))
}

func (b *Bus) scheduleRefetch(roundID uuid.UUID, source, trigger string) {
	if b.ctx.Err() != nil {
		return
	}

	b.pendingMu.Lock()
	p, ok := b.pending[roundID]
	if ok {
		p.changes++
		if p.source != source {
			p.source = SourceMixed
		}
		if trigger != "" && !slices.Contains(p.triggers, trigger) {
			p.triggers = append(p.triggers, trigger)
		}
		b.pendingMu.Unlock()
		return
	}

	p = &pendingRefetch{
		source:  source,
		changes: 1,
		firstAt: b.clock.Now(),
	}
	if trigger != "" {
		p.triggers = []string{trigger}
	}
	b.pending[roundID] = p
	if b.cfg.Debounce > 0 {
		p.timer = b.clock.AfterFunc(b.cfg.Debounce, func() {
			b.flush(roundID)
		})
		b.pendingMu.Unlock()
		return
	}
	b.pendingMu.Unlock()
	b.flush(roundID)
}

func (b *Bus) flush(roundID uuid.UUID) {
	b.pendingMu.Lock()
	p, ok := b.pending[roundID]
	delete(b.pending, roundID)
	b.pendingMu.Unlock()
	if !ok {
		return
	}

	payload := events.RefetchPayload{
		Source:   p.source,
		Triggers: p.triggers,
		Changes:  p.changes,
		FirstAt:  p.firstAt,
	}
	if len(p.triggers) > 0 {
		payload.Table = p.triggers[0]
	}
	n, err := events.New(events.KindRefetch, roundID, b.clock.Now(), payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to build refetch notification")
		return
	}
	n.Origin = b.origin
	b.seen.add(n.ID)

	b.metrics.RecordRefetch(p.source, p.changes)
	log.Debug().
		Str("round_id", roundID.String()).
		Str("source", p.source).
		Int("changes", p.changes).
		Msg("refetch signal")
	b.deliver(n)
}

func (b *Bus) deliver(n events.Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	delivered := 0
	for _, sub := range b.subs {
		if !sub.filter(n) {
			continue
		}
		select {
		case sub.ch <- n:
			delivered++
		default:
			b.metrics.RecordDropped("slow_subscriber")
			log.Warn().
				Uint64("subscriber", sub.id).
				Str("kind", string(n.Kind)).
				Msg("subscriber buffer full, dropping notification")
		}
	}
	b.metrics.RecordDelivered(n.Kind, delivered)
}

func (b *Bus) drop(n events.Notification, reason string) {
	b.metrics.RecordDropped(reason)
	log.Debug().
		Str("reason", reason).
		Str("kind", string(n.Kind)).
		Str("origin", n.Origin).
		Str("round_id", n.RoundID.String()).
		Msg("notification discarded")
}

// Run supervises the change sources and the peer subscription until ctx is
// cancelled. Failed sources are restarted with exponential backoff; a source
// that keeps failing is abandoned and the bus is marked degraded.
func (b *Bus) Run(ctx context.Context, sources ...ChangeSource) error {
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.supervise(ctx, SourceCDC, func(ctx context.Context) error {
				return src.Start(ctx, b.Ingest)
			})
		}()
	}
	if b.broadcaster != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.supervise(ctx, SourceBroadcast, func(ctx context.Context) error {
				return b.broadcaster.Subscribe(ctx, b.ReceivePeer)
			})
		}()
	}

	log.Info().Int("sources", len(sources)).Bool("broadcast", b.broadcaster != nil).Msg("notification bus running")
	<-ctx.Done()
	wg.Wait()
	log.Info().Msg("notification bus stopped")
	return nil
}

func (b *Bus) supervise(ctx context.Context, name string, run func(context.Context) error) {
	policy := newBackOff(b.cfg.Retry)
	failures := 0
	for {
		started := b.clock.Now()
		err := run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errSourceStopped
		}
		b.metrics.RecordSourceFailure(name)

		// A run that stayed up longer than the backoff ceiling counts as healthy.
		if b.clock.Since(started) > b.cfg.Retry.MaxInterval {
			policy.Reset()
			failures = 0
		}
		failures++
		if failures >= b.cfg.Retry.MaxAttempts {
			b.degraded.Store(true)
			log.Error().
				Err(err).
				Str("source", name).
				Int("attempt", failures).
				Msg("subscription abandoned, continuing on periodic resync only")
			return
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			wait = b.cfg.Retry.MaxInterval
		}
		log.Warn().
			Err(err).
			Str("source", name).
			Int("attempt", failures).
			Dur("retry_in", wait).
			Msg("subscription dropped, restarting")
		select {
		case <-ctx.Done():
			return
		case <-b.clock.After(wait):
		}
	}
}

// Close cancels pending refetches and in-flight broadcasts and closes every
// subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	b.stopping = true
	b.mu.Unlock()
	b.cancel()

	b.pendingMu.Lock()
	for id, p := range b.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(b.pending, id)
	}
	b.pendingMu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// seenSet remembers the most recent notification IDs so at-least-once
// delivery collapses to once.
type seenSet struct {
	mu    sync.Mutex
	ids   map[uuid.UUID]struct{}
	order []uuid.UUID
	next  int
	size  int
}

func newSeenSet(size int) *seenSet {
	return &seenSet{
		ids:   make(map[uuid.UUID]struct{}, size),
		order: make([]uuid.UUID, 0, size),
		size:  size,
	}
}

// add reports whether id was not seen before.
func (s *seenSet) add(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.order) < s.size {
		s.order = append(s.order, id)
	} else {
		delete(s.ids, s.order[s.next])
		s.order[s.next] = id
		s.next = (s.next + 1) % s.size
	}
	s.ids[id] = struct{}{}
	return true
}
