// Package memstore is an in-process implementation of every repository the
// engine uses. It backs --store=memory and the package tests, and it feeds
// its own mutations to the notification bus like the Postgres triggers do.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roundsync/go/internal/models"
	"github.com/mcdev12/roundsync/go/internal/notify"
	"github.com/mcdev12/roundsync/go/internal/store"
)

type Store struct {
	clock clockwork.Clock

	mu        sync.Mutex
	rounds    map[uuid.UUID]models.Round
	sequences map[uuid.UUID][]models.TargetSequenceEntry
	orders    map[uuid.UUID]models.ProductionOrder
	targets   map[uuid.UUID]models.Target
	counter   int
	failNext  error

	feedMu   sync.Mutex
	feeds    map[int]chan notify.Change
	nextFeed int
}

func New(clock clockwork.Clock) *Store {
	return &Store{
		clock:     clock,
		rounds:    make(map[uuid.UUID]models.Round),
		sequences: make(map[uuid.UUID][]models.TargetSequenceEntry),
		orders:    make(map[uuid.UUID]models.ProductionOrder),
		targets:   make(map[uuid.UUID]models.Target),
		feeds:     make(map[int]chan notify.Change),
	}
}

// FailNextWrite makes the next mutating call return err without changing
// anything, the way a rejected statement would.
func (s *Store) FailNextWrite(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *Store) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *Store) Ping(context.Context) error {
	return nil
}

// ServerTime reports the store's clock, mirroring the Postgres time source.
func (s *Store) ServerTime(context.Context) (time.Time, error) {
	return s.clock.Now(), nil
}

// Rounds

func (s *Store) CreateRound(_ context.Context, r models.Round) (*models.Round, error) {
	s.mu.Lock()
	if err := s.takeFailure(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	for _, existing := range s.rounds {
		if existing.SequenceNumber == r.SequenceNumber {
			s.mu.Unlock()
			return nil, fmt.Errorf("round %d: %w", r.SequenceNumber, store.ErrDuplicateSequenceNumber)
		}
	}
	r.Version = max(r.Version, 1)
	s.rounds[r.ID] = *r.Clone()
	s.mu.Unlock()

	s.emit("rounds", "INSERT", r.ID, r.ID)
	return r.Clone(), nil
}

func (s *Store) GetRound(_ context.Context, id uuid.UUID) (*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", id, store.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) ListRounds(context.Context) ([]models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Round, 0, len(s.rounds))
	for _, r := range s.rounds {
		out = append(out, *r.Clone())
	}
	slices.SortFunc(out, func(a, b models.Round) int {
		return cmp.Compare(a.SequenceNumber, b.SequenceNumber)
	})
	return out, nil
}

func (s *Store) MaxSequenceNumber(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	highest := 0
	for _, r := range s.rounds {
		highest = max(highest, r.SequenceNumber)
	}
	return highest, nil
}

func (s *Store) UpdateRound(_ context.Context, next models.Round) (*models.Round, error) {
	s.mu.Lock()
	if err := s.takeFailure(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	current, ok := s.rounds[next.ID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("round %s: %w", next.ID, store.ErrNotFound)
	}
	if current.Version != next.Version {
		s.mu.Unlock()
		return nil, fmt.Errorf("round %s is at version %d, expected %d: %w", next.ID, current.Version, next.Version, store.ErrStaleWrite)
	}
	next.SequenceNumber = current.SequenceNumber
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	s.rounds[next.ID] = *next.Clone()
	s.mu.Unlock()

	s.emit("rounds", "UPDATE", next.ID, next.ID)
	return next.Clone(), nil
}

func (s *Store) CreateSequence(_ context.Context, entries []models.TargetSequenceEntry) error {
	if len(entries) == 0 {
		return nil
	}
	roundID := entries[0].RoundID

	s.mu.Lock()
	if err := s.takeFailure(); err != nil {
		s.mu.Unlock()
		return err
	}
	r, ok := s.rounds[roundID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("round %s: %w", roundID, store.ErrNotFound)
	}
	if r.Status != models.RoundStatusWaiting {
		s.mu.Unlock()
		return fmt.Errorf("round %s is %s: %w", roundID, r.Status, store.ErrRoundNotWaiting)
	}
	if len(s.sequences[roundID]) > 0 {
		s.mu.Unlock()
		return fmt.Errorf("round %s: %w", roundID, store.ErrSequenceExists)
	}
	s.sequences[roundID] = slices.Clone(entries)
	s.mu.Unlock()

	for _, e := range entries {
		s.emit("target_sequence_entries", "INSERT", e.ID, roundID)
	}
	return nil
}

func (s *Store) GetSequence(_ context.Context, roundID uuid.UUID) ([]models.TargetSequenceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := slices.Clone(s.sequences[roundID])
	slices.SortFunc(seq, func(a, b models.TargetSequenceEntry) int {
		return cmp.Compare(a.Position, b.Position)
	})
	return seq, nil
}

func (s *Store) DeleteAll(context.Context) error {
	s.mu.Lock()
	if err := s.takeFailure(); err != nil {
		s.mu.Unlock()
		return err
	}
	clear(s.rounds)
	clear(s.sequences)
	clear(s.orders)
	s.mu.Unlock()

	s.emit("rounds", "DELETE", uuid.Nil, uuid.Nil)
	return nil
}

// Counter

func (s *Store) Next(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return s.counter, nil
}

func (s *Store) Reset(_ context.Context, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter = value
	return nil
}

// Orders

func (s *Store) CreateOrders(_ context.Context, orders []models.ProductionOrder) error {
	if len(orders) == 0 {
		return nil
	}
	roundID := orders[0].RoundID

	s.mu.Lock()
	if err := s.takeFailure(); err != nil {
		s.mu.Unlock()
		return err
	}
	for _, o := range s.orders {
		if o.RoundID == roundID {
			s.mu.Unlock()
			return fmt.Errorf("round %s: %w", roundID, store.ErrOrdersExist)
		}
	}
	for _, o := range orders {
		s.orders[o.ID] = *o.Clone()
	}
	s.mu.Unlock()

	for _, o := range orders {
		s.emit("production_orders", "INSERT", o.ID, roundID)
	}
	return nil
}

func (s *Store) ListOrders(_ context.Context, roundID uuid.UUID) ([]models.ProductionOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roundOrdersLocked(roundID), nil
}

func (s *Store) roundOrdersLocked(roundID uuid.UUID) []models.ProductionOrder {
	var out []models.ProductionOrder
	for _, o := range s.orders {
		if o.RoundID == roundID {
			out = append(out, *o.Clone())
		}
	}
	slices.SortFunc(out, func(a, b models.ProductionOrder) int {
		return cmp.Compare(a.Position, b.Position)
	})
	return out
}

func (s *Store) GetOrder(_ context.Context, id uuid.UUID) (*models.ProductionOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	return o.Clone(), nil
}

// ActivateNextOrder completes the active order (if any) and activates the
// first Waiting one, as a single step. expectedActive is the active order
// the caller saw (uuid.Nil for none); a mismatch means another caller
// advanced first.
func (s *Store) ActivateNextOrder(_ context.Context, roundID, expectedActive uuid.UUID, now time.Time) (*models.ProductionOrder, *models.ProductionOrder, error) {
	s.mu.Lock()
	if err := s.takeFailure(); err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}

	var active, waiting *models.ProductionOrder
	for _, o := range s.roundOrdersLocked(roundID) {
		switch o.Status {
		case models.OrderStatusActive:
			active = o.Clone()
		case models.OrderStatusWaiting:
			if waiting == nil {
				waiting = o.Clone()
			}
		}
	}

	activeID := uuid.Nil
	if active != nil {
		activeID = active.ID
	}
	if activeID != expectedActive {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("round %s active order moved: %w", roundID, store.ErrStaleWrite)
	}
	if waiting == nil {
		s.mu.Unlock()
		return nil, nil, store.ErrSequenceExhausted
	}

	if active != nil {
		active.Status = models.OrderStatusCompleted
		active.CompletedAt = &now
		s.orders[active.ID] = *active.Clone()
	}
	waiting.Status = models.OrderStatusActive
	waiting.ActivatedAt = &now
	s.orders[waiting.ID] = *waiting.Clone()
	s.mu.Unlock()

	if active != nil {
		s.emit("production_orders", "UPDATE", active.ID, roundID)
	}
	s.emit("production_orders", "UPDATE", waiting.ID, roundID)
	return waiting, active, nil
}

// RecordDelivery counts a delivery and adds the team to the delivered set if
// it is not there yet. The bool reports whether this was the team's first.
func (s *Store) RecordDelivery(_ context.Context, orderID uuid.UUID, teamID string) (*models.ProductionOrder, bool, error) {
	s.mu.Lock()
	if err := s.takeFailure(); err != nil {
		s.mu.Unlock()
		return nil, false, err
	}
	o, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("order %s: %w", orderID, store.ErrNotFound)
	}
	first := !o.HasDelivered(teamID)
	updated := o.Clone()
	if first {
		updated.DeliveredTeams = append(updated.DeliveredTeams, teamID)
	}
	updated.DeliveryCount++
	s.orders[orderID] = *updated
	s.mu.Unlock()

	s.emit("production_orders", "UPDATE", orderID, o.RoundID)
	return updated.Clone(), first, nil
}

// Targets

func (s *Store) CreateTarget(_ context.Context, t models.Target) (*models.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.clock.Now()
	}
	s.targets[t.ID] = t
	return &t, nil
}

func (s *Store) ResolveTarget(_ context.Context, id uuid.UUID) (*models.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, fmt.Errorf("target %s: %w", id, store.ErrNotFound)
	}
	return &t, nil
}

func (s *Store) ListTargets(context.Context) ([]models.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b models.Target) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out, nil
}

// Change feed

// Start implements notify.ChangeSource.
func (s *Store) Start(ctx context.Context, sink func(notify.Change)) error {
	ch := make(chan notify.Change, 256)
	s.feedMu.Lock()
	id := s.nextFeed
	s.nextFeed++
	s.feeds[id] = ch
	s.feedMu.Unlock()

	defer func() {
		s.feedMu.Lock()
		delete(s.feeds, id)
		s.feedMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-ch:
			sink(c)
		}
	}
}

func (s *Store) emit(table, op string, rowID, roundID uuid.UUID) {
	c := notify.Change{Table: table, Op: op, RowID: rowID, RoundID: roundID, ReceivedAt: s.clock.Now()}
	if table == "rounds" && op == "DELETE" {
		c.Table = notify.TableAll
	}

	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	for _, ch := range s.feeds {
		select {
		case ch <- c:
		default:
			// Dropped changes are recovered by the periodic resync.
		}
	}
}
