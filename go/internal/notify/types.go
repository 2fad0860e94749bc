package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/roundsync/go/internal/events"
)

// Change is one row-level change observed on the persistent store.
type Change struct {
	Table      string    `json:"table"`
	Op         string    `json:"op"`
	RowID      uuid.UUID `json:"id"`
	RoundID    uuid.UUID `json:"round_id"`
	ReceivedAt time.Time `json:"-"`
}

// ChangeSource feeds store changes into a sink until ctx is cancelled.
// A nil return after cancellation is a clean stop; any other return is a
// subscription failure and the caller may restart the source.
type ChangeSource interface {
	Start(ctx context.Context, sink func(Change)) error
}

// Broadcaster is the low-latency peer channel. Messages are not persisted.
type Broadcaster interface {
	Broadcast(ctx context.Context, n events.Notification) error
	// Subscribe blocks, handing every peer message to handler, until ctx is
	// cancelled or the underlying subscription fails.
	Subscribe(ctx context.Context, handler func(events.Notification)) error
	Close() error
}

// OffsetFunc returns the correction from the local clock to the
// authoritative clock: authoritative time = local time + offset.
type OffsetFunc func() time.Duration

// Publisher is the publishing half of the bus, which is all most mutating
// components need.
type Publisher interface {
	Publish(ctx context.Context, n events.Notification)
}

// Filter selects which notifications a subscription receives.
type Filter func(events.Notification) bool

// All accepts every notification.
func All() Filter {
	return func(events.Notification) bool { return true }
}

// ForRound accepts notifications about roundID and global ones (nil round).
func ForRound(roundID uuid.UUID) Filter {
	return func(n events.Notification) bool {
		return n.RoundID == uuid.Nil || n.RoundID == roundID
	}
}

// OfKind accepts notifications of the listed kinds.
func OfKind(kinds ...events.Kind) Filter {
	set := make(map[events.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(n events.Notification) bool {
		_, ok := set[n.Kind]
		return ok
	}
}

// And combines two filters.
func (f Filter) And(g Filter) Filter {
	return func(n events.Notification) bool {
		return f(n) && g(n)
	}
}

// Config controls delivery behaviour of the Bus.
type Config struct {
	Debounce   time.Duration
	Buffer     int
	StaleAfter time.Duration
	Retry      RetryConfig
}

func DefaultConfig() Config {
	return Config{
		Debounce:   100 * time.Millisecond,
		Buffer:     64,
		StaleAfter: 5 * time.Second,
		Retry:      DefaultRetryConfig(),
	}
}
