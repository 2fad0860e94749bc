package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// TableAll marks a change that may cover any table, e.g. after a reconnect
// during which notifications could have been lost.
const TableAll = "*"

type ListenerConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often to emit a catch-all resync
	MinReconnect     time.Duration
	MaxReconnect     time.Duration
	PingInterval     time.Duration
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		NotifyChannel:    "roundsync_changes",
		FallbackInterval: 30 * time.Second,
		MinReconnect:     10 * time.Second,
		MaxReconnect:     time.Minute,
		PingInterval:     90 * time.Second,
	}
}

// PGListener is a ChangeSource backed by Postgres LISTEN/NOTIFY. Row
// triggers publish {table, op, id, round_id} on the notify channel.
type PGListener struct {
	listener *pq.Listener
	clock    clockwork.Clock
	cfg      ListenerConfig
	active   atomic.Bool
}

func NewPGListener(cfg ListenerConfig, clock clockwork.Clock) (*PGListener, error) {
	l := &PGListener{cfg: cfg, clock: clock}
	l.listener = pq.NewListener(
		cfg.DatabaseURL,
		cfg.MinReconnect,
		cfg.MaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventConnected, pq.ListenerEventReconnected:
				l.active.Store(true)
			case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
				l.active.Store(false)
			}
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.listener.Listen(cfg.NotifyChannel); err != nil {
		_ = l.listener.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}
	l.active.Store(true)

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for notifications")
	return l, nil
}

// Active reports whether the LISTEN connection is currently up.
func (l *PGListener) Active() bool {
	return l.active.Load()
}

func (l *PGListener) Start(ctx context.Context, sink func(Change)) error {
	log.Info().
		Str("channel", l.cfg.NotifyChannel).
		Dur("ping_interval", l.cfg.PingInterval).
		Dur("fallback_interval", l.cfg.FallbackInterval).
		Msg("listener started")

	pingTicker := l.clock.NewTicker(l.cfg.PingInterval)
	fallbackTicker := l.clock.NewTicker(l.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("listener shutting down")
			return nil
		case note, ok := <-l.listener.Notify:
			if !ok {
				return errors.New("listener closed")
			}
			if note == nil {
				// Reconnected: anything sent while we were away is gone.
				sink(Change{Table: TableAll, Op: "RECONNECT", ReceivedAt: l.clock.Now()})
				continue
			}
			change, err := ParseChange(note.Extra, l.clock.Now())
			if err != nil {
				log.Error().Err(err).Str("payload", note.Extra).Msg("failed to handle notification")
				continue
			}
			sink(change)
		case <-fallbackTicker.Chan():
			sink(Change{Table: TableAll, Op: "POLL", ReceivedAt: l.clock.Now()})
		case <-pingTicker.Chan():
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (l *PGListener) Close() error {
	l.active.Store(false)
	return l.listener.Close()
}

// ParseChange decodes a trigger payload.
func ParseChange(extra string, at time.Time) (Change, error) {
	var c Change
	if err := json.Unmarshal([]byte(extra), &c); err != nil {
		return Change{}, fmt.Errorf("invalid change payload: %w", err)
	}
	if c.Table == "" {
		return Change{}, errors.New("invalid change payload: missing table")
	}
	if c.RoundID == uuid.Nil && c.Table == "rounds" {
		c.RoundID = c.RowID
	}
	c.ReceivedAt = at
	return c, nil
}
