package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roundsync/go/internal/events"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	HeaderOrigin = "Roundsync-Origin"
	HeaderSentAt = "Roundsync-Sent-At"
	HeaderKind   = "Roundsync-Kind"
)

var ErrBroadcasterClosed = errors.New("broadcaster closed")

type NATSConfig struct {
	URL           string
	Subject       string // prefix, messages go to <subject>.<round id>
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Subject:       "roundsync.nudges",
		Name:          "roundsync",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// ConnectNATS dials the server described by cfg with reconnect and logging
// handlers installed. Extra options are applied last.
func ConnectNATS(cfg NATSConfig, extra ...nats.Option) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.NoEcho(),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
	opts = append(opts, extra...)

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// NATSBroadcaster sends peer nudges over core NATS pub/sub. Nothing is
// persisted; a peer that is offline simply misses the nudge.
type NATSBroadcaster struct {
	nc      *nats.Conn
	subject string
	origin  string
	clock   clockwork.Clock
	offset  OffsetFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// NewNATSBroadcasterFromConn shares an existing connection. The caller keeps
// ownership of nc. Sent-At is stamped from clock corrected by offset, which
// may be nil.
func NewNATSBroadcasterFromConn(nc *nats.Conn, subject, origin string, clock clockwork.Clock, offset OffsetFunc) *NATSBroadcaster {
	return &NATSBroadcaster{
		nc:      nc,
		subject: subject,
		origin:  origin,
		clock:   clock,
		offset:  offset,
		closed:  make(chan struct{}),
	}
}

func (b *NATSBroadcaster) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

func (b *NATSBroadcaster) Broadcast(_ context.Context, n events.Notification) error {
	msg, err := b.message(n)
	if err != nil {
		return err
	}
	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish nudge: %w", err)
	}
	log.Debug().
		Str("subject", msg.Subject).
		Str("kind", string(n.Kind)).
		Msg("nudge sent")
	return nil
}

func (b *NATSBroadcaster) Subscribe(ctx context.Context, handler func(events.Notification)) error {
	sub, err := b.nc.Subscribe(b.subject+".>", func(msg *nats.Msg) {
		n, err := DecodeMessage(msg)
		if err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("discarding malformed nudge")
			return
		}
		handler(n)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.subject, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			log.Warn().Err(err).Msg("failed to unsubscribe from nudges")
		}
	}()

	log.Info().Str("subject", b.subject+".>").Msg("subscribed to peer nudges")
	select {
	case <-ctx.Done():
		return nil
	case <-b.closed:
		return ErrBroadcasterClosed
	}
}

func (b *NATSBroadcaster) message(n events.Notification) (*nats.Msg, error) {
	sentAt := b.clock.Now()
	if b.offset != nil {
		sentAt = sentAt.Add(b.offset())
	}
	return EncodeMessage(b.subjectFor(n.RoundID), b.origin, n, sentAt)
}

func (b *NATSBroadcaster) Close() error {
	b.markClosed()
	return nil
}

func (b *NATSBroadcaster) markClosed() {
	b.closeOnce.Do(func() { close(b.closed) })
}

func (b *NATSBroadcaster) subjectFor(roundID uuid.UUID) string {
	if roundID == uuid.Nil {
		return b.subject + ".all"
	}
	return b.subject + "." + roundID.String()
}

// EncodeMessage builds the wire form of a nudge. The sender's identity and
// send time travel as headers so receivers can discard without decoding.
func EncodeMessage(subject, origin string, n events.Notification, sentAt time.Time) (*nats.Msg, error) {
	n.Origin = origin
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal nudge: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(HeaderOrigin, origin)
	msg.Header.Set(HeaderKind, string(n.Kind))
	msg.Header.Set(HeaderSentAt, sentAt.UTC().Format(time.RFC3339Nano))
	return msg, nil
}

// DecodeMessage restores a nudge. Timestamp is the send time, which is what
// staleness is judged against.
func DecodeMessage(msg *nats.Msg) (events.Notification, error) {
	var n events.Notification
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		return events.Notification{}, fmt.Errorf("unmarshal nudge: %w", err)
	}
	if origin := msg.Header.Get(HeaderOrigin); origin != "" {
		n.Origin = origin
	}
	if sent := msg.Header.Get(HeaderSentAt); sent != "" {
		at, err := time.Parse(time.RFC3339Nano, sent)
		if err != nil {
			return events.Notification{}, fmt.Errorf("invalid %s header: %w", HeaderSentAt, err)
		}
		n.Timestamp = at
	}
	return n, nil
}
