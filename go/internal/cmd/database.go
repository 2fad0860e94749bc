package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roundsync/go/internal/config"
	"github.com/mcdev12/roundsync/go/internal/models"
	"github.com/mcdev12/roundsync/go/internal/notify"
	"github.com/mcdev12/roundsync/go/internal/orders"
	"github.com/mcdev12/roundsync/go/internal/round"
	"github.com/mcdev12/roundsync/go/internal/store/kvcounter"
	"github.com/mcdev12/roundsync/go/internal/store/memstore"
	"github.com/mcdev12/roundsync/go/internal/store/postgres"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Store is everything the binary needs from a persistence backend.
type Store interface {
	round.Repository
	orders.Repository
	models.TargetResolver
	CreateTarget(ctx context.Context, t models.Target) (*models.Target, error)
	ListTargets(ctx context.Context) ([]models.Target, error)
	Ping(ctx context.Context) error
	ServerTime(ctx context.Context) (time.Time, error)
}

// Backend bundles the store with the counter, change source and optional
// NATS connection chosen by configuration.
type Backend struct {
	Store    Store
	Counter  round.Counter
	Changes  notify.ChangeSource
	Listener *notify.PGListener
	NATS     *nats.Conn
	Postgres *postgres.Store

	closers []func()
}

func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// setupBackend opens the configured store. withChanges also starts the
// change-data-capture source, which only long-running commands need.
func setupBackend(ctx context.Context, cfg *config.Config, clock clockwork.Clock, withChanges bool) (*Backend, error) {
	b := &Backend{}

	switch cfg.Store.Driver {
	case "memory":
		mem := memstore.New(clock)
		b.Store = mem
		b.Counter = mem
		b.Changes = mem
		log.Warn().Msg("using in-memory store, state is lost on exit")
	default:
		pg, err := postgres.Open(ctx, cfg.Database.PoolDSN(), cfg.Store.NotifyChannel)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		b.closers = append(b.closers, pg.Close)
		b.Postgres = pg
		b.Store = pg
		b.Counter = pg
		log.Info().
			Str("host", cfg.Database.Host).
			Int("port", cfg.Database.Port).
			Str("database", cfg.Database.Database).
			Msg("connected to database")

		if withChanges {
			listener, err := notify.NewPGListener(listenerConfig(cfg), clock)
			if err != nil {
				b.Close()
				return nil, fmt.Errorf("failed to start change listener: %w", err)
			}
			b.closers = append(b.closers, func() { _ = listener.Close() })
			b.Listener = listener
			b.Changes = listener
		}
	}

	needNATS := cfg.Store.CounterDriver == "nats" || (withChanges && !cfg.NATS.DisableBroadcast)
	if needNATS {
		nc, err := connectNATS(cfg)
		switch {
		case err != nil && cfg.Store.CounterDriver == "nats":
			b.Close()
			return nil, err
		case err != nil:
			log.Warn().Err(err).Msg("NATS unavailable, running without peer broadcast")
		default:
			b.NATS = nc
			b.closers = append(b.closers, nc.Close)
		}
	}

	if cfg.Store.CounterDriver == "nats" {
		counter, err := kvcounter.Open(ctx, b.NATS, cfg.NATS.CounterBucket)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to open sequence counter: %w", err)
		}
		b.Counter = counter
	}
	return b, nil
}

func connectNATS(cfg *config.Config) (*nats.Conn, error) {
	nc, err := notify.ConnectNATS(natsConfig(cfg))
	if err != nil {
		return nil, err
	}
	log.Info().Str("url", cfg.NATS.URL).Msg("connected to NATS")
	return nc, nil
}
