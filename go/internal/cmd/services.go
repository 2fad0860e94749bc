package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roundsync/go/internal/config"
	"github.com/mcdev12/roundsync/go/internal/gateway"
	"github.com/mcdev12/roundsync/go/internal/notify"
	"github.com/mcdev12/roundsync/go/internal/orders"
	"github.com/mcdev12/roundsync/go/internal/round"
	"github.com/mcdev12/roundsync/go/internal/roundclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

type Services struct {
	Bus       *notify.Bus
	RoundApp  *round.App
	OrderApp  *orders.App
	Rounds    *round.Service
	Orders    *orders.Service
	Gateway   *gateway.Service
	Registry  *prometheus.Registry
	Broadcast *notify.NATSBroadcaster
	Offset    *roundclock.OffsetEstimator
}

// setupServices wires the dependency chain:
// store → bus → app layer → service layer.
// Timestamps on published notifications are corrected against timeSource.
func setupServices(cfg *config.Config, backend *Backend, clock clockwork.Clock, timeSource roundclock.TimeSource) *Services {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	offset := roundclock.NewOffsetEstimator(timeSource, clock, 3)
	origin := uuid.NewString()
	opts := []notify.Option{
		notify.WithOrigin(origin),
		notify.WithMetrics(notify.NewPrometheusMetrics(registry)),
		notify.WithClockOffset(offset.Offset),
	}
	var broadcaster *notify.NATSBroadcaster
	if backend.NATS != nil && !cfg.NATS.DisableBroadcast {
		broadcaster = notify.NewNATSBroadcasterFromConn(backend.NATS, cfg.NATS.Subject, origin, clock, offset.Offset)
		opts = append(opts, notify.WithBroadcaster(broadcaster))
	}
	bus := notify.NewBus(clock, busConfig(cfg), opts...)

	roundApp := round.NewApp(backend.Store, backend.Counter, bus, clock)
	orderApp := orders.NewApp(backend.Store, backend.Store, bus, clock)

	gw := gateway.NewService(gatewayConfig(), clock, backend.Store, registry)
	gw.Health().Add("store", backend.Store.Ping)
	gw.Health().Add("bus", gateway.FlagCheck(func() bool { return !bus.Degraded() }, "change subscription abandoned"))
	if backend.Listener != nil {
		gw.Health().Add("listener", gateway.FlagCheck(backend.Listener.Active, "not listening"))
	}
	if broadcaster != nil {
		gw.Health().Add("nats", gateway.FlagCheck(broadcaster.IsConnected, "disconnected"))
	}

	return &Services{
		Bus:       bus,
		RoundApp:  roundApp,
		OrderApp:  orderApp,
		Rounds:    round.NewService(roundApp),
		Orders:    orders.NewService(orderApp),
		Gateway:   gw,
		Registry:  registry,
		Broadcast: broadcaster,
		Offset:    offset,
	}
}

// syncOffset keeps the estimator current until ctx ends. A failed estimate
// keeps the previous offset.
func syncOffset(ctx context.Context, clock clockwork.Clock, est *roundclock.OffsetEstimator, every time.Duration) {
	ticker := clock.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := est.Estimate(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("clock offset estimate failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}
