package main

import (
	"os"
	"strings"

	"github.com/mcdev12/roundsync/go/internal/config"
	"github.com/mcdev12/roundsync/go/internal/gateway"
	"github.com/mcdev12/roundsync/go/internal/notify"
	"github.com/mcdev12/roundsync/go/internal/rotation"
	"github.com/mcdev12/roundsync/go/internal/roundclock"
	"github.com/mcdev12/roundsync/go/internal/syncclient"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func retryConfig(cfg *config.Config) notify.RetryConfig {
	return notify.RetryConfig{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
	}
}

func busConfig(cfg *config.Config) notify.Config {
	return notify.Config{
		Debounce:   cfg.Bus.Debounce,
		Buffer:     cfg.Bus.SubscriberBuffer,
		StaleAfter: cfg.NATS.StaleAfter,
		Retry:      retryConfig(cfg),
	}
}

func listenerConfig(cfg *config.Config) notify.ListenerConfig {
	lc := notify.DefaultListenerConfig()
	lc.DatabaseURL = cfg.Database.DSN()
	lc.NotifyChannel = cfg.Store.NotifyChannel
	lc.FallbackInterval = cfg.Bus.FallbackInterval
	return lc
}

func natsConfig(cfg *config.Config) notify.NATSConfig {
	nc := notify.DefaultNATSConfig()
	nc.URL = cfg.NATS.URL
	nc.Subject = cfg.NATS.Subject
	nc.MaxReconnects = cfg.NATS.MaxReconnects
	nc.ReconnectWait = cfg.NATS.ReconnectWait
	return nc
}

func sessionConfig(cfg *config.Config) syncclient.Config {
	sc := syncclient.DefaultConfig()
	sc.Clock = roundclock.Config{
		TickInterval:     cfg.Clock.TickInterval,
		ResyncInterval:   cfg.Clock.ResyncInterval,
		WarningThreshold: cfg.Clock.WarningThreshold,
	}
	sc.Rotation = rotation.Config{MinRecompute: cfg.Rotation.MinRecompute}
	return sc
}

func gatewayConfig() gateway.Config {
	return gateway.DefaultConfig()
}
