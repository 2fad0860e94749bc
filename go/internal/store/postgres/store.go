// Package postgres implements the round, sequence, order and target
// repositories on a pgx connection pool. Every table carries a trigger that
// publishes row changes on the configured NOTIFY channel.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schemaSQL string

const DefaultNotifyChannel = "roundsync_changes"

var channelPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type Store struct {
	pool    *pgxpool.Pool
	channel string
}

// Open creates a pool from dsn and verifies connectivity.
func Open(ctx context.Context, dsn, channel string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s, err := New(pool, channel)
	if err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Str("host", cfg.ConnConfig.Host).
		Str("database", cfg.ConnConfig.Database).
		Int32("max_conns", cfg.MaxConns).
		Msg("connected to database")
	return s, nil
}

// New wraps an existing pool. An empty channel selects DefaultNotifyChannel.
func New(pool *pgxpool.Pool, channel string) (*Store, error) {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	if !channelPattern.MatchString(channel) {
		return nil, fmt.Errorf("invalid notify channel %q", channel)
	}
	return &Store{pool: pool, channel: channel}, nil
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaSQL, "__NOTIFY_CHANNEL__", s.channel)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Info().Str("channel", s.channel).Msg("database schema applied")
	return nil
}

// ServerTime reads the database clock. It is the shared reference every
// client estimates its offset against.
func (s *Store) ServerTime(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&now); err != nil {
		return time.Time{}, mapError(err, "read server time")
	}
	return now, nil
}
