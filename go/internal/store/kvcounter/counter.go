// Package kvcounter keeps the round sequence counter in a NATS JetStream
// key-value bucket so several engine processes can share it without a
// database.
package kvcounter

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mcdev12/roundsync/go/internal/apperrors"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBucket = "roundsync_counters"
	counterKey    = "round_sequence"
	maxAttempts   = 5
)

// Bucket is the part of jetstream.KeyValue the counter uses.
type Bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
}

type Counter struct {
	bucket Bucket
}

// Open creates (or reuses) the counter bucket on nc.
func Open(ctx context.Context, nc *nats.Conn, bucket string) (*Counter, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "round sequence numbers",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open key-value bucket %s: %w", bucket, err)
	}
	log.Info().Str("bucket", bucket).Msg("sequence counter bucket ready")
	return New(kv), nil
}

func New(bucket Bucket) *Counter {
	return &Counter{bucket: bucket}
}

// Next increments the counter with a revision check, re-reading on conflict.
func (c *Counter) Next(ctx context.Context) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		current, revision, err := c.read(ctx)
		if err != nil {
			return 0, err
		}

		next := current + 1
		// Revision 0 only succeeds if the key does not exist yet.
		if _, err := c.bucket.Update(ctx, counterKey, encode(next), revision); err != nil {
			lastErr = err
			log.Debug().Err(err).Int("attempt", attempt).Msg("sequence counter update raced, retrying")
			continue
		}
		return next, nil
	}
	return 0, apperrors.Wrap(lastErr, apperrors.KindConflict, "sequence counter kept changing")
}

// Reset stores value so the next call to Next returns value+1.
func (c *Counter) Reset(ctx context.Context, value int) error {
	if _, err := c.bucket.Put(ctx, counterKey, encode(value)); err != nil {
		return apperrors.TransientSync(err, "reset sequence counter")
	}
	log.Info().Int("value", value).Msg("sequence counter reset")
	return nil
}

func (c *Counter) read(ctx context.Context) (int, uint64, error) {
	entry, err := c.bucket.Get(ctx, counterKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, apperrors.TransientSync(err, "read sequence counter")
	}
	value, err := strconv.Atoi(string(entry.Value()))
	if err != nil {
		return 0, 0, apperrors.Terminal(err, "corrupt sequence counter")
	}
	return value, entry.Revision(), nil
}

func encode(v int) []byte {
	return []byte(strconv.Itoa(v))
}
