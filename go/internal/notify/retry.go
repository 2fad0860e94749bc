package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mcdev12/roundsync/go/internal/apperrors"
	"github.com/rs/zerolog/log"
)

type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func newBackOff(cfg RetryConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Retry runs fn with exponential backoff for at most cfg.MaxAttempts
// attempts. Exhaustion is reported as a TransientSync error wrapping the
// last failure. Errors wrapped with backoff.Permanent stop immediately.
func Retry(ctx context.Context, cfg RetryConfig, op string, fn func() error) error {
	maxRetries := cfg.MaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}

	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(cfg), uint64(maxRetries)), ctx)
	err := backoff.RetryNotify(func() error {
		attempt++
		return fn()
	}, policy, func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("transient failure, retrying")
	})
	if err != nil {
		return apperrors.TransientSync(err, fmt.Sprintf("%s failed after %d attempts", op, attempt))
	}
	if attempt > 1 {
		log.Info().Str("op", op).Int("attempt", attempt).Msg("succeeded after retry")
	}
	return nil
}
