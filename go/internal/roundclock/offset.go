package roundclock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roundsync/go/internal/apperrors"
	"github.com/rs/zerolog/log"
)

// TimeSource reports the authoritative clock.
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

type TimeSourceFunc func(ctx context.Context) (time.Time, error)

func (f TimeSourceFunc) ServerTime(ctx context.Context) (time.Time, error) {
	return f(ctx)
}

// OffsetEstimator tracks the difference between the local clock and a
// TimeSource. Each estimate takes several samples and keeps the one with the
// shortest round trip.
type OffsetEstimator struct {
	source  TimeSource
	clock   clockwork.Clock
	samples int

	mu     sync.RWMutex
	offset time.Duration
}

func NewOffsetEstimator(source TimeSource, clock clockwork.Clock, samples int) *OffsetEstimator {
	if samples <= 0 {
		samples = 1
	}
	return &OffsetEstimator{source: source, clock: clock, samples: samples}
}

// Offset is the current correction: server time = local time + Offset.
func (e *OffsetEstimator) Offset() time.Duration {
	if e == nil {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.offset
}

// Estimate samples the source and updates the offset. On failure the
// previous offset is kept.
func (e *OffsetEstimator) Estimate(ctx context.Context) (time.Duration, error) {
	if e == nil || e.source == nil {
		return 0, nil
	}

	var (
		best    time.Duration
		bestRTT time.Duration = -1
		lastErr error
	)
	for i := 0; i < e.samples; i++ {
		t0 := e.clock.Now()
		serverTime, err := e.source.ServerTime(ctx)
		t1 := e.clock.Now()
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		rtt := t1.Sub(t0)
		offset := serverTime.Add(rtt / 2).Sub(t1)
		if bestRTT < 0 || rtt < bestRTT {
			best, bestRTT = offset, rtt
		}
	}

	if bestRTT < 0 {
		return e.Offset(), apperrors.TransientSync(lastErr, "clock offset estimate failed")
	}

	e.mu.Lock()
	e.offset = best
	e.mu.Unlock()

	log.Debug().
		Dur("offset", best).
		Dur("rtt", bestRTT).
		Msg("clock offset estimated")
	return best, nil
}

// HTTPTimeSource reads the server clock from the gateway's time endpoint.
type HTTPTimeSource struct {
	URL    string
	Client *http.Client
}

type timeResponse struct {
	ServerTime time.Time `json:"server_time"`
}

func (s HTTPTimeSource) ServerTime(ctx context.Context) (time.Time, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("build time request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("fetch server time: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("fetch server time: unexpected status %d", resp.StatusCode)
	}

	var body timeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return time.Time{}, fmt.Errorf("decode server time: %w", err)
	}
	if body.ServerTime.IsZero() {
		return time.Time{}, errors.New("server time missing from response")
	}
	return body.ServerTime, nil
}
