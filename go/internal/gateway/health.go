package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/mcdev12/roundsync/go/internal/httputil"
	"github.com/rs/zerolog/log"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Check reports a component's health. A nil error means healthy.
type Check func(ctx context.Context) error

type namedCheck struct {
	name  string
	check Check
}

// Health aggregates component checks for the /health endpoint.
type Health struct {
	timeout time.Duration

	mu     sync.RWMutex
	checks []namedCheck
}

func NewHealth(timeout time.Duration) *Health {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Health{timeout: timeout}
}

func (h *Health) Add(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// FlagCheck adapts a boolean status func; ok reports healthy.
func FlagCheck(ok func() bool, failure string) Check {
	err := errors.New(failure)
	return func(context.Context) error {
		if ok() {
			return nil
		}
		return err
	}
}

type HealthReport struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Evaluate runs every check concurrently under the configured timeout.
func (h *Health) Evaluate(ctx context.Context) HealthReport {
	h.mu.RLock()
	checks := append([]namedCheck(nil), h.checks...)
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]error, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.check(ctx)
		}()
	}
	wg.Wait()

	report := HealthReport{Status: StatusOK, Components: make(map[string]string, len(checks))}
	for i, c := range checks {
		if err := results[i]; err != nil {
			report.Status = StatusDegraded
			report.Components[c.name] = err.Error()
			log.Warn().Err(err).Str("component", c.name).Msg("health check failed")
			continue
		}
		report.Components[c.name] = StatusOK
	}
	return report
}

func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Evaluate(r.Context())
	status := http.StatusOK
	if report.Status != StatusOK {
		status = http.StatusServiceUnavailable
	}
	httputil.RespondJSON(w, status, report)
}
