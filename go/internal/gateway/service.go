// Package gateway is the client-facing edge of the engine: websocket fan-out
// of the local notification stream, the server clock endpoint clients
// estimate their offset against, health and metrics.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roundsync/go/internal/httputil"
	"github.com/mcdev12/roundsync/go/internal/notify"
	"github.com/mcdev12/roundsync/go/internal/roundclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Subscriber is the part of the notification bus the gateway reads.
type Subscriber interface {
	Subscribe(filter notify.Filter) *notify.Subscription
}

type Config struct {
	Connection    ConnectionConfig
	HealthTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Connection:    DefaultConnectionConfig(),
		HealthTimeout: 2 * time.Second,
	}
}

type Service struct {
	manager  *ConnectionManager
	health   *Health
	clock    roundclock.TimeSource
	gatherer prometheus.Gatherer
}

// NewService wires the gateway. serverClock answers /api/time; gatherer may
// be nil to disable /metrics.
func NewService(cfg Config, clock clockwork.Clock, serverClock roundclock.TimeSource, gatherer prometheus.Gatherer) *Service {
	return &Service{
		manager:  NewConnectionManager(cfg.Connection, clock),
		health:   NewHealth(cfg.HealthTimeout),
		clock:    serverClock,
		gatherer: gatherer,
	}
}

func (s *Service) Health() *Health {
	return s.health
}

func (s *Service) Connections() *ConnectionManager {
	return s.manager
}

// Start fans bus notifications out to websocket clients until ctx is done.
func (s *Service) Start(ctx context.Context, bus Subscriber) {
	sub := bus.Subscribe(notify.All())
	defer sub.Close()
	s.manager.Run(ctx, sub)
}

func (s *Service) Routes(r chi.Router) {
	r.Get("/ws/rounds", s.handleConnect)
	r.Get("/ws/stats", s.handleStats)
	r.Get("/api/time", s.handleTime)
	r.Method(http.MethodGet, "/health", s.health)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	log.Info().Msg("gateway routes registered")
}

type timeResponse struct {
	ServerTime time.Time `json:"server_time"`
}

func (s *Service) handleTime(w http.ResponseWriter, r *http.Request) {
	now, err := s.clock.ServerTime(r.Context())
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httputil.RespondOK(w, timeResponse{ServerTime: now.UTC()})
}

// handleConnect upgrades to a websocket. Without round_id the client
// follows whichever round is current.
func (s *Service) handleConnect(w http.ResponseWriter, r *http.Request) {
	roundID := uuid.Nil
	if raw := r.URL.Query().Get("round_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httputil.RespondError(w, httputil.BadRequest("Invalid round_id parameter"))
			return
		}
		roundID = id
	}
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		clientID = "anonymous"
	}

	if err := s.manager.UpgradeConnection(w, r, clientID, roundID); err != nil {
		// The upgrader has already written the failure response.
		log.Error().
			Err(err).
			Str("round_id", roundID.String()).
			Str("client_id", clientID).
			Msg("failed to upgrade websocket connection")
	}
}

func (s *Service) handleStats(w http.ResponseWriter, _ *http.Request) {
	httputil.RespondOK(w, s.manager.Stats())
}
