package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roundsync/go/internal/events"
	"github.com/mcdev12/roundsync/go/internal/notify"
	"github.com/mcdev12/roundsync/go/internal/roundclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	clock   *clockwork.FakeClock
	bus     *notify.Bus
	service *Service
	server  *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fc := clockwork.NewFakeClockAt(epoch)
	reg := prometheus.NewRegistry()
	bus := notify.NewBus(fc, notify.DefaultConfig(), notify.WithMetrics(notify.NewPrometheusMetrics(reg)))
	t.Cleanup(bus.Close)

	serverClock := roundclock.TimeSourceFunc(func(context.Context) (time.Time, error) {
		return fc.Now(), nil
	})
	svc := NewService(DefaultConfig(), fc, serverClock, reg)

	r := chi.NewRouter()
	svc.Routes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	// Subscribe before any test publishes.
	sub := bus.Subscribe(notify.All())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sub.Close()
		svc.Connections().Run(ctx, sub)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{clock: fc, bus: bus, service: svc, server: server}
}

func (h *harness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/rounds" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		_ = resp.Body.Close()
	})
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebsocketFanOutPerRound(t *testing.T) {
	h := newHarness(t)
	roundA, roundB := uuid.New(), uuid.New()

	followA := h.dial(t, "?round_id="+roundA.String()+"&client_id=kitchen-1")
	followAll := h.dial(t, "")

	welcome := readMessage(t, followA)
	assert.Equal(t, MessageWelcome, welcome.Type)
	assert.Equal(t, roundA, welcome.RoundID)
	assert.Equal(t, epoch, welcome.ServerTime.UTC())
	assert.Equal(t, MessageWelcome, readMessage(t, followAll).Type)

	require.Eventually(t, func() bool {
		return h.service.Connections().Count(roundA) == 1 && h.service.Connections().Count(uuid.Nil) == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.bus.Publish(context.Background(), events.MustNew(events.KindStarted, roundB, h.clock.Now(), nil))
	h.bus.Publish(context.Background(), events.MustNew(events.KindPaused, roundA, h.clock.Now(), nil))

	// The round A client only sees its own round.
	msg := readMessage(t, followA)
	assert.Equal(t, MessageNotification, msg.Type)
	require.NotNil(t, msg.Notification)
	assert.Equal(t, events.KindPaused, msg.Notification.Kind)

	// The follow-all client sees both, in order.
	first := readMessage(t, followAll)
	second := readMessage(t, followAll)
	assert.Equal(t, events.KindStarted, first.Notification.Kind)
	assert.Equal(t, events.KindPaused, second.Notification.Kind)

	// Global notifications reach everyone.
	h.bus.Publish(context.Background(), events.MustNew(events.KindReset, uuid.Nil, h.clock.Now(), nil))
	assert.Equal(t, events.KindReset, readMessage(t, followA).Notification.Kind)
	assert.Equal(t, events.KindReset, readMessage(t, followAll).Notification.Kind)

	stats := h.service.Connections().Stats()
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 2, stats.Rounds)
}

func TestWebsocketTimeRequest(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "")
	readMessage(t, conn)

	h.clock.Advance(90 * time.Second)
	require.NoError(t, conn.WriteJSON(clientMessage{Type: MessageTime}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTime, msg.Type)
	assert.Equal(t, epoch.Add(90*time.Second), msg.ServerTime.UTC())
}

func TestWebsocketDisconnectUnregisters(t *testing.T) {
	h := newHarness(t)
	roundID := uuid.New()
	conn := h.dial(t, "?round_id="+roundID.String())
	readMessage(t, conn)
	require.Eventually(t, func() bool { return h.service.Connections().Count(roundID) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool { return h.service.Connections().Count(roundID) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestConnectRejectsBadRoundID(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.server.URL + "/ws/rounds?round_id=nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTimeEndpointFeedsHTTPTimeSource(t *testing.T) {
	h := newHarness(t)
	h.clock.Advance(42 * time.Second)

	src := roundclock.HTTPTimeSource{URL: h.server.URL + "/api/time"}
	got, err := src.ServerTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(42*time.Second), got.UTC())
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]Check
		wantStatus int
		wantReport string
	}{
		{
			name: "all healthy",
			checks: map[string]Check{
				"store": func(context.Context) error { return nil },
				"nats":  FlagCheck(func() bool { return true }, "disconnected"),
			},
			wantStatus: http.StatusOK,
			wantReport: StatusOK,
		},
		{
			name: "store down",
			checks: map[string]Check{
				"store": func(context.Context) error { return errors.New("connection refused") },
				"bus":   FlagCheck(func() bool { return true }, "degraded"),
			},
			wantStatus: http.StatusServiceUnavailable,
			wantReport: StatusDegraded,
		},
		{
			name: "listener inactive",
			checks: map[string]Check{
				"listener": FlagCheck(func() bool { return false }, "not listening"),
			},
			wantStatus: http.StatusServiceUnavailable,
			wantReport: StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			health := NewHealth(time.Second)
			for name, check := range tt.checks {
				health.Add(name, check)
			}

			rec := httptest.NewRecorder()
			health.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.wantStatus, rec.Code)

			var report HealthReport
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
			assert.Equal(t, tt.wantReport, report.Status)
			assert.Len(t, report.Components, len(tt.checks))
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.bus.Publish(context.Background(), events.MustNew(events.KindCreated, uuid.New(), h.clock.Now(), nil))

	resp, err := http.Get(h.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "roundsync_bus_notifications_delivered_total")
}
