package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roundsync/go/internal/events"
	"github.com/mcdev12/roundsync/go/internal/notify"
	"github.com/rs/zerolog/log"
)

// Message types sent to websocket clients.
const (
	MessageWelcome      = "welcome"
	MessageNotification = "notification"
	MessageTime         = "time"
)

// Message is the envelope of everything written to a websocket client.
// Notifications are refetch hints; clients never apply their payloads.
type Message struct {
	Type         string               `json:"type"`
	ConnectionID string               `json:"connection_id,omitempty"`
	RoundID      uuid.UUID            `json:"round_id,omitempty"`
	ServerTime   time.Time            `json:"server_time"`
	Notification *events.Notification `json:"notification,omitempty"`
}

type clientMessage struct {
	Type string `json:"type"`
}

// ConnectionManager fans the local notification stream out to websocket
// clients grouped by the round they follow.
type ConnectionManager struct {
	// Connections keyed by round. uuid.Nil holds clients following whichever
	// round is current.
	rounds map[uuid.UUID]map[*Connection]struct{}
	mu     sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	clock    clockwork.Clock
}

// Connection is one websocket client.
type Connection struct {
	ID          string
	ClientID    string
	RoundID     uuid.UUID
	ConnectedAt time.Time

	conn      *websocket.Conn
	send      chan []byte
	manager   *ConnectionManager
	closeOnce sync.Once
}

type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      64,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

func NewConnectionManager(config ConnectionConfig, clock clockwork.Clock) *ConnectionManager {
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultConnectionConfig().SendBuffer
	}
	return &ConnectionManager{
		rounds: make(map[uuid.UUID]map[*Connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
		clock:  clock,
	}
}

// Run forwards notifications from sub until ctx is cancelled or the
// subscription closes, then closes every connection.
func (cm *ConnectionManager) Run(ctx context.Context, sub *notify.Subscription) {
	log.Info().Msg("connection manager started")
	defer cm.closeAll()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case n, ok := <-sub.C():
			if !ok {
				log.Info().Msg("notification stream closed, connection manager stopping")
				return
			}
			cm.Broadcast(n)
		}
	}
}

// UpgradeConnection upgrades an HTTP request and registers the connection
// under roundID.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, clientID string, roundID uuid.UUID) error {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := &Connection{
		ID:          uuid.NewString(),
		ClientID:    clientID,
		RoundID:     roundID,
		ConnectedAt: cm.clock.Now(),
		conn:        ws,
		send:        make(chan []byte, cm.config.SendBuffer),
		manager:     cm,
	}

	welcome, err := cm.encode(Message{Type: MessageWelcome, ConnectionID: c.ID, RoundID: roundID})
	if err == nil {
		c.send <- welcome
	}
	cm.register(c)

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.ID).
		Str("client_id", clientID).
		Str("round_id", roundID.String()).
		Msg("websocket connection established")
	return nil
}

func (cm *ConnectionManager) register(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.rounds[c.RoundID] == nil {
		cm.rounds[c.RoundID] = make(map[*Connection]struct{})
	}
	cm.rounds[c.RoundID][c] = struct{}{}
	log.Debug().
		Str("connection_id", c.ID).
		Str("round_id", c.RoundID.String()).
		Int("total_connections", len(cm.rounds[c.RoundID])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregister(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	conns, ok := cm.rounds[c.RoundID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	close(c.send)
	if len(conns) == 0 {
		delete(cm.rounds, c.RoundID)
	}
	log.Info().
		Str("connection_id", c.ID).
		Str("client_id", c.ClientID).
		Str("round_id", c.RoundID.String()).
		Msg("connection unregistered")
}

// Broadcast delivers n to clients of its round and to clients following the
// current round. Global notifications reach everyone. A client whose buffer
// is full is disconnected; it resynchronises when it reconnects.
func (cm *ConnectionManager) Broadcast(n events.Notification) {
	cm.mu.RLock()
	var targets []*Connection
	for roundID, conns := range cm.rounds {
		if n.RoundID != uuid.Nil && roundID != uuid.Nil && roundID != n.RoundID {
			continue
		}
		for c := range conns {
			targets = append(targets, c)
		}
	}
	cm.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	data, err := cm.encode(Message{Type: MessageNotification, RoundID: n.RoundID, Notification: &n})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal notification for broadcast")
		return
	}

	for _, c := range targets {
		if !c.enqueue(data) {
			log.Warn().
				Str("connection_id", c.ID).
				Str("client_id", c.ClientID).
				Msg("connection send buffer full, closing connection")
			cm.unregister(c)
			c.close()
		}
	}

	log.Debug().
		Str("kind", string(n.Kind)).
		Str("round_id", n.RoundID.String()).
		Int("connections", len(targets)).
		Msg("notification fanned out")
}

// Count returns the number of connections following roundID.
func (cm *ConnectionManager) Count(roundID uuid.UUID) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.rounds[roundID])
}

type Stats struct {
	TotalConnections int            `json:"total_connections"`
	Rounds           int            `json:"rounds"`
	PerRound         map[string]int `json:"per_round"`
}

func (cm *ConnectionManager) Stats() Stats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	stats := Stats{PerRound: make(map[string]int, len(cm.rounds))}
	for roundID, conns := range cm.rounds {
		stats.TotalConnections += len(conns)
		stats.PerRound[roundID.String()] = len(conns)
	}
	stats.Rounds = len(cm.rounds)
	return stats
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	var all []*Connection
	for _, conns := range cm.rounds {
		for c := range conns {
			all = append(all, c)
		}
	}
	cm.mu.RUnlock()
	for _, c := range all {
		cm.unregister(c)
		c.close()
	}
}

func (cm *ConnectionManager) encode(m Message) ([]byte, error) {
	if m.ServerTime.IsZero() {
		m.ServerTime = cm.clock.Now()
	}
	return json.Marshal(m)
}

// enqueue must not race with unregister closing the channel, so it holds the
// manager's read lock while sending.
func (c *Connection) enqueue(data []byte) bool {
	c.manager.mu.RLock()
	defer c.manager.mu.RUnlock()
	if _, ok := c.manager.rounds[c.RoundID][c]; !ok {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
		c.manager.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("failed to write websocket message")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.manager.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(c.manager.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close")
			}
			return
		}
		c.handleClientMessage(message)
		_ = c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}

// handleClientMessage answers time requests so clients can estimate their
// offset over the socket. Anything else is logged and ignored.
func (c *Connection) handleClientMessage(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug().Str("connection_id", c.ID).Msg("ignoring malformed client message")
		return
	}
	if msg.Type != MessageTime {
		log.Debug().Str("connection_id", c.ID).Str("type", msg.Type).Msg("ignoring client message")
		return
	}
	data, err := c.manager.encode(Message{Type: MessageTime, ConnectionID: c.ID, RoundID: c.RoundID})
	if err != nil {
		return
	}
	c.enqueue(data)
}
