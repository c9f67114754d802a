package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/auctionhouse/go/internal/auction/events"
)

// ConnectionManager tracks WebSocket connections and the auction rooms they are subscribed to.
// It is the rooms' Broadcaster: every method is non-blocking.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	// Room subscriptions, by auction then connection id.
	auctionConnections map[uuid.UUID]map[string]*Connection

	upgrader websocket.Upgrader
	config   ConnectionConfig
	clock    clockwork.Clock
}

// ConnectionConfig holds configuration for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	// SendBuffer is how many outbound messages a connection may lag before it is evicted.
	SendBuffer  int
	CheckOrigin func(r *http.Request) bool
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

func NewConnectionManager(config ConnectionConfig, clock clockwork.Clock) *ConnectionManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 1
	}
	return &ConnectionManager{
		connections:        make(map[string]*Connection),
		auctionConnections: make(map[uuid.UUID]map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
		clock:  clock,
	}
}

func (cm *ConnectionManager) newConnection(userID string, ws *websocket.Conn) *Connection {
	return &Connection{
		ID:          uuid.NewString(),
		UserID:      userID,
		Conn:        ws,
		Send:        make(chan []byte, cm.config.SendBuffer),
		manager:     cm,
		auctions:    make(map[uuid.UUID]bool),
		ConnectedAt: cm.clock.Now(),
	}
}

func (cm *ConnectionManager) registerConnection(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[c.ID] = c

	log.Debug().
		Str("connection_id", c.ID).
		Str("user_id", c.UserID).
		Int("total_connections", len(cm.connections)).
		Msg("connection registered")
}

// unregisterConnection drops c from every room and closes its send channel. It reports whether
// c was still registered.
func (cm *ConnectionManager) unregisterConnection(c *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, ok := cm.connections[c.ID]; !ok {
		return false
	}
	delete(cm.connections, c.ID)
	for auctionID, conns := range cm.auctionConnections {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(cm.auctionConnections, auctionID)
		}
	}
	close(c.Send)

	log.Info().
		Str("connection_id", c.ID).
		Str("user_id", c.UserID).
		Msg("connection unregistered")
	return true
}

// Subscribe adds a registered connection to an auction's broadcast set.
func (cm *ConnectionManager) Subscribe(auctionID uuid.UUID, connectionID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.connections[connectionID]
	if !ok {
		return
	}
	if cm.auctionConnections[auctionID] == nil {
		cm.auctionConnections[auctionID] = make(map[string]*Connection)
	}
	cm.auctionConnections[auctionID][connectionID] = c
}

func (cm *ConnectionManager) Unsubscribe(auctionID uuid.UUID, connectionID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conns, ok := cm.auctionConnections[auctionID]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(cm.auctionConnections, auctionID)
		}
	}
}

// Broadcast marshals the event once and enqueues it to every subscriber of the auction.
// Subscribers whose buffer is full are evicted.
func (cm *ConnectionManager) Broadcast(auctionID uuid.UUID, t events.Type, payload any) {
	data, err := newEnvelope(auctionID, t, payload, cm.clock.Now())
	if err != nil {
		log.Error().Err(err).Str("event_type", string(t)).Msg("failed to marshal event for broadcast")
		return
	}

	var slow []*Connection
	cm.mu.RLock()
	conns := cm.auctionConnections[auctionID]
	for _, c := range conns {
		select {
		case c.Send <- data:
		default:
			slow = append(slow, c)
		}
	}
	n := len(conns)
	cm.mu.RUnlock()

	for _, c := range slow {
		cm.evict(c)
	}

	log.Debug().
		Str("event_type", string(t)).
		Str("auction_id", auctionID.String()).
		Int("connections", n).
		Msg("event broadcasted")
}

// Send enqueues an event to a single connection.
func (cm *ConnectionManager) Send(auctionID uuid.UUID, connectionID string, t events.Type, payload any) {
	data, err := newEnvelope(auctionID, t, payload, cm.clock.Now())
	if err != nil {
		log.Error().Err(err).Str("event_type", string(t)).Msg("failed to marshal event")
		return
	}

	cm.mu.RLock()
	c, ok := cm.connections[connectionID]
	delivered := true
	if ok {
		select {
		case c.Send <- data:
		default:
			delivered = false
		}
	}
	cm.mu.RUnlock()

	if ok && !delivered {
		cm.evict(c)
	}
}

func (cm *ConnectionManager) evict(c *Connection) {
	log.Warn().
		Str("connection_id", c.ID).
		Str("user_id", c.UserID).
		Msg("connection send buffer full, closing connection")
	if cm.unregisterConnection(c) && c.Conn != nil {
		c.Conn.Close()
	}
}

// CloseAll closes every connection.
func (cm *ConnectionManager) CloseAll() {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for _, c := range cm.connections {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	for _, c := range conns {
		if cm.unregisterConnection(c) && c.Conn != nil {
			c.Conn.Close()
		}
	}
}

// ConnectionStats summarizes active connections.
type ConnectionStats struct {
	TotalConnections   int            `json:"total_connections"`
	ActiveAuctions     int            `json:"active_auctions"`
	AuctionConnections map[string]int `json:"auction_connections"`
}

func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	counts := make(map[string]int, len(cm.auctionConnections))
	for auctionID, conns := range cm.auctionConnections {
		counts[auctionID.String()] = len(conns)
	}
	return ConnectionStats{
		TotalConnections:   len(cm.connections),
		ActiveAuctions:     len(cm.auctionConnections),
		AuctionConnections: counts,
	}
}
