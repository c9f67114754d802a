// Package gateway carries auction rooms to WebSocket clients: it authenticates connections,
// forwards join, bid and leave messages to the room registry and fans room broadcasts out to
// every subscribed connection.
package gateway

import (
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/auctionhouse/go/internal/auction/identity"
)

type Config struct {
	ConnectionConfig ConnectionConfig
}

func DefaultConfig() Config {
	return Config{ConnectionConfig: DefaultConnectionConfig()}
}

// Service bundles the connection manager with its HTTP handlers. The connection manager must be
// handed to the registry as its Broadcaster before the engine is attached.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler
}

// NewService creates the gateway. Call Attach once the registry exists.
func NewService(config Config, clock clockwork.Clock) *Service {
	return &Service{connectionManager: NewConnectionManager(config.ConnectionConfig, clock)}
}

// Broadcaster returns the connection manager, for use as the rooms' Broadcaster.
func (s *Service) Broadcaster() *ConnectionManager {
	return s.connectionManager
}

// Attach wires the engine and the identity resolver into the HTTP handlers.
func (s *Service) Attach(engine Engine, resolver identity.Resolver) {
	s.wsHandler = NewWebSocketHandler(s.connectionManager, engine, resolver)
	s.stateHandler = NewStateHandler(engine)
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)
	log.Info().Msg("auction gateway routes registered")
}

func (s *Service) Stats() ConnectionStats {
	return s.connectionManager.Stats()
}

// Close disconnects every client.
func (s *Service) Close() {
	s.connectionManager.CloseAll()
	log.Info().Msg("auction gateway stopped")
}
