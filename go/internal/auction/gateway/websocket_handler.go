package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/auctionhouse/go/internal/auction/arbiter"
	"github.com/mcdev12/auctionhouse/go/internal/auction/identity"
	"github.com/mcdev12/auctionhouse/go/internal/auction/room"
)

// Engine is the part of the room registry the gateway drives.
type Engine interface {
	Join(ctx context.Context, auctionID uuid.UUID, userID, connectionID string) (room.JoinReply, error)
	Leave(ctx context.Context, auctionID uuid.UUID, userID, connectionID string) error
	Disconnect(ctx context.Context, auctionID uuid.UUID, userID, connectionID string) error
	PlaceBid(ctx context.Context, req arbiter.BidRequest) (arbiter.Decision, error)
	Snapshot(ctx context.Context, auctionID uuid.UUID) (room.Snapshot, error)
	Live(ctx context.Context) ([]room.Snapshot, error)
}

// WebSocketHandler upgrades authenticated requests into auction connections.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	engine            Engine
	resolver          identity.Resolver
}

func NewWebSocketHandler(cm *ConnectionManager, engine Engine, resolver identity.Resolver) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		engine:            engine,
		resolver:          resolver,
	}
}

// HandleAuctionConnection serves /ws/auction. The handler blocks for the life of the connection.
func (h *WebSocketHandler) HandleAuctionConnection(w http.ResponseWriter, r *http.Request) {
	userID, err := h.resolver.Resolve(r)
	if err != nil {
		log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("rejecting unauthenticated connection")
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	ws, err := h.connectionManager.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Error().Err(err).Str("user_id", userID).Msg("failed to upgrade WebSocket connection")
		return
	}

	c := h.connectionManager.newConnection(userID, ws)
	c.engine = h.engine
	h.connectionManager.registerConnection(c)

	log.Info().
		Str("connection_id", c.ID).
		Str("user_id", userID).
		Msg("WebSocket connection established")

	go c.writePump()
	c.readPump(r.Context())
}

func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.connectionManager.Stats())
}

func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/auction", h.HandleAuctionConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
