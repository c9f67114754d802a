package gateway

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/auctionhouse/go/internal/auction/listing"
	"github.com/mcdev12/auctionhouse/go/internal/auction/registry"
	"github.com/mcdev12/auctionhouse/go/internal/auction/room"
)

// StateHandler serves read-only auction state over HTTP.
type StateHandler struct {
	engine Engine
}

func NewStateHandler(engine Engine) *StateHandler {
	return &StateHandler{engine: engine}
}

// HandleGetAuctionState handles GET /api/auctions/{id}/state.
func (h *StateHandler) HandleGetAuctionState(w http.ResponseWriter, r *http.Request) {
	auctionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid auction id", http.StatusBadRequest)
		return
	}

	snap, err := h.engine.Snapshot(r.Context(), auctionID)
	switch {
	case errors.Is(err, listing.ErrAuctionNotFound):
		http.Error(w, "auction not found", http.StatusNotFound)
		return
	case errors.Is(err, registry.ErrAuctionEnded), errors.Is(err, room.ErrRoomClosed):
		http.Error(w, "auction ended", http.StatusGone)
		return
	case err != nil:
		log.Error().Err(err).Str("auction_id", auctionID.String()).Msg("failed to get auction state")
		http.Error(w, "failed to get auction state", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// HandleGetActiveAuctions handles GET /api/auctions/active.
func (h *StateHandler) HandleGetActiveAuctions(w http.ResponseWriter, r *http.Request) {
	live, err := h.engine.Live(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to get active auctions")
		http.Error(w, "failed to get active auctions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, live)
}

func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/auctions/active", h.HandleGetActiveAuctions)
	mux.HandleFunc("GET /api/auctions/{id}/state", h.HandleGetAuctionState)
}
