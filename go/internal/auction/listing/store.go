// Package listing adapts the listing service, which owns auction records, to the engine.
package listing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/auctionhouse/go/internal/models"
)

// ErrAuctionNotFound is returned when the listing service has no such auction.
var ErrAuctionNotFound = errors.New("auction not found")

// Store is what the engine needs from the listing service.
type Store interface {
	GetAuction(ctx context.Context, id uuid.UUID) (models.Auction, error)
	// ListStartingBefore returns auctions that are not closed and start before the given time,
	// earliest first.
	ListStartingBefore(ctx context.Context, before time.Time, limit int) ([]models.Auction, error)
	// SaveAuctionState writes back the engine-owned fields and, once resolved, the result.
	SaveAuctionState(ctx context.Context, a models.Auction, res *models.AuctionResult) error
}
