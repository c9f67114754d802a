// Package ledger holds the append-only, ordered log of accepted bids for one auction.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/auctionhouse/go/internal/models"
)

// ErrNonMonotonic is returned when an append would not strictly increase the amount.
var ErrNonMonotonic = errors.New("bid amount must strictly increase")

// Ledger is the source of truth for the current highest bid of one auction.
//
// A Ledger is not safe for concurrent use; it is owned by its room's goroutine.
type Ledger struct {
	auctionID uuid.UUID
	bids      []models.Bid
}

// New creates an empty ledger for an auction.
func New(auctionID uuid.UUID) *Ledger {
	return &Ledger{auctionID: auctionID}
}

// AuctionID returns the auction this ledger belongs to.
func (l *Ledger) AuctionID() uuid.UUID {
	return l.auctionID
}

// Append records an accepted bid, assigning the next sequence number. acceptedAt is clamped so
// that accepted times never go backwards within the ledger.
func (l *Ledger) Append(userID string, amount decimal.Decimal, acceptedAt time.Time) (models.Bid, error) {
	if last, ok := l.Highest(); ok {
		if !amount.GreaterThan(last.Amount) {
			return models.Bid{}, fmt.Errorf("append %s after %s: %w", amount, last.Amount, ErrNonMonotonic)
		}
		if acceptedAt.Before(last.AcceptedAt) {
			acceptedAt = last.AcceptedAt
		}
	}

	bid := models.Bid{
		AuctionID:      l.auctionID,
		UserID:         userID,
		Amount:         amount,
		AcceptedAt:     acceptedAt,
		SequenceNumber: uint64(len(l.bids)) + 1,
	}
	l.bids = append(l.bids, bid)
	return bid, nil
}

// Highest returns the most recently accepted (and therefore highest) bid.
func (l *Ledger) Highest() (models.Bid, bool) {
	if len(l.bids) == 0 {
		return models.Bid{}, false
	}
	return l.bids[len(l.bids)-1], true
}

// Len returns the number of accepted bids.
func (l *Ledger) Len() int {
	return len(l.bids)
}

// Recent returns up to n of the latest bids, newest first.
func (l *Ledger) Recent(n int) []models.Bid {
	if n <= 0 || len(l.bids) == 0 {
		return []models.Bid{}
	}
	if n > len(l.bids) {
		n = len(l.bids)
	}
	out := make([]models.Bid, 0, n)
	for i := len(l.bids) - 1; i >= len(l.bids)-n; i-- {
		out = append(out, l.bids[i])
	}
	return out
}

// All returns a copy of every accepted bid in sequence order.
func (l *Ledger) All() []models.Bid {
	out := make([]models.Bid, len(l.bids))
	copy(out, l.bids)
	return out
}
