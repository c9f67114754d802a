package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of decimal places an amount may carry.
const MoneyPlaces int32 = 2

// AuctionStatus defines the lifecycle status of an auction.
type AuctionStatus string

const (
	AuctionStatusScheduled AuctionStatus = "scheduled"
	AuctionStatusLive      AuctionStatus = "live"
	AuctionStatusEnding    AuctionStatus = "ending"
	AuctionStatusClosed    AuctionStatus = "closed"
)

// Terminal reports whether no further transitions are possible.
func (s AuctionStatus) Terminal() bool {
	return s == AuctionStatusClosed
}

// ResultStatus is the outcome of a resolved auction.
type ResultStatus string

const (
	ResultStatusSold          ResultStatus = "sold"
	ResultStatusReserveNotMet ResultStatus = "reserve_not_met"
	ResultStatusNoBids        ResultStatus = "no_bids"
)

// Auction is a listing as seen by the bidding engine. It is created by the listing
// service; the engine only mutates Status, CurrentBid, CurrentBidderID and EndTime.
type Auction struct {
	ID              uuid.UUID        `json:"id"`
	SellerID        string           `json:"seller_id"`
	Title           string           `json:"title,omitempty"`
	StartTime       time.Time        `json:"start_time"`
	EndTime         time.Time        `json:"end_time"`
	StartingPrice   decimal.Decimal  `json:"starting_price"`
	ReservePrice    *decimal.Decimal `json:"reserve_price,omitempty"`
	MinIncrement    decimal.Decimal  `json:"min_increment"`
	MaxParticipants int              `json:"max_participants"` // 0 means unlimited
	Status          AuctionStatus    `json:"status"`
	CurrentBid      decimal.Decimal  `json:"current_bid"`
	CurrentBidderID *string          `json:"current_bidder_id,omitempty"`
}

// HasReserve reports whether a reserve price is configured.
func (a *Auction) HasReserve() bool {
	return a.ReservePrice != nil && a.ReservePrice.IsPositive()
}

// Bid is an accepted bid. Bids are immutable once appended to the ledger.
type Bid struct {
	AuctionID      uuid.UUID       `json:"auction_id"`
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	AcceptedAt     time.Time       `json:"accepted_at"`
	SequenceNumber uint64          `json:"sequence_number"`
}

// Participant is a user present in an auction room. ConnectionID is empty while the user is
// disconnected and still holds a seat.
type Participant struct {
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	JoinedAt     time.Time `json:"joined_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// AuctionResult is the terminal outcome of an auction, written exactly once.
type AuctionResult struct {
	AuctionID  uuid.UUID        `json:"auction_id"`
	Status     ResultStatus     `json:"status"`
	WinnerID   *string          `json:"winner_id"`
	FinalBid   *decimal.Decimal `json:"final_bid"`
	BidCount   int              `json:"bid_count"`
	ResolvedAt time.Time        `json:"resolved_at"`
}

// ErrInvalidAuction wraps every error returned by Auction.Validate.
var ErrInvalidAuction = errors.New("invalid auction")

// Validate checks the fields the engine relies on before it creates a room.
func (a *Auction) Validate() error {
	var reason string
	switch {
	case a.ID == uuid.Nil:
		reason = "auction id is required"
	case a.SellerID == "":
		reason = "seller id is required"
	case !a.EndTime.After(a.StartTime):
		reason = fmt.Sprintf("end time %s is not after start time %s", a.EndTime, a.StartTime)
	case a.StartingPrice.IsNegative():
		reason = "starting price cannot be negative"
	case !a.MinIncrement.IsPositive():
		reason = "min increment must be positive"
	case !HasMoneyPrecision(a.StartingPrice) || !HasMoneyPrecision(a.MinIncrement):
		reason = fmt.Sprintf("prices carry at most %d decimal places", MoneyPlaces)
	case a.MaxParticipants < 0:
		reason = "max participants cannot be negative"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidAuction, reason)
}

// HasMoneyPrecision reports whether d needs no more than MoneyPlaces decimal places.
func HasMoneyPrecision(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MoneyPlaces))
}
