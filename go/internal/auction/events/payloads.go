package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mcdev12/auctionhouse/go/internal/models"
)

// Payload types shared by the room, the gateway and the outbox. They live here to keep the
// gateway and outbox packages free of room imports.

// Type names a room broadcast or a domain event.
type Type string

// Broadcast types sent to connected participants.
const (
	TypeAuctionState      Type = "auction_state"
	TypeBidUpdate         Type = "bid_update"
	TypeParticipantUpdate Type = "participant_update"
	TypeAuctionEnd        Type = "auction_end"
	TypeAuctionStarted    Type = "auction_started"
	TypeJoinError         Type = "join_error"
	TypeBidError          Type = "bid_error"
	TypeBidAccepted       Type = "bid_accepted"
)

// Domain event types written to the outbox and published on JetStream.
const (
	EventBidPlaced        Type = "BidPlaced"
	EventAuctionStarted   Type = "AuctionStarted"
	EventAuctionClosed    Type = "AuctionClosed"
	EventAuctionScheduled Type = "AuctionScheduled"
)

// BidUpdatePayload is broadcast to the room for every accepted bid, in acceptance order.
type BidUpdatePayload struct {
	BidderID       string          `json:"bidder_id"`
	Amount         decimal.Decimal `json:"amount"`
	SequenceNumber uint64          `json:"sequence_number"`
	AcceptedAt     time.Time       `json:"accepted_at"`
	MinNext        decimal.Decimal `json:"min_next"`
	TimerEnd       time.Time       `json:"timer_end"`
	Extended       bool            `json:"extended"`
}

// ParticipantUpdatePayload is broadcast when the distinct participant count changes.
type ParticipantUpdatePayload struct {
	UserID           string `json:"user_id"`
	Action           string `json:"action"` // joined | left
	ParticipantCount int    `json:"participant_count"`
}

// AuctionStartedPayload is broadcast (and written to the outbox) when a room goes live.
type AuctionStartedPayload struct {
	AuctionID     string          `json:"auction_id"`
	StartedAt     time.Time       `json:"started_at"`
	TimerEnd      time.Time       `json:"timer_end"`
	StartingPrice decimal.Decimal `json:"starting_price"`
	MinIncrement  decimal.Decimal `json:"min_increment"`
}

// AuctionEndPayload is broadcast once the result is persisted, and replayed to late joiners.
type AuctionEndPayload struct {
	Result models.AuctionResult `json:"result"`
}

// JoinErrorPayload is sent only to the connection whose join was refused.
type JoinErrorPayload struct {
	Code   string                `json:"code"`
	Result *models.AuctionResult `json:"result,omitempty"`
}

// BidErrorPayload is sent only to the connection whose bid was rejected.
type BidErrorPayload struct {
	Code       string          `json:"code"`
	Detail     string          `json:"detail,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	CurrentBid decimal.Decimal `json:"current_bid"`
	MinNext    decimal.Decimal `json:"min_next"`
}

// BidAcceptedPayload acknowledges a bid to its bidder.
type BidAcceptedPayload struct {
	Amount         decimal.Decimal `json:"amount"`
	SequenceNumber uint64          `json:"sequence_number"`
	TimerEnd       time.Time       `json:"timer_end"`
}

// BidPlacedPayload is the outbox record of an accepted bid.
type BidPlacedPayload struct {
	AuctionID      string          `json:"auction_id"`
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	SequenceNumber uint64          `json:"sequence_number"`
	AcceptedAt     time.Time       `json:"accepted_at"`
}

// AuctionClosedPayload is handed to order creation and settlement.
type AuctionClosedPayload struct {
	AuctionID  string           `json:"auction_id"`
	Status     string           `json:"status"`
	WinnerID   *string          `json:"winner_id"`
	FinalBid   *decimal.Decimal `json:"final_bid"`
	BidCount   int              `json:"bid_count"`
	ResolvedAt time.Time        `json:"resolved_at"`
}

// AuctionScheduledPayload is published by the listing service when an auction is created or
// rescheduled.
type AuctionScheduledPayload struct {
	Auction models.Auction `json:"auction"`
}

// NewAuctionClosedPayload converts a result into its outbox payload.
func NewAuctionClosedPayload(res models.AuctionResult) AuctionClosedPayload {
	return AuctionClosedPayload{
		AuctionID:  res.AuctionID.String(),
		Status:     string(res.Status),
		WinnerID:   res.WinnerID,
		FinalBid:   res.FinalBid,
		BidCount:   res.BidCount,
		ResolvedAt: res.ResolvedAt,
	}
}
