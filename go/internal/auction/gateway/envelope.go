package gateway

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/auctionhouse/go/internal/auction/events"
)

// Envelope is the structure of every message sent to a client.
type Envelope struct {
	ID        string          `json:"id"`
	AuctionID string          `json:"auction_id"`
	Type      events.Type     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ClientMessageType names a message sent by a client.
type ClientMessageType string

const (
	MessageJoinAuction  ClientMessageType = "join_auction"
	MessagePlaceBid     ClientMessageType = "place_bid"
	MessageLeaveAuction ClientMessageType = "leave_auction"
)

// ClientMessage is an inbound message. Amount accepts a JSON string or number and is parsed
// as a decimal, never as a float.
type ClientMessage struct {
	Type      ClientMessageType `json:"type"`
	AuctionID string            `json:"auction_id"`
	Amount    decimal.Decimal   `json:"amount"`
	ClientTS  time.Time         `json:"client_ts"`
}

func newEnvelope(auctionID uuid.UUID, t events.Type, payload any, now time.Time) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		ID:        uuid.NewString(),
		AuctionID: auctionID.String(),
		Type:      t,
		Timestamp: now,
		Data:      data,
	})
}
