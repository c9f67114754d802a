package events

import (
	"encoding/json"
	"time"
)

// Bus subject and stream names shared by the outbox publisher and the consumers.
const (
	StreamName    = "AUCTION_EVENTS"
	SubjectPrefix = "auction.events"
	// ListingSubjectPrefix is where the listing service publishes AuctionScheduled.
	ListingSubjectPrefix = "listing.events"
)

// BusEnvelope is the JSON body of every message on the event bus.
type BusEnvelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	AuctionID string          `json:"auctionId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}
