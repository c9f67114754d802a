package events

import (
	"sync"

	"github.com/google/uuid"
)

// Sink receives domain events from rooms. Emit is called from a room's goroutine and must not
// block on I/O.
type Sink interface {
	Emit(auctionID uuid.UUID, eventType Type, payload any)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Emit(uuid.UUID, Type, any) {}

// Record is one captured event.
type Record struct {
	AuctionID uuid.UUID
	Type      Type
	Payload   any
}

// Recorder is an in-memory Sink, used by tests and the dev engine.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *Recorder) Emit(auctionID uuid.UUID, eventType Type, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, Record{AuctionID: auctionID, Type: eventType, Payload: payload})
}

// Records returns a copy of everything emitted so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// OfType returns the captured records of one type.
func (r *Recorder) OfType(t Type) []Record {
	var out []Record
	for _, rec := range r.Records() {
		if rec.Type == t {
			out = append(out, rec)
		}
	}
	return out
}
