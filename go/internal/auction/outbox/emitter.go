package outbox

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/auctionhouse/go/internal/auction/events"
)

type emission struct {
	auctionID uuid.UUID
	eventType events.Type
	payload   any
}

// Emitter is the rooms' events.Sink. Emit never blocks: events are queued and written to the
// outbox by Run. Events that do not fit the queue are dropped and counted.
type Emitter struct {
	app     *App
	queue   chan emission
	dropped atomic.Uint64
}

func NewEmitter(app *App, queueSize int) *Emitter {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Emitter{app: app, queue: make(chan emission, queueSize)}
}

func (e *Emitter) Emit(auctionID uuid.UUID, eventType events.Type, payload any) {
	select {
	case e.queue <- emission{auctionID: auctionID, eventType: eventType, payload: payload}:
	default:
		e.dropped.Add(1)
		log.Warn().
			Str("auction_id", auctionID.String()).
			Str("event_type", string(eventType)).
			Msg("outbox emit queue full, dropping event")
	}
}

// Dropped returns how many events were dropped because the queue was full.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Run writes queued events until ctx is cancelled, then drains what is already queued.
func (e *Emitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.drain()
			return nil
		case em := <-e.queue:
			e.write(ctx, em)
		}
	}
}

func (e *Emitter) drain() {
	for {
		select {
		case em := <-e.queue:
			e.write(context.Background(), em)
		default:
			return
		}
	}
}

func (e *Emitter) write(ctx context.Context, em emission) {
	data, err := json.Marshal(em.payload)
	if err == nil {
		err = e.app.InsertEvent(ctx, em.auctionID, em.eventType, data)
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("auction_id", em.auctionID.String()).
			Str("event_type", string(em.eventType)).
			Msg("failed to write event to outbox")
	}
}
