package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/auctionhouse/go/internal/auction/events"
	"github.com/mcdev12/auctionhouse/go/internal/auction/gateway"
)

// bidder is one simulated participant with its own WebSocket connection.
type bidder struct {
	userID string
	conn   *websocket.Conn
	inbox  chan gateway.Envelope

	writeMu sync.Mutex
}

func dial(ctx context.Context, url, header, userID string) (*bidder, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{header: []string{userID}})
	if err != nil {
		return nil, fmt.Errorf("dial %s as %s: %w", url, userID, err)
	}
	b := &bidder{userID: userID, conn: conn, inbox: make(chan gateway.Envelope, 256)}
	go b.readLoop()
	return b, nil
}

func (b *bidder) readLoop() {
	defer close(b.inbox)
	for {
		var env gateway.Envelope
		if err := b.conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("user_id", b.userID).Msg("read loop ended")
			}
			return
		}
		b.inbox <- env
	}
}

func (b *bidder) send(msg gateway.ClientMessage) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteJSON(msg)
}

func (b *bidder) join(ctx context.Context, auctionID string) (gateway.Envelope, error) {
	if err := b.send(gateway.ClientMessage{Type: gateway.MessageJoinAuction, AuctionID: auctionID}); err != nil {
		return gateway.Envelope{}, err
	}
	return b.await(ctx, events.TypeAuctionState, events.TypeJoinError)
}

func (b *bidder) bid(ctx context.Context, auctionID string, amount decimal.Decimal) (outcome, error) {
	msg := gateway.ClientMessage{Type: gateway.MessagePlaceBid, AuctionID: auctionID, Amount: amount}
	if err := b.send(msg); err != nil {
		return outcome{}, err
	}
	env, err := b.await(ctx, events.TypeBidAccepted, events.TypeBidError)
	if err != nil {
		return outcome{}, err
	}

	out := outcome{userID: b.userID, amount: amount}
	if env.Type == events.TypeBidAccepted {
		var ack events.BidAcceptedPayload
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			return outcome{}, err
		}
		out.accepted = true
		out.sequence = ack.SequenceNumber
		return out, nil
	}

	var rejection events.BidErrorPayload
	if err := json.Unmarshal(env.Data, &rejection); err != nil {
		return outcome{}, err
	}
	out.code = rejection.Code
	return out, nil
}

// await returns the next envelope of one of the given types, skipping room broadcasts.
func (b *bidder) await(ctx context.Context, types ...events.Type) (gateway.Envelope, error) {
	for {
		select {
		case <-ctx.Done():
			return gateway.Envelope{}, ctx.Err()
		case env, ok := <-b.inbox:
			if !ok {
				return gateway.Envelope{}, fmt.Errorf("connection for %s closed", b.userID)
			}
			for _, t := range types {
				if env.Type == t {
					return env, nil
				}
			}
		}
	}
}

func (b *bidder) close() {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = b.conn.Close()
}
