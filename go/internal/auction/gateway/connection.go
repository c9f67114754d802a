package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/auctionhouse/go/internal/auction/arbiter"
	"github.com/mcdev12/auctionhouse/go/internal/auction/events"
	"github.com/mcdev12/auctionhouse/go/internal/auction/room"
)

const leaveTimeout = 5 * time.Second

// Connection is one client WebSocket. A connection may join several auctions.
type Connection struct {
	ID          string
	UserID      string
	Conn        *websocket.Conn
	Send        chan []byte
	ConnectedAt time.Time

	manager *ConnectionManager
	engine  Engine

	mu       sync.Mutex
	auctions map[uuid.UUID]bool
}

func (c *Connection) joined() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(c.auctions))
	for id := range c.auctions {
		ids = append(ids, id)
	}
	return ids
}

func (c *Connection) setJoined(id uuid.UUID, joined bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if joined {
		c.auctions[id] = true
	} else {
		delete(c.auctions, id)
	}
}

// writePump sends queued messages and pings to the client.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles client messages until the connection fails, then detaches from every joined
// room.
func (c *Connection) readPump(ctx context.Context) {
	defer func() {
		c.disconnectAll()
		c.manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("connection_id", c.ID).Msg("unexpected WebSocket close error")
			}
			return
		}

		c.handleClientMessage(ctx, message)
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}

// disconnectAll detaches the connection from every joined room. Each room holds the user's seat
// for its reconnect grace.
func (c *Connection) disconnectAll() {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	for _, id := range c.joined() {
		if err := c.engine.Disconnect(ctx, id, c.UserID, c.ID); err != nil {
			log.Debug().Err(err).Str("auction_id", id.String()).Str("connection_id", c.ID).Msg("disconnect from room failed")
		}
	}
}

func (c *Connection) handleClientMessage(ctx context.Context, message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("ignoring malformed client message")
		return
	}
	auctionID, err := uuid.Parse(msg.AuctionID)
	if err != nil {
		log.Debug().Str("connection_id", c.ID).Str("auction_id", msg.AuctionID).Msg("ignoring message with invalid auction id")
		return
	}

	switch msg.Type {
	case MessageJoinAuction:
		c.join(ctx, auctionID)
	case MessagePlaceBid:
		c.placeBid(ctx, auctionID, msg)
	case MessageLeaveAuction:
		c.setJoined(auctionID, false)
		if err := c.engine.Leave(ctx, auctionID, c.UserID, c.ID); err != nil {
			log.Debug().Err(err).Str("auction_id", auctionID.String()).Msg("leave failed")
		}
	default:
		log.Debug().Str("connection_id", c.ID).Str("type", string(msg.Type)).Msg("ignoring unknown client message")
	}
}

// join subscribes the connection through the room, which sends the snapshot itself. Refusals
// are reported to this connection only.
func (c *Connection) join(ctx context.Context, auctionID uuid.UUID) {
	reply, err := c.engine.Join(ctx, auctionID, c.UserID, c.ID)
	if err == nil {
		c.setJoined(auctionID, true)
		return
	}

	var je *room.JoinError
	if !errors.As(err, &je) {
		log.Error().Err(err).Str("auction_id", auctionID.String()).Str("user_id", c.UserID).Msg("join failed")
		return
	}
	c.manager.Send(auctionID, c.ID, events.TypeJoinError, events.JoinErrorPayload{Code: string(je.Code), Result: reply.Result})
	if je.Code == room.JoinAlreadyEnded && reply.Result != nil {
		c.manager.Send(auctionID, c.ID, events.TypeAuctionEnd, events.AuctionEndPayload{Result: *reply.Result})
	}
}

func (c *Connection) placeBid(ctx context.Context, auctionID uuid.UUID, msg ClientMessage) {
	d, err := c.engine.PlaceBid(ctx, arbiter.BidRequest{
		AuctionID:       auctionID,
		UserID:          c.UserID,
		Amount:          msg.Amount,
		ClientTimestamp: msg.ClientTS,
	})
	if err == nil {
		c.manager.Send(auctionID, c.ID, events.TypeBidAccepted, events.BidAcceptedPayload{
			Amount:         d.Bid.Amount,
			SequenceNumber: d.Bid.SequenceNumber,
			TimerEnd:       d.TimerEnd,
		})
		return
	}

	var be *arbiter.BidError
	if !errors.As(err, &be) {
		log.Error().Err(err).Str("auction_id", auctionID.String()).Str("user_id", c.UserID).Msg("bid failed")
		return
	}
	c.manager.Send(auctionID, c.ID, events.TypeBidError, events.BidErrorPayload{
		Code:       string(be.Code),
		Detail:     string(be.Detail),
		Amount:     msg.Amount,
		CurrentBid: be.CurrentBid,
		MinNext:    be.MinNext,
	})
}
