package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/auctionhouse/go/internal/auction/arbiter"
	"github.com/mcdev12/auctionhouse/go/internal/auction/events"
	"github.com/mcdev12/auctionhouse/go/internal/auction/timer"
	"github.com/mcdev12/auctionhouse/go/internal/models"
)

// Everything in this file runs on the room goroutine.

func (r *Room) start() bool {
	if r.auction.Status != models.AuctionStatusScheduled {
		return false
	}

	now := r.clock.Now()
	r.auction.Status = models.AuctionStatusLive
	timerEnd := r.countdown.ResetAt(r.auction.EndTime)

	r.logger.Info().
		Time("timer_end", timerEnd).
		Str("starting_price", r.auction.StartingPrice.String()).
		Msg("auction live")

	payload := events.AuctionStartedPayload{
		AuctionID:     r.id.String(),
		StartedAt:     now,
		TimerEnd:      timerEnd,
		StartingPrice: r.auction.StartingPrice,
		MinIncrement:  r.auction.MinIncrement,
	}
	r.broadcaster.Broadcast(r.id, events.TypeAuctionStarted, payload)
	r.events.Emit(r.id, events.EventAuctionStarted, payload)
	return true
}

func (r *Room) join(userID, connectionID string) (JoinReply, error) {
	switch r.auction.Status {
	case models.AuctionStatusScheduled:
		return JoinReply{}, &JoinError{Code: JoinNotStarted}
	case models.AuctionStatusClosed:
		return JoinReply{Result: r.resultCopy()}, &JoinError{Code: JoinAlreadyEnded}
	}

	now := r.clock.Now()
	var replaced string
	p, present := r.participants[userID]
	if !present && r.auction.MaxParticipants > 0 && len(r.participants) >= r.auction.MaxParticipants {
		return JoinReply{}, &JoinError{Code: JoinRoomFull}
	}

	if present {
		r.cancelHold(userID)
		if p.ConnectionID != connectionID {
			replaced = p.ConnectionID
			if replaced != "" {
				r.broadcaster.Unsubscribe(r.id, replaced)
			}
			p.ConnectionID = connectionID
		}
		p.LastSeenAt = now
	} else {
		r.participants[userID] = &models.Participant{
			UserID:       userID,
			ConnectionID: connectionID,
			JoinedAt:     now,
			LastSeenAt:   now,
		}
	}

	snap := r.snapshot()
	if connectionID != "" {
		r.broadcaster.Subscribe(r.id, connectionID)
		r.broadcaster.Send(r.id, connectionID, events.TypeAuctionState, snap)
	}
	if !present {
		r.broadcaster.Broadcast(r.id, events.TypeParticipantUpdate, events.ParticipantUpdatePayload{
			UserID:           userID,
			Action:           "joined",
			ParticipantCount: len(r.participants),
		})
	}

	r.logger.Debug().
		Str("user_id", userID).
		Str("connection_id", connectionID).
		Bool("reconnect", present).
		Int("participants", len(r.participants)).
		Msg("participant joined")

	return JoinReply{Snapshot: snap, ReplacedConnectionID: replaced}, nil
}

func (r *Room) leave(userID, connectionID string) bool {
	p, ok := r.participants[userID]
	if !ok || p.ConnectionID != connectionID {
		return false
	}

	r.cancelHold(userID)
	r.removeParticipant(userID, connectionID)
	return true
}

func (r *Room) disconnect(userID, connectionID string) bool {
	p, ok := r.participants[userID]
	if !ok || connectionID == "" || p.ConnectionID != connectionID {
		return false
	}
	if r.cfg.ReconnectGrace <= 0 {
		r.removeParticipant(userID, connectionID)
		return true
	}

	r.broadcaster.Unsubscribe(r.id, connectionID)
	p.ConnectionID = ""
	p.LastSeenAt = r.clock.Now()
	r.holdSeat(userID)

	r.logger.Debug().
		Str("user_id", userID).
		Str("connection_id", connectionID).
		Dur("grace", r.cfg.ReconnectGrace).
		Msg("participant disconnected, holding seat")
	return true
}

// holdSeat arms the timer that releases a disconnected participant's seat.
func (r *Room) holdSeat(userID string) {
	r.cancelHold(userID)
	r.holdSeq++
	token := r.holdSeq
	t := r.clock.AfterFunc(r.cfg.ReconnectGrace, func() {
		select {
		case r.inbox <- func() { r.releaseSeat(userID, token) }:
		case <-r.done:
		}
	})
	r.holds[userID] = seatHold{timer: t, token: token}
}

func (r *Room) cancelHold(userID string) {
	if h, ok := r.holds[userID]; ok {
		h.timer.Stop()
		delete(r.holds, userID)
	}
}

func (r *Room) releaseSeat(userID string, token uint64) {
	h, ok := r.holds[userID]
	if !ok || h.token != token {
		return
	}
	delete(r.holds, userID)

	p, ok := r.participants[userID]
	if !ok || p.ConnectionID != "" {
		return
	}
	r.removeParticipant(userID, "")
	r.logger.Debug().Str("user_id", userID).Msg("reconnect grace expired, seat released")
}

func (r *Room) removeParticipant(userID, connectionID string) {
	delete(r.participants, userID)
	if connectionID != "" {
		r.broadcaster.Unsubscribe(r.id, connectionID)
	}
	r.broadcaster.Broadcast(r.id, events.TypeParticipantUpdate, events.ParticipantUpdatePayload{
		UserID:           userID,
		Action:           "left",
		ParticipantCount: len(r.participants),
	})
}

func (r *Room) bid(req arbiter.BidRequest) (arbiter.Decision, error) {
	d, err := r.arbiter.Submit(&r.auction, req)
	if err != nil {
		var be *arbiter.BidError
		if !errors.As(err, &be) {
			r.forceClose(err)
		}
		return arbiter.Decision{}, err
	}

	if p, ok := r.participants[req.UserID]; ok {
		p.LastSeenAt = d.Bid.AcceptedAt
	}

	r.broadcaster.Broadcast(r.id, events.TypeBidUpdate, events.BidUpdatePayload{
		BidderID:       d.Bid.UserID,
		Amount:         d.Bid.Amount,
		SequenceNumber: d.Bid.SequenceNumber,
		AcceptedAt:     d.Bid.AcceptedAt,
		MinNext:        arbiter.MinNext(&r.auction, r.ledger),
		TimerEnd:       d.TimerEnd,
		Extended:       d.Extended,
	})
	r.events.Emit(r.id, events.EventBidPlaced, events.BidPlacedPayload{
		AuctionID:      r.id.String(),
		UserID:         d.Bid.UserID,
		Amount:         d.Bid.Amount,
		SequenceNumber: d.Bid.SequenceNumber,
		AcceptedAt:     d.Bid.AcceptedAt,
	})

	r.logger.Debug().
		Str("user_id", d.Bid.UserID).
		Str("amount", d.Bid.Amount.String()).
		Uint64("sequence", d.Bid.SequenceNumber).
		Bool("extended", d.Extended).
		Msg("bid accepted")

	return d, nil
}

func (r *Room) expire(e timer.Expiry) {
	if !r.countdown.Current(e.Generation) {
		r.logger.Debug().Uint64("generation", e.Generation).Msg("ignoring stale countdown expiry")
		return
	}
	if r.auction.Status != models.AuctionStatusLive {
		return
	}

	r.countdown.Stop()
	r.auction.Status = models.AuctionStatusEnding
	r.resolve()
}

func (r *Room) resolve() {
	if r.result != nil {
		r.forceClose(errors.New("auction resolved twice"))
		return
	}

	res := Resolve(&r.auction, r.ledger, r.clock.Now())
	r.result = &res

	r.logger.Info().
		Str("status", string(res.Status)).
		Int("bid_count", res.BidCount).
		Msg("auction resolved")

	r.persist(res)
}

// persist saves res off the room goroutine and reports back through the inbox.
func (r *Room) persist(res models.AuctionResult) {
	ctx := r.ctx
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := r.saveWithRetry(ctx, res)
		select {
		case r.inbox <- func() { r.persisted(err) }:
		case <-ctx.Done():
		}
	}()
}

func (r *Room) saveWithRetry(ctx context.Context, res models.AuctionResult) error {
	for attempt := 1; ; attempt++ {
		err := r.results.SaveResult(ctx, res)
		if err == nil {
			return nil
		}
		if attempt >= r.cfg.PersistAttempts {
			return fmt.Errorf("save result after %d attempts: %w", attempt, err)
		}

		r.logger.Warn().Err(err).Int("attempt", attempt).Msg("failed to save auction result, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(r.cfg.PersistBackoff * time.Duration(attempt)):
		}
	}
}

func (r *Room) persisted(err error) {
	if err != nil {
		r.logger.Error().Err(err).Msg("auction result not persisted, closing with in-memory result")
	}
	r.close()
}

func (r *Room) close() {
	if r.auction.Status == models.AuctionStatusClosed {
		return
	}
	r.countdown.Stop()
	r.auction.Status = models.AuctionStatusClosed
	res := *r.result

	r.broadcaster.Broadcast(r.id, events.TypeAuctionEnd, events.AuctionEndPayload{Result: res})
	r.logger.Info().Str("status", string(res.Status)).Msg("auction closed")

	if r.onClosed != nil {
		r.onClosed(res)
	}
}

// forceClose ends the room after an invariant violation.
func (r *Room) forceClose(reason error) {
	r.logger.Error().Err(reason).Str("status", string(r.auction.Status)).Msg("invariant violated, force-closing auction")
	r.countdown.Stop()
	if r.result == nil {
		res := Resolve(&r.auction, r.ledger, r.clock.Now())
		r.result = &res
		r.persist(res)
	}
	r.close()
}

func (r *Room) snapshot() Snapshot {
	current := arbiter.CurrentBid(&r.auction, r.ledger)
	auction := r.auction
	auction.ReservePrice = nil

	var bidder *string
	if r.auction.CurrentBidderID != nil {
		id := *r.auction.CurrentBidderID
		bidder = &id
	}

	return Snapshot{
		Auction:          auction,
		Status:           r.auction.Status,
		CurrentBid:       current,
		CurrentBidderID:  bidder,
		MinIncrement:     r.auction.MinIncrement,
		MinNext:          current.Add(r.auction.MinIncrement),
		HasReserve:       r.auction.HasReserve(),
		ReserveMet:       r.ledger.Len() > 0 && (!r.auction.HasReserve() || !current.LessThan(*r.auction.ReservePrice)),
		TimerEnd:         r.auction.EndTime,
		RecentBids:       r.ledger.Recent(r.cfg.RecentBids),
		BidCount:         r.ledger.Len(),
		ParticipantCount: len(r.participants),
		ServerTime:       r.clock.Now(),
		Result:           r.resultCopy(),
	}
}

func (r *Room) resultCopy() *models.AuctionResult {
	if r.result == nil {
		return nil
	}
	res := *r.result
	return &res
}
