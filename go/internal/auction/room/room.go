// Package room implements the per-auction state machine.
//
// Each Room runs on a single goroutine reading closures from its inbox. Bids, joins, leaves,
// start and countdown expiry all pass through that one inbox, so validate, append, reset timer
// and broadcast happen as one critical section without any lock visible to callers.
package room

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/auctionhouse/go/internal/auction/arbiter"
	"github.com/mcdev12/auctionhouse/go/internal/auction/events"
	"github.com/mcdev12/auctionhouse/go/internal/auction/ledger"
	"github.com/mcdev12/auctionhouse/go/internal/auction/timer"
	"github.com/mcdev12/auctionhouse/go/internal/models"
)

// Broadcaster delivers room output to connections. All methods are called from the room
// goroutine and must not block; that is what keeps per-connection delivery in room order.
type Broadcaster interface {
	// Subscribe registers a connection to receive the room's broadcasts.
	Subscribe(auctionID uuid.UUID, connectionID string)
	// Unsubscribe removes a connection from the room's broadcasts.
	Unsubscribe(auctionID uuid.UUID, connectionID string)
	// Broadcast sends to every subscribed connection of the room.
	Broadcast(auctionID uuid.UUID, eventType events.Type, payload any)
	// Send delivers to one connection only.
	Send(auctionID uuid.UUID, connectionID string, eventType events.Type, payload any)
}

// ResultSink hands a resolved result to order creation. It is called off the room goroutine
// and retried until it succeeds or the attempts run out.
type ResultSink interface {
	SaveResult(ctx context.Context, res models.AuctionResult) error
}

type Config struct {
	Arbiter arbiter.Config
	// RecentBids is how many bids a snapshot carries.
	RecentBids int
	InboxSize  int
	// PersistAttempts bounds ResultSink retries; PersistBackoff grows linearly per attempt.
	PersistAttempts int
	PersistBackoff  time.Duration
	// ReconnectGrace is how long a disconnected participant keeps its seat. Zero releases the
	// seat on disconnect.
	ReconnectGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		Arbiter:         arbiter.DefaultConfig(),
		RecentBids:      20,
		InboxSize:       256,
		PersistAttempts: 5,
		PersistBackoff:  200 * time.Millisecond,
		ReconnectGrace:  30 * time.Second,
	}
}

// Deps are the collaborators a room talks to. Nil fields get no-op implementations.
type Deps struct {
	Clock       clockwork.Clock
	Broadcaster Broadcaster
	Results     ResultSink
	Events      events.Sink
	// OnClosed runs on the room goroutine after the room reaches Closed. It must not block.
	OnClosed func(res models.AuctionResult)
}

// Snapshot is the full authoritative state handed to a joining connection.
type Snapshot struct {
	Auction          models.Auction        `json:"auction"`
	Status           models.AuctionStatus  `json:"status"`
	CurrentBid       decimal.Decimal       `json:"current_bid"`
	CurrentBidderID  *string               `json:"current_bidder_id"`
	MinIncrement     decimal.Decimal       `json:"min_increment"`
	MinNext          decimal.Decimal       `json:"min_next"`
	HasReserve       bool                  `json:"has_reserve"`
	ReserveMet       bool                  `json:"reserve_met"`
	TimerEnd         time.Time             `json:"timer_end"`
	RecentBids       []models.Bid          `json:"recent_bids"`
	BidCount         int                   `json:"bid_count"`
	ParticipantCount int                   `json:"participant_count"`
	ServerTime       time.Time             `json:"server_time"`
	Result           *models.AuctionResult `json:"result,omitempty"`
}

// JoinReply is the outcome of a successful join, or of a join refused because the auction is
// over (then only Result is set).
type JoinReply struct {
	Snapshot Snapshot
	// ReplacedConnectionID is the user's previous connection, if this join replaced it.
	ReplacedConnectionID string
	Result               *models.AuctionResult
}

type Room struct {
	id          uuid.UUID
	cfg         Config
	clock       clockwork.Clock
	broadcaster Broadcaster
	results     ResultSink
	events      events.Sink
	onClosed    func(models.AuctionResult)
	logger      zerolog.Logger

	inbox    chan func()
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	// Owned by the run goroutine.
	ctx          context.Context
	auction      models.Auction
	ledger       *ledger.Ledger
	arbiter      *arbiter.Arbiter
	countdown    *timer.Countdown
	participants map[string]*models.Participant
	holds        map[string]seatHold
	holdSeq      uint64
	result       *models.AuctionResult
}

// seatHold keeps a disconnected participant in the room until its timer fires.
type seatHold struct {
	timer clockwork.Timer
	token uint64
}

// New creates a room in the Scheduled state. The room does nothing until Run is called.
func New(auction models.Auction, cfg Config, deps Deps) *Room {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = nopBroadcaster{}
	}
	if deps.Results == nil {
		deps.Results = nopResults{}
	}
	if deps.Events == nil {
		deps.Events = events.NopSink{}
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	if cfg.RecentBids <= 0 {
		cfg.RecentBids = DefaultConfig().RecentBids
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = 1
	}

	auction.Status = models.AuctionStatusScheduled
	auction.CurrentBid = auction.StartingPrice
	auction.CurrentBidderID = nil

	r := &Room{
		id:           auction.ID,
		cfg:          cfg,
		clock:        deps.Clock,
		broadcaster:  deps.Broadcaster,
		results:      deps.Results,
		events:       deps.Events,
		onClosed:     deps.OnClosed,
		logger:       log.With().Str("auction_id", auction.ID.String()).Logger(),
		inbox:        make(chan func(), cfg.InboxSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		auction:      auction,
		ledger:       ledger.New(auction.ID),
		participants: make(map[string]*models.Participant),
		holds:        make(map[string]seatHold),
	}
	r.countdown = timer.NewCountdown(deps.Clock, func(e timer.Expiry) {
		select {
		case r.inbox <- func() { r.expire(e) }:
		case <-r.done:
		}
	})
	r.arbiter = arbiter.New(cfg.Arbiter, r.ledger, r.countdown, deps.Clock)
	return r
}

// ID returns the auction id.
func (r *Room) ID() uuid.UUID {
	return r.id
}

// Run processes commands until ctx is cancelled or Stop is called.
func (r *Room) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.ctx = ctx

	defer close(r.done)
	defer r.wg.Wait()
	defer cancel()
	defer r.release()

	r.logger.Debug().Msg("room running")
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case fn := <-r.inbox:
			fn()
		}
	}
}

// Stop asks the room goroutine to exit. It does not wait; use Done for that.
func (r *Room) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Done is closed once the room goroutine has exited.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

// Start moves a Scheduled room to Live. It reports whether this call performed the transition.
func (r *Room) Start(ctx context.Context) (bool, error) {
	return call(ctx, r, r.start)
}

// Join registers userID on connectionID, replacing any previous connection of that user.
func (r *Room) Join(ctx context.Context, userID, connectionID string) (JoinReply, error) {
	type out struct {
		reply JoinReply
		err   error
	}
	o, err := call(ctx, r, func() out {
		reply, err := r.join(userID, connectionID)
		return out{reply, err}
	})
	if err != nil {
		return JoinReply{}, err
	}
	return o.reply, o.err
}

// Leave removes userID if connectionID is still the user's current connection. It reports
// whether the participant was removed.
func (r *Room) Leave(ctx context.Context, userID, connectionID string) (bool, error) {
	return call(ctx, r, func() bool { return r.leave(userID, connectionID) })
}

// Disconnect detaches connectionID from userID but keeps the participant counted for
// ReconnectGrace. A join by the same user within the grace takes the seat back. It reports
// whether connectionID was the user's current connection.
func (r *Room) Disconnect(ctx context.Context, userID, connectionID string) (bool, error) {
	return call(ctx, r, func() bool { return r.disconnect(userID, connectionID) })
}

// PlaceBid submits one bid. Rejections are *arbiter.BidError.
func (r *Room) PlaceBid(ctx context.Context, req arbiter.BidRequest) (arbiter.Decision, error) {
	type out struct {
		d   arbiter.Decision
		err error
	}
	o, err := call(ctx, r, func() out {
		d, err := r.bid(req)
		return out{d, err}
	})
	if err != nil {
		return arbiter.Decision{}, err
	}
	return o.d, o.err
}

func (r *Room) Snapshot(ctx context.Context) (Snapshot, error) {
	return call(ctx, r, r.snapshot)
}

// Result returns the resolved result, or nil while the auction is still running.
func (r *Room) Result(ctx context.Context) (*models.AuctionResult, error) {
	return call(ctx, r, r.resultCopy)
}

func (r *Room) Status(ctx context.Context) (models.AuctionStatus, error) {
	return call(ctx, r, func() models.AuctionStatus { return r.auction.Status })
}

// Auction returns a copy of the room's auction, including engine-mutated fields.
func (r *Room) Auction(ctx context.Context) (models.Auction, error) {
	return call(ctx, r, func() models.Auction { return r.auction })
}

// Bids returns every accepted bid in sequence order.
func (r *Room) Bids(ctx context.Context) ([]models.Bid, error) {
	return call(ctx, r, r.ledger.All)
}

func (r *Room) exec(ctx context.Context, fn func()) error {
	select {
	case r.inbox <- fn:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func call[T any](ctx context.Context, r *Room, fn func() T) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if err := r.exec(ctx, func() { reply <- fn() }); err != nil {
		return zero, err
	}

	select {
	case v := <-reply:
		return v, nil
	case <-r.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrRoomClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// release unsubscribes every remaining connection when the room goroutine exits.
func (r *Room) release() {
	r.countdown.Stop()
	for userID := range r.holds {
		r.cancelHold(userID)
	}
	for _, p := range r.participants {
		if p.ConnectionID != "" {
			r.broadcaster.Unsubscribe(r.id, p.ConnectionID)
		}
	}
	r.logger.Debug().Msg("room stopped")
}

type nopBroadcaster struct{}

func (nopBroadcaster) Subscribe(uuid.UUID, string)              {}
func (nopBroadcaster) Unsubscribe(uuid.UUID, string)            {}
func (nopBroadcaster) Broadcast(uuid.UUID, events.Type, any)    {}
func (nopBroadcaster) Send(uuid.UUID, string, events.Type, any) {}

type nopResults struct{}

func (nopResults) SaveResult(context.Context, models.AuctionResult) error { return nil }
