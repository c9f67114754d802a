// Package registry owns the set of live auction rooms: it creates them at their scheduled
// start (or lazily on first contact), routes every join and bid to the right room, and archives
// and evicts rooms a grace period after they close.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/auctionhouse/go/internal/auction/arbiter"
	"github.com/mcdev12/auctionhouse/go/internal/auction/events"
	"github.com/mcdev12/auctionhouse/go/internal/auction/listing"
	"github.com/mcdev12/auctionhouse/go/internal/auction/room"
	"github.com/mcdev12/auctionhouse/go/internal/models"
)

// ErrAuctionEnded is returned when a closed auction is routed after its room was evicted.
var ErrAuctionEnded = errors.New("auction already ended")

// Archiver stores the final state of an evicted room.
type Archiver interface {
	Archive(ctx context.Context, a models.Auction, bids []models.Bid, res models.AuctionResult) error
}

// ResultLookup finds a result already recorded for an auction. It returns nil when there is none.
type ResultLookup interface {
	LookupResult(ctx context.Context, auctionID uuid.UUID) (*models.AuctionResult, error)
}

// ResultLookups asks each lookup in turn and returns the first result found.
type ResultLookups []ResultLookup

func (l ResultLookups) LookupResult(ctx context.Context, auctionID uuid.UUID) (*models.AuctionResult, error) {
	for _, lookup := range l {
		res, err := lookup.LookupResult(ctx, auctionID)
		if err != nil || res != nil {
			return res, err
		}
	}
	return nil, nil
}

type Config struct {
	Room room.Config
	// EvictionGrace is how long a closed room keeps answering late joins.
	EvictionGrace time.Duration
	// Lookahead is how far ahead the scheduler loads auctions from the listing.
	Lookahead    time.Duration
	PollInterval time.Duration
	PollLimit    int
	Workers      int
	// SettleRetry is the delay before a failed write-back or eviction is tried again.
	SettleRetry time.Duration
}

func DefaultConfig() Config {
	return Config{
		Room:          room.DefaultConfig(),
		EvictionGrace: 5 * time.Minute,
		Lookahead:     time.Minute,
		PollInterval:  15 * time.Second,
		PollLimit:     500,
		Workers:       4,
		SettleRetry:   10 * time.Second,
	}
}

type Deps struct {
	Clock       clockwork.Clock
	Listing     listing.Store
	Broadcaster room.Broadcaster
	Results     room.ResultSink
	Events      events.Sink
	Archiver    Archiver
	// Recorded is consulted before a room is created. An auction with a recorded result is
	// treated as ended.
	Recorded ResultLookup
	Metrics  *Metrics
}

type entry struct {
	room    *room.Room
	auction models.Auction // as loaded from the listing
	started bool           // guarded by Registry.mu
	closed  bool
	settled bool // final state written back to the listing
}

type Registry struct {
	cfg     Config
	deps    Deps
	clock   clockwork.Clock
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	rooms map[uuid.UUID]*entry

	activeTimersMu sync.Mutex
	activeTimers   map[job]armedTimer

	workCh     chan job
	inFlight   map[job]bool
	inFlightMu sync.Mutex
}

func New(cfg Config, deps Deps) *Registry {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.SettleRetry <= 0 {
		cfg.SettleRetry = DefaultConfig().SettleRetry
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:          cfg,
		deps:         deps,
		clock:        deps.Clock,
		metrics:      deps.Metrics,
		ctx:          ctx,
		cancel:       cancel,
		rooms:        make(map[uuid.UUID]*entry),
		activeTimers: make(map[job]armedTimer),
		workCh:       make(chan job, cfg.Workers*16),
		inFlight:     make(map[job]bool),
	}
}

// Schedule creates the room for a, in Scheduled state, and arms its start timer. Scheduling an
// auction that already has a room is a no-op.
func (r *Registry) Schedule(ctx context.Context, a models.Auction) error {
	if a.Status.Terminal() {
		log.Debug().Str("auction_id", a.ID.String()).Msg("not scheduling closed auction")
		return nil
	}
	if err := a.Validate(); err != nil {
		return fmt.Errorf("schedule auction %s: %w", a.ID, err)
	}
	if r.lookup(a.ID) == nil {
		ended, err := r.recorded(ctx, a)
		if err != nil {
			return fmt.Errorf("schedule auction %s: %w", a.ID, err)
		}
		if ended {
			return nil
		}
	}

	_, created := r.getOrCreate(a)
	if !created {
		log.Debug().Str("auction_id", a.ID.String()).Msg("skipping duplicate schedule")
		return nil
	}

	r.scheduleJob(job{auctionID: a.ID, kind: jobStart}, a.StartTime)
	return nil
}

// Join routes a join to the auction's room, creating it if needed.
func (r *Registry) Join(ctx context.Context, auctionID uuid.UUID, userID, connectionID string) (room.JoinReply, error) {
	reply, err := r.join(ctx, auctionID, userID, connectionID)
	r.metrics.Joins.With("outcome", joinOutcome(err)).Add(1)
	return reply, err
}

func (r *Registry) join(ctx context.Context, auctionID uuid.UUID, userID, connectionID string) (room.JoinReply, error) {
	e, err := r.route(ctx, auctionID)
	switch {
	case errors.Is(err, listing.ErrAuctionNotFound):
		return room.JoinReply{}, room.NewJoinError(room.JoinNotFound)
	case errors.Is(err, ErrAuctionEnded):
		return room.JoinReply{}, room.NewJoinError(room.JoinAlreadyEnded)
	case err != nil:
		return room.JoinReply{}, err
	}

	reply, err := e.room.Join(ctx, userID, connectionID)
	if errors.Is(err, room.ErrRoomClosed) {
		return room.JoinReply{}, room.NewJoinError(room.JoinAlreadyEnded)
	}
	return reply, err
}

// Leave removes a participant's connection. Unknown or evicted auctions are ignored.
func (r *Registry) Leave(ctx context.Context, auctionID uuid.UUID, userID, connectionID string) error {
	e := r.lookup(auctionID)
	if e == nil {
		return nil
	}
	_, err := e.room.Leave(ctx, userID, connectionID)
	if errors.Is(err, room.ErrRoomClosed) {
		return nil
	}
	return err
}

// Disconnect tells the room a participant's connection dropped. The participant keeps its seat
// for the room's reconnect grace. Unknown or evicted auctions are ignored.
func (r *Registry) Disconnect(ctx context.Context, auctionID uuid.UUID, userID, connectionID string) error {
	e := r.lookup(auctionID)
	if e == nil {
		return nil
	}
	_, err := e.room.Disconnect(ctx, userID, connectionID)
	if errors.Is(err, room.ErrRoomClosed) {
		return nil
	}
	return err
}

// PlaceBid routes a bid to the auction's room, creating it if needed.
func (r *Registry) PlaceBid(ctx context.Context, req arbiter.BidRequest) (arbiter.Decision, error) {
	d, err := r.placeBid(ctx, req)
	if err != nil {
		var be *arbiter.BidError
		if errors.As(err, &be) {
			r.metrics.BidsRejected.With("reason", string(be.Code)).Add(1)
		}
		return d, err
	}
	r.metrics.BidsAccepted.Add(1)
	return d, nil
}

func (r *Registry) placeBid(ctx context.Context, req arbiter.BidRequest) (arbiter.Decision, error) {
	e, err := r.route(ctx, req.AuctionID)
	if errors.Is(err, ErrAuctionEnded) {
		return arbiter.Decision{}, &arbiter.BidError{Code: arbiter.CodeAuctionNotLive, Detail: arbiter.DetailAlreadyEnded}
	}
	if err != nil {
		return arbiter.Decision{}, err
	}

	d, err := e.room.PlaceBid(ctx, req)
	if errors.Is(err, room.ErrRoomClosed) {
		return arbiter.Decision{}, &arbiter.BidError{Code: arbiter.CodeAuctionNotLive, Detail: arbiter.DetailAlreadyEnded}
	}
	return d, err
}

// Snapshot returns the current state of an auction's room.
func (r *Registry) Snapshot(ctx context.Context, auctionID uuid.UUID) (room.Snapshot, error) {
	e, err := r.route(ctx, auctionID)
	if err != nil {
		return room.Snapshot{}, err
	}
	snap, err := e.room.Snapshot(ctx)
	if errors.Is(err, room.ErrRoomClosed) {
		return room.Snapshot{}, ErrAuctionEnded
	}
	return snap, err
}

// Live returns snapshots of every resident room that is live or ending, by timer end.
func (r *Registry) Live(ctx context.Context) ([]room.Snapshot, error) {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.rooms))
	for _, e := range r.rooms {
		if e.started && !e.closed {
			entries = append(entries, e)
		}
	}
	r.mu.Unlock()

	out := make([]room.Snapshot, 0, len(entries))
	for _, e := range entries {
		snap, err := e.room.Snapshot(ctx)
		if errors.Is(err, room.ErrRoomClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if snap.Status == models.AuctionStatusLive || snap.Status == models.AuctionStatusEnding {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimerEnd.Before(out[j].TimerEnd) })
	return out, nil
}

// Len returns the number of resident rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Close stops every room and timer and waits for their goroutines.
func (r *Registry) Close() {
	r.cancel()
	r.cancelAllTimers()
	r.wg.Wait()

	r.mu.Lock()
	n := len(r.rooms)
	r.rooms = make(map[uuid.UUID]*entry)
	r.mu.Unlock()
	r.metrics.Rooms.Add(-float64(n))
}

func (r *Registry) lookup(id uuid.UUID) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[id]
}

// route finds the room for id, loading the auction from the listing and creating the room on
// a miss. A room whose start time has passed is started before it is returned.
func (r *Registry) route(ctx context.Context, id uuid.UUID) (*entry, error) {
	e := r.lookup(id)
	if e == nil {
		a, err := r.deps.Listing.GetAuction(ctx, id)
		if err != nil {
			return nil, err
		}
		if a.Status.Terminal() {
			return nil, ErrAuctionEnded
		}
		if err := a.Validate(); err != nil {
			return nil, err
		}
		ended, err := r.recorded(ctx, a)
		if err != nil {
			return nil, err
		}
		if ended {
			return nil, ErrAuctionEnded
		}

		var created bool
		e, created = r.getOrCreate(a)
		if created {
			log.Info().Str("auction_id", id.String()).Msg("room created on demand")
			if a.StartTime.After(r.clock.Now()) {
				r.scheduleJob(job{auctionID: id, kind: jobStart}, a.StartTime)
			}
		}
	}

	if !r.clock.Now().Before(e.auction.StartTime) {
		if err := r.startRoom(ctx, e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// recorded reports whether a result already exists for a. A listing that still shows such an
// auction open is brought up to date.
func (r *Registry) recorded(ctx context.Context, a models.Auction) (bool, error) {
	if r.deps.Recorded == nil {
		return false, nil
	}
	res, err := r.deps.Recorded.LookupResult(ctx, a.ID)
	if err != nil {
		return false, fmt.Errorf("look up result of %s: %w", a.ID, err)
	}
	if res == nil {
		return false, nil
	}

	log.Warn().
		Str("auction_id", a.ID.String()).
		Str("status", string(res.Status)).
		Msg("listing shows a resolved auction as open, writing back final state")
	a.Status = models.AuctionStatusClosed
	if res.FinalBid != nil {
		a.CurrentBid = *res.FinalBid
		a.CurrentBidderID = res.WinnerID
	}
	if err := r.deps.Listing.SaveAuctionState(ctx, a, res); err != nil {
		log.Error().Err(err).Str("auction_id", a.ID.String()).Msg("failed to repair listing state")
	}
	return true, nil
}

func (r *Registry) getOrCreate(a models.Auction) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.rooms[a.ID]; ok {
		return e, false
	}

	id := a.ID
	rm := room.New(a, r.cfg.Room, room.Deps{
		Clock:       r.clock,
		Broadcaster: r.deps.Broadcaster,
		Results:     r.deps.Results,
		Events:      r.deps.Events,
		OnClosed:    func(res models.AuctionResult) { r.onClosed(id, res) },
	})
	e := &entry{room: rm, auction: a}
	r.rooms[id] = e

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		rm.Run(r.ctx)
	}()
	r.metrics.Rooms.Add(1)
	return e, true
}

// startRoom performs the first Scheduled->Live transition; later calls are no-ops.
func (r *Registry) startRoom(ctx context.Context, e *entry) error {
	r.mu.Lock()
	started := e.started
	r.mu.Unlock()
	if started {
		return nil
	}

	ok, err := e.room.Start(ctx)
	if err != nil {
		return fmt.Errorf("start room %s: %w", e.auction.ID, err)
	}

	r.mu.Lock()
	e.started = true
	r.mu.Unlock()

	if ok {
		r.metrics.RoomsLive.Add(1)
		r.cancelTimer(job{auctionID: e.auction.ID, kind: jobStart})
	}
	return nil
}

// onClosed runs on the room goroutine; it only records and queues the write-back and eviction.
func (r *Registry) onClosed(id uuid.UUID, res models.AuctionResult) {
	r.mu.Lock()
	if e, ok := r.rooms[id]; ok {
		e.closed = true
	}
	r.mu.Unlock()

	r.metrics.RoomsLive.Add(-1)
	r.metrics.Results.With("status", string(res.Status)).Add(1)
	now := r.clock.Now()
	r.scheduleJob(job{auctionID: id, kind: jobSettle}, now)
	r.scheduleJob(job{auctionID: id, kind: jobEvict}, now.Add(r.cfg.EvictionGrace))
}

// settle writes a closed room's final state back to the listing, once.
func (r *Registry) settle(ctx context.Context, e *entry) error {
	r.mu.Lock()
	settled := e.settled
	r.mu.Unlock()
	if settled {
		return nil
	}

	id := e.auction.ID
	res, err := e.room.Result(ctx)
	if err != nil {
		return fmt.Errorf("settle %s: %w", id, err)
	}
	if res == nil {
		return fmt.Errorf("settle %s: room is not closed", id)
	}
	a, err := e.room.Auction(ctx)
	if err != nil {
		return fmt.Errorf("settle %s: %w", id, err)
	}
	if err := r.deps.Listing.SaveAuctionState(ctx, a, res); err != nil {
		return fmt.Errorf("settle %s: save final state: %w", id, err)
	}

	r.mu.Lock()
	e.settled = true
	r.mu.Unlock()
	log.Debug().Str("auction_id", id.String()).Msg("final auction state written to listing")
	return nil
}

// evict archives a closed room and drops it. A room whose final state has not reached the
// listing stays resident, so it keeps answering for the auction until the write succeeds.
func (r *Registry) evict(ctx context.Context, id uuid.UUID) error {
	e := r.lookup(id)
	if e == nil {
		return nil
	}
	if err := r.settle(ctx, e); err != nil {
		return fmt.Errorf("evict: %w", err)
	}

	res, err := e.room.Result(ctx)
	if err != nil {
		return fmt.Errorf("evict %s: %w", id, err)
	}
	a, err := e.room.Auction(ctx)
	if err != nil {
		return fmt.Errorf("evict %s: %w", id, err)
	}

	if r.deps.Archiver != nil {
		bids, err := e.room.Bids(ctx)
		if err != nil {
			return fmt.Errorf("evict %s: %w", id, err)
		}
		if err := r.deps.Archiver.Archive(ctx, a, bids, *res); err != nil {
			log.Error().Err(err).Str("auction_id", id.String()).Msg("failed to archive room")
		}
	}

	e.room.Stop()
	select {
	case <-e.room.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	delete(r.rooms, id)
	r.mu.Unlock()

	r.metrics.Rooms.Add(-1)
	r.metrics.Evictions.Add(1)
	log.Info().Str("auction_id", id.String()).Str("status", string(res.Status)).Msg("room evicted")
	return nil
}

func joinOutcome(err error) string {
	if err == nil {
		return "joined"
	}
	var je *room.JoinError
	if errors.As(err, &je) {
		return string(je.Code)
	}
	return "error"
}
