package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/auctionhouse/go/internal/auction/arbiter"
	"github.com/mcdev12/auctionhouse/go/internal/auction/listing"
	"github.com/mcdev12/auctionhouse/go/internal/auction/room"
	"github.com/mcdev12/auctionhouse/go/internal/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const waitFor = 2 * time.Second

type archived struct {
	auction models.Auction
	bids    []models.Bid
	result  models.AuctionResult
}

type recordingArchiver struct {
	mu   sync.Mutex
	list []archived
}

func (a *recordingArchiver) Archive(_ context.Context, auction models.Auction, bids []models.Bid, res models.AuctionResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.list = append(a.list, archived{auction: auction, bids: bids, result: res})
	return nil
}

func (a *recordingArchiver) all() []archived {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]archived(nil), a.list...)
}

type harness struct {
	clock    *clockwork.FakeClock
	store    *listing.MemoryStore
	archiver *recordingArchiver
	reg      *Registry
}

func auctionAt(start time.Time, length time.Duration) models.Auction {
	return models.Auction{
		ID:            uuid.New(),
		SellerID:      "seller",
		StartTime:     start,
		EndTime:       start.Add(length),
		StartingPrice: decimal.NewFromInt(100),
		MinIncrement:  decimal.NewFromInt(5),
	}
}

func newHarness(t *testing.T, runScheduler bool, auctions ...models.Auction) *harness {
	t.Helper()
	return newHarnessWith(t, runScheduler, nil, auctions...)
}

func newHarnessWith(t *testing.T, runScheduler bool, configure func(*Config, *Deps), auctions ...models.Auction) *harness {
	t.Helper()

	h := &harness{
		clock:    clockwork.NewFakeClockAt(base),
		store:    listing.NewMemoryStore(auctions...),
		archiver: &recordingArchiver{},
	}
	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	cfg.Workers = 2
	deps := Deps{
		Clock:    h.clock,
		Listing:  h.store,
		Archiver: h.archiver,
	}
	if configure != nil {
		configure(&cfg, &deps)
	}
	h.reg = New(cfg, deps)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	if runScheduler {
		go func() { errCh <- h.reg.RunScheduler(ctx) }()
	} else {
		errCh <- nil
	}
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
		h.reg.Close()
	})
	return h
}

func (h *harness) status(t *testing.T, id uuid.UUID) models.AuctionStatus {
	t.Helper()
	e := h.reg.lookup(id)
	if e == nil {
		return ""
	}
	st, err := e.room.Status(context.Background())
	if errors.Is(err, room.ErrRoomClosed) {
		return ""
	}
	require.NoError(t, err)
	return st
}

func TestRegistry_ScheduleStartsRoomAtStartTime(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	a := auctionAt(base.Add(time.Minute), time.Hour)
	h := newHarness(t, true)

	require.NoError(t, h.reg.Schedule(context.Background(), a))
	require.NoError(t, h.reg.Schedule(context.Background(), a), "duplicate schedule is a no-op")
	assert.Equal(t, 1, h.reg.Len())
	assert.Equal(t, models.AuctionStatusScheduled, h.status(t, a.ID))

	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return h.status(t, a.ID) == models.AuctionStatusLive
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, h.reg.pendingTimers())
}

func TestRegistry_ScheduleRejectsInvalidAuctions(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	h := newHarness(t, false)

	tests := []struct {
		name   string
		mutate func(*models.Auction)
	}{
		{"inverted window", func(a *models.Auction) { a.EndTime = a.StartTime }},
		{"zero increment", func(a *models.Auction) { a.MinIncrement = decimal.Zero }},
		{"negative starting price", func(a *models.Auction) { a.StartingPrice = decimal.NewFromInt(-5) }},
		{"missing seller", func(a *models.Auction) { a.SellerID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := auctionAt(base, time.Hour)
			tt.mutate(&a)
			assert.ErrorIs(t, h.reg.Schedule(context.Background(), a), models.ErrInvalidAuction)
		})
	}
	assert.Equal(t, 0, h.reg.Len())
}

func TestRegistry_PollSchedulesUpcomingAuctions(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	soon := auctionAt(base.Add(30*time.Second), time.Hour)
	later := auctionAt(base.Add(2*time.Hour), time.Hour)
	h := newHarness(t, true, soon, later)

	require.Eventually(t, func() bool { return h.reg.Len() == 1 }, waitFor, 5*time.Millisecond)
	assert.NotNil(t, h.reg.lookup(soon.ID))
	assert.Nil(t, h.reg.lookup(later.ID))
}

func TestRegistry_RoutesLazily(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	live := auctionAt(base.Add(-time.Minute), time.Hour)
	upcoming := auctionAt(base.Add(time.Hour), time.Hour)
	closed := auctionAt(base.Add(-2*time.Hour), time.Hour)
	closed.Status = models.AuctionStatusClosed
	h := newHarness(t, false, live, upcoming, closed)
	ctx := context.Background()

	reply, err := h.reg.Join(ctx, live.ID, "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusLive, reply.Snapshot.Status)
	assert.Equal(t, 1, reply.Snapshot.ParticipantCount)

	var je *room.JoinError
	_, err = h.reg.Join(ctx, upcoming.ID, "alice", "c2")
	require.True(t, errors.As(err, &je))
	assert.Equal(t, room.JoinNotStarted, je.Code)

	_, err = h.reg.Join(ctx, closed.ID, "alice", "c3")
	require.True(t, errors.As(err, &je))
	assert.Equal(t, room.JoinAlreadyEnded, je.Code)

	_, err = h.reg.Join(ctx, uuid.New(), "alice", "c4")
	require.True(t, errors.As(err, &je))
	assert.Equal(t, room.JoinNotFound, je.Code)

	var be *arbiter.BidError
	_, err = h.reg.PlaceBid(ctx, arbiter.BidRequest{AuctionID: closed.ID, UserID: "alice", Amount: decimal.NewFromInt(500)})
	require.True(t, errors.As(err, &be))
	assert.Equal(t, arbiter.CodeAuctionNotLive, be.Code)
	assert.Equal(t, arbiter.DetailAlreadyEnded, be.Detail)

	d, err := h.reg.PlaceBid(ctx, arbiter.BidRequest{AuctionID: live.ID, UserID: "alice", Amount: decimal.NewFromInt(105)})
	require.NoError(t, err)
	assert.True(t, d.NewCurrentBid.Equal(decimal.NewFromInt(105)))

	_, err = h.reg.PlaceBid(ctx, arbiter.BidRequest{AuctionID: live.ID, UserID: "bob", Amount: decimal.NewFromInt(104)})
	require.True(t, errors.As(err, &be))
	assert.Equal(t, arbiter.CodeBidTooLow, be.Code)

	require.NoError(t, h.reg.Leave(ctx, live.ID, "alice", "c1"))
	require.NoError(t, h.reg.Leave(ctx, uuid.New(), "alice", "c1"))
}

func TestRegistry_Live(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	first := auctionAt(base.Add(-time.Minute), 10*time.Minute)
	second := auctionAt(base.Add(-time.Minute), 5*time.Minute)
	upcoming := auctionAt(base.Add(time.Hour), time.Hour)
	h := newHarness(t, false, first, second, upcoming)
	ctx := context.Background()

	for _, id := range []uuid.UUID{first.ID, second.ID} {
		_, err := h.reg.Snapshot(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, h.reg.Schedule(ctx, upcoming))

	live, err := h.reg.Live(ctx)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, second.ID, live[0].Auction.ID, "earliest timer end first")
	assert.Equal(t, first.ID, live[1].Auction.ID)
}

func TestRegistry_EvictsClosedRoomAfterGrace(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	a := auctionAt(base, time.Minute)
	h := newHarness(t, true)
	ctx := context.Background()

	h.store.Put(a)
	require.NoError(t, h.reg.Schedule(ctx, a))
	require.Eventually(t, func() bool {
		return h.status(t, a.ID) == models.AuctionStatusLive
	}, waitFor, 5*time.Millisecond)

	_, err := h.reg.PlaceBid(ctx, arbiter.BidRequest{AuctionID: a.ID, UserID: "alice", Amount: decimal.NewFromInt(120)})
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return h.status(t, a.ID) == models.AuctionStatusClosed && h.reg.pendingTimers() == 1
	}, waitFor, 5*time.Millisecond)

	// Closed but resident: late joins still see the result.
	reply, err := h.reg.Join(ctx, a.ID, "bob", "c2")
	var je *room.JoinError
	require.True(t, errors.As(err, &je))
	assert.Equal(t, room.JoinAlreadyEnded, je.Code)
	require.NotNil(t, reply.Result)
	assert.Equal(t, models.ResultStatusSold, reply.Result.Status)

	h.clock.Advance(DefaultConfig().EvictionGrace)
	require.Eventually(t, func() bool { return h.reg.Len() == 0 }, waitFor, 5*time.Millisecond)

	arch := h.archiver.all()
	require.Len(t, arch, 1)
	assert.Equal(t, a.ID, arch[0].auction.ID)
	require.Len(t, arch[0].bids, 1)
	assert.Equal(t, "alice", *arch[0].result.WinnerID)

	stored, err := h.store.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusClosed, stored.Status)
	res, ok := h.store.Result(a.ID)
	require.True(t, ok)
	assert.Equal(t, models.ResultStatusSold, res.Status)

	_, err = h.reg.Join(ctx, a.ID, "carol", "c3")
	require.True(t, errors.As(err, &je))
	assert.Equal(t, room.JoinAlreadyEnded, je.Code)
	assert.Equal(t, 0, h.reg.Len(), "closed listing is not reloaded")
}

// flakyListing fails every write-back while it is down.
type flakyListing struct {
	*listing.MemoryStore

	mu       sync.Mutex
	down     bool
	attempts int
}

func (f *flakyListing) SaveAuctionState(ctx context.Context, a models.Auction, res *models.AuctionResult) error {
	f.mu.Lock()
	f.attempts++
	down := f.down
	f.mu.Unlock()
	if down {
		return errors.New("listing unavailable")
	}
	return f.MemoryStore.SaveAuctionState(ctx, a, res)
}

func (f *flakyListing) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *flakyListing) saveAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func TestRegistry_KeepsClosedRoomUntilListingIsUpdated(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	a := auctionAt(base, time.Minute)
	var flaky *flakyListing
	h := newHarnessWith(t, true, func(cfg *Config, deps *Deps) {
		cfg.SettleRetry = time.Minute
		flaky = &flakyListing{MemoryStore: deps.Listing.(*listing.MemoryStore), down: true}
		deps.Listing = flaky
	}, a)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		return h.status(t, a.ID) == models.AuctionStatusLive
	}, waitFor, 5*time.Millisecond)
	_, err := h.reg.PlaceBid(ctx, arbiter.BidRequest{AuctionID: a.ID, UserID: "alice", Amount: decimal.NewFromInt(120)})
	require.NoError(t, err)

	// Close: the write-back fails and is retried.
	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return h.status(t, a.ID) == models.AuctionStatusClosed && flaky.saveAttempts() == 1 && h.reg.pendingTimers() == 2
	}, waitFor, 5*time.Millisecond)

	// Eviction is due but the listing is still down: the room stays.
	h.clock.Advance(DefaultConfig().EvictionGrace)
	require.Eventually(t, func() bool {
		return flaky.saveAttempts() == 3 && h.reg.pendingTimers() == 2
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, h.reg.Len())

	var be *arbiter.BidError
	_, err = h.reg.PlaceBid(ctx, arbiter.BidRequest{AuctionID: a.ID, UserID: "mallory", Amount: decimal.NewFromInt(105)})
	require.True(t, errors.As(err, &be))
	assert.Equal(t, arbiter.DetailAlreadyEnded, be.Detail)

	stored, err := h.store.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.NotEqual(t, models.AuctionStatusClosed, stored.Status)

	flaky.setDown(false)
	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return h.reg.Len() == 0 }, waitFor, 5*time.Millisecond)

	stored, err = h.store.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusClosed, stored.Status)
	res, ok := h.store.Result(a.ID)
	require.True(t, ok)
	assert.Equal(t, models.ResultStatusSold, res.Status)
	require.Len(t, h.archiver.all(), 1)

	_, err = h.reg.PlaceBid(ctx, arbiter.BidRequest{AuctionID: a.ID, UserID: "mallory", Amount: decimal.NewFromInt(105)})
	require.True(t, errors.As(err, &be))
	assert.Equal(t, arbiter.DetailAlreadyEnded, be.Detail)
	assert.Equal(t, 0, h.reg.Len())
}

type recordedResults map[uuid.UUID]models.AuctionResult

func (r recordedResults) LookupResult(_ context.Context, id uuid.UUID) (*models.AuctionResult, error) {
	res, ok := r[id]
	if !ok {
		return nil, nil
	}
	return &res, nil
}

func TestRegistry_DoesNotReopenRecordedAuction(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	stale := auctionAt(base.Add(-10*time.Minute), 5*time.Minute)
	upcoming := auctionAt(base.Add(time.Hour), time.Hour)
	open := auctionAt(base.Add(-time.Minute), time.Hour)

	winner := "alice"
	final := decimal.NewFromInt(120)
	recorded := recordedResults{
		stale.ID:    {AuctionID: stale.ID, Status: models.ResultStatusSold, WinnerID: &winner, FinalBid: &final, BidCount: 2, ResolvedAt: base.Add(-5 * time.Minute)},
		upcoming.ID: {AuctionID: upcoming.ID, Status: models.ResultStatusNoBids, ResolvedAt: base},
	}
	h := newHarnessWith(t, false, func(_ *Config, deps *Deps) {
		deps.Recorded = ResultLookups{recordedResults{}, recorded}
	}, stale, upcoming, open)
	ctx := context.Background()

	var be *arbiter.BidError
	_, err := h.reg.PlaceBid(ctx, arbiter.BidRequest{AuctionID: stale.ID, UserID: "mallory", Amount: decimal.NewFromInt(105)})
	require.True(t, errors.As(err, &be))
	assert.Equal(t, arbiter.DetailAlreadyEnded, be.Detail)

	var je *room.JoinError
	_, err = h.reg.Join(ctx, stale.ID, "mallory", "c1")
	require.True(t, errors.As(err, &je))
	assert.Equal(t, room.JoinAlreadyEnded, je.Code)

	require.NoError(t, h.reg.Schedule(ctx, upcoming))
	assert.Equal(t, 0, h.reg.Len())

	// The listing is brought up to date.
	repaired, err := h.store.GetAuction(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusClosed, repaired.Status)
	assert.True(t, repaired.CurrentBid.Equal(final))
	res, ok := h.store.Result(stale.ID)
	require.True(t, ok)
	assert.Equal(t, "alice", *res.WinnerID)

	_, err = h.reg.PlaceBid(ctx, arbiter.BidRequest{AuctionID: open.ID, UserID: "bob", Amount: decimal.NewFromInt(105)})
	require.NoError(t, err)
	assert.Equal(t, 1, h.reg.Len())
}
