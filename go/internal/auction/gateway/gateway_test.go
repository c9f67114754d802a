package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/auctionhouse/go/internal/auction/events"
	"github.com/mcdev12/auctionhouse/go/internal/auction/identity"
	"github.com/mcdev12/auctionhouse/go/internal/auction/listing"
	"github.com/mcdev12/auctionhouse/go/internal/auction/registry"
	"github.com/mcdev12/auctionhouse/go/internal/auction/room"
	"github.com/mcdev12/auctionhouse/go/internal/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	srv    *httptest.Server
	svc    *Service
	clock  *clockwork.FakeClock
	live   models.Auction
	closed models.Auction
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	live := models.Auction{
		ID:            uuid.New(),
		SellerID:      "seller",
		StartTime:     base.Add(-time.Minute),
		EndTime:       base.Add(time.Hour),
		StartingPrice: decimal.NewFromInt(100),
		MinIncrement:  decimal.NewFromInt(5),
	}
	closed := live
	closed.ID = uuid.New()
	closed.Status = models.AuctionStatusClosed

	clock := clockwork.NewFakeClockAt(base)
	svc := NewService(DefaultConfig(), clock)
	reg := registry.New(registry.DefaultConfig(), registry.Deps{
		Clock:       clock,
		Listing:     listing.NewMemoryStore(live, closed),
		Broadcaster: svc.Broadcaster(),
	})
	svc.Attach(reg, identity.NewHeaderResolver(""))

	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		svc.Close()
		srv.Close()
		reg.Close()
	})
	return &testServer{srv: srv, svc: svc, clock: clock, live: live, closed: closed}
}

func (ts *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(identity.DefaultHeader, userID)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.srv.URL, "http")+"/ws/auction", header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func read(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// readUntil skips messages until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want events.Type) Envelope {
	t.Helper()
	for {
		env := read(t, conn)
		if env.Type == want {
			return env
		}
	}
}

func decode[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestGateway_RejectsAnonymousConnection(t *testing.T) {
	ts := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.srv.URL, "http")+"/ws/auction", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_JoinAndBid(t *testing.T) {
	ts := newTestServer(t)
	id := ts.live.ID.String()

	alice := ts.dial(t, "alice")
	send(t, alice, map[string]any{"type": "join_auction", "auction_id": id})

	env := read(t, alice)
	require.Equal(t, events.TypeAuctionState, env.Type, "snapshot is the first message after a join")
	assert.Equal(t, id, env.AuctionID)
	snap := decode[room.Snapshot](t, env)
	assert.Equal(t, models.AuctionStatusLive, snap.Status)
	assert.True(t, snap.CurrentBid.Equal(decimal.NewFromInt(100)))
	assert.True(t, snap.MinNext.Equal(decimal.NewFromInt(105)))

	update := decode[events.ParticipantUpdatePayload](t, readUntil(t, alice, events.TypeParticipantUpdate))
	assert.Equal(t, 1, update.ParticipantCount)

	bob := ts.dial(t, "bob")
	send(t, bob, map[string]any{"type": "join_auction", "auction_id": id})
	require.Equal(t, events.TypeAuctionState, read(t, bob).Type)
	update = decode[events.ParticipantUpdatePayload](t, readUntil(t, alice, events.TypeParticipantUpdate))
	assert.Equal(t, "bob", update.UserID)
	assert.Equal(t, 2, update.ParticipantCount)

	send(t, alice, map[string]any{"type": "place_bid", "auction_id": id, "amount": "105"})
	ack := decode[events.BidAcceptedPayload](t, readUntil(t, alice, events.TypeBidAccepted))
	assert.Equal(t, uint64(1), ack.SequenceNumber)
	assert.True(t, ack.Amount.Equal(decimal.NewFromInt(105)))

	seen := decode[events.BidUpdatePayload](t, readUntil(t, bob, events.TypeBidUpdate))
	assert.Equal(t, "alice", seen.BidderID)
	assert.True(t, seen.Amount.Equal(decimal.NewFromInt(105)))
	assert.True(t, seen.MinNext.Equal(decimal.NewFromInt(110)))

	send(t, bob, map[string]any{"type": "place_bid", "auction_id": id, "amount": 104})
	bidErr := decode[events.BidErrorPayload](t, readUntil(t, bob, events.TypeBidError))
	assert.Equal(t, "BidTooLow", bidErr.Code)
	assert.True(t, bidErr.CurrentBid.Equal(decimal.NewFromInt(105)))
	assert.True(t, bidErr.MinNext.Equal(decimal.NewFromInt(110)))
}

func TestGateway_JoinErrors(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "alice")

	send(t, alice, map[string]any{"type": "join_auction", "auction_id": uuid.NewString()})
	env := read(t, alice)
	require.Equal(t, events.TypeJoinError, env.Type)
	assert.Equal(t, "NotFound", decode[events.JoinErrorPayload](t, env).Code)

	send(t, alice, map[string]any{"type": "join_auction", "auction_id": ts.closed.ID.String()})
	env = read(t, alice)
	require.Equal(t, events.TypeJoinError, env.Type)
	assert.Equal(t, ts.closed.ID.String(), env.AuctionID)
	assert.Equal(t, "AlreadyEnded", decode[events.JoinErrorPayload](t, env).Code)
}

func (ts *testServer) participantCount(t *testing.T) int {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + "/api/auctions/" + ts.live.ID.String() + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	var snap room.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	return snap.ParticipantCount
}

func (ts *testServer) waitConnections(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ts.svc.Stats().TotalConnections == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGateway_DisconnectHoldsSeatUntilGrace(t *testing.T) {
	ts := newTestServer(t)
	id := ts.live.ID.String()

	alice := ts.dial(t, "alice")
	send(t, alice, map[string]any{"type": "join_auction", "auction_id": id})
	readUntil(t, alice, events.TypeParticipantUpdate)

	bob := ts.dial(t, "bob")
	send(t, bob, map[string]any{"type": "join_auction", "auction_id": id})
	readUntil(t, bob, events.TypeAuctionState)
	readUntil(t, alice, events.TypeParticipantUpdate)

	// A dropped connection keeps bob counted.
	require.NoError(t, bob.Close())
	ts.waitConnections(t, 1)
	assert.Equal(t, 2, ts.participantCount(t))

	bob = ts.dial(t, "bob")
	send(t, bob, map[string]any{"type": "join_auction", "auction_id": id})
	snap := decode[room.Snapshot](t, readUntil(t, bob, events.TypeAuctionState))
	assert.Equal(t, 2, snap.ParticipantCount)

	require.NoError(t, bob.Close())
	ts.waitConnections(t, 1)
	ts.clock.Advance(registry.DefaultConfig().Room.ReconnectGrace)

	update := decode[events.ParticipantUpdatePayload](t, readUntil(t, alice, events.TypeParticipantUpdate))
	assert.Equal(t, "bob", update.UserID)
	assert.Equal(t, "left", update.Action)
	assert.Equal(t, 1, update.ParticipantCount)
}

func TestGateway_ExplicitLeaveReleasesSeat(t *testing.T) {
	ts := newTestServer(t)
	id := ts.live.ID.String()

	alice := ts.dial(t, "alice")
	send(t, alice, map[string]any{"type": "join_auction", "auction_id": id})
	readUntil(t, alice, events.TypeParticipantUpdate)

	bob := ts.dial(t, "bob")
	send(t, bob, map[string]any{"type": "join_auction", "auction_id": id})
	readUntil(t, bob, events.TypeAuctionState)
	readUntil(t, alice, events.TypeParticipantUpdate)

	send(t, bob, map[string]any{"type": "leave_auction", "auction_id": id})
	update := decode[events.ParticipantUpdatePayload](t, readUntil(t, alice, events.TypeParticipantUpdate))
	assert.Equal(t, "bob", update.UserID)
	assert.Equal(t, "left", update.Action)
	assert.Equal(t, 1, update.ParticipantCount)
}

func TestGateway_StateRoutes(t *testing.T) {
	ts := newTestServer(t)

	get := func(path string) *http.Response {
		resp, err := http.Get(ts.srv.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := get("/api/auctions/" + ts.live.ID.String() + "/state")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap room.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, ts.live.ID, snap.Auction.ID)
	assert.Equal(t, models.AuctionStatusLive, snap.Status)

	assert.Equal(t, http.StatusNotFound, get("/api/auctions/"+uuid.NewString()+"/state").StatusCode)
	assert.Equal(t, http.StatusGone, get("/api/auctions/"+ts.closed.ID.String()+"/state").StatusCode)
	assert.Equal(t, http.StatusBadRequest, get("/api/auctions/nope/state").StatusCode)

	resp = get("/api/auctions/active")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var live []room.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&live))
	require.Len(t, live, 1)
	assert.Equal(t, ts.live.ID, live[0].Auction.ID)

	alice := ts.dial(t, "alice")
	send(t, alice, map[string]any{"type": "join_auction", "auction_id": ts.live.ID.String()})
	readUntil(t, alice, events.TypeAuctionState)

	resp = get("/ws/stats")
	var stats ConnectionStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.TotalConnections)
	assert.Equal(t, 1, stats.ActiveAuctions)
}
