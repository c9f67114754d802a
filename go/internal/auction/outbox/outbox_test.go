package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/auctionhouse/go/internal/auction/events"
	"github.com/mcdev12/auctionhouse/go/internal/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// memoryRepo is an in-memory stand-in for the Postgres repository.
type memoryRepo struct {
	mu      sync.Mutex
	events  map[uuid.UUID]*OutboxEvent
	results map[uuid.UUID]models.AuctionResult
	seq     int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		events:  make(map[uuid.UUID]*OutboxEvent),
		results: make(map[uuid.UUID]models.AuctionResult),
	}
}

func (r *memoryRepo) insert(auctionID uuid.UUID, eventType string, payload []byte) uuid.UUID {
	r.seq++
	e := &OutboxEvent{
		ID:        uuid.New(),
		AuctionID: auctionID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: base.Add(time.Duration(r.seq) * time.Millisecond),
	}
	r.events[e.ID] = e
	return e.ID
}

func (r *memoryRepo) InsertOutboxEvent(_ context.Context, auctionID uuid.UUID, eventType string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insert(auctionID, eventType, payload)
	return nil
}

func (r *memoryRepo) InsertResultWithEvent(_ context.Context, res models.AuctionResult, eventType string, payload []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.results[res.AuctionID]; ok {
		return false, nil
	}
	r.results[res.AuctionID] = res
	r.insert(res.AuctionID, eventType, payload)
	return true, nil
}

func (r *memoryRepo) GetAuctionResult(_ context.Context, auctionID uuid.UUID) (models.AuctionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[auctionID]
	if !ok {
		return models.AuctionResult{}, ErrResultNotFound
	}
	return res, nil
}

func (r *memoryRepo) FetchUnsentOutbox(_ context.Context, limit int) ([]OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []OutboxEvent
	for _, e := range r.events {
		if e.SentAt == nil {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) FetchOutboxByID(_ context.Context, id uuid.UUID) (OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok || e.SentAt != nil {
		return OutboxEvent{}, ErrEventNotFound
	}
	return *e, nil
}

func (r *memoryRepo) MarkOutboxSent(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.events[id]; ok {
		now := base
		e.SentAt = &now
	}
	return nil
}

func (r *memoryRepo) CountPendingOutbox(ctx context.Context) (int, error) {
	unsent, err := r.FetchUnsentOutbox(ctx, 1<<30)
	return len(unsent), err
}

func (r *memoryRepo) all() []OutboxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OutboxEvent, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type flakyPublisher struct {
	mu        sync.Mutex
	failures  int
	published []OutboxEvent
}

func (p *flakyPublisher) Publish(_ context.Context, e OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("nats: timeout")
	}
	p.published = append(p.published, e)
	return nil
}

func (p *flakyPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func soldResult(id uuid.UUID) models.AuctionResult {
	winner := "alice"
	final := decimal.NewFromInt(150)
	return models.AuctionResult{
		AuctionID:  id,
		Status:     models.ResultStatusSold,
		WinnerID:   &winner,
		FinalBid:   &final,
		BidCount:   3,
		ResolvedAt: base,
	}
}

func TestApp_SaveResultIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	app := NewApp(repo)
	res := soldResult(uuid.New())

	require.NoError(t, app.SaveResult(context.Background(), res))
	require.NoError(t, app.SaveResult(context.Background(), res))

	all := repo.all()
	require.Len(t, all, 1)
	assert.Equal(t, string(events.EventAuctionClosed), all[0].EventType)

	var payload events.AuctionClosedPayload
	require.NoError(t, json.Unmarshal(all[0].Payload, &payload))
	assert.Equal(t, "sold", payload.Status)
	assert.Equal(t, "alice", *payload.WinnerID)
	assert.True(t, payload.FinalBid.Equal(decimal.NewFromInt(150)))
	assert.Equal(t, 3, payload.BidCount)
}

func TestApp_LookupResult(t *testing.T) {
	app := NewApp(newMemoryRepo())
	ctx := context.Background()
	res := soldResult(uuid.New())

	got, err := app.LookupResult(ctx, res.AuctionID)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, app.SaveResult(ctx, res))
	got, err = app.LookupResult(ctx, res.AuctionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, res, *got)
}

func TestApp_InsertEventRejectsEmptyPayload(t *testing.T) {
	app := NewApp(newMemoryRepo())
	assert.Error(t, app.InsertEvent(context.Background(), uuid.New(), events.EventBidPlaced, nil))
}

func TestEmitter_WritesQueuedEvents(t *testing.T) {
	repo := newMemoryRepo()
	em := NewEmitter(NewApp(repo), 4)
	auctionID := uuid.New()

	em.Emit(auctionID, events.EventAuctionStarted, events.AuctionStartedPayload{AuctionID: auctionID.String()})
	em.Emit(auctionID, events.EventBidPlaced, events.BidPlacedPayload{AuctionID: auctionID.String(), SequenceNumber: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- em.Run(ctx) }()

	require.Eventually(t, func() bool { return len(repo.all()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	all := repo.all()
	assert.Equal(t, string(events.EventAuctionStarted), all[0].EventType)
	assert.Equal(t, string(events.EventBidPlaced), all[1].EventType)
}

func TestEmitter_DropsWhenFull(t *testing.T) {
	em := NewEmitter(NewApp(newMemoryRepo()), 1)
	id := uuid.New()
	em.Emit(id, events.EventBidPlaced, events.BidPlacedPayload{})
	em.Emit(id, events.EventBidPlaced, events.BidPlacedPayload{})
	assert.Equal(t, uint64(1), em.Dropped())
}

func newTestListener(repo *memoryRepo, pub EventPublisher, metrics MetricsCollector) *Listener {
	cfg := DefaultListenerConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetries = 3
	return newListener(NewApp(repo), repo, pub, metrics, clockwork.NewRealClock(), cfg)
}

func TestListener_NotificationPublishesOnce(t *testing.T) {
	repo := newMemoryRepo()
	pub := &flakyPublisher{failures: 2}
	l := newTestListener(repo, pub, nil)
	ctx := context.Background()

	id := repo.insert(uuid.New(), string(events.EventAuctionClosed), []byte(`{}`))

	require.NoError(t, l.handleNotification(ctx, id.String()))
	assert.Equal(t, 1, pub.count(), "retried until the publish succeeded")

	// A second notification for a sent event is a no-op.
	require.NoError(t, l.handleNotification(ctx, id.String()))
	assert.Equal(t, 1, pub.count())

	assert.Error(t, l.handleNotification(ctx, "not-a-uuid"))

	processed, _, _ := l.Stats()
	assert.Equal(t, uint64(1), processed)
}

func TestListener_GivesUpAfterMaxRetries(t *testing.T) {
	repo := newMemoryRepo()
	pub := &flakyPublisher{failures: 100}
	l := newTestListener(repo, pub, nil)

	id := repo.insert(uuid.New(), string(events.EventAuctionClosed), []byte(`{}`))
	require.Error(t, l.handleNotification(context.Background(), id.String()))

	pending, err := repo.CountPendingOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "unsent events stay pending for the fallback sweep")
}

func TestListener_ProcessUnsentSweepsInOrder(t *testing.T) {
	repo := newMemoryRepo()
	pub := &flakyPublisher{}
	reg := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(reg, "test")
	l := newTestListener(repo, pub, metrics)

	auctionID := uuid.New()
	for _, typ := range []events.Type{events.EventAuctionStarted, events.EventBidPlaced, events.EventAuctionClosed} {
		repo.insert(auctionID, string(typ), []byte(`{}`))
	}

	require.NoError(t, l.processUnsent(context.Background()))
	require.Equal(t, 3, pub.count())
	assert.Equal(t, string(events.EventAuctionStarted), pub.published[0].EventType)
	assert.Equal(t, string(events.EventAuctionClosed), pub.published[2].EventType)

	pending, err := repo.CountPendingOutbox(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.eventCounter.WithLabelValues(string(events.EventBidPlaced), "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.publishAttempts.WithLabelValues(string(events.EventAuctionClosed), "1", "success")))
}

func TestEncodeEvent(t *testing.T) {
	e := OutboxEvent{
		ID:        uuid.New(),
		AuctionID: uuid.New(),
		EventType: string(events.EventAuctionClosed),
		Payload:   json.RawMessage(`{"status":"sold"}`),
		CreatedAt: base,
	}
	subject, data, err := encodeEvent(events.SubjectPrefix, e)
	require.NoError(t, err)
	assert.Equal(t, "auction.events.AuctionClosed", subject)

	var env events.BusEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, e.ID.String(), env.EventID)
	assert.Equal(t, e.AuctionID.String(), env.AuctionID)
	assert.JSONEq(t, `{"status":"sold"}`, string(env.Payload))
}

type fakeDB struct{ err error }

func (f fakeDB) PingContext(context.Context) error { return f.err }

type fakeConn bool

func (f fakeConn) IsConnected() bool { return bool(f) }

type fakeStats struct {
	processed uint64
	last      time.Time
	running   bool
}

func (f fakeStats) Stats() (uint64, time.Time, bool) { return f.processed, f.last, f.running }

func TestHealthChecker(t *testing.T) {
	clock := clockwork.NewFakeClockAt(base)
	repo := newMemoryRepo()

	healthy := NewHealthChecker(fakeStats{running: true}, fakeDB{}, repo, fakeConn(true), nil, clock, time.Minute)
	rec := httptest.NewRecorder()
	healthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	repo.insert(uuid.New(), string(events.EventAuctionClosed), []byte(`{}`))
	stale := NewHealthChecker(fakeStats{running: true, last: base.Add(-time.Hour)}, fakeDB{}, repo, nil, nil, clock, time.Minute)
	status := stale.Check(context.Background())
	assert.False(t, status.Healthy)
	assert.Equal(t, 1, status.PendingEvents)

	down := NewHealthChecker(fakeStats{}, fakeDB{err: errors.New("refused")}, repo, fakeConn(false), nil, clock, time.Minute)
	rec = httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.DatabaseConnected)
	assert.False(t, body.ListenerActive)
	assert.Len(t, body.Errors, 3)
}
