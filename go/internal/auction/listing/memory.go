package listing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/auctionhouse/go/internal/models"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	auctions map[uuid.UUID]models.Auction
	results  map[uuid.UUID]models.AuctionResult
}

func NewMemoryStore(auctions ...models.Auction) *MemoryStore {
	s := &MemoryStore{
		auctions: make(map[uuid.UUID]models.Auction),
		results:  make(map[uuid.UUID]models.AuctionResult),
	}
	for _, a := range auctions {
		s.Put(a)
	}
	return s
}

// Put inserts or replaces an auction. A blank status is treated as scheduled.
func (s *MemoryStore) Put(a models.Auction) {
	if a.Status == "" {
		a.Status = models.AuctionStatusScheduled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auctions[a.ID] = a
}

func (s *MemoryStore) GetAuction(_ context.Context, id uuid.UUID) (models.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.auctions[id]
	if !ok {
		return models.Auction{}, fmt.Errorf("get auction %s: %w", id, ErrAuctionNotFound)
	}
	return a, nil
}

func (s *MemoryStore) ListStartingBefore(_ context.Context, before time.Time, limit int) ([]models.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Auction
	for _, a := range s.auctions {
		if a.Status.Terminal() || a.StartTime.After(before) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveAuctionState(_ context.Context, a models.Auction, res *models.AuctionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[a.ID]; !ok {
		return fmt.Errorf("save auction %s: %w", a.ID, ErrAuctionNotFound)
	}
	s.auctions[a.ID] = a
	if res != nil {
		s.results[a.ID] = *res
	}
	return nil
}

// Result returns the result written back for an auction, if any.
func (s *MemoryStore) Result(id uuid.UUID) (models.AuctionResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[id]
	return res, ok
}
