// Package archive keeps the final state of evicted auction rooms: the auction as it closed, its
// full bid history and the result.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/auctionhouse/go/internal/auction/archive/db"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/mcdev12/auctionhouse/go/internal/sqlutil"
)

var ErrNotArchived = errors.New("auction not archived")

type Querier interface {
	InsertAuctionArchive(ctx context.Context, arg db.InsertAuctionArchiveParams) (int64, error)
	GetAuctionArchive(ctx context.Context, auctionID uuid.UUID) (db.AuctionArchive, error)
}

// Archived is one archived room.
type Archived struct {
	Auction    models.Auction       `json:"auction"`
	Bids       []models.Bid         `json:"bids"`
	Result     models.AuctionResult `json:"result"`
	ArchivedAt time.Time            `json:"archived_at"`
}

type Repository struct {
	queries Querier
}

func NewRepository(querier Querier) *Repository {
	return &Repository{queries: querier}
}

// Archive stores a closed room. Archiving the same auction twice keeps the first copy.
func (r *Repository) Archive(ctx context.Context, a models.Auction, bids []models.Bid, res models.AuctionResult) error {
	auction, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal auction: %w", err)
	}

	var history pqtype.NullRawMessage
	if len(bids) > 0 {
		raw, err := json.Marshal(bids)
		if err != nil {
			return fmt.Errorf("failed to marshal bids: %w", err)
		}
		history = pqtype.NullRawMessage{RawMessage: raw, Valid: true}
	}

	var finalBid *string
	if res.FinalBid != nil {
		s := res.FinalBid.String()
		finalBid = &s
	}

	n, err := r.queries.InsertAuctionArchive(ctx, db.InsertAuctionArchiveParams{
		AuctionID:    a.ID,
		Auction:      auction,
		Bids:         history,
		ResultStatus: string(res.Status),
		WinnerID:     sqlutil.ToSqlString(res.WinnerID),
		FinalBid:     sqlutil.ToSqlString(finalBid),
		BidCount:     int32(res.BidCount),
		ResolvedAt:   res.ResolvedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to archive auction %s: %w", a.ID, err)
	}

	log.Info().
		Str("auction_id", a.ID.String()).
		Int("bids", len(bids)).
		Bool("duplicate", n == 0).
		Msg("auction archived")
	return nil
}

func (r *Repository) Get(ctx context.Context, auctionID uuid.UUID) (*Archived, error) {
	row, err := r.queries.GetAuctionArchive(ctx, auctionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get archive %s: %w", auctionID, ErrNotArchived)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archive: %w", err)
	}
	return dbArchiveToModel(row)
}

// LookupResult returns the archived result of an auction, or nil if it was never archived.
func (r *Repository) LookupResult(ctx context.Context, auctionID uuid.UUID) (*models.AuctionResult, error) {
	archived, err := r.Get(ctx, auctionID)
	if errors.Is(err, ErrNotArchived) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &archived.Result, nil
}

func dbArchiveToModel(row db.AuctionArchive) (*Archived, error) {
	out := &Archived{
		Result: models.AuctionResult{
			AuctionID:  row.AuctionID,
			Status:     models.ResultStatus(row.ResultStatus),
			WinnerID:   sqlutil.FromSqlStringPtr(row.WinnerID),
			BidCount:   int(row.BidCount),
			ResolvedAt: row.ResolvedAt,
		},
		ArchivedAt: row.ArchivedAt,
	}
	if err := json.Unmarshal(row.Auction, &out.Auction); err != nil {
		return nil, fmt.Errorf("failed to unmarshal auction: %w", err)
	}
	if row.Bids.Valid {
		if err := json.Unmarshal(row.Bids.RawMessage, &out.Bids); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bids: %w", err)
		}
	}
	if fb := sqlutil.FromSqlStringPtr(row.FinalBid); fb != nil {
		d, err := decimal.NewFromString(*fb)
		if err != nil {
			return nil, fmt.Errorf("failed to parse final bid %q: %w", *fb, err)
		}
		out.Result.FinalBid = &d
	}
	return out, nil
}
