package listing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/auctionhouse/go/internal/models"
)

// PostgresStore reads auctions from the listing service's auctions table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Amounts are cast to text so they round-trip through decimal.Decimal without float loss.
const auctionColumns = `
	id, seller_id, title, start_time, end_time,
	starting_price::text, reserve_price::text, min_increment::text,
	max_participants, status, current_bid::text, current_bidder_id`

func (s *PostgresStore) GetAuction(ctx context.Context, id uuid.UUID) (models.Auction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id)
	a, err := scanAuction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Auction{}, fmt.Errorf("get auction %s: %w", id, ErrAuctionNotFound)
	}
	if err != nil {
		return models.Auction{}, fmt.Errorf("get auction %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListStartingBefore(ctx context.Context, before time.Time, limit int) ([]models.Auction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+auctionColumns+`
		FROM auctions
		WHERE status <> 'closed' AND start_time <= $1
		ORDER BY start_time
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list auctions starting before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	var out []models.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan auction: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveAuctionState(ctx context.Context, a models.Auction, res *models.AuctionResult) error {
	var (
		resultStatus *string
		winnerID     *string
		finalBid     *string
		resolvedAt   *time.Time
	)
	if res != nil {
		st := string(res.Status)
		resultStatus = &st
		winnerID = res.WinnerID
		if res.FinalBid != nil {
			fb := res.FinalBid.String()
			finalBid = &fb
		}
		resolvedAt = &res.ResolvedAt
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE auctions SET
			status = $2,
			current_bid = $3::numeric,
			current_bidder_id = $4,
			end_time = $5,
			result_status = $6,
			winner_id = $7,
			final_bid = $8::numeric,
			resolved_at = $9,
			updated_at = now()
		WHERE id = $1`,
		a.ID, string(a.Status), a.CurrentBid.String(), a.CurrentBidderID, a.EndTime,
		resultStatus, winnerID, finalBid, resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("save auction %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save auction %s: %w", a.ID, ErrAuctionNotFound)
	}
	return nil
}

func scanAuction(row pgx.Row) (models.Auction, error) {
	var (
		a                            models.Auction
		starting, increment, current string
		reserve                      *string
		status                       string
	)
	if err := row.Scan(
		&a.ID, &a.SellerID, &a.Title, &a.StartTime, &a.EndTime,
		&starting, &reserve, &increment,
		&a.MaxParticipants, &status, &current, &a.CurrentBidderID,
	); err != nil {
		return models.Auction{}, err
	}

	var err error
	if a.StartingPrice, err = decimal.NewFromString(starting); err != nil {
		return models.Auction{}, fmt.Errorf("starting_price: %w", err)
	}
	if a.MinIncrement, err = decimal.NewFromString(increment); err != nil {
		return models.Auction{}, fmt.Errorf("min_increment: %w", err)
	}
	if a.CurrentBid, err = decimal.NewFromString(current); err != nil {
		return models.Auction{}, fmt.Errorf("current_bid: %w", err)
	}
	if reserve != nil {
		r, err := decimal.NewFromString(*reserve)
		if err != nil {
			return models.Auction{}, fmt.Errorf("reserve_price: %w", err)
		}
		a.ReservePrice = &r
	}
	a.Status = models.AuctionStatus(status)
	return a, nil
}
