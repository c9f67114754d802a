package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

type AuctionArchive struct {
	AuctionID    uuid.UUID
	Auction      json.RawMessage
	Bids         pqtype.NullRawMessage
	ResultStatus string
	WinnerID     sql.NullString
	FinalBid     sql.NullString
	BidCount     int32
	ResolvedAt   time.Time
	ArchivedAt   time.Time
}

const insertAuctionArchive = `-- name: InsertAuctionArchive :execrows
INSERT INTO auction_archive (
    auction_id, auction, bids, result_status, winner_id, final_bid, bid_count, resolved_at
) VALUES (
    $1, $2, $3, $4, $5, $6::numeric, $7, $8
)
ON CONFLICT (auction_id) DO NOTHING
`

type InsertAuctionArchiveParams struct {
	AuctionID    uuid.UUID
	Auction      json.RawMessage
	Bids         pqtype.NullRawMessage
	ResultStatus string
	WinnerID     sql.NullString
	FinalBid     sql.NullString
	BidCount     int32
	ResolvedAt   time.Time
}

func (q *Queries) InsertAuctionArchive(ctx context.Context, arg InsertAuctionArchiveParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, insertAuctionArchive,
		arg.AuctionID,
		arg.Auction,
		arg.Bids,
		arg.ResultStatus,
		arg.WinnerID,
		arg.FinalBid,
		arg.BidCount,
		arg.ResolvedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const getAuctionArchive = `-- name: GetAuctionArchive :one
SELECT auction_id, auction, bids, result_status, winner_id, final_bid::text, bid_count, resolved_at, archived_at
FROM auction_archive
WHERE auction_id = $1
`

func (q *Queries) GetAuctionArchive(ctx context.Context, auctionID uuid.UUID) (AuctionArchive, error) {
	row := q.db.QueryRowContext(ctx, getAuctionArchive, auctionID)
	var i AuctionArchive
	err := row.Scan(
		&i.AuctionID,
		&i.Auction,
		&i.Bids,
		&i.ResultStatus,
		&i.WinnerID,
		&i.FinalBid,
		&i.BidCount,
		&i.ResolvedAt,
		&i.ArchivedAt,
	)
	return i, err
}
