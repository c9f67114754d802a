package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/mcdev12/auctionhouse/go/internal/sqlutil"
)

var (
	// ErrEventNotFound is returned when an outbox event does not exist or was already sent.
	ErrEventNotFound = errors.New("outbox event not found or already sent")
	// ErrResultNotFound is returned when no result was recorded for an auction.
	ErrResultNotFound = errors.New("auction result not found")
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds the outbox statements, bound to a connection or a transaction.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

const insertOutboxEvent = `
INSERT INTO auction_outbox (id, auction_id, event_type, payload)
VALUES ($1, $2, $3, $4)`

func (q *Queries) InsertOutboxEvent(ctx context.Context, id, auctionID uuid.UUID, eventType string, payload []byte) error {
	_, err := q.db.ExecContext(ctx, insertOutboxEvent, id, auctionID, eventType, payload)
	return err
}

const insertAuctionResult = `
INSERT INTO auction_results (auction_id, status, winner_id, final_bid, bid_count, resolved_at)
VALUES ($1, $2, $3, $4::numeric, $5, $6)
ON CONFLICT (auction_id) DO NOTHING`

// InsertAuctionResult reports whether the row was written; false means a result already existed.
func (q *Queries) InsertAuctionResult(ctx context.Context, res models.AuctionResult) (bool, error) {
	var finalBid *string
	if res.FinalBid != nil {
		s := res.FinalBid.String()
		finalBid = &s
	}
	r, err := q.db.ExecContext(ctx, insertAuctionResult,
		res.AuctionID, string(res.Status), res.WinnerID, finalBid, res.BidCount, res.ResolvedAt)
	if err != nil {
		return false, err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const getAuctionResult = `
SELECT auction_id, status, winner_id, final_bid::text, bid_count, resolved_at
FROM auction_results
WHERE auction_id = $1`

func (q *Queries) GetAuctionResult(ctx context.Context, auctionID uuid.UUID) (models.AuctionResult, error) {
	var (
		res      models.AuctionResult
		status   string
		winnerID sql.NullString
		finalBid sql.NullString
	)
	err := q.db.QueryRowContext(ctx, getAuctionResult, auctionID).
		Scan(&res.AuctionID, &status, &winnerID, &finalBid, &res.BidCount, &res.ResolvedAt)
	if err != nil {
		return models.AuctionResult{}, err
	}
	res.Status = models.ResultStatus(status)
	res.WinnerID = sqlutil.FromSqlStringPtr(winnerID)
	if finalBid.Valid {
		d, err := decimal.NewFromString(finalBid.String)
		if err != nil {
			return models.AuctionResult{}, fmt.Errorf("parse final bid: %w", err)
		}
		res.FinalBid = &d
	}
	return res, nil
}

const outboxColumns = `id, auction_id, event_type, payload, created_at, sent_at`

func scanOutboxEvent(row interface{ Scan(...any) error }) (OutboxEvent, error) {
	var (
		e       OutboxEvent
		payload []byte
		sentAt  sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.AuctionID, &e.EventType, &payload, &e.CreatedAt, &sentAt); err != nil {
		return OutboxEvent{}, err
	}
	e.Payload = payload
	e.SentAt = sqlutil.FromSqlTime(sentAt)
	return e, nil
}

const fetchUnsentOutbox = `
SELECT ` + outboxColumns + `
FROM auction_outbox
WHERE sent_at IS NULL
ORDER BY created_at
LIMIT $1`

func (q *Queries) FetchUnsentOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := q.db.QueryContext(ctx, fetchUnsentOutbox, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const fetchOutboxByID = `
SELECT ` + outboxColumns + `
FROM auction_outbox
WHERE id = $1 AND sent_at IS NULL`

func (q *Queries) FetchOutboxByID(ctx context.Context, id uuid.UUID) (OutboxEvent, error) {
	return scanOutboxEvent(q.db.QueryRowContext(ctx, fetchOutboxByID, id))
}

const markOutboxSent = `UPDATE auction_outbox SET sent_at = now() WHERE id = $1`

func (q *Queries) MarkOutboxSent(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, markOutboxSent, id)
	return err
}

const countPendingOutbox = `SELECT COUNT(*) FROM auction_outbox WHERE sent_at IS NULL`

func (q *Queries) CountPendingOutbox(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, countPendingOutbox).Scan(&n)
	return n, err
}

// Repository stores outbox events and auction results in Postgres.
type Repository struct {
	db      *sql.DB
	queries *Queries
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, queries: New(db)}
}

func (r *Repository) InsertOutboxEvent(ctx context.Context, auctionID uuid.UUID, eventType string, payload []byte) error {
	if err := r.queries.InsertOutboxEvent(ctx, uuid.New(), auctionID, eventType, payload); err != nil {
		return fmt.Errorf("failed to insert %s outbox event: %w", eventType, err)
	}
	return nil
}

// InsertResultWithEvent writes the result and its AuctionClosed event in one transaction.
// A result that already exists is left untouched and no second event is written.
func (r *Repository) InsertResultWithEvent(ctx context.Context, res models.AuctionResult, eventType string, payload []byte) (bool, error) {
	var written bool
	err := sqlutil.Run(ctx, r.db, func(tx *sql.Tx) *Queries { return New(tx) }, func(q *Queries) error {
		ok, err := q.InsertAuctionResult(ctx, res)
		if err != nil {
			return fmt.Errorf("insert auction result: %w", err)
		}
		if !ok {
			return nil
		}
		if err := q.InsertOutboxEvent(ctx, uuid.New(), res.AuctionID, eventType, payload); err != nil {
			return fmt.Errorf("insert %s outbox event: %w", eventType, err)
		}
		written = true
		return nil
	})
	return written, err
}

func (r *Repository) GetAuctionResult(ctx context.Context, auctionID uuid.UUID) (models.AuctionResult, error) {
	res, err := r.queries.GetAuctionResult(ctx, auctionID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AuctionResult{}, ErrResultNotFound
	}
	if err != nil {
		return models.AuctionResult{}, fmt.Errorf("failed to get auction result: %w", err)
	}
	return res, nil
}

func (r *Repository) FetchUnsentOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	events, err := r.queries.FetchUnsentOutbox(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}
	return events, nil
}

func (r *Repository) FetchOutboxByID(ctx context.Context, id uuid.UUID) (OutboxEvent, error) {
	e, err := r.queries.FetchOutboxByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return OutboxEvent{}, ErrEventNotFound
	}
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("failed to fetch outbox event by ID: %w", err)
	}
	return e, nil
}

func (r *Repository) MarkOutboxSent(ctx context.Context, id uuid.UUID) error {
	if err := r.queries.MarkOutboxSent(ctx, id); err != nil {
		return fmt.Errorf("failed to mark outbox event as sent: %w", err)
	}
	return nil
}

func (r *Repository) CountPendingOutbox(ctx context.Context) (int, error) {
	n, err := r.queries.CountPendingOutbox(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending outbox events: %w", err)
	}
	return n, nil
}
