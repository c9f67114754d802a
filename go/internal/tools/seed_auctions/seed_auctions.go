package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcdev12/auctionhouse/go/internal/dbconfig"
)

// Auction mirrors the seed JSON. Start and end are offsets from the time the seed runs, so a
// fresh seed always produces upcoming auctions.
type Auction struct {
	ID              string  `json:"id"`
	SellerID        string  `json:"seller_id"`
	Title           string  `json:"title"`
	StartIn         string  `json:"start_in"`
	Duration        string  `json:"duration"`
	StartingPrice   string  `json:"starting_price"`
	ReservePrice    *string `json:"reserve_price"`
	MinIncrement    string  `json:"min_increment"`
	MaxParticipants int     `json:"max_participants"`
}

func main() {
	path := "go/internal/assets/auctions.json"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	// 1) Load the JSON snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read JSON: %v\n", err)
		os.Exit(1)
	}
	var auctions []Auction
	if err := json.Unmarshal(data, &auctions); err != nil {
		fmt.Fprintf(os.Stderr, "unmarshal JSON: %v\n", err)
		os.Exit(1)
	}

	// 2) Connect using shared dbconfig
	cfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(context.Background(), cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 3) Upsert and count
	var (
		now      = time.Now().UTC()
		total    = len(auctions)
		inserted int
		skipped  int
		errs     int
	)

	for _, a := range auctions {
		id, start, end, err := resolve(a, now)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid auction %q: %v\n", a.Title, err)
			errs++
			continue
		}

		cmdTag, err := pool.Exec(context.Background(), `
            INSERT INTO auctions (
              id, seller_id, title, start_time, end_time,
              starting_price, reserve_price, min_increment, max_participants,
              status, current_bid
            ) VALUES (
              $1,$2,$3,$4,$5,$6::numeric,$7::numeric,$8::numeric,$9,'scheduled',$6::numeric
            )
            ON CONFLICT (id) DO NOTHING
        `,
			id, a.SellerID, a.Title, start, end,
			a.StartingPrice, a.ReservePrice, a.MinIncrement, a.MaxParticipants,
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error inserting auction %s: %v\n", id, err)
			errs++
			continue
		}
		if cmdTag.RowsAffected() == 1 {
			inserted++
		} else {
			skipped++
		}
	}

	// 4) Print summary
	fmt.Printf(
		"Auctions seed complete: %d total, %d inserted, %d skipped, %d errors\n",
		total, inserted, skipped, errs,
	)
}

func resolve(a Auction, now time.Time) (uuid.UUID, time.Time, time.Time, error) {
	id := uuid.New()
	if a.ID != "" {
		parsed, err := uuid.Parse(a.ID)
		if err != nil {
			return uuid.Nil, time.Time{}, time.Time{}, fmt.Errorf("id: %w", err)
		}
		id = parsed
	}
	startIn, err := time.ParseDuration(a.StartIn)
	if err != nil {
		return uuid.Nil, time.Time{}, time.Time{}, fmt.Errorf("start_in: %w", err)
	}
	duration, err := time.ParseDuration(a.Duration)
	if err != nil {
		return uuid.Nil, time.Time{}, time.Time{}, fmt.Errorf("duration: %w", err)
	}
	if duration <= 0 {
		return uuid.Nil, time.Time{}, time.Time{}, fmt.Errorf("duration must be positive")
	}
	start := now.Add(startIn)
	return id, start, start.Add(duration), nil
}
