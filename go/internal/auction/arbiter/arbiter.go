// Package arbiter validates and applies bids for one auction, one at a time.
//
// An Arbiter is owned by its room's goroutine and is never called concurrently. The room is the
// serialization point; the arbiter only encodes the validation order and the soft-close rule.
package arbiter

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/auctionhouse/go/internal/auction/ledger"
	"github.com/mcdev12/auctionhouse/go/internal/models"
)

// Code identifies why a bid was rejected.
type Code string

const (
	CodeAuctionNotLive    Code = "AuctionNotLive"
	CodeBidTooLow         Code = "BidTooLow"
	CodeIncrementTooSmall Code = "IncrementTooSmall"
	// CodeInvalidAmount rejects amounts finer than models.MoneyPlaces.
	CodeInvalidAmount Code = "InvalidAmount"
)

// Detail refines CodeAuctionNotLive.
type Detail string

const (
	DetailNone          Detail = ""
	DetailNotStartedYet Detail = "NotStartedYet"
	DetailAlreadyEnded  Detail = "AlreadyEnded"
)

// BidError is returned to the bidder only. CurrentBid and MinNext are evaluated against the
// state at the moment the bid was rejected.
type BidError struct {
	Code       Code
	Detail     Detail
	CurrentBid decimal.Decimal
	MinNext    decimal.Decimal
}

func (e *BidError) Error() string {
	if e.Detail != DetailNone {
		return fmt.Sprintf("%s (%s)", e.Code, e.Detail)
	}
	return fmt.Sprintf("%s: current bid %s, minimum next %s", e.Code, e.CurrentBid.StringFixed(models.MoneyPlaces), e.MinNext.StringFixed(models.MoneyPlaces))
}

// BidRequest is one bid as received from a participant. ClientTimestamp is informational; it
// never affects ordering.
type BidRequest struct {
	AuctionID       uuid.UUID
	UserID          string
	Amount          decimal.Decimal
	ClientTimestamp time.Time
}

// Decision describes an accepted bid and its effect on the auction.
type Decision struct {
	Bid           models.Bid
	NewCurrentBid decimal.Decimal
	TimerEnd      time.Time
	Extended      bool
}

// Timer is the part of the room countdown the arbiter drives.
type Timer interface {
	Extend(threshold, window time.Duration) (time.Time, bool)
	Deadline() time.Time
}

// Config holds the soft-close parameters.
type Config struct {
	// SoftCloseThreshold is the remaining time at or below which an accepted bid reopens the countdown.
	SoftCloseThreshold time.Duration
	// ReopenWindow is the fixed window the countdown is reopened to.
	ReopenWindow time.Duration
}

// DefaultConfig returns the soft-close settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		SoftCloseThreshold: 30 * time.Second,
		ReopenWindow:       30 * time.Second,
	}
}

type Arbiter struct {
	cfg    Config
	ledger *ledger.Ledger
	timer  Timer
	clock  clockwork.Clock
}

func New(cfg Config, l *ledger.Ledger, timer Timer, clock clockwork.Clock) *Arbiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Arbiter{
		cfg:    cfg,
		ledger: l,
		timer:  timer,
		clock:  clock,
	}
}

// CurrentBid is the price the next bid must beat: the highest accepted bid, or the starting
// price before the first bid.
func CurrentBid(a *models.Auction, l *ledger.Ledger) decimal.Decimal {
	if top, ok := l.Highest(); ok {
		return top.Amount
	}
	return a.StartingPrice
}

// MinNext is the smallest amount the next bid may carry.
func MinNext(a *models.Auction, l *ledger.Ledger) decimal.Decimal {
	return CurrentBid(a, l).Add(a.MinIncrement)
}

// Submit validates req against the auction and, if it is acceptable, appends it to the ledger,
// updates the auction's current bid and applies soft-close. Rejections are *BidError; any other
// error is an invariant violation.
func (a *Arbiter) Submit(auction *models.Auction, req BidRequest) (Decision, error) {
	current := CurrentBid(auction, a.ledger)
	minNext := current.Add(auction.MinIncrement)
	reject := func(code Code, detail Detail) error {
		return &BidError{Code: code, Detail: detail, CurrentBid: current, MinNext: minNext}
	}

	switch auction.Status {
	case models.AuctionStatusLive:
	case models.AuctionStatusScheduled:
		return Decision{}, reject(CodeAuctionNotLive, DetailNotStartedYet)
	default:
		return Decision{}, reject(CodeAuctionNotLive, DetailAlreadyEnded)
	}

	amount := req.Amount
	if !models.HasMoneyPrecision(amount) {
		return Decision{}, reject(CodeInvalidAmount, DetailNone)
	}
	if !amount.IsPositive() || !amount.GreaterThan(current) {
		return Decision{}, reject(CodeBidTooLow, DetailNone)
	}
	if amount.LessThan(minNext) {
		return Decision{}, reject(CodeIncrementTooSmall, DetailNone)
	}

	bid, err := a.ledger.Append(req.UserID, amount, a.clock.Now())
	if err != nil {
		return Decision{}, fmt.Errorf("arbiter: %w", err)
	}

	bidder := req.UserID
	auction.CurrentBid = amount
	auction.CurrentBidderID = &bidder

	timerEnd, extended := a.timer.Extend(a.cfg.SoftCloseThreshold, a.cfg.ReopenWindow)
	if extended {
		auction.EndTime = timerEnd
	} else {
		timerEnd = a.timer.Deadline()
	}

	return Decision{
		Bid:           bid,
		NewCurrentBid: amount,
		TimerEnd:      timerEnd,
		Extended:      extended,
	}, nil
}
