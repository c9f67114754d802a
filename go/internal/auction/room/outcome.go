package room

import (
	"time"

	"github.com/mcdev12/auctionhouse/go/internal/auction/ledger"
	"github.com/mcdev12/auctionhouse/go/internal/models"
)

// Resolve computes the terminal outcome of an auction from its ledger.
//
// No bids is no_bids. Bids below a configured reserve are reserve_not_met with no winner.
// Anything else is sold to the highest bidder at the highest bid.
func Resolve(a *models.Auction, l *ledger.Ledger, now time.Time) models.AuctionResult {
	res := models.AuctionResult{
		AuctionID:  a.ID,
		BidCount:   l.Len(),
		ResolvedAt: now,
	}

	top, ok := l.Highest()
	if !ok {
		res.Status = models.ResultStatusNoBids
		return res
	}
	if a.HasReserve() && top.Amount.LessThan(*a.ReservePrice) {
		res.Status = models.ResultStatusReserveNotMet
		return res
	}

	winner := top.UserID
	final := top.Amount
	res.Status = models.ResultStatusSold
	res.WinnerID = &winner
	res.FinalBid = &final
	return res
}
