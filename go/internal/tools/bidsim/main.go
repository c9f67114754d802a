// Command bidsim drives a running auction engine: it schedules auctions over the engine RPC,
// watches rooms and fires concurrent bid bursts to check that exactly one bid per price level
// is accepted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/auctionhouse/go/internal/auction/events"
	"github.com/mcdev12/auctionhouse/go/internal/auction/gateway"
	"github.com/mcdev12/auctionhouse/go/internal/auction/identity"
	"github.com/mcdev12/auctionhouse/go/internal/auction/rpc"
	"github.com/mcdev12/auctionhouse/go/internal/models"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewCLI().root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("bidsim failed")
		os.Exit(1)
	}
}

// CLI is the Cobra-based command-line interface.
type CLI struct {
	root *cobra.Command

	engineURL string
	header    string
	verbose   bool
}

// NewCLI sets up the CLI.
func NewCLI() *CLI {
	cli := &CLI{}
	cli.root = &cobra.Command{
		Use:           "bidsim",
		Short:         "Auction engine bidding simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cli.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}
	cli.root.PersistentFlags().StringVar(&cli.engineURL, "engine", "http://localhost:8080", "Engine base URL")
	cli.root.PersistentFlags().StringVar(&cli.header, "header", identity.DefaultHeader, "Header carrying the user id")
	cli.root.PersistentFlags().BoolVarP(&cli.verbose, "verbose", "v", false, "Debug logging")

	cli.root.AddCommand(cli.scheduleCmd(), cli.watchCmd(), cli.burstCmd())
	return cli
}

func (cli *CLI) wsURL() string {
	u := strings.TrimRight(cli.engineURL, "/")
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	return u + "/ws/auction"
}

func (cli *CLI) scheduleCmd() *cobra.Command {
	var (
		startIn, duration    time.Duration
		price, step, reserve string
		seller               string
		maxParticipants      int
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a new auction on the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAuction(seller, startIn, duration, price, step, reserve, maxParticipants)
			if err != nil {
				return err
			}

			client := rpc.NewEngineServiceClient(http.DefaultClient, cli.engineURL)
			resp, err := client.ScheduleAuction(cmd.Context(), connect.NewRequest(&rpc.ScheduleAuctionRequest{Auction: a}))
			if err != nil {
				return fmt.Errorf("schedule auction: %w", err)
			}
			fmt.Println(resp.Msg.AuctionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&seller, "seller", "bidsim", "Seller id")
	cmd.Flags().DurationVar(&startIn, "start-in", 5*time.Second, "Delay before the auction starts")
	cmd.Flags().DurationVar(&duration, "duration", 2*time.Minute, "Auction length")
	cmd.Flags().StringVar(&price, "starting-price", "100", "Starting price")
	cmd.Flags().StringVar(&step, "increment", "5", "Minimum increment")
	cmd.Flags().StringVar(&reserve, "reserve", "", "Reserve price (optional)")
	cmd.Flags().IntVar(&maxParticipants, "max-participants", 0, "Participant cap, 0 for none")
	return cmd
}

func newAuction(seller string, startIn, duration time.Duration, price, step, reserve string, maxParticipants int) (models.Auction, error) {
	startingPrice, err := decimal.NewFromString(price)
	if err != nil {
		return models.Auction{}, fmt.Errorf("starting price: %w", err)
	}
	increment, err := decimal.NewFromString(step)
	if err != nil {
		return models.Auction{}, fmt.Errorf("increment: %w", err)
	}
	start := time.Now().Add(startIn).UTC()
	a := models.Auction{
		ID:              uuid.New(),
		SellerID:        seller,
		Title:           "bidsim auction",
		StartTime:       start,
		EndTime:         start.Add(duration),
		StartingPrice:   startingPrice,
		MinIncrement:    increment,
		MaxParticipants: maxParticipants,
		Status:          models.AuctionStatusScheduled,
	}
	if reserve != "" {
		r, err := decimal.NewFromString(reserve)
		if err != nil {
			return models.Auction{}, fmt.Errorf("reserve: %w", err)
		}
		a.ReservePrice = &r
	}
	return a, nil
}

func (cli *CLI) watchCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "watch AUCTION_ID",
		Short: "Join an auction and print everything the room broadcasts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := dial(ctx, cli.wsURL(), cli.header, user)
			if err != nil {
				return err
			}
			defer b.close()

			if err := b.send(gateway.ClientMessage{Type: gateway.MessageJoinAuction, AuctionID: args[0]}); err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case env, ok := <-b.inbox:
					if !ok {
						return nil
					}
					fmt.Printf("%s %-18s %s\n", env.Timestamp.Format(time.RFC3339Nano), env.Type, env.Data)
				}
			}
		},
	}
	cmd.Flags().StringVar(&user, "user", "watcher", "User id to join as")
	return cmd
}

func (cli *CLI) burstCmd() *cobra.Command {
	var (
		users  int
		rounds int
		start  string
		step   string
	)
	cmd := &cobra.Command{
		Use:   "burst AUCTION_ID",
		Short: "Have many users bid the same amount at once, round after round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(start)
			if err != nil {
				return fmt.Errorf("start amount: %w", err)
			}
			increment, err := decimal.NewFromString(step)
			if err != nil {
				return fmt.Errorf("step: %w", err)
			}
			return cli.runBurst(cmd.Context(), args[0], users, rounds, amount, increment)
		},
	}
	cmd.Flags().IntVar(&users, "users", 10, "Concurrent bidders")
	cmd.Flags().IntVar(&rounds, "rounds", 5, "Price levels to contend for")
	cmd.Flags().StringVar(&start, "amount", "105", "First contended amount")
	cmd.Flags().StringVar(&step, "step", "5", "Amount added per round")
	return cmd
}

func (cli *CLI) runBurst(ctx context.Context, auctionID string, users, rounds int, amount, step decimal.Decimal) error {
	bidders := make([]*bidder, 0, users)
	defer func() {
		for _, b := range bidders {
			b.close()
		}
	}()

	for i := 0; i < users; i++ {
		b, err := dial(ctx, cli.wsURL(), cli.header, fmt.Sprintf("bidsim-%03d", i))
		if err != nil {
			return err
		}
		bidders = append(bidders, b)
		env, err := b.join(ctx, auctionID)
		if err != nil {
			return err
		}
		if env.Type != events.TypeAuctionState {
			return fmt.Errorf("join refused for %s: %s", b.userID, env.Data)
		}
	}
	log.Info().Int("users", users).Str("auction_id", auctionID).Msg("all bidders joined")

	for round := 0; round < rounds; round++ {
		roundCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		outcomes := make([]outcome, len(bidders))
		g, gctx := errgroup.WithContext(roundCtx)

		var ready sync.WaitGroup
		ready.Add(1)
		for i, b := range bidders {
			i, b := i, b
			g.Go(func() error {
				ready.Wait()
				out, err := b.bid(gctx, auctionID, amount)
				outcomes[i] = out
				return err
			})
		}
		ready.Done()
		err := g.Wait()
		cancel()
		if err != nil {
			return err
		}

		s := summarize(outcomes)
		fmt.Println(s.String(amount))
		if s.accepted != 1 {
			return fmt.Errorf("round %d: %d bids accepted at %s, want exactly 1", round+1, s.accepted, amount)
		}
		amount = amount.Add(step)
	}
	return nil
}

type outcome struct {
	userID   string
	amount   decimal.Decimal
	accepted bool
	sequence uint64
	code     string
}

type summary struct {
	accepted int
	winner   string
	sequence uint64
	rejected map[string]int
}

func summarize(outcomes []outcome) summary {
	s := summary{rejected: make(map[string]int)}
	for _, o := range outcomes {
		if o.accepted {
			s.accepted++
			s.winner = o.userID
			s.sequence = o.sequence
			continue
		}
		s.rejected[o.code]++
	}
	return s
}

func (s summary) String(amount decimal.Decimal) string {
	codes := make([]string, 0, len(s.rejected))
	for code := range s.rejected {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var b strings.Builder
	fmt.Fprintf(&b, "amount=%s accepted=%d", amount, s.accepted)
	if s.accepted > 0 {
		fmt.Fprintf(&b, " winner=%s seq=%d", s.winner, s.sequence)
	}
	for _, code := range codes {
		fmt.Fprintf(&b, " %s=%d", code, s.rejected[code])
	}
	return b.String()
}
