package registry

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// RunScheduler polls the listing for auctions about to start and runs the worker pool that
// starts and evicts rooms when their timers fire. It returns when ctx is cancelled.
func (r *Registry) RunScheduler(ctx context.Context) error {
	log.Info().
		Int("workers", r.cfg.Workers).
		Dur("poll_interval", r.cfg.PollInterval).
		Msg("auction scheduler started")

	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go r.worker(workerCtx, &wg, i)
	}

	defer func() {
		log.Info().Msg("shutting down scheduler workers")
		cancelWorkers()
		wg.Wait()
		log.Info().Msg("all scheduler workers shut down")
	}()

	r.poll(ctx)

	ticker := r.clock.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler shutdown requested")
			return nil
		case <-ticker.Chan():
			r.poll(ctx)
		}
	}
}

// poll schedules every listed auction that starts within the lookahead window.
func (r *Registry) poll(ctx context.Context) {
	horizon := r.clock.Now().Add(r.cfg.Lookahead)
	auctions, err := r.deps.Listing.ListStartingBefore(ctx, horizon, r.cfg.PollLimit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list upcoming auctions")
		return
	}

	for _, a := range auctions {
		if err := r.Schedule(ctx, a); err != nil {
			log.Error().Err(err).Str("auction_id", a.ID.String()).Msg("failed to schedule auction")
		}
	}
	if len(auctions) > 0 {
		log.Debug().Int("count", len(auctions)).Time("horizon", horizon).Msg("polled upcoming auctions")
	}
}

func (r *Registry) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Int("worker_id", workerID).Msg("worker shutting down")
			return
		case j := <-r.workCh:
			err := r.handle(ctx, j)
			r.done(j)
			if err != nil {
				log.Error().
					Err(err).
					Str("auction_id", j.auctionID.String()).
					Stringer("job", j.kind).
					Int("worker_id", workerID).
					Msg("worker job failed")
				r.retry(ctx, j)
			}
		}
	}
}

func (r *Registry) handle(ctx context.Context, j job) error {
	switch j.kind {
	case jobStart:
		e := r.lookup(j.auctionID)
		if e == nil {
			return nil
		}
		return r.startRoom(ctx, e)
	case jobSettle:
		e := r.lookup(j.auctionID)
		if e == nil {
			return nil
		}
		return r.settle(ctx, e)
	case jobEvict:
		return r.evict(ctx, j.auctionID)
	}
	return nil
}

// retry re-arms a failed settle or evict job after SettleRetry.
func (r *Registry) retry(ctx context.Context, j job) {
	if ctx.Err() != nil || j.kind == jobStart {
		return
	}
	r.scheduleJob(j, r.clock.Now().Add(r.cfg.SettleRetry))
}
