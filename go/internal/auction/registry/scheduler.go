package registry

import (
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type jobKind int

const (
	jobStart jobKind = iota
	jobSettle
	jobEvict
)

func (k jobKind) String() string {
	switch k {
	case jobStart:
		return "start"
	case jobSettle:
		return "settle"
	case jobEvict:
		return "evict"
	default:
		return "unknown"
	}
}

type job struct {
	auctionID uuid.UUID
	kind      jobKind
}

type armedTimer struct {
	timer clockwork.Timer
	stop  chan struct{}
}

// scheduleJob arms a one-shot timer that hands j to the worker pool at the given time. A job
// that is already due is enqueued right away.
func (r *Registry) scheduleJob(j job, at time.Time) {
	d := at.Sub(r.clock.Now())
	if d <= 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.enqueue(j)
		}()
		return
	}

	t := armedTimer{timer: r.clock.NewTimer(d), stop: make(chan struct{})}
	r.replaceTimer(j, t)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-t.timer.Chan():
			r.removeTimer(j, t)
			r.enqueue(j)
		case <-t.stop:
		case <-r.ctx.Done():
			stopAndDrainTimer(t.timer)
		}
	}()

	log.Debug().
		Str("auction_id", j.auctionID.String()).
		Stringer("job", j.kind).
		Time("at", at).
		Dur("duration", d).
		Msg("scheduled one-shot timer")
}

// enqueue hands j to the workers unless an identical job is already queued.
func (r *Registry) enqueue(j job) {
	r.inFlightMu.Lock()
	if r.inFlight[j] {
		r.inFlightMu.Unlock()
		return
	}
	r.inFlight[j] = true
	r.inFlightMu.Unlock()

	select {
	case r.workCh <- j:
		log.Debug().Str("auction_id", j.auctionID.String()).Stringer("job", j.kind).Msg("timer fired - enqueued for processing")
	case <-r.ctx.Done():
		r.done(j)
	}
}

func (r *Registry) done(j job) {
	r.inFlightMu.Lock()
	delete(r.inFlight, j)
	r.inFlightMu.Unlock()
}

// replaceTimer installs t for j, cancelling any timer already armed for it.
func (r *Registry) replaceTimer(j job, t armedTimer) {
	r.activeTimersMu.Lock()
	defer r.activeTimersMu.Unlock()

	if existing, ok := r.activeTimers[j]; ok {
		stopAndDrainTimer(existing.timer)
		close(existing.stop)
		log.Debug().Str("auction_id", j.auctionID.String()).Msg("replaced existing timer")
	}
	r.activeTimers[j] = t
}

func (r *Registry) cancelTimer(j job) {
	r.activeTimersMu.Lock()
	defer r.activeTimersMu.Unlock()

	if t, ok := r.activeTimers[j]; ok {
		stopAndDrainTimer(t.timer)
		close(t.stop)
		delete(r.activeTimers, j)
		log.Debug().Str("auction_id", j.auctionID.String()).Stringer("job", j.kind).Msg("cancelled timer")
	}
}

// removeTimer forgets a fired timer, unless it has been replaced meanwhile.
func (r *Registry) removeTimer(j job, t armedTimer) {
	r.activeTimersMu.Lock()
	defer r.activeTimersMu.Unlock()
	if cur, ok := r.activeTimers[j]; ok && cur.stop == t.stop {
		delete(r.activeTimers, j)
	}
}

func (r *Registry) cancelAllTimers() {
	r.activeTimersMu.Lock()
	defer r.activeTimersMu.Unlock()
	for j, t := range r.activeTimers {
		stopAndDrainTimer(t.timer)
		close(t.stop)
		delete(r.activeTimers, j)
	}
}

func (r *Registry) pendingTimers() int {
	r.activeTimersMu.Lock()
	defer r.activeTimersMu.Unlock()
	return len(r.activeTimers)
}

func stopAndDrainTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}
