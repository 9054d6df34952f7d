package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"reminder-engine/internal/clock"
	"reminder-engine/internal/dispatch"
	"reminder-engine/internal/reminder"
	"reminder-engine/internal/storage"
)

// Config holds the scheduler's operational knobs.
type Config struct {
	// TickInterval is how often the loop polls the store for due reminders.
	TickInterval time.Duration
	// BatchLimit caps how many reminders one tick claims.
	BatchLimit int
	// ReclaimAfter is the crash-recovery timeout: a reminder still firing
	// this long after its claim is returned to the schedule by the sweep.
	ReclaimAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 50
	}
	if c.ReclaimAfter <= 0 {
		c.ReclaimAfter = 2 * time.Minute
	}
	return c
}

// Scheduler polls the store for due reminders, dispatches each claimed one,
// and commits the occurrence calculator's decision back. Any number of
// Scheduler instances may share one store; exclusivity comes entirely from
// the store's atomic claim.
type Scheduler struct {
	store storage.Store
	disp  *dispatch.Dispatcher
	clk   clock.Clock
	cfg   Config
	log   zerolog.Logger

	cron      *cron.Cron
	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func New(store storage.Store, disp *dispatch.Dispatcher, clk clock.Clock, cfg Config, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		disp:   disp,
		clk:    clk,
		cfg:    cfg.withDefaults(),
		log:    log,
		stopCh: make(chan struct{}),
	}
}

// Start launches the polling loop and the recovery sweep. Safe to call once.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.cron = cron.New()
		spec := fmt.Sprintf("@every %s", s.cfg.ReclaimAfter)
		if _, err := s.cron.AddFunc(spec, s.Sweep); err != nil {
			// Only reachable with a malformed duration, which withDefaults rules out.
			s.log.Error().Err(err).Str("spec", spec).Msg("failed to schedule recovery sweep")
		}
		s.cron.Start()

		s.wg.Add(1)
		go s.run()
		s.log.Info().
			Dur("tick", s.cfg.TickInterval).
			Int("batch_limit", s.cfg.BatchLimit).
			Dur("reclaim_after", s.cfg.ReclaimAfter).
			Msg("scheduler started")
	})
}

// Stop halts the loop and waits for in-flight work to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		s.wg.Wait()
		s.log.Info().Msg("scheduler stopped")
	})
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		// A closed stop channel wins over a pending tick.
		select {
		case <-s.stopCh:
			return
		default:
		}
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick claims one batch of due reminders and processes them. Reminders in a
// batch are dispatched concurrently; occurrences of a single reminder stay
// serialized because it leaves the scheduled state while claimed.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clk.Now()
	claimed, err := s.store.ClaimDue(now, s.cfg.BatchLimit)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to claim due reminders")
		return
	}
	if len(claimed) == 0 {
		return
	}
	s.log.Debug().Int("claimed", len(claimed)).Msg("processing due reminders")

	var wg sync.WaitGroup
	for _, r := range claimed {
		wg.Add(1)
		go func(r *reminder.Reminder) {
			defer wg.Done()
			s.process(ctx, r)
		}(r)
	}
	wg.Wait()
}

// process delivers one claimed reminder and commits the result. One
// reminder's failure never takes down the loop.
func (s *Scheduler) process(ctx context.Context, r *reminder.Reminder) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().
				Str("reminder_id", r.ID).
				Interface("panic", rec).
				Msg("panic while processing reminder")
		}
	}()

	err := s.disp.Deliver(ctx, r)
	firedAt := s.clk.Now()

	// Delivery failure consumes the occurrence all the same; a permanently
	// failing recipient must not wedge the schedule.
	if err != nil {
		s.log.Error().
			Str("reminder_id", r.ID).
			Str("recipient", r.Recipient).
			Bool("permanent", dispatch.IsPermanent(err)).
			Err(err).
			Msg("delivery failed, occurrence consumed")
	}

	out := reminder.NextOccurrence(r, firedAt)
	if cerr := s.store.CommitOccurrence(r.ID, out, firedAt); cerr != nil {
		if errors.Is(cerr, storage.ErrConflict) {
			// Claim was reclaimed by the sweep or retired underneath us.
			s.log.Warn().Str("reminder_id", r.ID).Msg("occurrence commit superseded")
			return
		}
		s.log.Error().Str("reminder_id", r.ID).Err(cerr).Msg("failed to commit occurrence")
		return
	}

	evt := s.log.Info().Str("reminder_id", r.ID).Bool("delivered", err == nil)
	if out.Retire {
		evt.Msg("reminder retired")
	} else {
		evt.Time("next_due_at", out.NextDueAt).
			Int("reminders_left", out.OccurrencesRemaining).
			Msg("reminder rescheduled")
	}
}

// Sweep returns reminders stuck in the firing state past the recovery
// timeout to the schedule. Runs on its own cadence so a crashed worker's
// claims always make forward progress.
func (s *Scheduler) Sweep() {
	n, err := s.store.ReclaimStuck(s.clk.Now(), s.cfg.ReclaimAfter)
	if err != nil {
		s.log.Error().Err(err).Msg("recovery sweep failed")
		return
	}
	if n > 0 {
		s.log.Warn().Int("reclaimed", n).Msg("recovery sweep reclaimed stuck reminders")
	}
}
