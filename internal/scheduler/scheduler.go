package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/chrischrischristianyijin/quest-digest/internal/outcome"
)

// Scheduler wakes the Orchestrator on a cron schedule.
type Scheduler struct {
	orch *Orchestrator
	cron *cron.Cron
	spec string
}

// NewScheduler wires orch to fire on spec (a robfig/cron 6-field
// expression including seconds). A typical production value is
// "0 */15 * * * *" (every 15 minutes).
func NewScheduler(orch *Orchestrator, spec string) *Scheduler {
	return &Scheduler{
		orch: orch,
		cron: cron.New(cron.WithSeconds()),
		spec: spec,
	}
}

// Run registers the sweep job and blocks until ctx is canceled,
// draining any in-flight sweep before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Str("schedule", s.spec).Msg("starting digest sweep scheduler")

	_, err := s.cron.AddFunc(s.spec, func() {
		if err := s.RunOnce(context.Background(), time.Now().UTC()); err != nil {
			log.Error().Err(err).Msg("digest sweep failed")
		}
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	<-ctx.Done()

	log.Info().Msg("stopping digest sweep scheduler")
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	return ctx.Err()
}

// RunOnce executes a single scheduled-mode sweep immediately,
// bypassing the cron schedule. Used by operator triggers and tests.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) error {
	return s.runOnce(ctx, now, false)
}

// RunOnceForced executes an immediate sweep in operator-initiated
// force mode, bypassing the send-moment and idempotency checks for
// every eligible user.
func (s *Scheduler) RunOnceForced(ctx context.Context, now time.Time) error {
	return s.runOnce(ctx, now, true)
}

func (s *Scheduler) runOnce(ctx context.Context, now time.Time, force bool) error {
	var (
		results []outcome.UserOutcome
		err     error
	)
	if force {
		results, err = s.orch.SweepForce(ctx, now)
	} else {
		results, err = s.orch.Sweep(ctx, now)
	}
	if err != nil {
		return err
	}
	sent, skipped, failed := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case outcome.StatusSent:
			sent++
		case outcome.StatusSkipped:
			skipped++
		case outcome.StatusFailed:
			failed++
		}
	}
	log.Info().Int("sent", sent).Int("skipped", skipped).Int("failed", failed).Bool("force", force).Msg("sweep finished")
	return nil
}
