package quota

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// ResetPolicy is the human-readable form of the monthly reset schedule.
const ResetPolicy = "Quotas reset at 12:00 AM UTC on the 1st of each month."

const resetCron = "0 0 1 * *"

// ResetScheduler zeroes every record's usage at the start of each UTC month.
type ResetScheduler struct {
	scheduler *gocron.Scheduler
	ledger    *Ledger
	timeout   time.Duration
	log       zerolog.Logger
}

// NewResetScheduler creates a ResetScheduler.
func NewResetScheduler(ledger *Ledger, timeout time.Duration, log zerolog.Logger) *ResetScheduler {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &ResetScheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		ledger:    ledger,
		timeout:   timeout,
		log:       log,
	}
}

// Start registers the monthly job and starts the scheduler.
func (s *ResetScheduler) Start() error {
	_, err := s.scheduler.Cron(resetCron).Do(s.run)
	if err != nil {
		return err
	}
	s.scheduler.StartAsync()
	return nil
}

// NextRun returns when the reset job runs next.
func (s *ResetScheduler) NextRun() time.Time {
	_, next := s.scheduler.NextRun()
	return next
}

// Stop stops the scheduler.
func (s *ResetScheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

func (s *ResetScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	n, err := s.ledger.ResetAll(ctx)
	if err != nil {
		s.log.Error().Err(err).Int("reset", n).Msg("monthly quota reset incomplete")
		return
	}
	s.log.Info().Int("reset", n).Msg("monthly quota reset")
}
