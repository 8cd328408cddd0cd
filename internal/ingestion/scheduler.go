package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs batches on a cron schedule. A run still in progress makes the next
// tick a no-op.
type Scheduler struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	timeout time.Duration
}

type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// NewScheduler registers one batch job on spec. timeout bounds each run; zero means
// no bound beyond the batch limit.
func NewScheduler(orchestrator *Orchestrator, spec string, opts BatchOptions, timeout time.Duration, logger zerolog.Logger) (*Scheduler, error) {
	if orchestrator == nil {
		return nil, fmt.Errorf("scheduler orchestrator is nil")
	}
	adapter := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
	)

	s := &Scheduler{cron: c, logger: logger, timeout: timeout}
	if _, err := c.AddFunc(spec, func() { s.run(orchestrator, opts) }); err != nil {
		return nil, fmt.Errorf("parse batch schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) run(orchestrator *Orchestrator, opts BatchOptions) {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	result, err := orchestrator.RunBatch(ctx, opts)
	if err != nil {
		s.logger.Error().
			Err(err).
			Int("processed", result.Processed).
			Int("failed", result.Failed).
			Msg("scheduled batch failed")
		return
	}
	s.logger.Info().
		Int("processed", result.Processed).
		Int("failed", result.Failed).
		Msg("scheduled batch finished")
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running batch to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
