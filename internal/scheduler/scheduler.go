// Package scheduler runs the periodic maintenance jobs: the billing period
// reset sweep and the context cache purge.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/vibeai/vibe-core/internal/metrics"
)

// Sweeper applies due period resets.
type Sweeper interface {
	SweepResets(ctx context.Context) (int, error)
}

// Purger drops expired cache entries.
type Purger interface {
	Purge() int
}

// Config holds cron specs. An empty spec disables the job.
type Config struct {
	ResetSchedule string
	PurgeSchedule string
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	purger  Purger
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// New registers the configured jobs. Overlapping runs of the same job are skipped.
func New(cfg Config, sweeper Sweeper, purger Purger, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		sweeper: sweeper,
		purger:  purger,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.ResetSchedule != "" && sweeper != nil {
		if _, err := s.cron.AddFunc(cfg.ResetSchedule, s.sweep); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid reset schedule %q: %w", cfg.ResetSchedule, err)
		}
	}
	if cfg.PurgeSchedule != "" && purger != nil {
		if _, err := s.cron.AddFunc(cfg.PurgeSchedule, s.purge); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid purge schedule %q: %w", cfg.PurgeSchedule, err)
		}
	}
	return s, nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

// Start runs the jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", s.Jobs()))
}

// Stop cancels running jobs and waits for them, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) sweep() {
	n, err := s.sweeper.SweepResets(s.ctx)
	if err != nil {
		s.logger.Warn("reset sweep failed", zap.Int("applied", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("period resets applied", zap.Int("accounts", n))
	}
}

func (s *Scheduler) purge() {
	if n := s.purger.Purge(); n > 0 {
		metrics.ContextCachePurged.Add(float64(n))
		s.logger.Debug("context cache purged", zap.Int("entries", n))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
