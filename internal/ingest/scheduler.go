package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/auction-crawler/internal/auction"
)

// Runner performs one crawl.
type Runner interface {
	Run(ctx context.Context) (auction.RunStatistics, error)
}

// Scheduler runs crawls back to back on a fixed interval. Runs execute on a
// single goroutine, so they never overlap.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *zap.Logger

	trigger chan struct{}

	mu   sync.RWMutex
	last *auction.RunStatistics
}

// NewScheduler builds a Scheduler. The interval is measured from the end of
// one run to the start of the next.
func NewScheduler(runner Runner, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Start runs immediately and then on every tick until ctx is done. It
// returns after the active run, if any, has released its resources.
func (s *Scheduler) Start(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		s.runOnce(ctx)
		timer.Reset(s.interval)
	}
}

// Trigger requests an immediate run. It reports false when a request is
// already pending.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// LastRun returns the statistics of the most recent finished run.
func (s *Scheduler) LastRun() (auction.RunStatistics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return auction.RunStatistics{}, false
	}
	return *s.last, true
}

func (s *Scheduler) runOnce(ctx context.Context) {
	stats, err := s.runner.Run(ctx)
	if errors.Is(err, ErrRunInProgress) {
		s.logger.Warn("skipping scheduled run, previous run still active")
		return
	}
	if err != nil && ctx.Err() == nil {
		s.logger.Error("scheduled run failed", zap.String("run_id", stats.RunID), zap.Error(err))
	}
	if stats.RunID == "" {
		return
	}
	s.mu.Lock()
	s.last = &stats
	s.mu.Unlock()
}
