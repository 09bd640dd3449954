package fiscal

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/mmdatafocus/resto_backend/config"
	"github.com/sirupsen/logrus"
)

// DrainScheduler periodically sweeps all tenants with due retryable
// entries and drains them. Explicit triggers (session close, replay)
// call QueueEngine.Drain directly; the scheduler is the safety net that
// guarantees backoff windows eventually elapse into a new attempt.
type DrainScheduler struct {
	queue    *QueueEngine
	store    QueueStore
	logger   *logrus.Logger
	interval time.Duration
}

func NewDrainScheduler(queue *QueueEngine, store QueueStore, logger *logrus.Logger) *DrainScheduler {
	interval := 60 * time.Second
	if v := os.Getenv("FISCAL_DRAIN_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			interval = time.Duration(n) * time.Second
		}
	}
	return &DrainScheduler{queue: queue, store: store, logger: logger, interval: interval}
}

// Run blocks until ctx is cancelled. Intended to be started as a single
// goroutine from main; the per-tenant drain lock keeps multiple instances
// from stepping on each other.
func (s *DrainScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *DrainScheduler) sweep(ctx context.Context) {
	businessIds, err := s.store.BusinessesWithDue(ctx, time.Now().UTC())
	if err != nil {
		config.LogError(s.logger, "fiscal", "sweep", "list tenants with due entries", nil, err)
		return
	}
	for _, businessId := range businessIds {
		if err := s.queue.Drain(ctx, businessId); err != nil {
			config.LogError(s.logger, "fiscal", "sweep", "drain tenant queue", businessId, err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
