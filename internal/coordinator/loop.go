package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snapvault/snapvault/internal/capture"
)

// Executor runs one claimed capture job to completion.
type Executor interface {
	Execute(ctx context.Context, job capture.ClaimedJob)
}

// LoopConfig controls the periodic due-schedule scan.
type LoopConfig struct {
	Interval    time.Duration
	Window      time.Duration
	Concurrency int
}

func (c *LoopConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Window <= 0 {
		c.Window = 2 * c.Interval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
}

// Loop runs the scan-claim-execute cycle on a fixed interval. A failed scan
// is logged and retried on the next tick; the loop itself never aborts.
type Loop struct {
	coord  *Coordinator
	exec   Executor
	clock  capture.Clock
	logger *zap.Logger
	cfg    LoopConfig
	sem    chan struct{}
}

// NewLoop constructs a Loop.
func NewLoop(coord *Coordinator, exec Executor, clock capture.Clock, cfg LoopConfig, logger *zap.Logger) *Loop {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		coord:  coord,
		exec:   exec,
		clock:  clock,
		logger: logger,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.Concurrency),
	}
}

// Run blocks, scanning and executing until the context finishes. In-flight
// jobs are waited for on shutdown.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := l.clock.Now()
		jobs, err := l.coord.ClaimDue(ctx, now, l.cfg.Window)
		if err != nil {
			// The tick interval is the backoff; unclaimed schedules stay due.
			l.logger.Warn("due scan failed", zap.Error(err))
		}

		for _, job := range jobs {
			select {
			case l.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(j capture.ClaimedJob) {
				defer wg.Done()
				defer func() { <-l.sem }()
				l.exec.Execute(ctx, j)
			}(job)
		}
	}
}

// Submit hands an already-claimed ad-hoc job to the executor pool without
// blocking the caller beyond slot acquisition.
func (l *Loop) Submit(ctx context.Context, job capture.ClaimedJob) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	go func() {
		defer func() { <-l.sem }()
		l.exec.Execute(context.WithoutCancel(ctx), job)
	}()
}
