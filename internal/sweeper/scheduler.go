package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"canteenservice/internal/config"
	"canteenservice/internal/platform/observability"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var ErrUnknownSweep = errors.New("unknown sweep")

// Job runs a Sweeper every Interval.
type Job struct {
	Sweeper  Sweeper
	Interval time.Duration
}

// Scheduler runs each job on its own ticker. A failed tick is logged and the
// sweep simply runs again on the next one.
type Scheduler struct {
	jobs    []Job
	logger  observability.Logger
	tracer  observability.Tracer
	metrics *observability.Counters
	timeout time.Duration
}

func NewScheduler(logger observability.Logger, tracer observability.Tracer, metrics *observability.Counters, jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs:    jobs,
		logger:  logger,
		tracer:  tracer,
		metrics: metrics,
		timeout: config.SweepTimeout,
	}
}

// Start blocks until ctx is cancelled and every sweep goroutine has returned.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Sweep scheduler started", zap.Int("jobs", len(s.jobs)))

	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()

	s.logger.Info("Sweep scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, s.timeout)
			_, _ = s.run(tickCtx, job.Sweeper)
			cancel()
		}
	}
}

// RunOnce runs the named sweep a single time.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (int, error) {
	for _, job := range s.jobs {
		if job.Sweeper.Name() == name {
			return s.run(ctx, job.Sweeper)
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSweep, name)
}

// Names lists the registered sweeps.
func (s *Scheduler) Names() []string {
	names := make([]string, 0, len(s.jobs))
	for _, job := range s.jobs {
		names = append(names, job.Sweeper.Name())
	}
	return names
}

func (s *Scheduler) run(ctx context.Context, sw Sweeper) (int, error) {
	ctx, span := s.tracer.Start(ctx, "sweeper."+sw.Name())
	defer span.End()

	start := time.Now()
	n, err := sw.Sweep(ctx)
	s.metrics.SweeperProcessed(ctx, sw.Name(), n)
	span.SetAttributes(attribute.Int("sweeper.processed", n))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("❌ Sweep failed",
			zap.String("sweep", sw.Name()),
			zap.Int("processed", n),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return n, err
	}

	if n > 0 {
		s.logger.Info("✅ Sweep finished",
			zap.String("sweep", sw.Name()),
			zap.Int("processed", n),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	return n, nil
}
