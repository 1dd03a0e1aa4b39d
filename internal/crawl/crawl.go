// Package crawl applies a fetch function across many URLs with a bounded
// worker pool. The scheduler is oblivious to caching: each URL is an
// independent unit of work and fn carries whatever synchronization its
// backing stores provide.
package crawl

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saurabhbikram/scraper/internal/progress"
)

// Scheduler runs crawl batches and reports progress.
type Scheduler struct {
	emitter progress.Emitter
	logger  *zap.Logger
}

// New builds a Scheduler. emitter may be nil.
func New(emitter progress.Emitter, logger *zap.Logger) *Scheduler {
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{emitter: emitter, logger: logger}
}

// Run dispatches fn over urls with at most concurrency workers and returns
// results in input order. With concurrency <= 1 execution is sequential.
// The first failing fn cancels the pool and its error propagates. Callers
// wanting per-URL fault isolation must wrap fn to capture errors as values.
func Run[T any](ctx context.Context, s *Scheduler, fn func(ctx context.Context, url string) (T, error), urls []string, concurrency int, description string) ([]T, error) {
	runID := uuid.New()
	start := time.Now()
	total := int64(len(urls))
	s.logger.Info("crawl run starting",
		zap.String("run_id", runID.String()),
		zap.String("description", description),
		zap.Int64("total", total),
		zap.Int("concurrency", concurrency),
	)
	s.emit(progress.Event{
		RunID: progress.UUIDToBytes(runID),
		TS:    time.Now().UTC(),
		Stage: progress.StageCrawlStart,
		Total: total,
		Note:  description,
	})

	results := make([]T, len(urls))
	var completed atomic.Int64

	runOne := func(ctx context.Context, i int, url string) error {
		fetchStart := time.Now()
		res, err := fn(ctx, url)
		if err != nil {
			return fmt.Errorf("crawl %s: %w", url, err)
		}
		results[i] = res
		done := completed.Add(1)
		s.emit(progress.Event{
			RunID:     progress.UUIDToBytes(runID),
			TS:        time.Now().UTC(),
			Stage:     progress.StageFetchDone,
			URL:       url,
			Completed: done,
			Total:     total,
			Dur:       time.Since(fetchStart),
		})
		return nil
	}

	var err error
	if concurrency <= 1 {
		for i, url := range urls {
			if err = runOne(ctx, i, url); err != nil {
				break
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for i, url := range urls {
			i, url := i, url
			g.Go(func() error {
				return runOne(gctx, i, url)
			})
		}
		err = g.Wait()
	}

	if err != nil {
		s.emit(progress.Event{
			RunID: progress.UUIDToBytes(runID),
			TS:    time.Now().UTC(),
			Stage: progress.StageCrawlError,
			Dur:   time.Since(start),
			Note:  err.Error(),
		})
		return nil, err
	}
	s.emit(progress.Event{
		RunID:     progress.UUIDToBytes(runID),
		TS:        time.Now().UTC(),
		Stage:     progress.StageCrawlDone,
		Completed: completed.Load(),
		Total:     total,
		Dur:       time.Since(start),
	})
	s.logger.Info("crawl run finished",
		zap.String("run_id", runID.String()),
		zap.Int64("completed", completed.Load()),
		zap.Duration("dur", time.Since(start)),
	)
	return results, nil
}

func (s *Scheduler) emit(evt progress.Event) {
	s.emitter.Emit(evt)
}
