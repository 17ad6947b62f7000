// Package dispatcher checks a batch of targets on a bounded worker pool fed
// from the cycle queue.
package dispatcher

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/practicewatch/internal/monitor"
	"github.com/JakeFAU/practicewatch/internal/queue"
	queuemem "github.com/JakeFAU/practicewatch/internal/queue/memory"
	"github.com/JakeFAU/practicewatch/internal/worker"
)

// Pool runs up to Size workers over one batch at a time.
type Pool struct {
	pipeline *worker.Pipeline
	size     int
	logger   *zap.Logger
}

// New creates a Pool. Sizes below one are raised to one.
func New(pipeline *worker.Pipeline, size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{pipeline: pipeline, size: size, logger: logger}
}

// Size reports the maximum number of concurrent workers.
func (p *Pool) Size() int {
	return p.size
}

// Check queues every target and returns one outcome per target a worker took.
// Once ctx is cancelled no further targets are taken; targets already taken
// are finished and reported.
func (p *Pool) Check(ctx context.Context, cycleID string, targets []monitor.Target) []worker.Outcome {
	if len(targets) == 0 || ctx.Err() != nil {
		return nil
	}
	q := queuemem.NewQueue(len(targets))
	for _, target := range targets {
		if err := q.Enqueue(ctx, queue.Item{CycleID: cycleID, Target: target}); err != nil {
			p.logger.Warn("enqueue target failed", zap.String("target_id", target.ID), zap.Error(err))
			break
		}
	}
	q.Close()

	results := make(chan worker.Outcome, len(targets))
	var g errgroup.Group
	for i := range min(p.size, len(targets)) {
		w := worker.New(i+1, q, p.pipeline, results, p.logger)
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	outcomes := make([]worker.Outcome, 0, len(targets))
	for out := range results {
		outcomes = append(outcomes, out)
	}
	return outcomes
}
