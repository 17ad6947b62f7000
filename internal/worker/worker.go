// Package worker implements the per-target check pipeline and the loop that
// feeds it from the cycle queue.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/practicewatch/internal/metrics"
	"github.com/JakeFAU/practicewatch/internal/queue"
)

// Worker consumes queue items and runs the pipeline for each.
type Worker struct {
	id       int
	queue    queue.Queue
	pipeline *Pipeline
	results  chan<- Outcome
	logger   *zap.Logger
}

// New constructs a Worker. Outcomes are sent on results, which must have room
// for every item the worker may take or a reader draining it.
func New(id int, q queue.Queue, pipeline *Pipeline, results chan<- Outcome, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		queue:    q,
		pipeline: pipeline,
		results:  results,
		logger:   logger.With(zap.Int("worker", id)),
	}
}

// Run consumes items until the queue is closed and drained or ctx is
// cancelled. Cancellation stops new items from being taken; an item already
// taken is finished.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued target", zap.String("target_id", item.Target.ID))
		out := w.process(ctx, item)
		if w.results != nil {
			w.results <- out
		}
	}
}

func (w *Worker) process(ctx context.Context, item queue.Item) Outcome {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	return w.pipeline.Check(ctx, item)
}
