// Package queue defines the work item handed from a cycle to its worker pool.
package queue

import (
	"context"
	"errors"

	"github.com/JakeFAU/practicewatch/internal/monitor"
)

// ErrClosed is returned by Dequeue once a closed queue has been drained.
var ErrClosed = errors.New("queue closed")

// Item is one target to check within a cycle.
type Item struct {
	CycleID string
	Target  monitor.Target
}

// Queue moves items from the engine to workers.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
	Dequeue(ctx context.Context) (Item, error)
}
