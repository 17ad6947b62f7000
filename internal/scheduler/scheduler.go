// Package scheduler picks which targets a cycle re-checks.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/practicewatch/internal/monitor"
	"github.com/JakeFAU/practicewatch/internal/store"
)

// Scheduler selects batches: never-checked targets first (by ID), then the
// stalest checked targets (by checked_at, ties by ID).
type Scheduler struct {
	statuses store.StatusStore
	hints    []string
	ids      []string
}

// New constructs a Scheduler over the status store.
func New(statuses store.StatusStore) *Scheduler {
	return &Scheduler{statuses: statuses}
}

// Scoped returns a scheduler limited to targets discovered under the given hints.
// An empty list yields an unscoped scheduler.
func (s *Scheduler) Scoped(locationHints []string) *Scheduler {
	hints := make([]string, 0, len(locationHints))
	for _, h := range locationHints {
		if n := monitor.NormalizeLocation(h); n != "" {
			hints = append(hints, n)
		}
	}
	return &Scheduler{statuses: s.statuses, hints: hints, ids: s.ids}
}

// WithTargets returns a scheduler whose scope also covers the given target IDs,
// so a target first discovered under another hint is still selected.
func (s *Scheduler) WithTargets(ids []string) *Scheduler {
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			kept = append(kept, id)
		}
	}
	return &Scheduler{statuses: s.statuses, hints: s.hints, ids: kept}
}

// SelectBatch returns up to n targets. n <= 0 yields an empty batch.
func (s *Scheduler) SelectBatch(ctx context.Context, n int) ([]monitor.Target, error) {
	if n <= 0 {
		return []monitor.Target{}, nil
	}
	batch, err := s.statuses.NeverChecked(ctx, s.query(n))
	if err != nil {
		return nil, fmt.Errorf("select never checked: %w", err)
	}
	if len(batch) >= n {
		return batch[:n], nil
	}
	stale, err := s.statuses.StalestChecked(ctx, s.query(n-len(batch)))
	if err != nil {
		return nil, fmt.Errorf("select stalest: %w", err)
	}
	return append(batch, stale...), nil
}

// OldestCheckedAt reports the oldest check in scope; ok is false when nothing was checked.
func (s *Scheduler) OldestCheckedAt(ctx context.Context) (time.Time, bool, error) {
	oldest, ok, err := s.statuses.OldestCheckedAt(ctx, s.query(0))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("oldest checked: %w", err)
	}
	return oldest, ok, nil
}

// Pending counts never-checked targets in scope.
func (s *Scheduler) Pending(ctx context.Context) (int, error) {
	n, err := s.statuses.CountNeverChecked(ctx, s.query(0))
	if err != nil {
		return 0, fmt.Errorf("count never checked: %w", err)
	}
	return n, nil
}

func (s *Scheduler) query(limit int) monitor.TargetQuery {
	return monitor.TargetQuery{LocationHints: s.hints, IDs: s.ids, Limit: limit}
}
