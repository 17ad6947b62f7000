package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/practicewatch/internal/monitor"
)

type claimKey struct {
	recipient string
	windowKey string
	targetID  string
}

type claim struct {
	id string
	at time.Time
}

type targetRow struct {
	target    monitor.Target
	firstSeen time.Time
	lastSeen  time.Time
}

// Repository is an in-memory store.Repository for development and tests.
type Repository struct {
	mu            sync.RWMutex
	targets       map[string]targetRow
	latest        map[string]monitor.StatusRecord
	events        []monitor.StatusEvent
	ledger        []monitor.LedgerEntry
	claims        map[claimKey]claim
	subscriptions []monitor.Subscription

	// FailRecordCheck, when set, is returned (wrapped) by RecordCheck.
	FailRecordCheck error
}

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		targets: make(map[string]targetRow),
		latest:  make(map[string]monitor.StatusRecord),
		claims:  make(map[claimKey]claim),
	}
}

// AddSubscription registers a subscription returned by ListSubscriptions.
func (r *Repository) AddSubscription(sub monitor.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptions = append(r.subscriptions, sub)
}

// ListSubscriptions returns a copy of the registered subscriptions.
func (r *Repository) ListSubscriptions(_ context.Context) ([]monitor.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]monitor.Subscription(nil), r.subscriptions...), nil
}

// UpsertTarget inserts or refreshes a target.
func (r *Repository) UpsertTarget(_ context.Context, target monitor.Target, seenAt time.Time) error {
	if target.ID == "" {
		return &monitor.PersistenceError{Op: "upsert target", Err: errors.New("target id is required")}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.targets[target.ID]
	if !ok {
		r.targets[target.ID] = targetRow{target: target, firstSeen: seenAt, lastSeen: seenAt}
		return nil
	}
	if target.DisplayName != "" {
		row.target.DisplayName = target.DisplayName
	}
	if target.CanonicalURL != "" {
		row.target.CanonicalURL = target.CanonicalURL
	}
	if seenAt.After(row.lastSeen) {
		row.lastSeen = seenAt
	}
	r.targets[target.ID] = row
	return nil
}

// GetTarget returns a target by ID.
func (r *Repository) GetTarget(_ context.Context, id string) (monitor.Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.targets[id]
	if !ok {
		return monitor.Target{}, fmt.Errorf("target %s: %w", id, monitor.ErrNotFound)
	}
	return row.target, nil
}

// ListTargets returns targets in the query scope ordered by ID.
func (r *Repository) ListTargets(_ context.Context, q monitor.TargetQuery) ([]monitor.Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.scopedTargets(q)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limit(out, q.Limit), nil
}

// RecordCheck upserts the latest status and appends an event.
func (r *Repository) RecordCheck(_ context.Context, rec monitor.StatusRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailRecordCheck != nil {
		return &monitor.PersistenceError{Op: "record check", Err: r.FailRecordCheck}
	}
	if rec.TargetID == "" {
		return &monitor.PersistenceError{Op: "record check", Err: errors.New("target id is required")}
	}
	if current, ok := r.latest[rec.TargetID]; !ok || !rec.CheckedAt.Before(current.CheckedAt) {
		r.latest[rec.TargetID] = rec
	}
	r.events = append(r.events, monitor.StatusEvent{ID: int64(len(r.events) + 1), StatusRecord: rec})
	return nil
}

// LatestStatus returns the latest record for a target.
func (r *Repository) LatestStatus(_ context.Context, targetID string) (monitor.StatusRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.latest[targetID]
	if !ok {
		return monitor.StatusRecord{}, fmt.Errorf("status %s: %w", targetID, monitor.ErrNotFound)
	}
	return rec, nil
}

// LatestStatuses returns latest records for the given targets; missing ones are omitted.
func (r *Repository) LatestStatuses(_ context.Context, targetIDs []string) (map[string]monitor.StatusRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]monitor.StatusRecord, len(targetIDs))
	for _, id := range targetIDs {
		if rec, ok := r.latest[id]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

// NeverChecked lists unchecked targets ordered by ID.
func (r *Repository) NeverChecked(_ context.Context, q monitor.TargetQuery) ([]monitor.Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []monitor.Target
	for _, t := range r.scopedTargets(q) {
		if _, checked := r.latest[t.ID]; !checked {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limit(out, q.Limit), nil
}

// StalestChecked lists checked targets, oldest check first.
func (r *Repository) StalestChecked(_ context.Context, q monitor.TargetQuery) ([]monitor.Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []monitor.Target
	for _, t := range r.scopedTargets(q) {
		if _, checked := r.latest[t.ID]; checked {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := r.latest[out[i].ID].CheckedAt, r.latest[out[j].ID].CheckedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, q.Limit), nil
}

// OldestCheckedAt reports the oldest latest check time in scope.
func (r *Repository) OldestCheckedAt(_ context.Context, q monitor.TargetQuery) (time.Time, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		oldest time.Time
		found  bool
	)
	for _, t := range r.scopedTargets(q) {
		rec, ok := r.latest[t.ID]
		if !ok {
			continue
		}
		if !found || rec.CheckedAt.Before(oldest) {
			oldest, found = rec.CheckedAt, true
		}
	}
	return oldest, found, nil
}

// CountNeverChecked counts unchecked targets in scope.
func (r *Repository) CountNeverChecked(ctx context.Context, q monitor.TargetQuery) (int, error) {
	q.Limit = 0
	targets, err := r.NeverChecked(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(targets), nil
}

// ListEvents returns events for a target, newest first.
func (r *Repository) ListEvents(_ context.Context, targetID string, n int) ([]monitor.StatusEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []monitor.StatusEvent
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].TargetID == targetID {
			out = append(out, r.events[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CheckedAt.After(out[j].CheckedAt) })
	return limit(out, n), nil
}

// RecentEntries lists ledger entries for (recipient, windowKey) since the given time.
func (r *Repository) RecentEntries(
	_ context.Context,
	recipient, windowKey string,
	since time.Time,
) ([]monitor.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []monitor.LedgerEntry
	for _, e := range r.ledger {
		if e.Recipient == recipient && e.WindowKey == windowKey && !e.SentAt.Before(since) {
			e.DisclosedTargetIDs = append([]string(nil), e.DisclosedTargetIDs...)
			out = append(out, e)
		}
	}
	return out, nil
}

// AppendEntry appends a ledger entry; (recipient, window_key, sent_at) is unique.
func (r *Repository) AppendEntry(_ context.Context, entry monitor.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.ledger {
		if e.Recipient == entry.Recipient && e.WindowKey == entry.WindowKey && e.SentAt.Equal(entry.SentAt) {
			return &monitor.PersistenceError{Op: "append ledger entry", Err: errors.New("duplicate ledger entry")}
		}
	}
	entry.ID = int64(len(r.ledger) + 1)
	entry.DisclosedTargetIDs = append([]string(nil), entry.DisclosedTargetIDs...)
	r.ledger = append(r.ledger, entry)
	return nil
}

// ClaimTargets reserves targets under claimID; claims made at or after since are kept.
func (r *Repository) ClaimTargets(
	_ context.Context,
	recipient, windowKey, claimID string,
	targetIDs []string,
	at, since time.Time,
) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var claimed []string
	for _, id := range targetIDs {
		key := claimKey{recipient: recipient, windowKey: windowKey, targetID: id}
		if held, ok := r.claims[key]; ok && !held.at.Before(since) {
			continue
		}
		r.claims[key] = claim{id: claimID, at: at}
		claimed = append(claimed, id)
	}
	sort.Strings(claimed)
	return claimed, nil
}

// ReleaseClaims drops the reservations made under claimID.
func (r *Repository) ReleaseClaims(_ context.Context, recipient, windowKey, claimID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, held := range r.claims {
		if key.recipient == recipient && key.windowKey == windowKey && held.id == claimID {
			delete(r.claims, key)
		}
	}
	return nil
}

// Ping always succeeds.
func (r *Repository) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (r *Repository) Close() error {
	return nil
}

// EventCount reports how many events have been appended.
func (r *Repository) EventCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

func (r *Repository) scopedTargets(q monitor.TargetQuery) []monitor.Target {
	hints := make(map[string]struct{}, len(q.LocationHints))
	for _, h := range q.LocationHints {
		hints[monitor.NormalizeLocation(h)] = struct{}{}
	}
	ids := make(map[string]struct{}, len(q.IDs))
	for _, id := range q.IDs {
		ids[id] = struct{}{}
	}
	out := make([]monitor.Target, 0, len(r.targets))
	for _, row := range r.targets {
		if q.Scoped() {
			_, byHint := hints[monitor.NormalizeLocation(row.target.LocationHint)]
			_, byID := ids[row.target.ID]
			if !byHint && !byID {
				continue
			}
		}
		out = append(out, row.target)
	}
	return out
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
