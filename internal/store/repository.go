package store

import (
	"context"
	"time"

	"github.com/JakeFAU/practicewatch/internal/monitor"
)

// TargetStore persists monitored targets.
type TargetStore interface {
	// UpsertTarget inserts a target on first sighting. Later sightings refresh
	// the display name and canonical URL but keep the original location hint.
	UpsertTarget(ctx context.Context, target monitor.Target, seenAt time.Time) error
	GetTarget(ctx context.Context, id string) (monitor.Target, error)
	ListTargets(ctx context.Context, q monitor.TargetQuery) ([]monitor.Target, error)
}

// StatusStore persists the latest status per target and the check history.
type StatusStore interface {
	// RecordCheck upserts the latest row (only when rec.CheckedAt is not older
	// than the stored value) and appends an event, atomically. Failures are
	// reported as *monitor.PersistenceError.
	RecordCheck(ctx context.Context, rec monitor.StatusRecord) error
	LatestStatus(ctx context.Context, targetID string) (monitor.StatusRecord, error)
	LatestStatuses(ctx context.Context, targetIDs []string) (map[string]monitor.StatusRecord, error)
	// NeverChecked lists targets without a latest row, ordered by ID.
	NeverChecked(ctx context.Context, q monitor.TargetQuery) ([]monitor.Target, error)
	// StalestChecked lists checked targets ordered by checked_at ascending, ties by ID.
	StalestChecked(ctx context.Context, q monitor.TargetQuery) ([]monitor.Target, error)
	// OldestCheckedAt reports the oldest checked_at among checked targets; ok is
	// false when nothing has been checked.
	OldestCheckedAt(ctx context.Context, q monitor.TargetQuery) (oldest time.Time, ok bool, err error)
	CountNeverChecked(ctx context.Context, q monitor.TargetQuery) (int, error)
	// ListEvents returns the newest events for a target first.
	ListEvents(ctx context.Context, targetID string, limit int) ([]monitor.StatusEvent, error)
}

// Ledger persists successful notifications for cooldown decisions.
type Ledger interface {
	// RecentEntries lists entries for (recipient, windowKey) sent at or after since.
	RecentEntries(ctx context.Context, recipient, windowKey string, since time.Time) ([]monitor.LedgerEntry, error)
	AppendEntry(ctx context.Context, entry monitor.LedgerEntry) error
	// ClaimTargets atomically reserves targetIDs for (recipient, windowKey)
	// under claimID and returns the IDs it reserved. A target claimed at or
	// after since by anyone is not returned, so concurrent dispatchers sharing
	// the store never both disclose it.
	ClaimTargets(
		ctx context.Context,
		recipient, windowKey, claimID string,
		targetIDs []string,
		at, since time.Time,
	) ([]string, error)
	// ReleaseClaims drops the reservations made under claimID.
	ReleaseClaims(ctx context.Context, recipient, windowKey, claimID string) error
}

// Repository is the full persistence surface used by the engine.
type Repository interface {
	TargetStore
	StatusStore
	Ledger
	monitor.SubscriptionSource
	Ping(ctx context.Context) error
	Close() error
}
