// Package sqlite implements the status store and notification ledger on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/practicewatch/internal/migrations"
	"github.com/JakeFAU/practicewatch/internal/monitor"
)

// Repository implements store.Repository on a single SQLite database.
// Timestamps are stored as Unix nanoseconds so ordering is numeric.
type Repository struct {
	db *sql.DB
}

// Open opens the database at path (":memory:" for an ephemeral store) and applies migrations.
func Open(ctx context.Context, path string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db.path is required")
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := migrations.Up(ctx, db, migrations.SQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)"
}

// DB exposes the underlying handle for migrations and diagnostics.
func (r *Repository) DB() *sql.DB {
	return r.db
}

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close closes the database.
func (r *Repository) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// UpsertTarget inserts or refreshes a target, keeping the first location hint.
func (r *Repository) UpsertTarget(ctx context.Context, target monitor.Target, seenAt time.Time) error {
	if target.ID == "" {
		return &monitor.PersistenceError{Op: "upsert target", Err: errors.New("target id is required")}
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO targets (id, display_name, location_hint, canonical_url, first_seen_at, last_seen_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	display_name  = COALESCE(NULLIF(excluded.display_name, ''), targets.display_name),
	canonical_url = COALESCE(NULLIF(excluded.canonical_url, ''), targets.canonical_url),
	last_seen_at  = MAX(targets.last_seen_at, excluded.last_seen_at)`,
		target.ID,
		target.DisplayName,
		monitor.NormalizeLocation(target.LocationHint),
		target.CanonicalURL,
		seenAt.UnixNano(),
		seenAt.UnixNano(),
	)
	if err != nil {
		return &monitor.PersistenceError{Op: "upsert target", Err: err}
	}
	return nil
}

const targetColumns = `t.id, t.display_name, t.location_hint, t.canonical_url`

// GetTarget returns a target by ID.
func (r *Repository) GetTarget(ctx context.Context, id string) (monitor.Target, error) {
	var t monitor.Target
	err := r.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets t WHERE t.id = ?`, id).
		Scan(&t.ID, &t.DisplayName, &t.LocationHint, &t.CanonicalURL)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Target{}, fmt.Errorf("target %s: %w", id, monitor.ErrNotFound)
	}
	if err != nil {
		return monitor.Target{}, &monitor.PersistenceError{Op: "get target", Err: err}
	}
	return t, nil
}

// ListTargets returns targets in scope ordered by ID.
func (r *Repository) ListTargets(ctx context.Context, q monitor.TargetQuery) ([]monitor.Target, error) {
	where, args := scope(q)
	return r.queryTargets(ctx, "list targets",
		`SELECT `+targetColumns+` FROM targets t WHERE 1=1`+where+` ORDER BY t.id`+limitClause(q), args...)
}

// NeverChecked lists targets without a latest status, ordered by ID.
func (r *Repository) NeverChecked(ctx context.Context, q monitor.TargetQuery) ([]monitor.Target, error) {
	where, args := scope(q)
	return r.queryTargets(ctx, "list never checked", `SELECT `+targetColumns+` FROM targets t
LEFT JOIN status_latest s ON s.target_id = t.id
WHERE s.target_id IS NULL`+where+` ORDER BY t.id`+limitClause(q), args...)
}

// StalestChecked lists checked targets, oldest check first.
func (r *Repository) StalestChecked(ctx context.Context, q monitor.TargetQuery) ([]monitor.Target, error) {
	where, args := scope(q)
	return r.queryTargets(ctx, "list stalest", `SELECT `+targetColumns+` FROM targets t
JOIN status_latest s ON s.target_id = t.id
WHERE 1=1`+where+` ORDER BY s.checked_at, t.id`+limitClause(q), args...)
}

// CountNeverChecked counts unchecked targets in scope.
func (r *Repository) CountNeverChecked(ctx context.Context, q monitor.TargetQuery) (int, error) {
	where, args := scope(q)
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM targets t
LEFT JOIN status_latest s ON s.target_id = t.id
WHERE s.target_id IS NULL`+where, args...).Scan(&n)
	if err != nil {
		return 0, &monitor.PersistenceError{Op: "count never checked", Err: err}
	}
	return n, nil
}

// OldestCheckedAt reports the oldest latest check in scope.
func (r *Repository) OldestCheckedAt(ctx context.Context, q monitor.TargetQuery) (time.Time, bool, error) {
	where, args := scope(q)
	var oldest sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT MIN(s.checked_at) FROM status_latest s
JOIN targets t ON t.id = s.target_id
WHERE 1=1`+where, args...).Scan(&oldest)
	if err != nil {
		return time.Time{}, false, &monitor.PersistenceError{Op: "oldest checked", Err: err}
	}
	if !oldest.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(oldest.Int64), true, nil
}

// RecordCheck upserts the latest row and appends an event in one transaction.
func (r *Repository) RecordCheck(ctx context.Context, rec monitor.StatusRecord) error {
	if rec.TargetID == "" {
		return &monitor.PersistenceError{Op: "record check", Err: errors.New("target id is required")}
	}
	args := recordArgs(rec)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &monitor.PersistenceError{Op: "begin record check", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO status_latest (target_id, status, partial, evidence, source, reason_code, checked_at, ok, error, snapshot_uri)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (target_id) DO UPDATE SET
	status = excluded.status,
	partial = excluded.partial,
	evidence = excluded.evidence,
	source = excluded.source,
	reason_code = excluded.reason_code,
	checked_at = excluded.checked_at,
	ok = excluded.ok,
	error = excluded.error,
	snapshot_uri = excluded.snapshot_uri
WHERE status_latest.checked_at <= excluded.checked_at`, args...); err != nil {
		_ = tx.Rollback()
		return &monitor.PersistenceError{Op: "upsert status_latest", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO status_events (target_id, status, partial, evidence, source, reason_code, checked_at, ok, error, snapshot_uri)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
		_ = tx.Rollback()
		return &monitor.PersistenceError{Op: "insert status_event", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &monitor.PersistenceError{Op: "commit record check", Err: err}
	}
	return nil
}

const statusColumns = `target_id, status, partial, evidence, source, reason_code, checked_at, ok, error, snapshot_uri`

type scanner interface {
	Scan(dest ...any) error
}

// LatestStatus returns the latest record for a target.
func (r *Repository) LatestStatus(ctx context.Context, targetID string) (monitor.StatusRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+statusColumns+` FROM status_latest WHERE target_id = ?`, targetID)
	rec, err := scanStatus(row, nil)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.StatusRecord{}, fmt.Errorf("status %s: %w", targetID, monitor.ErrNotFound)
	}
	if err != nil {
		return monitor.StatusRecord{}, &monitor.PersistenceError{Op: "latest status", Err: err}
	}
	return rec, nil
}

// LatestStatuses returns latest records keyed by target ID; missing targets are omitted.
func (r *Repository) LatestStatuses(ctx context.Context, targetIDs []string) (map[string]monitor.StatusRecord, error) {
	out := make(map[string]monitor.StatusRecord, len(targetIDs))
	if len(targetIDs) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(targetIDs))
	for _, id := range targetIDs {
		args = append(args, id)
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+statusColumns+` FROM status_latest WHERE target_id IN (`+
		placeholders(len(args))+`)`, args...)
	if err != nil {
		return nil, &monitor.PersistenceError{Op: "latest statuses", Err: err}
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		rec, err := scanStatus(rows, nil)
		if err != nil {
			return nil, &monitor.PersistenceError{Op: "scan latest status", Err: err}
		}
		out[rec.TargetID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, &monitor.PersistenceError{Op: "latest statuses", Err: err}
	}
	return out, nil
}

// ListEvents returns the newest events for a target first.
func (r *Repository) ListEvents(ctx context.Context, targetID string, limit int) ([]monitor.StatusEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, `+statusColumns+` FROM status_events
WHERE target_id = ? ORDER BY checked_at DESC, id DESC LIMIT ?`, targetID, limit)
	if err != nil {
		return nil, &monitor.PersistenceError{Op: "list events", Err: err}
	}
	defer func() { _ = rows.Close() }()
	var events []monitor.StatusEvent
	for rows.Next() {
		var id int64
		rec, err := scanStatus(rows, &id)
		if err != nil {
			return nil, &monitor.PersistenceError{Op: "scan event", Err: err}
		}
		events = append(events, monitor.StatusEvent{ID: id, StatusRecord: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, &monitor.PersistenceError{Op: "list events", Err: err}
	}
	return events, nil
}

// RecentEntries lists ledger entries for (recipient, windowKey) since the given time.
func (r *Repository) RecentEntries(
	ctx context.Context,
	recipient, windowKey string,
	since time.Time,
) ([]monitor.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, recipient, window_key, disclosed_target_ids, sent_at
FROM notification_ledger
WHERE recipient = ? AND window_key = ? AND sent_at >= ?
ORDER BY sent_at`, recipient, windowKey, since.UnixNano())
	if err != nil {
		return nil, &monitor.PersistenceError{Op: "read ledger", Err: err}
	}
	defer func() { _ = rows.Close() }()
	var entries []monitor.LedgerEntry
	for rows.Next() {
		var (
			e         monitor.LedgerEntry
			disclosed string
			sentAt    int64
		)
		if err := rows.Scan(&e.ID, &e.Recipient, &e.WindowKey, &disclosed, &sentAt); err != nil {
			return nil, &monitor.PersistenceError{Op: "scan ledger", Err: err}
		}
		if err := json.Unmarshal([]byte(disclosed), &e.DisclosedTargetIDs); err != nil {
			return nil, &monitor.PersistenceError{Op: "decode disclosed ids", Err: err}
		}
		e.SentAt = fromNanos(sentAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &monitor.PersistenceError{Op: "read ledger", Err: err}
	}
	return entries, nil
}

// AppendEntry records a successful notification.
func (r *Repository) AppendEntry(ctx context.Context, entry monitor.LedgerEntry) error {
	ids := entry.DisclosedTargetIDs
	if ids == nil {
		ids = []string{}
	}
	disclosed, err := json.Marshal(ids)
	if err != nil {
		return &monitor.PersistenceError{Op: "encode disclosed ids", Err: err}
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO notification_ledger (recipient, window_key, disclosed_target_ids, sent_at)
VALUES (?, ?, ?, ?)`, entry.Recipient, entry.WindowKey, string(disclosed), entry.SentAt.UnixNano())
	if err != nil {
		return &monitor.PersistenceError{Op: "append ledger entry", Err: err}
	}
	return nil
}

// AddSubscription inserts a subscription row.
func (r *Repository) AddSubscription(ctx context.Context, sub monitor.Subscription) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO subscriptions (recipient, location_hint, radius) VALUES (?, ?, ?)`,
		sub.Recipient, sub.LocationHint, sub.Radius)
	if err != nil {
		return &monitor.PersistenceError{Op: "add subscription", Err: err}
	}
	return nil
}

// ClaimTargets reserves targets for a notification inside one transaction.
// An existing claim is only taken over once it is older than since.
func (r *Repository) ClaimTargets(
	ctx context.Context,
	recipient, windowKey, claimID string,
	targetIDs []string,
	at, since time.Time,
) ([]string, error) {
	if len(targetIDs) == 0 {
		return nil, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &monitor.PersistenceError{Op: "begin claim", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	claimed := make([]string, 0, len(targetIDs))
	for _, id := range targetIDs {
		var got string
		err := tx.QueryRowContext(ctx, `INSERT INTO notification_claims (recipient, window_key, target_id, claim_id, claimed_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (recipient, window_key, target_id) DO UPDATE
SET claim_id = excluded.claim_id, claimed_at = excluded.claimed_at
WHERE notification_claims.claimed_at < ?
RETURNING target_id`, recipient, windowKey, id, claimID, at.UnixNano(), since.UnixNano()).Scan(&got)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, &monitor.PersistenceError{Op: "claim targets", Err: err}
		}
		claimed = append(claimed, got)
	}
	if err := tx.Commit(); err != nil {
		return nil, &monitor.PersistenceError{Op: "commit claim", Err: err}
	}
	slices.Sort(claimed)
	return claimed, nil
}

// ReleaseClaims deletes the reservations made under claimID.
func (r *Repository) ReleaseClaims(ctx context.Context, recipient, windowKey, claimID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM notification_claims
WHERE recipient = ? AND window_key = ? AND claim_id = ?`, recipient, windowKey, claimID)
	if err != nil {
		return &monitor.PersistenceError{Op: "release claims", Err: err}
	}
	return nil
}

// ListSubscriptions reads the subscriptions table.
func (r *Repository) ListSubscriptions(ctx context.Context) ([]monitor.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT recipient, location_hint, radius FROM subscriptions ORDER BY id`)
	if err != nil {
		return nil, &monitor.PersistenceError{Op: "list subscriptions", Err: err}
	}
	defer func() { _ = rows.Close() }()
	var subs []monitor.Subscription
	for rows.Next() {
		var s monitor.Subscription
		if err := rows.Scan(&s.Recipient, &s.LocationHint, &s.Radius); err != nil {
			return nil, &monitor.PersistenceError{Op: "scan subscription", Err: err}
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, &monitor.PersistenceError{Op: "list subscriptions", Err: err}
	}
	return subs, nil
}

func (r *Repository) queryTargets(ctx context.Context, op, query string, args ...any) ([]monitor.Target, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &monitor.PersistenceError{Op: op, Err: err}
	}
	defer func() { _ = rows.Close() }()
	var targets []monitor.Target
	for rows.Next() {
		var t monitor.Target
		if err := rows.Scan(&t.ID, &t.DisplayName, &t.LocationHint, &t.CanonicalURL); err != nil {
			return nil, &monitor.PersistenceError{Op: op, Err: err}
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &monitor.PersistenceError{Op: op, Err: err}
	}
	return targets, nil
}

// scanStatus reads statusColumns, optionally preceded by an event id.
func scanStatus(row scanner, id *int64) (monitor.StatusRecord, error) {
	var (
		rec       monitor.StatusRecord
		status    string
		source    string
		checkedAt int64
		errText   sql.NullString
		snapshot  sql.NullString
	)
	dest := []any{&rec.TargetID, &status, &rec.Partial, &rec.Evidence, &source,
		&rec.ReasonCode, &checkedAt, &rec.OK, &errText, &snapshot}
	if id != nil {
		dest = append([]any{id}, dest...)
	}
	if err := row.Scan(dest...); err != nil {
		return monitor.StatusRecord{}, err
	}
	rec.Status = monitor.Status(status)
	rec.Source = monitor.Source(source)
	rec.CheckedAt = fromNanos(checkedAt)
	rec.Error = errText.String
	rec.SnapshotURI = snapshot.String
	return rec, nil
}

func recordArgs(rec monitor.StatusRecord) []any {
	return []any{
		rec.TargetID,
		string(rec.Status),
		rec.Partial,
		rec.Evidence,
		string(rec.Source),
		rec.ReasonCode,
		rec.CheckedAt.UnixNano(),
		rec.OK,
		nullString(rec.Error),
		nullString(rec.SnapshotURI),
	}
}

func scope(q monitor.TargetQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(q.LocationHints) > 0 {
		for _, h := range q.LocationHints {
			args = append(args, monitor.NormalizeLocation(h))
		}
		conds = append(conds, `t.location_hint IN (`+placeholders(len(q.LocationHints))+`)`)
	}
	if len(q.IDs) > 0 {
		for _, id := range q.IDs {
			args = append(args, id)
		}
		conds = append(conds, `t.id IN (`+placeholders(len(q.IDs))+`)`)
	}
	switch len(conds) {
	case 0:
		return "", nil
	case 1:
		return " AND " + conds[0], args
	default:
		return " AND (" + strings.Join(conds, " OR ") + ")", args
	}
}

func limitClause(q monitor.TargetQuery) string {
	if q.Limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", q.Limit)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: strings.TrimSpace(s) != ""}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
