// Package postgres implements the status store and notification ledger on Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/JakeFAU/practicewatch/internal/migrations"
	"github.com/JakeFAU/practicewatch/internal/monitor"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the repository uses; pgxmock satisfies it in tests.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Repository implements store.Repository on a pgx pool.
type Repository struct {
	pool pool
	raw  *pgxpool.Pool
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Repository, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Repository{pool: p, raw: p}, nil
}

// NewWithPool wraps an existing pool (primarily for testing).
func NewWithPool(p pool) (*Repository, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Repository{pool: p}, nil
}

// Migrate applies the embedded schema through goose.
func (r *Repository) Migrate(ctx context.Context) ([]int64, error) {
	if r.raw == nil {
		return nil, fmt.Errorf("migrations require a live pgx pool")
	}
	db := stdlib.OpenDBFromPool(r.raw)
	defer func() { _ = db.Close() }()
	return migrations.Up(ctx, db, migrations.Postgres)
}

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

const upsertTargetSQL = `
INSERT INTO targets (id, display_name, location_hint, canonical_url, first_seen_at, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (id) DO UPDATE SET
	display_name  = COALESCE(NULLIF(EXCLUDED.display_name, ''), targets.display_name),
	canonical_url = COALESCE(NULLIF(EXCLUDED.canonical_url, ''), targets.canonical_url),
	last_seen_at  = GREATEST(targets.last_seen_at, EXCLUDED.last_seen_at)`

// UpsertTarget inserts or refreshes a target, keeping the first location hint.
func (r *Repository) UpsertTarget(ctx context.Context, target monitor.Target, seenAt time.Time) error {
	if target.ID == "" {
		return &monitor.PersistenceError{Op: "upsert target", Err: errors.New("target id is required")}
	}
	_, err := r.pool.Exec(ctx, upsertTargetSQL,
		target.ID,
		target.DisplayName,
		monitor.NormalizeLocation(target.LocationHint),
		target.CanonicalURL,
		seenAt.UTC(),
	)
	if err != nil {
		return &monitor.PersistenceError{Op: "upsert target", Err: err}
	}
	return nil
}

const targetColumns = `t.id, t.display_name, t.location_hint, t.canonical_url`

// GetTarget returns a target by ID.
func (r *Repository) GetTarget(ctx context.Context, id string) (monitor.Target, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets t WHERE t.id = $1`, id)
	var t monitor.Target
	if err := row.Scan(&t.ID, &t.DisplayName, &t.LocationHint, &t.CanonicalURL); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return monitor.Target{}, fmt.Errorf("target %s: %w", id, monitor.ErrNotFound)
		}
		return monitor.Target{}, &monitor.PersistenceError{Op: "get target", Err: err}
	}
	return t, nil
}

// ListTargets returns targets in scope ordered by ID.
func (r *Repository) ListTargets(ctx context.Context, q monitor.TargetQuery) ([]monitor.Target, error) {
	where, args := scope(q, nil)
	sql := `SELECT ` + targetColumns + ` FROM targets t WHERE TRUE` + where + ` ORDER BY t.id` + limitClause(q)
	return r.queryTargets(ctx, "list targets", sql, args...)
}

// NeverChecked lists targets without a latest status, ordered by ID.
func (r *Repository) NeverChecked(ctx context.Context, q monitor.TargetQuery) ([]monitor.Target, error) {
	where, args := scope(q, nil)
	sql := `SELECT ` + targetColumns + ` FROM targets t
LEFT JOIN status_latest s ON s.target_id = t.id
WHERE s.target_id IS NULL` + where + ` ORDER BY t.id` + limitClause(q)
	return r.queryTargets(ctx, "list never checked", sql, args...)
}

// StalestChecked lists checked targets, oldest check first.
func (r *Repository) StalestChecked(ctx context.Context, q monitor.TargetQuery) ([]monitor.Target, error) {
	where, args := scope(q, nil)
	sql := `SELECT ` + targetColumns + ` FROM targets t
JOIN status_latest s ON s.target_id = t.id
WHERE TRUE` + where + ` ORDER BY s.checked_at, t.id` + limitClause(q)
	return r.queryTargets(ctx, "list stalest", sql, args...)
}

// CountNeverChecked counts unchecked targets in scope.
func (r *Repository) CountNeverChecked(ctx context.Context, q monitor.TargetQuery) (int, error) {
	where, args := scope(q, nil)
	sql := `SELECT COUNT(*) FROM targets t
LEFT JOIN status_latest s ON s.target_id = t.id
WHERE s.target_id IS NULL` + where
	var n int
	if err := r.pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, &monitor.PersistenceError{Op: "count never checked", Err: err}
	}
	return n, nil
}

// OldestCheckedAt reports the oldest latest check in scope.
func (r *Repository) OldestCheckedAt(ctx context.Context, q monitor.TargetQuery) (time.Time, bool, error) {
	where, args := scope(q, nil)
	sql := `SELECT MIN(s.checked_at) FROM status_latest s
JOIN targets t ON t.id = s.target_id
WHERE TRUE` + where
	var oldest *time.Time
	if err := r.pool.QueryRow(ctx, sql, args...).Scan(&oldest); err != nil {
		return time.Time{}, false, &monitor.PersistenceError{Op: "oldest checked", Err: err}
	}
	if oldest == nil {
		return time.Time{}, false, nil
	}
	return oldest.UTC(), true, nil
}

const upsertLatestSQL = `
INSERT INTO status_latest (target_id, status, partial, evidence, source, reason_code, checked_at, ok, error, snapshot_uri)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (target_id) DO UPDATE SET
	status = EXCLUDED.status,
	partial = EXCLUDED.partial,
	evidence = EXCLUDED.evidence,
	source = EXCLUDED.source,
	reason_code = EXCLUDED.reason_code,
	checked_at = EXCLUDED.checked_at,
	ok = EXCLUDED.ok,
	error = EXCLUDED.error,
	snapshot_uri = EXCLUDED.snapshot_uri
WHERE status_latest.checked_at <= EXCLUDED.checked_at`

const insertEventSQL = `
INSERT INTO status_events (target_id, status, partial, evidence, source, reason_code, checked_at, ok, error, snapshot_uri)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// RecordCheck upserts the latest row and appends an event in one transaction.
func (r *Repository) RecordCheck(ctx context.Context, rec monitor.StatusRecord) error {
	if rec.TargetID == "" {
		return &monitor.PersistenceError{Op: "record check", Err: errors.New("target id is required")}
	}
	args := recordArgs(rec)
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return &monitor.PersistenceError{Op: "begin record check", Err: err}
	}
	if _, err := tx.Exec(ctx, upsertLatestSQL, args...); err != nil {
		_ = tx.Rollback(ctx)
		return &monitor.PersistenceError{Op: "upsert status_latest", Err: err}
	}
	if _, err := tx.Exec(ctx, insertEventSQL, args...); err != nil {
		_ = tx.Rollback(ctx)
		return &monitor.PersistenceError{Op: "insert status_event", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &monitor.PersistenceError{Op: "commit record check", Err: err}
	}
	return nil
}

const statusColumns = `target_id, status, partial, evidence, source, reason_code, checked_at, ok, error, snapshot_uri`

// LatestStatus returns the latest record for a target.
func (r *Repository) LatestStatus(ctx context.Context, targetID string) (monitor.StatusRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+statusColumns+` FROM status_latest WHERE target_id = $1`, targetID)
	rec, err := scanStatus(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return monitor.StatusRecord{}, fmt.Errorf("status %s: %w", targetID, monitor.ErrNotFound)
		}
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
	rows, err := r.pool.Query(ctx, `SELECT `+statusColumns+` FROM status_latest WHERE target_id = ANY($1)`, targetIDs)
	if err != nil {
		return nil, &monitor.PersistenceError{Op: "latest statuses", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanStatus(rows)
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
	rows, err := r.pool.Query(ctx, `SELECT id, `+statusColumns+` FROM status_events
WHERE target_id = $1 ORDER BY checked_at DESC, id DESC LIMIT $2`, targetID, limit)
	if err != nil {
		return nil, &monitor.PersistenceError{Op: "list events", Err: err}
	}
	defer rows.Close()
	var events []monitor.StatusEvent
	for rows.Next() {
		var (
			ev       monitor.StatusEvent
			errText  *string
			snapshot *string
			status   string
			source   string
		)
		if err := rows.Scan(&ev.ID, &ev.TargetID, &status, &ev.Partial, &ev.Evidence, &source,
			&ev.ReasonCode, &ev.CheckedAt, &ev.OK, &errText, &snapshot); err != nil {
			return nil, &monitor.PersistenceError{Op: "scan event", Err: err}
		}
		ev.Status = monitor.Status(status)
		ev.Source = monitor.Source(source)
		ev.Error = deref(errText)
		ev.SnapshotURI = deref(snapshot)
		ev.CheckedAt = ev.CheckedAt.UTC()
		events = append(events, ev)
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
	rows, err := r.pool.Query(ctx, `SELECT id, recipient, window_key, disclosed_target_ids, sent_at
FROM notification_ledger
WHERE recipient = $1 AND window_key = $2 AND sent_at >= $3
ORDER BY sent_at`, recipient, windowKey, since.UTC())
	if err != nil {
		return nil, &monitor.PersistenceError{Op: "read ledger", Err: err}
	}
	defer rows.Close()
	var entries []monitor.LedgerEntry
	for rows.Next() {
		var (
			e         monitor.LedgerEntry
			disclosed []byte
		)
		if err := rows.Scan(&e.ID, &e.Recipient, &e.WindowKey, &disclosed, &e.SentAt); err != nil {
			return nil, &monitor.PersistenceError{Op: "scan ledger", Err: err}
		}
		if err := json.Unmarshal(disclosed, &e.DisclosedTargetIDs); err != nil {
			return nil, &monitor.PersistenceError{Op: "decode disclosed ids", Err: err}
		}
		e.SentAt = e.SentAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &monitor.PersistenceError{Op: "read ledger", Err: err}
	}
	return entries, nil
}

// AppendEntry records a successful notification.
func (r *Repository) AppendEntry(ctx context.Context, entry monitor.LedgerEntry) error {
	disclosed, err := json.Marshal(nonNil(entry.DisclosedTargetIDs))
	if err != nil {
		return &monitor.PersistenceError{Op: "encode disclosed ids", Err: err}
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO notification_ledger (recipient, window_key, disclosed_target_ids, sent_at)
VALUES ($1, $2, $3, $4)`, entry.Recipient, entry.WindowKey, disclosed, entry.SentAt.UTC())
	if err != nil {
		return &monitor.PersistenceError{Op: "append ledger entry", Err: err}
	}
	return nil
}

// ClaimTargets reserves targets for a notification. An existing claim is only
// taken over once it is older than since.
func (r *Repository) ClaimTargets(
	ctx context.Context,
	recipient, windowKey, claimID string,
	targetIDs []string,
	at, since time.Time,
) ([]string, error) {
	if len(targetIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `INSERT INTO notification_claims (recipient, window_key, target_id, claim_id, claimed_at)
SELECT $1::text, $2::text, id, $4::text, $5::timestamptz FROM unnest($3::text[]) AS id
ON CONFLICT (recipient, window_key, target_id) DO UPDATE
SET claim_id = EXCLUDED.claim_id, claimed_at = EXCLUDED.claimed_at
WHERE notification_claims.claimed_at < $6
RETURNING target_id`, recipient, windowKey, targetIDs, claimID, at.UTC(), since.UTC())
	if err != nil {
		return nil, &monitor.PersistenceError{Op: "claim targets", Err: err}
	}
	defer rows.Close()
	var claimed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &monitor.PersistenceError{Op: "scan claim", Err: err}
		}
		claimed = append(claimed, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &monitor.PersistenceError{Op: "claim targets", Err: err}
	}
	slices.Sort(claimed)
	return claimed, nil
}

// ReleaseClaims deletes the reservations made under claimID.
func (r *Repository) ReleaseClaims(ctx context.Context, recipient, windowKey, claimID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM notification_claims
WHERE recipient = $1 AND window_key = $2 AND claim_id = $3`, recipient, windowKey, claimID)
	if err != nil {
		return &monitor.PersistenceError{Op: "release claims", Err: err}
	}
	return nil
}

// ListSubscriptions reads the subscriptions table.
func (r *Repository) ListSubscriptions(ctx context.Context) ([]monitor.Subscription, error) {
	rows, err := r.pool.Query(ctx, `SELECT recipient, location_hint, radius FROM subscriptions ORDER BY id`)
	if err != nil {
		return nil, &monitor.PersistenceError{Op: "list subscriptions", Err: err}
	}
	defer rows.Close()
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

func (r *Repository) queryTargets(ctx context.Context, op, sql string, args ...any) ([]monitor.Target, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, &monitor.PersistenceError{Op: op, Err: err}
	}
	defer rows.Close()
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

func scanStatus(row pgx.Row) (monitor.StatusRecord, error) {
	var (
		rec      monitor.StatusRecord
		status   string
		source   string
		errText  *string
		snapshot *string
	)
	if err := row.Scan(&rec.TargetID, &status, &rec.Partial, &rec.Evidence, &source,
		&rec.ReasonCode, &rec.CheckedAt, &rec.OK, &errText, &snapshot); err != nil {
		return monitor.StatusRecord{}, err
	}
	rec.Status = monitor.Status(status)
	rec.Source = monitor.Source(source)
	rec.Error = deref(errText)
	rec.SnapshotURI = deref(snapshot)
	rec.CheckedAt = rec.CheckedAt.UTC()
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
		rec.CheckedAt.UTC(),
		rec.OK,
		nullable(rec.Error),
		nullable(rec.SnapshotURI),
	}
}

func scope(q monitor.TargetQuery, args []any) (string, []any) {
	var conds []string
	if len(q.LocationHints) > 0 {
		hints := make([]string, 0, len(q.LocationHints))
		for _, h := range q.LocationHints {
			hints = append(hints, monitor.NormalizeLocation(h))
		}
		args = append(args, hints)
		conds = append(conds, fmt.Sprintf("t.location_hint = ANY($%d)", len(args)))
	}
	if len(q.IDs) > 0 {
		args = append(args, q.IDs)
		conds = append(conds, fmt.Sprintf("t.id = ANY($%d)", len(args)))
	}
	switch len(conds) {
	case 0:
		return "", args
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

func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
