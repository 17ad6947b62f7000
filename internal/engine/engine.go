// Package engine runs scan cycles: discover, select, check, persist, notify.
package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/practicewatch/internal/dispatcher"
	"github.com/JakeFAU/practicewatch/internal/metrics"
	"github.com/JakeFAU/practicewatch/internal/monitor"
	"github.com/JakeFAU/practicewatch/internal/notify"
	"github.com/JakeFAU/practicewatch/internal/scheduler"
	"github.com/JakeFAU/practicewatch/internal/store"
	"github.com/JakeFAU/practicewatch/internal/worker"
)

// ErrCycleInProgress is returned when a cycle is requested while another runs.
var ErrCycleInProgress = errors.New("cycle already in progress")

// Config tunes a cycle.
type Config struct {
	// BatchSize caps the targets checked per cycle.
	BatchSize int
	// Concurrency is the number of workers checking targets.
	Concurrency int
	// DiscoveryConcurrency caps groups discovered in parallel.
	DiscoveryConcurrency int
}

// Deps are the collaborators a cycle drives.
type Deps struct {
	Subscriptions monitor.SubscriptionSource
	Discoverer    monitor.Discoverer
	Targets       store.TargetStore
	Statuses      store.StatusStore
	Pipeline      *worker.Pipeline
	Notifier      *notify.Dispatcher
	Clock         monitor.Clock
	IDs           monitor.IDGenerator
	Tracer        trace.Tracer
}

// Stats summarises coverage for reporting.
type Stats struct {
	Targets         int        `json:"targets"`
	NeverChecked    int        `json:"never_checked"`
	OldestCheckedAt *time.Time `json:"oldest_checked_at,omitempty"`
}

// Engine runs one cycle at a time.
type Engine struct {
	cfg       Config
	deps      Deps
	scheduler *scheduler.Scheduler
	pool      *dispatcher.Pool
	logger    *zap.Logger
	running   sync.Mutex
}

// New validates dependencies and constructs an Engine.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	switch {
	case deps.Subscriptions == nil:
		return nil, errors.New("engine requires a subscription source")
	case deps.Discoverer == nil:
		return nil, errors.New("engine requires a discoverer")
	case deps.Targets == nil || deps.Statuses == nil:
		return nil, errors.New("engine requires target and status stores")
	case deps.Pipeline == nil:
		return nil, errors.New("engine requires a worker pipeline")
	case deps.Notifier == nil:
		return nil, errors.New("engine requires a notification dispatcher")
	case deps.Clock == nil || deps.IDs == nil:
		return nil, errors.New("engine requires a clock and an id generator")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.DiscoveryConcurrency <= 0 {
		cfg.DiscoveryConcurrency = 1
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/JakeFAU/practicewatch/internal/engine")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		deps:      deps,
		scheduler: scheduler.New(deps.Statuses),
		pool:      dispatcher.New(deps.Pipeline, cfg.Concurrency, logger),
		logger:    logger.Named("engine"),
	}, nil
}

// RunCycle discovers targets for every subscription group (only the filter
// location when set), checks one batch and notifies subscribers about
// accepting targets. Per-target failures are counted in the summary; the
// returned error is reserved for failures that stop the cycle.
func (e *Engine) RunCycle(ctx context.Context, filter string) (summary monitor.CycleSummary, err error) {
	if !e.running.TryLock() {
		return monitor.CycleSummary{}, ErrCycleInProgress
	}
	defer e.running.Unlock()

	cycleID, err := e.deps.IDs.NewID()
	if err != nil {
		return monitor.CycleSummary{}, fmt.Errorf("cycle id: %w", err)
	}
	summary = monitor.CycleSummary{CycleID: cycleID, StartedAt: e.deps.Clock.Now().UTC()}
	log := e.logger.With(zap.String("cycle_id", cycleID), zap.String("filter", filter))
	log.Info("cycle started")
	ctx, span := e.deps.Tracer.Start(ctx, "cycle", trace.WithAttributes(
		attribute.String("cycle.id", cycleID),
		attribute.String("cycle.filter", filter),
	))
	defer func() {
		summary.FinishedAt = e.deps.Clock.Now().UTC()
		metrics.ObserveCycle(summary.FinishedAt.Sub(summary.StartedAt))
		span.SetAttributes(
			attribute.Int("cycle.targets_scanned", summary.TargetsScanned),
			attribute.Int("cycle.checks_failed", summary.ChecksFailed),
			attribute.Int("cycle.status_changes", summary.StatusChanges),
			attribute.Int("cycle.notifications_sent", summary.NotificationsSent),
			attribute.Int("cycle.errors", summary.Errors),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	subs, err := e.deps.Subscriptions.ListSubscriptions(ctx)
	if err != nil {
		return summary, fmt.Errorf("list subscriptions: %w", err)
	}
	groups := monitor.GroupSubscriptions(subs, filter)

	members, upsertErrors := e.discover(ctx, groups, log)
	summary.Errors += upsertErrors

	sched := e.scheduler
	if monitor.NormalizeLocation(filter) != "" {
		sched = sched.Scoped([]string{filter}).WithTargets(memberIDs(members))
	}
	batch, err := sched.SelectBatch(ctx, e.cfg.BatchSize)
	if err != nil {
		return summary, fmt.Errorf("select batch: %w", err)
	}

	previous := e.previousStatuses(ctx, batch, log)
	outcomes := e.pool.Check(ctx, cycleID, batch)
	assessments := make(map[string]monitor.Assessment, len(outcomes))
	for _, out := range outcomes {
		summary.TargetsScanned++
		if !out.Persisted() {
			summary.Errors++
			continue
		}
		if !out.Record.OK {
			summary.ChecksFailed++
		} else if prev, ok := previous[out.Target.ID]; ok && prev.OK && prev.Status != out.Record.Status {
			summary.StatusChanges++
			metrics.ObserveStatusChange(string(prev.Status), string(out.Record.Status))
			log.Info("status changed",
				zap.String("target_id", out.Target.ID),
				zap.String("from", string(prev.Status)),
				zap.String("to", string(out.Record.Status)),
			)
		}
		assessments[out.Target.ID] = monitor.Assessment{Target: out.Target, Record: out.Record}
	}

	notifyCtx := context.WithoutCancel(ctx)
	for _, group := range groups {
		verdicts := groupVerdicts(group, members[group.Key()], assessments)
		for _, attempt := range e.deps.Notifier.MaybeNotify(notifyCtx, group, verdicts) {
			if attempt.Sent {
				summary.NotificationsSent++
			}
			if attempt.Err != nil {
				summary.Errors++
			}
		}
	}

	log.Info("cycle finished",
		zap.Int("groups", len(groups)),
		zap.Int("targets_scanned", summary.TargetsScanned),
		zap.Int("checks_failed", summary.ChecksFailed),
		zap.Int("status_changes", summary.StatusChanges),
		zap.Int("notifications_sent", summary.NotificationsSent),
		zap.Int("errors", summary.Errors),
	)
	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("cycle interrupted: %w", err)
	}
	return summary, nil
}

// previousStatuses loads the latest records for the batch before it is
// re-checked. A read failure only disables change tracking for the cycle.
func (e *Engine) previousStatuses(ctx context.Context, batch []monitor.Target, log *zap.Logger) map[string]monitor.StatusRecord {
	if len(batch) == 0 {
		return nil
	}
	ids := make([]string, 0, len(batch))
	for _, t := range batch {
		ids = append(ids, t.ID)
	}
	previous, err := e.deps.Statuses.LatestStatuses(ctx, ids)
	if err != nil {
		log.Warn("previous statuses unavailable; status changes not tracked", zap.Error(err))
		return nil
	}
	return previous
}

// discover upserts the candidates of every group and returns the IDs found
// per group key together with the number of failed upserts.
func (e *Engine) discover(ctx context.Context, groups []monitor.Group, log *zap.Logger) (map[string]map[string]struct{}, int) {
	var (
		mu       sync.Mutex
		members  = make(map[string]map[string]struct{}, len(groups))
		failures int
	)
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.DiscoveryConcurrency)
	for _, group := range groups {
		g.Go(func() error {
			candidates := e.deps.Discoverer.Discover(ctx, group.LocationHint, group.Radius)
			seenAt := e.deps.Clock.Now().UTC()
			found := make(map[string]struct{}, len(candidates))
			failed := 0
			for _, c := range candidates {
				if err := e.deps.Targets.UpsertTarget(ctx, c.Target(group.LocationHint), seenAt); err != nil {
					failed++
					log.Warn("upsert target failed", zap.String("target_id", c.ID), zap.Error(err))
					continue
				}
				found[c.ID] = struct{}{}
			}
			log.Debug("group discovered",
				zap.String("group", group.Key()),
				zap.Int("candidates", len(candidates)),
			)
			mu.Lock()
			members[group.Key()] = found
			failures += failed
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return members, failures
}

// memberIDs flattens discovered members into a sorted ID list.
func memberIDs(members map[string]map[string]struct{}) []string {
	seen := make(map[string]struct{})
	for _, found := range members {
		for id := range found {
			seen[id] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// groupVerdicts picks the assessments that belong to a group: the targets its
// discovery returned this cycle, or those filed under its location when
// discovery found nothing.
func groupVerdicts(
	group monitor.Group,
	members map[string]struct{},
	assessments map[string]monitor.Assessment,
) map[string]monitor.Assessment {
	out := make(map[string]monitor.Assessment)
	location := monitor.NormalizeLocation(group.LocationHint)
	for id, a := range assessments {
		if len(members) > 0 {
			if _, ok := members[id]; ok {
				out[id] = a
			}
			continue
		}
		if monitor.NormalizeLocation(a.Target.LocationHint) == location {
			out[id] = a
		}
	}
	return out
}

// Stats reports coverage, scoped to a location when filter is set.
func (e *Engine) Stats(ctx context.Context, filter string) (Stats, error) {
	sched := e.scheduler
	query := monitor.TargetQuery{}
	if hint := monitor.NormalizeLocation(filter); hint != "" {
		sched = sched.Scoped([]string{hint})
		query.LocationHints = []string{hint}
	}
	targets, err := e.deps.Targets.ListTargets(ctx, query)
	if err != nil {
		return Stats{}, fmt.Errorf("list targets: %w", err)
	}
	pending, err := sched.Pending(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Targets: len(targets), NeverChecked: pending}
	oldest, ok, err := sched.OldestCheckedAt(ctx)
	if err != nil {
		return Stats{}, err
	}
	if ok {
		stats.OldestCheckedAt = &oldest
	}
	return stats, nil
}
