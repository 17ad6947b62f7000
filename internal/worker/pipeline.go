package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/practicewatch/internal/metrics"
	"github.com/JakeFAU/practicewatch/internal/monitor"
	"github.com/JakeFAU/practicewatch/internal/queue"
	"github.com/JakeFAU/practicewatch/internal/store"
)

// Classifier derives a verdict from a fetched HTML body.
type Classifier interface {
	ClassifyHTML(body []byte) monitor.Verdict
}

// Config controls the per-target pipeline.
type Config struct {
	// SaveSnapshots archives the page that produced each verdict.
	SaveSnapshots  bool
	SnapshotPrefix string
	ContentType    string
}

// Deps bundles the collaborators shared by every worker of a pool.
type Deps struct {
	Fetcher    monitor.Fetcher
	Classifier Classifier
	Statuses   store.StatusStore
	Clock      monitor.Clock
	Retry      *RetryPolicy
	// Blobs and Hasher are only used when snapshots are enabled.
	Blobs  monitor.BlobStore
	Hasher monitor.Hasher
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

// Outcome is the result of checking one target.
type Outcome struct {
	CycleID string
	Target  monitor.Target
	Record  monitor.StatusRecord
	// Err is set when the record could not be persisted. Such a check must not
	// trigger a notification.
	Err error
}

// Persisted reports whether the record was durably stored.
func (o Outcome) Persisted() bool {
	return o.Err == nil
}

// Pipeline runs fetch, classify, fallback and persist for a single target.
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// evaluation is the verdict chosen by the two-page protocol and the page it came from.
type evaluation struct {
	verdict monitor.Verdict
	source  monitor.Source
	page    monitor.Page
}

// NewPipeline constructs a Pipeline.
func NewPipeline(deps Deps, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("worker pipeline requires a fetcher")
	case deps.Classifier == nil:
		return nil, errors.New("worker pipeline requires a classifier")
	case deps.Statuses == nil:
		return nil, errors.New("worker pipeline requires a status store")
	case deps.Clock == nil:
		return nil, errors.New("worker pipeline requires a clock")
	}
	if cfg.SaveSnapshots && (deps.Blobs == nil || deps.Hasher == nil) {
		return nil, errors.New("snapshots require a blob store and a hasher")
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/JakeFAU/practicewatch/internal/worker")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{deps: deps, cfg: cfg, logger: logger}, nil
}

// Check runs the pipeline for item. The work is detached from ctx cancellation
// so a target that has started always ends with a recorded check.
func (p *Pipeline) Check(ctx context.Context, item queue.Item) Outcome {
	ctx = context.WithoutCancel(ctx)
	target := item.Target
	ctx, span := p.deps.Tracer.Start(ctx, "check", trace.WithAttributes(
		attribute.String("cycle.id", item.CycleID),
		attribute.String("target.id", target.ID),
	))
	defer span.End()
	log := p.logger.With(zap.String("cycle_id", item.CycleID), zap.String("target_id", target.ID))

	eval, err := p.evaluate(ctx, target, log)
	checkedAt := p.deps.Clock.Now().UTC()

	var rec monitor.StatusRecord
	if err != nil {
		rec = monitor.FailedStatusRecord(target.ID, eval.source, checkedAt, err)
		log.Warn("target check failed", zap.Error(err))
	} else {
		rec = monitor.NewStatusRecord(target.ID, eval.verdict, eval.source, checkedAt)
		rec.SnapshotURI = p.snapshot(ctx, target, eval, log)
	}

	out := Outcome{CycleID: item.CycleID, Target: target, Record: rec}
	if err := p.deps.Statuses.RecordCheck(ctx, rec); err != nil {
		out.Err = fmt.Errorf("record check %s: %w", target.ID, err)
		log.Error("record check failed", zap.Error(err))
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, "record check failed")
		return out
	}
	span.SetAttributes(
		attribute.String("check.status", string(rec.Status)),
		attribute.String("check.source", string(rec.Source)),
		attribute.Bool("check.ok", rec.OK),
	)
	metrics.ObserveCheck(string(rec.Status), string(rec.Source), rec.OK)
	log.Debug("target checked",
		zap.String("status", string(rec.Status)),
		zap.String("source", string(rec.Source)),
		zap.String("reason_code", rec.ReasonCode),
		zap.Bool("ok", rec.OK),
	)
	return out
}

// evaluate applies the two-page protocol. The appointments page is
// authoritative when locked; the main page is adopted when it is itself locked
// and not unknown, or when the appointments page does not exist. Any other
// appointments failure fails the check.
func (p *Pipeline) evaluate(ctx context.Context, target monitor.Target, log *zap.Logger) (evaluation, error) {
	primary := evaluation{source: monitor.SourceAppointments}
	page, primaryErr := p.fetch(ctx, target.AppointmentsURL(), log)
	if primaryErr == nil {
		primary.page = page
		primary.verdict = p.deps.Classifier.ClassifyHTML(page.Body)
		if primary.verdict.Lock {
			return primary, nil
		}
	} else {
		log.Debug("appointments page unavailable", zap.Error(primaryErr))
	}

	mainPage, mainErr := p.fetch(ctx, target.MainURL(), log)
	if mainErr != nil {
		if primaryErr == nil {
			log.Debug("main page unavailable", zap.Error(mainErr))
			return primary, nil
		}
		return primary, primaryErr
	}
	fallback := evaluation{
		verdict: p.deps.Classifier.ClassifyHTML(mainPage.Body),
		source:  monitor.SourceMain,
		page:    mainPage,
	}
	decisive := fallback.verdict.Lock && fallback.verdict.Status != monitor.StatusUnknown
	switch {
	case decisive, primaryErr != nil && notFound(primaryErr):
		return fallback, nil
	case primaryErr != nil:
		return primary, primaryErr
	}
	return primary, nil
}

func notFound(err error) bool {
	var fe *monitor.FetchError
	return errors.As(err, &fe) && fe.StatusCode == http.StatusNotFound
}

func (p *Pipeline) fetch(ctx context.Context, rawURL string, log *zap.Logger) (monitor.Page, error) {
	for attempt := 1; ; attempt++ {
		page, err := p.deps.Fetcher.Fetch(ctx, rawURL)
		if err == nil {
			return page, nil
		}
		if !p.deps.Retry.ShouldRetry(err, attempt) {
			return monitor.Page{}, err
		}
		delay := p.deps.Retry.Backoff(attempt - 1)
		log.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := pause(ctx, delay); err != nil {
			return monitor.Page{}, err
		}
	}
}

// snapshot archives the page that produced the verdict. Failures are logged
// and leave the URI empty.
func (p *Pipeline) snapshot(ctx context.Context, target monitor.Target, eval evaluation, log *zap.Logger) string {
	if !p.cfg.SaveSnapshots || len(eval.page.Body) == 0 {
		return ""
	}
	hash, err := p.deps.Hasher.Hash(eval.page.Body)
	if err != nil {
		log.Warn("hash snapshot failed", zap.Error(err))
		return ""
	}
	path := p.buildSnapshotPath(target.ID, eval.source, hash)
	uri, err := p.deps.Blobs.PutObject(ctx, path, p.cfg.ContentType, bytes.NewReader(eval.page.Body))
	if err != nil {
		log.Warn("store snapshot failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func (p *Pipeline) buildSnapshotPath(targetID string, source monitor.Source, hash string) string {
	prefix := strings.Trim(p.cfg.SnapshotPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s/%s.html", targetID, source, hash)
	}
	return fmt.Sprintf("%s/%s/%s/%s.html", prefix, targetID, source, hash)
}
