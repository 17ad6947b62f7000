package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/practicewatch/internal/classifier"
	"github.com/JakeFAU/practicewatch/internal/discovery"
	collyfetcher "github.com/JakeFAU/practicewatch/internal/fetcher/colly"
	"github.com/JakeFAU/practicewatch/internal/fetcher/polite"
	"github.com/JakeFAU/practicewatch/internal/monitor"
	"github.com/JakeFAU/practicewatch/internal/notify"
	"github.com/JakeFAU/practicewatch/internal/storage/memory"
	"github.com/JakeFAU/practicewatch/internal/worker"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.n.Add(1)), nil
}

// practiceSite serves a search page for LS1 and three practices:
// V000001 states it is not accepting, V000002 only signals on its main page,
// V000003 never answers in time.
func practiceSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/service-search/find-a-dentist/results/LS1", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body>
<a href="/services/dentist/north-dental/V000001">North Dental</a>
<a href="/services/dentist/city-smiles/V000002">City Smiles</a>
<a href="/services/dentist/slow-care/V000003">Slow Care</a>
</body></html>`)
	})
	mux.HandleFunc("/services/dentist/north-dental/V000001/appointments", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><p>This dentist is not accepting new NHS patients.</p></body></html>`)
	})
	mux.HandleFunc("/services/dentist/north-dental/V000001", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><p>Accepting new NHS patients</p></body></html>`)
	})
	mux.HandleFunc("/services/dentist/city-smiles/V000002/appointments", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><h1>Appointments</h1><p>Call reception to book.</p></body></html>`)
	})
	mux.HandleFunc("/services/dentist/city-smiles/V000002", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><p>Accepting new NHS patients</p></body></html>`)
	})
	slow := func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
			fmt.Fprint(w, `<p>too late</p>`)
		}
	}
	mux.HandleFunc("/services/dentist/slow-care/V000003/appointments", slow)
	mux.HandleFunc("/services/dentist/slow-care/V000003", slow)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	engine   *Engine
	repo     *memory.Repository
	notifier *notify.MemoryNotifier
	clock    *stepClock
}

func newHarness(t *testing.T, baseURL string) *harness {
	t.Helper()
	layer := polite.New(polite.Config{
		PerOriginConcurrency: 4,
		Timeout:              150 * time.Millisecond,
	}, collyfetcher.New(collyfetcher.Config{UserAgent: "practicewatch-test"}), zap.NewNop())
	layer.Start()
	t.Cleanup(layer.Stop)

	repo := memory.NewRepository()
	repo.AddSubscription(monitor.Subscription{Recipient: "alice@example.test", LocationHint: "ls1", Radius: 5})
	clock := &stepClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	ids := &seqIDs{}
	notifier := notify.NewMemoryNotifier()

	pipeline, err := worker.NewPipeline(worker.Deps{
		Fetcher:    layer,
		Classifier: classifier.New(classifier.Options{}),
		Statuses:   repo,
		Clock:      clock,
	}, worker.Config{}, zap.NewNop())
	require.NoError(t, err)

	eng, err := New(Config{BatchSize: 10, Concurrency: 2}, Deps{
		Subscriptions: repo,
		Discoverer:    discovery.New(discovery.Config{BaseURL: baseURL}, layer, zap.NewNop()),
		Targets:       repo,
		Statuses:      repo,
		Pipeline:      pipeline,
		Notifier:      notify.New(notify.Config{Cooldown: 24 * time.Hour}, repo, notifier, clock, ids, zap.NewNop()),
		Clock:         clock,
		IDs:           ids,
	}, zap.NewNop())
	require.NoError(t, err)
	return &harness{engine: eng, repo: repo, notifier: notifier, clock: clock}
}

func TestRunCycleEndToEnd(t *testing.T) {
	t.Parallel()

	site := practiceSite(t)
	h := newHarness(t, site.URL)
	ctx := context.Background()

	summary, err := h.engine.RunCycle(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 3, summary.TargetsScanned)
	require.Equal(t, 1, summary.ChecksFailed)
	require.Equal(t, 1, summary.NotificationsSent)
	require.Zero(t, summary.Errors)
	require.NotEmpty(t, summary.CycleID)
	require.True(t, summary.FinishedAt.After(summary.StartedAt))

	t.Run("not accepting on appointments page", func(t *testing.T) {
		rec, err := h.repo.LatestStatus(ctx, "V000001")
		require.NoError(t, err)
		require.True(t, rec.OK)
		require.Equal(t, monitor.StatusNotAccepting, rec.Status)
		require.Equal(t, monitor.SourceAppointments, rec.Source)
		require.NotEmpty(t, rec.Evidence)
	})

	t.Run("accepting found on main page", func(t *testing.T) {
		rec, err := h.repo.LatestStatus(ctx, "V000002")
		require.NoError(t, err)
		require.Equal(t, monitor.StatusAccepting, rec.Status)
		require.Equal(t, monitor.SourceMain, rec.Source)

		msgs := h.notifier.Messages()
		require.Len(t, msgs, 1)
		require.Equal(t, "alice@example.test", msgs[0].Recipient)
		require.Equal(t, []string{"V000002"}, msgs[0].TargetIDs())
	})

	t.Run("timeout recorded as failed check", func(t *testing.T) {
		rec, err := h.repo.LatestStatus(ctx, "V000003")
		require.NoError(t, err)
		require.False(t, rec.OK)
		require.Equal(t, monitor.StatusUnknown, rec.Status)
		require.NotEmpty(t, rec.Error)

		events, err := h.repo.ListEvents(ctx, "V000003", 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
	})

	target, err := h.repo.GetTarget(ctx, "V000002")
	require.NoError(t, err)
	require.Equal(t, "LS1", target.LocationHint)
	require.Equal(t, "City Smiles", target.DisplayName)
}

func TestRunCycleSecondPassRespectsCooldown(t *testing.T) {
	t.Parallel()

	site := practiceSite(t)
	h := newHarness(t, site.URL)
	ctx := context.Background()

	_, err := h.engine.RunCycle(ctx, "LS1")
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	summary, err := h.engine.RunCycle(ctx, "LS1")
	require.NoError(t, err)
	require.Equal(t, 3, summary.TargetsScanned)
	require.Zero(t, summary.NotificationsSent)
	require.Len(t, h.notifier.Messages(), 1)

	events, err := h.repo.ListEvents(ctx, "V000002", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	stats, err := h.engine.Stats(ctx, "ls1")
	require.NoError(t, err)
	require.Equal(t, 3, stats.Targets)
	require.Zero(t, stats.NeverChecked)
	require.NotNil(t, stats.OldestCheckedAt)
}
