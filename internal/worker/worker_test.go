package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/practicewatch/internal/classifier"
	"github.com/JakeFAU/practicewatch/internal/monitor"
	"github.com/JakeFAU/practicewatch/internal/queue"
	queuemem "github.com/JakeFAU/practicewatch/internal/queue/memory"
	"github.com/JakeFAU/practicewatch/internal/storage/memory"
)

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time {
	return c.now
}

type fakeHasher struct {
	hash string
}

func (h fakeHasher) Hash([]byte) (string, error) {
	return h.hash, nil
}

type response struct {
	body string
	err  error
}

// scriptedFetcher replays responses per URL; the last response repeats.
type scriptedFetcher struct {
	mu        sync.Mutex
	responses map[string][]response
	calls     map[string]int
}

func newScriptedFetcher(responses map[string][]response) *scriptedFetcher {
	return &scriptedFetcher{responses: responses, calls: make(map[string]int)}
}

func (f *scriptedFetcher) Fetch(_ context.Context, rawURL string) (monitor.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	script, ok := f.responses[rawURL]
	if !ok || len(script) == 0 {
		return monitor.Page{}, monitor.NewFetchError(rawURL, http.StatusNotFound, nil)
	}
	idx := f.calls[rawURL]
	f.calls[rawURL]++
	if idx >= len(script) {
		idx = len(script) - 1
	}
	r := script[idx]
	if r.err != nil {
		return monitor.Page{}, r.err
	}
	return monitor.Page{URL: rawURL, FinalURL: rawURL, StatusCode: http.StatusOK, Body: []byte(r.body)}, nil
}

func (f *scriptedFetcher) count(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

var practice = monitor.Target{
	ID:           "V000123",
	DisplayName:  "Harbour Dental",
	LocationHint: "LS1",
	CanonicalURL: "https://nhs.test/services/dentist/harbour-dental/V000123",
}

func newTestPipeline(t *testing.T, fetcher monitor.Fetcher, repo *memory.Repository, retry *RetryPolicy) *Pipeline {
	t.Helper()
	p, err := NewPipeline(Deps{
		Fetcher:    fetcher,
		Classifier: classifier.New(classifier.Options{}),
		Statuses:   repo,
		Clock:      fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		Retry:      retry,
	}, Config{}, zap.NewNop())
	require.NoError(t, err)
	return p
}

func timeoutErr(rawURL string) error {
	return monitor.NewFetchError(rawURL, 0, context.DeadlineExceeded)
}

func TestPipelineLockedAppointmentsVerdictIsFinal(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(map[string][]response{
		practice.AppointmentsURL(): {{body: "<p>This dentist is not accepting new NHS patients.</p>"}},
		practice.MainURL():         {{body: "<p>Accepting new NHS patients</p>"}},
	})
	repo := memory.NewRepository()
	out := newTestPipeline(t, fetcher, repo, nil).Check(context.Background(), queue.Item{CycleID: "c1", Target: practice})

	require.True(t, out.Persisted())
	require.Equal(t, monitor.StatusNotAccepting, out.Record.Status)
	require.Equal(t, monitor.SourceAppointments, out.Record.Source)
	require.NotEmpty(t, out.Record.Evidence)
	require.Zero(t, fetcher.count(practice.MainURL()))

	latest, err := repo.LatestStatus(context.Background(), practice.ID)
	require.NoError(t, err)
	require.Equal(t, out.Record, latest)
}

func TestPipelineFallsBackToLockedMainPage(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(map[string][]response{
		practice.AppointmentsURL(): {{body: "<p>Opening hours and parking</p>"}},
		practice.MainURL():         {{body: "<h2>Accepting new NHS patients</h2>"}},
	})
	out := newTestPipeline(t, fetcher, memory.NewRepository(), nil).
		Check(context.Background(), queue.Item{Target: practice})

	require.True(t, out.Record.OK)
	require.Equal(t, monitor.StatusAccepting, out.Record.Status)
	require.Equal(t, monitor.SourceMain, out.Record.Source)
	require.Equal(t, classifier.ReasonAcceptingExplicit, out.Record.ReasonCode)
}

func TestPipelineKeepsAppointmentsVerdictWhenMainHasNoSignal(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(map[string][]response{
		practice.AppointmentsURL(): {{body: "<p>Opening hours</p>"}},
		practice.MainURL():         {{body: "<p>Find us on the high street</p>"}},
	})
	out := newTestPipeline(t, fetcher, memory.NewRepository(), nil).
		Check(context.Background(), queue.Item{Target: practice})

	require.True(t, out.Record.OK)
	require.Equal(t, monitor.StatusUnknown, out.Record.Status)
	require.Equal(t, monitor.SourceAppointments, out.Record.Source)
	require.Equal(t, classifier.ReasonNoSignal, out.Record.ReasonCode)
}

func TestPipelineMissingAppointmentsPageUsesMain(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(map[string][]response{
		practice.MainURL(): {{body: "<p>We are not taking on new patients</p>"}},
	})
	out := newTestPipeline(t, fetcher, memory.NewRepository(), nil).
		Check(context.Background(), queue.Item{Target: practice})

	require.True(t, out.Record.OK)
	require.Equal(t, monitor.StatusNotAccepting, out.Record.Status)
	require.Equal(t, monitor.SourceMain, out.Record.Source)
}

func TestPipelineAppointmentsFailureWithSilentMainFailsCheck(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(map[string][]response{
		practice.AppointmentsURL(): {{err: monitor.NewFetchError(practice.AppointmentsURL(), http.StatusBadGateway, nil)}},
		practice.MainURL():         {{body: "<p>Find us on the high street</p>"}},
	})
	repo := memory.NewRepository()
	out := newTestPipeline(t, fetcher, repo, nil).Check(context.Background(), queue.Item{Target: practice})

	require.True(t, out.Persisted())
	require.False(t, out.Record.OK)
	require.Equal(t, monitor.StatusUnknown, out.Record.Status)
	require.Equal(t, monitor.SourceAppointments, out.Record.Source)
	require.Equal(t, monitor.ReasonFetchFailed, out.Record.ReasonCode)
	require.Contains(t, out.Record.Error, "502")
}

func TestPipelineAppointmentsFailureWithLockedMainUsesMain(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(map[string][]response{
		practice.AppointmentsURL(): {{err: monitor.NewFetchError(practice.AppointmentsURL(), http.StatusBadGateway, nil)}},
		practice.MainURL():         {{body: "<p>This dentist is not accepting new NHS patients.</p>"}},
	})
	out := newTestPipeline(t, fetcher, memory.NewRepository(), nil).
		Check(context.Background(), queue.Item{Target: practice})

	require.True(t, out.Record.OK)
	require.Equal(t, monitor.StatusNotAccepting, out.Record.Status)
	require.Equal(t, monitor.SourceMain, out.Record.Source)
}

func TestPipelineTimeoutRecordsFailedCheck(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(map[string][]response{
		practice.AppointmentsURL(): {{err: timeoutErr(practice.AppointmentsURL())}},
		practice.MainURL():         {{err: timeoutErr(practice.MainURL())}},
	})
	repo := memory.NewRepository()
	out := newTestPipeline(t, fetcher, repo, nil).Check(context.Background(), queue.Item{Target: practice})

	require.True(t, out.Persisted())
	require.False(t, out.Record.OK)
	require.Equal(t, monitor.StatusUnknown, out.Record.Status)
	require.Equal(t, monitor.ReasonFetchFailed, out.Record.ReasonCode)
	require.Contains(t, out.Record.Error, "deadline exceeded")
	require.Equal(t, 1, repo.EventCount())
}

func TestPipelineRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	url := practice.AppointmentsURL()
	fetcher := newScriptedFetcher(map[string][]response{
		url: {
			{err: monitor.NewFetchError(url, http.StatusServiceUnavailable, nil)},
			{err: timeoutErr(url)},
			{body: "<p>Accepting new NHS patients</p>"},
		},
	})
	retry := NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond)
	out := newTestPipeline(t, fetcher, memory.NewRepository(), retry).
		Check(context.Background(), queue.Item{Target: practice})

	require.Equal(t, 3, fetcher.count(url))
	require.Equal(t, monitor.StatusAccepting, out.Record.Status)
	require.Equal(t, monitor.SourceAppointments, out.Record.Source)
}

func TestPipelineRetryExhausted(t *testing.T) {
	t.Parallel()

	url := practice.AppointmentsURL()
	fetcher := newScriptedFetcher(map[string][]response{
		url:                {{err: monitor.NewFetchError(url, http.StatusBadGateway, nil)}},
		practice.MainURL(): {{err: monitor.NewFetchError(practice.MainURL(), http.StatusBadGateway, nil)}},
	})
	retry := NewRetryPolicy(2, time.Millisecond, time.Millisecond)
	out := newTestPipeline(t, fetcher, memory.NewRepository(), retry).
		Check(context.Background(), queue.Item{Target: practice})

	require.Equal(t, 3, fetcher.count(url))
	require.Equal(t, 3, fetcher.count(practice.MainURL()))
	require.False(t, out.Record.OK)
	require.Equal(t, monitor.SourceAppointments, out.Record.Source)
}

func TestPipelinePersistenceFailureIsReported(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(map[string][]response{
		practice.AppointmentsURL(): {{body: "<p>Accepting new NHS patients</p>"}},
	})
	repo := memory.NewRepository()
	repo.FailRecordCheck = errors.New("disk full")
	out := newTestPipeline(t, fetcher, repo, nil).Check(context.Background(), queue.Item{Target: practice})

	require.False(t, out.Persisted())
	var perr *monitor.PersistenceError
	require.ErrorAs(t, out.Err, &perr)
	require.Equal(t, monitor.StatusAccepting, out.Record.Status)
}

func TestPipelineStoresSnapshot(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(map[string][]response{
		practice.AppointmentsURL(): {{body: "<p>Accepting new NHS patients</p>"}},
	})
	blobs := memory.NewBlobStore()
	p, err := NewPipeline(Deps{
		Fetcher:    fetcher,
		Classifier: classifier.New(classifier.Options{}),
		Statuses:   memory.NewRepository(),
		Clock:      fakeClock{now: time.Unix(100, 0)},
		Blobs:      blobs,
		Hasher:     fakeHasher{hash: "abc123"},
	}, Config{SaveSnapshots: true, SnapshotPrefix: "/snapshots/"}, zap.NewNop())
	require.NoError(t, err)

	out := p.Check(context.Background(), queue.Item{Target: practice})

	require.Equal(t, "memory://snapshots/V000123/appointments/abc123.html", out.Record.SnapshotURI)
	body, contentType, ok := blobs.Object("snapshots/V000123/appointments/abc123.html")
	require.True(t, ok)
	require.Equal(t, "text/html; charset=utf-8", contentType)
	require.Contains(t, string(body), "Accepting")
}

func TestPipelineCheckIgnoresCancellation(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(map[string][]response{
		practice.AppointmentsURL(): {{body: "<p>Accepting new NHS patients</p>"}},
	})
	repo := memory.NewRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := newTestPipeline(t, fetcher, repo, nil).Check(ctx, queue.Item{Target: practice})

	require.True(t, out.Persisted())
	require.Equal(t, 1, repo.EventCount())
}

func TestNewPipelineValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := NewPipeline(Deps{}, Config{}, nil)
	require.EqualError(t, err, "worker pipeline requires a fetcher")

	_, err = NewPipeline(Deps{
		Fetcher:    newScriptedFetcher(nil),
		Classifier: classifier.New(classifier.Options{}),
		Statuses:   memory.NewRepository(),
		Clock:      fakeClock{},
	}, Config{SaveSnapshots: true}, nil)
	require.EqualError(t, err, "snapshots require a blob store and a hasher")
}

func TestWorkerRunDrainsQueueThenReturns(t *testing.T) {
	t.Parallel()

	second := monitor.Target{ID: "V000456", CanonicalURL: "https://nhs.test/services/dentist/b/V000456"}
	fetcher := newScriptedFetcher(map[string][]response{
		practice.AppointmentsURL(): {{body: "<p>Accepting new NHS patients</p>"}},
		second.AppointmentsURL():   {{body: "<p>Not accepting new NHS patients</p>"}},
	})
	repo := memory.NewRepository()
	q := queuemem.NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), queue.Item{CycleID: "c", Target: practice}))
	require.NoError(t, q.Enqueue(context.Background(), queue.Item{CycleID: "c", Target: second}))
	q.Close()

	results := make(chan Outcome, 2)
	w := New(1, q, newTestPipeline(t, fetcher, repo, nil), results, zap.NewNop())

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not return after queue drained")
	}
	close(results)

	got := map[string]monitor.Status{}
	for out := range results {
		require.Equal(t, "c", out.CycleID)
		got[out.Target.ID] = out.Record.Status
	}
	require.Equal(t, map[string]monitor.Status{
		practice.ID: monitor.StatusAccepting,
		second.ID:   monitor.StatusNotAccepting,
	}, got)
}

func TestWorkerRunStopsTakingItemsAfterCancel(t *testing.T) {
	t.Parallel()

	q := queuemem.NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), queue.Item{Target: practice}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := make(chan Outcome, 1)
	fetcher := newScriptedFetcher(nil)
	w := New(1, q, newTestPipeline(t, fetcher, memory.NewRepository(), nil), results, nil)
	w.Run(ctx)

	require.Empty(t, results)
	require.Equal(t, 1, q.Len())
}
