package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/practicewatch/internal/config"
	"github.com/JakeFAU/practicewatch/internal/monitor"
	memorystorage "github.com/JakeFAU/practicewatch/internal/storage/memory"
	sqlitestore "github.com/JakeFAU/practicewatch/internal/storage/sqlite"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Fetch.MinDelay = 0
	cfg.Fetch.MaxDelay = 0
	cfg.Fetch.CacheTTL = 0
	cfg.Fetch.RespectRobots = false
	cfg.Fetch.Timeout = 2 * time.Second
	cfg.HTTP.MaxRetries = 0
	return cfg
}

func TestBuildDefaultsToMemory(t *testing.T) {
	t.Parallel()

	a, err := BuildWithLogger(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	require.IsType(t, &memorystorage.Repository{}, a.Repository())
	require.NotNil(t, a.Engine())
	require.NotNil(t, a.Fetcher())
	require.NotNil(t, a.Discoverer())
	require.NotNil(t, a.Classifier())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildWithSQLiteAndLocalSnapshots(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.DB.Driver = config.DriverSQLite
	cfg.DB.DSN = filepath.Join(dir, "practicewatch.db")
	cfg.Storage.Snapshots = true
	cfg.Storage.Backend = config.StorageLocal
	cfg.Storage.LocalDir = filepath.Join(dir, "snapshots")

	a, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	require.IsType(t, &sqlitestore.Repository{}, a.Repository())
	require.DirExists(t, cfg.Storage.LocalDir)
}

func TestBuildWithTracing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tracing.Enabled = true

	a, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, a.tracer)

	_, err = a.Engine().RunCycle(context.Background(), "")
	require.NoError(t, err)
	a.Close(context.Background())
}

func TestBuildFailsOnBadSQLitePath(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.DB.Driver = config.DriverSQLite
	cfg.DB.DSN = filepath.Join(t.TempDir(), "missing", "dir", "db.sqlite")

	_, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "sqlite repository init failed")
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	a, err := BuildWithLogger(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	a.Close(context.Background())
	a.Close(context.Background())

	_, err = a.Fetcher().Fetch(context.Background(), "https://nhs.test/")
	require.ErrorIs(t, err, monitor.ErrStopped)
}

func TestConfiguredSubscriptionsDriveCycle(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/service-search/find-a-dentist/results/LS1", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<a href="/services/dentist/north-dental/V000001">North Dental</a>`)
	})
	mux.HandleFunc("/services/dentist/north-dental/V000001/appointments", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<p>This dentist is accepting new NHS patients.</p>`)
	})
	site := httptest.NewServer(mux)
	t.Cleanup(site.Close)

	cfg := testConfig(t)
	cfg.Discovery.BaseURL = site.URL
	cfg.Subscriptions = []monitor.Subscription{{Recipient: "alice@example.test", LocationHint: "LS1", Radius: 5}}

	a, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	summary, err := a.Engine().RunCycle(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 1, summary.TargetsScanned)
	require.Equal(t, 1, summary.NotificationsSent)

	rec, err := a.Repository().LatestStatus(context.Background(), "V000001")
	require.NoError(t, err)
	require.Equal(t, monitor.StatusAccepting, rec.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Server.Port = freePort(t)
	cfg.Scan.Interval = time.Hour

	a, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Server.Port))
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	port := srv.Listener.Addr().(*net.TCPAddr).Port
	srv.Close()
	return port
}
