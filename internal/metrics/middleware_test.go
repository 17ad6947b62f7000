package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/targets/{target_id}/status", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "target_id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("{}"))
	})

	for _, path := range []string{"/v1/targets/V1/status", "/v1/targets/V2/status", "/v1/targets/missing/status", "/nowhere"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	route := "/v1/targets/{target_id}/status"
	require.InDelta(t, 2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", route, "200")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", route, "404")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "unmatched", "404")), 0)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
