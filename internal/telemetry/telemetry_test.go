package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsRouteAndCode(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/probe-ok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/probe-teapot", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	teapotBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418"))

	for _, path := range []string{"/probe-ok", "/probe-teapot"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Equal(t, okBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")))
	require.Equal(t, teapotBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")))
}

func TestObserveIngestIgnoresNonPositive(t *testing.T) {
	before := testutil.ToFloat64(ingestItemsTotal.WithLabelValues(OutcomeRejected))
	ObserveIngest(OutcomeRejected, 0)
	ObserveIngest(OutcomeRejected, -3)
	require.Equal(t, before, testutil.ToFloat64(ingestItemsTotal.WithLabelValues(OutcomeRejected)))

	ObserveIngest(OutcomeRejected, 2)
	require.Equal(t, before+2, testutil.ToFloat64(ingestItemsTotal.WithLabelValues(OutcomeRejected)))
}

func TestObserveScrapeJobAndReprocess(t *testing.T) {
	jobsBefore := testutil.ToFloat64(scrapeJobsTotal.WithLabelValues("SUCCEEDED"))
	ObserveScrapeJob("SUCCEEDED", 3*time.Second)
	require.Equal(t, jobsBefore+1, testutil.ToFloat64(scrapeJobsTotal.WithLabelValues("SUCCEEDED")))

	updBefore := testutil.ToFloat64(reprocessPostsTotal.WithLabelValues(OutcomeUpdated))
	ObserveReprocess(OutcomeUpdated)
	require.Equal(t, updBefore+1, testutil.ToFloat64(reprocessPostsTotal.WithLabelValues(OutcomeUpdated)))
}

func TestHandlerServesMetrics(t *testing.T) {
	ObserveIngest(OutcomeCreated, 1)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ingest_items_total")
}

func TestInitTracerProvider(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), "listings-test", "dev", 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := Tracer().Start(context.Background(), "probe")
	require.True(t, span.SpanContext().IsValid())
	span.End()
}
