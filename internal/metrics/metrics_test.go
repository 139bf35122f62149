package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/auction-crawler/internal/auction"
)

func TestRecorderObservesPagesAndRuns(t *testing.T) {
	t.Parallel()

	rec, err := NewRecorder(prometheus.NewRegistry())
	require.NoError(t, err)

	rec.ObservePage(auction.PageStatistics{
		Page:       1,
		Attempts:   2,
		Candidates: 5,
		New:        4,
		Duplicates: 1,
		Persisted:  auction.UpsertResult{Matched: 1, Modified: 1, Upserted: 4},
	})
	rec.ObservePage(auction.PageStatistics{Page: 2, Attempts: 3})

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec.ObserveRun(auction.RunStatistics{
		StartedAt:           start,
		FinishedAt:          start.Add(90 * time.Second),
		PersistenceFailures: 2,
		Reason:              auction.ReasonExtractionEmpty,
	})

	require.Equal(t, 1.0, testutil.ToFloat64(rec.pagesTotal.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(rec.pagesTotal.WithLabelValues("empty")))
	require.Equal(t, 4.0, testutil.ToFloat64(rec.recordsTotal.WithLabelValues("new")))
	require.Equal(t, 1.0, testutil.ToFloat64(rec.recordsTotal.WithLabelValues("duplicate")))
	require.Equal(t, 4.0, testutil.ToFloat64(rec.persistedTotal.WithLabelValues("inserted")))
	require.Equal(t, 2.0, testutil.ToFloat64(rec.persistedTotal.WithLabelValues("failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(rec.runsTotal.WithLabelValues("extraction_empty")))
	require.Equal(t, float64(start.Add(90*time.Second).Unix()), testutil.ToFloat64(rec.lastRunTimestamp))
	require.Equal(t, 1, testutil.CollectAndCount(rec.runDuration, "auction_crawler_run_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(rec.pageAttempts, "auction_crawler_page_attempts"))
}

func TestNewRecorderRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewRecorder(reg)
	require.NoError(t, err)
	_, err = NewRecorder(reg)
	require.Error(t, err)
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()

	rec, err := NewRecorder(nil)
	require.NoError(t, err)
	rec.ObserveRun(auction.RunStatistics{Reason: auction.ReasonMaxPagesReached})

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `auction_crawler_runs_total{reason="max_pages_reached"} 1`)
}

func TestPushSendsToGateway(t *testing.T) {
	t.Parallel()

	paths := make(chan string, 1)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	rec, err := NewRecorder(nil)
	require.NoError(t, err)
	rec.ObserveRun(auction.RunStatistics{Reason: auction.ReasonMaxPagesReached})
	require.NoError(t, rec.Push(context.Background(), gateway.URL, "auction_crawler"))
	require.Equal(t, "/metrics/job/auction_crawler", <-paths)
}
