package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/auction-crawler/internal/auction"
)

const listingPage = `<html><body>
<div class="lot-card">
  <a href="/lot/%[1]d1/clean-title-2021-honda-accord-ga-savannah">2021 HONDA ACCORD</a>
  <span>Odometer: 31,000</span><span>Current Bid $1,200</span>
</div>
<div class="lot-card">
  <a href="/lot/%[1]d2/salvage-2017-ford-fusion-tx-dallas">2017 FORD FUSION</a>
  <span>Odometer: 98,500</span><span>Current Bid $400</span>
</div>
</body></html>`

func newListingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "":
			fmt.Fprintf(w, listingPage, 1000)
		case "2":
			fmt.Fprintf(w, listingPage, 2000)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `<html><body><h1>404 Error</h1></body></html>`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setEnv(t *testing.T, targetURL string) {
	t.Helper()
	t.Setenv("AUCTION_CRAWLER_TARGET_URL", targetURL)
	t.Setenv("AUCTION_CRAWLER_MODE", "static")
	t.Setenv("AUCTION_CRAWLER_MAX_PAGES", "5")
	t.Setenv("AUCTION_CRAWLER_MIN_PAGE_INTERVAL", "0s")
	t.Setenv("AUCTION_DB_DRIVER", "memory")
	t.Setenv("AUCTION_LOGGING_DEVELOPMENT", "false")
	t.Setenv("AUCTION_LOGGING_LEVEL", "error")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlCommand(t *testing.T) {
	srv := newListingServer(t)
	setEnv(t, srv.URL+"/lotSearchResults")

	out, err := execute(t, "crawl")
	require.NoError(t, err)

	var report struct {
		Run        auction.RunStatistics `json:"run"`
		Collection auction.Summary       `json:"collection"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, auction.ReasonExtractionEmpty, report.Run.Reason)
	assert.Equal(t, 2, report.Run.PagesVisited)
	assert.Equal(t, 4, report.Run.TotalNew)
	assert.Equal(t, 4, report.Run.RecordsPersisted)
	assert.NotEmpty(t, report.Run.RunID)
	assert.EqualValues(t, 4, report.Collection.Count)
	assert.InDelta(t, 1200, report.Collection.MaxBid, 0.0001)
}

func TestCrawlCommandFailsWhenFirstPageUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	setEnv(t, srv.URL)
	t.Setenv("AUCTION_NAVIGATOR_LOAD_ATTEMPTS", "2")
	t.Setenv("AUCTION_NAVIGATOR_LOAD_BACKOFF", "0s")

	out, err := execute(t, "crawl")
	require.Error(t, err)

	var report struct {
		Run auction.RunStatistics `json:"run"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, auction.ReasonNavigationFailed, report.Run.Reason)
	assert.Zero(t, report.Run.PagesVisited)
}

func TestStatsCommand(t *testing.T) {
	setEnv(t, "https://auctions.example.com/lotSearchResults")

	out, err := execute(t, "stats")
	require.NoError(t, err)

	var summary auction.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Zero(t, summary.Count)
}

func TestStatsCommandIgnoresCrawlerSettings(t *testing.T) {
	setEnv(t, "")
	t.Setenv("AUCTION_CRAWLER_MODE", "carrier-pigeon")

	out, err := execute(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "count")
}

func TestInvalidConfigAborts(t *testing.T) {
	setEnv(t, "not a url")

	_, err := execute(t, "crawl")
	require.ErrorIs(t, err, auction.ErrConfiguration)

	t.Setenv("AUCTION_DB_DRIVER", "mongo")
	_, err = execute(t, "stats")
	require.ErrorIs(t, err, auction.ErrConfiguration)
}
