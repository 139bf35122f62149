package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/auction-crawler/internal/auction"
	"github.com/JakeFAU/auction-crawler/internal/dedup"
	"github.com/JakeFAU/auction-crawler/internal/extract"
	"github.com/JakeFAU/auction-crawler/internal/navigator"
	pubmemory "github.com/JakeFAU/auction-crawler/internal/publisher/memory"
	"github.com/JakeFAU/auction-crawler/internal/storage/memory"
)

// fakeNavigator serves scripted page contents. contents[page] lists what
// successive Content calls on that page return; the last entry repeats.
type fakeNavigator struct {
	mu sync.Mutex

	contents   map[int][]string
	loadErrs   []error
	loadBlock  chan struct{}
	advanceErr error
	onAdvance  func()
	screenshot []byte

	page      int
	reads     map[int]int
	loads     int
	refreshes int
	advances  int
	closes    int
}

func newFakeNavigator(contents map[int][]string) *fakeNavigator {
	return &fakeNavigator{contents: contents, reads: make(map[int]int)}
}

func (f *fakeNavigator) Load(ctx context.Context) error {
	if f.loadBlock != nil {
		select {
		case <-f.loadBlock:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if len(f.loadErrs) > 0 {
		err := f.loadErrs[0]
		f.loadErrs = f.loadErrs[1:]
		if err != nil {
			return err
		}
	}
	f.page = 1
	return nil
}

func (f *fakeNavigator) Advance(context.Context) error {
	f.mu.Lock()
	f.advances++
	hook := f.onAdvance
	err := f.advanceErr
	if err == nil {
		f.page++
	}
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeNavigator) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

func (f *fakeNavigator) Content(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.contents[f.page]
	if len(seq) == 0 {
		return "", nil
	}
	i := f.reads[f.page]
	f.reads[f.page]++
	if i >= len(seq) {
		i = len(seq) - 1
	}
	return seq[i], nil
}

func (f *fakeNavigator) Screenshot(context.Context) ([]byte, error) {
	if f.screenshot == nil {
		return nil, navigator.ErrUnsupported
	}
	return f.screenshot, nil
}

func (f *fakeNavigator) PageIndex() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.page
}

func (f *fakeNavigator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// idExtractor reads "ids:1,2,3" content; "notfound" yields ErrNotFoundPage.
type idExtractor struct{}

func (idExtractor) ExtractPage(html string) ([]auction.Vehicle, error) {
	switch {
	case html == "notfound":
		return nil, extract.ErrNotFoundPage
	case !strings.HasPrefix(html, "ids:"):
		return nil, nil
	}
	var out []auction.Vehicle
	for _, id := range strings.Split(strings.TrimPrefix(html, "ids:"), ",") {
		out = append(out, auction.Vehicle{
			ID:      id,
			Listing: auction.Listing{Title: "2020 TEST VEHICLE " + id},
			Quote:   auction.Quote{CurrentBidText: "$100"},
		})
	}
	return out, nil
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type sequentialIDs struct {
	mu sync.Mutex
	n  int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("run-%d", g.n), nil
}

type fakeRecorder struct {
	mu    sync.Mutex
	pages []auction.PageStatistics
	runs  []auction.RunStatistics
}

func (r *fakeRecorder) ObservePage(p auction.PageStatistics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages = append(r.pages, p)
}

func (r *fakeRecorder) ObserveRun(s auction.RunStatistics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, s)
}

// flakyStore fails every upsert whose batch contains failID.
type flakyStore struct {
	*memory.VehicleStore
	failID string
}

func (s *flakyStore) Upsert(ctx context.Context, vehicles []auction.Vehicle) (auction.UpsertResult, error) {
	for _, v := range vehicles {
		if v.ID == s.failID {
			return auction.UpsertResult{}, fmt.Errorf("%w: connection reset", auction.ErrPersistence)
		}
	}
	return s.VehicleStore.Upsert(ctx, vehicles)
}

type harness struct {
	nav       *fakeNavigator
	store     *memory.VehicleStore
	sleeper   *recordingSleeper
	publisher *pubmemory.Publisher
	snapshots *memory.BlobStore
	recorder  *fakeRecorder
	deps      Dependencies
}

func newHarness(nav *fakeNavigator) *harness {
	clock := newStepClock()
	h := &harness{
		nav:       nav,
		store:     memory.NewVehicleStore(clock),
		sleeper:   &recordingSleeper{},
		publisher: pubmemory.New(),
		snapshots: memory.NewBlobStore(),
		recorder:  &fakeRecorder{},
	}
	h.deps = Dependencies{
		Navigators: func(context.Context) (Navigator, error) { return nav, nil },
		Extractor:  idExtractor{},
		Store:      h.store,
		Clock:      clock,
		Sleeper:    h.sleeper,
		IDs:        &sequentialIDs{},
		Snapshots:  h.snapshots,
		Publisher:  h.publisher,
		Metrics:    h.recorder,
	}
	return h
}

func (h *harness) orchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	o, err := New(cfg, h.deps)
	require.NoError(t, err)
	return o
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	h := newHarness(newFakeNavigator(nil))
	deps := h.deps
	deps.Store = nil
	_, err := New(Config{}, deps)
	require.ErrorIs(t, err, auction.ErrConfiguration)

	deps = h.deps
	deps.Navigators = nil
	_, err = New(Config{}, deps)
	require.ErrorIs(t, err, auction.ErrConfiguration)

	o, err := New(Config{}, h.deps)
	require.NoError(t, err)
	assert.Equal(t, 1, o.cfg.MaxPages)
	assert.Equal(t, 3, o.cfg.PageAttempts)
	assert.Equal(t, 3, o.cfg.LoadAttempts)
}

func TestRunStopsAtMaxPages(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator(map[int][]string{
		1: {"ids:1,2"},
		2: {"ids:3,4"},
		3: {"ids:5"},
	})
	nav.screenshot = []byte("png")
	h := newHarness(nav)
	o := h.orchestrator(t, Config{MaxPages: 2, SnapshotPrefix: "snaps", SummaryTopic: "crawl-runs"})

	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "run-1", stats.RunID)
	assert.Equal(t, auction.ReasonMaxPagesReached, stats.Reason)
	assert.Equal(t, 2, stats.PagesVisited)
	assert.Equal(t, 4, stats.TotalNew)
	assert.Zero(t, stats.TotalDuplicates)
	assert.Equal(t, 4, stats.RecordsPersisted)
	assert.True(t, stats.FinishedAt.After(stats.StartedAt))
	require.Len(t, stats.Pages, 2)
	assert.Equal(t, 1, stats.Pages[0].Attempts)
	assert.Equal(t, 2, stats.Pages[1].Persisted.Upserted)

	assert.Equal(t, 4, h.store.Len())
	assert.Equal(t, 1, nav.advances)
	assert.Equal(t, 1, nav.closes)

	stored, err := h.store.Get(context.Background(), "3")
	require.NoError(t, err)
	assert.False(t, stored.Quote.ObservedAt.IsZero())

	assert.Equal(t, []string{
		"snaps/run-1/page-1-attempt-1.html",
		"snaps/run-1/page-1-attempt-1.png",
		"snaps/run-1/page-2-attempt-1.html",
		"snaps/run-1/page-2-attempt-1.png",
	}, h.snapshots.Paths())

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "crawl-runs", msgs[0].Topic)
	var published auction.RunStatistics
	require.NoError(t, msgs[0].Decode(&published))
	assert.Equal(t, stats.TotalNew, published.TotalNew)
	assert.Equal(t, auction.ReasonMaxPagesReached, published.Reason)

	require.Len(t, h.recorder.runs, 1)
	assert.Len(t, h.recorder.pages, 2)
}

func TestRunRetriesEmptyPageThenEnds(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator(map[int][]string{
		1: {"ids:1"},
		2: {""},
	})
	h := newHarness(nav)
	o := h.orchestrator(t, Config{MaxPages: 5, PageAttempts: 3, EmptyRetryDelay: 5 * time.Second})

	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, auction.ReasonExtractionEmpty, stats.Reason)
	assert.Equal(t, 1, stats.PagesVisited)
	assert.Equal(t, 1, stats.TotalNew)
	require.Len(t, stats.Pages, 2)
	assert.Equal(t, 3, stats.Pages[1].Attempts)
	assert.Contains(t, stats.Pages[1].Error, auction.ErrExtractionEmpty.Error())
	assert.Equal(t, 2, nav.refreshes)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, h.sleeper.recorded())
}

func TestRunRecoversAfterEmptyAttempt(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator(map[int][]string{
		1: {"", "ids:7,8"},
	})
	h := newHarness(nav)
	o := h.orchestrator(t, Config{MaxPages: 1, PageAttempts: 3, EmptyRetryDelay: time.Second})

	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, auction.ReasonMaxPagesReached, stats.Reason)
	assert.Equal(t, 2, stats.TotalNew)
	assert.Equal(t, 2, stats.Pages[0].Attempts)
	assert.Equal(t, 1, nav.refreshes)
}

func TestRunNotFoundPageEndsWithoutRetry(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator(map[int][]string{
		1: {"ids:1"},
		2: {"notfound"},
	})
	h := newHarness(nav)
	o := h.orchestrator(t, Config{MaxPages: 5, PageAttempts: 3})

	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, auction.ReasonExtractionEmpty, stats.Reason)
	assert.Equal(t, 1, stats.Pages[1].Attempts)
	assert.Zero(t, nav.refreshes)
	assert.Empty(t, h.sleeper.recorded())
}

func TestRunStuckPaginationEndsWithStall(t *testing.T) {
	t.Parallel()

	ids := make([]string, 100)
	for i := range ids {
		ids[i] = fmt.Sprint(1000 + i)
	}
	nav := newFakeNavigator(map[int][]string{
		1: {"ids:" + strings.Join(ids, ",")},
	})
	nav.advanceErr = fmt.Errorf("advance to page 2: %w", auction.ErrPageTransitionStall)
	h := newHarness(nav)
	o := h.orchestrator(t, Config{MaxPages: 10})

	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, auction.ReasonPageTransitionStall, stats.Reason)
	assert.Equal(t, 100, stats.TotalNew)
	assert.Equal(t, 1, stats.PagesVisited)
	assert.Equal(t, 100, h.store.Len())
	assert.Equal(t, 1, nav.closes)
}

func TestRunFirstPageTimeoutFails(t *testing.T) {
	t.Parallel()

	timeout := fmt.Errorf("open: %w", auction.ErrNavigationTimeout)
	nav := newFakeNavigator(map[int][]string{1: {"ids:1"}})
	nav.loadErrs = []error{timeout, timeout, timeout}
	h := newHarness(nav)
	o := h.orchestrator(t, Config{MaxPages: 3, LoadAttempts: 3, LoadBackoff: 2 * time.Second, SummaryTopic: "crawl-runs"})

	stats, err := o.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, auction.ErrNavigationTimeout)

	assert.Equal(t, auction.ReasonNavigationTimeout, stats.Reason)
	assert.True(t, stats.Reason.Failed())
	assert.Zero(t, stats.PagesVisited)
	assert.Zero(t, h.store.Len())
	assert.Equal(t, 3, nav.loads)
	assert.Equal(t, 1, nav.closes)
	assert.Len(t, h.sleeper.recorded(), 2)
	assert.Len(t, h.publisher.Messages(), 1, "failed runs still publish a summary when a topic is set")
}

func TestRunFirstPageRecoversOnRetry(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator(map[int][]string{1: {"ids:1"}})
	nav.loadErrs = []error{fmt.Errorf("open: %w", auction.ErrNavigationTimeout)}
	h := newHarness(nav)
	o := h.orchestrator(t, Config{MaxPages: 1, LoadAttempts: 3})

	stats, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, auction.ReasonMaxPagesReached, stats.Reason)
	assert.Equal(t, 2, nav.loads)
}

func TestRunNavigatorFactoryError(t *testing.T) {
	t.Parallel()

	h := newHarness(newFakeNavigator(nil))
	h.deps.Navigators = func(context.Context) (Navigator, error) { return nil, errors.New("chrome not found") }
	o := h.orchestrator(t, Config{})

	stats, err := o.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, auction.ReasonNavigationFailed, stats.Reason)
}

func TestRunPersistenceFailureDoesNotAbort(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator(map[int][]string{
		1: {"ids:1,bad"},
		2: {"ids:3"},
	})
	h := newHarness(nav)
	h.deps.Store = &flakyStore{VehicleStore: h.store, failID: "bad"}
	o := h.orchestrator(t, Config{MaxPages: 2})

	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, auction.ReasonMaxPagesReached, stats.Reason)
	assert.Equal(t, 2, stats.PersistenceFailures)
	assert.Equal(t, 1, stats.RecordsPersisted)
	assert.Equal(t, 3, stats.TotalNew)
	assert.NotEmpty(t, stats.Pages[0].Error)
	assert.Equal(t, 1, h.store.Len())
}

func TestRunDuplicatesAreRefreshedButNotCounted(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator(map[int][]string{
		1: {"ids:1,2"},
		2: {"ids:2,3"},
	})
	h := newHarness(nav)
	o := h.orchestrator(t, Config{MaxPages: 2})

	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalNew)
	assert.Equal(t, 1, stats.TotalDuplicates)
	assert.Equal(t, 4, stats.RecordsPersisted)
	assert.Equal(t, 1, stats.Pages[1].Persisted.Matched)
	assert.Equal(t, 3, h.store.Len())
}

type downSet struct{}

func (downSet) Add(context.Context, string) (bool, error) {
	return false, errors.New("dial tcp 10.0.0.7:6379: connect: connection refused")
}

func TestRunCountsEveryRecordWhenSeenSetFails(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator(map[int][]string{
		1: {"ids:1,2"},
		2: {"ids:2,3"},
	})
	h := newHarness(nav)
	h.deps.SeenSets = func(string) dedup.Set { return downSet{} }
	o := h.orchestrator(t, Config{MaxPages: 2})

	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalNew)
	assert.Equal(t, 1, stats.TotalDuplicates)
	assert.Equal(t, 2, stats.Pages[0].New)
	assert.Equal(t, 1, stats.Pages[1].Duplicates)
	assert.Equal(t, 3, h.store.Len())
}

func TestRunDuplicateThreshold(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator(map[int][]string{
		1: {"ids:1,2,3,4"},
		2: {"ids:1,2,3,9"},
		3: {"ids:10"},
	})
	h := newHarness(nav)
	o := h.orchestrator(t, Config{MaxPages: 5, DuplicateStopRatio: 0.75})

	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, auction.ReasonDuplicateThreshold, stats.Reason)
	assert.Equal(t, 2, stats.PagesVisited)
	assert.Equal(t, 5, stats.TotalNew)
	assert.Equal(t, 3, stats.TotalDuplicates)
}

func TestRunCanceledDuringAdvance(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nav := newFakeNavigator(map[int][]string{
		1: {"ids:1"},
		2: {"ids:2"},
	})
	nav.advanceErr = context.Canceled
	nav.onAdvance = cancel
	h := newHarness(nav)
	o := h.orchestrator(t, Config{MaxPages: 5, SummaryTopic: "crawl-runs"})

	stats, err := o.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, auction.ReasonCanceled, stats.Reason)
	assert.Equal(t, 1, stats.TotalNew)
	assert.Equal(t, 1, nav.closes)
	assert.Len(t, h.publisher.Messages(), 1)
}

func TestRunRejectsOverlap(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator(map[int][]string{1: {"ids:1"}})
	nav.loadBlock = make(chan struct{})
	h := newHarness(nav)
	started := make(chan struct{}, 1)
	h.deps.Navigators = func(context.Context) (Navigator, error) {
		started <- struct{}{}
		return nav, nil
	}
	o := h.orchestrator(t, Config{MaxPages: 1})

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background())
		done <- err
	}()
	<-started

	_, err := o.Run(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)

	close(nav.loadBlock)
	require.NoError(t, <-done)
}

func TestSnapshotPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "run-1/page-2-attempt-3", snapshotPath("", "run-1", 2, 3))
	assert.Equal(t, "debug/run-1/page-2-attempt-3", snapshotPath("/debug/", "run-1", 2, 3))
}
