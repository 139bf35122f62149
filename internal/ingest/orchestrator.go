// Package ingest drives one crawl run end to end: load the first page, then
// extract, classify, and persist each page before deciding whether to advance.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/auction-crawler/internal/auction"
	"github.com/JakeFAU/auction-crawler/internal/dedup"
	"github.com/JakeFAU/auction-crawler/internal/extract"
	"github.com/JakeFAU/auction-crawler/internal/navigator"
	"github.com/JakeFAU/auction-crawler/internal/retry"
)

// ErrRunInProgress is returned when Run is called while another run is active.
var ErrRunInProgress = errors.New("ingest: run already in progress")

// Navigator exposes one listing page at a time.
type Navigator interface {
	Load(ctx context.Context) error
	Advance(ctx context.Context) error
	Refresh(ctx context.Context) error
	Content(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	PageIndex() int
	Close() error
}

// Extractor turns page markup into candidate records.
type Extractor interface {
	ExtractPage(html string) ([]auction.Vehicle, error)
}

// Recorder receives page and run outcomes for metrics.
type Recorder interface {
	ObservePage(page auction.PageStatistics)
	ObserveRun(stats auction.RunStatistics)
}

// NavigatorFactory opens a fresh navigation session for a run.
type NavigatorFactory func(ctx context.Context) (Navigator, error)

// SeenSetFactory returns the run-scoped identifier set. Returning nil selects
// an in-memory set.
type SeenSetFactory func(runID string) dedup.Set

// Config controls run limits and retry budgets.
type Config struct {
	MaxPages           int
	PageAttempts       int
	EmptyRetryDelay    time.Duration
	LoadAttempts       int
	LoadBackoff        time.Duration
	DuplicateStopRatio float64
	SnapshotPrefix     string
	SummaryTopic       string
}

// Dependencies are the collaborators of an Orchestrator. Snapshots,
// Publisher, Metrics, and SeenSets are optional.
type Dependencies struct {
	Navigators NavigatorFactory
	Extractor  Extractor
	Store      auction.VehicleStore
	Clock      auction.Clock
	Sleeper    auction.Sleeper
	IDs        auction.IDGenerator
	SeenSets   SeenSetFactory
	Snapshots  auction.BlobStore
	Publisher  auction.Publisher
	Metrics    Recorder
	Logger     *zap.Logger
}

// Orchestrator runs crawls. Runs never overlap.
type Orchestrator struct {
	cfg  Config
	deps Dependencies
	log  *zap.Logger

	running sync.Mutex
}

// New validates deps and applies defaults to cfg.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Navigators == nil:
		return nil, fmt.Errorf("%w: navigator factory is required", auction.ErrConfiguration)
	case deps.Extractor == nil:
		return nil, fmt.Errorf("%w: extractor is required", auction.ErrConfiguration)
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: vehicle store is required", auction.ErrConfiguration)
	case deps.Clock == nil:
		return nil, fmt.Errorf("%w: clock is required", auction.ErrConfiguration)
	case deps.IDs == nil:
		return nil, fmt.Errorf("%w: id generator is required", auction.ErrConfiguration)
	}
	if cfg.MaxPages < 1 {
		cfg.MaxPages = 1
	}
	if cfg.PageAttempts < 1 {
		cfg.PageAttempts = 3
	}
	if cfg.LoadAttempts < 1 {
		cfg.LoadAttempts = 3
	}
	if cfg.DuplicateStopRatio < 0 {
		cfg.DuplicateStopRatio = 0
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps, log: logger}, nil
}

// Run performs one crawl. It always returns the statistics gathered so far.
// The error is non-nil only when the first page could not be reached or the
// run could not start.
func (o *Orchestrator) Run(ctx context.Context) (stats auction.RunStatistics, err error) {
	if !o.running.TryLock() {
		return stats, ErrRunInProgress
	}
	defer o.running.Unlock()

	runID, err := o.deps.IDs.NewID()
	if err != nil {
		return stats, fmt.Errorf("generate run id: %w", err)
	}
	stats.RunID = runID
	stats.StartedAt = o.deps.Clock.Now()
	logger := o.log.With(zap.String("run_id", runID))
	logger.Info("crawl run started", zap.Int("max_pages", o.cfg.MaxPages))
	defer func() { o.finish(ctx, logger, &stats) }()

	nav, err := o.deps.Navigators(ctx)
	if err != nil {
		stats.Reason = auction.ReasonNavigationFailed
		return stats, fmt.Errorf("open navigation session: %w", err)
	}
	defer func() {
		if cerr := nav.Close(); cerr != nil {
			logger.Warn("close navigation session", zap.Error(cerr))
		}
	}()

	var seen dedup.Set
	if o.deps.SeenSets != nil {
		seen = o.deps.SeenSets(runID)
	}
	acc := dedup.NewAccumulator(seen)
	defer func() {
		if rerr := acc.Release(context.WithoutCancel(ctx)); rerr != nil {
			logger.Warn("release seen set", zap.Error(rerr))
		}
	}()

	if err := o.load(ctx, logger, nav); err != nil {
		switch {
		case ctx.Err() != nil:
			stats.Reason = auction.ReasonCanceled
			return stats, nil
		case errors.Is(err, auction.ErrNavigationTimeout):
			stats.Reason = auction.ReasonNavigationTimeout
		default:
			stats.Reason = auction.ReasonNavigationFailed
		}
		return stats, fmt.Errorf("load first page: %w", err)
	}

	stats.Reason = o.crawl(ctx, logger, nav, acc, runID, &stats)
	return stats, nil
}

func (o *Orchestrator) load(ctx context.Context, logger *zap.Logger, nav Navigator) error {
	policy := retry.Policy{
		MaxAttempts: o.cfg.LoadAttempts,
		Backoff:     o.cfg.LoadBackoff,
	}
	_, err := policy.Do(ctx, o.deps.Sleeper, func(ctx context.Context, attempt int) error {
		err := nav.Load(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Warn("first page load failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", o.cfg.LoadAttempts),
				zap.Error(err),
			)
		}
		return err
	})
	return err
}

func (o *Orchestrator) crawl(
	ctx context.Context,
	logger *zap.Logger,
	nav Navigator,
	acc *dedup.Accumulator,
	runID string,
	stats *auction.RunStatistics,
) auction.TerminalReason {
	page := 1
	for {
		pageStats := auction.PageStatistics{Page: page}
		candidates, attempts, err := o.extractPage(ctx, logger, nav, runID, page)
		pageStats.Attempts = attempts
		if ctx.Err() != nil {
			return auction.ReasonCanceled
		}
		if err != nil {
			pageStats.Error = err.Error()
			o.recordPage(stats, pageStats)
			if errors.Is(err, auction.ErrNavigationTimeout) {
				logger.Warn("page content unavailable", zap.Int("page", page), zap.Error(err))
				return auction.ReasonPageTransitionStall
			}
			logger.Info("no records on page, treating as end of results",
				zap.Int("page", page),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
			return auction.ReasonExtractionEmpty
		}

		pageStats.Candidates = len(candidates)
		res := o.classify(ctx, logger, acc, candidates, page)
		pageStats.New = len(res.New)
		pageStats.Duplicates = len(res.Duplicates)

		written, failed := o.persist(ctx, logger, candidates, page)
		pageStats.Persisted = written
		if failed > 0 {
			pageStats.Error = fmt.Sprintf("%d records not persisted", failed)
		}
		stats.PagesVisited++
		stats.TotalNew, stats.TotalDuplicates = acc.Totals()
		stats.RecordsPersisted += written.Written()
		stats.PersistenceFailures += failed
		o.recordPage(stats, pageStats)

		logger.Info("page processed",
			zap.Int("page", page),
			zap.Int("candidates", pageStats.Candidates),
			zap.Int("new", pageStats.New),
			zap.Int("duplicates", pageStats.Duplicates),
			zap.Int("persisted", written.Written()),
			zap.Int("persistence_failures", failed),
		)

		if ctx.Err() != nil {
			return auction.ReasonCanceled
		}
		if o.cfg.DuplicateStopRatio > 0 && res.DuplicateRatio() >= o.cfg.DuplicateStopRatio {
			logger.Info("duplicate ratio reached stop threshold",
				zap.Int("page", page),
				zap.Float64("ratio", res.DuplicateRatio()),
				zap.Float64("threshold", o.cfg.DuplicateStopRatio),
			)
			return auction.ReasonDuplicateThreshold
		}
		if page >= o.cfg.MaxPages {
			return auction.ReasonMaxPagesReached
		}
		if err := nav.Advance(ctx); err != nil {
			if ctx.Err() != nil {
				return auction.ReasonCanceled
			}
			logger.Warn("could not advance past page", zap.Int("page", page), zap.Error(err))
			return auction.ReasonPageTransitionStall
		}
		page = nav.PageIndex()
	}
}

// extractPage reads and parses the active page, refreshing and retrying
// while it yields nothing. A not-found placeholder ends the retries early.
func (o *Orchestrator) extractPage(
	ctx context.Context,
	logger *zap.Logger,
	nav Navigator,
	runID string,
	page int,
) ([]auction.Vehicle, int, error) {
	policy := retry.Policy{
		MaxAttempts: o.cfg.PageAttempts,
		Backoff:     o.cfg.EmptyRetryDelay,
		Retryable: func(err error) bool {
			return !errors.Is(err, extract.ErrNotFoundPage)
		},
	}
	var candidates []auction.Vehicle
	attempts, err := policy.Do(ctx, o.deps.Sleeper, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			logger.Info("retrying page extraction", zap.Int("page", page), zap.Int("attempt", attempt))
			if err := nav.Refresh(ctx); err != nil {
				return err
			}
		}
		html, err := nav.Content(ctx)
		if err != nil {
			return err
		}
		o.snapshot(ctx, logger, nav, runID, page, attempt, html)
		vehicles, err := o.deps.Extractor.ExtractPage(html)
		if err != nil {
			return err
		}
		if len(vehicles) == 0 {
			return fmt.Errorf("page %d: %w", page, auction.ErrExtractionEmpty)
		}
		candidates = vehicles
		return nil
	})
	if err != nil {
		return nil, attempts, err
	}
	now := o.deps.Clock.Now()
	for i := range candidates {
		if candidates[i].Quote.ObservedAt.IsZero() {
			candidates[i].Quote.ObservedAt = now
		}
	}
	return candidates, attempts, nil
}

// classify counts first sightings. Records the seen-set cannot answer for
// are classified against the run's local mirror.
func (o *Orchestrator) classify(
	ctx context.Context,
	logger *zap.Logger,
	acc *dedup.Accumulator,
	candidates []auction.Vehicle,
	page int,
) dedup.Result {
	res, err := acc.Classify(ctx, candidates)
	if err != nil && ctx.Err() == nil {
		logger.Error("seen-set unavailable, classified locally",
			zap.Int("page", page),
			zap.Error(err),
		)
	}
	return res
}

func (o *Orchestrator) persist(
	ctx context.Context,
	logger *zap.Logger,
	candidates []auction.Vehicle,
	page int,
) (auction.UpsertResult, int) {
	written, err := o.deps.Store.Upsert(ctx, candidates)
	if err == nil {
		return written, 0
	}
	failed := len(candidates) - written.Written()
	if failed <= 0 {
		failed = 1
	}
	logger.Error("persist page",
		zap.Int("page", page),
		zap.Int("failed", failed),
		zap.Error(err),
	)
	return written, failed
}

func (o *Orchestrator) snapshot(
	ctx context.Context,
	logger *zap.Logger,
	nav Navigator,
	runID string,
	page, attempt int,
	html string,
) {
	if o.deps.Snapshots == nil {
		return
	}
	base := snapshotPath(o.cfg.SnapshotPrefix, runID, page, attempt)
	if _, err := o.deps.Snapshots.PutObject(ctx, base+".html", "text/html; charset=utf-8", strings.NewReader(html)); err != nil {
		logger.Warn("store html snapshot", zap.Int("page", page), zap.Error(err))
	}
	img, err := nav.Screenshot(ctx)
	switch {
	case errors.Is(err, navigator.ErrUnsupported):
		return
	case err != nil:
		logger.Debug("capture screenshot", zap.Int("page", page), zap.Error(err))
		return
	}
	if _, err := o.deps.Snapshots.PutObject(ctx, base+".png", "image/png", bytes.NewReader(img)); err != nil {
		logger.Warn("store screenshot", zap.Int("page", page), zap.Error(err))
	}
}

func snapshotPath(prefix, runID string, page, attempt int) string {
	name := fmt.Sprintf("%s/page-%d-attempt-%d", runID, page, attempt)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (o *Orchestrator) recordPage(stats *auction.RunStatistics, page auction.PageStatistics) {
	stats.Pages = append(stats.Pages, page)
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObservePage(page)
	}
}

func (o *Orchestrator) finish(ctx context.Context, logger *zap.Logger, stats *auction.RunStatistics) {
	stats.FinishedAt = o.deps.Clock.Now()
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveRun(*stats)
	}
	fields := []zap.Field{
		zap.String("reason", string(stats.Reason)),
		zap.Int("pages_visited", stats.PagesVisited),
		zap.Int("total_new", stats.TotalNew),
		zap.Int("total_duplicates", stats.TotalDuplicates),
		zap.Int("records_persisted", stats.RecordsPersisted),
		zap.Int("persistence_failures", stats.PersistenceFailures),
		zap.Duration("duration", stats.Duration()),
	}
	if stats.Reason.Failed() {
		logger.Error("crawl run failed", fields...)
	} else {
		logger.Info("crawl run finished", fields...)
	}
	if o.deps.Publisher == nil || o.cfg.SummaryTopic == "" {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if msgID, err := o.deps.Publisher.Publish(pubCtx, o.cfg.SummaryTopic, *stats); err != nil {
		logger.Warn("publish run summary", zap.Error(err))
	} else {
		logger.Debug("run summary published", zap.String("message_id", msgID))
	}
}
