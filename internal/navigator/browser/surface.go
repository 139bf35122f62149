// Package browser implements a navigator.Surface on headless Chrome via
// chromedp, for listings that render and paginate client-side.
package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/auction-crawler/internal/auction"
	"github.com/JakeFAU/auction-crawler/internal/extract"
	"github.com/JakeFAU/auction-crawler/internal/navigator"
)

const (
	defaultMarkerSelector = ".p-paginator-page.p-highlight"
	defaultWidth          = 1920
	defaultHeight         = 1080
	dropdownDelay         = time.Second
	scrollDelay           = time.Second
)

// Config controls the browser session.
type Config struct {
	TargetURL      string
	UserAgent      string
	Headless       bool
	PageSize       int
	DismissConsent bool
	SettleDelay    time.Duration
	MarkerSelector string
	// ExecPath overrides the Chrome binary; empty searches the usual locations.
	ExecPath string
}

// Surface drives a single Chrome tab.
type Surface struct {
	cfg    Config
	hasher auction.Hasher
	logger *zap.Logger

	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	startMu  sync.Mutex
	started  bool
	startErr error
	status   *documentStatus
}

// New prepares a Chrome allocator. The browser itself starts on Open.
func New(cfg Config, hasher auction.Hasher, logger *zap.Logger) (*Surface, error) {
	u, err := url.Parse(cfg.TargetURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: crawler.target_url must be an absolute url", auction.ErrConfiguration)
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MarkerSelector == "" {
		cfg.MarkerSelector = defaultMarkerSelector
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(defaultWidth, defaultHeight),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	sugar := logger.Sugar()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)

	return &Surface{
		cfg:         cfg,
		hasher:      hasher,
		logger:      logger,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		status:      &documentStatus{},
	}, nil
}

// start launches the browser on the long-lived tab context so that
// per-operation deadlines never tear the browser down. If ctx ends before
// Chrome answers, the browser is killed and the surface stays unusable.
func (s *Surface) start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started || s.startErr != nil {
		return s.startErr
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("chromedp warmup: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(s.tabCtx) }()

	select {
	case err := <-done:
		if err != nil {
			s.startErr = fmt.Errorf("chromedp warmup: %w", err)
			return s.startErr
		}
	case <-ctx.Done():
		s.tabCancel()
		s.allocCancel()
		s.startErr = fmt.Errorf("chromedp warmup: %w", ctx.Err())
		return s.startErr
	}
	chromedp.ListenTarget(s.tabCtx, s.status.captureEvent)
	s.started = true
	return nil
}

// Open implements navigator.Surface.
func (s *Surface) Open(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		return err
	}
	err := s.run(ctx,
		s.setupAction(),
		chromedp.Navigate(s.cfg.TargetURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.cfg.SettleDelay),
	)
	if err != nil {
		return err
	}
	if status := s.status.get(); status >= 400 {
		s.logger.Warn("listing responded with error status", zap.Int("status", status))
	}
	s.prepare(ctx)
	return nil
}

// prepare dismisses consent prompts and widens the page size. Both are best
// effort; a listing without either control still works.
func (s *Surface) prepare(ctx context.Context) {
	if s.cfg.DismissConsent {
		var clicked bool
		if err := s.run(ctx, chromedp.Evaluate(dismissConsentScript, &clicked)); err != nil {
			s.logger.Debug("consent dismissal failed", zap.Error(err))
		} else if clicked {
			s.logger.Info("dismissed consent prompt")
			_ = s.run(ctx, chromedp.Sleep(dropdownDelay))
		}
	}
	if s.cfg.PageSize > 0 {
		var opened, chosen bool
		err := s.run(ctx,
			chromedp.Evaluate(openPageSizeScript, &opened),
			chromedp.Sleep(dropdownDelay),
		)
		if err != nil || !opened {
			s.logger.Debug("page size control not found", zap.Error(err))
			return
		}
		err = s.run(ctx,
			chromedp.Evaluate(choosePageSizeScript(s.cfg.PageSize), &chosen),
			chromedp.Sleep(s.cfg.SettleDelay),
		)
		if err != nil || !chosen {
			s.logger.Debug("page size option not found", zap.Int("page_size", s.cfg.PageSize), zap.Error(err))
			return
		}
		s.logger.Info("page size widened", zap.Int("page_size", s.cfg.PageSize))
	}
}

// ActivePage implements navigator.Surface.
func (s *Surface) ActivePage(ctx context.Context) (string, error) {
	var raw string
	if err := s.run(ctx, chromedp.Evaluate(markerScript(s.cfg.MarkerSelector, extract.LotLinkSelector), &raw)); err != nil {
		return "", err
	}
	return s.marker(raw)
}

func (s *Surface) marker(raw string) (string, error) {
	switch {
	case strings.HasPrefix(raw, "page:"):
		return raw, nil
	case raw == "lots:" || raw == "":
		return "", nil
	default:
		digest, err := s.hasher.Hash([]byte(raw))
		if err != nil {
			return "", fmt.Errorf("hash marker: %w", err)
		}
		return "lots:" + digest, nil
	}
}

// GoTo implements navigator.Surface.
func (s *Surface) GoTo(ctx context.Context, target int) error {
	var outcome string
	if err := s.run(ctx, chromedp.Evaluate(gotoScript(target), &outcome)); err != nil {
		return err
	}
	switch outcome {
	case clickedPage, clickedNext:
	default:
		return fmt.Errorf("page %d control %s: %w", target, outcome, navigator.ErrNoControl)
	}
	s.logger.Debug("pagination control clicked", zap.Int("target_page", target), zap.String("control", outcome))
	var scrolled bool
	return s.run(ctx,
		chromedp.Sleep(s.cfg.SettleDelay),
		chromedp.Evaluate(scrollScript, &scrolled),
		chromedp.Sleep(scrollDelay),
	)
}

// Refresh implements navigator.Surface. Reloading would reset client-side
// pagination, so pages after the first only get more time to render.
func (s *Surface) Refresh(ctx context.Context, current int) error {
	if current <= 1 {
		err := s.run(ctx,
			chromedp.Reload(),
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Sleep(s.cfg.SettleDelay),
		)
		if err != nil {
			return err
		}
		s.prepare(ctx)
		return nil
	}
	var scrolled bool
	return s.run(ctx,
		chromedp.Evaluate(scrollScript, &scrolled),
		chromedp.Sleep(s.cfg.SettleDelay),
	)
}

// Content implements navigator.Surface.
func (s *Surface) Content(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Screenshot implements navigator.Screenshotter.
func (s *Surface) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.FullScreenshot(&buf, 80)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close tears down the tab and the browser process.
func (s *Surface) Close() error {
	s.tabCancel()
	s.allocCancel()
	return nil
}

func (s *Surface) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if err := emulation.SetDeviceMetricsOverride(defaultWidth, defaultHeight, 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(hideWebdriverScript).Do(ctx); err != nil {
			return fmt.Errorf("install init script: %w", err)
		}
		return nil
	})
}

// run executes actions on the tab, bounded by ctx's deadline and
// cancellation.
func (s *Surface) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := s.bind(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("chromedp run: %w", ctxErr)
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (s *Surface) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(s.tabCtx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(s.tabCtx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

type documentStatus struct {
	mu     sync.RWMutex
	status int
}

func (d *documentStatus) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	d.status = int(resp.Response.Status)
	d.mu.Unlock()
}

func (d *documentStatus) get() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}
