// Package navigator drives a paginated results surface one page at a time.
//
// The Navigator owns the page-transition state machine and the timing rules
// (deadlines, pacing, stall detection). Rendering is delegated to a Surface,
// which may be a headless browser or a plain HTTP fetcher.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/auction-crawler/internal/auction"
)

// ErrNoControl is returned by a Surface when no control exists that can
// move to the requested page.
var ErrNoControl = errors.New("navigator: no pagination control")

// ErrUnsupported is returned for optional capabilities a Surface lacks.
var ErrUnsupported = errors.New("navigator: unsupported by surface")

// Surface renders the listing and reports which page is active.
type Surface interface {
	// Open loads the first results page.
	Open(ctx context.Context) error
	// ActivePage returns a marker identifying the rendered page. Two reads
	// return the same marker only if the same page is showing.
	ActivePage(ctx context.Context) (string, error)
	// GoTo requests a transition to page (1-based).
	GoTo(ctx context.Context, page int) error
	// Refresh re-renders the current page.
	Refresh(ctx context.Context, page int) error
	// Content returns the rendered markup.
	Content(ctx context.Context) (string, error)
	Close() error
}

// Screenshotter is implemented by surfaces that can capture an image of the page.
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// State is the navigator lifecycle state.
type State int

// Navigator states.
const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateAdvancing
	StateStalled
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateAdvancing:
		return "advancing"
	case StateStalled:
		return "stalled"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config controls deadlines and pacing.
type Config struct {
	// Timeout bounds every single surface operation.
	Timeout time.Duration
	// AdvanceRetries is how many extra transition attempts follow a stall.
	AdvanceRetries int
	// AdvanceBackoff is the pause before each extra transition attempt.
	AdvanceBackoff time.Duration
	// MinInterval spaces out page loads and transitions.
	MinInterval time.Duration
}

// Navigator exposes the current page of a Surface.
type Navigator struct {
	surface Surface
	cfg     Config
	sleeper auction.Sleeper
	limiter *rate.Limiter
	logger  *zap.Logger

	mu     sync.Mutex
	state  State
	page   int
	marker string

	closeOnce sync.Once
	closeErr  error
}

// New wraps surface. The sleeper paces transition retries.
func New(surface Surface, cfg Config, sleeper auction.Sleeper, logger *zap.Logger) *Navigator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.AdvanceRetries < 0 {
		cfg.AdvanceRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return &Navigator{
		surface: surface,
		cfg:     cfg,
		sleeper: sleeper,
		limiter: limiter,
		logger:  logger,
		state:   StateIdle,
	}
}

// State returns the current lifecycle state.
func (n *Navigator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// PageIndex returns the 1-based index of the active page, or 0 before Load.
func (n *Navigator) PageIndex() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.page
}

func (n *Navigator) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// Load opens the first page. A load exceeding the timeout returns
// auction.ErrNavigationTimeout; callers may call Load again.
func (n *Navigator) Load(ctx context.Context) error {
	switch st := n.State(); st {
	case StateIdle, StateFailed:
	default:
		return fmt.Errorf("load in state %s", st)
	}
	n.setState(StateLoading)
	if err := n.limiter.Wait(ctx); err != nil {
		n.setState(StateFailed)
		return err
	}
	err := n.call(ctx, "open", n.surface.Open)
	if err != nil {
		n.setState(StateFailed)
		return err
	}
	marker, err := n.readMarker(ctx)
	if err != nil {
		n.logger.Warn("active page marker unavailable", zap.Error(err))
	}
	n.mu.Lock()
	n.state = StateReady
	n.page = 1
	n.marker = marker
	n.mu.Unlock()
	n.logger.Info("first page loaded", zap.String("marker", marker))
	return nil
}

// Advance moves to the next page and verifies the active page changed. If it
// did not change after every retry, the navigator stalls and Advance returns
// auction.ErrPageTransitionStall. A stalled navigator stays on the last good
// page.
func (n *Navigator) Advance(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateReady {
		st := n.state
		n.mu.Unlock()
		return fmt.Errorf("advance in state %s", st)
	}
	n.state = StateAdvancing
	from, before := n.page, n.marker
	n.mu.Unlock()

	target := from + 1
	var lastErr error
	for attempt := 0; attempt <= n.cfg.AdvanceRetries; attempt++ {
		if attempt > 0 {
			if err := n.sleep(ctx, n.cfg.AdvanceBackoff); err != nil {
				n.setState(StateReady)
				return err
			}
			if current, err := n.readMarker(ctx); err == nil && current != "" && current != before {
				return n.advanced(target, current, attempt)
			}
		}
		if err := n.limiter.Wait(ctx); err != nil {
			n.setState(StateReady)
			return err
		}
		err := n.call(ctx, "goto", func(c context.Context) error { return n.surface.GoTo(c, target) })
		if err != nil {
			if ctx.Err() != nil {
				n.setState(StateReady)
				return ctx.Err()
			}
			lastErr = err
			n.logger.Warn("page transition attempt failed",
				zap.Int("target_page", target),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}
		after, err := n.readMarker(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if after != "" && after != before {
			return n.advanced(target, after, attempt)
		}
		lastErr = nil
		n.logger.Warn("active page unchanged after transition",
			zap.Int("target_page", target),
			zap.Int("attempt", attempt+1),
			zap.String("marker", after),
		)
	}

	n.setState(StateStalled)
	if errors.Is(lastErr, auction.ErrNavigationTimeout) {
		return fmt.Errorf("advance to page %d: %w", target, lastErr)
	}
	if lastErr != nil {
		return fmt.Errorf("advance to page %d: %w: %w", target, auction.ErrPageTransitionStall, lastErr)
	}
	return fmt.Errorf("advance to page %d: %w", target, auction.ErrPageTransitionStall)
}

func (n *Navigator) advanced(page int, marker string, attempt int) error {
	n.mu.Lock()
	n.state = StateReady
	n.page = page
	n.marker = marker
	n.mu.Unlock()
	n.logger.Info("advanced page",
		zap.Int("page", page),
		zap.Int("attempts", attempt+1),
		zap.String("marker", marker),
	)
	return nil
}

// Refresh re-renders the active page without moving.
func (n *Navigator) Refresh(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateReady {
		st := n.state
		n.mu.Unlock()
		return fmt.Errorf("refresh in state %s", st)
	}
	page := n.page
	n.mu.Unlock()

	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := n.call(ctx, "refresh", func(c context.Context) error { return n.surface.Refresh(c, page) }); err != nil {
		return err
	}
	if marker, err := n.readMarker(ctx); err == nil && marker != "" {
		n.mu.Lock()
		n.marker = marker
		n.mu.Unlock()
	}
	return nil
}

// Content returns the rendered markup of the active page.
func (n *Navigator) Content(ctx context.Context) (string, error) {
	var html string
	err := n.call(ctx, "content", func(c context.Context) error {
		var err error
		html, err = n.surface.Content(c)
		return err
	})
	return html, err
}

// Screenshot captures the active page when the surface supports it.
func (n *Navigator) Screenshot(ctx context.Context) ([]byte, error) {
	shooter, ok := n.surface.(Screenshotter)
	if !ok {
		return nil, ErrUnsupported
	}
	var img []byte
	err := n.call(ctx, "screenshot", func(c context.Context) error {
		var err error
		img, err = shooter.Screenshot(c)
		return err
	})
	return img, err
}

// Close releases the surface. It is safe to call more than once.
func (n *Navigator) Close() error {
	n.closeOnce.Do(func() {
		n.closeErr = n.surface.Close()
		n.setState(StateClosed)
	})
	return n.closeErr
}

func (n *Navigator) readMarker(ctx context.Context) (string, error) {
	var marker string
	err := n.call(ctx, "active page", func(c context.Context) error {
		var err error
		marker, err = n.surface.ActivePage(c)
		return err
	})
	return marker, err
}

// call runs op under the navigation timeout. A deadline hit by the timeout,
// rather than by the caller's context, becomes auction.ErrNavigationTimeout.
func (n *Navigator) call(ctx context.Context, name string, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()
	err := op(opCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", name, ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) || opCtx.Err() != nil {
		return fmt.Errorf("%s: %w: %w", name, auction.ErrNavigationTimeout, err)
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (n *Navigator) sleep(ctx context.Context, d time.Duration) error {
	if n.sleeper == nil || d <= 0 {
		return ctx.Err()
	}
	return n.sleeper.Sleep(ctx, d)
}
