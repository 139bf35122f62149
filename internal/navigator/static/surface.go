// Package static implements a navigator.Surface over plain HTTP with colly,
// for listings that paginate through a query parameter.
package static

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/auction-crawler/internal/auction"
	"github.com/JakeFAU/auction-crawler/internal/extract"
)

const defaultPageParam = "page"

// Config controls the HTTP session.
type Config struct {
	TargetURL      string
	PageParam      string
	UserAgent      string
	MarkerSelector string
	Timeout        time.Duration
	// Transport overrides the HTTP transport (primarily for testing).
	Transport http.RoundTripper
}

// Surface fetches one results page per request and keeps the last body.
type Surface struct {
	cfg       Config
	target    *url.URL
	collector *colly.Collector
	transport http.RoundTripper
	hasher    auction.Hasher
	logger    *zap.Logger

	mu   sync.RWMutex
	body []byte
}

// New builds a Surface for cfg.TargetURL.
func New(cfg Config, hasher auction.Hasher, logger *zap.Logger) (*Surface, error) {
	target, err := url.Parse(cfg.TargetURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("%w: crawler.target_url must be an absolute url", auction.ErrConfiguration)
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageParam == "" {
		cfg.PageParam = defaultPageParam
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.ParseHTTPErrorResponse = true
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(transport)

	return &Surface{
		cfg:       cfg,
		target:    target,
		collector: c,
		transport: transport,
		hasher:    hasher,
		logger:    logger,
	}, nil
}

// PageURL returns the address of the given results page.
func (s *Surface) PageURL(page int) string {
	if page <= 1 {
		return s.target.String()
	}
	u := *s.target
	q := u.Query()
	q.Set(s.cfg.PageParam, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

// Open implements navigator.Surface.
func (s *Surface) Open(ctx context.Context) error {
	return s.fetch(ctx, s.PageURL(1))
}

// GoTo implements navigator.Surface.
func (s *Surface) GoTo(ctx context.Context, page int) error {
	return s.fetch(ctx, s.PageURL(page))
}

// Refresh implements navigator.Surface.
func (s *Surface) Refresh(ctx context.Context, page int) error {
	return s.fetch(ctx, s.PageURL(page))
}

// Content implements navigator.Surface.
func (s *Surface) Content(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return string(s.body), nil
}

// ActivePage implements navigator.Surface. The marker is the highlighted
// paginator entry when present, otherwise a digest of the lot links (or of
// the whole body when there are none).
func (s *Surface) ActivePage(context.Context) (string, error) {
	s.mu.RLock()
	body := s.body
	s.mu.RUnlock()
	if len(body) == 0 {
		return "", nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}
	if s.cfg.MarkerSelector != "" {
		if text := strings.TrimSpace(doc.Find(s.cfg.MarkerSelector).First().Text()); text != "" {
			return "page:" + text, nil
		}
	}
	var hrefs []string
	doc.Find(extract.LotLinkSelector).Each(func(_ int, a *goquery.Selection) {
		if href, ok := a.Attr("href"); ok {
			hrefs = append(hrefs, href)
		}
	})
	if len(hrefs) == 0 {
		digest, err := s.hasher.Hash(body)
		if err != nil {
			return "", fmt.Errorf("hash body: %w", err)
		}
		return "body:" + digest, nil
	}
	digest, err := s.hasher.Hash([]byte(strings.Join(hrefs, "|")))
	if err != nil {
		return "", fmt.Errorf("hash lots: %w", err)
	}
	return "lots:" + digest, nil
}

// Close implements navigator.Surface.
func (s *Surface) Close() error {
	return nil
}

// fetch loads pageURL. The request carries ctx, so cancellation aborts it
// in flight. 404 and 410 responses are kept as content so that
// running past the last page reads as an empty page rather than an error.
func (s *Surface) fetch(ctx context.Context, pageURL string) error {
	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector := s.collector.Clone()
	collector.Context = ctx
	collector.ParseHTTPErrorResponse = true
	collector.WithTransport(s.transport)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch %s: %w", pageURL, ctx.Err())
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("fetch %s: %w: %w", pageURL, context.DeadlineExceeded, err)
			}
			return fmt.Errorf("fetch %s: %w", pageURL, err)
		}
	}

	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		s.logger.Info("listing page not found", zap.String("url", pageURL), zap.Int("status", status))
	case status >= 400:
		return fmt.Errorf("fetch %s: unexpected status %d", pageURL, status)
	}

	s.mu.Lock()
	s.body = body
	s.mu.Unlock()
	s.logger.Debug("listing page fetched",
		zap.String("url", pageURL),
		zap.Int("status", status),
		zap.Int("bytes", len(body)),
	)
	return nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
