// Package extract turns rendered listing markup into candidate vehicle records.
//
// Field values are resolved by ordered strategy lists; the first strategy
// that matches wins, so new page layouts are supported by adding strategies
// rather than editing the extractor.
package extract

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/auction-crawler/internal/auction"
)

// ErrNotFoundPage indicates the page is the site's "not found" placeholder
// rather than a results page.
var ErrNotFoundPage = errors.New("extract: not found page")

const (
	// LotLinkSelector matches anchors pointing at lot detail pages.
	LotLinkSelector = `a[href*="/lot/"]`

	containerSelector = `[class*="card"], [class*="item"], [class*="lot-"], div, li, tr`
	maxTitleLength    = 200
	minNameLength     = 3
)

var (
	lotIDPattern     = regexp.MustCompile(`/lot/(\d+)`)
	notFoundMarkers  = []string{"404 Error", "Sorry, we can't find that page"}
	navigationPhrase = []string{"driver seat", "my lots"}
)

// Item is the raw material for one candidate record, gathered from a single
// detail link and the card that contains it.
type Item struct {
	Href      string
	LinkText  string
	LinkTitle string
	Text      string
	ImageSrc  string
}

// Config controls how extracted records are completed.
type Config struct {
	BaseURL string
	Source  string
}

// Extractor parses result pages. It holds no mutable state and is safe for
// concurrent use.
type Extractor struct {
	base   *url.URL
	source string
	logger *zap.Logger
}

// New builds an Extractor that resolves relative links against cfg.BaseURL.
func New(cfg Config, logger *zap.Logger) (*Extractor, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url must be absolute: %q", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	source := cfg.Source
	if source == "" {
		source = auction.DefaultSource
	}
	return &Extractor{
		base:   &url.URL{Scheme: base.Scheme, Host: base.Host},
		source: source,
		logger: logger,
	}, nil
}

// ExtractPage returns one record per distinct lot on the page, in document
// order. A not-found placeholder page yields ErrNotFoundPage.
func (e *Extractor) ExtractPage(html string) ([]auction.Vehicle, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	if isNotFound(doc.Text()) {
		return nil, ErrNotFoundPage
	}

	var (
		vehicles []auction.Vehicle
		seen     = make(map[string]struct{})
		links    int
	)
	doc.Find(LotLinkSelector).Each(func(_ int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		id := lotID(href)
		if id == "" {
			return
		}
		links++
		if _, dup := seen[id]; dup {
			return
		}
		v, ok := e.ExtractItem(itemFor(link, href))
		if !ok {
			return
		}
		seen[id] = struct{}{}
		vehicles = append(vehicles, v)
	})
	e.logger.Debug("page extracted",
		zap.Int("lot_links", links),
		zap.Int("records", len(vehicles)),
	)
	return vehicles, nil
}

// ExtractItem builds a record from one item. It reports false when the item
// has no lot identifier or its resolved title looks like navigation chrome.
func (e *Extractor) ExtractItem(item Item) (auction.Vehicle, bool) {
	id := lotID(item.Href)
	if id == "" {
		return auction.Vehicle{}, false
	}
	title, ok := resolveTitle(item)
	if !ok {
		return auction.Vehicle{}, false
	}

	odometer, _, _ := firstMatch(item, OdometerStrategies)
	bid, _, _ := firstMatch(item, BidStrategies)
	estimate, _, _ := firstMatch(item, EstimateStrategies)
	buyNow, _, _ := firstMatch(item, BuyItNowStrategies)

	return auction.Vehicle{
		ID: id,
		Listing: auction.Listing{
			Title:          title,
			DetailLink:     e.absolute(item.Href),
			ImageURL:       e.imageURL(item.ImageSrc),
			Location:       locationFromLink(item.Href),
			EstimatedValue: estimate,
			Source:         e.source,
		},
		Quote: auction.Quote{
			OdometerText:   odometer,
			CurrentBidText: bid,
			BuyItNowText:   buyNow,
		},
	}, true
}

func resolveTitle(item Item) (string, bool) {
	title, _, ok := firstMatch(item, TitleStrategies)
	if !ok || title == "" {
		return "", false
	}
	lower := strings.ToLower(title)
	if strings.Contains(title, "{{") || len(title) > maxTitleLength {
		return "", false
	}
	for _, phrase := range navigationPhrase {
		if strings.Contains(lower, phrase) {
			return "", false
		}
	}
	if i := strings.IndexAny(title, "\r\n"); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimSpace(title)
	if len(title) < minNameLength {
		return "", false
	}
	return title, true
}

func lotID(href string) string {
	m := lotIDPattern.FindStringSubmatch(href)
	if m == nil {
		return ""
	}
	return m[1]
}

func isNotFound(text string) bool {
	for _, marker := range notFoundMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func (e *Extractor) absolute(href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	return e.base.ResolveReference(ref).String()
}

func (e *Extractor) imageURL(src string) string {
	src = strings.TrimSpace(src)
	switch {
	case src == "":
		return ""
	case strings.HasPrefix(src, "//"):
		return e.base.Scheme + ":" + src
	case strings.HasPrefix(src, "/"):
		return e.base.String() + src
	default:
		return src
	}
}
