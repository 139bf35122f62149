// Package auction defines the vehicle record model and the contracts shared
// by the crawl, extraction, dedup, and persistence subsystems.
package auction

import (
	"encoding/json"
	"time"
)

// DefaultSource tags records written by this crawler.
const DefaultSource = "auction_crawler"

// Listing holds the fields written once, when a vehicle is first persisted.
type Listing struct {
	Title          string `json:"title"`
	DetailLink     string `json:"detail_link"`
	ImageURL       string `json:"image_url"`
	Location       string `json:"location"`
	EstimatedValue string `json:"estimated_value"`
	Source         string `json:"source"`
}

// Quote holds the fields refreshed on every observation of a vehicle.
// Numeric projections are derived on demand so they never drift from the text.
type Quote struct {
	OdometerText   string    `json:"odometer"`
	CurrentBidText string    `json:"current_bid"`
	BuyItNowText   string    `json:"buy_it_now"`
	ObservedAt     time.Time `json:"observed_at"`
}

// OdometerNumeric returns the odometer reading with every non-digit removed.
func (q Quote) OdometerNumeric() int64 {
	return ParseCount(q.OdometerText)
}

// CurrentBidNumeric returns the bid amount, or 0 when it cannot be parsed.
func (q Quote) CurrentBidNumeric() float64 {
	return ParseAmount(q.CurrentBidText)
}

// BuyItNowNumeric returns the buy-it-now amount, or nil when none was listed.
func (q Quote) BuyItNowNumeric() *float64 {
	return ParseOptionalAmount(q.BuyItNowText)
}

// Vehicle is one listing card as extracted from a results page.
type Vehicle struct {
	ID            string
	Listing       Listing
	Quote         Quote
	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

type vehicleJSON struct {
	ID string `json:"id"`
	Listing
	Quote
	OdometerNumeric   int64      `json:"odometer_numeric"`
	CurrentBidNumeric float64    `json:"current_bid_numeric"`
	BuyItNowNumeric   *float64   `json:"buy_it_now_numeric"`
	CreatedAt         *time.Time `json:"created_at,omitempty"`
	LastUpdatedAt     *time.Time `json:"last_updated_at,omitempty"`
}

// MarshalJSON flattens the record and includes the derived numeric fields.
func (v Vehicle) MarshalJSON() ([]byte, error) {
	out := vehicleJSON{
		ID:                v.ID,
		Listing:           v.Listing,
		Quote:             v.Quote,
		OdometerNumeric:   v.Quote.OdometerNumeric(),
		CurrentBidNumeric: v.Quote.CurrentBidNumeric(),
		BuyItNowNumeric:   v.Quote.BuyItNowNumeric(),
	}
	if !v.CreatedAt.IsZero() {
		created := v.CreatedAt
		out.CreatedAt = &created
	}
	if !v.LastUpdatedAt.IsZero() {
		updated := v.LastUpdatedAt
		out.LastUpdatedAt = &updated
	}
	return json.Marshal(out)
}

// Summary aggregates the persisted vehicle collection.
type Summary struct {
	Count              int64      `json:"count"`
	AverageOdometer    float64    `json:"avg_odometer"`
	AverageBid         float64    `json:"avg_bid"`
	MinBid             float64    `json:"min_bid"`
	MaxBid             float64    `json:"max_bid"`
	VehiclesWithBuyNow int64      `json:"vehicles_with_buy_now"`
	LatestObservation  *time.Time `json:"latest_observation,omitempty"`
}
