package extract

import (
	"regexp"
	"strings"
)

// Strategy derives one field value from a candidate item.
type Strategy struct {
	Name  string
	Match func(Item) (string, bool)
}

// firstMatch returns the value of the first strategy that matches.
func firstMatch(item Item, strategies []Strategy) (string, string, bool) {
	for _, s := range strategies {
		if v, ok := s.Match(item); ok {
			return v, s.Name, true
		}
	}
	return "", "", false
}

const (
	maxYearTitleLength = 60
	minTitleLength     = 5
	placeholderTitle   = "Lot Image"
)

var (
	yearTitlePattern = regexp.MustCompile(`\b(?:19|20)\d{2}(?:[ \t]+[A-Z0-9][A-Z0-9-]*\b)+`)
	slugTitlePattern = regexp.MustCompile(`/lot/\d+/[^/]*-(\d{4}-[a-z-]+)-[a-z]{2}-`)

	odometerLabelPattern = regexp.MustCompile(`(?i)\bOdometer[:\s]+([\d,]+)`)
	distancePattern      = regexp.MustCompile(`(?i)\b([\d,]*\d)\s*(mi|miles|km)\b`)

	estimatePattern = regexp.MustCompile(`(?i)\b(?:Est(?:imated)?\.?\s*(?:Retail\s*)?(?:Value)?|ERV|Retail\s*(?:Value)?)[:\s]*(\$[\d,]+(?:\.\d{2})?)`)
	bidLabelPattern = regexp.MustCompile(`(?i)\b(?:Current\s*Bid|Bid)[:\s]*(\$[\d,]+(?:\.\d{2})?)`)
	amountPattern   = regexp.MustCompile(`\$[\d,]+(?:\.\d{2})?`)
	buyNowPattern   = regexp.MustCompile(`(?i)\b(?:Buy\s*(?:It\s*)?Now|BIN)[:\s]*(\$[\d,]+(?:\.\d{2})?)`)
)

// usableTitle rejects candidates too short to be a vehicle name and the
// placeholder alt text carried by thumbnail links.
func usableTitle(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) < minTitleLength || s == placeholderTitle {
		return "", false
	}
	return s, true
}

// TitleStrategies resolve the vehicle title, most specific first.
var TitleStrategies = []Strategy{
	{
		Name: "year-make-model",
		Match: func(item Item) (string, bool) {
			m := yearTitlePattern.FindString(item.Text)
			if len(m) > maxYearTitleLength {
				m = m[:maxYearTitleLength]
			}
			return usableTitle(m)
		},
	},
	{
		Name: "link-text",
		Match: func(item Item) (string, bool) {
			return usableTitle(item.LinkText)
		},
	},
	{
		Name: "link-title",
		Match: func(item Item) (string, bool) {
			return usableTitle(item.LinkTitle)
		},
	},
	{
		Name: "link-slug",
		Match: func(item Item) (string, bool) {
			m := slugTitlePattern.FindStringSubmatch(strings.ToLower(item.Href))
			if m == nil {
				return "", false
			}
			return usableTitle(strings.ToUpper(strings.ReplaceAll(m[1], "-", " ")))
		},
	},
}

// OdometerStrategies resolve the odometer reading as "<digits> <unit>".
var OdometerStrategies = []Strategy{
	{
		Name: "odometer-label",
		Match: func(item Item) (string, bool) {
			m := odometerLabelPattern.FindStringSubmatch(item.Text)
			if m == nil {
				return "", false
			}
			return distance(m[1], "mi")
		},
	},
	{
		Name: "distance-unit",
		Match: func(item Item) (string, bool) {
			m := distancePattern.FindStringSubmatch(item.Text)
			if m == nil {
				return "", false
			}
			unit := "mi"
			if strings.EqualFold(m[2], "km") {
				unit = "km"
			}
			return distance(m[1], unit)
		},
	},
}

func distance(raw, unit string) (string, bool) {
	digits := strings.ReplaceAll(raw, ",", "")
	if digits == "" {
		return "", false
	}
	return digits + " " + unit, true
}

// BidStrategies resolve the current bid amount.
var BidStrategies = []Strategy{
	{
		Name:  "bid-label",
		Match: submatch(bidLabelPattern),
	},
	{
		Name: "first-amount",
		Match: func(item Item) (string, bool) {
			m := amountPattern.FindString(item.Text)
			return m, m != ""
		},
	},
}

// EstimateStrategies resolve the estimated retail value.
var EstimateStrategies = []Strategy{
	{Name: "estimate-label", Match: submatch(estimatePattern)},
}

// BuyItNowStrategies resolve the buy-it-now price.
var BuyItNowStrategies = []Strategy{
	{Name: "buy-it-now-label", Match: submatch(buyNowPattern)},
}

func submatch(re *regexp.Regexp) func(Item) (string, bool) {
	return func(item Item) (string, bool) {
		m := re.FindStringSubmatch(item.Text)
		if m == nil {
			return "", false
		}
		return m[1], true
	}
}
