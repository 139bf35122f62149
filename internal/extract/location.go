package extract

import (
	"net/url"
	"strings"
)

// regionCodes lists the US state, DC, and Canadian province codes that
// detail-link slugs embed ahead of the yard name.
var regionCodes = map[string]struct{}{
	"al": {}, "ak": {}, "az": {}, "ar": {}, "ca": {}, "co": {}, "ct": {}, "de": {},
	"dc": {}, "fl": {}, "ga": {}, "hi": {}, "id": {}, "il": {}, "in": {}, "ia": {},
	"ks": {}, "ky": {}, "la": {}, "me": {}, "md": {}, "ma": {}, "mi": {}, "mn": {},
	"ms": {}, "mo": {}, "mt": {}, "ne": {}, "nv": {}, "nh": {}, "nj": {}, "nm": {},
	"ny": {}, "nc": {}, "nd": {}, "oh": {}, "ok": {}, "or": {}, "pa": {}, "ri": {},
	"sc": {}, "sd": {}, "tn": {}, "tx": {}, "ut": {}, "vt": {}, "va": {}, "wa": {},
	"wv": {}, "wi": {}, "wy": {}, "pr": {},
	"ab": {}, "bc": {}, "mb": {}, "nb": {}, "nl": {}, "ns": {}, "on": {}, "pe": {},
	"qc": {}, "sk": {},
}

// locationFromLink derives "XX - Place" from the tail of a detail link, e.g.
// ".../clean-title-2023-chevrolet-malibu-lt-ga-savannah" -> "GA - Savannah".
// It returns "" when no region code can be located.
func locationFromLink(href string) string {
	path := href
	if u, err := url.Parse(href); err == nil {
		path = u.Path
	}
	segments := strings.FieldsFunc(strings.ToLower(path), func(r rune) bool { return r == '/' })
	if len(segments) == 0 {
		return ""
	}

	// ".../ga/savannah" style paths.
	if n := len(segments); n >= 2 && isRegion(segments[n-2]) && isPlace(segments[n-1]) {
		return formatLocation(segments[n-2], strings.Split(segments[n-1], "-"))
	}

	tokens := strings.Split(segments[len(segments)-1], "-")
	for i := len(tokens) - 2; i >= 0; i-- {
		if isRegion(tokens[i]) && isPlace(strings.Join(tokens[i+1:], "-")) {
			return formatLocation(tokens[i], tokens[i+1:])
		}
	}
	return ""
}

func isRegion(token string) bool {
	_, ok := regionCodes[token]
	return ok
}

func isPlace(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && r != '-' {
			return false
		}
	}
	return strings.Trim(s, "-") != ""
}

func formatLocation(region string, place []string) string {
	words := make([]string, 0, len(place))
	for _, p := range place {
		if p == "" {
			continue
		}
		words = append(words, strings.ToUpper(p[:1])+p[1:])
	}
	return strings.ToUpper(region) + " - " + strings.Join(words, " ")
}
