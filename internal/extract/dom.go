package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var imageAttrs = []string{"src", "data-src", "data-lazy"}

func itemFor(link *goquery.Selection, href string) Item {
	container := link.Parent().Closest(containerSelector)
	if container.Length() == 0 {
		container = link.Parent()
	}
	title, _ := link.Attr("title")
	return Item{
		Href:      href,
		LinkText:  textOf(link),
		LinkTitle: strings.TrimSpace(title),
		Text:      textOf(container),
		ImageSrc:  imageSrc(container),
	}
}

// textOf joins the element's text nodes with newlines so that separate
// elements never run together into one word.
func textOf(sel *goquery.Selection) string {
	var parts []string
	collectText(sel, &parts)
	return strings.Join(parts, "\n")
}

func collectText(sel *goquery.Selection, parts *[]string) {
	sel.Contents().Each(func(_ int, node *goquery.Selection) {
		switch goquery.NodeName(node) {
		case "#text":
			if t := strings.Join(strings.Fields(node.Text()), " "); t != "" {
				*parts = append(*parts, t)
			}
		case "script", "style", "noscript", "#comment":
		default:
			collectText(node, parts)
		}
	})
}

func imageSrc(container *goquery.Selection) string {
	img := container.Find("img").First()
	if img.Length() == 0 {
		return ""
	}
	for _, attr := range imageAttrs {
		v, ok := img.Attr(attr)
		v = strings.TrimSpace(v)
		if ok && v != "" && !strings.HasPrefix(v, "data:") {
			return v
		}
	}
	return ""
}
