package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	invisible = regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}\x{034F}\x{2060}-\x{2064}]+`)
	tags      = regexp.MustCompile(`<[^>]*>`)
)

// HTMLToText strips markup and collapses whitespace. It is a best-effort
// plain text fallback, not a layout-preserving converter.
func HTMLToText(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}

	var text string
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		text = tags.ReplaceAllString(html, " ")
	} else {
		doc.Find("script, style, head, meta, link, noscript").Remove()
		// keep block boundaries from gluing words together
		doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, tr, td").Each(func(_ int, s *goquery.Selection) {
			s.BeforeHtml(" ")
		})
		text = doc.Text()
	}

	text = invisible.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
}
