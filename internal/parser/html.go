// Package parser turns message bodies into plain text and short previews.
package parser

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

var (
	spaceRun   = regexp.MustCompile(`[^\S\n]+`)
	newlineRun = regexp.MustCompile(`\n{3,}`)
	// zero-width and other invisible characters used as tracking filler
	invisible = regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}\x{034F}\x{061C}\x{115F}\x{1160}\x{17B4}\x{17B5}\x{180E}\x{2060}-\x{2064}\x{206A}-\x{206F}\x{FE00}-\x{FE0F}\x{FFF0}-\x{FFF8}]+`)
)

// DefaultPreviewLength matches the length of Graph bodyPreview
const DefaultPreviewLength = 255

// HTMLToText converts an HTML body to clean plain text
func HTMLToText(html string) (string, error) {
	if strings.TrimSpace(html) == "" {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, head, meta, link, title").Remove()
	doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, tr, table, blockquote").Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})

	return normalize(doc.Text()), nil
}

// Preview returns a single-line excerpt of a body of at most limit runes.
// HTML bodies are converted first; broken HTML falls back to the raw text.
func Preview(body string, isHTML bool, limit int) string {
	if limit <= 0 {
		limit = DefaultPreviewLength
	}
	text := body
	if isHTML {
		if t, err := HTMLToText(body); err == nil {
			text = t
		}
	} else {
		text = normalize(text)
	}

	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:limit]))
}

func normalize(text string) string {
	text = invisible.ReplaceAllString(text, "")
	text = spaceRun.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	clean := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			clean = append(clean, line)
		}
	}
	text = strings.Join(clean, "\n")

	text = newlineRun.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
