package rules

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "tr": true, "li": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "header": true, "footer": true, "dt": true, "dd": true,
}

var skipTags = map[string]bool{
	"script": true, "style": true, "head": true, "#comment": true,
}

// NewDocument parses an email body. Plain-text bodies parse too.
func NewDocument(body string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}
	return doc, nil
}

// PlainText renders the visible text of s with one line per block element
// and collapsed whitespace.
func PlainText(s *goquery.Selection) string {
	var b strings.Builder
	writeText(&b, s)

	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if line = collapse(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func writeText(b *strings.Builder, s *goquery.Selection) {
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		name := goquery.NodeName(c)
		switch {
		case name == "#text":
			b.WriteString(c.Text())
		case skipTags[name]:
		default:
			block := blockTags[name]
			if block {
				b.WriteByte('\n')
			}
			writeText(b, c)
			switch {
			case block:
				b.WriteByte('\n')
			case name == "td" || name == "th":
				b.WriteByte(' ')
			}
		}
	})
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
