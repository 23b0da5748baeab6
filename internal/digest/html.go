package digest

import (
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/net/html"
)

// ExtractLinks returns up to max href values from anchor tags, in document order.
func ExtractLinks(body string, max int) []string {
	if max <= 0 || strings.TrimSpace(body) == "" {
		return nil
	}
	var links []string
	z := html.NewTokenizer(strings.NewReader(body))
	for len(links) < max {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF or a malformed document; either way keep what we have
			return links
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tok := z.Token()
		if tok.Data != "a" {
			continue
		}
		for _, attr := range tok.Attr {
			if attr.Key == "href" && strings.TrimSpace(attr.Val) != "" {
				links = append(links, strings.TrimSpace(attr.Val))
				break
			}
		}
	}
	return links
}

// summaryInput converts an HTML body to markdown for the summarizer,
// falling back to the plain text part.
func summaryInput(htmlBody, text string) string {
	if strings.TrimSpace(htmlBody) != "" {
		if md, err := htmltomarkdown.ConvertString(htmlBody); err == nil && strings.TrimSpace(md) != "" {
			return md
		}
	}
	return text
}
