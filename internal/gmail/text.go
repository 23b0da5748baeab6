package gmail

import (
	"html"
	"net/mail"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var stripPolicy = bluemonday.StrictPolicy()

// PlainText returns the best plain-text rendering of the message body:
// the text part, else the HTML part with markup stripped, else the snippet.
func (m Message) PlainText() string {
	if t := strings.TrimSpace(m.Body.Text); t != "" {
		return t
	}
	if h := strings.TrimSpace(m.Body.HTML); h != "" {
		// StrictPolicy escapes entities in what it keeps.
		return strings.TrimSpace(html.UnescapeString(stripPolicy.Sanitize(h)))
	}
	return html.UnescapeString(m.Snippet)
}

// SenderAddress returns the lower-cased address of the From header.
func (m Message) SenderAddress() string {
	from, _ := m.Header("From")
	return addressOf(from)
}

// SenderName returns the display name of the From header, falling back to
// the text before any angle bracket, then to the address itself.
func (m Message) SenderName() string {
	from, _ := m.Header("From")
	from = strings.TrimSpace(from)
	if from == "" {
		return "(unknown)"
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		if addr.Name != "" {
			return addr.Name
		}
		return addr.Address
	}
	if i := strings.Index(from, "<"); i > 0 {
		return strings.Trim(strings.TrimSpace(from[:i]), `"`)
	}
	return from
}

func addressOf(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	addrs, err := mail.ParseAddressList(from)
	if err != nil {
		return strings.ToLower(strings.Trim(from, "<> "))
	}
	for _, addr := range addrs {
		if addr.Address != "" {
			return strings.ToLower(addr.Address)
		}
	}
	return ""
}
