// internal/gmail/types.go
package gmail

import "time"

type MessageID string
type LabelID string

// System labels the assistant cares about.
const (
	LabelStarred     LabelID = "STARRED"
	LabelStarredIMAP LabelID = `\Starred`
	LabelPromotions  LabelID = "CATEGORY_PROMOTIONS"
	LabelInbox       LabelID = "INBOX"
)

type Header struct {
	Name  string
	Value string
}

type Attachment struct {
	Filename string
	MimeType string
	Size     int64
}

// Body holds the decoded parts of a multipart message.
type Body struct {
	Text        string
	HTML        string
	Attachments []Attachment
	HasCalendar bool // a text/calendar part is present
}

// Message is a fully fetched mailbox message. It is built once by the
// adapter at the service boundary and never mutated afterwards.
type Message struct {
	ID           MessageID
	ThreadID     string
	HistoryID    uint64
	InternalDate time.Time
	Labels       []LabelID
	Headers      []Header // in wire order; duplicates are kept
	Snippet      string
	Body         Body
}

// Header returns the first header whose name matches exactly.
func (m Message) Header(name string) (string, bool) {
	for _, h := range m.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// HasLabel reports whether the message carries any of the given labels.
func (m Message) HasLabel(labels ...LabelID) bool {
	for _, have := range m.Labels {
		for _, want := range labels {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Subject returns the Subject header or a placeholder.
func (m Message) Subject() string {
	if s, ok := m.Header("Subject"); ok && s != "" {
		return s
	}
	return "(no subject)"
}

type Query struct {
	Raw string // Gmail search string, e.g. `after:1726440000 before:1726526400`
}

// ListPage is one page of a messages.list response.
type ListPage struct {
	IDs           []MessageID
	NextPageToken string
}

// HistoryPage is one page of a history.list response. IDs holds every
// message referenced by any record on the page, duplicates included.
type HistoryPage struct {
	IDs           []MessageID
	NextPageToken string
}

// Profile is the subset of the mailbox profile used for cursor bootstrap.
type Profile struct {
	EmailAddress string
	HistoryID    uint64
}

// Outgoing describes a plain-text reply to send.
type Outgoing struct {
	ThreadID   string
	To         string
	Subject    string
	InReplyTo  string
	References string
	Body       string
}
