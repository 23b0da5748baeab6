package runtime

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	gc "github.com/joshsymonds/inboxpilot/internal/gmail"
)

func b64(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func TestToMessageWalksParts(t *testing.T) {
	raw := &gmail.Message{
		Id:           "m1",
		ThreadId:     "t1",
		HistoryId:    42,
		InternalDate: 1700000000123,
		LabelIds:     []string{"INBOX", "STARRED"},
		Snippet:      "hello",
		Payload: &gmail.MessagePart{
			MimeType: "multipart/mixed",
			Headers: []*gmail.MessagePartHeader{
				{Name: "From", Value: "Boss <boss@example.com>"},
				{Name: "Subject", Value: "Plan"},
				{Name: "Subject", Value: "Dup"},
			},
			Parts: []*gmail.MessagePart{
				{
					MimeType: "multipart/alternative",
					Parts: []*gmail.MessagePart{
						{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("plain body")}},
						{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<b>html body</b>") + "=="}},
					},
				},
				{MimeType: "text/calendar", Body: &gmail.MessagePartBody{Data: b64("BEGIN:VCALENDAR")}},
				{MimeType: "application/pdf", Filename: "a.pdf", Body: &gmail.MessagePartBody{Size: 10}},
			},
		},
	}

	m, err := toMessage(raw)
	if err != nil {
		t.Fatalf("toMessage: %v", err)
	}
	if m.ID != "m1" || m.ThreadID != "t1" || m.HistoryID != 42 {
		t.Fatalf("identity fields wrong: %+v", m)
	}
	if !m.InternalDate.Equal(time.UnixMilli(1700000000123)) {
		t.Fatalf("internal date %v", m.InternalDate)
	}
	if s, _ := m.Header("Subject"); s != "Plan" {
		t.Fatalf("first subject should win, got %q", s)
	}
	if m.Body.Text != "plain body" || m.Body.HTML != "<b>html body</b>" {
		t.Fatalf("body not decoded: %+v", m.Body)
	}
	if !m.Body.HasCalendar {
		t.Fatalf("expected calendar part to be detected")
	}
	if len(m.Body.Attachments) != 1 || m.Body.Attachments[0].Filename != "a.pdf" {
		t.Fatalf("attachments: %+v", m.Body.Attachments)
	}
	if !m.HasLabel(gc.LabelStarred) {
		t.Fatalf("labels not copied: %v", m.Labels)
	}
}

func TestEncodeOutgoingThreadsReply(t *testing.T) {
	raw, err := encodeOutgoing(gc.Outgoing{
		To:         "Boss <boss@example.com>",
		Subject:    "Re: Plan",
		InReplyTo:  "<abc@example.com>",
		References: "<abc@example.com>",
		Body:       "Sounds good.",
	}, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("encodeOutgoing: %v", err)
	}
	text := string(raw)
	for _, want := range []string{"Subject: Re: Plan", "In-Reply-To: <abc@example.com>", "boss@example.com", "Sounds good."} {
		if !strings.Contains(text, want) {
			t.Fatalf("encoded message missing %q:\n%s", want, text)
		}
	}
}

func TestEncodeOutgoingRejectsBadRecipient(t *testing.T) {
	if _, err := encodeOutgoing(gc.Outgoing{To: "not an address"}, time.Now()); err == nil {
		t.Fatalf("expected error for bad recipient")
	}
}

func TestIsStatus(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &googleapi.Error{Code: http.StatusNotFound})
	if !isStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404 to be detected through wrapping")
	}
	if isStatus(errors.New("boom"), http.StatusNotFound) {
		t.Fatalf("plain error is not a status")
	}
}
