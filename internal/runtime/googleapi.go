// internal/runtime/googleapi.go adapts *gmail.Service to our small interface
package runtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	gc "github.com/joshsymonds/inboxpilot/internal/gmail"
)

const userID = "me"

type googleClient struct{ svc *gmail.Service }

func NewGoogleAPIClient(svc *gmail.Service) gc.Client { return &googleClient{svc} }

func (g *googleClient) ListHistory(ctx context.Context, start uint64, pageToken string) (gc.HistoryPage, error) {
	call := g.svc.Users.History.List(userID).StartHistoryId(start)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Context(ctx).Do()
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return gc.HistoryPage{}, &gc.InvalidCursorError{Cursor: strconv.FormatUint(start, 10), Err: err}
		}
		return gc.HistoryPage{}, fmt.Errorf("list history: %w", err)
	}
	page := gc.HistoryPage{NextPageToken: res.NextPageToken}
	for _, h := range res.History {
		for _, m := range h.Messages {
			if m.Id != "" {
				page.IDs = append(page.IDs, gc.MessageID(m.Id))
			}
		}
	}
	return page, nil
}

func (g *googleClient) List(ctx context.Context, q gc.Query, pageToken string, pageSize int) (gc.ListPage, error) {
	call := g.svc.Users.Messages.List(userID).Q(q.Raw).MaxResults(int64(pageSize))
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Context(ctx).Do()
	if err != nil {
		return gc.ListPage{}, fmt.Errorf("list messages: %w", err)
	}
	page := gc.ListPage{NextPageToken: res.NextPageToken}
	for _, m := range res.Messages {
		page.IDs = append(page.IDs, gc.MessageID(m.Id))
	}
	return page, nil
}

func (g *googleClient) Get(ctx context.Context, id gc.MessageID) (gc.Message, error) {
	msg, err := g.svc.Users.Messages.Get(userID, string(id)).Format("full").Context(ctx).Do()
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return gc.Message{}, fmt.Errorf("get message %s: %w", id, gc.ErrMessageNotFound)
		}
		return gc.Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return toMessage(msg)
}

func (g *googleClient) Profile(ctx context.Context) (gc.Profile, error) {
	p, err := g.svc.Users.GetProfile(userID).Context(ctx).Do()
	if err != nil {
		return gc.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return gc.Profile{EmailAddress: p.EmailAddress, HistoryID: p.HistoryId}, nil
}

func (g *googleClient) Send(ctx context.Context, out gc.Outgoing) (gc.MessageID, error) {
	raw, err := encodeOutgoing(out, time.Now())
	if err != nil {
		return "", err
	}
	req := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw), ThreadId: out.ThreadID}
	sent, err := g.svc.Users.Messages.Send(userID, req).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return gc.MessageID(sent.Id), nil
}

func toMessage(msg *gmail.Message) (gc.Message, error) {
	m := gc.Message{
		ID:           gc.MessageID(msg.Id),
		ThreadID:     msg.ThreadId,
		HistoryID:    msg.HistoryId,
		InternalDate: time.UnixMilli(msg.InternalDate),
		Labels:       toLabelIDs(msg.LabelIds),
		Snippet:      msg.Snippet,
	}
	if msg.Payload == nil {
		return m, nil
	}
	for _, h := range msg.Payload.Headers {
		m.Headers = append(m.Headers, gc.Header{Name: h.Name, Value: h.Value})
	}
	if err := walkParts(msg.Payload, &m.Body); err != nil {
		return gc.Message{}, fmt.Errorf("decode message %s: %w", msg.Id, err)
	}
	return m, nil
}

// walkParts fills body from the first text/plain and text/html parts found
// depth-first; any part with a filename is recorded as an attachment.
func walkParts(part *gmail.MessagePart, body *gc.Body) error {
	if part == nil {
		return nil
	}
	mimeType := strings.ToLower(part.MimeType)
	if part.Filename != "" {
		var size int64
		if part.Body != nil {
			size = part.Body.Size
		}
		body.Attachments = append(body.Attachments, gc.Attachment{
			Filename: part.Filename, MimeType: part.MimeType, Size: size,
		})
	}
	switch {
	case mimeType == "text/calendar":
		body.HasCalendar = true
	case mimeType == "text/plain" && part.Filename == "" && body.Text == "":
		text, err := decodeData(part.Body)
		if err != nil {
			return err
		}
		body.Text = text
	case mimeType == "text/html" && part.Filename == "" && body.HTML == "":
		text, err := decodeData(part.Body)
		if err != nil {
			return err
		}
		body.HTML = text
	}
	for _, child := range part.Parts {
		if err := walkParts(child, body); err != nil {
			return err
		}
	}
	return nil
}

func decodeData(b *gmail.MessagePartBody) (string, error) {
	if b == nil || b.Data == "" {
		return "", nil
	}
	// Gmail emits base64url and is inconsistent about padding.
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(b.Data, "="))
	if err != nil {
		return "", fmt.Errorf("decode body: %w", err)
	}
	return string(raw), nil
}

func encodeOutgoing(out gc.Outgoing, now time.Time) ([]byte, error) {
	to, err := mail.ParseAddressList(out.To)
	if err != nil {
		return nil, fmt.Errorf("parse recipient %q: %w", out.To, err)
	}
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("To", to)
	h.SetSubject(out.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if out.InReplyTo != "" {
		h.Set("In-Reply-To", out.InReplyTo)
	}
	if out.References != "" {
		h.Set("References", out.References)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}
	if _, err := io.WriteString(w, out.Body); err != nil {
		return nil, fmt.Errorf("write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func toLabelIDs(ids []string) []gc.LabelID {
	out := make([]gc.LabelID, 0, len(ids))
	for _, id := range ids {
		out = append(out, gc.LabelID(id))
	}
	return out
}
