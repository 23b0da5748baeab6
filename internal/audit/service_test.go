package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/joshsymonds/inboxpilot/internal/classify"
	"github.com/joshsymonds/inboxpilot/internal/gmail"
)

type fakeAuditClient struct {
	pages    []gmail.ListPage
	messages map[gmail.MessageID]gmail.Message
	queries  []string
}

func (f *fakeAuditClient) ListHistory(ctx context.Context, start uint64, pageToken string) (gmail.HistoryPage, error) {
	_, _, _ = ctx, start, pageToken
	return gmail.HistoryPage{}, errors.New("not supported")
}

func (f *fakeAuditClient) List(
	ctx context.Context,
	q gmail.Query,
	pageToken string,
	pageSize int,
) (gmail.ListPage, error) {
	_ = ctx
	_ = pageToken
	_ = pageSize
	f.queries = append(f.queries, q.Raw)
	if len(f.pages) == 0 {
		return gmail.ListPage{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeAuditClient) Get(ctx context.Context, id gmail.MessageID) (gmail.Message, error) {
	_ = ctx
	m, ok := f.messages[id]
	if !ok {
		return gmail.Message{}, fmt.Errorf("get %s: %w", id, gmail.ErrMessageNotFound)
	}
	return m, nil
}

func (f *fakeAuditClient) Profile(ctx context.Context) (gmail.Profile, error) {
	_ = ctx
	return gmail.Profile{}, nil
}

func (f *fakeAuditClient) Send(ctx context.Context, out gmail.Outgoing) (gmail.MessageID, error) {
	_, _ = ctx, out
	return "", errors.New("not supported")
}

func msg(id, from, subject string, extra ...gmail.Header) gmail.Message {
	headers := []gmail.Header{{Name: "From", Value: from}, {Name: "Subject", Value: subject}}
	return gmail.Message{ID: gmail.MessageID(id), Headers: append(headers, extra...)}
}

func newTestService(client gmail.Client) *Service {
	svc := NewService(client, nil, classify.New([]string{"boss@example.com"}), slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.Clock = func() time.Time { return time.Unix(1_000_000, 0) }
	return svc
}

func TestRunRanksSendersAndSuggestsVIPs(t *testing.T) {
	client := &fakeAuditClient{
		pages: []gmail.ListPage{
			{IDs: []gmail.MessageID{"1", "2", "3"}, NextPageToken: "next"},
			{IDs: []gmail.MessageID{"4", "5", "6", "gone"}},
		},
		messages: map[gmail.MessageID]gmail.Message{
			"1": msg("1", "Ana <ana@example.com>", "lunch"),
			"2": msg("2", "ana@example.com", "dinner"),
			"3": msg("3", "Boss <boss@example.com>", "review"),
			"4": msg("4", "boss@example.com", "again"),
			"5": msg("5", "News <news@list.example>", "Issue 1", gmail.Header{Name: "List-Id", Value: `"Weekly" <weekly.list.example>`}),
			"6": msg("6", "News <news@list.example>", "Issue 2", gmail.Header{Name: "List-Id", Value: "<weekly.list.example>"}),
		},
	}
	svc := newTestService(client)

	rep, err := svc.Run(context.Background(), Options{Window: 48 * time.Hour, TopN: 10})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Total != 6 {
		t.Fatalf("total = %d", rep.Total)
	}
	if want := fmt.Sprintf("after:%d", time.Unix(1_000_000, 0).Add(-48*time.Hour).Unix()); client.queries[0] != want {
		t.Fatalf("query = %q, want %q", client.queries[0], want)
	}
	if rep.Categories[classify.VIP] != 2 || rep.Categories[classify.Newsletter] != 2 || rep.Categories[classify.Other] != 2 {
		t.Fatalf("categories = %v", rep.Categories)
	}
	if len(rep.TopSenders) != 3 || rep.TopSenders[0].Address != "ana@example.com" || rep.TopSenders[0].Count != 2 {
		t.Fatalf("top senders = %+v", rep.TopSenders)
	}
	if len(rep.TopLists) != 1 || rep.TopLists[0].ListID != "weekly.list.example" || rep.TopLists[0].Count != 2 {
		t.Fatalf("top lists = %+v", rep.TopLists)
	}
	if !reflect.DeepEqual(rep.VIPCandidates, []string{"ana@example.com"}) {
		t.Fatalf("vip candidates = %v", rep.VIPCandidates)
	}
}

func TestRunRejectsNonPositiveWindow(t *testing.T) {
	if _, err := newTestService(&fakeAuditClient{}).Run(context.Background(), Options{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunEmptyMailbox(t *testing.T) {
	rep, err := newTestService(&fakeAuditClient{}).Run(context.Background(), Options{Window: time.Hour})
	if err != nil || rep.Total != 0 || len(rep.TopSenders) != 0 {
		t.Fatalf("Run = %+v, %v", rep, err)
	}
}

func TestPrintHuman(t *testing.T) {
	rep := Report{
		Window:        24 * time.Hour,
		Total:         3,
		Categories:    map[classify.Category]int{classify.Other: 3},
		TopSenders:    []SenderStat{{Address: "ana@example.com", Category: classify.Other, Count: 3, PreviewSubject: strings.Repeat("s", 80)}},
		VIPCandidates: []string{"ana@example.com"},
	}
	var buf bytes.Buffer
	if err := PrintHuman(rep, &buf); err != nil {
		t.Fatalf("PrintHuman: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"window 24h0m0s (3 messages)", "Top senders:", "VIP candidates", "…"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteJSONRejectsEscapingPaths(t *testing.T) {
	for _, p := range []string{"", "/tmp/report.json", "../report.json"} {
		if err := WriteJSON(Report{}, p); err == nil {
			t.Fatalf("WriteJSON(%q) should fail", p)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	t.Chdir(t.TempDir())
	if err := WriteJSON(Report{Total: 2}, "report.json"); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	data, err := os.ReadFile("report.json")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"total": 2`) {
		t.Fatalf("report = %s", data)
	}
}

func TestNormalizeListID(t *testing.T) {
	tests := map[string]string{
		"":                               "",
		"<weekly.list.example>":          "weekly.list.example",
		`"Weekly" <Weekly.List.Example>`: "weekly.list.example",
		"plain.example":                  "plain.example",
	}
	for in, want := range tests {
		if got := normalizeListID(in); got != want {
			t.Fatalf("normalizeListID(%q) = %q, want %q", in, got, want)
		}
	}
}
