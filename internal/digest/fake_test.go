package digest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/joshsymonds/inboxpilot/internal/gmail"
	"github.com/joshsymonds/inboxpilot/internal/store"
)

// fakeMailbox serves search results as fixed pages regardless of query.
type fakeMailbox struct {
	pages    [][]gmail.MessageID
	listErr  error
	messages map[gmail.MessageID]gmail.Message
	queries  []string
	sizes    []int
}

func (f *fakeMailbox) ListHistory(ctx context.Context, start uint64, pageToken string) (gmail.HistoryPage, error) {
	_, _, _ = ctx, start, pageToken
	return gmail.HistoryPage{}, errors.New("not supported")
}

func (f *fakeMailbox) List(ctx context.Context, q gmail.Query, pageToken string, pageSize int) (gmail.ListPage, error) {
	_ = ctx
	f.queries = append(f.queries, q.Raw)
	f.sizes = append(f.sizes, pageSize)
	if f.listErr != nil {
		return gmail.ListPage{}, f.listErr
	}
	idx := 0
	if pageToken != "" {
		if _, err := fmt.Sscanf(pageToken, "p%d", &idx); err != nil {
			return gmail.ListPage{}, err
		}
	}
	if idx >= len(f.pages) {
		return gmail.ListPage{}, nil
	}
	page := gmail.ListPage{IDs: f.pages[idx]}
	if idx+1 < len(f.pages) {
		page.NextPageToken = fmt.Sprintf("p%d", idx+1)
	}
	return page, nil
}

func (f *fakeMailbox) Get(ctx context.Context, id gmail.MessageID) (gmail.Message, error) {
	_ = ctx
	m, ok := f.messages[id]
	if !ok {
		return gmail.Message{}, fmt.Errorf("get %s: %w", id, gmail.ErrMessageNotFound)
	}
	return m, nil
}

func (f *fakeMailbox) Profile(ctx context.Context) (gmail.Profile, error) {
	_ = ctx
	return gmail.Profile{}, nil
}

func (f *fakeMailbox) Send(ctx context.Context, out gmail.Outgoing) (gmail.MessageID, error) {
	_, _ = ctx, out
	return "", errors.New("not supported")
}

type mailOpt func(*gmail.Message)

func from(v string) mailOpt {
	return func(m *gmail.Message) { m.Headers = append(m.Headers, gmail.Header{Name: "From", Value: v}) }
}

func subject(v string) mailOpt {
	return func(m *gmail.Message) { m.Headers = append(m.Headers, gmail.Header{Name: "Subject", Value: v}) }
}

func listID(v string) mailOpt {
	return func(m *gmail.Message) { m.Headers = append(m.Headers, gmail.Header{Name: "List-Id", Value: v}) }
}

func labels(ids ...gmail.LabelID) mailOpt {
	return func(m *gmail.Message) { m.Labels = append(m.Labels, ids...) }
}

func htmlBody(v string) mailOpt {
	return func(m *gmail.Message) { m.Body.HTML = v }
}

func mailAt(id string, at time.Time, opts ...mailOpt) gmail.Message {
	m := gmail.Message{ID: gmail.MessageID(id), InternalDate: at}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

type stubSummarizer struct {
	out   string
	err   error
	calls []string
	n     []int
}

func (s *stubSummarizer) Summarize(ctx context.Context, text string, n int) (string, error) {
	_ = ctx
	s.calls = append(s.calls, text)
	s.n = append(s.n, n)
	return s.out, s.err
}

type memStore struct {
	values map[string]string
	setErr error
	sets   []store.Pair
}

func newMemStore(digestTS string) *memStore {
	return &memStore{values: map[string]string{
		store.KeyLastHistoryID: "0",
		store.KeyLastDigestTS:  digestTS,
	}}
}

func (m *memStore) Get(ctx context.Context, key, def string) (string, error) {
	_ = ctx
	if v, ok := m.values[key]; ok {
		return v, nil
	}
	return def, nil
}

func (m *memStore) Set(ctx context.Context, key, value string) error {
	return m.Transaction(ctx, []store.Pair{{Key: key, Value: value}})
}

func (m *memStore) Transaction(ctx context.Context, pairs []store.Pair) error {
	_ = ctx
	if m.setErr != nil {
		return &store.PersistenceError{Op: "write", Err: m.setErr}
	}
	for _, p := range pairs {
		m.values[p.Key] = p.Value
		m.sets = append(m.sets, p)
	}
	return nil
}

type recordingSender struct {
	err  error
	sent []string
}

func (r *recordingSender) SendText(ctx context.Context, text string) error {
	_ = ctx
	r.sent = append(r.sent, text)
	return r.err
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
