package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/joshsymonds/inboxpilot/internal/classify"
	"github.com/joshsymonds/inboxpilot/internal/gmail"
	"github.com/joshsymonds/inboxpilot/internal/store"
)

// fakeMailbox serves history pages keyed by start cursor and page token.
type fakeMailbox struct {
	history     map[uint64][]gmail.HistoryPage
	historyErr  error
	messages    map[gmail.MessageID]gmail.Message
	getErr      map[gmail.MessageID]error
	profile     gmail.Profile
	historyCall []uint64
	gets        []gmail.MessageID
}

func (f *fakeMailbox) ListHistory(ctx context.Context, start uint64, pageToken string) (gmail.HistoryPage, error) {
	_ = ctx
	f.historyCall = append(f.historyCall, start)
	if f.historyErr != nil {
		return gmail.HistoryPage{}, f.historyErr
	}
	pages := f.history[start]
	idx := 0
	if pageToken != "" {
		if _, err := fmt.Sscanf(pageToken, "p%d", &idx); err != nil {
			return gmail.HistoryPage{}, err
		}
	}
	if idx >= len(pages) {
		return gmail.HistoryPage{}, nil
	}
	page := pages[idx]
	if idx+1 < len(pages) {
		page.NextPageToken = fmt.Sprintf("p%d", idx+1)
	}
	return page, nil
}

func (f *fakeMailbox) List(ctx context.Context, q gmail.Query, pageToken string, pageSize int) (gmail.ListPage, error) {
	_, _, _, _ = ctx, q, pageToken, pageSize
	return gmail.ListPage{}, nil
}

func (f *fakeMailbox) Get(ctx context.Context, id gmail.MessageID) (gmail.Message, error) {
	_ = ctx
	f.gets = append(f.gets, id)
	if err := f.getErr[id]; err != nil {
		return gmail.Message{}, err
	}
	m, ok := f.messages[id]
	if !ok {
		return gmail.Message{}, fmt.Errorf("get %s: %w", id, gmail.ErrMessageNotFound)
	}
	return m, nil
}

func (f *fakeMailbox) Profile(ctx context.Context) (gmail.Profile, error) {
	_ = ctx
	return f.profile, nil
}

func (f *fakeMailbox) Send(ctx context.Context, out gmail.Outgoing) (gmail.MessageID, error) {
	_, _ = ctx, out
	return "", errors.New("not supported")
}

func mailMsg(id string, arrivalMillis int64, history uint64, labels ...gmail.LabelID) gmail.Message {
	return gmail.Message{
		ID:           gmail.MessageID(id),
		HistoryID:    history,
		InternalDate: time.UnixMilli(arrivalMillis),
		Labels:       labels,
	}
}

type memStore struct {
	values map[string]string
	setErr error
	sets   []store.Pair
}

func newMemStore(cursor string) *memStore {
	return &memStore{values: map[string]string{
		store.KeyLastHistoryID: cursor,
		store.KeyLastDigestTS:  "0",
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

type recordingNotifier struct {
	fail     map[gmail.MessageID]bool
	attempts []gmail.MessageID
	onNotify func()
}

func (r *recordingNotifier) Notify(ctx context.Context, m gmail.Message, c classify.Category) error {
	_, _ = ctx, c
	r.attempts = append(r.attempts, m.ID)
	if r.onNotify != nil {
		r.onNotify()
	}
	if r.fail[m.ID] {
		return errors.New("chat unavailable")
	}
	return nil
}

func idsOf(msgs []gmail.Message) []gmail.MessageID {
	out := make([]gmail.MessageID, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func sortedIDs(ids []gmail.MessageID) []gmail.MessageID {
	out := append([]gmail.MessageID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
