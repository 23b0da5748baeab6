package digest

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joshsymonds/inboxpilot/internal/classify"
	"github.com/joshsymonds/inboxpilot/internal/gmail"
	"github.com/joshsymonds/inboxpilot/internal/store"
)

func newTestRunner(box *fakeMailbox, st *memStore, sender *recordingSender, now time.Time) *Runner {
	return &Runner{
		Collector: &Collector{Client: box, Logger: slogDiscard(), Classifier: classify.New([]string{"boss@example.com"})},
		Formatter: &Formatter{Logger: slogDiscard(), Location: time.UTC},
		Sender:    sender,
		Store:     st,
		Logger:    slogDiscard(),
		Now:       func() time.Time { return now },
	}
}

func TestRunSendsAndAdvancesWatermark(t *testing.T) {
	box := &fakeMailbox{
		pages: [][]gmail.MessageID{{"1", "2"}},
		messages: map[gmail.MessageID]gmail.Message{
			"1": mailAt("1", windowStart.Add(time.Hour), subject("invoice")),
			"2": mailAt("2", windowStart.Add(2*time.Hour), from("boss@example.com"), subject("urgent")),
		},
	}
	st := newMemStore(strconv.FormatInt(windowStart.Unix(), 10))
	sender := &recordingSender{}
	r := newTestRunner(box, st, sender, windowEnd)

	res, err := r.Run(context.Background(), "test")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Sent || len(sender.sent) != 1 || res.RunID == "" {
		t.Fatalf("result %+v, sent %v", res, sender.sent)
	}
	if strings.Contains(sender.sent[0], "urgent") {
		t.Fatalf("vip mail leaked into digest: %q", sender.sent[0])
	}
	if got := st.values[store.KeyLastDigestTS]; got != strconv.FormatInt(windowEnd.Unix(), 10) {
		t.Fatalf("last_digest_ts = %q", got)
	}
	if st.values[store.KeyLastHistoryID] != "0" {
		t.Fatalf("runner touched the sync cursor")
	}
}

func TestRunEmptyDigestIsNotSent(t *testing.T) {
	st := newMemStore("0")
	sender := &recordingSender{}
	r := newTestRunner(&fakeMailbox{}, st, sender, windowEnd)
	r.Lookback = 6 * time.Hour

	res, err := r.Run(context.Background(), "test")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Sent || len(sender.sent) != 0 {
		t.Fatalf("empty digest was sent")
	}
	if !res.Start.Equal(windowEnd.Add(-6 * time.Hour)) {
		t.Fatalf("start = %v, want lookback from end", res.Start)
	}
	if st.values[store.KeyLastDigestTS] == "0" {
		t.Fatalf("watermark should advance after an empty window")
	}
}

func TestRunSendFailureKeepsWatermark(t *testing.T) {
	box := &fakeMailbox{
		pages:    [][]gmail.MessageID{{"1"}},
		messages: map[gmail.MessageID]gmail.Message{"1": mailAt("1", windowStart.Add(time.Hour), subject("x"))},
	}
	st := newMemStore(strconv.FormatInt(windowStart.Unix(), 10))
	r := newTestRunner(box, st, &recordingSender{err: errors.New("chat down")}, windowEnd)

	if _, err := r.Run(context.Background(), "test"); err == nil {
		t.Fatalf("expected send error")
	}
	if len(st.sets) != 0 {
		t.Fatalf("watermark written despite failed send: %v", st.sets)
	}
}

func TestRunRejectsCorruptWatermark(t *testing.T) {
	st := newMemStore("yesterday")
	r := newTestRunner(&fakeMailbox{}, st, &recordingSender{}, windowEnd)
	if _, err := r.Run(context.Background(), "test"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestPreviewDoesNotSendOrPersist(t *testing.T) {
	box := &fakeMailbox{
		pages:    [][]gmail.MessageID{{"1"}},
		messages: map[gmail.MessageID]gmail.Message{"1": mailAt("1", windowStart.Add(time.Hour), subject("hello"))},
	}
	st := newMemStore(strconv.FormatInt(windowStart.Unix(), 10))
	sender := &recordingSender{}
	r := newTestRunner(box, st, sender, windowEnd)

	res, err := r.Preview(context.Background())
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if res.Report != "Other Mail\n- hello" {
		t.Fatalf("report = %q", res.Report)
	}
	if len(sender.sent) != 0 || len(st.sets) != 0 {
		t.Fatalf("preview had side effects")
	}
}

func TestScheduleRejectsNonPositiveInterval(t *testing.T) {
	r := newTestRunner(&fakeMailbox{}, newMemStore("0"), &recordingSender{}, windowEnd)
	if err := r.Schedule(context.Background(), 0); err == nil {
		t.Fatalf("expected error")
	}
}

func TestScheduleStopsOnCancel(t *testing.T) {
	r := newTestRunner(&fakeMailbox{}, newMemStore("0"), &recordingSender{}, windowEnd)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Schedule(ctx, time.Hour); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
}

func oneMessageBox() *fakeMailbox {
	return &fakeMailbox{
		pages:    [][]gmail.MessageID{{"1"}},
		messages: map[gmail.MessageID]gmail.Message{"1": mailAt("1", windowStart.Add(time.Hour), subject("hello"))},
	}
}

func TestConcurrentRunsSendWindowOnce(t *testing.T) {
	st := newMemStore(strconv.FormatInt(windowStart.Unix(), 10))
	sender := &recordingSender{}
	r := newTestRunner(oneMessageBox(), st, sender, windowEnd)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = r.Run(context.Background(), "test")
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if len(sender.sent) != 1 {
		t.Fatalf("window sent %d times, want 1", len(sender.sent))
	}
}

// gatedSender blocks inside SendText until released.
type gatedSender struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	sent    int
}

func (g *gatedSender) SendText(ctx context.Context, text string) error {
	_, _ = ctx, text
	g.entered <- struct{}{}
	<-g.release
	g.mu.Lock()
	g.sent++
	g.mu.Unlock()
	return nil
}

func openSharedStore(t *testing.T, path string) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunsInTwoProcessesSendWindowOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inboxpilot.db")
	ctx := context.Background()
	daemonStore := openSharedStore(t, path)
	cliStore := openSharedStore(t, path)
	if err := daemonStore.Set(ctx, store.KeyLastDigestTS, strconv.FormatInt(windowStart.Unix(), 10)); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	newRunner := func(st *store.SQLiteStore, sender Sender) *Runner {
		return &Runner{
			Collector: &Collector{Client: oneMessageBox(), Logger: slogDiscard(), Classifier: classify.New(nil)},
			Formatter: &Formatter{Logger: slogDiscard(), Location: time.UTC},
			Sender:    sender,
			Store:     st,
			Lock:      st,
			Logger:    slogDiscard(),
			Now:       func() time.Time { return windowEnd },
		}
	}
	gate := &gatedSender{entered: make(chan struct{}), release: make(chan struct{})}
	daemon := newRunner(daemonStore, gate)
	cliSender := &recordingSender{}
	cli := newRunner(cliStore, cliSender)

	done := make(chan error, 1)
	go func() {
		_, err := daemon.Run(ctx, "schedule")
		done <- err
	}()
	<-gate.entered

	if _, err := cli.Run(ctx, "cli"); !errors.Is(err, store.ErrLeaseHeld) {
		t.Fatalf("cli run = %v, want ErrLeaseHeld", err)
	}
	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("daemon run: %v", err)
	}

	res, err := cli.Run(ctx, "cli")
	if err != nil {
		t.Fatalf("cli run after release: %v", err)
	}
	if res.Sent || len(cliSender.sent) != 0 {
		t.Fatalf("cli resent the window: %+v", res)
	}
	if gate.sent != 1 {
		t.Fatalf("daemon sent %d digests, want 1", gate.sent)
	}
}
