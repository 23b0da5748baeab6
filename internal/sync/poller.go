package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/joshsymonds/inboxpilot/internal/classify"
	"github.com/joshsymonds/inboxpilot/internal/gmail"
	"github.com/joshsymonds/inboxpilot/internal/rate"
	"github.com/joshsymonds/inboxpilot/internal/store"
)

// DefaultInterval is the wait between poll cycles.
const DefaultInterval = 60 * time.Second

// State is the poll loop's position in its cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateDispatching
	StatePersisting
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateDispatching:
		return "dispatching"
	case StatePersisting:
		return "persisting"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Notifier pushes a single message to the user.
type Notifier interface {
	Notify(ctx context.Context, m gmail.Message, c classify.Category) error
}

// Classifier assigns a category to a message.
type Classifier interface {
	Classify(m gmail.Message) classify.Category
}

// NotifyError records a failed push for one message. It never aborts a batch.
type NotifyError struct {
	MessageID gmail.MessageID
	Err       error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.MessageID, e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	Fetched    int
	Notified   int
	NotifyErrs int
	Cursor     string // cursor after the cycle
}

// Poller runs the fetch, dispatch, persist cycle on a fixed interval.
type Poller struct {
	Fetcher    *Fetcher
	Classifier Classifier
	Notifier   Notifier
	Store      store.Watermarks
	Logger     *slog.Logger
	Interval   time.Duration

	// ResetOnInvalidCursor makes the poller jump to the mailbox's current
	// history id when the stored cursor is rejected. Off by default.
	ResetOnInvalidCursor bool

	// After is the interval timer; tests replace it.
	After func(time.Duration) <-chan time.Time

	state atomic.Int32
}

// NewPoller constructs a Poller with default interval and timer.
func NewPoller(
	fetcher *Fetcher,
	classifier Classifier,
	notifier Notifier,
	st store.Watermarks,
	logger *slog.Logger,
) *Poller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Poller{
		Fetcher:    fetcher,
		Classifier: classifier,
		Notifier:   notifier,
		Store:      st,
		Logger:     logger,
		Interval:   DefaultInterval,
		After:      time.After,
	}
}

// State returns the current loop state.
func (p *Poller) State() State {
	return State(p.state.Load())
}

func (p *Poller) setState(s State) {
	p.state.Store(int32(s))
}

// Run cycles until ctx is canceled. Cancellation is only observed while
// waiting between cycles; a cycle in progress always runs to completion.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	after := p.After
	if after == nil {
		after = time.After
	}

	for {
		res, err := p.Cycle(context.WithoutCancel(ctx))
		switch {
		case err != nil:
			p.Logger.WarnContext(ctx, "poll cycle failed", "error", err)
		case res.Fetched > 0:
			p.Logger.InfoContext(ctx, "poll cycle",
				"fetched", res.Fetched, "notified", res.Notified,
				"notify_errors", res.NotifyErrs, "cursor", res.Cursor)
		}
		p.setState(StateIdle)

		select {
		case <-ctx.Done():
			p.setState(StateAborted)
			p.Logger.InfoContext(ctx, "poller stopped")
			return nil
		case <-after(interval):
		}
	}
}

// Cycle performs one fetch, dispatch, persist pass.
func (p *Poller) Cycle(ctx context.Context) (CycleResult, error) {
	cursor, err := p.Store.Get(ctx, store.KeyLastHistoryID, "0")
	if err != nil {
		return CycleResult{}, fmt.Errorf("read cursor: %w", err)
	}
	res := CycleResult{Cursor: cursor}

	if cursor == "0" {
		next, err := p.resetCursor(ctx, "bootstrap")
		if err != nil {
			return res, err
		}
		res.Cursor = next
		return res, nil
	}

	p.setState(StateFetching)
	msgs, err := p.Fetcher.FetchSince(ctx, cursor)
	if err != nil {
		var cursorErr *gmail.InvalidCursorError
		if !errors.As(err, &cursorErr) {
			return res, err
		}
		if !p.ResetOnInvalidCursor {
			p.Logger.ErrorContext(ctx, "stored history cursor rejected; run reset-cursor",
				"cursor", cursor, "error", err)
			return res, err
		}
		next, resetErr := p.resetCursor(ctx, "invalid cursor")
		if resetErr != nil {
			return res, errors.Join(err, resetErr)
		}
		res.Cursor = next
		return res, nil
	}
	res.Fetched = len(msgs)
	if len(msgs) == 0 {
		return res, nil
	}

	p.setState(StateDispatching)
	for _, m := range msgs {
		cat := p.Classifier.Classify(m)
		if cat != classify.VIP {
			continue
		}
		if err := p.Notifier.Notify(ctx, m, cat); err != nil {
			res.NotifyErrs++
			p.Logger.WarnContext(ctx, "notify failed", "error", &NotifyError{MessageID: m.ID, Err: err})
			continue
		}
		res.Notified++
	}

	p.setState(StatePersisting)
	next, err := p.advance(ctx, cursor, maxHistoryID(msgs))
	if err != nil {
		return res, err
	}
	res.Cursor = next
	return res, nil
}

// maxHistoryID is the highest change marker in the batch. Arrival order and
// history order differ when an older message is relabeled, so the last
// message is not enough.
func maxHistoryID(msgs []gmail.Message) uint64 {
	var top uint64
	for _, m := range msgs {
		if m.HistoryID > top {
			top = m.HistoryID
		}
	}
	return top
}

// advance persists candidate as the new cursor unless it would move backwards.
func (p *Poller) advance(ctx context.Context, cursor string, candidate uint64) (string, error) {
	current, _ := ParseCursor(cursor)
	if candidate <= current {
		p.Logger.DebugContext(ctx, "cursor not advanced", "cursor", cursor, "candidate", candidate)
		return cursor, nil
	}
	next := strconv.FormatUint(candidate, 10)
	if err := p.Store.Set(ctx, store.KeyLastHistoryID, next); err != nil {
		return cursor, fmt.Errorf("persist cursor %s: %w", next, err)
	}
	return next, nil
}

func (p *Poller) resetCursor(ctx context.Context, reason string) (string, error) {
	p.setState(StatePersisting)
	next, err := ResetCursor(ctx, p.Fetcher.Client, p.Fetcher.Limiter, p.Store)
	if err != nil {
		return "", err
	}
	p.Logger.InfoContext(ctx, "history cursor reset", "reason", reason, "cursor", next)
	return next, nil
}

// ResetCursor stores the mailbox's current history id as the sync cursor.
// Messages that arrived before the reset are not replayed.
func ResetCursor(ctx context.Context, client gmail.Client, limiter rate.Limiter, st store.Watermarks) (string, error) {
	if err := rate.Wait(ctx, limiter, "rate limit profile"); err != nil {
		return "", err
	}
	profile, err := client.Profile(ctx)
	if err != nil {
		return "", fmt.Errorf("read mailbox history id: %w", err)
	}
	next := strconv.FormatUint(profile.HistoryID, 10)
	if err := st.Set(ctx, store.KeyLastHistoryID, next); err != nil {
		return "", fmt.Errorf("persist cursor %s: %w", next, err)
	}
	return next, nil
}
