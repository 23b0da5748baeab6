package digest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joshsymonds/inboxpilot/internal/store"
)

// DefaultLookback bounds the first digest window when no digest has run yet.
const DefaultLookback = 24 * time.Hour

// DefaultLeaseTTL bounds how long a crashed run can block other processes.
const DefaultLeaseTTL = 15 * time.Minute

const leaseName = "digest"

// Sender delivers a rendered digest.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

// Result describes one digest run.
type Result struct {
	RunID    string
	Start    time.Time
	End      time.Time
	Messages int
	Sent     bool
	Report   string
}

// Runner owns the last_digest_ts watermark. Scheduled and on-demand runs
// share one mutex so the read-collect-send-write sequence never interleaves.
// With Lock set, the sequence also holds a store lease, which keeps a second
// process on the same database from sending the same window.
type Runner struct {
	Collector *Collector
	Formatter *Formatter
	Sender    Sender
	Store     store.Watermarks
	Lock      store.Leases
	Logger    *slog.Logger
	Lookback  time.Duration
	LeaseTTL  time.Duration
	// Now is the clock; tests replace it.
	Now func() time.Time

	mu sync.Mutex
}

// Run collects mail since the last digest, sends the report when there is
// anything to say, and then records the window end. trigger is logged only.
func (r *Runner) Run(ctx context.Context, trigger string) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	runID := uuid.NewString()
	logger := r.Logger.With("run_id", runID, "trigger", trigger)
	release, err := r.claim(ctx, runID)
	if err != nil {
		return Result{RunID: runID}, err
	}
	defer release()

	res, err := r.build(ctx, runID)
	if err != nil {
		return res, err
	}

	if res.Report != "" {
		if err := r.Sender.SendText(ctx, res.Report); err != nil {
			return res, fmt.Errorf("send digest: %w", err)
		}
		res.Sent = true
	}

	ts := strconv.FormatInt(res.End.Unix(), 10)
	if err := r.Store.Set(ctx, store.KeyLastDigestTS, ts); err != nil {
		return res, fmt.Errorf("persist digest watermark %s: %w", ts, err)
	}
	logger.InfoContext(ctx, "digest complete",
		"start", res.Start, "end", res.End, "messages", res.Messages, "sent", res.Sent)
	return res, nil
}

// Preview renders the digest that Run would send without sending it or
// moving the watermark.
func (r *Runner) Preview(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.build(ctx, uuid.NewString())
}

// Schedule calls Run every interval until ctx is canceled. Run failures are
// logged and retried at the next tick from the same watermark.
func (r *Runner) Schedule(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("digest interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Run(context.WithoutCancel(ctx), "schedule"); err != nil {
				r.Logger.WarnContext(ctx, "scheduled digest failed", "error", err)
			}
		}
	}
}

// claim takes the digest lease for owner. The returned func releases it.
func (r *Runner) claim(ctx context.Context, owner string) (func(), error) {
	if r.Lock == nil {
		return func() {}, nil
	}
	ttl := r.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if err := r.Lock.AcquireLease(ctx, leaseName, owner, ttl); err != nil {
		return nil, fmt.Errorf("claim digest: %w", err)
	}
	return func() {
		if err := r.Lock.ReleaseLease(context.WithoutCancel(ctx), leaseName, owner); err != nil {
			r.Logger.WarnContext(ctx, "release digest lease failed", "run_id", owner, "error", err)
		}
	}, nil
}

func (r *Runner) build(ctx context.Context, runID string) (Result, error) {
	res := Result{RunID: runID, End: r.now()}

	raw, err := r.Store.Get(ctx, store.KeyLastDigestTS, "0")
	if err != nil {
		return res, fmt.Errorf("read digest watermark: %w", err)
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return res, fmt.Errorf("parse digest watermark %q: %w", raw, err)
	}
	if secs == 0 {
		lookback := r.Lookback
		if lookback <= 0 {
			lookback = DefaultLookback
		}
		res.Start = res.End.Add(-lookback)
	} else {
		res.Start = time.Unix(secs, 0)
	}

	w, err := r.Collector.Collect(ctx, res.Start, res.End)
	if err != nil {
		return res, err
	}
	res.Messages = w.Total()
	res.Report = r.Formatter.Format(ctx, w)
	return res, nil
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		// watermarks are whole seconds; truncate so the next window starts exactly here
		return r.Now().Truncate(time.Second)
	}
	return time.Now().Truncate(time.Second)
}
