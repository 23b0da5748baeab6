// Package digest gathers lower-priority mail from a time window and renders
// it as a sectioned report.
package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/joshsymonds/inboxpilot/internal/classify"
	"github.com/joshsymonds/inboxpilot/internal/gmail"
	"github.com/joshsymonds/inboxpilot/internal/rate"
)

const defaultPageSize = 500

// Sections lists the digest buckets in report order. VIP mail is never
// part of a digest; it was already pushed individually.
var Sections = []classify.Category{classify.Promo, classify.Newsletter, classify.Other}

// Classifier assigns a category to a message.
type Classifier interface {
	Classify(m gmail.Message) classify.Category
}

// Window is the half-open interval [Start, End) and its bucketed messages.
type Window struct {
	Start   time.Time
	End     time.Time
	Buckets map[classify.Category][]gmail.Message
}

// Total counts the messages across all buckets.
func (w Window) Total() int {
	n := 0
	for _, msgs := range w.Buckets {
		n += len(msgs)
	}
	return n
}

// Collector queries the mailbox for a time window and buckets the result.
type Collector struct {
	Client     gmail.Client
	Limiter    rate.Limiter
	Logger     *slog.Logger
	Classifier Classifier
	PageSize   int
}

// Collect returns every non-VIP message that arrived in [start, end),
// grouped by category in arrival order.
func (c *Collector) Collect(ctx context.Context, start, end time.Time) (Window, error) {
	w := Window{Start: start, End: end, Buckets: make(map[classify.Category][]gmail.Message, len(Sections))}
	for _, cat := range Sections {
		w.Buckets[cat] = nil
	}
	if !start.Before(end) {
		return w, nil
	}

	// after: is exclusive at whole seconds; widen it by one and let the
	// filter below enforce the exact window.
	query := gmail.Query{Raw: fmt.Sprintf("after:%d before:%d", start.Unix()-1, end.Unix())}
	ids, err := c.listIDs(ctx, query)
	if err != nil {
		return Window{}, err
	}

	msgs := make([]gmail.Message, 0, len(ids))
	for _, id := range ids {
		if err := rate.Wait(ctx, c.Limiter, "rate limit message"); err != nil {
			return Window{}, err
		}
		m, err := c.Client.Get(ctx, id)
		if errors.Is(err, gmail.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return Window{}, fmt.Errorf("collect digest: %w", err)
		}
		// search operators are day/second granular; enforce the exact interval
		if m.InternalDate.Before(start) || !m.InternalDate.Before(end) {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].InternalDate.Equal(msgs[j].InternalDate) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].InternalDate.Before(msgs[j].InternalDate)
	})

	for _, m := range msgs {
		cat := c.Classifier.Classify(m)
		switch cat {
		case classify.VIP:
			continue
		case classify.Promo, classify.Newsletter, classify.Other:
		default:
			cat = classify.Other
		}
		w.Buckets[cat] = append(w.Buckets[cat], m)
	}
	c.Logger.DebugContext(ctx, "digest collected",
		"start", start, "end", end, "listed", len(ids), "kept", w.Total())
	return w, nil
}

func (c *Collector) listIDs(ctx context.Context, q gmail.Query) ([]gmail.MessageID, error) {
	pageSize := c.PageSize
	if pageSize <= 0 || pageSize > defaultPageSize {
		pageSize = defaultPageSize
	}
	seen := make(map[gmail.MessageID]struct{})
	var (
		ids   []gmail.MessageID
		token string
	)
	for {
		if err := rate.Wait(ctx, c.Limiter, "rate limit list"); err != nil {
			return nil, err
		}
		page, err := c.Client.List(ctx, q, token, pageSize)
		if err != nil {
			return nil, fmt.Errorf("list digest window: %w", err)
		}
		for _, id := range page.IDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	return ids, nil
}
