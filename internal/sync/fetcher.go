package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/joshsymonds/inboxpilot/internal/gmail"
	"github.com/joshsymonds/inboxpilot/internal/rate"
)

// TransientFetchError wraps a fetch failure that is expected to clear on
// its own. The cursor must not advance; the next cycle retries it.
type TransientFetchError struct {
	Cursor string
	Err    error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch since %s: %v", e.Cursor, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// Fetcher retrieves every message changed since a history cursor.
type Fetcher struct {
	Client  gmail.Client
	Limiter rate.Limiter
	Logger  *slog.Logger
}

// FetchSince drains history pages from cursor, fetches each distinct
// message once, and returns them sorted by arrival time (then id).
//
// An unusable cursor is reported as *gmail.InvalidCursorError; every other
// failure as *TransientFetchError.
func (f *Fetcher) FetchSince(ctx context.Context, cursor string) ([]gmail.Message, error) {
	start, err := ParseCursor(cursor)
	if err != nil {
		return nil, err
	}

	ids, err := f.changedIDs(ctx, cursor, start)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs := make([]gmail.Message, 0, len(ids))
	for _, id := range ids {
		if err := rate.Wait(ctx, f.Limiter, "rate limit message"); err != nil {
			return nil, &TransientFetchError{Cursor: cursor, Err: err}
		}
		m, err := f.Client.Get(ctx, id)
		if errors.Is(err, gmail.ErrMessageNotFound) {
			// deleted after the history record was written
			f.Logger.DebugContext(ctx, "skipping vanished message", "id", id)
			continue
		}
		if err != nil {
			return nil, &TransientFetchError{Cursor: cursor, Err: err}
		}
		msgs = append(msgs, m)
	}

	SortByArrival(msgs)
	return msgs, nil
}

func (f *Fetcher) changedIDs(ctx context.Context, cursor string, start uint64) ([]gmail.MessageID, error) {
	seen := make(map[gmail.MessageID]struct{})
	var (
		ids   []gmail.MessageID
		token string
	)
	for {
		if err := rate.Wait(ctx, f.Limiter, "rate limit history"); err != nil {
			return nil, &TransientFetchError{Cursor: cursor, Err: err}
		}
		page, err := f.Client.ListHistory(ctx, start, token)
		if err != nil {
			if gmail.IsInvalidCursor(err) {
				return nil, err
			}
			return nil, &TransientFetchError{Cursor: cursor, Err: err}
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

// SortByArrival orders messages by InternalDate, breaking ties by id.
func SortByArrival(msgs []gmail.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].InternalDate.Equal(msgs[j].InternalDate) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].InternalDate.Before(msgs[j].InternalDate)
	})
}

// ParseCursor decodes a decimal history cursor.
func ParseCursor(cursor string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(cursor), 10, 64)
	if err != nil {
		return 0, &gmail.InvalidCursorError{Cursor: cursor, Err: err}
	}
	return v, nil
}
