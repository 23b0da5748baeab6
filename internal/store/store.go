package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Watermark keys. The sync poller owns KeyLastHistoryID and the digest
// runner owns KeyLastDigestTS; neither writes the other's key.
const (
	KeyLastHistoryID = "last_history_id"
	KeyLastDigestTS  = "last_digest_ts"
)

// ErrLeaseHeld is returned by AcquireLease while another owner holds an
// unexpired lease of the same name.
var ErrLeaseHeld = errors.New("lease held by another owner")

// ErrDraftNotFound is returned by GetDraft when no draft exists for the message.
var ErrDraftNotFound = errors.New("draft not found")

// Pair is one key/value write inside a Transaction.
type Pair struct {
	Key   string
	Value string
}

// PersistenceError indicates that a write did not commit. Prior state is intact.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Watermarks is the durable single-value-per-key checkpoint store.
type Watermarks interface {
	Get(ctx context.Context, key, def string) (string, error)
	Set(ctx context.Context, key, value string) error
	Transaction(ctx context.Context, pairs []Pair) error
}

// Drafts caches generated reply text per message id.
type Drafts interface {
	PutDraft(ctx context.Context, messageID, text string) error
	GetDraft(ctx context.Context, messageID string) (string, error)
	DeleteDraft(ctx context.Context, messageID string) error
}

// Leases are named, expiring locks shared by every process that opens the
// same database.
type Leases interface {
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, name, owner string) error
}
