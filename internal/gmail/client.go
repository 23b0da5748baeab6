package gmail

import "context"

// Client is the narrow Gmail surface required by inboxpilot.
type Client interface {
	ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (HistoryPage, error)
	List(ctx context.Context, q Query, pageToken string, pageSize int) (ListPage, error)
	Get(ctx context.Context, id MessageID) (Message, error)
	Profile(ctx context.Context) (Profile, error)
	Send(ctx context.Context, out Outgoing) (MessageID, error)
}
