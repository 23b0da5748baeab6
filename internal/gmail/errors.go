package gmail

import (
	"errors"
	"fmt"
)

// ErrMessageNotFound is returned by Client.Get when the message no longer exists.
var ErrMessageNotFound = errors.New("message not found")

// InvalidCursorError indicates that the service rejected a history cursor,
// usually because it is older than the retained history window.
type InvalidCursorError struct {
	Cursor string
	Err    error
}

func (e *InvalidCursorError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid history cursor %q", e.Cursor)
	}
	return fmt.Sprintf("invalid history cursor %q: %v", e.Cursor, e.Err)
}

func (e *InvalidCursorError) Unwrap() error { return e.Err }

// IsInvalidCursor reports whether err (or any error in its chain) is an InvalidCursorError.
func IsInvalidCursor(err error) bool {
	var cursorErr *InvalidCursorError
	return errors.As(err, &cursorErr)
}
