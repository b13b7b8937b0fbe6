package repo

import (
	"context"
	"database/sql/driver"
	"errors"

	"modernc.org/sqlite"
)

// SQLite primary result codes that indicate contention rather than a broken
// statement.
const (
	codeBusy   = 5
	codeLocked = 6
)

// IsTransient reports whether err is an infrastructure-level failure worth
// retrying: store contention or a deadline at the adapter boundary. Condition
// failures (ErrConflict and friends) are deterministic and never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrAlreadyApplied) || errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case codeBusy, codeLocked:
			return true
		}
	}
	return false
}
