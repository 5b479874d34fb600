package mailbox

import (
	"errors"
	"fmt"
)

var (
	ErrMailboxExists        = errors.New("mailbox already exists")
	ErrMailboxNotFound      = errors.New("mailbox does not exist")
	ErrInvalidName          = errors.New("invalid mailbox name")
	ErrHasChildren          = errors.New("mailbox has inferior hierarchical names")
	ErrInboxOperation       = errors.New("operation not permitted on INBOX")
	ErrSubscriptionNotFound = errors.New("subscription does not exist")
	ErrMessageNotFound      = errors.New("message does not exist")
	ErrReadOnly             = errors.New("mailbox is read-only")
)

// StorageError wraps a failure inside a storage backend. The operation that
// failed is kept so logs say more than "database is locked".
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// WrapStorage returns nil for nil and passes the mailbox sentinels through
// untouched so callers can still errors.Is them.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrMailboxExists, ErrMailboxNotFound, ErrSubscriptionNotFound, ErrMessageNotFound} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
