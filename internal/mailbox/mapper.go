package mailbox

import (
	"context"
	"fmt"
)

// MailboxMapper persists mailboxes for one user.
type MailboxMapper interface {
	// FindMailboxByPath returns ErrMailboxNotFound when p is unknown.
	FindMailboxByPath(ctx context.Context, p Path) (*Mailbox, error)
	FindMailboxByID(ctx context.Context, id int64) (*Mailbox, error)
	// List returns every mailbox owned by user.
	List(ctx context.Context, user string) ([]*Mailbox, error)
	HasChildren(ctx context.Context, p Path) (bool, error)
	// Save inserts mb when its ID is zero (assigning one) and updates it
	// otherwise. Inserting a duplicate path returns ErrMailboxExists.
	Save(ctx context.Context, mb *Mailbox) error
	// Delete removes the mailbox and every message it owns.
	Delete(ctx context.Context, mb *Mailbox) error
	// ConsumeNextUID atomically increments and returns the mailbox's last UID.
	ConsumeNextUID(ctx context.Context, mailboxID int64) (uint32, error)
}

// MessageMapper persists messages. Results are ordered by ascending UID.
type MessageMapper interface {
	FindInMailbox(ctx context.Context, mb *Mailbox, r MessageRange, ft FetchType) ([]*Message, error)
	FindMarkedForDeletionInMailbox(ctx context.Context, mb *Mailbox, r MessageRange) ([]uint32, error)
	// FindRecentMessagesInMailbox returns at most limit UIDs carrying the
	// persisted \Recent flag. A limit <= 0 means no limit.
	FindRecentMessagesInMailbox(ctx context.Context, mb *Mailbox, limit int) ([]uint32, error)
	// FindFirstUnseenMessageUID returns 0 when every message is seen.
	FindFirstUnseenMessageUID(ctx context.Context, mb *Mailbox) (uint32, error)
	CountMessagesInMailbox(ctx context.Context, mb *Mailbox) (int, error)
	CountUnseenMessagesInMailbox(ctx context.Context, mb *Mailbox) (int, error)
	SearchMailbox(ctx context.Context, mb *Mailbox, q *SearchQuery) ([]uint32, error)
	// Save inserts or replaces the message identified by (mailbox, UID).
	Save(ctx context.Context, mb *Mailbox, msg *Message) error
	Delete(ctx context.Context, mb *Mailbox, uid uint32) error
}

// SubscriptionMapper persists LSUB subscriptions.
type SubscriptionMapper interface {
	FindSubscriptionsForUser(ctx context.Context, user string) ([]Subscription, error)
	// FindMailboxSubscriptionForUser returns ErrSubscriptionNotFound when absent.
	FindMailboxSubscriptionForUser(ctx context.Context, user, mailbox string) (*Subscription, error)
	// Save is a no-op for an existing subscription.
	Save(ctx context.Context, sub Subscription) error
	Delete(ctx context.Context, sub Subscription) error
}

// Mappers is one request's view of a storage backend. It is never shared
// between concurrent requests.
type Mappers interface {
	Mailboxes() MailboxMapper
	Messages() MessageMapper
	Subscriptions() SubscriptionMapper

	// Transactional reports whether Begin/Commit/Rollback mean anything.
	// Callers go through Execute, which skips them when it returns false.
	Transactional() bool
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error

	Close() error
}

// MapperFactory opens Mappers scoped to a user's storage.
type MapperFactory interface {
	Open(ctx context.Context, user string) (Mappers, error)
}

// Execute runs fn inside a transaction when the backend supports one.
// A failing fn rolls the transaction back.
func Execute(ctx context.Context, m Mappers, fn func() error) error {
	if !m.Transactional() {
		return fn()
	}
	if err := m.Begin(ctx); err != nil {
		return WrapStorage("begin", err)
	}
	if err := fn(); err != nil {
		if rbErr := m.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := m.Commit(); err != nil {
		return WrapStorage("commit", err)
	}
	return nil
}
