package db

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"rook/internal/blobstorage"
	"rook/internal/mailbox"
)

func subscription(user, name string) mailbox.Subscription {
	return mailbox.Subscription{User: user, Mailbox: name}
}

// memBlobs is an in-memory blobstorage.Store.
type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: make(map[string][]byte)} }

func (b *memBlobs) Store(ctx context.Context, content []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := blobstorage.Key(content)
	b.objects[key] = append([]byte(nil), content...)
	return key, nil
}

func (b *memBlobs) Retrieve(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.objects[key]
	if !ok {
		return nil, blobstorage.ErrNotFound
	}
	return c, nil
}

func (b *memBlobs) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	b.deleted = append(b.deleted, key)
	return nil
}

func openMappers(t *testing.T, manager *DBManager, user string) mailbox.Mappers {
	t.Helper()
	m, err := manager.Open(context.Background(), user)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func createMailbox(t *testing.T, m mailbox.Mappers, user, name string) *mailbox.Mailbox {
	t.Helper()
	mb := &mailbox.Mailbox{Path: mailbox.NewPath(user, name), UIDValidity: 42}
	if err := m.Mailboxes().Save(context.Background(), mb); err != nil {
		t.Fatalf("Save mailbox %s failed: %v", name, err)
	}
	return mb
}

func appendMessage(t *testing.T, m mailbox.Mappers, mb *mailbox.Mailbox, content string, flags mailbox.Flags) uint32 {
	t.Helper()
	ctx := context.Background()
	uid, err := m.Mailboxes().ConsumeNextUID(ctx, mb.ID)
	if err != nil {
		t.Fatalf("ConsumeNextUID failed: %v", err)
	}
	msg := &mailbox.Message{
		UID:          uid,
		InternalDate: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Size:         int64(len(content)),
		Flags:        flags,
		Content:      []byte(content),
	}
	if err := m.Messages().Save(ctx, mb, msg); err != nil {
		t.Fatalf("Save message failed: %v", err)
	}
	return uid
}

func TestMailboxMapper(t *testing.T) {
	ctx := context.Background()
	m := openMappers(t, newTestManager(t), "alice")

	inbox := createMailbox(t, m, "alice", "INBOX")
	createMailbox(t, m, "alice", "Work/Reports")

	dup := &mailbox.Mailbox{Path: mailbox.NewPath("alice", "INBOX"), UIDValidity: 1}
	if err := m.Mailboxes().Save(ctx, dup); !errors.Is(err, mailbox.ErrMailboxExists) {
		t.Errorf("Expected ErrMailboxExists, got %v", err)
	}

	found, err := m.Mailboxes().FindMailboxByPath(ctx, mailbox.NewPath("alice", "inbox"))
	if err != nil {
		t.Fatalf("FindMailboxByPath failed: %v", err)
	}
	if found.ID != inbox.ID || found.UIDValidity != 42 {
		t.Errorf("Unexpected mailbox %+v", found)
	}

	if _, err := m.Mailboxes().FindMailboxByPath(ctx, mailbox.NewPath("bob", "INBOX")); !errors.Is(err, mailbox.ErrMailboxNotFound) {
		t.Errorf("Expected another user's path to be unknown, got %v", err)
	}

	has, err := m.Mailboxes().HasChildren(ctx, mailbox.NewPath("alice", "Work"))
	if err != nil || !has {
		t.Errorf("HasChildren(Work) = %v, %v", has, err)
	}
	has, err = m.Mailboxes().HasChildren(ctx, mailbox.NewPath("alice", "Wor"))
	if err != nil || has {
		t.Errorf("HasChildren(Wor) = %v, %v", has, err)
	}

	list, err := m.Mailboxes().List(ctx, "alice")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("Expected 2 mailboxes, got %d", len(list))
	}

	for want := uint32(1); want <= 3; want++ {
		uid, err := m.Mailboxes().ConsumeNextUID(ctx, inbox.ID)
		if err != nil {
			t.Fatalf("ConsumeNextUID failed: %v", err)
		}
		if uid != want {
			t.Errorf("ConsumeNextUID = %d, want %d", uid, want)
		}
	}

	// A stale LastUID must not roll the counter back.
	inbox.Path = mailbox.NewPath("alice", "Archive")
	if err := m.Mailboxes().Save(ctx, inbox); err != nil {
		t.Fatalf("rename Save failed: %v", err)
	}
	renamed, err := m.Mailboxes().FindMailboxByID(ctx, inbox.ID)
	if err != nil {
		t.Fatalf("FindMailboxByID failed: %v", err)
	}
	if renamed.Path.Name != "Archive" || renamed.LastUID != 3 {
		t.Errorf("Unexpected mailbox after rename %+v", renamed)
	}

	if _, err := m.Mailboxes().ConsumeNextUID(ctx, 9999); !errors.Is(err, mailbox.ErrMailboxNotFound) {
		t.Errorf("Expected ErrMailboxNotFound, got %v", err)
	}
}

func TestMessageMapper(t *testing.T) {
	ctx := context.Background()
	m := openMappers(t, newTestManager(t), "alice")
	mb := createMailbox(t, m, "alice", "INBOX")

	u1 := appendMessage(t, m, mb, "Subject: one\r\n\r\nfirst\r\n", mailbox.Flags{System: mailbox.FlagRecent})
	u2 := appendMessage(t, m, mb, "Subject: two\r\n\r\nsecond\r\n", mailbox.Flags{System: mailbox.FlagSeen | mailbox.FlagDeleted, User: []string{"$Work"}})
	u3 := appendMessage(t, m, mb, "Subject: three\r\n\r\nthird\r\n", mailbox.Flags{System: mailbox.FlagRecent})

	msgs, err := m.Messages().FindInMailbox(ctx, mb, mailbox.All(), mailbox.FetchFull)
	if err != nil {
		t.Fatalf("FindInMailbox failed: %v", err)
	}
	if len(msgs) != 3 || msgs[0].UID != u1 || msgs[2].UID != u3 {
		t.Fatalf("Unexpected messages %v", msgs)
	}
	if !bytes.Contains(msgs[1].Content, []byte("second")) {
		t.Errorf("Content not loaded: %q", msgs[1].Content)
	}
	if !msgs[1].Flags.HasUser("$work") || !msgs[1].InternalDate.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("Metadata not preserved: %+v", msgs[1])
	}

	meta, err := m.Messages().FindInMailbox(ctx, mb, mailbox.From(u2), mailbox.FetchMetadata)
	if err != nil {
		t.Fatalf("FindInMailbox failed: %v", err)
	}
	if len(meta) != 2 || meta[0].Content != nil {
		t.Errorf("Metadata fetch returned %d messages, content %q", len(meta), meta[0].Content)
	}

	deleted, err := m.Messages().FindMarkedForDeletionInMailbox(ctx, mb, mailbox.All())
	if err != nil || len(deleted) != 1 || deleted[0] != u2 {
		t.Errorf("FindMarkedForDeletionInMailbox = %v, %v", deleted, err)
	}

	recent, err := m.Messages().FindRecentMessagesInMailbox(ctx, mb, 1)
	if err != nil || len(recent) != 1 || recent[0] != u1 {
		t.Errorf("FindRecentMessagesInMailbox(1) = %v, %v", recent, err)
	}
	recent, _ = m.Messages().FindRecentMessagesInMailbox(ctx, mb, 0)
	if len(recent) != 2 {
		t.Errorf("Expected 2 recent messages, got %v", recent)
	}

	first, err := m.Messages().FindFirstUnseenMessageUID(ctx, mb)
	if err != nil || first != u1 {
		t.Errorf("FindFirstUnseenMessageUID = %d, %v", first, err)
	}
	count, _ := m.Messages().CountMessagesInMailbox(ctx, mb)
	unseen, _ := m.Messages().CountUnseenMessagesInMailbox(ctx, mb)
	if count != 3 || unseen != 2 {
		t.Errorf("counts = %d/%d, want 3/2", count, unseen)
	}

	// Saving an existing UID only updates flags.
	msgs[0].Flags = mailbox.Flags{System: mailbox.FlagSeen}
	msgs[0].Content = nil
	if err := m.Messages().Save(ctx, mb, msgs[0]); err != nil {
		t.Fatalf("flag update failed: %v", err)
	}
	reloaded, _ := m.Messages().FindInMailbox(ctx, mb, mailbox.One(u1), mailbox.FetchFull)
	if len(reloaded) != 1 || !reloaded[0].Flags.Has(mailbox.FlagSeen) || len(reloaded[0].Content) == 0 {
		t.Errorf("Unexpected message after flag update: %+v", reloaded)
	}

	q := &mailbox.SearchQuery{Criteria: []mailbox.Criterion{{Key: mailbox.SearchBody, Value: "third"}}}
	found, err := m.Messages().SearchMailbox(ctx, mb, q)
	if err != nil || len(found) != 1 || found[0] != u3 {
		t.Errorf("SearchMailbox = %v, %v", found, err)
	}

	if err := m.Messages().Delete(ctx, mb, u2); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := m.Messages().Delete(ctx, mb, u2); !errors.Is(err, mailbox.ErrMessageNotFound) {
		t.Errorf("Expected ErrMessageNotFound, got %v", err)
	}
}

func TestBlobDeduplication(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t)
	m := openMappers(t, manager, "alice")
	inbox := createMailbox(t, m, "alice", "INBOX")
	sent := createMailbox(t, m, "alice", "Sent")

	content := "Subject: same\r\n\r\nidentical body\r\n"
	appendMessage(t, m, inbox, content, mailbox.Flags{})
	uid := appendMessage(t, m, sent, content, mailbox.Flags{})

	userDB, _ := manager.GetUserDB("alice")
	var blobs, refs int
	if err := userDB.QueryRow("SELECT COUNT(*), SUM(reference_count) FROM blobs").Scan(&blobs, &refs); err != nil {
		t.Fatalf("Failed to query blobs: %v", err)
	}
	if blobs != 1 || refs != 2 {
		t.Errorf("Expected 1 blob with 2 references, got %d blobs, %d refs", blobs, refs)
	}

	if err := m.Messages().Delete(ctx, sent, uid); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := m.Mailboxes().Delete(ctx, inbox); err != nil {
		t.Fatalf("Delete mailbox failed: %v", err)
	}
	if err := userDB.QueryRow("SELECT COUNT(*) FROM blobs").Scan(&blobs); err != nil {
		t.Fatalf("Failed to query blobs: %v", err)
	}
	if blobs != 0 {
		t.Errorf("Expected unreferenced blob to be removed, %d left", blobs)
	}
}

func TestObjectStorageDeletesAfterCommit(t *testing.T) {
	ctx := context.Background()
	objects := newMemBlobs()
	m := openMappers(t, newTestManager(t, WithBlobStorage(objects)), "alice")
	mb := createMailbox(t, m, "alice", "INBOX")

	content := "Subject: big\r\n\r\nattachment\r\n"
	uid := appendMessage(t, m, mb, content, mailbox.Flags{})
	key := blobstorage.Key([]byte(content))
	if _, ok := objects.objects[key]; !ok {
		t.Fatal("Expected content in object storage")
	}

	msgs, err := m.Messages().FindInMailbox(ctx, mb, mailbox.One(uid), mailbox.FetchFull)
	if err != nil || len(msgs) != 1 || string(msgs[0].Content) != content {
		t.Fatalf("FindInMailbox = %v, %v", msgs, err)
	}

	// A rolled back delete keeps the object.
	err = mailbox.Execute(ctx, m, func() error {
		if err := m.Messages().Delete(ctx, mb, uid); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("Expected aborted transaction")
	}
	if len(objects.deleted) != 0 {
		t.Fatalf("Object deleted despite rollback: %v", objects.deleted)
	}

	err = mailbox.Execute(ctx, m, func() error {
		return m.Messages().Delete(ctx, mb, uid)
	})
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(objects.deleted) != 1 || objects.deleted[0] != key {
		t.Errorf("Expected %s deleted after commit, got %v", key, objects.deleted)
	}
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	m := openMappers(t, newTestManager(t), "alice")
	mb := createMailbox(t, m, "alice", "INBOX")

	err := mailbox.Execute(ctx, m, func() error {
		appendMessage(t, m, mb, "Subject: x\r\n\r\n", mailbox.Flags{})
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("Expected error from aborted transaction")
	}

	count, _ := m.Messages().CountMessagesInMailbox(ctx, mb)
	if count != 0 {
		t.Errorf("Expected rollback to discard the message, %d left", count)
	}
	reloaded, _ := m.Mailboxes().FindMailboxByID(ctx, mb.ID)
	if reloaded.LastUID != 0 {
		t.Errorf("Expected rollback to discard the UID, last uid %d", reloaded.LastUID)
	}
}

func TestSubscriptionMapper(t *testing.T) {
	ctx := context.Background()
	m := openMappers(t, newTestManager(t), "alice")
	subs := m.Subscriptions()

	for _, name := range []string{"Lists", "INBOX", "Lists"} {
		if err := subs.Save(ctx, subscription("alice", name)); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	all, err := subs.FindSubscriptionsForUser(ctx, "alice")
	if err != nil || len(all) != 2 {
		t.Fatalf("FindSubscriptionsForUser = %v, %v", all, err)
	}

	if _, err := subs.FindMailboxSubscriptionForUser(ctx, "alice", "Lists"); err != nil {
		t.Errorf("FindMailboxSubscriptionForUser failed: %v", err)
	}
	if err := subs.Delete(ctx, subscription("alice", "Lists")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := subs.FindMailboxSubscriptionForUser(ctx, "alice", "Lists"); !errors.Is(err, mailbox.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}
	if err := subs.Delete(ctx, subscription("alice", "Lists")); !errors.Is(err, mailbox.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestManagerOverSQLite(t *testing.T) {
	ctx := context.Background()
	mgr := mailbox.NewManager(newTestManager(t))
	s := mgr.CreateSession("alice")

	if err := mgr.ProvisionDefaults(ctx, s); err != nil {
		t.Fatalf("ProvisionDefaults failed: %v", err)
	}
	mm, err := mgr.GetMailbox(ctx, s, mailbox.NewPath("alice", "INBOX"))
	if err != nil {
		t.Fatalf("GetMailbox failed: %v", err)
	}

	const n = 20
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, _, err := mm.AppendMessage(ctx, mgr.CreateSession("alice"), []byte("Subject: hi\r\n\r\nbody\r\n"), time.Now(), mailbox.Flags{})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	uids, err := mm.UIDs(ctx, s)
	if err != nil {
		t.Fatalf("UIDs failed: %v", err)
	}
	if len(uids) != n {
		t.Fatalf("Expected %d messages, got %d", n, len(uids))
	}
	for i, uid := range uids {
		if uid != uint32(i+1) {
			t.Fatalf("UIDs not gap-free: %v", uids)
		}
	}
}
