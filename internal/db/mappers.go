package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"rook/internal/blobstorage"
	"rook/internal/mailbox"
)

const (
	storageInline = "inline"
	storageS3     = "s3"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlMappers is the transactional mailbox.Mappers over one user database.
type sqlMappers struct {
	user   string
	db     *sql.DB
	tx     *sql.Tx
	blobs  blobstorage.Store
	logger log.Logger

	// Object-store keys whose last reference went away in the current
	// transaction. They are removed only once the transaction commits.
	pendingDeletes []string
}

func (m *sqlMappers) Mailboxes() mailbox.MailboxMapper { return mailboxMapper{m} }
func (m *sqlMappers) Messages() mailbox.MessageMapper { return messageMapper{m} }
func (m *sqlMappers) Subscriptions() mailbox.SubscriptionMapper { return subscriptionMapper{m} }
func (m *sqlMappers) Transactional() bool { return true }

func (m *sqlMappers) Begin(ctx context.Context) error {
	if m.tx != nil {
		return fmt.Errorf("transaction already in progress")
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	m.tx = tx
	return nil
}

func (m *sqlMappers) Commit() error {
	if m.tx == nil {
		return fmt.Errorf("no transaction in progress")
	}
	err := m.tx.Commit()
	m.tx = nil
	keys := m.pendingDeletes
	m.pendingDeletes = nil
	if err != nil {
		return err
	}
	m.deleteObjects(keys)
	return nil
}

func (m *sqlMappers) Rollback() error {
	if m.tx == nil {
		return nil
	}
	err := m.tx.Rollback()
	m.tx = nil
	m.pendingDeletes = nil
	return err
}

func (m *sqlMappers) Close() error {
	return m.Rollback()
}

func (m *sqlMappers) q() querier {
	if m.tx != nil {
		return m.tx
	}
	return m.db
}

// release schedules removal of unreferenced objects.
func (m *sqlMappers) release(keys []string) {
	if len(keys) == 0 {
		return
	}
	if m.tx != nil {
		m.pendingDeletes = append(m.pendingDeletes, keys...)
		return
	}
	m.deleteObjects(keys)
}

func (m *sqlMappers) deleteObjects(keys []string) {
	if m.blobs == nil {
		return
	}
	for _, key := range keys {
		if err := m.blobs.Delete(context.Background(), key); err != nil {
			level.Warn(m.logger).Log("msg", "failed to delete blob", "key", key, "err", err)
		}
	}
}

type mailboxMapper struct{ m *sqlMappers }

func (mm mailboxMapper) path(name string) mailbox.Path {
	return mailbox.Path{Namespace: mailbox.PrivateNamespace, User: mm.m.user, Name: name}
}

func (mm mailboxMapper) owns(p mailbox.Path) bool {
	return p.Namespace == mailbox.PrivateNamespace && p.User == mm.m.user
}

func (mm mailboxMapper) scan(row interface{ Scan(...any) error }) (*mailbox.Mailbox, error) {
	var (
		mb   mailbox.Mailbox
		name string
	)
	if err := row.Scan(&mb.ID, &name, &mb.UIDValidity, &mb.LastUID); err != nil {
		return nil, err
	}
	mb.Path = mm.path(name)
	return &mb, nil
}

func (mm mailboxMapper) FindMailboxByPath(ctx context.Context, p mailbox.Path) (*mailbox.Mailbox, error) {
	if !mm.owns(p) {
		return nil, mailbox.ErrMailboxNotFound
	}
	row := mm.m.q().QueryRowContext(ctx,
		"SELECT id, name, uid_validity, last_uid FROM mailboxes WHERE name = ?", p.Name)
	mb, err := mm.scan(row)
	if err == sql.ErrNoRows {
		return nil, mailbox.ErrMailboxNotFound
	}
	if err != nil {
		return nil, mailbox.WrapStorage("find mailbox", err)
	}
	return mb, nil
}

func (mm mailboxMapper) FindMailboxByID(ctx context.Context, id int64) (*mailbox.Mailbox, error) {
	row := mm.m.q().QueryRowContext(ctx,
		"SELECT id, name, uid_validity, last_uid FROM mailboxes WHERE id = ?", id)
	mb, err := mm.scan(row)
	if err == sql.ErrNoRows {
		return nil, mailbox.ErrMailboxNotFound
	}
	if err != nil {
		return nil, mailbox.WrapStorage("find mailbox", err)
	}
	return mb, nil
}

func (mm mailboxMapper) List(ctx context.Context, user string) ([]*mailbox.Mailbox, error) {
	if user != mm.m.user {
		return nil, nil
	}
	rows, err := mm.m.q().QueryContext(ctx,
		"SELECT id, name, uid_validity, last_uid FROM mailboxes ORDER BY name")
	if err != nil {
		return nil, mailbox.WrapStorage("list mailboxes", err)
	}
	defer rows.Close()

	var out []*mailbox.Mailbox
	for rows.Next() {
		mb, err := mm.scan(rows)
		if err != nil {
			return nil, mailbox.WrapStorage("list mailboxes", err)
		}
		out = append(out, mb)
	}
	if err := rows.Err(); err != nil {
		return nil, mailbox.WrapStorage("list mailboxes", err)
	}
	return out, nil
}

func (mm mailboxMapper) HasChildren(ctx context.Context, p mailbox.Path) (bool, error) {
	if !mm.owns(p) {
		return false, nil
	}
	// substr counts characters, LIKE would fold ASCII case.
	prefix := p.Name + mailbox.Delimiter
	var exists bool
	err := mm.m.q().QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM mailboxes WHERE substr(name, 1, ?) = ?)",
		utf8.RuneCountInString(prefix), prefix,
	).Scan(&exists)
	if err != nil {
		return false, mailbox.WrapStorage("has children", err)
	}
	return exists, nil
}

func (mm mailboxMapper) Save(ctx context.Context, mb *mailbox.Mailbox) error {
	if !mm.owns(mb.Path) {
		return mailbox.WrapStorage("save mailbox", fmt.Errorf("mailbox %s belongs to another user", mb.Path))
	}
	if mb.ID == 0 {
		result, err := mm.m.q().ExecContext(ctx,
			"INSERT INTO mailboxes (name, uid_validity, last_uid) VALUES (?, ?, ?)",
			mb.Path.Name, mb.UIDValidity, mb.LastUID)
		if err != nil {
			if isUniqueViolation(err) {
				return mailbox.ErrMailboxExists
			}
			return mailbox.WrapStorage("create mailbox", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return mailbox.WrapStorage("create mailbox", err)
		}
		mb.ID = id
		return nil
	}

	// last_uid never moves backwards through Save.
	result, err := mm.m.q().ExecContext(ctx,
		"UPDATE mailboxes SET name = ?, uid_validity = ?, last_uid = MAX(last_uid, ?) WHERE id = ?",
		mb.Path.Name, mb.UIDValidity, mb.LastUID, mb.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return mailbox.ErrMailboxExists
		}
		return mailbox.WrapStorage("update mailbox", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return mailbox.ErrMailboxNotFound
	}
	return nil
}

func (mm mailboxMapper) Delete(ctx context.Context, mb *mailbox.Mailbox) error {
	rows, err := mm.m.q().QueryContext(ctx,
		"SELECT blob_id, COUNT(*) FROM messages WHERE mailbox_id = ? GROUP BY blob_id", mb.ID)
	if err != nil {
		return mailbox.WrapStorage("delete mailbox", err)
	}
	refs := make(map[int64]int)
	for rows.Next() {
		var blobID int64
		var n int
		if err := rows.Scan(&blobID, &n); err != nil {
			rows.Close()
			return mailbox.WrapStorage("delete mailbox", err)
		}
		refs[blobID] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return mailbox.WrapStorage("delete mailbox", err)
	}

	if _, err := mm.m.q().ExecContext(ctx, "DELETE FROM messages WHERE mailbox_id = ?", mb.ID); err != nil {
		return mailbox.WrapStorage("delete mailbox", err)
	}
	var released []string
	for blobID, n := range refs {
		key, err := unrefBlob(ctx, mm.m.q(), blobID, n)
		if err != nil {
			return mailbox.WrapStorage("delete mailbox", err)
		}
		if key != "" {
			released = append(released, key)
		}
	}

	result, err := mm.m.q().ExecContext(ctx, "DELETE FROM mailboxes WHERE id = ?", mb.ID)
	if err != nil {
		return mailbox.WrapStorage("delete mailbox", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return mailbox.ErrMailboxNotFound
	}
	mm.m.release(released)
	return nil
}

func (mm mailboxMapper) ConsumeNextUID(ctx context.Context, mailboxID int64) (uint32, error) {
	var uid uint32
	err := mm.m.q().QueryRowContext(ctx,
		"UPDATE mailboxes SET last_uid = last_uid + 1 WHERE id = ? RETURNING last_uid", mailboxID,
	).Scan(&uid)
	if err == sql.ErrNoRows {
		return 0, mailbox.ErrMailboxNotFound
	}
	if err != nil {
		return 0, mailbox.WrapStorage("consume uid", err)
	}
	return uid, nil
}

type messageMapper struct{ m *sqlMappers }

// rangeClause renders r as a condition on the uid column.
func rangeClause(r mailbox.MessageRange) (string, []any) {
	switch r.Type {
	case mailbox.RangeOne:
		return "uid = ?", []any{r.From}
	case mailbox.RangeFrom:
		return "uid >= ?", []any{r.From}
	case mailbox.RangeInterval:
		return "uid BETWEEN ? AND ?", []any{r.From, r.To}
	default:
		return "1 = 1", nil
	}
}

func encodeUserFlags(flags []string) string {
	return strings.Join(flags, " ")
}

func decodeUserFlags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

type loadedBlob struct {
	msg     *mailbox.Message
	storage string
	hash    string
}

func (mm messageMapper) FindInMailbox(ctx context.Context, mb *mailbox.Mailbox, r mailbox.MessageRange, ft mailbox.FetchType) ([]*mailbox.Message, error) {
	where, args := rangeClause(r)
	withContent := ft != mailbox.FetchMetadata
	query := `
		SELECT m.uid, m.internal_date, m.size, m.system_flags, m.user_flags, b.storage, b.sha256_hash`
	if withContent {
		query += ", b.content"
	}
	query += `
		FROM messages m JOIN blobs b ON b.id = m.blob_id
		WHERE m.mailbox_id = ? AND m.` + where + `
		ORDER BY m.uid`

	rows, err := mm.m.q().QueryContext(ctx, query, append([]any{mb.ID}, args...)...)
	if err != nil {
		return nil, mailbox.WrapStorage("find messages", err)
	}

	var loaded []loadedBlob
	for rows.Next() {
		var (
			msg       = &mailbox.Message{MailboxID: mb.ID}
			date      string
			userFlags string
			lb        loadedBlob
			dest      = []any{&msg.UID, &date, &msg.Size, &msg.Flags.System, &userFlags, &lb.storage, &lb.hash}
		)
		if withContent {
			dest = append(dest, &msg.Content)
		}
		if err := rows.Scan(dest...); err != nil {
			rows.Close()
			return nil, mailbox.WrapStorage("find messages", err)
		}
		msg.InternalDate, err = time.Parse(time.RFC3339Nano, date)
		if err != nil {
			rows.Close()
			return nil, mailbox.WrapStorage("find messages", fmt.Errorf("bad internal date %q: %w", date, err))
		}
		msg.Flags.User = decodeUserFlags(userFlags)
		lb.msg = msg
		loaded = append(loaded, lb)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mailbox.WrapStorage("find messages", err)
	}

	out := make([]*mailbox.Message, len(loaded))
	for i, lb := range loaded {
		if withContent && lb.storage == storageS3 {
			if mm.m.blobs == nil {
				return nil, mailbox.WrapStorage("find messages", fmt.Errorf("blob %s is in object storage but none is configured", lb.hash))
			}
			content, err := mm.m.blobs.Retrieve(ctx, lb.hash)
			if err != nil {
				return nil, mailbox.WrapStorage("retrieve blob", err)
			}
			lb.msg.Content = content
		}
		out[i] = lb.msg
	}
	return out, nil
}

func (mm messageMapper) uids(ctx context.Context, query string, args ...any) ([]uint32, error) {
	rows, err := mm.m.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uint32
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

func (mm messageMapper) FindMarkedForDeletionInMailbox(ctx context.Context, mb *mailbox.Mailbox, r mailbox.MessageRange) ([]uint32, error) {
	where, args := rangeClause(r)
	uids, err := mm.uids(ctx,
		"SELECT uid FROM messages WHERE mailbox_id = ? AND system_flags & ? != 0 AND "+where+" ORDER BY uid",
		append([]any{mb.ID, mailbox.FlagDeleted}, args...)...)
	if err != nil {
		return nil, mailbox.WrapStorage("find deleted", err)
	}
	return uids, nil
}

func (mm messageMapper) FindRecentMessagesInMailbox(ctx context.Context, mb *mailbox.Mailbox, limit int) ([]uint32, error) {
	if limit <= 0 {
		limit = -1
	}
	uids, err := mm.uids(ctx,
		"SELECT uid FROM messages WHERE mailbox_id = ? AND system_flags & ? != 0 ORDER BY uid LIMIT ?",
		mb.ID, mailbox.FlagRecent, limit)
	if err != nil {
		return nil, mailbox.WrapStorage("find recent", err)
	}
	return uids, nil
}

func (mm messageMapper) FindFirstUnseenMessageUID(ctx context.Context, mb *mailbox.Mailbox) (uint32, error) {
	var uid uint32
	err := mm.m.q().QueryRowContext(ctx,
		"SELECT uid FROM messages WHERE mailbox_id = ? AND system_flags & ? = 0 ORDER BY uid LIMIT 1",
		mb.ID, mailbox.FlagSeen,
	).Scan(&uid)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, mailbox.WrapStorage("first unseen", err)
	}
	return uid, nil
}

func (mm messageMapper) CountMessagesInMailbox(ctx context.Context, mb *mailbox.Mailbox) (int, error) {
	var n int
	err := mm.m.q().QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE mailbox_id = ?", mb.ID).Scan(&n)
	if err != nil {
		return 0, mailbox.WrapStorage("count messages", err)
	}
	return n, nil
}

func (mm messageMapper) CountUnseenMessagesInMailbox(ctx context.Context, mb *mailbox.Mailbox) (int, error) {
	var n int
	err := mm.m.q().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE mailbox_id = ? AND system_flags & ? = 0",
		mb.ID, mailbox.FlagSeen,
	).Scan(&n)
	if err != nil {
		return 0, mailbox.WrapStorage("count unseen", err)
	}
	return n, nil
}

func (mm messageMapper) SearchMailbox(ctx context.Context, mb *mailbox.Mailbox, q *mailbox.SearchQuery) ([]uint32, error) {
	ft := mailbox.FetchMetadata
	if q.NeedsContent() {
		ft = mailbox.FetchFull
	}
	msgs, err := mm.FindInMailbox(ctx, mb, mailbox.All(), ft)
	if err != nil {
		return nil, err
	}
	var out []uint32
	for _, msg := range msgs {
		if q.Matches(msg) {
			out = append(out, msg.UID)
		}
	}
	return out, nil
}

func (mm messageMapper) Save(ctx context.Context, mb *mailbox.Mailbox, msg *mailbox.Message) error {
	userFlags := append([]string(nil), msg.Flags.User...)
	sort.Strings(userFlags)

	result, err := mm.m.q().ExecContext(ctx,
		"UPDATE messages SET system_flags = ?, user_flags = ? WHERE mailbox_id = ? AND uid = ?",
		msg.Flags.System, encodeUserFlags(userFlags), mb.ID, msg.UID)
	if err != nil {
		return mailbox.WrapStorage("save message", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	if msg.Content == nil {
		return mailbox.WrapStorage("save message", fmt.Errorf("message %d has no content", msg.UID))
	}
	blobID, err := mm.storeBlob(ctx, msg.Content)
	if err != nil {
		return mailbox.WrapStorage("store blob", err)
	}
	size := msg.Size
	if size == 0 {
		size = int64(len(msg.Content))
	}
	_, err = mm.m.q().ExecContext(ctx, `
		INSERT INTO messages (mailbox_id, uid, blob_id, internal_date, size, system_flags, user_flags)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		mb.ID, msg.UID, blobID, msg.InternalDate.UTC().Format(time.RFC3339Nano), size,
		msg.Flags.System, encodeUserFlags(userFlags))
	if err != nil {
		if isForeignKeyViolation(err) {
			return mailbox.ErrMailboxNotFound
		}
		return mailbox.WrapStorage("save message", err)
	}
	return nil
}

// storeBlob returns the id of the blob holding content, adding a reference to
// an existing one or inserting it.
func (mm messageMapper) storeBlob(ctx context.Context, content []byte) (int64, error) {
	hash := blobstorage.Key(content)

	var id int64
	err := mm.m.q().QueryRowContext(ctx,
		"UPDATE blobs SET reference_count = reference_count + 1 WHERE sha256_hash = ? RETURNING id", hash,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	storage := storageInline
	inline := content
	if mm.m.blobs != nil {
		if _, err := mm.m.blobs.Store(ctx, content); err != nil {
			return 0, err
		}
		storage = storageS3
		inline = nil
	}
	result, err := mm.m.q().ExecContext(ctx,
		"INSERT INTO blobs (sha256_hash, size, content, storage) VALUES (?, ?, ?, ?)",
		hash, len(content), inline, storage)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// unrefBlob drops n references to a blob and deletes it once none remain.
// The object-store key is returned when the content must be removed there.
func unrefBlob(ctx context.Context, q querier, blobID int64, n int) (string, error) {
	var (
		remaining int
		storage   string
		hash      string
	)
	err := q.QueryRowContext(ctx,
		"UPDATE blobs SET reference_count = reference_count - ? WHERE id = ? RETURNING reference_count, storage, sha256_hash",
		n, blobID,
	).Scan(&remaining, &storage, &hash)
	if err != nil {
		return "", err
	}
	if remaining > 0 {
		return "", nil
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM blobs WHERE id = ?", blobID); err != nil {
		return "", err
	}
	if storage == storageS3 {
		return hash, nil
	}
	return "", nil
}

func (mm messageMapper) Delete(ctx context.Context, mb *mailbox.Mailbox, uid uint32) error {
	var blobID int64
	err := mm.m.q().QueryRowContext(ctx,
		"DELETE FROM messages WHERE mailbox_id = ? AND uid = ? RETURNING blob_id", mb.ID, uid,
	).Scan(&blobID)
	if err == sql.ErrNoRows {
		return mailbox.ErrMessageNotFound
	}
	if err != nil {
		return mailbox.WrapStorage("delete message", err)
	}
	key, err := unrefBlob(ctx, mm.m.q(), blobID, 1)
	if err != nil {
		return mailbox.WrapStorage("delete message", err)
	}
	if key != "" {
		mm.m.release([]string{key})
	}
	return nil
}

type subscriptionMapper struct{ m *sqlMappers }

func (sm subscriptionMapper) FindSubscriptionsForUser(ctx context.Context, user string) ([]mailbox.Subscription, error) {
	if user != sm.m.user {
		return nil, nil
	}
	rows, err := sm.m.q().QueryContext(ctx, "SELECT mailbox_name FROM subscriptions ORDER BY mailbox_name")
	if err != nil {
		return nil, mailbox.WrapStorage("list subscriptions", err)
	}
	defer rows.Close()

	var out []mailbox.Subscription
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, mailbox.WrapStorage("list subscriptions", err)
		}
		out = append(out, mailbox.Subscription{User: user, Mailbox: name})
	}
	if err := rows.Err(); err != nil {
		return nil, mailbox.WrapStorage("list subscriptions", err)
	}
	return out, nil
}

func (sm subscriptionMapper) FindMailboxSubscriptionForUser(ctx context.Context, user, name string) (*mailbox.Subscription, error) {
	if user != sm.m.user {
		return nil, mailbox.ErrSubscriptionNotFound
	}
	var found string
	err := sm.m.q().QueryRowContext(ctx,
		"SELECT mailbox_name FROM subscriptions WHERE mailbox_name = ?", name).Scan(&found)
	if err == sql.ErrNoRows {
		return nil, mailbox.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, mailbox.WrapStorage("find subscription", err)
	}
	return &mailbox.Subscription{User: user, Mailbox: found}, nil
}

func (sm subscriptionMapper) Save(ctx context.Context, sub mailbox.Subscription) error {
	if sub.User != sm.m.user {
		return mailbox.WrapStorage("subscribe", fmt.Errorf("subscription belongs to %s", sub.User))
	}
	_, err := sm.m.q().ExecContext(ctx,
		"INSERT OR IGNORE INTO subscriptions (mailbox_name) VALUES (?)", sub.Mailbox)
	if err != nil {
		return mailbox.WrapStorage("subscribe", err)
	}
	return nil
}

func (sm subscriptionMapper) Delete(ctx context.Context, sub mailbox.Subscription) error {
	if sub.User != sm.m.user {
		return mailbox.ErrSubscriptionNotFound
	}
	result, err := sm.m.q().ExecContext(ctx,
		"DELETE FROM subscriptions WHERE mailbox_name = ?", sub.Mailbox)
	if err != nil {
		return mailbox.WrapStorage("unsubscribe", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return mailbox.ErrSubscriptionNotFound
	}
	return nil
}
