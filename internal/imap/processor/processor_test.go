package processor_test

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rook/internal/imap"
	"rook/internal/imap/mime"
	"rook/internal/imap/processor"
	"rook/internal/mailbox"
	"rook/internal/store/memstore"
)

type staticAuth map[string]string

func (a staticAuth) Authenticate(_ context.Context, user, password string) (bool, error) {
	if user == "broken@example.org" {
		return false, errors.New("connection refused")
	}
	if user == "panic@example.org" {
		panic("boom")
	}
	want, ok := a[user]
	return ok && want == password, nil
}

// recorder collects responses and plays back client lines for SASL.
type recorder struct {
	msgs       []imap.Message
	lines      []string
	challenges int
}

func (r *recorder) Respond(m imap.Message) { r.msgs = append(r.msgs, m) }

func (r *recorder) Challenge(challenge []byte) (string, error) {
	r.challenges++
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

func (r *recorder) final(t *testing.T) *imap.StatusResponse {
	t.Helper()
	require.NotEmpty(t, r.msgs)
	st, ok := r.msgs[len(r.msgs)-1].(*imap.StatusResponse)
	require.True(t, ok, "last response is %T", r.msgs[len(r.msgs)-1])
	require.NotEqual(t, imap.Untagged, st.Tag)
	return st
}

func responses[T any](r *recorder) []T {
	var out []T
	for _, m := range r.msgs {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func code(st *imap.StatusResponse) string {
	if st.Code == nil {
		return ""
	}
	return st.Code.String()
}

type harness struct {
	t       *testing.T
	manager *mailbox.Manager
	chain   *processor.Chain
}

func newHarness(t *testing.T) *harness {
	m := mailbox.NewManager(memstore.New())
	chain := processor.NewChain(processor.Config{
		Manager:       m,
		Authenticator: staticAuth{"alice@example.org": "secret"},
		Domain:        "example.org",
	})
	return &harness{t: t, manager: m, chain: chain}
}

func base(tag, command string) imap.RequestBase {
	return imap.NewRequestBase(imap.Tag(tag), command)
}

func (h *harness) run(s *imap.Session, req imap.Request) *recorder {
	rec := &recorder{}
	h.chain.Process(context.Background(), req, s, rec)
	return rec
}

func (h *harness) expectOK(s *imap.Session, req imap.Request) *recorder {
	h.t.Helper()
	rec := h.run(s, req)
	st := rec.final(h.t)
	require.Equal(h.t, imap.StatusOK, st.Type, "%s: %s", req.Command(), st.Text)
	return rec
}

func (h *harness) login() *imap.Session {
	h.t.Helper()
	s := imap.NewSession()
	h.expectOK(s, &imap.LoginRequest{RequestBase: base("a0", "LOGIN"), User: "alice", Password: "secret"})
	return s
}

func (h *harness) selectBox(s *imap.Session, name string) *recorder {
	h.t.Helper()
	return h.expectOK(s, &imap.SelectRequest{RequestBase: base("s1", "SELECT"), Mailbox: name})
}

func (h *harness) appendMsg(s *imap.Session, name, subject string, flags ...string) {
	h.t.Helper()
	msg := "From: Bob <bob@example.org>\r\nSubject: " + subject + "\r\n\r\nHello " + subject + "\r\n"
	h.expectOK(s, &imap.AppendRequest{RequestBase: base("ap", "APPEND"), Mailbox: name, Flags: flags, Message: []byte(msg)})
}

func (h *harness) noop(s *imap.Session) *recorder {
	h.t.Helper()
	return h.expectOK(s, &imap.NoopRequest{RequestBase: base("n1", "NOOP")})
}

func TestSelectBeforeLoginIsBad(t *testing.T) {
	h := newHarness(t)
	rec := h.run(imap.NewSession(), &imap.SelectRequest{RequestBase: base("a1", "SELECT"), Mailbox: "INBOX"})

	require.Len(t, rec.msgs, 1)
	st := rec.final(t)
	assert.Equal(t, imap.StatusBAD, st.Type)
	assert.Equal(t, imap.Tag("a1"), st.Tag)
	assert.Equal(t, imap.TextInvalidState, st.Text)
}

func TestUnknownMessage(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	h.chain.Process(context.Background(), struct{}{}, imap.NewSession(), rec)

	require.Len(t, rec.msgs, 1)
	st := rec.msgs[0].(*imap.StatusResponse)
	assert.Equal(t, imap.Untagged, st.Tag)
	assert.Equal(t, imap.StatusBAD, st.Type)
}

func TestLogin(t *testing.T) {
	h := newHarness(t)
	s := imap.NewSession()
	rec := h.run(s, &imap.LoginRequest{RequestBase: base("a1", "LOGIN"), User: "alice", Password: "secret"})

	st := rec.final(t)
	assert.Equal(t, imap.StatusOK, st.Type)
	assert.True(t, strings.HasPrefix(code(st), "CAPABILITY IMAP4rev1"))
	assert.Equal(t, imap.StateAuthenticated, s.State())
	assert.Equal(t, "alice@example.org", s.User())

	rec = h.expectOK(s, &imap.ListRequest{RequestBase: base("a2", "LIST"), Pattern: "*"})
	var names []string
	for _, l := range responses[*imap.ListResponse](rec) {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{"INBOX", "Drafts", "Sent", "Trash"}, names)
}

func TestLoginFailures(t *testing.T) {
	h := newHarness(t)
	for _, tc := range []struct {
		user string
		text imap.HumanReadableText
	}{
		{"alice", imap.TextInvalidLogin},
		{"nobody", imap.TextInvalidLogin},
		{"broken", imap.TextAuthUnavailable},
	} {
		s := imap.NewSession()
		rec := h.run(s, &imap.LoginRequest{RequestBase: base("a1", "LOGIN"), User: tc.user, Password: "wrong"})
		st := rec.final(t)
		assert.Equal(t, imap.StatusNO, st.Type, tc.user)
		assert.Equal(t, tc.text, st.Text, tc.user)
		assert.Equal(t, imap.StateNotAuthenticated, s.State())
	}
}

func TestLoginTwiceIsBad(t *testing.T) {
	h := newHarness(t)
	s := h.login()
	rec := h.run(s, &imap.LoginRequest{RequestBase: base("a1", "LOGIN"), User: "alice", Password: "secret"})
	assert.Equal(t, imap.StatusBAD, rec.final(t).Type)
}

func TestPanicBecomesBad(t *testing.T) {
	h := newHarness(t)
	rec := h.run(imap.NewSession(), &imap.LoginRequest{RequestBase: base("a1", "LOGIN"), User: "panic", Password: "x"})
	st := rec.final(t)
	assert.Equal(t, imap.StatusBAD, st.Type)
	assert.Equal(t, imap.TextInternalError, st.Text)
}

func plain(identity, user, pass string) []byte {
	return []byte(identity + "\x00" + user + "\x00" + pass)
}

func TestAuthenticatePlain(t *testing.T) {
	h := newHarness(t)

	t.Run("initial response", func(t *testing.T) {
		s := imap.NewSession()
		rec := h.run(s, &imap.AuthenticateRequest{RequestBase: base("a1", "AUTHENTICATE"), Mechanism: "PLAIN", InitialResponse: plain("", "alice", "secret")})
		assert.Equal(t, imap.StatusOK, rec.final(t).Type)
		assert.Zero(t, rec.challenges)
		assert.Equal(t, imap.StateAuthenticated, s.State())
	})

	t.Run("continuation", func(t *testing.T) {
		s := imap.NewSession()
		rec := &recorder{lines: []string{base64.StdEncoding.EncodeToString(plain("alice", "alice", "secret"))}}
		h.chain.Process(context.Background(), &imap.AuthenticateRequest{RequestBase: base("a1", "AUTHENTICATE"), Mechanism: "PLAIN"}, s, rec)
		assert.Equal(t, imap.StatusOK, rec.final(t).Type)
		assert.Equal(t, 1, rec.challenges)
	})

	t.Run("cancelled", func(t *testing.T) {
		s := imap.NewSession()
		rec := &recorder{lines: []string{"*"}}
		h.chain.Process(context.Background(), &imap.AuthenticateRequest{RequestBase: base("a1", "AUTHENTICATE"), Mechanism: "PLAIN"}, s, rec)
		st := rec.final(t)
		assert.Equal(t, imap.StatusBAD, st.Type)
		assert.Equal(t, imap.TextAuthCancelled, st.Text)
	})

	t.Run("identity mismatch", func(t *testing.T) {
		s := imap.NewSession()
		rec := h.run(s, &imap.AuthenticateRequest{RequestBase: base("a1", "AUTHENTICATE"), Mechanism: "PLAIN", InitialResponse: plain("bob", "alice", "secret")})
		assert.Equal(t, imap.StatusNO, rec.final(t).Type)
		assert.Equal(t, imap.StateNotAuthenticated, s.State())
	})

	t.Run("unsupported mechanism", func(t *testing.T) {
		rec := h.run(imap.NewSession(), &imap.AuthenticateRequest{RequestBase: base("a1", "AUTHENTICATE"), Mechanism: "CRAM-MD5"})
		st := rec.final(t)
		assert.Equal(t, imap.StatusNO, st.Type)
		assert.Equal(t, imap.TextUnsupportedMech, st.Text)
	})
}

func TestCapabilityNamespaceLogout(t *testing.T) {
	h := newHarness(t)
	s := imap.NewSession()

	rec := h.expectOK(s, &imap.CapabilityRequest{RequestBase: base("a1", "CAPABILITY")})
	caps := responses[*imap.CapabilityResponse](rec)
	require.Len(t, caps, 1)
	assert.Contains(t, caps[0].Capabilities, "UIDPLUS")

	s = h.login()
	rec = h.expectOK(s, &imap.NamespaceRequest{RequestBase: base("a2", "NAMESPACE")})
	assert.Equal(t, []*imap.NamespaceResponse{{Prefix: "", Delimiter: "/"}}, responses[*imap.NamespaceResponse](rec))

	h.selectBox(s, "INBOX")
	rec = h.expectOK(s, &imap.LogoutRequest{RequestBase: base("a3", "LOGOUT")})
	st := rec.msgs[0].(*imap.StatusResponse)
	assert.Equal(t, imap.StatusBYE, st.Type)
	assert.Equal(t, imap.StateLogout, s.State())
	assert.Nil(t, s.Selected())
}

func TestSelectReportsState(t *testing.T) {
	h := newHarness(t)
	s := h.login()
	h.appendMsg(s, "INBOX", "one", `\Seen`)
	h.appendMsg(s, "INBOX", "two")

	rec := h.selectBox(s, "INBOX")
	assert.Equal(t, []*imap.FlagsResponse{{Flags: mailbox.ApplicableFlags()}}, responses[*imap.FlagsResponse](rec))
	assert.Equal(t, []*imap.ExistsResponse{{Count: 2}}, responses[*imap.ExistsResponse](rec))
	assert.Equal(t, []*imap.RecentResponse{{Count: 2}}, responses[*imap.RecentResponse](rec))

	var codes []string
	for _, st := range responses[*imap.StatusResponse](rec) {
		if st.Tag == imap.Untagged {
			codes = append(codes, st.Code.Name)
		}
	}
	assert.Equal(t, []string{"UNSEEN", "PERMANENTFLAGS", "UIDVALIDITY", "UIDNEXT"}, codes)
	for _, st := range responses[*imap.StatusResponse](rec) {
		switch {
		case st.Code != nil && st.Code.Name == "UNSEEN":
			assert.Equal(t, "2", st.Code.Args)
		case st.Code != nil && st.Code.Name == "UIDNEXT":
			assert.Equal(t, "3", st.Code.Args)
		}
	}
	assert.Equal(t, "READ-WRITE", code(rec.final(t)))
	assert.Equal(t, imap.StateSelected, s.State())

	// The first SELECT claimed both messages.
	other := h.login()
	rec = h.selectBox(other, "INBOX")
	assert.Equal(t, []*imap.RecentResponse{{Count: 0}}, responses[*imap.RecentResponse](rec))
}

func TestExamineIsReadOnly(t *testing.T) {
	h := newHarness(t)
	s := h.login()
	h.appendMsg(s, "INBOX", "one")

	rec := h.expectOK(s, &imap.SelectRequest{RequestBase: base("e1", "EXAMINE"), Mailbox: "INBOX", ReadOnly: true})
	assert.Equal(t, "READ-ONLY", code(rec.final(t)))
	for _, st := range responses[*imap.StatusResponse](rec) {
		if st.Code != nil && st.Code.Name == "PERMANENTFLAGS" {
			assert.Equal(t, "()", st.Code.Args)
		}
	}

	rec = h.run(s, &imap.StoreRequest{RequestBase: base("e2", "STORE"), Set: imap.SequenceSet{{Start: 1, Stop: 1}}, Mode: mailbox.FlagsAdd, Flags: []string{`\Seen`}})
	assert.Equal(t, imap.TextReadOnly, rec.final(t).Text)
	rec = h.run(s, &imap.ExpungeRequest{RequestBase: base("e3", "EXPUNGE")})
	assert.Equal(t, imap.TextReadOnly, rec.final(t).Text)

	// EXAMINE leaves \Recent in place for the next SELECT.
	rec = h.selectBox(s, "INBOX")
	assert.Equal(t, []*imap.RecentResponse{{Count: 1}}, responses[*imap.RecentResponse](rec))
}

func TestSelectMissingMailboxDeselects(t *testing.T) {
	h := newHarness(t)
	s := h.login()
	h.selectBox(s, "INBOX")

	rec := h.run(s, &imap.SelectRequest{RequestBase: base("s2", "SELECT"), Mailbox: "Nope"})
	st := rec.final(t)
	assert.Equal(t, imap.StatusNO, st.Type)
	assert.Equal(t, imap.TextMailboxNotFound, st.Text)
	assert.Equal(t, imap.StateAuthenticated, s.State())
	assert.Nil(t, s.Selected())
}

func TestAppend(t *testing.T) {
	h := newHarness(t)
	s := h.login()

	rec := h.run(s, &imap.AppendRequest{RequestBase: base("a1", "APPEND"), Mailbox: "Nope", Message: []byte("x\r\n")})
	st := rec.final(t)
	assert.Equal(t, imap.StatusNO, st.Type)
	assert.Equal(t, "TRYCREATE", code(st))

	rec = h.run(s, &imap.AppendRequest{RequestBase: base("a2", "APPEND"), Mailbox: "INBOX", Flags: []string{`\Bogus`}, Message: []byte("x\r\n")})
	assert.Equal(t, imap.StatusBAD, rec.final(t).Type)

	rec = h.expectOK(s, &imap.AppendRequest{RequestBase: base("a3", "APPEND"), Mailbox: "INBOX", Message: []byte("x\r\n")})
	st = rec.final(t)
	require.NotNil(t, st.Code)
	assert.Equal(t, "APPENDUID", st.Code.Name)
	assert.True(t, strings.HasSuffix(st.Code.Args, " 1"), st.Code.Args)
}

func TestUnsolicitedExistsAndExpunge(t *testing.T) {
	h := newHarness(t)
	s1 := h.login()
	s2 := h.login()
	h.appendMsg(s2, "INBOX", "one")
	h.selectBox(s1, "INBOX")

	h.appendMsg(s2, "INBOX", "two")
	rec := h.noop(s1)
	assert.Equal(t, []*imap.ExistsResponse{{Count: 2}}, responses[*imap.ExistsResponse](rec))
	assert.Equal(t, []*imap.RecentResponse{{Count: 2}}, responses[*imap.RecentResponse](rec))

	h.selectBox(s2, "INBOX")
	h.expectOK(s2, &imap.StoreRequest{RequestBase: base("st", "STORE"), Set: imap.SequenceSet{{Start: 1, Stop: 1}}, Mode: mailbox.FlagsAdd, Silent: true, Flags: []string{`\Deleted`}})
	rec = h.expectOK(s2, &imap.ExpungeRequest{RequestBase: base("ex", "EXPUNGE")})
	assert.Equal(t, []*imap.ExpungeResponse{{SeqNum: 1}}, responses[*imap.ExpungeResponse](rec))

	// FETCH by sequence number must not shift numbers under the client.
	rec = h.expectOK(s1, &imap.FetchRequest{RequestBase: base("f1", "FETCH"), Set: imap.SequenceSet{{Start: 2, Stop: 2}}, Items: imap.FetchItems{Flags: true}})
	assert.Empty(t, responses[*imap.ExpungeResponse](rec))
	fetched := responses[*imap.FetchResponse](rec)
	require.Len(t, fetched, 1)
	assert.Equal(t, uint32(2), fetched[0].SeqNum)

	rec = h.noop(s1)
	assert.Equal(t, []*imap.ExpungeResponse{{SeqNum: 1}}, responses[*imap.ExpungeResponse](rec))
	assert.Equal(t, uint32(1), s1.Selected().Exists())
}

func TestUnsolicitedFlags(t *testing.T) {
	h := newHarness(t)
	s1 := h.login()
	s2 := h.login()
	h.appendMsg(s1, "INBOX", "one")
	h.selectBox(s1, "INBOX")
	h.selectBox(s2, "INBOX")

	rec := h.expectOK(s2, &imap.StoreRequest{RequestBase: base("st", "STORE"), Set: imap.SequenceSet{{Start: 1, Stop: 1}}, Mode: mailbox.FlagsAdd, Flags: []string{`\Flagged`}})
	assert.Equal(t, []*imap.FetchResponse{{SeqNum: 1, Flags: []string{`\Flagged`}, FlagsSet: true}}, responses[*imap.FetchResponse](rec))

	rec = h.noop(s1)
	assert.Equal(t, []*imap.FetchResponse{{SeqNum: 1, Flags: []string{`\Flagged`, `\Recent`}, FlagsSet: true}}, responses[*imap.FetchResponse](rec))

	// Own silent stores are not echoed back.
	h.expectOK(s1, &imap.StoreRequest{RequestBase: base("st", "STORE"), Set: imap.SequenceSet{{Start: 1, Stop: 1}}, Mode: mailbox.FlagsAdd, Silent: true, Flags: []string{`\Seen`}})
	rec = h.noop(s1)
	assert.Empty(t, responses[*imap.FetchResponse](rec))
}

func TestMailboxDeletedByOtherSession(t *testing.T) {
	h := newHarness(t)
	s1 := h.login()
	s2 := h.login()
	h.expectOK(s1, &imap.CreateRequest{RequestBase: base("c1", "CREATE"), Mailbox: "Work"})
	h.selectBox(s1, "Work")

	h.expectOK(s2, &imap.DeleteRequest{RequestBase: base("d1", "DELETE"), Mailbox: "Work"})

	rec := h.run(s1, &imap.NoopRequest{RequestBase: base("n1", "NOOP")})
	byes := responses[*imap.StatusResponse](rec)
	require.NotEmpty(t, byes)
	assert.Equal(t, imap.StatusBYE, byes[0].Type)
	assert.Equal(t, imap.TextMailboxDeleted, byes[0].Text)
	assert.Equal(t, imap.StateLogout, s1.State())
}

func TestRenameKeepsSelection(t *testing.T) {
	h := newHarness(t)
	s1 := h.login()
	s2 := h.login()
	h.expectOK(s1, &imap.CreateRequest{RequestBase: base("c1", "CREATE"), Mailbox: "Work"})
	h.selectBox(s1, "Work")

	h.expectOK(s2, &imap.RenameRequest{RequestBase: base("r1", "RENAME"), From: "Work", To: "Play"})
	h.appendMsg(s2, "Play", "moved")

	rec := h.noop(s1)
	for _, st := range responses[*imap.StatusResponse](rec) {
		assert.NotEqual(t, imap.StatusBYE, st.Type)
	}
	assert.Equal(t, []*imap.ExistsResponse{{Count: 1}}, responses[*imap.ExistsResponse](rec))
	assert.Equal(t, "Play", s1.Selected().Path().Name)
}

func TestStoreAndSearch(t *testing.T) {
	h := newHarness(t)
	s := h.login()
	h.selectBox(s, "INBOX")
	h.appendMsg(s, "INBOX", "alpha")
	h.appendMsg(s, "INBOX", "beta")
	h.appendMsg(s, "INBOX", "gamma")
	require.Equal(t, uint32(3), s.Selected().Exists())

	rec := h.expectOK(s, &imap.StoreRequest{RequestBase: base("st", "STORE"), Set: imap.SequenceSet{{Start: 2, Stop: 2}}, Mode: mailbox.FlagsAdd, Silent: true, Flags: []string{`\Seen`}})
	assert.Empty(t, responses[*imap.FetchResponse](rec))

	rec = h.run(s, &imap.StoreRequest{RequestBase: base("st", "STORE"), Set: imap.SequenceSet{{Start: 1, Stop: 1}}, Mode: mailbox.FlagsAdd, Flags: []string{`\Nope`}})
	assert.Equal(t, imap.StatusBAD, rec.final(t).Type)

	rec = h.run(s, &imap.StoreRequest{RequestBase: base("st", "STORE"), Set: imap.SequenceSet{{Start: 9, Stop: 9}}, Mode: mailbox.FlagsAdd, Flags: []string{`\Seen`}})
	assert.Equal(t, imap.TextInvalidMessageSet, rec.final(t).Text)

	search := func(uid bool, cs ...mailbox.Criterion) []uint32 {
		t.Helper()
		rec := h.expectOK(s, &imap.SearchRequest{RequestBase: base("se", "SEARCH"), UID: uid, Query: &mailbox.SearchQuery{Criteria: cs}})
		res := responses[*imap.SearchResponse](rec)
		require.Len(t, res, 1)
		return res[0].IDs
	}

	assert.Equal(t, []uint32{2}, search(false, mailbox.Criterion{Key: mailbox.SearchFlag, Flag: mailbox.FlagSeen}))
	assert.Equal(t, []uint32{1, 3}, search(true, mailbox.Criterion{Key: mailbox.SearchNoFlag, Flag: mailbox.FlagSeen}))
	assert.Equal(t, []uint32{2, 3}, search(false, mailbox.Criterion{Key: mailbox.SearchSequence, Ranges: []mailbox.MessageRange{{Type: mailbox.RangeInterval, From: 2, To: 0}}}))
	assert.Equal(t, []uint32{3}, search(true, mailbox.Criterion{Key: mailbox.SearchUID, Ranges: []mailbox.MessageRange{{Type: mailbox.RangeInterval, From: 0, To: 0}}}))
	assert.Equal(t, []uint32{1, 3}, search(false, mailbox.Criterion{Key: mailbox.SearchAnd, Sub: []mailbox.Criterion{
		{Key: mailbox.SearchRecent},
		{Key: mailbox.SearchNoFlag, Flag: mailbox.FlagSeen},
	}}))
	assert.Equal(t, []uint32{2}, search(false, mailbox.Criterion{Key: mailbox.SearchHeader, Field: "Subject", Value: "BET"}))

	rec = h.expectOK(s, &imap.StoreRequest{RequestBase: base("st", "UID STORE"), UID: true, Set: imap.SequenceSet{{Start: 3, Stop: 3}}, Mode: mailbox.FlagsReplace, Flags: []string{`\Answered`, "$Label"}})
	assert.Equal(t, []*imap.FetchResponse{{SeqNum: 3, UID: 3, Flags: []string{`\Answered`, `\Recent`, "$Label"}, FlagsSet: true}}, responses[*imap.FetchResponse](rec))
}

const multipart = "From: Bob <bob@example.org>\r\n" +
	"Subject: report\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=XX\r\n" +
	"\r\n" +
	"--XX\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"body text\r\n" +
	"--XX\r\n" +
	"Content-Type: text/html\r\n" +
	"\r\n" +
	"<p>hi</p>\r\n" +
	"--XX--\r\n"

func TestFetch(t *testing.T) {
	h := newHarness(t)
	s := h.login()
	h.expectOK(s, &imap.AppendRequest{RequestBase: base("ap", "APPEND"), Mailbox: "INBOX", Message: []byte(multipart), Date: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)})
	h.selectBox(s, "INBOX")

	rec := h.expectOK(s, &imap.FetchRequest{RequestBase: base("f1", "FETCH"), Set: imap.SequenceSet{{Start: 1, Stop: 1}}, Items: imap.FetchItems{
		Flags: true, Size: true, InternalDate: true, Envelope: true, BodyStructure: true,
		Sections: []imap.BodySection{
			{Label: "BODY[HEADER.FIELDS (Subject)]", Peek: true, Section: mime.Section{Specifier: mime.SpecHeaderFields, Fields: []string{"Subject"}}},
			{Label: "BODY[2]", Peek: true, Section: mime.Section{Path: []int{2}}},
			{Label: "BODY[3]", Peek: true, Section: mime.Section{Path: []int{3}}},
			{Label: "BODY[1]", Peek: true, Section: mime.Section{Path: []int{1}}, Partial: &imap.Partial{Offset: 0, Count: 4}},
		},
	}})
	fetched := responses[*imap.FetchResponse](rec)
	require.Len(t, fetched, 1)
	fr := fetched[0]
	assert.Equal(t, []string{`\Recent`}, fr.Flags)
	assert.Equal(t, int64(len(multipart)), *fr.Size)
	assert.True(t, fr.InternalDate.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, "report", fr.Envelope.Subject)
	require.NotNil(t, fr.BodyStructure)
	assert.Len(t, fr.BodyStructure.Parts, 2)
	assert.Nil(t, fr.Body)
	require.Len(t, fr.Elements, 4)
	assert.Equal(t, "Subject: report\r\n\r\n", string(fr.Elements[0].Data))
	assert.Equal(t, "<p>hi</p>", strings.TrimSpace(string(fr.Elements[1].Data)))
	assert.Nil(t, fr.Elements[2].Data)
	assert.Equal(t, "BODY[1]<0>", fr.Elements[3].Label)
	assert.Equal(t, "body", string(fr.Elements[3].Data))

	// A non-peek section marks the message seen and reports it.
	rec = h.expectOK(s, &imap.FetchRequest{RequestBase: base("f2", "UID FETCH"), UID: true, Set: imap.SequenceSet{{Start: 1, Stop: 1}}, Items: imap.FetchItems{
		UID:      true,
		Sections: []imap.BodySection{{Label: "BODY[TEXT]", Section: mime.Section{Specifier: mime.SpecText}}},
	}})
	fetched = responses[*imap.FetchResponse](rec)
	require.Len(t, fetched, 1)
	assert.Equal(t, uint32(1), fetched[0].UID)
	assert.True(t, fetched[0].FlagsSet)
	assert.Equal(t, []string{`\Seen`, `\Recent`}, fetched[0].Flags)

	rec = h.expectOK(s, &imap.FetchRequest{RequestBase: base("f3", "FETCH"), Set: imap.SequenceSet{{Start: 1, Stop: 1}}, Items: imap.FetchItems{
		Sections: []imap.BodySection{{Label: "BODY[TEXT]", Section: mime.Section{Specifier: mime.SpecText}}},
	}})
	fetched = responses[*imap.FetchResponse](rec)
	require.Len(t, fetched, 1)
	assert.False(t, fetched[0].FlagsSet)
	assert.Empty(t, responses[*imap.ExistsResponse](rec))
}

func TestCopy(t *testing.T) {
	h := newHarness(t)
	s := h.login()
	h.appendMsg(s, "INBOX", "one", `\Flagged`)
	h.appendMsg(s, "INBOX", "two")
	h.selectBox(s, "INBOX")

	rec := h.run(s, &imap.CopyRequest{RequestBase: base("c1", "COPY"), Set: imap.SequenceSet{{Start: 1, Stop: 2}}, Mailbox: "Archive"})
	st := rec.final(t)
	assert.Equal(t, imap.StatusNO, st.Type)
	assert.Equal(t, "TRYCREATE", code(st))

	h.expectOK(s, &imap.CreateRequest{RequestBase: base("c2", "CREATE"), Mailbox: "Archive"})
	rec = h.expectOK(s, &imap.CopyRequest{RequestBase: base("c3", "COPY"), Set: imap.SequenceSet{{Start: 1, Stop: 0}}, Mailbox: "Archive"})
	st = rec.final(t)
	require.NotNil(t, st.Code)
	assert.Equal(t, "COPYUID", st.Code.Name)
	assert.True(t, strings.HasSuffix(st.Code.Args, " 1:2 1:2"), st.Code.Args)

	rec = h.expectOK(s, &imap.StatusRequest{RequestBase: base("c4", "STATUS"), Mailbox: "Archive", Items: []string{imap.StatusMessages, imap.StatusRecent, imap.StatusUnseen, imap.StatusUIDNext}})
	assert.Equal(t, []*imap.MailboxStatusResponse{{Mailbox: "Archive", Items: []imap.StatusItem{
		{Name: imap.StatusMessages, Value: 2},
		{Name: imap.StatusRecent, Value: 2},
		{Name: imap.StatusUnseen, Value: 2},
		{Name: imap.StatusUIDNext, Value: 3},
	}}}, responses[*imap.MailboxStatusResponse](rec))
}

func TestCloseAndUIDExpunge(t *testing.T) {
	h := newHarness(t)
	s := h.login()
	for _, subject := range []string{"a", "b", "c"} {
		h.appendMsg(s, "INBOX", subject, `\Deleted`)
	}
	h.selectBox(s, "INBOX")

	rec := h.expectOK(s, &imap.ExpungeRequest{RequestBase: base("x1", "UID EXPUNGE"), UIDs: imap.SequenceSet{{Start: 2, Stop: 2}}})
	assert.Equal(t, []*imap.ExpungeResponse{{SeqNum: 2}}, responses[*imap.ExpungeResponse](rec))
	assert.Equal(t, []uint32{1, 3}, s.Selected().UIDs())

	rec = h.expectOK(s, &imap.CloseRequest{RequestBase: base("x2", "CLOSE")})
	assert.Len(t, rec.msgs, 1)
	assert.Equal(t, imap.StateAuthenticated, s.State())

	rec = h.expectOK(s, &imap.StatusRequest{RequestBase: base("x3", "STATUS"), Mailbox: "INBOX", Items: []string{imap.StatusMessages}})
	assert.Equal(t, uint32(0), responses[*imap.MailboxStatusResponse](rec)[0].Items[0].Value)

	rec = h.run(s, &imap.CloseRequest{RequestBase: base("x4", "CLOSE")})
	assert.Equal(t, imap.StatusBAD, rec.final(t).Type)
}

func TestUnselectKeepsMessages(t *testing.T) {
	h := newHarness(t)
	s := h.login()
	h.appendMsg(s, "INBOX", "a", `\Deleted`)
	h.selectBox(s, "INBOX")
	h.expectOK(s, &imap.UnselectRequest{RequestBase: base("u1", "UNSELECT")})
	assert.Equal(t, imap.StateAuthenticated, s.State())

	rec := h.expectOK(s, &imap.StatusRequest{RequestBase: base("u2", "STATUS"), Mailbox: "INBOX", Items: []string{imap.StatusMessages}})
	assert.Equal(t, uint32(1), responses[*imap.MailboxStatusResponse](rec)[0].Items[0].Value)
}

func TestMailboxCommands(t *testing.T) {
	h := newHarness(t)
	s := h.login()
	h.expectOK(s, &imap.CreateRequest{RequestBase: base("m1", "CREATE"), Mailbox: "Work/Projects"})

	rec := h.run(s, &imap.CreateRequest{RequestBase: base("m2", "CREATE"), Mailbox: "inbox"})
	assert.Equal(t, imap.TextMailboxExists, rec.final(t).Text)
	rec = h.run(s, &imap.DeleteRequest{RequestBase: base("m3", "DELETE"), Mailbox: "INBOX"})
	assert.Equal(t, imap.TextInboxOperation, rec.final(t).Text)
	rec = h.run(s, &imap.DeleteRequest{RequestBase: base("m4", "DELETE"), Mailbox: "Work"})
	assert.Equal(t, imap.TextHasChildren, rec.final(t).Text)

	rec = h.expectOK(s, &imap.ListRequest{RequestBase: base("m5", "LIST"), Pattern: "Work*"})
	assert.Equal(t, []*imap.ListResponse{
		{Attributes: []string{`\HasChildren`}, Delimiter: "/", Name: "Work"},
		{Attributes: []string{`\HasNoChildren`}, Delimiter: "/", Name: "Work/Projects"},
	}, responses[*imap.ListResponse](rec))

	rec = h.expectOK(s, &imap.ListRequest{RequestBase: base("m6", "LIST")})
	assert.Equal(t, []*imap.ListResponse{{Attributes: []string{`\Noselect`}, Delimiter: "/"}}, responses[*imap.ListResponse](rec))

	h.expectOK(s, &imap.SubscribeRequest{RequestBase: base("m7", "SUBSCRIBE"), Mailbox: "Work"})
	h.expectOK(s, &imap.SubscribeRequest{RequestBase: base("m8", "SUBSCRIBE"), Mailbox: "Gone"})
	rec = h.expectOK(s, &imap.ListRequest{RequestBase: base("m9", "LSUB"), Pattern: "*", Subscribed: true})
	assert.Equal(t, []*imap.ListResponse{
		{Subscribed: true, Attributes: []string{`\Noselect`}, Delimiter: "/", Name: "Gone"},
		{Subscribed: true, Delimiter: "/", Name: "Work"},
	}, responses[*imap.ListResponse](rec))

	h.expectOK(s, &imap.UnsubscribeRequest{RequestBase: base("m10", "UNSUBSCRIBE"), Mailbox: "Gone"})
	rec = h.run(s, &imap.UnsubscribeRequest{RequestBase: base("m11", "UNSUBSCRIBE"), Mailbox: "Gone"})
	assert.Equal(t, imap.TextNotSubscribed, rec.final(t).Text)

	h.expectOK(s, &imap.RenameRequest{RequestBase: base("m12", "RENAME"), From: "Work", To: "Jobs"})
	rec = h.expectOK(s, &imap.ListRequest{RequestBase: base("m13", "LIST"), Pattern: "Jobs/%"})
	require.Len(t, responses[*imap.ListResponse](rec), 1)
	assert.Equal(t, "Jobs/Projects", responses[*imap.ListResponse](rec)[0].Name)
}
