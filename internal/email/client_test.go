package email

import (
	"context"
	"io"
	"log"
	"log/slog"
	"math"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailsync/internal/apperr"
	"github.com/mixelka/mailsync/internal/proxy"
	"github.com/mixelka/mailsync/pkg/models"
)

const imapUser = "user@example.com"

var imapMailbox = []struct {
	uid   uint32
	flags []string
	raw   string
}{
	{10, []string{imap.SeenFlag}, "From: Alice <alice@example.com>\r\nTo: user@example.com\r\nSubject: one\r\nDate: Mon, 02 Jan 2006 10:00:00 +0000\r\nContent-Type: text/plain\r\n\r\nfirst body\r\n"},
	{11, nil, "From: Bob <bob@example.com>\r\nTo: user@example.com\r\nSubject: two\r\nDate: Tue, 03 Jan 2006 10:00:00 +0000\r\nContent-Type: text/html\r\n\r\n<p>second <b>body</b></p>\r\n"},
	{12, nil, "From: Carol <carol@example.com>\r\nTo: user@example.com\r\nSubject: three\r\nDate: Wed, 04 Jan 2006 10:00:00 +0000\r\nContent-Type: text/plain\r\n\r\nthird body\r\n"},
}

// imapBackend exposes the memory backend's single user under imapUser
type imapBackend struct {
	*memory.Backend
}

func (b imapBackend) Login(ci *imap.ConnInfo, username, password string) (backend.User, error) {
	if username != imapUser {
		return nil, backend.ErrInvalidCredentials
	}
	return b.Backend.Login(ci, "username", password)
}

// serveIMAP runs an in-process IMAP server. The password is "password".
func serveIMAP(t *testing.T) string {
	t.Helper()
	be := memory.New()
	u, err := be.Login(nil, "username", "password")
	require.NoError(t, err)
	mbox, err := u.GetMailbox("INBOX")
	require.NoError(t, err)
	inbox := mbox.(*memory.Mailbox)
	inbox.Messages = nil
	for _, m := range imapMailbox {
		inbox.Messages = append(inbox.Messages, &memory.Message{
			Uid:   m.uid,
			Date:  time.Date(2006, 1, 5, 0, 0, 0, 0, time.UTC),
			Flags: m.flags,
			Size:  uint32(len(m.raw)),
			Body:  []byte(m.raw),
		})
	}

	srv := server.New(imapBackend{be})
	srv.AllowInsecureAuth = true
	srv.ErrorLog = log.New(io.Discard, "", 0)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return "plain://" + ln.Addr().String()
}

func newIMAP(t *testing.T, oauth bool) *IMAPTransport {
	t.Helper()
	res, err := NewResolver(serveIMAP(t), "")
	require.NoError(t, err)
	return NewIMAPTransport(oauth, res)
}

func imapSession(password string) Session {
	return Session{Email: imapUser, Route: proxy.Direct, Cred: Credential{Password: password}}
}

func imapCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestIMAPProbe(t *testing.T) {
	tr := newIMAP(t, false)
	require.NoError(t, tr.Probe(imapCtx(t), imapSession("password")))

	err := tr.Probe(imapCtx(t), imapSession("wrong"))
	var te *apperr.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "authenticate", te.Op)
	assert.Equal(t, string(MethodIMAPPassword), te.Protocol)
}

func TestIMAPOAuthRejected(t *testing.T) {
	// the memory server offers no XOAUTH2
	tr := newIMAP(t, true)
	s := Session{Email: imapUser, Route: proxy.Direct, Cred: Credential{Token: "tok"}}
	err := tr.Probe(imapCtx(t), s)
	var te *apperr.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "authenticate", te.Op)
}

func TestIMAPListNewestFirst(t *testing.T) {
	tr := newIMAP(t, false)

	page, err := tr.List(imapCtx(t), imapSession("password"), "inbox", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Unread)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "12", page.Messages[0].ID)
	assert.Equal(t, "three", page.Messages[0].Subject)
	assert.Equal(t, "carol@example.com", page.Messages[0].From.Address)
	assert.Equal(t, "Carol", page.Messages[0].From.Name)
	assert.Equal(t, time.Date(2006, 1, 4, 10, 0, 0, 0, time.UTC), page.Messages[0].ReceivedAt.UTC())
	assert.False(t, page.Messages[0].IsRead)
	assert.Equal(t, "11", page.Messages[1].ID)
}

func TestIMAPListPaging(t *testing.T) {
	tr := newIMAP(t, false)
	s := imapSession("password")

	page, err := tr.List(imapCtx(t), s, "inbox", 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "10", page.Messages[0].ID)
	assert.True(t, page.Messages[0].IsRead)

	page, err = tr.List(imapCtx(t), s, "inbox", 2, 3)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Unread)
}

func TestIMAPListMissingFolder(t *testing.T) {
	tr := newIMAP(t, false)
	page, err := tr.List(imapCtx(t), imapSession("password"), "junkemail", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Messages)

	_, err = tr.FetchDetail(imapCtx(t), imapSession("password"), "junkemail", "11")
	assert.True(t, apperr.IsNotFound(err))
}

// imapChain is a chain whose only transport is password IMAP against the
// in-process server
func imapChain(t *testing.T) *Chain {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewChain([]Transport{newIMAP(t, false)}, Options{RequestTimeout: 5 * time.Second}, &fakeTokens{}, directRoutes{}, nil, logger)
}

func TestChainMissingFolderKeepsIMAPEnabled(t *testing.T) {
	chain := imapChain(t)
	acct := &models.Account{ID: 1, Email: imapUser, Password: "password"}

	page, err := chain.ListMessages(imapCtx(t), acct, "junkemail", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, string(MethodIMAPPassword), page.Method)
	assert.Empty(t, page.Messages)
	assert.Equal(t, models.CapEnabled, acct.IMAPEnabled)

	_, err = chain.FetchDetail(imapCtx(t), acct, "junkemail", "11")
	assert.True(t, apperr.IsNotFound(err))
	assert.Equal(t, models.CapEnabled, acct.IMAPEnabled)

	page, err = chain.ListMessages(imapCtx(t), acct, "inbox", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
}

func TestChainClampsPageBounds(t *testing.T) {
	chain := imapChain(t)
	acct := &models.Account{ID: 1, Email: imapUser, Password: "password"}

	page, err := chain.ListMessages(imapCtx(t), acct, "inbox", math.MaxInt, 0)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 3)

	page, err = chain.ListMessages(imapCtx(t), acct, "inbox", 2, -5)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "12", page.Messages[0].ID)
	assert.Equal(t, models.CapEnabled, acct.IMAPEnabled)
}

func TestIMAPListLargeTop(t *testing.T) {
	tr := newIMAP(t, false)
	page, err := tr.List(imapCtx(t), imapSession("password"), "inbox", math.MaxInt32, 0)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 3)
}

func TestIMAPFetchDetailKeepsUnseen(t *testing.T) {
	tr := newIMAP(t, false)
	s := imapSession("password")

	d, err := tr.FetchDetail(imapCtx(t), s, "inbox", "11")
	require.NoError(t, err)
	assert.Equal(t, "11", d.ID)
	assert.Equal(t, "two", d.Subject)
	assert.Contains(t, d.BodyHTML, "<b>body</b>")
	assert.Contains(t, d.BodyText, "second body")
	require.Len(t, d.To, 1)
	assert.Equal(t, imapUser, d.To[0].Address)
	assert.False(t, d.IsRead)

	page, err := tr.List(imapCtx(t), s, "inbox", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Unread, "reading a message must not mark it seen")
}

func TestIMAPFetchDetailNotFound(t *testing.T) {
	tr := newIMAP(t, false)
	s := imapSession("password")

	for _, id := range []string{"99", "abc", "0"} {
		_, err := tr.FetchDetail(imapCtx(t), s, "inbox", id)
		require.Error(t, err, id)
		assert.True(t, apperr.IsNotFound(err), id)
	}
}
