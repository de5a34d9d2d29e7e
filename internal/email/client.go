package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/mixelka/mailsync/internal/apperr"
	"github.com/mixelka/mailsync/pkg/models"
)

// IMAPTransport reads mail over IMAP, authenticating with XOAUTH2 or LOGIN
type IMAPTransport struct {
	method  Method
	servers *Resolver
}

// NewIMAPTransport creates an IMAP transport. oauth selects XOAUTH2,
// otherwise the account password is used with LOGIN.
func NewIMAPTransport(oauth bool, servers *Resolver) *IMAPTransport {
	m := MethodIMAPPassword
	if oauth {
		m = MethodIMAPOAuth
	}
	return &IMAPTransport{method: m, servers: servers}
}

func (t *IMAPTransport) Method() Method            { return t.method }
func (t *IMAPTransport) Protocol() models.Protocol { return models.ProtocolIMAP }

// imapConn is an authenticated connection bound to the caller's context
type imapConn struct {
	c    *client.Client
	stop func() bool
}

func (t *IMAPTransport) fail(op string, err error) error {
	return apperr.Transport(string(t.method), op, err)
}

func (t *IMAPTransport) connect(ctx context.Context, s Session) (*imapConn, error) {
	servers, err := t.servers.Resolve(s.Email)
	if err != nil {
		return nil, t.fail("resolve", err)
	}
	srv := servers.IMAP

	var conn net.Conn
	if srv.TLS {
		conn, err = s.Route.DialTLS(ctx, srv.Addr(), nil)
	} else {
		conn, err = s.Route.DialContext(ctx, "tcp", srv.Addr())
	}
	if err != nil {
		return nil, t.fail("connect", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	c, err := client.New(conn)
	if err != nil {
		stop()
		conn.Close()
		return nil, t.fail("greeting", err)
	}

	if t.method == MethodIMAPOAuth {
		err = c.Authenticate(NewXOAuth2Client(s.Email, s.Cred.Token))
	} else {
		err = c.Login(s.Email, s.Cred.Password)
	}
	if err != nil {
		stop()
		c.Logout()
		return nil, t.fail("authenticate", err)
	}

	return &imapConn{c: c, stop: stop}, nil
}

func (ic *imapConn) close() {
	ic.stop()
	done := make(chan struct{})
	go func() {
		ic.c.Logout()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		ic.c.Terminate()
	}
}

// mailboxName maps well-known folder names to IMAP mailboxes
func mailboxName(folder string) string {
	switch folder {
	case "junkemail":
		return "Junk"
	case "sentitems":
		return "Sent"
	case "deleteditems":
		return "Deleted"
	case "drafts":
		return "Drafts"
	default:
		return "INBOX"
	}
}

// examine opens the mailbox for folder read-only. A folder the server does
// not have is reported as NotFound; only the inbox is assumed to exist.
func (t *IMAPTransport) examine(ic *imapConn, folder string) (*imap.MailboxStatus, error) {
	name := mailboxName(folder)
	if name != "INBOX" {
		ok, err := ic.hasMailbox(name)
		if err != nil {
			return nil, t.fail("list", err)
		}
		if !ok {
			return nil, t.fail("examine", fmt.Errorf("%w: mailbox %s", apperr.ErrNotFound, name))
		}
	}
	mbox, err := ic.c.Select(name, true)
	if err != nil {
		return nil, t.fail("examine", err)
	}
	return mbox, nil
}

func (ic *imapConn) hasMailbox(name string) (bool, error) {
	infos := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- ic.c.List("", name, infos)
	}()

	found := false
	for info := range infos {
		if strings.EqualFold(info.Name, name) {
			found = true
		}
	}
	return found, <-done
}

// Probe authenticates and examines INBOX
func (t *IMAPTransport) Probe(ctx context.Context, s Session) error {
	ic, err := t.connect(ctx, s)
	if err != nil {
		return err
	}
	defer ic.close()

	if _, err := ic.c.Select("INBOX", true); err != nil {
		return t.fail("examine", err)
	}
	return nil
}

// List returns one page newest first. The mailbox is opened read-only so
// listing never changes \Seen flags.
func (t *IMAPTransport) List(ctx context.Context, s Session, folder string, top, skip int) (*models.MessagePage, error) {
	ic, err := t.connect(ctx, s)
	if err != nil {
		return nil, err
	}
	defer ic.close()

	mbox, err := t.examine(ic, folder)
	if err != nil {
		if apperr.IsNotFound(err) {
			// folders other than the inbox are best-effort
			return &models.MessagePage{Messages: []models.Message{}}, nil
		}
		return nil, err
	}

	page := &models.MessagePage{Total: int(mbox.Messages), Messages: []models.Message{}}

	unseen := imap.NewSearchCriteria()
	unseen.WithoutFlags = []string{imap.SeenFlag}
	ids, err := ic.c.Search(unseen)
	if err != nil {
		return nil, t.fail("search", err)
	}
	page.Unread = len(ids)

	total := int(mbox.Messages)
	if total == 0 || skip >= total || top <= 0 {
		return page, nil
	}
	hi := total - skip
	lo := max(hi-top+1, 1)

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(uint32(lo), uint32(hi))
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, imap.FetchInternalDate}

	messages := make(chan *imap.Message, hi-lo+1)
	done := make(chan error, 1)
	go func() {
		done <- ic.c.Fetch(seqSet, items, messages)
	}()

	var fetched []*imap.Message
	for msg := range messages {
		fetched = append(fetched, msg)
	}
	if err := <-done; err != nil {
		return nil, t.fail("fetch", err)
	}

	sort.Slice(fetched, func(i, j int) bool { return fetched[i].SeqNum > fetched[j].SeqNum })
	for _, msg := range fetched {
		page.Messages = append(page.Messages, envelopeMessage(msg))
	}
	return page, nil
}

// FetchDetail downloads a message by UID without setting \Seen
func (t *IMAPTransport) FetchDetail(ctx context.Context, s Session, folder, id string) (*models.MessageDetail, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil || uid == 0 {
		return nil, t.fail("fetch", fmt.Errorf("%w: invalid uid %q", apperr.ErrNotFound, id))
	}

	ic, err := t.connect(ctx, s)
	if err != nil {
		return nil, err
	}
	defer ic.close()

	if _, err := t.examine(ic, folder); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uint32(uid))
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- ic.c.UidFetch(seqSet, items, messages)
	}()

	var msg *imap.Message
	for m := range messages {
		msg = m
	}
	if err := <-done; err != nil {
		return nil, t.fail("fetch", err)
	}
	if msg == nil {
		return nil, t.fail("fetch", apperr.ErrNotFound)
	}

	d := &models.MessageDetail{Message: envelopeMessage(msg)}
	body := msg.GetBody(section)
	if body == nil {
		return d, nil
	}
	parsed, err := parseMessage(body, false)
	if err != nil {
		return nil, t.fail("parse", err)
	}
	d.To = parsed.To
	d.BodyHTML = parsed.BodyHTML
	d.BodyText = parsed.BodyText
	d.HasAttachments = parsed.HasAttachments
	d.Preview = parsed.preview()
	return d, nil
}

func envelopeMessage(msg *imap.Message) models.Message {
	out := models.Message{
		ID:         strconv.FormatUint(uint64(msg.Uid), 10),
		ReceivedAt: msg.InternalDate,
	}
	for _, f := range msg.Flags {
		if f == imap.SeenFlag {
			out.IsRead = true
		}
	}
	if env := msg.Envelope; env != nil {
		out.Subject = env.Subject
		if !env.Date.IsZero() {
			out.ReceivedAt = env.Date
		}
		if len(env.From) > 0 {
			out.From = models.Address{Name: env.From[0].PersonalName, Address: env.From[0].Address()}
		}
	}
	return out
}

// errNoCredential is returned when an account lacks what a transport needs
var errNoCredential = errors.New("no usable credential")
