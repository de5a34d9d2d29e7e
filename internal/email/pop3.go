package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/mixelka/mailsync/internal/apperr"
	"github.com/mixelka/mailsync/pkg/models"
)

// POP3Transport reads mail over POP3. POP3 has no read state, so every
// message counts as unread and listing never marks anything.
type POP3Transport struct {
	servers *Resolver
}

// NewPOP3Transport creates the last-resort transport
func NewPOP3Transport(servers *Resolver) *POP3Transport {
	return &POP3Transport{servers: servers}
}

func (t *POP3Transport) Method() Method            { return MethodPOP3 }
func (t *POP3Transport) Protocol() models.Protocol { return models.ProtocolPOP3 }

var errPOP3 = errors.New("pop3 error")

type pop3Conn struct {
	tp   *textproto.Conn
	conn net.Conn
	stop func() bool
}

func (t *POP3Transport) fail(op string, err error) error {
	return apperr.Transport(string(MethodPOP3), op, err)
}

func (t *POP3Transport) connect(ctx context.Context, s Session) (*pop3Conn, error) {
	servers, err := t.servers.Resolve(s.Email)
	if err != nil {
		return nil, t.fail("resolve", err)
	}
	srv := servers.POP3

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

	pc := &pop3Conn{tp: textproto.NewConn(conn), conn: conn}
	pc.stop = context.AfterFunc(ctx, func() { conn.Close() })

	if _, err := pc.readOK(); err != nil {
		pc.abort()
		return nil, t.fail("greeting", err)
	}
	if err := pc.auth(s); err != nil {
		pc.abort()
		return nil, t.fail("authenticate", err)
	}
	return pc, nil
}

func (pc *pop3Conn) auth(s Session) error {
	if s.Cred.Token != "" {
		if err := pc.tp.PrintfLine("AUTH XOAUTH2"); err != nil {
			return err
		}
		line, err := pc.tp.ReadLine()
		if err != nil {
			return err
		}
		if !isContinuation(line) {
			return fmt.Errorf("%w: %s", errPOP3, line)
		}
		if err := pc.tp.PrintfLine("%s", xoauth2Base64(s.Email, s.Cred.Token)); err != nil {
			return err
		}
		line, err = pc.tp.ReadLine()
		if err != nil {
			return err
		}
		// a failure challenge is answered with an empty line before -ERR
		if isContinuation(line) {
			pc.tp.PrintfLine("")
			line, err = pc.tp.ReadLine()
			if err != nil {
				return err
			}
		}
		return statusErr(line)
	}

	if _, err := pc.cmd("USER %s", s.Email); err != nil {
		return err
	}
	_, err := pc.cmd("PASS %s", s.Cred.Password)
	return err
}

// isContinuation matches "+" and "+ <data>" but not "+OK"
func isContinuation(line string) bool {
	return line == "+" || strings.HasPrefix(line, "+ ")
}

func statusErr(line string) error {
	if strings.HasPrefix(line, "+OK") {
		return nil
	}
	return fmt.Errorf("%w: %s", errPOP3, line)
}

func (pc *pop3Conn) readOK() (string, error) {
	line, err := pc.tp.ReadLine()
	if err != nil {
		return "", err
	}
	if err := statusErr(line); err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "+OK")), nil
}

func (pc *pop3Conn) cmd(format string, args ...any) (string, error) {
	if err := pc.tp.PrintfLine(format, args...); err != nil {
		return "", err
	}
	return pc.readOK()
}

func (pc *pop3Conn) multiline(format string, args ...any) ([]string, error) {
	if _, err := pc.cmd(format, args...); err != nil {
		return nil, err
	}
	return pc.tp.ReadDotLines()
}

func (pc *pop3Conn) abort() {
	pc.stop()
	pc.conn.Close()
}

func (pc *pop3Conn) close() {
	pc.cmd("QUIT")
	pc.abort()
}

func (pc *pop3Conn) stat() (int, error) {
	resp, err := pc.cmd("STAT")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(resp)
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: malformed STAT %q", errPOP3, resp)
	}
	return strconv.Atoi(fields[0])
}

// uidl maps message numbers to unique ids
func (pc *pop3Conn) uidl() (map[int]string, error) {
	lines, err := pc.multiline("UIDL")
	if err != nil {
		return nil, err
	}
	out := make(map[int]string, len(lines))
	for _, l := range lines {
		fields := strings.Fields(l)
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		out[n] = fields[1]
	}
	return out, nil
}

// Probe authenticates and issues STAT
func (t *POP3Transport) Probe(ctx context.Context, s Session) error {
	pc, err := t.connect(ctx, s)
	if err != nil {
		return err
	}
	defer pc.close()

	if _, err := pc.stat(); err != nil {
		return t.fail("stat", err)
	}
	return nil
}

// List returns headers of the newest messages. Only the inbox exists.
func (t *POP3Transport) List(ctx context.Context, s Session, _ string, top, skip int) (*models.MessagePage, error) {
	pc, err := t.connect(ctx, s)
	if err != nil {
		return nil, err
	}
	defer pc.close()

	count, err := pc.stat()
	if err != nil {
		return nil, t.fail("stat", err)
	}
	page := &models.MessagePage{Total: count, Unread: count, Messages: []models.Message{}}
	if count == 0 || skip >= count || top <= 0 {
		return page, nil
	}

	uids, err := pc.uidl()
	if err != nil {
		return nil, t.fail("uidl", err)
	}

	hi := count - skip
	lo := max(hi-top+1, 1)
	nums := make([]int, 0, hi-lo+1)
	for n := hi; n >= lo; n-- {
		nums = append(nums, n)
	}

	for _, n := range nums {
		lines, err := pc.multiline("TOP %d 0", n)
		if err != nil {
			return nil, t.fail("top", err)
		}
		parsed, err := parseMessage(strings.NewReader(strings.Join(lines, "\r\n")+"\r\n\r\n"), true)
		if err != nil {
			return nil, t.fail("parse", err)
		}
		id := uids[n]
		if id == "" {
			id = strconv.Itoa(n)
		}
		page.Messages = append(page.Messages, models.Message{
			ID:         id,
			Subject:    parsed.Subject,
			From:       parsed.From,
			ReceivedAt: parsed.Date,
		})
	}
	return page, nil
}

// FetchDetail retrieves a message by unique id
func (t *POP3Transport) FetchDetail(ctx context.Context, s Session, _ string, id string) (*models.MessageDetail, error) {
	pc, err := t.connect(ctx, s)
	if err != nil {
		return nil, err
	}
	defer pc.close()

	uids, err := pc.uidl()
	if err != nil {
		return nil, t.fail("uidl", err)
	}
	num := 0
	for n, uid := range uids {
		if uid == id {
			num = n
			break
		}
	}
	if num == 0 {
		return nil, t.fail("retr", apperr.ErrNotFound)
	}

	lines, err := pc.multiline("RETR %d", num)
	if err != nil {
		return nil, t.fail("retr", err)
	}
	parsed, err := parseMessage(strings.NewReader(strings.Join(lines, "\r\n")), false)
	if err != nil {
		return nil, t.fail("parse", err)
	}

	d := &models.MessageDetail{
		Message: models.Message{
			ID:         id,
			Subject:    parsed.Subject,
			From:       parsed.From,
			ReceivedAt: parsed.Date,
			Preview:    parsed.preview(),
		},
		To:             parsed.To,
		BodyHTML:       parsed.BodyHTML,
		BodyText:       parsed.BodyText,
		HasAttachments: parsed.HasAttachments,
	}
	return d, nil
}
