package email

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Server is a mail server endpoint
type Server struct {
	Host string
	Port int
	TLS  bool // implicit TLS; plaintext is only used by tests and local bridges
}

// Addr returns host:port
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Servers is the IMAP and POP3 endpoint pair of a provider
type Servers struct {
	IMAP Server
	POP3 Server
}

var office365 = Servers{
	IMAP: Server{Host: "outlook.office365.com", Port: 993, TLS: true},
	POP3: Server{Host: "outlook.office365.com", Port: 995, TLS: true},
}

// Known servers for popular providers
var knownServers = map[string]Servers{
	"outlook.com": office365,
	"hotmail.com": office365,
	"live.com":    office365,
	"msn.com":     office365,
	"gmail.com": {
		IMAP: Server{Host: "imap.gmail.com", Port: 993, TLS: true},
		POP3: Server{Host: "pop.gmail.com", Port: 995, TLS: true},
	},
	"yahoo.com": {
		IMAP: Server{Host: "imap.mail.yahoo.com", Port: 993, TLS: true},
		POP3: Server{Host: "pop.mail.yahoo.com", Port: 995, TLS: true},
	},
	"icloud.com": {
		IMAP: Server{Host: "imap.mail.me.com", Port: 993, TLS: true},
		POP3: Server{Host: "imap.mail.me.com", Port: 995, TLS: true},
	},
	"yandex.ru": {
		IMAP: Server{Host: "imap.yandex.ru", Port: 993, TLS: true},
		POP3: Server{Host: "pop.yandex.ru", Port: 995, TLS: true},
	},
	"mail.ru": {
		IMAP: Server{Host: "imap.mail.ru", Port: 993, TLS: true},
		POP3: Server{Host: "pop.mail.ru", Port: 995, TLS: true},
	},
}

// Resolver maps an email address to its servers
type Resolver struct {
	imapOverride *Server
	pop3Override *Server
}

// NewResolver creates a resolver. Non-empty overrides ("host:port") pin
// every account to the given server.
func NewResolver(imapOverride, pop3Override string) (*Resolver, error) {
	r := &Resolver{}
	var err error
	if r.imapOverride, err = parseServer(imapOverride); err != nil {
		return nil, fmt.Errorf("invalid IMAP server: %w", err)
	}
	if r.pop3Override, err = parseServer(pop3Override); err != nil {
		return nil, fmt.Errorf("invalid POP3 server: %w", err)
	}
	return r, nil
}

// Resolve determines the servers for an email address
func (r *Resolver) Resolve(email string) (Servers, error) {
	domain := GetDomainFromEmail(email)
	if domain == "" {
		return Servers{}, fmt.Errorf("invalid email format: %q", email)
	}

	s, ok := knownServers[domain]
	if !ok {
		s = Servers{
			IMAP: Server{Host: "imap." + domain, Port: 993, TLS: true},
			POP3: Server{Host: "pop." + domain, Port: 995, TLS: true},
		}
	}
	if r != nil && r.imapOverride != nil {
		s.IMAP = *r.imapOverride
	}
	if r != nil && r.pop3Override != nil {
		s.POP3 = *r.pop3Override
	}
	return s, nil
}

// parseServer reads "host:port", "tls://host:port" or "plain://host:port"
func parseServer(raw string) (*Server, error) {
	if raw == "" {
		return nil, nil
	}
	useTLS := true
	switch {
	case strings.HasPrefix(raw, "plain://"):
		useTLS = false
		raw = strings.TrimPrefix(raw, "plain://")
	case strings.HasPrefix(raw, "tls://"):
		raw = strings.TrimPrefix(raw, "tls://")
	}
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return nil, err
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 {
		return nil, fmt.Errorf("invalid port %q", port)
	}
	return &Server{Host: host, Port: p, TLS: useTLS}, nil
}

// GetDomainFromEmail extracts domain from email address
func GetDomainFromEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" {
		return ""
	}
	return strings.ToLower(parts[1])
}
