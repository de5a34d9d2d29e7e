package email

import (
	"context"

	"github.com/mixelka/mailsync/internal/proxy"
	"github.com/mixelka/mailsync/pkg/models"
)

// Method names a transport in the fallback chain
type Method string

const (
	MethodGraph        Method = "graph"
	MethodIMAPOAuth    Method = "imap_oauth"
	MethodIMAPPassword Method = "imap_password"
	MethodPOP3         Method = "pop3"
)

// Credential is what a transport authenticates with. A non-empty Token
// selects bearer or XOAUTH2 authentication, otherwise Password is used.
type Credential struct {
	Token    string
	Password string
}

// Session is the per-call input of a transport. Transports never mutate
// the account; the chain owns capability and credential updates.
type Session struct {
	Email string
	Route *proxy.Route
	Cred  Credential
}

// Transport is one tier of the fallback chain
type Transport interface {
	Method() Method
	Protocol() models.Protocol
	Probe(ctx context.Context, s Session) error
	List(ctx context.Context, s Session, folder string, top, skip int) (*models.MessagePage, error)
	FetchDetail(ctx context.Context, s Session, folder, id string) (*models.MessageDetail, error)
}

// TokenSource issues access tokens for the primary and secondary audiences
type TokenSource interface {
	EnsureValidToken(ctx context.Context, account *models.Account) (string, error)
	ScopedToken(ctx context.Context, account *models.Account, scope string) (string, error)
}

// RouteSource resolves the outbound route for an account
type RouteSource interface {
	ForAccount(ctx context.Context, account *models.Account) (*proxy.Route, error)
}
