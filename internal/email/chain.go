package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mixelka/mailsync/internal/apperr"
	"github.com/mixelka/mailsync/internal/graph"
	"github.com/mixelka/mailsync/internal/logging"
	"github.com/mixelka/mailsync/internal/metrics"
	"github.com/mixelka/mailsync/internal/proxy"
	"github.com/mixelka/mailsync/internal/retry"
	"github.com/mixelka/mailsync/pkg/models"
)

// Options configures a Chain
type Options struct {
	ProbeTimeout   time.Duration
	RequestTimeout time.Duration
	IMAPScope      string
	POP3Scope      string
	// Retry is applied to each transport call. Only throttle waits are
	// retried; a hard failure moves on to the next transport.
	Retry retry.Policy
}

// Chain is the ordered, capability-gated list of transports
type Chain struct {
	transports []Transport
	opts       Options
	tokens     TokenSource
	routes     RouteSource
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewChain builds a chain. Transports are tried in the given order.
func NewChain(transports []Transport, opts Options, tokens TokenSource, routes RouteSource, m *metrics.Metrics, logger *slog.Logger) *Chain {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	opts.Retry.MaxAttempts = 1
	if opts.Retry.MaxThrottleWaits <= 0 {
		opts.Retry.MaxThrottleWaits = 1
	}
	return &Chain{
		transports: transports,
		opts:       opts,
		tokens:     tokens,
		routes:     routes,
		metrics:    m,
		logger:     logging.Component(logger, "email"),
	}
}

// DefaultTransports returns graph, IMAP OAuth, IMAP password and POP3 in
// priority order.
func DefaultTransports(servers *Resolver, graphBaseURL string, requestTimeout time.Duration) []Transport {
	return []Transport{
		NewGraphTransport(graphBaseURL, requestTimeout),
		NewIMAPTransport(true, servers),
		NewIMAPTransport(false, servers),
		NewPOP3Transport(servers),
	}
}

// credential obtains what t needs to authenticate. Token calls may rotate
// the refresh token, so concurrent callers pass their own copy of the account.
func (c *Chain) credential(ctx context.Context, account *models.Account, t Transport) (Credential, error) {
	hasRT := account.RefreshToken != ""
	hasPassword := account.Password != ""

	switch t.Method() {
	case MethodGraph:
		if !hasRT && account.AccessToken == "" {
			return Credential{}, errNoCredential
		}
		tok, err := c.tokens.EnsureValidToken(ctx, account)
		return Credential{Token: tok}, err
	case MethodIMAPOAuth:
		if !hasRT {
			return Credential{}, errNoCredential
		}
		tok, err := c.tokens.ScopedToken(ctx, account, c.opts.IMAPScope)
		return Credential{Token: tok}, err
	case MethodIMAPPassword:
		if !hasPassword {
			return Credential{}, errNoCredential
		}
		return Credential{Password: account.Password}, nil
	case MethodPOP3:
		if hasRT {
			tok, err := c.tokens.ScopedToken(ctx, account, c.opts.POP3Scope)
			if err == nil {
				return Credential{Token: tok}, nil
			}
			if apperr.IsRevoked(err) || !hasPassword {
				return Credential{}, err
			}
		}
		if !hasPassword {
			return Credential{}, errNoCredential
		}
		return Credential{Password: account.Password}, nil
	default:
		return Credential{}, fmt.Errorf("unknown transport %q", t.Method())
	}
}

func (c *Chain) session(account *models.Account, route *proxy.Route, cred Credential) Session {
	return Session{Email: account.Email, Route: route, Cred: cred}
}

// ProbeCapabilities checks every protocol concurrently and records the
// results on the account. A protocol is enabled when any of its transports
// authenticates. Credential acquisition counts against the probe timeout;
// each protocol works on its own copy of the account and rotated
// credentials are merged back afterwards.
func (c *Chain) ProbeCapabilities(ctx context.Context, account *models.Account) models.Capabilities {
	route, err := c.routes.ForAccount(ctx, account)
	if err != nil {
		// never probe around the group's proxy; keep the cached flags
		c.logger.Warn("route resolution failed, probe skipped", logging.Account(account.ID, account.Email), logging.Err(err))
		return account.Capabilities()
	}

	byProtocol := make(map[models.Protocol][]Transport)
	var order []models.Protocol
	for _, t := range c.transports {
		if _, ok := byProtocol[t.Protocol()]; !ok {
			order = append(order, t.Protocol())
		}
		byProtocol[t.Protocol()] = append(byProtocol[t.Protocol()], t)
	}

	type outcome struct {
		ok    bool
		state models.Account
	}
	orig := *account
	outcomes := make([]outcome, len(order))

	var wg sync.WaitGroup
	for i, proto := range order {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state := orig
			ok := false
			for _, t := range byProtocol[proto] {
				var err error
				state, err = c.probeOne(ctx, t, route, state)
				if err == nil {
					ok = true
					break
				}
			}
			c.metrics.Probe(string(proto), ok)
			outcomes[i] = outcome{ok: ok, state: state}
		}()
	}
	wg.Wait()

	for i, proto := range order {
		mergeCredentials(account, &orig, &outcomes[i].state)
		account.SetCapability(proto, models.CapabilityOf(outcomes[i].ok))
	}
	return account.Capabilities()
}

// probeOne acquires a credential for t and probes it, both bounded by the
// probe timeout. It returns the account state after credential acquisition;
// on timeout the input state is returned unchanged.
func (c *Chain) probeOne(ctx context.Context, t Transport, route *proxy.Route, state models.Account) (models.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()

	type result struct {
		state models.Account
		err   error
	}
	done := make(chan result, 1)
	go func() {
		local := state
		defer func() {
			if r := recover(); r != nil {
				done <- result{state: state, err: fmt.Errorf("probe panic: %v", r)}
			}
		}()
		cred, err := c.credential(ctx, &local, t)
		if err != nil {
			done <- result{state: local, err: err}
			return
		}
		err = t.Probe(ctx, c.session(&local, route, cred))
		done <- result{state: local, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result{state: state, err: ctx.Err()}
	}
	if res.err != nil {
		c.logger.Debug("probe failed", logging.Account(state.ID, state.Email),
			logging.Method(string(t.Method())), logging.Err(res.err))
	}
	return res.state, res.err
}

// mergeCredentials copies credential fields that got changed from orig
// into dst
func mergeCredentials(dst, orig, got *models.Account) {
	if got.RefreshToken != orig.RefreshToken {
		dst.RefreshToken = got.RefreshToken
	}
	if got.AccessToken != orig.AccessToken {
		dst.AccessToken = got.AccessToken
		dst.TokenExpiresAt = got.TokenExpiresAt
		dst.LastRefreshAt = got.LastRefreshAt
	}
	if got.AuthRevokedFor != orig.AuthRevokedFor {
		dst.AuthRevokedFor = got.AuthRevokedFor
		dst.Status = got.Status
		dst.LastError = got.LastError
	}
}

// candidates returns the transports to attempt, gated by the flags as they
// were when the call started. When the gate leaves nothing, every
// transport is attempted.
func (c *Chain) candidates(account *models.Account) []Transport {
	var out []Transport
	for _, t := range c.transports {
		if account.Capability(t.Protocol()) != models.CapDisabled {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return c.transports
	}
	return out
}

// attempt runs op on each candidate until one succeeds. It returns the
// method that succeeded.
func (c *Chain) attempt(ctx context.Context, account *models.Account, opName string, candidates []Transport, op func(ctx context.Context, t Transport, s Session) error) (Method, error) {
	route, err := c.routes.ForAccount(ctx, account)
	if err != nil {
		return "", apperr.Transport("proxy", "resolve", err)
	}

	var lastErr error
	for _, t := range candidates {
		method := string(t.Method())
		attrs := []any{logging.Account(account.ID, account.Email), logging.Method(method)}

		cred, err := c.credential(ctx, account, t)
		if err != nil {
			if apperr.IsRevoked(err) {
				c.metrics.Transport(method, metrics.ResultRevoked)
				return "", err
			}
			if !errors.Is(err, errNoCredential) {
				c.logger.Warn("credential unavailable", append(attrs, logging.Err(err))...)
				lastErr = err
			}
			continue
		}

		sess := c.session(account, route, cred)
		err = retry.Do(ctx, c.opts.Retry, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
			defer cancel()
			return op(ctx, t, sess)
		})
		if err == nil {
			c.metrics.Transport(method, metrics.ResultSuccess)
			account.SetCapability(t.Protocol(), models.CapEnabled)
			return t.Method(), nil
		}

		lastErr = err
		switch {
		case apperr.IsNotFound(err):
			c.metrics.Transport(method, metrics.ResultSuccess)
			return t.Method(), err
		case isThrottle(err):
			c.metrics.Transport(method, metrics.ResultThrottled)
			c.logger.Warn("transport throttled, falling through", append(attrs, logging.Err(err))...)
		case graph.IsUnauthorized(err):
			// the stored access token is not accepted; exchange again next time
			account.AccessToken = ""
			account.TokenExpiresAt = nil
			c.metrics.Transport(method, metrics.ResultError)
			account.SetCapability(t.Protocol(), models.CapDisabled)
			c.logger.Warn("access token rejected, falling through", append(attrs, "op", opName, logging.Err(err))...)
		default:
			c.metrics.Transport(method, metrics.ResultError)
			account.SetCapability(t.Protocol(), models.CapDisabled)
			c.logger.Warn("transport failed, falling through", append(attrs, "op", opName, logging.Err(err))...)
		}
		if ctx.Err() != nil {
			return "", lastErr
		}
	}

	if lastErr == nil {
		lastErr = apperr.Transport("chain", opName, errors.New("no usable transport"))
	}
	return "", lastErr
}

func isThrottle(err error) bool {
	_, ok := apperr.IsThrottle(err)
	return ok
}

// MaxPageSize bounds the page size asked of any transport
const MaxPageSize = 1000

// ListMessages returns one page from the first transport that works.
// Transport failures fall through; a revoked credential is returned at once.
func (c *Chain) ListMessages(ctx context.Context, account *models.Account, folder string, top, skip int) (*models.MessagePage, error) {
	top = min(max(top, 0), MaxPageSize)
	skip = max(skip, 0)

	var page *models.MessagePage
	method, err := c.attempt(ctx, account, "list", c.candidates(account), func(ctx context.Context, t Transport, s Session) error {
		p, err := t.List(ctx, s, folder, top, skip)
		page = p
		return err
	})
	if err != nil {
		return nil, err
	}
	page.Method = string(method)
	return page, nil
}

// FetchDetail returns a full message. NotFound is surfaced without fallback.
func (c *Chain) FetchDetail(ctx context.Context, account *models.Account, folder, id string) (*models.MessageDetail, error) {
	var detail *models.MessageDetail
	_, err := c.attempt(ctx, account, "fetch", c.candidates(account), func(ctx context.Context, t Transport, s Session) error {
		d, err := t.FetchDetail(ctx, s, folder, id)
		detail = d
		return err
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// FetchDetailVia fetches through a specific transport, for ids that only
// that transport understands.
func (c *Chain) FetchDetailVia(ctx context.Context, account *models.Account, method Method, folder, id string) (*models.MessageDetail, error) {
	var t Transport
	for _, tr := range c.transports {
		if tr.Method() == method {
			t = tr
			break
		}
	}
	if t == nil {
		return c.FetchDetail(ctx, account, folder, id)
	}

	var detail *models.MessageDetail
	_, err := c.attempt(ctx, account, "fetch", []Transport{t}, func(ctx context.Context, t Transport, s Session) error {
		d, err := t.FetchDetail(ctx, s, folder, id)
		detail = d
		return err
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}
