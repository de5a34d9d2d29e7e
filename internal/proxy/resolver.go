// Package proxy resolves the outbound route of a group and checks that it works.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mixelka/mailsync/internal/logging"
	"github.com/mixelka/mailsync/pkg/models"
)

// GroupSource looks up groups by id
type GroupSource interface {
	GetGroup(ctx context.Context, id int64) (*models.Group, error)
}

// TestResult is the outcome of a reachability check
type TestResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Resolver maps accounts and groups to routes
type Resolver struct {
	groups      GroupSource
	testURL     string
	testTimeout time.Duration
	logger      *slog.Logger
}

// NewResolver creates a resolver. testURL is fetched by Test.
func NewResolver(groups GroupSource, testURL string, testTimeout time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{
		groups:      groups,
		testURL:     testURL,
		testTimeout: testTimeout,
		logger:      logging.Component(logger, "proxy"),
	}
}

// Parse validates a proxy URL. An empty string yields the direct route.
func Parse(raw string) (*Route, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Direct, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("proxy URL missing host")
	}
	return &Route{URL: u}, nil
}

// Resolve returns the route for a group. A nil group is direct.
func (r *Resolver) Resolve(group *models.Group) (*Route, error) {
	if group == nil {
		return Direct, nil
	}
	return Parse(group.ProxyURL)
}

// ForAccount returns the route of the account's group
func (r *Resolver) ForAccount(ctx context.Context, account *models.Account) (*Route, error) {
	if account.GroupID == nil {
		return Direct, nil
	}
	group, err := r.groups.GetGroup(ctx, *account.GroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load group %d: %w", *account.GroupID, err)
	}
	return r.Resolve(group)
}

// Test performs one bounded request through the group's proxy
func (r *Resolver) Test(ctx context.Context, group *models.Group) TestResult {
	route, err := r.Resolve(group)
	if err != nil {
		return TestResult{Message: err.Error()}
	}
	if route.IsDirect() {
		return TestResult{Message: "no proxy configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, r.testTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.testURL, nil)
	if err != nil {
		return TestResult{Message: fmt.Sprintf("failed to create request: %v", err)}
	}

	start := time.Now()
	resp, err := route.HTTPClient(r.testTimeout).Do(req)
	if err != nil {
		r.logger.Warn("proxy test failed", "proxy", route.String(), logging.Err(err))
		return TestResult{Message: fmt.Sprintf("proxy unreachable: %v", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	elapsed := time.Since(start).Round(time.Millisecond)
	r.logger.Info("proxy test succeeded", "proxy", route.String(), "status", resp.StatusCode, logging.KeyDuration, elapsed)
	return TestResult{OK: true, Message: fmt.Sprintf("reachable (HTTP %d, %s)", resp.StatusCode, elapsed)}
}
