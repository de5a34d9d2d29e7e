package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/mixelka/mailsync/internal/apperr"
	"github.com/mixelka/mailsync/internal/retry"
)

const (
	grantRefreshToken = "refresh_token"
	grantDeviceCode   = "urn:ietf:params:oauth:grant-type:device_code"

	defaultExpiresIn = 3600 * time.Second
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorURI         string `json:"error_uri"`
}

// postToken performs one form POST against the token endpoint.
// Non-2xx answers are classified: 429 is a ThrottleError, 5xx is
// Unavailable, any other status is RevokedCredential carrying the
// provider's error code.
func (m *Manager) postToken(ctx context.Context, client *http.Client, form url.Values) (*oauth2.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &apperr.AuthError{Kind: apperr.Unavailable, Err: fmt.Errorf("token request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &apperr.AuthError{Kind: apperr.Unavailable, Err: fmt.Errorf("failed to read token response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyTokenError(&oauth2.RetrieveError{Response: resp, Body: body})
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &apperr.AuthError{Kind: apperr.Unavailable, Err: fmt.Errorf("failed to decode token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return nil, &apperr.AuthError{Kind: apperr.Unavailable, Err: errors.New("token response missing access_token")}
	}

	expiresIn := time.Duration(tr.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}
	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
		Expiry:       m.now().Add(expiresIn),
	}
	return tok.WithExtra(map[string]any{"scope": tr.Scope}), nil
}

// classifyTokenError maps an endpoint rejection onto the error taxonomy
func classifyTokenError(re *oauth2.RetrieveError) error {
	if re.ErrorCode == "" {
		var er errorResponse
		if json.Unmarshal(re.Body, &er) == nil {
			re.ErrorCode = er.Error
			re.ErrorDescription = er.ErrorDescription
			re.ErrorURI = er.ErrorURI
		}
	}

	status := 0
	var header http.Header
	if re.Response != nil {
		status = re.Response.StatusCode
		header = re.Response.Header
	}

	switch {
	case status == http.StatusTooManyRequests || re.ErrorCode == "temporarily_unavailable" && status < 500:
		return &apperr.ThrottleError{RetryAfter: retry.ParseRetryAfter(header.Get("Retry-After"), time.Now()), Err: re}
	case status == 0 || status >= 500:
		return &apperr.AuthError{Kind: apperr.Unavailable, Code: re.ErrorCode, Err: re}
	default:
		code := re.ErrorCode
		if code == "" {
			code = fmt.Sprintf("http_%d", status)
		}
		return apperr.Revoked(code, re)
	}
}
