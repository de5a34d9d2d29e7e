// Package graph is a minimal Microsoft Graph mail client.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mixelka/mailsync/internal/apperr"
	"github.com/mixelka/mailsync/internal/retry"
)

// DefaultBaseURL is the Graph v1.0 endpoint
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

const (
	listSelect   = "id,subject,from,receivedDateTime,isRead,bodyPreview"
	detailSelect = "id,subject,from,toRecipients,receivedDateTime,isRead,body,hasAttachments"
)

// Client is a Graph API client bound to one access token
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// Config for Graph client
type Config struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client // carries the group proxy and timeout
}

// EmailAddress is a Graph emailAddress object
type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Recipient is a Graph recipient
type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

// ItemBody is a message body
type ItemBody struct {
	ContentType string `json:"contentType"` // "html" or "text"
	Content     string `json:"content"`
}

// Message is a Graph message resource
type Message struct {
	ID               string      `json:"id"`
	Subject          string      `json:"subject"`
	From             *Recipient  `json:"from"`
	ToRecipients     []Recipient `json:"toRecipients"`
	ReceivedDateTime time.Time   `json:"receivedDateTime"`
	IsRead           bool        `json:"isRead"`
	BodyPreview      string      `json:"bodyPreview"`
	Body             *ItemBody   `json:"body"`
	HasAttachments   bool        `json:"hasAttachments"`
}

// MessageList is one page of messages
type MessageList struct {
	Count    int       `json:"@odata.count"`
	Value    []Message `json:"value"`
	NextLink string    `json:"@odata.nextLink"`
}

// MailFolder carries folder counters
type MailFolder struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName"`
	TotalItemCount  int    `json:"totalItemCount"`
	UnreadItemCount int    `json:"unreadItemCount"`
}

// APIError is a non-2xx Graph response
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error: %s: %s (status %d)", e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("API error: %s (status %d)", e.Message, e.StatusCode)
}

// NewClient creates a new Graph client
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		accessToken: cfg.AccessToken,
		httpClient:  cfg.HTTPClient,
	}
}

// ListMessages returns messages of a folder, newest first
func (c *Client) ListMessages(ctx context.Context, folder string, top, skip int) (*MessageList, error) {
	q := url.Values{}
	q.Set("$top", strconv.Itoa(top))
	q.Set("$skip", strconv.Itoa(skip))
	q.Set("$select", listSelect)
	q.Set("$orderby", "receivedDateTime desc")
	q.Set("$count", "true")

	var out MessageList
	if err := c.get(ctx, "/me/mailFolders/"+url.PathEscape(folder)+"/messages", q, &out); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return &out, nil
}

// GetMessage returns a single message with its body
func (c *Client) GetMessage(ctx context.Context, id string) (*Message, error) {
	q := url.Values{}
	q.Set("$select", detailSelect)

	var out Message
	if err := c.get(ctx, "/me/messages/"+url.PathEscape(id), q, &out); err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &out, nil
}

// MailFolder returns folder counters. Used as the capability probe.
func (c *Client) MailFolder(ctx context.Context, folder string) (*MailFolder, error) {
	var out MailFolder
	if err := c.get(ctx, "/me/mailFolders/"+url.PathEscape(folder), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get mail folder: %w", err)
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("ConsistencyLevel", "eventual")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return responseError(resp, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func responseError(resp *http.Response, body []byte) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error.Code != "" {
		apiErr.Code = payload.Error.Code
		apiErr.Message = payload.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", apperr.ErrNotFound, apiErr)
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		if resp.StatusCode == http.StatusTooManyRequests || resp.Header.Get("Retry-After") != "" {
			return &apperr.ThrottleError{
				RetryAfter: retry.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
				Err:        apiErr,
			}
		}
	}
	return apiErr
}

// IsUnauthorized reports whether err is a 401/403 from Graph
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden)
}
