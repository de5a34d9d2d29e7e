package email

import (
	"context"
	"strings"
	"time"

	"github.com/mixelka/mailsync/internal/apperr"
	"github.com/mixelka/mailsync/internal/graph"
	"github.com/mixelka/mailsync/internal/parser"
	"github.com/mixelka/mailsync/pkg/models"
)

// GraphTransport reads mail through Microsoft Graph
type GraphTransport struct {
	baseURL string
	timeout time.Duration
}

// NewGraphTransport creates the cloud API transport
func NewGraphTransport(baseURL string, timeout time.Duration) *GraphTransport {
	return &GraphTransport{baseURL: baseURL, timeout: timeout}
}

func (t *GraphTransport) Method() Method            { return MethodGraph }
func (t *GraphTransport) Protocol() models.Protocol { return models.ProtocolGraph }

func (t *GraphTransport) client(s Session) *graph.Client {
	return graph.NewClient(graph.Config{
		BaseURL:     t.baseURL,
		AccessToken: s.Cred.Token,
		HTTPClient:  s.Route.HTTPClient(t.timeout),
	})
}

func graphFolder(folder string) string {
	if folder == "" {
		return "inbox"
	}
	return folder
}

// Probe reads the inbox counters
func (t *GraphTransport) Probe(ctx context.Context, s Session) error {
	if _, err := t.client(s).MailFolder(ctx, "inbox"); err != nil {
		return apperr.Transport(string(MethodGraph), "probe", err)
	}
	return nil
}

// List returns one page of the folder. Unread comes from the folder
// counters; when those are unavailable the page itself is counted.
func (t *GraphTransport) List(ctx context.Context, s Session, folder string, top, skip int) (*models.MessagePage, error) {
	c := t.client(s)
	folder = graphFolder(folder)

	list, err := c.ListMessages(ctx, folder, top, skip)
	if err != nil {
		return nil, apperr.Transport(string(MethodGraph), "list", err)
	}

	page := &models.MessagePage{Total: list.Count, Messages: make([]models.Message, 0, len(list.Value))}
	unreadInPage := 0
	for _, m := range list.Value {
		msg := models.Message{
			ID:         m.ID,
			Subject:    m.Subject,
			ReceivedAt: m.ReceivedDateTime,
			IsRead:     m.IsRead,
			Preview:    m.BodyPreview,
		}
		if m.From != nil {
			msg.From = models.Address{Name: m.From.EmailAddress.Name, Address: m.From.EmailAddress.Address}
		}
		if !m.IsRead {
			unreadInPage++
		}
		page.Messages = append(page.Messages, msg)
	}
	if page.Total < len(page.Messages) {
		page.Total = len(page.Messages) + skip
	}

	if f, err := c.MailFolder(ctx, folder); err == nil {
		page.Unread = f.UnreadItemCount
	} else {
		page.Unread = unreadInPage
	}
	return page, nil
}

// FetchDetail returns the full message
func (t *GraphTransport) FetchDetail(ctx context.Context, s Session, folder, id string) (*models.MessageDetail, error) {
	m, err := t.client(s).GetMessage(ctx, id)
	if err != nil {
		return nil, apperr.Transport(string(MethodGraph), "fetch", err)
	}

	d := &models.MessageDetail{
		Message: models.Message{
			ID:         m.ID,
			Subject:    m.Subject,
			ReceivedAt: m.ReceivedDateTime,
			IsRead:     m.IsRead,
		},
		HasAttachments: m.HasAttachments,
	}
	if m.From != nil {
		d.From = models.Address{Name: m.From.EmailAddress.Name, Address: m.From.EmailAddress.Address}
	}
	for _, r := range m.ToRecipients {
		d.To = append(d.To, models.Address{Name: r.EmailAddress.Name, Address: r.EmailAddress.Address})
	}
	if m.Body != nil {
		if strings.EqualFold(m.Body.ContentType, "html") {
			d.BodyHTML = m.Body.Content
			d.BodyText, _ = parser.HTMLToText(m.Body.Content)
		} else {
			d.BodyText = m.Body.Content
		}
	}
	d.Preview = parser.Preview(d.BodyText, false, 0)
	return d, nil
}
