package email

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/mixelka/mailsync/internal/parser"
	"github.com/mixelka/mailsync/pkg/models"
)

// parsedMessage is a decoded RFC 5322 message
type parsedMessage struct {
	Subject        string
	From           models.Address
	To             []models.Address
	Date           time.Time
	BodyHTML       string
	BodyText       string
	HasAttachments bool
}

// parseMessage decodes headers and, unless headersOnly, the first text/html
// and text/plain parts. Unknown charsets are tolerated.
func parseMessage(r io.Reader, headersOnly bool) (*parsedMessage, error) {
	mr, err := mail.CreateReader(r)
	if mr == nil {
		return nil, err
	}
	defer mr.Close()

	out := &parsedMessage{}
	out.Subject, _ = mr.Header.Subject()
	out.Date, _ = mr.Header.Date()
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		out.From = models.Address{Name: from[0].Name, Address: from[0].Address}
	}
	if to, err := mr.Header.AddressList("To"); err == nil {
		for _, a := range to {
			out.To = append(out.To, models.Address{Name: a.Name, Address: a.Address})
		}
	}
	if headersOnly {
		return out, nil
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			if strings.HasPrefix(ct, "text/html") && out.BodyHTML == "" {
				out.BodyHTML = string(body)
			} else if (ct == "" || strings.HasPrefix(ct, "text/plain")) && out.BodyText == "" {
				out.BodyText = string(body)
			}
		case *mail.AttachmentHeader:
			out.HasAttachments = true
		}
	}

	if out.BodyText == "" && out.BodyHTML != "" {
		out.BodyText, _ = parser.HTMLToText(out.BodyHTML)
	}
	return out, nil
}

func (p *parsedMessage) preview() string {
	if p.BodyText != "" {
		return parser.Preview(p.BodyText, false, 0)
	}
	return parser.Preview(p.BodyHTML, true, 0)
}
