package models

import "time"

// Address is a mailbox address with an optional display name
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Message is a message summary as returned by list operations
type Message struct {
	ID         string    `db:"message_id" json:"id"` // transport-native id: Graph id, IMAP UID, POP3 UIDL
	Subject    string    `db:"subject" json:"subject"`
	From       Address   `db:"-" json:"from"`
	ReceivedAt time.Time `db:"received_at" json:"received_at"`
	IsRead     bool      `db:"is_read" json:"is_read"`
	Preview    string    `db:"preview" json:"preview,omitempty"`
}

// MessageDetail is a full message
type MessageDetail struct {
	Message
	To             []Address `json:"to,omitempty"`
	BodyHTML       string    `json:"body_html,omitempty"`
	BodyText       string    `json:"body_text,omitempty"`
	HasAttachments bool      `json:"has_attachments"`
}

// MessagePage is one page of a folder listing
type MessagePage struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
	Unread   int       `json:"unread"`
	Method   string    `json:"method"` // transport that served the request
}
