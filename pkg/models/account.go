package models

import "time"

// AccountStatus lifecycle state of an account
type AccountStatus string

const (
	StatusActive   AccountStatus = "active"
	StatusError    AccountStatus = "error"
	StatusSyncing  AccountStatus = "syncing"
	StatusDisabled AccountStatus = "disabled"
)

// Account represents a managed mailbox and its credential set
type Account struct {
	ID             int64         `db:"id" json:"id"`
	Email          string        `db:"email" json:"email"`
	Password       string        `db:"password" json:"-"`
	ClientID       string        `db:"client_id" json:"client_id"`
	RefreshToken   string        `db:"refresh_token" json:"-"`
	AccessToken    string        `db:"access_token" json:"-"`
	TokenExpiresAt *time.Time    `db:"token_expires_at" json:"token_expires_at,omitempty"`
	GraphEnabled   Capability    `db:"graph_enabled" json:"graph_enabled"`
	IMAPEnabled    Capability    `db:"imap_enabled" json:"imap_enabled"`
	POP3Enabled    Capability    `db:"pop3_enabled" json:"pop3_enabled"`
	Status         AccountStatus `db:"status" json:"status"`
	LastSynced     *time.Time    `db:"last_synced" json:"last_synced,omitempty"`
	LastRefreshAt  *time.Time    `db:"last_refresh_at" json:"last_refresh_at,omitempty"`
	RefreshStatus  RefreshStatus `db:"refresh_status" json:"refresh_status,omitempty"`
	UnreadCount    int           `db:"unread_count" json:"unread_count"`
	LastError      string        `db:"last_error" json:"last_error,omitempty"`
	AuthRevokedFor string        `db:"auth_revoked_for" json:"-"` // fingerprint of the refresh token the provider rejected
	GroupID        *int64        `db:"group_id" json:"group_id,omitempty"`
	Remark         string        `db:"remark" json:"remark,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// Capabilities returns the current capability flags
func (a *Account) Capabilities() Capabilities {
	return Capabilities{
		Graph: a.GraphEnabled,
		IMAP:  a.IMAPEnabled,
		POP3:  a.POP3Enabled,
	}
}

// SetCapability updates the flag for a single protocol
func (a *Account) SetCapability(p Protocol, c Capability) {
	switch p {
	case ProtocolGraph:
		a.GraphEnabled = c
	case ProtocolIMAP:
		a.IMAPEnabled = c
	case ProtocolPOP3:
		a.POP3Enabled = c
	}
}

// Capability returns the flag for a single protocol
func (a *Account) Capability(p Protocol) Capability {
	switch p {
	case ProtocolGraph:
		return a.GraphEnabled
	case ProtocolIMAP:
		return a.IMAPEnabled
	case ProtocolPOP3:
		return a.POP3Enabled
	}
	return CapUnknown
}

// IdleSince returns how long ago the account was last synced.
// Accounts that never synced report ok=false.
func (a *Account) IdleSince(now time.Time) (d time.Duration, ok bool) {
	if a.LastSynced == nil || a.LastSynced.IsZero() {
		return 0, false
	}
	return now.Sub(*a.LastSynced), true
}

// MarkFailed flips the account to error with a readable reason
func (a *Account) MarkFailed(reason string) {
	a.Status = StatusError
	a.LastError = reason
}
