package models

import "time"

// RefreshStatus is the outcome of the last explicit token refresh.
// The empty value means the account was never refreshed that way.
type RefreshStatus string

const (
	RefreshUnknown RefreshStatus = ""
	RefreshSuccess RefreshStatus = "success"
	RefreshFailed  RefreshStatus = "failed"
)

// RefreshKind tells what triggered a refresh
type RefreshKind string

const (
	RefreshManual RefreshKind = "manual" // operator-wide refresh
	RefreshRetry  RefreshKind = "retry"  // retry of a failed account
	RefreshAuto   RefreshKind = "auto"   // group keep-alive
)

// RefreshLog is one entry of the refresh history
type RefreshLog struct {
	ID           int64         `db:"id" json:"id"`
	AccountID    int64         `db:"account_id" json:"account_id"`
	AccountEmail string        `db:"account_email" json:"account_email"`
	Kind         RefreshKind   `db:"refresh_type" json:"refresh_type"`
	Status       RefreshStatus `db:"status" json:"status"`
	Error        string        `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
}

// RefreshStats counts accounts holding a refresh token by refresh status
type RefreshStats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Unknown int `json:"unknown"`
}
