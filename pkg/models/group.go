package models

import (
	"fmt"
	"time"
)

// Group holds a shared proxy and the scheduling policy for its accounts
type Group struct {
	ID                   int64     `db:"id" json:"id"`
	Name                 string    `db:"name" json:"name"`
	ProxyURL             string    `db:"proxy_url" json:"proxy_url,omitempty"` // http, https, socks5 or socks5h
	AutoSync             bool      `db:"auto_sync" json:"auto_sync"`
	SyncIntervalMinutes  int       `db:"sync_interval_minutes" json:"sync_interval_minutes"`
	SyncBatchSize        int       `db:"sync_batch_size" json:"sync_batch_size"`
	AutoRefreshToken     bool      `db:"auto_refresh_token" json:"auto_refresh_token"`
	RefreshIntervalHours int       `db:"refresh_interval_hours" json:"refresh_interval_hours"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
}

// Validate checks the policy invariants
func (g *Group) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("group name is required")
	}
	if g.SyncIntervalMinutes <= 0 {
		return fmt.Errorf("sync interval must be positive, got %d", g.SyncIntervalMinutes)
	}
	if g.SyncBatchSize <= 0 {
		return fmt.Errorf("sync batch size must be positive, got %d", g.SyncBatchSize)
	}
	if g.AutoRefreshToken && g.RefreshIntervalHours <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %d", g.RefreshIntervalHours)
	}
	return nil
}

// SyncInterval returns the configured interval or fallback when unset
func (g *Group) SyncInterval(fallback time.Duration) time.Duration {
	if g.SyncIntervalMinutes <= 0 {
		return fallback
	}
	return time.Duration(g.SyncIntervalMinutes) * time.Minute
}

// BatchSize returns the configured batch size or fallback when unset
func (g *Group) BatchSize(fallback int) int {
	if g.SyncBatchSize <= 0 {
		return fallback
	}
	return g.SyncBatchSize
}

// RefreshInterval returns the token keep-alive interval
func (g *Group) RefreshInterval() time.Duration {
	if g.RefreshIntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(g.RefreshIntervalHours) * time.Hour
}
