package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/mailsync/pkg/models"
)

// CreateGroup validates and inserts a group
func (db *DB) CreateGroup(ctx context.Context, g *models.Group) error {
	if err := g.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO groups (name, proxy_url, auto_sync, sync_interval_minutes, sync_batch_size, auto_refresh_token, refresh_interval_hours, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query,
		g.Name, g.ProxyURL, g.AutoSync, g.SyncIntervalMinutes, g.SyncBatchSize,
		g.AutoRefreshToken, g.RefreshIntervalHours, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	g.ID = id
	g.CreatedAt = now
	return nil
}

// GetGroup returns a group by ID
func (db *DB) GetGroup(ctx context.Context, id int64) (*models.Group, error) {
	var g models.Group
	err := db.GetContext(ctx, &g, `SELECT * FROM groups WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return &g, nil
}

// ListGroups returns every group ordered by ID
func (db *DB) ListGroups(ctx context.Context) ([]*models.Group, error) {
	var groups []*models.Group
	if err := db.SelectContext(ctx, &groups, `SELECT * FROM groups ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return groups, nil
}
