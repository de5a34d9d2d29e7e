package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mixelka/mailsync/pkg/models"
)

const accountColumns = `email, password, client_id, refresh_token, access_token, token_expires_at,
	graph_enabled, imap_enabled, pop3_enabled, status, last_synced, last_refresh_at,
	refresh_status, unread_count, last_error, auth_revoked_for, group_id, remark`

// CreateAccount inserts a new account
func (db *DB) CreateAccount(ctx context.Context, a *models.Account) error {
	if a.Status == "" {
		a.Status = models.StatusActive
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	query := `INSERT INTO accounts (` + accountColumns + `, created_at, updated_at)
		VALUES (:email, :password, :client_id, :refresh_token, :access_token, :token_expires_at,
			:graph_enabled, :imap_enabled, :pop3_enabled, :status, :last_synced, :last_refresh_at,
			:refresh_status, :unread_count, :last_error, :auth_revoked_for, :group_id, :remark, :created_at, :updated_at)`
	result, err := db.NamedExecContext(ctx, query, a)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	a.ID = id
	return nil
}

// GetAccount returns an account by ID
func (db *DB) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	var a models.Account
	err := db.GetContext(ctx, &a, `SELECT * FROM accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

// ListAccounts returns every account ordered by ID
func (db *DB) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	if err := db.SelectContext(ctx, &accounts, `SELECT * FROM accounts ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// LoadDueAccounts returns the non-disabled accounts of the given groups,
// oldest sync first. Due filtering by interval is left to the scheduler.
func (db *DB) LoadDueAccounts(ctx context.Context, groups []*models.Group) ([]*models.Account, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}

	query, args, err := sqlx.In(`
		SELECT * FROM accounts
		WHERE group_id IN (?) AND status != ?
		ORDER BY last_synced IS NOT NULL, last_synced, id`, ids, models.StatusDisabled)
	if err != nil {
		return nil, fmt.Errorf("failed to build due query: %w", err)
	}

	var accounts []*models.Account
	if err := db.SelectContext(ctx, &accounts, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load due accounts: %w", err)
	}
	return accounts, nil
}

// SaveAccount writes every mutable field of an account
func (db *DB) SaveAccount(ctx context.Context, a *models.Account) error {
	a.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE accounts SET
			email = :email, password = :password, client_id = :client_id,
			refresh_token = :refresh_token, access_token = :access_token, token_expires_at = :token_expires_at,
			graph_enabled = :graph_enabled, imap_enabled = :imap_enabled, pop3_enabled = :pop3_enabled,
			status = :status, last_synced = :last_synced, last_refresh_at = :last_refresh_at,
			refresh_status = :refresh_status, unread_count = :unread_count, last_error = :last_error, auth_revoked_for = :auth_revoked_for,
			group_id = :group_id, remark = :remark, updated_at = :updated_at
		WHERE id = :id`
	result, err := db.NamedExecContext(ctx, query, a)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("account %d: %w", a.ID, ErrNotFound)
	}
	return nil
}
