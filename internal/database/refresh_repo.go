package database

import (
	"context"
	"fmt"
	"time"

	"github.com/mixelka/mailsync/pkg/models"
)

// SaveRefreshLog appends one entry to the refresh history
func (db *DB) SaveRefreshLog(ctx context.Context, l *models.RefreshLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	result, err := db.NamedExecContext(ctx, `
		INSERT INTO refresh_logs (account_id, account_email, refresh_type, status, error_message, created_at)
		VALUES (:account_id, :account_email, :refresh_type, :status, :error_message, :created_at)`, l)
	if err != nil {
		return fmt.Errorf("failed to save refresh log: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	l.ID = id
	return nil
}

// PruneRefreshLogs deletes entries older than before
func (db *DB) PruneRefreshLogs(ctx context.Context, before time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM refresh_logs WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune refresh logs: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// RefreshLogs returns one page of the history since the given time, newest
// first, with the total number of matching entries.
func (db *DB) RefreshLogs(ctx context.Context, since time.Time, limit, offset int) ([]models.RefreshLog, int, error) {
	var total int
	if err := db.GetContext(ctx, &total, `SELECT COUNT(*) FROM refresh_logs WHERE created_at >= ?`, since.UTC()); err != nil {
		return nil, 0, fmt.Errorf("failed to count refresh logs: %w", err)
	}

	var logs []models.RefreshLog
	err := db.SelectContext(ctx, &logs, `
		SELECT * FROM refresh_logs
		WHERE created_at >= ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, since.UTC(), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get refresh logs: %w", err)
	}
	return logs, total, nil
}

// RefreshStats counts accounts with a refresh token by refresh status
func (db *DB) RefreshStats(ctx context.Context) (*models.RefreshStats, error) {
	var row struct {
		Total   int `db:"total"`
		Success int `db:"success"`
		Failed  int `db:"failed"`
	}
	err := db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS total,
			COALESCE(SUM(refresh_status = ?), 0) AS success,
			COALESCE(SUM(refresh_status = ?), 0) AS failed
		FROM accounts
		WHERE refresh_token != ''`, models.RefreshSuccess, models.RefreshFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh stats: %w", err)
	}
	return &models.RefreshStats{
		Total:   row.Total,
		Success: row.Success,
		Failed:  row.Failed,
		Unknown: row.Total - row.Success - row.Failed,
	}, nil
}

// FailedRefreshAccounts returns accounts whose last refresh failed
func (db *DB) FailedRefreshAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	err := db.SelectContext(ctx, &accounts, `
		SELECT * FROM accounts
		WHERE refresh_token != '' AND refresh_status = ?
		ORDER BY id`, models.RefreshFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed refreshes: %w", err)
	}
	return accounts, nil
}
