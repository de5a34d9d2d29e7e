package database

import (
	"context"
	"fmt"
	"time"

	"github.com/mixelka/mailsync/pkg/models"
)

// SaveMessages stores message summaries, ignoring ones already known.
// It returns how many were new.
func (db *DB) SaveMessages(ctx context.Context, accountID int64, folder string, msgs []models.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT OR IGNORE INTO messages (account_id, folder, message_id, subject, from_addr, from_name, received_at, is_read, preview, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := 0
	for _, m := range msgs {
		result, err := stmt.ExecContext(ctx, accountID, folder, m.ID, m.Subject, m.From.Address, m.From.Name, m.ReceivedAt.UTC(), m.IsRead, m.Preview, now)
		if err != nil {
			return 0, fmt.Errorf("failed to insert message %s: %w", m.ID, err)
		}
		if n, err := result.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit messages: %w", err)
	}
	return inserted, nil
}

type messageRow struct {
	models.Message
	FromAddr string `db:"from_addr"`
	FromName string `db:"from_name"`
}

// RecentMessages returns stored summaries of a folder, newest first
func (db *DB) RecentMessages(ctx context.Context, accountID int64, folder string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []messageRow
	err := db.SelectContext(ctx, &rows, `
		SELECT message_id, subject, from_addr, from_name, received_at, is_read, preview
		FROM messages
		WHERE account_id = ? AND folder = ?
		ORDER BY received_at DESC
		LIMIT ?`, accountID, folder, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	out := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		m := r.Message
		m.From = models.Address{Name: r.FromName, Address: r.FromAddr}
		out = append(out, m)
	}
	return out, nil
}
