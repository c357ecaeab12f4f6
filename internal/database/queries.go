package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"raceroom/internal/models"
)

const actionColumns = `tx_hash, kind, room_id, account, status, error_message, submitted_at, updated_at`

// RecordAction journals a submitted action. Recording the same transaction
// twice keeps the first row.
func (db *DB) RecordAction(ctx context.Context, action *models.ActionRecord) error {
	now := time.Now().UTC()
	if action.SubmittedAt.IsZero() {
		action.SubmittedAt = now
	}
	if action.UpdatedAt.IsZero() {
		action.UpdatedAt = action.SubmittedAt
	}

	query := db.Rebind(`
		INSERT INTO actions (` + actionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tx_hash) DO NOTHING
	`)
	_, err := db.ExecContext(ctx, query,
		action.TxHash,
		action.Kind,
		action.RoomID,
		action.Account,
		action.Status,
		action.ErrorMessage,
		action.SubmittedAt.UTC(),
		action.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record action %s: %w", action.TxHash, err)
	}
	return nil
}

// UpdateActionStatus sets the outcome of a journaled action. A terminal
// status is never overwritten.
func (db *DB) UpdateActionStatus(ctx context.Context, txHash string, status models.TxStatus, errMsg *string) error {
	query := db.Rebind(`
		UPDATE actions
		SET status = ?, error_message = ?, updated_at = ?
		WHERE tx_hash = ? AND status = ?
	`)
	_, err := db.ExecContext(ctx, query, status, errMsg, time.Now().UTC(), txHash, models.TxStatusPending)
	if err != nil {
		return fmt.Errorf("failed to update action %s: %w", txHash, err)
	}
	return nil
}

// GetAction retrieves a journaled action by transaction hash
func (db *DB) GetAction(ctx context.Context, txHash string) (*models.ActionRecord, error) {
	var action models.ActionRecord
	query := db.Rebind(`SELECT ` + actionColumns + ` FROM actions WHERE tx_hash = ?`)
	err := db.GetContext(ctx, &action, query, txHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &action, nil
}

// ListActionsByAccount retrieves an account's actions, newest first
func (db *DB) ListActionsByAccount(ctx context.Context, account string, limit, offset int) ([]models.ActionRecord, error) {
	return db.listActions(ctx, "account", account, limit, offset)
}

// ListActionsByRoom retrieves a room's actions, newest first
func (db *DB) ListActionsByRoom(ctx context.Context, roomID string, limit, offset int) ([]models.ActionRecord, error) {
	return db.listActions(ctx, "room_id", roomID, limit, offset)
}

// ListPendingActions retrieves actions without an outcome, oldest first
func (db *DB) ListPendingActions(ctx context.Context) ([]models.ActionRecord, error) {
	actions := []models.ActionRecord{}
	query := db.Rebind(`
		SELECT ` + actionColumns + `
		FROM actions
		WHERE status = ?
		ORDER BY submitted_at ASC
	`)
	err := db.SelectContext(ctx, &actions, query, models.TxStatusPending)
	return actions, err
}

// column is always one of the fixed names above
func (db *DB) listActions(ctx context.Context, column, value string, limit, offset int) ([]models.ActionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	actions := []models.ActionRecord{}
	query := db.Rebind(`
		SELECT ` + actionColumns + `
		FROM actions
		WHERE ` + column + ` = ?
		ORDER BY submitted_at DESC
		LIMIT ? OFFSET ?
	`)
	err := db.SelectContext(ctx, &actions, query, value, limit, offset)
	return actions, err
}

// CountActionsByStatus returns the number of journaled actions per status
func (db *DB) CountActionsByStatus(ctx context.Context) (map[models.TxStatus]int, error) {
	rows, err := db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM actions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCounts(rows)
}

func scanCounts(rows *sqlx.Rows) (map[models.TxStatus]int, error) {
	counts := make(map[models.TxStatus]int)
	for rows.Next() {
		var status models.TxStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
