package store

import (
	"context"
	"database/sql"
	"time"
)

// RecordViewReceipt persists that a confidential message was revealed.
// Recording the same message twice keeps the first record.
func (db *DB) RecordViewReceipt(ctx context.Context, r ViewReceipt) error {
	if r.ReceiptedAt == 0 {
		r.ReceiptedAt = time.Now().UnixMilli()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO view_receipts (message_id, room_id, author_id, position, receipted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		r.MessageID, r.RoomID, r.AuthorID, r.Position, r.ReceiptedAt)
	return err
}

// PendingViewReceipts returns receipts whose message has not been deleted yet.
func (db *DB) PendingViewReceipts(ctx context.Context) ([]ViewReceipt, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT message_id, room_id, author_id, position, receipted_at
		FROM view_receipts WHERE deleted_at IS NULL ORDER BY receipted_at ASC, message_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ViewReceipt
	for rows.Next() {
		var r ViewReceipt
		if err := rows.Scan(&r.MessageID, &r.RoomID, &r.AuthorID, &r.Position, &r.ReceiptedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetViewReceipt returns the receipt for a message, or nil if none was recorded.
func (db *DB) GetViewReceipt(ctx context.Context, messageID string) (*ViewReceipt, error) {
	var r ViewReceipt
	var deletedAt sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT message_id, room_id, author_id, position, receipted_at, deleted_at
		FROM view_receipts WHERE message_id = ?`, messageID).
		Scan(&r.MessageID, &r.RoomID, &r.AuthorID, &r.Position, &r.ReceiptedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.DeletedAt = deletedAt.Int64
	return &r, nil
}
