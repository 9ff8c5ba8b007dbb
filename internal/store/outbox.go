package store

import "time"

// QueueReceipt adds a view receipt to the delivery outbox.
func (db *DB) QueueReceipt(outboxID string, r ViewReceipt) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO receipt_outbox (outbox_id, message_id, room_id, author_id, position, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)`,
		outboxID, r.MessageID, r.RoomID, r.AuthorID, r.Position, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(outboxID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE receipt_outbox SET status = 'sending', updated_at = ? WHERE outbox_id = ?`, now, outboxID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent'.
func (db *DB) MarkOutboxSent(outboxID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE receipt_outbox SET status = 'sent', updated_at = ? WHERE outbox_id = ?`, now, outboxID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(outboxID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE receipt_outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE outbox_id = ?`, errMsg, now, outboxID)
	return err
}

// PendingOutbox returns outbox entries that are still queued.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, outbox_id, message_id, room_id, author_id, position, status, error_message
		FROM receipt_outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.OutboxID, &e.MessageID, &e.RoomID, &e.AuthorID, &e.Position, &e.Status, &e.ErrorMessage); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// OutboxCounts returns the number of outbox entries per status.
func (db *DB) OutboxCounts() (map[string]int64, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM receipt_outbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
