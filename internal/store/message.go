package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"
)

const messageColumns = `id, room_id, author_id, sent_at, order_key, kind, body, ephemeral, is_mine`

// nextRev counts past the revs of deleted rows too, so a rev is never reused.
const nextRev = `(SELECT COALESCE(MAX(rev), 0) + 1 FROM (
	SELECT MAX(rev) AS rev FROM messages UNION ALL SELECT MAX(rev) FROM message_deletions))`

const upsertMessage = `
	INSERT INTO messages (id, room_id, author_id, sent_at, order_key, kind, body, ephemeral, is_mine, rev, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ` + nextRev + `, ?)
	ON CONFLICT(id) DO UPDATE SET
		author_id = excluded.author_id,
		sent_at = excluded.sent_at,
		kind = excluded.kind,
		body = excluded.body,
		ephemeral = excluded.ephemeral,
		rev = excluded.rev`

// UpsertMessage inserts or updates a message (idempotent on id). The order
// key of an existing row never changes. Every write bumps the row's rev so
// other processes can pick the change up.
func (db *DB) UpsertMessage(m *Message) error {
	if m.Kind == "" {
		m.Kind = KindText
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(upsertMessage,
		m.ID, m.RoomID, m.AuthorID, m.SentAt, m.OrderKey, string(m.Kind), m.Body,
		boolInt(m.Ephemeral), boolInt(m.IsMine), now)
	return err
}

// UpsertMessages writes a batch of messages in one transaction, creating
// rooms that do not exist yet.
func (db *DB) UpsertMessages(ctx context.Context, msgs []Message) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for i := range msgs {
		m := &msgs[i]
		if m.Kind == "" {
			m.Kind = KindText
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rooms (id, name, is_group, updated_at) VALUES (?, '', 0, ?) ON CONFLICT(id) DO NOTHING`,
			m.RoomID, now); err != nil {
			return fmt.Errorf("ensure room %q: %w", m.RoomID, err)
		}
		if _, err := tx.ExecContext(ctx, upsertMessage,
			m.ID, m.RoomID, m.AuthorID, m.SentAt, m.OrderKey, string(m.Kind), m.Body,
			boolInt(m.Ephemeral), boolInt(m.IsMine), now); err != nil {
			return fmt.Errorf("upsert %q: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// NextOrderKey returns the key a new message appended to the room should get.
func (db *DB) NextOrderKey(roomID string) (int64, error) {
	var key int64
	err := db.QueryRow(`SELECT COALESCE(MAX(order_key), 0) + 1 FROM messages WHERE room_id = ?`, roomID).Scan(&key)
	return key, err
}

// QueryRange returns up to limit messages of a room with after < order_key < before,
// in ascending order. A nil bound is open. With after set the rows nearest to
// after are returned; otherwise the rows nearest to before (or the newest rows).
func (db *DB) QueryRange(ctx context.Context, roomID string, after, before *int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE room_id = ?`
	args := []any{roomID}
	if after != nil {
		query += ` AND order_key > ?`
		args = append(args, *after)
	}
	if before != nil {
		query += ` AND order_key < ?`
		args = append(args, *before)
	}
	ascending := after != nil
	if ascending {
		query += ` ORDER BY order_key ASC, id ASC LIMIT ?`
	} else {
		query += ` ORDER BY order_key DESC, id DESC LIMIT ?`
	}
	args = append(args, limit)

	msgs, err := db.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if !ascending {
		slices.Reverse(msgs)
	}
	return msgs, nil
}

// FindByOrderKey returns the message with the given key, or nil if absent.
func (db *DB) FindByOrderKey(ctx context.Context, roomID string, key int64) (*Message, error) {
	msgs, err := db.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE room_id = ? AND order_key = ? LIMIT 1`, roomID, key)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// GetMessage returns a message by id, or nil if absent.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	err := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.SentAt, &m.OrderKey, &m.Kind, &m.Body, &m.Ephemeral, &m.IsMine)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessages returns the messages with the given ids in order key order.
func (db *DB) GetMessages(ctx context.Context, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return db.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id IN (`+placeholders(len(ids))+`) ORDER BY order_key ASC, id ASC`,
		args...)
}

// updatableFields maps field names accepted by UpdateField to their columns.
var updatableFields = map[string]string{
	"body":      "body",
	"kind":      "kind",
	"ephemeral": "ephemeral",
	"author":    "author_id",
}

// UpdateField sets a single whitelisted field of a message.
func (db *DB) UpdateField(ctx context.Context, id, field string, value any) error {
	col, ok := updatableFields[field]
	if !ok {
		return fmt.Errorf("update field %q: not updatable", field)
	}
	if b, isBool := value.(bool); isBool {
		value = boolInt(b)
	}
	res, err := db.ExecContext(ctx,
		`UPDATE messages SET `+col+` = ?, rev = `+nextRev+` WHERE id = ?`,
		value, id)
	if err != nil {
		return fmt.Errorf("update field %q: %w", field, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update field %q: message %q not found", field, id)
	}
	return nil
}

// DeleteMessages removes messages in one transaction, logs each deletion and
// marks matching view receipts as deleted. Returns the number of rows removed.
func (db *DB) DeleteMessages(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	deleted := 0
	for _, id := range ids {
		var roomID string
		var rev int64
		err := tx.QueryRowContext(ctx, `SELECT room_id, rev FROM messages WHERE id = ?`, id).Scan(&roomID, &rev)
		if err == sql.ErrNoRows {
			roomID = ""
		} else if err != nil {
			return 0, fmt.Errorf("lookup %q: %w", id, err)
		}
		if roomID != "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
				return 0, fmt.Errorf("delete %q: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO message_deletions (message_id, room_id, rev, deleted_at) VALUES (?, ?, ?, ?)`,
				id, roomID, rev, now); err != nil {
				return 0, fmt.Errorf("log deletion %q: %w", id, err)
			}
			deleted++
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE view_receipts SET deleted_at = ? WHERE message_id = ? AND deleted_at IS NULL`,
			now, id); err != nil {
			return 0, fmt.Errorf("mark receipt %q: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return deleted, nil
}

// SelectableCount returns how many messages of a room can be selected in
// edit mode (not ephemeral, not notify).
func (db *DB) SelectableCount(ctx context.Context, roomID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE room_id = ? AND ephemeral = 0 AND kind != ?`,
		roomID, string(KindNotify)).Scan(&n)
	return n, err
}

// MessagesSince returns messages written after rev, oldest write first,
// along with the highest rev returned.
func (db *DB) MessagesSince(ctx context.Context, rev int64, limit int) ([]Message, int64, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+messageColumns+`, rev FROM messages WHERE rev > ? ORDER BY rev ASC LIMIT ?`, rev, limit)
	if err != nil {
		return nil, rev, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	maxRev := rev
	for rows.Next() {
		var m Message
		var r int64
		if err := rows.Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.SentAt, &m.OrderKey, &m.Kind, &m.Body, &m.Ephemeral, &m.IsMine, &r); err != nil {
			return nil, rev, err
		}
		msgs = append(msgs, m)
		maxRev = max(maxRev, r)
	}
	return msgs, maxRev, rows.Err()
}

// DeletionsSince returns deletion log entries after seq.
func (db *DB) DeletionsSince(ctx context.Context, seq int64) ([]Deletion, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT seq, message_id, room_id FROM message_deletions WHERE seq > ? ORDER BY seq ASC`, seq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Deletion
	for rows.Next() {
		var d Deletion
		if err := rows.Scan(&d.Seq, &d.MessageID, &d.RoomID); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Cursor marks how far a watcher has seen the change logs.
type Cursor struct {
	MessageRev  int64
	DeletionSeq int64
	ReadRev     int64
}

// Cursor returns the current head of every change log.
func (db *DB) Cursor(ctx context.Context) (Cursor, error) {
	var c Cursor
	err := db.QueryRowContext(ctx, `
		SELECT
			(SELECT COALESCE(MAX(rev), 0) FROM messages),
			(SELECT COALESCE(MAX(seq), 0) FROM message_deletions),
			(SELECT COALESCE(MAX(rev), 0) FROM read_positions)`).
		Scan(&c.MessageRev, &c.DeletionSeq, &c.ReadRev)
	return c, err
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.SentAt, &m.OrderKey, &m.Kind, &m.Body, &m.Ephemeral, &m.IsMine); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
