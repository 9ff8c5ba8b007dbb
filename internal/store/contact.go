package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const upsertContactSQL = `
	INSERT INTO contacts (user_id, name, nickname, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
		nickname = CASE WHEN excluded.nickname != '' THEN excluded.nickname ELSE contacts.nickname END,
		updated_at = excluded.updated_at`

// UpsertContact inserts or updates a contact. Empty fields keep the stored value.
func (db *DB) UpsertContact(c *Contact) error {
	_, err := db.Exec(upsertContactSQL, c.UserID, c.Name, c.Nickname, time.Now().UnixMilli())
	return err
}

// BulkUpsertContacts inserts or updates multiple contacts in a single transaction.
func (db *DB) BulkUpsertContacts(contacts []Contact) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range contacts {
		if _, err := tx.Exec(upsertContactSQL, c.UserID, c.Name, c.Nickname, now); err != nil {
			return fmt.Errorf("upsert contact %q: %w", c.UserID, err)
		}
	}
	return tx.Commit()
}

// GetContact returns a contact by user id.
func (db *DB) GetContact(userID string) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`SELECT user_id, name, nickname FROM contacts WHERE user_id = ?`, userID).
		Scan(&c.UserID, &c.Name, &c.Nickname)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Contacts returns the known contacts among ids. Unknown ids are absent.
func (db *DB) Contacts(ctx context.Context, ids []string) ([]Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := db.QueryContext(ctx,
		`SELECT user_id, name, nickname FROM contacts WHERE user_id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.UserID, &c.Name, &c.Nickname); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RoomCount returns the total number of rooms.
func (db *DB) RoomCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM rooms`).Scan(&count)
	return count, err
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
