package store

import (
	"database/sql"
	"time"
)

// RoomSummary is a room with its message count and newest order key.
type RoomSummary struct {
	Room
	MessageCount int64
	LastOrderKey int64
}

// UpsertRoom inserts or updates a room record.
func (db *DB) UpsertRoom(r *Room) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO rooms (id, name, is_group, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE rooms.name END,
			is_group = excluded.is_group,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, boolInt(r.IsGroup), now)
	return err
}

// ListRooms returns rooms sorted by their newest message, most recent first.
func (db *DB) ListRooms(limit, offset int) ([]RoomSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT r.id, COALESCE(NULLIF(r.name,''), r.id), r.is_group, r.updated_at,
			COUNT(m.id), COALESCE(MAX(m.order_key), 0)
		FROM rooms r
		LEFT JOIN messages m ON m.room_id = r.id
		GROUP BY r.id
		ORDER BY COALESCE(MAX(m.order_key), 0) DESC, r.id
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rooms []RoomSummary
	for rows.Next() {
		var r RoomSummary
		if err := rows.Scan(&r.ID, &r.Name, &r.IsGroup, &r.UpdatedAt, &r.MessageCount, &r.LastOrderKey); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// GetRoom returns a single room by id.
func (db *DB) GetRoom(id string) (*Room, error) {
	var r Room
	err := db.QueryRow(`SELECT id, name, is_group, updated_at FROM rooms WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.IsGroup, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
