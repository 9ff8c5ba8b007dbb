package store

import (
	"context"
	"time"
)

// ReadPositions returns every known read position in a room.
func (db *DB) ReadPositions(ctx context.Context, roomID string) ([]ReadInfo, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT room_id, user_id, position FROM read_positions WHERE room_id = ? ORDER BY user_id`, roomID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ReadInfo
	for rows.Next() {
		var r ReadInfo
		if err := rows.Scan(&r.RoomID, &r.UserID, &r.Position); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetReadPosition advances a user's read position. Positions only move
// forward; a lower position is ignored and reported as unchanged.
func (db *DB) SetReadPosition(ctx context.Context, info ReadInfo) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		INSERT INTO read_positions (room_id, user_id, position, rev, updated_at)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(rev), 0) + 1 FROM read_positions), ?)
		ON CONFLICT(room_id, user_id) DO UPDATE SET
			position = excluded.position,
			rev = excluded.rev,
			updated_at = excluded.updated_at
		WHERE excluded.position > read_positions.position`,
		info.RoomID, info.UserID, info.Position, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReadPositionsSince returns read positions changed after rev and the
// highest rev seen.
func (db *DB) ReadPositionsSince(ctx context.Context, rev int64) ([]ReadInfo, int64, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT room_id, user_id, position, rev FROM read_positions WHERE rev > ? ORDER BY rev ASC`, rev)
	if err != nil {
		return nil, rev, err
	}
	defer func() { _ = rows.Close() }()

	var out []ReadInfo
	maxRev := rev
	for rows.Next() {
		var r ReadInfo
		var v int64
		if err := rows.Scan(&r.RoomID, &r.UserID, &r.Position, &v); err != nil {
			return nil, rev, err
		}
		out = append(out, r)
		maxRev = max(maxRev, v)
	}
	return out, maxRev, rows.Err()
}
