// Package readinfo tracks the read positions of a room's participants.
package readinfo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/matheus3301/msglist/internal/bus"
	"github.com/matheus3301/msglist/internal/store"
	"go.uber.org/zap"
)

// Source is the read-position store.
type Source interface {
	ReadPositions(ctx context.Context, roomID string) ([]store.ReadInfo, error)
	SetReadPosition(ctx context.Context, info store.ReadInfo) (bool, error)
}

// Tracker holds one room's read positions. Positions are watermarks: a
// position lower than the one held is ignored.
type Tracker struct {
	roomID string
	selfID string
	src    Source
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.RWMutex
	positions map[string]int64
}

// New creates a tracker. bus and logger may be nil.
func New(roomID, selfID string, src Source, b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		roomID:    roomID,
		selfID:    selfID,
		src:       src,
		bus:       b,
		logger:    logger,
		positions: make(map[string]int64),
	}
}

// Refresh reloads positions from the store and reports whether any advanced.
// A store failure is logged and treated as no change.
func (t *Tracker) Refresh(ctx context.Context) bool {
	infos, err := t.src.ReadPositions(ctx, t.roomID)
	if err != nil {
		t.logger.Warn("read positions unavailable", zap.String("room", t.roomID), zap.Error(err))
		return false
	}
	changed := false
	t.mu.Lock()
	for _, info := range infos {
		if t.advance(info.UserID, info.Position) {
			changed = true
		}
	}
	t.mu.Unlock()
	return changed
}

// Current returns all positions ordered by user id.
func (t *Tracker) Current() []store.ReadInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]store.ReadInfo, 0, len(t.positions))
	for user, pos := range t.positions {
		out = append(out, store.ReadInfo{RoomID: t.roomID, UserID: user, Position: pos})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Position returns a user's read position.
func (t *Tracker) Position(userID string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.positions[userID]
	return pos, ok
}

// Self returns the viewer's own read position, zero when unknown.
func (t *Tracker) Self() int64 {
	pos, _ := t.Position(t.selfID)
	return pos
}

// OnReadPositionChanged applies a position reported by the store or the
// network and republishes it when it advanced.
func (t *Tracker) OnReadPositionChanged(userID string, pos int64) bool {
	t.mu.Lock()
	changed := t.advance(userID, pos)
	t.mu.Unlock()
	if changed {
		t.publish(userID, pos)
	}
	return changed
}

// MarkRead advances the viewer's own position to pos and persists it.
func (t *Tracker) MarkRead(ctx context.Context, pos int64) (bool, error) {
	t.mu.RLock()
	cur, ok := t.positions[t.selfID]
	t.mu.RUnlock()
	if ok && pos <= cur {
		return false, nil
	}
	if _, err := t.src.SetReadPosition(ctx, store.ReadInfo{RoomID: t.roomID, UserID: t.selfID, Position: pos}); err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	return t.OnReadPositionChanged(t.selfID, pos), nil
}

// advance sets a watermark. Caller holds mu.
func (t *Tracker) advance(userID string, pos int64) bool {
	if cur, ok := t.positions[userID]; ok && pos <= cur {
		return false
	}
	t.positions[userID] = pos
	return true
}

func (t *Tracker) publish(userID string, pos int64) {
	if t.bus == nil {
		return
	}
	t.bus.Emit(bus.KindReadChanged, bus.ReadPayload{
		Info: store.ReadInfo{RoomID: t.roomID, UserID: userID, Position: pos},
	})
}
