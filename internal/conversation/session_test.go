package conversation

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/msglist/internal/assemble"
	"github.com/matheus3301/msglist/internal/bus"
	"github.com/matheus3301/msglist/internal/confidential"
	"github.com/matheus3301/msglist/internal/contacts"
	"github.com/matheus3301/msglist/internal/outbox"
	"github.com/matheus3301/msglist/internal/selection"
	"github.com/matheus3301/msglist/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const room = "r1"

type harness struct {
	db   *store.DB
	bus  *bus.Bus
	conf *confidential.Tracker
	mgr  *Manager
}

func newHarness(t *testing.T, tweaks ...func(*Options)) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	conf := confidential.New(db, outbox.NewDispatcher(db, b, nil), confidential.Options{Bus: b})
	opts := Options{
		SelfID:   "me",
		PageSize: 10,
		Location: time.UTC,
	}
	for _, tweak := range tweaks {
		tweak(&opts)
	}
	mgr := NewManager(db, b, conf, contacts.New(db, nil), nil, nil, opts)
	return &harness{db: db, bus: b, conf: conf, mgr: mgr}
}

func (h *harness) add(t *testing.T, m store.Message) store.Message {
	t.Helper()
	if m.RoomID == "" {
		m.RoomID = room
	}
	if m.ID == "" {
		m.ID = fmt.Sprintf("m%d", m.OrderKey)
	}
	if m.AuthorID == "" {
		m.AuthorID = "bob"
	}
	if m.SentAt == 0 {
		m.SentAt = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).UnixMilli() + m.OrderKey
	}
	require.NoError(t, h.db.UpsertMessage(&m))
	return m
}

func (h *harness) open(t *testing.T) *Session {
	t.Helper()
	s, err := h.mgr.Open(context.Background(), room)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// waitFor reads frames until one satisfies ok.
func waitFor(t *testing.T, s *Session, ok func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, open := <-s.Snapshots():
			if !open {
				t.Fatal("session closed")
			}
			if ok(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("timeout waiting for frame")
			return Snapshot{}
		}
	}
}

func keysOf(snap Snapshot) []int64 {
	out := make([]int64, len(snap.Messages))
	for i, m := range snap.Messages {
		out[i] = m.OrderKey
	}
	return out
}

func TestOpenPositionsOnFirstUnread(t *testing.T) {
	h := newHarness(t)
	for k := int64(1); k <= 30; k++ {
		h.add(t, store.Message{OrderKey: k})
	}
	_, err := h.db.SetReadPosition(context.Background(), store.ReadInfo{RoomID: room, UserID: "me", Position: 12})
	require.NoError(t, err)

	s := h.open(t)
	snap := waitFor(t, s, func(Snapshot) bool { return true })
	assert.Equal(t, assemble.MessageDirective(13), snap.Directive)
	assert.True(t, snap.HasMoreBefore)
	assert.True(t, snap.HasMoreAfter)
	assert.Equal(t, 10, snap.UnreadCount)
}

func TestLiveMessageAtBottomScrollsToBottom(t *testing.T) {
	h := newHarness(t)
	for _, k := range []int64{100, 200, 300} {
		h.add(t, store.Message{OrderKey: k})
	}
	s := h.open(t)
	waitFor(t, s, func(snap Snapshot) bool { return len(snap.Messages) == 3 })

	s.ReportVisibleRange(0, 2, true)
	// Reading the tail clears the unread count once the report is processed.
	waitFor(t, s, func(snap Snapshot) bool { return snap.UnreadCount == 0 })
	h.bus.Emit(bus.KindMessageUpserted, bus.MessagePayload{Message: h.add(t, store.Message{OrderKey: 400})})

	snap := waitFor(t, s, func(snap Snapshot) bool { return len(snap.Messages) == 4 })
	assert.Equal(t, []int64{100, 200, 300, 400}, keysOf(snap))
	assert.Equal(t, assemble.BottomDirective(), snap.Directive)
}

func TestFullWindowFollowsTail(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxWindow = 10 })
	for k := int64(1); k <= 10; k++ {
		h.add(t, store.Message{OrderKey: k})
	}
	s := h.open(t)
	waitFor(t, s, func(snap Snapshot) bool { return len(snap.Messages) == 10 })

	s.ReportVisibleRange(0, 9, true)
	waitFor(t, s, func(snap Snapshot) bool { return snap.UnreadCount == 0 })
	h.bus.Emit(bus.KindMessageUpserted, bus.MessagePayload{Message: h.add(t, store.Message{OrderKey: 11})})

	snap := waitFor(t, s, func(snap Snapshot) bool {
		return len(snap.Messages) > 0 && snap.Messages[len(snap.Messages)-1].OrderKey == 11
	})
	assert.Len(t, snap.Messages, 10, "head trimmed to the window size")
	assert.True(t, snap.HasMoreBefore)
	assert.Equal(t, assemble.BottomDirective(), snap.Directive)
}

func TestSlowConsumerReceivesEveryFrame(t *testing.T) {
	h := newHarness(t)
	for k := int64(1); k <= 30; k++ {
		h.add(t, store.Message{OrderKey: k})
	}
	s := h.open(t)

	// Nobody reads while the jump and the edit toggle are assembled.
	s.JumpTo(20)
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, s.SetEditMode(context.Background(), true))

	var frames []Snapshot
	waitFor(t, s, func(snap Snapshot) bool {
		frames = append(frames, snap)
		return snap.Selection.EditMode
	})

	jumped := -1
	for i, f := range frames {
		assert.Equal(t, uint64(i+1), f.Seq, "frames arrive in order without gaps")
		if f.Directive == assemble.MessageDirective(20) {
			jumped = i
		}
	}
	require.GreaterOrEqual(t, jumped, 0, "jump directive delivered")
	assert.Less(t, jumped, len(frames)-1, "jump frame precedes the edit frame")
	assert.Equal(t, assemble.MessageDirective(1), frames[0].Directive)
}

func TestLiveMessageAwayFromBottomKeepsPosition(t *testing.T) {
	h := newHarness(t)
	for _, k := range []int64{100, 200, 300} {
		h.add(t, store.Message{OrderKey: k})
	}
	s := h.open(t)
	waitFor(t, s, func(snap Snapshot) bool { return len(snap.Messages) == 3 })

	s.ReportVisibleRange(0, 0, false)
	waitFor(t, s, func(snap Snapshot) bool { return snap.UnreadCount == 2 })
	h.bus.Emit(bus.KindMessageUpserted, bus.MessagePayload{Message: h.add(t, store.Message{OrderKey: 400})})

	snap := waitFor(t, s, func(snap Snapshot) bool { return len(snap.Messages) == 4 })
	assert.Equal(t, assemble.Directive{}, snap.Directive)
}

func TestOtherRoomEventsIgnored(t *testing.T) {
	h := newHarness(t)
	h.add(t, store.Message{OrderKey: 1})
	s := h.open(t)
	waitFor(t, s, func(snap Snapshot) bool { return len(snap.Messages) == 1 })

	h.bus.Emit(bus.KindMessageUpserted, bus.MessagePayload{Message: store.Message{ID: "x", RoomID: "other", OrderKey: 2}})
	h.bus.Emit(bus.KindMessageUpserted, bus.MessagePayload{Message: h.add(t, store.Message{OrderKey: 3})})

	snap := waitFor(t, s, func(snap Snapshot) bool { return len(snap.Messages) > 1 })
	assert.Equal(t, []int64{1, 3}, keysOf(snap))
}

func TestDeletionRemovesMessage(t *testing.T) {
	h := newHarness(t)
	for _, k := range []int64{1, 2, 3} {
		h.add(t, store.Message{OrderKey: k})
	}
	s := h.open(t)
	waitFor(t, s, func(snap Snapshot) bool { return len(snap.Messages) == 3 })

	h.bus.Emit(bus.KindMessageDeleted, bus.DeletedPayload{RoomID: room, IDs: []string{"m2"}})
	snap := waitFor(t, s, func(snap Snapshot) bool { return len(snap.Messages) == 2 })
	assert.Equal(t, []int64{1, 3}, keysOf(snap))
}

func TestRevealSendsOneReceiptAndCloseFlushes(t *testing.T) {
	h := newHarness(t)
	h.add(t, store.Message{OrderKey: 1})
	secret := h.add(t, store.Message{OrderKey: 2, Ephemeral: true, Body: "psst"})

	s, err := h.mgr.Open(context.Background(), room)
	require.NoError(t, err)
	snap := waitFor(t, s, func(snap Snapshot) bool { return len(snap.Messages) == 2 })
	assert.True(t, snap.Messages[1].Covered)

	// Visibility alone sends nothing.
	s.ReportVisibleRange(0, 1, true)
	time.Sleep(20 * time.Millisecond)
	pending, err := h.db.PendingOutbox()
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, s.Reveal(context.Background(), secret.ID))
	require.NoError(t, s.Reveal(context.Background(), secret.ID))
	snap = waitFor(t, s, func(snap Snapshot) bool { return len(snap.Messages) == 2 && !snap.Messages[1].Covered })

	pending, err = h.db.PendingOutbox()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, secret.ID, pending[0].MessageID)

	s.Close()
	h.conf.Wait()
	got, err := h.db.GetMessage(context.Background(), secret.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "revealed message should be deleted after close")
}

func TestSelectionCommands(t *testing.T) {
	h := newHarness(t)
	h.add(t, store.Message{OrderKey: 1})
	h.add(t, store.Message{OrderKey: 2, Kind: store.KindNotify, Body: "bob joined"})
	s := h.open(t)
	waitFor(t, s, func(snap Snapshot) bool { return len(snap.Messages) == 2 })

	ctx := context.Background()
	require.ErrorIs(t, s.Toggle("m1"), selection.ErrNotEditing)
	require.NoError(t, s.SetEditMode(ctx, true))
	require.NoError(t, s.Toggle("m1"))
	require.ErrorIs(t, s.Toggle("m2"), selection.ErrSelectionRejected)

	snap := waitFor(t, s, func(snap Snapshot) bool { return snap.Selection.Has("m1") })
	assert.True(t, snap.Messages[0].IsSelected)
	assert.True(t, snap.Messages[0].IsEditable)
	assert.False(t, snap.Messages[1].IsEditable)
	assert.True(t, snap.Selection.AllSelected())

	msgs, err := s.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	waitFor(t, s, func(snap Snapshot) bool { return !snap.Selection.EditMode })
}

func TestVisibleRangeMarksRead(t *testing.T) {
	h := newHarness(t)
	for _, k := range []int64{1, 2, 3} {
		h.add(t, store.Message{OrderKey: k})
	}
	s := h.open(t)
	waitFor(t, s, func(snap Snapshot) bool { return snap.UnreadCount == 3 })

	s.ReportVisibleRange(0, 1, false)
	snap := waitFor(t, s, func(snap Snapshot) bool { return snap.UnreadCount == 1 })
	assert.Len(t, snap.Messages, 3)

	infos, err := h.db.ReadPositions(context.Background(), room)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, int64(2), infos[0].Position)
}

func TestNearTopLoadsOlderPage(t *testing.T) {
	h := newHarness(t)
	for k := int64(1); k <= 40; k++ {
		h.add(t, store.Message{OrderKey: k})
	}
	_, err := h.db.SetReadPosition(context.Background(), store.ReadInfo{RoomID: room, UserID: "me", Position: 40})
	require.NoError(t, err)

	s := h.open(t)
	first := waitFor(t, s, func(Snapshot) bool { return true })
	require.NotEmpty(t, first.Messages)
	oldest := first.Messages[0].OrderKey

	s.ReportVisibleRange(0, 2, false)
	snap := waitFor(t, s, func(snap Snapshot) bool {
		return len(snap.Messages) > 0 && snap.Messages[0].OrderKey < oldest
	})
	assert.True(t, snap.HasMoreBefore)
}

func TestCloseEndsSnapshots(t *testing.T) {
	h := newHarness(t)
	s := h.open(t)
	s.Close()
	s.Close()
	for range s.Snapshots() {
	}
	assert.ErrorIs(t, s.SetEditMode(context.Background(), true), ErrClosed)
	assert.ErrorIs(t, s.Toggle("m1"), ErrClosed)
}
