// Package confidential enforces the lifecycle of view-once messages: one
// view receipt per message, then one batched deletion.
package confidential

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/msglist/internal/bus"
	"github.com/matheus3301/msglist/internal/metrics"
	"github.com/matheus3301/msglist/internal/store"
	"go.uber.org/zap"
)

// ErrReceiptDispatchFailed wraps a dispatcher failure. The receipt still
// counts as dispatched.
var ErrReceiptDispatchFailed = errors.New("view receipt dispatch failed")

// DefaultDebounce is how long an own message must stay visible before it
// counts as seen.
const DefaultDebounce = 500 * time.Millisecond

// Store is the persistence the tracker needs.
type Store interface {
	RecordViewReceipt(ctx context.Context, r store.ViewReceipt) error
	PendingViewReceipts(ctx context.Context) ([]store.ViewReceipt, error)
	DeleteMessages(ctx context.Context, ids []string) (int, error)
}

// Dispatcher delivers view receipts to the message author.
type Dispatcher interface {
	SendViewReceipt(ctx context.Context, r store.ViewReceipt) error
}

// Options configures a Tracker. Zero values pick defaults.
type Options struct {
	Debounce time.Duration
	// BaseContext scopes detached flushes. It must outlive every screen.
	BaseContext  context.Context
	FlushTimeout time.Duration
	Now          func() time.Time
	Bus          *bus.Bus
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// Tracker is process scoped and shared by every open conversation. All
// bookkeeping goes through mu.
type Tracker struct {
	store      Store
	dispatcher Dispatcher
	opts       Options
	logger     *zap.Logger

	mu         sync.Mutex
	entries    map[string]*Entry
	dispatched map[string]struct{}
	pending    map[string]string // message id -> room id

	flushMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates a tracker.
func New(s Store, d Dispatcher, opts Options) *Tracker {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:      s,
		dispatcher: d,
		opts:       opts,
		logger:     logger,
		entries:    make(map[string]*Entry),
		dispatched: make(map[string]struct{}),
		pending:    make(map[string]string),
	}
}

// ReportVisible registers the ephemeral messages currently on screen in a
// room. The viewer's own messages move to Pending once they stayed visible
// for the debounce interval; leaving the screen restarts the interval.
// Others' messages are only registered. The returned duration is how long
// until the next own message would pass the debounce, zero if none waits.
func (t *Tracker) ReportVisible(roomID string, msgs []store.Message) time.Duration {
	now := t.opts.Now()
	visible := make(map[string]struct{}, len(msgs))

	t.mu.Lock()
	defer t.mu.Unlock()

	var wait time.Duration
	for _, m := range msgs {
		if !m.Ephemeral || m.RoomID != roomID {
			continue
		}
		visible[m.ID] = struct{}{}
		e := t.entry(m)
		if !m.IsMine || e.State != Unseen {
			continue
		}
		if e.VisibleSince.IsZero() {
			e.VisibleSince = now
		}
		if elapsed := now.Sub(e.VisibleSince); elapsed >= t.opts.Debounce {
			t.transition(e, Pending)
			e.SeenAt = now
		} else if rest := t.opts.Debounce - elapsed; wait == 0 || rest < wait {
			wait = rest
		}
	}
	for id, e := range t.entries {
		if e.RoomID != roomID || e.State != Unseen {
			continue
		}
		if _, ok := visible[id]; !ok {
			e.VisibleSince = time.Time{}
		}
	}
	return wait
}

// Reveal handles an explicit open of a confidential message. For others'
// messages it persists a receipt record, queues the id for deletion and
// dispatches exactly one view receipt per id for the process lifetime.
// Own messages only move to Pending.
func (t *Tracker) Reveal(ctx context.Context, m store.Message) error {
	if !m.Ephemeral {
		return nil
	}
	now := t.opts.Now()

	t.mu.Lock()
	e := t.entry(m)
	if e.State == Unseen {
		t.transition(e, Pending)
		e.SeenAt = now
	}
	if m.IsMine {
		t.mu.Unlock()
		return nil
	}
	if _, done := t.dispatched[m.ID]; done {
		t.mu.Unlock()
		return nil
	}
	// Claim the id before leaving the lock so a concurrent reveal cannot
	// dispatch it too.
	t.dispatched[m.ID] = struct{}{}
	t.mu.Unlock()

	receipt := store.ViewReceipt{
		MessageID:   m.ID,
		RoomID:      m.RoomID,
		AuthorID:    m.AuthorID,
		Position:    m.OrderKey,
		ReceiptedAt: now.UnixMilli(),
	}
	if err := t.store.RecordViewReceipt(ctx, receipt); err != nil {
		t.mu.Lock()
		delete(t.dispatched, m.ID)
		t.mu.Unlock()
		return fmt.Errorf("record view receipt %s: %w", m.ID, err)
	}

	t.mu.Lock()
	t.transition(e, Receipted)
	e.ReceiptedAt = now
	t.pending[m.ID] = m.RoomID
	t.mu.Unlock()

	if err := t.dispatcher.SendViewReceipt(ctx, receipt); err != nil {
		t.logger.Warn("view receipt dispatch failed",
			zap.String("room", m.RoomID), zap.String("msg_id", m.ID), zap.Error(err))
		t.opts.Metrics.Receipt("failed")
		return fmt.Errorf("%w: %w", ErrReceiptDispatchFailed, err)
	}
	t.opts.Metrics.Receipt("sent")
	return nil
}

// Flush deletes every receipted message in one store call. With nothing
// queued it does nothing.
func (t *Tracker) Flush(ctx context.Context) (int, error) {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	ids := slices.Sorted(maps.Keys(t.pending))
	rooms := maps.Clone(t.pending)
	t.mu.Unlock()
	if len(ids) == 0 {
		return 0, nil
	}

	n, err := t.store.DeleteMessages(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("flush %d deletions: %w", len(ids), err)
	}

	byRoom := make(map[string][]string)
	t.mu.Lock()
	for _, id := range ids {
		delete(t.pending, id)
		if e, ok := t.entries[id]; ok {
			t.transition(e, Deleted)
		}
		byRoom[rooms[id]] = append(byRoom[rooms[id]], id)
	}
	t.mu.Unlock()

	t.opts.Metrics.Deleted(n)
	t.logger.Info("confidential messages deleted", zap.Int("count", n), zap.Int("queued", len(ids)))
	if t.opts.Bus != nil {
		for room, roomIDs := range byRoom {
			t.opts.Bus.Emit(bus.KindMessageDeleted, bus.DeletedPayload{RoomID: room, IDs: roomIDs})
		}
	}
	return n, nil
}

// FlushAsync runs Flush in the background on the process-scoped context.
func (t *Tracker) FlushAsync() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.opts.BaseContext, t.opts.FlushTimeout)
		defer cancel()
		if _, err := t.Flush(ctx); err != nil {
			t.logger.Error("detached flush failed", zap.Error(err))
		}
	}()
}

// Wait blocks until every detached flush returned.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// Recover reloads receipts persisted by a previous run whose messages were
// never deleted and queues them for the next flush.
func (t *Tracker) Recover(ctx context.Context) (int, error) {
	receipts, err := t.store.PendingViewReceipts(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending receipts: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range receipts {
		t.dispatched[r.MessageID] = struct{}{}
		t.pending[r.MessageID] = r.RoomID
		e := t.entries[r.MessageID]
		if e == nil {
			e = &Entry{MessageID: r.MessageID, RoomID: r.RoomID, AuthorID: r.AuthorID, OrderKey: r.Position}
			t.entries[r.MessageID] = e
		}
		e.State = Receipted
		e.ReceiptedAt = time.UnixMilli(r.ReceiptedAt)
	}
	return len(receipts), nil
}

// Discard forgets the unseen and pending entries of a closed screen. Receipt
// and deletion bookkeeping survives.
func (t *Tracker) Discard(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		if e.RoomID != roomID {
			continue
		}
		switch e.State {
		case Unseen, Pending, Deleted:
			delete(t.entries, id)
		}
	}
}

// Covered reports whether a message's content must stay hidden: a
// confidential message from someone else that has not been revealed.
func (t *Tracker) Covered(m store.Message) bool {
	if !m.Ephemeral || m.IsMine {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.dispatched[m.ID]; ok {
		return false
	}
	e, ok := t.entries[m.ID]
	return !ok || e.State == Unseen
}

// Entry returns a copy of a message's lifecycle record.
func (t *Tracker) Entry(id string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// PendingDeletions returns how many ids wait for the next flush.
func (t *Tracker) PendingDeletions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// entry returns the record for m, creating it Unseen. Caller holds mu.
func (t *Tracker) entry(m store.Message) *Entry {
	e, ok := t.entries[m.ID]
	if !ok {
		e = &Entry{
			MessageID: m.ID,
			RoomID:    m.RoomID,
			AuthorID:  m.AuthorID,
			OrderKey:  m.OrderKey,
			IsMine:    m.IsMine,
			State:     Unseen,
		}
		t.entries[m.ID] = e
	}
	return e
}

// transition moves e to a new state. Caller holds mu.
func (t *Tracker) transition(e *Entry, to State) {
	if err := e.transition(to); err != nil {
		t.logger.Warn("confidential transition rejected", zap.String("msg_id", e.MessageID), zap.Error(err))
	}
}
