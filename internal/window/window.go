// Package window keeps a contiguous, bidirectionally paginated slice of one
// room's message history.
//
// Every page query asks the store for one row more than the page size. The
// extra row becomes the anchor on that side and tells whether more history
// exists. Loads run without holding the window lock; a load result is applied
// only if neither the window version nor the targeted boundary changed while
// it was in flight.
package window

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/matheus3301/msglist/internal/store"
)

var (
	// ErrStoreUnavailable wraps any failure of the message store.
	ErrStoreUnavailable = errors.New("message store unavailable")
	// ErrNotFound is returned by JumpTo when no message has the key.
	ErrNotFound = errors.New("message not found")
)

const (
	DefaultPageSize = 20
	DefaultMaxSize  = 3 * DefaultPageSize
)

// Source is the read side of the message store.
type Source interface {
	QueryRange(ctx context.Context, roomID string, after, before *int64, limit int) ([]store.Message, error)
	FindByOrderKey(ctx context.Context, roomID string, key int64) (*store.Message, error)
}

// Direction selects the edge a load extends.
type Direction int

const (
	Backward Direction = iota
	Forward
)

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "backward"
}

// LoadState is the per-direction pagination status.
type LoadState string

const (
	Idle      LoadState = "IDLE"
	Loading   LoadState = "LOADING"
	Failed    LoadState = "FAILED"
	Exhausted LoadState = "EXHAUSTED"
)

// LoadResult describes the outcome of a page load.
type LoadResult struct {
	// Count is the number of messages added to the window.
	Count int
	// HasMore reports whether the loaded edge has more history.
	HasMore bool
	// Skipped is set when a load in the same direction was already in flight.
	Skipped bool
	// Stale is set when the window moved while the query ran; nothing was applied.
	Stale bool
}

// Snapshot is an immutable copy of the window state.
type Snapshot struct {
	RoomID        string
	Messages      []store.Message
	HasMoreBefore bool
	HasMoreAfter  bool
	AnchorBefore  *store.Message
	AnchorAfter   *store.Message
	Before        LoadState
	After         LoadState
	Version       uint64
}

// Options tunes a Window.
type Options struct {
	PageSize int
	// MaxSize bounds the loaded slice. Zero means unbounded.
	MaxSize int
}

// Window is safe for concurrent use.
type Window struct {
	roomID   string
	src      Source
	pageSize int
	maxSize  int

	resetMu sync.Mutex

	mu            sync.Mutex
	msgs          []store.Message
	hasMoreBefore bool
	hasMoreAfter  bool
	anchorBefore  *store.Message
	anchorAfter   *store.Message
	// anchorLost marks an edge whose anchor was deleted while more history
	// lies beyond it.
	anchorLost [2]bool
	// span is the key range of a window emptied by deletions. Loads continue
	// from it instead of starting over at the oldest page.
	span     *[2]int64
	state    [2]LoadState
	inFlight [2]bool
	version  uint64
}

// New creates an empty window. Until the first reset both edges report more
// history so that a plain LoadForward or LoadBackward can populate it.
func New(roomID string, src Source, opts Options) *Window {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxSize > 0 && opts.MaxSize < opts.PageSize {
		opts.MaxSize = opts.PageSize
	}
	return &Window{
		roomID:        roomID,
		src:           src,
		pageSize:      opts.PageSize,
		maxSize:       opts.MaxSize,
		hasMoreBefore: true,
		hasMoreAfter:  true,
		state:         [2]LoadState{Idle, Idle},
	}
}

// RoomID returns the room this window pages through.
func (w *Window) RoomID() string {
	return w.roomID
}

// PageSize returns the configured page size.
func (w *Window) PageSize() int {
	return w.pageSize
}

// Snapshot returns a copy of the current state.
func (w *Window) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		RoomID:        w.roomID,
		Messages:      slices.Clone(w.msgs),
		HasMoreBefore: w.hasMoreBefore,
		HasMoreAfter:  w.hasMoreAfter,
		AnchorBefore:  cloneMsg(w.anchorBefore),
		AnchorAfter:   cloneMsg(w.anchorAfter),
		Before:        w.state[Backward],
		After:         w.state[Forward],
		Version:       w.version,
	}
}

// LoadForward extends the window with the next page after its last message.
func (w *Window) LoadForward(ctx context.Context) (LoadResult, error) {
	return w.load(ctx, Forward)
}

// LoadBackward extends the window with the page before its first message.
func (w *Window) LoadBackward(ctx context.Context) (LoadResult, error) {
	return w.load(ctx, Backward)
}

func (w *Window) load(ctx context.Context, dir Direction) (LoadResult, error) {
	w.mu.Lock()
	if w.inFlight[dir] {
		w.mu.Unlock()
		return LoadResult{Skipped: true}, nil
	}
	if !w.hasMore(dir) {
		w.state[dir] = Exhausted
		w.mu.Unlock()
		return LoadResult{}, nil
	}
	version := w.version
	boundary, hasBoundary := w.boundary(dir)
	w.inFlight[dir] = true
	w.state[dir] = Loading
	w.mu.Unlock()

	var after, before *int64
	if dir == Forward {
		if hasBoundary {
			after = &boundary
		} else {
			oldest := int64(math.MinInt64)
			after = &oldest
		}
	} else if hasBoundary {
		before = &boundary
	}
	rows, err := w.src.QueryRange(ctx, w.roomID, after, before, w.pageSize+1)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.version != version {
		// A reset started a new generation and owns the flags now.
		return LoadResult{Stale: true}, nil
	}
	w.inFlight[dir] = false
	if err != nil {
		w.state[dir] = Failed
		return LoadResult{}, fmt.Errorf("load %s: %w: %w", dir, ErrStoreUnavailable, err)
	}
	w.state[dir] = Idle
	if b, ok := w.boundary(dir); ok != hasBoundary || b != boundary {
		w.setEdgeStates()
		return LoadResult{Stale: true}, nil
	}

	added := w.apply(dir, rows)
	return LoadResult{Count: added, HasMore: w.hasMore(dir)}, nil
}

// apply merges a page in ascending order on the given side. Caller holds mu.
func (w *Window) apply(dir Direction, rows []store.Message) int {
	wasEmpty := len(w.msgs) == 0 && w.span == nil
	more := len(rows) > w.pageSize
	var anchor *store.Message
	if dir == Forward {
		if more {
			anchor = cloneMsg(&rows[w.pageSize])
			rows = rows[:w.pageSize]
		}
		rows = w.dropKnown(rows)
		w.msgs = append(w.msgs, rows...)
		w.hasMoreAfter = more
		w.anchorAfter = anchor
		w.anchorLost[Forward] = false
		if wasEmpty {
			// The first page of an empty window is the oldest one.
			w.hasMoreBefore = false
			w.anchorBefore = nil
		}
	} else {
		if more {
			anchor = cloneMsg(&rows[0])
			rows = rows[1:]
		}
		rows = w.dropKnown(rows)
		w.msgs = append(slices.Clone(rows), w.msgs...)
		w.hasMoreBefore = more
		w.anchorBefore = anchor
		w.anchorLost[Backward] = false
		if wasEmpty {
			w.hasMoreAfter = false
			w.anchorAfter = nil
		}
	}
	if len(w.msgs) > 0 {
		w.span = nil
	}
	w.setEdgeStates()
	w.trim(dir)
	return len(rows)
}

// trim drops rows on the side opposite to dir beyond maxSize. Caller holds mu.
func (w *Window) trim(dir Direction) {
	if w.maxSize <= 0 || len(w.msgs) <= w.maxSize {
		return
	}
	excess := len(w.msgs) - w.maxSize
	if dir == Forward {
		w.anchorBefore = cloneMsg(&w.msgs[excess-1])
		w.anchorLost[Backward] = false
		w.msgs = slices.Clone(w.msgs[excess:])
		w.hasMoreBefore = true
	} else {
		w.anchorAfter = cloneMsg(&w.msgs[w.maxSize])
		w.anchorLost[Forward] = false
		w.msgs = slices.Clone(w.msgs[:w.maxSize])
		w.hasMoreAfter = true
	}
	w.setEdgeStates()
}

// OnLiveMessage applies a message that arrived outside of a page load. The
// message is accepted when it replaces a loaded row, falls inside the loaded
// range, or extends an edge whose history is exhausted.
func (w *Window) OnLiveMessage(msg store.Message) bool {
	if msg.RoomID != w.roomID {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if i := w.indexOf(msg.ID); i >= 0 {
		if w.msgs[i] == msg {
			return false
		}
		msg.OrderKey = w.msgs[i].OrderKey
		w.msgs[i] = msg
		return true
	}

	first, known := w.boundary(Backward)
	last, _ := w.boundary(Forward)
	if !known {
		if w.hasMoreBefore || w.hasMoreAfter {
			return false
		}
		w.msgs = []store.Message{msg}
		return true
	}

	switch {
	case msg.OrderKey > last:
		if w.hasMoreAfter {
			return false
		}
		w.msgs = append(w.msgs, msg)
		w.trim(Forward)
	case msg.OrderKey < first:
		if w.hasMoreBefore {
			return false
		}
		w.msgs = append([]store.Message{msg}, w.msgs...)
		w.trim(Backward)
	default:
		i := sort.Search(len(w.msgs), func(i int) bool { return w.msgs[i].OrderKey > msg.OrderKey })
		w.msgs = slices.Insert(w.msgs, i, msg)
	}
	w.span = nil
	return true
}

// OnDeleted removes the given ids and returns how many were loaded.
func (w *Window) OnDeleted(ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	before := len(w.msgs)
	lo, hasLo := w.boundary(Backward)
	hi, _ := w.boundary(Forward)
	w.msgs = slices.DeleteFunc(w.msgs, func(m store.Message) bool {
		_, ok := drop[m.ID]
		return ok
	})
	if len(w.msgs) == 0 && hasLo {
		w.span = &[2]int64{lo, hi}
	}
	if w.anchorBefore != nil {
		if _, ok := drop[w.anchorBefore.ID]; ok {
			w.anchorBefore = nil
			w.anchorLost[Backward] = w.hasMoreBefore
		}
	}
	if w.anchorAfter != nil {
		if _, ok := drop[w.anchorAfter.ID]; ok {
			w.anchorAfter = nil
			w.anchorLost[Forward] = w.hasMoreAfter
		}
	}
	return before - len(w.msgs)
}

// RefreshAnchors refetches the anchors that deletions removed. An edge
// with nothing left beyond it becomes exhausted. It reports whether the
// window changed; with no lost anchor it does nothing.
func (w *Window) RefreshAnchors(ctx context.Context) (bool, error) {
	w.mu.Lock()
	lost := w.anchorLost
	version := w.version
	lo, hasLo := w.boundary(Backward)
	hi, hasHi := w.boundary(Forward)
	w.mu.Unlock()
	if !lost[Backward] && !lost[Forward] {
		return false, nil
	}

	var prev, next []store.Message
	var err error
	if lost[Backward] && hasLo {
		if prev, err = w.src.QueryRange(ctx, w.roomID, nil, &lo, 1); err != nil {
			return false, fmt.Errorf("refresh anchor before %d: %w: %w", lo, ErrStoreUnavailable, err)
		}
	}
	if lost[Forward] && hasHi {
		if next, err = w.src.QueryRange(ctx, w.roomID, &hi, nil, 1); err != nil {
			return false, fmt.Errorf("refresh anchor after %d: %w: %w", hi, ErrStoreUnavailable, err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.version != version {
		return false, nil
	}
	changed := false
	if b, ok := w.boundary(Backward); lost[Backward] && hasLo && ok && b == lo && w.anchorLost[Backward] {
		if len(prev) > 0 {
			w.anchorBefore = cloneMsg(&prev[0])
		} else {
			w.hasMoreBefore = false
		}
		w.anchorLost[Backward] = false
		changed = true
	}
	if b, ok := w.boundary(Forward); lost[Forward] && hasHi && ok && b == hi && w.anchorLost[Forward] {
		if len(next) > 0 {
			w.anchorAfter = cloneMsg(&next[0])
		} else {
			w.hasMoreAfter = false
		}
		w.anchorLost[Forward] = false
		changed = true
	}
	w.setEdgeStates()
	return changed, nil
}

// Init resets the window around the reader's position: unread messages after
// readPosition (up to a page) topped up with already read ones before it.
// It returns the index of the first unread message, or of the last message
// when everything is read, or -1 for an empty room.
func (w *Window) Init(ctx context.Context, readPosition int64) (int, error) {
	w.resetMu.Lock()
	defer w.resetMu.Unlock()

	before, after, err := w.queryAround(ctx, readPosition)
	if err != nil {
		return -1, err
	}
	n := w.resetLocked(before, after, false)
	if len(after.rows) == 0 {
		return n - 1, nil
	}
	return len(before.rows), nil
}

// JumpTo resets the window so that it starts a page at the message with the
// given key and returns its index.
func (w *Window) JumpTo(ctx context.Context, orderKey int64) (int, error) {
	w.resetMu.Lock()
	defer w.resetMu.Unlock()

	target, err := w.src.FindByOrderKey(ctx, w.roomID, orderKey)
	if err != nil {
		return -1, fmt.Errorf("jump to %d: %w: %w", orderKey, ErrStoreUnavailable, err)
	}
	if target == nil {
		return -1, fmt.Errorf("jump to %d: %w", orderKey, ErrNotFound)
	}
	before, after, err := w.queryAround(ctx, orderKey-1)
	if err != nil {
		return -1, err
	}
	w.resetLocked(before, after, false)
	return len(before.rows), nil
}

// JumpToBottom resets the window to the newest page and returns the index of
// the last message (-1 when empty).
func (w *Window) JumpToBottom(ctx context.Context) (int, error) {
	w.resetMu.Lock()
	defer w.resetMu.Unlock()

	rows, err := w.src.QueryRange(ctx, w.roomID, nil, nil, w.pageSize+1)
	if err != nil {
		return -1, fmt.Errorf("jump to bottom: %w: %w", ErrStoreUnavailable, err)
	}
	before := page{rows: rows}
	if len(rows) > w.pageSize {
		before.anchor = cloneMsg(&rows[0])
		before.rows = rows[1:]
		before.more = true
	}
	n := w.resetLocked(before, page{}, true)
	return n - 1, nil
}

type page struct {
	rows   []store.Message
	anchor *store.Message
	more   bool
}

// queryAround fetches rows with key > pivot (up to a page) and fills the page
// with rows at or before pivot.
func (w *Window) queryAround(ctx context.Context, pivot int64) (page, page, error) {
	var before, after page

	rows, err := w.src.QueryRange(ctx, w.roomID, &pivot, nil, w.pageSize+1)
	if err != nil {
		return before, after, fmt.Errorf("query after %d: %w: %w", pivot, ErrStoreUnavailable, err)
	}
	after.rows = rows
	if len(rows) > w.pageSize {
		after.anchor = cloneMsg(&rows[w.pageSize])
		after.rows = rows[:w.pageSize]
		after.more = true
	}

	need := w.pageSize - len(after.rows)
	bound := pivot + 1
	rows, err = w.src.QueryRange(ctx, w.roomID, nil, &bound, need+1)
	if err != nil {
		return before, after, fmt.Errorf("query before %d: %w: %w", pivot, ErrStoreUnavailable, err)
	}
	before.rows = rows
	if len(rows) > need {
		before.anchor = cloneMsg(&rows[0])
		before.rows = rows[1:]
		before.more = true
	}
	return before, after, nil
}

// resetLocked replaces the window with before+after and starts a new
// generation. Caller holds resetMu.
func (w *Window) resetLocked(before, after page, bottom bool) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.version++
	w.inFlight = [2]bool{}
	w.state = [2]LoadState{Idle, Idle}
	w.msgs = append(slices.Clone(before.rows), after.rows...)
	w.hasMoreBefore = before.more
	w.anchorBefore = before.anchor
	w.hasMoreAfter = after.more
	w.anchorAfter = after.anchor
	w.anchorLost = [2]bool{}
	w.span = nil
	if bottom {
		w.hasMoreAfter = false
		w.anchorAfter = nil
	}
	w.setEdgeStates()
	return len(w.msgs)
}

// setEdgeStates derives each direction's state. A failed edge stays failed
// until its next load or a reset. Caller holds mu.
func (w *Window) setEdgeStates() {
	for _, dir := range []Direction{Backward, Forward} {
		switch {
		case w.inFlight[dir]:
			w.state[dir] = Loading
		case !w.hasMore(dir):
			w.state[dir] = Exhausted
		case w.state[dir] != Failed:
			w.state[dir] = Idle
		}
	}
}

func (w *Window) hasMore(dir Direction) bool {
	if dir == Forward {
		return w.hasMoreAfter
	}
	return w.hasMoreBefore
}

func (w *Window) boundary(dir Direction) (int64, bool) {
	if len(w.msgs) == 0 {
		if w.span == nil {
			return 0, false
		}
		if dir == Forward {
			return w.span[1], true
		}
		return w.span[0], true
	}
	if dir == Forward {
		return w.msgs[len(w.msgs)-1].OrderKey, true
	}
	return w.msgs[0].OrderKey, true
}

func (w *Window) indexOf(id string) int {
	return slices.IndexFunc(w.msgs, func(m store.Message) bool { return m.ID == id })
}

// dropKnown removes rows already present in the window. Caller holds mu.
func (w *Window) dropKnown(rows []store.Message) []store.Message {
	if len(w.msgs) == 0 {
		return rows
	}
	known := make(map[string]struct{}, len(w.msgs))
	for _, m := range w.msgs {
		known[m.ID] = struct{}{}
	}
	return slices.DeleteFunc(slices.Clone(rows), func(m store.Message) bool {
		_, ok := known[m.ID]
		return ok
	})
}

func cloneMsg(m *store.Message) *store.Message {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}
