// Package conversation runs one open conversation screen. A Session funnels
// every input (page loads, bus events, selection commands, reveals and
// visibility reports) through a single goroutine that owns assembly.
package conversation

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/msglist/internal/assemble"
	"github.com/matheus3301/msglist/internal/bus"
	"github.com/matheus3301/msglist/internal/confidential"
	"github.com/matheus3301/msglist/internal/contacts"
	"github.com/matheus3301/msglist/internal/metrics"
	"github.com/matheus3301/msglist/internal/readinfo"
	"github.com/matheus3301/msglist/internal/selection"
	"github.com/matheus3301/msglist/internal/store"
	"github.com/matheus3301/msglist/internal/window"
	"go.uber.org/zap"
)

// ErrClosed is returned by commands issued after Close.
var ErrClosed = errors.New("conversation closed")

// ScrollCoordinator applies assembled frames on the consumer side.
type ScrollCoordinator interface {
	Apply(Snapshot)
}

// VisibilityReporter receives the consumer's visible index range, in
// indexes of the last applied Snapshot.
type VisibilityReporter interface {
	ReportVisibleRange(first, last int, atBottom bool)
}

// Snapshot is one delivered frame.
type Snapshot struct {
	RoomID        string
	Seq           uint64
	Messages      []assemble.DisplayMessage
	Directive     assemble.Directive
	HasMoreBefore bool
	HasMoreAfter  bool
	Before        window.LoadState
	After         window.LoadState
	Selection     selection.State
	UnreadCount   int
}

type eventKind int

const (
	evRefresh eventKind = iota
	evLoaded
	evReset
	evVisible
	evRecheck
)

type event struct {
	kind eventKind

	dir    window.Direction
	result window.LoadResult
	err    error

	directive *assemble.Directive

	first, last int
	atBottom    bool
}

// Session is one open conversation. Its methods are safe for concurrent use.
type Session struct {
	roomID   string
	selfID   string
	nearEdge int
	loc      *time.Location

	win   *window.Window
	reads *readinfo.Tracker
	sel   *selection.Selection
	conf  *confidential.Tracker
	names *contacts.Cache

	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	out    chan Snapshot
	done   chan struct{}
	once   sync.Once

	// Owned by the funnel goroutine.
	pending   *assemble.Directive
	prev      *assemble.Result
	shown     []assemble.DisplayMessage
	atBottom  bool
	visible   [2]int
	hasVis    bool
	seq       uint64
	recheck   *time.Timer
	violation bool
	lastFrame *Snapshot
	queue     []Snapshot
}

// RoomID returns the conversation's room.
func (s *Session) RoomID() string {
	return s.roomID
}

// Snapshots delivers every frame in order. Frames wait in a queue owned by
// the funnel until the consumer receives them. The channel is closed after
// Close.
func (s *Session) Snapshots() <-chan Snapshot {
	return s.out
}

// start positions the window around the viewer's read position and starts
// the funnel.
func (s *Session) start() error {
	s.reads.Refresh(s.ctx)
	idx, err := s.win.Init(s.ctx, s.reads.Self())
	if err != nil {
		return err
	}
	if idx >= 0 {
		snap := s.win.Snapshot()
		d := assemble.MessageDirective(snap.Messages[idx].OrderKey)
		s.pending = &d
	}

	msgCh, unsubMsg := s.bus.Subscribe("message.", 256)
	readCh, unsubRead := s.bus.Subscribe("read.", 64)
	go func() {
		defer close(s.done)
		defer close(s.out)
		defer unsubMsg()
		defer unsubRead()
		s.loop(msgCh, readCh)
	}()
	s.post(event{kind: evRefresh})
	return nil
}

func (s *Session) loop(msgCh, readCh <-chan bus.Event) {
	for {
		var (
			dirty bool
			out   chan<- Snapshot
			head  Snapshot
		)
		if len(s.queue) > 0 {
			out, head = s.out, s.queue[0]
		}
		select {
		case out <- head:
			s.queue[0] = Snapshot{}
			s.queue = s.queue[1:]
		case <-s.ctx.Done():
			if s.recheck != nil {
				s.recheck.Stop()
			}
			return
		case evt := <-msgCh:
			dirty = s.handleBus(evt)
		case evt := <-readCh:
			dirty = s.handleBus(evt)
		case ev := <-s.events:
			dirty = s.handle(ev)
		}
		if dirty {
			s.assemble()
		}
	}
}

func (s *Session) handleBus(evt bus.Event) bool {
	switch p := evt.Payload.(type) {
	case bus.MessagePayload:
		if p.Message.RoomID != s.roomID {
			return false
		}
		return s.win.OnLiveMessage(p.Message)
	case bus.DeletedPayload:
		if p.RoomID != s.roomID {
			return false
		}
		removed := s.win.OnDeleted(p.IDs)
		refreshed, err := s.win.RefreshAnchors(s.ctx)
		if err != nil && s.ctx.Err() == nil {
			s.logger.Warn("anchor refresh failed", zap.String("room", s.roomID), zap.Error(err))
		}
		return removed > 0 || refreshed
	case bus.ReadPayload:
		if p.Info.RoomID != s.roomID {
			return false
		}
		s.reads.OnReadPositionChanged(p.Info.UserID, p.Info.Position)
		return true
	}
	return false
}

func (s *Session) handle(ev event) bool {
	switch ev.kind {
	case evLoaded:
		outcome := "ok"
		switch {
		case ev.err != nil:
			outcome = "failed"
			s.logger.Warn("page load failed", zap.String("room", s.roomID),
				zap.Stringer("direction", ev.dir), zap.Error(ev.err))
		case ev.result.Skipped:
			outcome = "skipped"
		case ev.result.Stale:
			outcome = "stale"
		}
		s.metrics.PageLoad(ev.dir.String(), outcome)
		return outcome != "skipped"
	case evReset:
		if ev.err != nil {
			s.logger.Warn("jump failed", zap.String("room", s.roomID), zap.Error(ev.err))
			return false
		}
		s.pending = ev.directive
		return true
	case evVisible:
		s.visible = [2]int{ev.first, ev.last}
		s.hasVis = true
		s.atBottom = ev.atBottom
		s.onVisible()
		return true
	case evRecheck:
		if s.hasVis {
			s.onVisible()
		}
		return true
	}
	return true
}

// onVisible feeds the visible messages to the confidential tracker, moves
// the read position and triggers loads near either edge.
func (s *Session) onVisible() {
	first, last := s.visible[0], s.visible[1]
	first = max(first, 0)
	last = min(last, len(s.shown)-1)
	if first > last {
		s.conf.ReportVisible(s.roomID, nil)
		return
	}

	msgs := make([]store.Message, 0, last-first+1)
	var newest int64
	for _, d := range s.shown[first : last+1] {
		msgs = append(msgs, d.Message)
		newest = max(newest, d.OrderKey)
	}
	if wait := s.conf.ReportVisible(s.roomID, msgs); wait > 0 {
		if s.recheck != nil {
			s.recheck.Stop()
		}
		s.recheck = time.AfterFunc(wait, func() { s.post(event{kind: evRecheck}) })
	}

	if newest > s.reads.Self() {
		go func() {
			if _, err := s.reads.MarkRead(s.ctx, newest); err != nil && s.ctx.Err() == nil {
				s.logger.Warn("mark read failed", zap.String("room", s.roomID), zap.Error(err))
			}
		}()
	}

	snap := s.win.Snapshot()
	if first < s.nearEdge && snap.HasMoreBefore && snap.Before != window.Loading {
		s.load(window.Backward)
	}
	if last >= len(s.shown)-1-s.nearEdge && snap.HasMoreAfter && snap.After != window.Loading {
		s.load(window.Forward)
	}
}

func (s *Session) assemble() {
	snap := s.win.Snapshot()

	loaded := make(map[string]struct{}, len(snap.Messages))
	authors := make([]string, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		loaded[m.ID] = struct{}{}
		authors = append(authors, m.AuthorID)
	}
	if dropped := s.sel.Retain(loaded); len(dropped) > 0 {
		s.logger.Debug("selection pruned", zap.String("room", s.roomID), zap.Strings("ids", dropped))
	}
	if err := s.names.Ensure(s.ctx, authors); err != nil && s.ctx.Err() == nil {
		s.logger.Warn("contacts unavailable", zap.Error(err))
	}

	res, err := assemble.Assemble(assemble.Input{
		Messages:     snap.Messages,
		AnchorBefore: snap.AnchorBefore,
		AnchorAfter:  snap.AnchorAfter,
		ReadInfo:     s.reads.Current(),
		SelfID:       s.selfID,
		Selection:    s.sel.Snapshot(),
		Pending:      s.pending,
		WasAtBottom:  s.atBottom,
		Previous:     s.prev,
		Location:     s.loc,
		Names:        s.names,
		Cover:        s.conf,
	})
	if err != nil {
		s.metrics.OrderingViolation()
		if !s.violation {
			s.logger.Error("assembly rejected, keeping last frame", zap.String("room", s.roomID), zap.Error(err))
		}
		s.violation = true
		return
	}
	s.violation = false
	s.metrics.Assembled(res.Changed)
	s.pending = nil

	frame := Snapshot{
		RoomID:        s.roomID,
		Messages:      res.Messages,
		Directive:     res.Directive,
		HasMoreBefore: snap.HasMoreBefore,
		HasMoreAfter:  snap.HasMoreAfter,
		Before:        snap.Before,
		After:         snap.After,
		Selection:     s.sel.Snapshot(),
		UnreadCount:   res.UnreadCount,
	}
	// The directive is consumed by this frame.
	res.Directive = assemble.Directive{}
	s.prev = &res
	if !res.Changed && !s.metaChanged(frame) {
		return
	}
	s.seq++
	frame.Seq = s.seq
	s.shown = res.Messages
	s.deliver(frame)
}

// metaChanged reports changes outside the message list: load states and
// the selection counters the consumer shows in its header.
func (s *Session) metaChanged(f Snapshot) bool {
	last := s.lastFrame
	return last == nil ||
		last.HasMoreBefore != f.HasMoreBefore || last.HasMoreAfter != f.HasMoreAfter ||
		last.Before != f.Before || last.After != f.After ||
		last.Selection.EditMode != f.Selection.EditMode ||
		last.Selection.TotalSelectable != f.Selection.TotalSelectable ||
		len(last.Selection.Selected) != len(f.Selection.Selected) ||
		last.UnreadCount != f.UnreadCount
}

// deliver queues f behind the frames the consumer has not received yet.
func (s *Session) deliver(f Snapshot) {
	s.lastFrame = &f
	s.queue = append(s.queue, f)
}

func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) load(dir window.Direction) {
	go func() {
		var (
			res window.LoadResult
			err error
		)
		if dir == window.Forward {
			res, err = s.win.LoadForward(s.ctx)
		} else {
			res, err = s.win.LoadBackward(s.ctx)
		}
		s.post(event{kind: evLoaded, dir: dir, result: res, err: err})
	}()
}

// LoadOlder requests the page before the loaded range. It returns at once;
// a request while one is in flight is a no-op.
func (s *Session) LoadOlder() {
	s.load(window.Backward)
}

// LoadNewer requests the page after the loaded range.
func (s *Session) LoadNewer() {
	s.load(window.Forward)
}

// JumpTo repositions the window on the message with the given key.
func (s *Session) JumpTo(orderKey int64) {
	go func() {
		_, err := s.win.JumpTo(s.ctx, orderKey)
		d := assemble.MessageDirective(orderKey)
		s.post(event{kind: evReset, directive: &d, err: err})
	}()
}

// JumpToBottom repositions the window on the newest page.
func (s *Session) JumpToBottom() {
	go func() {
		_, err := s.win.JumpToBottom(s.ctx)
		d := assemble.BottomDirective()
		s.post(event{kind: evReset, directive: &d, err: err})
	}()
}

// ReportVisibleRange implements VisibilityReporter.
func (s *Session) ReportVisibleRange(first, last int, atBottom bool) {
	s.post(event{kind: evVisible, first: first, last: last, atBottom: atBottom})
}

// SetEditMode enters or leaves selection mode.
func (s *Session) SetEditMode(ctx context.Context, on bool) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	if err := s.sel.SetEditMode(ctx, on); err != nil {
		return err
	}
	s.refresh()
	return nil
}

// Toggle flips the selection of a loaded message.
func (s *Session) Toggle(id string) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	msg, ok := s.loaded(id)
	if !ok {
		return selection.ErrSelectionRejected
	}
	if err := s.sel.Toggle(msg, !s.sel.Snapshot().Has(id)); err != nil {
		return err
	}
	s.refresh()
	return nil
}

// Collect returns the selected messages and leaves edit mode.
func (s *Session) Collect(ctx context.Context) ([]store.Message, error) {
	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}
	msgs, err := s.sel.Collect(ctx)
	if err != nil {
		return nil, err
	}
	s.refresh()
	return msgs, nil
}

// Reveal opens a confidential message. The receipt goes out at most once.
func (s *Session) Reveal(ctx context.Context, id string) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	msg, ok := s.loaded(id)
	if !ok {
		return window.ErrNotFound
	}
	err := s.conf.Reveal(ctx, msg)
	s.refresh()
	return err
}

func (s *Session) refresh() {
	s.post(event{kind: evRefresh})
}

func (s *Session) loaded(id string) (store.Message, bool) {
	snap := s.win.Snapshot()
	i := slices.IndexFunc(snap.Messages, func(m store.Message) bool { return m.ID == id })
	if i < 0 {
		return store.Message{}, false
	}
	return snap.Messages[i], true
}

// Close stops the funnel, forgets the screen's unseen confidential entries
// and starts a detached deletion flush. It is safe to call more than once.
func (s *Session) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.conf.Discard(s.roomID)
		s.conf.FlushAsync()
		s.logger.Info("conversation closed", zap.String("room", s.roomID))
	})
}

// Pump applies every snapshot of s to c until the session closes.
func Pump(s *Session, c ScrollCoordinator) {
	for snap := range s.Snapshots() {
		c.Apply(snap)
	}
}
