// Package assemble turns a window of messages plus read positions, the
// selection and confidential cover state into the annotated list a renderer
// draws, together with one scroll directive.
//
// Assemble is a pure function. It never reorders or mutates messages.
package assemble

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/matheus3301/msglist/internal/selection"
	"github.com/matheus3301/msglist/internal/store"
)

// ErrOrderingViolation is returned when the window hands over messages with
// descending order keys.
var ErrOrderingViolation = errors.New("messages out of order")

// NameResolver maps a user id to a display name.
type NameResolver interface {
	DisplayName(userID string) string
}

// CoverState reports whether a confidential message must stay hidden.
type CoverState interface {
	Covered(m store.Message) bool
}

// DisplayMessage is a message with frame-local annotations.
type DisplayMessage struct {
	store.Message

	ShowAuthorName    bool
	ShowDaySeparator  bool
	ShowTimestamp     bool
	ShowUnreadDivider bool
	IsSelected        bool
	IsEditable        bool
	Covered           bool
	// ReadCount is how many other participants read past an own message.
	ReadCount  int
	AuthorName string
}

// Input is everything one assembly pass looks at.
type Input struct {
	Messages     []store.Message
	AnchorBefore *store.Message
	AnchorAfter  *store.Message

	ReadInfo  []store.ReadInfo
	SelfID    string
	Selection selection.State

	// Pending is an explicit scroll request waiting to be emitted.
	Pending *Directive
	// WasAtBottom reports whether the consumer showed the tail of Previous.
	WasAtBottom bool
	Previous    *Result

	Location *time.Location
	Names    NameResolver
	Cover    CoverState
}

// Result is one assembled frame.
type Result struct {
	Messages  []DisplayMessage
	Directive Directive
	// Changed is false when messages, flags and directive equal Previous.
	Changed bool
	// DroppedSelection lists selected ids that are not in the window.
	DroppedSelection []string
	UnreadCount      int
}

// Assemble runs one pass.
func Assemble(in Input) (Result, error) {
	for i := 1; i < len(in.Messages); i++ {
		if in.Messages[i].OrderKey < in.Messages[i-1].OrderKey {
			return Result{}, fmt.Errorf("%w: key %d (%s) after %d (%s)", ErrOrderingViolation,
				in.Messages[i].OrderKey, in.Messages[i].ID, in.Messages[i-1].OrderKey, in.Messages[i-1].ID)
		}
	}
	loc := in.Location
	if loc == nil {
		loc = time.Local
	}

	msgs := make([]store.Message, 0, len(in.Messages))
	for _, m := range in.Messages {
		if !blankNotify(m) {
			msgs = append(msgs, m)
		}
	}
	before := in.AnchorBefore
	if before != nil && blankNotify(*before) {
		before = nil
	}
	after := in.AnchorAfter
	if after != nil && blankNotify(*after) {
		after = nil
	}

	selfPos, hasSelfPos := int64(0), false
	var others []int64
	for _, r := range in.ReadInfo {
		if r.UserID == in.SelfID {
			selfPos, hasSelfPos = r.Position, true
			continue
		}
		others = append(others, r.Position)
	}
	slices.Sort(others)

	out := make([]DisplayMessage, len(msgs))
	dividerSet := false
	unread := 0
	for i, m := range msgs {
		prev, next := before, after
		if i > 0 {
			prev = &msgs[i-1]
		}
		if i < len(msgs)-1 {
			next = &msgs[i+1]
		}

		d := DisplayMessage{Message: m}
		d.ShowDaySeparator = prev == nil || !sameDay(*prev, m, loc)
		d.ShowAuthorName = prev == nil || d.ShowDaySeparator || prev.AuthorID != m.AuthorID || prev.Kind == store.KindNotify
		d.ShowTimestamp = next == nil || !sameDay(m, *next, loc) || next.AuthorID != m.AuthorID

		if !m.IsMine && m.Kind != store.KindNotify && m.OrderKey > selfPos {
			unread++
			if hasSelfPos && !dividerSet {
				d.ShowUnreadDivider = true
				dividerSet = true
			}
		}
		if m.IsMine {
			// Positions at or past the message key.
			d.ReadCount = len(others) - sort.Search(len(others), func(j int) bool { return others[j] >= m.OrderKey })
		}

		if in.Selection.EditMode {
			d.IsEditable = m.Selectable()
			d.IsSelected = in.Selection.Has(m.ID)
		}
		d.AuthorName = m.AuthorID
		if in.Names != nil {
			d.AuthorName = in.Names.DisplayName(m.AuthorID)
		}
		if in.Cover != nil {
			d.Covered = in.Cover.Covered(m)
		}
		out[i] = d
	}

	res := Result{
		Messages:         out,
		Directive:        directive(in, out),
		DroppedSelection: droppedSelection(in),
		UnreadCount:      unread,
	}
	res.Changed = in.Previous == nil ||
		res.Directive != in.Previous.Directive ||
		!slices.Equal(res.Messages, in.Previous.Messages)
	return res, nil
}

func directive(in Input, out []DisplayMessage) Directive {
	if in.Pending != nil {
		return *in.Pending
	}
	if !in.WasAtBottom || in.Previous == nil {
		return Directive{}
	}
	// Follow the tail when it moved past the previous newest message. A
	// bounded window trims its head on append, so the length may not grow.
	prev := in.Previous.Messages
	if len(out) == 0 {
		return Directive{}
	}
	if len(prev) == 0 || out[len(out)-1].OrderKey > prev[len(prev)-1].OrderKey {
		return BottomDirective()
	}
	return Directive{}
}

func droppedSelection(in Input) []string {
	if len(in.Selection.Selected) == 0 {
		return nil
	}
	loaded := make(map[string]struct{}, len(in.Messages))
	for _, m := range in.Messages {
		loaded[m.ID] = struct{}{}
	}
	var dropped []string
	for id := range in.Selection.Selected {
		if _, ok := loaded[id]; !ok {
			dropped = append(dropped, id)
		}
	}
	slices.Sort(dropped)
	return dropped
}

func blankNotify(m store.Message) bool {
	return m.Kind == store.KindNotify && strings.TrimSpace(m.Body) == ""
}

// dayTime is the instant used for calendar-day comparisons. Rows without a
// sender timestamp fall back to the order key, which is also milliseconds.
func dayTime(m store.Message) int64 {
	if m.SentAt != 0 {
		return m.SentAt
	}
	return m.OrderKey
}

func sameDay(a, b store.Message, loc *time.Location) bool {
	ya, ma, da := time.UnixMilli(dayTime(a)).In(loc).Date()
	yb, mb, db := time.UnixMilli(dayTime(b)).In(loc).Date()
	return ya == yb && ma == mb && da == db
}
