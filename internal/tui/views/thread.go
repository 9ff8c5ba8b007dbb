package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/msglist/internal/assemble"
	"github.com/matheus3301/msglist/internal/conversation"
	"github.com/matheus3301/msglist/internal/store"
	"github.com/matheus3301/msglist/internal/tui/ui"
	"github.com/matheus3301/msglist/internal/window"
	"github.com/rivo/tview"
)

// line is one table row. msg is the message index, -1 for decoration rows.
type line struct {
	text string
	msg  int
}

// Thread renders conversation snapshots as a table, one row per message
// plus day separators and the unread divider.
type Thread struct {
	*tview.Table
	theme *ui.Theme
	loc   *time.Location

	snap   conversation.Snapshot
	lines  []line
	rowOf  []int
	cursor int

	lastVisible [2]int
	lastBottom  bool
	onVisible   func(first, last int, atBottom bool)
}

// NewThread creates an empty thread view.
func NewThread(theme *ui.Theme, loc *time.Location) *Thread {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetSelectedStyle(tcell.StyleDefault.Foreground(theme.CursorFg).Background(theme.CursorBg))
	table.SetBorder(true)
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetTitleColor(theme.TitleColor)
	if loc == nil {
		loc = time.Local
	}
	return &Thread{Table: table, theme: theme, loc: loc, cursor: -1, lastVisible: [2]int{-1, -1}}
}

// SetOnVisible sets the callback receiving the visible message range.
func (t *Thread) SetOnVisible(fn func(first, last int, atBottom bool)) {
	t.onVisible = fn
}

// SetRoomName updates the title.
func (t *Thread) SetRoomName(name string) {
	t.SetTitle(fmt.Sprintf(" %s ", name))
}

// Render replaces the content with snap and applies its scroll directive.
func (t *Thread) Render(snap conversation.Snapshot) {
	prevID := ""
	if t.cursor >= 0 && t.cursor < len(t.snap.Messages) {
		prevID = t.snap.Messages[t.cursor].ID
	}
	t.snap = snap
	t.cursor = resolveCursor(snap, prevID, t.cursor)
	t.lines, t.rowOf = buildLines(snap, t.theme, t.loc)

	t.Clear()
	for row, l := range t.lines {
		cell := tview.NewTableCell(l.text).SetExpansion(1)
		if l.msg < 0 {
			cell.SetSelectable(false)
		}
		t.SetCell(row, 0, cell)
	}
	if t.cursor >= 0 {
		t.Select(t.rowOf[t.cursor], 0)
	}
	if snap.Directive.Kind == assemble.ToBottom {
		t.ScrollToEnd()
	}
}

// Cursor returns the message under the cursor.
func (t *Thread) Cursor() (assemble.DisplayMessage, bool) {
	if t.cursor < 0 || t.cursor >= len(t.snap.Messages) {
		return assemble.DisplayMessage{}, false
	}
	return t.snap.Messages[t.cursor], true
}

// Move shifts the cursor by delta messages, clamped to the loaded range.
func (t *Thread) Move(delta int) {
	if len(t.snap.Messages) == 0 {
		return
	}
	t.cursor = min(max(t.cursor+delta, 0), len(t.snap.Messages)-1)
	t.Select(t.rowOf[t.cursor], 0)
}

// Top moves the cursor to the first loaded message.
func (t *Thread) Top() {
	t.Move(-len(t.snap.Messages))
}

// ReportVisible computes the message range on screen and reports it when it
// changed. Call it after every draw.
func (t *Thread) ReportVisible() {
	if t.onVisible == nil {
		return
	}
	offset, _ := t.GetOffset()
	_, _, _, height := t.GetInnerRect()
	first, last := visibleRange(t.lines, offset, height)
	atBottom := len(t.snap.Messages) > 0 && last == len(t.snap.Messages)-1 && !t.snap.HasMoreAfter
	if [2]int{first, last} == t.lastVisible && atBottom == t.lastBottom {
		return
	}
	t.lastVisible = [2]int{first, last}
	t.lastBottom = atBottom
	t.onVisible(first, last, atBottom)
}

// resolveCursor applies a directive, or keeps the cursor on the message it
// was on.
func resolveCursor(snap conversation.Snapshot, prevID string, prev int) int {
	n := len(snap.Messages)
	if n == 0 {
		return -1
	}
	switch d := snap.Directive; d.Kind {
	case assemble.ToBottom:
		return n - 1
	case assemble.ToPosition:
		return min(max(d.Index, 0), n-1)
	case assemble.ToMessage:
		for i, m := range snap.Messages {
			if m.OrderKey >= d.OrderKey {
				return i
			}
		}
		return n - 1
	}
	if prevID != "" {
		for i, m := range snap.Messages {
			if m.ID == prevID {
				return i
			}
		}
	}
	return min(max(prev, 0), n-1)
}

// visibleRange maps the table rows offset..offset+height-1 to message indexes.
func visibleRange(lines []line, offset, height int) (int, int) {
	first, last := -1, -1
	for row := offset; row < offset+height && row < len(lines); row++ {
		if m := lines[row].msg; m >= 0 {
			if first < 0 {
				first = m
			}
			last = m
		}
	}
	return first, last
}

func buildLines(snap conversation.Snapshot, th *ui.Theme, loc *time.Location) ([]line, []int) {
	lines := make([]line, 0, len(snap.Messages)+4)
	rowOf := make([]int, len(snap.Messages))
	if snap.HasMoreBefore {
		lines = append(lines, line{text: edgeText(snap.Before, th), msg: -1})
	}
	for i, m := range snap.Messages {
		if m.ShowDaySeparator {
			day := time.UnixMilli(sentAt(m.Message)).In(loc).Format("Mon, 02 Jan 2006")
			lines = append(lines, line{text: fmt.Sprintf("[%s]── %s ──[-]", ui.Tag(th.SeparatorColor), day), msg: -1})
		}
		if m.ShowUnreadDivider {
			lines = append(lines, line{text: fmt.Sprintf("[%s::b]── unread ──[-::-]", ui.Tag(th.UnreadColor)), msg: -1})
		}
		rowOf[i] = len(lines)
		lines = append(lines, line{text: formatMessage(m, snap.Selection.EditMode, th, loc), msg: i})
	}
	if snap.HasMoreAfter {
		lines = append(lines, line{text: edgeText(snap.After, th), msg: -1})
	}
	return lines, rowOf
}

func edgeText(state window.LoadState, th *ui.Theme) string {
	return fmt.Sprintf("[%s]… %s …[-]", ui.Tag(th.DimColor), strings.ToLower(string(state)))
}

// formatMessage renders one message row.
func formatMessage(m assemble.DisplayMessage, editing bool, th *ui.Theme, loc *time.Location) string {
	var b strings.Builder
	if editing {
		switch {
		case m.IsSelected:
			fmt.Fprintf(&b, "[%s]%s[-] ", ui.Tag(th.SelectedColor), tview.Escape("[x]"))
		case m.IsEditable:
			b.WriteString(tview.Escape("[ ]") + " ")
		default:
			b.WriteString("    ")
		}
	}

	if m.Kind == store.KindNotify {
		fmt.Fprintf(&b, "[%s::i]%s[-::-]", ui.Tag(th.DimColor), tview.Escape(sanitizeForTerminal(m.Body)))
		return b.String()
	}

	if m.ShowTimestamp {
		fmt.Fprintf(&b, "[%s]%s[-] ", ui.Tag(th.DimColor), time.UnixMilli(sentAt(m.Message)).In(loc).Format("15:04"))
	} else {
		b.WriteString("      ")
	}
	if m.ShowAuthorName {
		color, name := th.AuthorColor, m.AuthorName
		if m.IsMine {
			color, name = th.MineColor, "You"
		}
		fmt.Fprintf(&b, "[%s::b]%s[-::-]: ", ui.Tag(color), tview.Escape(sanitizeForTerminal(name)))
	}

	switch {
	case m.Covered:
		fmt.Fprintf(&b, "[%s]▒▒ confidential, press r to reveal ▒▒[-]", ui.Tag(th.CoverColor))
	case m.Kind == store.KindAttachment:
		fmt.Fprintf(&b, "[::u]attachment[::-] %s", tview.Escape(sanitizeForTerminal(m.Body)))
	case m.Kind == store.KindSharedContact:
		fmt.Fprintf(&b, "[::u]contact[::-] %s", tview.Escape(sanitizeForTerminal(m.Body)))
	case m.Kind == store.KindForwardedBundle:
		fmt.Fprintf(&b, "[::u]forwarded[::-] %s", tview.Escape(sanitizeForTerminal(m.Body)))
	default:
		b.WriteString(tview.Escape(sanitizeForTerminal(m.Body)))
	}
	if m.Ephemeral && !m.Covered {
		fmt.Fprintf(&b, " [%s]⌛[-]", ui.Tag(th.CoverColor))
	}
	if m.IsMine && m.ReadCount > 0 {
		fmt.Fprintf(&b, " [%s]✓%d[-]", ui.Tag(th.DimColor), m.ReadCount)
	}
	return b.String()
}

func sentAt(m store.Message) int64 {
	if m.SentAt != 0 {
		return m.SentAt
	}
	return m.OrderKey
}
