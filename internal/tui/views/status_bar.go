package views

import (
	"fmt"
	"strings"

	"github.com/matheus3301/msglist/internal/conversation"
	"github.com/matheus3301/msglist/internal/tui/ui"
	"github.com/matheus3301/msglist/internal/window"
	"github.com/rivo/tview"
)

// StatusBar displays the profile, pagination state, selection and flash.
type StatusBar struct {
	*tview.TextView
	theme   *ui.Theme
	profile string
	snap    conversation.Snapshot
	hints   []string
	flash   *ui.FlashMessage
}

// NewStatusBar creates a new status bar.
func NewStatusBar(theme *ui.Theme) *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(theme.StatusBarBg)

	return &StatusBar{TextView: tv, theme: theme}
}

// SetProfile updates the profile name display.
func (sb *StatusBar) SetProfile(name string) {
	sb.profile = name
	sb.render()
}

// SetSnapshot updates the pagination and selection indicators.
func (sb *StatusBar) SetSnapshot(snap conversation.Snapshot) {
	sb.snap = snap
	sb.render()
}

// SetHints updates the key hints.
func (sb *StatusBar) SetHints(hints []string) {
	sb.hints = hints
	sb.render()
}

// SetFlash sets the transient message, nil clears it.
func (sb *StatusBar) SetFlash(msg *ui.FlashMessage) {
	sb.flash = msg
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()
	_, _ = fmt.Fprint(sb, statusLine(sb.profile, sb.snap, sb.hints, sb.theme, sb.flash))
}

func statusLine(profile string, snap conversation.Snapshot, hints []string, th *ui.Theme, flash *ui.FlashMessage) string {
	parts := []string{fmt.Sprintf(" [::b]%s[-:-:-]", tview.Escape(profile))}
	if loading := loadIndicator(snap); loading != "" {
		parts = append(parts, loading)
	}
	if snap.UnreadCount > 0 {
		parts = append(parts, fmt.Sprintf("[%s]%d unread[-]", ui.Tag(th.UnreadColor), snap.UnreadCount))
	}
	if snap.Selection.EditMode {
		parts = append(parts, fmt.Sprintf("[%s]edit %d/%d[-]", ui.Tag(th.SelectedColor),
			len(snap.Selection.Selected), snap.Selection.TotalSelectable))
	}
	if len(hints) > 0 {
		parts = append(parts, strings.Join(hints, " "))
	}
	if flash != nil {
		parts = append(parts, th.Markup(flash))
	}
	return strings.Join(parts, " | ")
}

func loadIndicator(snap conversation.Snapshot) string {
	var out []string
	for _, e := range []struct {
		arrow string
		state window.LoadState
	}{{"↑", snap.Before}, {"↓", snap.After}} {
		switch e.state {
		case window.Loading:
			out = append(out, e.arrow+"[green]~[-]")
		case window.Failed:
			out = append(out, e.arrow+"[red]![-]")
		}
	}
	return strings.Join(out, " ")
}
