package views

import (
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/msglist/internal/tui/ui"
	"github.com/rivo/tview"
)

// Composer is the text input for new messages and ':' commands.
type Composer struct {
	*tview.InputField
	onSubmit func(text string)
	onDone   func()
}

// NewComposer creates a new message composer.
func NewComposer(theme *ui.Theme) *Composer {
	input := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	input.SetFieldBackgroundColor(theme.BgColor)
	input.SetFieldTextColor(theme.FgColor)
	input.SetLabelColor(theme.MenuKeyColor)
	input.SetBackgroundColor(theme.BgColor)

	c := &Composer{InputField: input}

	input.SetDoneFunc(func(key tcell.Key) {
		switch key {
		case tcell.KeyEnter:
			text := strings.TrimSpace(c.GetText())
			if text != "" && c.onSubmit != nil {
				c.onSubmit(text)
			}
			c.SetText("")
		case tcell.KeyEscape:
			c.SetText("")
		}
		if c.onDone != nil {
			c.onDone()
		}
	})

	return c
}

// SetOnSubmit sets the callback for entered text.
func (c *Composer) SetOnSubmit(fn func(text string)) {
	c.onSubmit = fn
}

// SetOnDone sets the callback run when the composer gives up focus.
func (c *Composer) SetOnDone(fn func()) {
	c.onDone = fn
}
