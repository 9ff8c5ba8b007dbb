// Package tui is the terminal conversation viewer. It applies session
// snapshots and reports what is on screen back to the session.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/msglist/internal/confidential"
	"github.com/matheus3301/msglist/internal/conversation"
	"github.com/matheus3301/msglist/internal/selection"
	"github.com/matheus3301/msglist/internal/tui/keys"
	"github.com/matheus3301/msglist/internal/tui/ui"
	"github.com/matheus3301/msglist/internal/tui/views"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const (
	scopeThread = "thread"
	scopeEdit   = "edit"
)

// ComposeFunc posts a message typed in the composer.
type ComposeFunc func(ctx context.Context, text string, confidential bool) error

// Options configures the viewer.
type Options struct {
	Profile  string
	RoomName string
	Location *time.Location
	Compose  ComposeFunc
	Logger   *zap.Logger
}

// App is the viewer shell. It implements conversation.ScrollCoordinator.
type App struct {
	app      *tview.Application
	session  *conversation.Session
	thread   *views.Thread
	status   *views.StatusBar
	composer *views.Composer
	registry *keys.Registry
	flash    *ui.FlashModel
	compose  ComposeFunc
	logger   *zap.Logger
	editing  bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewApp creates the viewer for an open session.
func NewApp(s *conversation.Session, opts Options) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{
		app:      tview.NewApplication(),
		session:  s,
		thread:   views.NewThread(theme, opts.Location),
		status:   views.NewStatusBar(theme),
		composer: views.NewComposer(theme),
		registry: keys.NewRegistry(),
		flash:    ui.NewFlashModel(),
		compose:  opts.Compose,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	name := opts.RoomName
	if name == "" {
		name = s.RoomID()
	}
	a.thread.SetRoomName(name)
	a.status.SetProfile(opts.Profile)
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()
	a.status.SetHints(a.registry.Hints(scopeThread))

	return a
}

// Apply implements conversation.ScrollCoordinator.
func (a *App) Apply(snap conversation.Snapshot) {
	a.app.QueueUpdateDraw(func() {
		a.thread.Render(snap)
		a.status.SetSnapshot(snap)
		if snap.Selection.EditMode != a.editing {
			a.editing = snap.Selection.EditMode
			a.status.SetHints(a.registry.Hints(a.scope()))
		}
	})
}

func (a *App) scope() string {
	if a.editing {
		return scopeEdit
	}
	return scopeThread
}

func (a *App) setupBindings() {
	bind := func(r rune, desc string, visible bool, fn func()) *keys.Action {
		return &keys.Action{Key: tcell.KeyRune, Rune: r, Description: desc, Visible: visible, Handler: fn}
	}

	a.registry.AddGlobal(bind('j', "j/k:move", true, func() { a.thread.Move(1) }))
	a.registry.AddGlobal(bind('k', "", false, func() { a.thread.Move(-1) }))
	a.registry.AddGlobal(&keys.Action{Key: tcell.KeyDown, Handler: func() { a.thread.Move(1) }})
	a.registry.AddGlobal(&keys.Action{Key: tcell.KeyUp, Handler: func() { a.thread.Move(-1) }})
	a.registry.AddGlobal(bind('g', "g/G:top/bottom", true, func() {
		a.thread.Top()
		a.session.LoadOlder()
	}))
	a.registry.AddGlobal(bind('G', "", false, func() { a.session.JumpToBottom() }))
	a.registry.AddGlobal(bind('e', "e:edit", true, a.toggleEdit))
	a.registry.AddGlobal(bind('r', "r:reveal", true, a.reveal))
	a.registry.AddGlobal(bind('i', "i:compose", true, func() { a.focusComposer("") }))
	a.registry.AddGlobal(bind(':', "", false, func() { a.focusComposer(":") }))
	a.registry.AddGlobal(bind('q', "q:quit", true, a.Stop))

	a.registry.Add(scopeEdit, bind(' ', "space:select", true, a.toggleSelected))
	a.registry.Add(scopeEdit, bind('c', "c:collect", true, a.collect))
}

func (a *App) setupCallbacks() {
	a.thread.SetOnVisible(a.session.ReportVisibleRange)

	a.composer.SetOnSubmit(func(text string) {
		if strings.HasPrefix(text, ":") {
			a.runCommand(ParseCommand(text[1:]))
			return
		}
		a.post(text, false)
	})
	a.composer.SetOnDone(func() {
		a.app.SetFocus(a.thread)
	})
}

func (a *App) setupLayout() {
	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.thread, 0, 1, true).
		AddItem(a.composer, 1, 0, false).
		AddItem(a.status, 1, 0, false)

	a.app.SetRoot(root, true)
	a.app.SetAfterDrawFunc(func(tcell.Screen) {
		a.thread.ReportVisible()
	})

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		// Let the composer handle all keys while it has focus.
		if a.app.GetFocus() == a.composer.InputField {
			return event
		}
		if a.registry.HandleEvent(a.scope(), event) {
			return nil
		}
		return event
	})
}

func (a *App) focusComposer(prefill string) {
	a.composer.SetText(prefill)
	a.app.SetFocus(a.composer.InputField)
}

func (a *App) runCommand(cmd Command) {
	switch cmd.Name {
	case "jump":
		key, err := cmd.OrderKey()
		if err != nil {
			a.notifyErr(err)
			return
		}
		a.session.JumpTo(key)
	case "bottom":
		a.session.JumpToBottom()
	case "top":
		a.thread.Top()
		a.session.LoadOlder()
	case "edit":
		a.toggleEdit()
	case "secret":
		if cmd.Args != "" {
			a.post(cmd.Args, true)
		}
	case "q", "quit":
		a.Stop()
	default:
		a.notifyErr(fmt.Errorf("unknown command %q", cmd.Name))
	}
}

func (a *App) post(text string, secret bool) {
	if a.compose == nil {
		a.notifyErr(errors.New("composing is disabled"))
		return
	}
	go func() {
		if err := a.compose(a.ctx, text, secret); err != nil {
			a.logger.Error("compose failed", zap.Error(err))
			a.notifyErr(err)
		}
	}()
}

func (a *App) toggleEdit() {
	on := !a.editing
	go func() {
		if err := a.session.SetEditMode(a.ctx, on); err != nil {
			a.notifyErr(err)
		}
	}()
}

func (a *App) toggleSelected() {
	m, ok := a.thread.Cursor()
	if !ok {
		return
	}
	if err := a.session.Toggle(m.ID); err != nil {
		if errors.Is(err, selection.ErrSelectionRejected) {
			a.flash.Warn("this message cannot be selected")
			a.status.SetFlash(a.flash.Current())
			return
		}
		a.notifyErr(err)
	}
}

func (a *App) collect() {
	go func() {
		msgs, err := a.session.Collect(a.ctx)
		if err != nil {
			a.notifyErr(err)
			return
		}
		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		a.logger.Info("selection collected", zap.Strings("ids", ids))
		a.flash.Info("collected %d messages", len(msgs))
		a.app.QueueUpdateDraw(func() { a.status.SetFlash(a.flash.Current()) })
	}()
}

func (a *App) reveal() {
	m, ok := a.thread.Cursor()
	if !ok || !m.Ephemeral {
		return
	}
	go func() {
		err := a.session.Reveal(a.ctx, m.ID)
		switch {
		case errors.Is(err, confidential.ErrReceiptDispatchFailed):
			a.flash.Warn("revealed, but the view receipt could not be queued")
			a.app.QueueUpdateDraw(func() { a.status.SetFlash(a.flash.Current()) })
		case err != nil:
			a.notifyErr(err)
		}
	}()
}

// notifyErr shows err in the status bar. Safe from any goroutine.
func (a *App) notifyErr(err error) {
	a.flash.Err(err)
	a.app.QueueUpdateDraw(func() { a.status.SetFlash(a.flash.Current()) })
}

// Run starts the viewer and blocks until it quits.
func (a *App) Run() error {
	go conversation.Pump(a.session, a)
	go a.expireFlash()
	return a.app.Run()
}

func (a *App) expireFlash() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.app.QueueUpdateDraw(func() { a.status.SetFlash(a.flash.Current()) })
		case <-a.ctx.Done():
			return
		}
	}
}

// Stop gracefully shuts down the viewer.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
