package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
)

// Theme holds color constants for the viewer.
type Theme struct {
	BgColor        tcell.Color
	FgColor        tcell.Color
	BorderColor    tcell.Color
	TitleColor     tcell.Color
	CursorFg       tcell.Color
	CursorBg       tcell.Color
	AuthorColor    tcell.Color
	MineColor      tcell.Color
	DimColor       tcell.Color
	SeparatorColor tcell.Color
	UnreadColor    tcell.Color
	CoverColor     tcell.Color
	SelectedColor  tcell.Color
	MenuKeyColor   tcell.Color
	FlashInfoColor tcell.Color
	FlashWarnColor tcell.Color
	FlashErrColor  tcell.Color
	StatusBarBg    tcell.Color
}

// DefaultTheme returns a k9s-inspired dark theme.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:        tcell.ColorBlack,
		FgColor:        tcell.ColorCadetBlue,
		BorderColor:    tcell.ColorDodgerBlue,
		TitleColor:     tcell.ColorFuchsia,
		CursorFg:       tcell.ColorBlack,
		CursorBg:       tcell.ColorAqua,
		AuthorColor:    tcell.ColorOrange,
		MineColor:      tcell.ColorLightGreen,
		DimColor:       tcell.ColorGray,
		SeparatorColor: tcell.ColorPapayaWhip,
		UnreadColor:    tcell.ColorOrangeRed,
		CoverColor:     tcell.ColorFuchsia,
		SelectedColor:  tcell.ColorYellow,
		MenuKeyColor:   tcell.ColorDodgerBlue,
		FlashInfoColor: tcell.ColorNavajoWhite,
		FlashWarnColor: tcell.ColorOrange,
		FlashErrColor:  tcell.ColorOrangeRed,
		StatusBarBg:    tcell.ColorNavy,
	}
}

// Tag returns a tview color tag for c.
func Tag(c tcell.Color) string {
	return fmt.Sprintf("#%06x", c.Hex())
}
