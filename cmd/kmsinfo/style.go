//go:build linux

package main

import "github.com/charmbracelet/x/ansi"

var (
	styleHeading = ansi.NewStyle().Bold().ForegroundColor(ansi.Cyan)
	styleName    = ansi.NewStyle().Bold()
	styleDim     = ansi.NewStyle().Faint()
	styleActive  = ansi.NewStyle().ForegroundColor(ansi.Green)
	styleRecv    = ansi.NewStyle().ForegroundColor(ansi.Yellow)
	styleSent    = ansi.NewStyle().ForegroundColor(ansi.Blue)
)

func (p *printer) style(s ansi.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Styled(text)
}
