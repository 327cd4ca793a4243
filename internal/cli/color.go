package cli

import (
	"github.com/allyourbase/jobq/internal/cli/ui"
	"github.com/charmbracelet/lipgloss"
)

// colorEnabled reports whether stderr should receive ANSI color.
func colorEnabled() bool {
	return ui.ColorEnabled()
}

// paint renders text with style built on the forced renderer. The caller
// has already decided color is wanted; with color false text is returned
// untouched.
func paint(text string, color bool, style func(lipgloss.Style) lipgloss.Style) string {
	if !color {
		return text
	}
	return style(ui.ForcedRenderer().NewStyle()).Render(text)
}

func bold(text string, color bool) string {
	return paint(text, color, func(s lipgloss.Style) lipgloss.Style { return s.Bold(true) })
}

func dim(text string, color bool) string {
	return paint(text, color, func(s lipgloss.Style) lipgloss.Style { return s.Faint(true) })
}

func cyan(text string, color bool) string {
	return paint(text, color, func(s lipgloss.Style) lipgloss.Style { return s.Foreground(ui.ColorCyan) })
}

func green(text string, color bool) string {
	return paint(text, color, func(s lipgloss.Style) lipgloss.Style { return s.Foreground(ui.ColorGreen) })
}

func yellow(text string, color bool) string {
	return paint(text, color, func(s lipgloss.Style) lipgloss.Style { return s.Foreground(ui.ColorYellow) })
}

func boldCyan(text string, color bool) string {
	return paint(text, color, func(s lipgloss.Style) lipgloss.Style { return s.Bold(true).Foreground(ui.ColorCyan) })
}

func boldGreen(text string, color bool) string {
	return paint(text, color, func(s lipgloss.Style) lipgloss.Style { return s.Bold(true).Foreground(ui.ColorGreen) })
}

// statusText colors a job status for table output.
func statusText(status string, color bool) string {
	if !color {
		return status
	}
	return ui.ForcedRenderer().NewStyle().Inherit(ui.StatusStyle(status)).Render(status)
}
