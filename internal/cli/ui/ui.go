// Package ui holds the jobq terminal styles, status symbols and
// TTY detection shared by every CLI command.
package ui

import (
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// BrandMark prefixes banner and version lines.
const BrandMark = "\u25A4" // ▤

// ANSI 4-bit colors; lipgloss degrades them on limited terminals.
var (
	ColorCyan   = lipgloss.Color("6")
	ColorGreen  = lipgloss.Color("2")
	ColorYellow = lipgloss.Color("3")
	ColorRed    = lipgloss.Color("1")
	ColorBlue   = lipgloss.Color("4")
)

var (
	StyleBold     = lipgloss.NewStyle().Bold(true)
	StyleDim      = lipgloss.NewStyle().Faint(true)
	StyleBoldRed  = lipgloss.NewStyle().Bold(true).Foreground(ColorRed)
	StyleSuccess  = lipgloss.NewStyle().Foreground(ColorGreen)
	StyleWarning  = lipgloss.NewStyle().Foreground(ColorYellow)
	StyleError    = lipgloss.NewStyle().Foreground(ColorRed)
	StyleHint     = lipgloss.NewStyle().Faint(true)
	StyleQueueTag = lipgloss.NewStyle().Bold(true).Foreground(ColorBlue)
)

const (
	SymbolCheck   = "✓"
	SymbolCross   = "✗"
	SymbolWarning = "⚠"
	SymbolDot     = "●"
	SymbolArrow   = "→"
)

var (
	forcedRenderer     *lipgloss.Renderer
	forcedRendererOnce sync.Once
)

// ForcedRenderer always emits ANSI sequences. Callers use it after they
// have already decided color is wanted, so piped test output still carries
// the escape codes they asked for.
func ForcedRenderer() *lipgloss.Renderer {
	forcedRendererOnce.Do(func() {
		forcedRenderer = lipgloss.NewRenderer(os.Stderr)
		forcedRenderer.SetColorProfile(termenv.ANSI)
	})
	return forcedRenderer
}

// ColorEnabled reports whether stderr is a color-capable terminal.
// NO_COLOR disables color even when set to the empty string.
func ColorEnabled() bool {
	return ColorEnabledFd(os.Stderr.Fd())
}

// ColorEnabledFd is ColorEnabled for an arbitrary file descriptor.
func ColorEnabledFd(fd uintptr) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// StatusStyle picks the style a job status is rendered with.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case "completed":
		return StyleSuccess
	case "failed", "stuck":
		return StyleError
	case "delayed", "paused":
		return StyleWarning
	case "active":
		return StyleQueueTag
	default:
		return StyleDim
	}
}
