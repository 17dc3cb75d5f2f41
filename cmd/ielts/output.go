package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	styleSuccess lipgloss.Style
	styleError   lipgloss.Style
	styleWarning lipgloss.Style
	styleStep    lipgloss.Style
	styleLabel   lipgloss.Style
)

func init() { initStyles(true) }

// initStyles binds the output styles to stderr. Without color every style
// renders plain text.
func initStyles(color bool) {
	r := lipgloss.NewRenderer(os.Stderr)
	if !color {
		r.SetColorProfile(termenv.Ascii)
	}
	styleSuccess = r.NewStyle().Foreground(lipgloss.Color("2"))
	styleError = r.NewStyle().Foreground(lipgloss.Color("1"))
	styleWarning = r.NewStyle().Foreground(lipgloss.Color("3"))
	styleStep = r.NewStyle().Foreground(lipgloss.Color("6"))
	styleLabel = r.NewStyle().Bold(true)
}

func colorize(style lipgloss.Style, text string) string {
	if noColor {
		return text
	}
	return style.Render(text)
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(styleSuccess, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(styleError, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(styleWarning, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(styleLabel, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(styleStep, "→ "+msg))
}
