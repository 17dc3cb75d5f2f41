// Package ui renders workflow views on a terminal.
package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow"
)

const barWidth = 24

// Terminal is a workflow.UiSink that writes one line per view change.
type Terminal struct {
	mu   sync.Mutex
	w    io.Writer
	bar  progress.Model
	step lipgloss.Style
	dim  lipgloss.Style
	done lipgloss.Style
	last *workflow.View
}

// NewTerminal creates a Terminal writing to w. Colors are dropped when
// color is false.
func NewTerminal(w io.Writer, color bool) *Terminal {
	r := lipgloss.NewRenderer(w)
	profile := termenv.Ascii
	if color {
		profile = r.ColorProfile()
	}
	r.SetColorProfile(profile)

	opts := []progress.Option{
		progress.WithWidth(barWidth),
		progress.WithoutPercentage(),
		progress.WithColorProfile(profile),
	}
	if color {
		opts = append(opts, progress.WithDefaultGradient())
	} else {
		opts = append(opts, progress.WithSolidFill(""))
	}

	return &Terminal{
		w:    w,
		bar:  progress.New(opts...),
		step: r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		dim:  r.NewStyle().Foreground(lipgloss.Color("8")),
		done: r.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
	}
}

// Render writes v unless it equals the previous view.
func (t *Terminal) Render(v workflow.View) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last != nil && *t.last == v {
		return
	}
	t.last = &v
	fmt.Fprintln(t.w, t.line(v))
}

func (t *Terminal) line(v workflow.View) string {
	label := t.step.Render("[" + v.StepName + "]")
	if v.Terminal {
		label = t.done.Render("[" + v.StepName + "]")
	}

	var sb strings.Builder
	sb.WriteString(label)
	if v.Progress > 0 || v.Status != "" || v.Task != "" {
		fmt.Fprintf(&sb, " %s %3d%%", t.bar.ViewAs(float64(v.Progress)/100), v.Progress)
	}
	if v.Status != "" {
		sb.WriteString(" " + v.Status)
	}
	if v.Task != "" {
		sb.WriteString(t.dim.Render(": " + v.Task))
	}
	return sb.String()
}
