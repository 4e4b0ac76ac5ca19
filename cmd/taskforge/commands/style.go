package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/taskforge/agent"
	"github.com/GoCodeAlone/taskforge/task"
)

type styles struct {
	Title lipgloss.Style
	Label lipgloss.Style
	Value lipgloss.Style
	Muted lipgloss.Style
	OK    lipgloss.Style
	Warn  lipgloss.Style
	Error lipgloss.Style
	Card  lipgloss.Style
}

func newStyles(cmd *cobra.Command) styles {
	r := lipgloss.NewRenderer(cmd.OutOrStdout())
	if off, _ := cmd.Flags().GetBool("no-color"); off {
		r.SetColorProfile(termenv.Ascii)
	}
	return styles{
		Title: r.NewStyle().Bold(true).Foreground(lipgloss.Color("69")),
		Label: r.NewStyle().Foreground(lipgloss.Color("245")).Width(14),
		Value: r.NewStyle().Foreground(lipgloss.Color("252")),
		Muted: r.NewStyle().Foreground(lipgloss.Color("241")),
		OK:    r.NewStyle().Foreground(lipgloss.Color("42")),
		Warn:  r.NewStyle().Foreground(lipgloss.Color("214")),
		Error: r.NewStyle().Foreground(lipgloss.Color("196")),
		Card: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			BorderForeground(lipgloss.Color("238")),
	}
}

func (s styles) row(label, value string) string {
	return s.Label.Render(label) + " " + s.Value.Render(value)
}

func (s styles) taskStatus(st task.Status) string {
	switch st {
	case task.StatusCompleted:
		return s.OK.Render(string(st))
	case task.StatusFailed, task.StatusTimeout:
		return s.Error.Render(string(st))
	case task.StatusCancelled:
		return s.Muted.Render(string(st))
	default:
		return s.Warn.Render(string(st))
	}
}

func (s styles) agentStatus(st agent.Status) string {
	switch st {
	case agent.StatusIdle:
		return s.OK.Render(string(st))
	case agent.StatusError:
		return s.Error.Render(string(st))
	case agent.StatusRunning:
		return s.Warn.Render(string(st))
	default:
		return s.Muted.Render(string(st))
	}
}

// table renders rows with columns padded to the widest visible cell.
func (s styles) table(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r {
			widths[i] = max(widths[i], lipgloss.Width(c))
		}
	}
	line := func(cells []string, style func(string) string) {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = style(c) + strings.Repeat(" ", widths[i]-lipgloss.Width(c))
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	line(header, func(c string) string { return s.Title.Render(c) })
	for _, r := range rows {
		line(r, func(c string) string { return c })
	}
}
