// Package ui provides the terminal rendering helpers shared by the CLI
// commands: status badges, aligned key/value blocks, and a color profile
// that degrades to plain text when stdout is not a terminal.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/woodshed-app/shedsync/internal/manager"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	dimStyle   = lipgloss.NewStyle().Faint(true)

	statusStyles = map[manager.Status]lipgloss.Style{
		manager.StatusIdle:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		manager.StatusSyncing: lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		manager.StatusError:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		manager.StatusOffline: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
	}
)

// Init configures the color profile. Piped output gets plain text.
func Init() {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// Title renders a bold section heading.
func Title(s string) string {
	return titleStyle.Render(s)
}

// Dim renders secondary text.
func Dim(s string) string {
	return dimStyle.Render(s)
}

// StatusBadge renders the sync status with its conventional color.
func StatusBadge(s manager.Status) string {
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

// KeyValues renders aligned "label  value" lines.
func KeyValues(pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		if len(p[0]) > width {
			width = len(p[0])
		}
	}

	var b strings.Builder
	for _, p := range pairs {
		label := labelStyle.Render(fmt.Sprintf("%-*s", width, p[0]))
		fmt.Fprintf(&b, "%s  %s\n", label, p[1])
	}
	return b.String()
}
