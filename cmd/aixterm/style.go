package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// palette styles human-readable output. Styling is off unless w is a
// terminal and neither --no-color nor NO_COLOR is set.
type palette struct {
	enabled bool
	title   lipgloss.Style
	label   lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	bad     lipgloss.Style
	dim     lipgloss.Style
}

func newPalette(w io.Writer, noColor bool) palette {
	enabled := false
	if f, ok := w.(*os.File); ok && !noColor && os.Getenv("NO_COLOR") == "" {
		enabled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return palette{
		enabled: enabled,
		title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		label:   lipgloss.NewStyle().Width(14).Foreground(lipgloss.Color("8")),
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		bad:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

func (p palette) render(s lipgloss.Style, text string) string {
	if !p.enabled {
		return text
	}
	return s.Render(text)
}

// field prints an aligned "label value" line.
func (p palette) field(w io.Writer, label, value string) {
	if p.enabled {
		fmt.Fprintf(w, "  %s%s\n", p.label.Render(label), value)
		return
	}
	fmt.Fprintf(w, "  %-14s%s\n", label, value)
}

// state colors a session or check state.
func (p palette) state(s string) string {
	switch s {
	case "ready", "PASS", "success":
		return p.render(p.ok, s)
	case "degraded", "closed", "FAIL", "error":
		return p.render(p.bad, s)
	default:
		return p.render(p.warn, s)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
