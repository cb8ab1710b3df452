package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
)

var (
	headerStyle      = lipgloss.NewStyle().Bold(true)
	separatorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	ownStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	placeholderStyle = lipgloss.NewStyle().Faint(true).Italic(true)
	warnStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

// IsJSONOutput reports whether --json was given.
func IsJSONOutput() bool {
	return jsonOutput
}

// IsJSONLOutput reports whether --jsonl was given.
func IsJSONLOutput() bool {
	return jsonlOutput
}

// IsVerbose reports whether --verbose was given.
func IsVerbose() bool {
	return verbose
}

// WriteOutput writes v as indented JSON, or as a single line with --jsonl.
func WriteOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if !jsonlOutput {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func useColor(w io.Writer) bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isTerminal(w)
}

func styled(w io.Writer, style lipgloss.Style, s string) string {
	if !useColor(w) {
		return s
	}
	return style.Render(s)
}

// terminalWidth returns the width of w, or fallback when it is not a terminal.
func terminalWidth(w io.Writer, fallback int) int {
	f, ok := w.(*os.File)
	if !ok {
		return fallback
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return fallback
	}
	return width
}

// separator renders a centered rule such as "──── Tue Jan 02 2024 ────".
func separator(w io.Writer, label string, width int) string {
	label = " " + label + " "
	pad := width - runewidth.StringWidth(label)
	if pad < 4 {
		pad = 4
	}
	left := pad / 2
	line := strings.Repeat("─", left) + label + strings.Repeat("─", pad-left)
	return styled(w, separatorStyle, line)
}

func truncate(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if width <= 0 {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

func warnf(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, styled(w, warnStyle, fmt.Sprintf(format, args...)))
}

// formatWhen renders t relative to now for recent times and as a date otherwise.
func formatWhen(t, now time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < 0:
		return t.In(loc).Format("2006-01-02 15:04")
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return t.In(loc).Format("2006-01-02")
	}
}
