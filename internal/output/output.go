// Package output provides styled terminal output helpers (success, error,
// warning, record and sync run formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/marcus/tandem/internal/db"
	"github.com/marcus/tandem/internal/models"
	"golang.org/x/term"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	kindStyles   = map[string]lipgloss.Style{
		"ok":            lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"no_connection": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"in_progress":   lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		"remote_error":  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"local_error":   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

const (
	defaultWidth  = 80
	maxFieldWidth = 40
)

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("ERROR: "+fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

// JSON outputs data as indented JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound      = "not_found"
	ErrCodeInvalidInput  = "invalid_input"
	ErrCodeDatabaseError = "database_error"
	ErrCodeSyncFailed    = "sync_failed"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	fmt.Println(string(data))
}

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// TerminalWidth returns the current terminal width or a fallback when unavailable.
func TerminalWidth(fallback int) int {
	if fallback <= 0 {
		fallback = defaultWidth
	}
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}
	if cols := os.Getenv("COLUMNS"); cols != "" {
		if parsed, err := strconv.Atoi(cols); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// Truncate shortens s to width display cells, marking the cut with "...".
// Escape sequences are preserved and not counted.
func Truncate(s string, width int) string {
	if width <= 3 || ansi.StringWidth(s) <= width {
		return s
	}
	return ansi.Truncate(s, width, "...")
}

// FormatKind colors an outcome kind.
func FormatKind(kind string) string {
	if style, ok := kindStyles[kind]; ok {
		return style.Render(kind)
	}
	return kind
}

// FormatCounts renders counts as "+created ~updated -deleted".
func FormatCounts(c models.Counts) string {
	return fmt.Sprintf("+%d ~%d -%d", c.Created, c.Updated, c.Deleted)
}

// FormatRecord formats a record on one line: id, age and its fields sorted by key.
func FormatRecord(rec models.Record) string {
	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		b, _ := json.Marshal(rec.Fields[k])
		parts = append(parts, k+"="+Truncate(string(b), maxFieldWidth))
	}

	mark := ""
	if !rec.Synced {
		mark = warningStyle.Render(" *")
	}
	return fmt.Sprintf("%s%s  %s  %s",
		titleStyle.Render(rec.ID),
		mark,
		subtleStyle.Render(FormatTimeAgo(models.FromMillis(rec.UpdatedAt))),
		strings.Join(parts, " "))
}

// FormatSyncRun formats one history row.
// e.g., "#12 2026-01-02 15:04:05 ok 120ms pulled +1 ~0 -0 pushed +2 ~0 -0"
func FormatSyncRun(r db.SyncRun) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%d %s %s %s",
		r.ID,
		r.StartedAt.Local().Format("2006-01-02 15:04:05"),
		FormatKind(r.Kind),
		r.Duration().Round(time.Millisecond))
	if r.Full {
		sb.WriteString(" full")
	}
	if r.Success {
		fmt.Fprintf(&sb, " pulled %s pushed %s", FormatCounts(r.Pulled), FormatCounts(r.Pushed))
		if r.Conflicts > 0 {
			fmt.Fprintf(&sb, " conflicts %d", r.Conflicts)
		}
	} else if r.Message != "" {
		sb.WriteString(" ")
		sb.WriteString(subtleStyle.Render(r.Message))
	}
	return sb.String()
}

// FormatConflict formats one overwritten local version.
func FormatConflict(c db.SyncConflict) string {
	return fmt.Sprintf("%s %s/%s kept %s",
		subtleStyle.Render(c.OverwrittenAt.Local().Format("2006-01-02 15:04:05")),
		c.Table, c.RecordID, c.Resolution)
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nPENDING:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// BulletList formats items as a bulleted list with optional indentation
func BulletList(items []string, indent int) []string {
	prefix := strings.Repeat(" ", indent)
	result := make([]string, len(items))
	for i, item := range items {
		result[i] = prefix + "- " + item
	}
	return result
}
