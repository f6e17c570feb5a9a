// Package ui provides the colored output helpers of the codeindex CLI.
//
// Colors respect the --no-color flag and the NO_COLOR environment variable,
// and are disabled automatically when stdout is not a terminal.
//
// Color usage:
//   - Red: errors and failures
//   - Yellow: warnings
//   - Green: success
//   - Cyan: counts and neutral information
//   - Bold: headers and labels
//   - Dim: paths and secondary details
package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

var (
	// Red is used for error messages and failures.
	Red = color.New(color.FgRed)

	// Yellow is used for warnings.
	Yellow = color.New(color.FgYellow)

	// Green is used for success messages.
	Green = color.New(color.FgGreen)

	// Cyan is used for informational messages and counts.
	Cyan = color.New(color.FgCyan)

	// Bold is used for headers and labels.
	Bold = color.New(color.Bold)

	// Dim is used for paths and secondary details.
	Dim = color.New(color.Faint)
)

// InitColors disables colored output when noColor is set. NO_COLOR is
// already honored by fatih/color.
func InitColors(noColor bool) {
	if noColor {
		color.NoColor = true
	}
}

// Successf prints a green message with a checkmark prefix.
//
// Example output: "✓ Indexed api (api_1a2b3c4d)"
func Successf(w io.Writer, format string, args ...any) {
	_, _ = Green.Fprintf(w, "✓ "+format+"\n", args...)
}

// Warningf prints a yellow message with a warning symbol prefix.
func Warningf(w io.Writer, format string, args ...any) {
	_, _ = Yellow.Fprintf(w, "⚠ "+format+"\n", args...)
}

// Errorf prints a red message with an X prefix.
func Errorf(w io.Writer, format string, args ...any) {
	_, _ = Red.Fprintf(w, "✗ "+format+"\n", args...)
}

// Infof prints a cyan message with an info symbol prefix.
func Infof(w io.Writer, format string, args ...any) {
	_, _ = Cyan.Fprintf(w, "ℹ "+format+"\n", args...)
}

// Header prints a bold header underlined with '='.
func Header(w io.Writer, text string) {
	_, _ = Bold.Fprintln(w, text)
	_, _ = fmt.Fprintln(w, strings.Repeat("=", len(text)))
}

// SubHeader prints a bold header without an underline.
func SubHeader(w io.Writer, text string) {
	_, _ = Bold.Fprintln(w, text)
}

// Label returns text in bold for inline use.
func Label(text string) string {
	return Bold.Sprint(text)
}

// DimText returns text dimmed for inline use.
func DimText(text string) string {
	return Dim.Sprint(text)
}

// CountText returns a count in cyan for statistics display.
func CountText(count int) string {
	return Cyan.Sprint(count)
}

// StatusText colors a workspace status: green when active, yellow while
// indexing and red otherwise.
func StatusText(status string) string {
	switch status {
	case "active":
		return Green.Sprint(status)
	case "indexing":
		return Yellow.Sprint(status)
	default:
		return Red.Sprint(status)
	}
}
