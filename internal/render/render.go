// Package render prints a batch summary: a lipgloss-styled table on a
// terminal, terse plain text when piped.
package render

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/fltools/mtrace/internal/summary"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	maxRowWidth = 72
)

// Render writes the summary to w, styled when w is a terminal.
func Render(w io.Writer, s *summary.Summary) {
	if isTTY(w) {
		renderStyled(w, s)
		return
	}
	renderPlain(w, s)
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func renderStyled(w io.Writer, s *summary.Summary) {
	p := message.NewPrinter(language.English)

	fmt.Fprintln(w, titleStyle.Render("mtrace batch summary"))
	fmt.Fprintf(w, "%s %d units in %.1fs\n\n",
		labelStyle.Render("traced"), s.Units, s.ElapsedSeconds)

	row := func(style lipgloss.Style, label string, b summary.Bucket) {
		if b.Count == 0 {
			fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("·"), mutedStyle.Render(label+" 0"))
			return
		}
		line := p.Sprintf("%s %d (%d bytes)", label, b.Count, b.Bytes)
		fmt.Fprintf(w, "  %s %s\n", style.Render("•"), style.Render(line))
		for _, test := range b.Tests {
			fmt.Fprintf(w, "      %s\n", mutedStyle.Render(runewidth.Truncate(test, maxRowWidth, "…")))
		}
	}
	row(okStyle, "completed", s.Completed)
	row(warnStyle, "timed out", s.TimedOut)
	row(warnStyle, "skipped, too many subtests", s.SkippedTooManySubtests)
	row(warnStyle, "skipped, oversize trace", s.SkippedOversize)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s %d\n", labelStyle.Render("single-method runs"), s.SingleMethodCount)
	fmt.Fprintf(w, "  %s %s in %d files\n",
		labelStyle.Render("retained"), p.Sprintf("%d bytes", s.RetainedBytes), len(s.RetainedFiles))
}

func renderPlain(w io.Writer, s *summary.Summary) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "units=%d elapsed=%.1fs\n", s.Units, s.ElapsedSeconds)
	fmt.Fprintf(&sb, "completed=%d timed_out=%d skipped_too_many_subtests=%d skipped_oversize=%d\n",
		s.Completed.Count, s.TimedOut.Count, s.SkippedTooManySubtests.Count, s.SkippedOversize.Count)
	fmt.Fprintf(&sb, "single_method=%d retained_bytes=%d retained_files=%d\n",
		s.SingleMethodCount, s.RetainedBytes, len(s.RetainedFiles))
	for _, t := range s.TimedOut.Tests {
		fmt.Fprintf(&sb, "timed_out: %s\n", t)
	}
	for _, t := range s.SkippedTooManySubtests.Tests {
		fmt.Fprintf(&sb, "skipped_too_many_subtests: %s\n", t)
	}
	for _, t := range s.SkippedOversize.Tests {
		fmt.Fprintf(&sb, "skipped_oversize: %s\n", t)
	}
	io.WriteString(w, sb.String())
}
