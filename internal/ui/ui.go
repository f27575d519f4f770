// Package ui renders pages, details and progress charts for terminals.
//
// Output is styled with lipgloss when stdout is a terminal and plain text
// otherwise, so piped CLI output stays greppable.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/taskdash/taskdash/internal/progress"
	"github.com/taskdash/taskdash/internal/view"
)

// Styles used by every renderer.
type Styles struct {
	Header   lipgloss.Style
	Cell     lipgloss.Style
	Selected lipgloss.Style
	Done     lipgloss.Style
	Label    lipgloss.Style
	Value    lipgloss.Style
	Bar      lipgloss.Style
	Error    lipgloss.Style
	Success  lipgloss.Style
	Muted    lipgloss.Style
	Border   lipgloss.Style
}

// NewStyles builds the styles on r.
func NewStyles(r *lipgloss.Renderer) Styles {
	return Styles{
		Header: r.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Padding(0, 1),
		Cell:   r.NewStyle().Padding(0, 1),
		Selected: r.NewStyle().Padding(0, 1).
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("230")),
		Done:    r.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("241")),
		Label:   r.NewStyle().Foreground(lipgloss.Color("241")),
		Value:   r.NewStyle().Foreground(lipgloss.Color("230")),
		Bar:     r.NewStyle().Foreground(lipgloss.Color("42")),
		Error:   r.NewStyle().Foreground(lipgloss.Color("196")),
		Success: r.NewStyle().Foreground(lipgloss.Color("42")),
		Muted:   r.NewStyle().Foreground(lipgloss.Color("238")),
		Border:  r.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// Printer writes rendered output to w.
type Printer struct {
	w      io.Writer
	styles Styles
}

// NewPrinter returns a printer for w. Colors are used only when w is a
// terminal and NO_COLOR is unset.
func NewPrinter(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	if !IsTerminal(w) || termenv.EnvNoColor() {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Printer{w: w, styles: NewStyles(r)}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Width returns the terminal width of w, or def when unknown.
func Width(w io.Writer, def int) int {
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return def
}

// Styles returns the printer's styles.
func (p *Printer) Styles() Styles { return p.styles }

// Page prints a page: table or message, then the detail if open.
func (p *Printer) Page(page view.Page) {
	fmt.Fprintln(p.w, RenderPage(p.styles, page))
	if page.Detail != nil {
		fmt.Fprintln(p.w, RenderDetail(p.styles, page.Detail))
	}
}

// Detail prints one record.
func (p *Printer) Detail(d *view.Detail) {
	fmt.Fprintln(p.w, RenderDetail(p.styles, d))
}

// Chart prints a progress series.
func (p *Printer) Chart(s progress.Series, width int) {
	fmt.Fprintln(p.w, RenderChart(p.styles, s, width))
}

// Success prints a confirmation line.
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.styles.Success.Render(fmt.Sprintf(format, args...)))
}

// Error prints a failure line.
func (p *Printer) Error(err error) {
	fmt.Fprintln(p.w, p.styles.Error.Render("Error: "+err.Error()))
}

// RenderPage renders the table of a page, or its message when empty.
func RenderPage(st Styles, page view.Page) string {
	return RenderPageCursor(st, page, -1)
}

// RenderPageCursor is RenderPage with row cursor highlighted.
func RenderPageCursor(st Styles, page view.Page, cursor int) string {
	if page.Empty {
		return st.Muted.Render(page.Message)
	}

	rows := make([][]string, 0, len(page.Rows))
	for _, row := range page.Rows {
		rows = append(rows, row.Cells)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(st.Border).
		Headers(page.Columns...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return st.Header
			}
			if row == cursor {
				return st.Selected
			}
			if row >= 0 && row < len(page.Rows) && page.Rows[row].Done {
				return st.Done
			}
			return st.Cell
		})

	footer := fmt.Sprintf("%d shown, %d unfinished of %d", len(page.Rows), page.Unfinished, page.Total)
	return t.String() + "\n" + st.Muted.Render(footer)
}

// RenderDetail renders label/value pairs for one record.
func RenderDetail(st Styles, d *view.Detail) string {
	if d == nil || !d.Found {
		return st.Muted.Render("Task not found")
	}
	width := 0
	for _, f := range d.Fields {
		if len(f.Label) > width {
			width = len(f.Label)
		}
	}
	var b strings.Builder
	for i, f := range d.Fields {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(st.Label.Render(fmt.Sprintf("%-*s", width, f.Label)))
		b.WriteString("  ")
		b.WriteString(st.Value.Render(f.Value))
	}
	return b.String()
}

// RenderChart draws the cumulative series as horizontal bars scaled to
// width columns.
func RenderChart(st Styles, s progress.Series, width int) string {
	labelWidth := 0
	maxValue := 0
	for i, l := range s.Labels {
		if len(l) > labelWidth {
			labelWidth = len(l)
		}
		if s.Values[i] > maxValue {
			maxValue = s.Values[i]
		}
	}
	barWidth := width - labelWidth - 8
	if barWidth < 10 {
		barWidth = 10
	}

	var b strings.Builder
	for i, l := range s.Labels {
		v := s.Values[i]
		n := 0
		if maxValue > 0 {
			n = v * barWidth / maxValue
		}
		fmt.Fprintf(&b, "%-*s ", labelWidth, l)
		b.WriteString(st.Bar.Render(strings.Repeat("█", n)))
		fmt.Fprintf(&b, " %d\n", v)
	}
	summary := fmt.Sprintf("%d finished, %d unfinished, %d total", s.Finished, s.Unfinished, s.Total)
	if s.Undated > 0 {
		summary += fmt.Sprintf(" (%d without a readable date)", s.Undated)
	}
	b.WriteString(st.Muted.Render(summary))
	return b.String()
}
