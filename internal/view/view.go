// Package view turns cached records into what the dashboards display.
//
// Render is a pure function: the same records and options always produce
// the same Page. It never mutates records; history values are collapsed to
// their last entry for display only.
package view

import (
	"sort"
	"strings"
	"time"

	"github.com/taskdash/taskdash/internal/record"
)

// DefaultDateLayout formats finished timestamps.
const DefaultDateLayout = "2006-01-02 15:04"

// Messages shown instead of a table.
const (
	MessageEmpty     = "No tasks"
	MessageNoMatches = "No matching tasks"
)

// Options selects what to render.
type Options struct {
	// Search is a case-insensitive substring matched against displayed cells.
	Search string
	// UnfinishedOnly hides done records.
	UnfinishedOnly bool
	// SingleID switches to single-record mode for that id.
	SingleID string
	// Columns fixes the column order; empty means discover from the records.
	Columns []string
	// Location for finished timestamps (nil = time.Local).
	Location *time.Location
	// DateLayout for finished timestamps (empty = DefaultDateLayout).
	DateLayout string
}

// Row is one displayed record.
type Row struct {
	ID       string   `json:"id"`
	GroupKey string   `json:"full_code"`
	Done     bool     `json:"done"`
	Cells    []string `json:"cells"`
}

// Field is a label/value pair in the detail view.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Detail is the single-record view.
type Detail struct {
	Found    bool    `json:"found"`
	ID       string  `json:"id,omitempty"`
	GroupKey string  `json:"full_code,omitempty"`
	Done     bool    `json:"done"`
	Fields   []Field `json:"fields,omitempty"`
}

// Page is the rendered view.
type Page struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`

	// Detail is set in single-record mode.
	Detail *Detail `json:"detail,omitempty"`

	// Empty is true when there is nothing to show in the table.
	Empty   bool   `json:"empty"`
	Message string `json:"message,omitempty"`

	Total      int `json:"total"`
	Unfinished int `json:"unfinished"`

	Search         string `json:"search,omitempty"`
	UnfinishedOnly bool   `json:"unfinished_only"`
}

// Render builds the page for recs.
func Render(recs []record.Record, opts Options) Page {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.DateLayout == "" {
		opts.DateLayout = DefaultDateLayout
	}

	cols := Columns(recs, opts.Columns)
	page := Page{
		Columns:        cols,
		Rows:           []Row{},
		Total:          len(recs),
		Search:         opts.Search,
		UnfinishedOnly: opts.UnfinishedOnly,
	}

	needle := strings.ToLower(strings.TrimSpace(opts.Search))
	for _, r := range recs {
		if !r.Done() {
			page.Unfinished++
		}
		if opts.UnfinishedOnly && r.Done() {
			continue
		}
		cells := make([]string, len(cols))
		for i, c := range cols {
			cells[i] = Cell(r, c, opts)
		}
		if needle != "" && !matches(cells, needle) {
			continue
		}
		page.Rows = append(page.Rows, Row{ID: r.ID, GroupKey: r.GroupKey, Done: r.Done(), Cells: cells})
	}

	switch {
	case len(recs) == 0:
		page.Empty, page.Message = true, MessageEmpty
	case len(page.Rows) == 0:
		page.Empty, page.Message = true, MessageNoMatches
	}

	if opts.SingleID != "" {
		page.Detail = detail(recs, cols, opts)
	}
	return page
}

// Columns returns the display columns. Configured columns are kept in
// order; otherwise descriptive fields appear in first-seen order followed
// by full_code, finished and rating. The id column is never included.
func Columns(recs []record.Record, configured []string) []string {
	var cols []string
	if len(configured) > 0 {
		for _, c := range configured {
			if !strings.EqualFold(c, record.FieldID) {
				cols = append(cols, c)
			}
		}
		return cols
	}

	seen := map[string]bool{
		record.FieldID:       true,
		record.FieldGroupKey: true,
		record.FieldFinished: true,
		record.FieldRating:   true,
	}
	for _, r := range recs {
		for _, name := range sortedKeys(r.Fields) {
			if seen[name] || strings.EqualFold(name, record.FieldID) {
				continue
			}
			seen[name] = true
			cols = append(cols, name)
		}
	}
	return append(cols, record.FieldGroupKey, record.FieldFinished, record.FieldRating)
}

// Cell returns the display value of column col for r.
func Cell(r record.Record, col string, opts Options) string {
	switch col {
	case record.FieldGroupKey:
		return r.GroupKey
	case record.FieldFinished:
		return FormatFinished(r.Finished, opts.Location, opts.DateLayout)
	case record.FieldRating:
		return r.LastRating()
	default:
		return r.Fields[col]
	}
}

// FormatFinished shows the last entry of a finished history in loc. Entries
// without a zone are taken to be in loc already. A value that does not
// parse is returned as stored.
func FormatFinished(v string, loc *time.Location, layout string) string {
	last := record.LastTimestamp(v)
	if last == "" {
		return ""
	}
	if loc == nil {
		loc = time.Local
	}
	t, ok := record.ParseTimestampIn(last, loc)
	if !ok {
		return last
	}
	if layout == "" {
		layout = DefaultDateLayout
	}
	return t.In(loc).Format(layout)
}

func matches(cells []string, needle string) bool {
	for _, c := range cells {
		if strings.Contains(strings.ToLower(c), needle) {
			return true
		}
	}
	return false
}

func detail(recs []record.Record, cols []string, opts Options) *Detail {
	for _, r := range recs {
		if r.ID != opts.SingleID {
			continue
		}
		d := &Detail{Found: true, ID: r.ID, GroupKey: r.GroupKey, Done: r.Done()}
		for _, c := range cols {
			d.Fields = append(d.Fields, Field{Label: c, Value: Cell(r, c, opts)})
		}
		return d
	}
	return &Detail{}
}

// sortedKeys orders one record's field names; maps carry no column order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
