// Package progress aggregates finished records into a cumulative
// completion series for the progress chart.
package progress

import (
	"sort"
	"time"

	"github.com/taskdash/taskdash/internal/record"
)

// DayLayout labels the series.
const DayLayout = "2006-01-02"

// PlaceholderLabel is the only label of a series with no finished records.
const PlaceholderLabel = "No data"

// Series is a cumulative completion count per day.
type Series struct {
	// Labels are distinct days in ascending order.
	Labels []string `json:"labels"`
	// Values are running totals aligned with Labels.
	Values []int `json:"values"`

	Finished   int `json:"finished"`
	Unfinished int `json:"unfinished"`
	Total      int `json:"total"`

	// Undated counts done records whose timestamp does not parse. They
	// are included in Finished but not in the day series.
	Undated int `json:"undated"`
}

// Placeholder reports whether s is the degenerate no-data series.
func (s Series) Placeholder() bool {
	return len(s.Labels) == 1 && s.Labels[0] == PlaceholderLabel
}

// Option adjusts an aggregation.
type Option func(*options)

type options struct {
	since time.Time
}

// Since limits the labels to days on or after t. Completions before t are
// folded into the first label so the running total stays correct.
func Since(t time.Time) Option {
	return func(o *options) { o.since = t }
}

// Aggregate groups done records by the local calendar day of their last
// finished entry. A nil loc means time.Local.
func Aggregate(recs []record.Record, loc *time.Location, opts ...Option) Series {
	if loc == nil {
		loc = time.Local
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := Series{Total: len(recs)}
	perDay := make(map[string]int)
	for _, r := range recs {
		if !r.Done() {
			s.Unfinished++
			continue
		}
		s.Finished++
		t, ok := r.FinishedAt(loc)
		if !ok {
			s.Undated++
			continue
		}
		perDay[t.In(loc).Format(DayLayout)]++
	}

	days := make([]string, 0, len(perDay))
	for d := range perDay {
		days = append(days, d)
	}
	sort.Strings(days)

	cutoff := ""
	if !o.since.IsZero() {
		cutoff = o.since.In(loc).Format(DayLayout)
	}

	running, baseline := 0, 0
	for _, d := range days {
		running += perDay[d]
		if cutoff != "" && d < cutoff {
			baseline = running
			continue
		}
		s.Labels = append(s.Labels, d)
		s.Values = append(s.Values, running)
	}

	if len(s.Labels) == 0 && baseline > 0 {
		s.Labels = []string{cutoff}
		s.Values = []int{baseline}
	}
	if len(s.Labels) == 0 {
		s.Labels = []string{PlaceholderLabel}
		s.Values = []int{0}
	}
	return s
}
