// Package record defines the task record shared by every backing store,
// the cache and the renderers.
//
// A record is one row of the dashboard. Several records may carry the same
// GroupKey (the "full code" of an exercise); they represent one logical
// task replicated across sections and are always marked together.
package record

import (
	"fmt"
	"strings"
	"time"
)

// Well-known field names. They double as column names for the embedded
// store and as hash fields for the Redis store.
const (
	FieldID       = "id"
	FieldGroupKey = "full_code"
	FieldFinished = "finished"
	FieldRating   = "rating"
)

// HistorySeparator joins entries of a legacy history value
// ("2024-01-01T10:00:00Z,2024-02-03T08:00:00Z").
const HistorySeparator = ","

// DefaultRatings is the label set accepted when none is configured.
var DefaultRatings = []string{"easy", "medium", "hard", "false"}

// Record is a single task row.
type Record struct {
	// ID is assigned by the store on creation and never reused.
	ID string `json:"id"`

	// Seq orders records by creation.
	Seq int64 `json:"seq"`

	// GroupKey links records that represent the same logical task.
	GroupKey string `json:"full_code"`

	// Finished is empty, one RFC3339 timestamp, or a legacy history.
	Finished string `json:"finished,omitempty"`

	// Rating is empty, one label, or a legacy history.
	Rating string `json:"rating,omitempty"`

	// Fields holds descriptive, display-only columns.
	Fields map[string]string `json:"fields,omitempty"`
}

// Validate checks the fields every store relies on.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(r.GroupKey) == "" {
		return fmt.Errorf("full_code is required")
	}
	if _, ok := r.Fields[FieldID]; ok {
		return fmt.Errorf("fields must not carry %q", FieldID)
	}
	return nil
}

// Done reports whether the record has a non-blank finished value.
func (r Record) Done() bool {
	return strings.TrimSpace(r.Finished) != ""
}

// LastFinished returns the most recent entry of the finished history.
func (r Record) LastFinished() string {
	return LastTimestamp(r.Finished)
}

// LastRating returns the most recent entry of the rating history.
func (r Record) LastRating() string {
	return LastEntry(r.Rating)
}

// FinishedAt parses the most recent finished entry, reading values without
// a zone in loc. The second result is false if the record is not done or
// the value does not parse.
func (r Record) FinishedAt(loc *time.Location) (time.Time, bool) {
	return ParseTimestampIn(r.LastFinished(), loc)
}

// Clone returns a deep copy so callers can mutate without sharing Fields.
func (r Record) Clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// LastEntry collapses a comma-joined history to its last non-blank entry.
// A plain value is returned trimmed.
func LastEntry(v string) string {
	parts := strings.Split(v, HistorySeparator)
	for i := len(parts) - 1; i >= 0; i-- {
		if p := strings.TrimSpace(parts[i]); p != "" {
			return p
		}
	}
	return ""
}

// LastTimestamp is LastEntry for finished histories. Locale-formatted
// entries such as "3/5/2024, 2:30:00 PM" contain the separator, so a last
// piece that only parses together with the one before it is kept whole.
func LastTimestamp(v string) string {
	parts := strings.Split(v, HistorySeparator)
	for i := len(parts) - 1; i >= 0; i-- {
		p := strings.TrimSpace(parts[i])
		if p == "" {
			continue
		}
		if i > 0 {
			joined := strings.TrimSpace(parts[i-1] + HistorySeparator + parts[i])
			if _, ok := ParseTimestamp(joined); ok {
				return joined
			}
		}
		return p
	}
	return ""
}

// Entries splits a history value into its non-blank entries.
func Entries(v string) []string {
	var out []string
	for _, p := range strings.Split(v, HistorySeparator) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// timestampLayouts are tried in order when reading finished values.
// Older rows were written by browsers with toISOString or toLocaleString.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"1/2/2006, 3:04:05 PM",
	"2006-01-02",
}

// ParseTimestamp parses a single finished entry. Values without a zone
// are read as UTC.
func ParseTimestamp(v string) (time.Time, bool) {
	return ParseTimestampIn(v, time.UTC)
}

// ParseTimestampIn parses a single finished entry, reading values without
// a zone in loc. A nil loc means time.Local.
func ParseTimestampIn(v string, loc *time.Location) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatTimestamp is the canonical encoding for new finished values.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ValidRating reports whether label is in the allowed set.
func ValidRating(label string, allowed []string) bool {
	if len(allowed) == 0 {
		allowed = DefaultRatings
	}
	for _, a := range allowed {
		if label == a {
			return true
		}
	}
	return false
}
