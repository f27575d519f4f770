package view

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/taskdash/taskdash/internal/progress"
	"github.com/taskdash/taskdash/internal/record"
)

func sample() []record.Record {
	return []record.Record{
		{ID: "1", Seq: 1, GroupKey: "A-1", Fields: map[string]string{"title": "Loops", "chapter": "2"}},
		{ID: "2", Seq: 2, GroupKey: "A-1", Finished: "2024-03-01T10:00:00Z", Rating: "easy", Fields: map[string]string{"title": "Loops again", "chapter": "2"}},
		{ID: "3", Seq: 3, GroupKey: "B-7", Finished: "2024-01-01T09:00:00Z,2024-02-02T09:30:00Z", Rating: "hard,easy", Fields: map[string]string{"title": "Maps", "id": "legacy"}},
	}
}

func utcOpts() Options {
	return Options{Location: time.UTC}
}

func TestColumns_DiscoveredOrder(t *testing.T) {
	got := Columns(sample(), nil)
	want := []string{"chapter", "title", "full_code", "finished", "rating"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Columns() = %v, want %v", got, want)
	}
}

func TestColumns_NeverShowsID(t *testing.T) {
	got := Columns(sample(), []string{"ID", "title", "full_code"})
	for _, c := range got {
		if strings.EqualFold(c, "id") {
			t.Fatalf("Columns() includes id: %v", got)
		}
	}
	if len(got) != 2 {
		t.Errorf("Columns() = %v, want title and full_code", got)
	}
}

func TestRender_AllRows(t *testing.T) {
	page := Render(sample(), utcOpts())

	if page.Empty {
		t.Fatal("page unexpectedly empty")
	}
	if len(page.Rows) != 3 {
		t.Fatalf("len(Rows) = %d, want 3", len(page.Rows))
	}
	if page.Total != 3 || page.Unfinished != 1 {
		t.Errorf("Total/Unfinished = %d/%d, want 3/1", page.Total, page.Unfinished)
	}
	for _, row := range page.Rows {
		for _, c := range row.Cells {
			if c == "legacy" {
				t.Errorf("row %s shows the id field", row.ID)
			}
		}
	}
}

func TestRender_CollapsesHistory(t *testing.T) {
	page := Render(sample(), utcOpts())
	row := page.Rows[2]

	// chapter, title, full_code, finished, rating
	if row.Cells[3] != "2024-02-02 09:30" {
		t.Errorf("finished cell = %q, want last entry", row.Cells[3])
	}
	if row.Cells[4] != "easy" {
		t.Errorf("rating cell = %q, want easy", row.Cells[4])
	}
}

func TestRender_DoesNotMutateRecords(t *testing.T) {
	recs := sample()
	Render(recs, utcOpts())
	if recs[2].Finished != "2024-01-01T09:00:00Z,2024-02-02T09:30:00Z" {
		t.Errorf("Render() rewrote Finished to %q", recs[2].Finished)
	}
}

func TestRender_FormatsInLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	page := Render(sample(), Options{Location: tokyo})
	if got := page.Rows[1].Cells[3]; got != "2024-03-01 19:00" {
		t.Errorf("finished cell = %q, want 2024-03-01 19:00", got)
	}
}

func TestRender_UnparseableShownRaw(t *testing.T) {
	recs := []record.Record{{ID: "1", GroupKey: "A", Finished: "yesterday"}}
	page := Render(recs, utcOpts())
	if got := page.Rows[0].Cells[1]; got != "yesterday" {
		t.Errorf("finished cell = %q, want raw value", got)
	}
	if !page.Rows[0].Done {
		t.Error("record with unparseable finished is not done")
	}
}

func TestRender_Search(t *testing.T) {
	opts := utcOpts()
	opts.Search = "LOOPS"
	page := Render(sample(), opts)
	if len(page.Rows) != 2 {
		t.Fatalf("search returned %d rows, want 2", len(page.Rows))
	}
	if page.Total != 3 {
		t.Errorf("Total = %d, want 3 (unfiltered)", page.Total)
	}
}

func TestRender_SearchAndUnfinishedIntersect(t *testing.T) {
	opts := utcOpts()
	opts.Search = "loops"
	opts.UnfinishedOnly = true
	page := Render(sample(), opts)
	if len(page.Rows) != 1 || page.Rows[0].ID != "1" {
		t.Errorf("Rows = %+v, want only record 1", page.Rows)
	}
}

func TestRender_NoMatches(t *testing.T) {
	opts := utcOpts()
	opts.Search = "nothing like this"
	page := Render(sample(), opts)
	if !page.Empty || page.Message != MessageNoMatches {
		t.Errorf("Empty/Message = %v/%q", page.Empty, page.Message)
	}
}

func TestRender_EmptyInput(t *testing.T) {
	page := Render(nil, utcOpts())
	if !page.Empty {
		t.Fatal("Empty = false for no records")
	}
	if page.Message != MessageEmpty {
		t.Errorf("Message = %q, want %q", page.Message, MessageEmpty)
	}
	if page.Rows == nil {
		t.Error("Rows is nil, want empty slice")
	}
}

func TestRender_SingleRecord(t *testing.T) {
	opts := utcOpts()
	opts.SingleID = "2"
	page := Render(sample(), opts)

	d := page.Detail
	if d == nil || !d.Found {
		t.Fatalf("Detail = %+v, want found", d)
	}
	if d.GroupKey != "A-1" || !d.Done {
		t.Errorf("Detail = %+v", d)
	}
	labels := make(map[string]string)
	for _, f := range d.Fields {
		labels[f.Label] = f.Value
	}
	if labels["title"] != "Loops again" || labels["rating"] != "easy" {
		t.Errorf("detail fields = %v", labels)
	}
	if _, ok := labels["id"]; ok {
		t.Error("detail shows id")
	}
}

func TestRender_SingleRecordUnknown(t *testing.T) {
	opts := utcOpts()
	opts.SingleID = "missing"
	page := Render(sample(), opts)
	if page.Detail == nil {
		t.Fatal("Detail is nil")
	}
	if page.Detail.Found || len(page.Detail.Fields) != 0 {
		t.Errorf("Detail = %+v, want empty", page.Detail)
	}
}

func TestFormatFinished(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"  ", ""},
		{"2024-05-06T07:08:09Z", "2024-05-06 07:08"},
		{"2024-05-06T07:08:09Z,", "2024-05-06 07:08"},
		{"not a time", "not a time"},
	}
	for _, tt := range tests {
		if got := FormatFinished(tt.in, time.UTC, ""); got != tt.want {
			t.Errorf("FormatFinished(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatFinished_LocaleEntries(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"3/5/2024, 2:30:00 PM", "2024-03-05 14:30"},
		{"1/1/2024, 1:00:00 PM,3/5/2024, 2:30:00 PM", "2024-03-05 14:30"},
		{"2024-01-01T09:00:00Z,3/5/2024, 2:30:00 PM", "2024-03-05 14:30"},
	}
	for _, tt := range tests {
		if got := FormatFinished(tt.in, time.UTC, ""); got != tt.want {
			t.Errorf("FormatFinished(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatFinished_ZonelessIsLocal(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	for _, in := range []string{"2024-03-05 14:30:00", "3/5/2024, 2:30:00 PM"} {
		if got := FormatFinished(in, tokyo, ""); got != "2024-03-05 14:30" {
			t.Errorf("FormatFinished(%q) in JST = %q, want 2024-03-05 14:30", in, got)
		}
	}
	if got := FormatFinished("2024-03-05T14:30:00Z", tokyo, ""); got != "2024-03-05 23:30" {
		t.Errorf("FormatFinished() with explicit zone = %q, want 2024-03-05 23:30", got)
	}
}

func TestWriteHTML(t *testing.T) {
	opts := utcOpts()
	opts.SingleID = "1"
	data := HTMLData{
		Page:     Render(sample(), opts),
		Progress: progress.Aggregate(sample(), time.UTC),
		Ratings:  record.DefaultRatings,
	}

	var buf bytes.Buffer
	if err := WriteHTML(&buf, data); err != nil {
		t.Fatalf("WriteHTML() failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"<title>taskdash</title>",
		"Loops again",
		`href="/?id=2"`,
		"/api/groups/A-1/rating",
		`value="medium"`,
		"2024-02-02",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("page missing %q", want)
		}
	}
	if strings.Contains(out, "legacy") {
		t.Error("page shows id field")
	}
}

func TestWriteHTML_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHTML(&buf, HTMLData{Title: "mine", Page: Render(nil, utcOpts())}); err != nil {
		t.Fatalf("WriteHTML() failed: %v", err)
	}
	if !strings.Contains(buf.String(), MessageEmpty) {
		t.Error("empty page missing message")
	}
	if !strings.Contains(buf.String(), "<title>mine</title>") {
		t.Error("title not applied")
	}
}
