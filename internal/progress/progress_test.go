package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdash/taskdash/internal/record"
)

func done(id, finished string) record.Record {
	return record.Record{ID: id, GroupKey: "G" + id, Finished: finished}
}

func TestAggregate_CumulativePerDay(t *testing.T) {
	recs := []record.Record{
		done("1", "2024-01-03T10:00:00Z"),
		done("2", "2024-01-01T10:00:00Z"),
		done("3", "2024-01-03T23:00:00Z"),
		done("4", "2024-01-02T00:30:00Z"),
		{ID: "5", GroupKey: "G5"},
	}

	s := Aggregate(recs, time.UTC)

	assert.Equal(t, []string{"2024-01-01", "2024-01-02", "2024-01-03"}, s.Labels)
	assert.Equal(t, []int{1, 2, 4}, s.Values)
	assert.Equal(t, 4, s.Finished)
	assert.Equal(t, 1, s.Unfinished)
	assert.Equal(t, 5, s.Total)
}

func TestAggregate_Monotonic(t *testing.T) {
	var recs []record.Record
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 40; i++ {
		day := base.AddDate(0, 0, (i*7)%13)
		recs = append(recs, done(string(rune('a'+i%26))+day.String(), day.Format(time.RFC3339)))
	}

	s := Aggregate(recs, time.UTC)
	require.Len(t, s.Values, len(s.Labels))
	for i := 1; i < len(s.Values); i++ {
		assert.GreaterOrEqual(t, s.Values[i], s.Values[i-1])
		assert.Less(t, s.Labels[i-1], s.Labels[i])
	}
	assert.Equal(t, 40, s.Values[len(s.Values)-1])
}

func TestAggregate_LocalDay(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	recs := []record.Record{done("1", "2024-01-01T20:00:00Z")}

	assert.Equal(t, []string{"2024-01-01"}, Aggregate(recs, time.UTC).Labels)
	assert.Equal(t, []string{"2024-01-02"}, Aggregate(recs, tokyo).Labels)
}

func TestAggregate_UsesLastHistoryEntry(t *testing.T) {
	recs := []record.Record{done("1", "2024-01-01T10:00:00Z,2024-02-01T10:00:00Z")}
	s := Aggregate(recs, time.UTC)
	assert.Equal(t, []string{"2024-02-01"}, s.Labels)
}

func TestAggregate_LocaleEntries(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	recs := []record.Record{
		done("1", "3/5/2024, 11:30:00 PM"),
		done("2", "2024-03-01T10:00:00Z,3/6/2024, 1:00:00 AM"),
	}

	s := Aggregate(recs, tokyo)

	assert.Equal(t, 0, s.Undated)
	assert.Equal(t, []string{"2024-03-05", "2024-03-06"}, s.Labels)
	assert.Equal(t, []int{1, 2}, s.Values)
}

func TestAggregate_Placeholder(t *testing.T) {
	s := Aggregate([]record.Record{{ID: "1", GroupKey: "A"}}, time.UTC)
	assert.True(t, s.Placeholder())
	assert.Equal(t, []string{PlaceholderLabel}, s.Labels)
	assert.Equal(t, []int{0}, s.Values)
	assert.Equal(t, 1, s.Unfinished)

	empty := Aggregate(nil, time.UTC)
	assert.True(t, empty.Placeholder())
	assert.Equal(t, 0, empty.Total)
}

func TestAggregate_UnparseableCountsAsFinished(t *testing.T) {
	recs := []record.Record{
		done("1", "yesterday-ish"),
		done("2", "2024-01-01T10:00:00Z"),
	}
	s := Aggregate(recs, time.UTC)

	assert.Equal(t, 2, s.Finished)
	assert.Equal(t, 1, s.Undated)
	assert.Equal(t, []string{"2024-01-01"}, s.Labels)
	assert.Equal(t, []int{1}, s.Values)
}

func TestAggregate_Since(t *testing.T) {
	recs := []record.Record{
		done("1", "2024-01-01T10:00:00Z"),
		done("2", "2024-01-02T10:00:00Z"),
		done("3", "2024-01-05T10:00:00Z"),
		done("4", "2024-01-06T10:00:00Z"),
	}
	since := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)

	s := Aggregate(recs, time.UTC, Since(since))
	assert.Equal(t, []string{"2024-01-05", "2024-01-06"}, s.Labels)
	assert.Equal(t, []int{3, 4}, s.Values, "earlier completions fold into the baseline")
}

func TestAggregate_SinceAfterLastCompletion(t *testing.T) {
	recs := []record.Record{done("1", "2024-01-01T10:00:00Z")}
	since := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	s := Aggregate(recs, time.UTC, Since(since))
	assert.Equal(t, []string{"2024-06-01"}, s.Labels)
	assert.Equal(t, []int{1}, s.Values)
	assert.False(t, s.Placeholder())
}
