package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskdash/taskdash/internal/record"
	"github.com/taskdash/taskdash/internal/store"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// SampleRecords is the fixture used by the conformance suite: two records
// in group A, one finished record in group B.
func SampleRecords() []record.Record {
	return []record.Record{
		{GroupKey: "A", Fields: map[string]string{"title": "Loops", "section": "1"}},
		{GroupKey: "A", Fields: map[string]string{"title": "Loops", "section": "2"}},
		{GroupKey: "B", Finished: "2024-01-01T00:00:00Z", Rating: "easy", Fields: map[string]string{"title": "Maps", "section": "1"}},
	}
}

// Seed adds recs to st and returns the assigned ids in order.
func Seed(t *testing.T, st store.Store, recs []record.Record) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		id, err := st.Add(ctx, r)
		if err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

// RunConformance exercises the store.Store contract.
func RunConformance(t *testing.T, open Factory) {
	t.Run("AddAndQuery", func(t *testing.T) {
		st := open(t)
		ids := Seed(t, st, SampleRecords())

		seen := make(map[string]bool)
		for _, id := range ids {
			if id == "" {
				t.Fatal("Add() returned an empty id")
			}
			if seen[id] {
				t.Fatalf("Add() returned duplicate id %s", id)
			}
			seen[id] = true
		}

		recs, err := st.Query(context.Background())
		if err != nil {
			t.Fatalf("Query() failed: %v", err)
		}
		if len(recs) != 3 {
			t.Fatalf("Query() returned %d records, want 3", len(recs))
		}
		for i, r := range recs {
			if r.ID != ids[i] {
				t.Errorf("Query()[%d].ID = %s, want %s (creation order)", i, r.ID, ids[i])
			}
		}
		if recs[0].Fields["title"] != "Loops" {
			t.Errorf("Fields not round-tripped: %v", recs[0].Fields)
		}
		if recs[2].Finished != "2024-01-01T00:00:00Z" || recs[2].Rating != "easy" {
			t.Errorf("markings not round-tripped: %+v", recs[2])
		}
		if recs[0].Finished != "" || recs[0].Rating != "" {
			t.Errorf("unset fields not absent: %+v", recs[0])
		}
	})

	t.Run("EmptyQuery", func(t *testing.T) {
		st := open(t)
		recs, err := st.Query(context.Background())
		if err != nil {
			t.Fatalf("Query() failed: %v", err)
		}
		if len(recs) != 0 {
			t.Errorf("Query() on empty store returned %d records", len(recs))
		}
	})

	t.Run("UpdateSingle", func(t *testing.T) {
		st := open(t)
		ids := Seed(t, st, SampleRecords())
		ctx := context.Background()

		if err := st.Update(ctx, ids[0], record.Mutation{Rating: record.Set("hard")}); err != nil {
			t.Fatalf("Update() failed: %v", err)
		}
		recs := mustQuery(t, st)
		if recs[0].Rating != "hard" {
			t.Errorf("Rating = %q, want hard", recs[0].Rating)
		}
		if recs[1].Rating != "" {
			t.Errorf("sibling record changed: %+v", recs[1])
		}
	})

	t.Run("UpdateUnknown", func(t *testing.T) {
		st := open(t)
		Seed(t, st, SampleRecords())

		err := st.Update(context.Background(), "does-not-exist", record.Mutation{Finished: record.Set("x")})
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Update(unknown) error = %v, want NOT_FOUND", err)
		}
	})

	t.Run("BatchUpdateOverwrite", func(t *testing.T) {
		st := open(t)
		ids := Seed(t, st, SampleRecords())
		ctx := context.Background()

		ts := "2024-05-01T09:00:00Z"
		if err := st.BatchUpdate(ctx, ids[:2], record.Mutation{Finished: record.Set(ts)}); err != nil {
			t.Fatalf("BatchUpdate() failed: %v", err)
		}
		recs := mustQuery(t, st)
		for _, r := range recs[:2] {
			if r.Finished != ts {
				t.Errorf("record %s Finished = %q, want %q", r.ID, r.Finished, ts)
			}
		}
		if recs[2].Finished != "2024-01-01T00:00:00Z" {
			t.Errorf("record outside batch changed: %+v", recs[2])
		}
	})

	t.Run("BatchUpdateAppend", func(t *testing.T) {
		st := open(t)
		ids := Seed(t, st, SampleRecords())
		ctx := context.Background()

		if err := st.BatchUpdate(ctx, ids, record.Mutation{Rating: record.Append("hard")}); err != nil {
			t.Fatalf("BatchUpdate() failed: %v", err)
		}
		recs := mustQuery(t, st)
		if recs[0].Rating != "hard" {
			t.Errorf("append onto empty = %q, want hard", recs[0].Rating)
		}
		if recs[2].Rating != "easy,hard" {
			t.Errorf("append onto value = %q, want easy,hard", recs[2].Rating)
		}
	})

	t.Run("BatchUpdateAllOrNothing", func(t *testing.T) {
		st := open(t)
		ids := Seed(t, st, SampleRecords())
		ctx := context.Background()

		err := st.BatchUpdate(ctx, []string{ids[0], "missing"}, record.Mutation{Finished: record.Set("x")})
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("BatchUpdate() error = %v, want NOT_FOUND", err)
		}
		recs := mustQuery(t, st)
		if recs[0].Finished != "" {
			t.Errorf("partial batch applied: %+v", recs[0])
		}
	})

	t.Run("ClearAll", func(t *testing.T) {
		st := open(t)
		ids := Seed(t, st, SampleRecords())
		ctx := context.Background()

		if err := st.BatchUpdate(ctx, ids[:1], record.Mutation{Finished: record.Set("t"), Rating: record.Set("hard")}); err != nil {
			t.Fatalf("BatchUpdate() failed: %v", err)
		}
		if err := st.ClearAll(ctx); err != nil {
			t.Fatalf("ClearAll() failed: %v", err)
		}
		recs := mustQuery(t, st)
		if len(recs) != 3 {
			t.Fatalf("ClearAll() changed record count to %d", len(recs))
		}
		for _, r := range recs {
			if r.Finished != "" || r.Rating != "" {
				t.Errorf("record %s not cleared: %+v", r.ID, r)
			}
		}
	})

	t.Run("Remove", func(t *testing.T) {
		st := open(t)
		ids := Seed(t, st, SampleRecords())
		ctx := context.Background()

		if err := st.Remove(ctx, ids[1]); err != nil {
			t.Fatalf("Remove() failed: %v", err)
		}
		recs := mustQuery(t, st)
		if len(recs) != 2 {
			t.Fatalf("Query() after Remove returned %d records", len(recs))
		}
		for _, r := range recs {
			if r.ID == ids[1] {
				t.Error("removed record still present")
			}
		}

		if err := st.Remove(ctx, ids[1]); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("second Remove() error = %v, want NOT_FOUND", err)
		}

		newID, err := st.Add(ctx, record.Record{GroupKey: "C"})
		if err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
		for _, id := range ids {
			if id == newID {
				t.Errorf("id %s reused after removal", newID)
			}
		}
	})

	t.Run("Subscribe", func(t *testing.T) {
		st := open(t)
		sub, ok := st.(store.Subscriber)
		if !ok {
			t.Skipf("%s does not push changes", st.Name())
		}
		ids := Seed(t, st, SampleRecords())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		snaps := make(chan []record.Record, 64)
		unsub, err := sub.Subscribe(ctx, store.Handler{Deliver: func(_ uint64, recs []record.Record) { snaps <- recs }})
		if err != nil {
			t.Fatalf("Subscribe() failed: %v", err)
		}
		defer unsub()

		first := waitFor(t, snaps, func(recs []record.Record) bool { return len(recs) == 3 })
		if first[0].Done() {
			t.Fatalf("initial snapshot already done: %+v", first[0])
		}

		if err := st.BatchUpdate(ctx, ids[:2], record.Mutation{Finished: record.Set("2024-06-01T00:00:00Z")}); err != nil {
			t.Fatalf("BatchUpdate() failed: %v", err)
		}
		waitFor(t, snaps, func(recs []record.Record) bool {
			return len(recs) == 3 && recs[0].Done() && recs[1].Done()
		})

		unsub()
		unsub()
	})
}

func mustQuery(t *testing.T, st store.Store) []record.Record {
	t.Helper()
	recs, err := st.Query(context.Background())
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	return recs
}

func waitFor(t *testing.T, snaps <-chan []record.Record, ok func([]record.Record) bool) []record.Record {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case recs := <-snaps:
			if ok(recs) {
				return recs
			}
		case <-timeout:
			t.Fatal("timed out waiting for snapshot")
			return nil
		}
	}
}
