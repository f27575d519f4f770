package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/taskdash/taskdash/internal/record"
	"github.com/taskdash/taskdash/internal/store"
	"github.com/taskdash/taskdash/internal/store/storetest"
)

// openTestStore opens a store with a working copy under a temp dir.
func openTestStore(t *testing.T, opts store.SQLiteOptions) *Store {
	t.Helper()
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(t.TempDir(), "page")
	}
	s, err := Open(context.Background(), opts, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// writeSeedDB creates a database file by running stmts.
func writeSeedDB(t *testing.T, stmts ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.db")
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	defer conn.Close()
	for _, stmt := range stmts {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("Exec(%q) failed: %v", stmt, err)
		}
	}
	return path
}

func TestConformance(t *testing.T) {
	storetest.RunConformance(t, func(t *testing.T) store.Store {
		return openTestStore(t, store.SQLiteOptions{})
	})
}

func TestOpen_EmptyImageCreatesDefaultTable(t *testing.T) {
	s := openTestStore(t, store.SQLiteOptions{})

	if s.Table() != DefaultTable {
		t.Errorf("Table() = %q, want %q", s.Table(), DefaultTable)
	}
	for _, col := range []string{"id", "full_code", "finished", "rating"} {
		if !s.table.has(col) {
			t.Errorf("default table missing column %s", col)
		}
	}
}

func TestOpen_PrivateWorkDirRemovedOnClose(t *testing.T) {
	s, err := Open(context.Background(), store.SQLiteOptions{}, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	dir := filepath.Dir(s.Path())
	if _, err := os.Stat(s.Path()); err != nil {
		t.Fatalf("working copy missing: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("working directory %s still exists after Close", dir)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

func TestPersist_ReloadFromLocalStorage(t *testing.T) {
	ctx := context.Background()
	localPath := filepath.Join(t.TempDir(), "local.db")
	opts := store.SQLiteOptions{LocalPath: localPath}

	s, err := Open(ctx, opts, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	id, err := s.Add(ctx, record.Record{GroupKey: "A", Fields: map[string]string{"title": "Loops"}})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := s.Update(ctx, id, record.Mutation{Finished: record.Set("2024-03-01T12:00:00Z")}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s, err = Open(ctx, opts, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	recs, err := s.Query(ctx)
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Query() returned %d records after reload, want 1", len(recs))
	}
	if recs[0].ID != id || recs[0].Finished != "2024-03-01T12:00:00Z" || recs[0].Fields["title"] != "Loops" {
		t.Errorf("reloaded record = %+v", recs[0])
	}
}

func TestOpen_LocalStorageWinsOverSeed(t *testing.T) {
	ctx := context.Background()
	seed := writeSeedDB(t,
		`CREATE TABLE tasks (id INTEGER PRIMARY KEY AUTOINCREMENT, full_code TEXT NOT NULL, finished TEXT, rating TEXT)`,
		`INSERT INTO tasks (full_code) VALUES ('seed-1'), ('seed-2')`,
	)
	opts := store.SQLiteOptions{LocalPath: filepath.Join(t.TempDir(), "local.db"), SeedImage: seed}

	s, err := Open(ctx, opts, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	recs, err := s.Query(ctx)
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("seeded Query() returned %d records, want 2", len(recs))
	}
	if err := s.Remove(ctx, recs[0].ID); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	s.Close()

	s, err = Open(ctx, opts, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	recs, err = s.Query(ctx)
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(recs) != 1 || recs[0].GroupKey != "seed-2" {
		t.Errorf("Query() after reopen = %+v, want only seed-2", recs)
	}
}

func TestOpen_DiscoversLegacyTable(t *testing.T) {
	ctx := context.Background()
	seed := writeSeedDB(t,
		`CREATE TABLE exercises (full_code TEXT, title TEXT, section TEXT)`,
		`INSERT INTO exercises VALUES ('1.1', 'Intro', 'A'), ('1.1', 'Intro', 'B'), ('1.2', 'Next', 'A')`,
	)

	s := openTestStore(t, store.SQLiteOptions{SeedImage: seed})

	if s.Table() != "exercises" {
		t.Errorf("Table() = %q, want exercises", s.Table())
	}
	if !s.table.has("finished") || !s.table.has("rating") {
		t.Error("missing marking columns were not added")
	}

	recs, err := s.Query(ctx)
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("Query() returned %d records, want 3", len(recs))
	}
	if recs[0].ID != "1" || recs[2].ID != "3" {
		t.Errorf("rowid ids = %s..%s, want 1..3", recs[0].ID, recs[2].ID)
	}

	ids := store.GroupIDs(recs, "1.1")
	if err := s.BatchUpdate(ctx, ids, record.Mutation{Rating: record.Set("hard")}); err != nil {
		t.Fatalf("BatchUpdate() failed: %v", err)
	}
	recs, _ = s.Query(ctx)
	if recs[0].Rating != "hard" || recs[1].Rating != "hard" || recs[2].Rating != "" {
		t.Errorf("ratings after group update = %q %q %q", recs[0].Rating, recs[1].Rating, recs[2].Rating)
	}
}

func TestOpen_PicksFirstTableByName(t *testing.T) {
	seed := writeSeedDB(t,
		`CREATE TABLE zeta (full_code TEXT)`,
		`CREATE TABLE alpha (full_code TEXT)`,
	)
	s := openTestStore(t, store.SQLiteOptions{SeedImage: seed})
	if s.Table() != "alpha" {
		t.Errorf("Table() = %q, want alpha", s.Table())
	}
}

func TestOpen_MissingGroupColumn(t *testing.T) {
	seed := writeSeedDB(t, `CREATE TABLE tasks (name TEXT)`)

	_, err := Open(context.Background(), store.SQLiteOptions{
		SeedImage: seed,
		WorkDir:   filepath.Join(t.TempDir(), "page"),
	}, nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Open() error = %v, want NOT_FOUND", err)
	}
}

func TestOpen_ConfiguredTableNotFound(t *testing.T) {
	_, err := Open(context.Background(), store.SQLiteOptions{
		Table:   "nope",
		WorkDir: filepath.Join(t.TempDir(), "page"),
	}, nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Open() error = %v, want NOT_FOUND", err)
	}
}

func TestAdd_TextIDsAreUUIDs(t *testing.T) {
	seed := writeSeedDB(t, `CREATE TABLE tasks (id TEXT PRIMARY KEY, full_code TEXT NOT NULL, finished TEXT, rating TEXT)`)
	s := openTestStore(t, store.SQLiteOptions{SeedImage: seed})

	id, err := s.Add(context.Background(), record.Record{GroupKey: "A"})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("Add() id %q is not a UUID: %v", id, err)
	}
}

// queryIDs returns the ids of every record, failing on blanks and
// duplicates.
func queryIDs(t *testing.T, s *Store) []string {
	t.Helper()
	recs, err := s.Query(context.Background())
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	seen := make(map[string]bool)
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		if r.ID == "" {
			t.Fatalf("record %+v has no id", r)
		}
		if seen[r.ID] {
			t.Fatalf("id %s appears twice", r.ID)
		}
		seen[r.ID] = true
		ids = append(ids, r.ID)
	}
	return ids
}

func TestAdd_PlainIntegerIDColumn(t *testing.T) {
	ctx := context.Background()
	seed := writeSeedDB(t,
		`CREATE TABLE tasks (id INTEGER, full_code TEXT)`,
		`INSERT INTO tasks VALUES (7, 'A')`,
	)
	s := openTestStore(t, store.SQLiteOptions{SeedImage: seed})

	if s.table.autoID {
		t.Fatal("non-key integer id column treated as store-assigned")
	}
	first, err := s.Add(ctx, record.Record{GroupKey: "B"})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	second, err := s.Add(ctx, record.Record{GroupKey: "B"})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if first != "8" || second != "9" {
		t.Errorf("Add() ids = %s, %s, want 8, 9", first, second)
	}

	ids := queryIDs(t, s)
	if len(ids) != 3 || ids[1] != first || ids[2] != second {
		t.Errorf("Query() ids = %v", ids)
	}
	if err := s.Update(ctx, first, record.Mutation{Rating: record.Set("easy")}); err != nil {
		t.Errorf("Update(%s) failed: %v", first, err)
	}
}

func TestOpen_NumbersRowsWithoutIDs(t *testing.T) {
	seed := writeSeedDB(t,
		`CREATE TABLE tasks (id INTEGER, full_code TEXT)`,
		`INSERT INTO tasks VALUES (5, 'A'), (NULL, 'B'), (NULL, 'C')`,
	)
	s := openTestStore(t, store.SQLiteOptions{SeedImage: seed})

	ids := queryIDs(t, s)
	if len(ids) != 3 || ids[0] != "5" {
		t.Errorf("Query() ids = %v, want 5 first and two new ids", ids)
	}
}

func TestRemove_IDsAreNotReused(t *testing.T) {
	tests := []struct {
		name  string
		stmts []string
	}{
		{"no id column", []string{
			`CREATE TABLE exercises (full_code TEXT, title TEXT)`,
			`INSERT INTO exercises VALUES ('1.1', 'a'), ('1.2', 'b'), ('1.3', 'c')`,
		}},
		{"integer primary key", []string{
			`CREATE TABLE tasks (id INTEGER PRIMARY KEY, full_code TEXT)`,
			`INSERT INTO tasks (full_code) VALUES ('1.1'), ('1.2'), ('1.3')`,
		}},
		{"autoincrement", []string{
			`CREATE TABLE tasks (id INTEGER PRIMARY KEY AUTOINCREMENT, full_code TEXT)`,
			`INSERT INTO tasks (full_code) VALUES ('1.1'), ('1.2'), ('1.3')`,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := openTestStore(t, store.SQLiteOptions{SeedImage: writeSeedDB(t, tt.stmts...)})

			if got := queryIDs(t, s); len(got) != 3 || got[0] != "1" || got[2] != "3" {
				t.Fatalf("initial ids = %v, want 1..3", got)
			}
			for _, id := range []string{"2", "3"} {
				if err := s.Remove(ctx, id); err != nil {
					t.Fatalf("Remove(%s) failed: %v", id, err)
				}
			}

			id, err := s.Add(ctx, record.Record{GroupKey: "1.4"})
			if err != nil {
				t.Fatalf("Add() failed: %v", err)
			}
			if id == "2" || id == "3" {
				t.Errorf("Add() reused removed id %s", id)
			}
			if id != "4" {
				t.Errorf("Add() id = %s, want 4", id)
			}
			queryIDs(t, s)
		})
	}
}

func TestRemove_IDsAreNotReusedAfterReload(t *testing.T) {
	ctx := context.Background()
	seed := writeSeedDB(t,
		`CREATE TABLE tasks (full_code TEXT)`,
		`INSERT INTO tasks VALUES ('A'), ('B')`,
	)
	opts := store.SQLiteOptions{SeedImage: seed, LocalPath: filepath.Join(t.TempDir(), "local.db")}

	s, err := Open(ctx, opts, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Remove(ctx, "2"); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	s.Close()

	s, err = Open(ctx, opts, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	id, err := s.Add(ctx, record.Record{GroupKey: "C"})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if id != "3" {
		t.Errorf("Add() after reload id = %s, want 3", id)
	}
}

func TestWrites_PersistFailureKeepsWrite(t *testing.T) {
	ctx := context.Background()
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	s := openTestStore(t, store.SQLiteOptions{MirrorPath: filepath.Join(blocker, "tasks.db")})

	id, err := s.Add(ctx, record.Record{GroupKey: "A"})
	if !errors.Is(err, store.ErrNotPersisted) {
		t.Fatalf("Add() error = %v, want NOT_PERSISTED", err)
	}
	if id == "" {
		t.Fatal("Add() returned no id for an applied insert")
	}

	err = s.Update(ctx, id, record.Mutation{Rating: record.Set("easy")})
	if !errors.Is(err, store.ErrNotPersisted) {
		t.Errorf("Update() error = %v, want NOT_PERSISTED", err)
	}
	if code := store.CodeOf(err); code != store.CodeNotPersisted {
		t.Errorf("CodeOf(Update() error) = %s, want %s", code, store.CodeNotPersisted)
	}

	recs, err := s.Query(ctx)
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != id || recs[0].Rating != "easy" {
		t.Errorf("Query() = %+v, want the applied record", recs)
	}

	if err := s.ClearAll(ctx); !errors.Is(err, store.ErrNotPersisted) {
		t.Errorf("ClearAll() error = %v, want NOT_PERSISTED", err)
	}
	if err := s.Remove(ctx, id); !errors.Is(err, store.ErrNotPersisted) {
		t.Errorf("Remove() error = %v, want NOT_PERSISTED", err)
	}
}

func TestAdd_RejectsMissingGroupKey(t *testing.T) {
	s := openTestStore(t, store.SQLiteOptions{})

	_, err := s.Add(context.Background(), record.Record{Fields: map[string]string{"title": "x"}})
	if !errors.Is(err, store.ErrInvalid) {
		t.Errorf("Add() error = %v, want INVALID", err)
	}
}

func TestSetClause_AppendUsesCase(t *testing.T) {
	tbl := &table{finished: "finished", rating: "rating"}

	set, args := tbl.setClause(record.Mutation{Finished: record.Append("t1"), Rating: record.Clear()})
	want := `"finished" = CASE WHEN "finished" IS NULL OR trim("finished") = '' THEN ? ELSE "finished" || ',' || ? END, "rating" = NULL`
	if set != want {
		t.Errorf("setClause() =\n%s\nwant\n%s", set, want)
	}
	if len(args) != 2 {
		t.Errorf("setClause() args = %v, want 2", args)
	}
}

func TestExport_WritesDatabaseImage(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, store.SQLiteOptions{})
	storetest.Seed(t, s, storetest.SampleRecords())

	var buf bytes.Buffer
	if err := s.Export(ctx, &buf); err != nil {
		t.Fatalf("Export() failed: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("SQLite format 3\x00")) {
		t.Error("Export() output is not a SQLite database")
	}

	path := filepath.Join(t.TempDir(), "export.db")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	reopened := openTestStore(t, store.SQLiteOptions{SeedImage: path})
	recs, err := reopened.Query(ctx)
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("exported image has %d records, want 3", len(recs))
	}
}

func TestPersist_WritesMirror(t *testing.T) {
	mirror := filepath.Join(t.TempDir(), "out", "tasks.db")
	s := openTestStore(t, store.SQLiteOptions{MirrorPath: mirror})

	if _, err := s.Add(context.Background(), record.Record{GroupKey: "A"}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	raw, err := os.ReadFile(mirror)
	if err != nil {
		t.Fatalf("mirror not written: %v", err)
	}
	if !bytes.HasPrefix(raw, []byte("SQLite format 3\x00")) {
		t.Error("mirror is not a SQLite database")
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(mirror), ".*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestPersist_NoTargetsIsNoop(t *testing.T) {
	s := openTestStore(t, store.SQLiteOptions{})
	if err := s.Persist(context.Background()); err != nil {
		t.Errorf("Persist() failed: %v", err)
	}
}

func TestRegistered(t *testing.T) {
	if !store.IsRegistered(store.KindSQLite) {
		t.Fatal("sqlite kind not registered")
	}
	st, err := store.Open(context.Background(), store.KindSQLite, store.Options{
		SQLite: store.SQLiteOptions{WorkDir: filepath.Join(t.TempDir(), "page")},
	})
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	defer st.Close()

	if _, ok := st.(store.Persister); !ok {
		t.Error("sqlite store does not implement Persister")
	}
	if _, ok := st.(store.Exporter); !ok {
		t.Error("sqlite store does not implement Exporter")
	}
}
