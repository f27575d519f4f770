// Package docstore provides a live document-collection backing store on
// top of a directory of JSON files.
//
// Layout:
//
//	<dir>/records/<id>.json   one document per record
//	<dir>/meta.json           creation sequence counter
//	<dir>/staging/            documents staged by an in-flight batch
//	<dir>/batch.json          manifest of a batch being committed
//	<dir>/.lock               writer lock shared across processes
//
// Every write is a batch: documents are staged, a manifest is written, the
// staged files are renamed into place and the manifest is deleted. A crash
// after the manifest is written is rolled forward by the next Open; a crash
// while staging leaves every document unchanged.
//
// Subscribe watches records/ with fsnotify and pushes a full snapshot after
// each debounced burst of changes, whichever process made them.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/taskdash/taskdash/internal/record"
	"github.com/taskdash/taskdash/internal/store"
)

// DefaultDebounce batches rapid file events into one snapshot.
const DefaultDebounce = 100 * time.Millisecond

const (
	recordsDirName = "records"
	stagingDirName = "staging"
	metaFileName   = "meta.json"
	lockFileName   = ".lock"
	lockRetryDelay = 20 * time.Millisecond
)

func init() {
	store.Register(store.KindDocstore, func(ctx context.Context, opts store.Options) (store.Store, error) {
		s, err := Open(ctx, opts.Docstore, opts.Logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// Store is the JSON document directory backing store.
type Store struct {
	dir        string
	recordsDir string
	stagingDir string
	debounce   time.Duration
	logger     *log.Logger

	// mu serializes use of lock within the process.
	mu   sync.Mutex
	lock *flock.Flock
}

type meta struct {
	Seq int64 `json:"seq"`
}

// Open prepares the directory layout and rolls forward an interrupted
// batch.
func Open(ctx context.Context, opts store.DocstoreOptions, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[docstore] ", log.LstdFlags)
	}
	if opts.Dir == "" {
		return nil, store.NewError(store.CodeMissingInput, "docstore directory is required")
	}

	debounce := DefaultDebounce
	if opts.Debounce != "" {
		d, err := time.ParseDuration(opts.Debounce)
		if err != nil {
			return nil, store.WrapError(store.CodeInvalid, fmt.Sprintf("invalid debounce %q", opts.Debounce), err)
		}
		debounce = d
	}

	s := &Store{
		dir:        opts.Dir,
		recordsDir: filepath.Join(opts.Dir, recordsDirName),
		stagingDir: filepath.Join(opts.Dir, stagingDirName),
		debounce:   debounce,
		logger:     logger,
		lock:       flock.New(filepath.Join(opts.Dir, lockFileName)),
	}

	for _, dir := range []string{s.recordsDir, s.stagingDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, store.WrapError(store.CodeStore, "failed to create docstore directory", err)
		}
	}

	err := s.withLock(ctx, func() error {
		return s.recover()
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements store.Store.
func (s *Store) Name() string { return string(store.KindDocstore) }

// Dir returns the root directory of the collection.
func (s *Store) Dir() string { return s.dir }

// withLock runs fn holding the process mutex and the exclusive file lock.
func (s *Store) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return store.WrapError(store.CodeStore, "failed to acquire docstore lock", err)
	}
	if !locked {
		return store.NewError(store.CodeBusy, "docstore is locked by another writer")
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Printf("Warning: failed to release lock: %v", err)
		}
	}()
	return fn()
}

// withReadLock runs fn holding the shared file lock.
func (s *Store) withReadLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		return store.WrapError(store.CodeStore, "failed to acquire docstore lock", err)
	}
	if !locked {
		return store.NewError(store.CodeBusy, "docstore is locked by another writer")
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Printf("Warning: failed to release lock: %v", err)
		}
	}()
	return fn()
}

// Query implements store.Store.
func (s *Store) Query(ctx context.Context) ([]record.Record, error) {
	var recs []record.Record
	err := s.withReadLock(ctx, func() error {
		var err error
		recs, err = s.readAll()
		return err
	})
	return recs, err
}

// readAll reads every document. Unreadable documents are skipped with a
// warning.
func (s *Store) readAll() ([]record.Record, error) {
	entries, err := os.ReadDir(s.recordsDir)
	if err != nil {
		return nil, store.WrapError(store.CodeStore, "failed to read records directory", err)
	}

	recs := make([]record.Record, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		r, err := readDoc(filepath.Join(s.recordsDir, entry.Name()))
		if err != nil {
			s.logger.Printf("Warning: skipping invalid document %s: %v", entry.Name(), err)
			continue
		}
		recs = append(recs, r)
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Seq != recs[j].Seq {
			return recs[i].Seq < recs[j].Seq
		}
		return recs[i].ID < recs[j].ID
	})
	return recs, nil
}

func readDoc(path string) (record.Record, error) {
	var r record.Record
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := r.Validate(); err != nil {
		return r, fmt.Errorf("invalid document %s: %w", path, err)
	}
	return r, nil
}

func (s *Store) docPath(id string) string {
	return filepath.Join(s.recordsDir, id+".json")
}

// validID rejects ids that would escape the records directory.
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, id string, m record.Mutation) error {
	return s.BatchUpdate(ctx, []string{id}, m)
}

// BatchUpdate implements store.Store. All documents are committed as one
// batch; an unknown id aborts before anything is staged.
func (s *Store) BatchUpdate(ctx context.Context, ids []string, m record.Mutation) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withLock(ctx, func() error {
		docs := make([]record.Record, 0, len(ids))
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			if !validID(id) {
				return store.NewError(store.CodeNotFound, "record %s not found", id)
			}
			r, err := readDoc(s.docPath(id))
			if os.IsNotExist(err) {
				return store.NewError(store.CodeNotFound, "record %s not found", id)
			}
			if err != nil {
				return store.WrapError(store.CodeStore, fmt.Sprintf("failed to read record %s", id), err)
			}
			docs = append(docs, m.Apply(r))
		}
		writes, err := s.writesFor(docs)
		if err != nil {
			return err
		}
		return s.commit(ctx, writes, nil)
	})
}

// Add implements store.Store.
func (s *Store) Add(ctx context.Context, r record.Record) (string, error) {
	r = r.Clone()
	r.ID = uuid.NewString()
	if err := r.Validate(); err != nil {
		return "", store.WrapError(store.CodeInvalid, "invalid record", err)
	}

	err := s.withLock(ctx, func() error {
		m, err := s.readMeta()
		if err != nil {
			return err
		}
		m.Seq++
		r.Seq = m.Seq

		writes, err := s.writesFor([]record.Record{r})
		if err != nil {
			return err
		}
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal meta: %w", err)
		}
		writes = append(writes, pendingWrite{dst: filepath.Join(s.dir, metaFileName), data: data})
		return s.commit(ctx, writes, nil)
	})
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

func (s *Store) readMeta() (meta, error) {
	var m meta
	data, err := os.ReadFile(filepath.Join(s.dir, metaFileName))
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return m, store.WrapError(store.CodeStore, "failed to read meta", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, store.WrapError(store.CodeStore, "failed to parse meta", err)
	}
	return m, nil
}

// Remove implements store.Store.
func (s *Store) Remove(ctx context.Context, id string) error {
	return s.withLock(ctx, func() error {
		if !validID(id) {
			return store.NewError(store.CodeNotFound, "record %s not found", id)
		}
		path := s.docPath(id)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return store.NewError(store.CodeNotFound, "record %s not found", id)
		}
		return s.commit(ctx, nil, []string{path})
	})
}

// ClearAll implements store.Store. Only documents carrying markings are
// rewritten, all in one batch.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.withLock(ctx, func() error {
		recs, err := s.readAll()
		if err != nil {
			return err
		}
		reset := record.ClearMarkings()
		var docs []record.Record
		for _, r := range recs {
			if r.Finished == "" && r.Rating == "" {
				continue
			}
			docs = append(docs, reset.Apply(r))
		}
		if len(docs) == 0 {
			return nil
		}
		writes, err := s.writesFor(docs)
		if err != nil {
			return err
		}
		return s.commit(ctx, writes, nil)
	})
}

// Close implements store.Store. Subscriptions are owned by their
// Unsubscribe functions.
func (s *Store) Close() error { return nil }
