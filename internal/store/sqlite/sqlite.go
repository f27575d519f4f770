// Package sqlite provides the embedded relational backing store.
//
// The database lives as a working copy in a private directory (the "page").
// Its image is loaded at startup and serialized back after every mutation.
//
// Image sources, in order:
//   - local storage (a bbolt file, see internal/store/localstore), where the
//     image is kept base64 encoded under a key
//   - a seed database file
//   - an empty database with the default tasks table
//
// Persist writes the image with VACUUM INTO, so the saved copy is always a
// consistent, compacted database file. When a mirror path is configured the
// raw image is also written there.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/taskdash/taskdash/internal/store"
	"github.com/taskdash/taskdash/internal/store/localstore"
)

// Defaults for SQLiteOptions fields left empty.
const (
	DefaultDriver   = "sqlite3"
	DefaultLocalKey = "taskdash.db"
	DefaultTable    = "tasks"
)

const pageFile = "page.db"

func init() {
	store.Register(store.KindSQLite, func(ctx context.Context, opts store.Options) (store.Store, error) {
		s, err := Open(ctx, opts.SQLite, opts.Logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// Store is the embedded relational backing store.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger

	workDir     string
	ownsWorkDir bool

	local    *localstore.Store
	localKey string
	mirror   string

	// mu serializes mutations and the persist that follows them, so the
	// saved image always reflects writes in order.
	mu    sync.Mutex
	table *table
}

// Open loads the database image into a fresh working copy and discovers
// the task table.
//
// The caller MUST call Close() when done to release the working copy.
func Open(ctx context.Context, opts store.SQLiteOptions, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[sqlite] ", log.LstdFlags)
	}
	if opts.Driver == "" {
		opts.Driver = DefaultDriver
	}
	if opts.LocalKey == "" {
		opts.LocalKey = DefaultLocalKey
	}

	s := &Store{
		logger:   logger,
		localKey: opts.LocalKey,
		mirror:   opts.MirrorPath,
		workDir:  opts.WorkDir,
	}

	if s.workDir == "" {
		dir, err := os.MkdirTemp("", "taskdash-page-*")
		if err != nil {
			return nil, store.WrapError(store.CodeStore, "failed to create working directory", err)
		}
		s.workDir = dir
		s.ownsWorkDir = true
	} else if err := os.MkdirAll(s.workDir, 0755); err != nil {
		return nil, store.WrapError(store.CodeStore, "failed to create working directory", err)
	}
	s.path = filepath.Join(s.workDir, pageFile)

	if opts.LocalPath != "" {
		local, err := localstore.Open(opts.LocalPath, "")
		if err != nil {
			s.cleanup()
			return nil, store.WrapError(store.CodeStore, "failed to open local storage", err)
		}
		s.local = local
	}

	if err := s.loadImage(opts.SeedImage); err != nil {
		s.cleanup()
		return nil, err
	}

	conn, err := sql.Open(opts.Driver, fmt.Sprintf("file:%s", s.path))
	if err != nil {
		s.cleanup()
		return nil, store.WrapError(store.CodeStore, "failed to open database", err)
	}
	s.conn = conn

	if err := conn.PingContext(ctx); err != nil {
		s.cleanup()
		return nil, store.WrapError(store.CodeStore, "failed to ping database", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Enable WAL mode for concurrent reads
	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		s.cleanup()
		return nil, store.WrapError(store.CodeStore, "failed to enable WAL mode", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		s.cleanup()
		return nil, store.WrapError(store.CodeStore, "failed to set busy timeout", err)
	}

	t, err := discoverTable(ctx, conn, opts)
	if err != nil {
		s.cleanup()
		return nil, err
	}
	s.table = t

	s.logger.Printf("opened %s (table %s, %d columns)", s.path, t.name, len(t.cols))
	return s, nil
}

// loadImage writes the initial database image into the working copy.
func (s *Store) loadImage(seedImage string) error {
	if s.local != nil {
		encoded, ok, err := s.local.Get(s.localKey)
		if err != nil {
			return store.WrapError(store.CodeStore, "failed to read local storage", err)
		}
		if ok && encoded != "" {
			raw, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return store.WrapError(store.CodeStore, "failed to decode stored database image", err)
			}
			if err := os.WriteFile(s.path, raw, 0644); err != nil {
				return store.WrapError(store.CodeStore, "failed to write working copy", err)
			}
			s.logger.Printf("loaded %d byte image from local storage key %s", len(raw), s.localKey)
			return nil
		}
	}

	if seedImage != "" {
		if err := copyFile(seedImage, s.path); err != nil {
			return store.WrapError(store.CodeStore, "failed to load seed image", err)
		}
		s.logger.Printf("loaded seed image %s", seedImage)
		return nil
	}

	return nil
}

// Name implements store.Store.
func (s *Store) Name() string { return string(store.KindSQLite) }

// Path returns the working copy of the database.
func (s *Store) Path() string { return s.path }

// Table returns the name of the discovered task table.
func (s *Store) Table() string { return s.table.name }

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB { return s.conn }

// Persist implements store.Persister.
//
// The image is written to local storage (base64) and to the mirror path.
// With neither configured, Persist is a no-op.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx)
}

func (s *Store) persistLocked(ctx context.Context) error {
	if s.local == nil && s.mirror == "" {
		return nil
	}

	raw, err := s.image(ctx)
	if err != nil {
		return err
	}

	if s.local != nil {
		if err := s.local.Put(s.localKey, base64.StdEncoding.EncodeToString(raw)); err != nil {
			return store.WrapError(store.CodeStore, "failed to save database image", err)
		}
	}
	if s.mirror != "" {
		if err := writeFileAtomic(s.mirror, raw); err != nil {
			return store.WrapError(store.CodeStore, "failed to write mirror image", err)
		}
	}
	return nil
}

// persistWrite saves the image after a committed write. The write stays
// applied to the working copy when saving fails.
func (s *Store) persistWrite(ctx context.Context) error {
	if err := s.persistLocked(ctx); err != nil {
		return store.WrapError(store.CodeNotPersisted, "saved in page, not persisted", err)
	}
	return nil
}

// Export implements store.Exporter. It writes a consistent copy of the
// database file to w.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	s.mu.Lock()
	raw, err := s.image(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("failed to write database image: %w", err)
	}
	return nil
}

// image snapshots the database with VACUUM INTO and returns the bytes.
func (s *Store) image(ctx context.Context) ([]byte, error) {
	target := filepath.Join(s.workDir, fmt.Sprintf("image-%d.db", time.Now().UnixNano()))
	defer os.Remove(target)

	if _, err := s.conn.ExecContext(ctx, "VACUUM INTO ?", target); err != nil {
		return nil, store.WrapError(store.CodeStore, "failed to serialize database", err)
	}
	raw, err := os.ReadFile(target)
	if err != nil {
		return nil, store.WrapError(store.CodeStore, "failed to read serialized database", err)
	}
	return raw, nil
}

// Close releases the connection and removes a private working directory.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	// Checkpoint WAL before closing
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	err := s.conn.Close()
	s.conn = nil
	s.cleanup()
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (s *Store) cleanup() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.local != nil {
		if err := s.local.Close(); err != nil {
			s.logger.Printf("Warning: failed to close local storage: %v", err)
		}
		s.local = nil
	}
	if s.ownsWorkDir {
		_ = os.RemoveAll(s.workDir)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// writeFileAtomic writes data to a temp file next to path and renames it
// into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
