package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/taskdash/taskdash/internal/record"
	"github.com/taskdash/taskdash/internal/store"
)

const manifestFileName = "batch.json"

// pendingWrite is one file a batch will put in place.
type pendingWrite struct {
	dst  string
	data []byte
}

// manifest records a batch whose staged files are ready to be renamed.
type manifest struct {
	Renames []rename `json:"renames"`
	Removes []string `json:"removes,omitempty"`
}

type rename struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Store) writesFor(docs []record.Record) ([]pendingWrite, error) {
	writes := make([]pendingWrite, 0, len(docs))
	for _, r := range docs {
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal record %s: %w", r.ID, err)
		}
		writes = append(writes, pendingWrite{dst: s.docPath(r.ID), data: data})
	}
	return writes, nil
}

// commit stages writes, records the manifest and applies it. Callers hold
// the writer lock.
func (s *Store) commit(ctx context.Context, writes []pendingWrite, removes []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := manifest{Removes: removes}
	for _, w := range writes {
		staged, err := s.stage(w.data)
		if err != nil {
			s.discard(m)
			return store.WrapError(store.CodeStore, "failed to stage document", err)
		}
		m.Renames = append(m.Renames, rename{From: staged, To: w.dst})
	}

	data, err := json.Marshal(m)
	if err != nil {
		s.discard(m)
		return store.WrapError(store.CodeStore, "failed to marshal batch manifest", err)
	}
	if err := writeFileAtomic(s.manifestPath(), data); err != nil {
		s.discard(m)
		return store.WrapError(store.CodeStore, "failed to write batch manifest", err)
	}

	// Past this point the batch is durable and will be rolled forward.
	if err := s.apply(m); err != nil {
		return store.WrapError(store.CodeStore, "failed to apply batch", err)
	}
	return nil
}

func (s *Store) stage(data []byte) (string, error) {
	f, err := os.CreateTemp(s.stagingDir, "doc-*.json.tmp")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// discard removes the staged files of a batch that never got a manifest.
func (s *Store) discard(m manifest) {
	for _, r := range m.Renames {
		os.Remove(r.From)
	}
}

// apply renames staged files into place, deletes removed documents and
// finally the manifest. It is idempotent so an interrupted apply can be
// repeated.
func (s *Store) apply(m manifest) error {
	for _, r := range m.Renames {
		if err := os.Rename(r.From, r.To); err != nil {
			if os.IsNotExist(err) {
				if _, statErr := os.Stat(r.To); statErr == nil {
					continue
				}
			}
			return err
		}
	}
	for _, path := range m.Removes {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return os.Remove(s.manifestPath())
}

func (s *Store) manifestPath() string {
	return filepath.Join(s.dir, manifestFileName)
}

// recover rolls forward a batch left behind by a crash and clears staged
// files that never made it into a manifest.
func (s *Store) recover() error {
	data, err := os.ReadFile(s.manifestPath())
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return store.WrapError(store.CodeStore, "failed to read batch manifest", err)
	default:
		var m manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return store.WrapError(store.CodeStore, "failed to parse batch manifest", err)
		}
		s.logger.Printf("Rolling forward interrupted batch (%d writes, %d removes)", len(m.Renames), len(m.Removes))
		if err := s.apply(m); err != nil {
			return store.WrapError(store.CodeStore, "failed to roll forward batch", err)
		}
	}

	entries, err := os.ReadDir(s.stagingDir)
	if err != nil {
		return store.WrapError(store.CodeStore, "failed to read staging directory", err)
	}
	for _, entry := range entries {
		os.Remove(filepath.Join(s.stagingDir, entry.Name()))
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
