package localstore

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestPutGet(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "local.db"), "")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, ok, err := s.Get("db"); err != nil || ok {
		t.Fatalf("Get(absent) = ok %v, err %v", ok, err)
	}

	big := strings.Repeat("QUJD", 1<<16)
	if err := s.Put("db", big); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	got, ok, err := s.Get("db")
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v, err %v", ok, err)
	}
	if got != big {
		t.Errorf("Get() returned %d bytes, want %d", len(got), len(big))
	}
}

func TestPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")

	s, err := Open(path, "")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Put("k", "v1"); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := s.Put("k", "v2"); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s, err = Open(path, "")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, ok, err := s.Get("k")
	if err != nil || !ok || got != "v2" {
		t.Errorf("Get() = %q, %v, %v; want v2", got, ok, err)
	}
}

func TestDeleteAndKeys(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "local.db"), "custom")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	for _, k := range []string{"b", "a", "c"} {
		if err := s.Put(k, k); err != nil {
			t.Fatalf("Put(%s) failed: %v", k, err)
		}
	}
	if err := s.Delete("b"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := s.Delete("missing"); err != nil {
		t.Errorf("Delete(absent) failed: %v", err)
	}

	keys, err := s.Keys()
	if err != nil {
		t.Fatalf("Keys() failed: %v", err)
	}
	if strings.Join(keys, ",") != "a,c" {
		t.Errorf("Keys() = %v, want [a c]", keys)
	}
}

func TestClosedStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "local.db"), "")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
	if err := s.Put("k", "v"); err == nil {
		t.Error("Put() on closed store succeeded")
	}
}
