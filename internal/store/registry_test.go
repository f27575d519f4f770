package store

import (
	"context"
	"errors"
	"testing"
)

func TestRegisterAndOpen(t *testing.T) {
	unregisterAll()
	defer unregisterAll()

	called := 0
	Register("fake", func(ctx context.Context, opts Options) (Store, error) {
		called++
		return nil, nil
	})

	if !IsRegistered("fake") {
		t.Fatal("IsRegistered(fake) = false after Register")
	}
	if _, err := Open(context.Background(), "fake", Options{}); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if called != 1 {
		t.Errorf("constructor called %d times, want 1", called)
	}
}

func TestOpen_Unregistered(t *testing.T) {
	unregisterAll()
	defer unregisterAll()

	_, err := Open(context.Background(), KindRedis, Options{})
	if err == nil {
		t.Fatal("Open() succeeded for an unregistered kind")
	}
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("Open() error = %v, want CodeUnsupported", err)
	}
}

func TestRegister_PanicsOnDuplicate(t *testing.T) {
	unregisterAll()
	defer unregisterAll()

	ctor := func(ctx context.Context, opts Options) (Store, error) { return nil, nil }
	Register("dup", ctor)

	defer func() {
		if recover() == nil {
			t.Error("second Register() did not panic")
		}
	}()
	Register("dup", ctor)
}

func TestRegister_PanicsOnNil(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Register(nil) did not panic")
		}
	}()
	Register("nil", nil)
}

func TestRegisteredKinds_Sorted(t *testing.T) {
	unregisterAll()
	defer unregisterAll()

	ctor := func(ctx context.Context, opts Options) (Store, error) { return nil, nil }
	Register(KindSQLite, ctor)
	Register(KindDocstore, ctor)
	Register(KindRedis, ctor)

	got := RegisteredKinds()
	want := []Kind{KindDocstore, KindRedis, KindSQLite}
	if len(got) != len(want) {
		t.Fatalf("RegisteredKinds() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("RegisteredKinds()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
