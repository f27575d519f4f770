package store

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
)

// Kind names a backing store implementation.
type Kind string

const (
	// KindSQLite is the embedded relational store.
	KindSQLite Kind = "sqlite"
	// KindDocstore is the JSON document directory with file watching.
	KindDocstore Kind = "docstore"
	// KindRedis is the Redis-backed document collection.
	KindRedis Kind = "redis"
)

// Options carries the settings for every backend. Each constructor reads
// the section it cares about.
type Options struct {
	SQLite   SQLiteOptions
	Docstore DocstoreOptions
	Redis    RedisOptions

	// Logger for store activity (nil = default logger).
	Logger *log.Logger
}

// SQLiteOptions configures the embedded relational store.
type SQLiteOptions struct {
	// Driver is the database/sql driver name ("sqlite3" or "libsql").
	Driver string
	// WorkDir holds the working copy; empty means a private temp dir.
	WorkDir string
	// SeedImage is a database file used when local storage is empty.
	SeedImage string
	// LocalPath is the bbolt file standing in for browser local storage.
	LocalPath string
	// LocalKey is the key the encoded image is stored under.
	LocalKey string
	// MirrorPath, when set, receives a raw copy of every persisted image.
	MirrorPath string
	// Table forces the table name instead of discovering it.
	Table string
	// Column names.
	IDColumn       string
	GroupColumn    string
	FinishedColumn string
	RatingColumn   string
}

// DocstoreOptions configures the JSON document directory.
type DocstoreOptions struct {
	Dir string
	// Debounce batches rapid file events into one snapshot.
	Debounce string
}

// RedisOptions configures the Redis document collection.
type RedisOptions struct {
	URL    string
	Prefix string
}

// Constructor opens a store from options.
// Implementations register themselves with Register.
type Constructor func(ctx context.Context, opts Options) (Store, error)

var (
	registry      = make(map[Kind]Constructor)
	registryMutex sync.RWMutex
)

// Register registers a store constructor.
// This is called from init() functions in implementation packages.
//
// Example:
//
//	func init() {
//	    store.Register(store.KindSQLite, open)
//	}
func Register(k Kind, constructor Constructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("store: Register constructor is nil for kind %s", k))
	}
	if _, exists := registry[k]; exists {
		panic(fmt.Sprintf("store: Register called twice for kind %s", k))
	}
	registry[k] = constructor
}

// IsRegistered returns true if a constructor is registered for the kind.
func IsRegistered(k Kind) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, exists := registry[k]
	return exists
}

// RegisteredKinds returns all registered kinds, sorted.
func RegisteredKinds() []Kind {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Open constructs the store registered for kind.
func Open(ctx context.Context, k Kind, opts Options) (Store, error) {
	registryMutex.RLock()
	constructor := registry[k]
	registryMutex.RUnlock()

	if constructor == nil {
		return nil, NewError(CodeUnsupported, "store backend %q is not registered (have %v)", k, RegisteredKinds())
	}
	return constructor(ctx, opts)
}

// unregisterAll clears the registry. Tests only.
func unregisterAll() {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	registry = make(map[Kind]Constructor)
}
