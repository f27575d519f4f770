// Package localstore is a small persistent key/value store with the
// semantics of browser local storage: string keys, string values, one
// namespace per file. The embedded relational store keeps its encoded
// database image here between runs.
package localstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DefaultBucket is the namespace used when Open is given none.
const DefaultBucket = "localStorage"

// Store wraps a bbolt file with a single bucket.
type Store struct {
	db     *bolt.DB
	bucket []byte
	path   string
}

// Open opens (or creates) the bbolt file at path and ensures the bucket
// exists.
func Open(path string, bucket string) (*Store, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create local storage directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open local storage %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}

	return &Store{db: db, bucket: []byte(bucket), path: path}, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

// Get returns the value stored under key. ok is false if the key is absent.
func (s *Store) Get(key string) (value string, ok bool, err error) {
	if s == nil || s.db == nil {
		return "", false, bolt.ErrDatabaseNotOpen
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		value, ok = string(v), true
		return nil
	})
	return value, ok, err
}

// Put stores value under key, replacing any previous value.
func (s *Store) Put(key, value string) error {
	if s == nil || s.db == nil {
		return bolt.ErrDatabaseNotOpen
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), []byte(value))
	})
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	if s == nil || s.db == nil {
		return bolt.ErrDatabaseNotOpen
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
}

// Keys returns every key in byte order.
func (s *Store) Keys() ([]string, error) {
	if s == nil || s.db == nil {
		return nil, bolt.ErrDatabaseNotOpen
	}
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Close closes the bbolt file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
