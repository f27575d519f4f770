// Package cache holds the in-process copy of the backing store's records.
//
// The cache never writes to the store. It is replaced whole by Commit, and
// readers always see one complete snapshot. Reads are ticketed: a caller
// takes a Ticket before querying the store and commits with it afterwards.
// A commit whose ticket is older than the last accepted one is dropped, so
// a slow query can never overwrite the result of a newer one.
package cache

import (
	"sync"
	"sync/atomic"

	"github.com/taskdash/taskdash/internal/record"
)

// Ticket orders reads against the backing store.
type Ticket uint64

// Snapshot is an immutable set of records in creation order.
type Snapshot struct {
	recs    []record.Record
	index   map[string]int
	version uint64
}

func newSnapshot(recs []record.Record, version uint64) *Snapshot {
	s := &Snapshot{
		recs:    make([]record.Record, len(recs)),
		index:   make(map[string]int, len(recs)),
		version: version,
	}
	for i, r := range recs {
		s.recs[i] = r.Clone()
		s.index[r.ID] = i
	}
	return s
}

// Records returns a copy of the records.
func (s *Snapshot) Records() []record.Record {
	out := make([]record.Record, len(s.recs))
	for i, r := range s.recs {
		out[i] = r.Clone()
	}
	return out
}

// Len returns the number of records.
func (s *Snapshot) Len() int { return len(s.recs) }

// Version returns the commit count that produced the snapshot.
func (s *Snapshot) Version() uint64 { return s.version }

// Find returns the record with the given id.
func (s *Snapshot) Find(id string) (record.Record, bool) {
	i, ok := s.index[id]
	if !ok {
		return record.Record{}, false
	}
	return s.recs[i].Clone(), true
}

// Filter returns the records matching pred, in order.
func (s *Snapshot) Filter(pred func(record.Record) bool) []record.Record {
	var out []record.Record
	for _, r := range s.recs {
		if pred(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Cache is safe for concurrent use.
type Cache struct {
	tickets atomic.Uint64

	mu        sync.Mutex
	committed Ticket

	snap atomic.Pointer[Snapshot]
}

// New returns an empty cache at version 0.
func New() *Cache {
	c := &Cache{}
	c.snap.Store(newSnapshot(nil, 0))
	return c
}

// Begin reserves a ticket for a read that is about to start.
func (c *Cache) Begin() Ticket {
	return Ticket(c.tickets.Add(1))
}

// Commit replaces the contents with recs if t is newer than the last
// accepted ticket. It reports whether the commit was accepted.
func (c *Cache) Commit(t Ticket, recs []record.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t <= c.committed {
		return false
	}
	c.committed = t
	c.snap.Store(newSnapshot(recs, c.snap.Load().version+1))
	return true
}

// Refresh commits recs under a fresh ticket.
func (c *Cache) Refresh(recs []record.Record) bool {
	return c.Commit(c.Begin(), recs)
}

// Snapshot returns the current snapshot.
func (c *Cache) Snapshot() *Snapshot { return c.snap.Load() }

// Find returns the record with the given id from the current snapshot.
func (c *Cache) Find(id string) (record.Record, bool) { return c.Snapshot().Find(id) }

// Filter returns matching records from the current snapshot.
func (c *Cache) Filter(pred func(record.Record) bool) []record.Record {
	return c.Snapshot().Filter(pred)
}

// Len returns the number of cached records.
func (c *Cache) Len() int { return c.Snapshot().Len() }

// Version returns the number of accepted commits.
func (c *Cache) Version() uint64 { return c.Snapshot().Version() }
