// Package storetest provides an in-memory store and a conformance suite
// shared by the backing-store implementations' tests.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/taskdash/taskdash/internal/record"
	"github.com/taskdash/taskdash/internal/store"
)

// Memory is an in-memory Store and Subscriber.
// It supports failure injection and blocking hooks for engine and
// controller tests.
type Memory struct {
	mu      sync.Mutex
	recs    map[string]record.Record
	nextSeq int64

	// FailWrites, when non-nil, is returned by every mutating call.
	FailWrites error
	// BeforeWrite, when non-nil, runs before each mutating call without
	// holding the store lock.
	BeforeWrite func()

	subsMu sync.Mutex
	subs   map[int]*memorySub
	nextID int

	writes int
}

// NewMemory returns a store pre-populated with recs. Ids and sequence
// numbers in recs are kept; blank ids are assigned.
func NewMemory(recs ...record.Record) *Memory {
	m := &Memory{
		recs: make(map[string]record.Record),
		subs: make(map[int]*memorySub),
	}
	for _, r := range recs {
		m.nextSeq++
		if r.ID == "" {
			r.ID = strconv.FormatInt(m.nextSeq, 10)
		}
		if r.Seq == 0 {
			r.Seq = m.nextSeq
		}
		m.recs[r.ID] = r.Clone()
	}
	return m
}

// Name implements store.Store.
func (m *Memory) Name() string { return "memory" }

// Writes returns how many mutating calls reached the store.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Query implements store.Store.
func (m *Memory) Query(ctx context.Context) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(), nil
}

func (m *Memory) snapshotLocked() []record.Record {
	out := make([]record.Record, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (m *Memory) beginWrite(ctx context.Context) error {
	if m.BeforeWrite != nil {
		m.BeforeWrite()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.FailWrites != nil {
		return store.WrapError(store.CodeStore, "memory write failed", m.FailWrites)
	}
	return nil
}

// Update implements store.Store.
func (m *Memory) Update(ctx context.Context, id string, mut record.Mutation) error {
	return m.BatchUpdate(ctx, []string{id}, mut)
}

// BatchUpdate implements store.Store.
func (m *Memory) BatchUpdate(ctx context.Context, ids []string, mut record.Mutation) error {
	if err := m.beginWrite(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	for _, id := range ids {
		if _, ok := m.recs[id]; !ok {
			m.mu.Unlock()
			return store.NewError(store.CodeNotFound, "record %s not found", id)
		}
	}
	for _, id := range ids {
		m.recs[id] = mut.Apply(m.recs[id])
	}
	m.writes++
	m.publishLocked()
	m.mu.Unlock()
	return nil
}

// Add implements store.Store.
func (m *Memory) Add(ctx context.Context, r record.Record) (string, error) {
	if err := m.beginWrite(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.nextSeq++
	r = r.Clone()
	r.Seq = m.nextSeq
	r.ID = fmt.Sprintf("mem-%d", m.nextSeq)
	if err := r.Validate(); err != nil {
		m.mu.Unlock()
		return "", store.WrapError(store.CodeInvalid, "invalid record", err)
	}
	m.recs[r.ID] = r
	m.writes++
	m.publishLocked()
	m.mu.Unlock()
	return r.ID, nil
}

// Remove implements store.Store.
func (m *Memory) Remove(ctx context.Context, id string) error {
	if err := m.beginWrite(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.recs[id]; !ok {
		m.mu.Unlock()
		return store.NewError(store.CodeNotFound, "record %s not found", id)
	}
	delete(m.recs, id)
	m.writes++
	m.publishLocked()
	m.mu.Unlock()
	return nil
}

// ClearAll implements store.Store.
func (m *Memory) ClearAll(ctx context.Context) error {
	if err := m.beginWrite(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	reset := record.ClearMarkings()
	for id, r := range m.recs {
		m.recs[id] = reset.Apply(r)
	}
	m.writes++
	m.publishLocked()
	m.mu.Unlock()
	return nil
}

// Close implements store.Store.
func (m *Memory) Close() error { return nil }

// Subscribe implements store.Subscriber.
func (m *Memory) Subscribe(ctx context.Context, h store.Handler) (store.Unsubscribe, error) {
	sub := &memorySub{h: h, ch: make(chan pushed, 1)}

	m.mu.Lock()
	m.subsMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = sub
	sub.ch <- pushed{seq: h.Seq(), recs: m.snapshotLocked()}
	m.subsMu.Unlock()
	m.mu.Unlock()

	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case p := <-sub.ch:
				h.Deliver(p.seq, p.recs)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
			close(stop)
			<-done
		})
	}, nil
}

// Subscribers returns the number of live subscriptions.
func (m *Memory) Subscribers() int {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	return len(m.subs)
}

type pushed struct {
	seq  uint64
	recs []record.Record
}

type memorySub struct {
	h  store.Handler
	ch chan pushed
}

// publishLocked hands the current snapshot to every subscriber, replacing
// any snapshot the subscriber has not consumed yet. Callers hold m.mu so
// snapshots are read and sequenced in write order.
func (m *Memory) publishLocked() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, sub := range m.subs {
		p := pushed{seq: sub.h.Seq(), recs: m.snapshotLocked()}
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- p
	}
}
