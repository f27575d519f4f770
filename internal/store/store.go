// Package store defines the backing-store contract for taskdash.
//
// A backing store is the authoritative source of task records. Two families
// implement it:
//
//   - internal/store/sqlite: an embedded relational database queried with
//     ad hoc statements and serialized whole after every mutation
//   - internal/store/docstore and internal/store/redisdoc: live document
//     collections that push full snapshots to subscribers
//
// Exactly one store is selected at startup through the registry and used
// for the lifetime of the process.
//
// # Usage
//
//	st, err := store.Open(ctx, store.KindSQLite, store.Options{...})
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
//	recs, err := st.Query(ctx)
package store

import (
	"context"
	"io"

	"github.com/taskdash/taskdash/internal/record"
)

// Store is the contract every backing store implements.
type Store interface {
	// Name identifies the backend in logs and status output.
	Name() string

	// Query returns every record in creation order.
	Query(ctx context.Context) ([]record.Record, error)

	// Update merges m into the record with the given id.
	// Returns an error with CodeNotFound if the id is unknown.
	Update(ctx context.Context, id string, m record.Mutation) error

	// BatchUpdate merges the same mutation into every listed record as one
	// atomic unit. If any id is unknown nothing is written.
	BatchUpdate(ctx context.Context, ids []string, m record.Mutation) error

	// Add creates a record and returns the id the store assigned.
	// r.ID and r.Seq are ignored.
	Add(ctx context.Context, r record.Record) (string, error)

	// Remove deletes a record by id.
	Remove(ctx context.Context, id string) error

	// ClearAll resets finished and rating on every record in one operation.
	ClearAll(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// Unsubscribe cancels a subscription and waits for its delivery goroutine
// to exit. It is safe to call more than once.
type Unsubscribe func()

// Handler receives pushed snapshots.
type Handler struct {
	// Begin, when set, is called immediately before each read of the
	// collection. Its result travels with the records of that read.
	Begin func() uint64

	// Deliver receives one snapshot and the value Begin returned before
	// it was read.
	Deliver func(seq uint64, recs []record.Record)
}

// Seq calls Begin, or returns 0 when it is unset.
func (h Handler) Seq() uint64 {
	if h.Begin == nil {
		return 0
	}
	return h.Begin()
}

// Push takes a sequence number, reads with query and delivers the result.
// Nothing is delivered when the read fails or ctx is done.
func (h Handler) Push(ctx context.Context, query func(context.Context) ([]record.Record, error)) error {
	seq := h.Seq()
	recs, err := query(ctx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	h.Deliver(seq, recs)
	return nil
}

// Subscriber is implemented by stores that push changes.
type Subscriber interface {
	// Subscribe delivers a full snapshot immediately and then after every
	// change to the collection. Snapshots are delivered from a single
	// goroutine, in order, and h.Begin is called before each read.
	Subscribe(ctx context.Context, h Handler) (Unsubscribe, error)
}

// Persister is implemented by stores that keep a serialized image.
type Persister interface {
	// Persist writes the current image to durable storage.
	Persist(ctx context.Context) error
}

// Exporter is implemented by stores that can hand out a raw image.
type Exporter interface {
	Export(ctx context.Context, w io.Writer) error
}

// GroupIDs returns the ids of records whose GroupKey equals key.
func GroupIDs(recs []record.Record, key string) []string {
	var ids []string
	for _, r := range recs {
		if r.GroupKey == key {
			ids = append(ids, r.ID)
		}
	}
	return ids
}
