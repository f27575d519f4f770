// Package group applies field updates to every record sharing a group key
// as one operation.
//
// The engine always reads the backing store, never the local cache, to
// find the members of a group, and commits the whole group with a single
// BatchUpdate. It never touches the cache: callers refresh after a
// successful write.
//
// At most one action per group key is in flight. A second action on the
// same key is rejected with store.CodeBusy. ClearAllMarkings conflicts
// with every key.
package group

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/taskdash/taskdash/internal/record"
	"github.com/taskdash/taskdash/internal/store"
)

// MergePolicy decides how a new value combines with the stored one.
type MergePolicy string

const (
	// Overwrite replaces the stored value.
	Overwrite MergePolicy = "overwrite"
	// AppendHistory joins the new value onto the stored history.
	AppendHistory MergePolicy = "append-history"
)

// ParsePolicy validates a policy name. Empty means Overwrite.
func ParsePolicy(s string) (MergePolicy, error) {
	switch MergePolicy(strings.TrimSpace(s)) {
	case "", Overwrite:
		return Overwrite, nil
	case AppendHistory:
		return AppendHistory, nil
	default:
		return "", fmt.Errorf("unknown merge policy %q (want %s or %s)", s, Overwrite, AppendHistory)
	}
}

// op returns the field op implementing p for value v.
func (p MergePolicy) op(v string) record.FieldOp {
	if p == AppendHistory {
		return record.Append(v)
	}
	return record.Set(v)
}

// Config holds configuration for the engine.
type Config struct {
	// Policy is the merge policy for finished and rating writes.
	Policy MergePolicy

	// Ratings is the accepted label set (nil = record.DefaultRatings).
	Ratings []string

	// Clock returns the time stamped on finished values.
	Clock func() time.Time

	// Logger for failed actions.
	Logger *log.Logger
}

// DefaultConfig returns the overwrite policy with the default labels.
func DefaultConfig() *Config {
	return &Config{
		Policy:  Overwrite,
		Ratings: record.DefaultRatings,
		Clock:   time.Now,
		Logger:  log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Result describes a completed group action.
type Result struct {
	// GroupKey is empty for ClearAllMarkings.
	GroupKey string `json:"group_key,omitempty"`
	// IDs are the records written.
	IDs []string `json:"ids,omitempty"`
	// Field is the field written ("finished", "rating" or "*" for clear).
	Field string `json:"field"`
	// Value is the value written, before merging.
	Value string `json:"value,omitempty"`
	// At is when the action ran.
	At time.Time `json:"at"`
}

// Engine is the grouped update engine. It is safe for concurrent use.
type Engine struct {
	store  store.Store
	config *Config

	mu       sync.Mutex
	inFlight map[string]bool
	clearing bool
}

// New creates an engine over st. A nil config means DefaultConfig.
func New(st store.Store, config *Config) *Engine {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Policy == "" {
		config.Policy = defaults.Policy
	}
	if len(config.Ratings) == 0 {
		config.Ratings = defaults.Ratings
	}
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Engine{
		store:    st,
		config:   config,
		inFlight: make(map[string]bool),
	}
}

// Policy returns the configured merge policy.
func (e *Engine) Policy() MergePolicy { return e.config.Policy }

// Ratings returns the accepted rating labels.
func (e *Engine) Ratings() []string { return e.config.Ratings }

// MarkGroupDone stamps finished on every record of the group.
func (e *Engine) MarkGroupDone(ctx context.Context, groupKey string) (Result, error) {
	if strings.TrimSpace(groupKey) == "" {
		return Result{}, store.NewError(store.CodeMissingInput, "no group key given")
	}
	now := e.config.Clock()
	value := record.FormatTimestamp(now)
	res, err := e.updateGroup(ctx, groupKey, record.Mutation{Finished: e.config.Policy.op(value)})
	res.Field, res.Value, res.At = record.FieldFinished, value, now
	if err != nil {
		e.config.Logger.Printf("mark group %s done failed: %v", groupKey, err)
	}
	return res, err
}

// SetGroupRating writes rating on every record of the group.
func (e *Engine) SetGroupRating(ctx context.Context, groupKey, rating string) (Result, error) {
	if strings.TrimSpace(groupKey) == "" {
		return Result{}, store.NewError(store.CodeMissingInput, "no group key given")
	}
	if strings.TrimSpace(rating) == "" {
		return Result{}, store.NewError(store.CodeMissingInput, "no rating given")
	}
	if !record.ValidRating(rating, e.config.Ratings) {
		return Result{}, store.NewError(store.CodeInvalid, "rating %q is not one of %s", rating, strings.Join(e.config.Ratings, ", "))
	}
	res, err := e.updateGroup(ctx, groupKey, record.Mutation{Rating: e.config.Policy.op(rating)})
	res.Field, res.Value, res.At = record.FieldRating, rating, e.config.Clock()
	if err != nil {
		e.config.Logger.Printf("rate group %s failed: %v", groupKey, err)
	}
	return res, err
}

func (e *Engine) updateGroup(ctx context.Context, groupKey string, m record.Mutation) (Result, error) {
	res := Result{GroupKey: groupKey}
	if err := e.acquire(groupKey); err != nil {
		return res, err
	}
	defer e.release(groupKey)

	recs, err := e.store.Query(ctx)
	if err != nil {
		return res, asStoreError(err, "failed to query records")
	}
	ids := store.GroupIDs(recs, groupKey)
	if len(ids) == 0 {
		return res, store.NewError(store.CodeNotFound, "no records in group %q", groupKey)
	}

	if err := e.store.BatchUpdate(ctx, ids, m); err != nil {
		if errors.Is(err, store.ErrNotPersisted) {
			res.IDs = ids
		}
		return res, asStoreError(err, fmt.Sprintf("failed to update group %q", groupKey))
	}
	res.IDs = ids
	return res, nil
}

// ClearAllMarkings resets finished and rating on every record. It does
// nothing unless confirmed.
func (e *Engine) ClearAllMarkings(ctx context.Context, confirmed bool) (Result, error) {
	res := Result{Field: "*", At: e.config.Clock()}
	if !confirmed {
		return res, store.NewError(store.CodeNotConfirmed, "clearing all markings requires confirmation")
	}

	e.mu.Lock()
	if e.clearing || len(e.inFlight) > 0 {
		e.mu.Unlock()
		return res, store.NewError(store.CodeBusy, "another update is in progress")
	}
	e.clearing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.clearing = false
		e.mu.Unlock()
	}()

	if err := e.store.ClearAll(ctx); err != nil {
		err = asStoreError(err, "failed to clear markings")
		e.config.Logger.Printf("clear all failed: %v", err)
		return res, err
	}
	return res, nil
}

// InFlight reports whether an action on groupKey is pending.
func (e *Engine) InFlight(groupKey string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight[groupKey] || e.clearing
}

func (e *Engine) acquire(groupKey string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.clearing {
		return store.NewError(store.CodeBusy, "clear all is in progress")
	}
	if e.inFlight[groupKey] {
		return store.NewError(store.CodeBusy, "an update to group %q is already in progress", groupKey)
	}
	e.inFlight[groupKey] = true
	return nil
}

func (e *Engine) release(groupKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, groupKey)
}

// asStoreError keeps coded errors and wraps anything else as CodeStore.
func asStoreError(err error, msg string) error {
	var se *store.Error
	if errors.As(err, &se) {
		return err
	}
	return store.WrapError(store.CodeStore, msg, err)
}
