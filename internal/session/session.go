// Package session implements the UI controller shared by the HTTP
// dashboard, the terminal dashboard and the CLI.
//
// A Controller owns one Session (selection, search, filters, last error)
// and the local cache. Writes go through the grouped update engine; after
// each successful write the controller re-reads the backing store so the
// cache reflects what was actually stored. Failed writes leave the cache
// untouched and are reported to listeners.
package session

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/taskdash/taskdash/internal/cache"
	"github.com/taskdash/taskdash/internal/group"
	"github.com/taskdash/taskdash/internal/progress"
	"github.com/taskdash/taskdash/internal/record"
	"github.com/taskdash/taskdash/internal/store"
	"github.com/taskdash/taskdash/internal/view"
)

// Session is the per-user view state.
type Session struct {
	// SelectedID is the record the single view shows.
	SelectedID string `json:"selected_id,omitempty"`
	// Search is the current search term.
	Search string `json:"search,omitempty"`
	// UnfinishedOnly hides done records.
	UnfinishedOnly bool `json:"unfinished_only"`
	// SingleView is true while the detail of SelectedID is open.
	SingleView bool `json:"single_view"`
	// LastError is the most recent failure, cleared by the next successful
	// write or refresh.
	LastError error `json:"-"`
}

// EventKind identifies what a listener is told about.
type EventKind string

const (
	// EventSnapshot follows every accepted cache commit.
	EventSnapshot EventKind = "snapshot"
	// EventGroupUpdate follows a successful engine action.
	EventGroupUpdate EventKind = "group_update"
	// EventError follows every reported failure.
	EventError EventKind = "error"
)

// Event is delivered to listeners registered with OnChange.
type Event struct {
	Kind EventKind
	// Version is the cache version after a snapshot.
	Version uint64
	// Result is set for EventGroupUpdate.
	Result *group.Result
	// Err is set for EventError.
	Err error
}

// Listener receives controller events. It may be called from any
// goroutine and must not block.
type Listener func(Event)

// Config holds configuration for the controller.
type Config struct {
	// Columns fixes the table columns (nil = discover).
	Columns []string
	// Location for timestamps (nil = time.Local).
	Location *time.Location
	// DateLayout for finished cells.
	DateLayout string
	// Logger for failures (nil = default logger).
	Logger *log.Logger
	// IntN picks the random record (nil = math/rand/v2).
	IntN func(n int) int
}

// Controller drives one session over a store.
type Controller struct {
	store  store.Store
	engine *group.Engine
	cache  *cache.Cache
	config Config
	logger *log.Logger

	mu      sync.Mutex
	session Session
	unsub   store.Unsubscribe
	cancel  context.CancelFunc

	listenersMu sync.Mutex
	listeners   []Listener
}

// New creates a controller. A nil engine gets the default configuration.
func New(st store.Store, engine *group.Engine, config *Config) *Controller {
	if engine == nil {
		engine = group.New(st, nil)
	}
	var cfg Config
	if config != nil {
		cfg = *config
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	if cfg.IntN == nil {
		cfg.IntN = rand.IntN
	}
	return &Controller{
		store:  st,
		engine: engine,
		cache:  cache.New(),
		config: cfg,
		logger: cfg.Logger,
	}
}

// Store returns the backing store.
func (c *Controller) Store() store.Store { return c.store }

// Engine returns the grouped update engine.
func (c *Controller) Engine() *group.Engine { return c.engine }

// Ratings returns the accepted rating labels.
func (c *Controller) Ratings() []string { return c.engine.Ratings() }

// Location returns the display time zone.
func (c *Controller) Location() *time.Location { return c.config.Location }

// Start loads the cache and, for stores that push changes, replaces any
// previous subscription with a new one.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return err
	}
	sub, ok := c.store.(store.Subscriber)
	if !ok {
		return nil
	}

	c.stopSubscription()

	subCtx, cancel := context.WithCancel(ctx)
	unsub, err := sub.Subscribe(subCtx, store.Handler{
		Begin:   func() uint64 { return uint64(c.cache.Begin()) },
		Deliver: c.commitPushed,
	})
	if err != nil {
		cancel()
		return c.fail(store.WrapError(store.CodeStore, "failed to subscribe to "+c.store.Name(), err))
	}

	c.mu.Lock()
	c.unsub, c.cancel = unsub, cancel
	c.mu.Unlock()
	return nil
}

// Stop tears down the subscription and waits for its goroutine.
func (c *Controller) Stop() {
	c.stopSubscription()
}

func (c *Controller) stopSubscription() {
	c.mu.Lock()
	unsub, cancel := c.unsub, c.cancel
	c.unsub, c.cancel = nil, nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
}

// commitPushed commits a pushed snapshot under the ticket taken before the
// store read it, so it cannot replace a newer refresh.
func (c *Controller) commitPushed(seq uint64, recs []record.Record) {
	if c.cache.Commit(cache.Ticket(seq), recs) {
		c.emit(Event{Kind: EventSnapshot, Version: c.cache.Version()})
	}
}

// Refresh re-reads the backing store into the cache. A query that
// finishes after a newer one is discarded.
func (c *Controller) Refresh(ctx context.Context) error {
	t := c.cache.Begin()
	recs, err := c.store.Query(ctx)
	if err != nil {
		return c.fail(asStoreError(err, "failed to load records"))
	}
	if c.cache.Commit(t, recs) {
		c.emit(Event{Kind: EventSnapshot, Version: c.cache.Version()})
	}
	return nil
}

// Session returns a copy of the session state.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// LastError returns the most recent failure.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.LastError
}

// SetSearch sets the search term.
func (c *Controller) SetSearch(term string) {
	c.mu.Lock()
	c.session.Search = term
	c.mu.Unlock()
}

// SetUnfinishedOnly toggles the unfinished filter.
func (c *Controller) SetUnfinishedOnly(on bool) {
	c.mu.Lock()
	c.session.UnfinishedOnly = on
	c.mu.Unlock()
}

// Select opens the single view for id. An unknown id shows an empty
// detail.
func (c *Controller) Select(id string) {
	c.mu.Lock()
	c.session.SelectedID = id
	c.session.SingleView = id != ""
	c.mu.Unlock()
}

// SetSelected makes id the target of MarkDone and Rate without opening the
// single view.
func (c *Controller) SetSelected(id string) {
	c.mu.Lock()
	c.session.SelectedID = id
	c.mu.Unlock()
}

// CloseDetail returns to the table.
func (c *Controller) CloseDetail() {
	c.mu.Lock()
	c.session.SingleView = false
	c.mu.Unlock()
}

// Records returns the cached records.
func (c *Controller) Records() []record.Record {
	return c.cache.Snapshot().Records()
}

// Find looks up a cached record.
func (c *Controller) Find(id string) (record.Record, bool) {
	return c.cache.Find(id)
}

// Version returns the cache version.
func (c *Controller) Version() uint64 { return c.cache.Version() }

// Page renders the current session.
func (c *Controller) Page() view.Page {
	return c.PageFor(c.Session())
}

// PageFor renders the cache for s without changing the controller's own
// session. The HTTP dashboard uses it to render per-request state.
func (c *Controller) PageFor(s Session) view.Page {
	opts := view.Options{
		Search:         s.Search,
		UnfinishedOnly: s.UnfinishedOnly,
		Columns:        c.config.Columns,
		Location:       c.config.Location,
		DateLayout:     c.config.DateLayout,
	}
	if s.SingleView {
		opts.SingleID = s.SelectedID
	}
	return view.Render(c.cache.Snapshot().Records(), opts)
}

// Progress aggregates the cached records.
func (c *Controller) Progress(opts ...progress.Option) progress.Series {
	return progress.Aggregate(c.cache.Snapshot().Records(), c.config.Location, opts...)
}

// selectedGroup returns the group key of the selected record.
func (c *Controller) selectedGroup() (string, error) {
	id := c.Session().SelectedID
	if id == "" {
		return "", store.NewError(store.CodeMissingInput, "no record selected")
	}
	r, ok := c.cache.Find(id)
	if !ok {
		return "", store.NewError(store.CodeNotFound, "record %s not found", id)
	}
	return r.GroupKey, nil
}

// MarkDone marks the group of the selected record done.
func (c *Controller) MarkDone(ctx context.Context) (group.Result, error) {
	key, err := c.selectedGroup()
	if err != nil {
		return group.Result{}, c.fail(err)
	}
	return c.MarkGroupDone(ctx, key)
}

// Rate rates the group of the selected record.
func (c *Controller) Rate(ctx context.Context, label string) (group.Result, error) {
	key, err := c.selectedGroup()
	if err != nil {
		return group.Result{}, c.fail(err)
	}
	return c.RateGroup(ctx, key, label)
}

// MarkGroupDone marks every record of key done.
func (c *Controller) MarkGroupDone(ctx context.Context, key string) (group.Result, error) {
	res, err := c.engine.MarkGroupDone(ctx, key)
	return c.afterAction(ctx, res, err)
}

// RateGroup rates every record of key.
func (c *Controller) RateGroup(ctx context.Context, key, label string) (group.Result, error) {
	res, err := c.engine.SetGroupRating(ctx, key, label)
	return c.afterAction(ctx, res, err)
}

// ClearAll resets every marking. It does nothing unless confirmed.
func (c *Controller) ClearAll(ctx context.Context, confirmed bool) (group.Result, error) {
	res, err := c.engine.ClearAllMarkings(ctx, confirmed)
	return c.afterAction(ctx, res, err)
}

func (c *Controller) afterAction(ctx context.Context, res group.Result, err error) (group.Result, error) {
	if err != nil && !errors.Is(err, store.ErrNotPersisted) {
		return res, c.fail(err)
	}
	c.clearError()
	c.emit(Event{Kind: EventGroupUpdate, Result: &res})
	// The write stands even if the reload fails; the failure is reported
	// through LastError.
	_ = c.Refresh(ctx)
	if err != nil {
		return res, c.fail(err)
	}
	return res, nil
}

// PickRandomUnfinished selects a random unfinished record from the cache.
func (c *Controller) PickRandomUnfinished() (record.Record, error) {
	open := c.cache.Filter(func(r record.Record) bool { return !r.Done() })
	if len(open) == 0 {
		return record.Record{}, c.fail(store.NewError(store.CodeNotFound, "no unfinished tasks"))
	}
	r := open[c.config.IntN(len(open))]
	c.Select(r.ID)
	return r, nil
}

// AddRecord creates a record and reloads the cache.
func (c *Controller) AddRecord(ctx context.Context, r record.Record) (string, error) {
	if strings.TrimSpace(r.GroupKey) == "" {
		return "", c.fail(store.NewError(store.CodeMissingInput, "no group key given"))
	}
	id, err := c.store.Add(ctx, r)
	if err != nil && !errors.Is(err, store.ErrNotPersisted) {
		return "", c.fail(asStoreError(err, "failed to add record"))
	}
	c.clearError()
	_ = c.Refresh(ctx)
	if err != nil {
		return id, c.fail(err)
	}
	return id, nil
}

// RemoveRecord deletes a record and reloads the cache.
func (c *Controller) RemoveRecord(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return c.fail(store.NewError(store.CodeMissingInput, "no record id given"))
	}
	err := c.store.Remove(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotPersisted) {
		return c.fail(asStoreError(err, "failed to remove record "+id))
	}
	c.mu.Lock()
	if c.session.SelectedID == id {
		c.session.SelectedID, c.session.SingleView = "", false
	}
	c.mu.Unlock()
	c.clearError()
	_ = c.Refresh(ctx)
	if err != nil {
		return c.fail(err)
	}
	return nil
}

// Persist saves the store image, for stores that keep one.
func (c *Controller) Persist(ctx context.Context) error {
	p, ok := c.store.(store.Persister)
	if !ok {
		return store.NewError(store.CodeUnsupported, "%s has no image to save", c.store.Name())
	}
	if err := p.Persist(ctx); err != nil {
		return c.fail(asStoreError(err, "failed to save"))
	}
	return nil
}

// Export writes the raw store image to w.
func (c *Controller) Export(ctx context.Context, w io.Writer) error {
	e, ok := c.store.(store.Exporter)
	if !ok {
		return store.NewError(store.CodeUnsupported, "%s cannot export an image", c.store.Name())
	}
	if err := e.Export(ctx, w); err != nil {
		return c.fail(asStoreError(err, "failed to export"))
	}
	return nil
}

// CanExport reports whether the store can hand out an image.
func (c *Controller) CanExport() bool {
	_, ok := c.store.(store.Exporter)
	return ok
}

// OnChange registers a listener.
func (c *Controller) OnChange(fn Listener) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

func (c *Controller) emit(ev Event) {
	c.listenersMu.Lock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// fail records err as the session's last error and reports it.
func (c *Controller) fail(err error) error {
	c.logger.Printf("%s: %s", store.CodeOf(err), store.MessageOf(err))
	c.mu.Lock()
	c.session.LastError = err
	c.mu.Unlock()
	c.emit(Event{Kind: EventError, Err: err})
	return err
}

func (c *Controller) clearError() {
	c.mu.Lock()
	c.session.LastError = nil
	c.mu.Unlock()
}

func asStoreError(err error, msg string) error {
	var se *store.Error
	if errors.As(err, &se) {
		return err
	}
	return store.WrapError(store.CodeStore, msg, err)
}
