package docstore

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/taskdash/taskdash/internal/store"
)

// subscription watches the records directory and pushes snapshots.
type subscription struct {
	s       *Store
	h       store.Handler
	watcher *fsnotify.Watcher

	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Subscribe implements store.Subscriber.
//
// The first snapshot is delivered right away. Afterwards every burst of
// file events that has been quiet for the debounce interval yields one
// snapshot. fn runs on a single goroutine.
func (s *Store) Subscribe(ctx context.Context, h store.Handler) (store.Unsubscribe, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, store.WrapError(store.CodeStore, "failed to create watcher", err)
	}
	if err := watcher.Add(s.recordsDir); err != nil {
		watcher.Close()
		return nil, store.WrapError(store.CodeStore, "failed to watch records directory", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		s:           s,
		h:           h,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         subCtx,
		cancel:      cancel,
	}

	sub.wg.Add(2)
	go sub.watchFileEvents()
	go sub.deliver()

	s.logger.Printf("Watching: %s", s.recordsDir)

	var once sync.Once
	return func() {
		once.Do(sub.stop)
	}, nil
}

func (sub *subscription) stop() {
	sub.cancel()
	if err := sub.watcher.Close(); err != nil {
		sub.s.logger.Printf("Error closing watcher: %v", err)
	}
	sub.wg.Wait()
}

// watchFileEvents queues changes to JSON documents.
func (sub *subscription) watchFileEvents() {
	defer sub.wg.Done()

	for {
		select {
		case <-sub.ctx.Done():
			return

		case event, ok := <-sub.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			sub.queueChange(event.Name)

		case err, ok := <-sub.watcher.Errors:
			if !ok {
				return
			}
			sub.s.logger.Printf("Watcher error: %v", err)
		}
	}
}

func (sub *subscription) queueChange(path string) {
	sub.changeQueueMu.Lock()
	defer sub.changeQueueMu.Unlock()
	sub.changeQueue[path] = time.Now()
}

// deliver sends the initial snapshot and then one snapshot per settled
// burst of changes.
func (sub *subscription) deliver() {
	defer sub.wg.Done()

	sub.push()

	ticker := time.NewTicker(sub.s.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-ticker.C:
			if sub.settled() {
				sub.push()
			}
		}
	}
}

// settled reports whether queued changes have been quiet for the debounce
// interval, and clears the queue if so.
func (sub *subscription) settled() bool {
	sub.changeQueueMu.Lock()
	defer sub.changeQueueMu.Unlock()

	if len(sub.changeQueue) == 0 {
		return false
	}
	now := time.Now()
	for _, queuedAt := range sub.changeQueue {
		if now.Sub(queuedAt) < sub.s.debounce {
			return false
		}
	}
	sub.changeQueue = make(map[string]time.Time)
	return true
}

func (sub *subscription) push() {
	if err := sub.h.Push(sub.ctx, sub.s.Query); err != nil && sub.ctx.Err() == nil {
		sub.s.logger.Printf("Error reading snapshot: %v", err)
	}
}
