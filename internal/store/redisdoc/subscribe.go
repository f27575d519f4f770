package redisdoc

import (
	"context"
	"sync"

	"github.com/taskdash/taskdash/internal/store"
)

// Subscribe implements store.Subscriber. Every change message yields a
// full snapshot; messages that pile up while a snapshot is being read are
// coalesced.
func (s *Store) Subscribe(ctx context.Context, h store.Handler) (store.Unsubscribe, error) {
	pubsub := s.client.Subscribe(ctx, s.changesChannel())
	// Wait for the subscription to be confirmed so no write is missed
	// between the initial snapshot and the first message.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, store.WrapError(store.CodeStore, "failed to subscribe to changes", err)
	}
	msgs := pubsub.Channel()

	subCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		push := func() {
			if err := h.Push(subCtx, s.Query); err != nil && subCtx.Err() == nil {
				s.logger.Printf("Error reading snapshot: %v", err)
			}
		}

		push()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
			drain:
				for {
					select {
					case _, ok := <-msgs:
						if !ok {
							return
						}
					default:
						break drain
					}
				}
				push()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := pubsub.Close(); err != nil {
				s.logger.Printf("Error closing subscription: %v", err)
			}
			wg.Wait()
		})
	}, nil
}
