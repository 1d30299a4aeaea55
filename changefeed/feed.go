// This package fans out "conversation changed" ticks. Publishing is debounced per conversation,
// so a burst of writes to one conversation produces a single tick for each observer.
package changefeed

import (
	"context"
	"sync"
	"time"

	"github.com/meow-io/go-courier/config"
	"go.uber.org/zap"
)

type subscriber struct {
	ch chan struct{}
}

type Feed struct {
	log      *zap.SugaredLogger
	debounce time.Duration
	lock     sync.Mutex
	subs     map[string]map[*subscriber]bool
	pending  map[string]*time.Timer
}

func New(c *config.Config) *Feed {
	return &Feed{
		log:      c.Logger("changefeed"),
		debounce: time.Duration(c.ChangeDebounceMs) * time.Millisecond,
		subs:     make(map[string]map[*subscriber]bool),
		pending:  make(map[string]*time.Timer),
	}
}

// Observe returns a stream of ticks for the conversation. The stream is closed once ctx is done.
func (f *Feed) Observe(ctx context.Context, conversationID string) <-chan struct{} {
	sub := &subscriber{ch: make(chan struct{}, 1)}
	f.lock.Lock()
	if f.subs[conversationID] == nil {
		f.subs[conversationID] = make(map[*subscriber]bool)
	}
	f.subs[conversationID][sub] = true
	f.lock.Unlock()

	out := make(chan struct{})
	go func() {
		defer close(out)
		defer f.remove(conversationID, sub)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.ch:
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Publish schedules a tick for every observer of the conversation.
func (f *Feed) Publish(conversationID string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if _, ok := f.pending[conversationID]; ok {
		return
	}
	f.pending[conversationID] = time.AfterFunc(f.debounce, func() {
		f.flush(conversationID)
	})
}

func (f *Feed) flush(conversationID string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.pending, conversationID)
	f.log.Debugf("conversation %s changed, notifying %d observers", conversationID, len(f.subs[conversationID]))
	for sub := range f.subs[conversationID] {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

func (f *Feed) remove(conversationID string, sub *subscriber) {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.subs[conversationID], sub)
	if len(f.subs[conversationID]) == 0 {
		delete(f.subs, conversationID)
	}
}

// Shutdown stops pending ticks.
func (f *Feed) Shutdown() {
	f.lock.Lock()
	defer f.lock.Unlock()
	for id, t := range f.pending {
		t.Stop()
		delete(f.pending, id)
	}
}
