// This package keeps the bounded slice of a conversation that a view is showing. It pages in
// both directions, jumps to a message or to the bottom, and follows live changes to the
// conversation without moving a reader who has scrolled away from the newest messages.
package window

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/meow-io/go-courier/changefeed"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/store"
	"go.uber.org/zap"
)

// KeepPosition is the ScrollTo value of a snapshot that should not move the view.
const KeepPosition = -1

var ErrClosed = errors.New("window: closed")

// Snapshot is one state of the window. AnchorBefore and AnchorAfter are the neighbours just
// outside the visible slice, when there are any.
type Snapshot struct {
	Messages        []*store.Message
	ScrollTo        int
	TriggeredByUser bool
	AnchorBefore    *store.Message
	AnchorAfter     *store.Message
	ReadPosition    uint64
	UpdatedAt       uint64
}

type observer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Window struct {
	log      *zap.SugaredLogger
	store    *store.Store
	feed     *changefeed.Feed
	clock    clock.Clock
	roomID   string
	pageSize int
	maxSize  int
	debounce time.Duration

	// opLock serializes operations and guards observer.
	opLock   sync.Mutex
	observer *observer

	lock         sync.Mutex
	closed       bool
	messages     []*store.Message
	anchorBefore *store.Message
	anchorAfter  *store.Message
	updates      chan *Snapshot
}

func New(c *config.Config, cl clock.Clock, s *store.Store, feed *changefeed.Feed, roomID string) *Window {
	return &Window{
		log:      c.Logger("window"),
		store:    s,
		feed:     feed,
		clock:    cl,
		roomID:   roomID,
		pageSize: c.PageSize,
		maxSize:  c.MaxWindowSize(),
		debounce: time.Duration(c.WindowDebounceMs) * time.Millisecond,
		updates:  make(chan *Snapshot, 1),
	}
}

// Updates carries the latest snapshot. A snapshot nobody read yet is replaced by a newer one.
// The channel is closed by Close.
func (w *Window) Updates() <-chan *Snapshot {
	return w.updates
}

func (w *Window) RoomID() string {
	return w.roomID
}

// Messages returns the visible slice.
func (w *Window) Messages() []*store.Message {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.messages
}

func compare(a, b *store.Message) int {
	return ids.Compare(a.ShowTimestamp, a.ID, b.ShowTimestamp, b.ID)
}

// merge combines two slices into a new sorted one without duplicate ids. Rows from page replace
// rows with the same id in current.
func merge(current, page []*store.Message) []*store.Message {
	out := make([]*store.Message, 0, len(current)+len(page))
	seen := make(map[string]int, len(current)+len(page))
	for _, m := range current {
		if i, ok := seen[m.ID]; ok {
			out[i] = m
			continue
		}
		seen[m.ID] = len(out)
		out = append(out, m)
	}
	for _, m := range page {
		if i, ok := seen[m.ID]; ok {
			out[i] = m
			continue
		}
		seen[m.ID] = len(out)
		out = append(out, m)
	}
	slices.SortFunc(out, compare)
	return out
}

func ascending(ms []*store.Message) []*store.Message {
	slices.SortFunc(ms, compare)
	return ms
}

func indexOf(ms []*store.Message, id string) int {
	return slices.IndexFunc(ms, func(m *store.Message) bool {
		return m.ID == id
	})
}

func lastIndex(ms []*store.Message) int {
	if len(ms) == 0 {
		return KeepPosition
	}
	return len(ms) - 1
}

// split turns rows fetched around a pivot into the visible page and its anchors. forward is the
// number of rows fetched at or after the pivot; fetching one row more than a page in that
// direction means the last row is only an anchor.
func (w *Window) split(rows []*store.Message, forward int) (visible []*store.Message, before, after *store.Message) {
	switch {
	case len(rows) <= w.pageSize:
		return rows, nil, nil
	case forward > w.pageSize:
		return rows[:w.pageSize], nil, rows[len(rows)-1]
	}
	return rows[1:], rows[0], nil
}

// stopObserving cancels the live subscription and waits for it to finish, so nothing it
// computed against the old slice can be applied after this returns.
func (w *Window) stopObserving() {
	if w.observer == nil {
		return
	}
	w.observer.cancel()
	<-w.observer.done
	w.observer = nil
}

// replace installs a new slice and emits it. It returns nil once the window is closed.
func (w *Window) replace(ms []*store.Message, before, after *store.Message, scrollTo int, readPosition uint64) *Snapshot {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.closed {
		return nil
	}
	w.messages = ms
	w.anchorBefore = before
	w.anchorAfter = after
	return w.emit(scrollTo, true, readPosition)
}

// emit must be called with lock held.
func (w *Window) emit(scrollTo int, byUser bool, readPosition uint64) *Snapshot {
	snap := &Snapshot{
		Messages:        w.messages,
		ScrollTo:        scrollTo,
		TriggeredByUser: byUser,
		AnchorBefore:    w.anchorBefore,
		AnchorAfter:     w.anchorAfter,
		ReadPosition:    readPosition,
		UpdatedAt:       w.clock.CurrentTimeMs(),
	}
	select {
	case w.updates <- snap:
	default:
		select {
		case <-w.updates:
		default:
		}
		w.updates <- snap
	}
	return snap
}

// InitialLoad fills the window around the read position, or around the message sent at
// jumpTarget when it is non-zero and exists.
func (w *Window) InitialLoad(jumpTarget uint64) (*Snapshot, error) {
	w.opLock.Lock()
	defer w.opLock.Unlock()
	if w.isClosed() {
		return nil, ErrClosed
	}
	w.stopObserving()
	if jumpTarget != 0 {
		snap, found, err := w.jump(jumpTarget)
		if err != nil || found {
			return snap, err
		}
		w.log.Infof("jump target %d not found in %s, loading around read position", jumpTarget, w.roomID)
	}

	room, err := w.store.Room(w.roomID)
	if err != nil {
		return nil, err
	}
	readPosition := room.ReadPosition
	unread, err := w.store.AfterKey(w.roomID, readPosition, w.pageSize+1)
	if err != nil {
		return nil, err
	}
	rows := unread
	if len(unread) < w.pageSize {
		read, err := w.store.AtOrBeforeKey(w.roomID, readPosition, w.pageSize-len(unread)+1)
		if err != nil {
			return nil, err
		}
		rows = append(read, unread...)
	}
	visible, before, after := w.split(ascending(rows), len(unread))

	scrollTo := slices.IndexFunc(visible, func(m *store.Message) bool {
		return m.ShowTimestamp > readPosition
	})
	if scrollTo == -1 {
		scrollTo = lastIndex(visible)
	}
	w.log.Debugf("initial load of %s at read position %d: %d messages, scroll to %d", w.roomID, readPosition, len(visible), scrollTo)
	snap := w.replace(visible, before, after, scrollTo, readPosition)
	return snap, w.startObserving()
}

// LoadPrevious pages in older messages. more reports whether anything older remains.
func (w *Window) LoadPrevious() (snap *Snapshot, more bool, err error) {
	w.opLock.Lock()
	defer w.opLock.Unlock()
	if w.isClosed() {
		return nil, false, ErrClosed
	}
	w.stopObserving()
	current := w.Messages()
	if len(current) == 0 {
		return nil, false, w.startObserving()
	}

	rows, err := w.store.MessagesBefore(w.roomID, current[0].Position(), false, w.pageSize+1)
	if err != nil {
		return nil, false, err
	}
	var before, after *store.Message
	if len(rows) > w.pageSize {
		before = rows[w.pageSize]
		rows = rows[:w.pageSize]
	}
	merged := merge(current, rows)
	if len(merged) > w.maxSize {
		after = merged[w.maxSize]
		merged = merged[:w.maxSize]
	} else {
		after = w.currentAnchorAfter()
	}
	n, err := w.store.CountBefore(w.roomID, merged[0].Position())
	if err != nil {
		return nil, false, err
	}
	snap = w.replace(merged, before, after, KeepPosition, 0)
	return snap, n != 0, w.startObserving()
}

// LoadNext pages in newer messages. more reports whether anything newer remains.
func (w *Window) LoadNext() (snap *Snapshot, more bool, err error) {
	w.opLock.Lock()
	defer w.opLock.Unlock()
	if w.isClosed() {
		return nil, false, ErrClosed
	}
	w.stopObserving()
	current := w.Messages()
	if len(current) == 0 {
		return nil, false, w.startObserving()
	}

	rows, err := w.store.MessagesAfter(w.roomID, current[len(current)-1].Position(), false, w.pageSize+1)
	if err != nil {
		return nil, false, err
	}
	var before, after *store.Message
	if len(rows) > w.pageSize {
		after = rows[w.pageSize]
		rows = rows[:w.pageSize]
	}
	merged := merge(current, rows)
	if len(merged) > w.maxSize {
		before = merged[len(merged)-w.maxSize-1]
		merged = merged[len(merged)-w.maxSize:]
	} else {
		before = w.currentAnchorBefore()
	}
	n, err := w.store.CountAfter(w.roomID, merged[len(merged)-1].Position())
	if err != nil {
		return nil, false, err
	}
	snap = w.replace(merged, before, after, KeepPosition, 0)
	return snap, n != 0, w.startObserving()
}

// JumpToMessage centers the window on the message sent at timestamp. found is false when no
// such message exists, in which case the window is left as it was.
func (w *Window) JumpToMessage(timestamp uint64) (snap *Snapshot, found bool, err error) {
	w.opLock.Lock()
	defer w.opLock.Unlock()
	if w.isClosed() {
		return nil, false, ErrClosed
	}
	w.stopObserving()
	snap, found, err = w.jump(timestamp)
	if err == nil && !found {
		err = w.startObserving()
	}
	return snap, found, err
}

// jump must be called with opLock held and no observer running.
func (w *Window) jump(timestamp uint64) (*Snapshot, bool, error) {
	target, err := w.store.MessageByTimestamp(w.roomID, timestamp)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	forward, err := w.store.MessagesAfter(w.roomID, target.Position(), true, w.pageSize+1)
	if err != nil {
		return nil, false, err
	}
	rows := forward
	if len(forward) < w.pageSize {
		backward, err := w.store.MessagesBefore(w.roomID, target.Position(), false, w.pageSize-len(forward)+1)
		if err != nil {
			return nil, false, err
		}
		rows = append(backward, forward...)
	}
	visible, before, after := w.split(ascending(rows), len(forward))
	scrollTo := indexOf(visible, target.ID)
	w.log.Debugf("jumped to %s in %s at index %d", target.ID, w.roomID, scrollTo)
	snap := w.replace(visible, before, after, scrollTo, 0)
	return snap, true, w.startObserving()
}

// JumpToBottom replaces the window with the newest page.
func (w *Window) JumpToBottom() (*Snapshot, error) {
	w.opLock.Lock()
	defer w.opLock.Unlock()
	if w.isClosed() {
		return nil, ErrClosed
	}
	w.stopObserving()
	rows, err := w.store.Latest(w.roomID, w.pageSize+1)
	if err != nil {
		return nil, err
	}
	rows = ascending(rows)
	var before *store.Message
	if len(rows) > w.pageSize {
		before = rows[0]
		rows = rows[1:]
	}
	snap := w.replace(rows, before, nil, lastIndex(rows), 0)
	return snap, w.startObserving()
}

// AddOneMessage shows a message the user just sent before the store reports the change.
func (w *Window) AddOneMessage(m *store.Message) *Snapshot {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.closed {
		return nil
	}
	merged := merge(w.messages, []*store.Message{m})
	if len(merged) > w.maxSize {
		w.anchorBefore = merged[len(merged)-w.maxSize-1]
		merged = merged[len(merged)-w.maxSize:]
	}
	w.messages = merged
	return w.emit(lastIndex(merged), true, 0)
}

// Close stops following the conversation. No snapshot is emitted once Close returns.
func (w *Window) Close() {
	w.opLock.Lock()
	defer w.opLock.Unlock()
	w.stopObserving()
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.updates)
}

func (w *Window) isClosed() bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.closed
}

func (w *Window) currentAnchorBefore() *store.Message {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.anchorBefore
}

func (w *Window) currentAnchorAfter() *store.Message {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.anchorAfter
}

// startObserving subscribes to changes of the conversation. Whether the window follows the
// newest messages is decided here, against the slice just installed, and holds for every tick of
// this subscription. By the time a tick fires the new rows are already stored, so the window's
// newest message is never the conversation's newest then.
func (w *Window) startObserving() error {
	latest, err := w.store.LatestMessageID(w.roomID)
	if err != nil {
		return err
	}
	current := w.Messages()
	caughtUp := latest == "" || len(current) == 0 || indexOf(current, latest) != -1

	ctx, cancel := context.WithCancel(context.Background())
	o := &observer{cancel: cancel, done: make(chan struct{})}
	w.observer = o
	ticks := w.feed.Observe(ctx, w.roomID)
	go func() {
		defer close(o.done)
		var timer <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ticks:
				if !ok {
					return
				}
				if timer == nil {
					timer = w.clock.After(w.debounce)
				}
			case <-timer:
				timer = nil
				if err := w.reconcile(ctx, caughtUp); err != nil {
					w.log.Warnf("error reconciling %s: %v", w.roomID, err)
				}
			}
		}
	}()
	return nil
}

// reconcile refreshes the slice after the conversation changed. A caught-up window takes
// everything from its oldest message on and scrolls to the bottom; any other window only
// refreshes what it already shows.
func (w *Window) reconcile(ctx context.Context, caughtUp bool) error {
	current := w.Messages()
	var rows []*store.Message
	var err error
	switch {
	case caughtUp && len(current) == 0:
		rows, err = w.store.Latest(w.roomID, w.maxSize)
		rows = ascending(rows)
	case caughtUp:
		rows, err = w.store.MessagesAfter(w.roomID, current[0].Position(), true, 0)
	default:
		rows, err = w.store.MessagesBetween(w.roomID, current[0].Position(), current[len(current)-1].Position())
	}
	if err != nil {
		return fmt.Errorf("window: error refreshing: %w", err)
	}

	w.lock.Lock()
	defer w.lock.Unlock()
	if ctx.Err() != nil || w.closed {
		return nil
	}
	scrollTo := KeepPosition
	if caughtUp {
		if len(rows) > w.maxSize {
			w.anchorBefore = rows[len(rows)-w.maxSize-1]
			rows = rows[len(rows)-w.maxSize:]
		}
		w.anchorAfter = nil
		scrollTo = lastIndex(rows)
	}
	w.messages = rows
	w.log.Debugf("reconciled %s: %d messages, caught up %t", w.roomID, len(rows), caughtUp)
	w.emit(scrollTo, false, 0)
	return nil
}
