package inbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pcoutinho/pigeon/internal/realtime"
)

// Watcher keeps a cached inbox snapshot for one user, refreshed from feed
// events. Recomputes are debounced so a burst of inserts costs one query.
type Watcher struct {
	agg      *Aggregator
	userID   string
	debounce time.Duration
	onUpdate func([]Entry)
	logger   *zap.Logger

	mu       sync.Mutex
	snapshot []Entry

	sub   *realtime.Subscription
	dirty chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// Watch starts a watcher for userID. onUpdate, if non-nil, is called with
// each fresh snapshot. The initial snapshot is computed synchronously.
func (a *Aggregator) Watch(ctx context.Context, userID string, debounce time.Duration, onUpdate func([]Entry)) (*Watcher, error) {
	w := &Watcher{
		agg:      a,
		userID:   userID,
		debounce: debounce,
		onUpdate: onUpdate,
		logger:   a.logger.With(zap.String("user_id", userID)),
		dirty:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	entries, err := a.ListChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	w.snapshot = entries

	// Every table feeds the inbox: message inserts move rows, unread
	// updates change badges, new chats add rows.
	w.sub = a.feed.Subscribe(realtime.Filter{}, w.onFeedEvent)

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Snapshot returns the cached inbox.
func (w *Watcher) Snapshot() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, len(w.snapshot))
	copy(out, w.snapshot)
	return out
}

// Refresh recomputes the snapshot immediately, bypassing the debounce.
// Used to recover after a suspected subscription gap.
func (w *Watcher) Refresh(ctx context.Context) error {
	entries, err := w.agg.ListChats(ctx, w.userID)
	if err != nil {
		return err
	}
	w.publish(entries)
	return nil
}

// Close stops the watcher and waits for the refresh loop to exit.
func (w *Watcher) Close() {
	w.once.Do(func() {
		w.sub.Unsubscribe()
		close(w.done)
		w.wg.Wait()
	})
}

func (w *Watcher) onFeedEvent(realtime.Event) {
	select {
	case w.dirty <- struct{}{}:
	default:
	}
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-w.dirty:
			if !armed {
				timer.Reset(w.debounce)
				armed = true
			}
		case <-timer.C:
			armed = false
			entries, err := w.agg.ListChats(context.Background(), w.userID)
			if err != nil {
				w.logger.Warn("inbox refresh failed", zap.Error(err))
				continue
			}
			w.publish(entries)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) publish(entries []Entry) {
	w.mu.Lock()
	w.snapshot = entries
	w.mu.Unlock()
	if w.onUpdate != nil {
		w.onUpdate(entries)
	}
}
