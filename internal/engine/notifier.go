package engine

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

const subscriberBuffer = 16

// Notifier fans key-update notifications out to subscribers. Delivery is
// lossy: a subscriber that cannot keep up misses updates rather than
// blocking the writer.
type Notifier struct {
	mu     sync.Mutex
	subs   map[int]chan string
	nextID int
	closed bool
}

func NewNotifier() *Notifier {
	return &Notifier{
		subs: make(map[int]chan string),
	}
}

// Notify wakes every subscriber with the name of a modified key.
func (n *Notifier) Notify(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.subs {
		select {
		case ch <- key:
		default:
			// Subscriber's channel is full, skip
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function must
// be called once the subscriber loses interest.
func (n *Notifier) Subscribe() (<-chan string, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan string, subscriberBuffer)
	if n.closed {
		close(ch)
		return ch, func() {}
	}

	id := n.nextID
	n.nextID++
	n.subs[id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Close terminates every subscription. Pending and future waits fail.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}

// WaitHandle is a subscription to the update notifier, held by blocking
// readers while they wait for one of their keys to change.
type WaitHandle struct {
	updates <-chan string
	cancel  func()
}

// ForKeys blocks until any of keys is updated or ctx expires.
func (w *WaitHandle) ForKeys(ctx context.Context, keys []string) error {
	for {
		select {
		case key, ok := <-w.updates:
			if !ok {
				return errors.New("update channel is closed")
			}
			for _, k := range keys {
				if k == key {
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close releases the subscription.
func (w *WaitHandle) Close() {
	w.cancel()
}
