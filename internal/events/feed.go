// Package events provides typed, non-blocking notification feeds.
package events

import "sync"

// Feed fans values out to subscribers. Publish never blocks: a subscriber whose
// buffer is full misses the value.
type Feed[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	closed bool
}

// Subscribe returns a channel receiving published values and a function that
// cancels the subscription and closes the channel.
func (f *Feed[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	if f.subs == nil {
		f.subs = make(map[int]chan T)
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers v to every subscriber with buffer space and returns the
// number of subscribers that received it.
func (f *Feed[T]) Publish(v T) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	delivered := 0
	for _, ch := range f.subs {
		select {
		case ch <- v:
			delivered++
		default:
		}
	}
	return delivered
}

// Len returns the number of active subscribers
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close closes every subscriber channel. Later Subscribe calls get a closed channel.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}
