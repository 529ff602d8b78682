// Package events provides the notification primitives shared by the client
// core: replayed observable values and broadcast streams.
package events

import "sync"

// Value holds a single current value and fans every replacement out to
// subscribers. A new subscriber first receives the value current at
// subscribe time, then future replacements. Slow subscribers lose
// intermediate values, never the most recent one.
type Value[T any] struct {
	mu   sync.RWMutex
	cur  T
	subs map[chan T]struct{}
}

// NewValue creates a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		cur:  initial,
		subs: make(map[chan T]struct{}),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cur
}

// Set replaces the current value and notifies all subscribers.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cur = val
	for ch := range v.subs {
		sendLatest(ch, val)
	}
}

// Subscribe registers a subscriber. The returned channel carries the current
// value immediately, then every subsequent Set. The cancel function removes
// the subscription and closes the channel.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, 16)
	v.mu.Lock()
	ch <- v.cur
	v.subs[ch] = struct{}{}
	v.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, ch)
			close(ch)
			v.mu.Unlock()
		})
	}
	return ch, cancel
}

// Count returns the current number of subscribers.
func (v *Value[T]) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.subs)
}

// sendLatest delivers val to ch, evicting the oldest buffered value when the
// subscriber has fallen behind. The channel always ends up holding val.
func sendLatest[T any](ch chan T, val T) {
	for {
		select {
		case ch <- val:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
