package util

import (
	"runtime/debug"
	"sync"
)

// Subscribers is a list of callbacks for events of type E. Publish calls a
// snapshot of the list, so callbacks may subscribe or cancel while an event
// is being delivered. The zero value is ready to use.
type Subscribers[E any] struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber[E]
}

type subscriber[E any] struct {
	id int
	fn func(E)
}

// Subscribe registers fn and returns a function that removes it.
func (s *Subscribers[E]) Subscribe(fn func(E)) (cancel func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscriber[E]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Subscribers[E]) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of subscribers.
func (s *Subscribers[E]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Publish delivers e to every subscriber. A panicking subscriber is logged
// and does not prevent delivery to the others.
func (s *Subscribers[E]) Publish(e E) {
	s.mu.Lock()
	snapshot := make([]subscriber[E], len(s.subs))
	copy(snapshot, s.subs)
	s.mu.Unlock()

	for _, sub := range snapshot {
		call(sub.fn, e)
	}
}

func call[E any](fn func(E), e E) {
	defer func() {
		if r := recover(); r != nil {
			LogError("subscriber panic: %v\n%s", r, debug.Stack())
		}
	}()
	fn(e)
}
