package qibla

import "sync"

// Subscription is a handle to a push-based stream (position watch, heading
// listener, ...). Remove detaches it; calling Remove more than once is a no-op.
type Subscription interface {
	Remove()
}

type funcSubscription struct {
	once sync.Once
	fn   func()
}

// NewSubscription wraps fn so that it runs at most once.
func NewSubscription(fn func()) Subscription {
	return &funcSubscription{fn: fn}
}

func (s *funcSubscription) Remove() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.fn != nil {
			s.fn()
		}
	})
}

// Listeners is a registry of callbacks for push-based streams. Emit runs
// callbacks on the caller's goroutine, outside the lock, so a callback may
// remove its own subscription.
type Listeners[T any] struct {
	mu     sync.Mutex
	nextID int
	m      map[int]func(T)
}

// Add registers cb and reports whether it is the only listener. onEmpty runs
// when a removal leaves the registry empty.
func (l *Listeners[T]) Add(cb func(T), onEmpty func()) (Subscription, bool) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[int]func(T))
	}
	id := l.nextID
	l.nextID++
	l.m[id] = cb
	first := len(l.m) == 1
	l.mu.Unlock()

	return NewSubscription(func() {
		l.mu.Lock()
		_, ok := l.m[id]
		delete(l.m, id)
		empty := ok && len(l.m) == 0
		l.mu.Unlock()
		if empty && onEmpty != nil {
			onEmpty()
		}
	}), first
}

func (l *Listeners[T]) Emit(v T) {
	l.mu.Lock()
	cbs := make([]func(T), 0, len(l.m))
	for _, cb := range l.m {
		cbs = append(cbs, cb)
	}
	l.mu.Unlock()
	for _, cb := range cbs {
		cb(v)
	}
}

func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
