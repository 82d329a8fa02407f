// Package event provides the listener registry used by components that push
// notifications to an arbitrary number of subscribers.
package event

import "sync"

// Listeners is a set of callbacks receiving values of type T. The zero value
// is ready to use and safe for concurrent use.
type Listeners[T any] struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func(T)
	order  []uint64
}

// Add registers fn and returns a function removing it again. Calling the
// remove function more than once is harmless.
func (l *Listeners[T]) Add(fn func(T)) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	l.order = append(l.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.fns, id)
			for i, v := range l.order {
				if v == id {
					l.order = append(l.order[:i], l.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Len returns the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// Emit calls every listener with v in registration order. The set is
// snapshotted first, so listeners may add or remove listeners while running.
func (l *Listeners[T]) Emit(v T) {
	for _, fn := range l.snapshot() {
		fn(v)
	}
}

// EmitWhile is Emit, but checks ok before each call and stops once it
// returns false.
func (l *Listeners[T]) EmitWhile(v T, ok func() bool) {
	for _, fn := range l.snapshot() {
		if !ok() {
			return
		}
		fn(v)
	}
}

func (l *Listeners[T]) snapshot() []func(T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]func(T), 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.fns[id])
	}
	return out
}
