package agentchat

import (
	"sync"

	"go.uber.org/zap"
)

// listener is one registered callback.
type listener[T any] struct {
	id int
	fn func(T)
}

// listeners is a set of change callbacks. Callbacks run synchronously on the
// emitting goroutine, in registration order, outside of the owner's lock.
// A panicking callback is logged and does not affect the others.
type listeners[T any] struct {
	mu     sync.RWMutex
	nextID int
	list   []listener[T]
	logger *zap.Logger
}

// add registers fn and returns a function that removes it.
func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.list = append(l.list, listener[T]{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, ln := range l.list {
			if ln.id == id {
				l.list = append(l.list[:i:i], l.list[i+1:]...)
				return
			}
		}
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.RLock()
	handlers := append([]listener[T]{}, l.list...)
	l.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil && l.logger != nil {
					l.logger.Error("listener_panic", zap.Any("panic", r))
				}
			}()
			h.fn(v)
		}()
	}
}

func (l *listeners[T]) removeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = nil
}
