// Package event provides a small synchronous callback bus keyed by task id.
// Transfer workers publish state transitions and progress ticks through it;
// the history recorder and other subsystems subscribe.
package event

import (
	"log"
	"sync"
)

// Type identifies what happened to a task.
type Type string

const (
	TypeCreated   Type = "task_created"
	TypeStarted   Type = "started"
	TypeProgress  Type = "progress"
	TypePaused    Type = "paused"
	TypeResumed   Type = "resumed"
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
	TypeCancelled Type = "cancelled"
)

// Bus dispatches events to per-key and global callbacks. Dispatch is
// synchronous in the publisher's goroutine. A callback that panics is
// recovered and logged; it never takes down the publisher or prevents the
// remaining callbacks from running.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[string][]func(T, Type)
	all    []func(string, T, Type)
	logger *log.Logger
}

// New creates a Bus. If logger is nil, the default logger is used.
func New[T any](logger *log.Logger) *Bus[T] {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus[T]{
		subs:   make(map[string][]func(T, Type)),
		logger: logger,
	}
}

// Subscribe registers a callback for a single key.
func (b *Bus[T]) Subscribe(key string, fn func(T, Type)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[key] = append(b.subs[key], fn)
}

// SubscribeAll registers a callback that receives every event from every key,
// along with the key itself.
func (b *Bus[T]) SubscribeAll(fn func(string, T, Type)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, fn)
}

// Drop removes all per-key callbacks for key. Called when a task is removed.
func (b *Bus[T]) Drop(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, key)
}

// Publish invokes the key's callbacks, then the global ones. The callback
// lists are snapshotted under the lock first, so callbacks may freely
// subscribe or publish without corrupting the iteration.
func (b *Bus[T]) Publish(key string, v T, t Type) {
	b.mu.Lock()
	keyed := make([]func(T, Type), len(b.subs[key]))
	copy(keyed, b.subs[key])
	global := make([]func(string, T, Type), len(b.all))
	copy(global, b.all)
	b.mu.Unlock()

	for _, fn := range keyed {
		b.safeCall(key, t, func() { fn(v, t) })
	}
	for _, fn := range global {
		b.safeCall(key, t, func() { fn(key, v, t) })
	}
}

func (b *Bus[T]) safeCall(key string, t Type, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("event callback panic (key=%s event=%s): %v", key, t, r)
		}
	}()
	fn()
}
