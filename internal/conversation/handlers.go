package conversation

import (
	"log/slog"
	"sync"

	"github.com/harunnryd/convstream/internal/concurrency"
	"github.com/harunnryd/convstream/internal/metrics"
	"github.com/harunnryd/convstream/internal/protocol"
)

type handlerEntry[T any] struct {
	id int
	fn func(T)
}

// handlerList is an ordered set of subscribers for one event of one stream.
type handlerList[T any] struct {
	mu      sync.Mutex
	next    int
	entries []handlerEntry[T]
}

// add registers fn and returns a function that removes it.
func (l *handlerList[T]) add(fn func(T)) func() {
	l.mu.Lock()
	l.next++
	id := l.next
	l.entries = append(l.entries, handlerEntry[T]{id: id, fn: fn})
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.entries {
			if e.id == id {
				l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
				return
			}
		}
	}
}

// fire calls every subscriber in registration order. A panicking subscriber
// is logged and the rest still run.
func (l *handlerList[T]) fire(kind protocol.Kind, v T) {
	l.mu.Lock()
	entries := make([]handlerEntry[T], len(l.entries))
	copy(entries, l.entries)
	l.mu.Unlock()

	for _, e := range entries {
		if r := concurrency.SafeCall(func() { e.fn(v) }); r != nil {
			slog.Error("Subscriber panicked", "kind", kind, "panic", r)
			metrics.RecordSubscriberPanic(string(kind))
		}
	}
}

func roleFilter(fn func(*Message), roles []protocol.Role) func(*Message) {
	if len(roles) == 0 {
		return fn
	}
	return func(m *Message) {
		for _, r := range roles {
			if m.role == r {
				fn(m)
				return
			}
		}
	}
}
