package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/harunnryd/convstream/internal/concurrency"
	"github.com/harunnryd/convstream/internal/metrics"
	"github.com/harunnryd/convstream/internal/protocol"
)

type itemKind int

const (
	itemEvent itemKind = iota
	itemWake
	itemTeardown
	itemBarrier
)

type item struct {
	kind     itemKind
	evt      protocol.Event
	session  *Session
	local    bool
	loopback *loopback
	barrier  chan struct{}
}

// loopback gates a local event on the outcome of its send.
type loopback struct {
	settled chan struct{}
	err     error
}

// eventQueue is unbounded so a subscriber that sends from inside a callback
// never blocks on the goroutine that is running it.
type eventQueue struct {
	mu     sync.Mutex
	items  []item
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(it item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	for {
		for _, it := range c.queue.drain() {
			if r := concurrency.SafeCall(func() { c.dispatch(it) }); r != nil {
				c.logger.Error("Dispatch failed", "kind", it.evt.Kind, "panic", r)
			}
		}
		select {
		case <-c.queue.notify:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) dispatch(it item) {
	switch it.kind {
	case itemBarrier:
		close(it.barrier)
	case itemTeardown:
		it.session.finish()
	case itemWake:
		it.session.drainPaused()
	case itemEvent:
		if it.loopback != nil {
			<-it.loopback.settled
			if it.loopback.err != nil {
				return
			}
		}
		s := it.session
		if s == nil {
			var reason string
			if s, reason = c.lookup(it.evt); s == nil {
				c.drop(it.evt, reason)
				return
			}
		} else if s.isClosed() {
			c.drop(it.evt, metrics.DropStale)
			return
		}
		s.deliver(it.evt, it.local)
	}
}

// lookup finds the live session an inbound event belongs to. Events for a
// session that was ended or replaced are fenced by session id.
func (c *Client) lookup(evt protocol.Event) (*Session, string) {
	c.mu.Lock()
	s := c.sessions[evt.ConversationID]
	c.mu.Unlock()
	if s == nil {
		return nil, metrics.DropOrphan
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ending {
		return nil, metrics.DropStale
	}
	switch evt.Kind {
	case protocol.KindSessionStarted, protocol.KindSessionErrorStart:
		if s.started && evt.SessionID != "" && evt.SessionID != s.id {
			return nil, metrics.DropStale
		}
		return s, ""
	}
	if !s.started {
		return nil, metrics.DropStale
	}
	if evt.SessionID != "" && evt.SessionID != s.id {
		return nil, metrics.DropStale
	}
	return s, ""
}

// drop discards evt. A dropped start loses a whole stream object and is
// logged at warn; anything else is routine and logged at debug.
func (c *Client) drop(evt protocol.Event, reason string) {
	level := slog.LevelDebug
	if evt.Kind.IsStart() {
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "Dropping event",
		"kind", evt.Kind,
		"reason", reason,
		"conversation_id", evt.ConversationID,
		"session_id", evt.SessionID,
		"exchange_id", evt.ExchangeID,
		"message_id", evt.MessageID,
		"content_part_id", evt.ContentPartID,
		"tool_call_id", evt.ToolCallID,
		"interrupt_id", evt.InterruptID,
	)
	metrics.RecordDropped(string(evt.Kind), reason)
}

func (c *Client) decode(evt protocol.Event, v any) bool {
	if err := evt.DecodePayload(v); err != nil {
		c.logger.Warn("Dropping event with bad payload", "kind", evt.Kind, "error", err)
		metrics.RecordDropped(string(evt.Kind), metrics.DropMalformed)
		return false
	}
	return true
}
