package conversation

import (
	"context"
	"fmt"

	convErrors "github.com/harunnryd/convstream/internal/errors"
	"github.com/harunnryd/convstream/internal/metrics"
	"github.com/harunnryd/convstream/internal/protocol"

	"github.com/google/uuid"
)

// Exchange is one request/response turn inside a session.
type Exchange struct {
	session *Session
	id      string

	opened   bool
	endSent  bool
	ended    bool
	err      *protocol.ErrorPayload
	messages map[string]*Message
	order    []*Message

	onMessageStart handlerList[*Message]
	onEnd          handlerList[*Exchange]
	onErrorStart   handlerList[protocol.ErrorPayload]
}

func newExchange(s *Session, id string) *Exchange {
	return &Exchange{
		session:  s,
		id:       id,
		messages: make(map[string]*Message),
	}
}

func (ex *Exchange) ID() string { return ex.id }
func (ex *Exchange) Session() *Session { return ex.session }
func (ex *Exchange) ConversationID() string { return ex.session.conversationID }

func (ex *Exchange) Ended() bool {
	ex.session.mu.Lock()
	defer ex.session.mu.Unlock()
	return ex.ended
}

// Err returns the error that terminated the exchange, if any.
func (ex *Exchange) Err() error {
	ex.session.mu.Lock()
	defer ex.session.mu.Unlock()
	if ex.err == nil {
		return nil
	}
	return *ex.err
}

// Messages returns the messages opened so far, in start order.
func (ex *Exchange) Messages() []*Message {
	ex.session.mu.Lock()
	defer ex.session.mu.Unlock()
	out := make([]*Message, len(ex.order))
	copy(out, ex.order)
	return out
}

// OnMessageStart subscribes to messages of the given roles, or all roles when
// none are given.
func (ex *Exchange) OnMessageStart(fn func(*Message), roles ...protocol.Role) func() {
	return ex.onMessageStart.add(roleFilter(fn, roles))
}

// OnExchangeEnd fires after every message of the exchange is closed.
func (ex *Exchange) OnExchangeEnd(fn func(*Exchange)) func() { return ex.onEnd.add(fn) }

func (ex *Exchange) OnErrorStart(fn func(protocol.ErrorPayload)) func() {
	return ex.onErrorStart.add(fn)
}

// StartMessage opens a message. Role defaults to user.
func (ex *Exchange) StartMessage(ctx context.Context, opts MessageOptions) (*Message, error) {
	id := opts.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	role := opts.Role
	if role == "" {
		role = protocol.RoleUser
	}

	s := ex.session
	s.mu.Lock()
	if ex.endSent || ex.ended {
		s.mu.Unlock()
		return nil, fmt.Errorf("start message in exchange %s: %w", ex.id, convErrors.ErrStreamClosed)
	}
	if _, exists := ex.messages[id]; exists {
		s.mu.Unlock()
		return nil, convErrors.Conflict(fmt.Sprintf("message %s already open", id))
	}
	m := newMessage(ex, id, role)
	ex.messages[id] = m
	s.mu.Unlock()

	r := ref{exchange: ex.id, message: id}
	if err := s.emit(ctx, protocol.KindMessageStart, r, protocol.MessageStartPayload{Role: role}); err != nil {
		s.mu.Lock()
		if ex.messages[id] == m {
			delete(ex.messages, id)
		}
		s.mu.Unlock()
		return nil, err
	}
	return m, nil
}

func (ex *Exchange) SendExchangeEnd(ctx context.Context) error {
	s := ex.session
	s.mu.Lock()
	if ex.endSent || ex.ended {
		s.mu.Unlock()
		return fmt.Errorf("end exchange %s: %w", ex.id, convErrors.ErrStreamClosed)
	}
	ex.endSent = true
	s.mu.Unlock()

	if err := s.emit(ctx, protocol.KindExchangeEnd, ref{exchange: ex.id}, nil); err != nil {
		s.mu.Lock()
		ex.endSent = false
		s.mu.Unlock()
		return err
	}
	return nil
}

func (ex *Exchange) handle(evt protocol.Event, local bool) {
	s := ex.session
	switch evt.Kind {
	case protocol.KindExchangeEnd:
		if !ex.terminate(nil) {
			s.client.drop(evt, metrics.DropCompleted)
			return
		}
		if s.visible(local) {
			ex.onEnd.fire(evt.Kind, ex)
		}
	case protocol.KindExchangeErrorStart:
		var p protocol.ErrorPayload
		if !s.client.decode(evt, &p) {
			return
		}
		if !ex.terminate(&p) {
			s.client.drop(evt, metrics.DropCompleted)
			return
		}
		s.client.logger.Warn("Exchange failed", "exchange_id", ex.id, "error", p.Error())
		ex.onErrorStart.fire(evt.Kind, p)
	case protocol.KindMessageStart:
		ex.openMessage(evt, local)
	default:
		s.mu.Lock()
		m := ex.messages[evt.MessageID]
		s.mu.Unlock()
		if m == nil {
			s.client.drop(evt, metrics.DropOrphan)
			return
		}
		m.handle(evt, local)
	}
}

// terminate closes open messages silently and evicts the exchange from the
// session. It reports false when the exchange had already ended.
func (ex *Exchange) terminate(cause *protocol.ErrorPayload) bool {
	s := ex.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex.ended {
		return false
	}
	ex.err = cause
	ex.closeLocked()
	if s.exchanges[ex.id] == ex {
		delete(s.exchanges, ex.id)
	}
	return true
}

func (ex *Exchange) closeLocked() {
	ex.ended = true
	for _, m := range ex.messages {
		m.closeLocked()
	}
	ex.messages = make(map[string]*Message)
}

func (ex *Exchange) openMessage(evt protocol.Event, local bool) {
	s := ex.session
	var p protocol.MessageStartPayload
	if !s.client.decode(evt, &p) {
		return
	}

	s.mu.Lock()
	if ex.ended {
		s.mu.Unlock()
		s.client.drop(evt, metrics.DropStale)
		return
	}
	m := ex.messages[evt.MessageID]
	if m == nil {
		if local {
			s.mu.Unlock()
			s.client.drop(evt, metrics.DropStale)
			return
		}
		role := protocol.RoleAssistant
		if p.Role != "" {
			parsed, err := protocol.ParseRole(string(p.Role))
			if err != nil {
				s.mu.Unlock()
				s.client.logger.Warn("Dropping message with unknown role", "message_id", evt.MessageID, "error", err)
				metrics.RecordDropped(string(evt.Kind), metrics.DropMalformed)
				return
			}
			role = parsed
		}
		m = newMessage(ex, evt.MessageID, role)
		ex.messages[evt.MessageID] = m
	}
	if m.opened {
		s.mu.Unlock()
		return
	}
	m.opened = true
	ex.order = append(ex.order, m)
	s.mu.Unlock()

	if s.visible(local) {
		ex.onMessageStart.fire(evt.Kind, m)
	}
}
