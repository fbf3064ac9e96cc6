package conversation

import (
	"context"
	"fmt"
	"sync"

	convErrors "github.com/harunnryd/convstream/internal/errors"
	"github.com/harunnryd/convstream/internal/metrics"
	"github.com/harunnryd/convstream/internal/protocol"

	"github.com/google/uuid"
)

type pendingEvent struct {
	evt   protocol.Event
	local bool
}

// ref is the correlation chain below the session.
type ref struct {
	exchange    string
	message     string
	contentPart string
	toolCall    string
	interrupt   string
}

// Session is one open conversation channel. Its mutex guards the state of
// every stream object below it.
type Session struct {
	client         *Client
	conversationID string
	opts           SessionOptions

	// sendMu orders writes so the pre-ready outbox flushes ahead of later sends.
	sendMu sync.Mutex

	mu        sync.Mutex
	id        string
	started   bool
	ending    bool
	closed    bool
	paused    bool
	pending   []pendingEvent
	outbox    []protocol.Event
	label     string
	failErr   error
	exchanges map[string]*Exchange

	ready chan struct{}
	done  chan struct{}

	onStarted       handlerList[*Session]
	onEnd           handlerList[*Session]
	onExchangeStart handlerList[*Exchange]
	onLabelUpdated  handlerList[string]
	onErrorStart    handlerList[protocol.ErrorPayload]
}

func newSession(c *Client, conversationID string, opts SessionOptions) *Session {
	return &Session{
		client:         c,
		conversationID: conversationID,
		opts:           opts,
		exchanges:      make(map[string]*Exchange),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// ID is the server-assigned session id, empty until the session is started.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) ConversationID() string { return s.conversationID }
func (s *Session) Echo() bool { return s.opts.Echo }
func (s *Session) Options() SessionOptions { return s.opts }

func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Ended reports whether the session has been removed from the registry.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ending
}

func (s *Session) Label() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label
}

// Ready is closed once the server acknowledges the session.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done is closed once the session and all its streams are torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// WaitReady blocks until the session is acknowledged. It fails with
// ErrSessionFailed when the server answers with an error first, and with
// ErrSessionEnded when the session is torn down before that.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failErr != nil {
			return s.failErr
		}
		return fmt.Errorf("session %s: %w", s.conversationID, convErrors.ErrSessionEnded)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exchange returns a live exchange by id.
func (s *Session) Exchange(id string) (*Exchange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.exchanges[id]
	return ex, ok
}

// PauseEmits buffers events for this session until ResumeEmits.
func (s *Session) PauseEmits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// ResumeEmits replays buffered events, in order, ahead of any later event.
func (s *Session) ResumeEmits() {
	s.mu.Lock()
	wasPaused := s.paused
	s.paused = false
	s.mu.Unlock()
	if wasPaused {
		s.client.queue.push(item{kind: itemWake, session: s})
	}
}

func (s *Session) OnSessionStarted(fn func(*Session)) func() { return s.onStarted.add(fn) }
func (s *Session) OnSessionEnd(fn func(*Session)) func() { return s.onEnd.add(fn) }
func (s *Session) OnExchangeStart(fn func(*Exchange)) func() { return s.onExchangeStart.add(fn) }
func (s *Session) OnLabelUpdated(fn func(string)) func() { return s.onLabelUpdated.add(fn) }

// OnErrorStart receives session errors raised after the session is ready.
// They do not end the session.
func (s *Session) OnErrorStart(fn func(protocol.ErrorPayload)) func() {
	return s.onErrorStart.add(fn)
}

// StartExchange opens a turn. The exchange is registered before session.start
// is acknowledged so an echoed start finds it; sends are queued until ready.
func (s *Session) StartExchange(ctx context.Context, opts ExchangeOptions) (*Exchange, error) {
	id := opts.ExchangeID
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return nil, fmt.Errorf("start exchange: %w", convErrors.ErrSessionEnded)
	}
	if _, exists := s.exchanges[id]; exists {
		s.mu.Unlock()
		return nil, convErrors.Conflict(fmt.Sprintf("exchange %s already open", id))
	}
	ex := newExchange(s, id)
	s.exchanges[id] = ex
	s.mu.Unlock()

	if err := s.emit(ctx, protocol.KindExchangeStart, ref{exchange: id}, nil); err != nil {
		s.mu.Lock()
		if s.exchanges[id] == ex {
			delete(s.exchanges, id)
		}
		s.mu.Unlock()
		return nil, err
	}
	return ex, nil
}

// SendSessionEnd ends the session. Calling it again is a no-op. The session
// leaves the registry before it returns; open streams are closed without
// further events.
func (s *Session) SendSessionEnd(ctx context.Context) error {
	if !s.client.retire(s) {
		return nil
	}

	evt, err := protocol.NewEvent(protocol.KindSessionEnd, s.conversationID, nil)
	if err == nil {
		s.sendMu.Lock()
		s.mu.Lock()
		evt.SessionID = s.id
		s.mu.Unlock()
		err = s.client.conn.Send(ctx, evt)
		s.sendMu.Unlock()
	}
	s.client.queue.push(item{kind: itemTeardown, session: s})

	if err != nil {
		return fmt.Errorf("send session end: %w", err)
	}
	s.client.logger.Info("Session ended", "conversation_id", s.conversationID, "session_id", s.ID())
	return nil
}

func (s *Session) emit(ctx context.Context, kind protocol.Kind, r ref, payload any) error {
	evt, err := protocol.NewEvent(kind, s.conversationID, payload)
	if err != nil {
		return err
	}
	evt.ExchangeID = r.exchange
	evt.MessageID = r.message
	evt.ContentPartID = r.contentPart
	evt.ToolCallID = r.toolCall
	evt.InterruptID = r.interrupt
	return s.send(ctx, evt)
}

// send writes evt, or queues it until the session is acknowledged.
func (s *Session) send(ctx context.Context, evt protocol.Event) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return fmt.Errorf("send %s: %w", evt.Kind, convErrors.ErrSessionEnded)
	}
	if !s.started {
		s.outbox = append(s.outbox, evt)
		s.mu.Unlock()
		return nil
	}
	evt.SessionID = s.id
	s.mu.Unlock()

	return s.client.write(ctx, s, evt)
}

func (s *Session) visible(local bool) bool {
	return !local || s.opts.Echo
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// deliver applies evt unless emits are paused. Readiness events skip the
// pause buffer so a caller can pause before subscribing and resume once ready.
func (s *Session) deliver(evt protocol.Event, local bool) {
	if !local && (evt.Kind == protocol.KindSessionStarted || evt.Kind == protocol.KindSessionErrorStart) {
		s.handle(evt, local)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, pendingEvent{evt: evt, local: local})
	s.mu.Unlock()
	s.drainPaused()
}

// drainPaused applies buffered events in order. A handler that pauses emits
// stops the replay and leaves the rest buffered.
func (s *Session) drainPaused() {
	for {
		s.mu.Lock()
		if s.paused || s.closed || len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		p := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.handle(p.evt, p.local)
	}
}

func (s *Session) handle(evt protocol.Event, local bool) {
	metrics.RecordDispatched(string(evt.Kind))

	switch evt.Kind {
	case protocol.KindSessionStart:
		return
	case protocol.KindSessionStarted:
		if !local {
			s.markStarted(evt.SessionID)
		}
		return
	case protocol.KindSessionErrorStart:
		s.handleError(evt)
		return
	case protocol.KindSessionLabelUpdated:
		s.handleLabel(evt)
		return
	case protocol.KindSessionEnd:
		if !local {
			s.client.retire(s)
			s.finish()
		}
		return
	case protocol.KindExchangeStart:
		s.openExchange(evt, local)
		return
	}

	s.mu.Lock()
	ex := s.exchanges[evt.ExchangeID]
	s.mu.Unlock()
	if ex == nil {
		s.client.drop(evt, metrics.DropOrphan)
		return
	}
	ex.handle(evt, local)
}

func (s *Session) markStarted(id string) {
	s.sendMu.Lock()
	s.mu.Lock()
	if s.started || s.ending {
		s.mu.Unlock()
		s.sendMu.Unlock()
		return
	}
	s.id = id
	s.started = true
	outbox := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	for _, evt := range outbox {
		evt.SessionID = id
		if err := s.client.write(context.Background(), s, evt); err != nil {
			s.client.logger.Error("Failed to flush queued event", "kind", evt.Kind, "session_id", id, "error", err)
		}
	}
	s.sendMu.Unlock()

	close(s.ready)
	s.client.logger.Info("Session started", "conversation_id", s.conversationID, "session_id", id, "flushed", len(outbox))
	s.onStarted.fire(protocol.KindSessionStarted, s)
}

func (s *Session) handleError(evt protocol.Event) {
	var p protocol.ErrorPayload
	if !s.client.decode(evt, &p) {
		return
	}

	s.mu.Lock()
	started := s.started
	if !started {
		s.failErr = fmt.Errorf("start session %s: %w: %w", s.conversationID, convErrors.ErrSessionFailed, p)
	}
	s.mu.Unlock()

	if !started {
		s.client.logger.Warn("Session rejected", "conversation_id", s.conversationID, "error", p.Error())
		s.client.retire(s)
		s.finish()
		return
	}
	s.client.logger.Warn("Session error", "conversation_id", s.conversationID, "session_id", s.ID(), "error", p.Error())
	s.onErrorStart.fire(evt.Kind, p)
}

func (s *Session) handleLabel(evt protocol.Event) {
	var p protocol.LabelUpdatedPayload
	if !s.client.decode(evt, &p) {
		return
	}

	s.mu.Lock()
	s.label = p.Label
	s.mu.Unlock()

	if s.client.labels != nil {
		if err := s.client.labels.SetLabel(s.conversationID, p.Label); err != nil {
			s.client.logger.Warn("Failed to cache label", "conversation_id", s.conversationID, "error", err)
		}
	}
	s.onLabelUpdated.fire(evt.Kind, p.Label)
}

func (s *Session) openExchange(evt protocol.Event, local bool) {
	s.mu.Lock()
	ex := s.exchanges[evt.ExchangeID]
	if ex == nil {
		if local {
			s.mu.Unlock()
			s.client.drop(evt, metrics.DropStale)
			return
		}
		ex = newExchange(s, evt.ExchangeID)
		s.exchanges[evt.ExchangeID] = ex
	}
	if ex.opened {
		s.mu.Unlock()
		return
	}
	ex.opened = true
	s.mu.Unlock()

	if s.visible(local) {
		s.onExchangeStart.fire(evt.Kind, ex)
	}
}

// finish closes every open stream without dispatching their events, then
// notifies OnSessionEnd subscribers once.
func (s *Session) finish() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, ex := range s.exchanges {
		ex.closeLocked()
	}
	s.exchanges = make(map[string]*Exchange)
	s.pending = nil
	s.outbox = nil
	s.mu.Unlock()

	close(s.done)
	s.onEnd.fire(protocol.KindSessionEnd, s)
}
