package conversation

import (
	"context"
	"fmt"
	"strings"

	convErrors "github.com/harunnryd/convstream/internal/errors"
	"github.com/harunnryd/convstream/internal/metrics"
	"github.com/harunnryd/convstream/internal/protocol"

	"github.com/google/uuid"
)

// Message is one role-tagged message inside an exchange. Tool calls and
// interrupts outlive the message end and are closed only by their own end
// events or by the exchange.
type Message struct {
	exchange *Exchange
	session  *Session
	id       string
	role     protocol.Role

	opened     bool
	endSent    bool
	ended      bool
	parts      map[string]*ContentPart
	partOrder  []*ContentPart
	toolCalls  map[string]*ToolCall
	callOrder  []*ToolCall
	interrupts map[string]*Interrupt
	irqOrder   []*Interrupt

	onContentPartStart handlerList[*ContentPart]
	onToolCallStart    handlerList[*ToolCall]
	onInterruptStart   handlerList[*Interrupt]
	onEnd              handlerList[*Message]
}

func newMessage(ex *Exchange, id string, role protocol.Role) *Message {
	return &Message{
		exchange:   ex,
		session:    ex.session,
		id:         id,
		role:       role,
		parts:      make(map[string]*ContentPart),
		toolCalls:  make(map[string]*ToolCall),
		interrupts: make(map[string]*Interrupt),
	}
}

func (m *Message) ID() string { return m.id }
func (m *Message) Exchange() *Exchange { return m.exchange }
func (m *Message) Role() protocol.Role { return m.role }
func (m *Message) IsAssistant() bool { return m.role == protocol.RoleAssistant }
func (m *Message) IsUser() bool { return m.role == protocol.RoleUser }
func (m *Message) IsSystem() bool { return m.role == protocol.RoleSystem }

func (m *Message) Ended() bool {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	return m.ended
}

// Content concatenates the buffers of the message's text parts in start order.
func (m *Message) Content() string {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	var b strings.Builder
	for _, p := range m.partOrder {
		if p.class == protocol.ContentText {
			b.WriteString(p.buf.String())
		}
	}
	return b.String()
}

func (m *Message) Parts() []*ContentPart {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	out := make([]*ContentPart, len(m.partOrder))
	copy(out, m.partOrder)
	return out
}

func (m *Message) ToolCalls() []*ToolCall {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	out := make([]*ToolCall, len(m.callOrder))
	copy(out, m.callOrder)
	return out
}

func (m *Message) Interrupts() []*Interrupt {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	out := make([]*Interrupt, len(m.irqOrder))
	copy(out, m.irqOrder)
	return out
}

func (m *Message) OnContentPartStart(fn func(*ContentPart)) func() {
	return m.onContentPartStart.add(fn)
}

func (m *Message) OnToolCallStart(fn func(*ToolCall)) func() { return m.onToolCallStart.add(fn) }

func (m *Message) OnInterruptStart(fn func(*Interrupt)) func() {
	return m.onInterruptStart.add(fn)
}

func (m *Message) OnMessageEnd(fn func(*Message)) func() { return m.onEnd.add(fn) }

// SendContentPart sends a complete part as start, one chunk and end.
func (m *Message) SendContentPart(ctx context.Context, data ContentPartData) (*ContentPart, error) {
	p, err := m.StartContentPart(ctx, ContentPartOptions{MimeType: data.MimeType})
	if err != nil {
		return nil, err
	}
	if data.Data != "" {
		if err := p.SendChunk(ctx, data.Data); err != nil {
			return nil, err
		}
	}
	if err := p.SendContentPartEnd(ctx, data.Citations...); err != nil {
		return nil, err
	}
	return p, nil
}

// StartContentPart opens a part the caller drives chunk by chunk, or one that
// references an external value such as an uploaded attachment.
func (m *Message) StartContentPart(ctx context.Context, opts ContentPartOptions) (*ContentPart, error) {
	id := opts.ContentPartID
	if id == "" {
		id = uuid.NewString()
	}
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = protocol.MimeTextPlain
	}

	s := m.session
	s.mu.Lock()
	if err := m.checkOpenLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if _, exists := m.parts[id]; exists {
		s.mu.Unlock()
		return nil, convErrors.Conflict(fmt.Sprintf("content part %s already open", id))
	}
	p := newContentPart(m, id, mimeType, opts.Inline, opts.ExternalValue)
	m.parts[id] = p
	s.mu.Unlock()

	payload := protocol.ContentPartStartPayload{
		MimeType:      mimeType,
		Inline:        opts.Inline,
		ExternalValue: opts.ExternalValue,
	}
	if err := s.emit(ctx, protocol.KindContentPartStart, p.ref(), payload); err != nil {
		s.mu.Lock()
		if m.parts[id] == p {
			delete(m.parts, id)
		}
		s.mu.Unlock()
		return nil, err
	}
	return p, nil
}

func (m *Message) StartToolCall(ctx context.Context, opts ToolCallOptions) (*ToolCall, error) {
	if opts.ToolName == "" {
		return nil, convErrors.InvalidInput("tool name is required")
	}
	id := opts.ToolCallID
	if id == "" {
		id = uuid.NewString()
	}

	s := m.session
	s.mu.Lock()
	if err := m.checkOpenLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if _, exists := m.toolCalls[id]; exists {
		s.mu.Unlock()
		return nil, convErrors.Conflict(fmt.Sprintf("tool call %s already open", id))
	}
	tc := newToolCall(m, id, opts.ToolName, opts.Input)
	m.toolCalls[id] = tc
	s.mu.Unlock()

	payload := protocol.ToolCallStartPayload{ToolName: opts.ToolName, Input: opts.Input}
	if err := s.emit(ctx, protocol.KindToolCallStart, tc.ref(), payload); err != nil {
		s.mu.Lock()
		if m.toolCalls[id] == tc {
			delete(m.toolCalls, id)
		}
		s.mu.Unlock()
		return nil, err
	}
	return tc, nil
}

func (m *Message) StartInterrupt(ctx context.Context, opts InterruptOptions) (*Interrupt, error) {
	id := opts.InterruptID
	if id == "" {
		id = uuid.NewString()
	}
	typ := opts.Type
	if typ == "" {
		typ = protocol.InterruptGeneric
	}

	s := m.session
	s.mu.Lock()
	if err := m.checkOpenLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if _, exists := m.interrupts[id]; exists {
		s.mu.Unlock()
		return nil, convErrors.Conflict(fmt.Sprintf("interrupt %s already open", id))
	}
	ir := newInterrupt(m, id, typ, opts.Value)
	m.interrupts[id] = ir
	s.mu.Unlock()

	payload := protocol.InterruptStartPayload{Type: typ, Value: opts.Value}
	if err := s.emit(ctx, protocol.KindInterruptStart, ir.ref(), payload); err != nil {
		s.mu.Lock()
		if m.interrupts[id] == ir {
			delete(m.interrupts, id)
		}
		s.mu.Unlock()
		return nil, err
	}
	return ir, nil
}

// SendMessageEnd ends the message. Open tool calls and interrupts stay open.
func (m *Message) SendMessageEnd(ctx context.Context) error {
	s := m.session
	s.mu.Lock()
	if err := m.checkOpenLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	m.endSent = true
	s.mu.Unlock()

	if err := s.emit(ctx, protocol.KindMessageEnd, ref{exchange: m.exchange.id, message: m.id}, nil); err != nil {
		s.mu.Lock()
		m.endSent = false
		s.mu.Unlock()
		return err
	}
	return nil
}

func (m *Message) checkOpenLocked() error {
	if m.endSent || m.ended || m.exchange.ended {
		return fmt.Errorf("message %s: %w", m.id, convErrors.ErrStreamClosed)
	}
	return nil
}

func (m *Message) handle(evt protocol.Event, local bool) {
	s := m.session
	switch evt.Kind {
	case protocol.KindMessageEnd:
		s.mu.Lock()
		if m.ended {
			s.mu.Unlock()
			s.client.drop(evt, metrics.DropCompleted)
			return
		}
		m.closeLocked()
		s.mu.Unlock()
		if s.visible(local) {
			m.onEnd.fire(evt.Kind, m)
		}
	case protocol.KindContentPartStart:
		m.openPart(evt, local)
	case protocol.KindToolCallStart:
		m.openToolCall(evt, local)
	case protocol.KindInterruptStart:
		m.openInterrupt(evt, local)
	case protocol.KindContentPartChunk, protocol.KindContentPartEnd, protocol.KindContentPartCompleted:
		s.mu.Lock()
		p := m.parts[evt.ContentPartID]
		s.mu.Unlock()
		if p == nil {
			s.client.drop(evt, metrics.DropOrphan)
			return
		}
		p.handle(evt, local)
	case protocol.KindToolCallEnd:
		s.mu.Lock()
		tc := m.toolCalls[evt.ToolCallID]
		s.mu.Unlock()
		if tc == nil {
			s.client.drop(evt, metrics.DropOrphan)
			return
		}
		tc.handle(evt, local)
	case protocol.KindInterruptEnd:
		s.mu.Lock()
		ir := m.interrupts[evt.InterruptID]
		s.mu.Unlock()
		if ir == nil {
			s.client.drop(evt, metrics.DropOrphan)
			return
		}
		ir.handle(evt, local)
	default:
		s.client.drop(evt, metrics.DropOrphan)
	}
}

// closeLocked ends the message and completes its open parts without events.
func (m *Message) closeLocked() {
	m.ended = true
	for _, p := range m.parts {
		p.completed = true
	}
	m.parts = make(map[string]*ContentPart)
}

func (m *Message) openPart(evt protocol.Event, local bool) {
	s := m.session
	var payload protocol.ContentPartStartPayload
	if !s.client.decode(evt, &payload) {
		return
	}

	s.mu.Lock()
	if m.ended {
		s.mu.Unlock()
		s.client.drop(evt, metrics.DropStale)
		return
	}
	p := m.parts[evt.ContentPartID]
	if p == nil {
		if local {
			s.mu.Unlock()
			s.client.drop(evt, metrics.DropStale)
			return
		}
		p = newContentPart(m, evt.ContentPartID, payload.MimeType, payload.Inline, payload.ExternalValue)
		m.parts[evt.ContentPartID] = p
	}
	if p.opened {
		s.mu.Unlock()
		return
	}
	p.opened = true
	m.partOrder = append(m.partOrder, p)
	s.mu.Unlock()

	if s.visible(local) {
		m.onContentPartStart.fire(evt.Kind, p)
	}
}

func (m *Message) openToolCall(evt protocol.Event, local bool) {
	s := m.session
	var payload protocol.ToolCallStartPayload
	if !s.client.decode(evt, &payload) {
		return
	}

	s.mu.Lock()
	if m.ended {
		s.mu.Unlock()
		s.client.drop(evt, metrics.DropStale)
		return
	}
	tc := m.toolCalls[evt.ToolCallID]
	if tc == nil {
		if local {
			s.mu.Unlock()
			s.client.drop(evt, metrics.DropStale)
			return
		}
		tc = newToolCall(m, evt.ToolCallID, payload.ToolName, payload.Input)
		m.toolCalls[evt.ToolCallID] = tc
	}
	if tc.opened {
		s.mu.Unlock()
		return
	}
	tc.opened = true
	m.callOrder = append(m.callOrder, tc)
	s.mu.Unlock()

	if s.visible(local) {
		m.onToolCallStart.fire(evt.Kind, tc)
	}
}

func (m *Message) openInterrupt(evt protocol.Event, local bool) {
	s := m.session
	var payload protocol.InterruptStartPayload
	if !s.client.decode(evt, &payload) {
		return
	}

	s.mu.Lock()
	if m.ended {
		s.mu.Unlock()
		s.client.drop(evt, metrics.DropStale)
		return
	}
	ir := m.interrupts[evt.InterruptID]
	if ir == nil {
		if local {
			s.mu.Unlock()
			s.client.drop(evt, metrics.DropStale)
			return
		}
		typ := payload.Type
		if typ == "" {
			typ = protocol.InterruptGeneric
		}
		ir = newInterrupt(m, evt.InterruptID, typ, payload.Value)
		m.interrupts[evt.InterruptID] = ir
	}
	if ir.opened {
		s.mu.Unlock()
		return
	}
	ir.opened = true
	m.irqOrder = append(m.irqOrder, ir)
	s.mu.Unlock()

	if s.visible(local) {
		m.onInterruptStart.fire(evt.Kind, ir)
	}
}
