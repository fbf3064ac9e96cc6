package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	convErrors "github.com/harunnryd/convstream/internal/errors"
	"github.com/harunnryd/convstream/internal/metrics"
	"github.com/harunnryd/convstream/internal/protocol"
)

// Interrupt is a pause point awaiting an approve or reject decision. The
// first decision, local or from the server, is final.
type Interrupt struct {
	message *Message
	session *Session
	id      string
	typ     protocol.InterruptType
	value   json.RawMessage

	opened   bool
	resolved bool
	approved bool
	closed   bool

	onEnd handlerList[*Interrupt]
}

func newInterrupt(m *Message, id string, typ protocol.InterruptType, value json.RawMessage) *Interrupt {
	return &Interrupt{
		message: m,
		session: m.session,
		id:      id,
		typ:     typ,
		value:   value,
	}
}

func (ir *Interrupt) ID() string { return ir.id }
func (ir *Interrupt) Message() *Message { return ir.message }
func (ir *Interrupt) Type() protocol.InterruptType { return ir.typ }
func (ir *Interrupt) Value() json.RawMessage { return ir.value }

// ToolCallConfirmation decodes the value of a tool-call-confirmation interrupt.
func (ir *Interrupt) ToolCallConfirmation() (protocol.ToolCallConfirmation, error) {
	var c protocol.ToolCallConfirmation
	if ir.typ != protocol.InterruptToolCallConfirmation {
		return c, convErrors.InvalidInput(fmt.Sprintf("interrupt %s is %s", ir.id, ir.typ))
	}
	if len(ir.value) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(ir.value, &c); err != nil {
		return c, fmt.Errorf("decode tool call confirmation: %w", err)
	}
	return c, nil
}

func (ir *Interrupt) Resolved() bool {
	ir.session.mu.Lock()
	defer ir.session.mu.Unlock()
	return ir.resolved
}

func (ir *Interrupt) Approved() bool {
	ir.session.mu.Lock()
	defer ir.session.mu.Unlock()
	return ir.approved
}

func (ir *Interrupt) OnInterruptEnd(fn func(*Interrupt)) func() { return ir.onEnd.add(fn) }

// Resolve sends the decision. Only the first decision is accepted; later
// calls fail with ErrInterruptResolved and leave the state unchanged.
func (ir *Interrupt) Resolve(ctx context.Context, approved bool) error {
	s := ir.session
	s.mu.Lock()
	if ir.resolved {
		s.mu.Unlock()
		return fmt.Errorf("resolve interrupt %s: %w", ir.id, convErrors.ErrInterruptResolved)
	}
	ir.resolved = true
	ir.approved = approved
	s.mu.Unlock()

	if err := s.emit(ctx, protocol.KindInterruptEnd, ir.ref(), protocol.InterruptEndPayload{Approved: approved}); err != nil {
		s.mu.Lock()
		if !ir.closed {
			ir.resolved = false
			ir.approved = false
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func (ir *Interrupt) ref() ref {
	return ref{exchange: ir.message.exchange.id, message: ir.message.id, interrupt: ir.id}
}

func (ir *Interrupt) handle(evt protocol.Event, local bool) {
	s := ir.session
	var payload protocol.InterruptEndPayload
	if !s.client.decode(evt, &payload) {
		return
	}

	s.mu.Lock()
	if ir.closed {
		s.mu.Unlock()
		s.client.drop(evt, metrics.DropCompleted)
		return
	}
	ir.closed = true
	if !ir.resolved {
		ir.resolved = true
		ir.approved = payload.Approved
	}
	if ir.message.interrupts[ir.id] == ir {
		delete(ir.message.interrupts, ir.id)
	}
	s.mu.Unlock()

	if s.visible(local) {
		ir.onEnd.fire(evt.Kind, ir)
	}
}
