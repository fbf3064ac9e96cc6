package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	convErrors "github.com/harunnryd/convstream/internal/errors"
	"github.com/harunnryd/convstream/internal/metrics"
	"github.com/harunnryd/convstream/internal/protocol"
)

type ToolCall struct {
	message  *Message
	session  *Session
	id       string
	toolName string
	input    json.RawMessage

	opened   bool
	endSent  bool
	complete bool
	output   json.RawMessage
	isError  bool

	onEnd handlerList[*ToolCall]
}

func newToolCall(m *Message, id, toolName string, input json.RawMessage) *ToolCall {
	return &ToolCall{
		message:  m,
		session:  m.session,
		id:       id,
		toolName: toolName,
		input:    input,
	}
}

func (tc *ToolCall) ID() string { return tc.id }
func (tc *ToolCall) Message() *Message { return tc.message }
func (tc *ToolCall) ToolName() string { return tc.toolName }
func (tc *ToolCall) Input() json.RawMessage { return tc.input }

func (tc *ToolCall) Output() json.RawMessage {
	tc.session.mu.Lock()
	defer tc.session.mu.Unlock()
	return tc.output
}

func (tc *ToolCall) IsError() bool {
	tc.session.mu.Lock()
	defer tc.session.mu.Unlock()
	return tc.isError
}

// IsComplete flips only when the tool-call end event is dispatched.
func (tc *ToolCall) IsComplete() bool {
	tc.session.mu.Lock()
	defer tc.session.mu.Unlock()
	return tc.complete
}

func (tc *ToolCall) OnToolCallEnd(fn func(*ToolCall)) func() { return tc.onEnd.add(fn) }

func (tc *ToolCall) SendToolCallEnd(ctx context.Context, result ToolCallResult) error {
	s := tc.session
	s.mu.Lock()
	if tc.endSent || tc.complete {
		s.mu.Unlock()
		return fmt.Errorf("end tool call %s: %w", tc.id, convErrors.ErrStreamClosed)
	}
	tc.endSent = true
	s.mu.Unlock()

	payload := protocol.ToolCallEndPayload{Output: result.Output, IsError: result.IsError}
	if err := s.emit(ctx, protocol.KindToolCallEnd, tc.ref(), payload); err != nil {
		s.mu.Lock()
		tc.endSent = false
		s.mu.Unlock()
		return err
	}
	return nil
}

func (tc *ToolCall) ref() ref {
	return ref{exchange: tc.message.exchange.id, message: tc.message.id, toolCall: tc.id}
}

func (tc *ToolCall) handle(evt protocol.Event, local bool) {
	s := tc.session
	var payload protocol.ToolCallEndPayload
	if !s.client.decode(evt, &payload) {
		return
	}

	s.mu.Lock()
	if tc.complete {
		s.mu.Unlock()
		s.client.drop(evt, metrics.DropCompleted)
		return
	}
	tc.complete = true
	tc.output = payload.Output
	tc.isError = payload.IsError
	if tc.message.toolCalls[tc.id] == tc {
		delete(tc.message.toolCalls, tc.id)
	}
	s.mu.Unlock()

	if s.visible(local) {
		tc.onEnd.fire(evt.Kind, tc)
	}
}
