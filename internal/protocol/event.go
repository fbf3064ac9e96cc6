// Package protocol defines the wire envelope exchanged over the conversation
// event stream: one JSON object per transport message, tagged with a kind and
// the correlation chain that locates it in the session hierarchy.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

type Kind string

const (
	KindSessionStart        Kind = "session.start"
	KindSessionStarted      Kind = "session.started"
	KindSessionEnd          Kind = "session.end"
	KindSessionLabelUpdated Kind = "session.label-updated"
	KindSessionErrorStart   Kind = "session.error-start"

	KindExchangeStart      Kind = "exchange.start"
	KindExchangeEnd        Kind = "exchange.end"
	KindExchangeErrorStart Kind = "exchange.error-start"

	KindMessageStart Kind = "message.start"
	KindMessageEnd   Kind = "message.end"

	KindContentPartStart     Kind = "content-part.start"
	KindContentPartChunk     Kind = "content-part.chunk"
	KindContentPartEnd       Kind = "content-part.end"
	KindContentPartCompleted Kind = "content-part.completed"

	KindToolCallStart Kind = "tool-call.start"
	KindToolCallEnd   Kind = "tool-call.end"

	KindInterruptStart Kind = "interrupt.start"
	KindInterruptEnd   Kind = "interrupt.end"
)

// Layer is the depth of the stream an event kind addresses.
type Layer int

const (
	LayerUnknown Layer = iota
	LayerSession
	LayerExchange
	LayerMessage
	LayerContentPart
	LayerToolCall
	LayerInterrupt
)

func (k Kind) Layer() Layer {
	prefix, _, _ := strings.Cut(string(k), ".")
	switch prefix {
	case "session":
		return LayerSession
	case "exchange":
		return LayerExchange
	case "message":
		return LayerMessage
	case "content-part":
		return LayerContentPart
	case "tool-call":
		return LayerToolCall
	case "interrupt":
		return LayerInterrupt
	default:
		return LayerUnknown
	}
}

// IsStart reports whether the kind opens a new stream object.
func (k Kind) IsStart() bool {
	switch k {
	case KindSessionStart, KindSessionStarted, KindExchangeStart, KindMessageStart,
		KindContentPartStart, KindToolCallStart, KindInterruptStart:
		return true
	}
	return false
}

// Event is the envelope carried by every transport message.
type Event struct {
	ID             string          `json:"id,omitempty"`
	Kind           Kind            `json:"kind"`
	ConversationID string          `json:"conversationId"`
	SessionID      string          `json:"sessionId,omitempty"`
	ExchangeID     string          `json:"exchangeId,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
	ContentPartID  string          `json:"contentPartId,omitempty"`
	ToolCallID     string          `json:"toolCallId,omitempty"`
	InterruptID    string          `json:"interruptId,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an envelope with a fresh ULID and the given payload.
func NewEvent(kind Kind, conversationID string, payload any) (Event, error) {
	evt := Event{
		ID:             ulid.Make().String(),
		Kind:           kind,
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		evt.Payload = raw
	}
	return evt, nil
}

// DecodePayload unmarshals the payload into v. An empty payload leaves v untouched.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Validate checks that the correlation chain is deep enough for the kind.
func (e Event) Validate() error {
	if e.Kind == "" {
		return fmt.Errorf("event kind is empty")
	}
	if e.ConversationID == "" {
		return fmt.Errorf("%s: conversation id is empty", e.Kind)
	}

	layer := e.Kind.Layer()
	if layer == LayerUnknown {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if layer >= LayerExchange && e.ExchangeID == "" {
		return fmt.Errorf("%s: exchange id is empty", e.Kind)
	}
	if layer >= LayerMessage && e.MessageID == "" {
		return fmt.Errorf("%s: message id is empty", e.Kind)
	}
	switch layer {
	case LayerContentPart:
		if e.ContentPartID == "" {
			return fmt.Errorf("%s: content part id is empty", e.Kind)
		}
	case LayerToolCall:
		if e.ToolCallID == "" {
			return fmt.Errorf("%s: tool call id is empty", e.Kind)
		}
	case LayerInterrupt:
		if e.InterruptID == "" {
			return fmt.Errorf("%s: interrupt id is empty", e.Kind)
		}
	}
	return nil
}

// Encode serializes the envelope for the wire.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates one wire frame.
func Decode(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return Event{}, err
	}
	return evt, nil
}
