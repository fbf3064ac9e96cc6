package conversation

import (
	"encoding/json"
	"log/slog"

	"github.com/harunnryd/convstream/internal/protocol"
)

// SessionOptions are compared by value: a second StartSession for the same
// conversation reuses the live session only when they are equal.
type SessionOptions struct {
	Echo     bool
	LogLevel protocol.LogLevel
}

type ExchangeOptions struct {
	// ExchangeID lets the caller pre-register a placeholder before the echo
	// arrives. Generated when empty.
	ExchangeID string
}

type MessageOptions struct {
	MessageID string
	Role      protocol.Role
}

type ContentPartOptions struct {
	ContentPartID string
	MimeType      string
	Inline        string
	ExternalValue *protocol.ExternalValue
}

// ContentPartData is a single-shot part sent as start, one chunk and end.
type ContentPartData struct {
	Data      string
	MimeType  string
	Citations []protocol.Citation
}

type ToolCallOptions struct {
	ToolCallID string
	ToolName   string
	Input      json.RawMessage
}

type ToolCallResult struct {
	Output  json.RawMessage
	IsError bool
}

type InterruptOptions struct {
	InterruptID string
	Type        protocol.InterruptType
	Value       json.RawMessage
}

// Chunk is one delta delivered to a content part.
type Chunk struct {
	Part *ContentPart
	Data string
	Seq  int
}

// LabelCache receives conversation label updates pushed by the server.
type LabelCache interface {
	SetLabel(conversationID, label string) error
}

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithLabelCache(cache LabelCache) Option {
	return func(c *Client) {
		c.labels = cache
	}
}
