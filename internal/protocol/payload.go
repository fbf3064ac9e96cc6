package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	case RoleSystem:
		return RoleSystem, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

type SessionStartPayload struct {
	Echo     bool     `json:"echo"`
	LogLevel LogLevel `json:"logLevel,omitempty"`
}

type LabelUpdatedPayload struct {
	Label         string `json:"label"`
	AutoGenerated bool   `json:"autoGenerated,omitempty"`
}

// ErrorPayload accompanies every *.error-start kind.
type ErrorPayload struct {
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (p ErrorPayload) Error() string {
	if p.Code == "" {
		return p.Message
	}
	return fmt.Sprintf("%s: %s", p.Code, p.Message)
}

type MessageStartPayload struct {
	Role Role `json:"role"`
}

// ExternalValue references content stored outside the stream, such as an uploaded attachment.
type ExternalValue struct {
	URI  string `json:"uri" yaml:"uri"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

type ContentPartStartPayload struct {
	MimeType      string         `json:"mimeType"`
	Inline        string         `json:"inline,omitempty"`
	ExternalValue *ExternalValue `json:"externalValue,omitempty"`
}

type ChunkPayload struct {
	Data string `json:"data"`
}

// ContentPartEndPayload is shared by content-part.end and content-part.completed.
type ContentPartEndPayload struct {
	Citations []Citation `json:"citations,omitempty"`
}

type ToolCallStartPayload struct {
	ToolName string          `json:"toolName"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type ToolCallEndPayload struct {
	Output  json.RawMessage `json:"output,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

type InterruptType string

const (
	InterruptToolCallConfirmation InterruptType = "tool-call-confirmation"
	InterruptGeneric              InterruptType = "generic"
)

type InterruptStartPayload struct {
	Type  InterruptType   `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ToolCallConfirmation is the value carried by a tool-call-confirmation interrupt.
type ToolCallConfirmation struct {
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input,omitempty"`
}

type InterruptEndPayload struct {
	Approved bool `json:"approved"`
}
