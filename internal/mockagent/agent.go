// Package mockagent is an offline stand-in for the conversational agent
// service. It speaks the event protocol over an in-memory pipe: it
// acknowledges sessions, streams an assistant reply to every user message,
// and asks for confirmation before pretending to run a tool.
package mockagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harunnryd/convstream/internal/concurrency"
	"github.com/harunnryd/convstream/internal/protocol"
	"github.com/harunnryd/convstream/internal/transport"

	"github.com/google/uuid"
)

const (
	DefaultChunkSize = 4
	maxLabelLength   = 40
	toolName         = "shell"
)

type Config struct {
	// ChunkSize is the number of runes per content-part.chunk.
	ChunkSize int
	// Delay is slept between chunks.
	Delay time.Duration
	// Citations attaches numbered sources to every answer.
	Citations bool
}

type Agent struct {
	tr     *transport.PipeTransport
	cfg    Config
	logger *slog.Logger
}

func New(tr *transport.PipeTransport, cfg Config) *Agent {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Agent{tr: tr, cfg: cfg, logger: slog.Default().With("component", "mockagent")}
}

// Run serves every connection dialled on the transport until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	for {
		conn, err := a.tr.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		concurrency.SafeGo("mockagent-conn", func() {
			if err := a.Serve(ctx, conn); err != nil {
				a.logger.Warn("Connection ended", "error", err)
			}
		}, nil)
	}
}

type pendingTool struct {
	message protocol.Event
	call    protocol.Event
	command string
}

type userMessage struct {
	role protocol.Role
	text strings.Builder
}

// conn holds the per-connection conversation state. Only Serve touches it.
type conn struct {
	pipe     *transport.PipeConn
	sessions map[string]string
	labeled  map[string]bool
	messages map[string]*userMessage
	pending  map[string]pendingTool
}

// Serve answers one connection until it closes.
func (a *Agent) Serve(ctx context.Context, pipe *transport.PipeConn) error {
	c := &conn{
		pipe:     pipe,
		sessions: make(map[string]string),
		labeled:  make(map[string]bool),
		messages: make(map[string]*userMessage),
		pending:  make(map[string]pendingTool),
	}

	for {
		evt, err := pipe.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrMalformedFrame) {
				continue
			}
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := a.handle(ctx, c, evt); err != nil {
			return err
		}
	}
}

func messageKey(evt protocol.Event) string {
	return evt.ConversationID + "/" + evt.ExchangeID + "/" + evt.MessageID
}

func (a *Agent) handle(ctx context.Context, c *conn, evt protocol.Event) error {
	switch evt.Kind {
	case protocol.KindSessionStart:
		sid := uuid.NewString()
		c.sessions[evt.ConversationID] = sid
		a.logger.Debug("Session started", "conversation_id", evt.ConversationID, "session_id", sid)
		return a.emit(ctx, c, protocol.Event{ConversationID: evt.ConversationID}, protocol.KindSessionStarted, nil)

	case protocol.KindSessionEnd:
		delete(c.sessions, evt.ConversationID)

	case protocol.KindMessageStart:
		var p protocol.MessageStartPayload
		if err := evt.DecodePayload(&p); err != nil {
			return nil
		}
		c.messages[messageKey(evt)] = &userMessage{role: p.Role}

	case protocol.KindContentPartStart:
		var p protocol.ContentPartStartPayload
		if err := evt.DecodePayload(&p); err != nil {
			return nil
		}
		if m := c.messages[messageKey(evt)]; m != nil && protocol.ClassifyMime(p.MimeType) == protocol.ContentText {
			m.text.WriteString(p.Inline)
			if p.ExternalValue != nil {
				fmt.Fprintf(&m.text, "[attachment %s]", p.ExternalValue.Name)
			}
		}

	case protocol.KindContentPartChunk:
		var p protocol.ChunkPayload
		if err := evt.DecodePayload(&p); err != nil {
			return nil
		}
		if m := c.messages[messageKey(evt)]; m != nil {
			m.text.WriteString(p.Data)
		}

	case protocol.KindMessageEnd:
		m := c.messages[messageKey(evt)]
		delete(c.messages, messageKey(evt))
		if m != nil && m.role == protocol.RoleUser {
			return a.reply(ctx, c, evt, m.text.String())
		}

	case protocol.KindInterruptEnd:
		p, ok := c.pending[evt.InterruptID]
		if !ok {
			return nil
		}
		delete(c.pending, evt.InterruptID)
		var end protocol.InterruptEndPayload
		if err := evt.DecodePayload(&end); err != nil {
			return nil
		}
		return a.finishTool(ctx, c, p, end.Approved)
	}
	return nil
}

// emit stamps ids from scope onto a fresh event and writes it.
func (a *Agent) emit(ctx context.Context, c *conn, scope protocol.Event, kind protocol.Kind, payload any) error {
	evt, err := protocol.NewEvent(kind, scope.ConversationID, payload)
	if err != nil {
		return err
	}
	evt.SessionID = c.sessions[scope.ConversationID]
	evt.ExchangeID = scope.ExchangeID
	evt.MessageID = scope.MessageID
	evt.ContentPartID = scope.ContentPartID
	evt.ToolCallID = scope.ToolCallID
	evt.InterruptID = scope.InterruptID
	return c.pipe.Send(ctx, evt)
}

func (a *Agent) reply(ctx context.Context, c *conn, user protocol.Event, text string) error {
	text = strings.TrimSpace(text)
	scope := protocol.Event{ConversationID: user.ConversationID, ExchangeID: user.ExchangeID}

	if !c.labeled[user.ConversationID] && text != "" {
		c.labeled[user.ConversationID] = true
		label := protocol.LabelUpdatedPayload{Label: LabelFor(text), AutoGenerated: true}
		if err := a.emit(ctx, c, protocol.Event{ConversationID: user.ConversationID}, protocol.KindSessionLabelUpdated, label); err != nil {
			return err
		}
	}

	msg := scope
	msg.MessageID = uuid.NewString()
	if err := a.emit(ctx, c, msg, protocol.KindMessageStart, protocol.MessageStartPayload{Role: protocol.RoleAssistant}); err != nil {
		return err
	}

	command, ok := ToolRequest(text)
	if !ok {
		return a.answer(ctx, c, msg, ReplyFor(text))
	}

	call := msg
	call.ToolCallID = uuid.NewString()
	input, _ := json.Marshal(map[string]string{"command": command})
	if err := a.emit(ctx, c, call, protocol.KindToolCallStart, protocol.ToolCallStartPayload{ToolName: toolName, Input: input}); err != nil {
		return err
	}

	confirm, _ := json.Marshal(protocol.ToolCallConfirmation{ToolCallID: call.ToolCallID, ToolName: toolName, Input: input})
	intr := msg
	intr.InterruptID = uuid.NewString()
	c.pending[intr.InterruptID] = pendingTool{message: msg, call: call, command: command}
	return a.emit(ctx, c, intr, protocol.KindInterruptStart, protocol.InterruptStartPayload{
		Type:  protocol.InterruptToolCallConfirmation,
		Value: confirm,
	})
}

func (a *Agent) finishTool(ctx context.Context, c *conn, p pendingTool, approved bool) error {
	end := protocol.ToolCallEndPayload{IsError: !approved}
	body := fmt.Sprintf("The command `%s` was not run.", p.command)
	if approved {
		end.Output, _ = json.Marshal(map[string]string{"stdout": "ok"})
		body = fmt.Sprintf("I ran `%s` and it finished successfully.", p.command)
	} else {
		end.Output, _ = json.Marshal(map[string]string{"error": "denied by user"})
	}
	if err := a.emit(ctx, c, p.call, protocol.KindToolCallEnd, end); err != nil {
		return err
	}
	return a.answer(ctx, c, p.message, body)
}

// answer streams body as one markdown part, then ends the message and the exchange.
func (a *Agent) answer(ctx context.Context, c *conn, msg protocol.Event, body string) error {
	part := msg
	part.ContentPartID = uuid.NewString()
	if err := a.emit(ctx, c, part, protocol.KindContentPartStart, protocol.ContentPartStartPayload{MimeType: protocol.MimeTextMarkdown}); err != nil {
		return err
	}

	for _, chunk := range SplitChunks(body, a.cfg.ChunkSize) {
		if err := a.emit(ctx, c, part, protocol.KindContentPartChunk, protocol.ChunkPayload{Data: chunk}); err != nil {
			return err
		}
		if a.cfg.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.Delay):
			}
		}
	}

	var end protocol.ContentPartEndPayload
	if a.cfg.Citations {
		end.Citations = citationsFor(body)
	}
	if err := a.emit(ctx, c, part, protocol.KindContentPartEnd, end); err != nil {
		return err
	}
	if err := a.emit(ctx, c, msg, protocol.KindMessageEnd, nil); err != nil {
		return err
	}

	exchange := msg
	exchange.MessageID = ""
	return a.emit(ctx, c, exchange, protocol.KindExchangeEnd, nil)
}

// SplitChunks cuts s into pieces of at most size runes.
func SplitChunks(s string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var out []string
	for len(s) > 0 {
		n, i := 0, 0
		for i < len(s) && n < size {
			_, w := utf8.DecodeRuneInString(s[i:])
			i += w
			n++
		}
		out = append(out, s[:i])
		s = s[i:]
	}
	return out
}

// ToolRequest reports whether text asks to run a command, and which.
func ToolRequest(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, prefix := range []string{"run ", "execute "} {
		if strings.HasPrefix(lower, prefix) {
			cmd := strings.TrimSpace(text[len(prefix):])
			return cmd, cmd != ""
		}
	}
	return "", false
}

func ReplyFor(text string) string {
	lower := strings.ToLower(text)
	switch {
	case text == "":
		return "I didn't receive any text. Try typing a question."
	case strings.HasPrefix(lower, "hello"), strings.HasPrefix(lower, "hi"):
		return "Hello! I'm an offline agent. Ask me anything, or say `run <command>` to see a tool confirmation."
	default:
		return fmt.Sprintf("You said: %s", text)
	}
}

// LabelFor derives a conversation label from the first user message.
func LabelFor(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	if utf8.RuneCountInString(line) <= maxLabelLength {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:maxLabelLength-3])) + "..."
}

func citationsFor(body string) []protocol.Citation {
	length := len(body)
	half := length / 2
	return []protocol.Citation{
		{
			CitationID: uuid.NewString(),
			Offset:     0,
			Length:     half,
			Sources:    []protocol.Source{{Number: 1, Title: "Offline knowledge base", URL: "https://example.com/kb"}},
		},
		{
			CitationID: uuid.NewString(),
			Offset:     half,
			Length:     length - half,
			Sources: []protocol.Source{
				{Number: 1, Title: "Offline knowledge base", URL: "https://example.com/kb"},
				{Number: 2, Title: "Mock agent notes"},
			},
		},
	}
}
