package mockagent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/convstream/internal/connection"
	"github.com/harunnryd/convstream/internal/conversation"
	"github.com/harunnryd/convstream/internal/protocol"
	"github.com/harunnryd/convstream/internal/store"
	"github.com/harunnryd/convstream/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type offline struct {
	ctx    context.Context
	client *conversation.Client
	labels *store.MemoryLabelCache
}

func newOffline(t *testing.T, cfg Config) *offline {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	tr := transport.NewPipeTransport()
	go func() { _ = New(tr, cfg).Run(ctx) }()

	labels := store.NewMemoryLabelCache()
	client := conversation.NewClient(connection.NewManager(tr, connection.Options{}), conversation.WithLabelCache(labels))
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		_ = client.Close(closeCtx)
	})
	return &offline{ctx: ctx, client: client, labels: labels}
}

// ask sends text as a user message and returns the assistant message once
// the agent ends the exchange.
func (o *offline) ask(t *testing.T, conv, text string, onInterrupt func(*conversation.Interrupt)) *conversation.Message {
	t.Helper()

	s, err := o.client.StartSession(o.ctx, conv, conversation.SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, s.WaitReady(o.ctx))

	ex, err := s.StartExchange(o.ctx, conversation.ExchangeOptions{})
	require.NoError(t, err)

	replies := make(chan *conversation.Message, 1)
	ended := make(chan struct{})
	ex.OnMessageStart(func(m *conversation.Message) {
		replies <- m
		if onInterrupt != nil {
			m.OnInterruptStart(func(ir *conversation.Interrupt) { go onInterrupt(ir) })
		}
	}, protocol.RoleAssistant)
	ex.OnExchangeEnd(func(*conversation.Exchange) { close(ended) })

	msg, err := ex.StartMessage(o.ctx, conversation.MessageOptions{})
	require.NoError(t, err)
	_, err = msg.SendContentPart(o.ctx, conversation.ContentPartData{Data: text})
	require.NoError(t, err)
	require.NoError(t, msg.SendMessageEnd(o.ctx))

	select {
	case <-ended:
	case <-o.ctx.Done():
		t.Fatal("agent never ended the exchange")
	}
	require.NoError(t, o.client.Sync(o.ctx))
	return <-replies
}

func TestAgent_StreamsReplyWithCitationsAndLabel(t *testing.T) {
	o := newOffline(t, Config{ChunkSize: 3, Citations: true})

	reply := o.ask(t, "c1", "what is the weather like", nil)

	assert.True(t, reply.Ended())
	assert.Equal(t, ReplyFor("what is the weather like"), reply.Content())

	parts := reply.Parts()
	require.Len(t, parts, 1)
	assert.True(t, parts[0].IsMarkdown())
	assert.True(t, parts[0].Completed())
	require.Len(t, parts[0].Sources(), 2)
	assert.Equal(t, 1, parts[0].Sources()[0].Number)

	label, ok := o.labels.Label("c1")
	require.True(t, ok)
	assert.Equal(t, "what is the weather like", label)
}

func TestAgent_ToolConfirmation(t *testing.T) {
	tests := []struct {
		name     string
		approved bool
		want     string
	}{
		{name: "approved", approved: true, want: "I ran `ls -la`"},
		{name: "denied", approved: false, want: "was not run"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOffline(t, Config{})
			resolved := make(chan error, 1)

			reply := o.ask(t, "c-"+tt.name, "run ls -la", func(ir *conversation.Interrupt) {
				confirm, err := ir.ToolCallConfirmation()
				if err == nil && confirm.ToolName != toolName {
					err = assert.AnError
				}
				if err == nil {
					err = ir.Resolve(context.Background(), tt.approved)
				}
				resolved <- err
			})
			require.NoError(t, <-resolved)

			assert.Contains(t, reply.Content(), tt.want)
			calls := reply.ToolCalls()
			require.Len(t, calls, 1)
			assert.True(t, calls[0].IsComplete())
			assert.Equal(t, !tt.approved, calls[0].IsError())

			var input map[string]string
			require.NoError(t, json.Unmarshal(calls[0].Input(), &input))
			assert.Equal(t, "ls -la", input["command"])

			intr := reply.Interrupts()
			require.Len(t, intr, 1)
			assert.True(t, intr[0].Resolved())
			assert.Equal(t, tt.approved, intr[0].Approved())
		})
	}
}

func TestAgent_SkipsMalformedFrames(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, server := transport.Pipe()
	done := make(chan error, 1)
	go func() { done <- New(nil, Config{}).Serve(ctx, server) }()

	require.NoError(t, client.SendRaw(ctx, []byte("garbage")))
	start, err := protocol.NewEvent(protocol.KindSessionStart, "c1", nil)
	require.NoError(t, err)
	require.NoError(t, client.Send(ctx, start))

	ack, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindSessionStarted, ack.Kind)
	assert.NotEmpty(t, ack.SessionID)

	require.NoError(t, client.Close())
	assert.NoError(t, <-done)
}

func TestSplitChunks(t *testing.T) {
	assert.Equal(t, []string{"Hel", "lo ", "wor", "ld"}, SplitChunks("Hello world", 3))
	assert.Equal(t, []string{"héé", "llo"}, SplitChunks("hééllo", 3))
	assert.Nil(t, SplitChunks("", 3))
	assert.Equal(t, "Hello world", strings.Join(SplitChunks("Hello world", 0), ""))
}

func TestToolRequest(t *testing.T) {
	cmd, ok := ToolRequest("Run  go test ./...")
	assert.True(t, ok)
	assert.Equal(t, "go test ./...", cmd)

	_, ok = ToolRequest("run ")
	assert.False(t, ok)
	_, ok = ToolRequest("tell me about running")
	assert.False(t, ok)
}

func TestLabelFor(t *testing.T) {
	assert.Equal(t, "Short title", LabelFor("  Short title\nsecond line"))

	long := strings.Repeat("a", 60)
	got := LabelFor(long)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len([]rune(got)), maxLabelLength)
}
