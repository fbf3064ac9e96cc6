package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/convstream/internal/connection"
	"github.com/harunnryd/convstream/internal/protocol"
	"github.com/harunnryd/convstream/internal/transport"

	"github.com/stretchr/testify/require"
)

// harness wires a Client to the server end of an in-memory pipe.
type harness struct {
	t       *testing.T
	ctx     context.Context
	tr      *transport.PipeTransport
	conn    *connection.Manager
	client  *Client
	server  *transport.PipeConn
	markers int
}

func newHarness(t *testing.T, opts ...Option) *harness {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	tr := transport.NewPipeTransport()
	mgr := connection.NewManager(tr, connection.Options{})
	c := NewClient(mgr, opts...)
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		_ = c.Close(closeCtx)
	})

	return &harness{t: t, ctx: ctx, tr: tr, conn: mgr, client: c}
}

// open starts a session and returns it before the server acknowledges.
func (h *harness) open(conversationID string, opts SessionOptions) *Session {
	h.t.Helper()
	s, err := h.client.StartSession(h.ctx, conversationID, opts)
	require.NoError(h.t, err)
	if h.server == nil {
		h.server, err = h.tr.Accept(h.ctx)
		require.NoError(h.t, err)
	}
	h.expect(protocol.KindSessionStart)
	return s
}

// start opens a session and acknowledges it with sessionID.
func (h *harness) start(conversationID, sessionID string, opts SessionOptions) *Session {
	h.t.Helper()
	s := h.open(conversationID, opts)
	h.send(protocol.KindSessionStarted, conversationID, sessionID, ref{}, nil)
	require.NoError(h.t, s.WaitReady(h.ctx))
	return s
}

// send writes a server event.
func (h *harness) send(kind protocol.Kind, conversationID, sessionID string, r ref, payload any) {
	h.t.Helper()
	evt, err := protocol.NewEvent(kind, conversationID, payload)
	require.NoError(h.t, err)
	evt.SessionID = sessionID
	evt.ExchangeID = r.exchange
	evt.MessageID = r.message
	evt.ContentPartID = r.contentPart
	evt.ToolCallID = r.toolCall
	evt.InterruptID = r.interrupt
	require.NoError(h.t, h.server.Send(h.ctx, evt))
}

// expect reads the next client event and checks its kind.
func (h *harness) expect(kind protocol.Kind) protocol.Event {
	h.t.Helper()
	evt, err := h.server.Receive(h.ctx)
	require.NoError(h.t, err)
	require.Equal(h.t, kind, evt.Kind)
	return evt
}

// expectNone checks that the client has written nothing further.
func (h *harness) expectNone() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 50*time.Millisecond)
	defer cancel()
	evt, err := h.server.Receive(ctx)
	require.ErrorIs(h.t, err, context.DeadlineExceeded, "unexpected event %s", evt.Kind)
}

// settle waits until every server event sent so far has been dispatched to s.
func (h *harness) settle(s *Session) {
	h.t.Helper()
	h.markers++
	marker := fmt.Sprintf("marker-%d", h.markers)
	h.send(protocol.KindSessionLabelUpdated, s.ConversationID(), s.ID(), ref{}, protocol.LabelUpdatedPayload{Label: marker})
	require.Eventually(h.t, func() bool { return s.Label() == marker }, 2*time.Second, 2*time.Millisecond)
}

// trace records handler invocations across goroutines.
type trace struct {
	mu    sync.Mutex
	items []string
}

func (tr *trace) add(format string, args ...any) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.items = append(tr.items, fmt.Sprintf(format, args...))
}

func (tr *trace) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]string, len(tr.items))
	copy(out, tr.items)
	return out
}

type memoryLabels struct {
	mu     sync.Mutex
	labels map[string]string
}

func (m *memoryLabels) SetLabel(conversationID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.labels == nil {
		m.labels = make(map[string]string)
	}
	m.labels[conversationID] = label
	return nil
}

func (m *memoryLabels) get(conversationID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.labels[conversationID]
}
