package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	convErrors "github.com/harunnryd/convstream/internal/errors"
	"github.com/harunnryd/convstream/internal/protocol"
	"github.com/harunnryd/convstream/internal/transport"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (r *recorder) record(c StatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.To)
	}
	return out
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnect_DeliversStatusBeforeReturning(t *testing.T) {
	ctx := testContext(t)
	m := NewManager(transport.NewPipeTransport(), Options{})
	rec := &recorder{}
	m.OnStatusChanged(rec.record)

	require.NoError(t, m.Connect(ctx))
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, rec.statuses())
	assert.Equal(t, StatusConnected, m.Status())

	// Already connected: no new transitions.
	require.NoError(t, m.Connect(ctx))
	assert.Len(t, rec.statuses(), 2)

	require.NoError(t, m.Disconnect())
	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusDisconnected}, rec.statuses())

	require.NoError(t, m.Disconnect())
	assert.Len(t, rec.statuses(), 3)
}

func TestConnect_DialFailure(t *testing.T) {
	ctx := testContext(t)
	tr := transport.NewPipeTransport()
	refused := errors.New("auth failed")
	tr.FailNextDial(refused)

	m := NewManager(tr, Options{})
	rec := &recorder{}
	m.OnStatusChanged(rec.record)

	err := m.Connect(ctx)
	require.ErrorIs(t, err, refused)
	assert.Equal(t, StatusError, m.Status())
	assert.ErrorIs(t, m.Err(), refused)
	assert.Equal(t, []Status{StatusConnecting, StatusError}, rec.statuses())
	assert.ErrorIs(t, rec.changes[1].Err, refused)
}

func TestSend_RequiresConnection(t *testing.T) {
	ctx := testContext(t)
	m := NewManager(transport.NewPipeTransport(), Options{})

	evt, err := protocol.NewEvent(protocol.KindSessionStart, "c1", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Send(ctx, evt), convErrors.ErrNotConnected)
}

func TestInboundEventsReachSink(t *testing.T) {
	ctx := testContext(t)
	tr := transport.NewPipeTransport()
	m := NewManager(tr, Options{})

	got := make(chan protocol.Event, 4)
	m.SetSink(func(evt protocol.Event) { got <- evt })
	require.NoError(t, m.Connect(ctx))
	server, err := tr.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, server.SendRaw(ctx, []byte(`not json`)))
	ack := protocol.Event{Kind: protocol.KindSessionStarted, ConversationID: "c1", SessionID: "s1"}
	require.NoError(t, server.Send(ctx, ack))

	select {
	case evt := <-got:
		assert.Equal(t, protocol.KindSessionStarted, evt.Kind)
		assert.Equal(t, "s1", evt.SessionID)
	case <-ctx.Done():
		require.FailNow(t, "event not delivered")
	}
	assert.Equal(t, StatusConnected, m.Status())
}

func TestTransportDrop_SurfacesError(t *testing.T) {
	ctx := testContext(t)
	tr := transport.NewPipeTransport()
	m := NewManager(tr, Options{})

	errs := make(chan error, 1)
	m.OnStatusChanged(func(c StatusChange) {
		if c.To == StatusError {
			errs <- c.Err
		}
	})
	require.NoError(t, m.Connect(ctx))
	server, err := tr.Accept(ctx)
	require.NoError(t, err)

	reset := errors.New("connection reset")
	server.Fail(reset)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, reset)
	case <-ctx.Done():
		require.FailNow(t, "error status not delivered")
	}
	assert.Equal(t, StatusError, m.Status())
	assert.Equal(t, 1, tr.Dials())
}

// deadConn fails every Receive at once, like a server that closes right
// after the handshake.
type deadConn struct {
	err error
}

func (c *deadConn) Send(context.Context, protocol.Event) error { return c.err }

func (c *deadConn) Receive(context.Context) (protocol.Event, error) {
	return protocol.Event{}, c.err
}

func (c *deadConn) Close() error { return nil }

type deadTransport struct {
	err error
}

func (t *deadTransport) Dial(context.Context) (transport.Conn, error) {
	return &deadConn{err: t.err}, nil
}

func TestTransportDrop_ImmediateReceiveFailureEndsInError(t *testing.T) {
	ctx := testContext(t)
	rejected := errors.New("unauthorized")

	for i := 0; i < 50; i++ {
		m := NewManager(&deadTransport{err: rejected}, Options{})
		rec := &recorder{}
		failed := make(chan struct{}, 1)
		m.OnStatusChanged(func(c StatusChange) {
			rec.record(c)
			if c.To == StatusError {
				failed <- struct{}{}
			}
		})

		require.NoError(t, m.Connect(ctx))
		select {
		case <-failed:
		case <-ctx.Done():
			require.FailNow(t, "error status not delivered")
		}

		assert.Equal(t, StatusError, m.Status())
		assert.ErrorIs(t, m.Err(), rejected)
		assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusError}, rec.statuses())

		err := m.Send(ctx, protocol.Event{Kind: protocol.KindSessionEnd, ConversationID: "c1"})
		assert.ErrorIs(t, err, convErrors.ErrNotConnected)
	}
}

func TestTransportDrop_ReconnectsWithPolicy(t *testing.T) {
	ctx := testContext(t)
	tr := transport.NewPipeTransport()
	m := NewManager(tr, Options{
		Reconnect: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 5)
		},
	})
	t.Cleanup(func() { _ = m.Disconnect() })

	connected := make(chan struct{}, 4)
	m.OnStatusChanged(func(c StatusChange) {
		if c.To == StatusConnected {
			connected <- struct{}{}
		}
	})
	require.NoError(t, m.Connect(ctx))
	<-connected
	server, err := tr.Accept(ctx)
	require.NoError(t, err)

	tr.FailNextDial(errors.New("still down"))
	server.Fail(errors.New("dropped"))

	select {
	case <-connected:
	case <-ctx.Done():
		require.FailNow(t, "did not reconnect")
	}
	assert.Equal(t, StatusConnected, m.Status())
	assert.Equal(t, 3, tr.Dials())
}

func TestSubscribers_PanicIsolatedAndUnsubscribe(t *testing.T) {
	ctx := testContext(t)
	m := NewManager(transport.NewPipeTransport(), Options{})

	var order []string
	m.OnStatusChanged(func(StatusChange) { order = append(order, "first") })
	m.OnStatusChanged(func(StatusChange) { panic("bad subscriber") })
	unsubscribe := m.OnStatusChanged(func(StatusChange) { order = append(order, "third") })

	require.NoError(t, m.Connect(ctx))
	assert.Equal(t, []string{"first", "third", "first", "third"}, order)

	unsubscribe()
	unsubscribe()
	require.NoError(t, m.Disconnect())
	assert.Equal(t, []string{"first", "third", "first", "third", "first"}, order)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "status(9)", Status(9).String())
}

func TestExponentialPolicy(t *testing.T) {
	b := ExponentialPolicy(10*time.Millisecond, 50*time.Millisecond, time.Second)()
	first := b.NextBackOff()
	assert.Greater(t, first, time.Duration(0))
	assert.LessOrEqual(t, first, 15*time.Millisecond)
}
