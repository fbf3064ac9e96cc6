package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/convstream/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPipe_RoundTrip(t *testing.T) {
	ctx := testContext(t)
	client, server := Pipe()

	evt, err := protocol.NewEvent(protocol.KindSessionStart, "c1", protocol.SessionStartPayload{Echo: true})
	require.NoError(t, err)
	require.NoError(t, client.Send(ctx, evt))

	got, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindSessionStart, got.Kind)
	assert.Equal(t, evt.ID, got.ID)
}

func TestPipe_MalformedFrameIsSkippable(t *testing.T) {
	ctx := testContext(t)
	client, server := Pipe()

	require.NoError(t, server.SendRaw(ctx, []byte(`{"kind":"nope"}`)))
	_, err := client.Receive(ctx)
	require.ErrorIs(t, err, ErrMalformedFrame)

	evt, err := protocol.NewEvent(protocol.KindSessionEnd, "c1", nil)
	require.NoError(t, err)
	require.NoError(t, server.Send(ctx, evt))
	got, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindSessionEnd, got.Kind)
}

func TestPipe_CloseAndFail(t *testing.T) {
	ctx := testContext(t)

	client, server := Pipe()
	require.NoError(t, client.Close())
	_, err := server.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	client, server = Pipe()
	boom := errors.New("connection reset")
	server.Fail(boom)
	_, err = client.Receive(ctx)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, client.Send(ctx, protocol.Event{Kind: protocol.KindSessionEnd, ConversationID: "c1"}), boom)
}

func TestPipeTransport_DialAndAccept(t *testing.T) {
	ctx := testContext(t)
	tr := NewPipeTransport()

	tr.FailNextDial(errors.New("refused"))
	_, err := tr.Dial(ctx)
	require.Error(t, err)

	conn, err := tr.Dial(ctx)
	require.NoError(t, err)
	server, err := tr.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Dials())

	evt, err := protocol.NewEvent(protocol.KindSessionStart, "c1", nil)
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, evt))
	got, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ConversationID)
}

func TestWebSocket_DialSendReceive(t *testing.T) {
	ctx := testContext(t)

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		var evt protocol.Event
		if err := wsjson.Read(r.Context(), c, &evt); err != nil {
			return
		}
		ack := protocol.Event{Kind: protocol.KindSessionStarted, ConversationID: evt.ConversationID, SessionID: "s1"}
		_ = wsjson.Write(r.Context(), c, ack)
		_ = c.Write(r.Context(), websocket.MessageText, []byte(`{"kind":"content-part.chunk","conversationId":"c1"}`))
		<-r.Context().Done()
	}))
	defer srv.Close()

	ws := NewWebSocket(WebSocketConfig{
		URL:              "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:            "secret",
		HandshakeTimeout: 2 * time.Second,
		ReadLimit:        1 << 20,
	})
	conn, err := ws.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "Bearer secret", gotAuth)

	start, err := protocol.NewEvent(protocol.KindSessionStart, "c1", protocol.SessionStartPayload{Echo: true})
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, start))

	got, err := conn.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindSessionStarted, got.Kind)
	assert.Equal(t, "s1", got.SessionID)

	_, err = conn.Receive(ctx)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send(ctx, start), ErrClosed)
}

func TestWebSocket_EmptyURL(t *testing.T) {
	_, err := NewWebSocket(WebSocketConfig{}).Dial(context.Background())
	require.Error(t, err)
}
