package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/harunnryd/convstream/internal/protocol"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type WebSocketConfig struct {
	URL              string
	Token            string
	Header           http.Header
	HandshakeTimeout time.Duration
	ReadLimit        int64
	HTTPClient       *http.Client
}

// WebSocket dials the agent event endpoint, one JSON text frame per event.
type WebSocket struct {
	cfg WebSocketConfig
}

func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	return &WebSocket{cfg: cfg}
}

func (w *WebSocket) Dial(ctx context.Context) (Conn, error) {
	if w.cfg.URL == "" {
		return nil, fmt.Errorf("websocket url is empty")
	}

	if w.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.HandshakeTimeout)
		defer cancel()
	}

	header := http.Header{}
	for k, values := range w.cfg.Header {
		for _, v := range values {
			header.Add(k, v)
		}
	}
	if w.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+w.cfg.Token)
	}

	c, resp, err := websocket.Dial(ctx, w.cfg.URL, &websocket.DialOptions{
		HTTPClient: w.cfg.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", w.cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", w.cfg.URL, err)
	}
	if w.cfg.ReadLimit > 0 {
		c.SetReadLimit(w.cfg.ReadLimit)
	}

	return &wsConn{conn: c, closed: make(chan struct{})}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func (c *wsConn) Send(ctx context.Context, evt protocol.Event) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if err := wsjson.Write(ctx, c.conn, evt); err != nil {
		return fmt.Errorf("websocket write %s: %w", evt.Kind, err)
	}
	return nil
}

func (c *wsConn) Receive(ctx context.Context) (protocol.Event, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
			return protocol.Event{}, ErrClosed
		}
		select {
		case <-c.closed:
			return protocol.Event{}, ErrClosed
		default:
		}
		return protocol.Event{}, fmt.Errorf("websocket read: %w", err)
	}
	if typ != websocket.MessageText {
		return protocol.Event{}, fmt.Errorf("unexpected binary frame: %w", ErrMalformedFrame)
	}

	evt, err := protocol.Decode(data)
	if err != nil {
		return protocol.Event{}, fmt.Errorf("%v: %w", err, ErrMalformedFrame)
	}
	return evt, nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "client closing")
	})
	return c.closeErr
}
