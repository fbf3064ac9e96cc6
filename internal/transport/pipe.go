package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/harunnryd/convstream/internal/protocol"
)

const pipeBuffer = 256

// pipeLink is the shared state of both ends of an in-memory connection.
type pipeLink struct {
	closeOnce sync.Once
	closed    chan struct{}
	err       error
	mu        sync.Mutex
}

func (l *pipeLink) close(err error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.closed)
	})
}

func (l *pipeLink) closeErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	return ErrClosed
}

// PipeConn is one end of an in-memory duplex connection. Frames are encoded
// and decoded so both ends exercise the wire codec.
type PipeConn struct {
	link *pipeLink
	in   chan []byte
	out  chan []byte
}

// Pipe returns two connected ends. Events sent on one are received by the other.
func Pipe() (*PipeConn, *PipeConn) {
	link := &pipeLink{closed: make(chan struct{})}
	a := make(chan []byte, pipeBuffer)
	b := make(chan []byte, pipeBuffer)
	return &PipeConn{link: link, in: a, out: b}, &PipeConn{link: link, in: b, out: a}
}

func (p *PipeConn) Send(ctx context.Context, evt protocol.Event) error {
	data, err := protocol.Encode(evt)
	if err != nil {
		return fmt.Errorf("pipe encode: %w", err)
	}
	return p.SendRaw(ctx, data)
}

// SendRaw writes an unvalidated frame, used to inject malformed input.
func (p *PipeConn) SendRaw(ctx context.Context, data []byte) error {
	select {
	case <-p.link.closed:
		return p.link.closeErr()
	default:
	}

	select {
	case p.out <- data:
		return nil
	case <-p.link.closed:
		return p.link.closeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeConn) Receive(ctx context.Context) (protocol.Event, error) {
	select {
	case data := <-p.in:
		evt, err := protocol.Decode(data)
		if err != nil {
			return protocol.Event{}, fmt.Errorf("%v: %w", err, ErrMalformedFrame)
		}
		return evt, nil
	case <-p.link.closed:
		return protocol.Event{}, p.link.closeErr()
	case <-ctx.Done():
		return protocol.Event{}, ctx.Err()
	}
}

func (p *PipeConn) Close() error {
	p.link.close(nil)
	return nil
}

// Fail closes both ends and makes pending and future reads return err,
// simulating a dropped transport.
func (p *PipeConn) Fail(err error) {
	p.link.close(err)
}

// PipeTransport hands out in-memory connections; the server end of every
// dial is available from Accept.
type PipeTransport struct {
	mu       sync.Mutex
	accepted chan *PipeConn
	failures []error
	dials    int
}

func NewPipeTransport() *PipeTransport {
	return &PipeTransport{accepted: make(chan *PipeConn, 16)}
}

// FailNextDial queues an error returned by the next Dial.
func (t *PipeTransport) FailNextDial(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, err)
}

func (t *PipeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *PipeTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	t.dials++
	if len(t.failures) > 0 {
		err := t.failures[0]
		t.failures = t.failures[1:]
		t.mu.Unlock()
		return nil, err
	}
	t.mu.Unlock()

	client, server := Pipe()
	select {
	case t.accepted <- server:
		return client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept waits for the server end of the next dialled connection.
func (t *PipeTransport) Accept(ctx context.Context) (*PipeConn, error) {
	select {
	case conn := <-t.accepted:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
