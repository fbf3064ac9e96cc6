package conversation

import (
	"context"
	"fmt"
	"strings"

	convErrors "github.com/harunnryd/convstream/internal/errors"
	"github.com/harunnryd/convstream/internal/metrics"
	"github.com/harunnryd/convstream/internal/protocol"
)

// ContentPart accumulates the chunks of one typed fragment. Chunks are
// applied in arrival order; once the part completes its buffer is final.
type ContentPart struct {
	message  *Message
	session  *Session
	id       string
	mimeType string
	class    protocol.ContentClass
	external *protocol.ExternalValue

	opened    bool
	endSent   bool
	completed bool
	buf       strings.Builder
	chunks    int
	citations []protocol.Citation

	onChunk     handlerList[Chunk]
	onCompleted handlerList[*ContentPart]
}

func newContentPart(m *Message, id, mimeType, inline string, external *protocol.ExternalValue) *ContentPart {
	if mimeType == "" {
		mimeType = protocol.MimeTextPlain
	}
	p := &ContentPart{
		message:  m,
		session:  m.session,
		id:       id,
		mimeType: mimeType,
		class:    protocol.ClassifyMime(mimeType),
		external: external,
	}
	p.buf.WriteString(inline)
	return p
}

func (p *ContentPart) ID() string { return p.id }
func (p *ContentPart) Message() *Message { return p.message }
func (p *ContentPart) MimeType() string { return p.mimeType }
func (p *ContentPart) Class() protocol.ContentClass { return p.class }
func (p *ContentPart) IsHTML() bool { return p.class == protocol.ContentHTML }
func (p *ContentPart) IsImage() bool { return p.class == protocol.ContentImage }

// IsMarkdown distinguishes markdown among text parts.
func (p *ContentPart) IsMarkdown() bool {
	return p.class == protocol.ContentText && protocol.IsMarkdown(p.mimeType)
}

func (p *ContentPart) ExternalValue() *protocol.ExternalValue { return p.external }

// Text returns the accumulated buffer.
func (p *ContentPart) Text() string {
	p.session.mu.Lock()
	defer p.session.mu.Unlock()
	return p.buf.String()
}

func (p *ContentPart) Completed() bool {
	p.session.mu.Lock()
	defer p.session.mu.Unlock()
	return p.completed
}

func (p *ContentPart) Citations() []protocol.Citation {
	p.session.mu.Lock()
	defer p.session.mu.Unlock()
	out := make([]protocol.Citation, len(p.citations))
	copy(out, p.citations)
	return out
}

// Sources returns the citation sources deduplicated by number.
func (p *ContentPart) Sources() []protocol.Source {
	return protocol.DedupSources(p.Citations())
}

func (p *ContentPart) OnChunk(fn func(Chunk)) func() { return p.onChunk.add(fn) }

// OnCompleted fires once, after every chunk of the part has been dispatched.
func (p *ContentPart) OnCompleted(fn func(*ContentPart)) func() {
	return p.onCompleted.add(fn)
}

func (p *ContentPart) SendChunk(ctx context.Context, data string) error {
	s := p.session
	s.mu.Lock()
	if p.endSent || p.completed {
		s.mu.Unlock()
		return fmt.Errorf("chunk for content part %s: %w", p.id, convErrors.ErrStreamClosed)
	}
	s.mu.Unlock()
	return s.emit(ctx, protocol.KindContentPartChunk, p.ref(), protocol.ChunkPayload{Data: data})
}

func (p *ContentPart) SendContentPartEnd(ctx context.Context, citations ...protocol.Citation) error {
	s := p.session
	s.mu.Lock()
	if p.endSent || p.completed {
		s.mu.Unlock()
		return fmt.Errorf("end content part %s: %w", p.id, convErrors.ErrStreamClosed)
	}
	p.endSent = true
	s.mu.Unlock()

	payload := protocol.ContentPartEndPayload{Citations: citations}
	if err := s.emit(ctx, protocol.KindContentPartEnd, p.ref(), payload); err != nil {
		s.mu.Lock()
		p.endSent = false
		s.mu.Unlock()
		return err
	}
	return nil
}

func (p *ContentPart) ref() ref {
	return ref{exchange: p.message.exchange.id, message: p.message.id, contentPart: p.id}
}

func (p *ContentPart) handle(evt protocol.Event, local bool) {
	s := p.session
	switch evt.Kind {
	case protocol.KindContentPartChunk:
		var payload protocol.ChunkPayload
		if !s.client.decode(evt, &payload) {
			return
		}
		s.mu.Lock()
		if p.completed {
			s.mu.Unlock()
			s.client.drop(evt, metrics.DropCompleted)
			return
		}
		p.buf.WriteString(payload.Data)
		p.chunks++
		seq := p.chunks
		s.mu.Unlock()
		if s.visible(local) {
			p.onChunk.fire(evt.Kind, Chunk{Part: p, Data: payload.Data, Seq: seq})
		}

	case protocol.KindContentPartEnd, protocol.KindContentPartCompleted:
		var payload protocol.ContentPartEndPayload
		if !s.client.decode(evt, &payload) {
			return
		}
		s.mu.Lock()
		if p.completed {
			s.mu.Unlock()
			s.client.drop(evt, metrics.DropCompleted)
			return
		}
		p.completed = true
		p.citations = payload.Citations
		if p.message.parts[p.id] == p {
			delete(p.message.parts, p.id)
		}
		s.mu.Unlock()
		if s.visible(local) {
			p.onCompleted.fire(evt.Kind, p)
		}
	}
}
