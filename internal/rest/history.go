package rest

import (
	"context"
	"strconv"
	"strings"
	"time"

	convErrors "github.com/harunnryd/convstream/internal/errors"
	"github.com/harunnryd/convstream/internal/protocol"
)

const (
	DefaultPageSize = 20
	maxPageSize     = 100
)

type ExchangeQuery struct {
	ConversationID string
	PageSize       int
	Cursor         string
}

type HistoryContentPart struct {
	ContentPartID string                  `json:"contentPartId" yaml:"contentPartId"`
	MimeType      string                  `json:"mimeType" yaml:"mimeType"`
	Data          string                  `json:"data,omitempty" yaml:"data,omitempty"`
	ExternalValue *protocol.ExternalValue `json:"externalValue,omitempty" yaml:"externalValue,omitempty"`
	Citations     []protocol.Citation     `json:"citations,omitempty" yaml:"citations,omitempty"`
}

type HistoryToolCall struct {
	ToolCallID string `json:"toolCallId" yaml:"toolCallId"`
	ToolName   string `json:"toolName" yaml:"toolName"`
	IsError    bool   `json:"isError,omitempty" yaml:"isError,omitempty"`
}

type HistoryMessage struct {
	MessageID    string               `json:"messageId" yaml:"messageId"`
	Role         protocol.Role        `json:"role" yaml:"role"`
	ContentParts []HistoryContentPart `json:"contentParts,omitempty" yaml:"contentParts,omitempty"`
	ToolCalls    []HistoryToolCall    `json:"toolCalls,omitempty" yaml:"toolCalls,omitempty"`
	CreatedAt    time.Time            `json:"createdTime" yaml:"createdTime"`
}

// Text concatenates the message's text parts, matching the streamed
// Message.Content.
func (m HistoryMessage) Text() string {
	var b strings.Builder
	for _, p := range m.ContentParts {
		if protocol.ClassifyMime(p.MimeType) == protocol.ContentText {
			b.WriteString(p.Data)
		}
	}
	return b.String()
}

// Sources returns the deduplicated citation sources of every part.
func (m HistoryMessage) Sources() []protocol.Source {
	var all []protocol.Citation
	for _, p := range m.ContentParts {
		all = append(all, p.Citations...)
	}
	return protocol.DedupSources(all)
}

type HistoryExchange struct {
	ExchangeID string           `json:"exchangeId" yaml:"exchangeId"`
	Messages   []HistoryMessage `json:"messages" yaml:"messages"`
	CreatedAt  time.Time        `json:"createdTime" yaml:"createdTime"`
	Feedback   *Feedback        `json:"feedback,omitempty" yaml:"feedback,omitempty"`
}

type ExchangePage struct {
	Exchanges  []HistoryExchange `json:"exchanges" yaml:"exchanges"`
	NextCursor string            `json:"nextCursor,omitempty" yaml:"nextCursor,omitempty"`
}

// ListExchanges fetches one page of a conversation's exchange history.
func (c *Client) ListExchanges(ctx context.Context, q ExchangeQuery) (ExchangePage, error) {
	if q.ConversationID == "" {
		return ExchangePage{}, convErrors.InvalidInput("conversation id is required")
	}
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	req := c.request(ctx).
		SetQueryParam("conversationId", q.ConversationID).
		SetQueryParam("pageSize", strconv.Itoa(pageSize))
	if q.Cursor != "" {
		req.SetQueryParam("cursor", q.Cursor)
	}

	var page ExchangePage
	started := time.Now()
	resp, err := req.SetResult(&page).Get("/exchanges")
	if err := check("list_exchanges", started, resp, err); err != nil {
		return ExchangePage{}, err
	}
	return page, nil
}

// ExchangePager walks a conversation's history page by page until the
// server stops returning a cursor.
type ExchangePager struct {
	client *Client
	query  ExchangeQuery
	done   bool
}

func (c *Client) Exchanges(conversationID string, pageSize int) *ExchangePager {
	return &ExchangePager{
		client: c,
		query:  ExchangeQuery{ConversationID: conversationID, PageSize: pageSize},
	}
}

func (p *ExchangePager) HasNext() bool {
	return !p.done
}

func (p *ExchangePager) Next(ctx context.Context) ([]HistoryExchange, error) {
	if p.done {
		return nil, nil
	}
	page, err := p.client.ListExchanges(ctx, p.query)
	if err != nil {
		return nil, err
	}
	// A repeated cursor would loop forever.
	if page.NextCursor == "" || page.NextCursor == p.query.Cursor {
		p.done = true
	}
	p.query.Cursor = page.NextCursor
	return page.Exchanges, nil
}

// CollectExchanges gathers up to limit exchanges (all when limit <= 0).
func (c *Client) CollectExchanges(ctx context.Context, conversationID string, pageSize, limit int) ([]HistoryExchange, error) {
	pager := c.Exchanges(conversationID, pageSize)
	var out []HistoryExchange
	for pager.HasNext() {
		batch, err := pager.Next(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, batch...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, nil
}
