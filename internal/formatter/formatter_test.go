package formatter

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/convstream/internal/protocol"
	"github.com/harunnryd/convstream/internal/rest"
	"github.com/harunnryd/convstream/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleExchanges() []rest.HistoryExchange {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return []rest.HistoryExchange{
		{
			ExchangeID: "ex-0123456789",
			CreatedAt:  at,
			Feedback:   &rest.Feedback{ExchangeID: "ex-0123456789", Rating: rest.RatingPositive},
			Messages: []rest.HistoryMessage{
				{
					MessageID: "m1",
					Role:      protocol.RoleUser,
					CreatedAt: at,
					ContentParts: []rest.HistoryContentPart{
						{ContentPartID: "p1", MimeType: protocol.MimeTextPlain, Data: "What is the refund policy?"},
						{ContentPartID: "p2", MimeType: "application/pdf", ExternalValue: &protocol.ExternalValue{URI: "urn:a", Name: "invoice.pdf"}},
					},
				},
				{
					MessageID: "m2",
					Role:      protocol.RoleAssistant,
					CreatedAt: at.Add(time.Second),
					ContentParts: []rest.HistoryContentPart{{
						ContentPartID: "p3",
						MimeType:      protocol.MimeTextMarkdown,
						Data:          "Refunds are issued within 30 days.",
						Citations: []protocol.Citation{
							{CitationID: "c1", Sources: []protocol.Source{{Number: 2}, {Number: 1}}},
							{CitationID: "c2", Sources: []protocol.Source{{Number: 1}}},
						},
					}},
					ToolCalls: []rest.HistoryToolCall{{ToolCallID: "t1", ToolName: "lookup", IsError: true}},
				},
			},
		},
	}
}

func TestFormatterFactory_Create(t *testing.T) {
	factory := NewFormatterFactory()

	tests := []struct {
		name    string
		format  OutputFormat
		wantErr bool
	}{
		{name: "table format", format: OutputFormatTable},
		{name: "json format", format: OutputFormatJSON},
		{name: "yaml format", format: OutputFormatYAML},
		{name: "invalid format", format: OutputFormat("invalid"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := factory.Create(tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, f)
		})
	}
}

func TestParseOutputFormat(t *testing.T) {
	got, err := ParseOutputFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, OutputFormatJSON, got)

	_, err = ParseOutputFormat("xml")
	assert.Error(t, err)
}

func TestTableFormatter_FormatExchanges(t *testing.T) {
	out, err := NewTableFormatter().FormatExchanges(sampleExchanges())
	require.NoError(t, err)

	assert.Contains(t, out, "ex-01234")
	assert.Contains(t, out, "What is the refund policy?")
	assert.Contains(t, out, "[attachment invoice.pdf]")
	assert.Contains(t, out, "[tool lookup: error]")
	assert.Contains(t, out, "[1] [2]")
	assert.Contains(t, out, "positive")
}

func TestTableFormatter_Empty(t *testing.T) {
	f := NewTableFormatter()

	out, err := f.FormatExchanges(nil)
	require.NoError(t, err)
	assert.Equal(t, "No exchanges found", out)

	out, err = f.FormatLabels(nil)
	require.NoError(t, err)
	assert.Equal(t, "No labels cached", out)
}

func TestTableFormatter_FormatLabels(t *testing.T) {
	out, err := NewTableFormatter().FormatLabels([]store.LabelEntry{
		{ConversationID: "c1", Label: strings.Repeat("x", 80), UpdatedAt: time.Now()},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "c1")
	assert.Contains(t, out, "...")
}

func TestJSONFormatter_FormatExchanges(t *testing.T) {
	out, err := NewJSONFormatter().FormatExchanges(sampleExchanges())
	require.NoError(t, err)

	var decoded []rest.HistoryExchange
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "ex-0123456789", decoded[0].ExchangeID)
}

func TestYAMLFormatter_UsesWireFieldNames(t *testing.T) {
	out, err := NewYAMLFormatter().FormatExchanges(sampleExchanges())
	require.NoError(t, err)
	assert.Contains(t, out, "exchangeId: ex-0123456789")
	assert.Contains(t, out, "toolName: lookup")

	out, err = NewYAMLFormatter().FormatLabels([]store.LabelEntry{{ConversationID: "c1", Label: "Trip"}})
	require.NoError(t, err)
	assert.Contains(t, out, "conversationId: c1")
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", truncateString("short", 10))
	assert.Equal(t, "ééé...", truncateString("éééééééé", 6))
}
