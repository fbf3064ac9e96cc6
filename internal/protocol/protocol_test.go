package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventAndDecode(t *testing.T) {
	evt, err := NewEvent(KindContentPartChunk, "c1", ChunkPayload{Data: "Hel"})
	require.NoError(t, err)
	evt.SessionID = "s1"
	evt.ExchangeID = "e1"
	evt.MessageID = "m1"
	evt.ContentPartID = "p1"
	assert.NotEmpty(t, evt.ID)

	raw, err := Encode(evt)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, KindContentPartChunk, got.Kind)
	assert.Equal(t, "p1", got.ContentPartID)

	var chunk ChunkPayload
	require.NoError(t, got.DecodePayload(&chunk))
	assert.Equal(t, "Hel", chunk.Data)
}

func TestDecode_RejectsShallowCorrelation(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"content-part.chunk","conversationId":"c1","exchangeId":"e1","messageId":"m1"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content part id")

	_, err = Decode([]byte(`{"kind":"message.start","conversationId":"c1"}`))
	require.Error(t, err)

	_, err = Decode([]byte(`{"kind":"bogus.kind","conversationId":"c1"}`))
	require.Error(t, err)

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestKindLayer(t *testing.T) {
	assert.Equal(t, LayerSession, KindSessionLabelUpdated.Layer())
	assert.Equal(t, LayerExchange, KindExchangeErrorStart.Layer())
	assert.Equal(t, LayerContentPart, KindContentPartCompleted.Layer())
	assert.Equal(t, LayerInterrupt, KindInterruptEnd.Layer())
	assert.True(t, KindToolCallStart.IsStart())
	assert.False(t, KindContentPartChunk.IsStart())
}

func TestDecodePayload_Empty(t *testing.T) {
	evt := Event{Kind: KindMessageEnd}
	var p MessageStartPayload
	require.NoError(t, evt.DecodePayload(&p))
	assert.Equal(t, Role(""), p.Role)
}

func TestClassifyMime(t *testing.T) {
	assert.Equal(t, ContentHTML, ClassifyMime("text/html"))
	assert.Equal(t, ContentHTML, ClassifyMime("text/html; charset=utf-8"))
	assert.Equal(t, ContentImage, ClassifyMime("image/png"))
	assert.Equal(t, ContentText, ClassifyMime("text/markdown"))
	assert.Equal(t, ContentText, ClassifyMime("application/json"))
	assert.True(t, IsMarkdown("text/markdown"))
	assert.False(t, IsMarkdown("text/plain"))
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("Assistant")
	require.NoError(t, err)
	assert.Equal(t, RoleAssistant, r)

	_, err = ParseRole("robot")
	require.Error(t, err)
}

func TestDedupSources_FirstSeenWins(t *testing.T) {
	citations := []Citation{
		{CitationID: "a", Sources: []Source{{Number: 3, Title: "First", URL: "https://a"}, {Number: 1, Title: "One"}}},
		{CitationID: "b", Sources: []Source{{Number: 3, Title: "Second", URL: "https://b"}}},
	}

	sources := DedupSources(citations)
	require.Len(t, sources, 2)
	assert.Equal(t, 1, sources[0].Number)
	assert.Equal(t, 3, sources[1].Number)
	assert.Equal(t, "First", sources[1].Title)
	assert.Equal(t, "https://a", sources[1].URL)
}

func TestErrorPayload_Error(t *testing.T) {
	assert.Equal(t, "boom", ErrorPayload{Message: "boom"}.Error())
	assert.Equal(t, "E42: boom", ErrorPayload{Code: "E42", Message: "boom"}.Error())
}

func TestToolCallConfirmationValue(t *testing.T) {
	payload := InterruptStartPayload{
		Type:  InterruptToolCallConfirmation,
		Value: json.RawMessage(`{"toolName":"search","input":{"q":"go"}}`),
	}
	var conf ToolCallConfirmation
	require.NoError(t, json.Unmarshal(payload.Value, &conf))
	assert.Equal(t, "search", conf.ToolName)
	assert.JSONEq(t, `{"q":"go"}`, string(conf.Input))
}
