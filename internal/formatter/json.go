package formatter

import (
	"encoding/json"

	"github.com/harunnryd/convstream/internal/rest"
	"github.com/harunnryd/convstream/internal/store"
)

type JSONFormatter struct{}

func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

func (f *JSONFormatter) FormatExchanges(exchanges []rest.HistoryExchange) (string, error) {
	return marshalJSON(exchanges)
}

func (f *JSONFormatter) FormatLabels(labels []store.LabelEntry) (string, error) {
	return marshalJSON(labels)
}

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
