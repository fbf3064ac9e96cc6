package formatter

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harunnryd/convstream/internal/rest"
	"github.com/harunnryd/convstream/internal/store"
)

type YAMLFormatter struct{}

func NewYAMLFormatter() *YAMLFormatter {
	return &YAMLFormatter{}
}

func (f *YAMLFormatter) FormatExchanges(exchanges []rest.HistoryExchange) (string, error) {
	return marshalYAML(exchanges)
}

func (f *YAMLFormatter) FormatLabels(labels []store.LabelEntry) (string, error) {
	return marshalYAML(labels)
}

func marshalYAML(v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
