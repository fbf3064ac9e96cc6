package formatter

import (
	"fmt"
	"strings"

	"github.com/harunnryd/convstream/internal/rest"
	"github.com/harunnryd/convstream/internal/store"
)

type OutputFormat string

const (
	OutputFormatTable OutputFormat = "table"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatYAML  OutputFormat = "yaml"
)

type Formatter interface {
	FormatExchanges([]rest.HistoryExchange) (string, error)
	FormatLabels([]store.LabelEntry) (string, error)
}

type FormatterFactory struct{}

func NewFormatterFactory() *FormatterFactory {
	return &FormatterFactory{}
}

func (f *FormatterFactory) Create(format OutputFormat) (Formatter, error) {
	switch format {
	case OutputFormatTable:
		return NewTableFormatter(), nil
	case OutputFormatJSON:
		return NewJSONFormatter(), nil
	case OutputFormatYAML:
		return NewYAMLFormatter(), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, json, yaml)", format)
	}
}

func ParseOutputFormat(s string) (OutputFormat, error) {
	format := OutputFormat(strings.ToLower(s))
	switch format {
	case OutputFormatTable, OutputFormatJSON, OutputFormatYAML:
		return format, nil
	default:
		return "", fmt.Errorf("invalid output format: %s (supported: table, json, yaml)", s)
	}
}
