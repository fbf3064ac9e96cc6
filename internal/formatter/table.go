package formatter

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/convstream/internal/rest"
	"github.com/harunnryd/convstream/internal/store"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
)

const timeLayout = "2006-01-02 15:04"

type TableFormatter struct {
	headerStyle  lipgloss.Style
	oddRowStyle  lipgloss.Style
	evenRowStyle lipgloss.Style
	borderStyle  lipgloss.Style
}

func NewTableFormatter() *TableFormatter {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")

	return &TableFormatter{
		headerStyle: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Align(lipgloss.Center).
			Padding(0, 1),
		oddRowStyle: lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1),
		evenRowStyle: lipgloss.NewStyle().
			Foreground(lightGray).
			Padding(0, 1),
		borderStyle: lipgloss.NewStyle().
			Foreground(purple),
	}
}

func (f *TableFormatter) newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return f.headerStyle
			case row%2 == 0:
				return f.evenRowStyle
			default:
				return f.oddRowStyle
			}
		}).
		Headers(headers...)
}

// FormatExchanges renders one row per message, oldest exchange first.
func (f *TableFormatter) FormatExchanges(exchanges []rest.HistoryExchange) (string, error) {
	if len(exchanges) == 0 {
		return "No exchanges found", nil
	}

	t := f.newTable("Exchange", "Time", "Role", "Content", "Sources", "Feedback")
	for _, ex := range exchanges {
		feedback := ""
		if ex.Feedback != nil {
			feedback = string(ex.Feedback.Rating)
		}
		for i, m := range ex.Messages {
			exchangeID := ""
			if i == 0 {
				exchangeID = shortID(ex.ExchangeID)
			}
			t.Row(
				exchangeID,
				formatTime(m.CreatedAt),
				string(m.Role),
				truncateString(describeMessage(m), 60),
				formatSources(m),
				feedback,
			)
		}
	}
	return t.String(), nil
}

func (f *TableFormatter) FormatLabels(labels []store.LabelEntry) (string, error) {
	if len(labels) == 0 {
		return "No labels cached", nil
	}

	t := f.newTable("Conversation", "Label", "Updated")
	for _, l := range labels {
		t.Row(l.ConversationID, truncateString(l.Label, 50), formatTime(l.UpdatedAt))
	}
	return t.String(), nil
}

func describeMessage(m rest.HistoryMessage) string {
	text := strings.Join(strings.Fields(m.Text()), " ")
	var extras []string
	for _, p := range m.ContentParts {
		if p.ExternalValue != nil {
			extras = append(extras, "[attachment "+p.ExternalValue.Name+"]")
		}
	}
	for _, tc := range m.ToolCalls {
		status := "ok"
		if tc.IsError {
			status = "error"
		}
		extras = append(extras, fmt.Sprintf("[tool %s: %s]", tc.ToolName, status))
	}
	if len(extras) == 0 {
		return text
	}
	return strings.TrimSpace(text + " " + strings.Join(extras, " "))
}

func formatSources(m rest.HistoryMessage) string {
	sources := m.Sources()
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = fmt.Sprintf("[%d]", s.Number)
	}
	return strings.Join(out, " ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(timeLayout)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}
