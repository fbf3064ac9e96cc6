package main

import (
	"os"

	"charm.land/lipgloss/v2"
)

var (
	colorPrimary = lipgloss.Color("99")
	colorSuccess = lipgloss.Color("42")
	colorError   = lipgloss.Color("203")
	colorWarning = lipgloss.Color("214")
	colorDim     = lipgloss.Color("245")
	colorAccent  = lipgloss.Color("75")
)

var (
	styleDim     = lipgloss.NewStyle().Foreground(colorDim)
	styleError   = lipgloss.NewStyle().Foreground(colorError)
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)

	styleRole     = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	styleToolName = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	styleSource   = lipgloss.NewStyle().Foreground(colorAccent)

	stylePromptAction = lipgloss.NewStyle().Bold(true).Foreground(colorWarning)
)

func lipglossPrintln(v ...any) {
	_, _ = lipgloss.Fprintln(os.Stderr, v...)
}
