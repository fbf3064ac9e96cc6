package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/harunnryd/convstream/internal/config"
	"github.com/harunnryd/convstream/internal/conversation"
	"github.com/harunnryd/convstream/internal/protocol"
	"github.com/harunnryd/convstream/internal/rest"

	"charm.land/lipgloss/v2"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat <conversationId>",
	Short: "Open an interactive session",
	Long:  `Open a real-time session for a conversation, print its recent history and chat with the agent.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loadedCfg, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		offline, _ := cmd.Flags().GetBool("offline")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if metricsAddr == "" {
			metricsAddr = loadedCfg.Server.MetricsAddr
		}

		signals := NewSignalHandler(context.Background())
		signals.Start()
		defer signals.Stop()
		ctx := signals.Context()

		components, err := buildComponents(ctx, loadedCfg, buildOptions{offline: offline, metricsAddr: metricsAddr})
		if err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			components.Close(closeCtx)
		}()

		conversationID := args[0]
		if components.rest != nil {
			seedHistory(ctx, os.Stdout, components.rest, conversationID, loadedCfg.History)
		}

		replCfg, err := replConfigFrom(loadedCfg, conversationID)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("echo") {
			replCfg.Session.Echo, _ = cmd.Flags().GetBool("echo")
		}
		return NewREPL(ctx, components.client, components.rest, replCfg, os.Stdin, os.Stdout).Run()
	},
}

func replConfigFrom(cfg *config.Config, conversationID string) (REPLConfig, error) {
	ready, err := config.DurationOrDefault(cfg.Session.ReadyTimeout, config.DefaultSessionReadyTimeout)
	if err != nil {
		return REPLConfig{}, fmt.Errorf("session.ready_timeout: %w", err)
	}
	return REPLConfig{
		ConversationID: conversationID,
		Session: conversation.SessionOptions{
			Echo:     cfg.Session.Echo,
			LogLevel: protocol.LogLevel(cfg.Session.LogLevel),
		},
		ReadyTimeout: ready,
	}, nil
}

// seedHistory prints earlier exchanges. A failure only costs the backlog.
func seedHistory(ctx context.Context, w io.Writer, client *rest.Client, conversationID string, hc config.HistoryConfig) {
	exchanges, err := client.CollectExchanges(ctx, conversationID, hc.PageSize, hc.Limit)
	if err != nil {
		slog.Warn("Could not load conversation history", "conversation_id", conversationID, "error", err)
		return
	}
	printHistory(w, exchanges)
}

func printHistory(w io.Writer, exchanges []rest.HistoryExchange) {
	if len(exchanges) == 0 {
		return
	}
	_, _ = lipgloss.Fprintln(w, styleDim.Render(fmt.Sprintf("%d earlier exchange(s)", len(exchanges))))
	for _, ex := range exchanges {
		for _, m := range ex.Messages {
			_, _ = lipgloss.Fprintf(w, "%s %s\n", styleRole.Render(string(m.Role)+">"), m.Text())
			for _, s := range m.Sources() {
				_, _ = lipgloss.Fprintf(w, "  [%d] %s %s\n", s.Number, s.Title, styleSource.Render(s.URL))
			}
		}
	}
	_, _ = lipgloss.Fprintln(w, styleDim.Render("---"))
}

func init() {
	chatCmd.Flags().Bool("offline", false, "talk to a built-in offline agent instead of the service")
	chatCmd.Flags().Bool("echo", config.DefaultSessionEcho, "deliver this client's own events to its handlers")
	chatCmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address")
	rootCmd.AddCommand(chatCmd)
}
