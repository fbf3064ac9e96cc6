package main

import (
	"context"
	"fmt"

	"github.com/harunnryd/convstream/internal/formatter"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <conversationId>",
	Short: "Show conversation history",
	Long:  `List the exchanges of a conversation, oldest first, following page cursors up to --limit.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loadedCfg, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		outputFlag, _ := cmd.Flags().GetString("output")
		format, err := formatter.ParseOutputFormat(outputFlag)
		if err != nil {
			return err
		}
		f, err := formatter.NewFormatterFactory().Create(format)
		if err != nil {
			return err
		}

		pageSize := loadedCfg.History.PageSize
		if cmd.Flags().Changed("page-size") {
			pageSize, _ = cmd.Flags().GetInt("page-size")
		}
		limit := loadedCfg.History.Limit
		if cmd.Flags().Changed("limit") {
			limit, _ = cmd.Flags().GetInt("limit")
		}

		client, err := newRESTClient(loadedCfg.Agent)
		if err != nil {
			return err
		}
		exchanges, err := client.CollectExchanges(context.Background(), args[0], pageSize, limit)
		if err != nil {
			return fmt.Errorf("failed to list exchanges: %w", err)
		}

		out, err := f.FormatExchanges(exchanges)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("page-size", 0, "exchanges per request (default from config)")
	historyCmd.Flags().Int("limit", 0, "maximum exchanges to show, 0 for all (default from config)")
	historyCmd.Flags().StringP("output", "o", string(formatter.OutputFormatTable), "output format (table, json, yaml)")
	rootCmd.AddCommand(historyCmd)
}
