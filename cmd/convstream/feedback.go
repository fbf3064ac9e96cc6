package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/harunnryd/convstream/internal/rest"

	"github.com/spf13/cobra"
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback <exchangeId> up|down [comment]",
	Short: "Rate an exchange",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		loadedCfg, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		rating, err := rest.ParseRating(args[1])
		if err != nil {
			return err
		}

		client, err := newRESTClient(loadedCfg.Agent)
		if err != nil {
			return err
		}
		fb := rest.Feedback{ExchangeID: args[0], Rating: rating, Comment: strings.Join(args[2:], " ")}
		if err := client.SubmitFeedback(context.Background(), fb); err != nil {
			return fmt.Errorf("failed to submit feedback: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "✓ Feedback recorded for exchange %s (%s)\n", fb.ExchangeID, fb.Rating)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(feedbackCmd)
}
