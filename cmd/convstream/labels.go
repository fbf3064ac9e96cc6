package main

import (
	"fmt"

	"github.com/harunnryd/convstream/internal/formatter"

	"github.com/spf13/cobra"
)

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "Inspect cached conversation labels",
}

var labelsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cached labels",
	Long:  `Display the labels the agent assigned to conversations seen by this machine, newest first.`,
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

		cache, err := openLabelCache(loadedCfg)
		if err != nil {
			return err
		}
		entries, err := cache.List()
		if err != nil {
			return fmt.Errorf("failed to read label cache: %w", err)
		}

		out, err := f.FormatLabels(entries)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	labelsLsCmd.Flags().StringP("output", "o", string(formatter.OutputFormatTable), "output format (table, json, yaml)")
	labelsCmd.AddCommand(labelsLsCmd)
	rootCmd.AddCommand(labelsCmd)
}
