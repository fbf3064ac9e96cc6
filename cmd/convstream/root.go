package main

import (
	"fmt"
	"os"

	"github.com/harunnryd/convstream/internal/config"
	"github.com/harunnryd/convstream/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "convstream",
	Short: "Conversational agent session client",
	Long:  `convstream opens real-time sessions with a conversational agent, streams its replies and manages conversation history.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.Server.LogLevel)
		return nil
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $CONVSTREAM_HOME/config.yaml, $CONVSTREAM_HOME defaults to ~/.convstream)")
	rootCmd.PersistentFlags().String("server.log_level", config.DefaultServerLogLevel, "log level (debug, info, warn, error)")
}
