package main

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/convstream/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

//go:embed templates/config.yaml
var embeddedDefaultConfig []byte

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the convstream configuration file.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Dump fully resolved configuration",
	Long:  `Display current configuration with all defaults applied and environment variables resolved.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loadedCfg, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if loadedCfg == nil {
			return fmt.Errorf("config is not initialized; run 'convstream config init' first")
		}

		redacted := redactConfigSecrets(loadedCfg)

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(redacted); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return enc.Close()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize default configuration",
	Long:  `Create a default configuration file at $CONVSTREAM_HOME/config.yaml (~/.convstream by default) if it doesn't exist.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, err := config.DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to resolve config path: %w", err)
		}

		configDir := filepath.Dir(configPath)
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
		}

		out := cmd.OutOrStdout()
		if _, err := os.Stat(configPath); err == nil {
			fmt.Fprintf(out, "Config already exists at %s\n", configPath)
			fmt.Fprintln(out, "Use 'convstream config view' to see current configuration.")
			fmt.Fprintln(out, "To reinitialize, remove the existing config file first.")
			return nil
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to check config file: %w", err)
		}

		defaultConfig := strings.TrimSpace(string(embeddedDefaultConfig)) + "\n"
		if err := os.WriteFile(configPath, []byte(defaultConfig), 0600); err != nil {
			return fmt.Errorf("failed to write config to %s: %w", configPath, err)
		}

		fmt.Fprintf(out, "✓ Initialized config at %s\n", configPath)
		fmt.Fprintln(out, "\nNext steps:")
		fmt.Fprintf(out, "1. Export %s with an access token (recommended)\n", config.DefaultTokenEnv)
		fmt.Fprintln(out, "2. Set agent.tenant and agent.folder_key for your organization")
		fmt.Fprintln(out, "3. Run 'convstream config view' to verify your configuration")
		return nil
	},
}

func loadConfigForCommand(cmd *cobra.Command) (*config.Config, error) {
	if cfg != nil {
		return cfg, nil
	}

	loadedCfg, err := config.Load(cmd)
	if err != nil {
		return nil, err
	}

	return loadedCfg, nil
}

func redactConfigSecrets(in *config.Config) *config.Config {
	if in == nil {
		return nil
	}

	out := *in
	out.Agent.Token = maskSecret(out.Agent.Token)
	return &out
}

func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:2] + strings.Repeat("*", len(secret)-4) + secret[len(secret)-2:]
}

func init() {
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
