package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harunnryd/convstream/internal/config"

	"github.com/spf13/cobra"
)

func TestConfigInitCmd(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := configInitCmd.RunE(cmd, nil); err != nil {
		t.Fatalf("Config init failed: %v", err)
	}

	configPath := filepath.Join(tmpDir, ".convstream", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Config file not created at %s: %v", configPath, err)
	}
	if !strings.Contains(string(data), "ws_url:") {
		t.Errorf("Config template missing agent section:\n%s", data)
	}

	out.Reset()
	if err := configInitCmd.RunE(cmd, nil); err != nil {
		t.Errorf("Config init should succeed when config exists: %v", err)
	}
	if !strings.Contains(out.String(), "Config already exists") {
		t.Errorf("Expected existing config notice, got %q", out.String())
	}
}

func TestConfigTemplateLoads(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("CONVSTREAM_HOME", "")
	t.Setenv(config.DefaultTokenEnv, "")

	path := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(path, embeddedDefaultConfig, 0600); err != nil {
		t.Fatalf("write template: %v", err)
	}

	cmd := &cobra.Command{}
	cmd.Flags().String("config", path, "")
	loaded, err := config.Load(cmd)
	if err != nil {
		t.Fatalf("Template should load: %v", err)
	}
	if loaded.History.PageSize != config.DefaultHistoryPageSize {
		t.Errorf("Expected page size %d, got %d", config.DefaultHistoryPageSize, loaded.History.PageSize)
	}
	if loaded.Store.DataPath != filepath.Join(tmpDir, ".convstream", "data") {
		t.Errorf("Expected data path under HOME, got %s", loaded.Store.DataPath)
	}
}

func TestRedactConfigSecrets(t *testing.T) {
	original := &config.Config{
		Agent: config.AgentConfig{Token: "eyJ-secret-token-123456"},
	}

	redacted := redactConfigSecrets(original)

	if redacted == nil {
		t.Fatal("redacted config should not be nil")
	}
	if redacted.Agent.Token == original.Agent.Token {
		t.Fatal("agent token should be masked")
	}
	if strings.Contains(redacted.Agent.Token, "secret") {
		t.Fatal("masked token should not leak original value")
	}

	// Ensure original struct is not mutated.
	if original.Agent.Token != "eyJ-secret-token-123456" {
		t.Fatal("original config must not be modified")
	}
}

func TestMaskSecret(t *testing.T) {
	if got := maskSecret(""); got != "" {
		t.Fatalf("empty secret: got %q", got)
	}
	if got := maskSecret("abc"); got != "****" {
		t.Fatalf("short secret: got %q", got)
	}

	got := maskSecret("abcdef")
	if len(got) != len("abcdef") {
		t.Fatalf("masked secret length mismatch: got %d", len(got))
	}
	if got[:2] != "ab" || got[len(got)-2:] != "ef" {
		t.Fatalf("masked secret should preserve prefix/suffix: got %q", got)
	}
}
