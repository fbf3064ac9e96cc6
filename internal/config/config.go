package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/convstream/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server    ServerConfig    `koanf:"server" yaml:"server"`
	Agent     AgentConfig     `koanf:"agent" yaml:"agent"`
	Session   SessionConfig   `koanf:"session" yaml:"session"`
	Reconnect ReconnectConfig `koanf:"reconnect" yaml:"reconnect"`
	History   HistoryConfig   `koanf:"history" yaml:"history"`
	Store     StoreConfig     `koanf:"store" yaml:"store"`
}

type ServerConfig struct {
	LogLevel    string `koanf:"log_level" yaml:"log_level"`
	MetricsAddr string `koanf:"metrics_addr" yaml:"metrics_addr"`
}

// AgentConfig addresses the conversational agent service.
type AgentConfig struct {
	WebSocketURL     string `koanf:"ws_url" yaml:"ws_url"`
	BaseURL          string `koanf:"base_url" yaml:"base_url"`
	Token            string `koanf:"token" yaml:"token"`
	Tenant           string `koanf:"tenant" yaml:"tenant"`
	FolderKey        string `koanf:"folder_key" yaml:"folder_key"`
	RequestTimeout   string `koanf:"request_timeout" yaml:"request_timeout"`
	HandshakeTimeout string `koanf:"handshake_timeout" yaml:"handshake_timeout"`
	ReadLimit        int64  `koanf:"read_limit" yaml:"read_limit"`
}

type SessionConfig struct {
	Echo         bool   `koanf:"echo" yaml:"echo"`
	LogLevel     string `koanf:"log_level" yaml:"log_level"`
	ReadyTimeout string `koanf:"ready_timeout" yaml:"ready_timeout"`
}

// ReconnectConfig controls transport redial after a drop. Disabled by default.
type ReconnectConfig struct {
	Enabled         bool   `koanf:"enabled" yaml:"enabled"`
	InitialInterval string `koanf:"initial_interval" yaml:"initial_interval"`
	MaxInterval     string `koanf:"max_interval" yaml:"max_interval"`
	MaxElapsedTime  string `koanf:"max_elapsed_time" yaml:"max_elapsed_time"`
}

type HistoryConfig struct {
	PageSize int `koanf:"page_size" yaml:"page_size"`
	Limit    int `koanf:"limit" yaml:"limit"`
}

type StoreConfig struct {
	DataPath     string `koanf:"data_path" yaml:"data_path"`
	LockTimeout  string `koanf:"lock_timeout" yaml:"lock_timeout"`
	LockRetry    string `koanf:"lock_retry" yaml:"lock_retry"`
	LockMaxRetry int    `koanf:"lock_max_retry" yaml:"lock_max_retry"`
}

const (
	DefaultServerLogLevel           = "info"
	DefaultServerMetricsAddr        = ""
	DefaultAgentWebSocketURL        = "wss://cloud.uipath.com/autopilotforeveryone_/conversational-agent/ws"
	DefaultAgentBaseURL             = "https://cloud.uipath.com/autopilotforeveryone_/conversational-agent/api"
	DefaultAgentRequestTimeout      = "30s"
	DefaultAgentHandshakeTimeout    = "15s"
	DefaultAgentReadLimit           = int64(4 << 20)
	DefaultSessionEcho              = true
	DefaultSessionLogLevel          = "info"
	DefaultSessionReadyTimeout      = "20s"
	DefaultReconnectEnabled         = false
	DefaultReconnectInitialInterval = "500ms"
	DefaultReconnectMaxInterval     = "30s"
	DefaultReconnectMaxElapsedTime  = "5m"
	DefaultHistoryPageSize          = 20
	DefaultHistoryLimit             = 100
	DefaultStoreLockTimeout         = "5s"
	DefaultStoreLockRetry           = "100ms"
	DefaultStoreLockMaxRetry        = 50
	DefaultTokenEnv                 = "UIPATH_ACCESS_TOKEN"
	envPrefix                       = "CONVSTREAM_"
	defaultConfigFile               = "config.yaml"
	defaultDataDir                  = "data"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.log_level":           DefaultServerLogLevel,
		"server.metrics_addr":        DefaultServerMetricsAddr,
		"agent.ws_url":               DefaultAgentWebSocketURL,
		"agent.base_url":             DefaultAgentBaseURL,
		"agent.request_timeout":      DefaultAgentRequestTimeout,
		"agent.handshake_timeout":    DefaultAgentHandshakeTimeout,
		"agent.read_limit":           DefaultAgentReadLimit,
		"session.echo":               DefaultSessionEcho,
		"session.log_level":          DefaultSessionLogLevel,
		"session.ready_timeout":      DefaultSessionReadyTimeout,
		"reconnect.enabled":          DefaultReconnectEnabled,
		"reconnect.initial_interval": DefaultReconnectInitialInterval,
		"reconnect.max_interval":     DefaultReconnectMaxInterval,
		"reconnect.max_elapsed_time": DefaultReconnectMaxElapsedTime,
		"history.page_size":          DefaultHistoryPageSize,
		"history.limit":              DefaultHistoryLimit,
		"store.data_path":            "",
		"store.lock_timeout":         DefaultStoreLockTimeout,
		"store.lock_retry":           DefaultStoreLockRetry,
		"store.lock_max_retry":       DefaultStoreLockMaxRetry,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else if globalPath, err := DefaultConfigPath(); err == nil {
		if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
			slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
		}
	}

	// Environment Variables: CONVSTREAM_AGENT_WS_URL -> agent.ws_url
	k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", 1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if cfg.Agent.Token == "" {
		cfg.Agent.Token = os.Getenv(DefaultTokenEnv)
	}

	if cfg.History.PageSize <= 0 {
		cfg.History.PageSize = DefaultHistoryPageSize
	}

	dataPath, err := pathutil.Expand(cfg.Store.DataPath)
	if err != nil {
		return nil, err
	}
	if dataPath == "" {
		stateDir, err := pathutil.StateDir()
		if err != nil {
			return nil, err
		}
		dataPath = filepath.Join(stateDir, defaultDataDir)
	}
	cfg.Store.DataPath = dataPath

	return &cfg, nil
}

// DefaultConfigPath returns config.yaml inside the state directory,
// ~/.convstream unless CONVSTREAM_HOME is set.
func DefaultConfigPath() (string, error) {
	stateDir, err := pathutil.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(stateDir, defaultConfigFile), nil
}
