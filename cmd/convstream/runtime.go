package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/harunnryd/convstream/internal/config"
	"github.com/harunnryd/convstream/internal/connection"
	"github.com/harunnryd/convstream/internal/conversation"
	"github.com/harunnryd/convstream/internal/metrics"
	"github.com/harunnryd/convstream/internal/mockagent"
	"github.com/harunnryd/convstream/internal/rest"
	"github.com/harunnryd/convstream/internal/store"
	"github.com/harunnryd/convstream/internal/transport"
)

// components is everything a command needs to talk to the agent.
type components struct {
	cfg     *config.Config
	conn    *connection.Manager
	client  *conversation.Client
	rest    *rest.Client
	labels  *store.FileLabelCache
	metrics *http.Server

	stopAgent context.CancelFunc
}

type buildOptions struct {
	offline     bool
	metricsAddr string
}

func buildComponents(ctx context.Context, cfg *config.Config, opts buildOptions) (*components, error) {
	labels, err := openLabelCache(cfg)
	if err != nil {
		return nil, err
	}

	c := &components{cfg: cfg, labels: labels}

	var tr transport.Transport
	if opts.offline {
		pipe := transport.NewPipeTransport()
		agentCtx, cancel := context.WithCancel(ctx)
		c.stopAgent = cancel
		agent := mockagent.New(pipe, mockagent.Config{Delay: 15 * time.Millisecond, Citations: true})
		go func() {
			if err := agent.Run(agentCtx); err != nil {
				slog.Warn("Offline agent stopped", "error", err)
			}
		}()
		tr = pipe
	} else {
		tr, err = newWebSocketTransport(cfg.Agent)
		if err != nil {
			return nil, err
		}
		c.rest, err = newRESTClient(cfg.Agent)
		if err != nil {
			return nil, err
		}
	}

	policy, err := reconnectPolicy(cfg.Reconnect)
	if err != nil {
		return nil, err
	}
	c.conn = connection.NewManager(tr, connection.Options{Reconnect: policy})
	c.client = conversation.NewClient(c.conn, conversation.WithLabelCache(labels))

	if opts.metricsAddr != "" {
		c.metrics = metrics.Serve(opts.metricsAddr)
		slog.Info("Metrics endpoint listening", "addr", opts.metricsAddr)
	}
	return c, nil
}

func (c *components) Close(ctx context.Context) {
	if c.client != nil {
		if err := c.client.Close(ctx); err != nil {
			slog.Warn("Client close failed", "error", err)
		}
	}
	if c.stopAgent != nil {
		c.stopAgent()
	}
	if c.metrics != nil {
		_ = c.metrics.Shutdown(ctx)
	}
}

func newWebSocketTransport(agent config.AgentConfig) (*transport.WebSocket, error) {
	handshake, err := config.DurationOrDefault(agent.HandshakeTimeout, config.DefaultAgentHandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("agent.handshake_timeout: %w", err)
	}
	return transport.NewWebSocket(transport.WebSocketConfig{
		URL:              agent.WebSocketURL,
		Token:            agent.Token,
		Header:           agentHeaders(agent),
		HandshakeTimeout: handshake,
		ReadLimit:        agent.ReadLimit,
	}), nil
}

func agentHeaders(agent config.AgentConfig) http.Header {
	h := http.Header{}
	if agent.Tenant != "" {
		h.Set(rest.HeaderTenant, agent.Tenant)
	}
	if agent.FolderKey != "" {
		h.Set(rest.HeaderFolderKey, agent.FolderKey)
	}
	return h
}

func newRESTClient(agent config.AgentConfig) (*rest.Client, error) {
	timeout, err := config.DurationOrDefault(agent.RequestTimeout, config.DefaultAgentRequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("agent.request_timeout: %w", err)
	}
	return rest.NewClient(rest.Config{
		BaseURL:   agent.BaseURL,
		Token:     agent.Token,
		Tenant:    agent.Tenant,
		FolderKey: agent.FolderKey,
		Timeout:   timeout,
	})
}

// reconnectPolicy returns nil when redial is disabled.
func reconnectPolicy(rc config.ReconnectConfig) (connection.ReconnectPolicy, error) {
	if !rc.Enabled {
		return nil, nil
	}
	initial, err := config.DurationOrDefault(rc.InitialInterval, config.DefaultReconnectInitialInterval)
	if err != nil {
		return nil, fmt.Errorf("reconnect.initial_interval: %w", err)
	}
	maxInterval, err := config.DurationOrDefault(rc.MaxInterval, config.DefaultReconnectMaxInterval)
	if err != nil {
		return nil, fmt.Errorf("reconnect.max_interval: %w", err)
	}
	maxElapsed, err := config.DurationOrDefault(rc.MaxElapsedTime, config.DefaultReconnectMaxElapsedTime)
	if err != nil {
		return nil, fmt.Errorf("reconnect.max_elapsed_time: %w", err)
	}
	return connection.ExponentialPolicy(initial, maxInterval, maxElapsed), nil
}

func openLabelCache(cfg *config.Config) (*store.FileLabelCache, error) {
	path, err := store.GetLabelsPath(cfg.Store.DataPath)
	if err != nil {
		return nil, fmt.Errorf("resolve label cache path: %w", err)
	}
	return store.NewFileLabelCache(path, store.FileLockConfigFrom(cfg.Store))
}
