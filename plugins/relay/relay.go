// Package relay adapts pkg/alumet/relay's Client and Server into
// agent.Plugin, so the relay can be wired into an Agent exactly like any
// other plugin.
package relay

import (
	"fmt"
	"log/slog"

	"github.com/alumet-go/alumet/pkg/alumet/pipeline"
	"github.com/alumet-go/alumet/pkg/alumet/relay"
)

// ClientPlugin registers a relay.Client as the pipeline's relay output,
// forwarding every batch to a relay.Server elsewhere.
type ClientPlugin struct {
	ServerAddr string
	logger     *slog.Logger

	client *relay.Client
}

func NewClientPlugin(serverAddr string, logger *slog.Logger) *ClientPlugin {
	return &ClientPlugin{ServerAddr: serverAddr, logger: logger}
}

func (p *ClientPlugin) Name() string { return "relay-client" }

func (p *ClientPlugin) Init(start *pipeline.StartContext) error {
	cfg := relay.ClientConfig{ServerAddr: p.ServerAddr}
	raw := start.PluginConfig()
	if v, ok := raw["buffer_max_length"]; ok {
		if n, ok := toInt(v); ok {
			cfg.BufferMaxLength = n
		}
	}
	if v, ok := raw["block_sender"].(bool); ok {
		cfg.BlockSender = v
	}
	if v, ok := raw["client_id"].(string); ok {
		cfg.ClientID = v
	}

	p.client = relay.NewClient(cfg, start.ResolveMetricName, p.logger)
	start.AddOutput("relay-client", p.client)
	return nil
}

// Close stops the client's background reconnector.
func (p *ClientPlugin) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// ServerPlugin registers a relay.Server as the pipeline's relay source,
// accepting connections from one or more relay clients.
type ServerPlugin struct {
	ListenAddr string
	logger     *slog.Logger

	server *relay.Server
}

func NewServerPlugin(listenAddr string, logger *slog.Logger) *ServerPlugin {
	return &ServerPlugin{ListenAddr: listenAddr, logger: logger}
}

func (p *ServerPlugin) Name() string { return "relay-server" }

func (p *ServerPlugin) Init(start *pipeline.StartContext) error {
	// Unlike the client, the server resolves metric names it has never
	// seen before by creating them on the fly (relay.Server.resolveMetric)
	// — it needs the registry itself rather than a narrow closure.
	srv, err := relay.NewServer(relay.ServerConfig{ListenAddr: p.ListenAddr}, start.Metrics(), p.logger)
	if err != nil {
		return fmt.Errorf("relay-server: %w", err)
	}
	p.server = srv
	start.AddSource("relay-server", srv)
	return nil
}

func (p *ServerPlugin) Close() error {
	if p.server == nil {
		return nil
	}
	return p.server.Close()
}

func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}
