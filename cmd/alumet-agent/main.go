// Command alumet-agent runs the measurement-side agent: it loads the
// local plugin set (cgroup v2 CPU accounting, a local CSV or JSON-lines
// output, or a relay client), polls its sources, and either writes
// locally or forwards to a relay server.
//
// Usage:
//
//	alumet-agent [flags]
//
// Run with --help for the full flag reference.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/alumet-go/alumet/pkg/alumet/agent"
	"github.com/alumet-go/alumet/pkg/alumet/config"
	"github.com/alumet-go/alumet/pkg/alumet/pipeline"
	"github.com/alumet-go/alumet/pkg/alumet/selfmetrics"
	"github.com/alumet-go/alumet/plugins/cgroupcpu"
	csvplugin "github.com/alumet-go/alumet/plugins/csv"
	jsonlinesplugin "github.com/alumet-go/alumet/plugins/jsonlines"
	relayplugin "github.com/alumet-go/alumet/plugins/relay"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "alumet-agent: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "alumet-agent",
		Short:         "Run the alumet measurement agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("config", config.DefaultPath, "Path to the agent's configuration file")
	flags.StringSlice("config-override", nil, "key=value override applied after the config file, may repeat")
	flags.StringSlice("plugins", nil, "Comma-separated list of plugins to enable (default: all)")
	flags.Bool("regen-config", false, "Write a default configuration file to --config and exit")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("address", "127.0.0.1", "Self-observability HTTP bind address")
	flags.Int("port", 9090, "Self-observability HTTP bind port")
	flags.String("relay-server", "", "host:port of a relay server to forward measurements to; local output is used if empty")
	flags.String("local-output", "csv", "Local output format when --relay-server is empty: csv or jsonlines")

	_ = v.BindPFlags(flags)
	return cmd
}

func run(v *viper.Viper) error {
	logger := buildLogger(v.GetString("log-level"))

	if v.GetBool("regen-config") {
		return config.WriteDefault(v.GetString("config"))
	}

	plugins := []agent.Plugin{cgroupcpu.New(logger)}

	var relayClient *relayplugin.ClientPlugin
	if addr := v.GetString("relay-server"); addr != "" {
		relayClient = relayplugin.NewClientPlugin(addr, logger)
		plugins = append(plugins, relayClient)
	} else if v.GetString("local-output") == "jsonlines" {
		plugins = append(plugins, jsonlinesplugin.New(logger))
	} else {
		plugins = append(plugins, csvplugin.New(logger))
	}

	builder := agent.NewBuilder(plugins...).WithLogger(logger)
	a := builder.Build(agent.Config{
		ConfigPath:      v.GetString("config"),
		ConfigOverrides: v.GetStringSlice("config-override"),
		EnabledPlugins:  v.GetStringSlice("plugins"),
		Pipeline:        pipeline.Config{},
	})

	if err := a.LoadConfig(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	selfSrv := selfmetrics.NewServer(fmt.Sprintf("%s:%d", v.GetString("address"), v.GetInt("port")), a.SelfMetrics())
	selfSrv.Start()

	logger.Info("alumet-agent: running", "address", v.GetString("address"), "port", v.GetInt("port"))
	<-ctx.Done()
	logger.Info("alumet-agent: received shutdown signal")

	a.Stop()
	a.WaitForAll()
	if relayClient != nil {
		_ = relayClient.Close()
	}
	_ = selfSrv.Stop(context.Background())
	return nil
}

func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
