// Command alumet-server runs the relay collector: it accepts connections
// from one or more alumet-agent relay clients and writes every point it
// receives to a local CSV file.
//
// Usage:
//
//	alumet-server [flags]
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
	csvplugin "github.com/alumet-go/alumet/plugins/csv"
	relayplugin "github.com/alumet-go/alumet/plugins/relay"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "alumet-server: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "alumet-server",
		Short:         "Run the alumet relay collector",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("config", config.DefaultPath, "Path to the server's configuration file")
	flags.StringSlice("config-override", nil, "key=value override applied after the config file, may repeat")
	flags.Bool("regen-config", false, "Write a default configuration file to --config and exit")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("address", "0.0.0.0", "Relay + self-observability bind address")
	flags.Int("port", 50051, "Relay listen port, for incoming alumet-agent connections")
	flags.Int("metrics-port", 9091, "Self-observability HTTP bind port")

	_ = v.BindPFlags(flags)
	return cmd
}

func run(v *viper.Viper) error {
	logger := buildLogger(v.GetString("log-level"))

	if v.GetBool("regen-config") {
		return config.WriteDefault(v.GetString("config"))
	}

	relayAddr := fmt.Sprintf("%s:%d", v.GetString("address"), v.GetInt("port"))
	relayServer := relayplugin.NewServerPlugin(relayAddr, logger)
	plugins := []agent.Plugin{relayServer, csvplugin.New(logger)}

	builder := agent.NewBuilder(plugins...).WithLogger(logger)
	a := builder.Build(agent.Config{
		ConfigPath:      v.GetString("config"),
		ConfigOverrides: v.GetStringSlice("config-override"),
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

	selfSrv := selfmetrics.NewServer(fmt.Sprintf("%s:%d", v.GetString("address"), v.GetInt("metrics-port")), a.SelfMetrics())
	selfSrv.Start()

	logger.Info("alumet-server: running", "relay", relayAddr)
	<-ctx.Done()
	logger.Info("alumet-server: received shutdown signal")

	a.Stop()
	a.WaitForAll()
	_ = relayServer.Close()
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
