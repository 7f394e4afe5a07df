// Package agent wires a set of plugins, a config.Tree, and a
// pipeline.Runtime together and manages their lifecycle: a Config struct
// with defaults, a Builder/Agent split, a Start/Stop lifecycle, one
// goroutine tree owned by the runtime.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alumet-go/alumet/internal/discardlog"
	"github.com/alumet-go/alumet/pkg/alumet/config"
	"github.com/alumet-go/alumet/pkg/alumet/element"
	"github.com/alumet-go/alumet/pkg/alumet/metric"
	"github.com/alumet-go/alumet/pkg/alumet/pipeline"
	"github.com/alumet-go/alumet/pkg/alumet/selfmetrics"
)

// Plugin is implemented by every plugin contributed to an Agent. Init
// receives a restricted StartContext and should register the plugin's
// metrics and elements.
type Plugin interface {
	Name() string
	Init(start *pipeline.StartContext) error
}

// Config holds the settings needed to build an Agent: which plugins to
// load, where its config file lives, and pipeline-wide defaults.
type Config struct {
	// ConfigPath is the on-disk configuration file (the --config flag).
	ConfigPath string
	// ConfigOverrides is the CLI's --config-override key=value list.
	ConfigOverrides []string
	// EnabledPlugins restricts which of the plugins passed to NewBuilder are
	// actually initialized (the --plugins csv list). Empty means "all of
	// them".
	EnabledPlugins []string
	// Pipeline is forwarded to pipeline.NewRuntime.
	Pipeline pipeline.Config
}

// Builder accumulates plugins before constructing an Agent.
type Builder struct {
	plugins []Plugin
	logger  *slog.Logger
}

// NewBuilder starts a Builder with an initial plugin set.
func NewBuilder(plugins ...Plugin) *Builder {
	return &Builder{plugins: plugins}
}

// WithLogger sets the logger every Agent component will be constructed
// with; defaults to a discard logger if never called.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// Build returns an Agent ready to have its configuration loaded and
// started.
func (b *Builder) Build(cfg Config) *Agent {
	logger := b.logger
	if logger == nil {
		logger = discardlog.New()
	}
	return &Agent{
		cfg:     cfg,
		plugins: b.plugins,
		logger:  logger,
	}
}

// Agent owns the config tree, the metric and element registries built
// from plugin init, and the Runtime that executes them.
type Agent struct {
	cfg     Config
	plugins []Plugin
	logger  *slog.Logger

	configTree *config.Tree
	runtime    *pipeline.Runtime
}

// WriteDefaultConfig (re)generates the agent's configuration file, for
// the --regen-config CLI flag.
func (a *Agent) WriteDefaultConfig() error {
	return config.WriteDefault(a.cfg.ConfigPath)
}

// LoadConfig reads the agent's configuration file plus CLI overrides.
// Must be called before Start.
func (a *Agent) LoadConfig() error {
	tree, err := config.Load(a.cfg.ConfigPath, a.cfg.ConfigOverrides)
	if err != nil {
		return fmt.Errorf("agent: load config: %w", err)
	}
	a.configTree = tree
	return nil
}

// Start runs every enabled plugin's Init against a fresh StartContext,
// then freezes and starts the pipeline Runtime. It is the Building→Running
// transition for the whole agent.
func (a *Agent) Start(ctx context.Context) error {
	if a.configTree == nil {
		return fmt.Errorf("agent: Start called before LoadConfig")
	}

	metrics := metric.NewRegistry()
	elements := element.NewRegistry()

	enabled := enabledSet(a.cfg.EnabledPlugins)
	for _, p := range a.plugins {
		if enabled != nil && !enabled[p.Name()] {
			continue
		}
		start := pipeline.NewStartContext(metrics, elements, p.Name(), a.configTree.PluginConfig(p.Name()))
		if err := p.Init(start); err != nil {
			return fmt.Errorf("agent: plugin %q init: %w", p.Name(), err)
		}
		a.logger.Info("agent: plugin initialized", "plugin", p.Name())
	}

	applyPerSourceIntervals(elements, a.configTree)
	applyPerOutputBuffering(elements, a.configTree)

	pcfg := a.cfg.Pipeline
	pcfg.AllowNoOutputs = pcfg.AllowNoOutputs || a.configTree.AllowNoOutputs()
	a.runtime = pipeline.NewRuntime(metrics, elements, pcfg, a.logger)

	if err := a.runtime.Start(ctx); err != nil {
		return fmt.Errorf("agent: start pipeline: %w", err)
	}
	return nil
}

// Stop performs a graceful shutdown of the underlying Runtime.
func (a *Agent) Stop() {
	if a.runtime != nil {
		a.runtime.Stop()
	}
}

// SelfMetrics returns the running pipeline's self-observability
// instruments. Only valid after Start.
func (a *Agent) SelfMetrics() *selfmetrics.Metrics {
	if a.runtime == nil {
		return nil
	}
	return a.runtime.SelfMetrics()
}

// WaitForAll blocks until the Runtime reaches the Stopped state, polling
// at a short interval — callers normally call this from a signal handler
// goroutine after invoking Stop.
func (a *Agent) WaitForAll() {
	if a.runtime == nil {
		return
	}
	for a.runtime.State() != pipeline.Stopped {
		time.Sleep(20 * time.Millisecond)
	}
}

func enabledSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// applyPerSourceIntervals reads plugins.<plugin>.poll_interval for every
// registered source and applies it.
func applyPerSourceIntervals(elements *element.Registry, tree *config.Tree) {
	for i, ns := range elements.Sources() {
		raw := tree.PluginConfig(ns.PluginName)
		if v, ok := raw["poll_interval"]; ok {
			if d, err := parseDuration(v); err == nil {
				elements.SetSourcePollInterval(i, d)
			}
		}
	}
}

// applyPerOutputBuffering reads plugins.<plugin>.buffer_max_length for
// every registered output.
func applyPerOutputBuffering(elements *element.Registry, tree *config.Tree) {
	for i, no := range elements.Outputs() {
		raw := tree.PluginConfig(no.PluginName)
		if v, ok := raw["buffer_max_length"]; ok {
			if n, ok := toInt(v); ok {
				elements.SetOutputBufferMaxLength(i, n)
			}
		}
	}
}

func parseDuration(v any) (time.Duration, error) {
	switch x := v.(type) {
	case string:
		return time.ParseDuration(x)
	case time.Duration:
		return x, nil
	default:
		return 0, fmt.Errorf("agent: poll_interval has unsupported type %T", v)
	}
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
