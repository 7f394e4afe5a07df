// Package csv implements the csv plugin's Output: it appends every batch
// it receives to a single CSV file, one row per MeasurementPoint.
//
// The output is a mutex-guarded writer wrapping an afero.Fs rather than a
// plain io.Writer, so the plugin is testable without touching disk.
package csv

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/spf13/afero"

	"github.com/alumet-go/alumet/internal/discardlog"
	"github.com/alumet-go/alumet/pkg/alumet/element"
	"github.com/alumet-go/alumet/pkg/alumet/measurement"
	"github.com/alumet-go/alumet/pkg/alumet/metric"
	"github.com/alumet-go/alumet/pkg/alumet/pipeline"
)

// header is the fixed column layout written once, on first write.
var header = []string{"timestamp_unix_nano", "metric", "resource_kind", "resource_index", "consumer_kind", "consumer_pid", "consumer_path", "value"}

// fileOpenFlags opens the output file for appending, creating it if absent.
const fileOpenFlags = os.O_CREATE | os.O_WRONLY | os.O_APPEND

// Config is the plugins.csv.* subtree, filled in by decodeConfig.
type Config struct {
	OutputPath string `yaml:"output_path"`
	ForceFlush bool   `yaml:"force_flush"`
}

func (c *Config) withDefaults() {
	if c.OutputPath == "" {
		c.OutputPath = "alumet-output.csv"
	}
}

// Plugin adapts Output into an agent.Plugin: its Init opens (or creates)
// the configured CSV file and registers Output as the pipeline's csv
// output.
type Plugin struct {
	fs     afero.Fs
	logger *slog.Logger
}

// New returns a Plugin backed by the real filesystem. Pass an
// afero.NewMemMapFs() instead in tests.
func New(logger *slog.Logger) *Plugin {
	return &Plugin{fs: afero.NewOsFs(), logger: logger}
}

// NewWithFs is the test-facing constructor, taking an explicit afero.Fs.
func NewWithFs(fs afero.Fs, logger *slog.Logger) *Plugin {
	return &Plugin{fs: fs, logger: logger}
}

func (p *Plugin) Name() string { return "csv" }

func (p *Plugin) Init(start *pipeline.StartContext) error {
	var cfg Config
	if err := decodeConfig(start.PluginConfig(), &cfg); err != nil {
		return fmt.Errorf("csv: decode config: %w", err)
	}
	cfg.withDefaults()

	out, err := NewOutput(p.fs, cfg, registryMetricNamer(start), p.logger)
	if err != nil {
		return fmt.Errorf("csv: open %s: %w", cfg.OutputPath, err)
	}
	start.AddOutput("csv", out)
	return nil
}

// decodeConfig copies the output_path and force_flush keys from the raw
// plugin config map into out, ignoring keys of any other type. It does
// not use pkg/alumet/config.Decode.
func decodeConfig(raw map[string]any, out *Config) error {
	if v, ok := raw["output_path"].(string); ok {
		out.OutputPath = v
	}
	if v, ok := raw["force_flush"].(bool); ok {
		out.ForceFlush = v
	}
	return nil
}

// registryMetricNamer returns a closure resolving a metric.Id to its
// registered name, used to render a human-readable metric column instead
// of a bare integer.
func registryMetricNamer(start *pipeline.StartContext) func(metric.Id) string {
	return start.MetricName
}

// Output writes one CSV row per MeasurementPoint to a single file, opened
// once and kept open for the lifetime of the plugin.
type Output struct {
	mu         sync.Mutex
	file       afero.File
	w          *csv.Writer
	metricName func(metric.Id) string
	forceFlush bool
	logger     *slog.Logger
	wroteHdr   bool
}

// NewOutput opens (creating if absent, appending if present) cfg.OutputPath
// on fs and returns a ready-to-use Output.
func NewOutput(fs afero.Fs, cfg Config, metricName func(metric.Id) string, logger *slog.Logger) (*Output, error) {
	if logger == nil {
		logger = discardlog.New()
	}
	f, err := fs.OpenFile(cfg.OutputPath, fileOpenFlags, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Output{
		file:       f,
		w:          csv.NewWriter(f),
		metricName: metricName,
		forceFlush: cfg.ForceFlush,
		logger:     logger,
		wroteHdr:   info.Size() > 0,
	}, nil
}

func (o *Output) Write(batch []measurement.MeasurementPoint) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.wroteHdr {
		if err := o.w.Write(header); err != nil {
			return &element.WriteError{Severity: element.Fatal, Cause: fmt.Errorf("csv: write header: %w", err)}
		}
		o.wroteHdr = true
	}

	for _, p := range batch {
		row := []string{
			strconv.FormatInt(p.Timestamp.UnixNano(), 10),
			o.metricName(p.Metric),
			strconv.Itoa(int(p.Resource.Kind)),
			strconv.FormatUint(uint64(p.Resource.Index), 10),
			strconv.Itoa(int(p.Consumer.Kind)),
			strconv.FormatUint(uint64(p.Consumer.Pid), 10),
			p.Consumer.Path,
			valueString(p.Value),
		}
		if err := o.w.Write(row); err != nil {
			o.logger.Error("csv: write row failed", "error", err.Error())
			return &element.WriteError{Severity: element.Transient, Cause: err}
		}
	}

	o.w.Flush()
	if err := o.w.Error(); err != nil {
		return &element.WriteError{Severity: element.Transient, Cause: err}
	}
	if o.forceFlush {
		if err := o.file.Sync(); err != nil {
			o.logger.Warn("csv: fsync failed", "error", err.Error())
		}
	}
	return nil
}

// Close flushes and closes the underlying file.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.w.Flush()
	return o.file.Close()
}

func valueString(v any) string {
	switch x := v.(type) {
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}
