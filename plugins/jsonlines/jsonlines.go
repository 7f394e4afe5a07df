// Package jsonlines implements an alternative to plugins/csv: one JSON
// object per MeasurementPoint, newline-delimited, optionally rotated once
// the active file grows past a configured size.
//
// Encoding is plain encoding/json with optional indentation; the
// mutex-guarded writer and size-based rotation come from
// internal/rotatingfile. plugins/csv does not use it and does not rotate.
package jsonlines

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/afero"

	"github.com/alumet-go/alumet/internal/discardlog"
	"github.com/alumet-go/alumet/internal/rotatingfile"
	"github.com/alumet-go/alumet/pkg/alumet/element"
	"github.com/alumet-go/alumet/pkg/alumet/measurement"
	"github.com/alumet-go/alumet/pkg/alumet/metric"
	"github.com/alumet-go/alumet/pkg/alumet/pipeline"
)

// Config is the plugins.jsonlines.* subtree, filled in by decodeConfig.
type Config struct {
	OutputPath  string `yaml:"output_path"`
	PrettyPrint bool   `yaml:"pretty_print"`
	MaxBytes    int64  `yaml:"max_bytes"`
	MaxBackups  int    `yaml:"max_backups"`
}

func (c *Config) withDefaults() {
	if c.OutputPath == "" {
		c.OutputPath = "alumet-output.jsonl"
	}
}

// Plugin adapts Output into an agent.Plugin: its Init opens (or creates) the
// configured file and registers Output as the pipeline's jsonlines output.
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

func (p *Plugin) Name() string { return "jsonlines" }

func (p *Plugin) Init(start *pipeline.StartContext) error {
	var cfg Config
	decodeConfig(start.PluginConfig(), &cfg)
	cfg.withDefaults()

	out, err := NewOutput(p.fs, cfg, start.MetricName, p.logger)
	if err != nil {
		return fmt.Errorf("jsonlines: open %s: %w", cfg.OutputPath, err)
	}
	start.AddOutput("jsonlines", out)
	return nil
}

func decodeConfig(raw map[string]any, out *Config) {
	if v, ok := raw["output_path"].(string); ok {
		out.OutputPath = v
	}
	if v, ok := raw["pretty_print"].(bool); ok {
		out.PrettyPrint = v
	}
	switch v := raw["max_bytes"].(type) {
	case int:
		out.MaxBytes = int64(v)
	case int64:
		out.MaxBytes = v
	}
	switch v := raw["max_backups"].(type) {
	case int:
		out.MaxBackups = v
	case int64:
		out.MaxBackups = int(v)
	}
}

// record is the on-disk JSON schema for a single point: one object per
// line.
type record struct {
	TimestampUnixNano int64             `json:"timestamp_unix_nano"`
	Metric            string            `json:"metric"`
	ResourceKind      uint8             `json:"resource_kind"`
	ResourceIndex     uint32            `json:"resource_index"`
	ConsumerKind      uint8             `json:"consumer_kind"`
	ConsumerPid       uint32            `json:"consumer_pid,omitempty"`
	ConsumerPath      string            `json:"consumer_path,omitempty"`
	Value             any               `json:"value"`
	Attributes        map[string]string `json:"attributes,omitempty"`
}

// Output writes one newline-delimited JSON object per MeasurementPoint to a
// single file, rotating it once it grows past Config.MaxBytes.
type Output struct {
	mu          sync.Mutex
	file        *rotatingfile.File
	metricName  func(metric.Id) string
	prettyPrint bool
	logger      *slog.Logger
}

// NewOutput opens (creating if absent, appending if present) cfg.OutputPath
// on fs and returns a ready-to-use Output.
func NewOutput(fs afero.Fs, cfg Config, metricName func(metric.Id) string, logger *slog.Logger) (*Output, error) {
	if logger == nil {
		logger = discardlog.New()
	}
	f, err := rotatingfile.Open(fs, rotatingfile.Config{
		FilePath:   cfg.OutputPath,
		MaxBytes:   cfg.MaxBytes,
		MaxBackups: cfg.MaxBackups,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &Output{
		file:        f,
		metricName:  metricName,
		prettyPrint: cfg.PrettyPrint,
		logger:      logger,
	}, nil
}

func (o *Output) Write(batch []measurement.MeasurementPoint) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, p := range batch {
		rec := record{
			TimestampUnixNano: p.Timestamp.UnixNano(),
			Metric:            o.metricName(p.Metric),
			ResourceKind:      uint8(p.Resource.Kind),
			ResourceIndex:     p.Resource.Index,
			ConsumerKind:      uint8(p.Consumer.Kind),
			ConsumerPid:       p.Consumer.Pid,
			ConsumerPath:      p.Consumer.Path,
			Value:             p.Value,
			Attributes:        stringifyAttrs(p.Attributes),
		}

		var (
			data []byte
			err  error
		)
		if o.prettyPrint {
			data, err = json.MarshalIndent(rec, "", "  ")
		} else {
			data, err = json.Marshal(rec)
		}
		if err != nil {
			o.logger.Error("jsonlines: marshal failed", "metric", rec.Metric, "error", err.Error())
			return &element.WriteError{Severity: element.Fatal, Cause: fmt.Errorf("jsonlines: marshal: %w", err)}
		}

		if _, err := o.file.Write(append(data, '\n')); err != nil {
			o.logger.Error("jsonlines: write failed", "error", err.Error())
			return &element.WriteError{Severity: element.Transient, Cause: err}
		}
	}

	o.logger.Debug("jsonlines: wrote batch", "points", len(batch), "bytes", o.file.Size())
	return nil
}

// Close closes the underlying file.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.file.Close()
}

func stringifyAttrs(attrs map[string]measurement.AttributeValue) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v.String()
	}
	return out
}
