// Package element defines the three plugin-provided pipeline stages
// (Source, Transform, Output) and the ElementRegistry that collects them,
// in insertion order, during plugin initialization.
//
// Each role is a small interface rather than a class hierarchy; plugins
// satisfy it with their own concrete type.
package element

import (
	"time"

	"github.com/alumet-go/alumet/pkg/alumet/measurement"
)

// Source samples counters and appends the resulting points to acc. The
// runtime owns the Source's state and guarantees single-threaded access
// per Source instance; ts is acquired by the scheduler so that every point
// produced by one tick shares the same timestamp.
type Source interface {
	Poll(acc *measurement.Accumulator, ts time.Time) error
}

// Transform enriches or reshapes a batch in place. It may mutate points or
// drop them, but it may not fan points out across batches — Apply operates
// on exactly the batch it is given.
type Transform interface {
	Apply(batch []measurement.MeasurementPoint) ([]measurement.MeasurementPoint, error)
}

// Output persists or forwards a batch. Implementations may internally
// batch with a bounded queue (e.g. the relay client).
type Output interface {
	Write(batch []measurement.MeasurementPoint) error
}

// Severity tags whether an element error disables the element permanently
// (Fatal) or is logged and the element re-invoked next tick (Transient).
type Severity int

const (
	Transient Severity = iota
	Fatal
)

func (s Severity) String() string {
	if s == Fatal {
		return "fatal"
	}
	return "transient"
}

// PollError is returned by Source.Poll to classify a failure.
type PollError struct {
	Severity Severity
	Cause    error
}

func (e *PollError) Error() string {
	return "poll error (" + e.Severity.String() + "): " + e.Cause.Error()
}
func (e *PollError) Unwrap() error { return e.Cause }

// TransformError is returned by Transform.Apply to classify a failure.
type TransformError struct {
	Severity Severity
	Cause    error
}

func (e *TransformError) Error() string {
	return "transform error (" + e.Severity.String() + "): " + e.Cause.Error()
}
func (e *TransformError) Unwrap() error { return e.Cause }

// WriteError is returned by Output.Write to classify a failure.
type WriteError struct {
	Severity Severity
	Cause    error
}

func (e *WriteError) Error() string {
	return "write error (" + e.Severity.String() + "): " + e.Cause.Error()
}
func (e *WriteError) Unwrap() error { return e.Cause }

// ─────────────────────────────────────────────────────────────────────────────
// ElementRegistry
// ─────────────────────────────────────────────────────────────────────────────

// NamedSource pairs a Source with the name of the plugin that registered it.
type NamedSource struct {
	Source     Source
	Name       string // element name, for diagnostics
	PluginName string
	// PollInterval is set by the agent package from plugins.<name>.poll_interval;
	// zero means "use the runtime's
	// Config.DefaultPollInterval."
	PollInterval time.Duration
}

// NamedTransform pairs a Transform with the name of the plugin that
// registered it.
type NamedTransform struct {
	Transform  Transform
	Name       string
	PluginName string
}

// NamedOutput pairs an Output with the name of the plugin that registered
// it.
type NamedOutput struct {
	Output     Output
	Name       string
	PluginName string
	// BufferMaxLength is the bounded queue depth the runtime uses for this
	// output (0 = synchronous delivery). Read from plugins.<name>.buffer_max_length.
	BufferMaxLength int
}

// Registry collects, in insertion order, the Sources, Transforms, and
// Outputs contributed by every plugin during initialization. There is no
// removal; once the pipeline leaves the Building state the registry is
// immutable and safe for concurrent reads.
type Registry struct {
	sources    []NamedSource
	transforms []NamedTransform
	outputs    []NamedOutput
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddSource appends a source. pluginName is retained for diagnostics and
// scoped configuration.
func (r *Registry) AddSource(name, pluginName string, s Source) {
	r.sources = append(r.sources, NamedSource{Source: s, Name: name, PluginName: pluginName})
}

// AddTransform appends a transform.
func (r *Registry) AddTransform(name, pluginName string, t Transform) {
	r.transforms = append(r.transforms, NamedTransform{Transform: t, Name: name, PluginName: pluginName})
}

// AddOutput appends an output.
func (r *Registry) AddOutput(name, pluginName string, o Output) {
	r.outputs = append(r.outputs, NamedOutput{Output: o, Name: name, PluginName: pluginName})
}

// SourceCount returns the number of registered sources, across all plugins.
func (r *Registry) SourceCount() int { return len(r.sources) }

// TransformCount returns the number of registered transforms.
func (r *Registry) TransformCount() int { return len(r.transforms) }

// OutputCount returns the number of registered outputs.
func (r *Registry) OutputCount() int { return len(r.outputs) }

// Sources returns the registered sources, in insertion order.
func (r *Registry) Sources() []NamedSource { return r.sources }

// Transforms returns the registered transforms, in insertion order; this
// is the order the runtime chains them in.
func (r *Registry) Transforms() []NamedTransform { return r.transforms }

// Outputs returns the registered outputs, in insertion order.
func (r *Registry) Outputs() []NamedOutput { return r.outputs }

// SetSourcePollInterval updates the poll interval of the i-th registered
// source. Called by the agent package (applyPerSourceIntervals) once the
// plugin's configuration has been read.
func (r *Registry) SetSourcePollInterval(i int, interval time.Duration) {
	r.sources[i].PollInterval = interval
}

// SetOutputBufferMaxLength updates the queue depth of the i-th registered
// output.
func (r *Registry) SetOutputBufferMaxLength(i int, n int) {
	r.outputs[i].BufferMaxLength = n
}
