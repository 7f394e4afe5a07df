// Package pipeline implements the restricted façade plugins use during
// initialization (StartContext) and the runtime that schedules polling,
// fans measurements through transforms, and dispatches to outputs once
// initialization freezes.
//
// One type owns every pipeline stage and the goroutines wiring them
// together, with a Start/Stop lifecycle.
package pipeline

import (
	"github.com/alumet-go/alumet/pkg/alumet/element"
	"github.com/alumet-go/alumet/pkg/alumet/metric"
	"github.com/alumet-go/alumet/pkg/alumet/units"
)

// StartContext is the only surface a plugin's init function sees. It
// exposes metric creation and element registration, and nothing else of
// MetricRegistry or element.Registry — this protects both registries'
// invariants from misuse.
type StartContext struct {
	metrics    *metric.Registry
	elements   *element.Registry
	pluginName string
	config     map[string]any
}

// NewStartContext builds the façade a single plugin's init function
// receives. agent.Agent.Start constructs one per plugin, scoped to that
// plugin's name and config subtree.
func NewStartContext(metrics *metric.Registry, elements *element.Registry, pluginName string, config map[string]any) *StartContext {
	return &StartContext{
		metrics:    metrics,
		elements:   elements,
		pluginName: pluginName,
		config:     config,
	}
}

// CreateMetric registers a new metric and returns a TypedId[T] bound to
// it. It is a package-level generic function rather than a generic method
// because Go methods cannot introduce their own type parameters.
func CreateMetric[T uint64 | float64](s *StartContext, name string, unit units.PrefixedUnit, description string) (metric.TypedId[T], error) {
	var zero T
	var vt metric.ValueType
	switch any(zero).(type) {
	case uint64:
		vt = metric.U64
	case float64:
		vt = metric.F64
	}
	return metric.CreateTyped[T](s.metrics, name, vt, unit, description)
}

// AddSource registers a Source under the given element name, tagging it
// with this StartContext's plugin name automatically.
func (s *StartContext) AddSource(name string, src element.Source) {
	s.elements.AddSource(name, s.pluginName, src)
}

// AddTransform registers a Transform, tagged with this plugin's name.
func (s *StartContext) AddTransform(name string, t element.Transform) {
	s.elements.AddTransform(name, s.pluginName, t)
}

// AddOutput registers an Output, tagged with this plugin's name.
func (s *StartContext) AddOutput(name string, out element.Output) {
	s.elements.AddOutput(name, s.pluginName, out)
}

// PluginConfig returns a read-only view of this plugin's config subtree
// (plugins.<name>.* in the on-disk config), as provided by the external
// config loader. Plugins that want typed config call
// pkg/alumet/config.Decode on the returned map.
func (s *StartContext) PluginConfig() map[string]any {
	return s.config
}

// PluginName returns the name this StartContext was scoped to.
func (s *StartContext) PluginName() string {
	return s.pluginName
}

// MetricName resolves id to its registered name, for Outputs that want a
// human-readable label rather than a bare Id (e.g. plugins/csv). Safe to
// call from Output.Write because registry lookups take the registry's read
// lock, even while the relay server is still creating metrics.
func (s *StartContext) MetricName(id metric.Id) string {
	d, ok := s.metrics.ById(id)
	if !ok {
		return "unknown"
	}
	return d.Name
}

// ResolveMetricName is MetricName with an explicit found/not-found result,
// the shape relay.NewClient needs to tell "unknown metric" apart from a
// metric that legitimately resolves to the empty string.
func (s *StartContext) ResolveMetricName(id metric.Id) (string, bool) {
	d, ok := s.metrics.ById(id)
	return d.Name, ok
}

// Metrics returns the underlying registry itself, rather than a narrow
// accessor. This is a deliberate escape hatch for the one component that
// legitimately needs to keep creating metrics after the pipeline leaves
// the Building state: the relay server, which learns its metric catalog
// from client wire traffic rather than from local plugin init (see
// pkg/alumet/relay.Server.resolveMetric). Every other caller should prefer
// CreateMetric/MetricName/ResolveMetricName instead.
func (s *StartContext) Metrics() *metric.Registry {
	return s.metrics
}
