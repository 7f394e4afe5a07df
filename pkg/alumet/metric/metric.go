// Package metric is the authoritative mapping from metric name to a
// process-local metric identity, and from that identity to the metric's
// descriptor: a name-keyed registry guarded by a mutex, safe for
// concurrent reads after construction.
package metric

import (
	"fmt"
	"sync"

	"github.com/alumet-go/alumet/pkg/alumet/units"
)

// ValueType constrains the numeric payload of any MeasurementPoint tagged
// with a given metric.
type ValueType int

const (
	U64 ValueType = iota
	F64
)

func (t ValueType) String() string {
	switch t {
	case U64:
		return "u64"
	case F64:
		return "f64"
	default:
		return "unknown"
	}
}

// Id is an opaque, process-local metric identity. It is a dense small
// integer assigned by Registry.Create in insertion order; it is never
// reused or mutated once handed out.
type Id int

// TypedId narrows an Id to a specific numeric type T. Holding one is proof
// that pushing a T-valued measurement for this metric is type-safe; the
// push site (pkg/alumet/measurement) enforces this with the type system
// rather than at dispatch time.
type TypedId[T uint64 | float64] struct {
	id Id
}

// Untyped discards the type witness, returning the plain Id.
func (t TypedId[T]) Untyped() Id { return t.id }

// Descriptor fully describes a registered metric.
type Descriptor struct {
	Id          Id
	Name        string
	ValueType   ValueType
	Unit        units.PrefixedUnit
	Description string
}

// NameConflictError is returned by Registry.Create when name is already
// registered. The registry is left unchanged.
type NameConflictError struct {
	Name string
}

func (e *NameConflictError) Error() string {
	return fmt.Sprintf("metric: a metric named %q is already registered", e.Name)
}

// Registry assigns and resolves metric identities. The zero value is not
// usable; construct one with NewRegistry.
//
// Before publication (see Publish / Global) a Registry may be mutated by
// exactly one goroutine (the plugin-loading phase, serialized by the
// pipeline builder). After publication it is read-only and every method
// below is safe without external synchronization.
type Registry struct {
	mu     sync.RWMutex
	byId   map[Id]Descriptor
	byName map[string]Id
	nextId Id
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		byId:   make(map[Id]Descriptor),
		byName: make(map[string]Id),
	}
}

// Create registers a new metric and returns its freshly assigned Id.
// It fails with *NameConflictError if name is already registered; the
// registry is unchanged in that case.
func (r *Registry) Create(name string, valueType ValueType, unit units.PrefixedUnit, description string) (Id, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return 0, &NameConflictError{Name: name}
	}

	id := r.nextId
	r.nextId++

	r.byId[id] = Descriptor{
		Id:          id,
		Name:        name,
		ValueType:   valueType,
		Unit:        unit,
		Description: description,
	}
	r.byName[name] = id
	return id, nil
}

// CreateTyped registers a new metric and returns a TypedId[T] bound to it.
// T must agree with valueType (U64 ⇔ uint64, F64 ⇔ float64); callers
// normally reach this indirectly through pipeline.CreateMetric,
// which picks valueType from the Go type parameter so the two can never
// disagree.
func CreateTyped[T uint64 | float64](r *Registry, name string, valueType ValueType, unit units.PrefixedUnit, description string) (TypedId[T], error) {
	id, err := r.Create(name, valueType, unit, description)
	if err != nil {
		return TypedId[T]{}, err
	}
	return TypedId[T]{id: id}, nil
}

// ById returns the descriptor for id, if any.
func (r *Registry) ById(id Id) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byId[id]
	return d, ok
}

// ByName returns the descriptor registered under name, if any.
func (r *Registry) ByName(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return r.byId[id], true
}

// Len returns the number of registered metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byId)
}

// Iter returns a snapshot slice of every registered descriptor. Enumeration
// order is unspecified.
func (r *Registry) Iter() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.byId))
	for _, d := range r.byId {
		out = append(out, d)
	}
	return out
}
