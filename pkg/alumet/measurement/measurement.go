// Package measurement defines the value types a Source produces and an
// Output consumes: Resource, Consumer, MeasurementPoint, and the
// append-only MeasurementAccumulator a Source fills during one poll.
//
// The element, pipeline and relay packages and the cgroupcpu, csv and
// jsonlines plugins depend on this package;
// this package depends only on pkg/alumet/metric, for the Id type carried
// by every point.
package measurement

import (
	"strconv"
	"time"

	"github.com/alumet-go/alumet/pkg/alumet/metric"
)

// ResourceKind tags the variant held by a Resource value.
type ResourceKind int

const (
	LocalMachineResource ResourceKind = iota
	CpuPackageResource
	CpuCoreResource
)

// Resource describes what is being measured.
type Resource struct {
	Kind  ResourceKind
	Index uint32 // meaningful for CpuPackageResource / CpuCoreResource
}

func LocalMachine() Resource { return Resource{Kind: LocalMachineResource} }
func CpuPackage(index uint32) Resource {
	return Resource{Kind: CpuPackageResource, Index: index}
}
func CpuCore(index uint32) Resource {
	return Resource{Kind: CpuCoreResource, Index: index}
}

// ConsumerKind tags the variant held by a Consumer value.
type ConsumerKind int

const (
	LocalMachineConsumer ConsumerKind = iota
	ProcessConsumer
	ControlGroupConsumer
)

// Consumer describes who consumes a Resource.
type Consumer struct {
	Kind ConsumerKind
	Pid  uint32 // meaningful for ProcessConsumer
	Path string // meaningful for ControlGroupConsumer
}

func LocalMachineUser() Consumer { return Consumer{Kind: LocalMachineConsumer} }
func Process(pid uint32) Consumer {
	return Consumer{Kind: ProcessConsumer, Pid: pid}
}
func ControlGroup(path string) Consumer {
	return Consumer{Kind: ControlGroupConsumer, Path: path}
}

// AttributeValue is a tagged union of the scalar types an attribute may
// hold: string, int64, float64, or bool.
type AttributeValue struct {
	str  string
	i    int64
	f    float64
	b    bool
	kind attrKind
}

type attrKind int

const (
	attrString attrKind = iota
	attrInt
	attrFloat
	attrBool
)

func StringAttr(v string) AttributeValue { return AttributeValue{str: v, kind: attrString} }
func IntAttr(v int64) AttributeValue     { return AttributeValue{i: v, kind: attrInt} }
func FloatAttr(v float64) AttributeValue { return AttributeValue{f: v, kind: attrFloat} }
func BoolAttr(v bool) AttributeValue     { return AttributeValue{b: v, kind: attrBool} }

// String returns the value as a string, regardless of the underlying kind,
// for logging and CSV-style output.
func (a AttributeValue) String() string {
	switch a.kind {
	case attrString:
		return a.str
	case attrInt:
		return strconv.FormatInt(a.i, 10)
	case attrFloat:
		return strconv.FormatFloat(a.f, 'g', -1, 64)
	case attrBool:
		if a.b {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// MeasurementPoint is a single observation: timestamp + metric + resource +
// consumer + value + attributes.
type MeasurementPoint struct {
	Timestamp  time.Time
	Metric     metric.Id
	Resource   Resource
	Consumer   Consumer
	Value      any // uint64 or float64, matching the metric's declared ValueType
	Attributes map[string]AttributeValue
}

// NewPointU64 builds a point carrying a uint64 value, from a TypedId[uint64]
// — the type parameter statically guarantees the value shape matches the
// metric's declared value type.
func NewPointU64(ts time.Time, m metric.TypedId[uint64], res Resource, cons Consumer, value uint64) MeasurementPoint {
	return MeasurementPoint{
		Timestamp: ts,
		Metric:    m.Untyped(),
		Resource:  res,
		Consumer:  cons,
		Value:     value,
	}
}

// NewPointF64 is the float64 counterpart of NewPointU64.
func NewPointF64(ts time.Time, m metric.TypedId[float64], res Resource, cons Consumer, value float64) MeasurementPoint {
	return MeasurementPoint{
		Timestamp: ts,
		Metric:    m.Untyped(),
		Resource:  res,
		Consumer:  cons,
		Value:     value,
	}
}

// WithAttr returns p with key/value added to its attribute map, creating
// the map on first use. It mutates the map in place but returns p for
// chaining, matching the builder style used throughout the corpus.
func (p MeasurementPoint) WithAttr(key string, value AttributeValue) MeasurementPoint {
	if p.Attributes == nil {
		p.Attributes = make(map[string]AttributeValue, 1)
	}
	p.Attributes[key] = value
	return p
}

// Accumulator is an append-only batch buffer scoped to a single poll
// invocation. A Source's poll method receives a fresh Accumulator and
// appends every point it produces to it, in the order they should be
// observed downstream — the runtime preserves this order end to end,
// FIFO within one source's stream.
type Accumulator struct {
	points []MeasurementPoint
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Push appends p to the batch.
func (a *Accumulator) Push(p MeasurementPoint) {
	a.points = append(a.points, p)
}

// Len returns the number of points accumulated so far.
func (a *Accumulator) Len() int { return len(a.points) }

// Points returns the accumulated points. The slice is owned by the caller
// of Points from this point on; the Accumulator is not reused across polls.
func (a *Accumulator) Points() []MeasurementPoint {
	return a.points
}

// Filter returns the subset of points whose Resource.Kind and
// Consumer.Kind match resKind/consKind. Pass a negative kind (e.g. -1) to
// skip filtering on that dimension. It is a plain helper value rather than
// a pipeline feature, so it cannot be used to reorder or fan out points
// across batches.
func Filter(points []MeasurementPoint, resKind ResourceKind, consKind ConsumerKind) []MeasurementPoint {
	out := make([]MeasurementPoint, 0, len(points))
	for _, p := range points {
		if int(resKind) >= 0 && p.Resource.Kind != resKind {
			continue
		}
		if int(consKind) >= 0 && p.Consumer.Kind != consKind {
			continue
		}
		out = append(out, p)
	}
	return out
}
