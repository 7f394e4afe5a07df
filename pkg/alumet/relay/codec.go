package relay

import (
	"fmt"
	"time"

	"github.com/alumet-go/alumet/pkg/alumet/measurement"
	"github.com/alumet-go/alumet/pkg/alumet/metric"
)

// metricNamer resolves a metric.Id to the name it should travel under.
// The client only needs read access to its local registry for this, so it
// takes a narrow closure instead of the *metric.Registry itself — the same
// encapsulation StartContext already applies to plugins.
type metricNamer func(metric.Id) (string, bool)

// toWire converts a batch to its wire form. name resolves a metric.Id to
// the name under which it should travel — the client resolves this
// against its own local registry before sending, since the wire format
// carries metric names, not process-local ids.
func toWire(points []measurement.MeasurementPoint, name metricNamer) ([]WirePoint, error) {
	out := make([]WirePoint, 0, len(points))
	for _, p := range points {
		metricName, ok := name(p.Metric)
		if !ok {
			return nil, fmt.Errorf("relay: no descriptor for metric id %v", p.Metric)
		}

		wp := WirePoint{
			TimestampUnixNano: p.Timestamp.UnixNano(),
			MetricName:        metricName,
			ResourceKind:      uint8(p.Resource.Kind),
			ResourceIndex:     p.Resource.Index,
			ConsumerKind:      uint8(p.Consumer.Kind),
			ConsumerPid:       p.Consumer.Pid,
			ConsumerPath:      p.Consumer.Path,
		}
		switch v := p.Value.(type) {
		case uint64:
			wp.ValueU64 = v
		case float64:
			wp.IsFloat = true
			wp.ValueF64 = v
		default:
			return nil, fmt.Errorf("relay: unsupported value type %T for metric %q", p.Value, metricName)
		}
		if len(p.Attributes) > 0 {
			wp.Attributes = make(map[string]string, len(p.Attributes))
			for k, v := range p.Attributes {
				wp.Attributes[k] = v.String()
			}
		}
		out = append(out, wp)
	}
	return out, nil
}

// fromWire rebuilds a MeasurementPoint from a WirePoint, given the metric
// Id it was already resolved to by the server (Server.resolveMetric — the
// wire form only carries the name, the server owns assigning it a local
// Id).
func fromWire(wp WirePoint, id metric.Id) measurement.MeasurementPoint {
	p := measurement.MeasurementPoint{
		Timestamp: time.Unix(0, wp.TimestampUnixNano),
		Metric:    id,
		Resource: measurement.Resource{
			Kind:  measurement.ResourceKind(wp.ResourceKind),
			Index: wp.ResourceIndex,
		},
		Consumer: measurement.Consumer{
			Kind: measurement.ConsumerKind(wp.ConsumerKind),
			Pid:  wp.ConsumerPid,
			Path: wp.ConsumerPath,
		},
	}
	if wp.IsFloat {
		p.Value = wp.ValueF64
	} else {
		p.Value = wp.ValueU64
	}
	if len(wp.Attributes) > 0 {
		p.Attributes = make(map[string]measurement.AttributeValue, len(wp.Attributes))
		for k, v := range wp.Attributes {
			p.Attributes[k] = measurement.StringAttr(v)
		}
	}
	return p
}
