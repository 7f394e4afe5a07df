package measurement_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alumet-go/alumet/pkg/alumet/measurement"
	"github.com/alumet-go/alumet/pkg/alumet/metric"
	"github.com/alumet-go/alumet/pkg/alumet/units"
)

func TestAccumulator_PreservesPushOrder(t *testing.T) {
	r := metric.NewRegistry()
	tid, err := metric.CreateTyped[uint64](r, "m", metric.U64, units.Plain(units.Unity), "")
	require.NoError(t, err)

	acc := measurement.NewAccumulator()
	ts := time.Now()
	for i := uint64(0); i < 5; i++ {
		acc.Push(measurement.NewPointU64(ts, tid, measurement.LocalMachine(), measurement.LocalMachineUser(), i))
	}

	require.Equal(t, 5, acc.Len())
	pts := acc.Points()
	for i, p := range pts {
		assert.Equal(t, uint64(i), p.Value)
	}
}

func TestWithAttr_AllocatesMapPerCallWhenNil(t *testing.T) {
	r := metric.NewRegistry()
	tid, err := metric.CreateTyped[uint64](r, "m", metric.U64, units.Plain(units.Unity), "")
	require.NoError(t, err)

	base := measurement.NewPointU64(time.Now(), tid, measurement.LocalMachine(), measurement.LocalMachineUser(), 1)
	a := base.WithAttr("k", measurement.StringAttr("a"))
	b := base.WithAttr("k", measurement.StringAttr("b"))

	assert.Equal(t, "b", b.Attributes["k"].String())
	// a and b share no state with the zero-value base point, but each
	// WithAttr call allocates its own map on first use, so a's value is
	// unaffected by b's call.
	assert.Equal(t, "a", a.Attributes["k"].String())
}

func TestAttributeValue_StringRendersEveryKind(t *testing.T) {
	assert.Equal(t, "hello", measurement.StringAttr("hello").String())
	assert.Equal(t, "-7", measurement.IntAttr(-7).String())
	assert.Equal(t, "3.5", measurement.FloatAttr(3.5).String())
	assert.Equal(t, "true", measurement.BoolAttr(true).String())
	assert.Equal(t, "false", measurement.BoolAttr(false).String())
}

func TestFilter_SelectsByResourceAndConsumerKind(t *testing.T) {
	pts := []measurement.MeasurementPoint{
		{Resource: measurement.LocalMachine(), Consumer: measurement.LocalMachineUser()},
		{Resource: measurement.CpuCore(1), Consumer: measurement.Process(42)},
		{Resource: measurement.CpuCore(2), Consumer: measurement.ControlGroup("/sys/fs/cgroup/x")},
	}

	cpuOnly := measurement.Filter(pts, measurement.CpuCoreResource, -1)
	assert.Len(t, cpuOnly, 2)

	processOnly := measurement.Filter(pts, -1, measurement.ProcessConsumer)
	require.Len(t, processOnly, 1)
	assert.Equal(t, uint32(42), processOnly[0].Consumer.Pid)
}
