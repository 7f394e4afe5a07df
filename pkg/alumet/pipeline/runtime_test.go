package pipeline_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alumet-go/alumet/pkg/alumet/element"
	"github.com/alumet-go/alumet/pkg/alumet/measurement"
	"github.com/alumet-go/alumet/pkg/alumet/metric"
	"github.com/alumet-go/alumet/pkg/alumet/pipeline"
	"github.com/alumet-go/alumet/pkg/alumet/units"
)

// ─────────────────────────────────────────────────────────────────────────────
// Stub elements
// ─────────────────────────────────────────────────────────────────────────────

// countingSource pushes one point per tick carrying a monotonically
// increasing value, so tests can check FIFO order across ticks. It can be
// configured to return a Fatal or Transient PollError on a given tick, or to
// produce an empty batch.
type countingSource struct {
	mu       sync.Mutex
	tid      metric.TypedId[uint64]
	n        uint64
	polls    int
	failOn   int // tick number (1-based) to fail on, 0 = never
	severity element.Severity
	empty    bool
}

func (s *countingSource) Poll(acc *measurement.Accumulator, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if s.failOn != 0 && s.polls == s.failOn {
		return &element.PollError{Severity: s.severity, Cause: assertErr}
	}
	if s.empty {
		return nil
	}
	acc.Push(measurement.NewPointU64(ts, s.tid, measurement.LocalMachine(), measurement.LocalMachineUser(), s.n))
	s.n++
	return nil
}

func (s *countingSource) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

var assertErr = &stubError{"stub failure"}

type stubError struct{ msg string }

func (e *stubError) Error() string { return e.msg }

// recordingOutput appends every batch it receives, in arrival order, so
// tests can assert FIFO delivery. block, if set, makes Write hang until
// release is closed, to exercise a full channel.
type recordingOutput struct {
	mu      sync.Mutex
	batches [][]measurement.MeasurementPoint
	block   <-chan struct{}
}

func (o *recordingOutput) Write(batch []measurement.MeasurementPoint) error {
	if o.block != nil {
		<-o.block
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := make([]measurement.MeasurementPoint, len(batch))
	copy(cp, batch)
	o.batches = append(o.batches, cp)
	return nil
}

func (o *recordingOutput) snapshot() [][]measurement.MeasurementPoint {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := make([][]measurement.MeasurementPoint, len(o.batches))
	copy(cp, o.batches)
	return cp
}

func (o *recordingOutput) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.batches)
}

// newMetricsRegistry returns a fresh registry plus its one typed metric,
// and resets the process-wide published registry so that this test's call
// to Runtime.Start (which publishes once per process) doesn't collide with
// the registry a previous test in this binary already published.
func newMetricsRegistry(t *testing.T) (*metric.Registry, metric.TypedId[uint64]) {
	t.Helper()
	metric.ResetForTest()
	t.Cleanup(metric.ResetForTest)
	r := metric.NewRegistry()
	tid, err := metric.CreateTyped[uint64](r, "counter", metric.U64, units.Plain(units.Unity), "")
	require.NoError(t, err)
	return r, tid
}

// ─────────────────────────────────────────────────────────────────────────────
// FIFO ordering + zero-batch skip
// ─────────────────────────────────────────────────────────────────────────────

func TestRuntime_FIFOOrderAcrossTicks(t *testing.T) {
	metrics, tid := newMetricsRegistry(t)
	elements := element.NewRegistry()

	src := &countingSource{tid: tid}
	out := &recordingOutput{}
	elements.AddSource("src", "test", src)
	elements.AddOutput("out", "test", out)

	rt := pipeline.NewRuntime(metrics, elements, pipeline.Config{DefaultPollInterval: 30 * time.Millisecond}, nil)
	require.NoError(t, rt.Start(context.Background()))

	waitUntil(t, func() bool { return out.count() >= 4 }, time.Second)
	rt.Stop()

	var values []uint64
	for _, b := range out.snapshot() {
		for _, p := range b {
			values = append(values, p.Value.(uint64))
		}
	}
	for i := 1; i < len(values); i++ {
		assert.Greater(t, values[i], values[i-1], "values must arrive in increasing (FIFO) order")
	}
}

func TestRuntime_EmptyBatchSkipsDispatch(t *testing.T) {
	metrics, tid := newMetricsRegistry(t)
	elements := element.NewRegistry()

	src := &countingSource{tid: tid, empty: true}
	out := &recordingOutput{}
	elements.AddSource("src", "test", src)
	elements.AddOutput("out", "test", out)

	rt := pipeline.NewRuntime(metrics, elements, pipeline.Config{DefaultPollInterval: 20 * time.Millisecond}, nil)
	require.NoError(t, rt.Start(context.Background()))

	time.Sleep(150 * time.Millisecond)
	rt.Stop()

	assert.Greater(t, src.pollCount(), 2, "source should keep being polled")
	assert.Equal(t, 0, out.count(), "an empty batch must never reach an output")
}

// ─────────────────────────────────────────────────────────────────────────────
// Fatal vs Transient source errors
// ─────────────────────────────────────────────────────────────────────────────

func TestRuntime_FatalPollErrorDisablesSource(t *testing.T) {
	metrics, tid := newMetricsRegistry(t)
	elements := element.NewRegistry()

	src := &countingSource{tid: tid, failOn: 2, severity: element.Fatal}
	out := &recordingOutput{}
	elements.AddSource("src", "test", src)
	elements.AddOutput("out", "test", out)

	rt := pipeline.NewRuntime(metrics, elements, pipeline.Config{DefaultPollInterval: 15 * time.Millisecond}, nil)
	require.NoError(t, rt.Start(context.Background()))

	waitUntil(t, func() bool { return src.pollCount() >= 2 }, time.Second)
	stableCount := src.pollCount()
	time.Sleep(150 * time.Millisecond)
	rt.Stop()

	assert.Equal(t, stableCount, src.pollCount(), "a fatal poll error must permanently stop further polling")
}

func TestRuntime_TransientPollErrorKeepsPolling(t *testing.T) {
	metrics, tid := newMetricsRegistry(t)
	elements := element.NewRegistry()

	src := &countingSource{tid: tid, failOn: 2, severity: element.Transient}
	out := &recordingOutput{}
	elements.AddSource("src", "test", src)
	elements.AddOutput("out", "test", out)

	rt := pipeline.NewRuntime(metrics, elements, pipeline.Config{DefaultPollInterval: 15 * time.Millisecond}, nil)
	require.NoError(t, rt.Start(context.Background()))

	waitUntil(t, func() bool { return src.pollCount() >= 5 }, time.Second)
	rt.Stop()
}

// ─────────────────────────────────────────────────────────────────────────────
// Output backpressure
// ─────────────────────────────────────────────────────────────────────────────

func TestRuntime_SynchronousOutputBlocksNextTick(t *testing.T) {
	metrics, tid := newMetricsRegistry(t)
	elements := element.NewRegistry()

	release := make(chan struct{})
	src := &countingSource{tid: tid}
	out := &recordingOutput{block: release}
	elements.AddSource("src", "test", src)
	elements.AddOutput("out", "test", out) // BufferMaxLength defaults to 0: synchronous

	rt := pipeline.NewRuntime(metrics, elements, pipeline.Config{DefaultPollInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, rt.Start(context.Background()))

	// The first tick's dispatch is now blocked inside Write. Give the
	// source several interval periods worth of time; without the
	// synchronous-write guarantee it would have ticked many more times.
	time.Sleep(120 * time.Millisecond)
	pollsWhileBlocked := src.pollCount()
	assert.LessOrEqual(t, pollsWhileBlocked, 2, "a synchronous output must block the owning source's next tick")

	close(release)
	waitUntil(t, func() bool { return out.count() >= 1 }, time.Second)
	rt.Stop()
}

func TestRuntime_BufferedOutputBlocksSourceWhenFull(t *testing.T) {
	metrics, tid := newMetricsRegistry(t)
	elements := element.NewRegistry()

	release := make(chan struct{})
	src := &countingSource{tid: tid}
	out := &recordingOutput{block: release}
	elements.AddSource("src", "test", src)
	idx := elements.OutputCount()
	elements.AddOutput("out", "test", out)
	elements.SetOutputBufferMaxLength(idx, 1)

	rt := pipeline.NewRuntime(metrics, elements, pipeline.Config{DefaultPollInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, rt.Start(context.Background()))

	// The drain goroutine's first Write blocks on release, so the queue
	// (depth 1) fills after one more tick; every further tick's dispatch
	// then blocks trying to enqueue into the full channel, which blocks
	// the source's own goroutine in turn — no further polls happen until
	// release closes.
	time.Sleep(150 * time.Millisecond)
	pollsWhileBlocked := src.pollCount()
	assert.LessOrEqual(t, pollsWhileBlocked, 3, "a full buffered output must block its own source, not race ahead")

	close(release)
	waitUntil(t, func() bool { return out.count() >= pollsWhileBlocked }, time.Second)
	rt.Stop()

	// Blocking must preserve every batch the source produced while
	// stalled — none dropped — delivered in order.
	delivered := out.snapshot()
	require.GreaterOrEqual(t, len(delivered), pollsWhileBlocked)
	for i, batch := range delivered {
		require.Len(t, batch, 1)
		assert.Equal(t, uint64(i), batch[0].Value, "a blocking output must never drop or reorder batches")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Transform chain
// ─────────────────────────────────────────────────────────────────────────────

type doublingTransform struct{ calls atomic.Int32 }

func (d *doublingTransform) Apply(batch []measurement.MeasurementPoint) ([]measurement.MeasurementPoint, error) {
	d.calls.Add(1)
	out := make([]measurement.MeasurementPoint, len(batch))
	for i, p := range batch {
		out[i] = p.WithAttr("doubled", measurement.BoolAttr(true))
	}
	return out, nil
}

func TestRuntime_TransformAppliesBeforeOutput(t *testing.T) {
	metrics, tid := newMetricsRegistry(t)
	elements := element.NewRegistry()

	src := &countingSource{tid: tid}
	tr := &doublingTransform{}
	out := &recordingOutput{}
	elements.AddSource("src", "test", src)
	elements.AddTransform("double", "test", tr)
	elements.AddOutput("out", "test", out)

	rt := pipeline.NewRuntime(metrics, elements, pipeline.Config{DefaultPollInterval: 20 * time.Millisecond}, nil)
	require.NoError(t, rt.Start(context.Background()))

	waitUntil(t, func() bool { return out.count() >= 1 }, time.Second)
	rt.Stop()

	batches := out.snapshot()
	require.NotEmpty(t, batches)
	assert.Equal(t, measurement.BoolAttr(true).String(), batches[0][0].Attributes["doubled"].String())
	assert.Greater(t, tr.calls.Load(), int32(0))
}

// ─────────────────────────────────────────────────────────────────────────────
// test helpers
// ─────────────────────────────────────────────────────────────────────────────

func waitUntil(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-ticker.C:
		case <-deadline:
			t.Fatalf("condition not met within %s", timeout)
		}
	}
}
