package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alumet-go/alumet/internal/discardlog"
	"github.com/alumet-go/alumet/pkg/alumet/element"
	"github.com/alumet-go/alumet/pkg/alumet/measurement"
	"github.com/alumet-go/alumet/pkg/alumet/metric"
	"github.com/alumet-go/alumet/pkg/alumet/selfmetrics"
)

// State is a node in the Building → Running → Stopping → Stopped pipeline
// state machine.
type State int

const (
	Building State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Building:
		return "building"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config controls runtime-wide behavior not tied to any single element.
type Config struct {
	// DefaultPollInterval is used for any source whose configured
	// PollInterval is zero.
	DefaultPollInterval time.Duration
	// ShutdownGracePeriod bounds how long Stop waits for in-flight
	// batches to drain before giving up.
	ShutdownGracePeriod time.Duration
	// AllowNoOutputs, when false, makes Start refuse to run a pipeline with
	// zero registered outputs. The agent also sets it from the
	// allow_no_metrics config key.
	AllowNoOutputs bool
}

func (c *Config) withDefaults() {
	if c.DefaultPollInterval <= 0 {
		c.DefaultPollInterval = time.Second
	}
	if c.ShutdownGracePeriod <= 0 {
		c.ShutdownGracePeriod = 5 * time.Second
	}
}

// Runtime is the measurement runtime: once Start is called it schedules
// every registered Source on its own periodic tick, runs each resulting
// batch through the ordered Transform chain, and dispatches it to every
// Output, honoring each Output's backpressure policy.
type Runtime struct {
	cfg      Config
	metrics  *metric.Registry
	elements *element.Registry
	logger   *slog.Logger
	self     *selfmetrics.Metrics

	mu    sync.Mutex
	state State

	cancel context.CancelFunc
	runCtx context.Context // set once by Start; read-only afterward
	wg     sync.WaitGroup  // every source goroutine + every buffered output goroutine

	outputChans       []chan []measurement.MeasurementPoint
	outputDisabled    []atomic.Bool
	transformDisabled []atomic.Bool
	sourceDisabled    []atomic.Bool
}

// NewRuntime constructs a Runtime in the Building state. metrics and
// elements must have been fully populated by plugin init functions before
// Start is called; Start freezes and publishes metrics.
func NewRuntime(metrics *metric.Registry, elements *element.Registry, cfg Config, logger *slog.Logger) *Runtime {
	cfg.withDefaults()
	if logger == nil {
		logger = discardlog.New()
	}
	return &Runtime{
		cfg:      cfg,
		metrics:  metrics,
		elements: elements,
		logger:   logger,
		self:     selfmetrics.New(),
		state:    Building,
	}
}

// SelfMetrics returns the runtime's self-observability instruments, for
// wiring into a selfmetrics.Server.
func (r *Runtime) SelfMetrics() *selfmetrics.Metrics {
	return r.self
}

// State returns the current pipeline state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Start performs the Building→Running transition: it freezes and publishes
// the metric registry, allocates per-output backpressure channels, and
// spawns one goroutine per Source plus one per buffered Output.
//
// Start can only be called once. Calling it twice, or after Stop, returns
// an error.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != Building {
		r.mu.Unlock()
		return fmt.Errorf("pipeline: Start called in state %s, expected %s", r.state, Building)
	}
	r.state = Running
	r.mu.Unlock()

	if !r.cfg.AllowNoOutputs && r.elements.OutputCount() == 0 {
		return errors.New("pipeline: no outputs registered and allow_no_outputs=false")
	}

	if err := metric.Publish(r.metrics); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	outputs := r.elements.Outputs()
	r.outputChans = make([]chan []measurement.MeasurementPoint, len(outputs))
	r.outputDisabled = make([]atomic.Bool, len(outputs))
	for i, no := range outputs {
		if no.BufferMaxLength > 0 {
			r.outputChans[i] = make(chan []measurement.MeasurementPoint, no.BufferMaxLength)
			r.startOutputDrain(runCtx, i, no)
		}
	}

	r.transformDisabled = make([]atomic.Bool, r.elements.TransformCount())
	r.sourceDisabled = make([]atomic.Bool, r.elements.SourceCount())

	r.runCtx = runCtx
	for i, ns := range r.elements.Sources() {
		r.wg.Add(1)
		go r.runSource(runCtx, i, ns)
	}

	r.logger.Info("pipeline: running",
		"sources", r.elements.SourceCount(),
		"transforms", r.elements.TransformCount(),
		"outputs", r.elements.OutputCount(),
	)
	return nil
}

// Stop transitions Running→Stopping→Stopped: it stops scheduling new
// polls, lets in-flight poll calls finish, drains pending batches to
// outputs up to the configured grace period, then returns. Calling Stop
// before Start, or twice, is a no-op.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if r.state != Running {
		r.mu.Unlock()
		return
	}
	r.state = Stopping
	r.mu.Unlock()

	r.logger.Info("pipeline: stopping")
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.cfg.ShutdownGracePeriod):
		r.logger.Warn("pipeline: shutdown grace period exceeded, some in-flight batches may be incomplete")
	}

	for _, ch := range r.outputChans {
		if ch != nil {
			close(ch)
		}
	}

	r.setState(Stopped)
	r.logger.Info("pipeline: stopped")
}

// ─────────────────────────────────────────────────────────────────────────────
// Source executor
// ─────────────────────────────────────────────────────────────────────────────

// runSource is the per-Source goroutine: a private timer fires at the
// source's configured poll interval, a fresh Accumulator is handed to
// Poll, and the resulting batch is run through dispatch before the timer
// is reset for the next tick. One timer per source, recomputed after each
// fire, keeps ordering and backpressure tracked independently per source.
func (r *Runtime) runSource(ctx context.Context, idx int, ns element.NamedSource) {
	defer r.wg.Done()

	interval := ns.PollInterval
	if interval <= 0 {
		interval = r.cfg.DefaultPollInterval
	}

	timer := time.NewTimer(0) // poll immediately on start
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if r.sourceDisabled[idx].Load() {
			return
		}

		acc := measurement.NewAccumulator()
		ts := time.Now()
		err := ns.Source.Poll(acc, ts)
		r.self.SourcePolls.WithLabelValues(ns.Name).Inc()
		if err != nil {
			var pe *element.PollError
			if errors.As(err, &pe) && pe.Severity == element.Fatal {
				r.sourceDisabled[idx].Store(true)
				r.self.SourceErrors.WithLabelValues(ns.Name, element.Fatal.String()).Inc()
				r.logger.Error("pipeline: source disabled after fatal poll error",
					"plugin", ns.PluginName, "source", ns.Name, "error", err.Error())
				return
			}
			r.self.SourceErrors.WithLabelValues(ns.Name, element.Transient.String()).Inc()
			r.logger.Warn("pipeline: transient poll error",
				"plugin", ns.PluginName, "source", ns.Name, "error", err.Error())
		}

		if batch := acc.Points(); len(batch) > 0 {
			r.dispatch(batch)
		}

		timer.Reset(interval)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Transform chain + output fan-out
// ─────────────────────────────────────────────────────────────────────────────

// dispatch runs batch through every enabled Transform in registration
// order, then fans the result out to every enabled Output. It returns once
// every Output has accepted the batch: written synchronously for
// buffer_max_length=0 outputs, or enqueued for buffered ones — enqueuing
// blocks the output's own goroutine (not the others, since each runs
// independently and dispatch waits on all of them together) until the
// output's queue has room, so a slow output never silently loses batches.
func (r *Runtime) dispatch(batch []measurement.MeasurementPoint) {
	for i, nt := range r.elements.Transforms() {
		if r.transformDisabled[i].Load() {
			continue
		}
		out, err := nt.Transform.Apply(batch)
		if err != nil {
			var te *element.TransformError
			if errors.As(err, &te) && te.Severity == element.Fatal {
				r.transformDisabled[i].Store(true)
				r.self.TransformErrors.WithLabelValues(nt.Name, element.Fatal.String()).Inc()
				r.logger.Error("pipeline: transform disabled after fatal error",
					"plugin", nt.PluginName, "transform", nt.Name, "error", err.Error())
				continue
			}
			r.self.TransformErrors.WithLabelValues(nt.Name, element.Transient.String()).Inc()
			r.logger.Warn("pipeline: transient transform error",
				"plugin", nt.PluginName, "transform", nt.Name, "error", err.Error())
			continue
		}
		batch = out
		if len(batch) == 0 {
			return
		}
	}

	outputs := r.elements.Outputs()
	var wg sync.WaitGroup
	for i, no := range outputs {
		if r.outputDisabled[i].Load() {
			continue
		}
		wg.Add(1)
		go func(i int, no element.NamedOutput) {
			defer wg.Done()
			if no.BufferMaxLength <= 0 {
				r.writeOutput(i, no, batch)
				return
			}
			r.self.OutputQueueLen.WithLabelValues(no.Name).Set(float64(len(r.outputChans[i])))
			select {
			case r.outputChans[i] <- batch:
			case <-r.runCtx.Done():
				// Shutting down: stop waiting for queue room rather than
				// block past Stop's grace period.
			}
		}(i, no)
	}
	wg.Wait()
}

// startOutputDrain launches the persistent goroutine that reads queued
// batches off a buffered Output's channel and writes them in order. It
// exits once the channel is closed (Stop) and drained.
func (r *Runtime) startOutputDrain(ctx context.Context, idx int, no element.NamedOutput) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for batch := range r.outputChans[idx] {
			r.writeOutput(idx, no, batch)
		}
	}()
}

func (r *Runtime) writeOutput(idx int, no element.NamedOutput, batch []measurement.MeasurementPoint) {
	if len(batch) == 0 {
		return
	}
	err := no.Output.Write(batch)
	if err == nil {
		r.self.OutputWrites.WithLabelValues(no.Name).Inc()
		return
	}
	var we *element.WriteError
	if errors.As(err, &we) && we.Severity == element.Fatal {
		r.outputDisabled[idx].Store(true)
		r.self.OutputErrors.WithLabelValues(no.Name, element.Fatal.String()).Inc()
		r.logger.Error("pipeline: output disabled after fatal write error",
			"plugin", no.PluginName, "output", no.Name, "error", err.Error())
		return
	}
	r.self.OutputErrors.WithLabelValues(no.Name, element.Transient.String()).Inc()
	r.logger.Warn("pipeline: transient write error",
		"plugin", no.PluginName, "output", no.Name, "error", err.Error())
}
