package agent_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alumet-go/alumet/pkg/alumet/agent"
	"github.com/alumet-go/alumet/pkg/alumet/measurement"
	"github.com/alumet-go/alumet/pkg/alumet/metric"
	"github.com/alumet-go/alumet/pkg/alumet/pipeline"
)

// stubPlugin registers one source and one output so an Agent built from it
// can actually run a pipeline.
type stubPlugin struct {
	name string
	src  *stubSource
	out  *stubOutput
}

func newStubPlugin(name string) *stubPlugin {
	return &stubPlugin{name: name, src: &stubSource{}, out: &stubOutput{}}
}

func (p *stubPlugin) Name() string { return p.name }

func (p *stubPlugin) Init(start *pipeline.StartContext) error {
	start.AddSource("src", p.src)
	start.AddOutput("out", p.out)
	return nil
}

type stubSource struct{ polls int }

func (s *stubSource) Poll(acc *measurement.Accumulator, ts time.Time) error {
	s.polls++
	return nil
}

type stubOutput struct{ writes int }

func (o *stubOutput) Write(batch []measurement.MeasurementPoint) error {
	o.writes++
	return nil
}

func newTestAgent(t *testing.T, p agent.Plugin) *agent.Agent {
	t.Helper()
	metric.ResetForTest()
	t.Cleanup(metric.ResetForTest)

	cfgPath := filepath.Join(t.TempDir(), "alumet-config.toml")
	a := agent.NewBuilder(p).Build(agent.Config{
		ConfigPath: cfgPath,
		Pipeline:   pipeline.Config{DefaultPollInterval: 10 * time.Millisecond, AllowNoOutputs: true},
	})
	require.NoError(t, a.LoadConfig())
	return a
}

func TestAgent_StartRunsPluginsAndPipeline(t *testing.T) {
	p := newStubPlugin("stub")
	a := newTestAgent(t, p)

	require.NoError(t, a.Start(context.Background()))

	deadline := time.Now().Add(time.Second)
	for p.src.polls == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Greater(t, p.src.polls, 0)

	a.Stop()
	a.WaitForAll()
}

func TestAgent_WriteDefaultConfigThenLoad(t *testing.T) {
	p := newStubPlugin("stub")
	metric.ResetForTest()
	t.Cleanup(metric.ResetForTest)

	cfgPath := filepath.Join(t.TempDir(), "alumet-config.toml")
	a := agent.NewBuilder(p).Build(agent.Config{ConfigPath: cfgPath})

	require.NoError(t, a.WriteDefaultConfig())
	require.NoError(t, a.LoadConfig())
}

func TestAgent_EnabledPluginsFiltersInit(t *testing.T) {
	enabled := newStubPlugin("enabled")
	disabled := newStubPlugin("disabled")

	metric.ResetForTest()
	t.Cleanup(metric.ResetForTest)

	cfgPath := filepath.Join(t.TempDir(), "alumet-config.toml")
	a := agent.NewBuilder(enabled, disabled).Build(agent.Config{
		ConfigPath:     cfgPath,
		EnabledPlugins: []string{"enabled"},
		Pipeline:       pipeline.Config{DefaultPollInterval: 10 * time.Millisecond, AllowNoOutputs: true},
	})
	require.NoError(t, a.LoadConfig())
	require.NoError(t, a.Start(context.Background()))
	defer func() {
		a.Stop()
		a.WaitForAll()
	}()

	deadline := time.Now().Add(300 * time.Millisecond)
	for enabled.src.polls == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Greater(t, enabled.src.polls, 0)
	assert.Equal(t, 0, disabled.src.polls, "a disabled plugin's Init must never run")
}

func TestAgent_SelfMetricsNilBeforeStart(t *testing.T) {
	p := newStubPlugin("stub")
	a := newTestAgent(t, p)
	assert.Nil(t, a.SelfMetrics())
}
