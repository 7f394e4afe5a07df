package csv_test

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	csvplugin "github.com/alumet-go/alumet/plugins/csv"

	"github.com/alumet-go/alumet/pkg/alumet/measurement"
	"github.com/alumet-go/alumet/pkg/alumet/metric"
	"github.com/alumet-go/alumet/pkg/alumet/units"
)

func fixedNamer(metric.Id) string { return "cpu_time" }

func TestOutput_WritesHeaderOnceThenRows(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := csvplugin.Config{OutputPath: "out.csv"}
	out, err := csvplugin.NewOutput(fs, cfg, fixedNamer, nil)
	require.NoError(t, err)

	r := metric.NewRegistry()
	tid, err := metric.CreateTyped[uint64](r, "cpu_time", metric.U64, units.Plain(units.Second), "")
	require.NoError(t, err)

	ts := time.Unix(1700000000, 0)
	batch := []measurement.MeasurementPoint{
		measurement.NewPointU64(ts, tid, measurement.LocalMachine(), measurement.LocalMachineUser(), 42),
	}
	require.NoError(t, out.Write(batch))
	require.NoError(t, out.Write(batch))
	require.NoError(t, out.Close())

	raw, err := afero.ReadFile(fs, "out.csv")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")

	require.Len(t, lines, 3, "1 header + 2 data rows")
	assert.True(t, strings.HasPrefix(lines[0], "timestamp_unix_nano,metric"))
	assert.Contains(t, lines[1], "cpu_time")
	assert.Contains(t, lines[1], "42")
}

func TestNewOutput_AppendsWithoutRewritingHeaderOnExistingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := csvplugin.Config{OutputPath: "out.csv"}

	out1, err := csvplugin.NewOutput(fs, cfg, fixedNamer, nil)
	require.NoError(t, err)
	ts := time.Now()
	r := metric.NewRegistry()
	tid, err := metric.CreateTyped[uint64](r, "cpu_time", metric.U64, units.Plain(units.Second), "")
	require.NoError(t, err)
	require.NoError(t, out1.Write([]measurement.MeasurementPoint{
		measurement.NewPointU64(ts, tid, measurement.LocalMachine(), measurement.LocalMachineUser(), 1),
	}))
	require.NoError(t, out1.Close())

	out2, err := csvplugin.NewOutput(fs, cfg, fixedNamer, nil)
	require.NoError(t, err)
	require.NoError(t, out2.Write([]measurement.MeasurementPoint{
		measurement.NewPointU64(ts, tid, measurement.LocalMachine(), measurement.LocalMachineUser(), 2),
	}))
	require.NoError(t, out2.Close())

	raw, err := afero.ReadFile(fs, "out.csv")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.Len(t, lines, 3, "header must not be rewritten on reopen")
}

func TestOutput_EmptyBatchWritesOnlyHeader(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := csvplugin.Config{OutputPath: "out.csv"}
	out, err := csvplugin.NewOutput(fs, cfg, fixedNamer, nil)
	require.NoError(t, err)

	require.NoError(t, out.Write(nil))
	require.NoError(t, out.Close())

	raw, err := afero.ReadFile(fs, "out.csv")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "timestamp_unix_nano", "header is still written even for an empty batch")
}
