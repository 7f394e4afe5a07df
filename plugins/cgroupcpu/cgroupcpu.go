// Package cgroupcpu implements a Source that polls cgroup v2 cpu.stat
// files for CPU time usage, producing three counters per group (total,
// user-mode, system-mode) as first-derivative deltas.
//
// One CounterDiff is tracked per counter per watched group, each point
// carrying the last element of the group's cgroup path as a "pod"
// attribute (the full path is the point's Consumer). cpu.stat is a
// plain key/value-per-line file, parsed with bufio.Scanner rather than a
// third-party cgroupfs library.
package cgroupcpu

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alumet-go/alumet/internal/discardlog"
	"github.com/alumet-go/alumet/pkg/alumet/counterdiff"
	"github.com/alumet-go/alumet/pkg/alumet/measurement"
	"github.com/alumet-go/alumet/pkg/alumet/metric"
	"github.com/alumet-go/alumet/pkg/alumet/pipeline"
	"github.com/alumet-go/alumet/pkg/alumet/units"
)

// maxTimeCounter bounds the wraparound arithmetic in CounterDiff; cpu.stat
// values are microsecond counters stored as u64 by the kernel.
const maxTimeCounter uint64 = ^uint64(0)

// Config is the plugins.cgroupcpu.* subtree.
type Config struct {
	// Paths lists the cgroup v2 directories to watch (each must contain a
	// cpu.stat file). Required; no default, since "watch everything under
	// /sys/fs/cgroup" would need a recursive scan this plugin doesn't do.
	Paths []string `yaml:"paths"`
}

// Metrics holds the three metric ids this plugin registers.
type Metrics struct {
	TotalUsage  metric.TypedId[uint64]
	UserUsage   metric.TypedId[uint64]
	SystemUsage metric.TypedId[uint64]
}

func newMetrics(start *pipeline.StartContext) (Metrics, error) {
	usec := units.PrefixedUnit{Prefix: units.Micro, Base: units.Second} // microsecond counters, reported in raw usec; see cpu.stat(7)
	var m Metrics
	var err error
	if m.TotalUsage, err = pipeline.CreateMetric[uint64](start, "cgroup_cpu_usage_total_usec", usec, "Total CPU time used by the group"); err != nil {
		return Metrics{}, err
	}
	if m.UserUsage, err = pipeline.CreateMetric[uint64](start, "cgroup_cpu_usage_user_usec", usec, "User-mode CPU time used by the group"); err != nil {
		return Metrics{}, err
	}
	if m.SystemUsage, err = pipeline.CreateMetric[uint64](start, "cgroup_cpu_usage_system_usec", usec, "System-mode CPU time used by the group"); err != nil {
		return Metrics{}, err
	}
	return m, nil
}

// Plugin adapts Source into an agent.Plugin.
type Plugin struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Plugin {
	return &Plugin{logger: logger}
}

func (p *Plugin) Name() string { return "cgroupcpu" }

func (p *Plugin) Init(start *pipeline.StartContext) error {
	var cfg Config
	raw := start.PluginConfig()
	if v, ok := raw["paths"].([]any); ok {
		for _, e := range v {
			if s, ok := e.(string); ok {
				cfg.Paths = append(cfg.Paths, s)
			}
		}
	}
	if len(cfg.Paths) == 0 {
		return fmt.Errorf("cgroupcpu: plugins.cgroupcpu.paths is empty, nothing to watch")
	}

	metrics, err := newMetrics(start)
	if err != nil {
		return fmt.Errorf("cgroupcpu: create metrics: %w", err)
	}

	groups := make([]*group, 0, len(cfg.Paths))
	for _, path := range cfg.Paths {
		groups = append(groups, &group{
			path:  path,
			total: counterdiff.WithMaxValue(maxTimeCounter),
			user:  counterdiff.WithMaxValue(maxTimeCounter),
			sys:   counterdiff.WithMaxValue(maxTimeCounter),
		})
	}

	start.AddSource("cgroupcpu", &Source{metrics: metrics, groups: groups, logger: p.logger})
	return nil
}

// group tracks one watched cgroup's running counters across polls.
type group struct {
	path  string
	total counterdiff.CounterDiff
	user  counterdiff.CounterDiff
	sys   counterdiff.CounterDiff
}

// Source polls cpu.stat for every watched group on each tick.
type Source struct {
	metrics Metrics
	groups  []*group
	logger  *slog.Logger
}

func (s *Source) Poll(acc *measurement.Accumulator, ts time.Time) error {
	if s.logger == nil {
		s.logger = discardlog.New()
	}
	for _, g := range s.groups {
		stat, err := readCPUStat(g.path)
		if err != nil {
			// A single missing/unreadable group (e.g. the pod it belongs to
			// just exited) shouldn't take down every other group's polling.
			s.logger.Warn("cgroupcpu: read failed, skipping group this tick", "path", g.path, "error", err.Error())
			continue
		}

		consumer := measurement.ControlGroup(g.path)
		name := filepath.Base(g.path)

		if diff, ok := applyUpdate(g.total.Update(stat.usageUsec)); ok {
			acc.Push(measurement.NewPointU64(ts, s.metrics.TotalUsage, measurement.LocalMachine(), consumer, diff).
				WithAttr("pod", measurement.StringAttr(name)))
		}
		if diff, ok := applyUpdate(g.user.Update(stat.userUsec)); ok {
			acc.Push(measurement.NewPointU64(ts, s.metrics.UserUsage, measurement.LocalMachine(), consumer, diff).
				WithAttr("pod", measurement.StringAttr(name)))
		}
		if diff, ok := applyUpdate(g.sys.Update(stat.systemUsec)); ok {
			acc.Push(measurement.NewPointU64(ts, s.metrics.SystemUsage, measurement.LocalMachine(), consumer, diff).
				WithAttr("pod", measurement.StringAttr(name)))
		}
	}
	return nil
}

// applyUpdate discards the first sample of a counter's life, since there
// is no prior value yet to diff against.
func applyUpdate(u counterdiff.Update) (uint64, bool) {
	if u.Kind == counterdiff.FirstTime {
		return 0, false
	}
	return u.Value, true
}

type cpuStat struct {
	usageUsec  uint64
	userUsec   uint64
	systemUsec uint64
}

// readCPUStat parses the cgroup v2 cpu.stat file at <path>/cpu.stat, whose
// lines are "<key> <value>" pairs, e.g.:
//
//	usage_usec 1234567
//	user_usec 1000000
//	system_usec 234567
func readCPUStat(groupPath string) (cpuStat, error) {
	f, err := os.Open(filepath.Join(groupPath, "cpu.stat"))
	if err != nil {
		return cpuStat{}, err
	}
	defer f.Close()

	var stat cpuStat
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), " ")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(val), 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "usage_usec":
			stat.usageUsec = n
		case "user_usec":
			stat.userUsec = n
		case "system_usec":
			stat.systemUsec = n
		}
	}
	if err := sc.Err(); err != nil {
		return cpuStat{}, err
	}
	return stat, nil
}
