package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory figures for the tracked worker.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ProcessMetricsConfig holds configuration for worker resource sampling.
type ProcessMetricsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"sample_interval"`
}

// ProcessMetricsCollector periodically samples the worker returned by a
// pid callback and exports the result as gauges.
type ProcessMetricsCollector struct {
	enabled  bool
	interval time.Duration
	name     string

	mu     sync.RWMutex
	latest *ProcessMetrics
	handle *process.Process
	// current worker pid, set by Start
	pid func() int32

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewProcessMetricsCollector creates a collector for the named sidecar.
func NewProcessMetricsCollector(name string, config ProcessMetricsConfig) *ProcessMetricsCollector {
	interval := config.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(metric, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "swarmchat",
			Subsystem: "sidecar",
			Name:      metric,
			Help:      help,
		}, []string{"name"})
	}
	return &ProcessMetricsCollector{
		enabled:    config.Enabled,
		interval:   interval,
		name:       name,
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the worker."),
		memoryMB:   gauge("memory_mb", "Resident memory of the worker in MB."),
		numThreads: gauge("num_threads", "Number of threads of the worker."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of the worker (Unix only)."),
	}
}

// RegisterMetrics registers the sampler gauges with the provided registerer.
func (c *ProcessMetricsCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, collector := range collectors {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling. pid returns 0 when no worker is tracked.
func (c *ProcessMetricsCollector) Start(ctx context.Context, pid func() int32) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	c.pid = pid
	c.mu.Unlock()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collect(pid())
			}
		}
	}()
}

// Stop stops sampling and waits for the sampling goroutine.
func (c *ProcessMetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Latest returns the most recent sample while the sampled worker is still the
// tracked one. After a stop it reports nothing, even before the next tick.
func (c *ProcessMetricsCollector) Latest() (ProcessMetrics, bool) {
	c.mu.RLock()
	latest, pid := c.latest, c.pid
	c.mu.RUnlock()
	if latest == nil {
		return ProcessMetrics{}, false
	}
	if pid != nil && pid() != latest.PID {
		return ProcessMetrics{}, false
	}
	return *latest, true
}

func (c *ProcessMetricsCollector) collect(pid int32) {
	if pid <= 0 {
		c.reset()
		return
	}
	m, err := c.sample(pid, time.Now())
	if err != nil {
		slog.Debug("Failed to collect metrics for sidecar", "name", c.name, "pid", pid, "error", err)
		c.reset()
		return
	}

	c.cpuPercent.WithLabelValues(c.name).Set(m.CPUPercent)
	c.memoryMB.WithLabelValues(c.name).Set(m.MemoryMB)
	c.numThreads.WithLabelValues(c.name).Set(float64(m.NumThreads))
	if runtime.GOOS != "windows" {
		c.numFDs.WithLabelValues(c.name).Set(float64(m.NumFDs))
	}

	c.mu.Lock()
	c.latest = m
	c.mu.Unlock()
}

func (c *ProcessMetricsCollector) reset() {
	c.mu.Lock()
	had := c.latest != nil
	c.latest = nil
	c.handle = nil
	c.mu.Unlock()
	if had {
		c.cpuPercent.DeleteLabelValues(c.name)
		c.memoryMB.DeleteLabelValues(c.name)
		c.numThreads.DeleteLabelValues(c.name)
		c.numFDs.DeleteLabelValues(c.name)
	}
}

func (c *ProcessMetricsCollector) sample(pid int32, ts time.Time) (*ProcessMetrics, error) {
	// CPUPercent is measured between calls on the same handle, so keep it per pid.
	c.mu.Lock()
	proc := c.handle
	if proc == nil || proc.Pid != pid {
		var err error
		proc, err = process.NewProcess(pid)
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("failed to create process handle: %w", err)
		}
		c.handle = proc
	}
	c.mu.Unlock()

	cpuPercent, err := proc.Percent(0)
	if err != nil {
		slog.Debug("Failed to get CPU percent", "name", c.name, "pid", pid, "error", err)
		cpuPercent = 0
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get memory info: %w", err)
	}
	numThreads, err := proc.NumThreads()
	if err != nil {
		slog.Debug("Failed to get thread count", "name", c.name, "pid", pid, "error", err)
		numThreads = 0
	}

	m := &ProcessMetrics{
		PID:        pid,
		Name:       c.name,
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		NumThreads: numThreads,
		Timestamp:  ts,
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			m.NumFDs = n
		}
	}
	return m, nil
}
