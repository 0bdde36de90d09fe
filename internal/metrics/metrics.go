package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sidecar holds the Prometheus collectors of one supervisor. A nil *Sidecar
// is valid and records nothing.
type Sidecar struct {
	starts        *prometheus.CounterVec
	spawnFailures *prometheus.CounterVec
	stops         *prometheus.CounterVec
	exits         *prometheus.CounterVec
	outputLines   *prometheus.CounterVec
	running       *prometheus.GaugeVec
	detectedPort  *prometheus.GaugeVec
	stopDuration  *prometheus.HistogramVec
}

// NewSidecar creates an unregistered set of sidecar collectors.
func NewSidecar() *Sidecar {
	return &Sidecar{
		starts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "swarmchat",
				Subsystem: "sidecar",
				Name:      "starts_total",
				Help:      "Number of successful sidecar spawns.",
			}, []string{"name"},
		),
		spawnFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "swarmchat",
				Subsystem: "sidecar",
				Name:      "spawn_failures_total",
				Help:      "Number of sidecar spawn attempts the OS refused.",
			}, []string{"name"},
		),
		stops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "swarmchat",
				Subsystem: "sidecar",
				Name:      "stops_total",
				Help:      "Number of requested stops by how the worker ended (graceful, forced, shutdown).",
			}, []string{"name", "mode"},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "swarmchat",
				Subsystem: "sidecar",
				Name:      "exits_total",
				Help:      "Number of observed worker exits by outcome (success, failure, signaled, wait_error).",
			}, []string{"name", "outcome"},
		),
		outputLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "swarmchat",
				Subsystem: "sidecar",
				Name:      "output_lines_total",
				Help:      "Number of lines read from the worker per stream.",
			}, []string{"name", "stream"},
		),
		running: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "swarmchat",
				Subsystem: "sidecar",
				Name:      "running",
				Help:      "1 while a worker is tracked, 0 otherwise.",
			}, []string{"name"},
		),
		detectedPort: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "swarmchat",
				Subsystem: "sidecar",
				Name:      "detected_port",
				Help:      "Port inferred from the current worker's output, 0 when unknown.",
			}, []string{"name"},
		),
		stopDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "swarmchat",
				Subsystem: "sidecar",
				Name:      "stop_duration_seconds",
				Help:      "Time from termination request to confirmed exit or escalation.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			}, []string{"name"},
		),
	}
}

func (m *Sidecar) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.starts, m.spawnFailures, m.stops, m.exits, m.outputLines, m.running, m.detectedPort, m.stopDuration}
}

// Register registers all collectors with the provided registerer.
// Registering the same Sidecar twice is a no-op.
func (m *Sidecar) Register(r prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) && are.ExistingCollector == c {
				continue
			}
			return err
		}
	}
	return nil
}

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by the supervisor to record metrics.
// They no-op on a nil receiver.

func (m *Sidecar) IncStart(name string) {
	if m == nil {
		return
	}
	m.starts.WithLabelValues(name).Inc()
	m.running.WithLabelValues(name).Set(1)
	m.detectedPort.WithLabelValues(name).Set(0)
}

func (m *Sidecar) IncSpawnFailure(name string) {
	if m == nil {
		return
	}
	m.spawnFailures.WithLabelValues(name).Inc()
}

func (m *Sidecar) IncStop(name, mode string) {
	if m == nil {
		return
	}
	m.stops.WithLabelValues(name, mode).Inc()
}

func (m *Sidecar) IncExit(name, outcome string) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(name, outcome).Inc()
}

func (m *Sidecar) IncOutputLine(name, stream string) {
	if m == nil {
		return
	}
	m.outputLines.WithLabelValues(name, stream).Inc()
}

func (m *Sidecar) SetRunning(name string, on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.running.WithLabelValues(name).Set(v)
	if !on {
		m.detectedPort.WithLabelValues(name).Set(0)
	}
}

func (m *Sidecar) SetDetectedPort(name string, port uint16) {
	if m == nil {
		return
	}
	m.detectedPort.WithLabelValues(name).Set(float64(port))
}

func (m *Sidecar) ObserveStopDuration(name string, seconds float64) {
	if m == nil {
		return
	}
	m.stopDuration.WithLabelValues(name).Observe(seconds)
}
