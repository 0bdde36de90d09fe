package swarmchat

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"

	cfg "github.com/brockhager/swarmchat/internal/config"
	"github.com/brockhager/swarmchat/internal/control"
	"github.com/brockhager/swarmchat/internal/events"
	"github.com/brockhager/swarmchat/internal/logger"
	"github.com/brockhager/swarmchat/internal/manager"
	"github.com/brockhager/swarmchat/internal/metrics"
	iapi "github.com/brockhager/swarmchat/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Sidecar = control.Sidecar

type StatusReply = control.StatusReply

type CommandError = control.CommandError

type Event = events.Event

type EventSink = events.Sink

type EventSinkFunc = events.SinkFunc

var (
	ErrAlreadyRunning = manager.ErrAlreadyRunning
	ErrNotRunning     = manager.ErrNotRunning
	ErrSpawnFailure   = manager.ErrSpawnFailure
	ErrLockFailure    = manager.ErrLockFailure
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Host wires a sidecar supervisor with its logging, event fan-out, metrics
// and HTTP surface from a Config.
type Host struct {
	cfg      *Config
	log      *slog.Logger
	logClose io.Closer

	bus     *events.Broadcaster
	sup     *manager.Supervisor
	sidecar *control.Sidecar

	registry *prometheus.Registry
	sampler  *metrics.ProcessMetricsCollector
}

// NewHost builds a Host. console receives the host's log output; extra sinks
// get every sidecar event in addition to the built-in broadcaster and log.
func NewHost(c *Config, console io.Writer, extra ...EventSink) (*Host, error) {
	log, closer, err := logger.New(c.Log, console)
	if err != nil {
		return nil, err
	}
	supCfg, err := c.SupervisorConfig()
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	name := c.Sidecar.Name
	bus := events.NewBroadcaster(c.Events.History)
	sink := events.Multi{bus, events.NewLogSink(log.With("component", "sidecar"), name)}
	sink = append(sink, extra...)

	var (
		reg     *prometheus.Registry
		sm      *metrics.Sidecar
		sampler *metrics.ProcessMetricsCollector
	)
	if c.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		sm = metrics.NewSidecar()
		if err := sm.Register(reg); err != nil {
			_ = closer.Close()
			return nil, err
		}
		sampler = metrics.NewProcessMetricsCollector(name, c.Metrics)
		if err := sampler.RegisterMetrics(reg); err != nil {
			_ = closer.Close()
			return nil, err
		}
	}

	sup := manager.New(supCfg,
		manager.WithSink(sink),
		manager.WithLogger(log.With("component", "supervisor")),
		manager.WithMetrics(sm),
	)
	h := &Host{
		cfg:      c,
		log:      log,
		logClose: closer,
		bus:      bus,
		sup:      sup,
		sidecar: control.New(sup,
			control.WithSettleDelay(c.Sidecar.SettleDelay),
			control.WithLogger(log),
		),
		registry: reg,
		sampler:  sampler,
	}
	return h, nil
}

func (h *Host) Logger() *slog.Logger { return h.log }

func (h *Host) Sidecar() *Sidecar { return h.sidecar }

// Subscribe attaches to the live event stream with up to history replayed events.
func (h *Host) Subscribe(history int) (<-chan Event, []Event, func()) {
	return h.bus.Subscribe(history)
}

// Router builds the HTTP control surface.
func (h *Host) Router() *iapi.Router {
	opts := []iapi.RouterOption{iapi.WithEvents(h.bus)}
	if h.registry != nil {
		opts = append(opts,
			iapi.WithMetrics(metrics.HandlerFor(h.registry)),
			iapi.WithResources(h.sampler.Latest),
		)
	}
	return iapi.NewRouter(h.sidecar, h.cfg.Server.BasePath, opts...)
}

// NewHTTPServer returns a server for the control surface. Request contexts
// are cancelled when the server shuts down so event streams end with it.
func (h *Host) NewHTTPServer(addr string) *http.Server {
	srv := iapi.NewServer(addr, h.Router())
	base, cancel := context.WithCancel(context.Background())
	srv.BaseContext = func(net.Listener) context.Context { return base }
	srv.RegisterOnShutdown(cancel)
	return srv
}

// StartSampler begins resource sampling of the worker when metrics are enabled.
func (h *Host) StartSampler(ctx context.Context) {
	if h.sampler == nil {
		return
	}
	h.sampler.Start(ctx, func() int32 { return int32(h.sup.Status().PID) })
}

// Close stops background sampling and releases the log file. It does not
// touch the worker; use Sidecar().HandleCloseRequest for that.
func (h *Host) Close() error {
	if h.sampler != nil {
		h.sampler.Stop()
	}
	return h.logClose.Close()
}

// Wait blocks until the output pumps and exit watchers of every run have returned.
func (h *Host) Wait() { h.sup.Wait() }
