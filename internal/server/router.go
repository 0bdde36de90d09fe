package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/brockhager/swarmchat/internal/control"
	"github.com/brockhager/swarmchat/internal/events"
	"github.com/brockhager/swarmchat/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
)

// Controller is the command surface the router drives.
type Controller interface {
	Name() string
	Start() (string, error)
	Stop() (string, error)
	Status() control.StatusReply
}

// Router provides embeddable HTTP handlers for the sidecar.
// Endpoints:
//
//	POST {basePath}/start
//	POST {basePath}/stop
//	GET  {basePath}/status
//	GET  {basePath}/events     query: history=N (server-sent events)
//	GET  {basePath}/resources  latest CPU/memory sample of the worker
//	GET  /live, /ready
//	GET  /metrics              when a metrics handler is configured
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl       Controller
	basePath  string
	bus       *events.Broadcaster
	metrics   http.Handler
	resources func() (metrics.ProcessMetrics, bool)
	health    healthcheck.Handler
	keepAlive time.Duration
}

type RouterOption func(*Router)

// WithEvents enables the event stream from bus.
func WithEvents(bus *events.Broadcaster) RouterOption {
	return func(r *Router) { r.bus = bus }
}

// WithMetrics serves h at /metrics.
func WithMetrics(h http.Handler) RouterOption {
	return func(r *Router) { r.metrics = h }
}

// WithResources serves the worker's latest resource sample.
func WithResources(latest func() (metrics.ProcessMetrics, bool)) RouterOption {
	return func(r *Router) { r.resources = latest }
}

// WithKeepAlive sets the comment interval on idle event streams.
func WithKeepAlive(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.keepAlive = d
		}
	}
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/start, /api/stop, /api/status.
func NewRouter(ctl Controller, basePath string, opts ...RouterOption) *Router {
	r := &Router{ctl: ctl, basePath: sanitizeBase(basePath), keepAlive: 15 * time.Second}
	for _, o := range opts {
		o(r)
	}
	r.health = healthcheck.NewHandler()
	r.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	r.health.AddReadinessCheck("sidecar-running", func() error {
		if !r.ctl.Status().Running() {
			return errors.New(r.ctl.Name() + " is not running")
		}
		return nil
	})
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.GET("/status", r.handleStatus)
	group.GET("/events", r.handleEvents)
	group.GET("/resources", r.handleResources)

	g.GET("/live", gin.WrapH(r.health))
	g.GET("/ready", gin.WrapH(r.health))
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer builds a standalone HTTP server on addr using this router. The
// caller runs ListenAndServe and Shutdown. WriteTimeout stays zero because
// event streams are long-lived.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type resultResp struct {
	Result string `json:"result"`
}

func (r *Router) handleStart(c *gin.Context) {
	res, err := r.ctl.Start()
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, resultResp{Result: res})
}

func (r *Router) handleStop(c *gin.Context) {
	res, err := r.ctl.Stop()
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, resultResp{Result: res})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Status())
}

func (r *Router) handleResources(c *gin.Context) {
	if r.resources == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling disabled", Code: "disabled"})
		return
	}
	m, ok := r.resources()
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no sample for a running sidecar yet", Code: control.CodeNotRunning})
		return
	}
	writeJSON(c, http.StatusOK, m)
}
