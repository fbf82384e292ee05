package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/jarney/snackbot/config"
	"github.com/jarney/snackbot/core"
)

// HealthOK is the status reported by a healthy component.
const HealthOK = "ok"

// HealthFunc reports the status of each component; any value other than
// HealthOK marks the service degraded.
type HealthFunc func() map[string]string

// ErrMonitorRunning is returned by Start on a running server.
var ErrMonitorRunning = errors.New("monitor is already running")

// Server is the HTTP monitor.
type Server struct {
	cfg      config.MonitorConfig
	manager  *core.Manager
	registry *prometheus.Registry
	engine   *gin.Engine
	log      logrus.FieldLogger

	health HealthFunc
	store  *Store

	httpServer *http.Server
	listener   net.Listener
	running    atomic.Bool
	started    time.Time

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewServer builds the monitor routes for m. SetHealth and SetStore must be
// called before Start.
func NewServer(cfg config.MonitorConfig, m *core.Manager, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}

	s := &Server{
		cfg:      cfg,
		manager:  m,
		registry: NewRegistry(m),
		log:      log.WithField("component", "monitor"),
		started:  time.Now(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total monitor HTTP requests.",
		}, []string{"method", "path", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Monitor HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
	s.registry.MustRegister(s.requests, s.duration)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(s.requestMetrics())
	s.engine = r
	s.registerRoutes()
	return s
}

// SetHealth installs the component health source.
func (s *Server) SetHealth(fn HealthFunc) {
	s.health = fn
}

// SetStore enables the recorded stats history endpoint.
func (s *Server) SetStore(store *Store) {
	s.store = store
}

// Handler returns the HTTP handler serving the monitor routes.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Registry returns the private prometheus registry.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Server) registerRoutes() {
	s.engine.GET(s.cfg.HealthPath, s.handleHealth)
	s.engine.GET(s.cfg.MetricsPath, gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	})))
	s.engine.GET("/stats", s.handleStats)
	s.engine.GET("/stats/history", s.handleHistory)
	s.engine.GET("/biotes", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"biotes": s.manager.Biotes(), "names": s.manager.Names()})
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	components := map[string]string{"runtime": HealthOK}
	if s.manager.IsStopping() || !s.manager.IsRunning() {
		components["runtime"] = "stopping"
	}
	if s.health != nil {
		for name, status := range s.health() {
			components[name] = status
		}
	}

	status, code := "ok", http.StatusOK
	for _, v := range components {
		if v != HealthOK {
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(code, gin.H{
		"status":     status,
		"uptime":     time.Since(s.started).Truncate(time.Second).String(),
		"manager":    s.manager.Name(),
		"components": components,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"snapshot": s.manager.Snapshot(),
		"lifetime": s.manager.LifetimeStats(),
		"slow":     s.manager.CheckThreadActivity(),
	})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrNoStore.Error()})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	records, err := s.store.Recent(c.Request.Context(), limit)
	if err != nil {
		s.log.WithError(err).Warn("stats history query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrMonitorRunning
	}

	address := net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("monitor listen on %s: %w", address, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("monitor stopped serving")
		}
	}()

	s.log.WithField("address", listener.Addr().String()).Info("monitor listening")
	return nil
}

// Stop shuts the HTTP server down, waiting for requests up to ctx.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the listening address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := s.log.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      routePath(c),
			"status":    status,
			"duration":  time.Since(start),
			"client_ip": c.ClientIP(),
			"bytes":     c.Writer.Size(),
		})
		switch {
		case status >= 500:
			entry.Error("http_request")
		case status >= 400:
			entry.Warn("http_request")
		default:
			entry.Debug("http_request")
		}
	}
}

func (s *Server) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		path := routePath(c)
		s.requests.WithLabelValues(c.Request.Method, path, status).Inc()
		s.duration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}

// routePath returns the matched route so metrics labels stay bounded.
func routePath(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return "unmatched"
}
