// Package api exposes matchcore's process-facing HTTP surface: liveness,
// readiness, and a Prometheus /metrics endpoint. It deliberately carries no
// order-entry route -- submit_order/cancel_order/etc. are reached only
// through internal/dispatcher, called directly by the embedding application
// or from its own transport (spec.md §1 non-goals: "matchcore does not ship
// its own wire protocol"). Router setup follows the teacher's
// internal/api/handlers routes.go GET("/health") convention and
// internal/config/gin.go's promhttp.Handler() wiring for /metrics.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessCheck reports whether a dependency is ready to serve traffic. An
// error return means not ready, with the message surfaced in the response.
type ReadinessCheck func() error

// Server is matchcore's health/metrics HTTP surface.
type Server struct {
	engine *gin.Engine
	checks map[string]ReadinessCheck
}

// New builds the gin engine with health, readiness, and metrics routes.
// registry is typically the one passed to observability.NewMetrics; a nil
// registry serves prometheus.DefaultGatherer instead.
func New(registry *prometheus.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, checks: make(map[string]ReadinessCheck)}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/ready", s.handleReady)

	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if registry != nil {
		gatherer = registry
	}
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return s
}

// RegisterReadinessCheck adds a named dependency check consulted by /ready.
// Typical checks: WAL writable, DB writer checkpoint not stalled, engine
// running.
func (s *Server) RegisterReadinessCheck(name string, check ReadinessCheck) {
	s.checks[name] = check
}

func (s *Server) handleReady(c *gin.Context) {
	failures := make(map[string]string)
	for name, check := range s.checks {
		if err := check(); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "failures": failures})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Handler returns the underlying http.Handler, for wiring into an
// http.Server with custom timeouts.
func (s *Server) Handler() http.Handler { return s.engine }
