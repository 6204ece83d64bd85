package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/milestonepay/internal/circuitbreaker"
	"github.com/mbd888/milestonepay/internal/health"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

// setupHealth registers the subsystem checks. Storage is critical; chain
// RPC and the sweeper only degrade the service since mirrored state stays
// readable without them.
func (s *Server) setupHealth() {
	s.health = health.NewRegistry(5 * time.Second)

	if s.db != nil {
		s.health.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
	}

	for _, name := range s.chains.Networks() {
		s.health.RegisterOptional("chain:"+name, func(ctx context.Context) health.Status {
			breaker := s.chains.Breaker().State(name)
			if breaker == circuitbreaker.StateOpen {
				return health.Status{Detail: "circuit open"}
			}
			reader, err := s.chains.Get(name)
			if err != nil {
				return health.Status{Detail: err.Error()}
			}
			head, err := reader.HeadBlock(ctx)
			if err != nil {
				return health.Status{Detail: err.Error()}
			}
			return health.Status{Healthy: true, Detail: fmt.Sprintf("head %d, circuit %s", head, breaker)}
		})
	}

	s.health.RegisterOptional("sweeper", func(context.Context) health.Status {
		if !s.sweeper.Running() {
			return health.Status{Detail: "not running"}
		}
		return health.Status{Healthy: true}
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	report := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	switch {
	case !report.Healthy:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case report.Degraded:
		status = "degraded"
	}

	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    report.Checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
