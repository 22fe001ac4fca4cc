package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/screenshare/internal/v1/bus"
	"github.com/RoseWrightdev/screenshare/internal/v1/logging"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// Check probes one dependency and returns nil when it is usable.
type Check func(ctx context.Context) error

// Handler serves liveness and readiness probes.
type Handler struct {
	mu      sync.RWMutex
	checks  map[string]Check
	timeout time.Duration
}

// NewHandler creates a handler. A non-nil redisService is checked with PING;
// nil means single-instance mode and no redis check.
func NewHandler(redisService *bus.Service) *Handler {
	h := &Handler{
		checks:  make(map[string]Check),
		timeout: 3 * time.Second,
	}
	if redisService != nil {
		h.Register("redis", redisService.Ping)
	}
	return h
}

// Register adds or replaces a readiness check.
func (h *Handler) Register(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. It never checks dependencies.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready.
// Returns 200 only if every registered check passes, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	allHealthy := true
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			logging.Error(ctx, "Health check failed", zap.String("check", name), zap.Error(err))
			results[name] = statusUnhealthy
			allHealthy = false
			continue
		}
		results[name] = statusHealthy
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    results,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
