// Package server exposes the process's HTTP surface: metrics, health probes
// and share link resolution.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/screenshare/internal/v1/health"
	"github.com/RoseWrightdev/screenshare/internal/v1/logging"
	"github.com/RoseWrightdev/screenshare/internal/v1/middleware"
	"github.com/RoseWrightdev/screenshare/internal/v1/ratelimit"
	"github.com/RoseWrightdev/screenshare/internal/v1/sharing"
	"github.com/RoseWrightdev/screenshare/internal/v1/signaling"
	"github.com/RoseWrightdev/screenshare/internal/v1/types"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// Deps are the collaborators the router serves from. Channel is required.
type Deps struct {
	ServiceName string
	Channel     types.SignalingChannel
	Health      *health.Handler
	Limiter     *ratelimit.RateLimiter
	// Gatherer defaults to the prometheus default registry.
	Gatherer prometheus.Gatherer
}

// LinkResponse is the body of a share link lookup.
type LinkResponse struct {
	SessionID string `json:"sessionId"`
	Exists    bool   `json:"exists"`
}

// NewRouter builds the gin engine.
func NewRouter(d Deps) *gin.Engine {
	if d.ServiceName == "" {
		d.ServiceName = "screenshare"
	}
	if d.Health == nil {
		d.Health = health.NewHandler(nil)
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(d.ServiceName))
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger())

	metricsHandler := gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	if d.Limiter != nil {
		router.GET("/metrics", d.Limiter.ScrapeMiddleware(), metricsHandler)
	} else {
		router.GET("/metrics", metricsHandler)
	}

	router.GET("/health/live", d.Health.Liveness)
	router.GET("/health/ready", d.Health.Readiness)

	api := router.Group("")
	if d.Limiter != nil {
		api.Use(d.Limiter.Middleware())
	}
	api.GET(sharing.LinkPath, resolveLink(d.Channel))

	return router
}

// resolveLink answers whether the session named by ?join= is live.
func resolveLink(channel types.SignalingChannel) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		sessionID := c.Query(sharing.JoinParam)
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + sharing.JoinParam + " parameter"})
			return
		}
		if !signaling.ValidSessionID(sessionID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed session id"})
			return
		}

		exists, err := channel.SessionExists(ctx, sessionID)
		if err != nil {
			logging.Error(ctx, "Session lookup failed", zap.String("session_id", sessionID), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signaling unavailable"})
			return
		}

		c.JSON(http.StatusOK, LinkResponse{SessionID: sessionID, Exists: exists})
	}
}

// Run serves handler on addr until ctx is cancelled, then shuts down
// gracefully. It returns early if the listener cannot be opened.
func Run(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		logging.Info(ctx, "HTTP server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to run server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info(ctx, "Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	<-errCh
	if err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
