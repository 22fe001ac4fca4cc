package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/screenshare/internal/v1/bus"
	"github.com/RoseWrightdev/screenshare/internal/v1/clipboard"
	"github.com/RoseWrightdev/screenshare/internal/v1/config"
	"github.com/RoseWrightdev/screenshare/internal/v1/health"
	"github.com/RoseWrightdev/screenshare/internal/v1/logging"
	"github.com/RoseWrightdev/screenshare/internal/v1/media"
	"github.com/RoseWrightdev/screenshare/internal/v1/peer"
	"github.com/RoseWrightdev/screenshare/internal/v1/ratelimit"
	"github.com/RoseWrightdev/screenshare/internal/v1/server"
	"github.com/RoseWrightdev/screenshare/internal/v1/sharing"
	"github.com/RoseWrightdev/screenshare/internal/v1/signaling"
	"github.com/RoseWrightdev/screenshare/internal/v1/tracing"
	"github.com/RoseWrightdev/screenshare/internal/v1/types"
)

// Try multiple paths to handle different ways of running the binary.
var envPaths = []string{".env", "../../../.env", "../../.env"}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "screenshare",
		Short:         "Peer-to-peer screen sharing over WebRTC",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newHostCmd(), newJoinCmd(), newDemoCmd())
	return root
}

// runtime holds the process-wide collaborators every command needs.
type runtime struct {
	cfg        *config.Config
	channel    types.SignalingChannel
	factory    peer.Factory
	busService *bus.Service
	tracer     *sdktrace.TracerProvider

	// cancel stops the background HTTP server tracked by wg.
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type runtimeOptions struct {
	// inProcess forces the in-memory broker and loopback candidates.
	inProcess bool
}

func loadEnv() {
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			logging.Info(context.Background(), "Loaded environment", zap.String("path", path))
			return
		}
	}
	logging.Debug(context.Background(), "No .env file found, relying on environment variables")
}

func setup(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	loadEnv()

	cfg, err := config.ValidateEnv()
	if err != nil {
		return nil, fmt.Errorf("environment validation failed: %w", err)
	}
	if err := logging.Initialize(cfg.DevelopmentMode, cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	cfg.LogValidated(ctx)

	rt := &runtime{cfg: cfg}
	ctx, rt.cancel = context.WithCancel(ctx)

	if cfg.OTelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, tracing.Options{
			ServiceName:   cfg.OTelServiceName,
			CollectorAddr: cfg.OTelCollectorAddr,
			Insecure:      cfg.OTelInsecure,
		})
		if err != nil {
			logging.Error(ctx, "Tracing disabled", zap.Error(err))
		} else {
			rt.tracer = tp
		}
	}

	// --- Signaling ---
	if cfg.RedisEnabled && !opts.inProcess {
		svc, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		rt.busService = svc
		rt.channel = signaling.NewRedisChannel(svc, cfg.SessionTTL)
		logging.Info(ctx, "Using Redis signaling", zap.String("addr", cfg.RedisAddr))
	} else {
		rt.channel = signaling.NewBroker()
		logging.Info(ctx, "Using in-process signaling (Redis disabled)")
	}

	// --- Peer connections ---
	ice := peer.ICEConfig{
		STUNURLs:     cfg.STUNURLs,
		TURNURL:      cfg.TURNURL,
		TURNUsername: cfg.TURNUsername,
		TURNPassword: cfg.TURNPassword,
	}
	var factoryOpts []peer.FactoryOption
	if opts.inProcess {
		ice = peer.ICEConfig{}
		factoryOpts = append(factoryOpts, peer.WithLoopbackCandidates())
	}
	rt.factory, err = peer.NewFactory(ice, factoryOpts...)
	if err != nil {
		rt.close()
		return nil, err
	}

	if cfg.HTTPPort != "" {
		if err := rt.serveHTTP(ctx); err != nil {
			rt.close()
			return nil, err
		}
	}

	return rt, nil
}

// serveHTTP starts the observability server in the background. It stops
// when ctx is cancelled.
func (rt *runtime) serveHTTP(ctx context.Context) error {
	limiter, err := ratelimit.NewRateLimiter(rt.cfg, rt.redisClient())
	if err != nil {
		return err
	}

	if !rt.cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}

	healthHandler := health.NewHandler(rt.busService)
	router := server.NewRouter(server.Deps{
		ServiceName: rt.cfg.OTelServiceName,
		Channel:     rt.channel,
		Health:      healthHandler,
		Limiter:     limiter,
	})

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		if err := server.Run(ctx, ":"+rt.cfg.HTTPPort, router); err != nil {
			logging.Error(ctx, "HTTP server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (rt *runtime) redisClient() *redis.Client {
	if rt.busService == nil {
		return nil
	}
	return rt.busService.Client()
}

// newOrchestrator builds an engine and orchestrator for a fresh user.
func (rt *runtime) newOrchestrator(capturer media.Capturer, clip sharing.Clipboard) *sharing.Orchestrator {
	userID := rt.channel.GenerateUserID()
	engine := peer.NewEngine(userID, rt.factory)
	return sharing.NewOrchestrator(rt.channel, engine, capturer, clip, rt.cfg.PublicOrigin, userID)
}

func (rt *runtime) constraints(width, height, fps int, audio bool) media.Constraints {
	c := media.Constraints{
		Video: media.VideoConstraints{
			Width:     rt.cfg.CaptureWidth,
			Height:    rt.cfg.CaptureHeight,
			FrameRate: rt.cfg.CaptureFrameRate,
		},
		Audio: audio,
	}
	if width > 0 {
		c.Video.Width = width
	}
	if height > 0 {
		c.Video.Height = height
	}
	if fps > 0 {
		c.Video.FrameRate = fps
	}
	return c
}

// close stops the HTTP server and releases everything else.
func (rt *runtime) close() {
	rt.cancel()
	rt.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if rt.channel != nil {
		if err := rt.channel.Close(); err != nil {
			logging.Error(ctx, "Failed to close signaling channel", zap.Error(err))
		}
	}
	if rt.busService != nil {
		if err := rt.busService.Close(); err != nil {
			logging.Error(ctx, "Failed to close Redis connection", zap.Error(err))
		} else {
			logging.Info(ctx, "Redis connection closed")
		}
	}
	if rt.tracer != nil {
		if err := rt.tracer.Shutdown(ctx); err != nil {
			logging.Error(ctx, "Failed to flush traces", zap.Error(err))
		}
	}
	logging.Sync()
}

// terminalClipboard copies over OSC52 unless disabled.
func terminalClipboard(disabled bool) sharing.Clipboard {
	if disabled {
		return nil
	}
	return clipboard.NewTerminal()
}
