// Package server wires the gateway's HTTP surface: routes, middleware,
// and the shared live-session infrastructure.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/signloop/signloop/pkg/gateway/config"
	"github.com/signloop/signloop/pkg/gateway/content"
	"github.com/signloop/signloop/pkg/gateway/handlers"
	"github.com/signloop/signloop/pkg/gateway/lifecycle"
	"github.com/signloop/signloop/pkg/gateway/live/engine"
	"github.com/signloop/signloop/pkg/gateway/live/sessions"
	"github.com/signloop/signloop/pkg/gateway/live/workers"
	"github.com/signloop/signloop/pkg/gateway/mw"
	"github.com/signloop/signloop/pkg/gateway/ratelimit"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	limiter      *ratelimit.Limiter
	lifecycle    *lifecycle.Lifecycle
	liveSessions *sessions.Registry
	pool         *workers.Pool
	engines      engine.Provider
	content      *content.Service
}

// New builds a gateway server from config. ctx is only used for startup
// work such as probing the story generator.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	engineClient := &http.Client{
		Timeout: cfg.EngineRequestTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: cfg.EngineConnectTimeout,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	engineOpts := []engine.Option{engine.WithHTTPClient(engineClient)}
	if cfg.EngineAPIKey != "" {
		engineOpts = append(engineOpts, engine.WithAPIKey(cfg.EngineAPIKey))
	}

	contentSvc, err := buildContentService(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		mux:          http.NewServeMux(),
		lifecycle:    &lifecycle.Lifecycle{},
		liveSessions: sessions.NewRegistry(),
		pool:         workers.NewPool(cfg.WorkerPoolSize),
		engines:      engine.NewHTTPProvider(cfg.EngineBaseURL, engineOpts...),
		content:      contentSvc,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                     cfg.LimitRPS,
			Burst:                   cfg.LimitBurst,
			MaxConcurrentRequests:   cfg.LimitMaxConcurrentRequests,
			MaxSessionsPerPrincipal: cfg.MaxSessionsPerPrincipal,
		}),
	}

	s.routes()
	return s, nil
}

func buildContentService(ctx context.Context, cfg config.Config, logger *slog.Logger) (*content.Service, error) {
	library := content.DefaultLibrary()
	if cfg.StoryLibraryPath != "" {
		loaded, err := content.LoadLibraryFile(cfg.StoryLibraryPath)
		if err != nil {
			return nil, fmt.Errorf("load story library: %w", err)
		}
		library = loaded
	}

	svc := &content.Service{
		Library: library,
		Timeout: cfg.ContentTimeout,
	}
	if cfg.GeminiAPIKey != "" {
		gen, err := content.NewGenAIGenerator(ctx, cfg.GeminiAPIKey, cfg.StoryModel)
		if err != nil {
			return nil, fmt.Errorf("init story generator: %w", err)
		}
		svc.Generator = gen
	} else {
		logger.Info("story generation disabled, serving library stories only")
	}
	return svc, nil
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})

	s.mux.Handle("/v1/practice", handlers.LiveHandler{
		Config:       s.cfg,
		Engines:      s.engines,
		Content:      s.content,
		Workers:      s.pool,
		Logger:       s.logger,
		Limiter:      s.limiter,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.liveSessions,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.Auth(s.cfg, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips readiness so load balancers stop routing new work here.
func (s *Server) SetDraining(draining bool) {
	s.lifecycle.SetDraining(draining)
}

// WarnLiveSessionsDraining tells every live session the gateway is going away.
func (s *Server) WarnLiveSessionsDraining() int {
	return s.liveSessions.WarnAll("draining", "gateway is shutting down, please reconnect")
}

// WaitLiveSessions blocks until all live sessions have ended or ctx expires.
// It reports whether the registry drained in time.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.liveSessions.Wait(ctx)
}

// CancelLiveSessions force-cancels any sessions still running.
func (s *Server) CancelLiveSessions() int {
	return s.liveSessions.CancelAll()
}

// WaitWorkers blocks until in-flight frame work finishes.
func (s *Server) WaitWorkers() {
	s.pool.Wait()
}
