// Package config loads gateway settings from SIGNLOOP_* environment
// variables with validated defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like
	// X-Forwarded-For. Enable only behind a trusted proxy or LB.
	TrustProxyHeaders bool

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Live WebSocket sessions (/v1/live).
	LiveMaxFrameBytes        int
	LiveMaxJSONMessageBytes  int64
	LiveMaxFrameFPS          int
	LiveMaxFrameBPS          int64
	LiveInboundBurstSeconds  int
	LiveHeartbeatInterval    time.Duration
	LiveHeartbeatMissedLimit int
	LiveWSWriteTimeout       time.Duration
	LiveWSReadTimeout        time.Duration
	LiveHandshakeTimeout     time.Duration
	LiveMaxSessionDuration   time.Duration
	LiveOutboundQueueSize    int

	// Per-principal HTTP limits.
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int

	// Per-principal session admission.
	MaxSessionsPerPrincipal int

	// Frame workers.
	WorkerPoolSize        int
	ConsecutiveErrorLimit int

	// Landmark engine service.
	EngineBaseURL        string
	EngineAPIKey         string
	EngineConnectTimeout time.Duration
	EngineRequestTimeout time.Duration

	// Story content.
	GeminiAPIKey     string
	StoryModel       string
	ContentTimeout   time.Duration
	StoryLibraryPath string

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

// OriginAllowed reports whether the browser origin is on the CORS
// allowlist. An empty allowlist admits nothing.
func (c Config) OriginAllowed(origin string) bool {
	_, ok := c.CORSAllowedOrigins[origin]
	return ok
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("SIGNLOOP_ADDR", ":8080"),
		AuthMode:                   AuthMode(envOr("SIGNLOOP_AUTH_MODE", string(AuthModeDisabled))),
		APIKeys:                    make(map[string]struct{}),
		TrustProxyHeaders:          envBoolOr("SIGNLOOP_TRUST_PROXY_HEADERS", false),
		CORSAllowedOrigins:         make(map[string]struct{}),
		LiveMaxFrameBytes:          envIntOr("SIGNLOOP_LIVE_MAX_FRAME_BYTES", 1<<20), // 1 MiB decoded
		LiveMaxJSONMessageBytes:    envInt64Or("SIGNLOOP_LIVE_MAX_JSON_MESSAGE_BYTES", 2<<20),
		LiveMaxFrameFPS:            envIntOr("SIGNLOOP_LIVE_MAX_FRAME_FPS", 30),
		LiveMaxFrameBPS:            envInt64Or("SIGNLOOP_LIVE_MAX_FRAME_BPS", 8<<20),
		LiveInboundBurstSeconds:    envIntOr("SIGNLOOP_LIVE_INBOUND_BURST_SECONDS", 2),
		LiveHeartbeatInterval:      envDurationOr("SIGNLOOP_LIVE_HEARTBEAT_INTERVAL", 15*time.Second),
		LiveHeartbeatMissedLimit:   envIntOr("SIGNLOOP_LIVE_HEARTBEAT_MISSED_LIMIT", 3),
		LiveWSWriteTimeout:         envDurationOr("SIGNLOOP_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:          envDurationOr("SIGNLOOP_LIVE_WS_READ_TIMEOUT", 0),
		LiveHandshakeTimeout:       envDurationOr("SIGNLOOP_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		LiveMaxSessionDuration:     envDurationOr("SIGNLOOP_LIVE_MAX_DURATION", 2*time.Hour),
		LiveOutboundQueueSize:      envIntOr("SIGNLOOP_LIVE_OUTBOUND_QUEUE_SIZE", 128),
		LimitRPS:                   envFloat64Or("SIGNLOOP_LIMIT_RPS", 0),
		LimitBurst:                 envIntOr("SIGNLOOP_LIMIT_BURST", 0),
		LimitMaxConcurrentRequests: envIntOr("SIGNLOOP_LIMIT_MAX_CONCURRENT_REQUESTS", 0),
		MaxSessionsPerPrincipal:    envIntOr("SIGNLOOP_MAX_SESSIONS_PER_PRINCIPAL", 2),
		WorkerPoolSize:             envIntOr("SIGNLOOP_WORKER_POOL_SIZE", 8),
		ConsecutiveErrorLimit:      envIntOr("SIGNLOOP_CONSECUTIVE_ERROR_LIMIT", 5),
		EngineBaseURL:              envOr("SIGNLOOP_ENGINE_BASE_URL", "http://localhost:9090"),
		EngineAPIKey:               strings.TrimSpace(os.Getenv("SIGNLOOP_ENGINE_API_KEY")),
		EngineConnectTimeout:       envDurationOr("SIGNLOOP_ENGINE_CONNECT_TIMEOUT", 5*time.Second),
		EngineRequestTimeout:       envDurationOr("SIGNLOOP_ENGINE_REQUEST_TIMEOUT", 10*time.Second),
		GeminiAPIKey:               strings.TrimSpace(os.Getenv("SIGNLOOP_GEMINI_API_KEY")),
		StoryModel:                 envOr("SIGNLOOP_STORY_MODEL", "gemini-2.0-flash"),
		ContentTimeout:             envDurationOr("SIGNLOOP_CONTENT_TIMEOUT", 10*time.Second),
		StoryLibraryPath:           strings.TrimSpace(os.Getenv("SIGNLOOP_STORY_LIBRARY")),
		ReadHeaderTimeout:          envDurationOr("SIGNLOOP_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:        envDurationOr("SIGNLOOP_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("SIGNLOOP_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("SIGNLOOP_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("SIGNLOOP_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.LiveMaxFrameBytes <= 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_LIVE_MAX_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxFrameFPS < 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_LIVE_MAX_FRAME_FPS must be >= 0")
	}
	if cfg.LiveMaxFrameBPS < 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_LIVE_MAX_FRAME_BPS must be >= 0")
	}
	if cfg.LiveInboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_LIVE_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.LiveMaxFrameFPS > 0 || cfg.LiveMaxFrameBPS > 0) && cfg.LiveInboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("SIGNLOOP_LIVE_INBOUND_BURST_SECONDS must be >= 1 when inbound frame limits are enabled")
	}
	if cfg.LiveHeartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_LIVE_HEARTBEAT_INTERVAL must be > 0")
	}
	if cfg.LiveHeartbeatMissedLimit <= 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_LIVE_HEARTBEAT_MISSED_LIMIT must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_LIVE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveMaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_LIVE_MAX_DURATION must be > 0")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_LIVE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_LIMIT_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.MaxSessionsPerPrincipal <= 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_MAX_SESSIONS_PER_PRINCIPAL must be > 0")
	}
	if cfg.WorkerPoolSize <= 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_WORKER_POOL_SIZE must be > 0")
	}
	if cfg.ConsecutiveErrorLimit <= 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_CONSECUTIVE_ERROR_LIMIT must be > 0")
	}
	if strings.TrimSpace(cfg.EngineBaseURL) == "" {
		return Config{}, fmt.Errorf("SIGNLOOP_ENGINE_BASE_URL must not be empty")
	}
	if cfg.EngineConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_ENGINE_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.EngineRequestTimeout <= 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_ENGINE_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.ContentTimeout <= 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_CONTENT_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("SIGNLOOP_API_KEYS must be set when SIGNLOOP_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
