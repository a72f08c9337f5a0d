// Package handlers contains the HTTP endpoints of the gateway.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/signloop/signloop/pkg/gateway/config"
	"github.com/signloop/signloop/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		AuthMode       string   `json:"auth_mode"`
		Draining       bool     `json:"draining"`
		DrainingMS     int64    `json:"draining_ms,omitempty"`
		StoriesEnabled bool     `json:"stories_enabled"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}

	if h.Config.LiveMaxFrameBytes <= 0 {
		issues = append(issues, "live max frame bytes must be > 0")
	}
	if h.Config.LiveMaxJSONMessageBytes <= 0 {
		issues = append(issues, "live max json message bytes must be > 0")
	}
	if h.Config.LiveHeartbeatInterval <= 0 || h.Config.LiveHeartbeatMissedLimit <= 0 {
		issues = append(issues, "heartbeat settings must be > 0")
	}
	if h.Config.LiveMaxSessionDuration <= 0 {
		issues = append(issues, "live max session duration must be > 0")
	}
	if h.Config.MaxSessionsPerPrincipal <= 0 {
		issues = append(issues, "max sessions per principal must be > 0")
	}
	if h.Config.WorkerPoolSize <= 0 {
		issues = append(issues, "worker pool size must be > 0")
	}
	if h.Config.ConsecutiveErrorLimit <= 0 {
		issues = append(issues, "consecutive error limit must be > 0")
	}
	if strings.TrimSpace(h.Config.EngineBaseURL) == "" {
		issues = append(issues, "engine base url must be set")
	}
	if h.Config.ReadHeaderTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "gateway is draining")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		AuthMode:       string(h.Config.AuthMode),
		Draining:       draining,
		DrainingMS:     h.Lifecycle.DrainingFor(time.Now()).Milliseconds(),
		StoriesEnabled: strings.TrimSpace(h.Config.GeminiAPIKey) != "",
		Issues:         issues,
	})
}
