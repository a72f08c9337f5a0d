package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signloop/signloop/pkg/gateway/apierror"
	"github.com/signloop/signloop/pkg/gateway/auth"
	"github.com/signloop/signloop/pkg/gateway/config"
	"github.com/signloop/signloop/pkg/gateway/content"
	"github.com/signloop/signloop/pkg/gateway/lifecycle"
	"github.com/signloop/signloop/pkg/gateway/live/engine"
	"github.com/signloop/signloop/pkg/gateway/live/protocol"
	"github.com/signloop/signloop/pkg/gateway/live/session"
	"github.com/signloop/signloop/pkg/gateway/live/sessions"
	"github.com/signloop/signloop/pkg/gateway/live/workers"
	"github.com/signloop/signloop/pkg/gateway/mw"
	"github.com/signloop/signloop/pkg/gateway/principal"
	"github.com/signloop/signloop/pkg/gateway/ratelimit"
)

// LiveHandler upgrades /v1/live to a WebSocket and runs the practice
// session for the connected learner.
type LiveHandler struct {
	Config       config.Config
	Engines      engine.Provider
	Content      *content.Service
	Workers      *workers.Pool
	Logger       *slog.Logger
	Limiter      *ratelimit.Limiter
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Registry
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		reqID, _ := mw.RequestIDFrom(r.Context())
		writeAPIErrorJSON(w, reqID, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		reqID, _ := mw.RequestIDFrom(r.Context())
		writeAPIErrorJSON(w, reqID, &apierror.Error{Type: apierror.ErrOverloaded, Message: "gateway is draining", Code: "draining"}, 529)
		return
	}
	if !h.originAllowed(r) {
		reqID, _ := mw.RequestIDFrom(r.Context())
		writeAPIErrorJSON(w, reqID, &apierror.Error{Type: apierror.ErrPermission, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}
	if h.Engines == nil || h.Workers == nil {
		reqID, _ := mw.RequestIDFrom(r.Context())
		writeAPIErrorJSON(w, reqID, &apierror.Error{Type: apierror.ErrAPI, Message: "live sessions are not configured"}, http.StatusInternalServerError)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.LiveMaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.LiveMaxJSONMessageBytes)
	}

	handshakeTimeout := h.Config.LiveHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.writeWSError(conn, protocol.ErrKindProtocol, "failed to read hello", "", true)
		return
	}
	if messageType != websocket.TextMessage {
		h.writeWSError(conn, protocol.ErrKindProtocol, "first message must be hello", "", true)
		return
	}

	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		h.writeWSDecodeError(conn, err)
		return
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		h.writeWSError(conn, protocol.ErrKindProtocol, "first message must be hello", "", true)
		return
	}

	principalKey, authErr := h.resolvePrincipal(r)
	if authErr != nil {
		h.writeWSError(conn, protocol.ErrKindProtocol, authErr.Error(), "", true)
		return
	}

	if h.Limiter != nil && h.Config.MaxSessionsPerPrincipal > 0 {
		dec := h.Limiter.AcquireSession(principalKey, time.Now())
		if !dec.Allowed {
			h.writeWSError(conn, protocol.ErrKindProtocol, "too many active sessions", "", true)
			return
		}
		defer dec.Permit.Release()
	}

	tier, _ := session.TierFromString(hello.Quality)
	sessionID := "s_" + randHex(8)
	ack, err := protocol.Encode(protocol.TypeHelloAck, protocol.ServerHelloAck{
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       sessionID,
		Quality:         tier.String(),
		Limits: &protocol.HelloAckLimits{
			MaxFrameBytes:       h.Config.LiveMaxFrameBytes,
			MaxJSONMessageBytes: int(h.Config.LiveMaxJSONMessageBytes),
			MaxFrameFPS:         h.Config.LiveMaxFrameFPS,
			MaxFrameBPS:         h.Config.LiveMaxFrameBPS,
			HeartbeatMS:         int(h.Config.LiveHeartbeatInterval / time.Millisecond),
		},
	})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
		return
	}
	startAt := time.Now()
	_ = conn.SetReadDeadline(time.Time{})

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    h.Logger,
		Engine:    h.Engines,
		Content:   h.Content,
		Lane:      h.Workers.Lane(),
		Hello:     hello,
		SessionID: sessionID,
		RequestID: requestIDFromContext(r.Context()),
		StartTime: startAt,
		Config: session.Config{
			MaxFrameBytes:         h.Config.LiveMaxFrameBytes,
			MaxJSONMessageBytes:   h.Config.LiveMaxJSONMessageBytes,
			MaxFrameFPS:           h.Config.LiveMaxFrameFPS,
			MaxFrameBPS:           h.Config.LiveMaxFrameBPS,
			InboundBurstSeconds:   h.Config.LiveInboundBurstSeconds,
			HeartbeatInterval:     h.Config.LiveHeartbeatInterval,
			HeartbeatMissedLimit:  h.Config.LiveHeartbeatMissedLimit,
			WriteTimeout:          h.Config.LiveWSWriteTimeout,
			ReadTimeout:           h.Config.LiveWSReadTimeout,
			MaxSessionDuration:    h.Config.LiveMaxSessionDuration,
			ContentTimeout:        h.Config.ContentTimeout,
			ConsecutiveErrorLimit: h.Config.ConsecutiveErrorLimit,
			OutboundQueueSize:     h.Config.LiveOutboundQueueSize,
		},
	})
	if err != nil {
		h.writeWSError(conn, protocol.ErrKindEngine, "failed to initialize session", "", true)
		return
	}

	unregister := func() {}
	if h.LiveSessions != nil {
		unregister = h.LiveSessions.Register(sessionID, s.Handle())
	}
	defer unregister()

	if err := s.Run(); err != nil {
		if h.Logger != nil {
			h.Logger.Warn("live session ended with error", "session_id", sessionID, "request_id", requestIDFromContext(r.Context()), "error", err)
		}
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients send no Origin.
		return true
	}
	return h.Config.OriginAllowed(origin)
}

// resolvePrincipal authenticates the upgrade request. Browsers cannot
// set Authorization on WebSocket requests, so an api_key query
// parameter is accepted as well.
func (h LiveHandler) resolvePrincipal(r *http.Request) (string, error) {
	apiKey, _ := auth.Credential(r)

	switch h.Config.AuthMode {
	case config.AuthModeRequired:
		if apiKey == "" {
			return "", fmt.Errorf("missing api key")
		}
		if _, ok := h.Config.APIKeys[apiKey]; !ok {
			return "", fmt.Errorf("invalid api key")
		}
		return ratelimit.PrincipalKeyFromAPIKey(apiKey), nil
	case config.AuthModeOptional:
		if apiKey != "" {
			if _, ok := h.Config.APIKeys[apiKey]; !ok {
				return "", fmt.Errorf("invalid api key")
			}
			return ratelimit.PrincipalKeyFromAPIKey(apiKey), nil
		}
		return resolveAnonPrincipal(r, h.Config), nil
	case config.AuthModeDisabled:
		return resolveAnonPrincipal(r, h.Config), nil
	default:
		return "", fmt.Errorf("invalid auth mode")
	}
}

func resolveAnonPrincipal(r *http.Request, cfg config.Config) string {
	p := principal.Resolve(r, cfg)
	if strings.TrimSpace(p.Key) == "" {
		return "anonymous"
	}
	return p.Key
}

func (h LiveHandler) writeWSDecodeError(conn *websocket.Conn, err error) {
	msg := "invalid hello"
	param := ""
	if de, ok := err.(*protocol.DecodeError); ok {
		msg = de.Message
		param = de.Param
	}
	h.writeWSError(conn, protocol.ErrKindProtocol, msg, param, true)
}

func (h LiveHandler) writeWSError(conn *websocket.Conn, kind, message, param string, close bool) {
	payload, err := protocol.Encode(protocol.TypeError, protocol.ServerError{Kind: kind, Message: message, Param: param, Close: close})
	if err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}
	if close {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
	}
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}
