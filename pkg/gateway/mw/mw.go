// Package mw holds the HTTP middleware chain: request IDs, auth,
// panic recovery, access logging, CORS, and rate limiting.
package mw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/signloop/signloop/pkg/gateway/apierror"
	"github.com/signloop/signloop/pkg/gateway/auth"
	"github.com/signloop/signloop/pkg/gateway/config"
)

type ctxKeyRequestID struct{}

func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return id, ok && id != ""
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, id)
}

// RequestID adopts the caller's X-Request-ID or mints one, and echoes
// it on the response so learners can report it with support requests.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = "req_" + randHex(10)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

// Auth verifies the bearer credential against the configured key set.
// WebSocket upgrades pass through; the live handler authenticates the
// upgrade itself because browsers cannot set Authorization there.
func Auth(cfg config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebSocketUpgrade(r) || cfg.AuthMode == config.AuthModeDisabled {
			next.ServeHTTP(w, r)
			return
		}

		p, authErr := authenticate(cfg, r)
		if authErr != nil {
			authErr.RequestID, _ = RequestIDFrom(r.Context())
			writeJSONError(w, apierror.StatusFromType(authErr.Type), authErr)
			return
		}
		if p != nil {
			r = r.WithContext(auth.WithPrincipal(r.Context(), p))
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate returns the principal for the request, nil for an
// anonymous caller that is allowed through, or an error to serve.
func authenticate(cfg config.Config, r *http.Request) (*auth.Principal, *apierror.Error) {
	switch cfg.AuthMode {
	case config.AuthModeOptional, config.AuthModeRequired:
	default:
		return nil, &apierror.Error{Type: apierror.ErrAPI, Message: "invalid auth_mode"}
	}

	token, ok := auth.ParseBearer(r)
	if !ok {
		if cfg.AuthMode == config.AuthModeRequired {
			return nil, &apierror.Error{
				Type:    apierror.ErrAuthentication,
				Message: "missing bearer token",
				Param:   "Authorization",
			}
		}
		return nil, nil
	}
	if _, known := cfg.APIKeys[token]; !known {
		return nil, &apierror.Error{
			Type:    apierror.ErrAuthentication,
			Message: "invalid api key",
		}
	}
	return &auth.Principal{APIKey: token}, nil
}

func Recover(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			reqID, _ := RequestIDFrom(r.Context())
			if logger != nil {
				logger.Error("panic serving request", "request_id", reqID, "path", r.URL.Path, "panic", v)
			}
			writeJSONError(w, http.StatusInternalServerError, &apierror.Error{
				Type:      apierror.ErrAPI,
				Message:   "internal error",
				RequestID: reqID,
			})
		}()
		next.ServeHTTP(w, r)
	})
}

func AccessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped, sw := wrapStatusWriter(w)
		next.ServeHTTP(wrapped, r)
		if logger == nil {
			return
		}
		reqID, _ := RequestIDFrom(r.Context())
		logger.Info("request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// wrapStatusWriter preserves http.Flusher and http.Hijacker when the
// underlying writer supports them. The live WebSocket upgrade hijacks
// the connection through this middleware.
func wrapStatusWriter(w http.ResponseWriter) (http.ResponseWriter, *statusWriter) {
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	flusher, canFlush := w.(http.Flusher)
	hijacker, canHijack := w.(http.Hijacker)
	switch {
	case canFlush && canHijack:
		return struct {
			*statusWriter
			http.Flusher
			http.Hijacker
		}{sw, flusher, hijacker}, sw
	case canFlush:
		return struct {
			*statusWriter
			http.Flusher
		}{sw, flusher}, sw
	case canHijack:
		return struct {
			*statusWriter
			http.Hijacker
		}{sw, hijacker}, sw
	default:
		return sw, sw
	}
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(b)
}

func writeJSONError(w http.ResponseWriter, status int, err *apierror.Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierror.Envelope{Error: err})
}
