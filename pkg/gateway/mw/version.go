package mw

import (
	"net/http"
	"strings"

	"github.com/signloop/signloop/pkg/gateway/apierror"
	"github.com/signloop/signloop/pkg/gateway/live/protocol"
)

const apiVersionHeader = "X-SignLoop-Version"

// APIVersion rejects /v1 requests that pin an API version the gateway
// does not speak. Requests without the header pass through; WebSocket
// upgrades negotiate their version inside the hello handshake instead.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isWebSocketUpgrade(r) || !isV1Path(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if bad, ok := unsupportedVersion(r.Header.Values(apiVersionHeader)); ok {
			reqID, _ := RequestIDFrom(r.Context())
			writeJSONError(w, http.StatusBadRequest, &apierror.Error{
				Type:      apierror.ErrInvalidRequest,
				Message:   "unsupported API version " + bad,
				Param:     apiVersionHeader,
				Code:      "unsupported_version",
				RequestID: reqID,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// unsupportedVersion scans the header values, which may be comma
// separated, and returns the first version the gateway cannot serve.
func unsupportedVersion(values []string) (string, bool) {
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			v := strings.TrimSpace(part)
			if v == "" {
				continue
			}
			if v != protocol.ProtocolVersion1 {
				return v, true
			}
		}
	}
	return "", false
}

func isV1Path(path string) bool {
	return path == "/v1" || strings.HasPrefix(path, "/v1/")
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !headerHasToken(r.Header, "Connection", "upgrade") {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
