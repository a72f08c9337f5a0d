// Package principal resolves the rate-limiting identity of a request:
// API key when authenticated, client IP otherwise.
package principal

import (
	"net"
	"net/http"
	"strings"

	"github.com/signloop/signloop/pkg/gateway/auth"
	"github.com/signloop/signloop/pkg/gateway/config"
	"github.com/signloop/signloop/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindIP     Kind = "ip"
	KindAnon   Kind = "anonymous"
)

type Resolved struct {
	Kind Kind
	// Raw is the raw resolved identifier (API key or IP). It must not be logged.
	Raw string
	// Key is a hashed identifier suitable for in-memory maps.
	Key string
}

var anonymous = Resolved{Kind: KindAnon, Key: "anonymous"}

func Resolve(r *http.Request, cfg config.Config) Resolved {
	if r == nil {
		return anonymous
	}

	if p, ok := auth.PrincipalFrom(r.Context()); ok && strings.TrimSpace(p.APIKey) != "" {
		return Resolved{
			Kind: KindAPIKey,
			Raw:  p.APIKey,
			Key:  ratelimit.PrincipalKeyFromAPIKey(p.APIKey),
		}
	}

	if ip := clientIP(r, cfg.TrustProxyHeaders); ip != "" {
		return Resolved{
			Kind: KindIP,
			Raw:  ip,
			Key:  ratelimit.PrincipalKeyFromIP(ip),
		}
	}
	return anonymous
}

// clientIP picks the peer address, consulting proxy headers only when
// the deployment says they can be trusted. A spoofable identity would
// let one caller spread load across many limiter buckets.
func clientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		for _, header := range []string{"CF-Connecting-IP", "X-Real-IP"} {
			if ip := parseIP(r.Header.Get(header)); ip != "" {
				return ip
			}
		}
		// XFF can be "client, proxy1, proxy2". Take the left-most.
		if raw := r.Header.Get("X-Forwarded-For"); raw != "" {
			if ip := parseIP(strings.Split(raw, ",")[0]); ip != "" {
				return ip
			}
		}
	}
	return parseIP(r.RemoteAddr)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// Some proxies include a port; accept "ip:port" as well.
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}

	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}
