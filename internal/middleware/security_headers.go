package middleware

import (
	"net/http"
	"strings"
)

// SecurityHeaders sets browser hardening headers on API responses and
// answers CORS preflights for the funnel pages' origins
type SecurityHeaders struct {
	isDevelopment  bool
	allowedOrigins map[string]bool
	allowAny       bool
}

// NewSecurityHeaders creates the middleware. An origin of "*" allows any
// origin and is only honoured in development.
func NewSecurityHeaders(isDevelopment bool, allowedOrigins []string) *SecurityHeaders {
	sh := &SecurityHeaders{
		isDevelopment:  isDevelopment,
		allowedOrigins: make(map[string]bool, len(allowedOrigins)),
	}
	for _, o := range allowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			sh.allowAny = isDevelopment
			continue
		}
		if o != "" {
			sh.allowedOrigins[o] = true
		}
	}
	return sh
}

// Middleware wraps an HTTP handler with security headers
func (sh *SecurityHeaders) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), usb=()")
		h.Set("X-Permitted-Cross-Domain-Policies", "none")

		// HSTS breaks plain-http local development
		if !sh.isDevelopment {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		}

		origin := r.Header.Get("Origin")
		if origin != "" && sh.originAllowed(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (sh *SecurityHeaders) originAllowed(origin string) bool {
	return sh.allowAny || sh.allowedOrigins[strings.TrimRight(origin, "/")]
}
