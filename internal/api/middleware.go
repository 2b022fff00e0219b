// Package api serves the gateway's status and command HTTP endpoints.
package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/nexus-edge/medole-gateway/internal/adapter/config"
	"github.com/rs/zerolog"
)

// Middleware wraps handlers with CORS, body limits and API key checks.
type Middleware struct {
	config config.APIConfig
	logger zerolog.Logger
}

// NewMiddleware creates a new middleware with the given configuration.
func NewMiddleware(cfg config.APIConfig, logger zerolog.Logger) *Middleware {
	return &Middleware{
		config: cfg,
		logger: logger.With().Str("component", "api-middleware").Logger(),
	}
}

// CORS adds CORS headers. It returns true when it answered a preflight.
func (m *Middleware) CORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	allowedOrigin := ""
	if len(m.config.AllowedOrigins) == 0 {
		allowedOrigin = "*"
	} else {
		for _, o := range m.config.AllowedOrigins {
			if o == "*" || o == origin {
				allowedOrigin = origin
				break
			}
		}
	}
	if allowedOrigin == "" {
		m.logger.Warn().Str("origin", origin).Msg("CORS: origin not allowed")
		return false
	}

	w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
	w.Header().Set("Access-Control-Max-Age", "86400")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return true
	}
	return false
}

// Secure applies CORS, the body limit and, when enabled, the API key check.
func (m *Middleware) Secure(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.CORS(w, r) {
			return
		}
		m.limitBody(w, r)

		if m.config.AuthEnabled && !m.authorized(r) {
			m.logger.Warn().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Msg("Authentication failed")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// ReadOnly applies CORS and the body limit but no auth.
func (m *Middleware) ReadOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.CORS(w, r) {
			return
		}
		m.limitBody(w, r)
		next(w, r)
	}
}

func (m *Middleware) limitBody(w http.ResponseWriter, r *http.Request) {
	if m.config.MaxRequestBodySize > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, m.config.MaxRequestBodySize)
	}
}

func (m *Middleware) authorized(r *http.Request) bool {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	return key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(m.config.APIKey)) == 1
}
