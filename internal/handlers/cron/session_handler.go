// Package cron serves scheduler-triggered maintenance endpoints
package cron

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/kevin07696/funnel-service/internal/handlers/apierror"
	"github.com/kevin07696/funnel-service/pkg/timeutil"
	"go.uber.org/zap"
)

// Sweeper removes expired funnel sessions
type Sweeper interface {
	SweepOnce(ctx context.Context) int
}

// SessionHandler handles cron job endpoints for session maintenance
type SessionHandler struct {
	sweeper    Sweeper
	cronSecret string
	clock      timeutil.Clock
	logger     *zap.Logger
}

// NewSessionHandler creates a session cron handler. An empty secret
// disables the sweep endpoint.
func NewSessionHandler(sweeper Sweeper, cronSecret string, clock timeutil.Clock, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		sweeper:    sweeper,
		cronSecret: cronSecret,
		clock:      clock,
		logger:     logger,
	}
}

// Register mounts the routes on mux
func (h *SessionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /cron/sweep-sessions", h.SweepSessions)
	mux.HandleFunc("GET /cron/health", h.HealthCheck)
}

// SweepResponse reports one sweep run
type SweepResponse struct {
	Success     bool   `json:"success"`
	Removed     int    `json:"removed"`
	ProcessedAt string `json:"processed_at"`
}

// SweepSessions handles POST /cron/sweep-sessions
func (h *SessionHandler) SweepSessions(w http.ResponseWriter, r *http.Request) {
	if !h.authenticateRequest(r) {
		h.logger.Warn("Unauthorized cron request",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
		)
		apierror.JSON(w, http.StatusUnauthorized, map[string]interface{}{
			"success": false,
			"error":   "unauthorized",
		})
		return
	}

	removed := h.sweeper.SweepOnce(r.Context())
	h.logger.Info("Session sweep triggered by cron", zap.Int("removed", removed))

	apierror.JSON(w, http.StatusOK, SweepResponse{
		Success:     true,
		Removed:     removed,
		ProcessedAt: h.clock.Now().UTC().Format(time.RFC3339),
	})
}

// authenticateRequest accepts X-Cron-Secret or a bearer token
func (h *SessionHandler) authenticateRequest(r *http.Request) bool {
	if h.cronSecret == "" {
		return false
	}
	provided := r.Header.Get("X-Cron-Secret")
	if provided == "" {
		provided = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(h.cronSecret)) == 1
}

// HealthCheck handles GET /cron/health for monitoring
func (h *SessionHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	apierror.JSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   h.clock.Now().UTC().Format(time.RFC3339),
	})
}
