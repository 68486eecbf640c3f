package observability

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewMetricsServer builds the metrics and probe server: /metrics, /health
// and /ready. Readiness uses the same dependency checks as health.
func NewMetricsServer(port int, healthChecker *HealthChecker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	if healthChecker != nil {
		mux.HandleFunc("GET /health", healthChecker.HealthHandler())
		mux.HandleFunc("GET /ready", healthChecker.HealthHandler())
	}

	return &http.Server{
		Addr:         net.JoinHostPort("", strconv.Itoa(port)),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
}

// Serve runs server in the background and logs unexpected exits
func Serve(server *http.Server, name string, logger *zap.Logger) {
	go func() {
		logger.Info("HTTP server listening", zap.String("server", name), zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server stopped unexpectedly", zap.String("server", name), zap.Error(err))
		}
	}()
}
