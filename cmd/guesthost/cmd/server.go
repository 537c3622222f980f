package cmd

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/reglet-dev/reglet-embed/domain/entities"
	"github.com/reglet-dev/reglet-embed/host"
	"github.com/reglet-dev/reglet-embed/infrastructure/metrics"
)

// healthStatus is the /healthz response body.
type healthStatus struct {
	StartedAt *time.Time `json:"started_at,omitempty"`
	State     string     `json:"state"`
	Handle    string     `json:"handle,omitempty"`
	InFlight  int64      `json:"in_flight"`
}

func newRouter(collector *metrics.Collector, rt *host.Runtime) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		snap := rt.Snapshot()
		body := healthStatus{
			State:    snap.State.String(),
			Handle:   snap.HandleID,
			InFlight: snap.InFlight,
		}
		if snap.HandleLive {
			body.StartedAt = &snap.StartedAt
		}

		w.Header().Set("Content-Type", "application/json")
		if snap.State != entities.StateRunning {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(body)
	}).Methods(http.MethodGet)
	return router
}

// serveMetrics starts the metrics and health endpoint in the background.
func serveMetrics(addr string, collector *metrics.Collector, rt *host.Runtime, logger *zap.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:           newRouter(collector, rt),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return srv, nil
}

func shutdown(srv *http.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown", zap.Error(err))
	}
}
