package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MazinLab/picturec/internal/metrics"
	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/pkg/store"
	"github.com/rs/zerolog"
)

// HealthServer serves /healthz and /metrics for one agent process.
type HealthServer struct {
	server *http.Server
	store  *store.Client
	agent  string
	logger zerolog.Logger
}

// HealthResponse is the JSON body of /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Device string `json:"device,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewHealthServer creates a health server listening on all interfaces at
// port. It is not started until Start is called.
func NewHealthServer(st *store.Client, agent string, port int, logger zerolog.Logger) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		store:  st,
		agent:  agent,
		logger: logger,
	}

	mux.HandleFunc("/healthz", hs.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Handler exposes the routes for tests.
func (hs *HealthServer) Handler() http.Handler {
	return hs.server.Handler
}

// Start serves in a background goroutine and returns immediately. Server
// errors are logged, never fatal.
func (hs *HealthServer) Start() {
	go func() {
		hs.logger.Debug().Str("addr", hs.server.Addr).Msg("Health server starting")
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			hs.logger.Error().Err(err).Msg("Health server error")
		}
	}()
}

// Shutdown waits for in-flight requests until ctx expires.
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	return hs.server.Shutdown(ctx)
}

// handleHealthz returns 200 when Redis answers and the device is not in
// ERROR, 503 otherwise.
func (hs *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{Status: "healthy"}
	statusCode := http.StatusOK

	if err := hs.store.Ping(ctx); err != nil {
		response = HealthResponse{Status: "unhealthy", Error: err.Error()}
		statusCode = http.StatusServiceUnavailable
	} else if entry, err := hs.store.Get(ctx, schema.HealthKey(hs.agent)); err == nil {
		response.Device = entry.Value
		if entry.Value == schema.HealthError {
			response.Status = "unhealthy"
			response.Error = "device status is ERROR"
			statusCode = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		hs.logger.Error().Err(err).Msg("Failed to encode health response")
	}
}
