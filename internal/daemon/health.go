package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Pinger is the connectivity probe the health endpoint reports on.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer provides HTTP health check endpoints for the daemon.
type HealthServer struct {
	pinger Pinger
	addr   string
	server *http.Server
}

// NewHealthServer creates a new health check server on addr.
func NewHealthServer(pinger Pinger, addr string) *HealthServer {
	if addr == "" {
		addr = ":8080"
	}
	return &HealthServer{
		pinger: pinger,
		addr:   addr,
	}
}

// Start starts the HTTP health check server.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)

	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	// Start server in background
	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Health server error: %v\n", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the health check server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK if the journal backend is reachable, 503 otherwise.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Check journal connectivity with timeout
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status: "healthy",
	}

	err := h.pinger.Ping(ctx)
	if err != nil {
		response.Status = "unhealthy"
		response.Journal = "disconnected"
		response.Error = err.Error()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(response)
		return
	}

	response.Journal = "connected"

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status  string `json:"status"`
	Journal string `json:"journal,omitempty"`
	Error   string `json:"error,omitempty"`
}
