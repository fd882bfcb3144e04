package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"huerto/go-mqtt-ingest/internal/model"
	"huerto/go-mqtt-ingest/internal/stats"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	queryTimeout = 2 * time.Second
)

// Store is the read side of the storage gateway.
type Store interface {
	Ping(ctx context.Context) error
	QueryTelemetryByTimestamp(ctx context.Context, deviceID string, limit int) ([]model.TelemetryRecord, error)
	QueryStatus(ctx context.Context, deviceID string, limit int) ([]model.StatusRecord, error)
	QueryHeartbeats(ctx context.Context, deviceID string, limit int) ([]model.HeartbeatRecord, error)
	Devices(ctx context.Context) ([]string, error)
}

// Sender forwards an operator command to a device.
type Sender interface {
	Send(deviceID, command string) error
}

// Server exposes stored records and command dispatch over HTTP.
type Server struct {
	store  Store
	sender Sender
	stats  *stats.Stats
	// ready reports whether the broker connection is running.
	ready  func() bool
	logger *slog.Logger
}

func New(store Store, sender Sender, st *stats.Stats, ready func() bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{store: store, sender: sender, stats: st, ready: ready, logger: logger}
}

// Routes returns the HTTP handler for every endpoint.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/api/sensor-data", s.handleSensorData)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/heartbeats", s.handleHeartbeats)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/send-command", s.handleSendCommand)
	return withCORS(mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	if s.store == nil || s.store.Ping(ctx) != nil || !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (s *Server) handleSensorData(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	records, err := s.store.QueryTelemetryByTimestamp(ctx, deviceParam(r), limitParam(r))
	if err != nil {
		s.logger.Error("failed to load sensor data", "error", err)
		http.Error(w, "failed to load sensor data", http.StatusInternalServerError)
		return
	}

	// ascending by timestamp for charting
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	devices, err := s.store.Devices(ctx)
	if err != nil {
		s.logger.Error("failed to load devices", "error", err)
		http.Error(w, "failed to load devices", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	records, err := s.store.QueryStatus(ctx, deviceParam(r), limitParam(r))
	if err != nil {
		s.logger.Error("failed to load status updates", "error", err)
		http.Error(w, "failed to load status updates", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHeartbeats(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	records, err := s.store.QueryHeartbeats(ctx, deviceParam(r), limitParam(r))
	if err != nil {
		s.logger.Error("failed to load heartbeats", "error", err)
		http.Error(w, "failed to load heartbeats", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req struct {
		DeviceID string `json:"device_id"`
		Command  string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" || req.Command == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device_id and command required"})
		return
	}

	if err := s.sender.Send(deviceID, req.Command); err != nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func deviceParam(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("device_id"))
}

func limitParam(r *http.Request) int {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = min(parsed, maxLimit)
		}
	}
	return limit
}
