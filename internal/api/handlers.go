package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"mdvr/internal/door"
	"mdvr/internal/logging"
	"mdvr/internal/sensor"
	"mdvr/internal/types"
)

// maxEventsLimit caps GET /api/events
const maxEventsLimit = 1000

// CommandResponse answers the reed switch commands
type CommandResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
	Autostop    bool   `json:"autostop"`
	SecondsLeft int    `json:"seconds_left"`
}

// EventsResponse answers GET /api/events
type EventsResponse struct {
	Events []types.HealthEvent `json:"events"`
	Count  int                 `json:"count"`
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

// writeErrorResponse writes a JSON error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().Unix(),
	})
}

// handleStatus returns the latest status snapshot
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gate.Status())
}

// handleInitialize activates the door sensor with the API autostop
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	err := s.gate.Initialize(r.Context(), s.config.AutostopSeconds)
	if err != nil {
		logging.LogError(s.logger, err, "api", "initialize")

		statusCode := http.StatusInternalServerError
		var hwErr *sensor.HardwareInitError
		if errors.As(err, &hwErr) {
			statusCode = http.StatusServiceUnavailable
		}
		s.writeJSON(w, statusCode, CommandResponse{Success: false, Error: err.Error()})
		return
	}

	status := s.gate.Status()
	s.writeJSON(w, http.StatusOK, CommandResponse{
		Success:     true,
		Message:     "Door sensor initialized",
		Autostop:    status.Autostop,
		SecondsLeft: status.SecondsLeft,
	})
}

// handleStop stops recording and releases the door sensor
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.Deactivate(r.Context()); err != nil {
		logging.LogError(s.logger, err, "api", "stop")
		s.writeJSON(w, http.StatusInternalServerError, CommandResponse{Success: false, Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, CommandResponse{Success: true, Message: "Door sensor monitoring stopped"})
}

// handleEvents lists journaled health events, most recent first
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeErrorResponse(w, "Event journal is disabled", http.StatusNotFound)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeErrorResponse(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}

	events, err := s.events.List(limit)
	if err != nil {
		logging.LogError(s.logger, err, "api", "list_events")
		s.writeErrorResponse(w, "Failed to read event journal", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, EventsResponse{Events: events, Count: len(events)})
}

// handleWebSocket upgrades to a status stream
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// the upgrader writes the HTTP error itself
	_ = s.ws.HandleWebSocketConnection(w, r)
}

var _ Gate = (*door.Gate)(nil)
