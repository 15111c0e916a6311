package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mattjoyce/smsbridge/internal/delivery"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Bridge:        s.bridge.Status(r.Context()),
	})
}

// handleRecord handles POST /records, the store-change notification.
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.URI = strings.TrimSpace(req.URI)
	if req.URI == "" {
		s.writeError(w, http.StatusBadRequest, "uri is required")
		return
	}

	if err := s.bridge.Notify(r.Context(), req.URI); err != nil {
		s.logger.Error("failed to queue record", "uri", req.URI, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to queue record")
		return
	}
	respondJSON(w, http.StatusAccepted, RecordResponse{URI: req.URI, Status: "queued"})
}

// handleOutcome handles POST /outcomes, a delivery outcome from the sender.
func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req OutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ResultCode == nil {
		s.writeError(w, http.StatusBadRequest, "result_code is required")
		return
	}

	err := s.bridge.HandleOutcome(r.Context(), delivery.Outcome{
		CommandID:  req.CommandID,
		URI:        req.URI,
		ResultCode: delivery.ResultCode(*req.ResultCode),
		ErrorCode:  req.ErrorCode,
	})
	switch {
	case errors.Is(err, delivery.ErrMissingCommandID):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		respondJSON(w, http.StatusOK, StatusResponse{Status: "reported"})
	}
}

// handleStop handles POST /bridge/stop.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.Stop(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "stopped"})
}

// handleReset handles POST /bridge/reset. Deletion failures are listed in
// the report rather than failing the request.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	report, err := s.bridge.SignOut(r.Context())
	if err != nil {
		s.logger.Warn("bridge reset finished with error", "error", err)
	}
	if report == nil {
		s.writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
