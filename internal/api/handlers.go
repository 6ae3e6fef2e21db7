package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"security-risk-engine/internal/engine"
	"security-risk-engine/internal/reporting"
	"security-risk-engine/internal/schema"
)

const healthTimeout = 2 * time.Second

// APIError is the body of every non-2xx response that is not a LogResult.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message, details string) {
	writeJSON(w, status, APIError{
		Code:    code,
		Message: message,
		Details: details,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

// handleLogEvent ingests one security event. The body of the response is
// always a LogResult.
func (s *Server) handleLogEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	var raw schema.RawEvent
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, schema.FailedResult("invalid request: body too large"))
			return
		}
		writeJSON(w, http.StatusBadRequest, schema.FailedResult("invalid request: malformed JSON body"))
		return
	}

	result := s.engine.LogSecurityEvent(r.Context(), raw)
	switch {
	case result.Success:
		writeJSON(w, http.StatusCreated, result)
	case engine.ServerFault(result):
		writeJSON(w, http.StatusInternalServerError, result)
	default:
		writeJSON(w, http.StatusBadRequest, result)
	}
}

// handleReport builds a report for ?from=&to= (RFC 3339), with optional
// include_details and archive flags.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	req, err := parseReportRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", err.Error())
		return
	}

	report, err := s.engine.GenerateSecurityReport(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, report)
	case errors.Is(err, reporting.ErrInvalidRange):
		writeJSONError(w, http.StatusBadRequest, "INVALID_RANGE", "invalid report range", "from must not be after to")
	case errors.Is(err, engine.ErrReportingDisabled):
		writeJSONError(w, http.StatusServiceUnavailable, "REPORTING_DISABLED", "reporting is not enabled", "")
	default:
		s.logger.Error("report generation failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", s.sanitizer.Message(err), "")
	}
}

func parseReportRequest(r *http.Request) (reporting.Request, error) {
	q := r.URL.Query()
	var req reporting.Request

	from, to := q.Get("from"), q.Get("to")
	if from == "" || to == "" {
		return req, errors.New("from and to are required")
	}
	var err error
	if req.From, err = time.Parse(time.RFC3339, from); err != nil {
		return req, errors.New("from must be an RFC 3339 timestamp")
	}
	if req.To, err = time.Parse(time.RFC3339, to); err != nil {
		return req, errors.New("to must be an RFC 3339 timestamp")
	}
	if req.IncludeRawEvents, err = optionalBool(q.Get("include_details")); err != nil {
		return req, errors.New("include_details must be a boolean")
	}
	if req.Archive, err = optionalBool(q.Get("archive")); err != nil {
		return req, errors.New("archive must be a boolean")
	}
	return req, nil
}

func optionalBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.engine.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
