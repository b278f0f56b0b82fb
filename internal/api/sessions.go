package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/medscribe/internal/telemetry"
)

var errTelemetryDisabled = errors.New("api: telemetry is disabled")

// requireTelemetry writes 503 and reports false when no recorder is set.
func (s *Server) requireTelemetry(w http.ResponseWriter) bool {
	if s.d.Telemetry != nil {
		return true
	}
	writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errTelemetryDisabled.Error()})
	return false
}

type startSessionRequest struct {
	PatientID   string                `json:"patientId"`
	PatientName string                `json:"patientName"`
	Type        telemetry.SessionType `json:"sessionType"`
	Metadata    json.RawMessage       `json:"metadata,omitempty"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireTelemetry(w) {
		return
	}
	var req startSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !req.Type.Valid() {
		writeError(w, r, invalid("unknown session type %q", req.Type))
		return
	}
	sess, err := s.d.Telemetry.StartSession(r.Context(), telemetry.Session{
		PatientID:   req.PatientID,
		PatientName: req.PatientName,
		Type:        req.Type,
		Metadata:    string(req.Metadata),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type endSessionRequest struct {
	Status telemetry.SessionStatus `json:"status"`
}

// handleEndSession closes a session. An empty body completes it.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireTelemetry(w) {
		return
	}
	req := endSessionRequest{Status: telemetry.StatusCompleted}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if !req.Status.Valid() || req.Status == telemetry.StatusActive {
		writeError(w, r, invalid("invalid final status %q", req.Status))
		return
	}
	if err := s.d.Telemetry.EndSession(r.Context(), r.PathValue("id"), req.Status); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if !s.requireTelemetry(w) {
		return
	}
	var f telemetry.Feedback
	if err := decodeJSON(w, r, &f); err != nil {
		writeError(w, r, err)
		return
	}
	if err := telemetry.ValidateFeedback(f); err != nil {
		writeError(w, r, badRequest{err})
		return
	}
	saved, err := s.d.Telemetry.SaveFeedback(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireTelemetry(w) {
		return
	}
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := s.d.Telemetry.Stats(r.Context(), rng)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleExport streams the dataset of the requested range as an attachment.
// The export is buffered so a store failure still yields a JSON error.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if !s.requireTelemetry(w) {
		return
	}
	q := r.URL.Query().Get("format")
	if q == "" {
		q = string(telemetry.FormatJSON)
	}
	format, err := telemetry.ParseFormat(q)
	if err != nil {
		writeError(w, r, badRequest{err})
		return
	}
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	now := s.d.Now()
	var buf bytes.Buffer
	if err := telemetry.Export(r.Context(), s.d.Telemetry.Store(), format, rng, now, &buf); err != nil {
		writeError(w, r, err)
		return
	}
	name := telemetry.ExportName(format, now)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	_, _ = w.Write(buf.Bytes())
}
