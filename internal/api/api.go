// Package api exposes the consultation core over HTTP.
//
// Routes are registered on a [http.ServeMux] using method-qualified
// patterns; [Server.Handler] wraps the mux with [observe.Middleware]. All
// request and response bodies are JSON except the raw audio body of
// /v1/transcribe and the SSE stream of /v1/chat.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/medscribe/internal/factcheck"
	"github.com/MrWong99/medscribe/internal/gateway"
	"github.com/MrWong99/medscribe/internal/health"
	"github.com/MrWong99/medscribe/internal/match"
	"github.com/MrWong99/medscribe/internal/observe"
	"github.com/MrWong99/medscribe/internal/record"
	"github.com/MrWong99/medscribe/internal/speech"
	"github.com/MrWong99/medscribe/internal/telemetry"
	"github.com/MrWong99/medscribe/pkg/provider/llm"
	"github.com/MrWong99/medscribe/pkg/types"
)

// maxJSONBody caps JSON request bodies.
const maxJSONBody = 1 << 20

// apiKeyHeader carries a per-request credential override.
const apiKeyHeader = "X-API-Key"

// Streamer is the streaming chat call of the gateway.
type Streamer interface {
	ChatStream(ctx context.Context, msgs []types.Message, opts ...gateway.CallOption) (<-chan llm.Chunk, error)
}

// Recordings hands out speech sessions. NewSession serves one-shot uploads;
// Begin, Lookup, Release and End manage recordings streamed over several
// requests. The application swaps the backing service when the
// configuration changes.
type Recordings interface {
	NewSession() *speech.Session
	Begin() (string, error)
	Lookup(id string) (*speech.Session, bool)
	Release(id string)
	End(id string)
}

// Deps are the collaborators of a [Server]. Telemetry and Health may be nil.
type Deps struct {
	Matcher   *match.Matcher
	Chat      Streamer
	Speech    Recordings
	Checker   *factcheck.Checker
	Generator *record.Generator
	Telemetry *telemetry.Recorder
	Health    *health.Handler
	Metrics   *observe.Metrics
	// MetricsHandler serves /metrics. Default: the default Prometheus
	// registry.
	MetricsHandler http.Handler
	// MaxAudio caps the /v1/transcribe body. Zero allows twice the
	// fallback payload limit.
	MaxAudio int64
	Now      func() time.Time
}

// Server serves the HTTP API.
type Server struct {
	d   Deps
	mux *http.ServeMux
}

// New creates a Server and registers every route.
func New(d Deps) *Server {
	if d.Metrics == nil {
		d.Metrics = observe.DefaultMetrics()
	}
	if d.MetricsHandler == nil {
		d.MetricsHandler = promhttp.Handler()
	}
	if d.MaxAudio <= 0 {
		d.MaxAudio = speech.DefaultFallbackMaxBytes * 2
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Server{d: d, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	m := s.mux
	m.HandleFunc("POST /v1/match/{kind}", s.handleMatch)
	m.HandleFunc("GET /v1/diagnoses/{code}/related", s.handleRelated)
	m.HandleFunc("POST /v1/chat", s.handleChat)
	m.HandleFunc("POST /v1/transcribe", s.handleTranscribe)
	m.HandleFunc("POST /v1/recordings", s.handleBeginRecording)
	m.HandleFunc("POST /v1/recordings/{id}/audio", s.handleRecordingAudio)
	m.HandleFunc("POST /v1/recordings/{id}/finish", s.handleFinishRecording)
	m.HandleFunc("DELETE /v1/recordings/{id}", s.handleCancelRecording)
	m.HandleFunc("POST /v1/factcheck/{kind}", s.handleFactCheck)
	m.HandleFunc("POST /v1/records", s.handleRecord)
	m.HandleFunc("POST /v1/risks", s.handleRisks)
	m.HandleFunc("POST /v1/sessions", s.handleStartSession)
	m.HandleFunc("POST /v1/sessions/{id}/end", s.handleEndSession)
	m.HandleFunc("POST /v1/feedback", s.handleFeedback)
	m.HandleFunc("GET /v1/stats", s.handleStats)
	m.HandleFunc("GET /v1/export", s.handleExport)
	m.Handle("GET /metrics", s.d.MetricsHandler)
	if s.d.Health != nil {
		s.d.Health.Register(m)
	}
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return observe.Middleware(s.d.Metrics)(s.mux)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// callOptions extracts per-request gateway options.
func callOptions(r *http.Request) []gateway.CallOption {
	if key := r.Header.Get(apiKeyHeader); key != "" {
		return []gateway.CallOption{gateway.WithAPIKey(key)}
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("api: request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// badRequest marks a client error.
type badRequest struct{ err error }

func (b badRequest) Error() string { return b.err.Error() }
func (b badRequest) Unwrap() error { return b.err }

func invalid(format string, args ...any) error {
	return badRequest{fmt.Errorf(format, args...)}
}

// statusOf maps domain errors onto HTTP status codes.
func statusOf(err error) int {
	var (
		br badRequest
		se *types.StatusError
		ne *types.NetworkError
		fe *speech.FallbackError
	)
	switch {
	case errors.As(err, &br), errors.Is(err, record.ErrEmptyTranscript):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrMissingAPIKey):
		return http.StatusUnauthorized
	case errors.Is(err, telemetry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, speech.ErrBusy), errors.Is(err, speech.ErrNotCollecting), errors.Is(err, speech.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, speech.ErrTooManyRecordings):
		return http.StatusTooManyRequests
	case errors.Is(err, record.ErrNotClinical):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &se), errors.As(err, &ne), errors.As(err, &fe), errors.Is(err, record.ErrMalformed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return invalid("invalid request body: %v", err)
	}
	return nil
}

// parseTime accepts RFC 3339 or Unix seconds. Empty yields the zero time.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, invalid("invalid time %q", s)
	}
	return t, nil
}

func parseRange(r *http.Request) (telemetry.Range, error) {
	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		return telemetry.Range{}, err
	}
	to, err := parseTime(r.URL.Query().Get("to"))
	if err != nil {
		return telemetry.Range{}, err
	}
	return telemetry.Range{From: from, To: to}, nil
}

// logOperation writes an audit entry when telemetry is enabled.
func (s *Server) logOperation(ctx context.Context, sessionID, typ, name string, start time.Time, err error) {
	if s.d.Telemetry == nil {
		return
	}
	l := telemetry.OperationLog{
		SessionID:  sessionID,
		Type:       typ,
		Name:       name,
		Success:    err == nil,
		DurationMS: int(s.d.Now().Sub(start).Milliseconds()),
	}
	if err != nil {
		l.Details = err.Error()
	}
	s.d.Telemetry.LogOperation(ctx, l)
}

func warn(r *http.Request, msg string, err error) {
	observe.Logger(r.Context()).Warn(msg, "err", err)
}
