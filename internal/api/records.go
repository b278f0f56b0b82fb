package api

import (
	"net/http"
	"time"

	"github.com/MrWong99/medscribe/internal/factcheck"
	"github.com/MrWong99/medscribe/internal/match"
	"github.com/MrWong99/medscribe/internal/record"
	"github.com/MrWong99/medscribe/internal/telemetry"
)

type recordRequest struct {
	Transcript string `json:"transcript"`
	SessionID  string `json:"sessionId,omitempty"`
	// Check defaults to true.
	Check *bool `json:"check,omitempty"`
}

type recordResponse struct {
	Record     record.Resolved   `json:"record"`
	Unresolved int               `json:"unresolved"`
	FactCheck  *factcheck.Report `json:"factCheck,omitempty"`
}

// handleRecord generates a structured record from a consultation transcript,
// resolves its entities against the catalog and fact-checks the result.
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	opts := callOptions(r)
	start := s.d.Now()

	rec, err := s.d.Generator.Generate(ctx, req.Transcript, opts...)
	s.logOperation(ctx, req.SessionID, "record", "generate", start, err)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res := record.Resolve(s.d.Matcher, rec)
	resp := recordResponse{Record: res, Unresolved: res.Unresolved()}
	if req.Check == nil || *req.Check {
		rep := s.d.Checker.CheckRecord(ctx, res.Bundle(), opts...)
		resp.FactCheck = &rep
	}
	if req.SessionID != "" {
		s.saveRecommendations(r, req.SessionID, res, s.d.Now().Sub(start))
	}
	writeJSON(w, http.StatusOK, resp)
}

// saveRecommendations stores one recommendation per resolved entity. Failures
// are logged only; the record has been produced either way.
func (s *Server) saveRecommendations(r *http.Request, sessionID string, res record.Resolved, took time.Duration) {
	if s.d.Telemetry == nil {
		return
	}
	latency := int(took.Milliseconds())
	add := func(rec telemetry.Recommendation) {
		rec.SessionID = sessionID
		rec.LatencyMS = latency
		if _, err := s.d.Telemetry.SaveRecommendation(r.Context(), rec); err != nil {
			warn(r, "api: save recommendation", err)
		}
	}
	for _, it := range res.Diagnoses {
		add(recommendationOf("diagnosis", it.Source.Name, it.Match))
	}
	for _, it := range res.Medications {
		add(recommendationOf("medication", it.Source.Name, it.Match))
	}
	for _, it := range res.Examinations {
		add(recommendationOf("examination", it.Source.Name, it.Match))
	}
}

type named interface{ Name() string }

// recommendationOf prefers the catalog name over the model's text.
func recommendationOf[S named](typ, text string, m *match.Result[S]) telemetry.Recommendation {
	rec := telemetry.Recommendation{Type: typ, Content: text}
	if m != nil {
		rec.Content = m.Entry.Name()
		rec.Matched = true
		rec.Confidence = m.Score
	}
	return rec
}
