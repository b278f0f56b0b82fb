package api

import (
	"net/http"
	"strings"

	"github.com/MrWong99/medscribe/internal/catalog"
	"github.com/MrWong99/medscribe/internal/match"
)

// defaultSuggestions is the number of alternatives returned for an
// unresolved query when the request does not ask for a count.
const defaultSuggestions = 5

type matchRequest struct {
	Query string `json:"query"`
	// Suggest caps the alternatives returned when nothing matched. Negative
	// disables them.
	Suggest int `json:"suggest"`
}

type matchResponse struct {
	Kind        match.Kind         `json:"kind"`
	Query       string             `json:"query"`
	Match       any                `json:"match"`
	Suggestions []match.Suggestion `json:"suggestions,omitempty"`
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	kind, err := match.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, r, invalid("%v", err))
		return
	}
	var req matchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, invalid("query is required"))
		return
	}

	resp := matchResponse{Kind: kind, Query: req.Query}
	method := "none"
	switch kind {
	case match.KindDiagnosis:
		if res, ok := s.d.Matcher.MatchDiagnosis(req.Query); ok {
			resp.Match, method = res, string(res.Method)
		}
	case match.KindMedicine:
		if res, ok := s.d.Matcher.MatchMedicine(req.Query); ok {
			resp.Match, method = res, string(res.Method)
		}
	case match.KindExamination:
		if res, ok := s.d.Matcher.MatchExamination(req.Query); ok {
			resp.Match, method = res, string(res.Method)
		}
	}
	s.d.Metrics.RecordMatch(r.Context(), string(kind), method)

	if resp.Match == nil && req.Suggest >= 0 {
		n := req.Suggest
		if n == 0 {
			n = defaultSuggestions
		}
		resp.Suggestions = s.d.Matcher.Suggest(kind, req.Query, n)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	related := s.d.Matcher.Related(r.PathValue("code"))
	if related == nil {
		related = []catalog.Diagnosis{}
	}
	writeJSON(w, http.StatusOK, related)
}
