package api

import (
	"context"
	"net/http"

	"github.com/MrWong99/medscribe/internal/factcheck"
	"github.com/MrWong99/medscribe/internal/gateway"
)

// handleFactCheck runs one check. The body is the context of the kind named
// in the path. Checks never fail: model errors yield an empty result.
func (s *Server) handleFactCheck(w http.ResponseWriter, r *http.Request) {
	kind, ok := factcheck.ParseKind(r.PathValue("kind"))
	if !ok {
		writeError(w, r, invalid("unknown fact-check kind %q", r.PathValue("kind")))
		return
	}
	opts := callOptions(r)

	var res factcheck.Result
	switch kind {
	case factcheck.KindDiagnosis:
		res, ok = checkWith(w, r, opts, s.d.Checker.CheckDiagnosis)
	case factcheck.KindMedicine:
		res, ok = checkWith(w, r, opts, s.d.Checker.CheckMedicine)
	case factcheck.KindExamination:
		res, ok = checkWith(w, r, opts, s.d.Checker.CheckExamination)
	case factcheck.KindMedicalRecord:
		res, ok = checkWith(w, r, opts, s.d.Checker.CheckMedicalRecord)
	}
	if ok {
		writeJSON(w, http.StatusOK, res)
	}
}

// checkWith decodes the request into C and runs check. It reports false after
// writing an error response.
func checkWith[C any](w http.ResponseWriter, r *http.Request, opts []gateway.CallOption,
	check func(ctx context.Context, in C, opts ...gateway.CallOption) factcheck.Result,
) (factcheck.Result, bool) {
	var in C
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return factcheck.Result{}, false
	}
	return check(r.Context(), in, opts...), true
}

func (s *Server) handleRisks(w http.ResponseWriter, r *http.Request) {
	var p factcheck.PatientInfo
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.d.Checker.AnalyzeRisks(r.Context(), p, callOptions(r)...))
}
