package factcheck

import (
	"context"

	"github.com/MrWong99/medscribe/internal/gateway"
)

// Bundle is everything checked for one generated record.
type Bundle struct {
	Record       MedicalRecordContext `json:"record"`
	Diagnoses    []DiagnosisContext   `json:"diagnoses,omitempty"`
	Medicines    []MedicineContext    `json:"medicines,omitempty"`
	Examinations []ExaminationContext `json:"examinations,omitempty"`
}

// Report holds one Result per checked artifact, in Bundle order.
type Report struct {
	Record       Result   `json:"record"`
	Diagnoses    []Result `json:"diagnoses"`
	Medicines    []Result `json:"medicines"`
	Examinations []Result `json:"examinations"`
}

// Issues returns every issue of the report, record-level first.
func (r Report) Issues() []Issue {
	out := append([]Issue{}, r.Record.Issues...)
	for _, group := range [][]Result{r.Diagnoses, r.Medicines, r.Examinations} {
		for _, res := range group {
			out = append(out, res.Issues...)
		}
	}
	return out
}

// HasIssues reports whether any check found an issue.
func (r Report) HasIssues() bool { return len(r.Issues()) > 0 }

// CheckRecord runs the record check and then every per-item check, one model
// call at a time. Like the single checks it never fails; a failed item yields
// an empty Result in its slot. Once ctx is done the remaining slots stay
// empty.
func (c *Checker) CheckRecord(ctx context.Context, b Bundle, opts ...gateway.CallOption) Report {
	rep := Report{
		Diagnoses:    make([]Result, len(b.Diagnoses)),
		Medicines:    make([]Result, len(b.Medicines)),
		Examinations: make([]Result, len(b.Examinations)),
	}

	rep.Record = c.CheckMedicalRecord(ctx, b.Record, opts...)
	for i, d := range b.Diagnoses {
		if ctx.Err() != nil {
			return rep
		}
		rep.Diagnoses[i] = c.CheckDiagnosis(ctx, d, opts...)
	}
	for i, m := range b.Medicines {
		if ctx.Err() != nil {
			return rep
		}
		rep.Medicines[i] = c.CheckMedicine(ctx, m, opts...)
	}
	for i, e := range b.Examinations {
		if ctx.Err() != nil {
			return rep
		}
		rep.Examinations[i] = c.CheckExamination(ctx, e, opts...)
	}
	return rep
}
