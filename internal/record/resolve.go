package record

import (
	"strings"

	"github.com/MrWong99/medscribe/internal/catalog"
	"github.com/MrWong99/medscribe/internal/factcheck"
	"github.com/MrWong99/medscribe/internal/match"
)

// Item pairs the model's free text with its catalog match. Match is nil when
// the text stays unresolved; the text is kept either way.
type Item[T any, S any] struct {
	Source T                `json:"source"`
	Match  *match.Result[S] `json:"match,omitempty"`
}

// Resolved is a record whose entities were looked up in the catalog.
type Resolved struct {
	Record       Record                                   `json:"record"`
	Diagnoses    []Item[Diagnosis, catalog.Diagnosis]     `json:"diagnoses"`
	Medications  []Item[Medication, catalog.Medicine]     `json:"medications"`
	Examinations []Item[Examination, catalog.Examination] `json:"examinations"`
}

// Unresolved counts the items without a catalog match.
func (r Resolved) Unresolved() int {
	n := 0
	for _, it := range r.Diagnoses {
		if it.Match == nil {
			n++
		}
	}
	for _, it := range r.Medications {
		if it.Match == nil {
			n++
		}
	}
	for _, it := range r.Examinations {
		if it.Match == nil {
			n++
		}
	}
	return n
}

// Resolve matches every entity of rec. Compound medication and examination
// names the model failed to split ("A+B") become separate items; a name the
// catalog knows verbatim is never split.
func Resolve(m *match.Matcher, rec Record) Resolved {
	out := Resolved{
		Record:       rec,
		Diagnoses:    []Item[Diagnosis, catalog.Diagnosis]{},
		Medications:  []Item[Medication, catalog.Medicine]{},
		Examinations: []Item[Examination, catalog.Examination]{},
	}

	for _, d := range rec.Diagnoses {
		it := Item[Diagnosis, catalog.Diagnosis]{Source: d}
		if res, ok := m.MatchDiagnosis(d.Name); ok {
			it.Match = &res
		} else if d.Code != "" {
			if res, ok := m.MatchDiagnosis(d.Code); ok {
				it.Match = &res
			}
		}
		out.Diagnoses = append(out.Diagnoses, it)
	}

	for _, med := range rec.Medications {
		for _, p := range resolveNames(med.Name, m.MatchMedicine) {
			src := med
			src.Name = p.name
			out.Medications = append(out.Medications, Item[Medication, catalog.Medicine]{Source: src, Match: p.match})
		}
	}

	for _, ex := range rec.Examinations {
		for _, p := range resolveNames(ex.Name, m.MatchExamination) {
			src := ex
			src.Name = p.name
			out.Examinations = append(out.Examinations, Item[Examination, catalog.Examination]{Source: src, Match: p.match})
		}
	}
	return out
}

type named[T any] struct {
	name  string
	match *match.Result[T]
}

// resolveNames splits name into the catalog terms it lists. When two parts
// land on the same entry they were fragments of one name, and name is
// matched whole instead.
func resolveNames[T interface{ ID() string }](name string, lookup func(string) (match.Result[T], bool)) []named[T] {
	exact := func(s string) bool {
		res, ok := lookup(s)
		return ok && res.Method == match.MethodExact
	}
	parts := match.SplitCombined(name, exact)

	out := make([]named[T], 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		n := named[T]{name: p}
		if res, ok := lookup(p); ok {
			if seen[res.Entry.ID()] && len(parts) > 1 {
				return []named[T]{whole(name, lookup)}
			}
			seen[res.Entry.ID()] = true
			n.match = &res
		}
		out = append(out, n)
	}
	return out
}

func whole[T any](name string, lookup func(string) (match.Result[T], bool)) named[T] {
	name = strings.TrimSpace(name)
	n := named[T]{name: name}
	if res, ok := lookup(name); ok {
		n.match = &res
	}
	return n
}

// Bundle builds the fact-check input for r. Catalog names replace the model's
// wording where a match exists.
func (r Resolved) Bundle() factcheck.Bundle {
	var (
		b        factcheck.Bundle
		primary  string
		symptoms []string
	)
	if r.Record.ChiefComplaint != "" {
		symptoms = []string{r.Record.ChiefComplaint}
	}

	for _, it := range r.Diagnoses {
		name := it.Source.Name
		if it.Match != nil {
			name = it.Match.Entry.Name()
		}
		if primary == "" {
			primary = name
		}
		b.Record.Diagnoses = append(b.Record.Diagnoses, name)
		b.Diagnoses = append(b.Diagnoses, factcheck.DiagnosisContext{
			Diagnosis:               name,
			ChiefComplaint:          r.Record.ChiefComplaint,
			HistoryOfPresentIllness: r.Record.HistoryOfPresentIllness,
			Symptoms:                symptoms,
		})
	}

	for _, it := range r.Medications {
		mc := factcheck.MedicineContext{
			MedicineName:  it.Source.Name,
			Specification: it.Source.Spec,
			Dosage:        it.Source.Dosage,
			Frequency:     it.Source.Frequency,
			Diagnosis:     primary,
		}
		if it.Match != nil {
			mc.MedicineName = it.Match.Entry.Name()
			if mc.Specification == "" {
				mc.Specification = it.Match.Entry.Spec()
			}
		}
		b.Record.Medicines = append(b.Record.Medicines, mc.MedicineName)
		b.Medicines = append(b.Medicines, mc)
	}

	for _, it := range r.Examinations {
		ec := factcheck.ExaminationContext{
			ExaminationName: it.Source.Name,
			Diagnosis:       primary,
			Symptoms:        symptoms,
		}
		if it.Match != nil {
			ec.ExaminationName = it.Match.Entry.Name()
			ec.Category = it.Match.Entry.Category()
		}
		b.Record.Examinations = append(b.Record.Examinations, ec.ExaminationName)
		b.Examinations = append(b.Examinations, ec)
	}

	b.Record.ChiefComplaint = r.Record.ChiefComplaint
	b.Record.HistoryOfPresentIllness = r.Record.HistoryOfPresentIllness
	return b
}
