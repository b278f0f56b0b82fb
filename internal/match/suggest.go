package match

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"
)

// Kind selects one of the catalog tables.
type Kind string

const (
	KindDiagnosis   Kind = "diagnosis"
	KindMedicine    Kind = "medicine"
	KindExamination Kind = "examination"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindDiagnosis, KindMedicine, KindExamination:
		return k, nil
	default:
		return "", fmt.Errorf("match: unknown kind %q", s)
	}
}

// Suggestion is a catalog name ranked by string similarity.
type Suggestion struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Similarity float64 `json:"similarity"`
}

// Suggest ranks up to n entries of the kind's table by Jaro-Winkler similarity
// to query. It is meant for presenting alternatives when a query stays
// unresolved and takes no part in [Matcher] decisions. Entries scoring zero are
// omitted; equal scores keep catalog order.
func (m *Matcher) Suggest(kind Kind, query string, n int) []Suggestion {
	q := normalize(query)
	if q == "" || n <= 0 {
		return nil
	}

	var out []Suggestion
	add := func(id, name string, names ...string) {
		best := 0.0
		for _, s := range names {
			if s == "" {
				continue
			}
			best = max(best, matchr.JaroWinkler(q, strings.ToLower(s), false))
		}
		if best > 0 {
			out = append(out, Suggestion{ID: id, Name: name, Similarity: best})
		}
	}

	switch kind {
	case KindDiagnosis:
		for _, d := range m.diagnoses {
			add(d.ID(), d.Name(), d.Name(), d.Code())
		}
	case KindMedicine:
		for _, med := range m.medicines {
			add(med.ID(), med.Name(), med.Name(), med.GenericName())
		}
	case KindExamination:
		for _, e := range m.examinations {
			add(e.ID(), e.Name(), e.Name())
		}
	}

	slices.SortStableFunc(out, func(a, b Suggestion) int {
		return cmp.Compare(b.Similarity, a.Similarity)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
