// Package match resolves free-text entity names produced by a model onto
// entries of the reference [catalog.Catalog].
//
// Resolution runs in priority order and the first success wins:
//
//  1. Empty or whitespace-only queries never match.
//  2. Exact, case-insensitive equality with an entry's name (diagnoses also
//     compare the code). The first entry in catalog order wins. A medicine's
//     generic name is left to fuzzy scoring, where it scores 0.9.
//  3. Diagnoses only: code-prefix match. The shortest matching code wins, ties
//     are broken lexicographically.
//  4. Fuzzy scoring with [Score]. Medicines take the higher of the generic
//     name and product name scores. Only a strictly higher score replaces the
//     current best, so ties keep catalog order.
//  5. The fuzzy winner is accepted only if its score exceeds the threshold
//     (default 0.3).
//
// "No match" is a normal outcome reported through the boolean return value.
// The matcher never returns an error and never panics. All methods are safe
// for concurrent use.
package match

import (
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/medscribe/internal/catalog"
)

// DefaultThreshold is the fuzzy score a candidate must exceed to be accepted.
const DefaultThreshold = 0.3

// Method names the resolution step that produced a [Result].
type Method string

const (
	MethodExact      Method = "exact"
	MethodCodePrefix Method = "code_prefix"
	MethodFuzzy      Method = "fuzzy"
)

// Result is a resolved catalog entry. Entry is a copy; the matcher never hands
// out references into the catalog.
type Result[T any] struct {
	Entry T `json:"entry"`
	// Score is in [0,1]. Exact and code-prefix matches score 1.
	Score  float64 `json:"score"`
	Method Method  `json:"method"`
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithThreshold overrides the fuzzy acceptance threshold. Default: 0.3.
func WithThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.threshold = threshold
	}
}

// Matcher resolves queries against a catalog. It is read-only after
// construction.
type Matcher struct {
	diagnoses    []catalog.Diagnosis
	medicines    []catalog.Medicine
	examinations []catalog.Examination
	threshold    float64
}

// New creates a Matcher over cat.
func New(cat *catalog.Catalog, opts ...Option) *Matcher {
	m := &Matcher{
		diagnoses:    cat.Diagnoses(),
		medicines:    cat.Medicines(),
		examinations: cat.Examinations(),
		threshold:    DefaultThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func normalize(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

func equalFold(normalized, s string) bool {
	return s != "" && strings.ToLower(s) == normalized
}

// MatchDiagnosis resolves query against the diagnosis table.
func (m *Matcher) MatchDiagnosis(query string) (Result[catalog.Diagnosis], bool) {
	q := normalize(query)
	if q == "" {
		return Result[catalog.Diagnosis]{}, false
	}

	for _, d := range m.diagnoses {
		if equalFold(q, d.Name()) || equalFold(q, d.Code()) {
			return Result[catalog.Diagnosis]{Entry: d, Score: 1, Method: MethodExact}, true
		}
	}

	if d, ok := m.codePrefix(q); ok {
		return Result[catalog.Diagnosis]{Entry: d, Score: 1, Method: MethodCodePrefix}, true
	}

	best, bestScore := -1, 0.0
	for i, d := range m.diagnoses {
		if s := Score(q, d.Name(), d.Keywords()); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 || bestScore <= m.threshold {
		return Result[catalog.Diagnosis]{}, false
	}
	return Result[catalog.Diagnosis]{Entry: m.diagnoses[best], Score: bestScore, Method: MethodFuzzy}, true
}

// codePrefix returns the diagnosis with the shortest code that starts with q.
func (m *Matcher) codePrefix(q string) (catalog.Diagnosis, bool) {
	var (
		best     catalog.Diagnosis
		bestCode string
		found    bool
	)
	for _, d := range m.diagnoses {
		code := strings.ToLower(d.Code())
		if !strings.HasPrefix(code, q) {
			continue
		}
		if !found || len(code) < len(bestCode) || (len(code) == len(bestCode) && code < bestCode) {
			best, bestCode, found = d, code, true
		}
	}
	return best, found
}

// MatchMedicine resolves query against the medicine table.
func (m *Matcher) MatchMedicine(query string) (Result[catalog.Medicine], bool) {
	q := normalize(query)
	if q == "" {
		return Result[catalog.Medicine]{}, false
	}

	for _, med := range m.medicines {
		if equalFold(q, med.Name()) {
			return Result[catalog.Medicine]{Entry: med, Score: 1, Method: MethodExact}, true
		}
	}

	best, bestScore := -1, 0.0
	for i, med := range m.medicines {
		kw := med.Keywords()
		s := max(Score(q, med.GenericName(), kw), Score(q, med.Name(), kw))
		if s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 || bestScore <= m.threshold {
		return Result[catalog.Medicine]{}, false
	}
	return Result[catalog.Medicine]{Entry: m.medicines[best], Score: bestScore, Method: MethodFuzzy}, true
}

// MatchExamination resolves query against the examination item table.
func (m *Matcher) MatchExamination(query string) (Result[catalog.Examination], bool) {
	q := normalize(query)
	if q == "" {
		return Result[catalog.Examination]{}, false
	}

	for _, e := range m.examinations {
		if equalFold(q, e.Name()) {
			return Result[catalog.Examination]{Entry: e, Score: 1, Method: MethodExact}, true
		}
	}

	best, bestScore := -1, 0.0
	for i, e := range m.examinations {
		if s := Score(q, e.Name(), e.Keywords()); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 || bestScore <= m.threshold {
		return Result[catalog.Examination]{}, false
	}
	return Result[catalog.Examination]{Entry: m.examinations[best], Score: bestScore, Method: MethodFuzzy}, true
}

// Related returns the diagnoses sharing the category prefix of code: the part
// before the first '.', cut to at most three characters. "J06.9" yields every
// diagnosis whose code starts with "J06".
func (m *Matcher) Related(code string) []catalog.Diagnosis {
	prefix := normalize(code)
	if i := strings.IndexByte(prefix, '.'); i >= 0 {
		prefix = prefix[:i]
	}
	if r := []rune(prefix); len(r) > 3 {
		prefix = string(r[:3])
	}
	if prefix == "" {
		return nil
	}
	var out []catalog.Diagnosis
	for _, d := range m.diagnoses {
		if strings.HasPrefix(strings.ToLower(d.Code()), prefix) {
			out = append(out, d)
		}
	}
	return out
}

// SplitCombined splits compound terms such as "A+B", "A＋B", "A和B" or "A、B"
// into their trimmed, non-empty parts. '+' always separates. 和 and 、 are
// kept wherever known reports the joined text as a name of its own, so
// "保和丸" survives when the catalog lists it. known may be nil.
func SplitCombined(query string, known func(string) bool) []string {
	var out []string
	for _, piece := range strings.FieldsFunc(query, func(r rune) bool { return r == '+' || r == '＋' }) {
		out = append(out, splitListed(piece, known)...)
	}
	return out
}

func splitListed(piece string, known func(string) bool) []string {
	isKnown := func(s string) bool { return known != nil && known(strings.TrimSpace(s)) }
	if isKnown(piece) {
		return []string{strings.TrimSpace(piece)}
	}

	// frags[i] follows seps[i-1] in piece.
	var frags, seps []string
	from := 0
	for i, r := range piece {
		if r == '和' || r == '、' {
			frags = append(frags, piece[from:i])
			seps = append(seps, string(r))
			from = i + utf8.RuneLen(r)
		}
	}
	frags = append(frags, piece[from:])

	var out []string
	emit := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	cur := frags[0]
	for i, next := range frags[1:] {
		if joined := cur + seps[i] + next; isKnown(joined) {
			cur = joined
			continue
		}
		emit(cur)
		cur = next
	}
	emit(cur)
	return out
}
