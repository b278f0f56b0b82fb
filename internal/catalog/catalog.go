// Package catalog holds the reference tables that free-text model output is
// resolved against: diagnoses, medicines and examination items.
//
// A [Catalog] is built once with [Load], [LoadCSV] or [LoadDir] and is
// read-only afterwards. Entry fields are unexported and every getter returns a
// copy, so concurrent readers need no locking.
package catalog

import (
	"slices"
	"strconv"
	"strings"
)

// Diagnosis is one row of the diagnosis table.
type Diagnosis struct {
	id       string
	code     string
	name     string
	keywords []string
}

// ID returns the stable identifier of the row.
func (d Diagnosis) ID() string { return d.id }

// Code returns the ICD-10-like code. Child codes share prefixes with their
// parents, so codes are not unique.
func (d Diagnosis) Code() string { return d.code }

// Name returns the display name.
func (d Diagnosis) Name() string { return d.name }

// Keywords returns the alias strings used only for matching.
func (d Diagnosis) Keywords() []string { return slices.Clone(d.keywords) }

// Medicine is one row of the medicine table.
type Medicine struct {
	id          string
	name        string
	genericName string
	spec        string
	price       float64
	unit        string
	typ         string
	keywords    []string
}

func (m Medicine) ID() string          { return m.id }
func (m Medicine) Name() string        { return m.name }
func (m Medicine) GenericName() string { return m.genericName }

// Spec returns the package specification, e.g. "0.25g*24粒/盒".
func (m Medicine) Spec() string       { return m.spec }
func (m Medicine) Price() float64     { return m.price }
func (m Medicine) Unit() string       { return m.unit }
func (m Medicine) Type() string       { return m.typ }
func (m Medicine) Keywords() []string { return slices.Clone(m.keywords) }

// Examination is one row of the examination item table.
type Examination struct {
	id       string
	name     string
	price    float64
	category string
	keywords []string
}

func (e Examination) ID() string         { return e.id }
func (e Examination) Name() string       { return e.name }
func (e Examination) Price() float64     { return e.price }
func (e Examination) Category() string   { return e.category }
func (e Examination) Keywords() []string { return slices.Clone(e.keywords) }

// Catalog is the immutable set of reference tables.
type Catalog struct {
	diagnoses    []Diagnosis
	medicines    []Medicine
	examinations []Examination
}

// Counts reports the number of rows per table.
type Counts struct {
	Diagnoses    int `json:"diagnoses"`
	Medicines    int `json:"medicines"`
	Examinations int `json:"examinations"`
}

// Diagnoses returns all diagnoses in load order.
func (c *Catalog) Diagnoses() []Diagnosis { return slices.Clone(c.diagnoses) }

// Medicines returns all medicines in load order.
func (c *Catalog) Medicines() []Medicine { return slices.Clone(c.medicines) }

// Examinations returns all examination items in load order.
func (c *Catalog) Examinations() []Examination { return slices.Clone(c.examinations) }

// Counts returns the table sizes.
func (c *Catalog) Counts() Counts {
	return Counts{
		Diagnoses:    len(c.diagnoses),
		Medicines:    len(c.medicines),
		Examinations: len(c.examinations),
	}
}

// Rows is one raw table: the first row is the header, the rest are data rows.
// Column order is taken from the header.
type Rows [][]string

// Tables bundles the three raw tables fed to [Load].
type Tables struct {
	Diagnoses    Rows
	Medicines    Rows
	Examinations Rows
}

// Load builds a Catalog from raw rows. Loading never fails: a missing column
// becomes an empty string, an unparseable price becomes 0 and blank rows are
// skipped.
func Load(t Tables) *Catalog {
	c := &Catalog{}
	for r := range records(t.Diagnoses) {
		c.diagnoses = append(c.diagnoses, Diagnosis{
			id:       r.get("id"),
			code:     r.get("code"),
			name:     r.get("name"),
			keywords: parseKeywords(r.get("keywords")),
		})
	}
	for r := range records(t.Medicines) {
		c.medicines = append(c.medicines, Medicine{
			id:          r.get("id"),
			name:        r.get("name"),
			genericName: r.get("genericName"),
			spec:        r.get("spec"),
			price:       parsePrice(r.get("price")),
			unit:        r.get("unit"),
			typ:         r.get("type"),
			keywords:    parseKeywords(r.get("keywords")),
		})
	}
	for r := range records(t.Examinations) {
		c.examinations = append(c.examinations, Examination{
			id:       r.get("id"),
			name:     r.get("name"),
			price:    parsePrice(r.get("price")),
			category: r.get("category"),
			keywords: parseKeywords(r.get("keywords")),
		})
	}
	return c
}

// record is a data row addressed by header name.
type record struct {
	index  map[string]int
	values []string
}

func (r record) get(col string) string {
	i, ok := r.index[col]
	if !ok || i >= len(r.values) {
		return ""
	}
	return strings.TrimSpace(r.values[i])
}

// records yields every non-blank data row of rows.
func records(rows Rows) func(yield func(record) bool) {
	return func(yield func(record) bool) {
		if len(rows) < 2 {
			return
		}
		index := make(map[string]int, len(rows[0]))
		for i, h := range rows[0] {
			// Header names may carry a UTF-8 BOM when exported from spreadsheets.
			h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
			if _, dup := index[h]; !dup {
				index[h] = i
			}
		}
		for _, row := range rows[1:] {
			if blank(row) {
				continue
			}
			if !yield(record{index: index, values: row}) {
				return
			}
		}
	}
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func parseKeywords(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for k := range strings.SplitSeq(s, "|") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func parsePrice(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
