// Package record turns a consultation transcript into a structured medical
// record draft and resolves its free-text entities against the reference
// catalog.
package record

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/MrWong99/medscribe/internal/gateway"
	"github.com/MrWong99/medscribe/internal/observe"
	"github.com/MrWong99/medscribe/pkg/types"
)

var (
	// ErrNotClinical is returned when the model judges the transcript not to
	// be a doctor-patient conversation.
	ErrNotClinical = errors.New("record: transcript is not a clinical consultation")

	// ErrEmptyTranscript is returned for a blank transcript.
	ErrEmptyTranscript = errors.New("record: transcript is empty")

	// ErrMalformed is returned when the reply holds no usable JSON object.
	ErrMalformed = errors.New("record: model reply is not a record")
)

// Diagnosis is a diagnosis as written by the model.
type Diagnosis struct {
	Name string `json:"name"`
	Code string `json:"code,omitempty"`
}

// Medication is one prescription line as written by the model.
type Medication struct {
	Name      string `json:"name"`
	Spec      string `json:"spec,omitempty"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	Usage     string `json:"usage,omitempty"`
	Count     string `json:"count,omitempty"`
}

// Examination is one ordered examination as written by the model.
type Examination struct {
	Name string `json:"name"`
	Goal string `json:"goal,omitempty"`
}

// Record is a generated medical record draft.
type Record struct {
	ChiefComplaint          string        `json:"chiefComplaint"`
	HistoryOfPresentIllness string        `json:"historyOfPresentIllness"`
	PastMedicalHistory      string        `json:"pastMedicalHistory"`
	Diagnoses               []Diagnosis   `json:"diagnosisList"`
	Medications             []Medication  `json:"medications"`
	Examinations            []Examination `json:"examinations"`
	TreatmentPlan           string        `json:"treatmentPlan,omitempty"`
	HealthEducation         string        `json:"healthEducation,omitempty"`
}

// Chatter is the blocking chat call of the gateway.
type Chatter interface {
	Chat(ctx context.Context, msgs []types.Message, opts ...gateway.CallOption) (string, error)
}

// Generator drafts records through a [Chatter].
type Generator struct {
	chat Chatter
}

// NewGenerator creates a Generator.
func NewGenerator(chat Chatter) *Generator {
	return &Generator{chat: chat}
}

// Generate drafts a record from transcript. Unlike fact-checking, failures
// are returned to the caller.
func (g *Generator) Generate(ctx context.Context, transcript string, opts ...gateway.CallOption) (Record, error) {
	if strings.TrimSpace(transcript) == "" {
		return Record{}, ErrEmptyTranscript
	}
	ctx, span := observe.StartSpan(ctx, "record.generate")
	defer span.End()

	raw, err := g.chat.Chat(ctx, []types.Message{
		{Role: types.RoleSystem, Content: systemPrompt},
		{Role: types.RoleUser, Content: userPrompt(transcript)},
	}, opts...)
	if err != nil {
		return Record{}, fmt.Errorf("record: generate: %w", err)
	}
	return Parse(raw)
}

var fence = regexp.MustCompile("```(?:json)?")

// Parse decodes a model reply into a Record. Numbers and other scalars in
// text fields are kept as their literal text.
func Parse(raw string) (Record, error) {
	s := fence.ReplaceAllString(raw, "")
	start, end := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}')
	if start < 0 || end < start || !gjson.Valid(s[start:end+1]) {
		return Record{}, ErrMalformed
	}
	doc := gjson.Parse(s[start : end+1])

	if e := doc.Get("error"); e.Exists() {
		msg := doc.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		return Record{}, fmt.Errorf("%w: %s", ErrNotClinical, msg)
	}

	rec := Record{
		ChiefComplaint:          doc.Get("chiefComplaint").String(),
		HistoryOfPresentIllness: doc.Get("historyOfPresentIllness").String(),
		PastMedicalHistory:      doc.Get("pastMedicalHistory").String(),
		TreatmentPlan:           doc.Get("treatmentPlan").String(),
		HealthEducation:         doc.Get("healthEducation").String(),
		Diagnoses:               []Diagnosis{},
		Medications:             []Medication{},
		Examinations:            []Examination{},
	}
	doc.Get("diagnosisList").ForEach(func(_, v gjson.Result) bool {
		if name := strings.TrimSpace(v.Get("name").String()); name != "" {
			rec.Diagnoses = append(rec.Diagnoses, Diagnosis{Name: name, Code: v.Get("code").String()})
		}
		return true
	})
	doc.Get("medications").ForEach(func(_, v gjson.Result) bool {
		if name := strings.TrimSpace(v.Get("name").String()); name != "" {
			rec.Medications = append(rec.Medications, Medication{
				Name:      name,
				Spec:      v.Get("spec").String(),
				Dosage:    v.Get("dosage").String(),
				Frequency: v.Get("frequency").String(),
				Usage:     v.Get("usage").String(),
				Count:     v.Get("count").String(),
			})
		}
		return true
	})
	doc.Get("examinations").ForEach(func(_, v gjson.Result) bool {
		if name := strings.TrimSpace(v.Get("name").String()); name != "" {
			rec.Examinations = append(rec.Examinations, Examination{Name: name, Goal: v.Get("goal").String()})
		}
		return true
	})
	return rec, nil
}
