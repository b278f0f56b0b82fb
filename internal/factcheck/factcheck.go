// Package factcheck asks the chat model to review clinical artifacts and
// turns its free-form reply into a validated issue list.
//
// Fact-checking is advisory. The Check* methods never return an error: any
// failure along the way (upstream, parsing, validation) yields an empty
// [Result] stamped with the check time, and is logged.
package factcheck

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/medscribe/internal/gateway"
	"github.com/MrWong99/medscribe/internal/observe"
	"github.com/MrWong99/medscribe/pkg/types"
)

// Kind is the artifact type an issue refers to.
type Kind string

const (
	KindDiagnosis     Kind = "diagnosis"
	KindMedicine      Kind = "medicine"
	KindExamination   Kind = "examination"
	KindMedicalRecord Kind = "medical_record"
)

// ParseKind maps an API path segment to a Kind. "record" is accepted as a
// short form of medical_record.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "diagnosis":
		return KindDiagnosis, true
	case "medicine":
		return KindMedicine, true
	case "examination":
		return KindExamination, true
	case "medical_record", "record":
		return KindMedicalRecord, true
	}
	return "", false
}

// idPrefix is the leading part of generated issue IDs.
func (k Kind) idPrefix() string {
	if k == KindMedicalRecord {
		return "record"
	}
	return string(k)
}

// Severity grades an issue.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Issue is one validated finding.
type Issue struct {
	ID         string   `json:"id"`
	Type       Kind     `json:"type"`
	Severity   Severity `json:"severity"`
	Content    string   `json:"content"`
	Issue      string   `json:"issue"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// Result is the outcome of one check. HasIssues is true only when Issues is
// non-empty.
type Result struct {
	HasIssues bool      `json:"hasIssues"`
	Issues    []Issue   `json:"issues"`
	CheckedAt time.Time `json:"checkedAt"`
}

func emptyResult(now time.Time) Result {
	return Result{Issues: []Issue{}, CheckedAt: now}
}

// ── Contexts ─────────────────────────────────────────────────────────────────

// DiagnosisContext is the input of [Checker.CheckDiagnosis].
type DiagnosisContext struct {
	Diagnosis               string   `json:"diagnosis"`
	ChiefComplaint          string   `json:"chiefComplaint,omitempty"`
	HistoryOfPresentIllness string   `json:"historyOfPresentIllness,omitempty"`
	Symptoms                []string `json:"symptoms,omitempty"`
}

// MedicineContext is the input of [Checker.CheckMedicine].
type MedicineContext struct {
	MedicineName  string `json:"medicineName"`
	Specification string `json:"specification,omitempty"`
	Dosage        string `json:"dosage,omitempty"`
	Frequency     string `json:"frequency,omitempty"`
	Diagnosis     string `json:"diagnosis,omitempty"`
}

// ExaminationContext is the input of [Checker.CheckExamination].
type ExaminationContext struct {
	ExaminationName string   `json:"examinationName"`
	Category        string   `json:"category,omitempty"`
	Diagnosis       string   `json:"diagnosis,omitempty"`
	Symptoms        []string `json:"symptoms,omitempty"`
}

// MedicalRecordContext is the input of [Checker.CheckMedicalRecord].
type MedicalRecordContext struct {
	ChiefComplaint          string   `json:"chiefComplaint,omitempty"`
	HistoryOfPresentIllness string   `json:"historyOfPresentIllness,omitempty"`
	Diagnoses               []string `json:"diagnoses,omitempty"`
	Medicines               []string `json:"medicines,omitempty"`
	Examinations            []string `json:"examinations,omitempty"`
}

// ── Checker ──────────────────────────────────────────────────────────────────

// Chatter is the blocking chat call of the gateway.
type Chatter interface {
	Chat(ctx context.Context, msgs []types.Message, opts ...gateway.CallOption) (string, error)
}

// Option configures a [Checker].
type Option func(*Checker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Checker) { c.metrics = m }
}

// Checker runs fact-checks through a [Chatter]. It is safe for concurrent
// use.
type Checker struct {
	chat    Chatter
	now     func() time.Time
	metrics *observe.Metrics
}

// New creates a Checker.
func New(chat Chatter, opts ...Option) *Checker {
	c := &Checker{chat: chat, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// CheckDiagnosis reviews one diagnosis against the presenting complaint.
func (c *Checker) CheckDiagnosis(ctx context.Context, in DiagnosisContext, opts ...gateway.CallOption) Result {
	if in.Diagnosis == "" {
		return emptyResult(c.now())
	}
	return c.run(ctx, KindDiagnosis, in.prompt(), opts)
}

// CheckMedicine reviews one prescription line.
func (c *Checker) CheckMedicine(ctx context.Context, in MedicineContext, opts ...gateway.CallOption) Result {
	if in.MedicineName == "" {
		return emptyResult(c.now())
	}
	return c.run(ctx, KindMedicine, in.prompt(), opts)
}

// CheckExamination reviews one ordered examination.
func (c *Checker) CheckExamination(ctx context.Context, in ExaminationContext, opts ...gateway.CallOption) Result {
	if in.ExaminationName == "" {
		return emptyResult(c.now())
	}
	return c.run(ctx, KindExamination, in.prompt(), opts)
}

// CheckMedicalRecord reviews a whole record for consistency.
func (c *Checker) CheckMedicalRecord(ctx context.Context, in MedicalRecordContext, opts ...gateway.CallOption) Result {
	return c.run(ctx, KindMedicalRecord, in.prompt(), opts)
}

func (c *Checker) run(ctx context.Context, kind Kind, prompt string, opts []gateway.CallOption) Result {
	ctx, span := observe.StartSpan(ctx, "factcheck."+string(kind))
	defer span.End()

	msgs := []types.Message{
		{Role: types.RoleSystem, Content: systemPrompts[kind]},
		{Role: types.RoleUser, Content: prompt},
	}
	raw, err := c.chat.Chat(ctx, msgs, opts...)
	if err != nil {
		observe.Fail(span, err)
		observe.Logger(ctx).Warn("fact check failed", "kind", kind, "err", err)
		c.metrics.RecordFactCheck(ctx, string(kind), "degraded", nil)
		return emptyResult(c.now())
	}

	res, err := Normalize(kind, raw, c.now())
	if err != nil {
		observe.Logger(ctx).Warn("fact check reply unusable", "kind", kind, "err", err)
		c.metrics.RecordFactCheck(ctx, string(kind), "degraded", nil)
		return res
	}

	severities := make([]string, len(res.Issues))
	for i, is := range res.Issues {
		severities[i] = string(is.Severity)
	}
	c.metrics.RecordFactCheck(ctx, string(kind), "ok", severities)
	slog.Debug("fact check done", "kind", kind, "issues", len(res.Issues))
	return res
}
