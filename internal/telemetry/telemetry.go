// Package telemetry persists consultation sessions, chat messages, clinician
// feedback and usage metrics, and derives the statistics and exports built
// on top of them.
//
// Storage is pluggable through [Store]; the sqlite and postgres
// subpackages provide the backends. [Recorder] sits in front of a Store and
// decides which writes the caller must see fail.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("telemetry: not found")

// ── Enumerations ─────────────────────────────────────────────────────────────

// SessionType classifies a session.
type SessionType string

const (
	SessionChat         SessionType = "chat"
	SessionConsultation SessionType = "consultation"
	SessionVoice        SessionType = "voice"
	SessionReception    SessionType = "reception"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusCancelled SessionStatus = "cancelled"
	StatusError     SessionStatus = "error"
)

// FeedbackType is the clinician's verdict.
type FeedbackType string

const (
	FeedbackPositive FeedbackType = "positive"
	FeedbackNegative FeedbackType = "negative"
	FeedbackAdopted  FeedbackType = "adopted"
	FeedbackRejected FeedbackType = "rejected"
	FeedbackModified FeedbackType = "modified"
)

// TargetType names what a feedback refers to.
type TargetType string

const (
	TargetMessage     TargetType = "message"
	TargetDiagnosis   TargetType = "diagnosis"
	TargetMedication  TargetType = "medication"
	TargetExamination TargetType = "examination"
	TargetRecord      TargetType = "record"
)

// Valid reports whether t is a known session type.
func (t SessionType) Valid() bool {
	switch t {
	case SessionChat, SessionConsultation, SessionVoice, SessionReception:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusCancelled, StatusError:
		return true
	}
	return false
}

// Valid reports whether f is a known feedback type.
func (f FeedbackType) Valid() bool {
	switch f {
	case FeedbackPositive, FeedbackNegative, FeedbackAdopted, FeedbackRejected, FeedbackModified:
		return true
	}
	return false
}

// Valid reports whether t is a known feedback target.
func (t TargetType) Valid() bool {
	switch t {
	case TargetMessage, TargetDiagnosis, TargetMedication, TargetExamination, TargetRecord:
		return true
	}
	return false
}

// ── Entities ─────────────────────────────────────────────────────────────────

// Session is one consultation, chat or voice interaction.
type Session struct {
	ID          string        `json:"sessionId"`
	PatientID   string        `json:"patientId,omitempty"`
	PatientName string        `json:"patientName,omitempty"`
	Type        SessionType   `json:"sessionType"`
	Status      SessionStatus `json:"status"`
	StartedAt   time.Time     `json:"startTime"`
	// EndedAt is zero while the session is active.
	EndedAt  time.Time `json:"endTime,omitzero"`
	Metadata string    `json:"metadata,omitempty"`
}

// Message is one chat turn inside a session.
type Message struct {
	ID         string    `json:"messageId"`
	SessionID  string    `json:"sessionId"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	TokenCount int       `json:"tokenCount,omitempty"`
	Model      string    `json:"llmModel,omitempty"`
	LatencyMS  int       `json:"latencyMs,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Feedback is a clinician's reaction to a generated artifact.
type Feedback struct {
	ID         string       `json:"feedbackId"`
	SessionID  string       `json:"sessionId"`
	TargetType TargetType   `json:"targetType"`
	TargetID   string       `json:"targetId"`
	Type       FeedbackType `json:"feedbackType"`
	// Rating is 1-5; zero means unrated.
	Rating        int       `json:"rating,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OriginalValue string    `json:"originalValue,omitempty"`
	ModifiedValue string    `json:"modifiedValue,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Recommendation records one generated suggestion and whether it resolved
// against the catalog.
type Recommendation struct {
	ID               string    `json:"recommendationId"`
	SessionID        string    `json:"sessionId"`
	Type             string    `json:"recType"`
	Content          string    `json:"content"`
	Matched          bool      `json:"matched"`
	Confidence       float64   `json:"matchConfidence,omitempty"`
	PromptTokens     int       `json:"promptTokens,omitempty"`
	CompletionTokens int       `json:"completionTokens,omitempty"`
	LatencyMS        int       `json:"latencyMs,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// OperationLog is an audit entry for a user-visible operation.
type OperationLog struct {
	ID         string    `json:"logId"`
	SessionID  string    `json:"sessionId,omitempty"`
	Type       string    `json:"operationType"`
	Name       string    `json:"operationName"`
	Details    string    `json:"details,omitempty"`
	Success    bool      `json:"success"`
	DurationMS int       `json:"durationMs,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Metric is a single performance sample such as an LLM latency.
type Metric struct {
	ID        string    `json:"metricId"`
	SessionID string    `json:"sessionId,omitempty"`
	Type      string    `json:"metricType"`
	Value     float64   `json:"metricValue"`
	Unit      string    `json:"unit"`
	Context   string    `json:"context,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ── Queries ──────────────────────────────────────────────────────────────────

// Range bounds a query by time. A zero bound is open.
type Range struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t lies within r, bounds inclusive.
func (r Range) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Dataset is the exportable content of a range: sessions started within it
// and the messages and feedback that belong to them.
type Dataset struct {
	Sessions []Session  `json:"sessions"`
	Messages []Message  `json:"messages"`
	Feedback []Feedback `json:"feedbacks"`
}

// Store persists telemetry. Implementations must be safe for concurrent use.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	// EndSession sets the final status and end time. It returns [ErrNotFound]
	// for an unknown id.
	EndSession(ctx context.Context, id string, status SessionStatus, at time.Time) error
	// GetSession returns [ErrNotFound] for an unknown id.
	GetSession(ctx context.Context, id string) (Session, error)

	SaveMessage(ctx context.Context, m Message) error
	SaveFeedback(ctx context.Context, f Feedback) error
	SaveRecommendation(ctx context.Context, r Recommendation) error
	SaveOperation(ctx context.Context, l OperationLog) error
	SaveMetric(ctx context.Context, m Metric) error

	SessionStats(ctx context.Context, r Range) (SessionStats, error)
	FeedbackStats(ctx context.Context, r Range) (FeedbackStats, error)
	Dataset(ctx context.Context, r Range) (Dataset, error)

	Ping(ctx context.Context) error
	Close() error
}

// ValidateSession checks the enumerations of s.
func ValidateSession(s Session) error {
	var errs []error
	if !s.Type.Valid() {
		errs = append(errs, fmt.Errorf("telemetry: unknown session type %q", s.Type))
	}
	if !s.Status.Valid() {
		errs = append(errs, fmt.Errorf("telemetry: unknown session status %q", s.Status))
	}
	return errors.Join(errs...)
}

// ValidateFeedback checks the enumerations and rating of f.
func ValidateFeedback(f Feedback) error {
	var errs []error
	if f.SessionID == "" {
		errs = append(errs, errors.New("telemetry: feedback without session"))
	}
	if !f.TargetType.Valid() {
		errs = append(errs, fmt.Errorf("telemetry: unknown feedback target %q", f.TargetType))
	}
	if !f.Type.Valid() {
		errs = append(errs, fmt.Errorf("telemetry: unknown feedback type %q", f.Type))
	}
	if f.Rating < 0 || f.Rating > 5 {
		errs = append(errs, fmt.Errorf("telemetry: rating %d out of range 0-5", f.Rating))
	}
	return errors.Join(errs...)
}
