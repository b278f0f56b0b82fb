package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// bestEffortTimeout bounds fire-and-forget writes, which outlive the
// caller's context.
const bestEffortTimeout = 5 * time.Second

// RecorderOption is a functional option for [NewRecorder].
type RecorderOption func(*Recorder)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithIDs overrides the UUIDv4 id generator.
func WithIDs(newID func() string) RecorderOption {
	return func(r *Recorder) { r.newID = newID }
}

// Recorder stamps ids and times onto entities and writes them to a [Store].
//
// Session, message, feedback and recommendation writes return their errors.
// Operation logs and metrics are best effort: failures are logged and
// dropped, and they survive cancellation of the caller's context.
type Recorder struct {
	store Store
	now   func() time.Time
	newID func() string
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Store returns the underlying store.
func (r *Recorder) Store() Store { return r.store }

// StartSession creates an active session.
func (r *Recorder) StartSession(ctx context.Context, s Session) (Session, error) {
	s.ID = r.newID()
	s.Status = StatusActive
	s.StartedAt = r.now().UTC()
	s.EndedAt = time.Time{}
	if err := ValidateSession(s); err != nil {
		return Session{}, err
	}
	if err := r.store.CreateSession(ctx, s); err != nil {
		return Session{}, fmt.Errorf("telemetry: start session: %w", err)
	}
	slog.Debug("telemetry session started", "session_id", s.ID, "type", s.Type)
	return s, nil
}

// EndSession closes a session with status, which must not be active.
func (r *Recorder) EndSession(ctx context.Context, id string, status SessionStatus) error {
	if !status.Valid() || status == StatusActive {
		return fmt.Errorf("telemetry: end session: invalid final status %q", status)
	}
	if err := r.store.EndSession(ctx, id, status, r.now().UTC()); err != nil {
		return fmt.Errorf("telemetry: end session: %w", err)
	}
	return nil
}

// SaveMessage stores m and returns it with id and time set.
func (r *Recorder) SaveMessage(ctx context.Context, m Message) (Message, error) {
	m.ID = r.newID()
	m.CreatedAt = r.now().UTC()
	if err := r.store.SaveMessage(ctx, m); err != nil {
		return Message{}, fmt.Errorf("telemetry: save message: %w", err)
	}
	return m, nil
}

// SaveFeedback validates and stores f.
func (r *Recorder) SaveFeedback(ctx context.Context, f Feedback) (Feedback, error) {
	if err := ValidateFeedback(f); err != nil {
		return Feedback{}, err
	}
	f.ID = r.newID()
	f.CreatedAt = r.now().UTC()
	if err := r.store.SaveFeedback(ctx, f); err != nil {
		return Feedback{}, fmt.Errorf("telemetry: save feedback: %w", err)
	}
	return f, nil
}

// SaveRecommendation stores rec.
func (r *Recorder) SaveRecommendation(ctx context.Context, rec Recommendation) (Recommendation, error) {
	rec.ID = r.newID()
	rec.CreatedAt = r.now().UTC()
	if err := r.store.SaveRecommendation(ctx, rec); err != nil {
		return Recommendation{}, fmt.Errorf("telemetry: save recommendation: %w", err)
	}
	return rec, nil
}

// LogOperation writes an audit entry on a best-effort basis.
func (r *Recorder) LogOperation(ctx context.Context, l OperationLog) {
	l.ID = r.newID()
	l.CreatedAt = r.now().UTC()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	if err := r.store.SaveOperation(ctx, l); err != nil {
		slog.Warn("telemetry: dropping operation log", "operation", l.Name, "err", err)
	}
}

// RecordMetric writes a performance sample on a best-effort basis.
func (r *Recorder) RecordMetric(ctx context.Context, m Metric) {
	m.ID = r.newID()
	m.CreatedAt = r.now().UTC()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	if err := r.store.SaveMetric(ctx, m); err != nil {
		slog.Warn("telemetry: dropping metric", "metric", m.Type, "err", err)
	}
}

// Stats combines the session and feedback statistics of a range.
type Stats struct {
	Sessions SessionStats  `json:"sessions"`
	Feedback FeedbackStats `json:"feedback"`
}

// Stats queries both statistics for r.
func (r *Recorder) Stats(ctx context.Context, rng Range) (Stats, error) {
	ss, err := r.store.SessionStats(ctx, rng)
	if err != nil {
		return Stats{}, fmt.Errorf("telemetry: session stats: %w", err)
	}
	fs, err := r.store.FeedbackStats(ctx, rng)
	if err != nil {
		return Stats{}, fmt.Errorf("telemetry: feedback stats: %w", err)
	}
	return Stats{Sessions: ss, Feedback: fs}, nil
}
