package telemetry

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a process-local [Store]. It backs tests and deployments that
// run with persistence disabled.
type MemoryStore struct {
	mu              sync.RWMutex
	sessions        map[string]Session
	messages        []Message
	feedback        []Feedback
	recommendations []Recommendation
	operations      []OperationLog
	metrics         []Metric
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) CreateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) EndSession(_ context.Context, id string, status SessionStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.EndedAt = at
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) SaveMessage(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *MemoryStore) SaveFeedback(_ context.Context, f Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback = append(m.feedback, f)
	return nil
}

func (m *MemoryStore) SaveRecommendation(_ context.Context, r Recommendation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recommendations = append(m.recommendations, r)
	return nil
}

func (m *MemoryStore) SaveOperation(_ context.Context, l OperationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations = append(m.operations, l)
	return nil
}

func (m *MemoryStore) SaveMetric(_ context.Context, mt Metric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, mt)
	return nil
}

// Operations returns a copy of the stored operation logs.
func (m *MemoryStore) Operations() []OperationLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.operations)
}

// Metrics returns a copy of the stored metric samples.
func (m *MemoryStore) Metrics() []Metric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.metrics)
}

// Recommendations returns a copy of the stored recommendations.
func (m *MemoryStore) Recommendations() []Recommendation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.recommendations)
}

// sessionsIn returns the sessions started within r, oldest first. The caller
// holds the read lock.
func (m *MemoryStore) sessionsIn(r Range) []Session {
	var out []Session
	for _, s := range m.sessions {
		if r.Contains(s.StartedAt) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b Session) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

func (m *MemoryStore) SessionStats(_ context.Context, r Range) (SessionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		st    SessionStats
		ended int
		total time.Duration
		ids   = make(map[string]bool)
	)
	for _, s := range m.sessionsIn(r) {
		ids[s.ID] = true
		st.AddGroup(s.Type, s.Status, 1)
		if !s.EndedAt.IsZero() {
			ended++
			total += s.EndedAt.Sub(s.StartedAt)
		}
	}
	if ended > 0 {
		st.AvgDurationMS = float64(total.Milliseconds()) / float64(ended)
	}
	for _, msg := range m.messages {
		if ids[msg.SessionID] {
			st.Messages++
		}
	}
	st.Finish()
	return st, nil
}

func (m *MemoryStore) FeedbackStats(_ context.Context, r Range) (FeedbackStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		fs      FeedbackStats
		rated   int
		ratings int
	)
	for _, f := range m.feedback {
		if !r.Contains(f.CreatedAt) {
			continue
		}
		fs.AddGroup(f.TargetType, f.Type, 1)
		if f.Rating > 0 {
			rated++
			ratings += f.Rating
		}
	}
	if rated > 0 {
		fs.AvgRating = float64(ratings) / float64(rated)
	}
	fs.Finish()
	return fs, nil
}

func (m *MemoryStore) Dataset(_ context.Context, r Range) (Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ds := Dataset{Sessions: m.sessionsIn(r), Messages: []Message{}, Feedback: []Feedback{}}
	if ds.Sessions == nil {
		ds.Sessions = []Session{}
	}
	ids := make(map[string]bool, len(ds.Sessions))
	for _, s := range ds.Sessions {
		ids[s.ID] = true
	}
	for _, msg := range m.messages {
		if ids[msg.SessionID] {
			ds.Messages = append(ds.Messages, msg)
		}
	}
	for _, f := range m.feedback {
		if ids[f.SessionID] {
			ds.Feedback = append(ds.Feedback, f)
		}
	}
	return ds, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
