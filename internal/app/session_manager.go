package app

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/medscribe/internal/speech"
)

// Defaults for [SessionManager].
const (
	DefaultMaxRecordings = 32
	DefaultRecordingIdle = 5 * time.Minute
)

// RecordingInfo describes one live recording.
type RecordingInfo struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"startedAt"`
	LastAudio time.Time `json:"lastAudio"`
}

type recording struct {
	sess *speech.Session
	info RecordingInfo
}

// SessionManager owns the speech service and the recordings streamed in over
// several requests. The service is swapped when the settings change; a
// recording keeps the service it was started with. All methods are safe for
// concurrent use.
type SessionManager struct {
	svc atomic.Pointer[speech.Service]

	maxActive int
	idle      time.Duration
	now       func() time.Time
	newID     func() string

	mu     sync.Mutex
	active map[string]*recording
}

// SessionManagerOption configures a [SessionManager].
type SessionManagerOption func(*SessionManager)

// WithMaxRecordings caps the number of live recordings.
// Default: [DefaultMaxRecordings].
func WithMaxRecordings(n int) SessionManagerOption {
	return func(m *SessionManager) {
		if n > 0 {
			m.maxActive = n
		}
	}
}

// WithRecordingIdle sets how long a recording may go without audio before
// [SessionManager.Reap] cancels it. Default: [DefaultRecordingIdle].
func WithRecordingIdle(d time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.idle = d
		}
	}
}

// WithManagerClock overrides time.Now.
func WithManagerClock(now func() time.Time) SessionManagerOption {
	return func(m *SessionManager) { m.now = now }
}

// NewSessionManager creates a manager serving svc.
func NewSessionManager(svc *speech.Service, opts ...SessionManagerOption) *SessionManager {
	m := &SessionManager{
		maxActive: DefaultMaxRecordings,
		idle:      DefaultRecordingIdle,
		now:       time.Now,
		newID:     uuid.NewString,
		active:    make(map[string]*recording),
	}
	for _, o := range opts {
		o(m)
	}
	m.svc.Store(svc)
	return m
}

// Swap replaces the speech service for sessions created from now on.
func (m *SessionManager) Swap(svc *speech.Service) { m.svc.Store(svc) }

// NewSession returns an idle, unmanaged session of the current service.
func (m *SessionManager) NewSession() *speech.Session {
	return m.svc.Load().NewSession()
}

// Begin starts a managed recording and returns its id.
func (m *SessionManager) Begin() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.active) >= m.maxActive {
		return "", speech.ErrTooManyRecordings
	}
	sess := m.svc.Load().NewSession()
	if err := sess.Start(); err != nil {
		return "", err
	}
	now := m.now()
	id := m.newID()
	m.active[id] = &recording{sess: sess, info: RecordingInfo{ID: id, StartedAt: now, LastAudio: now}}
	slog.Debug("recording started", "recording_id", id, "active", len(m.active))
	return id, nil
}

// Lookup returns the session of a live recording and marks it as used.
func (m *SessionManager) Lookup(id string) (*speech.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.active[id]
	if !ok {
		return nil, false
	}
	r.info.LastAudio = m.now()
	return r.sess, true
}

// End removes a recording and closes its session. Ending an unknown id is a
// no-op. A Finish in flight on the session returns
// [speech.ErrSessionClosed] unless it completed first.
func (m *SessionManager) End(id string) {
	m.mu.Lock()
	r, ok := m.active[id]
	delete(m.active, id)
	m.mu.Unlock()
	if ok {
		r.sess.Close()
	}
}

// Release removes a recording without closing its session. Callers use it
// after a successful Finish.
func (m *SessionManager) Release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

// Active lists the live recordings.
func (m *SessionManager) Active() []RecordingInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordingInfo, 0, len(m.active))
	for _, r := range m.active {
		out = append(out, r.info)
	}
	return out
}

// Reap cancels recordings that received no audio for the idle period and
// returns how many it closed. Recordings that are finishing are left alone.
func (m *SessionManager) Reap() int {
	cutoff := m.now().Add(-m.idle)
	var stale []*recording

	m.mu.Lock()
	for id, r := range m.active {
		if r.info.LastAudio.Before(cutoff) && r.sess.State() != speech.StateFinishing {
			stale = append(stale, r)
			delete(m.active, id)
		}
	}
	m.mu.Unlock()

	for _, r := range stale {
		r.sess.Close()
		slog.Info("recording abandoned", "recording_id", r.info.ID, "started_at", r.info.StartedAt)
	}
	return len(stale)
}

// Run reaps idle recordings until ctx is cancelled, then closes every
// remaining recording.
func (m *SessionManager) Run(ctx context.Context) error {
	t := time.NewTicker(m.idle / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return nil
		case <-t.C:
			m.Reap()
		}
	}
}

func (m *SessionManager) closeAll() {
	m.mu.Lock()
	all := m.active
	m.active = make(map[string]*recording)
	m.mu.Unlock()
	for _, r := range all {
		r.sess.Close()
	}
}
