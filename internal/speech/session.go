package speech

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/medscribe/pkg/types"
)

// State is the lifecycle state of a [Session].
type State int

const (
	StateIdle State = iota
	StateCollecting
	StateFinishing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateFinishing:
		return "finishing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session buffers one recording. Idle → Collecting → Finishing → Idle.
// Methods are safe for concurrent use, but a session serves exactly one
// recording at a time.
type Session struct {
	svc *Service

	mu    sync.Mutex
	state State
	buf   []byte
	// gen is bumped by Close so an in-flight Finish can tell its result is
	// no longer wanted.
	gen uint64
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins collecting audio with an empty buffer. A credential is
// required even in test mode; only a NoCredential backend starts without one.
func (s *Session) Start() error {
	if !s.svc.cfg.NoCredential && s.svc.cfg.APIKey == "" {
		return fmt.Errorf("speech: start: %w", types.ErrMissingAPIKey)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFinishing {
		return ErrBusy
	}
	if s.state != StateCollecting {
		s.svc.cfg.Metrics.ActiveRecordings.Add(context.Background(), 1)
	}
	s.state = StateCollecting
	s.buf = s.buf[:0]
	return nil
}

// PushAudio appends a PCM chunk. It is ignored unless the session is
// collecting. The chunk is copied.
func (s *Session) PushAudio(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCollecting {
		return
	}
	s.buf = append(s.buf, chunk...)
}

// Buffered returns the number of buffered bytes.
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Finish stops collecting and transcribes the whole recording. With
// allowFallback false the fallback provider is never used. The buffer is
// released on every path. If Close runs while the transcription is in
// flight, the result is dropped and ErrSessionClosed is returned.
//
// Finish on a session that is not collecting returns ErrNotCollecting rather
// than an empty transcript, which callers could not tell apart from silence.
func (s *Session) Finish(ctx context.Context, allowFallback bool) (string, error) {
	s.mu.Lock()
	if s.state != StateCollecting {
		s.mu.Unlock()
		return "", ErrNotCollecting
	}
	s.state = StateFinishing
	pcm := s.buf
	s.buf = nil
	gen := s.gen
	s.mu.Unlock()
	s.svc.cfg.Metrics.ActiveRecordings.Add(ctx, -1)

	text, err := s.svc.transcribe(ctx, pcm, allowFallback)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		slog.Debug("speech: dropping result of closed session", "err", err)
		return "", ErrSessionClosed
	}
	s.state = StateIdle
	if err != nil {
		return "", err
	}
	return text, nil
}

// Close cancels the recording: the session returns to idle, buffered audio
// is discarded and an in-flight Finish drops its result.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCollecting {
		s.svc.cfg.Metrics.ActiveRecordings.Add(context.Background(), -1)
	}
	s.state = StateIdle
	s.buf = nil
	s.gen++
}
