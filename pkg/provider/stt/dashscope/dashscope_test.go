package dashscope

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/MrWong99/medscribe/pkg/provider/stt"
	"github.com/MrWong99/medscribe/pkg/types"
)

// fakeServer is a minimal DashScope task endpoint. script decides the
// events sent after the finish-task message arrives.
type fakeServer struct {
	script func(ctx context.Context, c *websocket.Conn, taskID string)

	mu       sync.Mutex
	auth     string
	runTask  gjson.Result
	received int
	finished bool
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.auth = r.Header.Get("Authorization")
	f.mu.Unlock()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()
	ctx := r.Context()

	_, data, err := c.Read(ctx)
	if err != nil {
		return
	}
	run := gjson.ParseBytes(data)
	f.mu.Lock()
	f.runTask = run
	f.mu.Unlock()
	taskID := run.Get("header.task_id").String()

	if run.Get("header.action").String() != "run-task" {
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"header":{"event":"task-failed","error_message":"expected run-task"}}`))
		return
	}
	_ = c.Write(ctx, websocket.MessageText, []byte(`{"header":{"event":"task-started"}}`))

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			f.mu.Lock()
			f.received += len(data)
			f.mu.Unlock()
			continue
		}
		if gjson.GetBytes(data, "header.action").String() == "finish-task" {
			f.mu.Lock()
			f.finished = true
			f.mu.Unlock()
			f.script(ctx, c, taskID)
			return
		}
	}
}

func send(ctx context.Context, c *websocket.Conn, msgs ...string) {
	for _, m := range msgs {
		_ = c.Write(ctx, websocket.MessageText, []byte(m))
	}
}

func newTestProvider(t *testing.T, f *fakeServer, opts ...Option) *Provider {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return New("sk-ds", append([]Option{WithURL(srv.URL), WithChunkInterval(0)}, opts...)...)
}

func TestTranscribe_CollectsCompletedSentences(t *testing.T) {
	t.Parallel()

	f := &fakeServer{script: func(ctx context.Context, c *websocket.Conn, _ string) {
		send(ctx, c,
			`{"header":{"event":"result-generated"},"payload":{"output":{"sentence":{"text":"患者","sentence_end":false}}}}`,
			`{"header":{"event":"result-generated"},"payload":{"output":{"sentence":{"text":"患者咳嗽三天。","sentence_end":true}}}}`,
			`{"header":{"event":"result-generated"},"payload":{"output":{"sentence":{"text":"伴有低热。","sentence_end":true}}}}`,
			`{"header":{"event":"task-finished"}}`,
		)
	}}
	p := newTestProvider(t, f)

	audio := make([]byte, 3*chunkSize+100)
	got, err := p.Transcribe(context.Background(), stt.Request{Audio: audio})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "患者咳嗽三天。伴有低热。" {
		t.Errorf("text = %q", got)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.auth != "Bearer sk-ds" {
		t.Errorf("Authorization = %q", f.auth)
	}
	if f.received != len(audio) || !f.finished {
		t.Errorf("received %d bytes (finished=%v), want %d", f.received, f.finished, len(audio))
	}
	checks := map[string]string{
		"header.streaming":               "duplex",
		"payload.task_group":             "audio",
		"payload.task":                   "asr",
		"payload.function":               "recognition",
		"payload.model":                  DefaultModel,
		"payload.parameters.format":      "pcm",
		"payload.parameters.sample_rate": "16000",
	}
	for path, want := range checks {
		if got := f.runTask.Get(path).String(); got != want {
			t.Errorf("run-task %s = %q, want %q", path, got, want)
		}
	}
	if id := f.runTask.Get("header.task_id").String(); len(id) != 32 || strings.Contains(id, "-") {
		t.Errorf("task_id = %q, want 32 hex characters", id)
	}
}

func TestTranscribe_PacingExtendsDeadline(t *testing.T) {
	t.Parallel()

	f := &fakeServer{script: func(ctx context.Context, c *websocket.Conn, _ string) {
		send(ctx, c,
			`{"header":{"event":"result-generated"},"payload":{"output":{"sentence":{"text":"复诊。","sentence_end":true}}}}`,
			`{"header":{"event":"task-finished"}}`,
		)
	}}
	// Pacing 30 chunks takes about 300ms, well past the 100ms timeout.
	p := newTestProvider(t, f, WithTimeout(100*time.Millisecond), WithChunkInterval(10*time.Millisecond))

	audio := make([]byte, 30*chunkSize)
	got, err := p.Transcribe(context.Background(), stt.Request{Audio: audio})
	if err != nil || got != "复诊。" {
		t.Fatalf("Transcribe = %q, %v; want 复诊。", got, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.received != len(audio) {
		t.Errorf("received %d bytes, want %d", f.received, len(audio))
	}
}

func TestBudget(t *testing.T) {
	t.Parallel()

	p := New("sk", WithTimeout(time.Minute), WithChunkInterval(20*time.Millisecond))
	tests := []struct {
		bytes int
		want  time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute + 20*time.Millisecond},
		{chunkSize, time.Minute + 20*time.Millisecond},
		// Ten minutes of 16 kHz mono is 6000 chunks.
		{6000 * chunkSize, time.Minute + 120*time.Second},
	}
	for _, tt := range tests {
		if got := p.budget(tt.bytes); got != tt.want {
			t.Errorf("budget(%d) = %v, want %v", tt.bytes, got, tt.want)
		}
	}
}

func TestTranscribe_TaskFailed(t *testing.T) {
	t.Parallel()

	f := &fakeServer{script: func(ctx context.Context, c *websocket.Conn, _ string) {
		send(ctx, c, `{"header":{"event":"task-failed","error_message":"Throttling.RateQuota: rate limit exceeded"}}`)
	}}
	p := newTestProvider(t, f)

	_, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte{1, 2}})
	if err == nil || !strings.Contains(err.Error(), "rate limit exceeded") {
		t.Fatalf("err = %v, want the upstream error message", err)
	}
}

func TestTranscribe_NoResult(t *testing.T) {
	t.Parallel()

	f := &fakeServer{script: func(ctx context.Context, c *websocket.Conn, _ string) {
		send(ctx, c, `{"header":{"event":"task-finished"}}`)
	}}
	p := newTestProvider(t, f)

	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte{1, 2}}); !errors.Is(err, ErrNoResult) {
		t.Fatalf("err = %v, want ErrNoResult", err)
	}
}

func TestTranscribe_RejectedHandshake(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	p := New("bad", WithURL(srv.URL))
	_, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte{1, 2}})
	var se *types.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 StatusError", err)
	}
}

func TestTranscribe_UnreachableIsNetworkError(t *testing.T) {
	t.Parallel()

	p := New("sk", WithURL("ws://127.0.0.1:1/"))
	_, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte{1, 2}})
	var ne *types.NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
}

func TestTranscribe_Preconditions(t *testing.T) {
	t.Parallel()

	if _, err := New("").Transcribe(context.Background(), stt.Request{Audio: []byte{1}}); !errors.Is(err, types.ErrMissingAPIKey) {
		t.Errorf("err = %v, want ErrMissingAPIKey", err)
	}
	if _, err := New("sk").Transcribe(context.Background(), stt.Request{}); !errors.Is(err, ErrEmptyAudio) {
		t.Errorf("err = %v, want ErrEmptyAudio", err)
	}
}

func TestTranscribe_RequestKeyOverrides(t *testing.T) {
	t.Parallel()

	f := &fakeServer{script: func(ctx context.Context, c *websocket.Conn, _ string) {
		send(ctx, c,
			`{"header":{"event":"result-generated"},"payload":{"output":{"sentence":{"text":"好。","sentence_end":true}}}}`,
			`{"header":{"event":"task-finished"}}`,
		)
	}}
	p := newTestProvider(t, f)

	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte{1, 2}, APIKey: "sk-user"}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.auth != "Bearer sk-user" {
		t.Errorf("Authorization = %q, want the request key", f.auth)
	}
}
