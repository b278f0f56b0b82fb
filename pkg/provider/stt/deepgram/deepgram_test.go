package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/medscribe/pkg/provider/stt"
	"github.com/MrWong99/medscribe/pkg/types"
)

// fakeServer is a minimal Deepgram listen endpoint. script runs once the
// CloseStream message arrives.
type fakeServer struct {
	script func(ctx context.Context, c *websocket.Conn)

	mu       sync.Mutex
	auth     string
	query    url.Values
	received int
	closed   bool
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.auth = r.Header.Get("Authorization")
	f.query = r.URL.Query()
	f.mu.Unlock()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()
	ctx := r.Context()

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
		if strings.Contains(string(data), "CloseStream") {
			f.mu.Lock()
			f.closed = true
			f.mu.Unlock()
			f.script(ctx, c)
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
	return New("dg-key", append([]Option{WithURL(srv.URL)}, opts...)...)
}

func TestTranscribe_CollectsFinalResults(t *testing.T) {
	t.Parallel()

	f := &fakeServer{script: func(ctx context.Context, c *websocket.Conn) {
		send(ctx, c,
			`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"患者"}]}}`,
			`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"患者咳嗽三天。"}]}}`,
			`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":" "}]}}`,
			`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"伴有低热。"}]}}`,
			`{"type":"Metadata","request_id":"r1"}`,
		)
	}}
	p := newTestProvider(t, f, WithKeywords(2, "布洛芬", "阿莫西林"))

	audio := make([]byte, 2*chunkSize+10)
	got, err := p.Transcribe(context.Background(), stt.Request{Audio: audio, SampleRate: 48000, Channels: 2})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "患者咳嗽三天。伴有低热。" {
		t.Errorf("text = %q", got)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.auth != "Token dg-key" {
		t.Errorf("Authorization = %q", f.auth)
	}
	if f.received != len(audio) || !f.closed {
		t.Errorf("received %d bytes (closed=%v), want %d", f.received, f.closed, len(audio))
	}
	checks := map[string]string{
		"model":       DefaultModel,
		"language":    DefaultLanguage,
		"encoding":    "linear16",
		"sample_rate": "48000",
		"channels":    "2",
		"punctuate":   "true",
	}
	for k, want := range checks {
		if got := f.query.Get(k); got != want {
			t.Errorf("query %s = %q, want %q", k, got, want)
		}
	}
	if kws := f.query["keywords"]; len(kws) != 2 || kws[0] != "布洛芬:2" {
		t.Errorf("keywords = %q, want [布洛芬:2 阿莫西林:2]", kws)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()

	f := &fakeServer{script: func(ctx context.Context, c *websocket.Conn) {
		send(ctx, c, `{"type":"Error","description":"insufficient credits"}`)
	}}
	p := newTestProvider(t, f)

	_, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte{1, 2}})
	if err == nil || !strings.Contains(err.Error(), "insufficient credits") {
		t.Fatalf("err = %v, want the upstream description", err)
	}
}

func TestTranscribe_NoResult(t *testing.T) {
	t.Parallel()

	f := &fakeServer{script: func(ctx context.Context, c *websocket.Conn) {
		send(ctx, c, `{"type":"Metadata"}`)
	}}
	p := newTestProvider(t, f)

	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte{1, 2}}); !errors.Is(err, ErrNoResult) {
		t.Fatalf("err = %v, want ErrNoResult", err)
	}
}

func TestTranscribe_NormalCloseEndsStream(t *testing.T) {
	t.Parallel()

	f := &fakeServer{script: func(ctx context.Context, c *websocket.Conn) {
		send(ctx, c, `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"好。"}]}}`)
		c.Close(websocket.StatusNormalClosure, "")
	}}
	p := newTestProvider(t, f)

	got, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte{1, 2}})
	if err != nil || got != "好。" {
		t.Fatalf("Transcribe = %q, %v; want 好。", got, err)
	}
}

func TestTranscribe_RejectedHandshake(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	_, err := New("dg", WithURL(srv.URL)).Transcribe(context.Background(), stt.Request{Audio: []byte{1, 2}})
	var se *types.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("err = %v, want 429 StatusError", err)
	}
}

func TestTranscribe_Preconditions(t *testing.T) {
	t.Parallel()

	if _, err := New("").Transcribe(context.Background(), stt.Request{Audio: []byte{1}}); !errors.Is(err, types.ErrMissingAPIKey) {
		t.Errorf("err = %v, want ErrMissingAPIKey", err)
	}
	if _, err := New("dg").Transcribe(context.Background(), stt.Request{}); !errors.Is(err, ErrEmptyAudio) {
		t.Errorf("err = %v, want ErrEmptyAudio", err)
	}
}

func TestTranscribe_RequestKeyOverrides(t *testing.T) {
	t.Parallel()

	f := &fakeServer{script: func(ctx context.Context, c *websocket.Conn) {
		send(ctx, c,
			`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"好。"}]}}`,
			`{"type":"Metadata"}`,
		)
	}}
	p := newTestProvider(t, f)

	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte{1, 2}, APIKey: "dg-user"}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.auth != "Token dg-user" {
		t.Errorf("Authorization = %q, want the request key", f.auth)
	}
}
