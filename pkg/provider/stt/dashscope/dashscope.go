// Package dashscope implements stt.Transcriber on top of the DashScope
// realtime recognition websocket (Paraformer).
//
// One Transcribe call is one duplex task: run-task, wait for task-started,
// stream the PCM in 100ms chunks, finish-task, then collect every completed
// sentence until task-finished.
package dashscope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/MrWong99/medscribe/pkg/provider/stt"
	"github.com/MrWong99/medscribe/pkg/types"
)

const (
	// DefaultURL is the DashScope inference websocket endpoint.
	DefaultURL = "wss://dashscope.aliyuncs.com/api-ws/v1/inference/"

	// DefaultModel is the realtime recognition model.
	DefaultModel = "paraformer-realtime-v2"

	defaultTimeout       = 60 * time.Second
	defaultChunkInterval = 20 * time.Millisecond

	// chunkSize is 100ms of 16 kHz 16-bit mono audio.
	chunkSize = 3200

	providerName = "dashscope"
)

var (
	// ErrEmptyAudio is returned for a request without audio.
	ErrEmptyAudio = errors.New("dashscope: audio is empty")

	// ErrNoResult is returned when the task ends without a completed
	// sentence.
	ErrNoResult = errors.New("dashscope: no recognition result")
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithURL overrides the websocket endpoint.
func WithURL(u string) Option {
	return func(p *Provider) { p.url = u }
}

// WithModel sets the recognition model. Default: paraformer-realtime-v2.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithTimeout bounds the recognition work of one task. The time spent pacing
// audio chunks is added on top, so long recordings are not cut short.
// Default: 60s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// WithChunkInterval sets the pause between audio chunks. Zero sends as fast
// as the connection allows. Default: 20ms.
func WithChunkInterval(d time.Duration) Option {
	return func(p *Provider) { p.chunkInterval = d }
}

// Provider is a DashScope transcriber. It holds no connection between calls
// and is safe for concurrent use.
type Provider struct {
	apiKey        string
	url           string
	model         string
	timeout       time.Duration
	chunkInterval time.Duration
}

var _ stt.Transcriber = (*Provider)(nil)

// New creates a Provider. apiKey may be empty when every request carries
// its own key.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:        apiKey,
		url:           DefaultURL,
		model:         DefaultModel,
		timeout:       defaultTimeout,
		chunkInterval: defaultChunkInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Transcribe runs one recognition task over req.Audio.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	key := req.APIKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return "", fmt.Errorf("dashscope: %w", types.ErrMissingAPIKey)
	}
	if len(req.Audio) == 0 {
		return "", ErrEmptyAudio
	}

	parent := ctx
	budget := p.budget(len(req.Audio))
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+key)
	conn, resp, err := websocket.Dial(ctx, p.url, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return "", &types.StatusError{Provider: providerName, StatusCode: resp.StatusCode, Message: err.Error()}
		}
		if parent.Err() != nil {
			return "", parent.Err()
		}
		return "", &types.NetworkError{Provider: providerName, Err: err}
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	taskID := strings.ReplaceAll(uuid.NewString(), "-", "")
	sampleRate, _ := req.Format()
	if err := conn.Write(ctx, websocket.MessageText, p.runTask(taskID, sampleRate)); err != nil {
		return "", &types.NetworkError{Provider: providerName, Err: fmt.Errorf("send run-task: %w", err)}
	}

	var (
		text    strings.Builder
		started bool
		sent    atomic.Bool
	)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				break
			}
			if parent.Err() != nil {
				return "", parent.Err()
			}
			// Only audio that was fully sent may yield a partial transcript.
			if ctx.Err() != nil && text.Len() > 0 && sent.Load() {
				slog.Warn("dashscope: task timed out, returning partial transcript", "timeout", budget)
				return text.String(), nil
			}
			return "", &types.NetworkError{Provider: providerName, Err: err}
		}
		if typ != websocket.MessageText {
			continue
		}

		msg := gjson.ParseBytes(data)
		switch msg.Get("header.event").String() {
		case "task-started":
			if !started {
				started = true
				go p.sendAudio(ctx, conn, taskID, req.Audio, &sent)
			}
		case "result-generated":
			if s := msg.Get("payload.output.sentence"); s.Get("sentence_end").Bool() {
				text.WriteString(s.Get("text").String())
			}
		case "task-finished":
			conn.Close(websocket.StatusNormalClosure, "")
			if text.Len() == 0 {
				return "", ErrNoResult
			}
			return text.String(), nil
		case "task-failed":
			reason := msg.Get("header.error_message").String()
			if reason == "" {
				reason = msg.Get("header.message").String()
			}
			if reason == "" {
				reason = "unknown error"
			}
			return "", fmt.Errorf("dashscope: task failed: %s", reason)
		}
	}

	if text.Len() == 0 {
		return "", ErrNoResult
	}
	return text.String(), nil
}

// budget is the task deadline for n bytes of audio.
func (p *Provider) budget(n int) time.Duration {
	chunks := (n + chunkSize - 1) / chunkSize
	return p.timeout + time.Duration(chunks)*p.chunkInterval
}

// sendAudio streams pcm and then finish-task, setting sent once finish-task
// is written. Failures end the send side only; the read loop observes the
// broken connection.
func (p *Provider) sendAudio(ctx context.Context, conn *websocket.Conn, taskID string, pcm []byte, sent *atomic.Bool) {
	for off := 0; off < len(pcm); off += chunkSize {
		end := min(off+chunkSize, len(pcm))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[off:end]); err != nil {
			slog.Debug("dashscope: send audio failed", "offset", off, "err", err)
			return
		}
		if p.chunkInterval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.chunkInterval):
			}
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, finishTask(taskID)); err != nil {
		slog.Debug("dashscope: send finish-task failed", "err", err)
		return
	}
	sent.Store(true)
}

func (p *Provider) runTask(taskID string, sampleRate int) []byte {
	b := header("run-task", taskID)
	b, _ = sjson.SetBytes(b, "payload.task_group", "audio")
	b, _ = sjson.SetBytes(b, "payload.task", "asr")
	b, _ = sjson.SetBytes(b, "payload.function", "recognition")
	b, _ = sjson.SetBytes(b, "payload.model", p.model)
	b, _ = sjson.SetBytes(b, "payload.parameters.format", "pcm")
	b, _ = sjson.SetBytes(b, "payload.parameters.sample_rate", sampleRate)
	b, _ = sjson.SetRawBytes(b, "payload.input", []byte("{}"))
	return b
}

func finishTask(taskID string) []byte {
	b, _ := sjson.SetRawBytes(header("finish-task", taskID), "payload.input", []byte("{}"))
	return b
}

func header(action, taskID string) []byte {
	b, _ := sjson.SetBytes([]byte("{}"), "header.action", action)
	b, _ = sjson.SetBytes(b, "header.task_id", taskID)
	b, _ = sjson.SetBytes(b, "header.streaming", "duplex")
	return b
}
