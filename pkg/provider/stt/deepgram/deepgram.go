// Package deepgram implements stt.Transcriber on top of the Deepgram live
// transcription websocket.
//
// One Transcribe call is one stream: dial, send the PCM as binary frames,
// send CloseStream, then concatenate every final Results message until the
// server closes the connection.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/MrWong99/medscribe/pkg/provider/stt"
	"github.com/MrWong99/medscribe/pkg/types"
)

const (
	// DefaultURL is the Deepgram live transcription endpoint.
	DefaultURL = "wss://api.deepgram.com/v1/listen"

	// DefaultModel supports Mandarin; nova-3 does not.
	DefaultModel    = "nova-2"
	DefaultLanguage = "zh-CN"

	defaultTimeout = 60 * time.Second

	// chunkSize is 100ms of 16 kHz 16-bit mono audio.
	chunkSize = 3200

	providerName = "deepgram"
)

var (
	// ErrEmptyAudio is returned for a request without audio.
	ErrEmptyAudio = errors.New("deepgram: audio is empty")

	// ErrNoResult is returned when the stream ends without a final result.
	ErrNoResult = errors.New("deepgram: no recognition result")
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithURL overrides the websocket endpoint.
func WithURL(u string) Option {
	return func(p *Provider) { p.url = u }
}

// WithModel sets the Deepgram model. Default: nova-2.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 recognition language. Default: zh-CN.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithKeywords boosts domain terms such as drug names. Each keyword is sent
// with the given intensifier.
func WithKeywords(boost float64, keywords ...string) Option {
	return func(p *Provider) {
		for _, kw := range keywords {
			p.keywords = append(p.keywords, fmt.Sprintf("%s:%g", kw, boost))
		}
	}
}

// WithTimeout bounds a whole stream from dial to close. Default: 60s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// Provider is a Deepgram transcriber. It holds no connection between calls
// and is safe for concurrent use.
type Provider struct {
	apiKey   string
	url      string
	model    string
	language string
	keywords []string
	timeout  time.Duration
}

var _ stt.Transcriber = (*Provider)(nil)

// New creates a Provider. apiKey may be empty when every request carries
// its own key.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:   apiKey,
		url:      DefaultURL,
		model:    DefaultModel,
		language: DefaultLanguage,
		timeout:  defaultTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// buildURL constructs the streaming endpoint URL for one request.
func (p *Provider) buildURL(sampleRate, channels int) (string, error) {
	u, err := url.Parse(p.url)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", strconv.Itoa(channels))
	for _, kw := range p.keywords {
		q.Add("keywords", kw)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Transcribe streams req.Audio and returns the concatenated final results.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	key := req.APIKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return "", fmt.Errorf("deepgram: %w", types.ErrMissingAPIKey)
	}
	if len(req.Audio) == 0 {
		return "", ErrEmptyAudio
	}
	sampleRate, channels := req.Format()
	wsURL, err := p.buildURL(sampleRate, channels)
	if err != nil {
		return "", fmt.Errorf("deepgram: build URL: %w", err)
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+key)
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
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

	go sendAudio(ctx, conn, req.Audio)

	var parts []string
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			if parent.Err() != nil {
				return "", parent.Err()
			}
			if len(parts) > 0 {
				slog.Warn("deepgram: stream ended early, returning partial transcript", "err", err)
				break
			}
			return "", &types.NetworkError{Provider: providerName, Err: err}
		}
		if typ != websocket.MessageText {
			continue
		}
		msg := gjson.ParseBytes(data)
		switch msg.Get("type").String() {
		case "Results":
			if !msg.Get("is_final").Bool() {
				continue
			}
			if t := strings.TrimSpace(msg.Get("channel.alternatives.0.transcript").String()); t != "" {
				parts = append(parts, t)
			}
		case "Metadata":
			// Sent after CloseStream once every result has been delivered.
			conn.Close(websocket.StatusNormalClosure, "")
			return joinParts(parts)
		case "Error":
			return "", fmt.Errorf("deepgram: %s", msg.Get("description").String())
		}
	}
	return joinParts(parts)
}

func joinParts(parts []string) (string, error) {
	if len(parts) == 0 {
		return "", ErrNoResult
	}
	// Mandarin results carry no inter-word spaces.
	return strings.Join(parts, ""), nil
}

// sendAudio streams pcm followed by CloseStream. Failures end the send side
// only; the read loop observes the broken connection.
func sendAudio(ctx context.Context, conn *websocket.Conn, pcm []byte) {
	for off := 0; off < len(pcm); off += chunkSize {
		end := min(off+chunkSize, len(pcm))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[off:end]); err != nil {
			slog.Debug("deepgram: send audio failed", "offset", off, "err", err)
			return
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		slog.Debug("deepgram: send CloseStream failed", "err", err)
	}
}
