// Package whisper implements stt.Transcriber against a local whisper.cpp
// server (the whisper-server binary, which exposes POST /inference).
//
// The recording is wrapped in a WAV container and uploaded as one multipart
// request. No credential is needed, so this backend suits offline clinics.
//
//	p := whisper.New("http://localhost:8080", whisper.WithLanguage("zh"))
//	text, err := p.Transcribe(ctx, stt.Request{Audio: pcm})
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/MrWong99/medscribe/pkg/audio"
	"github.com/MrWong99/medscribe/pkg/provider/stt"
	"github.com/MrWong99/medscribe/pkg/types"
)

const (
	// DefaultURL is where whisper-server listens out of the box.
	DefaultURL      = "http://127.0.0.1:8080"
	DefaultLanguage = "zh"

	// silenceRMS is the energy (in 16-bit PCM units) below which a whole
	// recording counts as silent and is not uploaded.
	silenceRMS = 300.0

	defaultTimeout = 2 * time.Minute
	providerName   = "whisper"
)

var (
	// ErrEmptyAudio is returned for a request without audio.
	ErrEmptyAudio = errors.New("whisper: audio is empty")

	// ErrNoResult is returned for silent recordings and empty server answers.
	ErrNoResult = errors.New("whisper: no recognition result")
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model name forwarded to the server. When empty the
// server uses whichever model it was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the recognition language. Default: zh.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithPrompt seeds the decoder with domain vocabulary, e.g. drug names.
func WithPrompt(prompt string) Option {
	return func(p *Provider) { p.prompt = prompt }
}

// WithTimeout bounds one inference request. Default: 2 minutes.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client. Its Timeout is left untouched.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider transcribes recordings on a whisper.cpp server. It is safe for
// concurrent use.
type Provider struct {
	serverURL  string
	model      string
	language   string
	prompt     string
	httpClient *http.Client
}

var _ stt.Transcriber = (*Provider)(nil)

// New creates a Provider for the server at serverURL. An empty serverURL
// means DefaultURL.
func New(serverURL string, opts ...Option) *Provider {
	if serverURL == "" {
		serverURL = DefaultURL
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   DefaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Transcribe uploads req.Audio and returns the server's text. req.APIKey is
// ignored.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	if len(req.Audio) == 0 {
		return "", ErrEmptyAudio
	}
	if rms(req.Audio) < silenceRMS {
		return "", ErrNoResult
	}
	sampleRate, channels := req.Format()

	body, contentType, err := p.form(audio.EncodeWAV(req.Audio, sampleRate, channels))
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &types.NetworkError{Provider: providerName, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", &types.NetworkError{Provider: providerName, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(data, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return "", &types.StatusError{Provider: providerName, StatusCode: resp.StatusCode, Message: msg}
	}

	text := gjson.GetBytes(data, "text")
	if !text.Exists() {
		return "", fmt.Errorf("whisper: unexpected response %q", truncate(string(data), 120))
	}
	out := strings.TrimSpace(text.String())
	if out == "" {
		return "", ErrNoResult
	}
	return out, nil
}

// form builds the multipart body whisper-server expects.
func (p *Provider) form(wav []byte) (io.Reader, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := [][2]string{
		{"response_format", "json"},
		{"language", p.language},
		{"model", p.model},
		{"prompt", p.prompt},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("whisper: write %s field: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}

// rms returns the root-mean-square energy of 16-bit little-endian PCM.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
