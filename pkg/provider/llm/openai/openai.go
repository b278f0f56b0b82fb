// Package openai provides chat and audio-transcription backends for any
// OpenAI-compatible HTTP API.
//
// Blocking chat and transcription go through the openai-go SDK with its
// internal retries disabled; retry policy belongs to the caller. Streaming
// chat decodes the server-sent event stream directly so that a single corrupt
// record can be skipped instead of aborting the whole stream.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/medscribe/pkg/provider/llm"
	"github.com/MrWong99/medscribe/pkg/provider/stt"
	"github.com/MrWong99/medscribe/pkg/types"
)

const (
	providerName = "openai"

	// DefaultBaseURL is the public OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
)

// Provider implements llm.Provider and stt.Transcriber against an
// OpenAI-compatible API.
type Provider struct {
	client     oai.Client
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
	audioModel string
}

var (
	_ llm.Provider    = (*Provider)(nil)
	_ stt.Transcriber = (*Provider)(nil)
)

// config holds optional configuration for the provider.
type config struct {
	baseURL    string
	audioModel string
	timeout    time.Duration
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *config) {
		c.baseURL = u
	}
}

// WithAudioModel sets the model used by Transcribe (e.g. "whisper-1").
func WithAudioModel(model string) Option {
	return func(c *config) {
		c.audioModel = model
	}
}

// WithTimeout sets a per-request HTTP timeout. Ignored when WithHTTPClient
// is also given.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// New constructs a Provider. apiKey may be empty when every request carries
// its own key; model must not be.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	cfg := &config{baseURL: DefaultBaseURL, audioModel: "whisper-1"}
	for _, o := range opts {
		o(cfg)
	}

	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.timeout}
	}
	base := strings.TrimRight(cfg.baseURL, "/")

	reqOpts := []option.RequestOption{
		option.WithBaseURL(base + "/"),
		option.WithHTTPClient(hc),
		option.WithMaxRetries(0),
	}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}

	return &Provider{
		client:     oai.NewClient(reqOpts...),
		httpClient: hc,
		apiKey:     apiKey,
		baseURL:    base,
		model:      model,
		audioModel: cfg.audioModel,
	}, nil
}

// Model returns the chat model name.
func (p *Provider) Model() string { return p.model }

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params, p.requestOptions(req.APIKey)...)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty choices in response")
	}
	return &llm.CompletionResponse{Content: resp.Choices[0].Message.Content}, nil
}

// requestOptions returns the per-request options for an optional key override.
func (p *Provider) requestOptions(apiKey string) []option.RequestOption {
	if apiKey == "" {
		return nil
	}
	return []option.RequestOption{option.WithAPIKey(apiKey)}
}

// effectiveKey returns the credential to use for a request.
func (p *Provider) effectiveKey(override string) string {
	if override != "" {
		return override
	}
	return p.apiKey
}

// buildParams converts a CompletionRequest into OpenAI SDK params.
func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("no messages")
	}

	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

// ErrImagesUnsupported is returned for images on a message whose role cannot
// carry image parts. The chat API accepts them on user messages only.
var ErrImagesUnsupported = errors.New("openai: images are only supported on user messages")

// convertMessage converts a types.Message to an OpenAI SDK message param.
// A user message with images becomes a content-part list: text first, then
// one image part per reference. Images on any other role are an error.
func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	if m.HasImages() && (m.Role == types.RoleSystem || m.Role == types.RoleAssistant) {
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("%w: role %q", ErrImagesUnsupported, m.Role)
	}

	switch m.Role {
	case types.RoleSystem:
		return oai.SystemMessage(m.Content), nil

	case types.RoleUser:
		if !m.HasImages() {
			return oai.UserMessage(m.Content), nil
		}
		parts := make([]oai.ChatCompletionContentPartUnionParam, 0, len(m.Images)+1)
		parts = append(parts, oai.TextContentPart(m.Content))
		for _, img := range m.Images {
			parts = append(parts, oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{URL: img}))
		}
		return oai.UserMessage(parts), nil

	case types.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}

// classifyError maps SDK and transport errors onto the shared tagged error
// variants. Context errors pass through untouched.
func classifyError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return &types.StatusError{Provider: providerName, StatusCode: apiErr.StatusCode, Message: apiErr.Message}
	}
	if isNetworkError(err) {
		return &types.NetworkError{Provider: providerName, Err: err}
	}
	return fmt.Errorf("openai: %w", err)
}

// isNetworkError reports whether err is a transport-level failure.
func isNetworkError(err error) bool {
	var urlErr *url.Error
	var netErr net.Error
	return errors.As(err, &urlErr) || errors.As(err, &netErr)
}
