package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/MrWong99/medscribe/pkg/provider/llm"
	"github.com/MrWong99/medscribe/pkg/types"
)

const (
	sseDataPrefix = "data:"
	sseDone       = "[DONE]"

	// maxEventSize bounds a single SSE line.
	maxEventSize = 1 << 20
)

// StreamCompletion implements llm.Provider.
//
// The response is read line by line. Only "data:" records are considered;
// "data: [DONE]" ends the stream. A record that is not valid JSON is logged
// and skipped. Each non-empty choices[0].delta.content is emitted as one
// Chunk, in arrival order.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("openai: encode request: %w", err)
	}
	body, err = sjson.SetBytes(body, "stream", true)
	if err != nil {
		return nil, fmt.Errorf("openai: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if key := p.effectiveKey(req.APIKey); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &types.NetworkError{Provider: providerName, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &types.StatusError{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Message:    gjson.GetBytes(data, "error.message").String(),
		}
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		readEvents(ctx, resp.Body, ch)
	}()
	return ch, nil
}

// readEvents decodes an SSE body into ch until the terminal sentinel, EOF,
// a read error, or ctx cancellation.
func readEvents(ctx context.Context, r io.Reader, ch chan<- llm.Chunk) {
	send := func(c llm.Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxEventSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, sseDataPrefix) {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, sseDataPrefix))
		if data == sseDone {
			send(llm.Chunk{FinishReason: llm.FinishStop})
			return
		}
		if !gjson.Valid(data) {
			slog.Warn("openai: skipping malformed stream record", "record", truncate(data, 120))
			continue
		}
		text := gjson.Get(data, "choices.0.delta.content").String()
		if text == "" {
			continue
		}
		if !send(llm.Chunk{Text: text}) {
			return
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		send(llm.Chunk{FinishReason: llm.FinishError, Err: &types.NetworkError{Provider: providerName, Err: err}})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
