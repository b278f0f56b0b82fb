package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/medscribe/internal/gateway"
	"github.com/MrWong99/medscribe/internal/telemetry"
	"github.com/MrWong99/medscribe/pkg/types"
)

// defaultChatSystemPrompt is prepended when a chat request carries no system
// message.
const defaultChatSystemPrompt = "你是一个专业的医疗助手，回答请专业、准确、亲切。"

type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	SessionID   string        `json:"sessionId,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"maxTokens,omitempty"`
}

func (req chatRequest) conversation() ([]types.Message, error) {
	if len(req.Messages) == 0 {
		return nil, invalid("messages are required")
	}
	msgs := make([]types.Message, 0, len(req.Messages)+1)
	if req.Messages[0].Role != types.RoleSystem {
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: defaultChatSystemPrompt})
	}
	for i, m := range req.Messages {
		switch m.Role {
		case types.RoleSystem, types.RoleUser, types.RoleAssistant:
		default:
			return nil, invalid("messages[%d]: unknown role %q", i, m.Role)
		}
		msgs = append(msgs, types.Message{Role: m.Role, Content: m.Content, Images: m.Images})
	}
	return msgs, nil
}

type sseDelta struct {
	Text string `json:"text"`
}

// handleChat relays the gateway stream as server-sent events: one data event
// per delta, an error event if the stream fails, and a final [DONE].
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := s.d.Now()
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	msgs, err := req.conversation()
	if err != nil {
		writeError(w, r, err)
		return
	}

	opts := callOptions(r)
	if req.Temperature != nil {
		opts = append(opts, gateway.WithTemperature(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, gateway.WithMaxTokens(req.MaxTokens))
	}

	ch, err := s.d.Chat.ChatStream(r.Context(), msgs, opts...)
	if err != nil {
		s.logOperation(r.Context(), req.SessionID, "chat", "stream", start, err)
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	var (
		reply     strings.Builder
		streamErr error
	)
	for c := range ch {
		if c.Err != nil {
			streamErr = c.Err
			data, _ := json.Marshal(errorBody{Error: c.Err.Error()})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
			break
		}
		if c.Text == "" {
			continue
		}
		reply.WriteString(c.Text)
		data, _ := json.Marshal(sseDelta{Text: c.Text})
		fmt.Fprintf(w, "data: %s\n\n", data)
		_ = rc.Flush()
	}
	if streamErr == nil {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
	_ = rc.Flush()

	s.logOperation(r.Context(), req.SessionID, "chat", "stream", start, streamErr)
	if streamErr == nil && req.SessionID != "" {
		s.saveChatTurn(r, req, reply.String(), s.d.Now().Sub(start))
	}
}

// saveChatTurn stores the last user message and the reply. The response is
// already sent, so failures are only logged.
func (s *Server) saveChatTurn(r *http.Request, req chatRequest, reply string, latency time.Duration) {
	if s.d.Telemetry == nil {
		return
	}
	ctx := r.Context()
	last := req.Messages[len(req.Messages)-1]
	if last.Role == types.RoleUser {
		if _, err := s.d.Telemetry.SaveMessage(ctx, telemetry.Message{SessionID: req.SessionID, Role: last.Role, Content: last.Content}); err != nil {
			warn(r, "api: save chat message", err)
			return
		}
	}
	_, err := s.d.Telemetry.SaveMessage(ctx, telemetry.Message{
		SessionID: req.SessionID,
		Role:      types.RoleAssistant,
		Content:   reply,
		LatencyMS: int(latency.Milliseconds()),
	})
	if err != nil {
		warn(r, "api: save chat reply", err)
	}
}
