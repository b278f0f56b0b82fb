// Package types defines the shared types used across medscribe packages.
//
// These types form the lingua franca between providers, the gateway and the
// orchestrators. Each package defines its own domain types; cross-cutting
// structures live here to avoid circular imports.
package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMissingAPIKey is the configuration error reported when no credential is
// available after configuration resolution. It is never retried.
var ErrMissingAPIKey = errors.New("missing API key")

// Conversation roles understood by every chat backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single entry of an LLM conversation. A conversation is an
// ordered slice of Message values; order is significant.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string

	// Images holds image references (URLs or data URIs). When non-empty the
	// message is sent as a content-part list instead of a plain string.
	Images []string
}

// HasImages reports whether the message carries image attachments.
func (m Message) HasImages() bool { return len(m.Images) > 0 }

// StatusError is returned when an upstream HTTP API answers with a non-2xx
// status. StatusCode is what retry classification inspects.
type StatusError struct {
	// Provider names the backend that produced the error (e.g. "openai").
	Provider string

	// StatusCode is the HTTP status code of the failed response.
	StatusCode int

	// Message is the upstream error text, if any was returned.
	Message string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d %s", e.Provider, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

// NetworkError wraps a transport-level failure (DNS, connection refused,
// reset, TLS) that happened before any HTTP status was received.
type NetworkError struct {
	Provider string
	Err      error
}

// Error implements error.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *NetworkError) Unwrap() error { return e.Err }
