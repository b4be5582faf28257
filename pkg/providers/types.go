// Package providers contains the model backends the bot can talk to.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Message is one model-visible conversation entry. Data carries inline
// image bytes for the current turn; history entries are text only.
type Message struct {
	Role     string
	Text     string
	Data     []byte
	MimeType string
}

// Request is a single generation call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Reply is the model's answer plus token accounting when the backend reports it.
type Reply struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider generates a reply for a request.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Reply, error)
}

// ErrKind classifies a provider failure for retry decisions.
type ErrKind int

const (
	// ErrTransient covers timeouts, rate limits and 5xx responses. Retryable.
	ErrTransient ErrKind = iota
	// ErrRejected means the backend refused this particular request. Not retryable.
	ErrRejected
	// ErrUnauthorized means credentials are missing or invalid. Not retryable.
	ErrUnauthorized
)

// AIError wraps a provider failure with its classification.
type AIError struct {
	Kind     ErrKind
	Provider string
	Status   int
	Err      error
}

func (e *AIError) Error() string {
	var label string
	switch e.Kind {
	case ErrRejected:
		label = "rejected"
	case ErrUnauthorized:
		label = "unauthorized"
	default:
		label = "transient"
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, label, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, label, e.Err)
}

func (e *AIError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var ae *AIError
	return errors.As(err, &ae) && ae.Kind == ErrTransient
}

// IsRejected reports whether the backend refused the request content.
func IsRejected(err error) bool {
	var ae *AIError
	return errors.As(err, &ae) && ae.Kind == ErrRejected
}

// IsUnauthorized reports whether the failure is a credentials problem.
func IsUnauthorized(err error) bool {
	var ae *AIError
	return errors.As(err, &ae) && ae.Kind == ErrUnauthorized
}

// classifyStatus maps an HTTP status to the retry taxonomy.
func classifyStatus(status int) ErrKind {
	switch {
	case status == 401 || status == 403:
		return ErrUnauthorized
	case status == 429 || status >= 500:
		return ErrTransient
	default:
		return ErrRejected
	}
}

// InferProviderFromModel infers a provider label from a model identifier.
// Used for usage reporting only; routing is explicit configuration.
func InferProviderFromModel(model string) string {
	m := strings.TrimSpace(strings.ToLower(model))
	switch {
	case m == "":
		return "unknown"
	case strings.Contains(m, "gemini"):
		return "gemini"
	case strings.Contains(m, "claude"):
		return "anthropic"
	case strings.Contains(m, "gpt") || strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "o4"):
		return "openai"
	default:
		return "unknown"
	}
}
