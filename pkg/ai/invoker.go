// Package ai shapes conversation state into provider requests and
// applies the retry policy for transient backend failures.
package ai

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/pocketbotio/pocketbot/pkg/logger"
	"github.com/pocketbotio/pocketbot/pkg/media"
	"github.com/pocketbotio/pocketbot/pkg/providers"
	"github.com/pocketbotio/pocketbot/pkg/store"
	"github.com/pocketbotio/pocketbot/pkg/utils"
)

// Embedded text files are capped so a large document cannot blow up the prompt.
const maxEmbeddedFileChars = 50000

// UsageRecorder receives token accounting after each successful call.
type UsageRecorder interface {
	Record(provider, model string, inputTokens, outputTokens int)
}

// Options configures request shaping and the retry policy.
type Options struct {
	Model        string
	VisionModel  string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	MaxRetries   int
	Backoff      time.Duration
}

// Invoker builds model requests from history plus the current input and
// calls the provider, retrying transient failures.
type Invoker struct {
	provider providers.Provider
	opts     Options
	usage    UsageRecorder
}

func NewInvoker(provider providers.Provider, opts Options, usage UsageRecorder) *Invoker {
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.VisionModel == "" {
		opts.VisionModel = opts.Model
	}
	return &Invoker{provider: provider, opts: opts, usage: usage}
}

// Invoke generates a reply for the current input given the model-visible
// history. History entries arrive oldest first and are text only.
func (iv *Invoker) Invoke(ctx context.Context, history []store.Turn, input *media.ClassifiedInput) (string, error) {
	req := iv.buildRequest(history, input)

	var lastErr error
	backoff := iv.opts.Backoff
	for attempt := 0; attempt <= iv.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.WarnCF("ai", "Retrying after transient failure", map[string]interface{}{
				"attempt": attempt,
				"backoff": backoff.String(),
				"error":   lastErr.Error(),
			})
			select {
			case <-ctx.Done():
				return "", &providers.AIError{Kind: providers.ErrTransient, Provider: iv.provider.Name(), Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		reply, err := iv.provider.Generate(ctx, req)
		if err == nil {
			if iv.usage != nil {
				iv.usage.Record(iv.provider.Name(), reply.Model, reply.InputTokens, reply.OutputTokens)
			}
			return reply.Text, nil
		}
		if !providers.IsTransient(err) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (iv *Invoker) buildRequest(history []store.Turn, input *media.ClassifiedInput) *providers.Request {
	messages := make([]providers.Message, 0, len(history)+1)
	for _, t := range history {
		messages = append(messages, providers.Message{Role: t.Role, Text: t.Content})
	}

	model := iv.opts.Model
	current := providers.Message{Role: store.RoleUser}

	switch input.Kind {
	case media.InputImage:
		model = iv.opts.VisionModel
		current.Text = input.Text
		if current.Text == "" {
			current.Text = "Describe this image."
		}
		current.Data = input.Data
		current.MimeType = input.MimeType

	case media.InputFile:
		switch {
		case utils.IsImageMime(input.MimeType):
			// Image sent as a document: analyze it like a photo.
			model = iv.opts.VisionModel
			current.Text = input.Text
			if current.Text == "" {
				current.Text = "Describe this image."
			}
			current.Data = input.Data
			current.MimeType = input.MimeType
		case utils.IsTextMime(input.MimeType) && utf8.Valid(input.Data):
			current.Text = iv.renderTextFilePrompt(input)
		default:
			current.Text = iv.renderOpaqueFilePrompt(input)
		}

	default:
		current.Text = input.Text
	}

	messages = append(messages, current)
	return &providers.Request{
		Model:       model,
		System:      iv.opts.SystemPrompt,
		Messages:    messages,
		MaxTokens:   iv.opts.MaxTokens,
		Temperature: iv.opts.Temperature,
	}
}

func (iv *Invoker) renderTextFilePrompt(input *media.ClassifiedInput) string {
	content := utils.Truncate(string(input.Data), maxEmbeddedFileChars)
	prompt := fmt.Sprintf("The user sent a file named %q. Its contents:\n\n%s", input.Filename, content)
	if input.Text != "" {
		prompt += "\n\nThe user asks: " + input.Text
	} else {
		prompt += "\n\nSummarize or analyze this file as appropriate."
	}
	return prompt
}

func (iv *Invoker) renderOpaqueFilePrompt(input *media.ClassifiedInput) string {
	prompt := fmt.Sprintf(
		"The user sent a file named %q of type %q (%d bytes) whose contents cannot be read directly.",
		input.Filename, input.MimeType, len(input.Data))
	if input.Text != "" {
		prompt += " The user says: " + input.Text
	} else {
		prompt += " Acknowledge the file and explain what kinds of files can be analyzed."
	}
	return prompt
}
