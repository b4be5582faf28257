// Package orchestrator runs the per-message pipeline: resolve the
// payload, enrich with history, call the model and persist both turns.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pocketbotio/pocketbot/pkg/attachments"
	"github.com/pocketbotio/pocketbot/pkg/bus"
	"github.com/pocketbotio/pocketbot/pkg/logger"
	"github.com/pocketbotio/pocketbot/pkg/media"
	"github.com/pocketbotio/pocketbot/pkg/providers"
	"github.com/pocketbotio/pocketbot/pkg/store"
)

const (
	fallbackTechnical   = "I'm experiencing some technical difficulties right now. Please try again later."
	fallbackRejected    = "I can't help with that request. Could you rephrase it?"
	fallbackUnreachable = "I couldn't download your attachment. Please try sending it again."
	fallbackUnsupported = "Sorry, I can't process this type of message yet."

	welcomeText = "Hi! I'm an AI assistant. Send me a message, a photo or a document and I'll do my best to help. Use /help to see what I can do."
	helpText    = "Here's what I can do:\n" +
		"- Answer questions and chat, remembering our recent conversation\n" +
		"- Analyze photos you send me\n" +
		"- Read and summarize documents\n\n" +
		"Commands:\n" +
		"/start - introduction\n" +
		"/help - this message\n" +
		"/clear - forget our conversation history"
	clearedText = "Done. I've forgotten our conversation history."
)

// ContextStore is the slice of the conversation store the pipeline needs.
type ContextStore interface {
	EnsureUser(ctx context.Context, channel, userID, chatID, username string) error
	Append(ctx context.Context, userKey, role, content string) error
	Window(ctx context.Context, userKey string, n int) ([]store.Turn, error)
	Prune(ctx context.Context, userKey string, keep int) (int64, error)
	Clear(ctx context.Context, userKey string) (int64, error)
}

// Resolver classifies an inbound event into a model input.
type Resolver interface {
	Resolve(ctx context.Context, ev *bus.InboundEvent, fetcher media.Fetcher) (*media.ClassifiedInput, error)
}

// Invoker generates the model reply.
type Invoker interface {
	Invoke(ctx context.Context, history []store.Turn, input *media.ClassifiedInput) (string, error)
}

// Archiver keeps a copy of received media outside the textual history.
type Archiver interface {
	Save(channel, chatID, userID, eventID, name, mimeType, kind string, data []byte) (attachments.Record, error)
}

// Orchestrator serializes processing per user so concurrent deliveries
// from the same person cannot interleave their history writes.
type Orchestrator struct {
	store    ContextStore
	resolver Resolver
	invoker  Invoker
	archive  Archiver
	window   int
	keep     int

	mu    sync.Mutex
	locks map[string]*userLock
}

// userLock is reference counted so idle entries can be dropped from the
// map instead of accumulating one mutex per user ever seen.
type userLock struct {
	mu   sync.Mutex
	refs int
}

func New(cs ContextStore, resolver Resolver, invoker Invoker, window, keep int) *Orchestrator {
	return &Orchestrator{
		store:    cs,
		resolver: resolver,
		invoker:  invoker,
		window:   window,
		keep:     keep,
		locks:    make(map[string]*userLock),
	}
}

// SetArchive enables media archiving. Archiving is best effort and never
// blocks the reply.
func (o *Orchestrator) SetArchive(a Archiver) { o.archive = a }

func (o *Orchestrator) lockUser(userKey string) *userLock {
	o.mu.Lock()
	l, ok := o.locks[userKey]
	if !ok {
		l = &userLock{}
		o.locks[userKey] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()
	return l
}

func (o *Orchestrator) unlockUser(userKey string, l *userLock) {
	l.mu.Unlock()

	o.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(o.locks, userKey)
	}
	o.mu.Unlock()
}

// Handle processes one inbound event. Storage unavailability before the
// model is called returns an error so the transport can have the delivery
// retried; every other failure becomes a fallback reply.
func (o *Orchestrator) Handle(ctx context.Context, ev *bus.InboundEvent, fetcher media.Fetcher) (*bus.OutboundReply, error) {
	reply := func(text string) *bus.OutboundReply {
		return &bus.OutboundReply{Channel: ev.Channel, UserID: ev.UserID, ChatID: ev.ChatID, Text: text}
	}

	userKey := store.UserKey(ev.Channel, ev.UserID)
	lock := o.lockUser(userKey)
	defer o.unlockUser(userKey, lock)

	if err := o.store.EnsureUser(ctx, ev.Channel, ev.UserID, ev.ChatID, ev.Metadata["username"]); err != nil {
		logger.ErrorCF("orchestrator", "User registration failed", map[string]interface{}{
			"user": userKey, "error": err.Error(),
		})
		if store.IsUnavailable(err) {
			return nil, err
		}
		return reply(fallbackTechnical), nil
	}

	if ev.Kind == bus.KindText {
		if text, handled := o.handleCommand(ctx, userKey, ev.Text); handled {
			return reply(text), nil
		}
	}

	input, err := o.resolver.Resolve(ctx, ev, fetcher)
	if err != nil {
		logger.WarnCF("orchestrator", "Payload resolution failed", map[string]interface{}{
			"user": userKey, "kind": string(ev.Kind), "error": err.Error(),
		})
		switch {
		case media.IsUnreachable(err):
			return reply(fallbackUnreachable), nil
		default:
			return reply(fallbackUnsupported), nil
		}
	}

	if o.archive != nil && len(input.Data) > 0 {
		if _, err := o.archive.Save(ev.Channel, ev.ChatID, ev.UserID, ev.EventID,
			input.Filename, input.MimeType, input.Kind.String(), input.Data); err != nil {
			logger.WarnCF("orchestrator", "Media archive failed", map[string]interface{}{
				"user": userKey, "error": err.Error(),
			})
		}
	}

	history, err := o.store.Window(ctx, userKey, o.window)
	if err != nil {
		logger.ErrorCF("orchestrator", "History load failed", map[string]interface{}{
			"user": userKey, "error": err.Error(),
		})
		if store.IsUnavailable(err) {
			return nil, err
		}
		return reply(fallbackTechnical), nil
	}

	if err := o.store.Append(ctx, userKey, store.RoleUser, input.Summary()); err != nil {
		logger.ErrorCF("orchestrator", "User turn persist failed", map[string]interface{}{
			"user": userKey, "error": err.Error(),
		})
		if store.IsUnavailable(err) {
			return nil, err
		}
		return reply(fallbackTechnical), nil
	}

	answer, err := o.invoker.Invoke(ctx, history, input)
	if err != nil {
		logger.ErrorCF("orchestrator", "Model invocation failed", map[string]interface{}{
			"user": userKey, "error": err.Error(),
		})
		switch {
		case providers.IsRejected(err):
			return reply(fallbackRejected), nil
		case providers.IsUnauthorized(err):
			return reply(fallbackTechnical), nil
		default:
			return reply(fallbackTechnical), nil
		}
	}

	if err := o.store.Append(ctx, userKey, store.RoleAssistant, answer); err != nil {
		// The user still gets the answer; only its persistence failed.
		logger.ErrorCF("orchestrator", "Assistant turn persist failed", map[string]interface{}{
			"user": userKey, "error": err.Error(),
		})
	}

	if removed, err := o.store.Prune(ctx, userKey, o.keep); err != nil {
		logger.WarnCF("orchestrator", "History prune failed", map[string]interface{}{
			"user": userKey, "error": err.Error(),
		})
	} else if removed > 0 {
		logger.DebugCF("orchestrator", "History pruned", map[string]interface{}{
			"user": userKey, "removed": removed,
		})
	}

	return reply(answer), nil
}

// handleCommand intercepts slash commands before the model pipeline.
func (o *Orchestrator) handleCommand(ctx context.Context, userKey, text string) (string, bool) {
	cmd := strings.ToLower(strings.TrimSpace(text))
	if idx := strings.IndexAny(cmd, " @"); idx > 0 {
		cmd = cmd[:idx]
	}
	switch cmd {
	case "/start":
		return welcomeText, true
	case "/help":
		return helpText, true
	case "/clear":
		n, err := o.store.Clear(ctx, userKey)
		if err != nil {
			logger.ErrorCF("orchestrator", "History clear failed", map[string]interface{}{
				"user": userKey, "error": err.Error(),
			})
			return fallbackTechnical, true
		}
		logger.InfoCF("orchestrator", "History cleared", map[string]interface{}{
			"user": userKey, "removed": n,
		})
		return clearedText, true
	}
	if strings.HasPrefix(cmd, "/") {
		return fmt.Sprintf("Unknown command %s. Use /help to see what I can do.", cmd), true
	}
	return "", false
}
