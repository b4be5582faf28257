// Package media turns raw inbound events into classified model inputs,
// fetching attachment bytes from the originating transport.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/pocketbotio/pocketbot/pkg/bus"
	"github.com/pocketbotio/pocketbot/pkg/logger"
	"github.com/pocketbotio/pocketbot/pkg/utils"
)

// InputKind is the resolved payload class fed to the model.
type InputKind int

const (
	InputText InputKind = iota
	InputImage
	InputFile
)

func (k InputKind) String() string {
	switch k {
	case InputImage:
		return "image"
	case InputFile:
		return "file"
	default:
		return "text"
	}
}

// FailKind classifies a resolution failure.
type FailKind int

const (
	// FailUnreachable means the transport could not deliver the media bytes.
	FailUnreachable FailKind = iota
	// FailUnsupported means the payload cannot be processed at all.
	FailUnsupported
)

// MediaError wraps a resolution failure with its classification.
type MediaError struct {
	Kind FailKind
	Ref  string
	Err  error
}

func (e *MediaError) Error() string {
	switch e.Kind {
	case FailUnsupported:
		return fmt.Sprintf("media unsupported: %v", e.Err)
	default:
		return fmt.Sprintf("media unreachable (ref %s): %v", e.Ref, e.Err)
	}
}

func (e *MediaError) Unwrap() error { return e.Err }

// IsUnreachable reports whether err is a MediaError for a fetch failure.
func IsUnreachable(err error) bool {
	var me *MediaError
	return errors.As(err, &me) && me.Kind == FailUnreachable
}

// IsUnsupported reports whether err is a MediaError for an unprocessable payload.
func IsUnsupported(err error) bool {
	var me *MediaError
	return errors.As(err, &me) && me.Kind == FailUnsupported
}

// ClassifiedInput is a fully resolved model input. For image and file
// kinds Data holds the fetched bytes and Text carries the caption.
type ClassifiedInput struct {
	Kind     InputKind
	Text     string
	Data     []byte
	Filename string
	MimeType string
}

// Summary renders the textual form of the input for persisted history.
func (c *ClassifiedInput) Summary() string {
	switch c.Kind {
	case InputImage:
		if c.Text != "" {
			return "[image] " + c.Text
		}
		return "[image]"
	case InputFile:
		label := "[file]"
		if c.Filename != "" {
			label = "[file: " + c.Filename + "]"
		}
		if c.Text != "" {
			return label + " " + c.Text
		}
		return label
	default:
		return c.Text
	}
}

// Fetcher retrieves attachment bytes by transport media reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Resolver classifies inbound events and enforces the attachment size limit.
type Resolver struct {
	maxBytes int64
}

func NewResolver(maxBytes int64) *Resolver {
	return &Resolver{maxBytes: maxBytes}
}

// Resolve classifies ev into a model input. Media payloads take
// precedence over text; an attached caption survives as Text.
func (r *Resolver) Resolve(ctx context.Context, ev *bus.InboundEvent, fetcher Fetcher) (*ClassifiedInput, error) {
	switch ev.Kind {
	case bus.KindImage:
		return r.resolveMedia(ctx, ev, fetcher, InputImage)
	case bus.KindFile:
		return r.resolveMedia(ctx, ev, fetcher, InputFile)
	case bus.KindText:
		if ev.Text == "" {
			return nil, &MediaError{Kind: FailUnsupported, Err: errors.New("empty text event")}
		}
		return &ClassifiedInput{Kind: InputText, Text: ev.Text}, nil
	default:
		return nil, &MediaError{Kind: FailUnsupported, Err: fmt.Errorf("unhandled event kind %q", ev.Kind)}
	}
}

func (r *Resolver) resolveMedia(ctx context.Context, ev *bus.InboundEvent, fetcher Fetcher, kind InputKind) (*ClassifiedInput, error) {
	if ev.MediaRef == "" {
		return nil, &MediaError{Kind: FailUnsupported, Err: errors.New("media event without reference")}
	}
	if r.maxBytes > 0 && ev.FileSize > r.maxBytes {
		return nil, &MediaError{
			Kind: FailUnsupported,
			Ref:  ev.MediaRef,
			Err:  fmt.Errorf("attachment of %d bytes exceeds limit of %d", ev.FileSize, r.maxBytes),
		}
	}
	if fetcher == nil {
		return nil, &MediaError{Kind: FailUnreachable, Ref: ev.MediaRef, Err: errors.New("no fetcher for channel")}
	}

	data, err := fetcher.Fetch(ctx, ev.MediaRef)
	if err != nil {
		return nil, &MediaError{Kind: FailUnreachable, Ref: ev.MediaRef, Err: err}
	}
	if r.maxBytes > 0 && int64(len(data)) > r.maxBytes {
		return nil, &MediaError{
			Kind: FailUnsupported,
			Ref:  ev.MediaRef,
			Err:  fmt.Errorf("fetched %d bytes exceeds limit of %d", len(data), r.maxBytes),
		}
	}

	filename := utils.SanitizeFilename(ev.Filename)
	mimeType := ev.MimeType
	if kind == InputImage && mimeType == "" {
		mimeType = utils.ImageMimeFromName(filename)
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
	}

	logger.DebugCF("media", "Resolved attachment", map[string]interface{}{
		"kind":  kind.String(),
		"bytes": len(data),
		"mime":  mimeType,
	})

	return &ClassifiedInput{
		Kind:     kind,
		Text:     ev.Text,
		Data:     data,
		Filename: filename,
		MimeType: mimeType,
	}, nil
}
