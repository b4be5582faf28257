// Package channels adapts chat platforms to the inbound event pipeline.
package channels

import (
	"context"
	"sync/atomic"

	"github.com/pocketbotio/pocketbot/pkg/bus"
	"github.com/pocketbotio/pocketbot/pkg/dispatch"
	"github.com/pocketbotio/pocketbot/pkg/media"
)

// Channel is a running platform adapter.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Sink accepts normalized events from a channel. Implemented by the dispatcher.
type Sink interface {
	Dispatch(ctx context.Context, ev *bus.InboundEvent, fetcher media.Fetcher) (dispatch.Result, *bus.OutboundReply)
}

// BaseChannel carries the state every adapter shares.
type BaseChannel struct {
	name      string
	sink      Sink
	allowFrom []string
	running   atomic.Bool
}

func NewBaseChannel(name string, sink Sink, allowFrom []string) *BaseChannel {
	return &BaseChannel{name: name, sink: sink, allowFrom: allowFrom}
}

func (b *BaseChannel) Name() string { return b.name }

func (b *BaseChannel) IsRunning() bool { return b.running.Load() }

func (b *BaseChannel) setRunning(v bool) { b.running.Store(v) }

// IsAllowed checks the sender against the allowlist. An empty allowlist
// admits everyone.
func (b *BaseChannel) IsAllowed(ids ...string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	for _, allowed := range b.allowFrom {
		for _, id := range ids {
			if id != "" && id == allowed {
				return true
			}
		}
	}
	return false
}
