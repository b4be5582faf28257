// Package dispatch is the single entry point for inbound events. It
// validates deliveries, drops duplicates and hands the rest to the pipeline.
package dispatch

import (
	"context"
	"sync"

	"github.com/pocketbotio/pocketbot/pkg/bus"
	"github.com/pocketbotio/pocketbot/pkg/logger"
	"github.com/pocketbotio/pocketbot/pkg/media"
)

// Result is the disposition of one delivery attempt.
type Result int

const (
	Acknowledged Result = iota
	RejectedDuplicate
	RejectedInvalid
	// FailedTransient means the pipeline could not run because of a
	// temporary backend outage; the transport should redeliver later.
	FailedTransient
)

func (r Result) String() string {
	switch r {
	case RejectedDuplicate:
		return "rejected_duplicate"
	case RejectedInvalid:
		return "rejected_invalid"
	case FailedTransient:
		return "failed_transient"
	default:
		return "acknowledged"
	}
}

// Handler processes an accepted event and produces the reply. A non-nil
// error means the exchange did not happen and the delivery may be retried.
type Handler interface {
	Handle(ctx context.Context, ev *bus.InboundEvent, fetcher media.Fetcher) (*bus.OutboundReply, error)
}

// Dispatcher fronts the pipeline with validation and de-duplication.
type Dispatcher struct {
	handler Handler
	seen    *seenCache
}

func New(handler Handler, dedupCapacity int) *Dispatcher {
	return &Dispatcher{
		handler: handler,
		seen:    newSeenCache(dedupCapacity),
	}
}

// Dispatch runs one delivery through the pipeline. Duplicate and invalid
// deliveries are rejected with a nil reply; platform retries of an
// already-processed event must not produce a second answer.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *bus.InboundEvent, fetcher media.Fetcher) (Result, *bus.OutboundReply) {
	if ev == nil || ev.EventID == "" || ev.UserID == "" || ev.Channel == "" {
		logger.WarnC("dispatch", "Dropping malformed delivery")
		return RejectedInvalid, nil
	}

	if !d.seen.add(ev.EventID) {
		logger.DebugCF("dispatch", "Dropping duplicate delivery", map[string]interface{}{
			"event_id": ev.EventID,
		})
		return RejectedDuplicate, nil
	}

	reply, err := d.handler.Handle(ctx, ev, fetcher)
	if err != nil {
		// The exchange never happened, so the id must not block a
		// redelivery of the same event.
		d.seen.forget(ev.EventID)
		logger.WarnCF("dispatch", "Delivery failed transiently, awaiting redelivery", map[string]interface{}{
			"event_id": ev.EventID, "error": err.Error(),
		})
		return FailedTransient, nil
	}
	return Acknowledged, reply
}

// seenCache is a fixed-capacity FIFO set of recent event IDs.
type seenCache struct {
	mu    sync.Mutex
	ids   map[string]int
	order []string
	next  int
}

func newSeenCache(capacity int) *seenCache {
	if capacity <= 0 {
		capacity = 512
	}
	return &seenCache{
		ids:   make(map[string]int, capacity),
		order: make([]string, capacity),
	}
}

// add records id and reports whether it was new.
func (c *seenCache) add(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.ids[id]; dup {
		return false
	}
	if old := c.order[c.next]; old != "" {
		delete(c.ids, old)
	}
	c.order[c.next] = id
	c.ids[id] = c.next
	c.next = (c.next + 1) % len(c.order)
	return true
}

// forget removes id so a redelivery is processed as new.
func (c *seenCache) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot, ok := c.ids[id]; ok {
		c.order[slot] = ""
		delete(c.ids, id)
	}
}
