// Package events fans mediation audit events out to live subscribers and the
// configured audit stores. Event payloads carry hosts, methods, paths and
// pattern strings only; secret material never enters an event.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tokengate/tokengate/pkg/types"
)

// Mediation event types.
const (
	TypeRequestPassthrough = "request_passthrough"
	TypeRequestForwarded   = "request_forwarded"
	TypeRequestRejected    = "request_rejected"
	TypeApprovalRequested  = "approval_requested"
	TypeApprovalResolved   = "approval_resolved"
	TypeApprovalCancelled  = "approval_cancelled"
	TypeGrantAdded         = "policy_grant_added"
	TypeRejectionAdded     = "policy_rejection_added"
	TypePolicyReloaded     = "policy_reloaded"
	TypeUpstreamError      = "upstream_error"
)

// Store is the audit sink interface satisfied by internal/store backends.
type Store interface {
	AppendEvent(ctx context.Context, ev types.Event) error
}

// Broker distributes events to live subscribers (the admin event stream).
type Broker struct {
	mu      sync.RWMutex
	subs    map[chan types.Event]struct{}
	dropped atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan types.Event]struct{})}
}

func (b *Broker) Subscribe(buf int) chan types.Event {
	if buf <= 0 {
		buf = 100
	}
	ch := make(chan types.Event, buf)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	return ch
}

func (b *Broker) Unsubscribe(ch chan types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *Broker) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop on slow subscriber, log and count.
			count := b.dropped.Add(1)
			if count == 1 || count%100 == 0 {
				fmt.Fprintf(os.Stderr, "events: dropped event (type=%s, total dropped=%d)\n", ev.Type, count)
			}
		}
	}
}

// DroppedCount returns the total number of events dropped due to slow
// subscribers.
func (b *Broker) DroppedCount() int64 {
	return b.dropped.Load()
}

// Emitter stamps events and delivers them to the broker and audit store.
// Either collaborator may be nil.
type Emitter struct {
	Broker *Broker
	Store  Store
	Logger *slog.Logger
}

func (e *Emitter) Emit(ctx context.Context, ev types.Event) {
	if e == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if e.Store != nil {
		if err := e.Store.AppendEvent(ctx, ev); err != nil && e.Logger != nil {
			e.Logger.Warn("append audit event", "type", ev.Type, "error", err)
		}
	}
	if e.Broker != nil {
		e.Broker.Publish(ev)
	}
}
