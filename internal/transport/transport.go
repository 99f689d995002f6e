// Package transport implements the transport adapter (C8): a single
// channel per workspace, namespaced per domain, with request/response,
// server push, auto-reconnect with capped exponential backoff, and
// per-namespace handler registration. See spec.md section 4.8.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/estuary/tasksync/internal/model"
	"github.com/estuary/tasksync/internal/queue"
)

// Message is the wire envelope: every message carries at least event_id,
// sequence_num, vector_clock and a payload, per spec.md section 4.8.
type Message struct {
	RequestID   string          `json:"request_id,omitempty"`
	Namespace   string          `json:"namespace"`
	EventID     string          `json:"event_id"`
	EventType   model.EventType `json:"event_type"`
	SequenceNum uint64          `json:"sequence_num"`
	VectorClock model.VectorClock `json:"vector_clock"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	// Error carries a server-reported failure for a request/response pair.
	Error string `json:"error,omitempty"`
	// Conflict is true when the server rejected a mutation with a 409 and
	// Payload carries its current state of the task.
	Conflict bool `json:"conflict,omitempty"`
}

// Handler receives server-pushed events for a namespace.
type Handler func(*model.Event)

// Reconciliation is a single temp-id to real-id mapping returned by
// reconciliations:get_pending, per spec.md section 6. The Bootstrap
// Coordinator applies these exactly as it would a live id_reconciled
// broadcast.
type Reconciliation struct {
	TempID       string    `json:"temp_id"`
	RealID       string    `json:"real_id"`
	UserID       string    `json:"user_id"`
	WorkspaceID  string    `json:"workspace_id"`
	ReconciledAt time.Time `json:"reconciled_at"`
}

// Channel is the transport surface C7/C12 depend on: outbound Send (used
// as a queue.Sender by the offline queue and the dispatcher's immediate
// online path), per-namespace push subscription, and reconnect lifecycle
// hooks.
type Channel interface {
	queue.Sender
	// Subscribe registers h to receive every pushed event for namespace.
	// Only one handler may be registered per namespace; a second call
	// replaces the first.
	Subscribe(namespace string, h Handler)
	// OnReconnect registers a callback invoked after a successful
	// reconnect, before any buffered pushes are replayed. Used to re-emit
	// the subscribe intent and request pending reconciliations, per
	// spec.md section 4.8.
	OnReconnect(fn func(ctx context.Context))
	// Connected reports whether the channel currently has a live
	// connection.
	Connected() bool
	// Close releases the channel's resources.
	Close() error
}

// backoff computes a capped exponential reconnect delay: base, 2*base,
// 4*base, ... capped at max.
type backoff struct {
	base, max time.Duration
	attempt   int
}

func (b *backoff) next() time.Duration {
	d := b.base << b.attempt
	if d > b.max || d <= 0 {
		d = b.max
	}
	b.attempt++
	return d
}

func (b *backoff) reset() { b.attempt = 0 }
