// Package queue implements the offline operation queue (C6): a durable
// FIFO-with-priority log of mutations made while disconnected, replayed
// against the server on reconnect with temp-id reconciliation and
// conflict resolution. See spec.md section 4.6.
package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/estuary/tasksync/internal/checksum"
	"github.com/estuary/tasksync/internal/merge"
	"github.com/estuary/tasksync/internal/model"
	"github.com/estuary/tasksync/internal/store"
	"github.com/estuary/tasksync/internal/taskerr"
	log "github.com/sirupsen/logrus"
)

// DefaultMaxSize bounds the queue; overflow evicts the oldest entry.
const DefaultMaxSize = 500

// SendResult is the outcome of a single queued operation's transmission.
type SendResult struct {
	// Accepted is true when the server accepted the operation outright.
	Accepted bool
	// RealID is populated when a queued "create" is accepted and the
	// server assigned a stable id, triggering temp-id reconciliation.
	RealID string
	// Conflict is true on a 409 response; ServerTask carries the server's
	// current state for the delta merger to reconcile against.
	Conflict bool
	ServerTask *model.Task
}

// Sender transmits a single queued operation to the server. Implemented by
// internal/transport.
type Sender interface {
	Send(ctx context.Context, op *model.QueuedOperation) (SendResult, error)
}

// Broadcaster announces a temp-id reconciliation to sibling tabs (C9).
type Broadcaster interface {
	BroadcastReconciliation(tempID, realID string)
}

// Queue wraps the store's durable offline_queue section with replay,
// sanitization, bounded size, and a single-flight replay guard.
type Queue struct {
	store       *store.Store
	sender      Sender
	broadcaster Broadcaster
	maxSize     int
	replaying   atomic.Bool
	log         *log.Entry
}

// New constructs a Queue. broadcaster may be nil if multi-tab broadcast is
// not wired (e.g. in tests).
func New(st *store.Store, sender Sender, broadcaster Broadcaster, maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Queue{
		store: st, sender: sender, broadcaster: broadcaster, maxSize: maxSize,
		log: log.WithField("component", "queue"),
	}
}

// sanitize strips cache-internal/volatile fields from a queued payload
// before it is persisted or sent, reusing the checksum package's volatile
// field set (spec.md section 4.6: "sanitize payload").
func sanitize(data map[string]any) map[string]any {
	normalized := checksum.Normalize(data)
	m, _ := normalized.(map[string]any)
	return m
}

// Enqueue durably appends a sanitized operation, evicting the oldest entry
// if the queue is at capacity.
func (q *Queue) Enqueue(op *model.QueuedOperation) (int64, error) {
	op.Data = sanitize(op.Data)
	if op.QueuedAt.IsZero() {
		op.QueuedAt = time.Now()
	}

	size, err := q.store.QueueSize()
	if err != nil {
		return 0, err
	}
	if size >= q.maxSize {
		oldest, ok, err := q.store.OldestQueueID()
		if err != nil {
			return 0, err
		}
		if ok {
			q.log.WithField("queue_id", oldest).Warn("offline queue at capacity, evicting oldest entry")
			if err := q.store.RemoveFromQueue(oldest); err != nil {
				return 0, err
			}
		}
	}
	return q.store.QueueOperation(op)
}

// ReplayOutcome summarizes a single Replay call.
type ReplayOutcome struct {
	Sent      int
	Conflicts int
	// StoppedEarly is true when a transient error halted replay before the
	// queue was drained; the remaining entries retry on the next attempt.
	StoppedEarly bool
}

type replayInProgressError struct{}

func (replayInProgressError) Error() string { return "replay already in progress" }

// ErrReplayInProgress is returned by Replay when another replay is already
// running (the concurrent replay guard).
var ErrReplayInProgress = taskerr.New(taskerr.KindTransient, "queue.Replay", "", replayInProgressError{})

// Replay drains the queue strictly in (priority desc, queued_at asc,
// queue_id asc) order, per spec.md section 4.6.
func (q *Queue) Replay(ctx context.Context) (ReplayOutcome, error) {
	if !q.replaying.CompareAndSwap(false, true) {
		return ReplayOutcome{}, ErrReplayInProgress
	}
	defer q.replaying.Store(false)

	ops, err := q.store.GetQueue()
	if err != nil {
		return ReplayOutcome{}, err
	}

	var out ReplayOutcome
	for _, op := range ops {
		select {
		case <-ctx.Done():
			out.StoppedEarly = true
			return out, ctx.Err()
		default:
		}

		result, err := q.sender.Send(ctx, op)
		if err != nil {
			if taskerr.Transient(err) {
				q.log.WithField("queue_id", op.QueueID).WithError(err).Warn("transient send failure, stopping replay for later retry")
				_ = q.store.IncrementAttempts(op.QueueID)
				out.StoppedEarly = true
				return out, nil
			}
			return out, err
		}

		switch {
		case result.Conflict:
			if err := q.resolveConflict(op, result.ServerTask); err != nil {
				return out, err
			}
			out.Conflicts++
			if err := q.store.RemoveFromQueue(op.QueueID); err != nil {
				return out, err
			}
		case result.Accepted:
			if op.Type == model.EventTaskCreateManual && result.RealID != "" && result.RealID != op.TaskIDOrTemp {
				if err := q.store.ReconcileTempID(op.TaskIDOrTemp, result.RealID); err != nil {
					return out, err
				}
				if q.broadcaster != nil {
					q.broadcaster.BroadcastReconciliation(op.TaskIDOrTemp, result.RealID)
				}
			}
			if err := q.store.RemoveFromQueue(op.QueueID); err != nil {
				return out, err
			}
			out.Sent++
		}
	}
	return out, nil
}

// resolveConflict applies the delta merger with last-write-wins, per the
// spec's open-question decision that replay may explicitly request
// last-write-wins rather than the default server-authoritative strategy.
func (q *Queue) resolveConflict(op *model.QueuedOperation, serverTask *model.Task) error {
	local, err := q.store.GetTask(op.TaskIDOrTemp)
	if err != nil {
		// Nothing local to merge against (e.g. already reconciled
		// elsewhere); the server's record is simply adopted.
		return q.store.SaveTask(serverTask)
	}
	result, err := merge.Merge(local, serverTask, merge.Options{Strategy: merge.LastWriteWins})
	if err != nil {
		return err
	}
	return q.store.SaveTask(result.Merged)
}

// IsReplaying reports whether a replay is currently in flight.
func (q *Queue) IsReplaying() bool { return q.replaying.Load() }
