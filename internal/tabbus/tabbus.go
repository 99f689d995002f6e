// Package tabbus implements the multi-tab bus (C9): an intra-origin
// broadcast fabric standing in for a browser BroadcastChannel, carrying
// mutation, id-reconciliation and view-state messages between tabs of the
// same embedding process. See spec.md section 4.9.
package tabbus

import (
	"sync"

	"github.com/estuary/tasksync/internal/dispatch"
	"github.com/estuary/tasksync/internal/model"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Kind is the closed set of inter-tab message kinds.
type Kind string

const (
	// KindMutation carries a created/updated/deleted task.
	KindMutation Kind = "mutation"
	// KindReconciliation carries a temp-id to real-id mapping.
	KindReconciliation Kind = "reconciliation"
	// KindViewState carries a filter/view change.
	KindViewState Kind = "view_state"
)

// Message is broadcast to every subscribed tab except the one named by
// TabID. EventID and TabID carry the originating event_id and sending tab
// when the publisher sets them; BroadcastMutation and
// BroadcastReconciliation set neither, so their messages have empty
// EventID and TabID and reach every subscribed tab.
type Message struct {
	Kind    Kind
	EventID string
	TabID   string

	Task   *model.Task
	TaskID string

	// FromID/ToID are populated for KindReconciliation.
	FromID string
	ToID   string

	// SequenceNum is the task's sequence number at broadcast time, for the
	// receiver to decide whether its local sequence allows applying the
	// mutation (spec.md section 4.9: "receivers apply mutations only if
	// the local sequence allows it; otherwise the message is discarded in
	// favor of the canonical server event").
	SequenceNum uint64

	Payload map[string]any
}

// ShouldApply reports whether a received mutation message is safe to apply
// given the receiving tab's last-accepted sequence number: a mutation from
// a sequence at or behind what this tab has already accepted is stale and
// must be discarded in favor of the eventual canonical server event.
func ShouldApply(msg Message, localLastSequence uint64) bool {
	if msg.Kind != KindMutation {
		return true
	}
	return msg.SequenceNum == 0 || msg.SequenceNum > localLastSequence
}

// subscriberBufferSize bounds each tab's inbox; a slow tab drops the
// oldest-consumer guarantee rather than blocking every other tab's sender.
const subscriberBufferSize = 128

// Bus fans out Messages to every subscribed tab but the sender, per
// spec.md section 4.9.
type Bus struct {
	mu   sync.Mutex
	subs map[string]chan Message
	log  *log.Entry
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]chan Message), log: log.WithField("component", "tabbus")}
}

// Subscribe registers a new tab under a freshly generated tab id and
// returns its inbox and an unsubscribe function.
func (b *Bus) Subscribe() (tabID string, inbox <-chan Message, unsubscribe func()) {
	tabID = uuid.NewString()
	ch := make(chan Message, subscriberBufferSize)
	b.mu.Lock()
	b.subs[tabID] = ch
	b.mu.Unlock()
	return tabID, ch, func() { b.unsubscribe(tabID) }
}

func (b *Bus) unsubscribe(tabID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[tabID]; ok {
		delete(b.subs, tabID)
		close(ch)
	}
}

// Publish fans msg out to every subscribed tab except msg.TabID.
func (b *Bus) Publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for tabID, ch := range b.subs {
		if tabID == msg.TabID {
			continue
		}
		select {
		case ch <- msg:
		default:
			b.log.WithField("tab_id", tabID).Warn("tab inbox full, dropping broadcast")
		}
	}
}

// BroadcastMutation implements dispatch.Broadcaster: it republishes a
// dispatcher notification as a mutation (or view-state, for filter_apply)
// message to every subscribed tab.
func (b *Bus) BroadcastMutation(n dispatch.Notification) {
	switch n.Kind {
	case "view_state":
		b.Publish(Message{Kind: KindViewState, Payload: n.Payload})
	case "task_changed", "task_deleted":
		var seq uint64
		if n.Task != nil {
			seq = n.Task.SequenceNum
		}
		b.Publish(Message{Kind: KindMutation, Task: n.Task, TaskID: n.TaskID, SequenceNum: seq, Payload: n.Payload})
	}
}

// BroadcastReconciliation implements queue.Broadcaster: it announces a
// temp-id to real-id mapping so sibling tabs can retarget their own local
// references (e.g. an open detail view for the temp id).
func (b *Bus) BroadcastReconciliation(tempID, realID string) {
	b.Publish(Message{Kind: KindReconciliation, FromID: tempID, ToID: realID})
}
