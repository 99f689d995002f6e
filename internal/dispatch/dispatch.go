// Package dispatch implements the event dispatcher (C7): the tagged-union
// handler over the 20-event taxonomy that applies inbound server events to
// the local store (through C4's sequencer and, where applicable, C5's
// merger) and stamps/routes outbound user intents through C3 and onward to
// C6 or C8. See spec.md section 4.7.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/estuary/tasksync/internal/checksum"
	"github.com/estuary/tasksync/internal/idempotency"
	"github.com/estuary/tasksync/internal/merge"
	"github.com/estuary/tasksync/internal/model"
	"github.com/estuary/tasksync/internal/queue"
	"github.com/estuary/tasksync/internal/store"
	"github.com/estuary/tasksync/internal/taskerr"
	"github.com/estuary/tasksync/internal/vclock"
	log "github.com/sirupsen/logrus"
)

// restoreWindow is how long a soft-deleted task may be restored before it
// becomes permanently terminal, per spec.md section 4.7's state machine.
const restoreWindow = 30 * 24 * time.Hour

// Notification is emitted to UI/C9 subscribers after an event is applied.
type Notification struct {
	Kind   string // "task_changed" | "task_deleted" | "gap_detected" | "checksum_drift" | "navigate" | "view_state"
	Task   *model.Task
	TaskID string
	// Severity is populated for "gap_detected".
	Severity vclock.GapSeverity
	Payload  map[string]any
}

// Broadcaster announces a Notification to sibling tabs (C9). Implemented by
// internal/tabbus.
type Broadcaster interface {
	BroadcastMutation(n Notification)
}

// Dispatcher wires the store, sequencer, merger, idempotency guard, offline
// queue and an outbound sender into the single entry point for every event
// in the taxonomy.
type Dispatcher struct {
	store     *store.Store
	seq       *vclock.Sequencer
	validator *checksum.Validator
	queue     *queue.Queue
	sender    queue.Sender
	guard     *idempotency.Guard
	bus       Broadcaster
	sessionID string

	notifications chan Notification
	log           *log.Entry
}

// New constructs a Dispatcher. bus may be nil if multi-tab broadcast is not
// wired (e.g. in tests or a single-tab embedding); guard may be nil to
// disable outbound idempotency suppression (tests exercising retries
// directly should pass a real one). sessionID is stamped on every outbound
// operation so the server can deduplicate across reconnects, per spec.md
// section 6; it is distinct from the per-call opID DispatchOutbound takes,
// which only scopes idempotent retry of a single intent.
func New(st *store.Store, seq *vclock.Sequencer, validator *checksum.Validator, q *queue.Queue, sender queue.Sender, guard *idempotency.Guard, bus Broadcaster, sessionID string) *Dispatcher {
	return &Dispatcher{
		store: st, seq: seq, validator: validator, queue: q, sender: sender, guard: guard, bus: bus,
		sessionID:     sessionID,
		notifications: make(chan Notification, 256),
		log:           log.WithField("component", "dispatch"),
	}
}

// Notifications returns the channel on which every applied effect is
// announced, for UI subscriptions and C9 rebroadcast.
func (d *Dispatcher) Notifications() <-chan Notification { return d.notifications }

// checkDrift validates t's resulting state against e.Checksum when the
// event carries one (bulk sub-events and purely local effects don't), per
// spec.md section 4.2's validate(key, data, expected). A mismatch is
// surfaced as a checksum_drift notification rather than an error: drift
// means the server and local renderings disagree, not that applying the
// event failed, and spec.md section 4.2 routes drifted keys to C12 for
// targeted resync rather than refusing the event.
func (d *Dispatcher) checkDrift(e *model.Event, t *model.Task) {
	if d.validator == nil || e.Checksum == "" {
		return
	}
	result, err := d.validator.Validate(t.ID, t, e.Checksum)
	if err != nil {
		d.log.WithError(err).WithField("task_id", t.ID).Warn("checksum validation failed")
		return
	}
	if result.Drift {
		d.notify(Notification{Kind: "checksum_drift", Task: t, TaskID: t.ID})
	}
}

func (d *Dispatcher) notify(n Notification) {
	select {
	case d.notifications <- n:
	default:
		d.log.Warn("notification channel full, dropping oldest-consumer guarantee")
	}
	if d.bus != nil {
		d.bus.BroadcastMutation(n)
	}
}

// HandleInbound runs e through the sequencer and, for every event it
// releases (the event itself plus any now-contiguous buffered events),
// applies the taxonomy effect and emits a notification. It returns the
// sequencer's disposition for e itself.
func (d *Dispatcher) HandleInbound(e *model.Event) (vclock.Disposition, error) {
	if !model.IsKnownEventType(e.EventType) {
		d.log.WithField("event_type", e.EventType).Warn("unknown event type, ignoring")
		return "", nil
	}

	disposition, released := d.seq.ValidateAndOrder(e)

	switch disposition {
	case vclock.Duplicate:
		return disposition, nil
	case vclock.TooOld:
		return disposition, nil
	case vclock.SequenceGap:
		gapSize := d.seq.GapSize(e.SequenceNum)
		severity := vclock.Severity(gapSize)
		d.notify(Notification{Kind: "gap_detected", Severity: severity})
		return disposition, taskerr.New(taskerr.KindSequence, "dispatch.HandleInbound", "",
			fmt.Errorf("sequence gap of %d events before seq %d", gapSize, e.SequenceNum))
	}

	for _, ev := range released {
		if err := d.applyEffect(ev); err != nil {
			return disposition, err
		}
		if err := d.persistWatermark(ev); err != nil {
			d.log.WithError(err).WithField("event_id", ev.EventID).Warn("failed to persist sync watermark")
		}
	}
	return disposition, nil
}

// persistWatermark records ev's event id and sequence number as the store's
// durable resume point, so a restart's loadMetadata seeds the sequencer from
// here instead of from zero, per spec.md section 4.1's metadata table and
// section 4.12's "load metadata" startup step.
func (d *Dispatcher) persistWatermark(ev *model.Event) error {
	if err := d.store.SetMetadata(store.MetaLastEventID, ev.EventID); err != nil {
		return err
	}
	return d.store.SetMetadata(store.MetaLastSequence, strconv.FormatUint(ev.SequenceNum, 10))
}

// applyEffect implements the effects table of spec.md section 4.7 for a
// single already-sequenced event. tasks_ws_subscribe, tasks_refresh,
// tasks_idle_sync and tasks_offline_queue:replay are driven directly by
// C8/C10/C6 rather than arriving as sequenced server events, so they are
// not dispatched here.
func (d *Dispatcher) applyEffect(e *model.Event) error {
	switch e.EventType {
	case model.EventTasksBootstrap:
		return d.applyBootstrap(e)
	case model.EventTaskNLPProposed:
		return d.applyCreate(e, model.StatusProposed)
	case model.EventTaskCreateManual:
		return d.applyCreate(e, model.StatusTodo)
	case model.EventTaskCreateNLPAccept:
		return d.applyTransition(e, model.StatusTodo)
	case model.EventTaskUpdateTitle:
		return d.applyFieldMerge(e, "title")
	case model.EventTaskUpdateStatus:
		return d.applyStatusToggle(e)
	case model.EventTaskUpdatePriority:
		return d.applyFieldMerge(e, "priority")
	case model.EventTaskUpdateDue:
		return d.applyFieldMerge(e, "due_date")
	case model.EventTaskUpdateAssign:
		return d.applyFieldMerge(e, "assignee_ids")
	case model.EventTaskUpdateLabels:
		return d.applyFieldMerge(e, "labels")
	case model.EventTaskSnooze:
		return d.applySnooze(e)
	case model.EventTaskMerge:
		return d.applyTaskMerge(e)
	case model.EventTaskLinkJumpToSpan:
		d.notify(Notification{Kind: "navigate", TaskID: taskID(e), Payload: e.Payload})
		return nil
	case model.EventFilterApply:
		return d.applyFilterView(e)
	case model.EventTaskDelete:
		return d.applySoftDelete(e)
	case model.EventTasksMultiselectBulk:
		return d.applyBulk(e)
	default:
		d.log.WithField("event_type", e.EventType).Debug("event driven by another component, no dispatcher effect")
		return nil
	}
}

// applyBootstrap replaces/merges the store with a server snapshot and seeds
// the sequencer watermark, per table row 1.
func (d *Dispatcher) applyBootstrap(e *model.Event) error {
	rawTasks, _ := e.Payload["tasks"].([]any)
	tasks := make([]*model.Task, 0, len(rawTasks))
	for _, raw := range rawTasks {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		t, err := taskFromMap(m)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}
	if len(tasks) > 0 {
		if err := d.store.SaveTasks(tasks); err != nil {
			return err
		}
	}
	d.seq.Seed(e.EventID, e.SequenceNum, e.VectorClock)
	if checksums, ok := e.Payload["checksums"].(map[string]any); ok {
		d.checkBootstrapDrift(tasks, checksums)
	}
	d.notify(Notification{Kind: "task_changed", Payload: e.Payload})
	return nil
}

func (d *Dispatcher) applyCreate(e *model.Event, status model.Status) error {
	t, err := taskFromMap(e.Payload)
	if err != nil {
		return err
	}
	t.Status = status
	t.VectorClock = e.VectorClock
	if err := d.store.SaveTask(t); err != nil {
		return err
	}
	d.checkDrift(e, t)
	d.notify(Notification{Kind: "task_changed", Task: t, TaskID: t.ID})
	return nil
}

func (d *Dispatcher) applyTransition(e *model.Event, status model.Status) error {
	id := taskID(e)
	t, err := d.store.GetTask(id)
	if err != nil {
		return err
	}
	t.Status = status
	t.UpdatedAt = e.Timestamp
	t.VectorClock = t.VectorClock.Merge(e.VectorClock)
	if err := d.store.SaveTask(t); err != nil {
		return err
	}
	d.checkDrift(e, t)
	d.notify(Notification{Kind: "task_changed", Task: t, TaskID: t.ID})
	return nil
}

// applyFieldMerge loads the local task, builds a remote view from the
// event's payload, and reconciles the named field through C5 with the
// default server-authoritative strategy (inbound server events are always
// authoritative; only offline-queue replay requests last-write-wins).
func (d *Dispatcher) applyFieldMerge(e *model.Event, field string) error {
	id := taskID(e)
	local, err := d.store.GetTask(id)
	if err != nil {
		return err
	}
	remote := local.Clone()
	remote.UpdatedAt = e.Timestamp
	remote.VectorClock = e.VectorClock
	applyPayloadField(remote, field, e.Payload)

	result, err := merge.Merge(local, remote, merge.Options{Strategy: merge.ServerAuthoritative})
	if err != nil {
		return err
	}
	if err := d.store.SaveTask(result.Merged); err != nil {
		return err
	}
	d.checkDrift(e, result.Merged)
	d.notify(Notification{Kind: "task_changed", Task: result.Merged, TaskID: result.Merged.ID})
	return nil
}

func (d *Dispatcher) applyStatusToggle(e *model.Event) error {
	id := taskID(e)
	t, err := d.store.GetTask(id)
	if err != nil {
		return err
	}
	newStatus, _ := e.Payload["status"].(string)
	t.Status = model.Status(newStatus)
	t.UpdatedAt = e.Timestamp
	t.VectorClock = t.VectorClock.Merge(e.VectorClock)
	if t.Status == model.StatusCompleted {
		now := e.Timestamp
		t.CompletedAt = &now
	}
	if err := d.store.SaveTask(t); err != nil {
		return err
	}
	d.checkDrift(e, t)
	d.notify(Notification{Kind: "task_changed", Task: t, TaskID: t.ID})
	return nil
}

func (d *Dispatcher) applySnooze(e *model.Event) error {
	id := taskID(e)
	t, err := d.store.GetTask(id)
	if err != nil {
		return err
	}
	until, ok := e.Payload["snoozed_until"].(string)
	if ok {
		ts, err := time.Parse(time.RFC3339Nano, until)
		if err != nil {
			return fmt.Errorf("dispatch: parsing snoozed_until: %w", err)
		}
		t.SnoozedUntil = &ts
	}
	t.UpdatedAt = e.Timestamp
	t.VectorClock = t.VectorClock.Merge(e.VectorClock)
	if err := d.store.SaveTask(t); err != nil {
		return err
	}
	d.checkDrift(e, t)
	d.notify(Notification{Kind: "task_changed", Task: t, TaskID: t.ID})
	return nil
}

// applyTaskMerge replaces the source id with the target id and deletes the
// source locally, per table row 13. This reuses the store's temp-id
// reconciliation machinery: its "discard the losing id, retarget any
// queued operations" semantics are exactly what a duplicate-task merge
// needs, just driven by a user merge intent instead of a server-assigned
// real id.
func (d *Dispatcher) applyTaskMerge(e *model.Event) error {
	source, _ := e.Payload["source_id"].(string)
	target, _ := e.Payload["target_id"].(string)
	if source == "" || target == "" {
		return taskerr.New(taskerr.KindValidation, "dispatch.applyTaskMerge", "", fmt.Errorf("source_id and target_id are required"))
	}
	if err := d.store.ReconcileTempID(source, target); err != nil {
		return err
	}
	d.notify(Notification{Kind: "task_deleted", TaskID: source})
	return nil
}

func (d *Dispatcher) applyFilterView(e *model.Event) error {
	if err := d.store.SetMetadata("last_filter_view", e.EventID); err != nil {
		return err
	}
	snap := &model.Snapshot{CacheKey: "filter_view", Timestamp: e.Timestamp, Payload: e.Payload, LastEventID: e.EventID}
	if err := d.store.SaveSnapshot(snap); err != nil {
		return err
	}
	d.notify(Notification{Kind: "view_state", Payload: e.Payload})
	return nil
}

// applySoftDelete sets status=deleted and stamps deleted_at; the task
// remains restorable until restoreWindow elapses (see PurgeExpiredDeletes).
func (d *Dispatcher) applySoftDelete(e *model.Event) error {
	id := taskID(e)
	t, err := d.store.GetTask(id)
	if err != nil {
		return err
	}
	t.Status = model.StatusDeleted
	t.UpdatedAt = e.Timestamp
	now := e.Timestamp
	t.DeletedAt = &now
	t.VectorClock = t.VectorClock.Merge(e.VectorClock)
	if err := d.store.SaveTask(t); err != nil {
		return err
	}
	d.notify(Notification{Kind: "task_deleted", TaskID: t.ID})
	return nil
}

// PurgeExpiredDeletes hard-deletes every task whose soft-delete grace
// window has elapsed as of now, making `deleted` terminal per the state
// machine in spec.md section 4.7.
func (d *Dispatcher) PurgeExpiredDeletes(now time.Time) error {
	tasks, err := d.store.FilterByStatus(model.StatusDeleted)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.DeletedAt == nil || now.Sub(*t.DeletedAt) < restoreWindow {
			continue
		}
		if err := d.store.DeleteTask(t.ID); err != nil {
			return err
		}
	}
	return nil
}

// applyBulk applies the same sub-event to many ids, collecting every
// resulting task and saving them in one atomic batch, per table row 20.
func (d *Dispatcher) applyBulk(e *model.Event) error {
	ids, _ := e.Payload["task_ids"].([]any)
	subType, _ := e.Payload["sub_event"].(string)
	subPayload, _ := e.Payload["sub_payload"].(map[string]any)

	var merged []*model.Task
	for _, rawID := range ids {
		id, ok := rawID.(string)
		if !ok {
			continue
		}
		sub := &model.Event{
			EventID: e.EventID + ":" + id, SequenceNum: e.SequenceNum, EventType: model.EventType(subType),
			VectorClock: e.VectorClock, Timestamp: e.Timestamp, Actor: e.Actor, Payload: mergePayload(subPayload, id),
		}
		t, err := d.bulkResolve(sub)
		if err != nil {
			return err
		}
		merged = append(merged, t)
	}
	if err := d.store.SaveTasks(merged); err != nil {
		return err
	}
	for _, t := range merged {
		d.notify(Notification{Kind: "task_changed", Task: t, TaskID: t.ID})
	}
	return nil
}

// checkBootstrapDrift validates every fetched task against the per-task
// checksums a bootstrap/full-resync payload may carry alongside the task
// list (mirroring model.Snapshot's Checksums map), surfacing any mismatch
// the same way a single-event drift would.
func (d *Dispatcher) checkBootstrapDrift(tasks []*model.Task, checksums map[string]any) {
	if d.validator == nil || len(checksums) == 0 {
		return
	}
	for _, t := range tasks {
		expected, ok := checksums[t.ID].(string)
		if !ok || expected == "" {
			continue
		}
		result, err := d.validator.Validate(t.ID, t, expected)
		if err != nil {
			d.log.WithError(err).WithField("task_id", t.ID).Warn("checksum validation failed")
			continue
		}
		if result.Drift {
			d.notify(Notification{Kind: "checksum_drift", Task: t, TaskID: t.ID})
		}
	}
}

// bulkResolve computes (without persisting) the resulting task for a single
// id's sub-event, so applyBulk can batch every id into one atomic write.
func (d *Dispatcher) bulkResolve(sub *model.Event) (*model.Task, error) {
	id := taskID(sub)
	local, err := d.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	switch sub.EventType {
	case model.EventTaskUpdateStatus:
		newStatus, _ := sub.Payload["status"].(string)
		local.Status = model.Status(newStatus)
	case model.EventTaskUpdatePriority:
		newPriority, _ := sub.Payload["priority"].(string)
		local.Priority = model.Priority(newPriority)
	case model.EventTaskUpdateLabels:
		applyPayloadField(local, "labels", sub.Payload)
	case model.EventTaskDelete:
		local.Status = model.StatusDeleted
		now := sub.Timestamp
		local.DeletedAt = &now
	default:
		return nil, taskerr.New(taskerr.KindValidation, "dispatch.bulkResolve", id, fmt.Errorf("unsupported bulk sub_event %q", sub.EventType))
	}
	local.UpdatedAt = sub.Timestamp
	local.VectorClock = local.VectorClock.Merge(sub.VectorClock)
	return local, nil
}

func mergePayload(base map[string]any, id string) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out["task_id"] = id
	return out
}

func taskID(e *model.Event) string {
	if id, ok := e.Payload["task_id"].(string); ok {
		return id
	}
	return ""
}

func applyPayloadField(t *model.Task, field string, payload map[string]any) {
	switch field {
	case "title":
		if v, ok := payload["title"].(string); ok {
			t.Title = v
		}
	case "priority":
		if v, ok := payload["priority"].(string); ok {
			t.Priority = model.Priority(v)
		}
	case "due_date":
		if v, ok := payload["due_date"].(string); ok {
			ts, err := time.Parse(time.RFC3339Nano, v)
			if err == nil {
				t.DueDate = &ts
			}
		}
	case "assignee_ids":
		if v, ok := payload["assignee_ids"].([]any); ok {
			t.AssigneeIDs = toStrings(v)
		}
	case "labels":
		if v, ok := payload["labels"].([]any); ok {
			t.Labels = toStrings(v)
		}
	}
}

func toStrings(v []any) []string {
	out := make([]string, 0, len(v))
	for _, x := range v {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func taskFromMap(m map[string]any) (*model.Task, error) {
	t := &model.Task{}
	if id, ok := m["id"].(string); ok {
		t.ID = id
	}
	if tempID, ok := m["temp_id"].(string); ok {
		t.TempID = tempID
		if t.ID == "" {
			t.ID = tempID
		}
	}
	if title, ok := m["title"].(string); ok {
		t.Title = title
	}
	if status, ok := m["status"].(string); ok {
		t.Status = model.Status(status)
	} else {
		t.Status = model.StatusTodo
	}
	if priority, ok := m["priority"].(string); ok {
		t.Priority = model.Priority(priority)
	}
	if meetingID, ok := m["meeting_id"].(string); ok {
		t.MeetingID = meetingID
	}
	if confidence, ok := m["confidence"].(float64); ok {
		t.ExtractionContext = &model.ExtractionContext{Confidence: confidence}
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	t.VectorClock = model.VectorClock{}
	if err := t.Validate(); err != nil {
		return nil, taskerr.New(taskerr.KindValidation, "dispatch.taskFromMap", t.ID, err)
	}
	return t, nil
}

// DispatchOutbound stamps and routes a user-originated intent, per spec.md
// section 4.7's "every outbound intent passes through C3 for idempotency,
// is stamped with a vector clock, and is either sent via C8 or enqueued via
// C6". opID identifies this specific intent for idempotent retry: a second
// call with the same opID within the guard's TTL replays the first call's
// outcome instead of sending or enqueuing again. online selects the
// immediate-send vs. offline-queue path.
func (d *Dispatcher) DispatchOutbound(ctx context.Context, opID string, actor model.Actor, op *model.QueuedOperation, online bool) error {
	if d.guard != nil {
		if cached, ok := d.guard.Check(opID); ok {
			err, _ := cached.(error)
			return err
		}
	}

	op.SessionID = d.sessionID
	clock := d.seq.Clock().Merge(op.VectorClock)
	clock[actor]++
	op.VectorClock = clock
	outErr := d.dispatchOutboundOnce(ctx, op, online)

	if d.guard != nil {
		d.guard.Record(opID, outErr)
	}
	return outErr
}

func (d *Dispatcher) dispatchOutboundOnce(ctx context.Context, op *model.QueuedOperation, online bool) error {
	if online && d.sender != nil {
		result, err := d.sender.Send(ctx, op)
		if err != nil {
			if !taskerr.Transient(err) {
				return err
			}
			_, enqErr := d.queue.Enqueue(op)
			return enqErr
		}
		if result.Conflict {
			return taskerr.New(taskerr.KindConflict, "dispatch.DispatchOutbound", op.TaskIDOrTemp, fmt.Errorf("server reported conflict"))
		}
		return nil
	}
	_, err := d.queue.Enqueue(op)
	return err
}
