package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/estuary/tasksync/internal/checksum"
	"github.com/estuary/tasksync/internal/idempotency"
	"github.com/estuary/tasksync/internal/model"
	"github.com/estuary/tasksync/internal/queue"
	"github.com/estuary/tasksync/internal/store"
	"github.com/estuary/tasksync/internal/vclock"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	results map[string]queue.SendResult
}

func (f *fakeSender) Send(_ context.Context, op *model.QueuedOperation) (queue.SendResult, error) {
	return f.results[op.TaskIDOrTemp], nil
}

type recordingBus struct {
	received []Notification
}

func (b *recordingBus) BroadcastMutation(n Notification) { b.received = append(b.received, n) }

func newHarness(t *testing.T) (*Dispatcher, *store.Store, *vclock.Sequencer) {
	t.Helper()
	s, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	seq := vclock.New()
	q := queue.New(s, &fakeSender{}, nil, 0)
	d := New(s, seq, checksum.New(), q, &fakeSender{}, idempotency.New(), nil, "test-session")
	return d, s, seq
}

func baseTask(id string) *model.Task {
	now := time.Now()
	return &model.Task{
		ID: id, Title: "original", Status: model.StatusTodo, Priority: model.PriorityLow,
		CreatedAt: now, UpdatedAt: now, ActorTag: model.ActorServer,
		VectorClock: model.VectorClock{model.ActorServer: 1},
	}
}

func ev(typ model.EventType, seq uint64, payload map[string]any) *model.Event {
	return &model.Event{
		EventID: fmt.Sprintf("%s-%d", typ, seq), SequenceNum: seq, EventType: typ,
		VectorClock: model.VectorClock{model.ActorServer: seq}, Timestamp: time.Now(),
		Actor: model.ActorServer, Payload: payload,
	}
}

func TestHandleInbound_FieldMergeAppliesTitleUpdate(t *testing.T) {
	d, s, _ := newHarness(t)
	require.NoError(t, s.SaveTask(baseTask("t1")))

	_, err := d.HandleInbound(ev(model.EventTaskUpdateTitle, 1, map[string]any{"task_id": "t1", "title": "renamed"}))
	require.NoError(t, err)

	got, err := s.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Title)
}

func TestHandleInbound_StatusToggleStampsCompletedAt(t *testing.T) {
	d, s, _ := newHarness(t)
	require.NoError(t, s.SaveTask(baseTask("t1")))

	_, err := d.HandleInbound(ev(model.EventTaskUpdateStatus, 1, map[string]any{"task_id": "t1", "status": "completed"}))
	require.NoError(t, err)

	got, err := s.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestHandleInbound_SoftDeleteThenPurgeAfterWindow(t *testing.T) {
	d, s, _ := newHarness(t)
	require.NoError(t, s.SaveTask(baseTask("t1")))

	_, err := d.HandleInbound(ev(model.EventTaskDelete, 1, map[string]any{"task_id": "t1"}))
	require.NoError(t, err)

	got, err := s.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, model.StatusDeleted, got.Status)
	require.NotNil(t, got.DeletedAt)

	require.NoError(t, d.PurgeExpiredDeletes(time.Now()))
	_, err = s.GetTask("t1")
	require.NoError(t, err, "within the restore window the task must survive")

	require.NoError(t, d.PurgeExpiredDeletes(time.Now().Add(31*24*time.Hour)))
	_, err = s.GetTask("t1")
	require.Error(t, err, "past the restore window the task becomes terminal")
}

func TestHandleInbound_TaskMergeReplacesSourceWithTarget(t *testing.T) {
	d, s, _ := newHarness(t)
	require.NoError(t, s.SaveTask(baseTask("dup1")))
	require.NoError(t, s.SaveTask(baseTask("canonical")))

	_, err := d.HandleInbound(ev(model.EventTaskMerge, 1, map[string]any{"source_id": "dup1", "target_id": "canonical"}))
	require.NoError(t, err)

	_, err = s.GetTask("dup1")
	require.Error(t, err)
	_, err = s.GetTask("canonical")
	require.NoError(t, err)
}

func TestHandleInbound_GapBuffersAndReleasesInOrder(t *testing.T) {
	d, s, _ := newHarness(t)
	require.NoError(t, s.SaveTask(baseTask("t1")))

	disposition, err := d.HandleInbound(ev(model.EventTaskUpdateTitle, 3, map[string]any{"task_id": "t1", "title": "third"}))
	require.Error(t, err)
	require.Equal(t, vclock.SequenceGap, disposition)

	disposition, err = d.HandleInbound(ev(model.EventTaskUpdateStatus, 2, map[string]any{"task_id": "t1", "status": "in_progress"}))
	require.Error(t, err)
	require.Equal(t, vclock.SequenceGap, disposition)

	disposition, err = d.HandleInbound(ev(model.EventTaskUpdateTitle, 1, map[string]any{"task_id": "t1", "title": "first"}))
	require.NoError(t, err)
	require.Equal(t, vclock.Accepted, disposition)

	got, err := s.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, "third", got.Title, "buffered events drain in sequence order, so seq 3's title wins last")
	require.Equal(t, model.StatusInProgress, got.Status)
}

func TestHandleInbound_BulkAppliesAtomically(t *testing.T) {
	d, s, _ := newHarness(t)
	require.NoError(t, s.SaveTask(baseTask("a")))
	require.NoError(t, s.SaveTask(baseTask("b")))

	_, err := d.HandleInbound(ev(model.EventTasksMultiselectBulk, 1, map[string]any{
		"task_ids":  []any{"a", "b"},
		"sub_event": string(model.EventTaskUpdateStatus),
		"sub_payload": map[string]any{"status": "archived"},
	}))
	require.NoError(t, err)

	for _, id := range []string{"a", "b"} {
		got, err := s.GetTask(id)
		require.NoError(t, err)
		require.Equal(t, model.StatusArchived, got.Status)
	}
}

func TestDispatchOutbound_OnlineSendsImmediately(t *testing.T) {
	d, s, _ := newHarness(t)
	d.sender = &fakeSender{results: map[string]queue.SendResult{"t1": {Accepted: true}}}

	err := d.DispatchOutbound(context.Background(), "op-1", model.ActorUser,
		&model.QueuedOperation{Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "t1"}, true)
	require.NoError(t, err)

	size, err := s.QueueSize()
	require.NoError(t, err)
	require.Zero(t, size, "an accepted online send must not be queued")
}

func TestHandleInbound_BroadcastsToBus(t *testing.T) {
	d, s, _ := newHarness(t)
	require.NoError(t, s.SaveTask(baseTask("t1")))
	bus := &recordingBus{}
	d.bus = bus

	_, err := d.HandleInbound(ev(model.EventTaskUpdateTitle, 1, map[string]any{"task_id": "t1", "title": "renamed"}))
	require.NoError(t, err)

	require.Len(t, bus.received, 1)
	require.Equal(t, "task_changed", bus.received[0].Kind)
}

func TestDispatchOutbound_OfflineEnqueues(t *testing.T) {
	d, s, _ := newHarness(t)

	err := d.DispatchOutbound(context.Background(), "op-1", model.ActorUser,
		&model.QueuedOperation{Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "t1"}, false)
	require.NoError(t, err)

	size, err := s.QueueSize()
	require.NoError(t, err)
	require.Equal(t, 1, size)
}

func TestHandleInbound_ChecksumMismatchEmitsDriftNotification(t *testing.T) {
	d, s, _ := newHarness(t)
	require.NoError(t, s.SaveTask(baseTask("t1")))
	bus := &recordingBus{}
	d.bus = bus

	e := ev(model.EventTaskUpdateTitle, 1, map[string]any{"task_id": "t1", "title": "renamed"})
	e.Checksum = "not-a-real-checksum"
	_, err := d.HandleInbound(e)
	require.NoError(t, err)

	var kinds []string
	for _, n := range bus.received {
		kinds = append(kinds, n.Kind)
	}
	require.Contains(t, kinds, "checksum_drift")
}

func TestHandleInbound_NoChecksumOnEventSkipsValidation(t *testing.T) {
	d, s, _ := newHarness(t)
	require.NoError(t, s.SaveTask(baseTask("t1")))
	bus := &recordingBus{}
	d.bus = bus

	_, err := d.HandleInbound(ev(model.EventTaskUpdateTitle, 1, map[string]any{"task_id": "t1", "title": "renamed"}))
	require.NoError(t, err)

	for _, n := range bus.received {
		require.NotEqual(t, "checksum_drift", n.Kind, "an event with no checksum must not be validated")
	}
}

func TestDispatchOutbound_RepeatedOpIDIsNotResent(t *testing.T) {
	d, s, _ := newHarness(t)
	sender := &fakeSender{results: map[string]queue.SendResult{"t1": {Accepted: true}}}
	d.sender = sender

	op := &model.QueuedOperation{Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "t1"}
	require.NoError(t, d.DispatchOutbound(context.Background(), "op-1", model.ActorUser, op, true))
	require.NoError(t, d.DispatchOutbound(context.Background(), "op-1", model.ActorUser, op, true))

	size, err := s.QueueSize()
	require.NoError(t, err)
	require.Zero(t, size, "a retried opID must replay the cached outcome, not enqueue a second time")
}

func TestDispatchOutbound_StampsSessionIDNotOpID(t *testing.T) {
	d, _, _ := newHarness(t)
	sender := &fakeSender{results: map[string]queue.SendResult{"t1": {Accepted: true}}}
	d.sender = sender

	op := &model.QueuedOperation{Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "t1"}
	require.NoError(t, d.DispatchOutbound(context.Background(), "op-1", model.ActorUser, op, true))
	require.Equal(t, "test-session", op.SessionID, "session_id must be the dispatcher's stable session id, not the per-call opID")

	op2 := &model.QueuedOperation{Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "t1"}
	require.NoError(t, d.DispatchOutbound(context.Background(), "op-2", model.ActorUser, op2, true))
	require.Equal(t, op.SessionID, op2.SessionID, "session_id must stay the same across operations in a session")
}

func TestHandleInbound_PersistsWatermarkForResume(t *testing.T) {
	d, s, _ := newHarness(t)
	require.NoError(t, s.SaveTask(baseTask("t1")))

	_, err := d.HandleInbound(ev(model.EventTaskUpdateTitle, 1, map[string]any{"task_id": "t1", "title": "renamed"}))
	require.NoError(t, err)

	eventID, ok, err := s.GetMetadata(store.MetaLastEventID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, fmt.Sprintf("%s-%d", model.EventTaskUpdateTitle, 1), eventID)

	seqStr, ok, err := s.GetMetadata(store.MetaLastSequence)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", seqStr, "the sequence watermark must advance so a restart doesn't reseed at zero")
}

func TestHandleInbound_JumpToSpanWithoutTaskIDDoesNotPanic(t *testing.T) {
	d, _, _ := newHarness(t)

	require.NotPanics(t, func() {
		_, err := d.HandleInbound(ev(model.EventTaskLinkJumpToSpan, 1, map[string]any{"span_id": "s1"}))
		require.NoError(t, err)
	})
}
