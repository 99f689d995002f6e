package queue

import (
	"context"
	"testing"
	"time"

	"github.com/estuary/tasksync/internal/model"
	"github.com/estuary/tasksync/internal/store"
	"github.com/estuary/tasksync/internal/taskerr"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	results map[string]SendResult
	errs    map[string]error
	calls   []string
}

func (f *fakeSender) Send(_ context.Context, op *model.QueuedOperation) (SendResult, error) {
	f.calls = append(f.calls, op.TaskIDOrTemp)
	if err, ok := f.errs[op.TaskIDOrTemp]; ok {
		return SendResult{}, err
	}
	return f.results[op.TaskIDOrTemp], nil
}

type fakeBroadcaster struct {
	reconciled map[string]string
}

func (f *fakeBroadcaster) BroadcastReconciliation(tempID, realID string) {
	if f.reconciled == nil {
		f.reconciled = map[string]string{}
	}
	f.reconciled[tempID] = realID
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTask(id string) *model.Task {
	now := time.Now()
	return &model.Task{
		ID: id, Title: "x", Status: model.StatusTodo, Priority: model.PriorityMedium,
		CreatedAt: now, UpdatedAt: now, ActorTag: model.ActorUser,
		VectorClock: model.VectorClock{model.ActorUser: 1},
	}
}

func TestEnqueueSanitizesVolatileFields(t *testing.T) {
	s := newTestStore(t)
	q := New(s, &fakeSender{}, nil, 0)

	_, err := q.Enqueue(&model.QueuedOperation{
		Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "1",
		Data: map[string]any{"title": "new title", "_checksum": "stale", "_cached_at": "stale"},
	})
	require.NoError(t, err)

	ops, err := s.GetQueue()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, "new title", ops[0].Data["title"])
	require.NotContains(t, ops[0].Data, "_checksum")
	require.NotContains(t, ops[0].Data, "_cached_at")
}

func TestEnqueueEvictsOldestAtCapacity(t *testing.T) {
	s := newTestStore(t)
	q := New(s, &fakeSender{}, nil, 2)

	base := time.Now()
	_, err := q.Enqueue(&model.QueuedOperation{Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "first", QueuedAt: base})
	require.NoError(t, err)
	_, err = q.Enqueue(&model.QueuedOperation{Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "second", QueuedAt: base.Add(time.Second)})
	require.NoError(t, err)
	_, err = q.Enqueue(&model.QueuedOperation{Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "third", QueuedAt: base.Add(2 * time.Second)})
	require.NoError(t, err)

	ops, err := s.GetQueue()
	require.NoError(t, err)
	require.Len(t, ops, 2)
	for _, op := range ops {
		require.NotEqual(t, "first", op.TaskIDOrTemp, "oldest entry must be evicted at capacity")
	}
}

func TestReplaySendsInOrderAndDrainsOnAccept(t *testing.T) {
	s := newTestStore(t)
	sender := &fakeSender{results: map[string]SendResult{
		"1": {Accepted: true}, "2": {Accepted: true},
	}}
	q := New(s, sender, nil, 0)

	base := time.Now()
	_, err := q.Enqueue(&model.QueuedOperation{Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "1", QueuedAt: base})
	require.NoError(t, err)
	_, err = q.Enqueue(&model.QueuedOperation{Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "2", QueuedAt: base.Add(time.Second)})
	require.NoError(t, err)

	out, err := q.Replay(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, out.Sent)
	require.Equal(t, []string{"1", "2"}, sender.calls)

	size, err := s.QueueSize()
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestReplayReconcilesTempIDOnCreateAcceptance(t *testing.T) {
	s := newTestStore(t)
	temp := sampleTask("temp_x")
	temp.TempID = "temp_x"
	require.NoError(t, s.SaveTask(temp))

	sender := &fakeSender{results: map[string]SendResult{"temp_x": {Accepted: true, RealID: "500"}}}
	broadcaster := &fakeBroadcaster{}
	q := New(s, sender, broadcaster, 0)

	_, err := q.Enqueue(&model.QueuedOperation{Type: model.EventTaskCreateManual, TaskIDOrTemp: "temp_x", QueuedAt: time.Now()})
	require.NoError(t, err)

	_, err = q.Replay(context.Background())
	require.NoError(t, err)

	_, err = s.GetTask("temp_x")
	require.Error(t, err)
	got, err := s.GetTask("500")
	require.NoError(t, err)
	require.Equal(t, "500", got.ID)
	require.Equal(t, "500", broadcaster.reconciled["temp_x"])
}

func TestReplayStopsOnTransientErrorAndLeavesRemainderQueued(t *testing.T) {
	s := newTestStore(t)
	sender := &fakeSender{errs: map[string]error{
		"1": taskerr.New(taskerr.KindTransient, "send", "1", context.DeadlineExceeded),
	}}
	q := New(s, sender, nil, 0)

	base := time.Now()
	_, err := q.Enqueue(&model.QueuedOperation{Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "1", QueuedAt: base})
	require.NoError(t, err)
	_, err = q.Enqueue(&model.QueuedOperation{Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "2", QueuedAt: base.Add(time.Second)})
	require.NoError(t, err)

	out, err := q.Replay(context.Background())
	require.NoError(t, err)
	require.True(t, out.StoppedEarly)
	require.Equal(t, 0, out.Sent)
	require.Equal(t, []string{"1"}, sender.calls, "replay must stop at the first transient failure")

	size, err := s.QueueSize()
	require.NoError(t, err)
	require.Equal(t, 2, size, "both entries remain queued for retry")
}

func TestReplayResolvesConflictWithLastWriteWinsMerge(t *testing.T) {
	s := newTestStore(t)
	local := sampleTask("7")
	local.Title = "local edit"
	local.UpdatedAt = time.Now()
	require.NoError(t, s.SaveTask(local))

	remote := sampleTask("7")
	remote.Title = "remote edit"
	remote.UpdatedAt = time.Now().Add(time.Minute)

	sender := &fakeSender{results: map[string]SendResult{"7": {Conflict: true, ServerTask: remote}}}
	q := New(s, sender, nil, 0)

	_, err := q.Enqueue(&model.QueuedOperation{Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "7", QueuedAt: time.Now()})
	require.NoError(t, err)

	out, err := q.Replay(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, out.Conflicts)

	got, err := s.GetTask("7")
	require.NoError(t, err)
	require.Equal(t, "remote edit", got.Title, "newer remote wins under last-write-wins replay resolution")
}

func TestConcurrentReplayGuard(t *testing.T) {
	s := newTestStore(t)
	q := New(s, &fakeSender{}, nil, 0)
	require.True(t, q.replaying.CompareAndSwap(false, true))
	defer q.replaying.Store(false)

	_, err := q.Replay(context.Background())
	require.ErrorIs(t, err, ErrReplayInProgress)
}
