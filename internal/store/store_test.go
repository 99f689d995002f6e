package store

import (
	"testing"
	"time"

	"github.com/estuary/tasksync/internal/model"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTask(id string) *model.Task {
	now := time.Now()
	return &model.Task{
		ID: id, Title: "Ship the release", Status: model.StatusTodo,
		Priority: model.PriorityHigh, CreatedAt: now, UpdatedAt: now,
		VectorClock: model.VectorClock{model.ActorUser: 1},
		ActorTag:    model.ActorUser,
		AssigneeIDs: []string{"alice"},
	}
}

func TestSaveAndGetTask(t *testing.T) {
	s := newTestStore(t)
	task := sampleTask("t1")
	require.NoError(t, s.SaveTask(task))

	got, err := s.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, "Ship the release", got.Title)
}

func TestSaveTasksIsAtomic(t *testing.T) {
	s := newTestStore(t)
	valid := sampleTask("ok")
	invalid := sampleTask("bad")
	invalid.Status = "not-a-status"

	err := s.SaveTasks([]*model.Task{valid, invalid})
	require.Error(t, err)

	_, err = s.GetTask("ok")
	require.Error(t, err, "partial batch writes must not be permitted")
}

func TestFilterByStatusAndAssignee(t *testing.T) {
	s := newTestStore(t)
	a := sampleTask("a")
	b := sampleTask("b")
	b.Status = model.StatusCompleted
	b.AssigneeIDs = []string{"bob"}
	require.NoError(t, s.SaveTasks([]*model.Task{a, b}))

	todos, err := s.FilterByStatus(model.StatusTodo)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	require.Equal(t, "a", todos[0].ID)

	aliceTasks, err := s.FilterByAssignee("alice")
	require.NoError(t, err)
	require.Len(t, aliceTasks, 1)
	require.Equal(t, "a", aliceTasks[0].ID)
}

func TestDeleteTask(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveTask(sampleTask("x")))
	require.NoError(t, s.DeleteTask("x"))
	_, err := s.GetTask("x")
	require.Error(t, err)
}

func TestReconcileTempID_S4(t *testing.T) {
	s := newTestStore(t)
	temp := sampleTask("temp_a1")
	temp.TempID = "temp_a1"
	require.NoError(t, s.SaveTask(temp))

	_, err := s.QueueOperation(&model.QueuedOperation{
		Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "temp_a1",
		QueuedAt: time.Now(), SessionID: "sess-1",
	})
	require.NoError(t, err)

	require.NoError(t, s.ReconcileTempID("temp_a1", "77"))

	_, err = s.GetTask("temp_a1")
	require.Error(t, err, "no reference to temp should remain in tasks")

	got, err := s.GetTask("77")
	require.NoError(t, err)
	require.Equal(t, "77", got.ID)

	queue, err := s.GetQueue()
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.Equal(t, "77", queue[0].TaskIDOrTemp, "queued ops must be retargeted at the real id")
}

func TestReconcileTempIDPrefersServerRecordWhenRealAlreadyExists(t *testing.T) {
	s := newTestStore(t)
	temp := sampleTask("temp_a1")
	temp.Title = "local draft"
	require.NoError(t, s.SaveTask(temp))

	real := sampleTask("77")
	real.Title = "server authored"
	require.NoError(t, s.SaveTask(real))

	require.NoError(t, s.ReconcileTempID("temp_a1", "77"))

	got, err := s.GetTask("77")
	require.NoError(t, err)
	require.Equal(t, "server authored", got.Title)
}

func TestQueueOrdering(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	_, err := s.QueueOperation(&model.QueuedOperation{Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "1", QueuedAt: base, Priority: 0})
	require.NoError(t, err)
	_, err = s.QueueOperation(&model.QueuedOperation{Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "2", QueuedAt: base.Add(time.Second), Priority: 5})
	require.NoError(t, err)
	_, err = s.QueueOperation(&model.QueuedOperation{Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "3", QueuedAt: base.Add(2 * time.Second), Priority: 0})
	require.NoError(t, err)

	ops, err := s.GetQueue()
	require.NoError(t, err)
	require.Len(t, ops, 3)
	require.Equal(t, "2", ops[0].TaskIDOrTemp, "higher priority goes first")
	require.Equal(t, "1", ops[1].TaskIDOrTemp)
	require.Equal(t, "3", ops[2].TaskIDOrTemp)
}

func TestMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.GetMetadata(MetaLastEventID)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetMetadata(MetaLastEventID, "evt-99"))
	v, ok, err := s.GetMetadata(MetaLastEventID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "evt-99", v)
}

func TestMigrationMonotonicity(t *testing.T) {
	s := newTestStore(t)
	v, ok, err := s.GetMetadata(MetaSchemaVer)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "3", v)

	// Re-running migrate on an already-migrated DB is a no-op: no error,
	// version unchanged.
	require.NoError(t, migrate(s.db, s.log))
	v2, _, err := s.GetMetadata(MetaSchemaVer)
	require.NoError(t, err)
	require.Equal(t, v, v2)
}

func TestClearAllEmptiesSectionsButKeepsMetadata(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveTask(sampleTask("z")))
	require.NoError(t, s.ClearAll())
	_, err := s.GetTask("z")
	require.Error(t, err)

	v, ok, err := s.GetMetadata(MetaSchemaVer)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "3", v)
}
