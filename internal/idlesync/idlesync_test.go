package idlesync

import (
	"context"
	"testing"
	"time"

	"github.com/estuary/tasksync/internal/model"
	"github.com/estuary/tasksync/internal/store"
	"github.com/estuary/tasksync/internal/taskerr"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	tasks []*model.Task
	users map[string]string
	err   error
}

func (f *fakeFetcher) FetchCanonical(context.Context) ([]*model.Task, map[string]string, error) {
	return f.tasks, f.users, f.err
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
	return &model.Task{ID: id, Title: "x", Status: model.StatusTodo, CreatedAt: now, UpdatedAt: now}
}

func TestSync_ReplacesStoreAndRehydratesUsers(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveTask(sampleTask("stale")))

	fetcher := &fakeFetcher{tasks: []*model.Task{sampleTask("fresh")}, users: map[string]string{"u1": "Alice"}}
	l := New(s, fetcher, nil, nil)

	outcome := l.sync(context.Background())
	require.NoError(t, outcome.Err)
	require.Equal(t, 1, outcome.Synced)

	_, err := s.GetTask("stale")
	require.Error(t, err, "a full resync replaces the prior set")
	_, err = s.GetTask("fresh")
	require.NoError(t, err)
	require.Equal(t, "Alice", l.Users()["u1"])
}

func TestSync_EmptyCanonicalSetForceClearsStaleEntries(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveTask(sampleTask("stale")))

	fetcher := &fakeFetcher{tasks: nil}
	l := New(s, fetcher, nil, nil)

	outcome := l.sync(context.Background())
	require.NoError(t, outcome.Err)
	require.True(t, outcome.Cleared)

	_, err := s.GetTask("stale")
	require.Error(t, err)
}

func TestSync_TransportErrorNeverClears(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveTask(sampleTask("stale")))

	fetcher := &fakeFetcher{err: taskerr.New(taskerr.KindTransient, "fetch", "", context.DeadlineExceeded)}
	l := New(s, fetcher, nil, nil)

	outcome := l.sync(context.Background())
	require.Error(t, outcome.Err)

	_, err := s.GetTask("stale")
	require.NoError(t, err, "a transport error must never clear local state")
}

func TestAttempt_BacksOffOnFailureAndResetsOnSuccess(t *testing.T) {
	s := newTestStore(t)
	fetcher := &fakeFetcher{err: taskerr.New(taskerr.KindTransient, "fetch", "", context.DeadlineExceeded)}
	l := New(s, fetcher, nil, nil)

	l.attempt(context.Background())
	require.Equal(t, 2*BaseInterval, l.currentInterval())
	l.attempt(context.Background())
	require.Equal(t, 4*BaseInterval, l.currentInterval())

	fetcher.err = nil
	fetcher.tasks = []*model.Task{}
	l.attempt(context.Background())
	require.Equal(t, BaseInterval, l.currentInterval(), "a successful sync resets backoff to base")
}

func TestAttempt_BackoffCapsAtMax(t *testing.T) {
	s := newTestStore(t)
	fetcher := &fakeFetcher{err: taskerr.New(taskerr.KindTransient, "fetch", "", context.DeadlineExceeded)}
	l := New(s, fetcher, nil, nil)

	for i := 0; i < 10; i++ {
		l.attempt(context.Background())
	}
	require.Equal(t, MaxBackoff, l.currentInterval())
}

func TestAttempt_SuppressesNotifyWhileEditing(t *testing.T) {
	s := newTestStore(t)
	fetcher := &fakeFetcher{tasks: []*model.Task{}}
	var notified bool
	l := New(s, fetcher, func() bool { return true }, func(Outcome) { notified = true })

	l.attempt(context.Background())
	require.False(t, notified, "while actively editing, the sync still persists but must not notify the UI")
}

func TestRecordActivityPausesImmediateResync(t *testing.T) {
	s := newTestStore(t)
	fetcher := &fakeFetcher{tasks: []*model.Task{}}
	l := New(s, fetcher, nil, nil)

	l.RecordActivity()
	require.True(t, l.pausedForActivity())
	time.Sleep(InactivityDelay + 10*time.Millisecond)
	require.False(t, l.pausedForActivity())
}
