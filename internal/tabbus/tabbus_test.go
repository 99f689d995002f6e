package tabbus

import (
	"testing"
	"time"

	"github.com/estuary/tasksync/internal/dispatch"
	"github.com/estuary/tasksync/internal/model"
	"github.com/stretchr/testify/require"
)

func TestPublishExcludesOriginatingTab(t *testing.T) {
	b := New()
	tabA, inboxA, _ := b.Subscribe()
	_, inboxB, _ := b.Subscribe()

	b.Publish(Message{Kind: KindMutation, TabID: tabA, TaskID: "1"})

	select {
	case <-inboxA:
		t.Fatal("originating tab must not receive its own broadcast")
	case <-time.After(20 * time.Millisecond):
	}

	select {
	case msg := <-inboxB:
		require.Equal(t, "1", msg.TaskID)
	case <-time.After(time.Second):
		t.Fatal("sibling tab did not receive the broadcast")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	tabA, inboxA, unsubA := b.Subscribe()
	unsubA()

	b.Publish(Message{Kind: KindMutation, TabID: "other", TaskID: "1"})

	_, ok := <-inboxA
	require.False(t, ok, "channel must be closed after unsubscribe")
	_ = tabA
}

func TestBroadcastReconciliationCarriesBothIDs(t *testing.T) {
	b := New()
	_, inbox, _ := b.Subscribe()

	b.BroadcastReconciliation("temp_1", "500")

	msg := <-inbox
	require.Equal(t, KindReconciliation, msg.Kind)
	require.Equal(t, "temp_1", msg.FromID)
	require.Equal(t, "500", msg.ToID)
}

func TestBroadcastMutationMapsNotificationKinds(t *testing.T) {
	b := New()
	_, inbox, _ := b.Subscribe()

	b.BroadcastMutation(dispatch.Notification{Kind: "task_changed", TaskID: "1", Task: &model.Task{ID: "1", SequenceNum: 5}})

	msg := <-inbox
	require.Equal(t, KindMutation, msg.Kind)
	require.Equal(t, uint64(5), msg.SequenceNum)
}

func TestShouldApplyDiscardsStaleMutations(t *testing.T) {
	require.True(t, ShouldApply(Message{Kind: KindMutation, SequenceNum: 10}, 5))
	require.False(t, ShouldApply(Message{Kind: KindMutation, SequenceNum: 5}, 5))
	require.False(t, ShouldApply(Message{Kind: KindMutation, SequenceNum: 3}, 5))
	require.True(t, ShouldApply(Message{Kind: KindViewState}, 100), "non-mutation messages always apply")
}
