package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/estuary/tasksync/internal/model"
	"github.com/estuary/tasksync/internal/taskerr"
	"github.com/stretchr/testify/require"
)

func TestRESTChannel_SendAcceptedReturnsRealID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		json.NewEncoder(w).Encode(map[string]string{"id": "500"})
	}))
	defer srv.Close()

	c := NewRESTChannel(srv.URL)
	result, err := c.Send(context.Background(), &model.QueuedOperation{Type: model.EventTaskCreateManual, TaskIDOrTemp: "temp_1"})
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.Equal(t, "500", result.RealID)
}

func TestRESTChannel_SendConflictReturnsServerTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(&model.Task{ID: "7", Title: "server state"})
	}))
	defer srv.Close()

	c := NewRESTChannel(srv.URL)
	result, err := c.Send(context.Background(), &model.QueuedOperation{Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "7"})
	require.NoError(t, err)
	require.True(t, result.Conflict)
	require.Equal(t, "server state", result.ServerTask.Title)
}

func TestRESTChannel_SendServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewRESTChannel(srv.URL)
	_, err := c.Send(context.Background(), &model.QueuedOperation{Type: model.EventTaskUpdateTitle, TaskIDOrTemp: "7"})
	require.Error(t, err)
	require.True(t, taskerr.Transient(err))
	require.False(t, c.Connected(), "a 5xx marks the channel disconnected")
}

func TestRESTChannel_PollDispatchesToSubscriber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := json.Marshal(map[string]any{"task_id": "1", "title": "hi"})
		json.NewEncoder(w).Encode([]Message{
			{EventID: "e1", EventType: model.EventTaskUpdateTitle, Payload: payload},
		})
	}))
	defer srv.Close()

	c := NewRESTChannel(srv.URL)
	var received *model.Event
	c.Subscribe("tasks", func(e *model.Event) { received = e })

	require.NoError(t, c.Poll(context.Background(), "tasks", ""))
	require.NotNil(t, received)
	require.Equal(t, model.EventTaskUpdateTitle, received.EventType)
	require.Equal(t, "hi", received.Payload["title"])
}

func TestRESTChannel_PollInvokesReconnectHookAfterRecovery(t *testing.T) {
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode([]Message{})
	}))
	defer srv.Close()

	c := NewRESTChannel(srv.URL)
	reconnected := false
	c.OnReconnect(func(ctx context.Context) { reconnected = true })

	require.Error(t, c.Poll(context.Background(), "tasks", ""))
	require.False(t, reconnected)

	fail = false
	require.NoError(t, c.Poll(context.Background(), "tasks", ""))
	require.True(t, reconnected, "the reconnect hook fires once the channel recovers")
}

func TestBackoffCapsAtMax(t *testing.T) {
	b := &backoff{base: 100 * time.Millisecond, max: 400 * time.Millisecond}
	require.Equal(t, 100*time.Millisecond, b.next())
	require.Equal(t, 200*time.Millisecond, b.next())
	require.Equal(t, 400*time.Millisecond, b.next())
	require.Equal(t, 400*time.Millisecond, b.next(), "delay must not exceed the cap")
	b.reset()
	require.Equal(t, 100*time.Millisecond, b.next())
}
