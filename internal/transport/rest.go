package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/estuary/tasksync/internal/model"
	"github.com/estuary/tasksync/internal/queue"
	"github.com/estuary/tasksync/internal/taskerr"
)

// RESTChannel is the non-websocket fallback transport, implementing the
// same Channel interface via POST/PUT/DELETE/GET against the REST surface
// of spec.md section 6. It has no native server push, so Subscribe
// registers a handler that Poll invokes on each call; C12's bootstrap
// coordinator drives Poll on a schedule.
type RESTChannel struct {
	baseURL string
	client  *http.Client

	mu          sync.Mutex
	handlers    map[string]Handler
	onReconn    func(ctx context.Context)
	lastOK      bool
}

// NewRESTChannel constructs a RESTChannel against baseURL.
func NewRESTChannel(baseURL string) *RESTChannel {
	return &RESTChannel{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: defaultRequestTimeout},
		handlers: make(map[string]Handler),
		lastOK:   true,
	}
}

// Subscribe registers h to be invoked with events surfaced by Poll.
func (c *RESTChannel) Subscribe(namespace string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[namespace] = h
}

// OnReconnect registers fn, invoked the first time a request (Poll,
// FetchCanonical or Send) succeeds after a failed one, mirroring the
// websocket channel's reconnect hook.
func (c *RESTChannel) OnReconnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconn = fn
}

// Connected reports whether the most recent request succeeded.
func (c *RESTChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOK
}

// Close is a no-op: REST is connectionless.
func (c *RESTChannel) Close() error { return nil }

// Poll fetches pending events for namespace via GET and dispatches each to
// its registered handler, tracking the connected/reconnected transition.
func (c *RESTChannel) Poll(ctx context.Context, namespace string, sinceEventID string) error {
	url := fmt.Sprintf("%s/api/tasks/events?namespace=%s&since=%s", c.baseURL, namespace, sinceEventID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.markResult(false, ctx)
		return taskerr.New(taskerr.KindTransient, "transport.Poll", "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		c.markResult(false, ctx)
		return taskerr.New(taskerr.KindTransient, "transport.Poll", "", fmt.Errorf("status %d", resp.StatusCode))
	}

	var events []Message
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return err
	}
	c.markResult(true, ctx)

	c.mu.Lock()
	h, ok := c.handlers[namespace]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	for _, msg := range events {
		var payload map[string]any
		_ = json.Unmarshal(msg.Payload, &payload)
		h(&model.Event{
			EventID: msg.EventID, SequenceNum: msg.SequenceNum, EventType: msg.EventType,
			VectorClock: msg.VectorClock, Timestamp: time.Now(), Payload: payload,
		})
	}
	return nil
}

// FetchCanonical implements idlesync.Fetcher and C12's Reconcile via
// GET /api/tasks, the REST authoritative resync endpoint of spec.md
// section 6.
func (c *RESTChannel) FetchCanonical(ctx context.Context) ([]*model.Task, map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tasks", nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.markResult(false, ctx)
		return nil, nil, taskerr.New(taskerr.KindTransient, "transport.FetchCanonical", "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		c.markResult(false, ctx)
		return nil, nil, taskerr.New(taskerr.KindTransient, "transport.FetchCanonical", "", fmt.Errorf("status %d", resp.StatusCode))
	}
	var body struct {
		Tasks []*model.Task     `json:"tasks"`
		Users map[string]string `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, nil, err
	}
	c.markResult(true, ctx)
	return body.Tasks, body.Users, nil
}

// PendingReconciliations has no REST equivalent: the fallback surface of
// spec.md section 6 defines no reconciliations endpoint, only the
// websocket's reconciliations:get_pending request. A REST-only session
// simply never observes a pre-connect reconciliation backlog; temp ids
// still settle on the next authoritative FetchCanonical.
func (c *RESTChannel) PendingReconciliations(ctx context.Context, workspaceID string) ([]Reconciliation, error) {
	return nil, nil
}

func (c *RESTChannel) markResult(ok bool, ctx context.Context) {
	c.mu.Lock()
	wasDown := !c.lastOK
	c.lastOK = ok
	hook := c.onReconn
	c.mu.Unlock()
	if ok && wasDown && hook != nil {
		hook(ctx)
	}
}

// Send implements queue.Sender over REST: POST for create, PUT for update,
// DELETE for delete, translating the HTTP response into a queue.SendResult.
func (c *RESTChannel) Send(ctx context.Context, op *model.QueuedOperation) (queue.SendResult, error) {
	method, path := methodAndPath(op)
	body, err := json.Marshal(op.Data)
	if err != nil {
		return queue.SendResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return queue.SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.markResult(false, ctx)
		return queue.SendResult{}, taskerr.New(taskerr.KindTransient, "transport.Send", op.TaskIDOrTemp, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		var serverTask model.Task
		if err := json.NewDecoder(resp.Body).Decode(&serverTask); err != nil {
			return queue.SendResult{}, err
		}
		c.markResult(true, ctx)
		return queue.SendResult{Conflict: true, ServerTask: &serverTask}, nil
	case resp.StatusCode >= 500:
		c.markResult(false, ctx)
		return queue.SendResult{}, taskerr.New(taskerr.KindTransient, "transport.Send", op.TaskIDOrTemp, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		c.markResult(true, ctx)
		return queue.SendResult{}, taskerr.New(taskerr.KindValidation, "transport.Send", op.TaskIDOrTemp, fmt.Errorf("status %d", resp.StatusCode))
	default:
		c.markResult(true, ctx)
		var respBody struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&respBody)
		return queue.SendResult{Accepted: true, RealID: respBody.ID}, nil
	}
}

func methodAndPath(op *model.QueuedOperation) (string, string) {
	switch op.Type {
	case model.EventTaskCreateManual, model.EventTaskCreateNLPAccept:
		return http.MethodPost, "/api/tasks"
	case model.EventTaskDelete:
		return http.MethodDelete, "/api/tasks/" + op.TaskIDOrTemp
	default:
		return http.MethodPut, "/api/tasks/" + op.TaskIDOrTemp
	}
}
