package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/estuary/tasksync/internal/model"
	"github.com/estuary/tasksync/internal/queue"
	"github.com/estuary/tasksync/internal/taskerr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	defaultRequestTimeout = 10 * time.Second
	reconnectBase         = 500 * time.Millisecond
	reconnectCap          = 30 * time.Second
)

// WSChannel is a websocket-backed Channel with auto-reconnect, grounded on
// the teacher's pattern of a single long-lived socket multiplexing
// request/response and server push over namespaced messages.
type WSChannel struct {
	url    string
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]Handler
	pending  map[string]chan Message
	onReconn func(ctx context.Context)
	closed   bool

	log *log.Entry
}

// Dial opens a WSChannel to url and starts its read/reconnect loop in the
// background. ctx governs the channel's lifetime.
func Dial(ctx context.Context, url string) (*WSChannel, error) {
	c := &WSChannel{
		url:      url,
		dialer:   websocket.DefaultDialer,
		handlers: make(map[string]Handler),
		pending:  make(map[string]chan Message),
		log:      log.WithField("component", "transport"),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	go c.run(ctx)
	return c, nil
}

func (c *WSChannel) connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return taskerr.New(taskerr.KindTransient, "transport.connect", "", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// run owns the connection lifecycle: read loop, and on disconnect, a
// capped-exponential-backoff reconnect followed by the OnReconnect hook.
func (c *WSChannel) run(ctx context.Context) {
	b := &backoff{base: reconnectBase, max: reconnectCap}
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.readLoop(ctx)
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		c.log.WithError(err).Warn("transport disconnected, reconnecting")

		delay := b.next()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if err := c.connect(ctx); err != nil {
			c.log.WithError(err).Warn("reconnect attempt failed")
			continue
		}
		b.reset()
		c.mu.Lock()
		hook := c.onReconn
		c.mu.Unlock()
		if hook != nil {
			hook(ctx)
		}
	}
}

func (c *WSChannel) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: no active connection")
	}
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		c.dispatchIncoming(msg)
	}
}

func (c *WSChannel) dispatchIncoming(msg Message) {
	if msg.RequestID != "" {
		c.mu.Lock()
		ch, ok := c.pending[msg.RequestID]
		if ok {
			delete(c.pending, msg.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	c.mu.Lock()
	h, ok := c.handlers[msg.Namespace]
	c.mu.Unlock()
	if !ok {
		return
	}
	var payload map[string]any
	_ = json.Unmarshal(msg.Payload, &payload)
	h(&model.Event{
		EventID: msg.EventID, SequenceNum: msg.SequenceNum, EventType: msg.EventType,
		VectorClock: msg.VectorClock, Timestamp: time.Now(), Payload: payload,
	})
}

// Subscribe registers h for namespace's pushed events.
func (c *WSChannel) Subscribe(namespace string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[namespace] = h
}

// OnReconnect registers fn to run after each successful reconnect.
func (c *WSChannel) OnReconnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconn = fn
}

// Connected reports whether the channel has a live connection.
func (c *WSChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Close marks the channel closed and releases the underlying connection.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Send implements queue.Sender: it posts op as a request and blocks for its
// correlated response, translating the wire Message into a
// queue.SendResult.
func (c *WSChannel) Send(ctx context.Context, op *model.QueuedOperation) (queue.SendResult, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return queue.SendResult{}, taskerr.New(taskerr.KindTransient, "transport.Send", op.TaskIDOrTemp, fmt.Errorf("no active connection"))
	}

	reqID := uuid.NewString()
	payload, err := json.Marshal(op.Data)
	if err != nil {
		return queue.SendResult{}, err
	}
	msg := Message{
		RequestID: reqID, Namespace: "tasks", EventType: op.Type,
		SequenceNum: 0, VectorClock: op.VectorClock, Payload: payload,
	}

	respCh := make(chan Message, 1)
	c.mu.Lock()
	c.pending[reqID] = respCh
	c.mu.Unlock()

	if err := conn.WriteJSON(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return queue.SendResult{}, taskerr.New(taskerr.KindTransient, "transport.Send", op.TaskIDOrTemp, err)
	}

	timeout := defaultRequestTimeout
	select {
	case resp := <-respCh:
		return toSendResult(resp)
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return queue.SendResult{}, taskerr.New(taskerr.KindTransient, "transport.Send", op.TaskIDOrTemp, fmt.Errorf("request timed out"))
	case <-ctx.Done():
		return queue.SendResult{}, ctx.Err()
	}
}

// PendingReconciliations issues reconciliations:get_pending and returns
// whatever temp_id/real_id mappings the server reports, for C12's
// reconnect-time reconciliation sweep.
func (c *WSChannel) PendingReconciliations(ctx context.Context, workspaceID string) ([]Reconciliation, error) {
	payload, err := json.Marshal(map[string]string{"workspace_id": workspaceID})
	if err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, "reconciliations", "reconciliations:get_pending", payload)
	if err != nil {
		return nil, err
	}
	var out []Reconciliation
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FetchCanonical requests a full authoritative resync over the socket,
// implementing idlesync.Fetcher for C10 and supplying C12's Reconcile.
func (c *WSChannel) FetchCanonical(ctx context.Context) ([]*model.Task, map[string]string, error) {
	resp, err := c.request(ctx, "tasks", model.EventTasksRefresh, nil)
	if err != nil {
		return nil, nil, err
	}
	var body struct {
		Tasks []*model.Task     `json:"tasks"`
		Users map[string]string `json:"users"`
	}
	if err := json.Unmarshal(resp.Payload, &body); err != nil {
		return nil, nil, err
	}
	return body.Tasks, body.Users, nil
}

// request sends a correlated request over the socket and blocks for its
// response, factoring the pattern Send also uses.
func (c *WSChannel) request(ctx context.Context, namespace string, eventType model.EventType, payload json.RawMessage) (Message, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return Message{}, taskerr.New(taskerr.KindTransient, "transport.request", "", fmt.Errorf("no active connection"))
	}

	reqID := uuid.NewString()
	msg := Message{RequestID: reqID, Namespace: namespace, EventType: eventType, Payload: payload}

	respCh := make(chan Message, 1)
	c.mu.Lock()
	c.pending[reqID] = respCh
	c.mu.Unlock()

	if err := conn.WriteJSON(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return Message{}, taskerr.New(taskerr.KindTransient, "transport.request", "", err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != "" {
			return Message{}, taskerr.New(taskerr.KindTransient, "transport.request", "", fmt.Errorf("%s", resp.Error))
		}
		return resp, nil
	case <-time.After(defaultRequestTimeout):
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return Message{}, taskerr.New(taskerr.KindTransient, "transport.request", "", fmt.Errorf("request timed out"))
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func toSendResult(resp Message) (queue.SendResult, error) {
	if resp.Error != "" && !resp.Conflict {
		return queue.SendResult{}, taskerr.New(taskerr.KindTransient, "transport.Send", "", fmt.Errorf("%s", resp.Error))
	}
	if resp.Conflict {
		var serverTask model.Task
		if err := json.Unmarshal(resp.Payload, &serverTask); err != nil {
			return queue.SendResult{}, err
		}
		return queue.SendResult{Conflict: true, ServerTask: &serverTask}, nil
	}
	var body struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(resp.Payload, &body)
	return queue.SendResult{Accepted: true, RealID: body.ID}, nil
}
