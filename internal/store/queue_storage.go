package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/estuary/tasksync/internal/model"
	"github.com/estuary/tasksync/internal/taskerr"
)

// QueueOperation durably appends op to the offline queue and returns the
// assigned queue_id.
func (s *Store) QueueOperation(op *model.QueuedOperation) (int64, error) {
	data, err := json.Marshal(op.Data)
	if err != nil {
		return 0, fmt.Errorf("store: encoding queued op data: %w", err)
	}
	vc, err := json.Marshal(op.VectorClock)
	if err != nil {
		return 0, fmt.Errorf("store: encoding queued op vector clock: %w", err)
	}
	res, err := s.db.Exec(`
		INSERT INTO offline_queue (type, task_id_or_temp, data, vector_clock, session_id, priority, queued_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(op.Type), op.TaskIDOrTemp, string(data), string(vc), op.SessionID,
		op.Priority, op.QueuedAt.Format(time.RFC3339Nano), op.Attempts)
	if err != nil {
		return 0, taskerr.New(taskerr.KindTransient, "store.QueueOperation", op.TaskIDOrTemp, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, taskerr.New(taskerr.KindTransient, "store.QueueOperation", op.TaskIDOrTemp, err)
	}
	s.notify(ChangeEvent{Kind: "queue_changed", TaskID: op.TaskIDOrTemp})
	return id, nil
}

// RemoveFromQueue deletes a single queued operation by its queue_id, e.g.
// after a successful replay.
func (s *Store) RemoveFromQueue(queueID int64) error {
	if _, err := s.db.Exec(`DELETE FROM offline_queue WHERE queue_id = ?`, queueID); err != nil {
		return taskerr.New(taskerr.KindTransient, "store.RemoveFromQueue", "", err)
	}
	s.notify(ChangeEvent{Kind: "queue_changed"})
	return nil
}

// IncrementAttempts bumps the attempts counter for a queued operation after
// a failed send.
func (s *Store) IncrementAttempts(queueID int64) error {
	_, err := s.db.Exec(`UPDATE offline_queue SET attempts = attempts + 1 WHERE queue_id = ?`, queueID)
	if err != nil {
		return taskerr.New(taskerr.KindTransient, "store.IncrementAttempts", "", err)
	}
	return nil
}

// GetQueue returns every queued operation, ordered per spec.md section 4.6:
// priority desc, queued_at asc, queue_id asc.
func (s *Store) GetQueue() ([]*model.QueuedOperation, error) {
	rows, err := s.db.Query(`
		SELECT queue_id, type, task_id_or_temp, data, vector_clock, session_id, priority, queued_at, attempts
		FROM offline_queue`)
	if err != nil {
		return nil, taskerr.New(taskerr.KindTransient, "store.GetQueue", "", err)
	}
	defer rows.Close()

	var ops []*model.QueuedOperation
	for rows.Next() {
		op, err := scanQueueRow(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortQueueRows(ops)
	return ops, nil
}

// QueueSize returns the number of queued operations, for overflow checks.
func (s *Store) QueueSize() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM offline_queue`).Scan(&n); err != nil {
		return 0, taskerr.New(taskerr.KindTransient, "store.QueueSize", "", err)
	}
	return n, nil
}

// OldestQueueID returns the queue_id of the oldest entry (by queued_at),
// for overflow eviction.
func (s *Store) OldestQueueID() (int64, bool, error) {
	var id int64
	err := s.db.QueryRow(`SELECT queue_id FROM offline_queue ORDER BY queued_at ASC, queue_id ASC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	} else if err != nil {
		return 0, false, taskerr.New(taskerr.KindTransient, "store.OldestQueueID", "", err)
	}
	return id, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueRow(r rowScanner) (*model.QueuedOperation, error) {
	var (
		queueID                                     int64
		typ, taskID, data, vc, sessionID, queuedAtS string
		priority, attempts                          int
	)
	if err := r.Scan(&queueID, &typ, &taskID, &data, &vc, &sessionID, &priority, &queuedAtS, &attempts); err != nil {
		return nil, err
	}
	queuedAt, err := time.Parse(time.RFC3339Nano, queuedAtS)
	if err != nil {
		return nil, fmt.Errorf("store: parsing queued_at: %w", err)
	}
	var payload map[string]any
	if data != "" {
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return nil, fmt.Errorf("store: decoding queued op data: %w", err)
		}
	}
	var clock model.VectorClock
	if vc != "" {
		if err := json.Unmarshal([]byte(vc), &clock); err != nil {
			return nil, fmt.Errorf("store: decoding queued op vector clock: %w", err)
		}
	}
	return &model.QueuedOperation{
		QueueID: queueID, Type: model.EventType(typ), TaskIDOrTemp: taskID,
		Data: payload, VectorClock: clock, SessionID: sessionID,
		Priority: priority, QueuedAt: queuedAt, Attempts: attempts,
	}, nil
}
