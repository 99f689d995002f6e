// Package store implements the local store (C1): a durable, indexed cache
// of tasks, events, the offline operation queue, metadata, and analytics
// snapshots, backed by SQLite. See spec.md section 4.1.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/estuary/tasksync/internal/model"
	"github.com/estuary/tasksync/internal/taskerr"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// Metadata keys, per spec.md section 4.1.
const (
	MetaLastEventID  = "last_event_id"
	MetaLastSequence = "last_sequence"
	MetaLastIdleSync = "last_idle_sync"
	MetaSchemaVer    = "schema_version"
)

// Store is the local store: the single source of truth for persisted
// state. Every write to the tasks or offline_queue sections emits a change
// notification on Changes(); metadata, event and snapshot writes do not.
type Store struct {
	db      *sql.DB
	log     *log.Entry
	changes chan ChangeEvent
}

// ChangeEvent is emitted on every accepted write, for C9's multi-tab bus and
// for UI subscriptions.
type ChangeEvent struct {
	Kind   string // "task_saved" | "task_deleted" | "queue_changed" | "reconciled" | "cleared"
	TaskID string
	FromID string // populated for "reconciled": the id that was replaced
}

// Open opens (creating if absent) a SQLite-backed store at path and runs
// pending migrations. An empty path opens an in-memory store, used by
// tests and ephemeral CLI invocations.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, taskerr.New(taskerr.KindTransient, "store.Open", "", err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer; avoids SQLITE_BUSY under this package's own locking.

	s := &Store{
		db:      db,
		log:     log.WithField("component", "store"),
		changes: make(chan ChangeEvent, 256),
	}
	if err := migrate(db, s.log); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Changes returns the channel on which every accepted write is announced.
// Consumers (C9, UI) should drain it promptly; it is buffered but not
// unbounded.
func (s *Store) Changes() <-chan ChangeEvent { return s.changes }

func (s *Store) notify(ev ChangeEvent) {
	select {
	case s.changes <- ev:
	default:
		s.log.Warn("change notification channel full, dropping oldest-consumer guarantee")
	}
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(id string) (*model.Task, error) {
	row := s.db.QueryRow(`SELECT data FROM tasks WHERE id = ?`, id)
	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, taskerr.New(taskerr.KindNotFound, "store.GetTask", id, err)
		}
		return nil, taskerr.New(taskerr.KindTransient, "store.GetTask", id, err)
	}
	var t model.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("store: decoding task %s: %w", id, err)
	}
	return &t, nil
}

// SaveTask persists a single task, emitting a "task_saved" change.
func (s *Store) SaveTask(t *model.Task) error {
	return s.SaveTasks([]*model.Task{t})
}

// SaveTasks persists a batch of tasks atomically: either every task is
// written, or none are (spec.md section 4.1: "a batch is atomic").
func (s *Store) SaveTasks(tasks []*model.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return taskerr.New(taskerr.KindTransient, "store.SaveTasks", "", err)
	}
	defer tx.Rollback()

	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return taskerr.New(taskerr.KindValidation, "store.SaveTasks", t.ID, err)
		}
		if err := saveTaskTx(tx, t); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return taskerr.New(taskerr.KindTransient, "store.SaveTasks", "", err)
	}
	for _, t := range tasks {
		s.notify(ChangeEvent{Kind: "task_saved", TaskID: t.ID})
	}
	return nil
}

func saveTaskTx(tx *sql.Tx, t *model.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("store: encoding task %s: %w", t.ID, err)
	}
	_, err = tx.Exec(`
		INSERT INTO tasks (id, status, meeting_id, updated_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			meeting_id = excluded.meeting_id,
			updated_at = excluded.updated_at,
			data = excluded.data
	`, t.ID, string(t.Status), t.MeetingID, t.UpdatedAt.Format(time.RFC3339Nano), string(data))
	if err != nil {
		return taskerr.New(taskerr.KindTransient, "store.saveTaskTx", t.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM task_assignees WHERE task_id = ?`, t.ID); err != nil {
		return taskerr.New(taskerr.KindTransient, "store.saveTaskTx", t.ID, err)
	}
	for _, assignee := range t.AssigneeIDs {
		if _, err := tx.Exec(`INSERT INTO task_assignees (task_id, assignee_id) VALUES (?, ?)`, t.ID, assignee); err != nil {
			return taskerr.New(taskerr.KindTransient, "store.saveTaskTx", t.ID, err)
		}
	}
	return nil
}

// DeleteTask removes a task from the store (hard delete; C7's soft-delete
// sets model.StatusDeleted and DeletedAt instead, and calls this only when
// purging soft-deleted tasks whose restore grace window has passed).
func (s *Store) DeleteTask(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return taskerr.New(taskerr.KindTransient, "store.DeleteTask", id, err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM task_assignees WHERE task_id = ?`, id); err != nil {
		return taskerr.New(taskerr.KindTransient, "store.DeleteTask", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return taskerr.New(taskerr.KindTransient, "store.DeleteTask", id, err)
	}
	if err := tx.Commit(); err != nil {
		return taskerr.New(taskerr.KindTransient, "store.DeleteTask", id, err)
	}
	s.notify(ChangeEvent{Kind: "task_deleted", TaskID: id})
	return nil
}

// Predicate filters tasks during FilterTasks.
type Predicate func(*model.Task) bool

// FilterTasks returns every task for which pred returns true. Callers
// wanting an indexed lookup (by status, meeting_id, or assignee) should
// prefer FilterByStatus/FilterByMeeting/FilterByAssignee, which push the
// predicate down to SQL; FilterTasks is the general fallback for ad hoc UI
// filter_apply views.
func (s *Store) FilterTasks(pred Predicate) ([]*model.Task, error) {
	rows, err := s.db.Query(`SELECT data FROM tasks`)
	if err != nil {
		return nil, taskerr.New(taskerr.KindTransient, "store.FilterTasks", "", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var t model.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, err
		}
		if pred == nil || pred(&t) {
			out = append(out, &t)
		}
	}
	return out, rows.Err()
}

// FilterByStatus uses the status index.
func (s *Store) FilterByStatus(status model.Status) ([]*model.Task, error) {
	return s.queryIndexed(`SELECT data FROM tasks WHERE status = ?`, string(status))
}

// FilterByMeeting uses the meeting_id index.
func (s *Store) FilterByMeeting(meetingID string) ([]*model.Task, error) {
	return s.queryIndexed(`SELECT data FROM tasks WHERE meeting_id = ?`, meetingID)
}

// FilterByAssignee uses the assignee index (task_assignees join table).
func (s *Store) FilterByAssignee(assigneeID string) ([]*model.Task, error) {
	return s.queryIndexed(`
		SELECT t.data FROM tasks t
		JOIN task_assignees a ON a.task_id = t.id
		WHERE a.assignee_id = ?`, assigneeID)
}

func (s *Store) queryIndexed(query string, arg any) ([]*model.Task, error) {
	rows, err := s.db.Query(query, arg)
	if err != nil {
		return nil, taskerr.New(taskerr.KindTransient, "store.queryIndexed", "", err)
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var t model.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ReconcileTempID atomically rewrites the primary key of a task from temp
// to real, retargets any queued operations referencing temp, and emits a
// reconciliation change for C9 to broadcast. If real already exists, the
// server-authored record wins and the temporary one is discarded, but any
// operations queued against temp are re-targeted at real rather than lost
// (spec.md section 4.1).
func (s *Store) ReconcileTempID(temp, real string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return taskerr.New(taskerr.KindTransient, "store.ReconcileTempID", temp, err)
	}
	defer tx.Rollback()

	var tempData string
	err = tx.QueryRow(`SELECT data FROM tasks WHERE id = ?`, temp).Scan(&tempData)
	if err == sql.ErrNoRows {
		// Nothing to reconcile locally (e.g. replayed after the tab that
		// created it closed); still retarget any queued operations.
	} else if err != nil {
		return taskerr.New(taskerr.KindTransient, "store.ReconcileTempID", temp, err)
	} else {
		var realExists bool
		if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM tasks WHERE id = ?)`, real).Scan(&realExists); err != nil {
			return taskerr.New(taskerr.KindTransient, "store.ReconcileTempID", real, err)
		}
		if !realExists {
			var t model.Task
			if err := json.Unmarshal([]byte(tempData), &t); err != nil {
				return fmt.Errorf("store: decoding temp task %s: %w", temp, err)
			}
			t.ID = real
			t.TempID = ""
			if err := saveTaskTx(tx, &t); err != nil {
				return err
			}
		}
		// Either way, the temp row is discarded: the server-authored
		// record (if any) at `real` is authoritative, and a freshly
		// inserted copy now lives at `real`.
		if _, err := tx.Exec(`DELETE FROM task_assignees WHERE task_id = ?`, temp); err != nil {
			return taskerr.New(taskerr.KindTransient, "store.ReconcileTempID", temp, err)
		}
		if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, temp); err != nil {
			return taskerr.New(taskerr.KindTransient, "store.ReconcileTempID", temp, err)
		}
	}

	if _, err := tx.Exec(`UPDATE offline_queue SET task_id_or_temp = ? WHERE task_id_or_temp = ?`, real, temp); err != nil {
		return taskerr.New(taskerr.KindTransient, "store.ReconcileTempID", temp, err)
	}

	if err := tx.Commit(); err != nil {
		return taskerr.New(taskerr.KindTransient, "store.ReconcileTempID", temp, err)
	}
	s.notify(ChangeEvent{Kind: "reconciled", TaskID: real, FromID: temp})
	return nil
}

// ReplaceAllTasks atomically replaces the entire tasks section with tasks,
// used by a full authoritative resync (C10's idle sync loop, C12's
// Reconcile): every existing task is deleted and the new set inserted
// in one transaction, so an empty tasks slice force-clears stale local
// entries rather than leaving them stranded (spec.md section 4.10).
func (s *Store) ReplaceAllTasks(tasks []*model.Task) error {
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return taskerr.New(taskerr.KindValidation, "store.ReplaceAllTasks", t.ID, err)
		}
	}
	tx, err := s.db.Begin()
	if err != nil {
		return taskerr.New(taskerr.KindTransient, "store.ReplaceAllTasks", "", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM task_assignees`); err != nil {
		return taskerr.New(taskerr.KindTransient, "store.ReplaceAllTasks", "", err)
	}
	if _, err := tx.Exec(`DELETE FROM tasks`); err != nil {
		return taskerr.New(taskerr.KindTransient, "store.ReplaceAllTasks", "", err)
	}
	for _, t := range tasks {
		if err := saveTaskTx(tx, t); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return taskerr.New(taskerr.KindTransient, "store.ReplaceAllTasks", "", err)
	}
	s.notify(ChangeEvent{Kind: "cleared"})
	return nil
}

// SetMetadata writes a single metadata key/value pair.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return taskerr.New(taskerr.KindTransient, "store.SetMetadata", "", err)
	}
	return nil
}

// GetMetadata reads a single metadata key, returning ("", false) if unset.
func (s *Store) GetMetadata(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	} else if err != nil {
		return "", false, taskerr.New(taskerr.KindTransient, "store.GetMetadata", "", err)
	}
	return value, true, nil
}

// ClearAll empties every section of the store (used for emergency cleanup
// and for full-reset bootstrap paths). Schema and migration bookkeeping in
// the metadata table survive.
func (s *Store) ClearAll() error {
	tx, err := s.db.Begin()
	if err != nil {
		return taskerr.New(taskerr.KindTransient, "store.ClearAll", "", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"task_assignees", "tasks", "events", "offline_queue", "snapshots"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return taskerr.New(taskerr.KindTransient, "store.ClearAll", "", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return taskerr.New(taskerr.KindTransient, "store.ClearAll", "", err)
	}
	s.notify(ChangeEvent{Kind: "cleared"})
	return nil
}

// SaveEvent records a consumed event for idempotency/gap-fill history,
// trimming to the most recent maxHistory rows.
func (s *Store) SaveEvent(e *model.Event, maxHistory int) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: encoding event %s: %w", e.EventID, err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return taskerr.New(taskerr.KindTransient, "store.SaveEvent", "", err)
	}
	defer tx.Rollback()
	_, err = tx.Exec(`
		INSERT INTO events (event_id, sequence_num, timestamp, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		e.EventID, e.SequenceNum, e.Timestamp.Format(time.RFC3339Nano), string(data))
	if err != nil {
		return taskerr.New(taskerr.KindTransient, "store.SaveEvent", "", err)
	}
	if maxHistory > 0 {
		_, err = tx.Exec(`
			DELETE FROM events WHERE event_id NOT IN (
				SELECT event_id FROM events ORDER BY sequence_num DESC LIMIT ?
			)`, maxHistory)
		if err != nil {
			return taskerr.New(taskerr.KindTransient, "store.SaveEvent", "", err)
		}
	}
	return tx.Commit()
}

// SaveSnapshot upserts an analytics snapshot.
func (s *Store) SaveSnapshot(snap *model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: encoding snapshot %s: %w", snap.CacheKey, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO snapshots (cache_key, timestamp, data) VALUES (?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET timestamp = excluded.timestamp, data = excluded.data`,
		snap.CacheKey, snap.Timestamp.Format(time.RFC3339Nano), string(data))
	if err != nil {
		return taskerr.New(taskerr.KindTransient, "store.SaveSnapshot", "", err)
	}
	return nil
}

// GetSnapshot fetches an analytics snapshot by cache key.
func (s *Store) GetSnapshot(cacheKey string) (*model.Snapshot, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM snapshots WHERE cache_key = ?`, cacheKey).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, taskerr.New(taskerr.KindNotFound, "store.GetSnapshot", cacheKey, err)
	} else if err != nil {
		return nil, taskerr.New(taskerr.KindTransient, "store.GetSnapshot", cacheKey, err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// sortQueueRows applies the replay order from spec.md section 4.6:
// priority desc, queued_at asc, queue_id asc.
func sortQueueRows(ops []*model.QueuedOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority > ops[j].Priority
		}
		if !ops[i].QueuedAt.Equal(ops[j].QueuedAt) {
			return ops[i].QueuedAt.Before(ops[j].QueuedAt)
		}
		return ops[i].QueueID < ops[j].QueueID
	})
}
