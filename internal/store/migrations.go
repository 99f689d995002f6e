package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// schemaVersion is the latest migration this build knows how to apply.
const schemaVersion = 3

// tempIDMaxAge is how old an orphaned temp-id task may be before migration
// v3 purges it, per spec.md section 4.1.
const tempIDMaxAge = 24 * time.Hour

// internalOnlyFields are stripped from a task's stored JSON by migration
// v3, per spec.md section 4.1.
var internalOnlyFields = []string{"_checksum", "_cached_at", "_reconciliation_strategy"}

type migration struct {
	version int
	apply   func(*sql.Tx) error
}

var migrations = []migration{
	{version: 1, apply: migrateV1CreateSchema},
	{version: 2, apply: migrateV2StripInvalidVectorClocks},
	{version: 3, apply: migrateV3Cleanup},
}

// migrate runs every migration whose version exceeds the store's current
// schema_version, in order, each in its own transaction. A migration
// failure halts the chain and leaves the prior version intact — it does
// not attempt later migrations and does not partially commit.
func migrate(db *sql.DB, logger *log.Entry) error {
	// The metadata table itself is created by v1; bootstrap it directly so
	// we can read schema_version before v1 has necessarily run.
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS metadata (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		return err
	}

	current := 0
	row := db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, MetaSchemaVer)
	var v string
	if err := row.Scan(&v); err == nil {
		fmt.Sscanf(v, "%d", &current)
	} else if err != sql.ErrNoRows {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		logger.WithField("version", m.version).Info("running migration")
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d failed, schema left at v%d: %w", m.version, current, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO metadata (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			MetaSchemaVer, fmt.Sprintf("%d", m.version)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration v%d commit failed: %w", m.version, err)
		}
		current = m.version
	}
	return nil
}

func migrateV1CreateSchema(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			meeting_id TEXT,
			updated_at TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_meeting ON tasks(meeting_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at)`,

		`CREATE TABLE IF NOT EXISTS task_assignees (
			task_id TEXT NOT NULL,
			assignee_id TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assignees_task ON task_assignees(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_assignees_assignee ON task_assignees(assignee_id)`,

		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			sequence_num INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_seq ON events(sequence_num)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(timestamp)`,

		`CREATE TABLE IF NOT EXISTS offline_queue (
			queue_id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			task_id_or_temp TEXT NOT NULL,
			data TEXT,
			vector_clock TEXT,
			session_id TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			queued_at TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_order ON offline_queue(priority DESC, queued_at ASC, queue_id ASC)`,

		`CREATE TABLE IF NOT EXISTS snapshots (
			cache_key TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing %q: %w", stmt, err)
		}
	}
	return nil
}

// migrateV2StripInvalidVectorClocks walks every stored task and resets its
// vector_clock to an empty map if it does not decode as map[string]uint64,
// per spec.md section 4.1.
func migrateV2StripInvalidVectorClocks(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT id, data FROM tasks`)
	if err != nil {
		return err
	}
	type fix struct {
		id   string
		data map[string]any
	}
	var fixes []fix
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			rows.Close()
			return err
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(data), &decoded); err != nil {
			rows.Close()
			return fmt.Errorf("decoding task %s: %w", id, err)
		}
		if !validVectorClock(decoded["vector_clock"]) {
			decoded["vector_clock"] = map[string]any{}
			fixes = append(fixes, fix{id: id, data: decoded})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, f := range fixes {
		b, err := json.Marshal(f.data)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE tasks SET data = ? WHERE id = ?`, string(b), f.id); err != nil {
			return err
		}
	}
	return nil
}

func validVectorClock(v any) bool {
	if v == nil {
		return false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	for _, val := range m {
		switch n := val.(type) {
		case float64:
			if n < 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// migrateV3Cleanup purges stale temp-id tasks, drops tasks missing required
// fields, normalizes invalid status to "todo", and strips internal-only
// fields, per spec.md section 4.1.
func migrateV3Cleanup(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT id, status, data FROM tasks`)
	if err != nil {
		return err
	}
	type taskRow struct {
		id, status, data string
	}
	var all []taskRow
	for rows.Next() {
		var r taskRow
		if err := rows.Scan(&r.id, &r.status, &r.data); err != nil {
			rows.Close()
			return err
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	cutoff := time.Now().Add(-tempIDMaxAge)
	for _, r := range all {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(r.data), &decoded); err != nil {
			return fmt.Errorf("decoding task %s: %w", r.id, err)
		}

		if tempID, _ := decoded["temp_id"].(string); tempID != "" {
			createdAt, ok := parseTimeField(decoded["created_at"])
			if ok && createdAt.Before(cutoff) {
				if err := dropTask(tx, r.id); err != nil {
					return err
				}
				continue
			}
		}

		title, _ := decoded["title"].(string)
		status, _ := decoded["status"].(string)
		if title == "" || status == "" {
			if err := dropTask(tx, r.id); err != nil {
				return err
			}
			continue
		}

		changed := false
		if !validStatus(status) {
			decoded["status"] = "todo"
			changed = true
		}
		for _, f := range internalOnlyFields {
			if _, ok := decoded[f]; ok {
				delete(decoded, f)
				changed = true
			}
		}
		if changed {
			b, err := json.Marshal(decoded)
			if err != nil {
				return err
			}
			normalizedStatus, _ := decoded["status"].(string)
			if _, err := tx.Exec(`UPDATE tasks SET data = ?, status = ? WHERE id = ?`, string(b), normalizedStatus, r.id); err != nil {
				return err
			}
		}
	}
	return nil
}

func dropTask(tx *sql.Tx, id string) error {
	if _, err := tx.Exec(`DELETE FROM task_assignees WHERE task_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return err
	}
	return nil
}

func validStatus(s string) bool {
	switch s {
	case "proposed", "accepted", "todo", "in_progress", "completed", "archived", "deleted":
		return true
	}
	return false
}

func parseTimeField(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}
