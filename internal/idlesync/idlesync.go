// Package idlesync implements the idle sync loop (C10): periodic
// authoritative resync that pauses on user activity, resumes after a
// short inactivity window, forces a sync on visibility-gained/online
// transitions, and backs off exponentially on failure. See spec.md
// section 4.10.
package idlesync

import (
	"context"
	"sync"
	"time"

	"github.com/estuary/tasksync/internal/model"
	"github.com/estuary/tasksync/internal/store"
	"github.com/estuary/tasksync/internal/taskerr"
	log "github.com/sirupsen/logrus"
)

const (
	// BaseInterval is the default periodic resync cadence.
	BaseInterval = 30 * time.Second
	// InactivityDelay is how long to wait after the last recorded activity
	// before resuming a paused loop.
	InactivityDelay = 2 * time.Second
	// MaxBackoff caps the doubling backoff on repeated failure.
	MaxBackoff = 5 * time.Minute
)

// Fetcher retrieves the canonical task set and a user-id-to-display-name
// map from the server, for C10's "rehydrate user references" step.
type Fetcher interface {
	FetchCanonical(ctx context.Context) (tasks []*model.Task, users map[string]string, err error)
}

// Outcome is reported to the optional notify callback after each sync
// attempt, letting the UI layer reconcile only when not actively editing.
type Outcome struct {
	Synced    int
	Cleared   bool
	Err       error
	NextDelay time.Duration
}

// Loop drives the periodic resync. Construct with New and start it with
// Run in its own goroutine.
type Loop struct {
	store   *store.Store
	fetcher Fetcher
	// editing reports whether the UI is actively editing a task; when true,
	// a sync still persists to the store but suppresses the UI-facing
	// notification, per spec.md section 4.10.
	editing func() bool
	notify  func(Outcome)

	mu           sync.Mutex
	interval     time.Duration
	lastActivity time.Time
	users        map[string]string

	forceCh chan struct{}
	log     *log.Entry
}

// New constructs a Loop. editing and notify may be nil.
func New(st *store.Store, fetcher Fetcher, editing func() bool, notify func(Outcome)) *Loop {
	if editing == nil {
		editing = func() bool { return false }
	}
	if notify == nil {
		notify = func(Outcome) {}
	}
	return &Loop{
		store: st, fetcher: fetcher, editing: editing, notify: notify,
		interval: BaseInterval, forceCh: make(chan struct{}, 1),
		log: log.WithField("component", "idlesync"),
	}
}

// RecordActivity marks the current time as the last user activity,
// pausing the periodic trigger until InactivityDelay has elapsed.
func (l *Loop) RecordActivity() {
	l.mu.Lock()
	l.lastActivity = time.Now()
	l.mu.Unlock()
}

// ForceSync requests an immediate sync regardless of the current interval
// or activity pause, for tab-visibility-gained and online transitions.
func (l *Loop) ForceSync() {
	select {
	case l.forceCh <- struct{}{}:
	default:
	}
}

// Users returns the most recently fetched user-id-to-display-name map.
func (l *Loop) Users() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.users
}

// Run drives the loop until ctx is cancelled. It should be started in its
// own goroutine.
func (l *Loop) Run(ctx context.Context) {
	timer := time.NewTimer(l.currentInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.forceCh:
			l.attempt(ctx)
			timer.Reset(l.currentInterval())
		case <-timer.C:
			if l.pausedForActivity() {
				timer.Reset(InactivityDelay)
				continue
			}
			l.attempt(ctx)
			timer.Reset(l.currentInterval())
		}
	}
}

func (l *Loop) pausedForActivity() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastActivity.IsZero() {
		return false
	}
	return time.Since(l.lastActivity) < InactivityDelay
}

func (l *Loop) currentInterval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// attempt runs one sync and applies the success/failure backoff transition.
func (l *Loop) attempt(ctx context.Context) {
	outcome := l.sync(ctx)

	l.mu.Lock()
	if outcome.Err != nil {
		if taskerr.Transient(outcome.Err) {
			next := l.interval * 2
			if next > MaxBackoff {
				next = MaxBackoff
			}
			l.interval = next
		}
	} else {
		l.interval = BaseInterval
	}
	outcome.NextDelay = l.interval
	l.mu.Unlock()

	if l.editing() {
		return
	}
	l.notify(outcome)
}

// sync fetches canonical tasks, rehydrates the users map, and replaces the
// local store's task section. An empty canonical set force-clears stale
// local entries, but only when the fetch itself succeeded — a transport
// error never triggers a clear.
func (l *Loop) sync(ctx context.Context) Outcome {
	tasks, users, err := l.fetcher.FetchCanonical(ctx)
	if err != nil {
		l.log.WithError(err).Warn("idle sync failed")
		return Outcome{Err: err}
	}

	l.mu.Lock()
	l.users = users
	l.mu.Unlock()

	if err := l.store.ReplaceAllTasks(tasks); err != nil {
		return Outcome{Err: err}
	}
	if err := l.store.SetMetadata(store.MetaLastIdleSync, time.Now().Format(time.RFC3339Nano)); err != nil {
		return Outcome{Err: err}
	}
	return Outcome{Synced: len(tasks), Cleared: len(tasks) == 0}
}
