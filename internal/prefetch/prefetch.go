// Package prefetch implements the prefetch controller (C11):
// concurrency-bounded, abortable, priority-queued background fetches
// backed by a fixed-size LRU cache with per-entry TTL. See spec.md
// section 4.11.
package prefetch

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrPrefetchDisabled is returned by Fetch when the caller has signalled a
// reduced-data/slow-connection preference, per spec.md section 4.11.
var ErrPrefetchDisabled = errors.New("prefetch: disabled by reduced-data preference")

// FetchFunc retrieves the value for key, honoring ctx cancellation.
type FetchFunc func(ctx context.Context, key string) (any, error)

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

type job struct {
	key      string
	priority int
	seq      int
	ctx      context.Context
	resultCh chan fetchResult
	index    int
}

type fetchResult struct {
	value any
	err   error
}

// jobHeap is a max-heap on priority, breaking ties FIFO by insertion order.
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *jobHeap) Push(x any) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// Controller bounds background fetch concurrency via a weighted semaphore,
// caches results in an LRU with per-entry TTL, and can be told to stop
// prefetching entirely under a reduced-data preference.
type Controller struct {
	fetch FetchFunc
	cache *lru.Cache[string, cacheEntry]
	ttl   time.Duration
	sem   *semaphore.Weighted

	mu        sync.Mutex
	cond      *sync.Cond
	queue     jobHeap
	seq       int
	closed    bool
	closeCtx  context.Context
	cancelCtx context.CancelFunc

	reduced  atomic.Bool
	inflight atomic.Int64
	hits     atomic.Int64
	misses   atomic.Int64

	log *log.Entry
}

// New constructs a Controller bounded to workers concurrent fetches, an LRU
// cache of cacheSize entries, and a default per-entry TTL.
func New(fetch FetchFunc, workers, cacheSize int, ttl time.Duration) (*Controller, error) {
	cache, err := lru.New[string, cacheEntry](cacheSize)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		fetch: fetch, cache: cache, ttl: ttl,
		sem: semaphore.NewWeighted(int64(workers)),
		log: log.WithField("component", "prefetch"),
	}
	c.cond = sync.NewCond(&c.mu)
	c.closeCtx, c.cancelCtx = context.WithCancel(context.Background())
	go c.dispatch()
	return c, nil
}

// SetReducedData toggles the reduced-data/slow-connection preference; when
// true, Fetch returns ErrPrefetchDisabled instead of queueing work.
func (c *Controller) SetReducedData(v bool) { c.reduced.Store(v) }

// Fetch returns the cached value for key if fresh, otherwise queues a
// fetch at the given priority (higher runs first) and blocks until it
// completes or ctx is done. Cancelling ctx aborts the wait immediately;
// FetchFunc implementations should themselves honor ctx to abort the
// underlying transport request.
func (c *Controller) Fetch(ctx context.Context, key string, priority int) (any, error) {
	if v, ok := c.cache.Get(key); ok && time.Now().Before(v.expiresAt) {
		c.hits.Add(1)
		return v.value, nil
	}
	c.misses.Add(1)

	if c.reduced.Load() {
		return nil, ErrPrefetchDisabled
	}

	j := &job{key: key, priority: priority, ctx: ctx, resultCh: make(chan fetchResult, 1)}
	c.mu.Lock()
	c.seq++
	j.seq = c.seq
	heap.Push(&c.queue, j)
	c.cond.Signal()
	c.mu.Unlock()

	select {
	case res := <-j.resultCh:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatch acquires a semaphore slot before pulling the next job off the
// heap, so a higher-priority request that arrives while every slot is busy
// still runs ahead of one that was queued earlier.
func (c *Controller) dispatch() {
	for {
		if err := c.sem.Acquire(c.closeCtx, 1); err != nil {
			return
		}

		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			c.sem.Release(1)
			return
		}
		j := heap.Pop(&c.queue).(*job)
		c.mu.Unlock()

		go func(j *job) {
			defer c.sem.Release(1)
			c.run(j)
		}(j)
	}
}

func (c *Controller) run(j *job) {
	if j.ctx.Err() != nil {
		j.resultCh <- fetchResult{err: j.ctx.Err()}
		return
	}
	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	v, err := c.fetch(j.ctx, j.key)
	if err != nil {
		c.log.WithField("key", j.key).WithError(err).Debug("prefetch failed")
	} else {
		c.cache.Add(j.key, cacheEntry{value: v, expiresAt: time.Now().Add(c.ttl)})
	}
	j.resultCh <- fetchResult{value: v, err: err}
}

// HitRate returns the fraction of Fetch calls served from cache.
func (c *Controller) HitRate() float64 {
	hits, misses := c.hits.Load(), c.misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// Inflight returns the number of fetches currently executing.
func (c *Controller) Inflight() int64 { return c.inflight.Load() }

// Close stops the dispatcher. Queued-but-not-started jobs never complete;
// callers waiting on their result unblock via their own ctx.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	c.cancelCtx()
}
