package vclock

import (
	"container/heap"
	"sync"

	"github.com/estuary/tasksync/internal/model"
	log "github.com/sirupsen/logrus"
)

// Disposition is the outcome of validateAndOrder for an inbound event.
type Disposition string

const (
	// Accepted events are immediately applicable and have updated
	// last_sequence / last_event_id / vector_clock.
	Accepted Disposition = "accepted"
	// Duplicate events (same event_id already seen) are silently dropped.
	Duplicate Disposition = "duplicate"
	// ChecksumMismatch names a checksum validation failure. ValidateAndOrder
	// never returns it: event checksums are checked by C7 after an event is
	// applied, not by the sequencer.
	ChecksumMismatch Disposition = "checksum_mismatch"
	// TooOld events are regressions: sequence_num < last_sequence+1 and do
	// not fill a buffered gap. They are dropped and never applied.
	TooOld Disposition = "too_old"
	// SequenceGap events arrive ahead of last_sequence+1; they are buffered
	// and a replay request is emitted.
	SequenceGap Disposition = "sequence_gap"
)

// GapSeverity classifies how C12 should react to a buffered forward gap.
type GapSeverity string

const (
	// GapLight is a gap of 5 or fewer events: a lightweight bootstrap
	// suffices, per spec.md section 4.4 rule (c).
	GapLight GapSeverity = "light"
	// GapFull is a gap larger than 5 events: a full reconciliation is
	// required.
	GapFull GapSeverity = "full"
)

const gapLightThreshold = 5

// defaultHistoryCap bounds the retained event_id history used for duplicate
// detection and replay.
const defaultHistoryCap = 2048

// pendingItem is a buffered out-of-order event awaiting its turn.
type pendingItem struct {
	event *model.Event
	index int
}

// pendingHeap is a min-heap over pendingItem.event.SequenceNum.
type pendingHeap []*pendingItem

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	return h[i].event.SequenceNum < h[j].event.SequenceNum
}
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *pendingHeap) Push(x any) {
	item := x.(*pendingItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Sequencer maintains last_event_id, last_sequence, the merged vector
// clock, the pending-event buffer, and a bounded history of seen event ids.
type Sequencer struct {
	mu sync.Mutex

	lastEventID string
	lastSeq     uint64
	clock       model.VectorClock

	pending pendingHeap

	history     []string
	historySeen map[string]struct{}
	historyCap  int

	log *log.Entry
}

// New constructs a Sequencer starting from sequence 0 with an empty clock.
func New() *Sequencer {
	return &Sequencer{
		clock:       make(model.VectorClock),
		historySeen: make(map[string]struct{}),
		historyCap:  defaultHistoryCap,
		log:         log.WithField("component", "vclock"),
	}
}

// LastSequence returns the highest sequence number accepted so far.
func (s *Sequencer) LastSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// LastEventID returns the event_id of the most recently accepted event.
func (s *Sequencer) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// Clock returns a copy of the current merged vector clock.
func (s *Sequencer) Clock() model.VectorClock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Clone()
}

// ValidateAndOrder classifies an inbound event and, if Accepted, drains any
// now-contiguous buffered events. The second return value lists every
// event (including e itself) that was accepted and should be applied, in
// sequence order.
func (s *Sequencer) ValidateAndOrder(e *model.Event) (Disposition, []*model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.historySeen[e.EventID]; seen {
		return Duplicate, nil
	}

	switch {
	case e.SequenceNum == s.lastSeq+1:
		accepted := []*model.Event{e}
		s.acceptLocked(e)
		accepted = append(accepted, s.drainLocked()...)
		return Accepted, accepted

	case e.SequenceNum <= s.lastSeq:
		// Could still be an out-of-order duplicate replay whose id we
		// haven't seen (e.g. a restart lost history); regardless, a
		// sequence_num at or behind the watermark is never applied.
		s.log.WithField("seq", e.SequenceNum).WithField("last", s.lastSeq).
			Warn("dropping regression")
		return TooOld, nil

	default:
		s.bufferLocked(e)
		return SequenceGap, nil
	}
}

// acceptLocked applies e's sequence/event-id/clock bookkeeping. Caller
// holds s.mu.
func (s *Sequencer) acceptLocked(e *model.Event) {
	s.lastSeq = e.SequenceNum
	s.lastEventID = e.EventID
	s.clock = s.clock.Merge(e.VectorClock)
	s.rememberLocked(e.EventID)
}

// drainLocked recursively pulls buffered events whose sequence has become
// last_seq+1, per spec.md section 4.4 rule (d).
func (s *Sequencer) drainLocked() []*model.Event {
	var drained []*model.Event
	for s.pending.Len() > 0 && s.pending[0].event.SequenceNum == s.lastSeq+1 {
		item := heap.Pop(&s.pending).(*pendingItem)
		s.acceptLocked(item.event)
		drained = append(drained, item.event)
	}
	return drained
}

func (s *Sequencer) bufferLocked(e *model.Event) {
	heap.Push(&s.pending, &pendingItem{event: e})
}

func (s *Sequencer) rememberLocked(eventID string) {
	if _, ok := s.historySeen[eventID]; ok {
		return
	}
	s.history = append(s.history, eventID)
	s.historySeen[eventID] = struct{}{}
	if len(s.history) > s.historyCap {
		dropped := s.history[0]
		s.history = s.history[1:]
		delete(s.historySeen, dropped)
	}
}

// GapSize reports how many events are missing between last_sequence and
// seq, i.e. the size of the forward gap seq would create.
func (s *Sequencer) GapSize(seq uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.lastSeq {
		return 0
	}
	return seq - s.lastSeq - 1
}

// Severity classifies a gap of the given size per spec.md section 4.4
// rule (c): <=5 is light (lightweight bootstrap), >5 is full
// reconciliation.
func Severity(gapSize uint64) GapSeverity {
	if gapSize <= gapLightThreshold {
		return GapLight
	}
	return GapFull
}

// PendingCount returns the number of events currently buffered awaiting a
// gap-fill.
func (s *Sequencer) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// Seed primes the sequencer with an authoritative starting point, used by
// the Bootstrap Coordinator after a full reconciliation or tasks_bootstrap.
func (s *Sequencer) Seed(lastEventID string, lastSeq uint64, clock model.VectorClock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEventID = lastEventID
	s.lastSeq = lastSeq
	s.clock = clock.Clone()
	s.pending = nil
}
