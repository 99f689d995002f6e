// Package vclock implements the vector clock / sequencer (C4): per-actor
// monotonic clocks, causal comparison, and the per-workspace sequence
// gate that classifies inbound events as accepted, duplicate, too old
// (regression), or a forward gap. See spec.md section 4.4.
package vclock

import "github.com/estuary/tasksync/internal/model"

// Order is the result of comparing two vector clocks.
type Order string

const (
	Before     Order = "before"
	After      Order = "after"
	Equal      Order = "equal"
	Concurrent Order = "concurrent"
)

// Compare returns how a relates causally to b.
func Compare(a, b model.VectorClock) Order {
	aLess, bLess := false, false
	actors := make(map[model.Actor]struct{}, len(a)+len(b))
	for k := range a {
		actors[k] = struct{}{}
	}
	for k := range b {
		actors[k] = struct{}{}
	}
	for actor := range actors {
		if a[actor] < b[actor] {
			aLess = true
		} else if a[actor] > b[actor] {
			bLess = true
		}
	}
	switch {
	case !aLess && !bLess:
		return Equal
	case aLess && !bLess:
		return Before
	case !aLess && bLess:
		return After
	default:
		return Concurrent
	}
}
