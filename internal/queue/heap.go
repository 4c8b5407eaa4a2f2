package queue

import (
	"container/heap"
	"time"

	"github.com/schoolsignal-dev/schoolsignal/internal/models"
	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

// entry wraps one queued notification while it sits in the priority
// structure or out on lease.
type entry struct {
	n           *models.QueuedNotification
	seq         uint64 // FIFO tiebreaker within a priority
	index       int    // heap index, -1 while leased
	leasedUntil time.Time
	noRetry     bool // case was cancelled/resolved while this was in flight
}

func (e *entry) emergency() bool {
	return e.n.Priority >= types.PriorityEmergencyBand
}

// priorityHeap orders entries by the emergency bypass law first: any item
// at or above the emergency band sorts before every item below it,
// regardless of priority arithmetic or arrival order. Within a band,
// higher priority wins, then earlier schedule, then arrival order.
type priorityHeap []*entry

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	a, b := h[i], h[j]

	if a.emergency() != b.emergency() {
		return a.emergency()
	}
	if a.n.Priority != b.n.Priority {
		return a.n.Priority > b.n.Priority
	}
	if !a.n.ScheduledFor.Equal(b.n.ScheduledFor) {
		return a.n.ScheduledFor.Before(b.n.ScheduledFor)
	}
	return a.seq < b.seq
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// peekReady returns the best entry whose schedule has arrived, without
// removing it. The heap root may be scheduled in the future while a lower
// item is ready; scan is bounded by heap size but in practice the root
// check wins.
func peekReady(h priorityHeap, now time.Time) *entry {
	var best *entry
	bestIdx := -1
	for idx, e := range h {
		if e.n.ScheduledFor.After(now) {
			continue
		}
		if best == nil || h.Less(idx, bestIdx) {
			best = e
			bestIdx = idx
		}
	}
	return best
}

func removeEntry(h *priorityHeap, e *entry) {
	if e.index >= 0 && e.index < h.Len() && (*h)[e.index] == e {
		heap.Remove(h, e.index)
	}
}
