package dispatch

import "time"

// timerState is the tri-state lifecycle of an armed Handle: exactly one of
// scheduled, suspended, or discarded holds at any time.
type timerState uint8

const (
	stateScheduled timerState = iota
	stateSuspended
	stateDiscarded
)

// timerEntry is one armed callback tracked by the loop's min-heap.
// Suspend removes an entry from both the heap and byID; the caller keeps
// the sands (saved deadline) that Suspend returns and passes it to Resume.
type timerEntry struct {
	id       uint64
	deadline time.Time
	cb       Callback
	state    timerState
	index    int // position in the heap slice, maintained by container/heap
}

// timerHeap is a container/heap.Interface ordered by ascending deadline.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	e.index = -1
	return e
}
