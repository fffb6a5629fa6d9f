package hub

import "github.com/yourorg/conduit/pkg/types"

// Message is one queued outgoing envelope. Higher Priority drains first;
// equal priorities drain in insertion order so per-job event order is
// preserved through the queue.
type Message struct {
	Envelope types.Envelope
	Priority int

	fifo uint64 // insertion counter, tie-break within a priority
}

// DefaultPriority is used for per-job pipeline events. Keeping one value
// for all events of a job makes the queue FIFO for that job.
const DefaultPriority = 5

// messageHeap implements container/heap for outgoing messages.
type messageHeap []*Message

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].fifo < h[j].fifo
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x interface{}) {
	*h = append(*h, x.(*Message))
}

func (h *messageHeap) Pop() interface{} {
	old := *h
	n := len(old)
	msg := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return msg
}
