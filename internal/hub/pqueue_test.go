package hub

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yourorg/conduit/pkg/types"
)

func TestHigherPriorityDrainsFirst(t *testing.T) {
	h := messageHeap{}
	push := func(priority int, fifo uint64, typ string) {
		heap.Push(&h, &Message{
			Envelope: types.Envelope{Type: typ},
			Priority: priority,
			fifo:     fifo,
		})
	}

	push(1, 1, "low")
	push(9, 2, "high")
	push(5, 3, "mid")

	assert.Equal(t, "high", heap.Pop(&h).(*Message).Envelope.Type)
	assert.Equal(t, "mid", heap.Pop(&h).(*Message).Envelope.Type)
	assert.Equal(t, "low", heap.Pop(&h).(*Message).Envelope.Type)
}

func TestEqualPriorityIsFIFO(t *testing.T) {
	h := messageHeap{}
	for i := uint64(1); i <= 5; i++ {
		heap.Push(&h, &Message{
			Envelope: types.Envelope{Type: types.MsgJobProgress},
			Priority: DefaultPriority,
			fifo:     i,
		})
	}

	var order []uint64
	for h.Len() > 0 {
		order = append(order, heap.Pop(&h).(*Message).fifo)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, order)
}

func TestDecayedPriorityFallsBehindFreshTraffic(t *testing.T) {
	h := messageHeap{}

	// A requeued message enters with a decremented priority and a newer
	// fifo stamp, so existing default-priority traffic goes first.
	heap.Push(&h, &Message{Envelope: types.Envelope{Type: "fresh"}, Priority: DefaultPriority, fifo: 1})
	heap.Push(&h, &Message{Envelope: types.Envelope{Type: "requeued"}, Priority: DefaultPriority - 1, fifo: 2})

	assert.Equal(t, "fresh", heap.Pop(&h).(*Message).Envelope.Type)
	assert.Equal(t, "requeued", heap.Pop(&h).(*Message).Envelope.Type)
}
