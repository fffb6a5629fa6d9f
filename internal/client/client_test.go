package client

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yourorg/conduit/pkg/types"
)

func ev(job string, seq uint64) types.Event {
	return types.Event{JobID: types.JobID(job), Type: types.EventProgress, Seq: seq}
}

func TestBufferPreservesOrder(t *testing.T) {
	b := NewBuffer(10)
	b.Push(ev("job-001", 1))
	b.Push(ev("job-001", 2))
	b.Push(ev("job-002", 1))

	out := b.Flush()
	assert.Len(t, out, 3)
	assert.Equal(t, uint64(1), out[0].Seq)
	assert.Equal(t, uint64(2), out[1].Seq)
	assert.Equal(t, types.JobID("job-002"), out[2].JobID)

	assert.Equal(t, 0, b.Len())
}

func TestBufferEvictsOldestAtCapacity(t *testing.T) {
	b := NewBuffer(3)
	for seq := uint64(1); seq <= 5; seq++ {
		b.Push(ev("job-001", seq))
	}

	assert.Equal(t, 3, b.Len())
	out := b.Flush()
	assert.Equal(t, uint64(3), out[0].Seq)
	assert.Equal(t, uint64(5), out[2].Seq)
}

func TestBufferDefaultCapacity(t *testing.T) {
	b := NewBuffer(0)
	assert.Equal(t, DefaultBufferCapacity, b.Cap())
}

func TestDedupRejectsReplays(t *testing.T) {
	d := NewDedup()

	assert.True(t, d.Accept(ev("job-001", 1)))
	assert.True(t, d.Accept(ev("job-001", 2)))
	assert.False(t, d.Accept(ev("job-001", 2)))
	assert.False(t, d.Accept(ev("job-001", 1)))
	assert.True(t, d.Accept(ev("job-001", 3)))
}

func TestDedupIsPerJob(t *testing.T) {
	d := NewDedup()

	assert.True(t, d.Accept(ev("job-a", 1)))
	assert.True(t, d.Accept(ev("job-b", 1)))
}

func TestDedupForget(t *testing.T) {
	d := NewDedup()
	assert.True(t, d.Accept(ev("job-001", 5)))

	d.Forget("job-001")
	assert.True(t, d.Accept(ev("job-001", 1)))
}
