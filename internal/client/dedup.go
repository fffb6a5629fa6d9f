package client

import (
	"sync"

	"github.com/yourorg/conduit/pkg/types"
)

// Dedup makes event consumption idempotent: the application layer sees
// each (job_id, seq) pair at most once, so a replayed or duplicated event
// is a safe no-op.
type Dedup struct {
	mu   sync.Mutex
	seen map[types.JobID]uint64 // highest sequence delivered per job
}

// NewDedup builds an empty dedup filter.
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[types.JobID]uint64)}
}

// Accept reports whether ev is new for its job and records it. Events at
// or below the high-water mark are duplicates and rejected.
func (d *Dedup) Accept(ev types.Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ev.Seq <= d.seen[ev.JobID] {
		return false
	}
	d.seen[ev.JobID] = ev.Seq
	return true
}

// Forget drops the high-water mark for a finished job.
func (d *Dedup) Forget(id types.JobID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
}
