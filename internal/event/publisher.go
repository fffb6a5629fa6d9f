// Package event turns pipeline stage transitions into typed events with
// monotonic per-job sequence numbers.
package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/yourorg/conduit/pkg/types"
)

// SeqStore persists the high-water sequence number per job so a restarted
// publisher never reissues a number a consumer already saw.
type SeqStore interface {
	LastSeq(ctx context.Context, id types.JobID) (uint64, error)
	RecordSeq(ctx context.Context, id types.JobID, seq uint64) error
}

// Sink receives published events, in publish order per job. The hub's
// point-to-point send path is the production sink.
type Sink interface {
	Deliver(ev types.Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev types.Event)

func (f SinkFunc) Deliver(ev types.Event) { f(ev) }

// Publisher assigns gapless, strictly increasing sequence numbers per job
// and fans events out to its sinks.
type Publisher struct {
	mu    sync.Mutex
	seqs  map[types.JobID]uint64
	store SeqStore
	sinks []Sink
	log   *slog.Logger
}

// NewPublisher builds a publisher backed by store for sequence recovery.
func NewPublisher(store SeqStore, logger *slog.Logger, sinks ...Sink) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		seqs:  make(map[types.JobID]uint64),
		store: store,
		sinks: sinks,
		log:   logger,
	}
}

// AddSink registers an additional sink. Not safe to call concurrently with
// Publish; wire sinks up before the pipeline starts.
func (p *Publisher) AddSink(s Sink) {
	p.sinks = append(p.sinks, s)
}

// ProgressPayload is carried by progress events.
type ProgressPayload struct {
	Stage      string  `json:"stage"`
	StageIndex int     `json:"stage_index"`
	Percent    float64 `json:"percent"`
}

// CompletionPayload is carried by completion events.
type CompletionPayload struct {
	ResultRef string  `json:"result_ref,omitempty"`
	Percent   float64 `json:"percent"`
}

// ErrorPayload is carried by error events.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Progress publishes a stage-transition event.
func (p *Publisher) Progress(ctx context.Context, jobID types.JobID, stage string, stageIndex int, percent float64) types.Event {
	return p.publish(ctx, jobID, types.EventProgress, ProgressPayload{
		Stage:      stage,
		StageIndex: stageIndex,
		Percent:    percent,
	})
}

// Completed publishes a terminal success event.
func (p *Publisher) Completed(ctx context.Context, jobID types.JobID, resultRef string) types.Event {
	return p.publish(ctx, jobID, types.EventCompletion, CompletionPayload{
		ResultRef: resultRef,
		Percent:   100,
	})
}

// Errored publishes a terminal failure event.
func (p *Publisher) Errored(ctx context.Context, jobID types.JobID, msg string) types.Event {
	return p.publish(ctx, jobID, types.EventError, ErrorPayload{Message: msg})
}

func (p *Publisher) publish(ctx context.Context, jobID types.JobID, typ types.EventType, payload interface{}) types.Event {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payload types above are all marshalable; this is unreachable in
		// practice but an event with no payload still advances the sequence.
		p.log.Error("marshal event payload", "jobID", jobID, "error", err)
	}

	ev := types.Event{
		JobID:     jobID,
		Type:      typ,
		Seq:       p.nextSeq(ctx, jobID),
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}

	if p.store != nil {
		if err := p.store.RecordSeq(ctx, jobID, ev.Seq); err != nil {
			p.log.Warn("record event seq", "jobID", jobID, "seq", ev.Seq, "error", err)
		}
	}

	for _, s := range p.sinks {
		s.Deliver(ev)
	}
	return ev
}

// nextSeq returns the next sequence number for the job, seeding from the
// store on first touch after a restart.
func (p *Publisher) nextSeq(ctx context.Context, jobID types.JobID) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	seq, ok := p.seqs[jobID]
	if !ok && p.store != nil {
		persisted, err := p.store.LastSeq(ctx, jobID)
		if err == nil {
			seq = persisted
		}
	}
	seq++
	p.seqs[jobID] = seq
	return seq
}

// Forget drops the in-memory counter for a finished job. The persisted
// high-water mark remains until the store purges the job.
func (p *Publisher) Forget(jobID types.JobID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seqs, jobID)
}
