// Package pipeline implements the staged job executor: workers pull leased
// deliveries from the queue, run ordered stages through the abstract
// handler contract, keep the status store current, and emit events after
// every stage transition.
package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/yourorg/conduit/pkg/types"
)

// ReportFunc lets a stage self-report fractional completion in [0, 1].
// Values outside the range are clamped; overall progress can never move
// backwards regardless of what a stage reports.
type ReportFunc func(fraction float64)

// Scope tracks stage-scoped temporary resources. Cleanups registered
// during a stage run are released in reverse order when the stage ends,
// regardless of success, failure, or cancellation.
type Scope struct {
	cleanups []func()
}

// Defer registers a cleanup to run when the stage's scope closes.
func (s *Scope) Defer(fn func()) {
	s.cleanups = append(s.cleanups, fn)
}

func (s *Scope) close() {
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}
	s.cleanups = nil
}

// StageHandler is the contract between the pipeline and the external
// content-processing service behind each stage. A handler returns a result
// reference (empty when the stage produces none) or a classified failure;
// the executor decides retry versus terminal failure from the error kind.
type StageHandler interface {
	Run(ctx context.Context, job *types.Job, scope *Scope, report ReportFunc) (resultRef string, err error)
}

// HandlerFunc adapts a function to StageHandler.
type HandlerFunc func(ctx context.Context, job *types.Job, scope *Scope, report ReportFunc) (string, error)

func (f HandlerFunc) Run(ctx context.Context, job *types.Job, scope *Scope, report ReportFunc) (string, error) {
	return f(ctx, job, scope, report)
}

// Stage is one ordered step of a pipeline, contributing Weight percent of
// total progress.
type Stage struct {
	Name    string
	Weight  float64
	Handler StageHandler
}

// Pipeline is an ordered set of stages whose weights sum to 100.
type Pipeline struct {
	stages []Stage
}

// NewPipeline validates the stage set and returns a pipeline.
func NewPipeline(stages ...Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline: at least one stage required")
	}
	var total float64
	for i, st := range stages {
		if st.Name == "" {
			return nil, fmt.Errorf("pipeline: stage %d has no name", i)
		}
		if st.Handler == nil {
			return nil, fmt.Errorf("pipeline: stage %q has no handler", st.Name)
		}
		if st.Weight <= 0 {
			return nil, fmt.Errorf("pipeline: stage %q has non-positive weight", st.Name)
		}
		total += st.Weight
	}
	if math.Abs(total-100) > 1e-6 {
		return nil, fmt.Errorf("pipeline: stage weights sum to %.2f, want 100", total)
	}
	return &Pipeline{stages: stages}, nil
}

// Stages returns the ordered stage list.
func (p *Pipeline) Stages() []Stage { return p.stages }

// Len returns the number of stages.
func (p *Pipeline) Len() int { return len(p.stages) }
