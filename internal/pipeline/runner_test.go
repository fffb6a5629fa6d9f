package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/conduit/pkg/types"
)

func TestRunnerProcessesQueuedJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := NewPipeline(DocumentStages()...)
	require.NoError(t, err)

	r := NewRunner(Config{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		StageTimeout: time.Minute,
		RetryBackoff: time.Millisecond,
	}, env.store, env.queue, env.pub, p, nil, nil)
	require.NoError(t, r.Start())
	defer r.Stop()

	for _, id := range []string{"job-001", "job-002", "job-003"} {
		require.NoError(t, env.store.Create(ctx, &types.Job{
			ID:         types.JobID(id),
			OwnerID:    "owner-1",
			Status:     types.StatusQueued,
			MaxRetries: 3,
			Payload:    pngHeader,
		}))
		require.NoError(t, env.queue.Enqueue(ctx, types.JobID(id), "owner-1"))
	}

	require.Eventually(t, func() bool {
		for _, id := range []string{"job-001", "job-002", "job-003"} {
			job, err := env.store.Get(ctx, types.JobID(id))
			if err != nil || job.Status != types.StatusSucceeded {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	depth, err := env.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestRunnerDoubleStart(t *testing.T) {
	env := newTestEnv(t)
	p, err := NewPipeline(DocumentStages()...)
	require.NoError(t, err)

	r := NewRunner(Config{PollInterval: time.Hour}, env.store, env.queue, env.pub, p, nil, nil)
	require.NoError(t, r.Start())
	defer r.Stop()

	assert.Error(t, r.Start())
}

func TestPipelineValidation(t *testing.T) {
	_, err := NewPipeline()
	assert.Error(t, err)

	_, err = NewPipeline(Stage{Name: "only", Weight: 50, Handler: HandlerFunc(
		func(ctx context.Context, job *types.Job, scope *Scope, report ReportFunc) (string, error) {
			return "", nil
		})})
	assert.Error(t, err)

	_, err = NewPipeline(Stage{Name: "", Weight: 100, Handler: HandlerFunc(
		func(ctx context.Context, job *types.Job, scope *Scope, report ReportFunc) (string, error) {
			return "", nil
		})})
	assert.Error(t, err)
}
