package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPipeline(reg)

	p.RecordSubmitted()
	p.RecordSubmitted()
	p.RecordCompleted(1.5)
	p.RecordFailed()
	p.RecordCancelled()
	p.RecordStageRetry()
	p.SetQueueDepth(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.jobsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.jobsCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.jobsFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.jobsCancelled))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.stageRetries))
	assert.Equal(t, 7.0, testutil.ToFloat64(p.queueDepth))
}

func TestHubGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := NewHub(reg)

	h.SetConnections(5, 4, 3)
	h.RecordSent()
	h.RecordSent()
	h.RecordSendError()
	h.RecordDialError()
	h.SetOutQueueLen(12)

	assert.Equal(t, 5.0, testutil.ToFloat64(h.connsTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(h.connsActive))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.connsHealthy))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.messagesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.sendErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.dialErrors))
	assert.Equal(t, 12.0, testutil.ToFloat64(h.outQueueLen))
}

func TestIsolatedRegistries(t *testing.T) {
	// Two registries host independent collector instances without
	// duplicate-registration panics.
	a := NewPipeline(prometheus.NewRegistry())
	b := NewPipeline(prometheus.NewRegistry())

	a.RecordSubmitted()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.jobsSubmitted))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.jobsSubmitted))
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPipeline(reg)
	p.RecordSubmitted()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	n, err := testutil.GatherAndCount(reg, "conduit_jobs_submitted_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
