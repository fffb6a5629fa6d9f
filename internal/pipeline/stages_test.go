package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/conduit/pkg/types"
)

// pngHeader makes DetectContentType report image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n0123456789abcdef")

func runStages(t *testing.T, job *types.Job) string {
	t.Helper()
	var resultRef string
	for _, st := range DocumentStages() {
		scope := &Scope{}
		ref, err := st.Handler.Run(context.Background(), job, scope, func(float64) {})
		scope.close()
		require.NoError(t, err, "stage %s", st.Name)
		if ref != "" {
			resultRef = ref
		}
	}
	return resultRef
}

func TestDocumentStagesWeightsSumTo100(t *testing.T) {
	_, err := NewPipeline(DocumentStages()...)
	assert.NoError(t, err)
}

func TestDocumentStagesEndToEnd(t *testing.T) {
	job := &types.Job{ID: "job-001", Payload: pngHeader}

	ref := runStages(t, job)
	assert.True(t, strings.HasPrefix(ref, "image/sha256:"), "got %q", ref)

	meta := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(job.Metadata, &meta))
	assert.Equal(t, "image/png", meta["content_type"])
	assert.Equal(t, "image", meta["category"])
	assert.NotEmpty(t, meta["digest"])
}

func TestExtractRejectsEmptyPayload(t *testing.T) {
	job := &types.Job{ID: "job-001"}
	scope := &Scope{}
	defer scope.close()

	_, err := extractStage(context.Background(), job, scope, func(float64) {})
	require.Error(t, err)
	assert.Equal(t, types.KindPermanent, types.KindOf(err))
}

func TestExtractPreservesSubmittedMetadata(t *testing.T) {
	job := &types.Job{
		ID:       "job-001",
		Payload:  pngHeader,
		Metadata: json.RawMessage(`{"source":"scanner-7"}`),
	}

	runStages(t, job)

	meta := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(job.Metadata, &meta))
	assert.Equal(t, "scanner-7", meta["source"])
}

func TestNonImageIsCategorizedAsDocument(t *testing.T) {
	job := &types.Job{ID: "job-001", Payload: []byte("%PDF-1.4 minimal body")}

	ref := runStages(t, job)
	assert.True(t, strings.HasPrefix(ref, "document/sha256:"), "got %q", ref)
}
