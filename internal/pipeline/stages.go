package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/yourorg/conduit/pkg/types"
)

// DocumentStages is the default three-stage pipeline for submitted
// documents: extract pulls structure out of the raw payload, analyze
// derives measurements from it, categorize assigns a bucket and builds
// the result reference. Weights reflect the relative cost observed for
// each phase and sum to 100.
func DocumentStages() []Stage {
	return []Stage{
		{Name: "extract", Weight: 40, Handler: HandlerFunc(extractStage)},
		{Name: "analyze", Weight: 40, Handler: HandlerFunc(analyzeStage)},
		{Name: "categorize", Weight: 20, Handler: HandlerFunc(categorizeStage)},
	}
}

// extractStage validates the payload shape and records its sniffed
// content type into the job metadata for the later stages.
func extractStage(ctx context.Context, job *types.Job, scope *Scope, report ReportFunc) (string, error) {
	if len(job.Payload) == 0 {
		return "", types.Permanent(fmt.Errorf("empty payload for job %s", job.ID))
	}
	report(0.2)

	contentType := http.DetectContentType(job.Payload)
	meta := map[string]interface{}{}
	if len(job.Metadata) > 0 {
		if err := json.Unmarshal(job.Metadata, &meta); err != nil {
			return "", types.Permanent(fmt.Errorf("malformed job metadata: %w", err))
		}
	}
	meta["content_type"] = contentType
	meta["size_bytes"] = len(job.Payload)

	if err := ctx.Err(); err != nil {
		return "", types.Transient(err)
	}
	report(0.8)

	updated, err := json.Marshal(meta)
	if err != nil {
		return "", types.Permanent(err)
	}
	job.Metadata = updated
	report(1)
	return "", nil
}

// analyzeStage computes the payload digest and density measurements.
func analyzeStage(ctx context.Context, job *types.Job, scope *Scope, report ReportFunc) (string, error) {
	sum := sha256.Sum256(job.Payload)
	report(0.5)

	var nonZero int
	for _, b := range job.Payload {
		if b != 0 {
			nonZero++
		}
	}
	if err := ctx.Err(); err != nil {
		return "", types.Transient(err)
	}

	meta := map[string]interface{}{}
	if len(job.Metadata) > 0 {
		json.Unmarshal(job.Metadata, &meta)
	}
	meta["digest"] = fmt.Sprintf("sha256:%x", sum)
	meta["density"] = float64(nonZero) / float64(len(job.Payload))

	updated, err := json.Marshal(meta)
	if err != nil {
		return "", types.Permanent(err)
	}
	job.Metadata = updated
	report(1)
	return "", nil
}

// categorizeStage buckets the document by content type and emits the
// final result reference.
func categorizeStage(ctx context.Context, job *types.Job, scope *Scope, report ReportFunc) (string, error) {
	meta := map[string]interface{}{}
	if len(job.Metadata) > 0 {
		json.Unmarshal(job.Metadata, &meta)
	}

	category := "document"
	if ct, _ := meta["content_type"].(string); strings.HasPrefix(ct, "image/") {
		category = "image"
	}
	meta["category"] = category
	report(0.5)

	if err := ctx.Err(); err != nil {
		return "", types.Transient(err)
	}

	digest, _ := meta["digest"].(string)
	if digest == "" {
		sum := sha256.Sum256(job.Payload)
		digest = fmt.Sprintf("sha256:%x", sum)
	}

	updated, err := json.Marshal(meta)
	if err != nil {
		return "", types.Permanent(err)
	}
	job.Metadata = updated
	report(1)
	return fmt.Sprintf("%s/%s", category, digest), nil
}
