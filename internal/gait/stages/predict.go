package stages

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/stridesense/gait-backend/internal/gait/paths"
	"github.com/stridesense/gait-backend/internal/gait/queue"
	"github.com/stridesense/gait-backend/internal/gait/runtime"
	"github.com/stridesense/gait-backend/internal/platform/envutil"
	"github.com/stridesense/gait-backend/internal/platform/gcp"
	"github.com/stridesense/gait-backend/internal/platform/logger"
)

// PredictionWorker (stage 6) runs the classifier over both gait
// analyses and writes prediction.json for finalize. When archiving is
// enabled it also uploads the results bundle under stage_7.
type PredictionWorker struct {
	log       *logger.Logger
	bucket    gcp.BucketService
	predictor Predictor
	archive   bool
}

func NewPredictionWorker(log *logger.Logger, bucket gcp.BucketService, predictor Predictor) *PredictionWorker {
	return &PredictionWorker{
		log:       log.With("service", "PredictionWorker"),
		bucket:    bucket,
		predictor: predictor,
		archive:   envutil.Str("RESULTS_ARCHIVE_ENABLED", "true") == "true",
	}
}

func (w *PredictionWorker) Stage() int          { return 6 }
func (w *PredictionWorker) ServiceName() string { return "prediction" }

func (w *PredictionWorker) Process(ctx context.Context, item *queue.Item) runtime.ProcessingResult {
	start := time.Now()
	if err := requireInputs(item, KeyFrontGaitAnalysis, KeySideGaitAnalysis); err != nil {
		return runtime.Fail(err.Error(), "", time.Since(start))
	}
	ws, err := newWorkspace(w.bucket, item.JobID)
	if err != nil {
		return runtime.Fail(err.Error(), "", time.Since(start))
	}
	defer ws.Close()

	front, err := ws.Fetch(ctx, item.InputKeys[KeyFrontGaitAnalysis], "front_gait_analysis.json")
	if err != nil {
		return runtime.Fail(err.Error(), "", time.Since(start))
	}
	side, err := ws.Fetch(ctx, item.InputKeys[KeySideGaitAnalysis], "side_gait_analysis.json")
	if err != nil {
		return runtime.Fail(err.Error(), "", time.Since(start))
	}

	out := ws.Path("prediction.json")
	archivePath := ""
	if w.archive {
		archivePath = ws.Path("results.zip")
	}
	logs, err := w.predictor.Predict(ctx, front, side, item.Metadata, out, archivePath)
	if err != nil {
		return runtime.Fail(fmt.Sprintf("prediction failed: %v", err), logs, time.Since(start))
	}

	predKey := paths.PredictionKey(item.JobID)
	if err := ws.Store(ctx, out, predKey); err != nil {
		return runtime.Fail(err.Error(), logs, time.Since(start))
	}
	outputs := map[string]string{KeyPrediction: predKey}

	// The archive is best-effort: a predictor build without bundling
	// support simply never writes it.
	if archivePath != "" {
		if _, statErr := os.Stat(archivePath); statErr == nil {
			zipKey := paths.ResultsArchiveKey(item.JobID)
			if err := ws.Store(ctx, archivePath, zipKey); err != nil {
				w.log.Warn("Failed to upload results archive", "job_id", item.JobID, "error", err)
			} else {
				outputs[KeyResultsArchive] = zipKey
			}
		}
	}
	return runtime.Succeed(outputs, logs, time.Since(start))
}
