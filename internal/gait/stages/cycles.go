package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stridesense/gait-backend/internal/gait/paths"
	"github.com/stridesense/gait-backend/internal/gait/queue"
	"github.com/stridesense/gait-backend/internal/gait/runtime"
	"github.com/stridesense/gait-backend/internal/platform/gcp"
	"github.com/stridesense/gait-backend/internal/platform/logger"
)

// CycleDetectionWorker (stage 5) segments the landmark streams into
// gait cycles and computes the per-side gait analysis the predictor
// consumes. Landmarks and videos pass through into stage_5.
type CycleDetectionWorker struct {
	log      *logger.Logger
	bucket   gcp.BucketService
	detector CycleDetector
}

func NewCycleDetectionWorker(log *logger.Logger, bucket gcp.BucketService, detector CycleDetector) *CycleDetectionWorker {
	return &CycleDetectionWorker{
		log:      log.With("service", "CycleDetectionWorker"),
		bucket:   bucket,
		detector: detector,
	}
}

func (w *CycleDetectionWorker) Stage() int          { return 5 }
func (w *CycleDetectionWorker) ServiceName() string { return "cycle-detection" }

func (w *CycleDetectionWorker) Process(ctx context.Context, item *queue.Item) runtime.ProcessingResult {
	start := time.Now()
	if err := requireInputs(item, KeyFrontLandmarks, KeySideLandmarks, KeyFrontVideo, KeySideVideo); err != nil {
		return runtime.Fail(err.Error(), "", time.Since(start))
	}
	ws, err := newWorkspace(w.bucket, item.JobID)
	if err != nil {
		return runtime.Fail(err.Error(), "", time.Since(start))
	}
	defer ws.Close()

	var logs strings.Builder
	outputs := map[string]string{}
	for _, side := range bothSides {
		lm, err := ws.Fetch(ctx, item.InputKeys[landmarksName(side)], string(side)+"_landmarks.json")
		if err != nil {
			return runtime.Fail(err.Error(), logs.String(), time.Since(start))
		}
		video, err := ws.Fetch(ctx, item.InputKeys[videoName(side)], string(side)+".mp4")
		if err != nil {
			return runtime.Fail(err.Error(), logs.String(), time.Since(start))
		}
		out := ws.Path(string(side) + "_gait_analysis.json")
		toolLogs, err := w.detector.AnalyzeGait(ctx, lm, video, out)
		logs.WriteString(toolLogs)
		if err != nil {
			return runtime.Fail(fmt.Sprintf("cycle detection failed for %s video: %v", side, err), logs.String(), time.Since(start))
		}
		gaKey := paths.GaitAnalysisKey(item.JobID, 5, side)
		if err := ws.Store(ctx, out, gaKey); err != nil {
			return runtime.Fail(err.Error(), logs.String(), time.Since(start))
		}
		outputs[gaitAnalysisName(side)] = gaKey

		lmKey := paths.LandmarksKey(item.JobID, 5, side)
		if err := w.bucket.CopyObject(ctx, item.InputKeys[landmarksName(side)], lmKey); err != nil {
			return runtime.Fail(err.Error(), logs.String(), time.Since(start))
		}
		outputs[landmarksName(side)] = lmKey

		videoKey := paths.VideoKey(item.JobID, 5, side)
		if err := w.bucket.CopyObject(ctx, item.InputKeys[videoName(side)], videoKey); err != nil {
			return runtime.Fail(err.Error(), logs.String(), time.Since(start))
		}
		outputs[videoName(side)] = videoKey
	}
	return runtime.Succeed(outputs, logs.String(), time.Since(start))
}
