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

// PoseEstimationWorker (stage 4) extracts skeletal landmarks per frame
// from each video. The videos pass through into the stage_4 prefix so
// cycle detection can cross-reference frames.
type PoseEstimationWorker struct {
	log       *logger.Logger
	bucket    gcp.BucketService
	estimator PoseEstimator
}

func NewPoseEstimationWorker(log *logger.Logger, bucket gcp.BucketService, estimator PoseEstimator) *PoseEstimationWorker {
	return &PoseEstimationWorker{
		log:       log.With("service", "PoseEstimationWorker"),
		bucket:    bucket,
		estimator: estimator,
	}
}

func (w *PoseEstimationWorker) Stage() int          { return 4 }
func (w *PoseEstimationWorker) ServiceName() string { return "pose-estimation" }

func (w *PoseEstimationWorker) Process(ctx context.Context, item *queue.Item) runtime.ProcessingResult {
	start := time.Now()
	if err := requireInputs(item, KeyFrontVideo, KeySideVideo); err != nil {
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
		srcKey := item.InputKeys[videoName(side)]
		in, err := ws.Fetch(ctx, srcKey, string(side)+".mp4")
		if err != nil {
			return runtime.Fail(err.Error(), logs.String(), time.Since(start))
		}
		out := ws.Path(string(side) + "_landmarks.json")
		toolLogs, err := w.estimator.EstimateLandmarks(ctx, in, out)
		logs.WriteString(toolLogs)
		if err != nil {
			return runtime.Fail(fmt.Sprintf("pose estimation failed for %s video: %v", side, err), logs.String(), time.Since(start))
		}
		lmKey := paths.LandmarksKey(item.JobID, 4, side)
		if err := ws.Store(ctx, out, lmKey); err != nil {
			return runtime.Fail(err.Error(), logs.String(), time.Since(start))
		}
		videoKey := paths.VideoKey(item.JobID, 4, side)
		if err := w.bucket.CopyObject(ctx, srcKey, videoKey); err != nil {
			return runtime.Fail(err.Error(), logs.String(), time.Since(start))
		}
		outputs[landmarksName(side)] = lmKey
		outputs[videoName(side)] = videoKey
	}
	return runtime.Succeed(outputs, logs.String(), time.Since(start))
}
