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

// ValidityCheckWorker (stage 2) verifies that a walking person is
// visible in both videos before the expensive stages run. The videos
// themselves pass through unchanged into the stage_2 prefix.
type ValidityCheckWorker struct {
	log      *logger.Logger
	bucket   gcp.BucketService
	detector PersonDetector
}

func NewValidityCheckWorker(log *logger.Logger, bucket gcp.BucketService, detector PersonDetector) *ValidityCheckWorker {
	return &ValidityCheckWorker{
		log:      log.With("service", "ValidityCheckWorker"),
		bucket:   bucket,
		detector: detector,
	}
}

func (w *ValidityCheckWorker) Stage() int          { return 2 }
func (w *ValidityCheckWorker) ServiceName() string { return "validity-check" }

func (w *ValidityCheckWorker) Process(ctx context.Context, item *queue.Item) runtime.ProcessingResult {
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
		local, err := ws.Fetch(ctx, srcKey, string(side)+".mp4")
		if err != nil {
			return runtime.Fail(err.Error(), logs.String(), time.Since(start))
		}
		found, toolLogs, err := w.detector.DetectPerson(ctx, local)
		logs.WriteString(toolLogs)
		if err != nil {
			return runtime.Fail(fmt.Sprintf("person detection failed for %s video: %v", side, err), logs.String(), time.Since(start))
		}
		if !found {
			return runtime.Fail(fmt.Sprintf("No person detected in %s video", side), logs.String(), time.Since(start))
		}
		dstKey := paths.VideoKey(item.JobID, 2, side)
		if err := w.bucket.CopyObject(ctx, srcKey, dstKey); err != nil {
			return runtime.Fail(err.Error(), logs.String(), time.Since(start))
		}
		outputs[videoName(side)] = dstKey
	}
	return runtime.Succeed(outputs, logs.String(), time.Since(start))
}
