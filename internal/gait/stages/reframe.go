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

// ReframingWorker (stage 3) crops and stabilizes each video around the
// walking subject so pose estimation sees a consistent framing.
type ReframingWorker struct {
	log      *logger.Logger
	bucket   gcp.BucketService
	reframer Reframer
}

func NewReframingWorker(log *logger.Logger, bucket gcp.BucketService, reframer Reframer) *ReframingWorker {
	return &ReframingWorker{
		log:      log.With("service", "ReframingWorker"),
		bucket:   bucket,
		reframer: reframer,
	}
}

func (w *ReframingWorker) Stage() int          { return 3 }
func (w *ReframingWorker) ServiceName() string { return "reframing" }

func (w *ReframingWorker) Process(ctx context.Context, item *queue.Item) runtime.ProcessingResult {
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
		in, err := ws.Fetch(ctx, item.InputKeys[videoName(side)], string(side)+".mp4")
		if err != nil {
			return runtime.Fail(err.Error(), logs.String(), time.Since(start))
		}
		out := ws.Path(string(side) + "_reframed.mp4")
		toolLogs, err := w.reframer.Reframe(ctx, in, out)
		logs.WriteString(toolLogs)
		if err != nil {
			return runtime.Fail(fmt.Sprintf("reframing failed for %s video: %v", side, err), logs.String(), time.Since(start))
		}
		dstKey := paths.VideoKey(item.JobID, 3, side)
		if err := ws.Store(ctx, out, dstKey); err != nil {
			return runtime.Fail(err.Error(), logs.String(), time.Since(start))
		}
		outputs[videoName(side)] = dstKey
	}
	return runtime.Succeed(outputs, logs.String(), time.Since(start))
}
