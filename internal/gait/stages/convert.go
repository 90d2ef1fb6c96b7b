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

// MediaConversionWorker (stage 1) normalizes the uploaded videos into
// the canonical format every later stage assumes. Its inputs are the
// stage_0 originals, which keep whatever extension the uploader used.
type MediaConversionWorker struct {
	log       *logger.Logger
	bucket    gcp.BucketService
	converter MediaConverter
}

func NewMediaConversionWorker(log *logger.Logger, bucket gcp.BucketService, converter MediaConverter) *MediaConversionWorker {
	return &MediaConversionWorker{
		log:       log.With("service", "MediaConversionWorker"),
		bucket:    bucket,
		converter: converter,
	}
}

func (w *MediaConversionWorker) Stage() int          { return 1 }
func (w *MediaConversionWorker) ServiceName() string { return "media-conversion" }

func (w *MediaConversionWorker) Process(ctx context.Context, item *queue.Item) runtime.ProcessingResult {
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
		in, err := ws.Fetch(ctx, srcKey, fmt.Sprintf("%s_raw%s", side, rawExt(srcKey)))
		if err != nil {
			return runtime.Fail(err.Error(), logs.String(), time.Since(start))
		}
		out := ws.Path(string(side) + ".mp4")
		toolLogs, err := w.converter.ConvertToMP4(ctx, in, out)
		logs.WriteString(toolLogs)
		if err != nil {
			return runtime.Fail(fmt.Sprintf("media conversion failed for %s video: %v", side, err), logs.String(), time.Since(start))
		}
		dstKey := paths.VideoKey(item.JobID, 1, side)
		if err := ws.Store(ctx, out, dstKey); err != nil {
			return runtime.Fail(err.Error(), logs.String(), time.Since(start))
		}
		outputs[videoName(side)] = dstKey
	}
	return runtime.Succeed(outputs, logs.String(), time.Since(start))
}

// rawExt keeps the original container extension so ffmpeg can sniff
// the input format from the filename as well as the content.
func rawExt(key string) string {
	if i := strings.LastIndex(key, "."); i >= 0 && !strings.Contains(key[i:], "/") {
		return key[i:]
	}
	return ""
}
