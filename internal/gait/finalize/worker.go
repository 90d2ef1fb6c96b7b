// Package finalize is the terminal pipeline stage. It consumes the
// finalize queue, turns the prediction artifact (or the failure
// context carried on the queue item) into the job's terminal status,
// and notifies the user. The queue entry is removed no matter which
// way the pipeline went.
package finalize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stridesense/gait-backend/internal/gait/jobs"
	"github.com/stridesense/gait-backend/internal/gait/paths"
	"github.com/stridesense/gait-backend/internal/gait/queue"
	"github.com/stridesense/gait-backend/internal/gait/status"
	"github.com/stridesense/gait-backend/internal/notify"
	"github.com/stridesense/gait-backend/internal/platform/gcp"
	"github.com/stridesense/gait-backend/internal/platform/logger"
)

const unknownErrorMsg = "Unknown error — no prediction.json found"

type Worker struct {
	log      *logger.Logger
	queues   queue.Store
	jobs     jobs.Store
	bucket   gcp.BucketService
	mailer   notify.Mailer
	workerID string

	pollBackoff time.Duration
	errBackoff  time.Duration
}

func NewWorker(log *logger.Logger, queues queue.Store, jobStore jobs.Store, bucket gcp.BucketService, mailer notify.Mailer) *Worker {
	workerID := fmt.Sprintf("finalize-%s", uuid.NewString()[:8])
	return &Worker{
		log:         log.With("component", "FinalizeWorker", "worker_id", workerID),
		queues:      queues,
		jobs:        jobStore,
		bucket:      bucket,
		mailer:      mailer,
		workerID:    workerID,
		pollBackoff: 5 * time.Second,
		errBackoff:  10 * time.Second,
	}
}

func (w *Worker) Run(ctx context.Context) {
	w.log.Info("Finalize worker started")
	for {
		if ctx.Err() != nil {
			w.log.Info("Finalize worker stopped")
			return
		}
		res := w.queues.Claim(ctx, queue.Finalize, w.workerID)
		switch res.State {
		case queue.StateClaimed:
			w.handle(context.WithoutCancel(ctx), res)
		case queue.StateQueueEmpty, queue.StateAllClaimed:
			sleep(ctx, w.pollBackoff)
		case queue.StateError:
			w.log.Warn("Claim failed", "error", res.Err)
			sleep(ctx, w.errBackoff)
		}
	}
}

func (w *Worker) handle(ctx context.Context, res queue.ClaimResult) {
	item, err := res.FinalizeItem()
	if err != nil {
		w.log.Error("Dropping undecodable finalize entry", "error", err)
		return
	}
	log := w.log.With("job_id", item.JobID)

	uid, index, parseErr := paths.ParseJobID(item.JobID)
	if parseErr != nil {
		log.Error("Unparsable job id on finalize item", "error", parseErr)
		_ = w.queues.Complete(ctx, queue.Finalize, item.JobID)
		return
	}

	if err := w.jobs.UpdateStatus(ctx, uid, index, status.Processing(7)); err != nil {
		log.Warn("Failed to set finalize status", "error", err)
	}

	score, ok, hint := w.readPrediction(ctx, item)
	if ok {
		asd := score >= 0.5
		if err := w.jobs.UpdateStatus(ctx, uid, index, status.Complete(score, asd)); err != nil {
			log.Error("Failed to persist Complete status", "error", err)
		}
		if err := w.mailer.AnalysisComplete(ctx, item.Metadata.Email, item.JobID, score, asd); err != nil {
			log.Warn("Success email failed", "error", err)
		}
		log.Info("Job complete", "prediction", score, "asd", asd)
	} else {
		reason := firstNonEmpty(item.Error, item.ErrorLogs, hint, unknownErrorMsg)
		if err := w.jobs.UpdateStatus(ctx, uid, index, status.Error(reason)); err != nil {
			log.Error("Failed to persist Error status", "error", err)
		}
		w.sendFailureEmail(ctx, item, reason, log)
		log.Info("Job failed", "failed_at_stage", item.FailedAtStage, "reason", reason)
	}

	if err := w.queues.Complete(ctx, queue.Finalize, item.JobID); err != nil {
		log.Warn("Failed to remove finalize entry", "error", err)
	}
}

// The validity-check failure gets its own template with recording
// guidelines; everything else uses the generic failure email.
func (w *Worker) sendFailureEmail(ctx context.Context, item *queue.FinalizeItem, reason string, log *logger.Logger) {
	var err error
	if item.FailedAtStage == 2 && strings.Contains(strings.ToLower(reason), "person") {
		err = w.mailer.PersonNotDetected(ctx, item.Metadata.Email, item.JobID)
	} else {
		err = w.mailer.AnalysisFailed(ctx, item.Metadata.Email, item.JobID, item.FailedAtStage, reason)
	}
	if err != nil {
		log.Warn("Failure email failed", "error", err)
	}
}

type predictionFile struct {
	Status        string    `json:"status"`
	Class         *int      `json:"class"`
	Probabilities []float64 `json:"probabilities"`
	Message       string    `json:"message"`
	ErrorType     string    `json:"error_type"`
	ErrorMessage  string    `json:"error_message"`
}

// readPrediction resolves the job's score from prediction.json: the
// mean of the probabilities when present, else the bare class label.
// Absent both, or a non-success status, the artifact cannot decide the
// job and the failure context on the queue item wins; hint carries any
// error message the artifact itself reported.
func (w *Worker) readPrediction(ctx context.Context, item *queue.FinalizeItem) (score float64, ok bool, hint string) {
	key := item.InputKeys["prediction"]
	if key == "" {
		key = paths.PredictionKey(item.JobID)
	}
	raw, err := w.bucket.ReadObject(ctx, key)
	if err != nil {
		return 0, false, ""
	}
	var pred predictionFile
	if err := json.Unmarshal(raw, &pred); err != nil {
		return 0, false, fmt.Sprintf("malformed prediction artifact: %v", err)
	}
	if pred.Status != "success" {
		return 0, false, firstNonEmpty(pred.ErrorMessage, pred.ErrorType)
	}
	if len(pred.Probabilities) > 0 {
		sum := 0.0
		for _, p := range pred.Probabilities {
			sum += p
		}
		return sum / float64(len(pred.Probabilities)), true, ""
	}
	if pred.Class != nil {
		return float64(*pred.Class), true, ""
	}
	return 0, false, "prediction artifact has neither probabilities nor class"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
