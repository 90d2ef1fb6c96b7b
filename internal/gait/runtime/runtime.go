// Package runtime is the loop every stage worker runs: claim an item,
// mark the job processing, keep the claim alive with heartbeats, hand
// the item to the stage's process implementation, then dispatch the
// result to the next queue and remove the current entry.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stridesense/gait-backend/internal/gait/jobs"
	"github.com/stridesense/gait-backend/internal/gait/paths"
	"github.com/stridesense/gait-backend/internal/gait/queue"
	"github.com/stridesense/gait-backend/internal/gait/status"
	"github.com/stridesense/gait-backend/internal/platform/logger"
)

// ProcessingResult is what a stage reports back. On success OutputKeys
// maps the symbolic names the next stage expects to the storage keys
// this stage produced.
type ProcessingResult struct {
	Success    bool
	OutputKeys map[string]string
	Error      string
	Logs       string
	Duration   time.Duration
}

func Succeed(outputKeys map[string]string, logs string, d time.Duration) ProcessingResult {
	return ProcessingResult{Success: true, OutputKeys: outputKeys, Logs: logs, Duration: d}
}

func Fail(errMsg, logs string, d time.Duration) ProcessingResult {
	return ProcessingResult{Success: false, Error: errMsg, Logs: logs, Duration: d}
}

// StageWorker is the per-stage capability the runtime drives. Process
// must honor ctx cancellation: the runtime cancels it when the claim
// is lost or shutdown is requested.
type StageWorker interface {
	Stage() int
	ServiceName() string
	Process(ctx context.Context, item *queue.Item) ProcessingResult
}

type Runner struct {
	log      *logger.Logger
	queues   queue.Store
	jobs     jobs.Store
	worker   StageWorker
	workerID string

	pollBackoff    time.Duration
	errBackoff     time.Duration
	heartbeatEvery time.Duration
}

func NewRunner(log *logger.Logger, queues queue.Store, jobStore jobs.Store, worker StageWorker) *Runner {
	workerID := fmt.Sprintf("%s-%s", worker.ServiceName(), uuid.NewString()[:8])
	return &Runner{
		log:            log.With("component", "StageRunner", "stage", worker.Stage(), "worker_id", workerID),
		queues:         queues,
		jobs:           jobStore,
		worker:         worker,
		workerID:       workerID,
		pollBackoff:    5 * time.Second,
		errBackoff:     10 * time.Second,
		heartbeatEvery: queue.HeartbeatInterval,
	}
}

// Run polls until ctx is canceled. Backoff sleeps are cancellable so
// shutdown takes seconds, not a full poll interval.
func (r *Runner) Run(ctx context.Context) {
	q := queue.ForStage(r.worker.Stage())
	r.log.Info("Stage worker started", "queue", string(q))

	for {
		if ctx.Err() != nil {
			r.log.Info("Stage worker stopped")
			return
		}
		res := r.queues.Claim(ctx, q, r.workerID)
		switch res.State {
		case queue.StateClaimed:
			r.handle(ctx, q, res)
		case queue.StateQueueEmpty, queue.StateAllClaimed:
			sleep(ctx, r.pollBackoff)
		case queue.StateError:
			r.log.Warn("Claim failed", "error", res.Err)
			sleep(ctx, r.errBackoff)
		}
	}
}

func (r *Runner) handle(ctx context.Context, q queue.Queue, res queue.ClaimResult) {
	item, err := res.Item()
	if err != nil {
		// A queue entry we cannot even decode will never process;
		// drop it rather than wedging the queue.
		r.log.Error("Dropping undecodable queue entry", "error", err)
		if jobID := jobIDFromRaw(res); jobID != "" {
			_ = r.queues.Complete(context.WithoutCancel(ctx), q, jobID)
		}
		return
	}

	stage := r.worker.Stage()
	log := r.log.With("job_id", item.JobID)
	log.Info("Claimed job", "attempts", item.Attempts)

	uid, index, parseErr := paths.ParseJobID(item.JobID)
	if parseErr != nil {
		log.Error("Unparsable job id on queue item", "error", parseErr)
	} else if err := r.jobs.UpdateStatus(ctx, uid, index, status.Processing(stage)); err != nil {
		// The queue is the source of truth; a failed status write must
		// not stop the stage.
		log.Warn("Failed to set processing status", "error", err)
	}

	procCtx, cancelProc := context.WithCancel(ctx)
	defer cancelProc()

	var claimLost atomic.Bool
	hbDone := make(chan struct{})
	go r.heartbeatLoop(procCtx, q, item.JobID, &claimLost, cancelProc, hbDone)

	result := r.worker.Process(procCtx, item)
	cancelProc()
	<-hbDone

	if claimLost.Load() {
		// Someone else holds the item now; it will produce the outputs.
		log.Warn("Claim lost mid-processing, discarding results")
		return
	}
	if !result.Success && ctx.Err() != nil {
		// Shutdown raced the stage; leave the item claimed so a
		// stale-claim takeover redoes it cleanly.
		log.Info("Shutdown during processing, abandoning item")
		return
	}

	// Dispatch must finish even when shutdown fires right after the
	// stage completed its work.
	dctx := context.WithoutCancel(ctx)

	if parseErr == nil {
		if err := r.jobs.AppendStageLog(dctx, uid, index, stage, result.Logs); err != nil {
			log.Warn("Failed to upload stage logs", "error", err)
		}
	}

	if err := r.dispatch(dctx, item, result); err != nil {
		log.Error("Dispatch failed, releasing item for retry", "error", err)
		if relErr := r.queues.Release(dctx, q, item.JobID, r.workerID); relErr != nil {
			log.Warn("Release failed", "error", relErr)
		}
		return
	}
	if err := r.queues.Complete(dctx, q, item.JobID); err != nil {
		log.Warn("Failed to remove completed queue entry", "error", err)
	}
	log.Info("Stage done",
		"success", result.Success,
		"duration", result.Duration.String(),
	)
}

// dispatch enqueues the follow-on work item: the next stage on
// success (finalize after the prediction stage), the finalize queue
// with failure context otherwise.
func (r *Runner) dispatch(ctx context.Context, item *queue.Item, result ProcessingResult) error {
	stage := r.worker.Stage()
	if !result.Success {
		fin := &queue.FinalizeItem{
			Item:          *BuildNextItem(item, item.InputKeys),
			Success:       false,
			Error:         result.Error,
			ErrorLogs:     result.Logs,
			FailedAtStage: stage,
		}
		return r.queues.EnqueueFinalize(ctx, fin)
	}
	if stage < 6 {
		return r.queues.Enqueue(ctx, queue.ForStage(stage+1), BuildNextItem(item, result.OutputKeys))
	}
	fin := &queue.FinalizeItem{
		Item:    *BuildNextItem(item, result.OutputKeys),
		Success: true,
	}
	return r.queues.EnqueueFinalize(ctx, fin)
}

func (r *Runner) heartbeatLoop(ctx context.Context, q queue.Queue, jobID string, claimLost *atomic.Bool, cancelProc context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.queues.Heartbeat(ctx, q, jobID, r.workerID)
			if errors.Is(err, queue.ErrClaimLost) {
				claimLost.Store(true)
				cancelProc()
				return
			}
			if err != nil && ctx.Err() == nil {
				r.log.Warn("Heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// BuildNextItem chains stages without central knowledge: identity and
// metadata carry over, the next stage's inputs are exactly the keys
// handed in, and the claim/attempt state starts fresh.
func BuildNextItem(cur *queue.Item, inputKeys map[string]string) *queue.Item {
	inputs := make(map[string]string, len(inputKeys))
	for k, v := range inputKeys {
		inputs[k] = v
	}
	return &queue.Item{
		JobID:            cur.JobID,
		UserID:           cur.UserID,
		InputKeys:        inputs,
		Metadata:         cur.Metadata,
		RequiresApproval: cur.RequiresApproval,
	}
}

func jobIDFromRaw(res queue.ClaimResult) string {
	var probe struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(res.Raw, &probe); err != nil {
		return ""
	}
	return probe.JobID
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
