package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stridesense/gait-backend/internal/gait/jobs"
	"github.com/stridesense/gait-backend/internal/gait/paths"
	"github.com/stridesense/gait-backend/internal/gait/queue"
	"github.com/stridesense/gait-backend/internal/gait/stages"
	"github.com/stridesense/gait-backend/internal/gait/status"
	"github.com/stridesense/gait-backend/internal/middleware"
	"github.com/stridesense/gait-backend/internal/platform/gcp"
	"github.com/stridesense/gait-backend/internal/platform/logger"
)

type RerunHandler struct {
	log    *logger.Logger
	jobs   jobs.Store
	queues queue.Store
	bucket gcp.BucketService
}

func NewRerunHandler(log *logger.Logger, jobStore jobs.Store, queues queue.Store, bucket gcp.BucketService) *RerunHandler {
	return &RerunHandler{
		log:    log.With("Handler", "RerunHandler"),
		jobs:   jobStore,
		queues: queues,
		bucket: bucket,
	}
}

type rerunRequest struct {
	JobIndex int `json:"job_index"`
	Stage    int `json:"stage"`
}

type rerunResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	ObjectsDeleted int    `json:"objects_deleted"`
}

// POST /rerun
//
// Restarting from stage s wipes every artifact stage s and later
// produced, then re-enqueues the job with the inputs stage s declares
// (which live under stage s-1 and survive the wipe).
func (h *RerunHandler) Rerun(c *gin.Context) {
	var req rerunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.Stage < 1 || req.Stage > status.NumStages {
		RespondError(c, http.StatusBadRequest, "invalid_stage", fmt.Errorf("stage must be between 1 and %d", status.NumStages))
		return
	}
	uid := middleware.AuthUID(c)
	ctx := c.Request.Context()

	job, err := h.jobs.GetJob(ctx, uid, req.JobIndex)
	if err != nil {
		if errors.Is(err, jobs.ErrUserNotFound) || errors.Is(err, jobs.ErrJobNotFound) {
			RespondError(c, http.StatusNotFound, "job_not_found", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "job_lookup_failed", err)
		return
	}
	jobID := paths.JobID(uid, req.JobIndex)
	log := h.log.With("job_id", jobID, "stage", req.Stage)

	deleted := 0
	for s := req.Stage; s <= status.NumStages; s++ {
		n, err := h.bucket.DeletePrefix(ctx, paths.StagePrefix(jobID, s))
		if err != nil {
			RespondError(c, http.StatusInternalServerError, "cleanup_failed", err)
			return
		}
		deleted += n
	}

	if err := h.enqueueRerun(ctx, jobID, uid, job, req.Stage); err != nil {
		log.Error("Rerun enqueue failed", "error", err)
		RespondError(c, http.StatusInternalServerError, "enqueue_failed", err)
		return
	}
	if err := h.jobs.UpdateStatus(ctx, uid, req.JobIndex, status.Processing(req.Stage)); err != nil {
		log.Warn("Failed to set processing status", "error", err)
	}

	log.Info("Rerun enqueued", "objects_deleted", deleted)
	RespondOK(c, rerunResponse{
		Success:        true,
		Message:        fmt.Sprintf("Job %s re-enqueued at stage %d", jobID, req.Stage),
		ObjectsDeleted: deleted,
	})
}

func (h *RerunHandler) enqueueRerun(ctx context.Context, jobID, uid string, job *jobs.JobRecord, stage int) error {
	meta := queue.Metadata{
		Age:       job.Age,
		Sex:       job.Sex,
		Ethnicity: job.Ethnicity,
		Height:    job.Height,
		Weight:    job.Weight,
		Email:     job.Email,
	}
	base := queue.Item{
		JobID:            jobID,
		UserID:           uid,
		Metadata:         meta,
		RequiresApproval: job.RequiresApproval,
	}

	if stage == status.NumStages {
		fin := &queue.FinalizeItem{Item: base, Success: true}
		fin.InputKeys = map[string]string{stages.KeyPrediction: paths.PredictionKey(jobID)}
		return h.queues.EnqueueFinalize(ctx, fin)
	}

	inputs, err := h.rerunInputs(ctx, jobID, stage)
	if err != nil {
		return err
	}
	base.InputKeys = inputs
	return h.queues.Enqueue(ctx, queue.ForStage(stage), &base)
}

// rerunInputs rebuilds the symbolic input map for stage from the keys
// the previous stage left behind.
func (h *RerunHandler) rerunInputs(ctx context.Context, jobID string, stage int) (map[string]string, error) {
	switch stage {
	case 1:
		return h.originalUploads(ctx, jobID)
	case 2, 3, 4:
		return map[string]string{
			stages.KeyFrontVideo: paths.VideoKey(jobID, stage-1, paths.SideFront),
			stages.KeySideVideo:  paths.VideoKey(jobID, stage-1, paths.SideSide),
		}, nil
	case 5:
		return map[string]string{
			stages.KeyFrontLandmarks: paths.LandmarksKey(jobID, 4, paths.SideFront),
			stages.KeySideLandmarks:  paths.LandmarksKey(jobID, 4, paths.SideSide),
			stages.KeyFrontVideo:     paths.VideoKey(jobID, 4, paths.SideFront),
			stages.KeySideVideo:      paths.VideoKey(jobID, 4, paths.SideSide),
		}, nil
	case 6:
		return map[string]string{
			stages.KeyFrontGaitAnalysis: paths.GaitAnalysisKey(jobID, 5, paths.SideFront),
			stages.KeySideGaitAnalysis:  paths.GaitAnalysisKey(jobID, 5, paths.SideSide),
		}, nil
	}
	return nil, fmt.Errorf("no input mapping for stage %d", stage)
}

// originalUploads finds the stage_0 videos, which keep whatever file
// extension the uploader used.
func (h *RerunHandler) originalUploads(ctx context.Context, jobID string) (map[string]string, error) {
	keys, err := h.bucket.ListKeys(ctx, paths.StagePrefix(jobID, 0))
	if err != nil {
		return nil, err
	}
	inputs := map[string]string{}
	for _, k := range keys {
		name := k[strings.LastIndex(k, "/")+1:]
		switch {
		case strings.HasPrefix(name, string(paths.SideFront)):
			inputs[stages.KeyFrontVideo] = k
		case strings.HasPrefix(name, string(paths.SideSide)):
			inputs[stages.KeySideVideo] = k
		}
	}
	if inputs[stages.KeyFrontVideo] == "" || inputs[stages.KeySideVideo] == "" {
		return nil, fmt.Errorf("original uploads for %s are incomplete", jobID)
	}
	return inputs, nil
}
