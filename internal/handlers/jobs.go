package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stridesense/gait-backend/internal/gait/jobs"
	"github.com/stridesense/gait-backend/internal/middleware"
	"github.com/stridesense/gait-backend/internal/platform/logger"
)

type JobsHandler struct {
	log  *logger.Logger
	jobs jobs.Store
}

func NewJobsHandler(log *logger.Logger, jobStore jobs.Store) *JobsHandler {
	return &JobsHandler{
		log:  log.With("Handler", "JobsHandler"),
		jobs: jobStore,
	}
}

// GET /jobs
func (h *JobsHandler) GetJobs(c *gin.Context) {
	uid := middleware.AuthUID(c)
	list, err := h.jobs.GetAllJobs(c.Request.Context(), uid)
	if err != nil {
		if errors.Is(err, jobs.ErrUserNotFound) {
			RespondOK(c, gin.H{"jobs": []jobs.JobRecord{}})
			return
		}
		RespondError(c, http.StatusInternalServerError, "jobs_lookup_failed", err)
		return
	}
	if list == nil {
		list = []jobs.JobRecord{}
	}
	RespondOK(c, gin.H{"jobs": list})
}
