package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stridesense/gait-backend/internal/gait/jobs"
	"github.com/stridesense/gait-backend/internal/gait/paths"
	"github.com/stridesense/gait-backend/internal/middleware"
	"github.com/stridesense/gait-backend/internal/platform/gcp"
	"github.com/stridesense/gait-backend/internal/platform/logger"
)

const signedURLExpiry = 15 * time.Minute

type FilesHandler struct {
	log    *logger.Logger
	jobs   jobs.Store
	bucket gcp.BucketService
}

func NewFilesHandler(log *logger.Logger, jobStore jobs.Store, bucket gcp.BucketService) *FilesHandler {
	return &FilesHandler{
		log:    log.With("Handler", "FilesHandler"),
		jobs:   jobStore,
		bucket: bucket,
	}
}

type fileEntry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// GET /files/:job_id
func (h *FilesHandler) ListFiles(c *gin.Context) {
	jobID := c.Param("job_id")
	owner, _, err := paths.ParseJobID(jobID)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	uid := middleware.AuthUID(c)
	ctx := c.Request.Context()

	if uid != owner {
		caller, err := h.jobs.GetUser(ctx, uid)
		if err != nil || !caller.Administrator {
			RespondError(c, http.StatusForbidden, "forbidden", fmt.Errorf("job %s does not belong to the caller", jobID))
			return
		}
	}

	keys, err := h.bucket.ListKeys(ctx, paths.JobPrefix(jobID))
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "list_failed", err)
		return
	}
	sort.Strings(keys)

	byStage := map[string][]fileEntry{}
	for _, key := range keys {
		stage, err := paths.StageOfKey(key)
		if err != nil {
			continue
		}
		url, err := h.bucket.SignedURL(key, signedURLExpiry)
		if err != nil {
			h.log.Warn("Failed to sign URL", "key", key, "error", err)
			continue
		}
		name := key[strings.LastIndex(key, "/")+1:]
		group := fmt.Sprintf("stage_%d", stage)
		byStage[group] = append(byStage[group], fileEntry{Name: name, URL: url})
	}
	RespondOK(c, gin.H{"stages": byStage})
}
