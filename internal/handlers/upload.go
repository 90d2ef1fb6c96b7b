package handlers

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/stridesense/gait-backend/internal/gait/jobs"
	"github.com/stridesense/gait-backend/internal/gait/paths"
	"github.com/stridesense/gait-backend/internal/gait/queue"
	"github.com/stridesense/gait-backend/internal/gait/stages"
	"github.com/stridesense/gait-backend/internal/gait/status"
	"github.com/stridesense/gait-backend/internal/middleware"
	"github.com/stridesense/gait-backend/internal/notify"
	"github.com/stridesense/gait-backend/internal/platform/envutil"
	"github.com/stridesense/gait-backend/internal/platform/gcp"
	"github.com/stridesense/gait-backend/internal/platform/logger"
)

// defaultMaxUploadBytes bounds the whole multipart body; two phone
// videos comfortably fit.
const defaultMaxUploadBytes = 500 << 20

type UploadHandler struct {
	log      *logger.Logger
	jobs     jobs.Store
	queues   queue.Store
	bucket   gcp.BucketService
	mailer   notify.Mailer
	maxBytes int64
}

func NewUploadHandler(log *logger.Logger, jobStore jobs.Store, queues queue.Store, bucket gcp.BucketService, mailer notify.Mailer) *UploadHandler {
	return &UploadHandler{
		log:      log.With("Handler", "UploadHandler"),
		jobs:     jobStore,
		queues:   queues,
		bucket:   bucket,
		mailer:   mailer,
		maxBytes: envutil.Int64("MAX_UPLOAD_BYTES", defaultMaxUploadBytes),
	}
}

type uploadForm struct {
	UID       string
	Age       int
	Sex       string
	Ethnicity string
	Height    string
	Weight    string
	Email     string
	Front     *multipart.FileHeader
	Side      *multipart.FileHeader
}

// POST /upload
func (h *UploadHandler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)

	form, err := h.parseForm(c)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_upload", err)
		return
	}
	authUID := middleware.AuthUID(c)
	if form.UID != authUID {
		RespondError(c, http.StatusForbidden, "uid_mismatch", fmt.Errorf("uid does not match the authenticated user"))
		return
	}
	ctx := c.Request.Context()

	if err := h.jobs.EnsureUser(ctx, form.UID); err != nil {
		RespondError(c, http.StatusInternalServerError, "user_init_failed", err)
		return
	}
	index, err := h.jobs.NewJob(ctx, form.UID, jobs.JobRecord{
		Age:       form.Age,
		Sex:       form.Sex,
		Ethnicity: form.Ethnicity,
		Height:    form.Height,
		Weight:    form.Weight,
		Email:     form.Email,
		Timestamp: time.Now().UTC(),
		Status:    status.Submitted(),
	})
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "job_create_failed", err)
		return
	}
	jobID := paths.JobID(form.UID, index)
	log := h.log.With("job_id", jobID)

	inputKeys, err := h.storeVideos(ctx, jobID, form)
	if err != nil {
		log.Error("Video upload failed", "error", err)
		h.failJob(ctx, form.UID, index, "Video upload failed")
		RespondError(c, http.StatusInternalServerError, "video_upload_failed", err)
		return
	}

	item := &queue.Item{
		JobID:     jobID,
		UserID:    form.UID,
		InputKeys: inputKeys,
		Metadata: queue.Metadata{
			Age:       form.Age,
			Sex:       form.Sex,
			Ethnicity: form.Ethnicity,
			Height:    form.Height,
			Weight:    form.Weight,
			Email:     form.Email,
		},
	}
	if err := h.queues.Enqueue(ctx, queue.ForStage(1), item); err != nil {
		log.Error("Enqueue failed", "error", err)
		h.failJob(ctx, form.UID, index, "Failed to start processing")
		RespondError(c, http.StatusInternalServerError, "enqueue_failed", err)
		return
	}

	if err := h.mailer.SubmissionReceived(ctx, form.Email, jobID); err != nil {
		log.Warn("Submission email failed", "error", err)
	}
	log.Info("Job submitted", "index", index)
	c.Status(http.StatusOK)
}

func (h *UploadHandler) parseForm(c *gin.Context) (*uploadForm, error) {
	uid := strings.TrimSpace(c.PostForm("uid"))
	if uid == "" {
		return nil, fmt.Errorf("missing field uid")
	}
	email := strings.TrimSpace(c.PostForm("email"))
	if email == "" {
		return nil, fmt.Errorf("missing field email")
	}
	age, err := strconv.Atoi(strings.TrimSpace(c.PostForm("age")))
	if err != nil || age < 0 {
		return nil, fmt.Errorf("invalid field age")
	}
	front, err := c.FormFile("fileuploadfront")
	if err != nil {
		return nil, fmt.Errorf("missing file fileuploadfront")
	}
	side, err := c.FormFile("fileuploadside")
	if err != nil {
		return nil, fmt.Errorf("missing file fileuploadside")
	}
	return &uploadForm{
		UID:       uid,
		Age:       age,
		Sex:       strings.TrimSpace(c.PostForm("sex")),
		Ethnicity: strings.TrimSpace(c.PostForm("ethnicity")),
		Height:    strings.TrimSpace(c.PostForm("height")),
		Weight:    strings.TrimSpace(c.PostForm("weight")),
		Email:     email,
		Front:     front,
		Side:      side,
	}, nil
}

// storeVideos pushes both originals to stage_0 in parallel and returns
// the symbolic input map for stage 1.
func (h *UploadHandler) storeVideos(ctx context.Context, jobID string, form *uploadForm) (map[string]string, error) {
	frontKey := paths.UploadKey(jobID, paths.SideFront, uploadExt(form.Front.Filename))
	sideKey := paths.UploadKey(jobID, paths.SideSide, uploadExt(form.Side.Filename))

	g, gctx := errgroup.WithContext(ctx)
	upload := func(fh *multipart.FileHeader, key string) func() error {
		return func() error {
			f, err := fh.Open()
			if err != nil {
				return fmt.Errorf("failed to open %q: %w", fh.Filename, err)
			}
			defer f.Close()
			return h.bucket.Upload(gctx, key, f)
		}
	}
	g.Go(upload(form.Front, frontKey))
	g.Go(upload(form.Side, sideKey))
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return map[string]string{
		stages.KeyFrontVideo: frontKey,
		stages.KeySideVideo:  sideKey,
	}, nil
}

func (h *UploadHandler) failJob(ctx context.Context, uid string, index int, reason string) {
	if err := h.jobs.UpdateStatus(ctx, uid, index, status.Error(reason)); err != nil {
		h.log.Warn("Failed to mark job errored", "uid", uid, "index", index, "error", err)
	}
}

func uploadExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return "mp4"
	}
	return strings.TrimPrefix(ext, ".")
}
