package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/stridesense/gait-backend/internal/gait/jobs"
	"github.com/stridesense/gait-backend/internal/gait/queue"
	"github.com/stridesense/gait-backend/internal/gait/stages"
	"github.com/stridesense/gait-backend/internal/gait/status"
	"github.com/stridesense/gait-backend/internal/handlers"
	"github.com/stridesense/gait-backend/internal/middleware"
	"github.com/stridesense/gait-backend/internal/notify"
	"github.com/stridesense/gait-backend/internal/platform/logger"
	"github.com/stridesense/gait-backend/internal/server"
)

const testSecret = "test-secret"

type fakeJobs struct {
	mu    sync.Mutex
	users map[string]*jobs.UserRecord
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{users: map[string]*jobs.UserRecord{}}
}

func (f *fakeJobs) EnsureUser(_ context.Context, uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[uid]; !ok {
		f.users[uid] = &jobs.UserRecord{UID: uid}
	}
	return nil
}

func (f *fakeJobs) GetUser(_ context.Context, uid string) (*jobs.UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[uid]
	if !ok {
		return nil, jobs.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeJobs) CountJobs(_ context.Context, uid string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[uid]; ok {
		return len(u.Jobs), nil
	}
	return 0, nil
}

func (f *fakeJobs) NewJob(_ context.Context, uid string, job jobs.JobRecord) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[uid]
	if !ok {
		return 0, jobs.ErrUserNotFound
	}
	u.Jobs = append(u.Jobs, job)
	return len(u.Jobs) - 1, nil
}

func (f *fakeJobs) UpdateStatus(_ context.Context, uid string, index int, st status.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[uid]
	if !ok || index < 0 || index >= len(u.Jobs) {
		return jobs.ErrJobNotFound
	}
	u.Jobs[index].Status = st
	return nil
}

func (f *fakeJobs) GetJob(_ context.Context, uid string, index int) (*jobs.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[uid]
	if !ok {
		return nil, jobs.ErrUserNotFound
	}
	if index < 0 || index >= len(u.Jobs) {
		return nil, jobs.ErrJobNotFound
	}
	cp := u.Jobs[index]
	return &cp, nil
}

func (f *fakeJobs) GetAllJobs(_ context.Context, uid string) ([]jobs.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[uid]
	if !ok {
		return nil, jobs.ErrUserNotFound
	}
	return append([]jobs.JobRecord(nil), u.Jobs...), nil
}

func (f *fakeJobs) AppendStageLog(context.Context, string, int, int, string) error { return nil }

type fakeQueues struct {
	mu        sync.Mutex
	enqueued  map[queue.Queue][]*queue.Item
	finalized []*queue.FinalizeItem
}

func (f *fakeQueues) Enqueue(_ context.Context, q queue.Queue, item *queue.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueued == nil {
		f.enqueued = map[queue.Queue][]*queue.Item{}
	}
	f.enqueued[q] = append(f.enqueued[q], item)
	return nil
}

func (f *fakeQueues) EnqueueFinalize(_ context.Context, item *queue.FinalizeItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, item)
	return nil
}

func (f *fakeQueues) Claim(context.Context, queue.Queue, string) queue.ClaimResult {
	return queue.ClaimResult{State: queue.StateQueueEmpty}
}
func (f *fakeQueues) Heartbeat(context.Context, queue.Queue, string, string) error { return nil }
func (f *fakeQueues) Complete(context.Context, queue.Queue, string) error          { return nil }
func (f *fakeQueues) Release(context.Context, queue.Queue, string, string) error   { return nil }

type memBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBucket(objects map[string][]byte) *memBucket {
	if objects == nil {
		objects = map[string][]byte{}
	}
	return &memBucket{objects: objects}
}

func (b *memBucket) Upload(_ context.Context, key string, file io.Reader) error {
	raw, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = raw
	return nil
}

func (b *memBucket) Download(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %q not found", key)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b *memBucket) ReadObject(ctx context.Context, key string) ([]byte, error) {
	r, err := b.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (b *memBucket) CopyObject(_ context.Context, srcKey, dstKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.objects[srcKey]
	if !ok {
		return fmt.Errorf("object %q not found", srcKey)
	}
	b.objects[dstKey] = raw
	return nil
}

func (b *memBucket) ListKeys(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []string{}
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (b *memBucket) DeletePrefix(_ context.Context, prefix string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			delete(b.objects, k)
			n++
		}
	}
	return n, nil
}

func (b *memBucket) SignedURL(key string, _ time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

type fakeMailer struct {
	mu          sync.Mutex
	submissions []string
}

func (f *fakeMailer) SubmissionReceived(_ context.Context, to, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, to)
	return nil
}
func (f *fakeMailer) AnalysisComplete(context.Context, string, string, float64, bool) error {
	return nil
}
func (f *fakeMailer) AnalysisFailed(context.Context, string, string, int, string) error { return nil }
func (f *fakeMailer) PersonNotDetected(context.Context, string, string) error           { return nil }

type testEnv struct {
	router *gin.Engine
	jobs   *fakeJobs
	queues *fakeQueues
	bucket *memBucket
	mailer *fakeMailer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("JWT_SECRET_KEY", testSecret)
	gin.SetMode(gin.TestMode)

	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	env := &testEnv{
		jobs:   newFakeJobs(),
		queues: &fakeQueues{},
		bucket: newMemBucket(nil),
		mailer: &fakeMailer{},
	}
	authMiddleware, err := middleware.NewAuthMiddleware(log)
	if err != nil {
		t.Fatalf("auth middleware: %v", err)
	}
	var mailer notify.Mailer = env.mailer
	env.router = server.NewRouter(server.RouterConfig{
		AuthMiddleware: authMiddleware,
		UploadHandler:  handlers.NewUploadHandler(log, env.jobs, env.queues, env.bucket, mailer),
		RerunHandler:   handlers.NewRerunHandler(log, env.jobs, env.queues, env.bucket),
		FilesHandler:   handlers.NewFilesHandler(log, env.jobs, env.bucket),
		JobsHandler:    handlers.NewJobsHandler(log, env.jobs),
	})
	return env
}

func bearer(t *testing.T, uid string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"uid": uid}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + token
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, uid string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{
		"uid": uid, "age": "7", "sex": "M", "ethnicity": "other",
		"height": "120", "weight": "25", "email": "parent@example.com",
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for field, name := range map[string]string{
		"fileuploadfront": "front.mov",
		"fileuploadside":  "side.mp4",
	} {
		fw, err := mw.CreateFormFile(field, name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write([]byte(name + "-bytes")); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadCreatesJobAndEnqueuesStageOne(t *testing.T) {
	env := newTestEnv(t)
	req := uploadRequest(t, "u1")
	req.Header.Set("Authorization", bearer(t, "u1"))

	w := env.do(t, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if string(env.bucket.objects["jobs/u1_0/stage_0/front.mov"]) != "front.mov-bytes" {
		t.Errorf("front video not stored: %v", keysOf(env.bucket.objects))
	}
	items := env.queues.enqueued[queue.ForStage(1)]
	if len(items) != 1 {
		t.Fatalf("stage_1 enqueues = %d", len(items))
	}
	item := items[0]
	if item.JobID != "u1_0" || item.UserID != "u1" {
		t.Errorf("item = %+v", item)
	}
	if item.InputKeys[stages.KeyFrontVideo] != "jobs/u1_0/stage_0/front.mov" {
		t.Errorf("inputs = %v", item.InputKeys)
	}
	if item.Metadata.Email != "parent@example.com" || item.Metadata.Age != 7 {
		t.Errorf("metadata = %+v", item.Metadata)
	}
	job, err := env.jobs.GetJob(context.Background(), "u1", 0)
	if err != nil || job.Status.Code != status.CodeSubmitted {
		t.Errorf("job = %+v err = %v", job, err)
	}
	if len(env.mailer.submissions) != 1 || env.mailer.submissions[0] != "parent@example.com" {
		t.Errorf("submission emails = %v", env.mailer.submissions)
	}
}

func TestUploadRejectsMismatchedUID(t *testing.T) {
	env := newTestEnv(t)
	req := uploadRequest(t, "someone-else")
	req.Header.Set("Authorization", bearer(t, "u1"))

	if w := env.do(t, req); w.Code != http.StatusForbidden {
		t.Errorf("status = %d", w.Code)
	}
}

func TestUploadRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, uploadRequest(t, "u1")); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}
}

func TestUploadRejectsMissingVideo(t *testing.T) {
	env := newTestEnv(t)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("uid", "u1")
	_ = mw.WriteField("age", "7")
	_ = mw.WriteField("email", "parent@example.com")
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", bearer(t, "u1"))

	if w := env.do(t, req); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func seedJob(t *testing.T, env *testEnv, uid string) {
	t.Helper()
	ctx := context.Background()
	if err := env.jobs.EnsureUser(ctx, uid); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if _, err := env.jobs.NewJob(ctx, uid, jobs.JobRecord{
		Age: 7, Sex: "M", Email: "parent@example.com", Status: status.Submitted(),
	}); err != nil {
		t.Fatalf("new job: %v", err)
	}
}

func rerunBody(t *testing.T, jobIndex, stage int) *bytes.Buffer {
	t.Helper()
	raw, err := json.Marshal(map[string]int{"job_index": jobIndex, "stage": stage})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewBuffer(raw)
}

func TestRerunWipesLaterStagesAndReenqueues(t *testing.T) {
	env := newTestEnv(t)
	seedJob(t, env, "u1")
	for _, k := range []string{
		"jobs/u1_0/stage_0/front.mov",
		"jobs/u1_0/stage_1/front.mp4",
		"jobs/u1_0/stage_2/front.mp4",
		"jobs/u1_0/stage_3/front.mp4",
		"jobs/u1_0/stage_4/front_landmarks.json",
		"jobs/u1_0/stage_6/prediction.json",
	} {
		env.bucket.objects[k] = []byte("x")
	}

	req := httptest.NewRequest(http.MethodPost, "/rerun", rerunBody(t, 0, 3))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearer(t, "u1"))
	w := env.do(t, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Success        bool   `json:"success"`
		Message        string `json:"message"`
		ObjectsDeleted int    `json:"objects_deleted"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.ObjectsDeleted != 3 {
		t.Errorf("resp = %+v", resp)
	}
	if _, ok := env.bucket.objects["jobs/u1_0/stage_2/front.mp4"]; !ok {
		t.Errorf("stage_2 input wiped")
	}
	items := env.queues.enqueued[queue.ForStage(3)]
	if len(items) != 1 {
		t.Fatalf("stage_3 enqueues = %d", len(items))
	}
	if items[0].InputKeys[stages.KeyFrontVideo] != "jobs/u1_0/stage_2/front.mp4" {
		t.Errorf("inputs = %v", items[0].InputKeys)
	}
	job, _ := env.jobs.GetJob(context.Background(), "u1", 0)
	if !job.Status.IsProcessing() || job.Status.Stage != 3 {
		t.Errorf("status = %+v", job.Status)
	}
}

func TestRerunFinalizeStageEnqueuesFinalize(t *testing.T) {
	env := newTestEnv(t)
	seedJob(t, env, "u1")

	req := httptest.NewRequest(http.MethodPost, "/rerun", rerunBody(t, 0, 7))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearer(t, "u1"))
	if w := env.do(t, req); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(env.queues.finalized) != 1 {
		t.Fatalf("finalize enqueues = %d", len(env.queues.finalized))
	}
	fin := env.queues.finalized[0]
	if !fin.Success || fin.InputKeys[stages.KeyPrediction] != "jobs/u1_0/stage_6/prediction.json" {
		t.Errorf("finalize item = %+v", fin)
	}
}

func TestRerunRejectsInvalidStage(t *testing.T) {
	env := newTestEnv(t)
	seedJob(t, env, "u1")
	req := httptest.NewRequest(http.MethodPost, "/rerun", rerunBody(t, 0, 8))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearer(t, "u1"))
	if w := env.do(t, req); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestRerunUnknownJobIs404(t *testing.T) {
	env := newTestEnv(t)
	seedJob(t, env, "u1")
	req := httptest.NewRequest(http.MethodPost, "/rerun", rerunBody(t, 5, 2))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearer(t, "u1"))
	if w := env.do(t, req); w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
}

func TestFilesGroupsSignedURLsByStage(t *testing.T) {
	env := newTestEnv(t)
	seedJob(t, env, "u1")
	env.bucket.objects["jobs/u1_0/stage_1/front.mp4"] = []byte("x")
	env.bucket.objects["jobs/u1_0/stage_6/prediction.json"] = []byte("x")

	req := httptest.NewRequest(http.MethodGet, "/files/u1_0", nil)
	req.Header.Set("Authorization", bearer(t, "u1"))
	w := env.do(t, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Stages map[string][]struct {
			Name string `json:"name"`
			URL  string `json:"url"`
		} `json:"stages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Stages["stage_1"]) != 1 || resp.Stages["stage_1"][0].Name != "front.mp4" {
		t.Errorf("stage_1 = %+v", resp.Stages["stage_1"])
	}
	if got := resp.Stages["stage_6"][0].URL; !strings.Contains(got, "prediction.json") {
		t.Errorf("stage_6 url = %q", got)
	}
}

func TestFilesForbiddenForStrangers(t *testing.T) {
	env := newTestEnv(t)
	seedJob(t, env, "u1")
	_ = env.jobs.EnsureUser(context.Background(), "u2")

	req := httptest.NewRequest(http.MethodGet, "/files/u1_0", nil)
	req.Header.Set("Authorization", bearer(t, "u2"))
	if w := env.do(t, req); w.Code != http.StatusForbidden {
		t.Errorf("status = %d", w.Code)
	}
}

func TestFilesAllowsAdministrators(t *testing.T) {
	env := newTestEnv(t)
	seedJob(t, env, "u1")
	env.jobs.users["admin"] = &jobs.UserRecord{UID: "admin", Administrator: true}

	req := httptest.NewRequest(http.MethodGet, "/files/u1_0", nil)
	req.Header.Set("Authorization", bearer(t, "admin"))
	if w := env.do(t, req); w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestGetJobsReturnsEmptyListForNewUser(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", bearer(t, "nobody"))
	w := env.do(t, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Jobs []jobs.JobRecord `json:"jobs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Jobs) != 0 {
		t.Errorf("jobs = %+v", resp.Jobs)
	}
}

func TestHealthcheckIsPublic(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	if w := env.do(t, req); w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func keysOf(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
