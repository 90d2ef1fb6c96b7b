package stages

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stridesense/gait-backend/internal/gait/queue"
	"github.com/stridesense/gait-backend/internal/platform/logger"
)

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

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

type fakeDetector struct {
	found map[string]bool // keyed by "front"/"side"
}

func (d *fakeDetector) DetectPerson(_ context.Context, videoPath string) (bool, string, error) {
	for side, found := range d.found {
		if strings.Contains(videoPath, side) {
			return found, fmt.Sprintf("detector ran on %s\n", side), nil
		}
	}
	return false, "", fmt.Errorf("unexpected video %q", videoPath)
}

func validityItem() *queue.Item {
	return &queue.Item{
		JobID:  "u1_0",
		UserID: "u1",
		InputKeys: map[string]string{
			KeyFrontVideo: "jobs/u1_0/stage_1/front.mp4",
			KeySideVideo:  "jobs/u1_0/stage_1/side.mp4",
		},
	}
}

func TestValidityCheckPassesThroughVideos(t *testing.T) {
	bucket := newMemBucket(map[string][]byte{
		"jobs/u1_0/stage_1/front.mp4": []byte("front-bytes"),
		"jobs/u1_0/stage_1/side.mp4":  []byte("side-bytes"),
	})
	w := NewValidityCheckWorker(testLogger(t), bucket, &fakeDetector{found: map[string]bool{"front": true, "side": true}})

	res := w.Process(context.Background(), validityItem())
	if !res.Success {
		t.Fatalf("process failed: %+v", res)
	}
	if res.OutputKeys[KeyFrontVideo] != "jobs/u1_0/stage_2/front.mp4" {
		t.Errorf("outputs = %v", res.OutputKeys)
	}
	if string(bucket.objects["jobs/u1_0/stage_2/side.mp4"]) != "side-bytes" {
		t.Errorf("side video not copied into stage_2")
	}
	if !strings.Contains(res.Logs, "detector ran on front") {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestValidityCheckFailsWhenNoPerson(t *testing.T) {
	bucket := newMemBucket(map[string][]byte{
		"jobs/u1_0/stage_1/front.mp4": []byte("front-bytes"),
		"jobs/u1_0/stage_1/side.mp4":  []byte("side-bytes"),
	})
	w := NewValidityCheckWorker(testLogger(t), bucket, &fakeDetector{found: map[string]bool{"front": false, "side": true}})

	res := w.Process(context.Background(), validityItem())
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.Error != "No person detected in front video" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestValidityCheckRejectsMissingInput(t *testing.T) {
	w := NewValidityCheckWorker(testLogger(t), newMemBucket(nil), &fakeDetector{})
	item := validityItem()
	delete(item.InputKeys, KeySideVideo)

	res := w.Process(context.Background(), item)
	if res.Success || !strings.Contains(res.Error, "side_video") {
		t.Errorf("result = %+v", res)
	}
}

type fakeConverter struct{}

func (fakeConverter) ConvertToMP4(_ context.Context, inPath, outPath string) (string, error) {
	raw, err := os.ReadFile(inPath)
	if err != nil {
		return "", err
	}
	return "converted\n", os.WriteFile(outPath, append([]byte("mp4:"), raw...), 0o644)
}

func TestMediaConversionNormalizesUploads(t *testing.T) {
	bucket := newMemBucket(map[string][]byte{
		"jobs/u1_0/stage_0/front.mov": []byte("raw-front"),
		"jobs/u1_0/stage_0/side.webm": []byte("raw-side"),
	})
	w := NewMediaConversionWorker(testLogger(t), bucket, fakeConverter{})

	res := w.Process(context.Background(), &queue.Item{
		JobID:  "u1_0",
		UserID: "u1",
		InputKeys: map[string]string{
			KeyFrontVideo: "jobs/u1_0/stage_0/front.mov",
			KeySideVideo:  "jobs/u1_0/stage_0/side.webm",
		},
	})
	if !res.Success {
		t.Fatalf("process failed: %+v", res)
	}
	if string(bucket.objects["jobs/u1_0/stage_1/front.mp4"]) != "mp4:raw-front" {
		t.Errorf("front output = %q", bucket.objects["jobs/u1_0/stage_1/front.mp4"])
	}
	if res.OutputKeys[KeySideVideo] != "jobs/u1_0/stage_1/side.mp4" {
		t.Errorf("outputs = %v", res.OutputKeys)
	}
}

type fakePredictor struct {
	prediction []byte
	archive    []byte
}

func (p *fakePredictor) Predict(_ context.Context, _, _ string, _ queue.Metadata, outPath, archivePath string) (string, error) {
	if err := os.WriteFile(outPath, p.prediction, 0o644); err != nil {
		return "", err
	}
	if archivePath != "" && p.archive != nil {
		if err := os.WriteFile(archivePath, p.archive, 0o644); err != nil {
			return "", err
		}
	}
	return "predicted\n", nil
}

func TestPredictionWritesArtifactAndArchive(t *testing.T) {
	bucket := newMemBucket(map[string][]byte{
		"jobs/u1_0/stage_5/front_gait_analysis.json": []byte("{}"),
		"jobs/u1_0/stage_5/side_gait_analysis.json":  []byte("{}"),
	})
	w := NewPredictionWorker(testLogger(t), bucket, &fakePredictor{
		prediction: []byte(`{"status":"success","class":1,"probabilities":[0.9]}`),
		archive:    []byte("zip-bytes"),
	})

	res := w.Process(context.Background(), &queue.Item{
		JobID:  "u1_0",
		UserID: "u1",
		InputKeys: map[string]string{
			KeyFrontGaitAnalysis: "jobs/u1_0/stage_5/front_gait_analysis.json",
			KeySideGaitAnalysis:  "jobs/u1_0/stage_5/side_gait_analysis.json",
		},
	})
	if !res.Success {
		t.Fatalf("process failed: %+v", res)
	}
	if res.OutputKeys[KeyPrediction] != "jobs/u1_0/stage_6/prediction.json" {
		t.Errorf("outputs = %v", res.OutputKeys)
	}
	if _, ok := bucket.objects["jobs/u1_0/stage_6/prediction.json"]; !ok {
		t.Errorf("prediction.json not uploaded")
	}
	if string(bucket.objects["jobs/u1_0/stage_7/results.zip"]) != "zip-bytes" {
		t.Errorf("archive not uploaded to stage_7")
	}
}

func TestPredictionToleratesMissingArchive(t *testing.T) {
	bucket := newMemBucket(map[string][]byte{
		"jobs/u1_0/stage_5/front_gait_analysis.json": []byte("{}"),
		"jobs/u1_0/stage_5/side_gait_analysis.json":  []byte("{}"),
	})
	w := NewPredictionWorker(testLogger(t), bucket, &fakePredictor{
		prediction: []byte(`{"status":"success","class":0}`),
	})

	res := w.Process(context.Background(), &queue.Item{
		JobID:  "u1_0",
		UserID: "u1",
		InputKeys: map[string]string{
			KeyFrontGaitAnalysis: "jobs/u1_0/stage_5/front_gait_analysis.json",
			KeySideGaitAnalysis:  "jobs/u1_0/stage_5/side_gait_analysis.json",
		},
	})
	if !res.Success {
		t.Fatalf("process failed: %+v", res)
	}
	if _, ok := res.OutputKeys[KeyResultsArchive]; ok {
		t.Errorf("archive key present without an archive: %v", res.OutputKeys)
	}
}
