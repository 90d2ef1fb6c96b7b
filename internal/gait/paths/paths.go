// Package paths is the artifact-key contract between pipeline stages.
// Every stage writes under its own stage directory and reads the keys
// the previous stage produced; the scheme must therefore be fully
// deterministic from (job id, stage, logical name).
package paths

import (
	"fmt"
	"strconv"
	"strings"
)

type Side string

const (
	SideFront Side = "front"
	SideSide  Side = "side"
)

// JobID builds the primary key used for queue items, storage prefixes
// and logs: "{uid}_{index}".
func JobID(uid string, index int) string {
	return fmt.Sprintf("%s_%d", uid, index)
}

// ParseJobID splits on the LAST underscore. UIDs may themselves contain
// underscores; the job index is always the numeric suffix.
func ParseJobID(jobID string) (uid string, index int, err error) {
	i := strings.LastIndex(jobID, "_")
	if i <= 0 || i == len(jobID)-1 {
		return "", 0, fmt.Errorf("malformed job id %q", jobID)
	}
	idx, err := strconv.Atoi(jobID[i+1:])
	if err != nil || idx < 0 {
		return "", 0, fmt.Errorf("malformed job index in %q", jobID)
	}
	return jobID[:i], idx, nil
}

func JobPrefix(jobID string) string {
	return fmt.Sprintf("jobs/%s/", jobID)
}

func StagePrefix(jobID string, stage int) string {
	return fmt.Sprintf("jobs/%s/stage_%d/", jobID, stage)
}

// FileKey keys a stage artifact by its logical filename.
func FileKey(jobID string, stage int, name string) string {
	return StagePrefix(jobID, stage) + name
}

// UploadKey is where the original submission lands, keeping the
// uploader's file extension.
func UploadKey(jobID string, side Side, ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	return FileKey(jobID, 0, fmt.Sprintf("%s.%s", side, ext))
}

// VideoKey is the per-stage front/side video convention every video
// stage reads and writes.
func VideoKey(jobID string, stage int, side Side) string {
	return FileKey(jobID, stage, string(side)+".mp4")
}

func LandmarksKey(jobID string, stage int, side Side) string {
	return FileKey(jobID, stage, string(side)+"_landmarks.json")
}

func GaitAnalysisKey(jobID string, stage int, side Side) string {
	return FileKey(jobID, stage, string(side)+"_gait_analysis.json")
}

func PredictionKey(jobID string) string {
	return FileKey(jobID, 6, "prediction.json")
}

func ResultsArchiveKey(jobID string) string {
	return FileKey(jobID, 7, "results.zip")
}

// ExtractJobID recovers the job id from any artifact key produced by
// this package.
func ExtractJobID(key string) (string, error) {
	rest, ok := strings.CutPrefix(key, "jobs/")
	if !ok {
		return "", fmt.Errorf("key %q not under jobs/", key)
	}
	jobID, _, ok := strings.Cut(rest, "/")
	if !ok || jobID == "" {
		return "", fmt.Errorf("key %q has no job id segment", key)
	}
	return jobID, nil
}

// StageOfKey reports which stage directory a key belongs to.
func StageOfKey(key string) (int, error) {
	parts := strings.Split(key, "/")
	for _, p := range parts {
		if n, ok := strings.CutPrefix(p, "stage_"); ok {
			stage, err := strconv.Atoi(n)
			if err != nil {
				return 0, fmt.Errorf("bad stage segment in %q", key)
			}
			return stage, nil
		}
	}
	return 0, fmt.Errorf("key %q has no stage segment", key)
}
