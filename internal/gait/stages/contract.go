// Package stages holds the per-stage process implementations driven by
// the worker runtime. Stages exchange artifacts exclusively through
// symbolic input names mapped to storage keys: each stage declares the
// names it needs and produces the names the next stage declares. The
// content algorithms themselves live behind narrow collaborator
// interfaces with exec-based defaults.
package stages

import (
	"fmt"

	"github.com/stridesense/gait-backend/internal/gait/paths"
	"github.com/stridesense/gait-backend/internal/gait/queue"
)

// Symbolic artifact names shared across the stage contract.
const (
	KeyFrontVideo        = "front_video"
	KeySideVideo         = "side_video"
	KeyFrontLandmarks    = "front_landmarks"
	KeySideLandmarks     = "side_landmarks"
	KeyFrontGaitAnalysis = "front_gait_analysis"
	KeySideGaitAnalysis  = "side_gait_analysis"
	KeyPrediction        = "prediction"
	KeyResultsArchive    = "results_archive"
)

var bothSides = []paths.Side{paths.SideFront, paths.SideSide}

func videoName(side paths.Side) string {
	if side == paths.SideFront {
		return KeyFrontVideo
	}
	return KeySideVideo
}

func landmarksName(side paths.Side) string {
	if side == paths.SideFront {
		return KeyFrontLandmarks
	}
	return KeySideLandmarks
}

func gaitAnalysisName(side paths.Side) string {
	if side == paths.SideFront {
		return KeyFrontGaitAnalysis
	}
	return KeySideGaitAnalysis
}

// requireInputs validates the symbolic contract up front so a stage
// fails with a clear message instead of a missing-object error from
// the bucket.
func requireInputs(item *queue.Item, names ...string) error {
	for _, n := range names {
		if item.InputKeys[n] == "" {
			return fmt.Errorf("queue item %s missing required input %q", item.JobID, n)
		}
	}
	return nil
}
