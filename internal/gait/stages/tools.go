package stages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/stridesense/gait-backend/internal/gait/queue"
	"github.com/stridesense/gait-backend/internal/platform/envutil"
)

// Collaborator interfaces for the content algorithms. The defaults
// shell out to the analysis toolchain; tests substitute in-process
// fakes.

type MediaConverter interface {
	ConvertToMP4(ctx context.Context, inPath, outPath string) (logs string, err error)
}

type PersonDetector interface {
	DetectPerson(ctx context.Context, videoPath string) (found bool, logs string, err error)
}

type Reframer interface {
	Reframe(ctx context.Context, inPath, outPath string) (logs string, err error)
}

type PoseEstimator interface {
	EstimateLandmarks(ctx context.Context, videoPath, outPath string) (logs string, err error)
}

type CycleDetector interface {
	AnalyzeGait(ctx context.Context, landmarksPath, videoPath, outPath string) (logs string, err error)
}

type Predictor interface {
	// Predict writes prediction.json to outPath. When archivePath is
	// non-empty the collaborator also assembles the results archive
	// there.
	Predict(ctx context.Context, frontGaitPath, sideGaitPath string, meta queue.Metadata, outPath, archivePath string) (logs string, err error)
}

// runTool executes an external command, merging stdout and stderr into
// the stage log stream.
func runTool(ctx context.Context, argv []string, extra ...string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty tool command")
	}
	cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], extra...)...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if err != nil {
		return buf.String(), fmt.Errorf("%s: %w", argv[0], err)
	}
	return buf.String(), nil
}

func commandFromEnv(envVar, fallback string) []string {
	return strings.Fields(envutil.Str(envVar, fallback))
}

type ffmpegConverter struct {
	argv []string
}

// NewFFmpegConverter converts arbitrary uploads to the pipeline's
// canonical H.264 1920x1080 60fps AAC mp4. FFMPEG_BIN overrides the
// binary.
func NewFFmpegConverter() MediaConverter {
	return &ffmpegConverter{argv: commandFromEnv("FFMPEG_BIN", "ffmpeg")}
}

func (c *ffmpegConverter) ConvertToMP4(ctx context.Context, inPath, outPath string) (string, error) {
	return runTool(ctx, c.argv,
		"-y", "-i", inPath,
		"-vf", "scale=1920:1080",
		"-r", "60",
		"-c:v", "libx264",
		"-c:a", "aac",
		outPath,
	)
}

type execPersonDetector struct {
	argv []string
}

// NewExecPersonDetector wraps the detector entry point configured via
// PERSON_DETECTOR_CMD. Exit 0 means a person was found, exit 1 means
// none was; anything else is a tool failure.
func NewExecPersonDetector() PersonDetector {
	return &execPersonDetector{argv: commandFromEnv("PERSON_DETECTOR_CMD", "python3 -m gait_tools.person_detector")}
}

func (d *execPersonDetector) DetectPerson(ctx context.Context, videoPath string) (bool, string, error) {
	logs, err := runTool(ctx, d.argv, videoPath)
	if err == nil {
		return true, logs, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, logs, nil
	}
	return false, logs, err
}

type execReframer struct {
	argv []string
}

// NewExecReframer wraps the reframing entry point (REFRAMER_CMD) which
// crops and stabilizes the video around the walking subject.
func NewExecReframer() Reframer {
	return &execReframer{argv: commandFromEnv("REFRAMER_CMD", "python3 -m gait_tools.reframer")}
}

func (r *execReframer) Reframe(ctx context.Context, inPath, outPath string) (string, error) {
	return runTool(ctx, r.argv, inPath, outPath)
}

type execPoseEstimator struct {
	argv []string
}

func NewExecPoseEstimator() PoseEstimator {
	return &execPoseEstimator{argv: commandFromEnv("POSE_ESTIMATOR_CMD", "python3 -m gait_tools.pose_estimator")}
}

func (p *execPoseEstimator) EstimateLandmarks(ctx context.Context, videoPath, outPath string) (string, error) {
	return runTool(ctx, p.argv, videoPath, outPath)
}

type execCycleDetector struct {
	argv []string
}

func NewExecCycleDetector() CycleDetector {
	return &execCycleDetector{argv: commandFromEnv("CYCLE_DETECTOR_CMD", "python3 -m gait_tools.cycle_detector")}
}

func (c *execCycleDetector) AnalyzeGait(ctx context.Context, landmarksPath, videoPath, outPath string) (string, error) {
	return runTool(ctx, c.argv, landmarksPath, videoPath, outPath)
}

type execPredictor struct {
	argv []string
}

func NewExecPredictor() Predictor {
	return &execPredictor{argv: commandFromEnv("PREDICTOR_CMD", "python3 -m gait_tools.predictor")}
}

func (p *execPredictor) Predict(ctx context.Context, frontGaitPath, sideGaitPath string, meta queue.Metadata, outPath, archivePath string) (string, error) {
	extra := []string{
		frontGaitPath, sideGaitPath, outPath,
		"--age", strconv.Itoa(meta.Age),
		"--sex", meta.Sex,
		"--height", meta.Height,
		"--weight", meta.Weight,
	}
	if archivePath != "" {
		extra = append(extra, "--archive", archivePath)
	}
	return runTool(ctx, p.argv, extra...)
}
