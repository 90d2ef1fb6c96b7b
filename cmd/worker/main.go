package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/stridesense/gait-backend/internal/gait/finalize"
	"github.com/stridesense/gait-backend/internal/gait/jobs"
	"github.com/stridesense/gait-backend/internal/gait/queue"
	"github.com/stridesense/gait-backend/internal/gait/runtime"
	"github.com/stridesense/gait-backend/internal/gait/stages"
	"github.com/stridesense/gait-backend/internal/notify"
	"github.com/stridesense/gait-backend/internal/platform/envutil"
	"github.com/stridesense/gait-backend/internal/platform/gcp"
	"github.com/stridesense/gait-backend/internal/platform/logger"
	"github.com/stridesense/gait-backend/internal/platform/redisdb"
	"github.com/stridesense/gait-backend/internal/platform/sendgrid"
)

// STAGE selects what this process runs: "1".."6" for a content stage,
// "finalize" for the terminal worker. WORKER_CONCURRENCY fans out that
// many identical loops in one process.
func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	stageEnv := strings.ToLower(strings.TrimSpace(os.Getenv("STAGE")))
	if stageEnv == "" {
		log.Error("STAGE must be set to 1..6 or finalize")
		os.Exit(1)
	}

	// Platform clients
	log.Info("Setting up platform clients from main...")
	rdb, err := redisdb.NewClient(log)
	if err != nil {
		log.Error("Could not init redis client", "error", err)
		os.Exit(1)
	}
	bucketService, err := gcp.NewBucketService(log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}

	// Stores
	jobStore := jobs.NewStore(log, rdb)
	queueStore := queue.NewStore(log, rdb)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	concurrency := envutil.Int("WORKER_CONCURRENCY", 1)
	if concurrency < 1 {
		concurrency = 1
	}

	var run func(context.Context)
	if stageEnv == "finalize" {
		sendgridClient, err := sendgrid.NewFromEnv(log)
		if err != nil {
			log.Error("Could not init sendgrid client", "error", err)
			os.Exit(1)
		}
		mailer := notify.NewMailer(log, sendgridClient)
		run = func(ctx context.Context) {
			finalize.NewWorker(log, queueStore, jobStore, bucketService, mailer).Run(ctx)
		}
	} else {
		stage, err := strconv.Atoi(stageEnv)
		if err != nil || stage < 1 || stage > 6 {
			log.Error("STAGE must be 1..6 or finalize", "stage", stageEnv)
			os.Exit(1)
		}
		worker := buildStageWorker(log, bucketService, stage)
		run = func(ctx context.Context) {
			runtime.NewRunner(log, queueStore, jobStore, worker).Run(ctx)
		}
	}

	log.Info("Starting worker loops", "stage", stageEnv, "concurrency", concurrency)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}
	wg.Wait()
	log.Info("All worker loops stopped")
}

func buildStageWorker(log *logger.Logger, bucket gcp.BucketService, stage int) runtime.StageWorker {
	switch stage {
	case 1:
		return stages.NewMediaConversionWorker(log, bucket, stages.NewFFmpegConverter())
	case 2:
		return stages.NewValidityCheckWorker(log, bucket, stages.NewExecPersonDetector())
	case 3:
		return stages.NewReframingWorker(log, bucket, stages.NewExecReframer())
	case 4:
		return stages.NewPoseEstimationWorker(log, bucket, stages.NewExecPoseEstimator())
	case 5:
		return stages.NewCycleDetectionWorker(log, bucket, stages.NewExecCycleDetector())
	case 6:
		return stages.NewPredictionWorker(log, bucket, stages.NewExecPredictor())
	}
	panic(fmt.Sprintf("unreachable stage %d", stage))
}
