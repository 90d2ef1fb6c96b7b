package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stridesense/gait-backend/internal/gait/jobs"
	"github.com/stridesense/gait-backend/internal/gait/queue"
	"github.com/stridesense/gait-backend/internal/handlers"
	"github.com/stridesense/gait-backend/internal/middleware"
	"github.com/stridesense/gait-backend/internal/notify"
	"github.com/stridesense/gait-backend/internal/platform/envutil"
	"github.com/stridesense/gait-backend/internal/platform/gcp"
	"github.com/stridesense/gait-backend/internal/platform/logger"
	"github.com/stridesense/gait-backend/internal/platform/redisdb"
	"github.com/stridesense/gait-backend/internal/platform/sendgrid"
	"github.com/stridesense/gait-backend/internal/server"
)

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
	sendgridClient, err := sendgrid.NewFromEnv(log)
	if err != nil {
		log.Error("Could not init sendgrid client", "error", err)
		os.Exit(1)
	}

	// Stores
	log.Info("Setting up stores from main...")
	jobStore := jobs.NewStore(log, rdb)
	queueStore := queue.NewStore(log, rdb)

	// Services
	mailer := notify.NewMailer(log, sendgridClient)

	// Handlers
	log.Info("Setting up handlers from main...")
	uploadHandler := handlers.NewUploadHandler(log, jobStore, queueStore, bucketService, mailer)
	rerunHandler := handlers.NewRerunHandler(log, jobStore, queueStore, bucketService)
	filesHandler := handlers.NewFilesHandler(log, jobStore, bucketService)
	jobsHandler := handlers.NewJobsHandler(log, jobStore)

	// Middleware
	log.Info("Setting up middleware from main...")
	authMiddleware, err := middleware.NewAuthMiddleware(log)
	if err != nil {
		log.Error("Could not init auth middleware", "error", err)
		os.Exit(1)
	}

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		AuthMiddleware: authMiddleware,
		UploadHandler:  uploadHandler,
		RerunHandler:   rerunHandler,
		FilesHandler:   filesHandler,
		JobsHandler:    jobsHandler,
	})

	port := envutil.Str("PORT", "8080")
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("Server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server shutdown incomplete", "error", err)
	}
}
