package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/activity-admission-api/api/swagger"
	"github.com/noah-isme/activity-admission-api/internal/handler"
	internalmiddleware "github.com/noah-isme/activity-admission-api/internal/middleware"
	"github.com/noah-isme/activity-admission-api/internal/repository"
	"github.com/noah-isme/activity-admission-api/internal/service"
	"github.com/noah-isme/activity-admission-api/pkg/cache"
	"github.com/noah-isme/activity-admission-api/pkg/config"
	"github.com/noah-isme/activity-admission-api/pkg/database"
	"github.com/noah-isme/activity-admission-api/pkg/idgen"
	"github.com/noah-isme/activity-admission-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/activity-admission-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/activity-admission-api/pkg/middleware/requestid"
	"github.com/noah-isme/activity-admission-api/pkg/queue"
	"github.com/noah-isme/activity-admission-api/pkg/validation"
)

// @title Activity Admission API
// @version 1.0.0
// @description Capacity-limited registration and geofenced check-in for campus activities
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect redis", "error", err)
	}
	defer redisClient.Close()

	ids, err := idgen.New(cfg.IDGen.DatacenterID, cfg.IDGen.MachineID)
	if err != nil {
		logr.Sugar().Fatalw("invalid id generator settings", "error", err)
	}

	broker, err := queue.New(cfg.Queue, queue.Options{
		Workers:        cfg.WriteBack.Workers,
		MaxAttempts:    cfg.WriteBack.MaxAttempts,
		HandlerTimeout: cfg.WriteBack.HandlerTimeout,
		Logger:         logr.Named("queue"),
	})
	if err != nil {
		logr.Sugar().Fatalw("failed to init write queue", "driver", cfg.Queue.Driver, "error", err)
	}
	defer broker.Close()

	metricsSvc := service.NewMetricsService()

	activityRepo := repository.NewActivityRepository(db)
	registrationRepo := repository.NewRegistrationRepository(db)
	ledgerRepo := repository.NewLedgerRepository(redisClient, logr)
	geofenceRepo := repository.NewGeofenceRepository(redisClient, logr)
	outboxRepo := repository.NewOutboxRepository(redisClient, logr)

	admissionSvc := service.NewAdmissionService(ledgerRepo, geofenceRepo, outboxRepo, broker, ids, metricsSvc, logr.Named("admission"), service.AdmissionServiceConfig{
		RegistrationTopic: cfg.Queue.RegistrationTopic,
		CheckinTopic:      cfg.Queue.CheckinTopic,
		CheckinRadiusKM:   cfg.Admission.CheckinRadiusKM,
		ScriptTimeout:     cfg.Admission.ScriptTimeout,
		PublishTimeout:    cfg.Queue.PublishTimeout,
	})
	writeBackSvc := service.NewWriteBackService(registrationRepo, outboxRepo, ids, broker, metricsSvc, logr.Named("writeback"), service.WriteBackConfig{
		RegistrationTopic: cfg.Queue.RegistrationTopic,
		CheckinTopic:      cfg.Queue.CheckinTopic,
	})
	lifecycleSvc := service.NewLifecycleService(activityRepo, registrationRepo, ledgerRepo, geofenceRepo, outboxRepo, broker, metricsSvc, logr.Named("lifecycle"), service.LifecycleConfig{
		Interval:          cfg.Scheduler.Interval,
		SweepInterval:     cfg.Scheduler.SweepInterval,
		OutboxGrace:       cfg.Scheduler.OutboxGrace,
		PublishTimeout:    cfg.Queue.PublishTimeout,
		RegistrationTopic: cfg.Queue.RegistrationTopic,
		CheckinTopic:      cfg.Queue.CheckinTopic,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := writeBackSvc.Run(ctx); err != nil {
			logr.Error("write-back consumer exited", zap.Error(err))
			stop()
		}
	}()
	if cfg.Scheduler.Enabled {
		lifecycleSvc.Start(ctx)
	}

	admissionHandler := handler.NewAdmissionHandler(admissionSvc, validation.New())
	metricsHandler := handler.NewMetricsHandler(metricsSvc, map[string]handler.ReadinessCheck{
		"postgres": db.PingContext,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	})
	limiter := internalmiddleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.POST("/registrations", limiter.Limit(), admissionHandler.Register)
	api.POST("/checkins", limiter.Limit(), admissionHandler.Checkin)

	activities := api.Group("/activities/:id")
	activities.GET("/admission", admissionHandler.Snapshot)
	activities.PATCH("/capacity", admissionHandler.AdjustCapacity)
	activities.DELETE("/coordination", admissionHandler.Teardown)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "queue", cfg.Queue.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Errorw("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("server shutdown incomplete", "error", err)
	}
}
