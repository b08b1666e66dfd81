package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/shrxyeh/Medichain/internal/abac"
	"github.com/shrxyeh/Medichain/pkg/commitment"
	"github.com/shrxyeh/Medichain/pkg/config"
	"github.com/shrxyeh/Medichain/pkg/database"
	"github.com/shrxyeh/Medichain/pkg/logger"
	"github.com/shrxyeh/Medichain/pkg/monitoring"
)

const (
	serviceName    = "access-service"
	serviceVersion = "1.0.0"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.LogLevel)
	log.WithField("version", serviceVersion).Info("Starting Access Service")

	// Metrics and tracing
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetricsCollector(serviceName, registry)

	tracing, err := monitoring.NewTracingManager(&monitoring.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		Environment:    cfg.Tracing.Environment,
		SamplingRate:   cfg.Tracing.SamplingRate,
	})
	if err != nil {
		log.WithError(err).Error("Failed to initialize tracing")
		os.Exit(1)
	}

	health := monitoring.NewHealthManager(serviceName, serviceVersion)
	deps := abac.Dependencies{
		Metrics: metrics,
		Commitments: commitment.NewService(
			commitment.WithSaltBytes(cfg.Commitment.SaltBytes),
			commitment.WithProofValidity(config.Seconds(cfg.Commitment.ProofValidity)),
			commitment.WithRoleProofValidity(config.Seconds(cfg.Commitment.RoleProofValidity)),
		),
	}

	// Audit persistence
	var db *database.DB
	if cfg.Audit.Persist {
		db, err = database.NewConnection(&cfg.Database, log)
		if err != nil {
			log.WithError(err).Error("Failed to connect to database")
			os.Exit(1)
		}
		defer db.Close()

		if err := db.CreateSchema(context.Background()); err != nil {
			log.WithError(err).Error("Failed to create audit schema")
			os.Exit(1)
		}
		deps.AuditSink = abac.NewPostgresAuditSink(db, log)
		health.RegisterOptional("audit_database", monitoring.NewDatabaseHealthChecker(db.DB))
	}

	// Permission store
	if cfg.Permissions.Store == config.PermissionStoreRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.WithError(err).Error("Failed to connect to Redis")
			os.Exit(1)
		}
		deps.PermissionStore = abac.NewRedisPermissionStore(client)
		health.RegisterChecker("redis", monitoring.NewRedisHealthChecker(client))
	}

	// Initialize access service
	service, err := abac.NewService(&abac.Config{
		AuditCapacity:       cfg.Audit.Capacity,
		AuditSinkBuffer:     cfg.Audit.SinkBuffer,
		AuditSinkTimeout:    config.Seconds(cfg.Audit.SinkTimeout),
		PolicyFile:          cfg.Policy.File,
		LoadDefaultPolicies: cfg.Policy.LoadDefaults,
		SweepInterval:       config.Seconds(cfg.Permissions.SweepInterval),
	}, deps, log.Logger)
	if err != nil {
		log.WithError(err).Error("Failed to create access service")
		os.Exit(1)
	}

	health.RegisterChecker("policies", monitoring.CheckFunc(func(ctx context.Context) monitoring.HealthCheck {
		check := monitoring.HealthCheck{
			Status:  monitoring.HealthStatusHealthy,
			Details: map[string]interface{}{"loaded": service.Policies().Len()},
		}
		if service.Policies().Len() == 0 {
			check.Status = monitoring.HealthStatusDegraded
			check.Message = "no policies loaded; every request is denied"
		}
		return check
	}))

	// Initialize HTTP handlers
	tokens := abac.NewTokenIssuer(cfg.JWT.SecretKey, cfg.JWT.Issuer, cfg.JWT.Audience, config.Seconds(cfg.JWT.AccessTokenTTL))
	identities := abac.NewIdentityVerifier(cfg.JWT.IdentitySecretKey, cfg.JWT.IdentityIssuer, cfg.JWT.IdentityAudience)
	handlers := abac.NewHandlers(service, identities, tokens, abac.NewSessionStore(), log)
	adminHandlers := abac.NewAdminHandlers(service, log.Logger)

	// Setup Gin router
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Monitoring.Enabled {
		router.Use(monitoring.NewMonitoringMiddleware(metrics, tracing, log).GinMiddleware())
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(metrics.Handler()))
	}
	router.GET(cfg.Monitoring.HealthPath, gin.WrapF(health.HTTPHandler()))

	handlers.RegisterRoutes(router)
	handlers.MountAdmin(router, adminHandlers)

	// Setup HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  config.Seconds(cfg.Server.ReadTimeout),
		WriteTimeout: config.Seconds(cfg.Server.WriteTimeout),
		IdleTimeout:  config.Seconds(cfg.Server.IdleTimeout),
	}

	// Start server in a goroutine
	go func() {
		log.WithField("address", server.Addr).Info("Starting HTTP server")
		var err error
		if cfg.Server.TLSEnabled {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Failed to start HTTP server")
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Access Service...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	if err := service.Close(ctx); err != nil {
		log.WithError(err).Warn("Audit sink did not drain before shutdown")
	}
	if err := tracing.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("Failed to flush traces")
	}

	log.Info("Access Service stopped")
}
