// Package main is the entry point for the portal security service. It guards
// portal logins and sessions: geographic risk scoring, device trust,
// suspicious login challenges, session lifecycle, and rate limiting.
package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lumera/portalguard/internal/audit"
	"github.com/lumera/portalguard/internal/challenge"
	"github.com/lumera/portalguard/internal/common/config"
	"github.com/lumera/portalguard/internal/common/database"
	"github.com/lumera/portalguard/internal/common/logger"
	"github.com/lumera/portalguard/internal/device"
	"github.com/lumera/portalguard/internal/engine"
	"github.com/lumera/portalguard/internal/geoip"
	"github.com/lumera/portalguard/internal/metrics"
	"github.com/lumera/portalguard/internal/middleware"
	"github.com/lumera/portalguard/internal/notifications"
	"github.com/lumera/portalguard/internal/principal"
	"github.com/lumera/portalguard/internal/ratelimit"
	"github.com/lumera/portalguard/internal/risk"
	"github.com/lumera/portalguard/internal/server"
	"github.com/lumera/portalguard/internal/session"
)

var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

func main() {
	log := logger.New()
	defer log.Sync()

	log.Info("starting portal security service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit", CommitHash),
	)

	cfg, err := config.Load("portal-security-service")
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}

	sec := cfg.Security

	// Collaborators
	trail := audit.NewPostgresTrail(db.Pool, log)
	principals := principal.NewPostgresStore(db.Pool)
	limiter := ratelimit.NewLimiter(rdb.Client, log)

	geoProvider := geoip.NewHTTPProvider(cfg.GeoIP.ProviderURL,
		time.Duration(cfg.GeoIP.TimeoutSeconds)*time.Second)
	geoService := geoip.NewService(geoip.NewPostgresStore(db.Pool), geoProvider,
		time.Duration(cfg.GeoIP.CacheTTLHours)*time.Hour, log)

	matcher := risk.NewMatcher(risk.MatcherConfig{
		SimilarityThreshold: sec.FingerprintSimilarityThreshold,
		LocationThresholdKm: sec.LocationThresholdKm,
	})
	evaluator := risk.NewEvaluator(risk.EvaluatorConfig{
		Weights:             risk.DefaultWeights(),
		MaxTravelSpeedKmh:   sec.MaxTravelSpeedKmh,
		MinTravelDistanceKm: sec.MinTravelDistanceKm,
		HistorySize:         sec.LoginHistorySize,
		SuspiciousISPs:      sec.SuspiciousISPs,
		HighRiskCountries:   sec.HighRiskCountries,
	}, log)

	devices := device.NewPostgresRepository(db.Pool, log)

	sessions := session.NewManager(
		session.NewPostgresRepository(db.Pool, log),
		principals, trail,
		session.ManagerConfig{
			Timeout:               time.Duration(sec.SessionTimeoutMinutes) * time.Minute,
			MaxConcurrent:         sec.MaxConcurrentSessions,
			ExtendDebounce:        time.Duration(sec.ExtendDebounceMinutes) * time.Minute,
			DecayQuiescence:       time.Duration(sec.DecayQuiescenceMinutes) * time.Minute,
			IPDriftScore:          sec.IPDriftScore,
			HijackDistinctIPLimit: sec.HijackDistinctIPLimit,
			HijackWindow:          time.Duration(sec.HijackWindowMinutes) * time.Minute,
			Retention:             time.Duration(sec.RetentionDays) * 24 * time.Hour,
			CleanupSampleRate:     sec.CleanupSampleRate,
			HistorySize:           sec.LoginHistorySize,
		}, log)

	mailer := notifications.NewMailer(notifications.SMTPConfig{
		Host:          cfg.SMTPHost,
		Port:          cfg.SMTPPort,
		Username:      cfg.SMTPUsername,
		Password:      cfg.SMTPPassword,
		From:          cfg.SMTPFrom,
		PublicBaseURL: cfg.PublicBaseURL,
	}, log)

	deviceTrustDuration := time.Duration(sec.DeviceTrustDurationDays) * 24 * time.Hour

	challenges := challenge.NewWorkflow(
		challenge.NewPostgresRepository(db.Pool, log),
		devices, matcher, mailer, trail,
		challenge.WorkflowConfig{
			TokenTTL:            time.Duration(sec.ChallengeTokenTTLMinutes) * time.Minute,
			ApprovalTrustLevel:  sec.ApprovalTrustLevel,
			DeviceTrustDuration: deviceTrustDuration,
		}, log)

	eng := engine.New(principals, geoService, evaluator, matcher, devices,
		sessions, challenges, limiter, engine.NewTokenIssuer(cfg.SessionTokenSecret),
		trail, engine.Config{
			ChallengeRiskThreshold: sec.ChallengeRiskThreshold,
			LoginRateLimit:         sec.LoginRateLimit,
			LoginRateWindow:        time.Duration(sec.LoginRateWindowSeconds) * time.Second,
			RequestRateLimit:       sec.RequestRateLimit,
			RequestRateWindow:      time.Duration(sec.RequestRateWindowSeconds) * time.Second,
			DeviceTrustDuration:    deviceTrustDuration,
		}, log)

	// Background maintenance: session retention sweep and challenge expiry
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	go sessions.RunCleanup(workerCtx, time.Hour)
	go runChallengeSweep(workerCtx, challenges, log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(log))
	router.Use(logger.GinMiddleware(log))
	router.Use(middleware.CORS(middleware.CORSConfig{}))
	router.Use(metrics.Middleware())

	router.GET("/metrics", metrics.Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "portal-security-service",
			"version": Version,
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		status := gin.H{"status": "ready", "postgres": "ok", "redis": "ok"}
		if err := db.Ping(); err != nil {
			status["status"] = "not ready"
			status["postgres"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		if err := rdb.Client.Ping(c.Request.Context()).Err(); err != nil {
			status["redis"] = "unhealthy"
		}
		c.JSON(http.StatusOK, status)
	})

	// Challenge links are unauthenticated; throttle them like logins so
	// tokens cannot be brute forced
	challengeGuard := middleware.LoginRateLimit(limiter, sec.LoginRateLimit,
		time.Duration(sec.LoginRateWindowSeconds)*time.Second)
	engine.NewHandler(eng, log).RegisterRoutes(router, challengeGuard)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	graceful := server.NewGraceful(srv, 30*time.Second, log)
	graceful.OnShutdown("workers", func(ctx context.Context) error {
		cancelWorkers()
		return nil
	})
	graceful.OnShutdown("database", func(ctx context.Context) error {
		return db.Close()
	})
	graceful.OnShutdown("redis", func(ctx context.Context) error {
		return rdb.Close()
	})

	graceful.ListenAndServe()
}

// runChallengeSweep periodically expires overdue pending login attempts
func runChallengeSweep(ctx context.Context, challenges *challenge.Workflow, log *zap.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			swept, err := challenges.ExpireStale(ctx, now.UTC())
			if err != nil {
				log.Error("challenge expiry sweep failed", zap.Error(err))
				continue
			}
			if swept > 0 {
				log.Info("expired stale login challenges", zap.Int64("count", swept))
			}
		}
	}
}
