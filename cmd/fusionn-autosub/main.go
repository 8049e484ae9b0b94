package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"
	"github.com/redis/go-redis/v9"

	"github.com/fusionn-autosub/internal/client/apprise"
	"github.com/fusionn-autosub/internal/config"
	"github.com/fusionn-autosub/internal/executor"
	"github.com/fusionn-autosub/internal/fileops"
	"github.com/fusionn-autosub/internal/handler"
	"github.com/fusionn-autosub/internal/job"
	"github.com/fusionn-autosub/internal/modelcache"
	"github.com/fusionn-autosub/internal/progress"
	"github.com/fusionn-autosub/internal/queue"
	"github.com/fusionn-autosub/internal/service/lifecycle"
	"github.com/fusionn-autosub/internal/service/orchestrator"
	"github.com/fusionn-autosub/internal/store"
	"github.com/fusionn-autosub/internal/version"
	"github.com/fusionn-autosub/pkg/logger"
)

func main() {
	// Initialize logger
	isDev := os.Getenv("ENV") != "production"
	logger.Init(isDev)
	defer logger.Sync()

	version.PrintBanner(nil)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	logger.Infof("📁 Loading config: %s", configPath)
	cfgMgr, err := config.NewManager(configPath)
	if err != nil {
		logger.Fatalf("❌ Config error: %v", err)
	}
	defer cfgMgr.Stop()
	cfg := cfgMgr.Get()

	if err := ensureDirectories(cfg.Paths); err != nil {
		logger.Fatalf("❌ Directory setup error: %v", err)
	}

	// Single instance: queue recovery assumes nobody else owns PROCESSING jobs
	if err := fileops.EnsureDir(filepath.Dir(cfg.Server.LockFile)); err != nil {
		logger.Fatalf("❌ Lock dir error: %v", err)
	}
	lock := flock.New(cfg.Server.LockFile)
	locked, err := lock.TryLock()
	if err != nil {
		logger.Fatalf("❌ Lock error: %v", err)
	}
	if !locked {
		logger.Fatalf("❌ Another instance holds %s", cfg.Server.LockFile)
	}
	defer func() { _ = lock.Unlock() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	st, err := openStore(cfg.Store)
	if err != nil {
		logger.Fatalf("❌ Store error: %v", err)
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.Queue.Backend == "redis" || cfg.Progress.Backend == "redis" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Fatalf("❌ Redis URL error: %v", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatalf("❌ Redis unreachable: %v", err)
		}
		defer rdb.Close()
	}

	// Progress broker
	var broker progress.Broker = progress.NewHub(cfg.Progress.LatestTTL(), cfg.Progress.Buffer)
	if cfg.Progress.Backend == "redis" {
		broker = progress.NewRedisBroker(rdb, cfg.Progress.LatestTTL(), cfg.Progress.Buffer)
	}
	async := progress.NewAsync(broker, cfg.Progress.PublishBuffer)
	defer async.Close()

	// Queue backend
	var backend queue.Backend = queue.NewMemory()
	if cfg.Queue.Backend == "redis" {
		backend = queue.NewRedisBackend(rdb, cfg.Queue.Prefix)
	}
	dispatcher := queue.New(backend, queue.Options{
		Workers:    workers(cfg.Queue.Workers),
		MaxRetries: cfg.Queue.MaxRetries,
		RetryDelay: cfg.Queue.RetryDelay(),
	})

	// Model cache
	models := modelcache.New(cfg.Models.CacheSize, cfg.Models.IdleTTL(), modelcache.DirLoader{Root: cfg.Paths.Models}.Load)
	models.OnEvict(func(m modelcache.Model) {
		logger.Infof("🧹 Model unloaded: %s/%s", m.Kind, m.Name)
	})
	go models.Run(ctx, time.Duration(cfg.Models.SweepIntervalSec)*time.Second)

	// Executors
	ffmpeg := executor.NewFFmpeg(cfg.FFmpeg)
	translator := executor.NewTranslator(cfg.Translate)
	collaborators := orchestrator.Collaborators{
		Extractor:   ffmpeg,
		Transcriber: executor.NewWhisper(cfg.Whisper),
		Diarizer:    executor.NewDiarizer(cfg.Diarize),
		Translator:  translator,
		Writer:      executor.NewSubtitleWriter(),
		BurnIner:    ffmpeg,
	}

	cfgMgr.OnChange(func(old, new *config.Config) {
		if old.Translate.RateLimitRPM != new.Translate.RateLimitRPM {
			translator.SetRateLimit(new.Translate.RateLimitRPM)
		}
	})

	// Notifications
	var notifier lifecycle.Notifier
	if cfg.Apprise.Enabled {
		notifier = apprise.NewClient(cfg.Apprise)
		logger.Infof("🔔 Notifications: enabled (key=%s)", cfg.Apprise.Key)
	} else {
		logger.Info("🔔 Notifications: disabled")
	}

	// Services
	recorder := lifecycle.NewRecorder(st, async, cfg.Progress.MinDelta)
	orch := orchestrator.New(collaborators, models, st, recorder, orchestrator.Options{
		Paths: orchestrator.Paths{
			Temp:      cfg.Paths.Temp,
			Subtitles: cfg.Paths.Subtitles,
			Videos:    cfg.Paths.Videos,
		},
		DiarizeModel: cfg.Diarize.Model,
	})
	svc := lifecycle.New(lifecycle.Deps{
		Store:    st,
		Broker:   async,
		Queue:    dispatcher,
		Runner:   orch,
		Recorder: recorder,
		Notifier: notifier,
	})

	dispatcher.Start(svc)
	defer dispatcher.Stop()

	if n, err := svc.Recover(ctx); err != nil {
		logger.Errorf("❌ Recovery failed: %v", err)
	} else {
		logger.Infof("📋 Recovered queue: %d job(s)", n)
	}

	sweeper := lifecycle.NewSweeper(svc, lifecycle.SweepOptions{
		Interval:   time.Duration(cfg.Batch.SweepIntervalSec) * time.Second,
		StaleAfter: time.Duration(cfg.Batch.StaleAfterMin) * time.Minute,
		Retention:  time.Duration(cfg.Batch.RetentionDays) * 24 * time.Hour,
		TempDir:    cfg.Paths.Temp,
		TempMaxAge: time.Duration(cfg.Batch.TempMaxAgeHours) * time.Hour,
	})
	go sweeper.Run(ctx)

	// Initialize HTTP server
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	h := handler.New(svc, dispatcher)
	h.RegisterRoutes(router)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// no WriteTimeout: event streams stay open for the whole job
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Print startup info
	logger.Info("")
	logger.Infof("📂 Data folders:")
	logger.Infof("   %s → Extracted audio (temporary)", cfg.Paths.Temp)
	logger.Infof("   %s → Generated subtitles", cfg.Paths.Subtitles)
	logger.Infof("   %s → Burned-in videos", cfg.Paths.Videos)
	logger.Info("")
	logger.Infof("🎤 Whisper: %s (device: %s)", cfg.Whisper.Provider, cfg.Whisper.Device)
	logger.Infof("🌐 Translate: %s (model: %s)", cfg.Translate.BaseURL, cfg.Translate.Model)
	logger.Infof("📦 Store: %s, queue: %s, progress: %s", cfg.Store.Driver, cfg.Queue.Backend, cfg.Progress.Backend)
	logger.Info("")
	logger.Infof("🌐 API server: http://localhost:%d", cfg.Server.Port)
	logger.Infof("   POST /api/v1/jobs              - Submit a video")
	logger.Infof("   POST /api/v1/batches           - Submit a batch or directory")
	logger.Infof("   GET  /api/v1/jobs/:id/events   - Progress stream")
	logger.Info("")
	logger.Info("────────────────────────────────────────────────────────────────")
	logger.Info("✅  Ready! Waiting for jobs...")
	logger.Info("────────────────────────────────────────────────────────────────")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("")
	logger.Info("🛑 Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("❌ Shutdown error: %v", err)
	}
	cancel()

	logger.Info("👋 Goodbye!")
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	if cfg.Driver == "memory" {
		logger.Warn("⚠️ Using in-memory store: jobs are lost on restart")
		return store.NewMemory(), nil
	}
	if err := fileops.EnsureDir(filepath.Dir(cfg.Path)); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return store.OpenSQLite(cfg.Path)
}

// workers overlays the configured counts on the default encode pool.
func workers(configured map[string]int) map[job.ResourceClass]int {
	out := queue.DefaultWorkers()
	for class, n := range configured {
		out[job.ResourceClass(class)] = n
	}
	return out
}

func ensureDirectories(paths config.PathsConfig) error {
	dirs := []string{
		paths.Temp,
		paths.Subtitles,
		paths.Videos,
	}

	for _, dir := range dirs {
		if err := fileops.EnsureDir(dir); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	return nil
}

// requestLogger returns a gin middleware for logging HTTP requests
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		if path != "/api/v1/health" || status >= 400 {
			latency := time.Since(start)
			logger.Debugf("HTTP %s %s → %d (%v)", c.Request.Method, path, status, latency)
		}
	}
}
