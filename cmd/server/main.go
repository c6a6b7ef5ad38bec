package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"memvault/internal/config"
	"memvault/internal/database"
	"memvault/internal/handlers"
	"memvault/internal/jobs"
	"memvault/internal/logging"
	"memvault/internal/middleware"
	"memvault/internal/services"
	"memvault/pkg/auth"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting MemVault Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s)", cfg.Port)

	// Long-term tier: MySQL in production, SQLite for local runs
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Initialize(); err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}

	// Short-term tier: Redis
	redis, err := services.NewRedisService(cfg.RedisURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	shortTerm := services.NewShortTermStore(redis, cfg.DefaultTTLSeconds)
	longTerm := services.NewLongTermStore(db, cfg.MaxMemoriesPerUser, shortTerm)
	memory := services.NewMemoryCoordinator(shortTerm, longTerm)
	services.InitMetrics()
	log.Printf("🧠 Memory tiers ready (default TTL: %ds, quota: %d entries/user)",
		shortTerm.DefaultTTL(), longTerm.Quota())

	// Runtime-adjustable limits with hot reload
	if cfg.LimitsFile != "" {
		if err := applyLimits(cfg.LimitsFile, shortTerm, longTerm); err != nil {
			log.Printf("⚠️  Failed to load limits file: %v", err)
		}
		go startLimitsFileWatcher(cfg.LimitsFile, shortTerm, longTerm)
	}

	// JWT auth
	var jwtAuth *auth.LocalJWTAuth
	if cfg.JWTSecret != "" {
		jwtAuth = auth.NewLocalJWTAuth(cfg.JWTSecret)
		log.Println("🔐 JWT authentication enabled")
	} else {
		log.Println("⚠️  JWT_SECRET not set - authentication disabled (development mode only)")
	}

	// Background maintenance
	scheduler, err := jobs.NewScheduler()
	if err != nil {
		log.Fatalf("❌ Failed to create scheduler: %v", err)
	}
	if cfg.SweepIntervalMinutes > 0 {
		sweep := jobs.NewIntegritySweepJob(redis, cfg.DefaultTTLSeconds, 10)
		interval := time.Duration(cfg.SweepIntervalMinutes) * time.Minute
		if err := scheduler.Every("integrity_sweep", interval, sweep.Run); err != nil {
			log.Printf("⚠️  Failed to schedule integrity sweep: %v", err)
		}
	}
	scheduler.Start()

	app := fiber.New(fiber.Config{
		AppName:      "MemVault v1.0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    1024 * 1024, // memory entries are capped at 10KB; 1MB leaves headroom for metadata
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("memvault")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, Auth=%d/min, Write=%d/min",
		rateLimitConfig.GlobalAPIMax,
		rateLimitConfig.AuthenticatedMax,
		rateLimitConfig.WriteMax,
	)

	// CORS configuration with environment-based origins
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	allowCredentials := allowedOrigins != "*"

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PATCH,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: allowCredentials,
	}))

	// Global API rate limiter - first line of DDoS defense
	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))

	// Handlers
	healthHandler := handlers.NewHealthHandler(db, redis)
	memoryHandler := handlers.NewMemoryHandler(memory)

	app.Get("/health", healthHandler.Handle)

	api := app.Group("/api/v1")
	api.Use(middleware.LocalAuthMiddleware(jwtAuth))
	api.Use(middleware.AuthenticatedRateLimiter(rateLimitConfig))

	writeLimiter := middleware.WriteRateLimiter(rateLimitConfig)

	memories := api.Group("/memories")
	memories.Get("/", memoryHandler.ListMemories)
	memories.Post("/", writeLimiter, memoryHandler.CreateMemory)
	memories.Delete("/", writeLimiter, memoryHandler.ClearMemories)
	memories.Get("/stats", memoryHandler.GetMemoryStats)
	memories.Get("/:id", memoryHandler.GetMemory)
	memories.Patch("/:id", writeLimiter, memoryHandler.UpdateMemory)
	memories.Delete("/:id", memoryHandler.DeleteMemory)
	memories.Post("/:id/promote", writeLimiter, memoryHandler.PromoteMemory)
	memories.Get("/:id/ttl", memoryHandler.GetMemoryTTL)
	memories.Post("/:id/extend", writeLimiter, memoryHandler.ExtendMemoryTTL)

	log.Printf("🌐 Server starting on http://localhost:%s", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		if err := scheduler.Stop(); err != nil {
			log.Printf("⚠️ Error stopping scheduler: %v", err)
		}

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}

// applyLimits loads the limits file and pushes its values into the stores.
func applyLimits(filePath string, shortTerm *services.ShortTermStore, longTerm *services.LongTermStore) error {
	limits, err := config.LoadLimits(filePath)
	if err != nil {
		return err
	}

	if limits.MaxMemoriesPerUser > 0 {
		longTerm.SetQuota(limits.MaxMemoriesPerUser)
	}
	if limits.DefaultTTLSeconds > 0 {
		shortTerm.SetDefaultTTL(limits.DefaultTTLSeconds)
	}

	log.Printf("📋 Limits applied from %s (quota: %d, default TTL: %ds)",
		filePath, longTerm.Quota(), shortTerm.DefaultTTL())
	return nil
}

// startLimitsFileWatcher watches the limits file for changes and re-applies it
func startLimitsFileWatcher(filePath string, shortTerm *services.ShortTermStore, longTerm *services.LongTermStore) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️  Failed to create file watcher: %v", err)
		return
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		log.Printf("⚠️  Failed to get absolute path for %s: %v", filePath, err)
		watcher.Close()
		return
	}

	// Watch the directory containing the file (more reliable than watching the file directly)
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)

	if err := watcher.Add(dir); err != nil {
		log.Printf("⚠️  Failed to watch directory %s: %v", dir, err)
		watcher.Close()
		return
	}

	log.Printf("👁️  Watching %s for changes (hot-reload enabled)", filePath)

	// Debounce timer to avoid multiple reloads for rapid file changes
	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filename {
				continue
			}

			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}

				debounceTimer = time.AfterFunc(debounceDuration, func() {
					log.Printf("🔄 Detected changes in %s, re-applying limits...", filePath)
					if err := applyLimits(filePath, shortTerm, longTerm); err != nil {
						log.Printf("❌ Failed to apply limits after file change: %v", err)
					}
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  File watcher error: %v", err)
		}
	}
}
