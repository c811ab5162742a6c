package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/gin-gonic/gin"

	"linguachat-backend/internal/config"
	intDatabase "linguachat-backend/internal/database"
	"linguachat-backend/internal/fanout"
	callHandler "linguachat-backend/internal/handler/http/call"
	pushHandler "linguachat-backend/internal/handler/http/push"
	wsHandler "linguachat-backend/internal/handler/ws"
	"linguachat-backend/internal/middleware"
	"linguachat-backend/internal/notify"
	"linguachat-backend/internal/repository/cassandra"
	"linguachat-backend/internal/repository/cockroach"
	redisRepo "linguachat-backend/internal/repository/redis"
	"linguachat-backend/internal/session"
	pkgDatabase "linguachat-backend/pkg/database"
	"linguachat-backend/pkg/jwt"
	"linguachat-backend/pkg/logger"
	"linguachat-backend/pkg/metrics"
	"linguachat-backend/pkg/push"
)

func main() {
	// Create context for database operations
	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize structured logging
	if err := logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: "stdout",
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// 3. Setup JWT Manager
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenTTL, cfg.JWT.RefreshTokenTTL)

	// 4. Connect to CockroachDB for call session state with retry logic
	dbConfig := &pkgDatabase.CockroachConfig{
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		Database: cfg.DB.Database,
		SSLMode:  cfg.DB.SSLMode,
	}

	// Connect to CockroachDB with exponential backoff
	var db *pkgDatabase.CockroachDB

	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err = pkgDatabase.NewCockroachDB(ctx, dbConfig)
	if err == nil {
		log.Println("✅ Connected to CockroachDB")
	} else {
		for attempt := 2; attempt <= maxRetries; attempt++ {
			delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
			if delay > maxDelay {
				delay = maxDelay
			}
			log.Printf("⚠️  CockroachDB connection attempt %d failed: %v. Retrying in %v...", attempt, err, delay)
			time.Sleep(delay)

			db, err = pkgDatabase.NewCockroachDB(ctx, dbConfig)
			if err == nil {
				log.Printf("✅ Connected to CockroachDB (attempt %d/%d)", attempt, maxRetries)
				break
			}
		}
	}

	// Call state is the source of truth; the service cannot run without it
	if err != nil {
		log.Fatalf("Failed to connect to CockroachDB after %d attempts: %v", maxRetries, err)
	}
	defer db.Close()

	sessionRepo := cockroach.NewSessionRepository(db.Pool)
	roomRepo := cockroach.NewRoomRepository(db.Pool)

	if err := sessionRepo.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure call session schema: %v", err)
	}
	if err := roomRepo.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure room schema: %v", err)
	}
	log.Println("✅ CockroachDB schema ready")

	// 5. Initialize Redis with degraded mode support
	intDatabase.InitRedisMetrics()

	redisConfig := &intDatabase.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	}

	redisDB, err := intDatabase.NewRedisDB(redisConfig)
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v", err)
	} else {
		log.Println("✅ Connected to Redis")
	}
	defer redisDB.Close()

	// Start background Redis health check
	go redisDB.StartHealthCheck(ctx, 10*time.Second)
	log.Println("✅ Redis health check started (10s interval)")

	// 6. Connect to Cassandra for the call event archive (optional)
	var eventArchive session.EventArchive
	var eventHistory callHandler.EventHistory
	cassandraDB, err := pkgDatabase.NewCassandraDB(&pkgDatabase.CassandraConfig{
		Hosts:    []string{cfg.Cassandra.Host},
		Keyspace: cfg.Cassandra.Keyspace,
		Username: cfg.Cassandra.Username,
		Password: cfg.Cassandra.Password,
		Timeout:  cfg.Cassandra.Timeout,
	})
	if err != nil {
		log.Printf("Warning: Failed to connect to Cassandra: %v", err)
		log.Println("Running without call event archive")
	} else {
		defer cassandraDB.Close()
		eventRepo := cassandra.NewCallEventRepository(cassandraDB.Session)
		eventArchive = eventRepo
		eventHistory = eventRepo
		log.Println("✅ Connected to Cassandra")
	}

	// 7. Initialize Push Service
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB.Client)

	pushProvider, err := push.NewProvider()
	if err != nil {
		if cfg.IsProduction() {
			log.Fatalf("❌ Fatal: failed to initialize push provider: %v", err)
		}
		log.Printf("Warning: push provider init failed (%v), falling back to mock", err)
		pushProvider = &push.MockProvider{}
	}
	pushSvc := push.NewService(pushProvider, pushTokenRepo)

	// 8. Initialize Metrics
	appMetrics := metrics.NewMetrics("call-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 9. Wire the call coordinator
	presenceRepo := redisRepo.NewPresenceRepository(redisDB)
	callFanout := fanout.NewRedisFanout(redisDB, presenceRepo)
	ringNotifier := notify.NewPushRingNotifier(pushSvc, appMetrics)
	retryPolicy := session.NewRetryPolicy(
		cfg.Call.SaveMaxAttempts,
		cfg.Call.SaveBaseBackoff,
		cfg.Call.SaveMaxBackoff,
		appMetrics,
	)
	reaper := session.NewReaper(cfg.Call.RingTimeout)

	coordinator := session.NewCoordinator(
		sessionRepo,
		roomRepo,
		callFanout,
		ringNotifier,
		eventArchive,
		retryPolicy,
		reaper,
		appMetrics,
	)

	// 10. Initialize Handlers
	callHdlr := callHandler.NewHandler(coordinator, eventHistory)
	pushHdlr := pushHandler.NewHandler(pushSvc)
	callHub := wsHandler.NewCallHub(redisDB, presenceRepo, appMetrics)

	// 11. Setup Gin Router
	router := gin.New() // Don't use Default() to have full control

	// Configure trusted proxies for production
	trustedProxies := []string{}
	if cfg.IsProduction() {
		trustedProxies = []string{
			"https://api.linguachat.app",
			"https://*.linguachat.app",
		}
	} else {
		trustedProxies = []string{
			"http://localhost:3000",
			"http://localhost:8080",
			"http://127.0.0.1:3000",
			"http://127.0.0.1:8080",
		}
	}
	router.SetTrustedProxies(trustedProxies)

	// Apply global middleware
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.SecurityHeaders())
	router.Use(prometheusMiddleware.Handler())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		health := gin.H{
			"status":  "healthy",
			"service": "call-service",
			"time":    time.Now().UTC(),
		}
		if online, err := presenceRepo.GetOnlineCount(c.Request.Context()); err == nil {
			health["online_users"] = online
		}
		c.JSON(200, health)
	})

	// Metrics endpoint (for Prometheus scraping)
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	// Revocation checker
	revocationChecker := middleware.NewRedisRevocationChecker(redisDB.Client)

	// Rate limit call initiation per user
	initiateLimiter := middleware.NewRateLimiter(redisDB.Client, cfg.Call.InitiateRateLimit, time.Minute)

	// Call routes (all require authentication)
	v1 := router.Group("/v1/calls")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	{
		v1.POST("/initiate", initiateLimiter.Middleware(), callHdlr.InitiateCall)
		v1.POST("/:id/join", callHdlr.JoinCall)
		v1.POST("/:id/leave", callHdlr.LeaveCall)
		v1.POST("/:id/decline", callHdlr.DeclineCall)
		v1.GET("/:id", callHdlr.GetCall)
		v1.GET("/:id/events", callHdlr.GetCallEvents)

		// WebSocket endpoint for in-call events and signaling relay
		v1.GET("/ws", callHub.ServeWS)
	}

	// Device token routes for call push notifications
	pushGroup := router.Group("/v1/push")
	pushGroup.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	{
		pushGroup.POST("/tokens", pushHdlr.RegisterToken)
		pushGroup.GET("/tokens", pushHdlr.GetTokens)
		pushGroup.DELETE("/tokens", pushHdlr.UnregisterToken)
		pushGroup.DELETE("/tokens/all", pushHdlr.UnregisterAllTokens)
	}

	// 12. Start server
	addr := fmt.Sprintf(":%s", cfg.Port)

	log.Printf("🚀 Call Service starting on port %s\n", cfg.Port)
	log.Println("📡 Call events: /v1/calls/ws")
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
