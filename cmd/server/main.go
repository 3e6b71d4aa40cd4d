package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/dineflow/chat-commerce-backend/internal/cache"
	"github.com/dineflow/chat-commerce-backend/internal/config"
	"github.com/dineflow/chat-commerce-backend/internal/database"
	"github.com/dineflow/chat-commerce-backend/internal/handlers"
	"github.com/dineflow/chat-commerce-backend/internal/llmpool"
	"github.com/dineflow/chat-commerce-backend/internal/middleware"
	"github.com/dineflow/chat-commerce-backend/internal/services"
	"github.com/dineflow/chat-commerce-backend/pkg/jwt"
	"github.com/dineflow/chat-commerce-backend/pkg/llm"
	"github.com/dineflow/chat-commerce-backend/pkg/notify"
	"github.com/dineflow/chat-commerce-backend/pkg/payments"
	"github.com/dineflow/chat-commerce-backend/pkg/validator"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting DineFlow Chat Commerce Backend")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Set log level
	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set Gin mode
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize database connection
	logger.Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	// Initialize Redis connection
	logger.Info("Connecting to Redis...")
	redisClient, err := cache.NewRedisClient(context.Background(), cfg.Redis)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connection established")

	// Initialize services
	logger.Info("Initializing services...")
	jwtService := jwt.NewService(
		cfg.Session.Secret,
		time.Duration(cfg.Session.TokenTTLDays)*24*time.Hour,
	)
	phoneValidator := validator.NewPhoneValidator()
	otpService := services.NewOTPService(db, cfg.OTP, cfg.Security.BcryptCost)
	rateLimitService := services.NewRateLimitService(db, cfg.OTP)
	userRepository := database.NewUserRepository(db)
	sessionTokenRepository := database.NewSessionTokenRepository(db)
	deviceRepository := database.NewDeviceRepository(db)

	// Type assertion needed: db is interface DB, but some repositories need *sqlx.DB
	sqlxDB, ok := db.(*database.PostgresDB)
	if !ok {
		logger.Fatal("Failed to cast database connection to PostgresDB")
	}
	abandonedRepository := database.NewAbandonedRepository(sqlxDB.DB)
	menuRepository := database.NewMenuRepository(sqlxDB.DB)

	sessionService := services.NewSessionService(
		sessionTokenRepository,
		deviceRepository,
		jwtService,
		cfg.Session,
		logger,
	)

	// Validate the provider account pool before anything depends on it.
	// Accounts that fail the credit probe are dropped; an empty pool (after
	// the fallback) aborts startup.
	logger.Info("🤖 Validating LLM provider accounts...")
	llmGateway := llm.NewOpenAIGateway(llm.OpenAIConfig{})

	specs := make([]llmpool.AccountSpec, 0, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		specs = append(specs, llmpool.AccountSpec{
			ID:            acc.ID,
			APIKey:        acc.APIKey,
			PrimaryRPM:    acc.PrimaryRPM,
			PrimaryTPM:    acc.PrimaryTPM,
			MiniRPM:       acc.MiniRPM,
			MiniTPM:       acc.MiniTPM,
			BufferPercent: acc.BufferPercent,
		})
	}

	poolOpts := llmpool.Options{
		ProbeModel: cfg.LLM.MiniModel,
		Cooldown:   time.Duration(cfg.LLM.CooldownSeconds) * time.Second,
	}
	if cfg.LLM.FallbackAPIKey != "" {
		poolOpts.Fallback = llmpool.AccountSpec{
			ID:            0,
			APIKey:        cfg.LLM.FallbackAPIKey,
			PrimaryRPM:    500,
			PrimaryTPM:    30000,
			MiniRPM:       500,
			MiniTPM:       200000,
			BufferPercent: 80,
		}
	}

	probeCtx, cancelProbe := context.WithTimeout(context.Background(), 60*time.Second)
	accountPool, err := llmpool.NewPool(probeCtx, llmGateway, specs, poolOpts, logger)
	cancelProbe()
	if err != nil {
		logger.Fatalf("Provider account validation failed: %v", err)
	}
	logger.Infof("✓ %s", accountPool)

	scheduler := llmpool.NewScheduler(accountPool, llmGateway, llmpool.SchedulerConfig{
		PrimaryModel: cfg.LLM.PrimaryModel,
		MiniModel:    cfg.LLM.MiniModel,
		RetryTimeout: time.Duration(cfg.LLM.RetryTimeoutSeconds) * time.Second,
		PollInterval: time.Duration(cfg.LLM.RetryPollSeconds) * time.Second,
	}, logger)

	// Inventory: Redis-backed reservations, or the disabled stub when the
	// cache is switched off (every item then reads as unlimited).
	var inventory services.Inventory
	if cfg.Inventory.CacheEnabled {
		inventory = services.NewRedisInventory(redisClient, logger)
		logger.Info("📦 Inventory reservations enabled (Redis)")
	} else {
		inventory = services.NewDisabledInventory()
		logger.Warn("📦 Inventory reservations DISABLED - stock is not enforced")
	}

	// Menu cache: load once before serving, then refresh in the background.
	menuCacheService := services.NewMenuCacheService(
		menuRepository,
		inventory,
		nil, // no similarity index configured; category fallbacks cover it
		redisClient,
		time.Duration(cfg.Menu.RefreshSeconds)*time.Second,
		logger,
	)
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 30*time.Second)
	if err := menuCacheService.Load(loadCtx); err != nil {
		cancelLoad()
		logger.Fatalf("Failed to load menu cache: %v", err)
	}
	cancelLoad()
	menuCacheService.Start()

	cartService := services.NewCartService(
		redisClient,
		menuCacheService,
		inventory,
		time.Duration(cfg.Cart.TTLSeconds)*time.Second,
		logger,
	)
	userDataService := services.NewUserDataService(
		redisClient,
		userRepository,
		abandonedRepository,
		cartService,
		inventory,
		cfg.Abandoned,
		logger,
	)
	intentClassifier := services.NewIntentClassifierService(scheduler, logger)

	// Initialize SMS gateway
	var smsGateway notify.Gateway
	if cfg.SMS.Gateway == "http" {
		logger.Info("📱 SMS gateway: http")
		smsGateway = notify.NewHTTPGateway(notify.HTTPConfig{
			APIURL:   cfg.SMS.URL,
			Token:    cfg.SMS.Token,
			SenderID: cfg.SMS.SenderID,
		})
	} else {
		logger.Info("📱 SMS gateway: console (codes print to the terminal)")
		smsGateway = notify.NewConsoleGateway(cfg.SMS.SenderID)
	}

	// Initialize payment gateway
	var paymentGateway payments.Gateway
	if cfg.Payment.Gateway == "http" {
		logger.Info("💳 Payment gateway: http")
		paymentGateway = payments.NewHTTPGateway(payments.HTTPConfig{
			APIURL: cfg.Payment.URL,
			Token:  cfg.Payment.Token,
		})
	} else {
		logger.Info("💳 Payment gateway: console (links print to the terminal)")
		paymentGateway = payments.NewConsoleGateway("")
	}

	checkoutService := services.NewCheckoutService(
		cartService,
		userDataService,
		inventory,
		menuRepository,
		paymentGateway,
		cfg.Order,
		logger,
	)

	// Initialize and start cron service
	cronService := services.NewCronService(
		sessionTokenRepository,
		abandonedRepository,
		otpService,
		rateLimitService,
		logger,
	)
	if err := cronService.Start(); err != nil {
		logger.Fatalf("Failed to start cron service: %v", err)
	}

	logger.Info("Services initialized")

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(
		otpService,
		rateLimitService,
		sessionService,
		userDataService,
		userRepository,
		phoneValidator,
		smsGateway,
		jwtService,
		cfg.OTP,
		logger,
	)
	cartHandler := handlers.NewCartHandler(cartService, userDataService, logger)
	menuHandler := handlers.NewMenuHandler(menuCacheService, logger)
	chatHandler := handlers.NewChatHandler(intentClassifier, cartService, userDataService, logger)
	checkoutHandler := handlers.NewCheckoutHandler(checkoutService, logger)

	// Initialize Gin router
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	if cfg.Security.EnableRequestLog {
		router.Use(middleware.RequestLogger(logger))
	}

	// CORS configuration
	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length", middleware.RenewedTokenHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db, redisClient))

	// API v1 routes. Every route resolves a session context first; the
	// middleware never rejects a request for a bad token, it demotes.
	v1 := router.Group("/api/v1")
	v1.Use(middleware.SessionMiddleware(sessionService, logger))
	{
		// Authentication routes
		auth := v1.Group("/auth")
		{
			auth.POST("/request-otp", authHandler.RequestOTP)
			auth.POST("/verify-otp", authHandler.VerifyOTP)
			auth.POST("/logout", authHandler.Logout)

			// Profile routes (authenticated tier only)
			profile := auth.Group("")
			profile.Use(middleware.RequireAuthenticated())
			{
				profile.GET("/profile", authHandler.GetProfile)
				profile.PUT("/profile", authHandler.UpdateProfile)
				profile.PUT("/preferences", authHandler.UpdatePreferences)
			}
		}

		// Menu routes (any tier)
		menu := v1.Group("/menu")
		{
			menu.GET("", menuHandler.GetMenu)
			menu.GET("/categories", menuHandler.GetCategories)
			menu.GET("/categories/:categoryID/items", menuHandler.GetCategoryItems)
			menu.GET("/items/:itemID", menuHandler.GetItem)
			menu.GET("/items/:itemID/similar", menuHandler.GetSimilarItems)
			menu.GET("/search", menuHandler.SearchMenu)
		}

		// Cart routes (any tier; the session context keys the cart)
		cart := v1.Group("/cart")
		{
			cart.GET("", cartHandler.GetCart)
			cart.DELETE("", cartHandler.ClearCart)
			cart.POST("/items", cartHandler.AddItem)
			cart.PUT("/items/:itemID", cartHandler.UpdateItem)
			cart.DELETE("/items/:itemID", cartHandler.RemoveItem)
			cart.PUT("/order-type", cartHandler.SetOrderType)
			cart.GET("/availability", cartHandler.CheckAvailability)

			// Restoration needs an owner to check against
			restore := cart.Group("")
			restore.Use(middleware.RequireAuthenticated())
			{
				restore.POST("/restore", cartHandler.RestoreCart)
				restore.POST("/resume-booking", cartHandler.ResumeBooking)
			}
		}

		// Chat classification (any tier)
		chat := v1.Group("/chat")
		{
			chat.POST("/classify", chatHandler.Classify)
		}

		// Checkout routes (any tier; carts belong to sessions, not users)
		checkout := v1.Group("/checkout")
		{
			checkout.POST("/validate", checkoutHandler.ValidateOrder)
			checkout.POST("/execute", checkoutHandler.ExecuteCheckout)
			checkout.GET("/payment-status/:linkID", checkoutHandler.PaymentStatus)
		}

		// Admin routes (operational triggers and pool introspection)
		admin := v1.Group("/admin")
		// TODO: Add admin auth middleware
		{
			admin.POST("/cron/session-sweep", func(c *gin.Context) {
				cronService.RunSessionSweepNow()
				c.JSON(200, gin.H{"message": "Session ledger sweep triggered"})
			})

			admin.POST("/cron/abandoned-purge", func(c *gin.Context) {
				cronService.RunAbandonedPurgeNow()
				c.JSON(200, gin.H{"message": "Abandoned purge triggered"})
			})

			admin.POST("/cron/auth-cleanup", func(c *gin.Context) {
				cronService.RunAuthCleanupNow()
				c.JSON(200, gin.H{"message": "Auth cleanup triggered"})
			})

			admin.GET("/cron/status", func(c *gin.Context) {
				c.JSON(200, cronService.GetJobStatus())
			})

			admin.GET("/llm/usage", func(c *gin.Context) {
				c.JSON(200, gin.H{
					"accounts": accountPool.Len(),
					"excluded": accountPool.Excluded(),
					"primary":  accountPool.UsageSnapshot(llm.TierPrimary),
					"mini":     accountPool.UsageSnapshot(llm.TierMini),
				})
			})
		}
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Stop background workers before the listener drains
	cronService.Stop()
	menuCacheService.Stop()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited successfully")
}

// healthCheckHandler reports liveness of the two stores the request path
// depends on.
func healthCheckHandler(db database.DB, redisClient *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		dbStatus := "healthy"
		if err := db.Ping(); err != nil {
			dbStatus = "unhealthy"
		}

		redisStatus := "healthy"
		if err := cache.HealthCheck(c.Request.Context(), redisClient); err != nil {
			redisStatus = "unhealthy"
		}

		status := http.StatusOK
		overall := "healthy"
		if dbStatus != "healthy" || redisStatus != "healthy" {
			status = http.StatusServiceUnavailable
			overall = "unhealthy"
		}

		c.JSON(status, gin.H{
			"status":    overall,
			"database":  dbStatus,
			"redis":     redisStatus,
			"version":   version,
			"timestamp": time.Now().Unix(),
		})
	}
}
