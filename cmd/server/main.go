package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/vidspark/backend/internal/config"
	"github.com/vidspark/backend/internal/database"
	"github.com/vidspark/backend/internal/handlers"
	mW "github.com/vidspark/backend/internal/middleware"
	"github.com/vidspark/backend/internal/provider"
	"github.com/vidspark/backend/internal/services"
	"github.com/vidspark/backend/internal/storage"
)

// @title Vidspark Backend API
// @version 1.0
// @description API for credit-metered AI video generation
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("admin.secret", "ADMIN_SECRET")

	viper.BindEnv("evolink.base_url", "EVOLINK_BASE_URL")
	viper.BindEnv("evolink.api_key", "EVOLINK_API_KEY")
	viper.BindEnv("kie.base_url", "KIE_BASE_URL")
	viper.BindEnv("kie.api_key", "KIE_API_KEY")

	viper.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	viper.BindEnv("storage.bucket", "STORAGE_BUCKET")
	viper.BindEnv("storage.auth_token", "STORAGE_AUTH_TOKEN")
	viper.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	viper.SetDefault("evolink.base_url", "https://api.evolink.ai")
	viper.SetDefault("kie.base_url", "https://api.kie.ai")
	viper.SetDefault("storage.bucket", "videos")

	genConfig := config.LoadGenerationConfig()

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Provider gateways. Adding a vendor is a registration here plus a
	// Gateway implementation, nothing else changes.
	providers := provider.NewRegistry()
	providers.Register(provider.NewEvolinkGateway(
		viper.GetString("evolink.base_url"), viper.GetString("evolink.api_key")))
	providers.Register(provider.NewKieGateway(
		viper.GetString("kie.base_url"), viper.GetString("kie.api_key")))

	blobs := storage.NewHTTPBlobStore(
		viper.GetString("storage.endpoint"),
		viper.GetString("storage.bucket"),
		viper.GetString("storage.auth_token"),
		viper.GetString("storage.public_url"))

	ledgerService := services.NewCreditLedgerService(db, genConfig.ExpiryWarningWindow)
	admissionService := services.NewAdmissionService(db, redisClient, genConfig)
	videoService := services.NewVideoService(db, ledgerService, providers, blobs, admissionService, genConfig)
	recoveryService := services.NewRecoveryService(db, videoService, providers, genConfig)

	callbackHandler := handlers.NewCallbackHandler(db, videoService, providers, genConfig)
	recoveryHandler := handlers.NewRecoveryHandler(recoveryService)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Provider callbacks authenticate by signed URL, not bearer token
		r.Post("/callbacks/{provider}", callbackHandler.HandleCallback)

		// Admin endpoints (shared-secret header)
		r.Group(func(r chi.Router) {
			r.Use(mW.AdminAuth)

			r.Get("/admin/recovery", recoveryHandler.Preview)
			r.Post("/admin/recovery", recoveryHandler.Recover)
			r.Post("/admin/credits/recharge", ledgerService.RechargeHandler)
		})

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/videos", videoService.GenerateVideo)
			r.Get("/videos", videoService.ListVideosHandler)
			r.Get("/videos/{uuid}", videoService.GetVideoHandler)
			r.Post("/videos/{uuid}/refresh", videoService.RefreshVideoHandler)
			r.Delete("/videos/{uuid}", videoService.DeleteVideoHandler)

			r.Get("/credits/balance", ledgerService.GetBalanceHandler)
			r.Get("/credits/transactions", ledgerService.ListTransactionsHandler)
		})
	})

	// Background sweeps. Both are idempotent, so overlap with the admin
	// recovery endpoint or another instance is harmless.
	sweepCtx, stopSweeps := context.WithCancel(context.Background())

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n, err := ledgerService.ExpireCredits(sweepCtx); err != nil {
					log.Printf("Credit expiry sweep failed: %v", err)
				} else if n > 0 {
					log.Printf("[LEDGER] Expired %d credit packages", n)
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if _, err := recoveryService.Recover(sweepCtx, false, 0); err != nil {
					log.Printf("Recovery sweep failed: %v", err)
				}
			}
		}
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopSweeps()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
