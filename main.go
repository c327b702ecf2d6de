package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kofera/contractsign/config"
	"github.com/kofera/contractsign/handler"
	"github.com/kofera/contractsign/middleware"
	"github.com/kofera/contractsign/pkg/logger"
	"github.com/kofera/contractsign/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	slog.Info("configuration loaded successfully")

	// Initialize services
	artifacts, err := service.NewMinioStore(&cfg.Minio)
	if err != nil {
		slog.Error("failed to initialize artifact store", "error", err)
		os.Exit(1)
	}

	// Ensure bucket exists
	if err := artifacts.EnsureBucket(context.Background()); err != nil {
		slog.Error("failed to ensure artifact bucket", "error", err)
		os.Exit(1)
	}

	repo, err := service.OpenRepository(cfg.Database.Path)
	if err != nil {
		slog.Error("failed to open repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	signer := service.NewDeepLinkSigner(cfg.Server.BaseURL, cfg.Notify.TokenSecret,
		time.Duration(cfg.Notify.TokenExpireHours)*time.Hour)
	notifier := service.NewNotifier(&cfg.Notify, signer)
	lifecycle := service.NewLifecycle(repo, artifacts, service.NewCompositor(), notifier)

	// Initialize handlers
	contractHandler := handler.NewContractHandler(lifecycle, artifacts)

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New() // Use New() instead of Default() to avoid default middleware

	// Add custom middleware
	router.Use(middleware.RequestID())                 // Request ID for tracing
	router.Use(middleware.Recovery())                  // Panic recovery
	router.Use(middleware.RequestLogger())             // Access logging
	router.Use(corsMiddleware())                       // CORS
	router.Use(cacheMiddleware())                      // Cache control
	router.Use(middleware.RateLimit(100, time.Minute)) // Rate limiting: 100 requests per minute

	// Serve the workflow form pages
	staticDir := cfg.Server.StaticDir
	slog.Info("serving static files", "directory", staticDir)
	router.Static("/static", staticDir)
	router.StaticFile("/", filepath.Join(staticDir, "index.html"))
	router.GET("/contracts/:id/:form", serveForm(staticDir))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	// API routes
	api := router.Group("/api")
	{
		api.POST("/contracts", contractHandler.Upload)
		api.GET("/contracts", contractHandler.List)
		api.GET("/contracts/:id", contractHandler.Get)
		api.POST("/contracts/:id/fields", contractHandler.SaveFields)
		api.POST("/contracts/:id/company-input", contractHandler.CompanyInput)
		api.POST("/contracts/:id/signatures", contractHandler.Signatures)
		api.POST("/contracts/:id/action", contractHandler.Action)
	}

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// Drain queued notifications before exit
	notifier.Close()

	slog.Info("server exited gracefully")
}

// serveForm serves the static form page for a workflow deep link.
func serveForm(staticDir string) gin.HandlerFunc {
	pages := map[string]string{
		service.FormCompanyInput: "company-input.html",
		service.FormSign:         "sign.html",
		service.FormReview:       "review.html",
	}

	return func(c *gin.Context) {
		page, ok := pages[c.Param("form")]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown form"})
			return
		}
		c.File(filepath.Join(staticDir, page))
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// cacheMiddleware sets cache control headers for static files
func cacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		// Skip caching for API routes
		if strings.HasPrefix(path, "/api") {
			c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
			c.Header("Pragma", "no-cache")
			c.Header("Expires", "0")
			c.Next()
			return
		}

		// Set cache headers for static files (1 hour)
		if strings.HasSuffix(path, ".js") ||
			strings.HasSuffix(path, ".css") ||
			strings.HasSuffix(path, ".html") ||
			path == "/" {
			c.Header("Cache-Control", "public, max-age=3600, must-revalidate")
		}

		c.Next()
	}
}
