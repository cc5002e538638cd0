package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"synthmemory/backend/internal/engine"
	"synthmemory/backend/pkg/config"
	"synthmemory/backend/pkg/logger"
)

const defaultMode = "default"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}

	// Initialize logger
	if err := logger.Init(cfg.Env, cfg.LogLevel); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting memory API server...", zap.String("config", cfg.Source()))

	for _, w := range cfg.Warnings() {
		log.Warn("Configuration warning", zap.String("warning", w))
	}

	ctx := context.Background()
	eng, err := engine.New(ctx, cfg, engine.Options{})
	if err != nil {
		log.Fatal("Failed to start memory engine", zap.Error(err))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := setupRouter(eng, log)

	// Start server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.String("port", cfg.Port))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error("Memory engine did not close cleanly", zap.Error(err))
	}

	log.Info("Server exited")
}

type ingestRequest struct {
	Text string `json:"text" binding:"required"`
	Mode string `json:"mode"`
}

type communityRequest struct {
	ID      *int64   `json:"id" binding:"required"`
	Summary string   `json:"summary"`
	Members []string `json:"members"`
}

type recallRequest struct {
	Query  string    `json:"query"`
	Mode   string    `json:"mode"`
	Vector []float32 `json:"vector"`
}

func setupRouter(eng *engine.Engine, log *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/memory")
	{
		// Queue a user message for background indexing
		api.POST("/ingest", func(c *gin.Context) {
			var req ingestRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if req.Mode == "" {
				req.Mode = defaultMode
			}

			eng.OnUserSend(req.Text, req.Mode)
			c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
		})

		// Recall memories for a query
		api.POST("/recall", func(c *gin.Context) {
			var req recallRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if strings.TrimSpace(req.Query) == "" && len(req.Vector) == 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "query or vector is required"})
				return
			}
			if req.Mode == "" {
				req.Mode = defaultMode
			}

			hits := eng.Recall(c.Request.Context(), req.Query, req.Vector, req.Mode)
			c.JSON(http.StatusOK, gin.H{
				"memories": engine.Texts(hits),
				"hits":     hits,
			})
		})

		// Record an externally computed community
		api.POST("/communities", func(c *gin.Context) {
			var req communityRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}

			if err := eng.AssignCommunity(c.Request.Context(), *req.ID, req.Summary, req.Members); err != nil {
				log.Error("Failed to assign community", zap.Int64("community", *req.ID), zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to assign community"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "updated"})
		})

		// Store sizes and degraded flags
		api.GET("/stats", func(c *gin.Context) {
			stats, err := eng.Stats(c.Request.Context())
			if err != nil {
				log.Error("Failed to read memory stats", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read stats"})
				return
			}
			c.JSON(http.StatusOK, stats)
		})
	}

	return router
}

// ginLogger is a custom logger middleware for Gin
func ginLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info("HTTP Request",
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
