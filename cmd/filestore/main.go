// Package main provides the entry point for the file storage service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"asisaid.cn/filestore/internal/auth"
	"asisaid.cn/filestore/internal/common/config"
	"asisaid.cn/filestore/internal/common/logger"
	"asisaid.cn/filestore/internal/metadata"
	"asisaid.cn/filestore/internal/service"
	"asisaid.cn/filestore/internal/storage"
	httpapi "asisaid.cn/filestore/pkg/api/http"
)

var (
	configPath = flag.String("config", "", "path to config file")
	version    = "dev"
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logCfg := logger.Config{
		Level:       cfg.Logger.Level,
		Format:      cfg.Logger.Format,
		Output:      cfg.Logger.Output,
		Development: cfg.Logger.Development,
	}
	if err := logger.Init(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.WithComponent("main")
	log.Info("starting filestore",
		zap.String("version", version),
		zap.String("storage_provider", cfg.Storage.Provider),
	)

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret)
	if err != nil {
		log.Fatal("invalid auth configuration", zap.Error(err))
	}

	// Initialize storage backend
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	storageBackend, err := storage.NewBackend(startCtx, cfg.Storage)
	if err != nil {
		cancelStart()
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer storageBackend.Close()

	if pinger, ok := storageBackend.(storage.Pinger); ok {
		if err := pinger.Ping(startCtx); err != nil {
			log.Warn("storage backend not reachable yet", zap.Error(err))
		}
	}
	cancelStart()

	// Initialize metadata store
	metaStore, err := metadata.NewBadgerStore(cfg.Metadata.DBPath)
	if err != nil {
		log.Fatal("failed to initialize metadata store", zap.Error(err))
	}
	defer metaStore.Close()

	fileService := service.NewFileService(storageBackend, metaStore,
		service.WithReconcileGrace(cfg.Storage.ReconcileGrace),
	)
	handler := httpapi.NewHandler(fileService, verifier, cfg.Server.MaxUploadSize)

	// Setup Gin
	if !cfg.Logger.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger())
	router.Use(httpapi.CORS(cfg.Server.CORSOrigins))

	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited")
}

// ginLogger returns a Gin middleware that logs requests using zap.
func ginLogger() gin.HandlerFunc {
	log := logger.WithComponent("http")

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if caller, ok := auth.CallerFrom(c); ok {
			fields = append(fields, zap.String("user_id", caller.ID))
		}

		log.Info("request", fields...)
	}
}
