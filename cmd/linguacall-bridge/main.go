package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"linguacall/internal/audio"
	"linguacall/pkg/callkit"
	"linguacall/pkg/config"
	"linguacall/pkg/logger"
)

// linguacall-bridge runs one call at a time against the in-process loopback
// engine and serves the local UI bridge. Shells embedding a vendor SDK build
// their own main around callkit.New with a real EngineFactory.
func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Setup logging
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		logger.InitDefault()
		logger.Warn("Falling back to default logger", zap.Error(err))
	}
	defer logger.Sync()

	if os.Getenv("ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 3. Assemble the call kit
	ctx := context.Background()
	kit, err := callkit.New(ctx, cfg, callkit.Options{
		Engine: func() (audio.Engine, error) {
			return audio.NewLoopbackEngine(50 * time.Millisecond), nil
		},
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logger.Fatal("Failed to create call kit", zap.Error(err))
	}

	// 4. Start the bridge
	server := &http.Server{
		Addr:              cfg.Bridge.Addr,
		Handler:           kit.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Call bridge starting",
			zap.String("addr", cfg.Bridge.Addr),
			zap.String("signaling_url", cfg.Signaling.URL),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 5. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down call bridge")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Call.LeaveTimeout+5*time.Second)
	defer cancel()

	if err := kit.Close(shutdownCtx); err != nil {
		logger.Warn("Call did not end cleanly", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Call bridge exited")
}
