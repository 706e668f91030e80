package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/athulya-anil/axon-forge/pkg/app"
	"github.com/athulya-anil/axon-forge/pkg/config"
	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	log.Printf("🚀 Axon platform starting on node %s...", cfg.NodeID)

	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Failed to start: %v", err)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		log.Printf("❌ %v", err)
	}
	log.Println("👋 Platform stopped")
}
