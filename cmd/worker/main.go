package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/athulya-anil/axon-forge/pkg/config"
	"github.com/athulya-anil/axon-forge/pkg/worker"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}

	log.Printf("🚀 Starting Axon Worker %s...", cfg.Name)
	log.Printf("📡 Platform address: %s", cfg.ServerURL)

	agent := worker.NewAgent(worker.NewClient(cfg.ServerURL), worker.Registration{
		Name:        cfg.Name,
		Hostname:    cfg.Hostname,
		IPAddress:   cfg.IPAddress,
		GPUModel:    cfg.GPUModel,
		GPUCount:    cfg.GPUCount,
		VRAMTotalMB: cfg.VRAMTotalMB,
		JobTypes:    cfg.JobTypes,
		InstanceID:  cfg.InstanceID,
	}, cfg.HeartbeatInterval, cfg.RegisterAttempts)

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(ctx); err != nil {
		log.Fatalf("❌ Worker %s stopped: %v", cfg.Name, err)
	}
	log.Println("👋 Worker stopped")
}
