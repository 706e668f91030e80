package config

import (
	"errors"
	"os"
	"time"
)

// AgentConfig holds the worker agent settings.
type AgentConfig struct {
	ServerURL         string
	Name              string
	Hostname          string
	IPAddress         string
	GPUModel          string
	GPUCount          int
	VRAMTotalMB       int64
	JobTypes          []string
	InstanceID        string
	HeartbeatInterval time.Duration
	RegisterAttempts  int
}

// LoadAgent reads the worker agent settings from .env and AXON_* variables.
func LoadAgent() (*AgentConfig, error) {
	loadDotEnv()

	host, _ := os.Hostname()
	cfg := &AgentConfig{
		ServerURL:         getenv("AXON_SERVER_URL", "http://localhost:8080"),
		Name:              getenv("AXON_WORKER_NAME", host),
		Hostname:          host,
		IPAddress:         getenv("AXON_WORKER_IP", ""),
		GPUModel:          getenv("AXON_GPU_MODEL", ""),
		GPUCount:          getenvInt("AXON_GPU_COUNT", 1),
		VRAMTotalMB:       int64(getenvInt("AXON_VRAM_TOTAL_MB", 0)),
		JobTypes:          getenvList("AXON_WORKER_JOB_TYPES", nil),
		InstanceID:        getenv("AXON_WORKER_INSTANCE_ID", ""),
		HeartbeatInterval: getenvDuration("AXON_HEARTBEAT_INTERVAL", 10*time.Second),
		RegisterAttempts:  getenvInt("AXON_REGISTER_ATTEMPTS", 0),
	}
	if cfg.Name == "" {
		return nil, errors.New("worker name is required (AXON_WORKER_NAME)")
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, errors.New("heartbeat interval must be positive")
	}
	return cfg, nil
}
