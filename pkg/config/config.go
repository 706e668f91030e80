// Package config loads platform and worker agent settings from an optional
// .env file, an optional YAML file and AXON_* environment variables, in
// that order of precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/comfyui"
	"github.com/athulya-anil/axon-forge/pkg/hub"
	"github.com/athulya-anil/axon-forge/pkg/tracing"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type DBConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr"`
	DB     int    `yaml:"db"`
	Prefix string `yaml:"prefix"`
}

type RabbitConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type EtcdConfig struct {
	Endpoints   []string `yaml:"endpoints"`
	ElectionKey string   `yaml:"election_key"`
	TTLSeconds  int      `yaml:"ttl_seconds"`
}

type DispatchConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

type WorkersConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// BackendConfig tunes the generation backend connections.
type BackendConfig struct {
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	StaleCheckInterval time.Duration `yaml:"stale_check_interval"`
	CancelTimeout      time.Duration `yaml:"cancel_timeout"`
	ReconnectBase      time.Duration `yaml:"reconnect_base"`
	ReconnectMax       time.Duration `yaml:"reconnect_max"`
	ReconnectFactor    float64       `yaml:"reconnect_factor"`
	ReconnectJitter    float64       `yaml:"reconnect_jitter"`
	EventBuffer        int           `yaml:"event_buffer"`
}

type HubConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongWait     time.Duration `yaml:"pong_wait"`
}

// CheckpointConfig is the checkpoint retention policy.
type CheckpointConfig struct {
	ClearOnComplete bool          `yaml:"clear_on_complete"`
	URLExpiry       time.Duration `yaml:"url_expiry"`
}

type TracingConfig struct {
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// InstanceSeed declares a backend instance to create at startup if missing.
type InstanceSeed struct {
	Name   string `yaml:"name"`
	WSURL  string `yaml:"ws_url"`
	APIURL string `yaml:"api_url"`
}

// Config holds every platform server setting.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	NodeID   string `yaml:"node_id"`

	DB          DBConfig         `yaml:"db"`
	Redis       RedisConfig      `yaml:"redis"`
	RabbitMQ    RabbitConfig     `yaml:"rabbitmq"`
	Minio       MinioConfig      `yaml:"minio"`
	Etcd        EtcdConfig       `yaml:"etcd"`
	Dispatch    DispatchConfig   `yaml:"dispatch"`
	Workers     WorkersConfig    `yaml:"workers"`
	Backend     BackendConfig    `yaml:"backend"`
	Hub         HubConfig        `yaml:"hub"`
	Checkpoints CheckpointConfig `yaml:"checkpoints"`
	Tracing     TracingConfig    `yaml:"tracing"`

	Instances []InstanceSeed `yaml:"instances"`
}

// Default returns a config that runs a single node on SQLite with no
// external infrastructure.
func Default() *Config {
	nodeID, _ := os.Hostname()
	if nodeID == "" {
		nodeID = "axon-node"
	}
	back := comfyui.DefaultConfig()
	h := hub.DefaultConfig()
	return &Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		NodeID:   nodeID,
		DB:       DBConfig{Driver: "sqlite", DSN: "axon.db"},
		Redis:    RedisConfig{Prefix: "axon"},
		RabbitMQ: RabbitConfig{Exchange: "axon.jobs"},
		Minio:    MinioConfig{Bucket: "axon-checkpoints"},
		Etcd:     EtcdConfig{ElectionKey: "/axon/dispatcher", TTLSeconds: 10},
		Dispatch: DispatchConfig{Interval: 2 * time.Second, BatchSize: 50},
		Workers:  WorkersConfig{HeartbeatTimeout: 60 * time.Second, SweepInterval: 15 * time.Second},
		Backend: BackendConfig{
			HandshakeTimeout:   back.HandshakeTimeout,
			PingInterval:       back.PingInterval,
			StaleAfter:         back.StaleAfter,
			StaleCheckInterval: back.StaleCheckInterval,
			CancelTimeout:      back.CancelTimeout,
			ReconnectBase:      back.Backoff.Base,
			ReconnectMax:       back.Backoff.Max,
			ReconnectFactor:    back.Backoff.Factor,
			ReconnectJitter:    back.Backoff.Jitter,
			EventBuffer:        1024,
		},
		Hub:         HubConfig{QueueSize: h.QueueSize, PingInterval: h.PingInterval, PongWait: h.PongWait},
		Checkpoints: CheckpointConfig{URLExpiry: 15 * time.Minute},
		Tracing:     TracingConfig{Exporter: "none", SampleRatio: 1},
	}
}

// Load builds the platform config: defaults, then .env, then the YAML file
// named by AXON_CONFIG, then AXON_* overrides.
func Load() (*Config, error) {
	loadDotEnv()

	cfg := Default()
	if path := os.Getenv("AXON_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile merges a YAML file over cfg.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	log.Printf("[CONFIG] loaded %s", path)
	return nil
}

// ApplyEnv overrides fields from AXON_* environment variables.
func (c *Config) ApplyEnv() {
	c.HTTPAddr = getenv("AXON_HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getenv("AXON_GRPC_ADDR", c.GRPCAddr)
	c.NodeID = getenv("AXON_NODE_ID", c.NodeID)

	c.DB.Driver = getenv("AXON_DB_DRIVER", c.DB.Driver)
	c.DB.DSN = getenv("AXON_DB_DSN", c.DB.DSN)

	c.Redis.Addr = getenv("AXON_REDIS_ADDR", c.Redis.Addr)
	c.Redis.DB = getenvInt("AXON_REDIS_DB", c.Redis.DB)
	c.Redis.Prefix = getenv("AXON_REDIS_PREFIX", c.Redis.Prefix)

	c.RabbitMQ.URL = getenv("AXON_RABBITMQ_URL", c.RabbitMQ.URL)
	c.RabbitMQ.Exchange = getenv("AXON_RABBITMQ_EXCHANGE", c.RabbitMQ.Exchange)

	c.Minio.Endpoint = getenv("AXON_MINIO_ENDPOINT", c.Minio.Endpoint)
	c.Minio.AccessKey = getenv("AXON_MINIO_ACCESS_KEY", c.Minio.AccessKey)
	c.Minio.SecretKey = getenv("AXON_MINIO_SECRET_KEY", c.Minio.SecretKey)
	c.Minio.Bucket = getenv("AXON_MINIO_BUCKET", c.Minio.Bucket)
	c.Minio.UseSSL = getenvBool("AXON_MINIO_USE_SSL", c.Minio.UseSSL)

	c.Etcd.Endpoints = getenvList("AXON_ETCD_ENDPOINTS", c.Etcd.Endpoints)
	c.Etcd.ElectionKey = getenv("AXON_ETCD_ELECTION_KEY", c.Etcd.ElectionKey)
	c.Etcd.TTLSeconds = getenvInt("AXON_ETCD_TTL_SECONDS", c.Etcd.TTLSeconds)

	c.Dispatch.Interval = getenvDuration("AXON_DISPATCH_INTERVAL", c.Dispatch.Interval)
	c.Dispatch.BatchSize = getenvInt("AXON_DISPATCH_BATCH_SIZE", c.Dispatch.BatchSize)

	c.Workers.HeartbeatTimeout = getenvDuration("AXON_HEARTBEAT_TIMEOUT", c.Workers.HeartbeatTimeout)
	c.Workers.SweepInterval = getenvDuration("AXON_SWEEP_INTERVAL", c.Workers.SweepInterval)

	c.Backend.HandshakeTimeout = getenvDuration("AXON_BACKEND_HANDSHAKE_TIMEOUT", c.Backend.HandshakeTimeout)
	c.Backend.PingInterval = getenvDuration("AXON_BACKEND_PING_INTERVAL", c.Backend.PingInterval)
	c.Backend.StaleAfter = getenvDuration("AXON_STALE_AFTER", c.Backend.StaleAfter)
	c.Backend.StaleCheckInterval = getenvDuration("AXON_STALE_CHECK_INTERVAL", c.Backend.StaleCheckInterval)
	c.Backend.CancelTimeout = getenvDuration("AXON_CANCEL_TIMEOUT", c.Backend.CancelTimeout)
	c.Backend.ReconnectBase = getenvDuration("AXON_RECONNECT_BASE", c.Backend.ReconnectBase)
	c.Backend.ReconnectMax = getenvDuration("AXON_RECONNECT_MAX", c.Backend.ReconnectMax)
	c.Backend.ReconnectFactor = getenvFloat("AXON_RECONNECT_FACTOR", c.Backend.ReconnectFactor)
	c.Backend.ReconnectJitter = getenvFloat("AXON_RECONNECT_JITTER", c.Backend.ReconnectJitter)
	c.Backend.EventBuffer = getenvInt("AXON_EVENT_BUFFER", c.Backend.EventBuffer)

	c.Hub.QueueSize = getenvInt("AXON_HUB_QUEUE_SIZE", c.Hub.QueueSize)
	c.Hub.PingInterval = getenvDuration("AXON_HUB_PING_INTERVAL", c.Hub.PingInterval)
	c.Hub.PongWait = getenvDuration("AXON_HUB_PONG_WAIT", c.Hub.PongWait)

	c.Checkpoints.ClearOnComplete = getenvBool("AXON_CHECKPOINTS_CLEAR_ON_COMPLETE", c.Checkpoints.ClearOnComplete)
	c.Checkpoints.URLExpiry = getenvDuration("AXON_CHECKPOINTS_URL_EXPIRY", c.Checkpoints.URLExpiry)

	c.Tracing.Exporter = getenv("AXON_TRACING_EXPORTER", c.Tracing.Exporter)
	c.Tracing.Endpoint = getenv("AXON_TRACING_ENDPOINT", c.Tracing.Endpoint)
	c.Tracing.Insecure = getenvBool("AXON_TRACING_INSECURE", c.Tracing.Insecure)
	c.Tracing.SampleRatio = getenvFloat("AXON_TRACING_SAMPLE_RATIO", c.Tracing.SampleRatio)
}

// Validate rejects settings the platform cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported db driver %q", c.DB.Driver))
	}
	if c.DB.DSN == "" {
		errs = append(errs, errors.New("db dsn is required"))
	}
	if c.Dispatch.Interval <= 0 {
		errs = append(errs, errors.New("dispatch interval must be positive"))
	}
	if c.Dispatch.BatchSize <= 0 {
		errs = append(errs, errors.New("dispatch batch size must be positive"))
	}
	if c.Workers.HeartbeatTimeout <= 0 || c.Workers.SweepInterval <= 0 {
		errs = append(errs, errors.New("heartbeat timeout and sweep interval must be positive"))
	}
	if c.Hub.QueueSize <= 0 {
		errs = append(errs, errors.New("hub queue size must be positive"))
	}
	if c.Minio.Endpoint != "" && (c.Minio.AccessKey == "" || c.Minio.SecretKey == "") {
		errs = append(errs, errors.New("minio endpoint set without credentials"))
	}
	for i, inst := range c.Instances {
		if inst.Name == "" || inst.WSURL == "" || inst.APIURL == "" {
			errs = append(errs, fmt.Errorf("instance %d needs name, ws_url and api_url", i))
		}
	}
	return errors.Join(errs...)
}

// Comfy returns the backend connection settings.
func (c *Config) Comfy() comfyui.Config {
	return comfyui.Config{
		Backoff: comfyui.Backoff{
			Base:   c.Backend.ReconnectBase,
			Max:    c.Backend.ReconnectMax,
			Factor: c.Backend.ReconnectFactor,
			Jitter: c.Backend.ReconnectJitter,
		},
		HandshakeTimeout:   c.Backend.HandshakeTimeout,
		PingInterval:       c.Backend.PingInterval,
		StaleAfter:         c.Backend.StaleAfter,
		StaleCheckInterval: c.Backend.StaleCheckInterval,
		CancelTimeout:      c.Backend.CancelTimeout,
	}
}

// HubSettings returns the notification hub settings.
func (c *Config) HubSettings() hub.Config {
	return hub.Config{
		QueueSize:    c.Hub.QueueSize,
		PingInterval: c.Hub.PingInterval,
		PongWait:     c.Hub.PongWait,
	}
}

// TracingSettings returns the span exporter settings.
func (c *Config) TracingSettings() tracing.Config {
	return tracing.Config{
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		Insecure:    c.Tracing.Insecure,
		SampleRatio: c.Tracing.SampleRatio,
	}
}

func loadDotEnv() {
	path := getenv("AXON_ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("⚠️ Failed to load %s: %v", path, err)
		}
		return
	}
	log.Printf("[CONFIG] loaded environment from %s", path)
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("⚠️ Ignoring %s=%q: %v", key, v, err)
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("⚠️ Ignoring %s=%q: %v", key, v, err)
		return fallback
	}
	return f
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("⚠️ Ignoring %s=%q: %v", key, v, err)
		return fallback
	}
	return d
}

func getenvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
