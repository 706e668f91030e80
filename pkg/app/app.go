// Package app builds every platform component from a Config and runs them
// for the lifetime of the process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/api"
	"github.com/athulya-anil/axon-forge/pkg/broker"
	"github.com/athulya-anil/axon-forge/pkg/checkpoint"
	"github.com/athulya-anil/axon-forge/pkg/comfyui"
	"github.com/athulya-anil/axon-forge/pkg/config"
	"github.com/athulya-anil/axon-forge/pkg/dashboard"
	"github.com/athulya-anil/axon-forge/pkg/hub"
	"github.com/athulya-anil/axon-forge/pkg/leader"
	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/athulya-anil/axon-forge/pkg/progress"
	"github.com/athulya-anil/axon-forge/pkg/registry"
	"github.com/athulya-anil/axon-forge/pkg/relay"
	"github.com/athulya-anil/axon-forge/pkg/scheduler"
	"github.com/athulya-anil/axon-forge/pkg/store"
	"github.com/athulya-anil/axon-forge/pkg/tracing"
	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

// DispatcherService is the health service name that reports SERVING only
// on the node currently leading dispatch.
const DispatcherService = "axon.dispatcher"

// App owns every component of one platform node.
type App struct {
	cfg *config.Config
	db  *gorm.DB

	Jobs        *store.JobStore
	Workers     *store.WorkerStore
	Instances   *store.InstanceStore
	Executions  *store.ExecutionStore
	Checkpoints *checkpoint.Store
	Hub         *hub.Hub
	Registry    *registry.Registry
	Manager     *comfyui.Manager
	Handler     *progress.Handler
	Dispatcher  *scheduler.Dispatcher
	Control     *scheduler.Control
	Router      *gin.Engine
	Health      *health.Server

	relay     *relay.Relay
	redis     *redis.Client
	publisher *broker.Publisher
	amqpConn  *amqp.Connection
	elector   *leader.Elector

	leading         atomic.Bool
	shutdownTracing func(context.Context) error
}

// New connects to the configured infrastructure and wires the components.
// Redis, RabbitMQ, MinIO and etcd are optional; each is used only when
// configured.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	shutdown, err := tracing.Init(ctx, "axon-forge", cfg.TracingSettings())
	if err != nil {
		return nil, err
	}
	a.shutdownTracing = shutdown

	a.db, err = store.Open(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	a.Jobs = store.NewJobStore(a.db)
	a.Workers = store.NewWorkerStore(a.db)
	a.Instances = store.NewInstanceStore(a.db)
	a.Executions = store.NewExecutionStore(a.db)

	var blobs checkpoint.BlobStore
	if cfg.Minio.Endpoint != "" {
		mb, err := checkpoint.NewMinioBlobs(ctx, cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.Bucket, cfg.Minio.UseSSL)
		if err != nil {
			a.Close()
			return nil, err
		}
		blobs = mb
	}
	a.Checkpoints = checkpoint.NewStore(a.db, blobs)

	a.Hub = hub.New(cfg.HubSettings())

	var notify scheduler.Notifier = a.Hub
	var waker scheduler.Waker
	if cfg.Redis.Addr != "" {
		a.redis, err = relay.Connect(ctx, cfg.Redis.Addr, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.relay = relay.New(a.redis, cfg.NodeID, cfg.Redis.Prefix, a.Hub)
		notify = a.relay
		waker = a.relay
	}

	var pub progress.Publisher
	if cfg.RabbitMQ.URL != "" {
		a.publisher, a.amqpConn, err = broker.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			a.Close()
			return nil, err
		}
		pub = a.publisher
	}

	if len(cfg.Etcd.Endpoints) > 0 {
		a.elector, err = leader.NewElector(cfg.Etcd.Endpoints, cfg.NodeID, cfg.Etcd.ElectionKey, cfg.Etcd.TTLSeconds)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Registry = registry.NewRegistry(a.Workers, a.Jobs, cfg.Workers.HeartbeatTimeout, cfg.Workers.SweepInterval)
	a.Manager = comfyui.NewManager(a.Instances, a.Executions, cfg.Comfy(), cfg.Backend.EventBuffer)
	a.Dispatcher = scheduler.NewDispatcher(a.Jobs, a.Registry, a.Manager, notify, cfg.Dispatch.Interval, cfg.Dispatch.BatchSize)
	a.Handler = progress.NewHandler(a.Jobs, a.Executions, a.Instances, a.Checkpoints, notify, progress.Options{
		Publisher:       pub,
		Memory:          a.Manager,
		ClearOnComplete: cfg.Checkpoints.ClearOnComplete,
		OnWorkerFreed:   a.Dispatcher.Trigger,
	})
	a.Registry.OnLostJob(a.Handler.HandleLostJob)
	a.Control = scheduler.NewControl(a.Jobs, a.Manager, notify, a.Dispatcher, waker)
	if a.relay != nil {
		a.relay.OnWake(a.Dispatcher.Trigger)
	}

	if err := a.seedInstances(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Health = health.NewServer()
	a.Health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	a.Health.SetServingStatus(DispatcherService, healthpb.HealthCheckResponse_NOT_SERVING)

	a.Router = gin.New()
	a.Router.Use(gin.Recovery())
	api.NewAPI(api.Deps{
		Control:     a.Control,
		Jobs:        a.Jobs,
		Registry:    a.Registry,
		Checkpoints: a.Checkpoints,
		Instances:   a.Instances,
		Backends:    a.Manager,
		Hub:         a.Hub,
		NodeID:      cfg.NodeID,
		IsLeader:    a.IsLeader,
		URLExpiry:   cfg.Checkpoints.URLExpiry,
	}).SetupRoutes(a.Router)
	dashboard.New(a.Registry, a.Jobs, a.Hub, cfg.NodeID, a.IsLeader).SetupRoutes(a.Router)

	return a, nil
}

// seedInstances creates the instances named in the config file that do
// not exist yet.
func (a *App) seedInstances(ctx context.Context) error {
	for _, seed := range a.cfg.Instances {
		if _, err := a.Instances.GetByName(ctx, seed.Name); err == nil {
			continue
		} else if !errors.Is(err, models.ErrNotFound) {
			return err
		}
		inst := &models.GenerationInstance{Name: seed.Name, WSURL: seed.WSURL, APIURL: seed.APIURL, IsEnabled: true}
		if err := a.Instances.Create(ctx, inst); err != nil {
			return err
		}
		log.Printf("[APP] seeded backend instance %s (%s)", inst.Name, inst.APIURL)
	}
	return nil
}

// IsLeader reports whether this node runs the dispatch loop.
func (a *App) IsLeader() bool {
	if a.elector != nil {
		return a.elector.IsLeader()
	}
	return a.leading.Load()
}

// Run serves HTTP and gRPC health, and takes part in leadership, until ctx
// is done or a listener fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Hub.Run(ctx)
	}()

	if a.relay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.relay.Run(ctx); err != nil {
				log.Printf("⚠️ Relay stopped: %v", err)
			}
		}()
	}

	httpServer := &http.Server{Addr: a.cfg.HTTPAddr, Handler: a.Router}
	go func() {
		log.Printf("🌐 HTTP API listening on %s", a.cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, a.Health)
	lis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.GRPCAddr, err)
	}
	go func() {
		log.Printf("🎧 gRPC health listening on %s", a.cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server failed: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.campaign(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	log.Printf("🛑 Shutting down node %s...", a.cfg.NodeID)
	a.Health.Shutdown()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ HTTP shutdown: %v", err)
	}
	grpcServer.GracefulStop()
	wg.Wait()
	return runErr
}

// campaign runs the leader tasks whenever this node holds leadership. With
// no election configured the node leads on its own.
func (a *App) campaign(ctx context.Context) {
	if a.elector == nil {
		a.leading.Store(true)
		defer a.leading.Store(false)
		a.Lead(ctx)
		return
	}
	if err := a.elector.Run(ctx, a.Lead); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("⚠️ Election stopped: %v", err)
	}
}

// Lead runs the leader-only tasks until ctx is done: backend connections,
// event handling, the heartbeat sweep and the dispatcher.
func (a *App) Lead(ctx context.Context) {
	log.Printf("🏆 Node %s leading dispatch", a.cfg.NodeID)
	a.Health.SetServingStatus(DispatcherService, healthpb.HealthCheckResponse_SERVING)
	defer a.Health.SetServingStatus(DispatcherService, healthpb.HealthCheckResponse_NOT_SERVING)

	if err := a.Manager.Start(ctx); err != nil {
		log.Printf("⚠️ %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.Handler.Run(ctx, a.Manager.Events())
	}()
	go func() {
		defer wg.Done()
		a.Registry.Monitor(ctx)
	}()
	go func() {
		defer wg.Done()
		a.Dispatcher.Run(ctx)
	}()
	wg.Wait()
	a.Manager.Wait()
	log.Printf("[APP] node %s stopped leading", a.cfg.NodeID)
}

// Close releases every connection the app opened.
func (a *App) Close() {
	if a.elector != nil {
		a.elector.Close()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.amqpConn != nil {
		a.amqpConn.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTracing(ctx); err != nil {
			log.Printf("⚠️ Tracing shutdown: %v", err)
		}
	}
}
