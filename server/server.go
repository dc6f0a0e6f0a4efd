package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/tradegrid/tradegrid/balancer"
	"github.com/tradegrid/tradegrid/cache"
	"github.com/tradegrid/tradegrid/config"
	"github.com/tradegrid/tradegrid/eventbus"
	"github.com/tradegrid/tradegrid/registry"
	"github.com/tradegrid/tradegrid/util/logger"
)

// balancerSyncInterval is how often ring membership is reconciled with the
// registry view.
const balancerSyncInterval = 2 * time.Second

// Component is one shard role's long-running engine (agent orchestrator,
// trade processor, chain gateway, message router).
type Component interface {
	Start(ctx context.Context) error
}

// Server is the shared runtime every shard node runs: registry membership
// with heartbeats, the consistent-hash routing view, the event bus and cache
// connections, a gRPC health endpoint, and Prometheus metrics.
type Server struct {
	cfg  *config.Config
	node *config.NodeConfig

	Registry *registry.Registry
	Balancer *balancer.Balancer
	Cache    *cache.Cache
	Bus      eventbus.Bus

	components []Component
	health     *health.Server

	ctx    context.Context
	cancel context.CancelFunc
	logger *logger.Logger
}

// NewServer builds the runtime for one node from the cluster config.
func NewServer(cfg *config.Config, nodeID string) (*Server, error) {
	node, err := cfg.GetNodeByID(nodeID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	reg := registry.New(cfg.Etcd.Endpoints, cfg.Etcd.Prefix)
	srv := &Server{
		cfg:      cfg,
		node:     node,
		Registry: reg,
		Balancer: balancer.New(reg, cfg.Balancer.VirtualNodes),
		Cache:    cache.New(cache.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}),
		Bus: eventbus.NewRedisBus(eventbus.Options{
			Addr:           cfg.Redis.Addr,
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			Source:         nodeID,
			Partitions:     cfg.EventBus.Partitions,
			ConnectRetries: cfg.EventBus.ConnectRetries,
		}),
		health: health.NewServer(),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.NewLogger(fmt.Sprintf("Server(%s)", nodeID)),
	}
	return srv, nil
}

// NodeID returns this node's id.
func (s *Server) NodeID() string { return s.node.ID }

// Role returns this node's role.
func (s *Server) Role() config.Role { return s.node.Role }

// AddComponent registers a role engine to start with the server.
func (s *Server) AddComponent(c Component) {
	s.components = append(s.components, c)
}

// Run starts the runtime and blocks until a shutdown signal arrives.
func (s *Server) Run() error {
	defer s.cancel()

	if err := s.connectBackends(); err != nil {
		return err
	}

	info := &registry.ServiceInfo{
		ID:     s.node.ID,
		Name:   string(s.node.Role),
		Host:   s.node.Host,
		Port:   s.node.Port,
		Status: registry.StatusHealthy,
		Metadata: map[string]string{
			"role": string(s.node.Role),
		},
	}
	if err := s.Registry.Register(s.ctx, info); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}
	if err := s.Registry.WatchServices(s.ctx); err != nil {
		return fmt.Errorf("failed to watch services: %w", err)
	}
	go s.balancerLoop()

	for _, c := range s.components {
		if err := c.Start(s.ctx); err != nil {
			return fmt.Errorf("failed to start component: %w", err)
		}
	}

	if s.node.MetricsAddr != "" {
		go s.serveMetrics()
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.node.Host, s.node.Port))
	if err != nil {
		return err
	}
	defer listener.Close()

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, s.health)
	reflection.Register(grpcServer)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.logger.Infof("gRPC server listening on %s", listener.Addr().String())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		s.logger.Infof("Received shutdown signal, stopping...")
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()
	}()

	err = grpcServer.Serve(listener)
	if err != nil {
		s.logger.Errorf("gRPC server error: %v", err)
	}

	s.shutdown()
	s.logger.Infof("Server stopped")
	return err
}

func (s *Server) connectBackends() error {
	if err := s.Registry.Connect(); err != nil {
		return fmt.Errorf("failed to connect to etcd: %w", err)
	}
	if err := s.Cache.Connect(s.ctx); err != nil {
		return fmt.Errorf("failed to connect to cache: %w", err)
	}
	type connector interface {
		Connect(ctx context.Context) error
	}
	if c, ok := s.Bus.(connector); ok {
		if err := c.Connect(s.ctx); err != nil {
			return fmt.Errorf("failed to connect to event bus: %w", err)
		}
	}
	return nil
}

func (s *Server) balancerLoop() {
	ticker := time.NewTicker(balancerSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Balancer.Sync()
		}
	}
}

func (s *Server) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.logger.Infof("Metrics server listening on %s", s.node.MetricsAddr)
	if err := http.ListenAndServe(s.node.MetricsAddr, mux); err != nil {
		s.logger.Errorf("Metrics server error: %v", err)
	}
}

func (s *Server) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Registry.Stop(shutdownCtx); err != nil {
		s.logger.Errorf("Failed to deregister node: %v", err)
	}
	if err := s.Registry.Close(); err != nil {
		s.logger.Errorf("Failed to close registry client: %v", err)
	}
	if err := s.Bus.Disconnect(); err != nil {
		s.logger.Errorf("Failed to disconnect event bus: %v", err)
	}
	if err := s.Cache.Close(); err != nil {
		s.logger.Errorf("Failed to close cache client: %v", err)
	}
	s.cancel()
}
