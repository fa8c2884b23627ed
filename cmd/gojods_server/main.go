package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	idsservice "github.com/sushant-115/gojods/api/ids_service"
	"github.com/sushant-115/gojods/core/catalog"
	"github.com/sushant-115/gojods/core/fsm"
	"github.com/sushant-115/gojods/core/lockmanager"
	"github.com/sushant-115/gojods/core/movers"
	"github.com/sushant-115/gojods/core/readiness"
	"github.com/sushant-115/gojods/core/storage_engine/tiered_storage"
	internaltelemetry "github.com/sushant-115/gojods/internal/telemetry"
	"github.com/sushant-115/gojods/pkg/config"
	"github.com/sushant-115/gojods/pkg/logger"
	"github.com/sushant-115/gojods/pkg/telemetry"
)

var (
	configPath = flag.String("config", "/etc/gojods/gojods.yaml", "Path to the YAML configuration file")
	httpAddr   = flag.String("http_addr", "", "HTTP bind address, overrides server.http_addr")
	grpcAddr   = flag.String("grpc_addr", "", "gRPC health bind address, overrides server.grpc_addr")
)

const (
	GrpcServerStopTimeout = 5 * time.Second
	HttpServerStopTimeout = 5 * time.Second
	MoverDrainTimeout     = 30 * time.Second
)

// node holds every running component of the server.
type node struct {
	logger    *zap.Logger
	fsm       *fsm.FSM
	pool      *movers.Pool
	tracker   *readiness.Tracker
	http      *http.Server
	grpc      *grpc.Server
	health    *health.Server
	telemetry telemetry.ShutdownFunc
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *grpcAddr != "" {
		cfg.Server.GRPCAddr = *grpcAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("CRITICAL: invalid configuration: %v", err)
	}

	zlogger, closeLogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer closeLogger()

	zlogger.Info("Starting gojods node",
		zap.String("granularity", cfg.Storage.Granularity),
		zap.String("mainDir", cfg.Storage.MainDir),
		zap.String("archiveDir", cfg.Storage.ArchiveDir),
		zap.String("httpAddr", cfg.Server.HTTPAddr),
		zap.String("grpcAddr", cfg.Server.GRPCAddr),
	)

	n, err := initNode(cfg, zlogger)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to initialize node", zap.Error(err))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go n.serveHTTP(&wg)
	go n.serveGRPC(&wg, cfg.Server.GRPCAddr)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	zlogger.Info("Received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

	n.shutdown()
	wg.Wait()
	zlogger.Info("gojods node shut down gracefully.")
}

func initNode(cfg *config.Config, zlogger *zap.Logger) (*node, error) {
	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry, zlogger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	n := &node{logger: zlogger, telemetry: shutdownTelemetry}

	granularity, err := fsm.ParseGranularity(cfg.Storage.Granularity)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.LoadFile(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	tiers, err := tiered_storage.NewTieredStorageManager(cfg.Storage.MainDir, cfg.Storage.ArchiveDir, zlogger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage tiers: %w", err)
	}
	locks := lockmanager.NewTableManager(zlogger)

	metrics, err := internaltelemetry.NewFSMMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	var markers *fsm.MarkerStore
	if granularity != fsm.GranularityNone {
		if markers, err = fsm.NewMarkerStore(cfg.Storage.MarkerDir); err != nil {
			return nil, err
		}
	}
	n.fsm, err = fsm.New(fsm.Config{
		Granularity:  granularity,
		WriteDelay:   cfg.FSM.WriteDelay,
		TickInterval: cfg.FSM.TickInterval,
	}, locks, cat, markers, nil, zlogger, fsm.WithMetrics(metrics), fsm.WithTracer(tel.Tracer))
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	if granularity != fsm.GranularityNone {
		n.pool, err = movers.NewPool(movers.Config{
			Workers:             cfg.Movers.Workers,
			PerBatchConcurrency: cfg.Movers.PerBatchConcurrency,
			BytesPerSecond:      cfg.Movers.BytesPerSecond,
		}, granularity, tiers, cat, n.fsm, zlogger, movers.WithMetrics(metrics), movers.WithTracer(tel.Tracer))
		if err != nil {
			return nil, fmt.Errorf("failed to create movers: %w", err)
		}
		n.fsm.SetDispatcher(n.pool)
		n.pool.Start()

		if _, err := n.fsm.Replay(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to replay write markers: %w", err)
		}
		n.fsm.Start()
	}

	n.tracker = readiness.NewTracker(readiness.Config{ChecksPerSecond: cfg.Readiness.ChecksPerSecond}, n.fsm, tiers.Main(), zlogger)
	svc := idsservice.NewService(n.fsm, n.tracker, cat, locks, tiers.Main(), zlogger)

	mux := svc.Handler()
	mux.Handle("GET /metrics", tel.MetricsHandler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	n.http = &http.Server{Addr: cfg.Server.HTTPAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	n.grpc = grpc.NewServer()
	n.health = health.NewServer()
	healthpb.RegisterHealthServer(n.grpc, n.health)
	n.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return n, nil
}

func (n *node) serveHTTP(wg *sync.WaitGroup) {
	defer wg.Done()
	n.logger.Info("HTTP server listening", zap.String("addr", n.http.Addr))
	if err := n.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		n.logger.Error("HTTP server failed", zap.Error(err))
	}
}

func (n *node) serveGRPC(wg *sync.WaitGroup, addr string) {
	defer wg.Done()
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		n.logger.Error("Failed to listen for gRPC", zap.String("addr", addr), zap.Error(err))
		return
	}
	n.logger.Info("gRPC health server listening", zap.String("addr", addr))
	if err := n.grpc.Serve(lis); err != nil {
		n.logger.Error("gRPC server failed", zap.Error(err))
	}
}

func (n *node) shutdown() {
	n.health.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), HttpServerStopTimeout)
	if err := n.http.Shutdown(ctx); err != nil {
		n.logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	cancel()

	stopped := make(chan struct{})
	go func() {
		n.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(GrpcServerStopTimeout):
		n.grpc.Stop()
	}

	n.fsm.Stop()
	if n.pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), MoverDrainTimeout)
		if err := n.pool.Stop(ctx); err != nil {
			n.logger.Warn("Movers did not drain", zap.Error(err))
		}
		cancel()
	}
	n.tracker.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.telemetry(ctx); err != nil {
		n.logger.Warn("Telemetry shutdown failed", zap.Error(err))
	}
}
