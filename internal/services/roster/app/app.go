// Package app wires the roster runtime: storage, the directory client,
// caches, the reconciliation engine, the syncer, and the HTTP and health
// surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/silverpine/rollcall/internal/platform/timeouts"
	rosterhttp "github.com/silverpine/rollcall/internal/services/roster/api/http"
	"github.com/silverpine/rollcall/internal/services/roster/callsign"
	"github.com/silverpine/rollcall/internal/services/roster/directory"
	"github.com/silverpine/rollcall/internal/services/roster/reconcile"
	"github.com/silverpine/rollcall/internal/services/roster/rolecache"
	"github.com/silverpine/rollcall/internal/services/roster/storage/sqlite"
	"github.com/silverpine/rollcall/internal/services/roster/syncer"
)

// Config is the roster runtime configuration.
type Config struct {
	// HTTPAddr is the JSON API listen address.
	HTTPAddr string
	// HealthAddr is the gRPC health listen address. Empty disables the
	// health server.
	HealthAddr string
	// DBPath locates the sqlite database file.
	DBPath string
	// APIServiceKey authenticates dashboard calls to the JSON API.
	APIServiceKey string

	// DirectoryBaseURL is the external role-directory endpoint.
	DirectoryBaseURL string
	// DirectoryServiceKey authenticates calls to the directory.
	DirectoryServiceKey string
	// DirectoryFetchTimeout, DirectoryMutateTimeout, DirectoryMaxRetries,
	// DirectoryRetryDelay, DirectoryBreakerCooldown, and
	// DirectoryVerifyDelay tune the directory client; zero values use
	// client defaults.
	DirectoryFetchTimeout    time.Duration
	DirectoryMutateTimeout   time.Duration
	DirectoryMaxRetries      int
	DirectoryRetryDelay      time.Duration
	DirectoryBreakerCooldown time.Duration
	DirectoryVerifyDelay     time.Duration
	// DisableVerification skips post-mutation state checks for rank roles.
	DisableVerification bool

	// BatchMode applies role mutations in batched directory calls.
	BatchMode bool
	// PropagationDelay, MaxReconcileAttempts, and ReconcileInterval tune
	// sync pacing; zero values use syncer defaults.
	PropagationDelay     time.Duration
	MaxReconcileAttempts int
	ReconcileInterval    time.Duration
	// CacheSweepInterval tunes expired-entry pruning; zero uses the
	// rolecache default.
	CacheSweepInterval time.Duration
	// UserRolesTTL, RoleServerTTL, and RoleMapTTL tune cache freshness;
	// zero values use rolecache defaults.
	UserRolesTTL  time.Duration
	RoleServerTTL time.Duration
	RoleMapTTL    time.Duration
	// MaxConcurrentFetches caps in-flight directory fetches; zero uses
	// the rolecache default.
	MaxConcurrentFetches int
	// DetailedLogging adds per-attempt reconcile logs to each sync.
	DetailedLogging bool
}

// Run starts the roster service and blocks until the context is cancelled
// or a listener fails.
func Run(ctx context.Context, cfg Config) error {
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return errors.New("http listen address is required")
	}
	if strings.TrimSpace(cfg.DirectoryBaseURL) == "" {
		return errors.New("directory base url is required")
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open roster store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("close roster store: %v", err)
		}
	}()

	client := directory.New(directory.Config{
		BaseURL:         cfg.DirectoryBaseURL,
		ServiceKey:      cfg.DirectoryServiceKey,
		FetchTimeout:    cfg.DirectoryFetchTimeout,
		MutateTimeout:   cfg.DirectoryMutateTimeout,
		MaxRetries:      cfg.DirectoryMaxRetries,
		RetryBaseDelay:  cfg.DirectoryRetryDelay,
		BreakerCooldown: cfg.DirectoryBreakerCooldown,
		VerifyDelay:     cfg.DirectoryVerifyDelay,
	})
	caches := rolecache.New(client, store, rolecache.Config{
		UserRolesTTL:         cfg.UserRolesTTL,
		RoleServerTTL:        cfg.RoleServerTTL,
		RoleMapTTL:           cfg.RoleMapTTL,
		MaxConcurrentFetches: cfg.MaxConcurrentFetches,
	})
	engine := reconcile.New(store, caches)
	allocator := callsign.NewAllocator(store)
	syncs := syncer.New(client, engine, allocator, caches, store, syncer.Config{
		PropagationDelay:     cfg.PropagationDelay,
		MaxReconcileAttempts: cfg.MaxReconcileAttempts,
		ReconcileInterval:    cfg.ReconcileInterval,
		BatchMode:            cfg.BatchMode,
		DisableVerification:  cfg.DisableVerification,
		DetailedLogging:      cfg.DetailedLogging,
	})

	mux := http.NewServeMux()
	api := rosterhttp.NewServer(cfg.APIServiceKey, syncs, engine, allocator, caches)
	api.RegisterRoutes(mux)

	go caches.RunSweeper(ctx, cfg.CacheSweepInterval)

	healthErr := make(chan error, 1)
	stopHealth := func() {}
	if strings.TrimSpace(cfg.HealthAddr) != "" {
		stopHealth, err = serveHealth(cfg.HealthAddr, healthErr)
		if err != nil {
			return err
		}
	}
	defer stopHealth()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("roster server listening at %s", cfg.HTTPAddr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("roster server shutdown: %v", err)
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("roster server: %w", err)
		}
		return nil
	case err := <-healthErr:
		return fmt.Errorf("health server: %w", err)
	}
}

// serveHealth starts the gRPC health endpoint used by orchestration probes.
func serveHealth(addr string, errs chan<- error) (stop func(), err error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		log.Printf("roster health server listening at %v", listener.Addr())
		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errs <- err
		}
	}()
	return func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
	}, nil
}
