// Package app provides the unified application lifecycle management for
// the fetch-core server: shared resource construction, HTTP/gRPC surface
// startup, and graceful shutdown.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	grpcapi "github.com/arkilian/arkilian/internal/api/grpc"
	httpapi "github.com/arkilian/arkilian/internal/api/http"
	"github.com/arkilian/arkilian/internal/config"
	"github.com/arkilian/arkilian/internal/groupby"
	"github.com/arkilian/arkilian/internal/join"
	"github.com/arkilian/arkilian/internal/kvstore"
	"github.com/arkilian/arkilian/internal/logging"
	"github.com/arkilian/arkilian/internal/observability"
	"github.com/arkilian/arkilian/internal/server"
	"github.com/arkilian/arkilian/internal/servinginfo"
	"google.golang.org/grpc"
)

// ServingInfoLoader and JoinResolver are satisfied by the store-backed
// adapters in cmd/fetch-server, kept out of this package so it has no
// direct dependency on how metadata is encoded.
type ServingInfoLoader = servinginfo.Loader
type JoinResolver = join.Resolver

// Sink is the logging sampler's emission target; cmd/fetch-server wires
// a concrete implementation (stdout, a file, a remote collector).
type Sink = logging.Sink

// App wires the fetch core's shared components and owns the HTTP/gRPC
// server lifecycles built on top of them.
type App struct {
	cfg *config.Config

	store       kvstore.Store
	servingInfo *servinginfo.Cache
	fetcher     *groupby.Fetcher
	planner     *join.Planner
	sampler     *logging.Sampler
	counters    *observability.Counters

	shutdown *server.ShutdownManager

	httpServer *http.Server
	grpcServer *grpc.Server
	grpcLis    net.Listener

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New creates an App from cfg, a key-value store, and the metadata
// loaders the caller built for it.
func New(cfg *config.Config, store kvstore.Store, servingInfoLoader ServingInfoLoader, joinResolver JoinResolver, sink Sink) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	servingInfoCache := servinginfo.New(servingInfoLoader, cfg.ServingInfo.TTL)
	counters := observability.New()
	fetcher := groupby.NewFetcher(store, servingInfoCache, counters, cfg.Fetch.WorkerPoolSize, cfg.Fetch.DecodeCacheSize)
	planner := join.NewPlanner(joinResolver, fetcher)
	sampler := logging.NewSampler(planner, joinResolver, servingInfoCache, sink, counters, cfg.Logging.JoinCodecTTL)
	sampler.DebugMode = cfg.Logging.Debug

	return &App{
		cfg:         cfg,
		store:       store,
		servingInfo: servingInfoCache,
		fetcher:     fetcher,
		planner:     planner,
		sampler:     sampler,
		counters:    counters,
		shutdown:    server.NewShutdownManager(server.DefaultShutdownConfig()),
	}, nil
}

// Counters exposes the shared observability counters, e.g. for a debug
// /stats endpoint the caller wires separately.
func (a *App) Counters() *observability.Counters {
	return a.counters
}

// Start initializes the configured serving surfaces.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	if a.cfg.ShouldRunHTTP() {
		if err := a.startHTTP(); err != nil {
			return fmt.Errorf("failed to start HTTP surface: %w", err)
		}
	}
	if a.cfg.ShouldRunGRPC() {
		if err := a.startGRPC(); err != nil {
			return fmt.Errorf("failed to start gRPC surface: %w", err)
		}
	}

	log.Printf("fetch-server started in %s mode", a.cfg.Mode)
	return nil
}

func (a *App) startHTTP() error {
	groupByHandler := httpapi.NewGroupByHandler(a.fetcher)
	joinHandler := httpapi.NewJoinHandler(a.sampler)

	mux := http.NewServeMux()
	middleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		server.TimeoutMiddleware(a.cfg.Fetch.Timeout),
		httpapi.RecoveryMiddleware,
		httpapi.RequestIDMiddleware,
		httpapi.CorrelationIDMiddleware,
		httpapi.ContentTypeMiddleware,
	)
	mux.Handle("/v1/fetch/group-bys", middleware(groupByHandler))
	mux.Handle("/v1/fetch/join", middleware(joinHandler))
	mux.HandleFunc("/health", a.healthHandler)

	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		return a.httpServer.Shutdown(context.Background())
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("HTTP surface listening on %s", a.cfg.HTTP.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP surface error: %v", err)
		}
	}()

	return nil
}

func (a *App) startGRPC() error {
	a.grpcServer = grpc.NewServer()
	grpcapi.RegisterFetchServer(a.grpcServer, grpcapi.NewFetchServer(a.fetcher, a.sampler))

	var err error
	a.grpcLis, err = net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen on gRPC address: %w", err)
	}

	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.grpcServer.GracefulStop()
		return nil
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("gRPC surface listening on %s", a.cfg.GRPC.Addr)
		if err := a.grpcServer.Serve(a.grpcLis); err != nil {
			log.Printf("gRPC surface error: %v", err)
		}
	}()

	return nil
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","mode":"%s"}`, a.cfg.Mode)
}

// Stop gracefully drains in-flight requests and stops all surfaces.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("initiating graceful shutdown")

	if err := a.shutdown.Shutdown(ctx, "stop requested"); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("shutdown timeout, some goroutines may not have finished")
	}

	log.Printf("fetch-server stopped")
	return nil
}

// WaitForShutdown blocks until a termination signal is received.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}
