// Command fetch-server runs the online feature-store fetch core: the
// HTTP and gRPC surfaces over FetchGroupBys and FetchJoin.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/arkilian/arkilian/internal/app"
	"github.com/arkilian/arkilian/internal/config"
	"github.com/arkilian/arkilian/internal/kvstore"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		httpAddr    string
		grpcAddr    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for the reference KV store's files")
	flag.StringVar(&mode, "mode", "", "Surface mode: all, http, grpc")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "fetch-server - online feature-store fetch core\n\n")
		fmt.Fprintf(os.Stderr, "Usage: fetch-server [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  FETCHCORE_MODE, FETCHCORE_DATA_DIR, FETCHCORE_HTTP_ADDR,\n")
		fmt.Fprintf(os.Stderr, "  FETCHCORE_GRPC_ADDR, FETCHCORE_GRPC_ENABLED, FETCHCORE_FETCH_TIMEOUT,\n")
		fmt.Fprintf(os.Stderr, "  FETCHCORE_SERVING_INFO_TTL, FETCHCORE_LOGGING_SAMPLE_PERCENT,\n")
		fmt.Fprintf(os.Stderr, "  FETCHCORE_LOGGING_DEBUG, FETCHCORE_KV_STORE_BACKEND,\n")
		fmt.Fprintf(os.Stderr, "  FETCHCORE_KV_STORE_SQLITE_PATH, FETCHCORE_S3_BUCKET, FETCHCORE_S3_REGION\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("fetch-server version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, mode, httpAddr, grpcAddr)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	printBanner(cfg)

	store, err := buildStore(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to build key-value store: %v", err)
	}

	servingInfoLoader := newStoreServingInfoLoader(store, cfg.ServingInfo.MetadataDataset)
	joinResolver := newStoreJoinResolver(store, cfg.ServingInfo.JoinsDataset)
	sink := newJSONLinesSink(os.Stdout)

	application, err := app.New(cfg, store, servingInfoLoader, joinResolver, sink)
	if err != nil {
		log.Fatalf("failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("failed to start application: %v", err)
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("shutdown wait error: %v", err)
	}

	if err := application.Stop(context.Background()); err != nil {
		log.Printf("shutdown error: %v", err)
		os.Exit(1)
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (kvstore.Store, error) {
	switch cfg.KVStore.Backend {
	case "memory":
		return kvstore.NewMemoryStore(), nil
	case "sqlite":
		var cold kvstore.ColdStore
		if cfg.KVStore.S3.Enabled {
			s3Cold, err := kvstore.NewS3ColdStore(ctx, cfg.KVStore.S3.Bucket, kvstore.S3ColdConfig{
				Region:   cfg.KVStore.S3.Region,
				Endpoint: cfg.KVStore.S3.Endpoint,
			})
			if err != nil {
				return nil, fmt.Errorf("s3 cold tier: %w", err)
			}
			cold = s3Cold
		}
		return kvstore.NewSQLiteStore(cfg.KVStore.SQLitePath, cold, cfg.KVStore.ColdInlineThresholdBytes)
	default:
		return nil, fmt.Errorf("unsupported kv_store.backend: %s", cfg.KVStore.Backend)
	}
}

func loadConfig(configFile, dataDir, mode, httpAddr, grpcAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}

	return cfg, nil
}

func printBanner(cfg *config.Config) {
	log.Printf("fetch-server starting")
	log.Printf("  mode:       %s", cfg.Mode)
	log.Printf("  data dir:   %s", cfg.DataDir)
	log.Printf("  kv backend: %s", cfg.KVStore.Backend)
	if cfg.ShouldRunHTTP() {
		log.Printf("  http addr:  %s", cfg.HTTP.Addr)
	}
	if cfg.ShouldRunGRPC() {
		log.Printf("  grpc addr:  %s", cfg.GRPC.Addr)
	}
}
