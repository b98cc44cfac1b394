package serve

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/collabd/collabd/internal/collab"
	"github.com/collabd/collabd/internal/config"
	"github.com/collabd/collabd/internal/gc"
	"github.com/collabd/collabd/internal/logging"
	"github.com/collabd/collabd/internal/metrics"
	"github.com/collabd/collabd/internal/storage"
	"github.com/collabd/collabd/pkg/api"
	"github.com/collabd/collabd/pkg/objectstore"
)

func Run(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	addr := fs.String("addr", "", "Listen address (overrides config)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := logging.New()
	srv, err := newServer(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize server: %v", err)
	}
	if srv.collector != nil {
		if err := srv.collector.Start(context.Background()); err != nil {
			log.Fatalf("Failed to start orphan collector: %v", err)
		}
		logger.Info("orphan collector started", "dry_run", cfg.GC.DryRun)
	}

	writeTimeout := time.Duration(cfg.Timeout.GetWriteTimeout())*time.Millisecond + 5*time.Second
	if writeTimeout < 30*time.Second {
		writeTimeout = 30 * time.Second
	}

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("starting collabd server",
			"addr", cfg.ListenAddr,
			"storage", cfg.Storage.Type,
			"object_store", cfg.ObjectStore.Type,
		)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	if err := srv.Close(); err != nil {
		logger.Error("failed to close server resources", "error", err)
	}
	fmt.Println("Server stopped")
}

// server bundles what Run starts so it can be built and torn down in tests.
type server struct {
	router    *api.Router
	store     *collab.Store
	collector *gc.OrphanCollector
}

func newServer(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*server, error) {
	reg := metrics.New()

	backend, objects, err := newBackend(ctx, cfg, reg, logger)
	if err != nil {
		return nil, err
	}

	store := collab.NewStore(backend, collab.Config{
		MaxBatchItems: cfg.Collab.GetMaxBatchItems(),
		LockStripes:   cfg.Collab.GetLockStripes(),
		CommitTimeout: time.Duration(cfg.Collab.GetCommitTimeout()) * time.Millisecond,
	}, logger, reg.Collab)

	router, err := api.NewRouter(cfg, store, reg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	srv := &server{router: router, store: store}
	if objects != nil && cfg.GC.Enabled {
		srv.collector = gc.NewOrphanCollector(objects, orphanConfig(cfg), logger, reg.Storage)
	}
	return srv, nil
}

// orphanConfig keeps the retention above the commit timeout so blobs of a
// commit still in flight are never collected.
func orphanConfig(cfg *config.Config) *gc.OrphanConfig {
	oc := gc.DefaultOrphanConfig()
	oc.ScanInterval = time.Duration(cfg.GC.GetScanInterval()) * time.Minute
	oc.RetentionTime = time.Duration(cfg.GC.GetRetention()) * time.Minute
	if floor := 2 * time.Duration(cfg.Collab.GetCommitTimeout()) * time.Millisecond; oc.RetentionTime < floor {
		oc.RetentionTime = floor
	}
	oc.DryRun = cfg.GC.DryRun
	return oc
}

// newBackend builds the configured collab backend. For object storage it
// also returns the instrumented object store the backend writes to.
func newBackend(ctx context.Context, cfg *config.Config, reg *metrics.Registry, logger *logging.Logger) (collab.Backend, objectstore.Store, error) {
	switch cfg.Storage.Type {
	case config.StoragePostgres:
		backend, err := storage.NewPostgresBackend(cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize postgres backend: %w", err)
		}
		return backend, nil, nil
	default:
		objects, err := objectstore.New(ctx, objectstore.Config{
			Type:     cfg.ObjectStore.Type,
			RootPath: cfg.ObjectStore.RootPath,
			S3: objectstore.S3Config{
				Endpoint:  cfg.ObjectStore.Endpoint,
				Bucket:    cfg.ObjectStore.Bucket,
				AccessKey: cfg.ObjectStore.AccessKey,
				SecretKey: cfg.ObjectStore.SecretKey,
				Region:    cfg.ObjectStore.Region,
				UseSSL:    cfg.ObjectStore.UseSSL,
			},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize object store: %w", err)
		}
		instrumented := objectstore.NewInstrumentedStore(objects, reg.Storage)
		return storage.NewObjectBackend(instrumented, cfg.Collab.GetReadConcurrency(), logger), instrumented, nil
	}
}

// Close stops the collector and releases the router and the backend.
func (s *server) Close() error {
	if s.collector != nil {
		s.collector.Stop()
	}
	if err := s.router.Close(); err != nil {
		return err
	}
	return s.store.Close()
}
