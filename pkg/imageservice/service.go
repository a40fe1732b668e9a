// Package imageservice assembles the image coordinator, its cache and
// downloader collaborators, and the HTTP and prefetch front ends from a Config.
package imageservice

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-imageflow/pkg/cache"
	"github.com/illmade-knight/go-imageflow/pkg/httpfetch"
	"github.com/illmade-knight/go-imageflow/pkg/imagefetch"
	"github.com/illmade-knight/go-imageflow/pkg/microservice"
	"github.com/illmade-knight/go-imageflow/pkg/prefetch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// ImageService is the running image fetcher: an HTTP server in front of a
// Coordinator, optionally fed by a prefetch subscription.
type ImageService struct {
	*microservice.BaseServer

	coordinator *imagefetch.Coordinator
	tiered      *cache.TieredCache
	downloader  *httpfetch.Downloader
	dispatcher  *imagefetch.SerialDispatcher
	prefetcher  *prefetch.Service
	registry    *prometheus.Registry
	closers     []func() error
	logger      zerolog.Logger
}

// New builds every component named by cfg. Cloud clients are created with
// the configured credentials file, if any.
func New(ctx context.Context, cfg *Config, logger zerolog.Logger, clientOpts ...option.ClientOption) (*ImageService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	s := &ImageService{
		registry: prometheus.NewRegistry(),
		logger:   logger.With().Str("component", "ImageService").Logger(),
	}
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, err := s.newBlobStore(ctx, cfg, logger, clientOpts)
	if err != nil {
		return nil, s.abort(nil, err)
	}
	s.tiered, err = cache.NewTieredCache(&cfg.Cache.TieredCacheConfig, store, logger)
	if err != nil {
		return nil, s.abort(store, fmt.Errorf("failed to create tiered cache: %w", err))
	}

	s.downloader, err = httpfetch.New(cfg.Download, nil, httpfetch.NewMetrics(s.registry), logger)
	if err != nil {
		return nil, s.abort(store, fmt.Errorf("failed to create downloader: %w", err))
	}

	opts := []imagefetch.Option{imagefetch.WithMetrics(imagefetch.NewMetrics(s.registry))}
	if cfg.SerialDelivery {
		s.dispatcher = imagefetch.NewSerialDispatcher(logger)
		opts = append(opts, imagefetch.WithDispatcher(s.dispatcher))
	}
	s.coordinator, err = imagefetch.NewCoordinator(s.tiered, s.downloader, logger, opts...)
	if err != nil {
		return nil, s.abort(store, fmt.Errorf("failed to create coordinator: %w", err))
	}

	if cfg.Prefetch.Enabled {
		if err := s.newPrefetcher(ctx, cfg, logger, clientOpts); err != nil {
			return nil, s.abort(store, err)
		}
	}

	s.BaseServer = microservice.NewBaseServer(logger, cfg.HTTPPort, s.registry)
	s.Mux().Handle("/image", NewHandler(s.coordinator, cfg.RequestTimeout, logger))
	return s, nil
}

func (s *ImageService) newBlobStore(ctx context.Context, cfg *Config, logger zerolog.Logger, clientOpts []option.ClientOption) (cache.BlobStore, error) {
	switch cfg.Cache.Backend {
	case BackendRedis:
		store, err := cache.NewRedisStore(ctx, &cfg.Cache.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		return store, nil

	case BackendGCS:
		client, err := storage.NewClient(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		store, err := cache.NewGCSStore(cache.NewGCSClientAdapter(client), cfg.Cache.GCS, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create gcs store: %w", err)
		}
		return store, nil

	case BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.firestoreProject(), clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		store, err := cache.NewFirestoreStore(&cfg.Cache.Firestore, client, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore store: %w", err)
		}
		return store, nil

	default:
		return cache.NewInMemoryStore(), nil
	}
}

func (s *ImageService) newPrefetcher(ctx context.Context, cfg *Config, logger zerolog.Logger, clientOpts []option.ClientOption) error {
	client, err := pubsub.NewClient(ctx, cfg.prefetchProject(), clientOpts...)
	if err != nil {
		return fmt.Errorf("failed to create pubsub client: %w", err)
	}
	s.closers = append(s.closers, client.Close)

	consumer, err := prefetch.NewGooglePubsubConsumer(&cfg.Prefetch.Consumer, client, logger)
	if err != nil {
		return fmt.Errorf("failed to create prefetch consumer: %w", err)
	}
	s.prefetcher, err = prefetch.NewService(cfg.Prefetch.ServiceConfig, consumer, s.coordinator, logger)
	if err != nil {
		return fmt.Errorf("failed to create prefetch service: %w", err)
	}
	return nil
}

// Coordinator returns the service's coordinator.
func (s *ImageService) Coordinator() *imagefetch.Coordinator {
	return s.coordinator
}

// Registry returns the Prometheus registry served on /metrics.
func (s *ImageService) Registry() *prometheus.Registry {
	return s.registry
}

// Start starts the prefetcher, if configured, and the HTTP server.
func (s *ImageService) Start(ctx context.Context) error {
	if s.prefetcher != nil {
		if err := s.prefetcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start prefetcher: %w", err)
		}
	}
	return s.BaseServer.Start()
}

// Shutdown stops intake first, then cancels outstanding work and waits for
// background cache writes before releasing clients.
func (s *ImageService) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.BaseServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.prefetcher != nil {
		if err := s.prefetcher.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prefetcher stop: %w", err))
		}
	}
	s.coordinator.CancelAll()
	if err := s.downloader.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("downloader close: %w", err))
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher close: %w", err))
		}
	}
	if err := s.tiered.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cache close: %w", err))
	}
	if err := s.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// abort releases whatever New built before failing with err, and returns err.
// Nothing has been written through the cache yet, so store is closed directly.
func (s *ImageService) abort(store cache.BlobStore, err error) error {
	ctx := context.Background()
	if s.downloader != nil {
		if closeErr := s.downloader.Close(ctx); closeErr != nil {
			s.logger.Warn().Err(closeErr).Msg("Failed to close downloader.")
		}
	}
	if s.dispatcher != nil {
		if closeErr := s.dispatcher.Close(ctx); closeErr != nil {
			s.logger.Warn().Err(closeErr).Msg("Failed to close dispatcher.")
		}
	}
	if store != nil {
		if closeErr := store.Close(); closeErr != nil {
			s.logger.Warn().Err(closeErr).Msg("Failed to close blob store.")
		}
	}
	if closeErr := s.closeAll(); closeErr != nil {
		s.logger.Warn().Err(closeErr).Msg("Failed to close clients.")
	}
	s.logger.Error().Err(err).Msg("Failed to build image service.")
	return err
}

func (s *ImageService) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
