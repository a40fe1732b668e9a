// Package prefetch warms the image cache from a stream of URL messages.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-imageflow/pkg/imagefetch"
	"github.com/rs/zerolog"
)

// Fetcher is the part of imagefetch.Coordinator the service drives.
type Fetcher interface {
	FetchString(raw string, opts imagefetch.RequestOptions, progress imagefetch.ProgressFunc, completion imagefetch.CompletionFunc) *imagefetch.Operation
}

// ServiceConfig holds configuration for a prefetch Service.
type ServiceConfig struct {
	NumWorkers   int           `mapstructure:"num_workers"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// Service consumes prefetch messages with a pool of workers. Each worker runs
// one fetch at a time and acks the message once the image is cached or can
// never be. Transient failures and timeouts are nacked for redelivery.
type Service struct {
	numWorkers   int
	fetchTimeout time.Duration
	consumer     MessageConsumer
	fetcher      Fetcher
	logger       zerolog.Logger
	wg           sync.WaitGroup
}

// NewService creates a new prefetch Service.
func NewService(cfg ServiceConfig, consumer MessageConsumer, fetcher Fetcher, logger zerolog.Logger) (*Service, error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 5
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = time.Minute
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	return &Service{
		numWorkers:   cfg.NumWorkers,
		fetchTimeout: cfg.FetchTimeout,
		consumer:     consumer,
		fetcher:      fetcher,
		logger:       logger.With().Str("service", "PrefetchService").Logger(),
	}, nil
}

// Start starts the consumer and the worker pool.
func (s *Service) Start(ctx context.Context) error {
	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message consumer: %w", err)
	}

	s.logger.Info().Int("worker_count", s.numWorkers).Msg("Starting prefetch workers...")
	s.wg.Add(s.numWorkers)
	for i := 0; i < s.numWorkers; i++ {
		go s.worker(ctx, i)
	}
	return nil
}

// Stop stops the consumer first, then waits for workers to finish the
// messages they hold.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping prefetch service...")
	if err := s.consumer.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Error during consumer stop, continuing shutdown.")
	}

	workerDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(workerDone)
	}()

	select {
	case <-workerDone:
		s.logger.Info().Msg("Prefetch service stopped.")
		return nil
	case <-ctx.Done():
		s.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for prefetch workers to finish.")
		return ctx.Err()
	}
}

func (s *Service) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.consumer.Messages():
			if !ok {
				s.logger.Debug().Int("worker_id", workerID).Msg("Consumer channel closed, worker exiting.")
				return
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Service) handle(ctx context.Context, msg Message) {
	logger := s.logger.With().Str("msg_id", msg.ID).Logger()

	req, err := ParseRequest(msg.Payload)
	if err != nil {
		logger.Warn().Err(err).Msg("Malformed prefetch message, Acking.")
		msg.Ack()
		return
	}
	logger = logger.With().Str("url", req.URL).Logger()

	res, err := s.prefetch(ctx, req)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("Prefetch did not finish, Nacking.")
		msg.Nack()
	case res.Err == nil:
		logger.Debug().Stringer("cache_type", res.CacheType).Msg("Prefetched, Acking.")
		msg.Ack()
	case imagefetch.IsTransient(res.Err):
		logger.Warn().Err(res.Err).Msg("Transient prefetch failure, Nacking.")
		msg.Nack()
	default:
		logger.Warn().Err(res.Err).Msg("Prefetch failed permanently, Acking.")
		msg.Ack()
	}
}

// prefetch fetches req and waits for its first finished result. A refresh of a
// cached image returns as soon as the cached copy is delivered and leaves the
// revalidation running.
func (s *Service) prefetch(ctx context.Context, req *Request) (imagefetch.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	results := make(chan imagefetch.Result, 1)
	var once sync.Once
	op := s.fetcher.FetchString(req.URL, req.Options(), nil, func(res imagefetch.Result) {
		if !res.Finished {
			return
		}
		once.Do(func() { results <- res })
	})

	select {
	case res := <-results:
		return res, nil
	case <-ctx.Done():
		if op != nil {
			op.Cancel()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return imagefetch.Result{}, fmt.Errorf("prefetch timed out after %s", s.fetchTimeout)
		}
		return imagefetch.Result{}, ctx.Err()
	}
}
