package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/catmaid-client/pkg/client"
	"github.com/rs/zerolog/log"
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel requests.
	// The client's rate limiter still applies across all workers.
	MaxConcurrency int
	// Timeout per request, including retries
	Timeout time.Duration
}

// DefaultConfig returns a configuration that stays polite to a shared
// CATMAID server.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 5,
		Timeout:        60 * time.Second,
	}
}

// RequestFetcher performs a single request. *client.Client implements it.
type RequestFetcher interface {
	Fetch(ctx context.Context, r client.Request) (json.RawMessage, error)
}

// Result is the outcome of one request.
type Result struct {
	Index int
	Data  json.RawMessage
	Error error
}

// Fetcher runs requests through a worker pool.
type Fetcher struct {
	fetcher RequestFetcher
	config  Config
}

// NewFetcher creates a new batch fetcher
func NewFetcher(fetcher RequestFetcher, config Config) *Fetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	return &Fetcher{
		fetcher: fetcher,
		config:  config,
	}
}

// FetchAll performs all requests and returns their bodies in request order.
// On failure the remaining queued requests are abandoned; the returned slice
// holds every body fetched so far (nil for the rest) and the error of the
// first failing request.
func (f *Fetcher) FetchAll(ctx context.Context, reqs []client.Request) ([]json.RawMessage, error) {
	start := time.Now()
	results := make([]json.RawMessage, len(reqs))
	if len(reqs) == 0 {
		return results, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := min(f.config.MaxConcurrency, len(reqs))

	log.Debug().
		Int("requests", len(reqs)).
		Int("workers", workers).
		Msg("Starting batch fetch")

	queue := make(chan int, len(reqs))
	for i := range reqs {
		queue <- i
	}
	close(queue)

	out := make(chan Result, len(reqs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go f.worker(ctx, reqs, queue, out, &wg, i)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	var firstErr error
	fetched := 0
	for res := range out {
		if res.Error != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("request %d (%s): %w", res.Index, reqs[res.Index].Endpoint, res.Error)
				cancel()
			}
			continue
		}
		results[res.Index] = res.Data
		fetched++
	}

	if firstErr == nil && fetched < len(reqs) {
		// Workers stopped early: the parent context ended
		firstErr = fmt.Errorf("%w: %v", client.ErrContextCancelled, context.Cause(ctx))
	}

	if firstErr != nil {
		log.Warn().
			Err(firstErr).
			Int("fetched", fetched).
			Int("total", len(reqs)).
			Msg("Batch fetch failed - returning partial results")
		return results, fmt.Errorf("batch fetch (partial data: %d/%d): %w", fetched, len(reqs), firstErr)
	}

	log.Info().
		Int("requests", len(reqs)).
		Dur("duration", time.Since(start)).
		Msg("Batch fetch complete")

	return results, nil
}

// worker processes requests from the queue
func (f *Fetcher) worker(ctx context.Context, reqs []client.Request, queue <-chan int, out chan<- Result, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for i := range queue {
		if ctx.Err() != nil {
			log.Debug().
				Int("worker_id", workerID).
				Int("processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
		data, err := f.fetcher.Fetch(reqCtx, reqs[i])
		cancel()

		// A sibling's failure cancelled this request; it is not a failure of its own
		if err != nil && ctx.Err() != nil && errors.Is(err, client.ErrContextCancelled) {
			return
		}

		out <- Result{Index: i, Data: data, Error: err}
		if err != nil {
			log.Debug().
				Err(err).
				Int("worker_id", workerID).
				Int("index", i).
				Msg("Request failed")
			return
		}
		processed++
	}

	if processed > 0 {
		log.Debug().
			Int("worker_id", workerID).
			Int("processed", processed).
			Msg("Worker completed")
	}
}
