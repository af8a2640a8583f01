// Command catmaid-proxy serves CATMAID API responses through a shared
// response cache. The cache is restored from a snapshot at start and saved
// again at shutdown.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/catmaid-client/pkg/client"
	"github.com/Sternrassler/catmaid-client/pkg/config"
	"github.com/Sternrassler/catmaid-client/pkg/logging"
	"github.com/Sternrassler/catmaid-client/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.Command{
		Name:  "catmaid-proxy",
		Usage: "caching proxy for a CATMAID server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				Sources: cli.NewValueSourceChain(
					cli.EnvVar("CATMAID_CONFIG"),
				),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return err
			}
			logger := logging.Setup(cfg.LoggingConfig()).With().Str("component", "catmaid-proxy").Logger()

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run serves until ctx is done, then saves the cache snapshot.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	srv, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	defer srv.close()

	srv.restore(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Listen).
			Str("server_url", cfg.ServerURL).
			Bool("caching", cfg.Cache.Enabled).
			Msg("Starting CATMAID proxy")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	return srv.persist(shutdownCtx)
}

type server struct {
	cfg    config.Config
	client *client.Client
	rdb    *redis.Client
	logger zerolog.Logger
}

func newServer(cfg config.Config, logger zerolog.Logger) (*server, error) {
	c, err := client.New(cfg.ClientConfig())
	if err != nil {
		return nil, fmt.Errorf("create CATMAID client: %w", err)
	}

	s := &server{cfg: cfg, client: c, logger: logger}
	if cfg.Cache.RedisAddr != "" {
		s.rdb = redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
	}
	return s, nil
}

func (s *server) close() {
	s.client.Close()
	if s.rdb != nil {
		s.rdb.Close()
	}
}

// restore loads the configured snapshot. A missing or unreadable snapshot
// leaves the cache empty.
func (s *server) restore(ctx context.Context) {
	var err error
	switch {
	case s.rdb != nil:
		err = s.client.Cache().LoadRedis(ctx, s.rdb, s.cfg.Cache.RedisKey)
	case s.cfg.Cache.Snapshot != "":
		err = s.client.Cache().Load(s.cfg.Cache.Snapshot)
	default:
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Starting with an empty cache")
	}
}

// persist saves the cache to the configured snapshot location, if any.
func (s *server) persist(ctx context.Context) error {
	switch {
	case s.rdb != nil:
		return s.client.Cache().SaveRedis(ctx, s.rdb, s.cfg.Cache.RedisKey, s.cfg.Cache.RedisTTL)
	case s.cfg.Cache.Snapshot != "":
		return s.client.Cache().Save(s.cfg.Cache.Snapshot)
	default:
		return nil
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", s.readyHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /cache", s.cacheStatsHandler)
	mux.HandleFunc("DELETE /cache", s.cacheClearHandler)
	mux.HandleFunc("POST /cache/save", s.cacheSaveHandler)
	mux.HandleFunc("/catmaid/", s.proxyHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.rdb != nil {
		if err := s.rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

type cacheStatus struct {
	Enabled     bool    `json:"enabled"`
	SizeMB      float64 `json:"size_mb"`
	SizeLimitMB float64 `json:"size_limit_mb"`
	TimeLimit   string  `json:"time_limit"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Rejected    uint64  `json:"rejected"`
	Entries     int     `json:"entries"`
}

func (s *server) cacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	rc := s.client.Cache()
	stats := rc.Stats()
	sizeLimit, timeLimit := rc.Limits()

	writeJSON(w, http.StatusOK, cacheStatus{
		Enabled:     rc.Enabled(),
		SizeMB:      rc.SizeMB(),
		SizeLimitMB: sizeLimit,
		TimeLimit:   timeLimit.String(),
		Hits:        stats.Hits,
		Misses:      stats.Misses,
		Evictions:   stats.Evictions,
		Expirations: stats.Expirations,
		Rejected:    stats.Rejected,
		Entries:     stats.Entries,
	})
}

func (s *server) cacheClearHandler(w http.ResponseWriter, r *http.Request) {
	s.client.Cache().Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) cacheSaveHandler(w http.ResponseWriter, r *http.Request) {
	if s.rdb == nil && s.cfg.Cache.Snapshot == "" {
		writeError(w, http.StatusConflict, "no snapshot location configured")
		return
	}
	if err := s.persist(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// proxyHandler forwards /catmaid/<endpoint> to the CATMAID server. GET
// query parameters and POST form fields are passed through.
func (s *server) proxyHandler(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimPrefix(r.URL.Path, "/catmaid")
	if endpoint == "/" {
		writeError(w, http.StatusNotFound, "missing CATMAID endpoint")
		return
	}

	req := client.Request{
		Method:   r.Method,
		Endpoint: endpoint,
		Query:    r.URL.Query(),
		NoCache:  r.Header.Get("Cache-Control") == "no-cache",
	}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Form = r.PostForm
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	data, err := s.client.Fetch(r.Context(), req)
	if err != nil {
		s.logger.Debug().Err(err).Str("endpoint", endpoint).Msg("Upstream request failed")
		writeError(w, upstreamStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

// upstreamStatus maps a client error to the proxy's response status.
func upstreamStatus(err error) int {
	var apiErr *client.APIError
	switch {
	case errors.Is(err, client.ErrContextCancelled):
		return http.StatusGatewayTimeout
	case errors.As(err, &apiErr) && apiErr.ErrorClass == client.ErrorClassClient:
		return apiErr.StatusCode
	case errors.As(err, &apiErr) && apiErr.ErrorClass == client.ErrorClassAPI:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
