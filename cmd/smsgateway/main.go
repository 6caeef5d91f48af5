// Command smsgateway runs the SMS SMPP gateway worker: one SessionManager,
// WindowMonitor, Sender, and ServiceLoop per configured carrier service,
// supervised by Supervisor, with a health/metrics HTTP surface alongside.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/flowcatalyst/risk-sms/internal/config"
	"github.com/flowcatalyst/risk-sms/internal/lifecycle"
	"github.com/flowcatalyst/risk-sms/internal/store"
	"github.com/flowcatalyst/risk-sms/internal/supervisor"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if os.Getenv("SMSGATEWAY_DEV") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	path := config.DefaultPath
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("Failed to load configuration")
	}
	log.Info().Str("path", path).Int("services", len(cfg.SMS)).Msg("Configuration loaded")

	ctx := context.Background()

	st, err := store.NewPostgresStore(ctx, store.PostgresConfig{
		ConnString:      datasourceConnString(cfg.Datasource),
		MaxConns:        int32(cfg.Datasource.MaximumPoolSize),
		MinConns:        int32(cfg.Datasource.MinimumIdle),
		MaxConnIdleTime: cfg.Datasource.IdleTimeout(),
		ConnectTimeout:  cfg.Datasource.ConnectionTimeoutDuration(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to message store")
	}
	log.Info().Str("jdbcUrl", cfg.Datasource.JDBCURL()).Msg("Connected to message store")

	lifecyc := lifecycle.NewManager()

	sup := supervisor.New(cfg, st, lifecyc)
	if err := sup.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Supervisor startup failed")
	}

	ready := true

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, "shutting down")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	lifecyc.RegisterHTTPShutdown("http-server", func(ctx context.Context) error {
		ready = false
		return server.Shutdown(ctx)
	})

	if err := lifecyc.Run(); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown did not complete cleanly")
		os.Exit(1)
	}

	log.Info().Msg("SMS gateway worker stopped")
}

// datasourceConnString builds a libpq-style connection string from the
// YAML datasource block. The gateway connects via pgxpool, not JDBC; see
// config.Datasource.JDBCURL for the log-only identity string.
func datasourceConnString(ds config.Datasource) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		ds.User, ds.Password, ds.ServerName, ds.Port, ds.ServiceName)
}
