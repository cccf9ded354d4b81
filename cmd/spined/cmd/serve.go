package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/unioslo/spine/internal/auth"
	"github.com/unioslo/spine/internal/db/bunx"
	"github.com/unioslo/spine/internal/graph"
	"github.com/unioslo/spine/internal/logger"
	"github.com/unioslo/spine/internal/repository"
	"github.com/unioslo/spine/internal/scheduler"
	"github.com/unioslo/spine/internal/server"
	"github.com/unioslo/spine/internal/session"
	"github.com/unioslo/spine/internal/store/bunstore"
	"github.com/unioslo/spine/internal/telemetry"
	"github.com/unioslo/spine/internal/txn"
)

type healthStatus struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Sessions int    `json:"sessions"`
	Cached   int    `json:"cached_nodes"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Spine API server",
	Long:  `Starts the HTTP server exposing sessions, transactions, locks and entity traversal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		// Connect to database
		db, err := bunx.NewDB(ctx, cfg.DatabaseURL, cfg.MaxDBConnections)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer bunx.Close(db)

		log.Info().Bool("sqlite", bunx.IsSQLite(db)).Msg("Connected to database")

		lockMetrics, err := telemetry.NewLockMetrics()
		if err != nil {
			return fmt.Errorf("failed to create lock metrics: %w", err)
		}
		txnMetrics, err := telemetry.NewTxnMetrics()
		if err != nil {
			return fmt.Errorf("failed to create transaction metrics: %w", err)
		}
		sessionMetrics, err := telemetry.NewSessionMetrics()
		if err != nil {
			return fmt.Errorf("failed to create session metrics: %w", err)
		}
		serverMetrics, err := telemetry.NewServerMetrics()
		if err != nil {
			return fmt.Errorf("failed to create server metrics: %w", err)
		}

		// Timer dispatch for lock leases and session idle checks
		sched := scheduler.New(clock.New())
		defer sched.Close()
		go func() {
			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Scheduler stopped")
			}
		}()

		st := bunstore.New(db, logger.For("store"))
		registry := graph.NewRegistry(st, sched, cfg.LockTimeout,
			graph.WithLockMetrics(lockMetrics),
			graph.WithLogger(logger.For("graph")),
		)

		// Initialize repositories
		accountRepo := repository.NewBunAccountRepository(db)
		var sessionRepo repository.SessionRepository
		switch cfg.SessionStore {
		case "redis":
			redisRepo, err := repository.NewRedisSessionRepository(ctx, cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			defer redisRepo.Close()
			sessionRepo = redisRepo
			log.Info().Msg("Sessions persisted in redis")
		default:
			sessionRepo = repository.NewBunSessionRepository(db)
		}

		authenticator := auth.NewAuthenticator(accountRepo,
			auth.WithThrottle(cfg.MaxLoginFailures, cfg.LoginFailureWindow),
			auth.WithMetrics(sessionMetrics),
			auth.WithLogger(logger.For("auth")),
		)

		manager, err := session.NewManager(authenticator, sessionRepo, registry, st, sched,
			session.WithTimeout(cfg.SessionTimeout),
			session.WithDefaultEncoding(cfg.DefaultEncoding),
			session.WithTxnOptions(
				txn.WithMetrics(txnMetrics),
				txn.WithLogger(logger.For("txn")),
			),
			session.WithMetrics(sessionMetrics),
			session.WithLogger(logger.For("session")),
		)
		if err != nil {
			return fmt.Errorf("failed to create session manager: %w", err)
		}

		healthHandler := func(w http.ResponseWriter, r *http.Request) {
			status := healthStatus{
				Status:   "ok",
				Database: "ok",
				Sessions: manager.Len(),
				Cached:   registry.Len(),
			}
			code := http.StatusOK
			if err := db.PingContext(r.Context()); err != nil {
				status.Status = "degraded"
				status.Database = err.Error()
				code = http.StatusServiceUnavailable
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_ = json.NewEncoder(w).Encode(status)
		}

		handler := server.NewH2CHandler(server.RouterOptions{
			Sessions:      manager,
			Registry:      registry,
			Logger:        logger.For("http"),
			Metrics:       serverMetrics,
			HealthHandler: healthHandler,
		})

		srv := &http.Server{
			Addr:         cfg.ServerAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		// Persisted session records outlive crashed processes; reap them.
		go func() {
			ticker := time.NewTicker(cfg.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					n, err := manager.DeleteExpired(ctx)
					if err != nil {
						log.Warn().Err(err).Msg("Expired session cleanup failed")
						continue
					}
					if n > 0 {
						log.Info().Int64("deleted", n).Msg("Removed expired sessions")
					}
				}
			}
		}()

		// Start server in goroutine
		serverErrors := make(chan error, 1)
		go func() {
			log.Info().Str("addr", cfg.ServerAddr).Msg("Starting server")
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)

		case sig := <-shutdown:
			log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				srv.Close()
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}
			if err := manager.Close(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Some sessions did not close cleanly")
			}

			log.Info().Msg("Server stopped")
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
