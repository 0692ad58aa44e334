package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/claimharvest/internal/api"
	"github.com/shehryarbajwa/claimharvest/internal/browser"
	"github.com/shehryarbajwa/claimharvest/internal/config"
	"github.com/shehryarbajwa/claimharvest/internal/coordinator"
	"github.com/shehryarbajwa/claimharvest/internal/download"
	"github.com/shehryarbajwa/claimharvest/internal/extraction"
	"github.com/shehryarbajwa/claimharvest/internal/jobs"
	"github.com/shehryarbajwa/claimharvest/internal/logger"
	"github.com/shehryarbajwa/claimharvest/internal/login"
	"github.com/shehryarbajwa/claimharvest/internal/portal"
	"github.com/shehryarbajwa/claimharvest/internal/proxy"
	"github.com/shehryarbajwa/claimharvest/internal/queue"
	"github.com/shehryarbajwa/claimharvest/internal/ratelimit"
	"github.com/shehryarbajwa/claimharvest/internal/session"
	"github.com/shehryarbajwa/claimharvest/internal/storage"
	"github.com/shehryarbajwa/claimharvest/internal/vault"
)

var skipImagePull bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the login orchestrator and the pipeline workers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&skipImagePull, "skip-image-pull", false, "Do not ensure the viewer image is present at startup")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Init(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	files, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	store, closeStore, err := jobs.New(ctx, cfg, files)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer closeStore()

	key, err := vault.DecodeKey(cfg.Vault.Key)
	if err != nil {
		return err
	}
	v, err := vault.New(key, cfg.Vault.TTL)
	if err != nil {
		return err
	}

	pool, err := browser.NewPool(cfg.Viewer)
	if err != nil {
		return err
	}
	defer pool.Close()
	if !skipImagePull {
		pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		err := pool.EnsureImage(pullCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("ensure viewer image: %w", err)
		}
	}

	detector, err := login.NewDetector(cfg.Login)
	if err != nil {
		return err
	}
	orch := session.NewOrchestrator(session.Options{
		TargetURL:   cfg.Portal.LoginURL,
		MaxLifetime: cfg.Viewer.MaxLifetime,
	}, pool, session.ChromeDriver(), detector, v)

	q, closeQueue, err := newQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeQueue()

	opener := download.PortalOpener{Opener: portal.Opener{
		Browser: cfg.Browser,
		Portal:  cfg.Portal,
		Settle:  cfg.Download.SettleDelay,
	}}
	pipeline := download.NewPipeline(v, opener, files, download.PDFVerifier{}, download.OptionsFrom(cfg.Download))
	validator, err := extraction.NewValidator(files, extraction.PDFText{}, extraction.OptionsFrom(cfg.Extraction, cfg.Portal.Isapre))
	if err != nil {
		return err
	}
	coord := coordinator.New(store, files, pipeline, validator, cfg.Job.Budget)
	trigger := coordinator.NewTrigger(orch, store, q, cfg.Portal.LoginURL, cfg.Login.Timeout)

	limiter := ratelimit.NewLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst)
	router := api.NewHandler(trigger, orch, store, files).SetupRoutes(proxy.NewServer(orch), api.RouteOptions{
		JWTSecret: cfg.Auth.JWTSecret,
		Limiter:   limiter,
	})
	srv := api.NewServer(cfg.Server, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return q.Run(gctx, coord.Handle)
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				limiter.Sweep(2 * time.Hour)
			}
		}
	})
	g.Go(func() error {
		slog.Info("server starting", "addr", cfg.Server.Addr, "queue", cfg.Queue.Backend, "job_store", cfg.Job.Store, "storage", cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		orch.Shutdown(shutdownCtx)
		trigger.Wait()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("stopped cleanly")
	return nil
}

func newQueue(ctx context.Context, cfg *config.Config) (queue.Queue, func(), error) {
	switch cfg.Queue.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect queue database: %w", err)
		}
		return queue.NewPostgres(pool, cfg.Queue), pool.Close, nil
	default:
		return queue.NewMemory(cfg.Queue.Workers, cfg.Queue.MaxAttempts, 16), func() {}, nil
	}
}
