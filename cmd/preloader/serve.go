package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"market_preloader/internal/app/service"
	"market_preloader/internal/domain/entity"
	"market_preloader/internal/infrastructure/offline"
	"market_preloader/internal/infrastructure/restapi"

	"github.com/gin-gonic/gin"
	"github.com/google/subcommands"
	"go.uber.org/zap"
)

type serveCmd struct {
	configFlag
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "run the preloader daemon and its HTTP API" }
func (*serveCmd) Usage() string {
	return `serve [-config <path>]

  Restores the last session, keeps the preload cache fresh while a user is
  signed in, serves the API under /api/v1 and proxies the UI through the
  offline fallback store.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) { c.register(f) }

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, log, err := c.bootstrap()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comp, err := buildComponents(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to build components", zap.Error(err))
		return subcommands.ExitFailure
	}
	defer comp.Close()

	cache := service.NewPreloadCache(comp.prices, comp.users, cacheConfig(cfg), log)
	scheduler := service.NewScheduler(cache, comp.users, comp.sessions, service.SchedulerConfig{
		RefreshInterval: time.Duration(cfg.Cache.RefreshIntervalSec) * time.Second,
	}, log)
	defer scheduler.Stop()

	hub := restapi.NewWSHub(log)
	go hub.Run(ctx)

	handler := restapi.NewHandler(cache, scheduler, comp.verifier, hub, cfg.Cache.DisplayCurrency, log)
	unsubscribe := cache.OnRefreshComplete(func(entity.PortfolioSnapshot) {
		hub.Broadcast(handler.SnapshotMessage())
	})
	defer unsubscribe()

	routerCfg := restapi.RouterConfig{AllowedOrigins: cfg.Server.AllowedOrigins}
	if cfg.Offline.UIOrigin != "" {
		origin, err := url.Parse(cfg.Offline.UIOrigin)
		if err != nil {
			log.Error("Invalid offline.uiOrigin", zap.String("uiOrigin", cfg.Offline.UIOrigin), zap.Error(err))
			return subcommands.ExitFailure
		}
		store := offline.New(http.DefaultTransport, offline.Config{
			Origin:        origin,
			ShellPath:     cfg.Offline.Shell,
			StaticAssets:  cfg.Offline.Assets,
			APIPrefixes:   cfg.Offline.APIPrefixes,
			ExcludedHosts: cfg.Offline.ExcludedHosts,
		}, log)
		routerCfg.UIOrigin = origin
		routerCfg.Transport = store

		go func() {
			if err := store.Sync(ctx, comp.sessions, cfg.Offline.AppVersion); err != nil {
				log.Warn("Offline store not installed, UI is served from the network only", zap.Error(err))
			}
		}()
	}

	go func() {
		state := scheduler.Restore(ctx)
		log.Info("Session restored", zap.Stringer("state", state), zap.String("userID", scheduler.UserID()))
	}()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      restapi.SetupRouter(handler, routerCfg, log),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server starting", zap.String("addr", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down server...")
	case err := <-errCh:
		log.Error("Server failed", zap.Error(err))
		return subcommands.ExitFailure
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
		return subcommands.ExitFailure
	}
	log.Info("Server exiting")
	return subcommands.ExitSuccess
}
