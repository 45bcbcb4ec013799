package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"market_preloader/internal/app/port"
	"market_preloader/internal/app/service"
	"market_preloader/internal/infrastructure/auth"
	"market_preloader/internal/infrastructure/configloader"
	"market_preloader/internal/infrastructure/httpclient"
	"market_preloader/internal/infrastructure/sessionstore"
	"market_preloader/internal/infrastructure/userdata"
	"market_preloader/internal/pkg/logger"
	"market_preloader/internal/pkg/utils"

	firebase "firebase.google.com/go"
	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// configFlag is shared by every subcommand.
type configFlag struct {
	path string
}

func (c *configFlag) register(f *flag.FlagSet) {
	f.StringVar(&c.path, "config", utils.GetEnv("CONFIG_PATH", "config/config.yml"), "path to the YAML configuration")
}

// bootstrap loads the configuration and builds the root logger.
func (c *configFlag) bootstrap() (*configloader.Config, *zap.Logger, error) {
	cfg, err := configloader.Load(c.path)
	if err != nil {
		return nil, nil, err
	}
	zapLogger, err := logger.New(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	logger.SetSlogDefault(zapLogger, cfg.Logging.Level)
	zapLogger.Info("Configuration loaded", zap.String("path", c.path))
	return cfg, zapLogger, nil
}

// components are the collaborators built from the configuration.
type components struct {
	prices   port.PriceSource
	users    port.UserDataStore
	sessions port.SessionStore
	verifier port.TokenVerifier
	closers  []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func buildComponents(ctx context.Context, cfg *configloader.Config, log *zap.Logger) (*components, error) {
	comp := &components{}

	var app *firebase.App
	if cfg.UserData.Driver == "firestore" || cfg.Firebase.ProjectID != "" {
		a, err := auth.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			return nil, err
		}
		app = a
	}

	comp.prices = buildPriceSource(cfg, log)

	users, err := buildUserData(ctx, cfg, app, comp, log)
	if err != nil {
		comp.Close()
		return nil, err
	}
	comp.users = users

	sessions, err := buildSessionStore(ctx, cfg, comp)
	if err != nil {
		comp.Close()
		return nil, err
	}
	comp.sessions = sessions

	if app != nil {
		v, err := auth.NewFirebaseVerifier(ctx, app)
		if err != nil {
			comp.Close()
			return nil, err
		}
		comp.verifier = v
	} else {
		log.Warn("No Firebase project configured, ID tokens are taken as user ids")
		comp.verifier = auth.StaticVerifier{}
	}
	return comp, nil
}

// buildPriceSource chains the enabled sources in priority order behind a fallback source.
func buildPriceSource(cfg *configloader.Config, log *zap.Logger) port.PriceSource {
	ref := cfg.Cache.ReferenceSymbol
	ps := cfg.PriceSources
	var sources []httpclient.RatedSource

	if ps.Binance.Enabled {
		client := binance.NewClient(ps.Binance.APIKey, ps.Binance.SecretKey)
		if ps.Binance.BaseURL != "" {
			client.BaseURL = ps.Binance.BaseURL
		}
		sources = append(sources, httpclient.RatedSource{
			Source:  httpclient.NewBinanceSource(client, ps.Binance.Quote, ref, log),
			Limiter: limiter(ps.Binance.RateLimit),
		})
	}
	if ps.CoinGecko.Enabled {
		sources = append(sources, httpclient.RatedSource{
			Source: httpclient.NewCoinGeckoSource(httpclient.CoinGeckoConfig{
				BaseURL:    ps.CoinGecko.BaseURL,
				APIKey:     ps.CoinGecko.APIKey,
				VsCurrency: ps.CoinGecko.VsCurrency,
				CoinIDs:    ps.CoinGecko.CoinIDs,
				Timeout:    millis(ps.CoinGecko.RequestTimeoutMillis),
			}, ref, log),
			Limiter: limiter(ps.CoinGecko.RateLimit),
		})
	}
	if ps.DEXScreener.Enabled {
		tokens := make(map[string]httpclient.DEXTokenRef, len(ps.DEXScreener.Tokens))
		for symbol, t := range ps.DEXScreener.Tokens {
			tokens[symbol] = httpclient.DEXTokenRef{ChainID: t.ChainID, Address: t.Address}
		}
		sources = append(sources, httpclient.RatedSource{
			Source: httpclient.NewDEXScreenerSource(httpclient.DEXScreenerConfig{
				BaseURL:             ps.DEXScreener.BaseURL,
				Tokens:              tokens,
				MaxTokensPerRequest: ps.DEXScreener.MaxTokensPerRequest,
				Timeout:             millis(ps.DEXScreener.RequestTimeoutMillis),
			}, ref, log),
			Limiter: limiter(ps.DEXScreener.RateLimit),
		})
	}
	for _, src := range ps.JSONPath {
		sources = append(sources, httpclient.RatedSource{
			Source: httpclient.NewJSONPathSource(httpclient.JSONPathConfig{
				Name:        src.Name,
				URLTemplate: src.URLTemplate,
				PricePath:   src.PricePath,
				APIKey:      src.APIKey,
				Symbols:     src.Symbols,
				Headers:     src.Headers,
				Timeout:     millis(src.RequestTimeoutMillis),
			}, ref, log),
			Limiter: limiter(src.RateLimit),
		})
	}

	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, s.Source.Name())
	}
	log.Info("Price sources configured", zap.Strings("sources", names))
	return httpclient.NewFallbackSource(ref, log, sources...)
}

func buildUserData(ctx context.Context, cfg *configloader.Config, app *firebase.App, comp *components, log *zap.Logger) (port.UserDataStore, error) {
	switch cfg.UserData.Driver {
	case "firestore":
		client, err := app.Firestore(ctx)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		comp.closers = append(comp.closers, func() { _ = client.Close() })
		return userdata.NewFirestoreStore(client, cfg.UserData.Collection, log), nil
	case "postgres":
		pool, err := userdata.NewPostgresPool(ctx, cfg.UserData.DatabaseURL)
		if err != nil {
			return nil, err
		}
		comp.closers = append(comp.closers, pool.Close)
		store := userdata.NewPostgresStore(pool, log)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return userdata.NewMemoryStore(cfg.UserData.Accounts), nil
	}
}

func buildSessionStore(ctx context.Context, cfg *configloader.Config, comp *components) (port.SessionStore, error) {
	if cfg.Session.Driver != "redis" {
		return sessionstore.NewMemoryStore(), nil
	}
	rdb, err := sessionstore.NewRedisClient(ctx, cfg.Session.RedisURL)
	if err != nil {
		return nil, err
	}
	comp.closers = append(comp.closers, func() { _ = rdb.Close() })
	return sessionstore.NewRedisStore(rdb, cfg.Session.Prefix), nil
}

func cacheConfig(cfg *configloader.Config) service.PreloadCacheConfig {
	return service.PreloadCacheConfig{
		Symbols:         cfg.Cache.Symbols,
		ReferenceSymbol: cfg.Cache.ReferenceSymbol,
		StaleAfter:      time.Duration(cfg.Cache.StaleAfterSec) * time.Second,
		FetchTimeout:    time.Duration(cfg.Cache.FetchTimeoutSec) * time.Second,
	}
}

func limiter(rl configloader.RateLimit) *rate.Limiter {
	if rl.RequestsPerSecond <= 0 {
		return nil
	}
	burst := rl.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
