// Package configloader reads the preloader YAML configuration and applies defaults.
package configloader

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"market_preloader/internal/domain/entity"
	"market_preloader/internal/pkg/utils"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Default values applied when the file leaves a field empty.
const (
	DefaultPort               = ":8080"
	DefaultLogLevel           = "info"
	DefaultReferenceSymbol    = entity.DefaultReferenceSymbol
	DefaultStaleAfterSec      = 30
	DefaultRefreshIntervalSec = 30
	DefaultFetchTimeoutSec    = 30
	DefaultDisplayCurrency    = "USD"
	DefaultSessionPrefix      = "preloader"
	DefaultShellPath          = "/index.html"
	DefaultRequestTimeoutMs   = 10000
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Cache        CacheConfig        `yaml:"cache"`
	PriceSources PriceSourcesConfig `yaml:"priceSources"`
	UserData     UserDataConfig     `yaml:"userData"`
	Firebase     FirebaseConfig     `yaml:"firebase"`
	Session      SessionConfig      `yaml:"session"`
	Offline      OfflineConfig      `yaml:"offline"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port           string   `yaml:"port"`
	ReadTimeout    int      `yaml:"readTimeout"`
	WriteTimeout   int      `yaml:"writeTimeout"`
	IdleTimeout    int      `yaml:"idleTimeout"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// LoggingConfig holds the configuration for logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// CacheConfig configures the preload cache and the refresh scheduler.
type CacheConfig struct {
	Symbols            []string `yaml:"symbols"`
	ReferenceSymbol    string   `yaml:"referenceSymbol"`
	StaleAfterSec      int      `yaml:"staleAfterSec"`
	RefreshIntervalSec int      `yaml:"refreshIntervalSec"`
	FetchTimeoutSec    int      `yaml:"fetchTimeoutSec"`
	DisplayCurrency    string   `yaml:"displayCurrency"`
}

// RateLimit is a token bucket for one upstream. Zero RequestsPerSecond means unlimited.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// BinanceConfig configures the Binance ticker source.
type BinanceConfig struct {
	Enabled   bool      `yaml:"enabled"`
	BaseURL   string    `yaml:"baseURL"`
	APIKey    string    `yaml:"apiKey"`
	SecretKey string    `yaml:"secretKey"`
	Quote     string    `yaml:"quote"`
	RateLimit RateLimit `yaml:"rateLimit"`
}

// CoinGeckoConfig configures the CoinGecko source.
type CoinGeckoConfig struct {
	Enabled              bool              `yaml:"enabled"`
	BaseURL              string            `yaml:"baseURL"`
	APIKey               string            `yaml:"apiKey"`
	VsCurrency           string            `yaml:"vsCurrency"`
	CoinIDs              map[string]string `yaml:"coinIds"`
	RequestTimeoutMillis int64             `yaml:"requestTimeoutMillis"`
	RateLimit            RateLimit         `yaml:"rateLimit"`
}

// DEXToken locates a symbol on a chain for DEX Screener.
type DEXToken struct {
	ChainID string `yaml:"chainId"`
	Address string `yaml:"address"`
}

// DEXScreenerConfig configures the DEX Screener source.
type DEXScreenerConfig struct {
	Enabled              bool                `yaml:"enabled"`
	BaseURL              string              `yaml:"baseURL"`
	Tokens               map[string]DEXToken `yaml:"tokens"`
	MaxTokensPerRequest  int                 `yaml:"maxTokensPerRequest"`
	RequestTimeoutMillis int64               `yaml:"requestTimeoutMillis"`
	RateLimit            RateLimit           `yaml:"rateLimit"`
}

// JSONPathSourceConfig configures a generic single-quote REST source.
type JSONPathSourceConfig struct {
	Name                 string            `yaml:"name"`
	URLTemplate          string            `yaml:"urlTemplate"`
	PricePath            string            `yaml:"pricePath"`
	APIKey               string            `yaml:"apiKey"`
	APIKeyEnv            string            `yaml:"apiKeyEnv"`
	Symbols              map[string]string `yaml:"symbols"`
	Headers              map[string]string `yaml:"headers"`
	RequestTimeoutMillis int64             `yaml:"requestTimeoutMillis"`
	RateLimit            RateLimit         `yaml:"rateLimit"`
}

// PriceSourcesConfig lists the market price sources in priority order:
// binance, coingecko, dexScreener, then each jsonPath entry.
type PriceSourcesConfig struct {
	Binance     BinanceConfig          `yaml:"binance"`
	CoinGecko   CoinGeckoConfig        `yaml:"coinGecko"`
	DEXScreener DEXScreenerConfig      `yaml:"dexScreener"`
	JSONPath    []JSONPathSourceConfig `yaml:"jsonPath"`
}

// UserDataConfig selects the user-data store.
type UserDataConfig struct {
	Driver      string                        `yaml:"driver"` // memory, firestore, postgres
	Collection  string                        `yaml:"collection"`
	DatabaseURL string                        `yaml:"databaseURL"`
	Accounts    map[string]entity.UserAccount `yaml:"accounts"`
}

// FirebaseConfig configures the Firebase Admin SDK. Without a project id the
// token verifier accepts the token as the user id.
type FirebaseConfig struct {
	ProjectID       string `yaml:"projectId"`
	CredentialsFile string `yaml:"credentialsFile"`
}

// SessionConfig selects the local persistent key-value store.
type SessionConfig struct {
	Driver   string `yaml:"driver"` // memory, redis
	RedisURL string `yaml:"redisURL"`
	Prefix   string `yaml:"prefix"`
}

// OfflineConfig configures the UI proxy and its offline fallback store.
type OfflineConfig struct {
	UIOrigin      string   `yaml:"uiOrigin"`
	AppVersion    string   `yaml:"appVersion"`
	Shell         string   `yaml:"shell"`
	Assets        []string `yaml:"assets"`
	APIPrefixes   []string `yaml:"apiPrefixes"`
	ExcludedHosts []string `yaml:"excludedHosts"`
}

// Load reads the YAML configuration file from the given path, applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	logrus.Infof("Loading configuration from path: %s", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data from %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// applyEnv lets secrets live outside the config file.
func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.PriceSources.Binance.APIKey, "BINANCE_API_KEY")
	override(&c.PriceSources.Binance.SecretKey, "BINANCE_SECRET_KEY")
	override(&c.PriceSources.CoinGecko.APIKey, "COINGECKO_API_KEY")
	override(&c.UserData.DatabaseURL, "DATABASE_URL")
	override(&c.Session.RedisURL, "REDIS_URL")
	override(&c.Firebase.CredentialsFile, "FIREBASE_CREDENTIALS")
	for i := range c.PriceSources.JSONPath {
		if key := c.PriceSources.JSONPath[i].APIKeyEnv; key != "" {
			override(&c.PriceSources.JSONPath[i].APIKey, key)
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = DefaultPort
		logrus.Infof("Server.Port not set, defaulting to %s", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 15
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}

	if c.Cache.ReferenceSymbol == "" {
		c.Cache.ReferenceSymbol = DefaultReferenceSymbol
		logrus.Infof("Cache.ReferenceSymbol not set, defaulting to %s", c.Cache.ReferenceSymbol)
	}
	c.Cache.ReferenceSymbol = entity.NormalizeSymbol(c.Cache.ReferenceSymbol)
	c.Cache.Symbols = entity.NormalizeSymbols(c.Cache.Symbols)
	if c.Cache.StaleAfterSec <= 0 {
		c.Cache.StaleAfterSec = DefaultStaleAfterSec
		logrus.Infof("Cache.StaleAfterSec not set, defaulting to %d", c.Cache.StaleAfterSec)
	}
	if c.Cache.FetchTimeoutSec <= 0 {
		c.Cache.FetchTimeoutSec = DefaultFetchTimeoutSec
	}
	if c.Cache.RefreshIntervalSec <= 0 {
		c.Cache.RefreshIntervalSec = DefaultRefreshIntervalSec
		logrus.Infof("Cache.RefreshIntervalSec not set, defaulting to %d", c.Cache.RefreshIntervalSec)
	}
	if c.Cache.DisplayCurrency == "" {
		c.Cache.DisplayCurrency = DefaultDisplayCurrency
	}

	ps := &c.PriceSources
	if ps.Binance.Quote == "" {
		ps.Binance.Quote = c.Cache.ReferenceSymbol
	}
	if ps.CoinGecko.RequestTimeoutMillis <= 0 {
		ps.CoinGecko.RequestTimeoutMillis = DefaultRequestTimeoutMs
	}
	if ps.DEXScreener.RequestTimeoutMillis <= 0 {
		ps.DEXScreener.RequestTimeoutMillis = DefaultRequestTimeoutMs
	}
	if ps.DEXScreener.MaxTokensPerRequest <= 0 {
		ps.DEXScreener.MaxTokensPerRequest = 30
		logrus.Infof("DEXScreener.MaxTokensPerRequest not set, defaulting to %d", ps.DEXScreener.MaxTokensPerRequest)
	}
	for i := range ps.JSONPath {
		if ps.JSONPath[i].RequestTimeoutMillis <= 0 {
			ps.JSONPath[i].RequestTimeoutMillis = DefaultRequestTimeoutMs
		}
	}

	if c.UserData.Driver == "" {
		c.UserData.Driver = "memory"
		logrus.Infof("UserData.Driver not set, defaulting to %s", c.UserData.Driver)
	}
	if c.UserData.Collection == "" {
		c.UserData.Collection = "users"
	}
	if c.Session.Driver == "" {
		c.Session.Driver = "memory"
		logrus.Infof("Session.Driver not set, defaulting to %s", c.Session.Driver)
	}
	if c.Session.Prefix == "" {
		c.Session.Prefix = DefaultSessionPrefix
	}
	if c.Offline.Shell == "" {
		c.Offline.Shell = DefaultShellPath
	}
	if len(c.Offline.APIPrefixes) == 0 {
		c.Offline.APIPrefixes = []string{"/api/"}
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	if len(c.Cache.Symbols) == 0 {
		return fmt.Errorf("cache.symbols must list at least one symbol")
	}
	switch c.UserData.Driver {
	case "memory", "firestore":
	case "postgres":
		if c.UserData.DatabaseURL == "" {
			return fmt.Errorf("userData.databaseURL (or DATABASE_URL) is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown userData.driver %q", c.UserData.Driver)
	}
	switch c.Session.Driver {
	case "memory":
	case "redis":
		if c.Session.RedisURL == "" {
			return fmt.Errorf("session.redisURL (or REDIS_URL) is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown session.driver %q", c.Session.Driver)
	}
	if c.Firebase.CredentialsFile != "" && !utils.FileExists(c.Firebase.CredentialsFile) {
		return fmt.Errorf("firebase.credentialsFile %s does not exist", c.Firebase.CredentialsFile)
	}
	if c.UserData.Driver == "firestore" && c.Firebase.ProjectID == "" {
		logrus.Warn("Firestore driver without firebase.projectId, relying on application default credentials")
	}
	var names []string
	for _, src := range c.PriceSources.JSONPath {
		if utils.Contains(names, src.Name) {
			return fmt.Errorf("duplicate jsonPath source name %q", src.Name)
		}
		names = append(names, src.Name)
		if src.Name == "" || src.URLTemplate == "" || src.PricePath == "" {
			return fmt.Errorf("jsonPath source needs name, urlTemplate and pricePath")
		}
		if !strings.Contains(src.URLTemplate, "{symbol}") {
			return fmt.Errorf("jsonPath source %s: urlTemplate has no {symbol} placeholder", src.Name)
		}
	}
	if !c.PriceSources.anyEnabled() {
		return fmt.Errorf("no price source is enabled")
	}
	return c.UserData.validateAccounts()
}

// validateAccounts rejects seeded balances and amounts that are negative, NaN or infinite.
func (u UserDataConfig) validateAccounts() error {
	ids := make([]string, 0, len(u.Accounts))
	for id := range u.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		acc := u.Accounts[id]
		if !validQuantity(acc.ReferenceBalance) {
			return fmt.Errorf("userData.accounts.%s: invalid referenceBalance %v", id, acc.ReferenceBalance)
		}
		for _, h := range acc.Holdings {
			if !validQuantity(h.Amount) {
				return fmt.Errorf("userData.accounts.%s: invalid amount %v for %s", id, h.Amount, h.Symbol)
			}
		}
	}
	return nil
}

func validQuantity(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

func (p PriceSourcesConfig) anyEnabled() bool {
	return p.Binance.Enabled || p.CoinGecko.Enabled || p.DEXScreener.Enabled || len(p.JSONPath) > 0
}
