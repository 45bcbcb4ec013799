// Package offline serves the UI bundle and its same-origin API calls when the
// network is unreachable. It is an http.RoundTripper with two cache tiers per
// deployed app version: static (precached on install) and dynamic (filled as
// responses are seen).
package offline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"market_preloader/internal/app/port"
	"market_preloader/internal/infrastructure/metrics"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	tierStatic  = "static"
	tierDynamic = "dynamic"

	// CacheHeader tells clients which tier served a response.
	CacheHeader = "X-Offline-Cache"
)

// Config describes the UI origin and how its requests are treated.
type Config struct {
	// Origin is the UI server; relative static paths resolve against it.
	Origin *url.URL
	// ShellPath is served to navigational requests that cannot reach the network.
	ShellPath string
	// StaticAssets are precached on Install. The shell is always included.
	StaticAssets []string
	// APIPrefixes are same-origin paths served network-first.
	APIPrefixes []string
	// ExcludedHosts always go to the network and are never cached.
	ExcludedHosts []string
}

// Store is the offline fallback store.
type Store struct {
	base   http.RoundTripper
	cfg    Config
	logger *zap.Logger

	mu         sync.RWMutex
	generation string
	tiers      map[string]*cache.Cache
}

// New creates a store over base (http.DefaultTransport when nil). It serves
// from cache only after Install and Activate.
func New(base http.RoundTripper, cfg Config, logger *zap.Logger) *Store {
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.ShellPath == "" {
		cfg.ShellPath = "/index.html"
	}
	return &Store{
		base:   base,
		cfg:    cfg,
		logger: logger.Named("OfflineStore"),
		tiers:  make(map[string]*cache.Cache),
	}
}

func tierName(tier, generation string) string {
	return tier + "-" + generation
}

// Generation returns the active generation, or "" before the first Activate.
func (s *Store) Generation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// TierNames lists the tiers currently held, sorted.
func (s *Store) TierNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tiers))
	for name := range s.tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Install fetches the shell and the static assets into the static tier of
// generation. Either every asset is stored or none is.
func (s *Store) Install(ctx context.Context, generation string) error {
	if s.cfg.Origin == nil {
		return fmt.Errorf("offline store has no origin")
	}
	paths := append([]string{s.cfg.ShellPath}, s.cfg.StaticAssets...)
	static := cache.New(cache.NoExpiration, 0)

	for _, p := range paths {
		target := s.cfg.Origin.ResolveReference(&url.URL{Path: p})
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return fmt.Errorf("install %s: %w", p, err)
		}
		resp, err := s.base.RoundTrip(req)
		if err != nil {
			return fmt.Errorf("install %s: %w", p, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("install %s: unexpected status %s", p, resp.Status)
		}
		dump, err := httputil.DumpResponse(resp, true)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("install %s: %w", p, err)
		}
		static.Set(cacheKey(req), dump, cache.NoExpiration)
	}

	s.mu.Lock()
	s.tiers[tierName(tierStatic, generation)] = static
	if _, ok := s.tiers[tierName(tierDynamic, generation)]; !ok {
		s.tiers[tierName(tierDynamic, generation)] = cache.New(cache.NoExpiration, 0)
	}
	s.mu.Unlock()

	s.logger.Info("Installed static assets", zap.String("generation", generation), zap.Int("assets", len(paths)))
	return nil
}

// Activate makes generation current and deletes every tier of other generations.
func (s *Store) Activate(generation string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := map[string]bool{
		tierName(tierStatic, generation):  true,
		tierName(tierDynamic, generation): true,
	}
	var deleted []string
	for name := range s.tiers {
		if !keep[name] {
			delete(s.tiers, name)
			deleted = append(deleted, name)
		}
	}
	if _, ok := s.tiers[tierName(tierDynamic, generation)]; !ok {
		s.tiers[tierName(tierDynamic, generation)] = cache.New(cache.NoExpiration, 0)
	}
	s.generation = generation
	sort.Strings(deleted)

	s.logger.Info("Activated generation", zap.String("generation", generation), zap.Strings("deletedTiers", deleted))
	return deleted
}

// Sync installs and activates version when it differs from the active generation,
// and records it as the last seen app version.
func (s *Store) Sync(ctx context.Context, sessions port.SessionStore, version string) error {
	previous, err := sessions.AppVersion(ctx)
	if err != nil {
		s.logger.Warn("Failed to read last app version", zap.Error(err))
	}
	if previous != "" && previous != version {
		s.logger.Info("New app version deployed", zap.String("previous", previous), zap.String("current", version))
	}
	if s.Generation() != version {
		if err := s.Install(ctx, version); err != nil {
			return err
		}
		s.Activate(version)
	}
	if previous != version {
		if err := sessions.SetAppVersion(ctx, version); err != nil {
			return fmt.Errorf("store app version: %w", err)
		}
	}
	return nil
}

// RoundTrip implements http.RoundTripper.
func (s *Store) RoundTrip(req *http.Request) (*http.Response, error) {
	switch {
	case s.isExcluded(req):
		metrics.OfflineLookups.WithLabelValues("bypass", "network").Inc()
		return s.base.RoundTrip(req)
	case s.isSameOriginAPI(req):
		return s.networkFirst(req)
	default:
		return s.cacheFirst(req)
	}
}

func (s *Store) networkFirst(req *http.Request) (*http.Response, error) {
	resp, err := s.base.RoundTrip(req)
	if err == nil {
		metrics.OfflineLookups.WithLabelValues("network_first", "network").Inc()
		return resp, nil
	}
	metrics.OfflineLookups.WithLabelValues("network_first", "offline").Inc()
	s.logger.Debug("API request failed, answering offline", zap.String("url", req.URL.String()), zap.Error(err))
	return offlineResponse(req), nil
}

func (s *Store) cacheFirst(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodGet {
		if resp, tier, ok := s.lookup(req, cacheKey(req)); ok {
			metrics.OfflineLookups.WithLabelValues("cache_first", "hit").Inc()
			resp.Header.Set(CacheHeader, tier)
			return resp, nil
		}
	}

	resp, err := s.base.RoundTrip(req)
	if err != nil {
		if isNavigation(req) {
			if shell, ok := s.shell(req); ok {
				metrics.OfflineLookups.WithLabelValues("cache_first", "shell").Inc()
				return shell, nil
			}
		}
		metrics.OfflineLookups.WithLabelValues("cache_first", "offline").Inc()
		return nil, err
	}

	metrics.OfflineLookups.WithLabelValues("cache_first", "miss").Inc()
	if req.Method == http.MethodGet && resp.StatusCode == http.StatusOK {
		s.store(req, resp)
	}
	return resp, nil
}

func (s *Store) store(req *http.Request, resp *http.Response) {
	s.mu.RLock()
	dynamic := s.tiers[tierName(tierDynamic, s.generation)]
	s.mu.RUnlock()
	if dynamic == nil {
		return
	}
	// DumpResponse leaves resp.Body readable for the caller.
	dump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		s.logger.Debug("Cache write failed (ignored)", zap.String("url", req.URL.String()), zap.Error(err))
		return
	}
	dynamic.Set(cacheKey(req), dump, cache.NoExpiration)
}

func (s *Store) lookup(req *http.Request, key string) (*http.Response, string, bool) {
	s.mu.RLock()
	gen := s.generation
	tiers := []struct {
		name  string
		cache *cache.Cache
	}{
		{tierStatic, s.tiers[tierName(tierStatic, gen)]},
		{tierDynamic, s.tiers[tierName(tierDynamic, gen)]},
	}
	s.mu.RUnlock()

	for _, tier := range tiers {
		if tier.cache == nil {
			continue
		}
		v, ok := tier.cache.Get(key)
		if !ok {
			continue
		}
		resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(v.([]byte))), req)
		if err != nil {
			s.logger.Warn("Dropping unreadable cache entry", zap.String("key", key), zap.Error(err))
			tier.cache.Delete(key)
			continue
		}
		return resp, tier.name, true
	}
	return nil, "", false
}

func (s *Store) shell(req *http.Request) (*http.Response, bool) {
	if s.cfg.Origin == nil {
		return nil, false
	}
	shellURL := s.cfg.Origin.ResolveReference(&url.URL{Path: s.cfg.ShellPath})
	resp, _, ok := s.lookup(req, http.MethodGet+" "+shellURL.String())
	if !ok {
		return nil, false
	}
	resp.Header.Set(CacheHeader, "shell")
	return resp, true
}

func (s *Store) isExcluded(req *http.Request) bool {
	host := req.URL.Hostname()
	for _, h := range s.cfg.ExcludedHosts {
		if strings.EqualFold(host, h) || strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(h)) {
			return true
		}
	}
	return false
}

func (s *Store) isSameOriginAPI(req *http.Request) bool {
	if s.cfg.Origin == nil || !strings.EqualFold(req.URL.Host, s.cfg.Origin.Host) {
		return false
	}
	for _, prefix := range s.cfg.APIPrefixes {
		if strings.HasPrefix(req.URL.Path, prefix) {
			return true
		}
	}
	return false
}

func cacheKey(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	return http.MethodGet + " " + u.String()
}

func isNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}

func offlineResponse(req *http.Request) *http.Response {
	body := fmt.Sprintf(`{"error":"offline","message":"network unavailable","time":%q}`, time.Now().UTC().Format(time.RFC3339))
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"application/json"}, CacheHeader: []string{"offline"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
