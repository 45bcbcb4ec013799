package restapi

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"market_preloader/internal/infrastructure/metrics"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterConfig holds the optional parts of the router.
type RouterConfig struct {
	// UIOrigin, when set, receives every unmatched request through Transport.
	UIOrigin *url.URL
	// Transport is the round tripper used for the UI proxy, usually the offline store.
	Transport http.RoundTripper
	// AllowedOrigins for CORS; empty allows all.
	AllowedOrigins []string
}

// SetupRouter builds the gin engine with the API, metrics, and the UI proxy.
func SetupRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ZapLoggerMiddleware(logger))
	router.Use(metrics.Middleware())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/session", h.GetSession)
		v1.POST("/session", h.CreateSession)
		v1.DELETE("/session", h.DeleteSession)
		v1.GET("/portfolio", h.GetPortfolio)
		v1.GET("/prices", h.GetPrices)
		v1.GET("/prices/:symbol", h.GetPrice)
		v1.POST("/refresh", h.Refresh)
		v1.GET("/ws", h.ServeWS)
	}

	if cfg.UIOrigin != nil {
		proxy := httputil.NewSingleHostReverseProxy(cfg.UIOrigin)
		if cfg.Transport != nil {
			proxy.Transport = cfg.Transport
		}
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("UI proxy failed", zap.String("path", r.URL.Path), zap.Error(err))
			w.WriteHeader(http.StatusBadGateway)
		}
		router.NoRoute(gin.WrapH(proxy))
	}

	return router
}

// ZapLoggerMiddleware logs every request with zap.
func ZapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			logger.Error("Request failed", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		logger.Debug("Request", fields...)
	}
}
