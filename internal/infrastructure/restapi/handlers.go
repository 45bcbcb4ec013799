package restapi

import (
	"errors"
	"net/http"
	"time"

	"market_preloader/internal/app/port"
	"market_preloader/internal/domain/entity"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HoldingView is a holding with its cached price and value.
type HoldingView struct {
	Symbol string   `json:"symbol"`
	Amount float64  `json:"amount"`
	Price  *float64 `json:"price"` // nil when the price is not cached
	Value  float64  `json:"value"`
}

// PortfolioResponse is the body of GET /api/v1/portfolio.
type PortfolioResponse struct {
	Populated        bool           `json:"populated"`
	State            string         `json:"state"`
	Stale            bool           `json:"stale"`
	UserID           string         `json:"userId,omitempty"`
	ReferenceSymbol  string         `json:"referenceSymbol,omitempty"`
	ReferenceBalance float64        `json:"referenceBalance"`
	Holdings         []HoldingView  `json:"holdings"`
	TotalValue       float64        `json:"totalValue"`
	FormattedTotal   string         `json:"formattedTotal"`
	ComputedAt       *time.Time     `json:"computedAt,omitempty"`
	Profile          map[string]any `json:"profile,omitempty"`
	LastError        string         `json:"lastError,omitempty"`
}

// SessionResponse describes the current session.
type SessionResponse struct {
	State       string     `json:"state"`
	UserID      string     `json:"userId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Stale       bool       `json:"stale"`
}

type sessionRequest struct {
	IDToken string `json:"idToken" binding:"required"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Handler serves the preload cache and the session lifecycle over HTTP.
type Handler struct {
	cache    port.Preloader
	sessions port.SessionController
	verifier port.TokenVerifier
	hub      *WSHub
	currency string
	now      func() time.Time
	logger   *zap.Logger
}

// NewHandler creates the API handler. currency is the ISO code totals are displayed in.
func NewHandler(cache port.Preloader, sessions port.SessionController, verifier port.TokenVerifier, hub *WSHub, currency string, logger *zap.Logger) *Handler {
	if currency == "" {
		currency = "USD"
	}
	return &Handler{
		cache:    cache,
		sessions: sessions,
		verifier: verifier,
		hub:      hub,
		currency: currency,
		now:      time.Now,
		logger:   logger.Named("Handler"),
	}
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": h.sessions.State().String()})
}

// GetSession handles GET /api/v1/session.
func (h *Handler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.sessionResponse(h.sessions.State()))
}

// CreateSession handles POST /api/v1/session. The ID token is verified with the
// auth provider and the session is preloaded before the response is sent.
func (h *Handler) CreateSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	userID, err := h.verifier.VerifyIDToken(c.Request.Context(), req.IDToken)
	if err != nil {
		h.logger.Info("Rejected ID token", zap.Error(err))
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "invalid_token"})
		return
	}

	state := h.sessions.SessionEstablished(c.Request.Context(), userID)
	c.JSON(http.StatusOK, h.sessionResponse(state))
}

// DeleteSession handles DELETE /api/v1/session.
func (h *Handler) DeleteSession(c *gin.Context) {
	h.sessions.SessionEnded(c.Request.Context())
	c.JSON(http.StatusOK, h.sessionResponse(entity.StateUnauthenticated))
}

// GetPortfolio handles GET /api/v1/portfolio. An empty cache answers with
// populated=false rather than an error.
func (h *Handler) GetPortfolio(c *gin.Context) {
	c.JSON(http.StatusOK, h.portfolioResponse())
}

// GetPrices handles GET /api/v1/prices.
func (h *Handler) GetPrices(c *gin.Context) {
	resp := gin.H{
		"prices": h.cache.Prices(),
		"stale":  h.cache.IsStale(h.now()),
	}
	if t := h.cache.LastUpdated(); !t.IsZero() {
		resp["lastUpdated"] = t
	}
	c.JSON(http.StatusOK, resp)
}

// GetPrice handles GET /api/v1/prices/:symbol.
func (h *Handler) GetPrice(c *gin.Context) {
	symbol := entity.NormalizeSymbol(c.Param("symbol"))
	price, ok := h.cache.CachedPrice(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "price_not_cached", Message: symbol})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "price": price, "stale": h.cache.IsStale(h.now())})
}

// Refresh handles POST /api/v1/refresh.
func (h *Handler) Refresh(c *gin.Context) {
	if h.sessions.State() == entity.StateUnauthenticated {
		c.JSON(http.StatusConflict, errorResponse{Error: "no_session", Message: entity.ErrNoActiveSession.Error()})
		return
	}
	state := h.sessions.Tick(c.Request.Context())
	resp := h.sessionResponse(state)
	if err := h.cache.LastError(); err != nil {
		c.JSON(http.StatusOK, gin.H{"session": resp, "lastError": err.Error(), "kind": entity.ErrorKind(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": resp})
}

// ServeWS handles GET /api/v1/ws. The current portfolio is sent on connect.
func (h *Handler) ServeWS(c *gin.Context) {
	initial := h.SnapshotMessage()
	h.hub.Serve(c.Writer, c.Request, &initial)
}

// SnapshotMessage builds the WebSocket message for the current cache contents.
func (h *Handler) SnapshotMessage() WSMessage {
	p := h.portfolioResponse()
	return WSMessage{Type: "portfolio", Portfolio: &p, State: p.State}
}

func (h *Handler) sessionResponse(state entity.SessionState) SessionResponse {
	resp := SessionResponse{
		State:  state.String(),
		UserID: h.sessions.UserID(),
		Stale:  h.cache.IsStale(h.now()),
	}
	if t := h.cache.LastUpdated(); !t.IsZero() {
		resp.LastUpdated = &t
	}
	return resp
}

func (h *Handler) portfolioResponse() PortfolioResponse {
	view := h.cache.View(h.now())
	resp := PortfolioResponse{
		State:          h.sessions.State().String(),
		Stale:          view.Stale,
		Holdings:       []HoldingView{},
		FormattedTotal: formatMoney(0, h.currency),
	}
	if err := view.LastError; err != nil && !errors.Is(err, entity.ErrNoActiveSession) {
		resp.LastError = err.Error()
	}
	if !view.Populated {
		return resp
	}

	snap := view.Snapshot
	resp.Populated = true
	resp.UserID = snap.UserID
	resp.ReferenceSymbol = snap.ReferenceSymbol
	resp.ReferenceBalance = snap.ReferenceBalance
	resp.TotalValue = snap.TotalValue
	resp.FormattedTotal = formatMoney(snap.TotalValue, h.currency)
	computedAt := snap.ComputedAt
	resp.ComputedAt = &computedAt
	resp.Profile = view.Profile
	for _, holding := range snap.Holdings {
		hv := HoldingView{Symbol: holding.Symbol, Amount: holding.Amount}
		if price, ok := view.Prices.Price(holding.Symbol); ok {
			p := price
			hv.Price = &p
			hv.Value = holding.Amount * price
		}
		resp.Holdings = append(resp.Holdings, hv)
	}
	return resp
}
