// Package handlers exposes the operator-facing CRUD surface and the
// event-bus stream over gin. The UI is a thin consumer of these routes.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tradingengine/copytrading"
	"tradingengine/eventbus"
	"tradingengine/models"
	"tradingengine/storage"
	"tradingengine/strategy"
)

// Handler handles HTTP requests
type Handler struct {
	store    *storage.Store
	watcher  *copytrading.Watcher
	executor *copytrading.Executor
	engine   *strategy.Engine
	bus      *eventbus.Bus
}

// NewHandler creates a new handler
func NewHandler(store *storage.Store, watcher *copytrading.Watcher, executor *copytrading.Executor, engine *strategy.Engine, bus *eventbus.Bus) *Handler {
	return &Handler{
		store:    store,
		watcher:  watcher,
		executor: executor,
		engine:   engine,
		bus:      bus,
	}
}

// --- Tracked users ---

// ListTrackedUsers returns all tracked users (archived included unless
// active=true is passed).
func (h *Handler) ListTrackedUsers(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	users, err := h.store.ListTrackedUsers(c.Request.Context(), activeOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load tracked users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

// TrackUser starts watching a wallet address.
func (h *Handler) TrackUser(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
		Label   string `json:"label"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.watcher.Track(c.Request.Context(), req.Address, req.Label)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// UntrackUser archives a tracked address.
func (h *Handler) UntrackUser(c *gin.Context) {
	address := c.GetString("validatedAddress")
	if err := h.watcher.Untrack(c.Request.Context(), address); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": address})
}

// RestoreUser reactivates an archived address.
func (h *Handler) RestoreUser(c *gin.Context) {
	address := c.GetString("validatedAddress")
	if err := h.watcher.Restore(c.Request.Context(), address); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"restored": address})
}

// DeleteUser permanently removes an archived address.
func (h *Handler) DeleteUser(c *gin.Context) {
	address := c.GetString("validatedAddress")
	if err := h.watcher.Delete(c.Request.Context(), address); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, storage.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, storage.ErrStillActive):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": address})
}

// --- Copy trading settings and trades ---

// GetCopySettings returns the copy trading configuration.
func (h *Handler) GetCopySettings(c *gin.Context) {
	settings, err := h.store.GetCopyTradingSettings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load settings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// UpdateCopySettings validates and saves the copy trading configuration.
func (h *Handler) UpdateCopySettings(c *gin.Context) {
	var settings models.CopyTradingSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.UpdateCopyTradingSettings(c.Request.Context(), settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// ListCopyTrades returns recent copy trades.
func (h *Handler) ListCopyTrades(c *gin.Context) {
	limit := 100
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}
	trades, err := h.store.ListCopyTrades(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load copy trades"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

// RetryCopyTrade re-attempts a failed copy trade.
func (h *Handler) RetryCopyTrade(c *gin.Context) {
	ct, err := h.executor.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": ct})
}

// ManualCopyTrade executes one copy trade regardless of the enabled flag.
func (h *Handler) ManualCopyTrade(c *gin.Context) {
	var req struct {
		Address string               `json:"address" binding:"required"`
		Trade   models.ActivityTrade `json:"trade" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ct, err := h.executor.Execute(c.Request.Context(), strings.ToLower(req.Address), req.Trade, true)
	if err != nil {
		// A recorded failure carries the persisted trade row; anything
		// else (settings load, duplicate check) is a server-side error.
		if ct != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"trade":  ct,
				"status": ct.Status,
				"error":  err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := "skipped"
	resp := gin.H{"trade": ct}
	if ct != nil {
		status = ct.Status
	}
	resp["status"] = status
	c.JSON(http.StatusOK, resp)
}

// --- Credentials ---

// GetCredentials returns the masked credential set.
func (h *Handler) GetCredentials(c *gin.Context) {
	creds, err := h.store.GetCredentials(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"credentials": creds.Masked(),
		"configured":  creds.Configured(),
	})
}

// UpdateCredentials saves the credential set.
func (h *Handler) UpdateCredentials(c *gin.Context) {
	var creds models.Credentials
	if err := c.ShouldBindJSON(&creds); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.UpdateCredentials(c.Request.Context(), creds); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"configured": creds.Configured()})
}

// --- Strategies ---

type strategyResponse struct {
	models.Strategy
	Live bool `json:"live"`
}

// ListStrategies returns all strategies with their persisted status. The
// separate live flag comes from the engine registry.
func (h *Handler) ListStrategies(c *gin.Context) {
	strategies, err := h.store.ListStrategies(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load strategies"})
		return
	}

	resp := make([]strategyResponse, 0, len(strategies))
	for _, st := range strategies {
		resp = append(resp, strategyResponse{Strategy: st, Live: h.engine.Running(st.ID)})
	}
	c.JSON(http.StatusOK, gin.H{"strategies": resp})
}

// CreateStrategy validates the config and inserts a strategy row.
func (h *Handler) CreateStrategy(c *gin.Context) {
	var req struct {
		Name      string          `json:"name" binding:"required"`
		Type      string          `json:"type" binding:"required"`
		Config    json.RawMessage `json:"config"`
		PaperMode *bool           `json:"paper_mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := strategy.ValidateStrategyConfig(req.Type, req.Config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	paperMode := true
	if req.PaperMode != nil {
		paperMode = *req.PaperMode
	}

	st, err := h.store.CreateStrategy(c.Request.Context(), models.Strategy{
		Name:      req.Name,
		Type:      req.Type,
		Config:    req.Config,
		PaperMode: paperMode,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": st})
}

// StartStrategy launches the runner.
func (h *Handler) StartStrategy(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.StartStrategy(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": id})
}

// StopStrategy terminates the runner.
func (h *Handler) StopStrategy(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.StopStrategy(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": id})
}

// PauseStrategy suspends signal evaluation.
func (h *Handler) PauseStrategy(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.PauseStrategy(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": id})
}

// ResumeStrategy resumes signal evaluation.
func (h *Handler) ResumeStrategy(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.ResumeStrategy(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": id})
}

// GetStrategyEvents returns the strategy's event log.
func (h *Handler) GetStrategyEvents(c *gin.Context) {
	limit := 200
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}
	events, err := h.store.ListStrategyEvents(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// GetStrategyPositions returns the strategy's positions.
func (h *Handler) GetStrategyPositions(c *gin.Context) {
	positions, err := h.store.ListPositions(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load positions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

// GetStrategyTrades returns the strategy's trades.
func (h *Handler) GetStrategyTrades(c *gin.Context) {
	limit := 200
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}
	trades, err := h.store.ListTrades(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trades"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// --- Event stream ---

// StreamEvents bridges the in-process event bus to the browser over SSE.
// Topics are passed comma-separated; defaults to copy_trading and
// strategies:updates.
func (h *Handler) StreamEvents(c *gin.Context) {
	// The server's write deadline is set once per request and never
	// extended, which would tear down the stream after WriteTimeout.
	// A zero deadline disables it for this connection.
	if err := http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{}); err != nil {
		log.Printf("[Handlers] clear stream write deadline: %v", err)
	}

	topicsParam := c.Query("topics")
	topics := []string{eventbus.TopicCopyTrading, eventbus.TopicStrategyUpdates}
	if topicsParam != "" {
		topics = strings.Split(topicsParam, ",")
	}

	merged := make(chan eventbus.Message, 64)
	var unsubs []func()
	for _, topic := range topics {
		ch, unsub := h.bus.Subscribe(strings.TrimSpace(topic), 64)
		unsubs = append(unsubs, unsub)
		go func(ch <-chan eventbus.Message) {
			for msg := range ch {
				select {
				case merged <- msg:
				default:
				}
			}
		}(ch)
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case msg := <-merged:
			c.SSEvent(msg.Type, gin.H{"topic": msg.Topic, "data": msg.Data})
			return true
		}
	})
}
