package copytrading

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradingengine/eventbus"
	"tradingengine/models"
	"tradingengine/ordersign"
	"tradingengine/storage"
	"tradingengine/venue"
)

// TradingClient covers the venue operations the executor needs.
type TradingClient interface {
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	PostOrder(ctx context.Context, orderPayload any, orderType venue.OrderType) (*venue.OrderResponse, error)
}

// MarketLookup resolves per-token market metadata (for the neg-risk flag).
type MarketLookup interface {
	TokenInfo(ctx context.Context, tokenID string) (models.MarketInfo, error)
}

// minShares is the venue's minimum order size in shares.
var minShares = decimal.NewFromInt(5)

// Executor subscribes to new-trade events, sizes the copy per the
// configured mode, places the order and persists the outcome.
type Executor struct {
	store   *storage.Store
	client  TradingClient
	markets MarketLookup
	bus     *eventbus.Bus

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewExecutor creates an executor over the shared store, venue client and
// market lookup.
func NewExecutor(store *storage.Store, client TradingClient, markets MarketLookup, bus *eventbus.Bus) *Executor {
	return &Executor{
		store:   store,
		client:  client,
		markets: markets,
		bus:     bus,
		stopCh:  make(chan struct{}),
	}
}

// Start subscribes to the copy_trading topic and processes new_trade
// events in arrival order.
func (e *Executor) Start(ctx context.Context) {
	events, unsub := e.bus.Subscribe(eventbus.TopicCopyTrading, 256)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case msg, ok := <-events:
				if !ok {
					return
				}
				if msg.Type != "new_trade" {
					continue
				}
				ev, ok := msg.Data.(NewTradeEvent)
				if !ok {
					continue
				}
				if _, err := e.Execute(ctx, ev.Address, ev.Trade, false); err != nil {
					log.Printf("[Executor] copy of %s failed: %v", ev.Trade.ID, err)
				}
			}
		}
	}()

	log.Printf("[Executor] started")
}

// Stop halts event processing.
func (e *Executor) Stop() {
	e.stopped.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	log.Printf("[Executor] stopped")
}

// Execute mirrors one tracked trade. With force=false the settings'
// enabled flag gates execution; the manual-copy path passes force=true.
// Duplicate original trade ids are dropped before any order is placed.
func (e *Executor) Execute(ctx context.Context, address string, trade models.ActivityTrade, force bool) (*models.CopyTrade, error) {
	settings, err := e.store.GetCopyTradingSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("copytrading: load settings: %w", err)
	}
	if !settings.Enabled && !force {
		return nil, nil
	}

	exists, err := e.store.CopyTradeExists(ctx, trade.ID)
	if err != nil {
		return nil, fmt.Errorf("copytrading: duplicate check: %w", err)
	}
	if exists {
		log.Printf("[Executor] trade %s already copied, skipping", trade.ID)
		return nil, nil
	}

	price := ordersign.ClampTick(trade.Price)
	shares, err := e.copySize(ctx, settings, trade, price)
	if err != nil {
		return e.record(ctx, address, trade, decimal.Zero, models.CopyTradeFailed, err.Error())
	}

	status, errMsg := e.placeOrder(ctx, trade.AssetID, trade.Side, shares, price)
	return e.record(ctx, address, trade, shares, status, errMsg)
}

// Retry re-attempts a failed copy trade using the stored asset id, side,
// copy size and original price.
func (e *Executor) Retry(ctx context.Context, id string) (*models.CopyTrade, error) {
	ct, err := e.store.GetCopyTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	if ct.Status != models.CopyTradeFailed {
		return nil, fmt.Errorf("copytrading: trade %s is %s, only failed trades can be retried", id, ct.Status)
	}

	price := ordersign.ClampTick(ct.OriginalPrice)
	status, errMsg := e.placeOrder(ctx, ct.AssetID, ct.Side, ct.CopySize, price)

	var executedAt *time.Time
	if status == models.CopyTradeExecuted || status == models.CopyTradeSimulated {
		now := time.Now()
		executedAt = &now
	}
	if err := e.store.UpdateCopyTradeResult(ctx, id, status, errMsg, executedAt); err != nil {
		return nil, err
	}

	ct, err = e.store.GetCopyTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	e.bus.Publish(eventbus.TopicCopyTrading, "copy_trade_executed", ct)
	return &ct, nil
}

// copySize derives the copy size in shares from the configured sizing
// mode, clamped upward to the venue minimum of 5 shares.
func (e *Executor) copySize(ctx context.Context, settings models.CopyTradingSettings, trade models.ActivityTrade, price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("copytrading: non-positive price for trade %s", trade.ID)
	}

	var dollars decimal.Decimal
	switch settings.SizingMode {
	case models.SizingFixed:
		dollars = settings.FixedAmount
	case models.SizingProportional:
		dollars = trade.Size.Mul(price).Mul(settings.ProportionalFactor)
	case models.SizingPercentage:
		balance, err := e.client.GetBalance(ctx)
		if err != nil {
			// No guessed balance: percentage sizing without a balance is a
			// hard skip.
			return decimal.Zero, fmt.Errorf("copytrading: balance unavailable: %w", err)
		}
		dollars = balance.Mul(settings.Percentage).Div(decimal.NewFromInt(100))
	default:
		return decimal.Zero, fmt.Errorf("copytrading: unknown sizing mode %q", settings.SizingMode)
	}

	shares := dollars.Div(price)
	if shares.LessThan(minShares) {
		shares = minShares
	}
	return shares, nil
}

// placeOrder signs and submits the order. Without a configured credential
// set the copy is recorded as simulated instead of touching the venue.
func (e *Executor) placeOrder(ctx context.Context, assetID string, side models.Side, shares, price decimal.Decimal) (status, errMsg string) {
	creds, err := e.store.GetCredentials(ctx)
	if err != nil {
		return models.CopyTradeFailed, fmt.Sprintf("load credentials: %v", err)
	}
	if !creds.Configured() {
		log.Printf("[Executor] credentials not configured, recording simulated copy of %s", assetID)
		return models.CopyTradeSimulated, ""
	}

	info, err := e.markets.TokenInfo(ctx, assetID)
	if err != nil {
		return models.CopyTradeFailed, fmt.Sprintf("market lookup: %v", err)
	}
	if !info.NegRiskKnown {
		return models.CopyTradeFailed, "market_configuration_unavailable"
	}

	order, err := ordersign.Build(creds, assetID, side, shares, price, info.NegRisk)
	if err != nil {
		return models.CopyTradeFailed, fmt.Sprintf("sign order: %v", err)
	}

	resp, err := e.client.PostOrder(ctx, order, venue.OrderTypeGTC)
	if err != nil {
		return models.CopyTradeFailed, fmt.Sprintf("post order: %v", err)
	}
	if !resp.Success {
		return models.CopyTradeFailed, resp.ErrorMsg
	}

	log.Printf("[Executor] order placed: %s %s %s @ %s (order %s)",
		side, shares.StringFixed(2), assetID, price.String(), resp.OrderID)
	return models.CopyTradeExecuted, ""
}

func (e *Executor) record(ctx context.Context, address string, trade models.ActivityTrade, shares decimal.Decimal, status, errMsg string) (*models.CopyTrade, error) {
	ct := models.CopyTrade{
		ID:              uuid.NewString(),
		SourceAddress:   address,
		OriginalTradeID: trade.ID,
		Market:          trade.EventSlug,
		AssetID:         trade.AssetID,
		Side:            trade.Side,
		OriginalSize:    trade.Size,
		OriginalPrice:   trade.Price,
		CopySize:        shares,
		Status:          status,
		ErrorMessage:    errMsg,
		Title:           trade.Title,
		Outcome:         trade.Outcome,
		EventSlug:       trade.EventSlug,
	}
	if status == models.CopyTradeExecuted || status == models.CopyTradeSimulated {
		now := time.Now()
		ct.ExecutedAt = &now
	}

	inserted, err := e.store.InsertCopyTrade(ctx, ct)
	if err != nil {
		return nil, fmt.Errorf("copytrading: persist copy trade: %w", err)
	}
	if !inserted {
		// Lost the race with a concurrent insert for the same original
		// trade; the unique index keeps the table consistent.
		log.Printf("[Executor] concurrent duplicate for %s dropped", trade.ID)
		return nil, nil
	}

	e.bus.Publish(eventbus.TopicCopyTrading, "copy_trade_executed", ct)

	if errMsg != "" {
		return &ct, fmt.Errorf("copytrading: %s", errMsg)
	}
	return &ct, nil
}
