package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradingengine/eventbus"
	"tradingengine/gamma"
	"tradingengine/models"
	"tradingengine/ordersign"
	"tradingengine/venue"
	"tradingengine/wsfeed"
)

// seedConcurrency bounds the parallel REST order-book fetches used to seed
// prices after discovery.
const seedConcurrency = 5

// Runner drives one strategy: discover markets, subscribe to their feeds,
// evaluate price updates through the module, and execute the resulting
// signals in paper or live mode. All runner state is confined to its
// message loop.
type Runner struct {
	strategy models.Strategy
	module   Module
	deps     Deps

	discoveredTokens map[string]models.MarketInfo
	tokenPrices      map[string]TokenPrice
	targetTokens     []string
	lastBroadcast    time.Time
	paused           bool

	events  <-chan wsfeed.Event
	unsub   func()
	pauseCh chan bool
	stopCh  chan struct{}
	stopped sync.Once
	done    chan struct{}
}

// NewRunner loads the strategy row and prepares (but does not start) a
// runner for it.
func NewRunner(ctx context.Context, id string, deps Deps) (*Runner, error) {
	deps.applyDefaults()

	st, err := deps.Store.GetStrategy(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("strategy: load %s: %w", id, err)
	}

	module, err := newModule(st.Type)
	if err != nil {
		return nil, err
	}
	if err := module.Init(st.Config); err != nil {
		return nil, fmt.Errorf("strategy: init module for %s: %w", id, err)
	}

	return &Runner{
		strategy:         st,
		module:           module,
		deps:             deps,
		discoveredTokens: make(map[string]models.MarketInfo),
		tokenPrices:      make(map[string]TokenPrice),
		targetTokens:     module.TargetTokens(),
		pauseCh:          make(chan bool, 1),
		stopCh:           make(chan struct{}),
		done:             make(chan struct{}),
	}, nil
}

// Start transitions the runner to running: persist the intent, subscribe
// to the feed and any pre-configured target tokens, then enter the message
// loop. Blocks until the runner stops; the engine runs it on a goroutine.
func (r *Runner) Start(ctx context.Context) error {
	defer close(r.done)

	if err := r.deps.Store.UpdateStrategyStatus(ctx, r.strategy.ID, models.StrategyRunning); err != nil {
		return fmt.Errorf("strategy: persist running: %w", err)
	}
	r.logEvent(ctx, models.EventInfo, "runner started", nil)

	r.events, r.unsub = r.deps.Feed.Subscribe(1024)
	defer r.unsub()

	if len(r.targetTokens) > 0 {
		r.deps.Feed.SubscribeMarkets(r.targetTokens)
		for _, tokenID := range r.targetTokens {
			if info, err := r.deps.Markets.TokenInfo(ctx, tokenID); err == nil {
				r.discoveredTokens[tokenID] = info
			} else {
				r.discoveredTokens[tokenID] = models.MarketInfo{TokenID: tokenID}
			}
		}
		r.seedPrices(ctx, r.targetTokens)
	}

	return r.loop(ctx)
}

// Stop requests a graceful shutdown and waits for the loop to exit.
func (r *Runner) Stop() {
	r.stopped.Do(func() { close(r.stopCh) })
	<-r.done
}

// SetPaused pauses or resumes signal evaluation. Market state keeps
// updating while paused.
func (r *Runner) SetPaused(paused bool) {
	select {
	case r.pauseCh <- paused:
	default:
	}
}

// ID returns the strategy id this runner serves.
func (r *Runner) ID() string { return r.strategy.ID }

func (r *Runner) loop(ctx context.Context) error {
	tick := time.NewTicker(r.deps.TickInterval)
	defer tick.Stop()
	discovery := time.NewTicker(r.deps.DiscoveryInterval)
	defer discovery.Stop()

	// Immediate discovery pulse after start.
	r.discover(ctx)

	for {
		select {
		case <-ctx.Done():
			r.shutdown(models.StrategyStopped, "runner stopped: context cancelled")
			return nil
		case <-r.stopCh:
			r.shutdown(models.StrategyStopped, "runner stopped")
			return nil
		case paused := <-r.pauseCh:
			r.paused = paused
			status := models.StrategyRunning
			msg := "runner resumed"
			if paused {
				status = models.StrategyPaused
				msg = "runner paused"
			}
			if err := r.deps.Store.UpdateStrategyStatus(ctx, r.strategy.ID, status); err != nil {
				log.Printf("[Runner %s] persist status: %v", r.strategy.ID, err)
			}
			r.logEvent(ctx, models.EventInfo, msg, nil)
		case ev, ok := <-r.events:
			if !ok {
				r.shutdown(models.StrategyError, "runner stopped: feed closed")
				return fmt.Errorf("strategy: feed closed for %s", r.strategy.ID)
			}
			r.handleOrder(ctx, ev)
		case <-tick.C:
			r.handleTick(ctx)
		case <-discovery.C:
			r.discover(ctx)
		}
	}
}

// shutdown persists the final status and logs the terminal event. It uses
// a fresh context: the loop context may already be cancelled.
func (r *Runner) shutdown(status, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.deps.Store.UpdateStrategyStatus(ctx, r.strategy.ID, status); err != nil {
		log.Printf("[Runner %s] persist %s: %v", r.strategy.ID, status, err)
	}
	evType := models.EventInfo
	if status == models.StrategyError {
		evType = models.EventError
	}
	r.logEvent(ctx, evType, message, nil)
	log.Printf("[Runner %s] %s", r.strategy.ID, message)
}

// discover refreshes the watched token set from the metadata fetcher and
// applies the delta to feed subscriptions.
func (r *Runner) discover(ctx context.Context) {
	tags := r.module.Intervals()
	if len(tags) == 0 {
		return
	}

	infos, err := r.deps.Markets.Discover(ctx, tags, gamma.DiscoverOptions{
		CryptoOnly: r.module.CryptoOnly(),
	})
	if err != nil {
		log.Printf("[Runner %s] discovery failed: %v", r.strategy.ID, err)
		r.logEvent(ctx, models.EventWarning, fmt.Sprintf("discovery failed: %v", err), nil)
		return
	}

	next := make(map[string]models.MarketInfo, len(infos)+len(r.targetTokens))
	for _, info := range infos {
		next[info.TokenID] = info
	}
	// Target tokens survive every discovery cycle.
	for _, tokenID := range r.targetTokens {
		if _, ok := next[tokenID]; !ok {
			next[tokenID] = r.discoveredTokens[tokenID]
		}
	}

	var added, removed []string
	for tokenID := range next {
		if _, ok := r.discoveredTokens[tokenID]; !ok {
			added = append(added, tokenID)
		}
	}
	for tokenID := range r.discoveredTokens {
		if _, ok := next[tokenID]; !ok {
			removed = append(removed, tokenID)
		}
	}

	r.discoveredTokens = next

	if len(added) > 0 {
		r.deps.Feed.SubscribeMarkets(added)
		r.seedPrices(ctx, added)
		r.broadcast("discovered_tokens", added)
		log.Printf("[Runner %s] discovered %d new tokens", r.strategy.ID, len(added))
	}
	if len(removed) > 0 {
		r.deps.Feed.UnsubscribeMarkets(removed)
		for _, tokenID := range removed {
			delete(r.tokenPrices, tokenID)
		}
		r.broadcast("removed_tokens", removed)
	}
}

// seedPrices primes tokenPrices from REST order books, five fetches at a
// time.
func (r *Runner) seedPrices(ctx context.Context, tokenIDs []string) {
	sem := make(chan struct{}, seedConcurrency)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, tokenID := range tokenIDs {
		wg.Add(1)
		go func(tokenID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			book, err := r.deps.Client.GetOrderBook(ctx, tokenID)
			if err != nil {
				return
			}
			tp := TokenPrice{UpdatedAt: time.Now()}
			if bid, ok := book.BestBid(); ok {
				tp.BestBid = &bid
			}
			if ask, ok := book.BestAsk(); ok {
				tp.BestAsk = &ask
			}
			mu.Lock()
			r.tokenPrices[tokenID] = tp
			mu.Unlock()
		}(tokenID)
	}
	wg.Wait()
}

// handleOrder ingests one feed event: events for unknown tokens are
// dropped, prices update, the broadcast is coalesced, and the module
// evaluates.
func (r *Runner) handleOrder(ctx context.Context, ev wsfeed.Event) {
	info, known := r.discoveredTokens[ev.AssetID]
	if !known {
		return
	}

	tp := r.tokenPrices[ev.AssetID]
	if ev.BestBid != nil {
		tp.BestBid = ev.BestBid
	}
	if ev.BestAsk != nil {
		tp.BestAsk = ev.BestAsk
	}
	if ev.Outcome != "" {
		tp.Outcome = ev.Outcome
	}
	if ev.MarketQuestion != "" {
		tp.MarketQuestion = ev.MarketQuestion
	}
	tp.UpdatedAt = time.Now()
	r.tokenPrices[ev.AssetID] = tp

	if time.Since(r.lastBroadcast) >= r.deps.BroadcastMinInterval {
		r.lastBroadcast = time.Now()
		r.broadcast("price_update", map[string]any{
			"token_id": ev.AssetID,
			"best_bid": decimalPtrString(tp.BestBid),
			"best_ask": decimalPtrString(tp.BestAsk),
		})
	}

	if r.paused {
		return
	}

	signals := r.module.HandleOrder(ev, info, tp, time.Now())
	for _, sig := range signals {
		r.execute(ctx, sig)
	}
}

func (r *Runner) handleTick(ctx context.Context) {
	if r.paused {
		return
	}
	signals := r.module.HandleTick(time.Now())
	for _, sig := range signals {
		r.execute(ctx, sig)
	}
}

// execute turns one signal into a trade: paper trades fill immediately,
// live trades are signed and submitted to the venue.
func (r *Runner) execute(ctx context.Context, sig models.Signal) {
	info := r.discoveredTokens[sig.TokenID]

	metadata, _ := json.Marshal(map[string]any{
		"token_id": sig.TokenID,
		"price":    sig.Price.String(),
		"size":     sig.Size.String(),
		"reason":   sig.Reason,
	})
	r.logEvent(ctx, models.EventSignal, fmt.Sprintf("%s signal for %s: %s", sig.Action, sig.TokenID, sig.Reason), metadata)

	// A live sell must be fully covered by the position before any row is
	// written.
	if !r.strategy.PaperMode && sig.Action == models.SideSell && sig.RequiresPosition {
		pos, err := r.deps.Store.GetPosition(ctx, r.strategy.ID, sig.TokenID)
		if err != nil || pos.Size.LessThan(sig.Size) {
			held := decimal.Zero
			if err == nil {
				held = pos.Size
			}
			r.logEvent(ctx, models.EventWarning,
				fmt.Sprintf("sell of %s skipped: position %s below required %s",
					sig.TokenID, held.String(), sig.Size.String()), nil)
			return
		}
	}

	status := models.TradePending
	if r.strategy.PaperMode {
		status = models.TradeSimulated
	}

	trade, err := r.deps.Store.InsertTrade(ctx, models.Trade{
		StrategyID: r.strategy.ID,
		MarketID:   info.ConditionID,
		AssetID:    sig.TokenID,
		Side:       sig.Action,
		Price:      sig.Price,
		Size:       sig.Size,
		Status:     status,
		Title:      info.Question,
		Outcome:    info.Outcome,
	})
	if err != nil {
		r.logEvent(ctx, models.EventError, fmt.Sprintf("persist trade: %v", err), nil)
		return
	}

	if r.strategy.PaperMode {
		r.fillPaper(ctx, trade, sig)
		return
	}
	r.submitLive(ctx, trade, sig, info)
}

func (r *Runner) fillPaper(ctx context.Context, trade models.Trade, sig models.Signal) {
	if err := r.deps.Store.UpdateTradeStatus(ctx, trade.ID, models.TradeFilled, ""); err != nil {
		r.logEvent(ctx, models.EventError, fmt.Sprintf("fill paper trade: %v", err), nil)
		return
	}
	trade.Status = models.TradeFilled

	if _, err := r.deps.Store.ApplyFill(ctx, r.strategy.ID, sig.TokenID, sig.Action, sig.Size, sig.Price); err != nil {
		r.logEvent(ctx, models.EventError, fmt.Sprintf("update position: %v", err), nil)
	}

	r.logEvent(ctx, models.EventTrade,
		fmt.Sprintf("paper %s filled: %s @ %s", sig.Action, sig.Size.StringFixed(2), sig.Price.String()), nil)
	r.broadcast("paper_order", map[string]any{
		"trade":      trade,
		"paper_mode": true,
	})
}

func (r *Runner) submitLive(ctx context.Context, trade models.Trade, sig models.Signal, info models.MarketInfo) {
	fail := func(reason string) {
		if err := r.deps.Store.UpdateTradeStatus(ctx, trade.ID, models.TradeFailed, ""); err != nil {
			log.Printf("[Runner %s] persist failed trade: %v", r.strategy.ID, err)
		}
		r.logEvent(ctx, models.EventError, fmt.Sprintf("order failed: %s", reason), nil)
	}

	creds, err := r.deps.Store.GetCredentials(ctx)
	if err != nil || !creds.Configured() {
		fail("credentials_not_configured")
		return
	}

	if !info.NegRiskKnown {
		// Refresh once; reject rather than assuming a settlement mode.
		if fresh, err := r.deps.Markets.TokenInfo(ctx, sig.TokenID); err == nil {
			info = fresh
			r.discoveredTokens[sig.TokenID] = fresh
		}
		if !info.NegRiskKnown {
			fail("market_configuration_unavailable")
			return
		}
	}

	price := ordersign.ClampTick(sig.Price)
	order, err := ordersign.Build(creds, sig.TokenID, sig.Action, sig.Size, price, info.NegRisk)
	if err != nil {
		fail(err.Error())
		return
	}

	resp, err := r.deps.Client.PostOrder(ctx, order, venue.OrderTypeGTC)
	if err != nil {
		fail(err.Error())
		return
	}
	if !resp.Success {
		fail(resp.ErrorMsg)
		return
	}

	if err := r.deps.Store.UpdateTradeStatus(ctx, trade.ID, models.TradeSubmitted, resp.OrderID); err != nil {
		log.Printf("[Runner %s] persist submitted trade: %v", r.strategy.ID, err)
	}
	trade.Status = models.TradeSubmitted
	trade.OrderID = resp.OrderID

	if _, err := r.deps.Store.ApplyFill(ctx, r.strategy.ID, sig.TokenID, sig.Action, sig.Size, price); err != nil {
		r.logEvent(ctx, models.EventError, fmt.Sprintf("update position: %v", err), nil)
	}

	r.logEvent(ctx, models.EventTrade,
		fmt.Sprintf("%s submitted: %s @ %s (order %s)", sig.Action, sig.Size.StringFixed(2), price.String(), resp.OrderID), nil)
	r.broadcast("paper_order", map[string]any{
		"trade":      trade,
		"paper_mode": false,
	})
}

func (r *Runner) logEvent(ctx context.Context, evType, message string, metadata json.RawMessage) {
	ev := models.StrategyEvent{
		StrategyID: r.strategy.ID,
		Type:       evType,
		Message:    message,
		Metadata:   metadata,
	}
	if err := r.deps.Store.AppendStrategyEvent(ctx, ev); err != nil {
		log.Printf("[Runner %s] append event: %v", r.strategy.ID, err)
	}
}

func (r *Runner) broadcast(msgType string, data any) {
	r.deps.Bus.Publish(eventbus.StrategyTopic(r.strategy.ID), msgType, data)
	r.deps.Bus.Publish(eventbus.TopicStrategyUpdates, msgType, map[string]any{
		"strategy_id": r.strategy.ID,
		"data":        data,
	})
}

func decimalPtrString(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}
