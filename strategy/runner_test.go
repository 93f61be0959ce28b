package strategy

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradingengine/eventbus"
	"tradingengine/gamma"
	"tradingengine/models"
	"tradingengine/ordersign"
	"tradingengine/storage"
	"tradingengine/venue"
	"tradingengine/wsfeed"
)

const testPrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeFeed struct {
	mu           sync.Mutex
	subscribed   [][]string
	unsubscribed [][]string
	events       chan wsfeed.Event
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{events: make(chan wsfeed.Event, 64)}
}

func (f *fakeFeed) Subscribe(buffer int) (<-chan wsfeed.Event, func()) {
	return f.events, func() {}
}

func (f *fakeFeed) SubscribeMarkets(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, ids)
}

func (f *fakeFeed) UnsubscribeMarkets(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, ids)
}

type fakeMarkets struct {
	mu        sync.Mutex
	discovery []models.MarketInfo
}

func (f *fakeMarkets) TokenInfo(ctx context.Context, tokenID string) (models.MarketInfo, error) {
	return models.MarketInfo{
		TokenID:      tokenID,
		Question:     "Will Bitcoin close above $100k?",
		EndDate:      time.Now().Add(10 * time.Minute),
		NegRiskKnown: true,
	}, nil
}

func (f *fakeMarkets) Discover(ctx context.Context, tags []string, opts gamma.DiscoverOptions) ([]models.MarketInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discovery, nil
}

func (f *fakeMarkets) setDiscovery(infos []models.MarketInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovery = infos
}

type fakeVenue struct {
	mu      sync.Mutex
	orders  []*ordersign.SignedOrder
	postErr error
}

func (f *fakeVenue) GetOrderBook(ctx context.Context, tokenID string) (*venue.OrderBook, error) {
	return &venue.OrderBook{
		AssetID: tokenID,
		Bids:    []venue.OrderBookLevel{{Price: "0.94", Size: "100"}},
		Asks:    []venue.OrderBookLevel{{Price: "0.96", Size: "100"}},
	}, nil
}

func (f *fakeVenue) PostOrder(ctx context.Context, payload any, orderType venue.OrderType) (*venue.OrderResponse, error) {
	if f.postErr != nil {
		return nil, f.postErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if order, ok := payload.(*ordersign.SignedOrder); ok {
		f.orders = append(f.orders, order)
	}
	return &venue.OrderResponse{Success: true, OrderID: "venue-order-1"}, nil
}

func newStrategyStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func createStrategy(t *testing.T, store *storage.Store, paperMode bool) models.Strategy {
	t.Helper()
	st, err := store.CreateStrategy(context.Background(), models.Strategy{
		Name:      "btc decay",
		Type:      "time_decay",
		Config:    json.RawMessage(`{"order_size": "10", "min_minutes": 15}`),
		PaperMode: paperMode,
	})
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	return st
}

func testDeps(store *storage.Store, feed *fakeFeed, markets *fakeMarkets, client *fakeVenue) Deps {
	return Deps{
		Store:   store,
		Feed:    feed,
		Markets: markets,
		Client:  client,
		Bus:     eventbus.NewBus(),
	}
}

func discoveredMarket(tokenID, opposite string) models.MarketInfo {
	return models.MarketInfo{
		TokenID:         tokenID,
		Question:        "Will Bitcoin close above $100k?",
		OppositeTokenID: opposite,
		EndDate:         time.Now().Add(10 * time.Minute),
		NegRiskKnown:    true,
	}
}

func TestDiscoveryDelta(t *testing.T) {
	store := newStrategyStore(t)
	st := createStrategy(t, store, true)
	feed := newFakeFeed()
	markets := &fakeMarkets{}
	deps := testDeps(store, feed, markets, &fakeVenue{})

	r, err := NewRunner(context.Background(), st.ID, deps)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	markets.setDiscovery([]models.MarketInfo{
		discoveredMarket("A", "B"),
		discoveredMarket("B", "A"),
	})
	r.discover(context.Background())

	if len(r.discoveredTokens) != 2 {
		t.Fatalf("discovered %d tokens, want 2", len(r.discoveredTokens))
	}
	if len(feed.subscribed) != 1 || len(feed.subscribed[0]) != 2 {
		t.Fatalf("unexpected subscriptions: %v", feed.subscribed)
	}

	// Next cycle drops B and adds C: subscribe C, unsubscribe B.
	markets.setDiscovery([]models.MarketInfo{
		discoveredMarket("A", "B"),
		discoveredMarket("C", "D"),
	})
	r.discover(context.Background())

	if len(r.discoveredTokens) != 2 {
		t.Fatalf("discovered %d tokens after delta, want 2", len(r.discoveredTokens))
	}
	if _, ok := r.discoveredTokens["C"]; !ok {
		t.Fatal("token C not discovered")
	}
	if len(feed.subscribed) != 2 || feed.subscribed[1][0] != "C" {
		t.Fatalf("expected subscribe of C, got %v", feed.subscribed)
	}
	if len(feed.unsubscribed) != 1 || feed.unsubscribed[0][0] != "B" {
		t.Fatalf("expected unsubscribe of B, got %v", feed.unsubscribed)
	}
}

func TestHandleOrderDropsUnknownTokens(t *testing.T) {
	store := newStrategyStore(t)
	st := createStrategy(t, store, true)
	feed := newFakeFeed()
	deps := testDeps(store, feed, &fakeMarkets{}, &fakeVenue{})

	r, err := NewRunner(context.Background(), st.ID, deps)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	bid := decimal.RequireFromString("0.95")
	ask := decimal.RequireFromString("0.97")
	r.handleOrder(context.Background(), wsfeed.Event{
		Type: wsfeed.EventPriceChange, AssetID: "unknown", BestBid: &bid, BestAsk: &ask,
	})

	if len(r.tokenPrices) != 0 {
		t.Fatal("event for undiscovered token was not dropped")
	}

	trades, _ := store.ListTrades(context.Background(), st.ID, 10)
	if len(trades) != 0 {
		t.Fatalf("unexpected trades: %d", len(trades))
	}
}

func TestPaperExecutionFillsAndUpdatesPosition(t *testing.T) {
	store := newStrategyStore(t)
	st := createStrategy(t, store, true)
	feed := newFakeFeed()
	deps := testDeps(store, feed, &fakeMarkets{}, &fakeVenue{})
	ch, unsub := deps.Bus.Subscribe(eventbus.StrategyTopic(st.ID), 16)
	defer unsub()

	r, err := NewRunner(context.Background(), st.ID, deps)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.discoveredTokens["T"] = discoveredMarket("T", "O")

	bid := decimal.RequireFromString("0.95")
	ask := decimal.RequireFromString("0.97")
	r.handleOrder(context.Background(), wsfeed.Event{
		Type: wsfeed.EventPriceChange, AssetID: "T", BestBid: &bid, BestAsk: &ask,
	})

	trades, err := store.ListTrades(context.Background(), st.ID, 10)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].Status != models.TradeFilled {
		t.Fatalf("trade status %s, want filled", trades[0].Status)
	}

	pos, err := store.GetPosition(context.Background(), st.ID, "T")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !pos.Size.Equal(trades[0].Size) {
		t.Fatalf("position size %s, trade size %s", pos.Size, trades[0].Size)
	}
	if pos.Side != "YES" {
		t.Fatalf("position side %s, want YES", pos.Side)
	}

	// The price_update broadcast comes first, then the paper order.
	var sawPaperOrder bool
	for i := 0; i < 3 && !sawPaperOrder; i++ {
		select {
		case msg := <-ch:
			if msg.Type == "paper_order" {
				sawPaperOrder = true
			}
		case <-time.After(200 * time.Millisecond):
		}
	}
	if !sawPaperOrder {
		t.Fatal("paper_order not broadcast")
	}
}

func TestLiveSellWithoutPositionSkipped(t *testing.T) {
	store := newStrategyStore(t)
	st := createStrategy(t, store, false)
	if err := store.UpdateCredentials(context.Background(), models.Credentials{
		APIKey: "k", APISecret: "c2VjcmV0", APIPassphrase: "p",
		WalletAddress: "0x2c7536e3605d9c16a7a3d7b1898e529396a65c23",
		PrivateKey:    testPrivateKey,
	}); err != nil {
		t.Fatalf("credentials: %v", err)
	}

	client := &fakeVenue{}
	r, err := NewRunner(context.Background(), st.ID, testDeps(store, newFakeFeed(), &fakeMarkets{}, client))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.discoveredTokens["T"] = discoveredMarket("T", "O")

	// Position of 3 cannot cover a sell of 7.
	if _, err := store.ApplyFill(context.Background(), st.ID, "T", models.SideBuy,
		decimal.NewFromInt(3), decimal.RequireFromString("0.9")); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	r.execute(context.Background(), models.Signal{
		Action:           models.SideSell,
		TokenID:          "T",
		Price:            decimal.RequireFromString("0.95"),
		Size:             decimal.NewFromInt(7),
		RequiresPosition: true,
	})

	trades, _ := store.ListTrades(context.Background(), st.ID, 10)
	if len(trades) != 0 {
		t.Fatalf("expected no trade row, got %d", len(trades))
	}
	if len(client.orders) != 0 {
		t.Fatal("order must not reach the venue")
	}

	events, err := store.ListStrategyEvents(context.Background(), st.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var sawWarning bool
	for _, ev := range events {
		if ev.Type == models.EventWarning {
			sawWarning = true
		}
	}
	if !sawWarning {
		t.Fatal("warning event not logged")
	}
}

func TestLiveExecutionSubmitsOrder(t *testing.T) {
	store := newStrategyStore(t)
	st := createStrategy(t, store, false)
	if err := store.UpdateCredentials(context.Background(), models.Credentials{
		APIKey: "k", APISecret: "c2VjcmV0", APIPassphrase: "p",
		WalletAddress: "0x2c7536e3605d9c16a7a3d7b1898e529396a65c23",
		PrivateKey:    testPrivateKey,
	}); err != nil {
		t.Fatalf("credentials: %v", err)
	}

	client := &fakeVenue{}
	r, err := NewRunner(context.Background(), st.ID, testDeps(store, newFakeFeed(), &fakeMarkets{}, client))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	// Live orders are signed, so the token id must be numeric.
	r.discoveredTokens["12345"] = discoveredMarket("12345", "67890")

	r.execute(context.Background(), models.Signal{
		Action:  models.SideBuy,
		TokenID: "12345",
		Price:   decimal.RequireFromString("0.97"),
		Size:    decimal.RequireFromString("10.3"),
	})

	trades, _ := store.ListTrades(context.Background(), st.ID, 10)
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].Status != models.TradeSubmitted {
		t.Fatalf("status %s, want submitted", trades[0].Status)
	}
	if trades[0].OrderID != "venue-order-1" {
		t.Fatalf("order id %q", trades[0].OrderID)
	}
	if len(client.orders) != 1 {
		t.Fatalf("expected 1 venue order, got %d", len(client.orders))
	}
}

func TestPositionRoundTripLaw(t *testing.T) {
	store := newStrategyStore(t)
	st := createStrategy(t, store, true)
	ctx := context.Background()

	buys := []struct{ size, price string }{
		{"10", "0.90"}, {"20", "0.95"}, {"5", "0.80"},
	}
	var totalSize, weighted decimal.Decimal
	for _, b := range buys {
		size := decimal.RequireFromString(b.size)
		price := decimal.RequireFromString(b.price)
		if _, err := store.ApplyFill(ctx, st.ID, "T", models.SideBuy, size, price); err != nil {
			t.Fatalf("buy fill: %v", err)
		}
		totalSize = totalSize.Add(size)
		weighted = weighted.Add(size.Mul(price))
	}

	sells := []string{"7", "3"}
	var sold decimal.Decimal
	for _, s := range sells {
		size := decimal.RequireFromString(s)
		if _, err := store.ApplyFill(ctx, st.ID, "T", models.SideSell, size, decimal.RequireFromString("0.99")); err != nil {
			t.Fatalf("sell fill: %v", err)
		}
		sold = sold.Add(size)
	}

	pos, err := store.GetPosition(ctx, st.ID, "T")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !pos.Size.Equal(totalSize.Sub(sold)) {
		t.Fatalf("final size %s, want %s", pos.Size, totalSize.Sub(sold))
	}
	wantAvg := weighted.Div(totalSize)
	if !pos.AvgPrice.Sub(wantAvg).Abs().LessThan(decimal.RequireFromString("0.000001")) {
		t.Fatalf("avg price %s, want %s (sells must not move it)", pos.AvgPrice, wantAvg)
	}
}

func TestEngineRegistryAuthority(t *testing.T) {
	store := newStrategyStore(t)
	st := createStrategy(t, store, true)
	engine := NewEngine(testDeps(store, newFakeFeed(), &fakeMarkets{}, &fakeVenue{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if engine.Running(st.ID) {
		t.Fatal("strategy running before start")
	}

	if err := engine.StartStrategy(ctx, st.ID); err != nil {
		t.Fatalf("StartStrategy: %v", err)
	}
	if !engine.Running(st.ID) {
		t.Fatal("registry does not report running strategy")
	}

	// Double start is rejected while the runner is alive.
	if err := engine.StartStrategy(ctx, st.ID); err == nil {
		t.Fatal("double start allowed")
	}

	if err := engine.StopStrategy(st.ID); err != nil {
		t.Fatalf("StopStrategy: %v", err)
	}
	if engine.Running(st.ID) {
		t.Fatal("registry still reports stopped strategy")
	}

	stored, err := store.GetStrategy(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("get strategy: %v", err)
	}
	if stored.Status != models.StrategyStopped {
		t.Fatalf("persisted status %s, want stopped", stored.Status)
	}
}

func TestEngineAutoStart(t *testing.T) {
	store := newStrategyStore(t)
	running := createStrategy(t, store, true)
	stopped := createStrategy(t, store, true)

	if err := store.UpdateStrategyStatus(context.Background(), running.ID, models.StrategyRunning); err != nil {
		t.Fatalf("set status: %v", err)
	}

	engine := NewEngine(testDeps(store, newFakeFeed(), &fakeMarkets{}, &fakeVenue{}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.AutoStart(ctx)
	defer engine.StopAll()

	if !engine.Running(running.ID) {
		t.Fatal("running strategy not auto-started")
	}
	if engine.Running(stopped.ID) {
		t.Fatal("stopped strategy auto-started")
	}
}

func TestEngineUnknownStrategyType(t *testing.T) {
	store := newStrategyStore(t)
	st, err := store.CreateStrategy(context.Background(), models.Strategy{
		Name: "mystery", Type: "martingale", Config: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}

	engine := NewEngine(testDeps(store, newFakeFeed(), &fakeMarkets{}, &fakeVenue{}))
	if err := engine.StartStrategy(context.Background(), st.ID); err == nil {
		t.Fatal("expected unknown type to fail")
	}

	stored, _ := store.GetStrategy(context.Background(), st.ID)
	if stored.Status != models.StrategyError {
		t.Fatalf("persisted status %s, want error", stored.Status)
	}
}
