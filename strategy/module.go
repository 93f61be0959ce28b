// Package strategy hosts the per-strategy runners, their supervising
// engine, and the built-in strategy modules.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradingengine/eventbus"
	"tradingengine/gamma"
	"tradingengine/models"
	"tradingengine/storage"
	"tradingengine/venue"
	"tradingengine/wsfeed"
)

// VenueClient covers the venue operations a runner needs.
type VenueClient interface {
	GetOrderBook(ctx context.Context, tokenID string) (*venue.OrderBook, error)
	PostOrder(ctx context.Context, orderPayload any, orderType venue.OrderType) (*venue.OrderResponse, error)
}

// MarketLookup resolves market metadata and runs tag-based discovery.
type MarketLookup interface {
	TokenInfo(ctx context.Context, tokenID string) (models.MarketInfo, error)
	Discover(ctx context.Context, tags []string, opts gamma.DiscoverOptions) ([]models.MarketInfo, error)
}

// MarketFeed is the WebSocket feed surface a runner subscribes through.
type MarketFeed interface {
	Subscribe(buffer int) (<-chan wsfeed.Event, func())
	SubscribeMarkets(tokenIDs []string)
	UnsubscribeMarkets(tokenIDs []string)
}

// Deps bundles the shared services handed to every runner.
type Deps struct {
	Store   *storage.Store
	Feed    MarketFeed
	Markets MarketLookup
	Client  VenueClient
	Bus     *eventbus.Bus

	TickInterval         time.Duration
	DiscoveryInterval    time.Duration
	BroadcastMinInterval time.Duration
}

func (d *Deps) applyDefaults() {
	if d.TickInterval == 0 {
		d.TickInterval = 5 * time.Second
	}
	if d.DiscoveryInterval == 0 {
		d.DiscoveryInterval = 2 * time.Minute
	}
	if d.BroadcastMinInterval == 0 {
		d.BroadcastMinInterval = 250 * time.Millisecond
	}
}

// TokenPrice is a runner's last known quote for one token.
type TokenPrice struct {
	BestBid        *decimal.Decimal
	BestAsk        *decimal.Decimal
	Outcome        string
	MarketQuestion string
	UpdatedAt      time.Time
}

// Module is the strategy plug-in interface. A module is driven entirely by
// its runner: price events through HandleOrder, time through HandleTick.
// Both must return promptly; long-running work belongs to the runner.
type Module interface {
	// ValidateConfig checks a persisted config without mutating the module.
	ValidateConfig(cfg json.RawMessage) error

	// Init merges the persisted config with timeframe defaults and resets
	// the module's internal state.
	Init(cfg json.RawMessage) error

	// Intervals returns the discovery tags the module wants watched.
	Intervals() []string

	// TargetTokens returns pre-configured token ids to always subscribe.
	TargetTokens() []string

	// CryptoOnly reports whether discovery should filter to crypto markets.
	CryptoOnly() bool

	// HandleOrder evaluates one market event against the module's rules and
	// returns zero or more signals.
	HandleOrder(ev wsfeed.Event, info models.MarketInfo, price TokenPrice, now time.Time) []models.Signal

	// HandleTick advances time-based state (cooldown expiry, proactive
	// scans) and returns zero or more signals.
	HandleTick(now time.Time) []models.Signal
}

// newModule builds the module for a strategy type. Time-decay is the one
// built-in kind.
func newModule(strategyType string) (Module, error) {
	switch strategyType {
	case "time_decay":
		return NewTimeDecay(), nil
	default:
		return nil, fmt.Errorf("strategy: unknown strategy type %q", strategyType)
	}
}

// ValidateStrategyConfig validates a persisted config for the given type
// without starting a runner.
func ValidateStrategyConfig(strategyType string, cfg json.RawMessage) error {
	mod, err := newModule(strategyType)
	if err != nil {
		return err
	}
	return mod.ValidateConfig(cfg)
}
