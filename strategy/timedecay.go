package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradingengine/gamma"
	"tradingengine/models"
	"tradingengine/wsfeed"
)

// TimeDecayConfig drives the time-decay module: buy near-certain outcomes
// in short-lived markets once the price has crossed the signal threshold.
type TimeDecayConfig struct {
	Intervals       []string        `json:"intervals"`
	TargetTokens    []string        `json:"target_tokens"`
	CryptoOnly      bool            `json:"crypto_only"`
	SignalThreshold decimal.Decimal `json:"signal_threshold"`
	UseLimitOrder   bool            `json:"use_limit_order"`
	LimitPrice      decimal.Decimal `json:"limit_price"`
	OrderSize       decimal.Decimal `json:"order_size"`
	MinProfit       decimal.Decimal `json:"min_profit"`
	CooldownSeconds int             `json:"cooldown_seconds"`
	MinMinutes      float64         `json:"min_minutes"`
}

// intervalDefaults maps a configured timeframe to its resolution window.
var intervalDefaults = map[string]float64{
	"15m":    15,
	"1h":     60,
	"4h":     240,
	"weekly": 7 * 24 * 60,
}

// intervalTags maps configured timeframes to the Gamma tag slugs.
var intervalTags = map[string]string{
	"15m":    gamma.Tag15M,
	"1h":     gamma.Tag1H,
	"4h":     gamma.Tag4H,
	"weekly": gamma.TagWeekly,
}

var (
	safetyFloor  = decimal.NewFromFloat(0.05)
	minOrderSize = decimal.NewFromInt(1)
	one          = decimal.NewFromInt(1)
)

// TimeDecay is the built-in strategy module. It watches short-lived
// markets near resolution and buys the favoured outcome once its price
// exceeds the signal threshold, at most once per market per cooldown.
type TimeDecay struct {
	cfg TimeDecayConfig

	cooldowns    map[string]time.Time
	placedOrders map[string]models.Signal
}

// NewTimeDecay creates an uninitialised time-decay module.
func NewTimeDecay() *TimeDecay {
	return &TimeDecay{
		cooldowns:    make(map[string]time.Time),
		placedOrders: make(map[string]models.Signal),
	}
}

// ValidateConfig checks a persisted config.
func (t *TimeDecay) ValidateConfig(raw json.RawMessage) error {
	cfg, err := parseTimeDecayConfig(raw)
	if err != nil {
		return err
	}
	if cfg.SignalThreshold.LessThanOrEqual(decimal.Zero) || cfg.SignalThreshold.GreaterThanOrEqual(one) {
		return fmt.Errorf("strategy: signal threshold must be in (0, 1)")
	}
	if !cfg.OrderSize.IsPositive() {
		return fmt.Errorf("strategy: order size must be positive")
	}
	if cfg.UseLimitOrder && !cfg.LimitPrice.IsPositive() {
		return fmt.Errorf("strategy: limit price required when use_limit_order is set")
	}
	for _, iv := range cfg.Intervals {
		if _, ok := intervalTags[iv]; !ok {
			return fmt.Errorf("strategy: unknown interval %q", iv)
		}
	}
	return nil
}

// Init merges the persisted config with defaults and resets module state.
func (t *TimeDecay) Init(raw json.RawMessage) error {
	cfg, err := parseTimeDecayConfig(raw)
	if err != nil {
		return err
	}
	t.cfg = cfg
	t.cooldowns = make(map[string]time.Time)
	t.placedOrders = make(map[string]models.Signal)
	return nil
}

// Intervals returns the Gamma tags for the configured timeframes.
func (t *TimeDecay) Intervals() []string {
	tags := make([]string, 0, len(t.cfg.Intervals))
	for _, iv := range t.cfg.Intervals {
		if tag, ok := intervalTags[iv]; ok {
			tags = append(tags, tag)
		}
	}
	return tags
}

// TargetTokens returns the pre-configured token ids.
func (t *TimeDecay) TargetTokens() []string { return t.cfg.TargetTokens }

// CryptoOnly reports the crypto-keyword discovery filter.
func (t *TimeDecay) CryptoOnly() bool { return t.cfg.CryptoOnly }

// HandleOrder evaluates one price update.
func (t *TimeDecay) HandleOrder(ev wsfeed.Event, info models.MarketInfo, price TokenPrice, now time.Time) []models.Signal {
	evalPrice, ok := midpoint(price.BestBid, price.BestAsk)
	if !ok {
		return nil
	}

	// Safety gate: markets trading near zero are stale or about to flip.
	if evalPrice.LessThan(safetyFloor) {
		return nil
	}
	if price.BestAsk != nil && price.BestAsk.LessThan(safetyFloor) {
		return nil
	}

	if t.cfg.CryptoOnly && !gamma.IsCryptoMarket(info.Question+" "+info.EventTitle) {
		return nil
	}
	if t.cfg.MinMinutes > 0 {
		mins := info.MinutesToResolution(now)
		if mins <= 0 || mins > t.cfg.MinMinutes {
			return nil
		}
	}

	if evalPrice.LessThanOrEqual(t.cfg.SignalThreshold) {
		return nil
	}

	// One trade per market: a live cooldown on either side blocks re-fire.
	if t.onCooldown(ev.AssetID, now) || t.onCooldown(info.OppositeTokenID, now) {
		return nil
	}
	if _, placed := t.placedOrders[ev.AssetID]; placed {
		return nil
	}

	buyPrice := evalPrice
	if t.cfg.UseLimitOrder {
		buyPrice = t.cfg.LimitPrice
	} else if price.BestAsk != nil {
		buyPrice = *price.BestAsk
	}
	if !buyPrice.IsPositive() {
		return nil
	}

	shares := t.cfg.OrderSize.Div(buyPrice)

	if t.cfg.OrderSize.LessThan(minOrderSize) {
		return nil
	}
	if shares.LessThan(decimal.NewFromInt(5)) {
		return nil
	}
	estimatedProfit := one.Sub(buyPrice).Mul(shares)
	if estimatedProfit.LessThan(t.cfg.MinProfit) {
		return nil
	}

	signal := models.Signal{
		Action:  models.SideBuy,
		TokenID: ev.AssetID,
		Price:   buyPrice,
		Size:    shares,
		Reason: fmt.Sprintf("price %s above threshold %s, est profit %s",
			evalPrice.StringFixed(4), t.cfg.SignalThreshold.StringFixed(2), estimatedProfit.StringFixed(2)),
		Metadata: map[string]any{
			"eval_price":        evalPrice.String(),
			"opposite_token_id": info.OppositeTokenID,
			"question":          info.Question,
		},
	}

	expiry := now.Add(time.Duration(t.cfg.CooldownSeconds) * time.Second)
	t.cooldowns[ev.AssetID] = expiry
	if info.OppositeTokenID != "" {
		t.cooldowns[info.OppositeTokenID] = expiry
	}
	// Redundant guard against re-fire even if the cooldown is cleared.
	t.placedOrders[ev.AssetID] = signal

	return []models.Signal{signal}
}

// HandleTick expires stale cooldowns.
func (t *TimeDecay) HandleTick(now time.Time) []models.Signal {
	for tokenID, expiry := range t.cooldowns {
		if now.After(expiry) {
			delete(t.cooldowns, tokenID)
		}
	}
	return nil
}

func (t *TimeDecay) onCooldown(tokenID string, now time.Time) bool {
	if tokenID == "" {
		return false
	}
	expiry, ok := t.cooldowns[tokenID]
	return ok && now.Before(expiry)
}

func parseTimeDecayConfig(raw json.RawMessage) (TimeDecayConfig, error) {
	cfg := TimeDecayConfig{
		Intervals:       []string{"15m"},
		SignalThreshold: decimal.NewFromFloat(0.95),
		OrderSize:       decimal.NewFromInt(10),
		CooldownSeconds: 200,
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("strategy: parse time-decay config: %w", err)
		}
	}
	if cfg.CooldownSeconds <= 0 {
		cfg.CooldownSeconds = 200
	}
	if cfg.SignalThreshold.IsZero() {
		cfg.SignalThreshold = decimal.NewFromFloat(0.95)
	}
	if cfg.MinMinutes == 0 {
		// Widest configured timeframe wins the resolution window.
		for _, iv := range cfg.Intervals {
			if mins, ok := intervalDefaults[iv]; ok && mins > cfg.MinMinutes {
				cfg.MinMinutes = mins
			}
		}
	}
	return cfg, nil
}

// midpoint computes the bid/ask midpoint, falling back to whichever side
// exists.
func midpoint(bid, ask *decimal.Decimal) (decimal.Decimal, bool) {
	switch {
	case bid != nil && ask != nil:
		return bid.Add(*ask).Div(decimal.NewFromInt(2)), true
	case ask != nil:
		return *ask, true
	case bid != nil:
		return *bid, true
	default:
		return decimal.Zero, false
	}
}
