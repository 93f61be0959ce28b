// Package models defines the persisted and wire-level domain types shared
// across the trading engine.
package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Credentials is the singleton venue credential set. Secrets are stored
// verbatim; use Masked for anything user-facing.
type Credentials struct {
	APIKey        string    `json:"api_key"`
	APISecret     string    `json:"api_secret"`
	APIPassphrase string    `json:"api_passphrase"`
	WalletAddress string    `json:"wallet_address"`
	SignerAddress string    `json:"signer_address"`
	PrivateKey    string    `json:"private_key"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Configured reports whether every field required for live trading is set.
func (c Credentials) Configured() bool {
	return c.APIKey != "" && c.APISecret != "" && c.APIPassphrase != "" &&
		c.WalletAddress != "" && c.PrivateKey != ""
}

// Masked returns a copy safe for display: each secret keeps its first and
// last 4 characters, the middle replaced by bullets. Secrets of 8 chars or
// fewer are fully bulleted.
func (c Credentials) Masked() Credentials {
	masked := c
	masked.APIKey = maskSecret(c.APIKey)
	masked.APISecret = maskSecret(c.APISecret)
	masked.APIPassphrase = maskSecret(c.APIPassphrase)
	masked.PrivateKey = maskSecret(c.PrivateKey)
	return masked
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return strings.Repeat("•", len(s))
	}
	return s[:4] + strings.Repeat("•", len(s)-8) + s[len(s)-4:]
}

// TrackedUser is a wallet address whose on-venue activity is being watched.
// Archived users keep their row with Active=false.
type TrackedUser struct {
	Address   string    `json:"address"`
	Label     string    `json:"label"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sizing modes for copy trading.
const (
	SizingFixed        = "fixed"
	SizingProportional = "proportional"
	SizingPercentage   = "percentage"
)

// CopyTradingSettings is the singleton copy-trading configuration.
type CopyTradingSettings struct {
	SizingMode         string          `json:"sizing_mode"`
	FixedAmount        decimal.Decimal `json:"fixed_amount"`
	ProportionalFactor decimal.Decimal `json:"proportional_factor"`
	Percentage         decimal.Decimal `json:"percentage"`
	Enabled            bool            `json:"enabled"`
}

// CopyTrade status values. Rows are created in a terminal state; retry
// transitions failed rows to executed or back to failed.
const (
	CopyTradePending   = "pending"
	CopyTradeExecuted  = "executed"
	CopyTradeSimulated = "simulated"
	CopyTradeFailed    = "failed"
)

// CopyTrade is a single mirrored trade. OriginalTradeID carries a unique
// index: no two rows may share one.
type CopyTrade struct {
	ID              string          `json:"id"`
	SourceAddress   string          `json:"source_address"`
	OriginalTradeID string          `json:"original_trade_id"`
	Market          string          `json:"market"`
	AssetID         string          `json:"asset_id"`
	Side            Side            `json:"side"`
	OriginalSize    decimal.Decimal `json:"original_size"`
	OriginalPrice   decimal.Decimal `json:"original_price"`
	CopySize        decimal.Decimal `json:"copy_size"`
	Status          string          `json:"status"`
	ExecutedAt      *time.Time      `json:"executed_at,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Title           string          `json:"title"`
	Outcome         string          `json:"outcome"`
	EventSlug       string          `json:"event_slug"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Strategy status values. The persisted status reflects the last intent;
// the engine registry is authoritative for actual liveness.
const (
	StrategyStopped = "stopped"
	StrategyRunning = "running"
	StrategyPaused  = "paused"
	StrategyError   = "error"
)

// Strategy is a configured algorithmic strategy.
type Strategy struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	Config    json.RawMessage `json:"config"`
	Status    string          `json:"status"`
	PaperMode bool            `json:"paper_mode"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StrategyEvent types.
const (
	EventInfo    = "info"
	EventSignal  = "signal"
	EventTrade   = "trade"
	EventError   = "error"
	EventWarning = "warning"
)

// StrategyEvent is one row of a strategy's append-only event log.
type StrategyEvent struct {
	ID         string          `json:"id"`
	StrategyID string          `json:"strategy_id"`
	Type       string          `json:"type"`
	Message    string          `json:"message"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	InsertedAt time.Time       `json:"inserted_at"`
}

// Position is a strategy's holding in one token, unique per
// (strategy, token). AvgPrice is size-weighted over buys only.
type Position struct {
	ID           string          `json:"id"`
	StrategyID   string          `json:"strategy_id"`
	TokenID      string          `json:"token_id"`
	Side         string          `json:"side"`
	Size         decimal.Decimal `json:"size"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Trade status values.
const (
	TradePending   = "pending"
	TradeSubmitted = "submitted"
	TradeFilled    = "filled"
	TradeFailed    = "failed"
	TradeSimulated = "simulated"
)

// Trade is an order placed (or simulated) by a strategy.
type Trade struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	StrategyID string           `json:"strategy_id"`
	MarketID   string           `json:"market_id"`
	AssetID    string           `json:"asset_id"`
	Side       Side             `json:"side"`
	Price      decimal.Decimal  `json:"price"`
	Size       decimal.Decimal  `json:"size"`
	Status     string           `json:"status"`
	OrderID    string           `json:"order_id,omitempty"`
	Title      string           `json:"title"`
	Outcome    string           `json:"outcome"`
	PNL        *decimal.Decimal `json:"pnl,omitempty"`
	InsertedAt time.Time        `json:"inserted_at"`
}

// MarketInfo is the cached, ephemeral metadata for one token.
type MarketInfo struct {
	TokenID         string          `json:"token_id"`
	Question        string          `json:"question"`
	EventTitle      string          `json:"event_title"`
	EventSlug       string          `json:"event_slug"`
	ConditionID     string          `json:"condition_id"`
	Outcome         string          `json:"outcome"`
	OppositeTokenID string          `json:"opposite_token_id"`
	Price           decimal.Decimal `json:"price"`
	EndDate         time.Time       `json:"end_date"`
	NegRisk         bool            `json:"neg_risk"`
	// NegRiskKnown is false when the venue response omitted the neg_risk
	// flag; orders must be rejected rather than assuming a default.
	NegRiskKnown bool `json:"neg_risk_known"`
}

// MinutesToResolution returns the minutes remaining until the market's end
// date, or zero when the end date is unknown or past.
func (m MarketInfo) MinutesToResolution(now time.Time) float64 {
	if m.EndDate.IsZero() {
		return 0
	}
	mins := m.EndDate.Sub(now).Minutes()
	if mins < 0 {
		return 0
	}
	return mins
}

// ActivityTrade is the canonical projection of one venue activity item for
// a tracked wallet. ID is the transaction hash.
type ActivityTrade struct {
	ID        string          `json:"id"`
	Address   string          `json:"address"`
	Side      Side            `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	Outcome   string          `json:"outcome"`
	Title     string          `json:"title"`
	EventSlug string          `json:"event_slug"`
	AssetID   string          `json:"asset_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// Signal is a strategy module's request for the runner to act.
type Signal struct {
	Action           Side            `json:"action"`
	TokenID          string          `json:"token_id"`
	Price            decimal.Decimal `json:"price"`
	Size             decimal.Decimal `json:"size"`
	Reason           string          `json:"reason"`
	RequiresPosition bool            `json:"requires_position"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
}
