package venue

import (
	"github.com/shopspring/decimal"
)

// OrderBook is the venue's book snapshot for one token.
type OrderBook struct {
	Market    string           `json:"market"`
	AssetID   string           `json:"asset_id"`
	Hash      string           `json:"hash"`
	Timestamp string           `json:"timestamp"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
}

// OrderBookLevel is a single price level.
type OrderBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BestBid returns the first bid level price, or zero when the book side is
// empty.
func (b *OrderBook) BestBid() (decimal.Decimal, bool) {
	if len(b.Bids) == 0 {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(b.Bids[0].Price)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// BestAsk returns the first ask level price, or zero when the book side is
// empty.
func (b *OrderBook) BestAsk() (decimal.Decimal, bool) {
	if len(b.Asks) == 0 {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(b.Asks[0].Price)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// ClobMarket is market information from the CLOB host.
type ClobMarket struct {
	ConditionID      string          `json:"condition_id"`
	QuestionID       string          `json:"question_id"`
	Tokens           []ClobTokenInfo `json:"tokens"`
	MinimumOrderSize string          `json:"minimum_order_size"`
	MinimumTickSize  string          `json:"minimum_tick_size"`
	Description      string          `json:"description"`
	EndDateISO       string          `json:"end_date_iso"`
	Active           bool            `json:"active"`
	Closed           bool            `json:"closed"`
	MarketSlug       string          `json:"market_slug"`
	NegRisk          *bool           `json:"neg_risk"`
}

// ClobTokenInfo is one outcome token in a CLOB market.
type ClobTokenInfo struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
	Price   string `json:"price"`
	Winner  bool   `json:"winner"`
}

// OrderType is the venue order time-in-force.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC"
	OrderTypeFOK OrderType = "FOK"
	OrderTypeFAK OrderType = "FAK"
	OrderTypeGTD OrderType = "GTD"
)

// OrderResponse is the venue's answer to POST /order.
type OrderResponse struct {
	Success     bool     `json:"success"`
	ErrorMsg    string   `json:"errorMsg"`
	OrderID     string   `json:"orderId"`
	OrderHashes []string `json:"orderHashes"`
	Status      string   `json:"status"`
}

// ActivityItem is one row from the Data API activity feed.
type ActivityItem struct {
	ProxyWallet     string          `json:"proxyWallet"`
	Timestamp       int64           `json:"timestamp"`
	ConditionID     string          `json:"conditionId"`
	Type            string          `json:"type"`
	Size            decimal.Decimal `json:"size"`
	UsdcSize        decimal.Decimal `json:"usdcSize"`
	Price           decimal.Decimal `json:"price"`
	Asset           string          `json:"asset"`
	Side            string          `json:"side"`
	Outcome         string          `json:"outcome"`
	Title           string          `json:"title"`
	Slug            string          `json:"slug"`
	EventSlug       string          `json:"eventSlug"`
	TransactionHash string          `json:"transactionHash"`
}

// PositionItem is one row from the Data API positions feed.
type PositionItem struct {
	Asset        string          `json:"asset"`
	ConditionID  string          `json:"conditionId"`
	Size         decimal.Decimal `json:"size"`
	AvgPrice     decimal.Decimal `json:"avgPrice"`
	CurPrice     decimal.Decimal `json:"curPrice"`
	InitialValue decimal.Decimal `json:"initialValue"`
	CurrentValue decimal.Decimal `json:"currentValue"`
	CashPnl      decimal.Decimal `json:"cashPnl"`
	Title        string          `json:"title"`
	Outcome      string          `json:"outcome"`
	EventSlug    string          `json:"eventSlug"`
	Redeemable   bool            `json:"redeemable"`
}

// SearchEvent is one hit from the search API.
type SearchEvent struct {
	Title string `json:"title"`
	Slug  string `json:"slug"`
}
