// Package gamma wraps the venue's Gamma metadata API: event and market
// discovery by time-to-resolution tag, and per-token market info lookups
// backed by the metadata cache.
package gamma

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradingengine/marketcache"
	"tradingengine/models"
	"tradingengine/venue"
)

// Tags understood by the Gamma events endpoint, by time-to-resolution.
const (
	Tag15M    = "15M"
	Tag1H     = "1H"
	Tag4H     = "4h"
	TagWeekly = "weekly"
)

// cryptoKeywords is the closed keyword set used for heuristic market
// filtering.
var cryptoKeywords = []string{
	"bitcoin", "btc", "ethereum", "eth", "crypto", "solana", "sol",
	"xrp", "doge", "dogecoin", "bnb", "cardano", "ada", "polygon",
	"matic", "avalanche", "avax", "chainlink", "link", "uniswap", "uni",
}

// IsCryptoMarket reports whether the question or event title matches a
// crypto keyword.
func IsCryptoMarket(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range cryptoKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DiscoverOptions narrow a tag-based discovery pass.
type DiscoverOptions struct {
	MinMinutes float64
	MaxMinutes float64
	CryptoOnly bool
}

// Fetcher wraps the Gamma endpoints with parsing and cache integration.
type Fetcher struct {
	client *venue.Client
	cache  *marketcache.Cache
}

// NewFetcher creates a fetcher backed by the shared venue client and
// metadata cache.
func NewFetcher(client *venue.Client, cache *marketcache.Cache) *Fetcher {
	return &Fetcher{client: client, cache: cache}
}

// EventsByTag fetches open events for one time-to-resolution tag and
// filters the contained markets client-side: order book enabled, optional
// crypto keyword on the market question, and resolution in the future and
// inside the [min, max] minutes window.
func (f *Fetcher) EventsByTag(ctx context.Context, tag string, opts DiscoverOptions) ([]models.MarketInfo, error) {
	q := url.Values{}
	q.Set("closed", "false")
	q.Set("active", "true")
	q.Set("limit", "100")
	q.Set("offset", "0")
	q.Set("order", "volume24hr")
	q.Set("ascending", "false")
	if tag != "" {
		q.Set("tag_slug", tag)
	}

	body, err := f.client.GetGammaJSON(ctx, "/events", q)
	if err != nil {
		return nil, fmt.Errorf("gamma: fetch events tag=%s: %w", tag, err)
	}

	var events []Event
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("gamma: decode events: %w", err)
	}

	now := time.Now()
	var infos []models.MarketInfo
	for _, ev := range events {
		for _, m := range ev.Markets {
			if !m.EnableOrderBook || m.Closed {
				continue
			}
			if opts.CryptoOnly && !IsCryptoMarket(m.Question) {
				continue
			}

			endDate := parseEndDate(m.EndDate)
			if endDate.IsZero() {
				endDate = parseEndDate(ev.EndDate)
			}
			mins := endDate.Sub(now).Minutes()
			if mins <= 0 {
				continue
			}
			if opts.MinMinutes > 0 && mins < opts.MinMinutes {
				continue
			}
			if opts.MaxMinutes > 0 && mins > opts.MaxMinutes {
				continue
			}

			infos = append(infos, marketTokens(m, ev, endDate)...)
		}
	}
	return infos, nil
}

// EventBySlug fetches one event by its slug.
func (f *Fetcher) EventBySlug(ctx context.Context, slug string) (*Event, error) {
	body, err := f.client.GetGammaJSON(ctx, "/events/slug/"+slug, nil)
	if err != nil {
		return nil, fmt.Errorf("gamma: fetch event %s: %w", slug, err)
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("gamma: decode event %s: %w", slug, err)
	}
	return &ev, nil
}

// Discover queries the requested interval tags, deduplicates the returned
// tokens by event slug and token id (an event found under several tags
// contributes its tokens once), and returns the union sorted by end date.
func (f *Fetcher) Discover(ctx context.Context, tags []string, opts DiscoverOptions) ([]models.MarketInfo, error) {
	seenSlugs := make(map[string]bool)
	var all []models.MarketInfo

	for _, tag := range tags {
		infos, err := f.EventsByTag(ctx, tag, opts)
		if err != nil {
			log.Printf("[Gamma] discovery for tag %s failed: %v", tag, err)
			continue
		}
		for _, info := range infos {
			key := info.EventSlug + "/" + info.TokenID
			if seenSlugs[key] {
				continue
			}
			seenSlugs[key] = true
			all = append(all, info)
		}
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].EndDate.Before(all[j].EndDate)
	})
	return all, nil
}

// TokenInfo returns market info for one token, served from the cache when
// fresh, otherwise fetched from GET /markets?clob_token_ids=… and cached
// for 300 seconds.
func (f *Fetcher) TokenInfo(ctx context.Context, tokenID string) (models.MarketInfo, error) {
	if info, ok := f.cache.Get(tokenID); ok {
		return info, nil
	}

	q := url.Values{}
	q.Set("clob_token_ids", tokenID)

	body, err := f.client.GetGammaJSON(ctx, "/markets", q)
	if err != nil {
		return models.MarketInfo{}, fmt.Errorf("gamma: fetch market for token %s: %w", tokenID, err)
	}

	var markets []Market
	if err := json.Unmarshal(body, &markets); err != nil {
		return models.MarketInfo{}, fmt.Errorf("gamma: decode markets: %w", err)
	}
	if len(markets) == 0 {
		return models.MarketInfo{}, fmt.Errorf("gamma: no market for token %s", tokenID)
	}

	m := markets[0]
	info, err := tokenInfoFromMarket(m, tokenID)
	if err != nil {
		return models.MarketInfo{}, err
	}

	f.cache.Put(tokenID, info, marketcache.DefaultTTL)
	if info.OppositeTokenID != "" {
		if opp, err := tokenInfoFromMarket(m, info.OppositeTokenID); err == nil {
			f.cache.Put(info.OppositeTokenID, opp, marketcache.DefaultTTL)
		}
	}
	return info, nil
}

// tokenInfoFromMarket derives (outcome, price, opposite token) by matching
// the token id against its index in clobTokenIds.
func tokenInfoFromMarket(m Market, tokenID string) (models.MarketInfo, error) {
	idx := -1
	for i, id := range m.ClobTokenIDs {
		if id == tokenID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return models.MarketInfo{}, fmt.Errorf("gamma: token %s not in market %s", tokenID, m.ConditionID)
	}

	info := models.MarketInfo{
		TokenID:     tokenID,
		Question:    m.Question,
		EventSlug:   m.Slug,
		ConditionID: m.ConditionID,
		EndDate:     parseEndDate(m.EndDate),
	}
	if idx < len(m.Outcomes) {
		info.Outcome = m.Outcomes[idx]
	}
	if idx < len(m.OutcomePrices) {
		if p, err := decimal.NewFromString(m.OutcomePrices[idx]); err == nil {
			info.Price = p
		}
	}
	if len(m.ClobTokenIDs) == 2 {
		info.OppositeTokenID = m.ClobTokenIDs[1-idx]
	}
	if m.NegRisk != nil {
		info.NegRisk = *m.NegRisk
		info.NegRiskKnown = true
	}
	return info, nil
}

func marketTokens(m Market, ev Event, endDate time.Time) []models.MarketInfo {
	var infos []models.MarketInfo
	for i, tokenID := range m.ClobTokenIDs {
		info := models.MarketInfo{
			TokenID:     tokenID,
			Question:    m.Question,
			EventTitle:  ev.Title,
			EventSlug:   ev.Slug,
			ConditionID: m.ConditionID,
			EndDate:     endDate,
		}
		if i < len(m.Outcomes) {
			info.Outcome = m.Outcomes[i]
		}
		if i < len(m.OutcomePrices) {
			if p, err := decimal.NewFromString(m.OutcomePrices[i]); err == nil {
				info.Price = p
			}
		}
		if len(m.ClobTokenIDs) == 2 {
			info.OppositeTokenID = m.ClobTokenIDs[1-i]
		}
		if m.NegRisk != nil {
			info.NegRisk = *m.NegRisk
			info.NegRiskKnown = true
		}
		infos = append(infos, info)
	}
	return infos
}

func parseEndDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}
