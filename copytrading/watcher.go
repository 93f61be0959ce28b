// Package copytrading mirrors the on-venue activity of tracked wallet
// addresses: a Watcher polls each address and publishes new trades, an
// Executor sizes and places the copies.
package copytrading

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tradingengine/eventbus"
	"tradingengine/models"
	"tradingengine/storage"
	"tradingengine/venue"
)

// ActivitySource fetches a wallet's recent activity feed.
type ActivitySource interface {
	GetActivityPage(ctx context.Context, user string, limit, offset int) ([]venue.ActivityItem, error)
}

// NewTradeEvent is published on the copy_trading topic for each trade not
// seen before.
type NewTradeEvent struct {
	Address string               `json:"address"`
	Trade   models.ActivityTrade `json:"trade"`
}

// TradesUpdatedEvent carries the full current trade list for UI refresh.
type TradesUpdatedEvent struct {
	Address string                 `json:"address"`
	Trades  []models.ActivityTrade `json:"trades"`
}

const (
	basePollInterval = 3 * time.Second

	// pollScale spreads the per-address request rate so the watcher stays
	// under half the Data-API bucket capacity.
	pollScale = 10 * time.Second
)

type trackedEntry struct {
	label   string
	addedAt time.Time
}

// Watcher polls each tracked address at a dynamic interval, diffs the
// result against the last seen set, and publishes new-trade events.
type Watcher struct {
	store      *storage.Store
	source     ActivitySource
	bus        *eventbus.Bus
	fetchLimit int

	mu           sync.Mutex
	tracked      map[string]trackedEntry
	lastTradeIDs map[string]map[string]bool

	fetchCh chan string
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher. fetchLimit bounds each activity poll.
func NewWatcher(store *storage.Store, source ActivitySource, bus *eventbus.Bus, fetchLimit int) *Watcher {
	if fetchLimit <= 0 {
		fetchLimit = 100
	}
	return &Watcher{
		store:        store,
		source:       source,
		bus:          bus,
		fetchLimit:   fetchLimit,
		tracked:      make(map[string]trackedEntry),
		lastTradeIDs: make(map[string]map[string]bool),
		fetchCh:      make(chan string, 256),
		stopCh:       make(chan struct{}),
	}
}

// Start loads active tracked users, schedules an immediate fetch for each,
// and begins the polling loop.
func (w *Watcher) Start(ctx context.Context) error {
	users, err := w.store.ListTrackedUsers(ctx, true)
	if err != nil {
		return fmt.Errorf("copytrading: load tracked users: %w", err)
	}

	w.mu.Lock()
	for _, u := range users {
		w.tracked[u.Address] = trackedEntry{label: u.Label, addedAt: time.Now()}
	}
	w.mu.Unlock()

	for _, u := range users {
		w.scheduleFetch(u.Address)
	}

	w.wg.Add(1)
	go w.pollLoop(ctx)

	w.wg.Add(1)
	go w.fetchLoop(ctx)

	log.Printf("[Watcher] started with %d tracked users", len(users))
	return nil
}

// Stop halts the polling loops.
func (w *Watcher) Stop() {
	w.stopped.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	log.Printf("[Watcher] stopped")
}

// Track upserts an address with active=true and schedules an immediate
// fetch.
func (w *Watcher) Track(ctx context.Context, address, label string) (models.TrackedUser, error) {
	user, err := w.store.UpsertTrackedUser(ctx, address, label)
	if err != nil {
		return models.TrackedUser{}, err
	}

	w.mu.Lock()
	w.tracked[user.Address] = trackedEntry{label: label, addedAt: time.Now()}
	w.mu.Unlock()

	w.scheduleFetch(user.Address)
	return user, nil
}

// Untrack archives an address (active=false) and stops polling it.
func (w *Watcher) Untrack(ctx context.Context, address string) error {
	if err := w.store.SetTrackedUserActive(ctx, address, false); err != nil {
		return err
	}

	w.mu.Lock()
	delete(w.tracked, address)
	delete(w.lastTradeIDs, address)
	w.mu.Unlock()
	return nil
}

// Restore reactivates an archived address and resumes polling.
func (w *Watcher) Restore(ctx context.Context, address string) error {
	if err := w.store.SetTrackedUserActive(ctx, address, true); err != nil {
		return err
	}

	user, err := w.store.GetTrackedUser(ctx, address)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.tracked[user.Address] = trackedEntry{label: user.Label, addedAt: time.Now()}
	w.mu.Unlock()

	w.scheduleFetch(user.Address)
	return nil
}

// Delete permanently removes an address; the row must be archived first.
func (w *Watcher) Delete(ctx context.Context, address string) error {
	return w.store.DeleteTrackedUser(ctx, address)
}

// PollInterval computes the dynamic poll cadence for n tracked users:
// max(3s, 10s · n / 100), which keeps the total request rate at or below
// half the Data-API bucket capacity.
func PollInterval(n int) time.Duration {
	scaled := time.Duration(n) * pollScale / 100
	if scaled < basePollInterval {
		return basePollInterval
	}
	return scaled
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		w.mu.Lock()
		addresses := make([]string, 0, len(w.tracked))
		for addr := range w.tracked {
			addresses = append(addresses, addr)
		}
		w.mu.Unlock()

		for _, addr := range addresses {
			w.scheduleFetch(addr)
		}

		interval := PollInterval(len(addresses))
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Watcher) scheduleFetch(address string) {
	select {
	case w.fetchCh <- address:
	default:
		log.Printf("[Watcher] fetch queue full, skipping %s", address)
	}
}

// fetchLoop serialises all activity fetches; the rate limiter inside the
// venue client paces the requests.
func (w *Watcher) fetchLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case address := <-w.fetchCh:
			w.fetchTrades(ctx, address)
		}
	}
}

func (w *Watcher) fetchTrades(ctx context.Context, address string) {
	w.mu.Lock()
	_, stillTracked := w.tracked[address]
	w.mu.Unlock()
	if !stillTracked {
		return
	}

	items, err := w.source.GetActivityPage(ctx, address, w.fetchLimit, 0)
	if err != nil {
		log.Printf("[Watcher] activity fetch for %s failed: %v", address, err)
		return
	}

	trades := ExtractTrades(address, items)

	w.mu.Lock()
	lastSeen := w.lastTradeIDs[address]
	firstFetch := lastSeen == nil

	var fresh []models.ActivityTrade
	for _, t := range trades {
		if !lastSeen[t.ID] {
			fresh = append(fresh, t)
		}
	}

	// Replace (not union) the seen set: the long tail is dropped to bound
	// memory.
	current := make(map[string]bool, len(trades))
	for _, t := range trades {
		current[t.ID] = true
	}
	w.lastTradeIDs[address] = current
	w.mu.Unlock()

	// The very first fetch seeds the baseline; publishing it would replay
	// the wallet's whole recent history as "new".
	if !firstFetch {
		for _, t := range fresh {
			w.bus.Publish(eventbus.TopicCopyTrading, "new_trade", NewTradeEvent{Address: address, Trade: t})
		}
		if len(fresh) > 0 {
			log.Printf("[Watcher] %d new trades for %s", len(fresh), address)
		}
	}

	w.bus.Publish(eventbus.TopicCopyTrading, "trades_updated", TradesUpdatedEvent{Address: address, Trades: trades})
}

// ExtractTrades projects activity items onto canonical trade records,
// keeping only TRADE-typed entries. The trade id is the transaction hash.
func ExtractTrades(address string, items []venue.ActivityItem) []models.ActivityTrade {
	var trades []models.ActivityTrade
	for _, item := range items {
		if item.Type != "TRADE" {
			continue
		}
		id := item.TransactionHash
		if id == "" {
			id = fmt.Sprintf("%s-%d-%s", item.ProxyWallet, item.Timestamp, item.Asset)
		}
		trades = append(trades, models.ActivityTrade{
			ID:        id,
			Address:   address,
			Side:      models.Side(item.Side),
			Size:      item.Size,
			Price:     item.Price,
			Outcome:   item.Outcome,
			Title:     item.Title,
			EventSlug: item.EventSlug,
			AssetID:   item.Asset,
			Timestamp: time.Unix(item.Timestamp, 0).UTC(),
		})
	}
	return trades
}
