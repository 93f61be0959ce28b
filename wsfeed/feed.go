// Package wsfeed maintains the single long-lived connection to the venue's
// market WebSocket: per-token subscriptions that survive reconnects,
// debounced batching of incoming events, health-checked resubscription and
// fan-out to in-process subscribers.
package wsfeed

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tradingengine/eventbus"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 5 * time.Second

	pingInterval   = 10 * time.Second
	staleThreshold = 15 * time.Second

	batchFlushInterval = 50 * time.Millisecond
	batchFlushSize     = 50

	// A subscription sent within this window suppresses resends unless the
	// health check forces one.
	resubscribeSuppression = 60 * time.Second

	writeTimeout = 10 * time.Second
)

// Event types delivered to subscribers.
const (
	EventTrade       = "trade"
	EventPriceChange = "price_change"
)

// Event is one normalised market event.
type Event struct {
	Type           string
	AssetID        string
	Price          decimal.Decimal
	Size           decimal.Decimal
	Side           string
	BestBid        *decimal.Decimal
	BestAsk        *decimal.Decimal
	Outcome        string
	MarketQuestion string
	EventTitle     string
	Timestamp      time.Time
}

// SubscriptionStats counts subscribe sends and health-forced retries.
type SubscriptionStats struct {
	Attempts int
	Retries  int
}

// Feed is the pooled WebSocket consumer.
type Feed struct {
	url string
	bus *eventbus.Bus

	connMu  sync.Mutex
	conn    *websocket.Conn
	wsReady bool

	subMu              sync.Mutex
	subscribedMarkets  map[string]bool
	lastSubscriptionAt time.Time
	stats              SubscriptionStats

	lastMsgMu sync.RWMutex
	lastMsgAt time.Time

	batchMu    sync.Mutex
	orderBatch []Event

	fanMu       sync.RWMutex
	subscribers []chan Event

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a feed for the given WebSocket endpoint.
func New(url string, bus *eventbus.Bus) *Feed {
	return &Feed{
		url:               url,
		bus:               bus,
		subscribedMarkets: make(map[string]bool),
		stopCh:            make(chan struct{}),
	}
}

// Start launches the connection, batching and health loops.
func (f *Feed) Start(ctx context.Context) {
	f.wg.Add(1)
	go f.runLoop(ctx)

	f.wg.Add(1)
	go f.batchLoop(ctx)

	f.wg.Add(1)
	go f.healthLoop(ctx)
}

// Stop shuts the feed down and closes all subscriber channels.
func (f *Feed) Stop() {
	f.stopped.Do(func() { close(f.stopCh) })
	f.closeConn()
	f.wg.Wait()

	f.fanMu.Lock()
	for _, ch := range f.subscribers {
		close(ch)
	}
	f.subscribers = nil
	f.fanMu.Unlock()
}

// Subscribe registers an in-process consumer and returns its channel and
// an unsubscribe function. Delivery is best-effort; slow consumers drop.
func (f *Feed) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	f.fanMu.Lock()
	f.subscribers = append(f.subscribers, ch)
	f.fanMu.Unlock()

	unsub := func() {
		f.fanMu.Lock()
		defer f.fanMu.Unlock()
		for i, c := range f.subscribers {
			if c == ch {
				close(c)
				f.subscribers = append(f.subscribers[:i], f.subscribers[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// SubscribeMarkets adds token ids to the desired subscription set and sends
// a subscribe message for the ones not already covered.
func (f *Feed) SubscribeMarkets(tokenIDs []string) {
	f.subMu.Lock()
	var added []string
	for _, id := range tokenIDs {
		if id == "" || f.subscribedMarkets[id] {
			continue
		}
		f.subscribedMarkets[id] = true
		added = append(added, id)
	}
	suppressed := time.Since(f.lastSubscriptionAt) < resubscribeSuppression && len(added) == 0
	f.subMu.Unlock()

	if len(added) == 0 || suppressed {
		return
	}
	f.sendSubscribe(added, false)
}

// UnsubscribeMarkets drops token ids from the desired set. The venue keeps
// streaming until the next resubscribe; events for dropped tokens are
// filtered by consumers.
func (f *Feed) UnsubscribeMarkets(tokenIDs []string) {
	f.subMu.Lock()
	for _, id := range tokenIDs {
		delete(f.subscribedMarkets, id)
	}
	n := len(f.subscribedMarkets)
	f.subMu.Unlock()

	log.Printf("[WSFeed] unsubscribed %d tokens, %d remaining", len(tokenIDs), n)
}

// SubscribedMarkets returns a snapshot of the desired subscription set.
func (f *Feed) SubscribedMarkets() []string {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	ids := make([]string, 0, len(f.subscribedMarkets))
	for id := range f.subscribedMarkets {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns the current subscription statistics.
func (f *Feed) Stats() SubscriptionStats {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	return f.stats
}

func (f *Feed) runLoop(ctx context.Context) {
	defer f.wg.Done()

	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(ctx); err != nil {
			log.Printf("[WSFeed] connect failed: %v (retry in %s)", err, backoff)
			if !f.wait(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff

		if err := f.readLoop(ctx); err != nil {
			log.Printf("[WSFeed] read loop ended: %v", err)
		}

		f.closeConn()

		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		default:
			if !f.wait(ctx, backoff) {
				return
			}
		}
	}
}

func (f *Feed) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", "https://polymarket.com")

	conn, _, err := dialer.DialContext(ctx, f.url, headers)
	if err != nil {
		return err
	}

	f.connMu.Lock()
	f.conn = conn
	f.wsReady = true
	f.connMu.Unlock()

	f.touch()
	f.bus.Publish(eventbus.TopicLiveOrders, "connected", true)
	log.Printf("[WSFeed] connected to %s", f.url)

	// Re-send the full desired set as a single subscription.
	ids := f.SubscribedMarkets()
	if len(ids) > 0 {
		f.sendSubscribe(ids, true)
	}
	return nil
}

// sendSubscribe writes the subscription payload. Both assets_ids and
// asset_ids spellings are included; the venue has historically accepted
// the misspelled one.
func (f *Feed) sendSubscribe(tokenIDs []string, isRetry bool) {
	f.subMu.Lock()
	f.stats.Attempts++
	if isRetry {
		f.stats.Retries++
	}
	f.lastSubscriptionAt = time.Now()
	f.subMu.Unlock()

	payload := map[string]any{
		"operation":  "subscribe",
		"type":       "market",
		"assets_ids": tokenIDs,
		"asset_ids":  tokenIDs,
	}

	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := f.conn.WriteJSON(payload); err != nil {
		log.Printf("[WSFeed] subscribe write failed: %v", err)
		return
	}
	log.Printf("[WSFeed] subscribed to %d tokens (retry=%v)", len(tokenIDs), isRetry)
}

func (f *Feed) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.stopCh:
			return nil
		default:
		}

		f.connMu.Lock()
		conn := f.conn
		f.connMu.Unlock()
		if conn == nil {
			return nil
		}

		conn.SetReadDeadline(time.Now().Add(staleThreshold + pingInterval))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		f.touch()
		f.handleMessage(message)
	}
}

func (f *Feed) healthLoop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.checkHealth()
		}
	}
}

// checkHealth pings the venue every 10s and forces a resubscribe when no
// message has arrived for over 15s while subscriptions exist.
func (f *Feed) checkHealth() {
	f.connMu.Lock()
	conn := f.conn
	f.connMu.Unlock()
	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			log.Printf("[WSFeed] ping failed: %v", err)
			f.closeConn()
			return
		}
	}

	f.lastMsgMu.RLock()
	last := f.lastMsgAt
	f.lastMsgMu.RUnlock()

	if last.IsZero() || time.Since(last) <= staleThreshold {
		return
	}

	ids := f.SubscribedMarkets()
	if len(ids) == 0 {
		return
	}

	log.Printf("[WSFeed] no messages for %s, forcing resubscribe of %d tokens",
		time.Since(last).Round(time.Second), len(ids))
	f.sendSubscribe(ids, true)
}

func (f *Feed) closeConn() {
	f.connMu.Lock()
	wasReady := f.wsReady
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.wsReady = false
	f.connMu.Unlock()

	if wasReady {
		f.bus.Publish(eventbus.TopicLiveOrders, "connected", false)
	}
}

func (f *Feed) touch() {
	f.lastMsgMu.Lock()
	f.lastMsgAt = time.Now()
	f.lastMsgMu.Unlock()
}

func (f *Feed) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-f.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
