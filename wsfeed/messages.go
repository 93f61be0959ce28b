package wsfeed

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradingengine/eventbus"
)

// rawMessage is the superset of fields carried by venue market events.
type rawMessage struct {
	EventType    string           `json:"event_type"`
	AssetID      string           `json:"asset_id"`
	Market       string           `json:"market"`
	Price        string           `json:"price"`
	Size         string           `json:"size"`
	Side         string           `json:"side"`
	Timestamp    string           `json:"timestamp"`
	Outcome      string           `json:"outcome"`
	Question     string           `json:"question"`
	EventTitle   string           `json:"event_title"`
	PriceChanges []rawPriceChange `json:"price_changes"`
	Bids         []rawLevel       `json:"bids"`
	Asks         []rawLevel       `json:"asks"`
	OldTickSize  string           `json:"old_tick_size"`
	NewTickSize  string           `json:"new_tick_size"`
}

type rawPriceChange struct {
	AssetID string  `json:"asset_id"`
	BestBid *string `json:"best_bid"`
	BestAsk *string `json:"best_ask"`
	Price   *string `json:"price"`
	Size    string  `json:"size"`
	Side    string  `json:"side"`
}

type rawLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// handleMessage parses one text frame. Frames may be a known literal, a
// single JSON object with event_type, or a JSON array of such objects.
func (f *Feed) handleMessage(data []byte) {
	text := strings.TrimSpace(string(data))
	switch text {
	case "NO NEW ASSETS", `"NO NEW ASSETS"`:
		log.Printf("[WSFeed] venue reported no new assets")
		return
	case "INVALID OPERATION", `"INVALID OPERATION"`:
		log.Printf("[WSFeed] venue rejected operation")
		return
	}

	if strings.HasPrefix(text, "[") {
		var msgs []rawMessage
		if err := json.Unmarshal(data, &msgs); err != nil {
			log.Printf("[WSFeed] unparseable array frame: %v", err)
			return
		}
		for _, msg := range msgs {
			f.handleEvent(msg)
		}
		return
	}

	var msg rawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[WSFeed] unparseable frame: %v", err)
		return
	}
	f.handleEvent(msg)
}

func (f *Feed) handleEvent(msg rawMessage) {
	switch msg.EventType {
	case "last_trade_price":
		f.enqueue(Event{
			Type:           EventTrade,
			AssetID:        msg.AssetID,
			Price:          parseDecimal(msg.Price),
			Size:           parseDecimal(msg.Size),
			Side:           msg.Side,
			Outcome:        msg.Outcome,
			MarketQuestion: msg.Question,
			EventTitle:     msg.EventTitle,
			Timestamp:      parseTimestamp(msg.Timestamp),
		})

	case "price_change":
		for _, pc := range msg.PriceChanges {
			// Entries with no bid, ask or price carry nothing actionable.
			if pc.BestBid == nil && pc.BestAsk == nil && pc.Price == nil {
				continue
			}
			ev := Event{
				Type:      EventPriceChange,
				AssetID:   pc.AssetID,
				Size:      parseDecimal(pc.Size),
				Side:      pc.Side,
				Timestamp: parseTimestamp(msg.Timestamp),
			}
			if pc.AssetID == "" {
				ev.AssetID = msg.AssetID
			}
			if pc.BestBid != nil {
				bb := parseDecimal(*pc.BestBid)
				ev.BestBid = &bb
			}
			if pc.BestAsk != nil {
				ba := parseDecimal(*pc.BestAsk)
				ev.BestAsk = &ba
			}
			if pc.Price != nil {
				ev.Price = parseDecimal(*pc.Price)
			}
			f.enqueue(ev)
		}

	case "book":
		ev := Event{
			Type:      EventPriceChange,
			AssetID:   msg.AssetID,
			Timestamp: parseTimestamp(msg.Timestamp),
		}
		if len(msg.Bids) > 0 {
			bb := parseDecimal(msg.Bids[0].Price)
			ev.BestBid = &bb
		}
		if len(msg.Asks) > 0 {
			ba := parseDecimal(msg.Asks[0].Price)
			ev.BestAsk = &ba
		}
		f.enqueue(ev)

	case "tick_size_change":
		log.Printf("[WSFeed] tick size change for %s: %s -> %s",
			msg.AssetID, msg.OldTickSize, msg.NewTickSize)

	default:
		// Unknown event types are ignored.
	}
}

// enqueue appends to the pending batch, flushing immediately when the
// batch reaches its size cap.
func (f *Feed) enqueue(ev Event) {
	f.batchMu.Lock()
	f.orderBatch = append(f.orderBatch, ev)
	full := len(f.orderBatch) >= batchFlushSize
	f.batchMu.Unlock()

	if full {
		f.flush()
	}
}

func (f *Feed) batchLoop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(batchFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.flush()
			return
		case <-f.stopCh:
			f.flush()
			return
		case <-ticker.C:
			f.flush()
		}
	}
}

// flush drains the pending batch: the bus receives either a single
// new_order or a new_orders_batch list, subscribers receive every event.
func (f *Feed) flush() {
	f.batchMu.Lock()
	batch := f.orderBatch
	f.orderBatch = nil
	f.batchMu.Unlock()

	if len(batch) == 0 {
		return
	}

	if len(batch) == 1 {
		f.bus.Publish(eventbus.TopicLiveOrders, "new_order", batch[0])
	} else {
		f.bus.Publish(eventbus.TopicLiveOrders, "new_orders_batch", batch)
		for _, ev := range batch {
			f.bus.Publish(eventbus.TopicLiveOrders, "new_order", ev)
		}
	}

	f.fanMu.RLock()
	for _, ch := range f.subscribers {
		for _, ev := range batch {
			select {
			case ch <- ev:
			default:
				// drop for slow subscribers
			}
		}
	}
	f.fanMu.RUnlock()
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now()
	}
	// The venue sends millisecond timestamps.
	if ms > 1e12 {
		return time.UnixMilli(ms)
	}
	return time.Unix(ms, 0)
}
