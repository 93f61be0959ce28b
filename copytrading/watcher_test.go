package copytrading

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradingengine/eventbus"
	"tradingengine/models"
	"tradingengine/venue"
)

type fakeSource struct {
	items map[string][]venue.ActivityItem
}

func (f *fakeSource) GetActivityPage(ctx context.Context, user string, limit, offset int) ([]venue.ActivityItem, error) {
	return f.items[user], nil
}

func activityItem(hash, side string, size, price float64) venue.ActivityItem {
	return venue.ActivityItem{
		Type:            "TRADE",
		TransactionHash: hash,
		Side:            side,
		Size:            decimal.NewFromFloat(size),
		Price:           decimal.NewFromFloat(price),
		Asset:           "token-1",
		Title:           "Will BTC close up?",
		Outcome:         "Yes",
		EventSlug:       "btc-up",
		Timestamp:       time.Now().Unix(),
	}
}

func TestPollInterval(t *testing.T) {
	tests := []struct {
		users int
		want  time.Duration
	}{
		{0, 3 * time.Second},
		{1, 3 * time.Second},
		{30, 3 * time.Second},
		{50, 5 * time.Second},
		{100, 10 * time.Second},
		{200, 20 * time.Second},
	}

	for _, tt := range tests {
		if got := PollInterval(tt.users); got != tt.want {
			t.Errorf("PollInterval(%d) = %s, want %s", tt.users, got, tt.want)
		}
	}
}

func TestExtractTradesFiltersNonTrades(t *testing.T) {
	items := []venue.ActivityItem{
		activityItem("0x1", "BUY", 10, 0.5),
		{Type: "REDEEM", TransactionHash: "0x2"},
		{Type: "SPLIT", TransactionHash: "0x3"},
		activityItem("0x4", "SELL", 5, 0.7),
	}

	trades := ExtractTrades("0xabc", items)
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].ID != "0x1" || trades[1].ID != "0x4" {
		t.Fatalf("unexpected ids: %s, %s", trades[0].ID, trades[1].ID)
	}
	if trades[0].Side != models.SideBuy || trades[1].Side != models.SideSell {
		t.Fatalf("sides wrong: %s, %s", trades[0].Side, trades[1].Side)
	}
}

func TestExtractTradesSynthesisesIDWithoutHash(t *testing.T) {
	item := activityItem("", "BUY", 10, 0.5)
	item.ProxyWallet = "0xabc"

	trades := ExtractTrades("0xabc", []venue.ActivityItem{item})
	if len(trades) != 1 || trades[0].ID == "" {
		t.Fatalf("expected synthesised id, got %+v", trades)
	}
}

func TestFetchTradesDiffAndPublish(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.NewBus()
	source := &fakeSource{items: map[string][]venue.ActivityItem{}}
	w := NewWatcher(store, source, bus, 100)

	const addr = "0xabc0000000000000000000000000000000000001"
	if _, err := w.Track(context.Background(), addr, "whale"); err != nil {
		t.Fatalf("Track: %v", err)
	}

	newTrades, unsubNew := bus.Subscribe(eventbus.TopicCopyTrading, 64)
	defer unsubNew()

	// First fetch seeds the baseline: trades_updated only, no new_trade.
	source.items[addr] = []venue.ActivityItem{activityItem("0x1", "BUY", 10, 0.5)}
	w.fetchTrades(context.Background(), addr)

	msg := <-newTrades
	if msg.Type != "trades_updated" {
		t.Fatalf("first message %q, want trades_updated", msg.Type)
	}

	// Second fetch with one extra trade publishes exactly it.
	source.items[addr] = []venue.ActivityItem{
		activityItem("0x1", "BUY", 10, 0.5),
		activityItem("0x2", "SELL", 3, 0.8),
	}
	w.fetchTrades(context.Background(), addr)

	msg = <-newTrades
	if msg.Type != "new_trade" {
		t.Fatalf("message %q, want new_trade", msg.Type)
	}
	ev, ok := msg.Data.(NewTradeEvent)
	if !ok || ev.Trade.ID != "0x2" {
		t.Fatalf("unexpected new trade event: %+v", msg.Data)
	}

	msg = <-newTrades
	if msg.Type != "trades_updated" {
		t.Fatalf("message %q, want trades_updated", msg.Type)
	}

	// Third fetch drops 0x1 from the feed: the seen set is replaced, so a
	// re-appearing 0x2 is still deduplicated.
	source.items[addr] = []venue.ActivityItem{activityItem("0x2", "SELL", 3, 0.8)}
	w.fetchTrades(context.Background(), addr)

	msg = <-newTrades
	if msg.Type != "trades_updated" {
		t.Fatalf("message %q, want trades_updated (no new trades)", msg.Type)
	}
}

func TestUntrackStopsFetching(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.NewBus()
	source := &fakeSource{items: map[string][]venue.ActivityItem{}}
	w := NewWatcher(store, source, bus, 100)

	const addr = "0xabc0000000000000000000000000000000000002"
	if _, err := w.Track(context.Background(), addr, ""); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := w.Untrack(context.Background(), addr); err != nil {
		t.Fatalf("Untrack: %v", err)
	}

	ch, unsub := bus.Subscribe(eventbus.TopicCopyTrading, 16)
	defer unsub()

	source.items[addr] = []venue.ActivityItem{activityItem("0x1", "BUY", 10, 0.5)}
	w.fetchTrades(context.Background(), addr)

	select {
	case msg := <-ch:
		t.Fatalf("untracked address still published %q", msg.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeleteRequiresArchive(t *testing.T) {
	store := newTestStore(t)
	w := NewWatcher(store, &fakeSource{}, eventbus.NewBus(), 100)

	const addr = "0xabc0000000000000000000000000000000000003"
	if _, err := w.Track(context.Background(), addr, ""); err != nil {
		t.Fatalf("Track: %v", err)
	}

	if err := w.Delete(context.Background(), addr); err == nil {
		t.Fatal("expected delete of active user to fail")
	}

	if err := w.Untrack(context.Background(), addr); err != nil {
		t.Fatalf("Untrack: %v", err)
	}
	if err := w.Delete(context.Background(), addr); err != nil {
		t.Fatalf("Delete after archive: %v", err)
	}
}

func TestRestoreResumesTracking(t *testing.T) {
	store := newTestStore(t)
	w := NewWatcher(store, &fakeSource{}, eventbus.NewBus(), 100)

	const addr = "0xabc0000000000000000000000000000000000004"
	if _, err := w.Track(context.Background(), addr, "whale"); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := w.Untrack(context.Background(), addr); err != nil {
		t.Fatalf("Untrack: %v", err)
	}
	if err := w.Restore(context.Background(), addr); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	user, err := store.GetTrackedUser(context.Background(), addr)
	if err != nil {
		t.Fatalf("GetTrackedUser: %v", err)
	}
	if !user.Active {
		t.Fatal("restored user not active")
	}

	w.mu.Lock()
	_, tracked := w.tracked[addr]
	w.mu.Unlock()
	if !tracked {
		t.Fatal("restored user not in watcher map")
	}
}
