package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"tradingengine/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCredentialsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Empty store returns an unconfigured set, not an error.
	creds, err := store.GetCredentials(ctx)
	if err != nil {
		t.Fatalf("GetCredentials: %v", err)
	}
	if creds.Configured() {
		t.Fatal("empty credentials reported configured")
	}

	err = store.UpdateCredentials(ctx, models.Credentials{
		APIKey:        "key-1234",
		APISecret:     "secret",
		APIPassphrase: "pass",
		WalletAddress: "0xABCDEF0123456789abcdef0123456789ABCDEF01",
		PrivateKey:    "0xkey",
	})
	if err != nil {
		t.Fatalf("UpdateCredentials: %v", err)
	}

	creds, err = store.GetCredentials(ctx)
	if err != nil {
		t.Fatalf("GetCredentials: %v", err)
	}
	if !creds.Configured() {
		t.Fatal("credentials not configured after update")
	}
	// Addresses are lowercased on write.
	if creds.WalletAddress != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Fatalf("wallet not lowercased: %s", creds.WalletAddress)
	}
}

func TestCredentialsRejectBadAddress(t *testing.T) {
	store := newTestStore(t)

	tests := []string{
		"abcdef0123456789abcdef0123456789abcdef01", // missing 0x
		"0x123",            // too short
		"0xzzzzzz0123456789abcdef0123456789abcdef01", // bad hex
	}
	for _, addr := range tests {
		err := store.UpdateCredentials(context.Background(), models.Credentials{WalletAddress: addr})
		if err == nil {
			t.Errorf("address %q accepted", addr)
		}
	}
}

func TestCopyTradeInsertIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ct := models.CopyTrade{
		ID:              "row-1",
		SourceAddress:   "0xabc",
		OriginalTradeID: "0xhash1",
		Side:            models.SideBuy,
		CopySize:        decimal.NewFromInt(11),
		Status:          models.CopyTradeExecuted,
	}

	inserted, err := store.InsertCopyTrade(ctx, ct)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}

	// Same original trade under a different row id is silently dropped.
	ct.ID = "row-2"
	inserted, err = store.InsertCopyTrade(ctx, ct)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatal("duplicate original_trade_id inserted")
	}

	trades, err := store.ListCopyTrades(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 row, got %d", len(trades))
	}

	exists, err := store.CopyTradeExists(ctx, "0xhash1")
	if err != nil || !exists {
		t.Fatalf("exists=%v err=%v", exists, err)
	}
}

func TestCopyTradeStatusTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.InsertCopyTrade(ctx, models.CopyTrade{
		ID:              "row-1",
		OriginalTradeID: "0xhash1",
		Status:          models.CopyTradeFailed,
		ErrorMessage:    "venue down",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := store.UpdateCopyTradeResult(ctx, "row-1", models.CopyTradeExecuted, "", nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	ct, err := store.GetCopyTrade(ctx, "row-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ct.Status != models.CopyTradeExecuted || ct.ErrorMessage != "" {
		t.Fatalf("unexpected row: %+v", ct)
	}
}

func TestSettingsValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	valid := models.CopyTradingSettings{
		SizingMode:         models.SizingPercentage,
		FixedAmount:        decimal.NewFromInt(10),
		ProportionalFactor: decimal.RequireFromString("0.1"),
		Percentage:         decimal.NewFromInt(100),
		Enabled:            true,
	}
	if err := store.UpdateCopyTradingSettings(ctx, valid); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*models.CopyTradingSettings)
	}{
		{"bad mode", func(s *models.CopyTradingSettings) { s.SizingMode = "martingale" }},
		{"zero fixed", func(s *models.CopyTradingSettings) { s.FixedAmount = decimal.Zero }},
		{"negative factor", func(s *models.CopyTradingSettings) { s.ProportionalFactor = decimal.NewFromInt(-1) }},
		{"percentage over 100", func(s *models.CopyTradingSettings) { s.Percentage = decimal.NewFromInt(101) }},
		{"zero percentage", func(s *models.CopyTradingSettings) { s.Percentage = decimal.Zero }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			if err := store.UpdateCopyTradingSettings(ctx, s); err == nil {
				t.Fatal("invalid settings accepted")
			}
		})
	}

	got, err := store.GetCopyTradingSettings(ctx)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if got.SizingMode != models.SizingPercentage || !got.Enabled {
		t.Fatalf("stored settings clobbered: %+v", got)
	}
}

func TestTrackedUserLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	const addr = "0xABC0000000000000000000000000000000000001"

	user, err := store.UpsertTrackedUser(ctx, addr, "whale")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if user.Address != "0xabc0000000000000000000000000000000000001" {
		t.Fatalf("address not lowercased: %s", user.Address)
	}
	if !user.Active {
		t.Fatal("new user not active")
	}

	// Delete while active is forbidden.
	if err := store.DeleteTrackedUser(ctx, addr); !errors.Is(err, ErrStillActive) {
		t.Fatalf("expected ErrStillActive, got %v", err)
	}

	if err := store.SetTrackedUserActive(ctx, addr, false); err != nil {
		t.Fatalf("archive: %v", err)
	}

	active, err := store.ListTrackedUsers(ctx, true)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("archived user still listed active")
	}

	if err := store.SetTrackedUserActive(ctx, addr, true); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := store.SetTrackedUserActive(ctx, addr, false); err != nil {
		t.Fatalf("re-archive: %v", err)
	}
	if err := store.DeleteTrackedUser(ctx, addr); err != nil {
		t.Fatalf("delete archived: %v", err)
	}
	if _, err := store.GetTrackedUser(ctx, addr); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestUpsertRejectsInvalidAddress(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.UpsertTrackedUser(context.Background(), "not-an-address", ""); err == nil {
		t.Fatal("invalid address accepted")
	}
}

func TestStrategyEventsAppendOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st, err := store.CreateStrategy(ctx, models.Strategy{Name: "s", Type: "time_decay"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, evType := range []string{models.EventInfo, models.EventSignal, models.EventError} {
		if err := store.AppendStrategyEvent(ctx, models.StrategyEvent{
			StrategyID: st.ID,
			Type:       evType,
			Message:    "m",
		}); err != nil {
			t.Fatalf("append %s: %v", evType, err)
		}
	}

	events, err := store.ListStrategyEvents(ctx, st.ID, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
}

func TestPositionUniquePerStrategyToken(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st, err := store.CreateStrategy(ctx, models.Strategy{Name: "s", Type: "time_decay"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := store.ApplyFill(ctx, st.ID, "T", models.SideBuy,
			decimal.NewFromInt(10), decimal.RequireFromString("0.9")); err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
	}

	positions, err := store.ListPositions(ctx, st.ID)
	if err != nil {
		t.Fatalf("list positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position row, got %d", len(positions))
	}
	if !positions[0].Size.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("size %s, want 30", positions[0].Size)
	}
}

func TestTradeStatusTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	trade, err := store.InsertTrade(ctx, models.Trade{
		StrategyID: "s1",
		AssetID:    "T",
		Side:       models.SideBuy,
		Price:      decimal.RequireFromString("0.95"),
		Size:       decimal.NewFromInt(10),
		Status:     models.TradePending,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := store.UpdateTradeStatus(ctx, trade.ID, models.TradeSubmitted, "venue-1"); err != nil {
		t.Fatalf("update: %v", err)
	}

	trades, err := store.ListTrades(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if trades[0].Status != models.TradeSubmitted || trades[0].OrderID != "venue-1" {
		t.Fatalf("unexpected trade: %+v", trades[0])
	}

	// Status-only update keeps the order id.
	if err := store.UpdateTradeStatus(ctx, trade.ID, models.TradeFilled, ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	trades, _ = store.ListTrades(ctx, "s1", 10)
	if trades[0].OrderID != "venue-1" {
		t.Fatalf("order id lost: %+v", trades[0])
	}
}
