// Package storage wraps SQLite persistence for credentials, tracked users,
// copy trades, strategies, positions and trades. Schema migrations run at
// open.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradingengine/models"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrStillActive is returned when deleting a tracked user that has not
// been archived first.
var ErrStillActive = errors.New("storage: tracked user still active")

var addressRegex = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// Store wraps the embedded SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (and creates if needed) the SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("storage: db path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", filepath.Dir(dbPath), err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	store := &Store{db: db}
	if err := store.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) runMigrations(ctx context.Context) error {
	const schema = `
    PRAGMA foreign_keys = ON;

    CREATE TABLE IF NOT EXISTS credentials (
        id TEXT PRIMARY KEY,
        api_key TEXT NOT NULL DEFAULT '',
        api_secret TEXT NOT NULL DEFAULT '',
        api_passphrase TEXT NOT NULL DEFAULT '',
        wallet_address TEXT NOT NULL DEFAULT '',
        signer_address TEXT NOT NULL DEFAULT '',
        private_key TEXT NOT NULL DEFAULT '',
        updated_at TEXT
    );

    CREATE TABLE IF NOT EXISTS tracked_users (
        address TEXT PRIMARY KEY,
        label TEXT NOT NULL DEFAULT '',
        active INTEGER NOT NULL DEFAULT 1,
        created_at TEXT,
        updated_at TEXT
    );

    CREATE TABLE IF NOT EXISTS copy_trading_settings (
        id TEXT PRIMARY KEY,
        sizing_mode TEXT NOT NULL DEFAULT 'fixed',
        fixed_amount TEXT NOT NULL DEFAULT '10',
        proportional_factor TEXT NOT NULL DEFAULT '0.1',
        percentage TEXT NOT NULL DEFAULT '5',
        enabled INTEGER NOT NULL DEFAULT 0
    );

    CREATE TABLE IF NOT EXISTS copy_trades (
        id TEXT PRIMARY KEY,
        source_address TEXT NOT NULL,
        original_trade_id TEXT NOT NULL,
        market TEXT,
        asset_id TEXT,
        side TEXT,
        original_size TEXT,
        original_price TEXT,
        copy_size TEXT,
        status TEXT NOT NULL,
        executed_at TEXT,
        error_message TEXT,
        title TEXT,
        outcome TEXT,
        event_slug TEXT,
        created_at TEXT
    );
    CREATE UNIQUE INDEX IF NOT EXISTS idx_copy_trades_original
        ON copy_trades(original_trade_id);

    CREATE TABLE IF NOT EXISTS strategies (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        type TEXT NOT NULL,
        config TEXT NOT NULL DEFAULT '{}',
        status TEXT NOT NULL DEFAULT 'stopped',
        paper_mode INTEGER NOT NULL DEFAULT 1,
        created_at TEXT,
        updated_at TEXT
    );

    CREATE TABLE IF NOT EXISTS strategy_events (
        id TEXT PRIMARY KEY,
        strategy_id TEXT NOT NULL,
        type TEXT NOT NULL,
        message TEXT,
        metadata TEXT,
        inserted_at TEXT,
        FOREIGN KEY (strategy_id) REFERENCES strategies(id) ON DELETE CASCADE
    );
    CREATE INDEX IF NOT EXISTS idx_strategy_events_strategy
        ON strategy_events(strategy_id, datetime(inserted_at) DESC);

    CREATE TABLE IF NOT EXISTS positions (
        id TEXT PRIMARY KEY,
        strategy_id TEXT NOT NULL,
        token_id TEXT NOT NULL,
        side TEXT,
        size TEXT NOT NULL DEFAULT '0',
        avg_price TEXT NOT NULL DEFAULT '0',
        current_price TEXT NOT NULL DEFAULT '0',
        updated_at TEXT,
        FOREIGN KEY (strategy_id) REFERENCES strategies(id) ON DELETE CASCADE
    );
    CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_strategy_token
        ON positions(strategy_id, token_id);

    CREATE TABLE IF NOT EXISTS trades (
        id TEXT PRIMARY KEY,
        type TEXT NOT NULL DEFAULT 'strategy',
        strategy_id TEXT,
        market_id TEXT,
        asset_id TEXT,
        side TEXT,
        price TEXT,
        size TEXT,
        status TEXT NOT NULL,
        order_id TEXT,
        title TEXT,
        outcome TEXT,
        pnl TEXT,
        inserted_at TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_trades_strategy
        ON trades(strategy_id, datetime(inserted_at) DESC);
    `

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// --- Credentials (singleton row keyed "default") ---

// GetCredentials returns the stored credential set, or an empty set when
// none has been saved yet.
func (s *Store) GetCredentials(ctx context.Context) (models.Credentials, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT api_key, api_secret, api_passphrase, wallet_address, signer_address, private_key, updated_at
        FROM credentials WHERE id = 'default'`)

	var c models.Credentials
	var updatedAt sql.NullString
	if err := row.Scan(&c.APIKey, &c.APISecret, &c.APIPassphrase, &c.WalletAddress, &c.SignerAddress, &c.PrivateKey, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Credentials{}, nil
		}
		return models.Credentials{}, err
	}
	if updatedAt.Valid {
		c.UpdatedAt = parseTime(updatedAt.String)
	}
	return c, nil
}

// UpdateCredentials validates and persists the credential set. Addresses
// are lowercased and must match the 0x-prefixed 40-hex-char form.
func (s *Store) UpdateCredentials(ctx context.Context, c models.Credentials) error {
	c.WalletAddress = strings.ToLower(strings.TrimSpace(c.WalletAddress))
	c.SignerAddress = strings.ToLower(strings.TrimSpace(c.SignerAddress))

	if c.WalletAddress != "" && !addressRegex.MatchString(c.WalletAddress) {
		return fmt.Errorf("storage: invalid wallet address %q", c.WalletAddress)
	}
	if c.SignerAddress != "" && !addressRegex.MatchString(c.SignerAddress) {
		return fmt.Errorf("storage: invalid signer address %q", c.SignerAddress)
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO credentials (id, api_key, api_secret, api_passphrase, wallet_address, signer_address, private_key, updated_at)
        VALUES ('default', ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            api_key = excluded.api_key,
            api_secret = excluded.api_secret,
            api_passphrase = excluded.api_passphrase,
            wallet_address = excluded.wallet_address,
            signer_address = excluded.signer_address,
            private_key = excluded.private_key,
            updated_at = excluded.updated_at
    `, c.APIKey, c.APISecret, c.APIPassphrase, c.WalletAddress, c.SignerAddress, c.PrivateKey, timeString(time.Now()))
	return err
}

// --- Tracked users ---

// UpsertTrackedUser adds or reactivates a tracked wallet address.
func (s *Store) UpsertTrackedUser(ctx context.Context, address, label string) (models.TrackedUser, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if !addressRegex.MatchString(address) {
		return models.TrackedUser{}, fmt.Errorf("storage: invalid address %q", address)
	}

	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO tracked_users (address, label, active, created_at, updated_at)
        VALUES (?, ?, 1, ?, ?)
        ON CONFLICT(address) DO UPDATE SET
            label = excluded.label,
            active = 1,
            updated_at = excluded.updated_at
    `, address, label, timeString(now), timeString(now))
	if err != nil {
		return models.TrackedUser{}, err
	}

	return s.GetTrackedUser(ctx, address)
}

// GetTrackedUser returns one tracked user row.
func (s *Store) GetTrackedUser(ctx context.Context, address string) (models.TrackedUser, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	row := s.db.QueryRowContext(ctx, `
        SELECT address, label, active, created_at, updated_at
        FROM tracked_users WHERE address = ?`, address)
	return scanTrackedUser(row)
}

// SetTrackedUserActive archives (false) or restores (true) a tracked user.
func (s *Store) SetTrackedUserActive(ctx context.Context, address string, active bool) error {
	address = strings.ToLower(strings.TrimSpace(address))
	res, err := s.db.ExecContext(ctx, `
        UPDATE tracked_users SET active = ?, updated_at = ? WHERE address = ?`,
		boolInt(active), timeString(time.Now()), address)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTrackedUser permanently removes a tracked user. Only archived
// (active=false) rows may be deleted.
func (s *Store) DeleteTrackedUser(ctx context.Context, address string) error {
	address = strings.ToLower(strings.TrimSpace(address))

	user, err := s.GetTrackedUser(ctx, address)
	if err != nil {
		return err
	}
	if user.Active {
		return ErrStillActive
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM tracked_users WHERE address = ?`, address)
	return err
}

// ListTrackedUsers returns tracked users, optionally active ones only.
func (s *Store) ListTrackedUsers(ctx context.Context, activeOnly bool) ([]models.TrackedUser, error) {
	query := `SELECT address, label, active, created_at, updated_at FROM tracked_users ORDER BY created_at`
	if activeOnly {
		query = `SELECT address, label, active, created_at, updated_at FROM tracked_users WHERE active = 1 ORDER BY created_at`
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.TrackedUser
	for rows.Next() {
		u, err := scanTrackedUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Copy trading settings (singleton row keyed "default") ---

// GetCopyTradingSettings returns the settings, falling back to defaults
// when no row exists.
func (s *Store) GetCopyTradingSettings(ctx context.Context) (models.CopyTradingSettings, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT sizing_mode, fixed_amount, proportional_factor, percentage, enabled
        FROM copy_trading_settings WHERE id = 'default'`)

	var cfg models.CopyTradingSettings
	var fixed, factor, pct string
	var enabled int
	if err := row.Scan(&cfg.SizingMode, &fixed, &factor, &pct, &enabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CopyTradingSettings{
				SizingMode:         models.SizingFixed,
				FixedAmount:        decimal.NewFromInt(10),
				ProportionalFactor: decimal.NewFromFloat(0.1),
				Percentage:         decimal.NewFromInt(5),
			}, nil
		}
		return cfg, err
	}
	cfg.FixedAmount = parseDecimal(fixed)
	cfg.ProportionalFactor = parseDecimal(factor)
	cfg.Percentage = parseDecimal(pct)
	cfg.Enabled = enabled == 1
	return cfg, nil
}

// UpdateCopyTradingSettings validates and persists the settings.
func (s *Store) UpdateCopyTradingSettings(ctx context.Context, cfg models.CopyTradingSettings) error {
	switch cfg.SizingMode {
	case models.SizingFixed, models.SizingProportional, models.SizingPercentage:
	default:
		return fmt.Errorf("storage: invalid sizing mode %q", cfg.SizingMode)
	}
	if !cfg.FixedAmount.IsPositive() {
		return fmt.Errorf("storage: fixed amount must be positive")
	}
	if !cfg.ProportionalFactor.IsPositive() {
		return fmt.Errorf("storage: proportional factor must be positive")
	}
	if !cfg.Percentage.IsPositive() || cfg.Percentage.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("storage: percentage must be in (0, 100]")
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO copy_trading_settings (id, sizing_mode, fixed_amount, proportional_factor, percentage, enabled)
        VALUES ('default', ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            sizing_mode = excluded.sizing_mode,
            fixed_amount = excluded.fixed_amount,
            proportional_factor = excluded.proportional_factor,
            percentage = excluded.percentage,
            enabled = excluded.enabled
    `, cfg.SizingMode, cfg.FixedAmount.String(), cfg.ProportionalFactor.String(), cfg.Percentage.String(), boolInt(cfg.Enabled))
	return err
}

// --- Copy trades ---

// InsertCopyTrade inserts a copy trade, relying on the unique index on
// original_trade_id for idempotence. Returns false when a row for the
// original trade already existed.
func (s *Store) InsertCopyTrade(ctx context.Context, ct models.CopyTrade) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO copy_trades (
            id, source_address, original_trade_id, market, asset_id, side,
            original_size, original_price, copy_size, status, executed_at,
            error_message, title, outcome, event_slug, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(original_trade_id) DO NOTHING
    `,
		ct.ID, ct.SourceAddress, ct.OriginalTradeID, ct.Market, ct.AssetID, string(ct.Side),
		ct.OriginalSize.String(), ct.OriginalPrice.String(), ct.CopySize.String(), ct.Status,
		nullableTime(ct.ExecutedAt), ct.ErrorMessage, ct.Title, ct.Outcome, ct.EventSlug,
		timeString(time.Now()))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CopyTradeExists reports whether a copy trade exists for the original
// trade id.
func (s *Store) CopyTradeExists(ctx context.Context, originalTradeID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM copy_trades WHERE original_trade_id = ?`, originalTradeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetCopyTrade returns one copy trade by row id.
func (s *Store) GetCopyTrade(ctx context.Context, id string) (models.CopyTrade, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, source_address, original_trade_id, market, asset_id, side,
               original_size, original_price, copy_size, status, executed_at,
               error_message, title, outcome, event_slug, created_at
        FROM copy_trades WHERE id = ?`, id)
	return scanCopyTrade(row)
}

// UpdateCopyTradeResult transitions a copy trade's status after an
// execution or retry attempt.
func (s *Store) UpdateCopyTradeResult(ctx context.Context, id, status, errorMessage string, executedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE copy_trades SET status = ?, error_message = ?, executed_at = ? WHERE id = ?`,
		status, errorMessage, nullableTime(executedAt), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCopyTrades returns the most recent copy trades.
func (s *Store) ListCopyTrades(ctx context.Context, limit int) ([]models.CopyTrade, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT id, source_address, original_trade_id, market, asset_id, side,
               original_size, original_price, copy_size, status, executed_at,
               error_message, title, outcome, event_slug, created_at
        FROM copy_trades
        ORDER BY datetime(created_at) DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []models.CopyTrade
	for rows.Next() {
		ct, err := scanCopyTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, ct)
	}
	return trades, rows.Err()
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrackedUser(row rowScanner) (models.TrackedUser, error) {
	var u models.TrackedUser
	var active int
	var createdAt, updatedAt sql.NullString
	if err := row.Scan(&u.Address, &u.Label, &active, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return u, ErrNotFound
		}
		return u, err
	}
	u.Active = active == 1
	if createdAt.Valid {
		u.CreatedAt = parseTime(createdAt.String)
	}
	if updatedAt.Valid {
		u.UpdatedAt = parseTime(updatedAt.String)
	}
	return u, nil
}

func scanCopyTrade(row rowScanner) (models.CopyTrade, error) {
	var ct models.CopyTrade
	var side, origSize, origPrice, copySize string
	var executedAt, errMsg, createdAt sql.NullString
	if err := row.Scan(&ct.ID, &ct.SourceAddress, &ct.OriginalTradeID, &ct.Market, &ct.AssetID, &side,
		&origSize, &origPrice, &copySize, &ct.Status, &executedAt,
		&errMsg, &ct.Title, &ct.Outcome, &ct.EventSlug, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ct, ErrNotFound
		}
		return ct, err
	}
	ct.Side = models.Side(side)
	ct.OriginalSize = parseDecimal(origSize)
	ct.OriginalPrice = parseDecimal(origPrice)
	ct.CopySize = parseDecimal(copySize)
	if executedAt.Valid && executedAt.String != "" {
		t := parseTime(executedAt.String)
		ct.ExecutedAt = &t
	}
	if errMsg.Valid {
		ct.ErrorMessage = errMsg.String
	}
	if createdAt.Valid {
		ct.CreatedAt = parseTime(createdAt.String)
	}
	return ct, nil
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

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func timeString(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return timeString(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
