package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradingengine/models"
)

// --- Strategies ---

// CreateStrategy inserts a new strategy row with a generated id.
func (s *Store) CreateStrategy(ctx context.Context, st models.Strategy) (models.Strategy, error) {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.Status == "" {
		st.Status = models.StrategyStopped
	}
	if len(st.Config) == 0 {
		st.Config = json.RawMessage("{}")
	}
	now := time.Now()
	st.CreatedAt = now
	st.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO strategies (id, name, type, config, status, paper_mode, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `, st.ID, st.Name, st.Type, string(st.Config), st.Status, boolInt(st.PaperMode),
		timeString(now), timeString(now))
	if err != nil {
		return models.Strategy{}, err
	}
	return st, nil
}

// GetStrategy returns one strategy by id.
func (s *Store) GetStrategy(ctx context.Context, id string) (models.Strategy, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, name, type, config, status, paper_mode, created_at, updated_at
        FROM strategies WHERE id = ?`, id)
	return scanStrategy(row)
}

// ListStrategies returns all strategies ordered by creation time.
func (s *Store) ListStrategies(ctx context.Context) ([]models.Strategy, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, name, type, config, status, paper_mode, created_at, updated_at
        FROM strategies ORDER BY datetime(created_at)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var strategies []models.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, st)
	}
	return strategies, rows.Err()
}

// UpdateStrategy persists name, config and paper mode changes.
func (s *Store) UpdateStrategy(ctx context.Context, st models.Strategy) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE strategies SET name = ?, config = ?, paper_mode = ?, updated_at = ?
        WHERE id = ?`,
		st.Name, string(st.Config), boolInt(st.PaperMode), timeString(time.Now()), st.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStrategyStatus persists the last lifecycle intent for a strategy.
func (s *Store) UpdateStrategyStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE strategies SET status = ?, updated_at = ? WHERE id = ?`,
		status, timeString(time.Now()), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteStrategy removes a strategy and its events and positions.
func (s *Store) DeleteStrategy(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Strategy events ---

// AppendStrategyEvent writes one row to a strategy's append-only log.
func (s *Store) AppendStrategyEvent(ctx context.Context, ev models.StrategyEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	metadata := "{}"
	if len(ev.Metadata) > 0 {
		metadata = string(ev.Metadata)
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO strategy_events (id, strategy_id, type, message, metadata, inserted_at)
        VALUES (?, ?, ?, ?, ?, ?)
    `, ev.ID, ev.StrategyID, ev.Type, ev.Message, metadata, timeString(time.Now()))
	return err
}

// ListStrategyEvents returns the most recent events for a strategy.
func (s *Store) ListStrategyEvents(ctx context.Context, strategyID string, limit int) ([]models.StrategyEvent, error) {
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT id, strategy_id, type, message, metadata, inserted_at
        FROM strategy_events
        WHERE strategy_id = ?
        ORDER BY datetime(inserted_at) DESC
        LIMIT ?`, strategyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.StrategyEvent
	for rows.Next() {
		var ev models.StrategyEvent
		var metadata, insertedAt sql.NullString
		if err := rows.Scan(&ev.ID, &ev.StrategyID, &ev.Type, &ev.Message, &metadata, &insertedAt); err != nil {
			return nil, err
		}
		if metadata.Valid {
			ev.Metadata = json.RawMessage(metadata.String)
		}
		if insertedAt.Valid {
			ev.InsertedAt = parseTime(insertedAt.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Positions ---

// GetPosition returns a strategy's position in one token.
func (s *Store) GetPosition(ctx context.Context, strategyID, tokenID string) (models.Position, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, strategy_id, token_id, side, size, avg_price, current_price, updated_at
        FROM positions WHERE strategy_id = ? AND token_id = ?`, strategyID, tokenID)
	return scanPosition(row)
}

// ListPositions returns all positions for a strategy.
func (s *Store) ListPositions(ctx context.Context, strategyID string) ([]models.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, strategy_id, token_id, side, size, avg_price, current_price, updated_at
        FROM positions WHERE strategy_id = ? ORDER BY datetime(updated_at) DESC`, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ApplyFill folds one fill into a strategy's position inside a
// transaction. Buys grow size and recompute the size-weighted average
// price; sells shrink size and leave the average untouched. New positions
// are created with side YES for buys and NO for sells.
func (s *Store) ApplyFill(ctx context.Context, strategyID, tokenID string, side models.Side, size, price decimal.Decimal) (models.Position, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Position{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
        SELECT id, strategy_id, token_id, side, size, avg_price, current_price, updated_at
        FROM positions WHERE strategy_id = ? AND token_id = ?`, strategyID, tokenID)
	pos, err := scanPosition(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return models.Position{}, err
	}

	now := time.Now()
	if errors.Is(err, ErrNotFound) {
		posSide := "YES"
		if side == models.SideSell {
			posSide = "NO"
		}
		pos = models.Position{
			ID:         uuid.NewString(),
			StrategyID: strategyID,
			TokenID:    tokenID,
			Side:       posSide,
		}
	}

	switch side {
	case models.SideBuy:
		newSize := pos.Size.Add(size)
		if newSize.IsPositive() {
			pos.AvgPrice = pos.Size.Mul(pos.AvgPrice).Add(size.Mul(price)).Div(newSize)
		}
		pos.Size = newSize
	case models.SideSell:
		pos.Size = pos.Size.Sub(size)
	default:
		return models.Position{}, fmt.Errorf("storage: unknown side %q", side)
	}
	pos.CurrentPrice = price
	pos.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
        INSERT INTO positions (id, strategy_id, token_id, side, size, avg_price, current_price, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(strategy_id, token_id) DO UPDATE SET
            size = excluded.size,
            avg_price = excluded.avg_price,
            current_price = excluded.current_price,
            updated_at = excluded.updated_at
    `, pos.ID, pos.StrategyID, pos.TokenID, pos.Side,
		pos.Size.String(), pos.AvgPrice.String(), pos.CurrentPrice.String(), timeString(now))
	if err != nil {
		return models.Position{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.Position{}, err
	}
	return pos, nil
}

// --- Trades ---

// InsertTrade writes one strategy trade row.
func (s *Store) InsertTrade(ctx context.Context, t models.Trade) (models.Trade, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Type == "" {
		t.Type = "strategy"
	}
	t.InsertedAt = time.Now()

	var pnl interface{}
	if t.PNL != nil {
		pnl = t.PNL.String()
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO trades (id, type, strategy_id, market_id, asset_id, side, price, size, status, order_id, title, outcome, pnl, inserted_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, t.ID, t.Type, t.StrategyID, t.MarketID, t.AssetID, string(t.Side),
		t.Price.String(), t.Size.String(), t.Status, t.OrderID, t.Title, t.Outcome, pnl,
		timeString(t.InsertedAt))
	if err != nil {
		return models.Trade{}, err
	}
	return t, nil
}

// UpdateTradeStatus transitions a trade's status, optionally attaching the
// venue order id.
func (s *Store) UpdateTradeStatus(ctx context.Context, id, status, orderID string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE trades SET status = ?, order_id = CASE WHEN ? != '' THEN ? ELSE order_id END
        WHERE id = ?`, status, orderID, orderID, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTrades returns the most recent trades, optionally for one strategy.
func (s *Store) ListTrades(ctx context.Context, strategyID string, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 200
	}

	var (
		rows *sql.Rows
		err  error
	)
	if strategyID == "" {
		rows, err = s.db.QueryContext(ctx, `
            SELECT id, type, strategy_id, market_id, asset_id, side, price, size, status, order_id, title, outcome, pnl, inserted_at
            FROM trades ORDER BY datetime(inserted_at) DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
            SELECT id, type, strategy_id, market_id, asset_id, side, price, size, status, order_id, title, outcome, pnl, inserted_at
            FROM trades WHERE strategy_id = ? ORDER BY datetime(inserted_at) DESC LIMIT ?`, strategyID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var side, price, size string
		var strategyIDCol, orderID, pnl, insertedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.Type, &strategyIDCol, &t.MarketID, &t.AssetID, &side, &price, &size,
			&t.Status, &orderID, &t.Title, &t.Outcome, &pnl, &insertedAt); err != nil {
			return nil, err
		}
		t.Side = models.Side(side)
		t.Price = parseDecimal(price)
		t.Size = parseDecimal(size)
		if strategyIDCol.Valid {
			t.StrategyID = strategyIDCol.String
		}
		if orderID.Valid {
			t.OrderID = orderID.String
		}
		if pnl.Valid && pnl.String != "" {
			d := parseDecimal(pnl.String)
			t.PNL = &d
		}
		if insertedAt.Valid {
			t.InsertedAt = parseTime(insertedAt.String)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func scanStrategy(row rowScanner) (models.Strategy, error) {
	var st models.Strategy
	var config string
	var paperMode int
	var createdAt, updatedAt sql.NullString
	if err := row.Scan(&st.ID, &st.Name, &st.Type, &config, &st.Status, &paperMode, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return st, ErrNotFound
		}
		return st, err
	}
	st.Config = json.RawMessage(config)
	st.PaperMode = paperMode == 1
	if createdAt.Valid {
		st.CreatedAt = parseTime(createdAt.String)
	}
	if updatedAt.Valid {
		st.UpdatedAt = parseTime(updatedAt.String)
	}
	return st, nil
}

func scanPosition(row rowScanner) (models.Position, error) {
	var p models.Position
	var size, avgPrice, currentPrice string
	var updatedAt sql.NullString
	if err := row.Scan(&p.ID, &p.StrategyID, &p.TokenID, &p.Side, &size, &avgPrice, &currentPrice, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, ErrNotFound
		}
		return p, err
	}
	p.Size = parseDecimal(size)
	p.AvgPrice = parseDecimal(avgPrice)
	p.CurrentPrice = parseDecimal(currentPrice)
	if updatedAt.Valid {
		p.UpdatedAt = parseTime(updatedAt.String)
	}
	return p, nil
}
