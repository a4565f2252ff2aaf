package storage

import (
	"binance-momentum-bot-go/internal/models"
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
)

// InitDB initializes the database connection and creates necessary tables.
func InitDB(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// Every order the bots submitted, keyed by client order id.
	createOrdersTableSQL := `
	CREATE TABLE IF NOT EXISTS orders (
		client_order_id TEXT PRIMARY KEY,
		exchange_order_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		price REAL NOT NULL,
		quantity REAL NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		created_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createOrdersTableSQL); err != nil {
		return err
	}

	// One row per fully closed position.
	createTradesTableSQL := `
	CREATE TABLE IF NOT EXISTS trades (
		position_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		leverage INTEGER NOT NULL,
		margin REAL NOT NULL,
		pnl REAL NOT NULL,
		fees REAL NOT NULL,
		reason TEXT NOT NULL,
		opened_at INTEGER NOT NULL,
		closed_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createTradesTableSQL); err != nil {
		return err
	}

	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS trades_symbol_closed ON trades(symbol, closed_at);`)
	return err
}

// History is the sqlite-backed trade and order log.
type History struct {
	db *sql.DB
}

// OpenHistory opens (or creates) the history database at path.
func OpenHistory(path string) (*History, error) {
	db, err := InitDB(path)
	if err != nil {
		return nil, err
	}
	return &History{db: db}, nil
}

// RecordTrade stores a closed position. Recording the same position twice keeps the latest row.
func (h *History) RecordTrade(ctx context.Context, t models.ClosedTrade) error {
	query := `
	INSERT OR REPLACE INTO trades (position_id, symbol, side, quantity, entry_price, exit_price, leverage, margin, pnl, fees, reason, opened_at, closed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := h.db.ExecContext(ctx, query,
		t.PositionID, t.Symbol, string(t.Side), t.Quantity, t.EntryPrice, t.ExitPrice, t.Leverage,
		t.Margin, t.PnL, t.Fees, t.Reason, t.OpenedAt.UnixMilli(), t.ClosedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", t.PositionID, err)
	}
	return nil
}

// RecordOrder stores a submitted order outcome.
func (h *History) RecordOrder(ctx context.Context, side models.OrderSide, orderType models.OrderType, res models.OrderResult) error {
	if res.ClientOrderID == "" {
		res.ClientOrderID = models.NewID("o")
	}
	if res.Time.IsZero() {
		res.Time = time.Now()
	}
	status := res.Status
	if status == "" && !res.Success {
		status = "FAILED"
	}

	query := `
	INSERT OR REPLACE INTO orders (client_order_id, exchange_order_id, symbol, side, type, price, quantity, status, reason, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := h.db.ExecContext(ctx, query,
		res.ClientOrderID, res.OrderID, res.Symbol, string(side), string(orderType),
		res.FillPrice, res.Quantity, status, res.Reason, res.Time.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", res.ClientOrderID, err)
	}
	return nil
}

// Trades returns closed trades, newest first. An empty symbol matches all.
func (h *History) Trades(ctx context.Context, symbol string, limit int) ([]models.ClosedTrade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
	SELECT position_id, symbol, side, quantity, entry_price, exit_price, leverage, margin, pnl, fees, reason, opened_at, closed_at
	FROM trades
	WHERE (? = '' OR symbol = ?)
	ORDER BY closed_at DESC
	LIMIT ?`

	rows, err := h.db.QueryContext(ctx, query, symbol, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.ClosedTrade
	for rows.Next() {
		var t models.ClosedTrade
		var side string
		var opened, closed int64
		if err := rows.Scan(&t.PositionID, &t.Symbol, &side, &t.Quantity, &t.EntryPrice, &t.ExitPrice,
			&t.Leverage, &t.Margin, &t.PnL, &t.Fees, &t.Reason, &opened, &closed); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.Side = models.PositionSide(side)
		t.OpenedAt = time.UnixMilli(opened)
		t.ClosedAt = time.UnixMilli(closed)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// SymbolSummary aggregates closed trades of one symbol.
type SymbolSummary struct {
	Symbol string
	Trades int
	Wins   int
	PnL    float64
	Fees   float64
}

// WinRate is the percentage of winning trades.
func (s SymbolSummary) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades) * 100
}

// Summary aggregates trades per symbol.
func (h *History) Summary(ctx context.Context) ([]SymbolSummary, error) {
	query := `
	SELECT symbol, COUNT(*), SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), SUM(pnl), SUM(fees)
	FROM trades
	GROUP BY symbol
	ORDER BY symbol`

	rows, err := h.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade summary: %w", err)
	}
	defer rows.Close()

	var out []SymbolSummary
	for rows.Next() {
		var s SymbolSummary
		if err := rows.Scan(&s.Symbol, &s.Trades, &s.Wins, &s.PnL, &s.Fees); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close gracefully closes the connection to the database.
func (h *History) Close() error {
	return h.db.Close()
}
